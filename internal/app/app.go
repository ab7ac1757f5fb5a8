// Package app wires devserve together: configure, spawn the watch jobs,
// then bind and serve until the context ends.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/Kush-Singh-26/devserve/internal/config"
	"github.com/Kush-Singh-26/devserve/internal/server"
	"github.com/Kush-Singh-26/devserve/internal/supervisor"
	"github.com/Kush-Singh-26/devserve/internal/watch"
)

// Option customizes an App.
type Option func(*options)

type options struct {
	fs          afero.Fs
	serverOpts  []server.Option
	spawnerOpts []supervisor.Option
}

// WithFs serves fsys instead of the configured root directory.
func WithFs(fsys afero.Fs) Option {
	return func(o *options) { o.fs = fsys }
}

// WithListen replaces the server's bind function.
func WithListen(listen func(network, address string) (net.Listener, error)) Option {
	return func(o *options) { o.serverOpts = append(o.serverOpts, server.WithListen(listen)) }
}

// WithOutput replaces the writer that receives the startup announcement.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.serverOpts = append(o.serverOpts, server.WithOutput(w)) }
}

// WithSpawner registers sp for jobs of the given kind.
func WithSpawner(kind supervisor.Kind, sp supervisor.Spawner) Option {
	return func(o *options) { o.spawnerOpts = append(o.spawnerOpts, supervisor.WithSpawner(kind, sp)) }
}

// App is a configured, not yet started devserve.
type App struct {
	cfg  *config.Config
	srv  *server.Server
	jobs *supervisor.Supervisor

	// diskRoot is the absolute served directory, empty when the files
	// come from an injected filesystem.
	diskRoot string
}

// New builds the server and supervisor from cfg.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	fsys := o.fs
	var diskRoot string
	if fsys == nil {
		var err error
		if fsys, err = server.RootFs(cfg.Root); err != nil {
			return nil, err
		}
		if diskRoot, err = filepath.Abs(cfg.Root); err != nil {
			return nil, err
		}
	}

	srv, err := server.New(fsys, server.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		MIMETypes:       cfg.MIMETypes,
		Compress:        cfg.Compress,
		ETag:            cfg.ETag,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, o.serverOpts...)
	if err != nil {
		return nil, err
	}

	jobs, err := supervisor.JobsFromConfig(cfg.Jobs)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		srv:      srv,
		jobs:     supervisor.New(jobs, o.spawnerOpts...),
		diskRoot: diskRoot,
	}, nil
}

// Jobs returns the supervisor of the watch jobs.
func (a *App) Jobs() *supervisor.Supervisor {
	return a.jobs
}

// Run spawns the watch jobs and then serves until ctx is done. A spawn
// failure returns before the server binds.
func (a *App) Run(ctx context.Context) error {
	if err := a.jobs.Start(ctx); err != nil {
		a.stopJobs()
		return err
	}
	defer a.stopJobs()

	if a.cfg.WatchOutput {
		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := a.startOutputWatcher(watchCtx); err != nil {
			slog.Warn("Output watcher disabled", "error", err)
		}
	}

	return a.srv.ListenAndServe(ctx)
}

func (a *App) stopJobs() {
	if !a.cfg.StopJobsOnExit {
		return
	}
	if err := a.jobs.StopAll(); err != nil {
		slog.Warn("Failed to stop watch jobs", "error", err)
	}
}

func (a *App) startOutputWatcher(ctx context.Context) error {
	root := a.diskRoot
	if root == "" {
		return errors.New("served files are not a directory on disk")
	}
	w, err := watch.New([]string{root}, func(paths []string) {
		for _, p := range paths {
			rel, err := filepath.Rel(root, p)
			if err != nil {
				rel = p
			}
			slog.Info("Output changed", "path", filepath.ToSlash(rel))
		}
	}, watch.WithDebounce(a.cfg.Debounce))
	if err != nil {
		return err
	}

	go func() {
		if err := w.Run(ctx); err != nil {
			slog.Warn("Output watcher stopped", "error", err)
		}
	}()
	return nil
}
