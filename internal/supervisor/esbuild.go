package supervisor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// EsbuildOptions configure an in-process esbuild watch job.
type EsbuildOptions struct {
	EntryPoints []string
	Outdir      string
	Bundle      bool
	Minify      bool
	Sourcemap   bool
	Tsconfig    string
}

// EsbuildSpawner runs esbuild in watch mode inside this process. It
// transpiles TypeScript entry points to JavaScript without a node toolchain.
type EsbuildSpawner struct{}

// Spawn creates the esbuild context and starts watching. The initial build
// runs in the background.
func (EsbuildSpawner) Spawn(_ context.Context, job Job) (Process, error) {
	opts := job.Esbuild
	if len(opts.EntryPoints) == 0 {
		return nil, errors.New("no entry points")
	}

	workDir := job.Dir
	if workDir == "" {
		workDir = "."
	}
	absDir, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	outdir := opts.Outdir
	if outdir == "" {
		outdir = "dist"
	}

	buildOptions := api.BuildOptions{
		EntryPoints:       opts.EntryPoints,
		Outdir:            outdir,
		Bundle:            opts.Bundle,
		Write:             true,
		AbsWorkingDir:     absDir,
		Tsconfig:          opts.Tsconfig,
		MinifyWhitespace:  opts.Minify,
		MinifyIdentifiers: opts.Minify,
		MinifySyntax:      opts.Minify,
		Platform:          api.PlatformBrowser,
		LogLevel:          api.LogLevelInfo,
	}
	if opts.Sourcemap {
		buildOptions.Sourcemap = api.SourceMapLinked
	}

	ctx, ctxErr := api.Context(buildOptions)
	if ctxErr != nil {
		return nil, fmt.Errorf("esbuild context: %s", formatMessages(ctxErr.Errors))
	}
	if err := ctx.Watch(api.WatchOptions{}); err != nil {
		ctx.Dispose()
		return nil, fmt.Errorf("esbuild watch: %w", err)
	}
	return &esbuildProcess{name: job.Name, ctx: ctx}, nil
}

func formatMessages(msgs []api.Message) string {
	if len(msgs) == 0 {
		return "unknown error"
	}
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Location != nil {
			parts = append(parts, fmt.Sprintf("%s:%d: %s", m.Location.File, m.Location.Line, m.Text))
			continue
		}
		parts = append(parts, m.Text)
	}
	return strings.Join(parts, "; ")
}

type esbuildProcess struct {
	name string
	ctx  api.BuildContext
}

func (p *esbuildProcess) Name() string { return p.name }

func (p *esbuildProcess) Pid() int { return 0 }

// Stop ends watch mode and releases the esbuild context.
func (p *esbuildProcess) Stop() error {
	p.ctx.Dispose()
	return nil
}
