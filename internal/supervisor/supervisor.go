// Package supervisor launches the background watch-mode builds.
//
// Jobs are started once, in order, and never restarted: a watch-mode
// compiler rebuilds on its own. Each started job is kept as a Process
// handle so callers can stop them later, but nothing waits on them.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Kind selects how a Job is launched.
type Kind string

const (
	KindExec    Kind = "exec"
	KindEsbuild Kind = "esbuild"
)

// Job is one watch-mode build.
type Job struct {
	Name    string
	Kind    Kind
	Command []string // Executable followed by its arguments
	Dir     string
	Env     []string // Appended to the parent environment
	Esbuild EsbuildOptions
}

// Process is the handle of a started Job.
type Process interface {
	Name() string
	Pid() int // 0 for in-process jobs
	Stop() error
}

// Spawner starts a Job without waiting for it to finish.
type Spawner interface {
	Spawn(ctx context.Context, job Job) (Process, error)
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithSpawner registers sp for jobs of the given kind.
func WithSpawner(kind Kind, sp Spawner) Option {
	return func(s *Supervisor) { s.spawners[kind] = sp }
}

// Supervisor starts jobs and keeps their handles.
type Supervisor struct {
	jobs     []Job
	spawners map[Kind]Spawner

	mu    sync.Mutex
	procs []Process
}

// New returns a Supervisor for jobs with the exec and esbuild spawners
// registered.
func New(jobs []Job, opts ...Option) *Supervisor {
	s := &Supervisor{
		jobs: jobs,
		spawners: map[Kind]Spawner{
			KindExec:    &ExecSpawner{},
			KindEsbuild: &EsbuildSpawner{},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start spawns every job in order. The first failure is returned and the
// remaining jobs are not started; handles of jobs already running stay
// recorded.
func (s *Supervisor) Start(ctx context.Context) error {
	for _, job := range s.jobs {
		kind := job.Kind
		if kind == "" {
			kind = KindExec
		}
		sp, ok := s.spawners[kind]
		if !ok {
			return fmt.Errorf("start watch job %q: no spawner for kind %q", job.Name, kind)
		}

		p, err := sp.Spawn(ctx, job)
		if err != nil {
			return fmt.Errorf("start watch job %q: %w", job.Name, err)
		}

		s.mu.Lock()
		s.procs = append(s.procs, p)
		s.mu.Unlock()
		slog.Info("Started watch job", "job", p.Name(), "pid", p.Pid(), "command", job.Command)
	}
	return nil
}

// Processes returns the handles of the started jobs in start order.
func (s *Supervisor) Processes() []Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Process, len(s.procs))
	copy(out, s.procs)
	return out
}

// StopAll stops every started job and forgets them.
func (s *Supervisor) StopAll() error {
	s.mu.Lock()
	procs := s.procs
	s.procs = nil
	s.mu.Unlock()

	var errs []error
	for _, p := range procs {
		if err := p.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", p.Name(), err))
			continue
		}
		slog.Debug("Stopped watch job", "job", p.Name(), "pid", p.Pid())
	}
	return errors.Join(errs...)
}
