package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// stopGrace is how long Stop waits after asking a child to terminate
// before killing it.
const stopGrace = 3 * time.Second

// ExecSpawner starts external commands. Output goes to the parent's
// stdout/stderr unless Stdout/Stderr are set.
type ExecSpawner struct {
	Stdout io.Writer
	Stderr io.Writer
}

// Spawn starts job.Command and returns immediately. The child is not tied
// to ctx: it keeps running if the caller's context ends.
func (e *ExecSpawner) Spawn(_ context.Context, job Job) (Process, error) {
	if len(job.Command) == 0 {
		return nil, errors.New("empty command")
	}

	cmd := exec.Command(job.Command[0], job.Command[1:]...)
	cmd.Dir = job.Dir
	if len(job.Env) > 0 {
		cmd.Env = append(os.Environ(), job.Env...)
	}
	cmd.Stdout = os.Stdout
	if e.Stdout != nil {
		cmd.Stdout = e.Stdout
	}
	cmd.Stderr = os.Stderr
	if e.Stderr != nil {
		cmd.Stderr = e.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProcess{name: job.Name, cmd: cmd, done: make(chan struct{})}
	// Reap the child so it does not linger as a zombie. Its exit status is
	// only logged.
	go func() {
		err := cmd.Wait()
		slog.Debug("Watch job exited", "job", p.name, "pid", p.Pid(), "error", err)
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	name string
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *execProcess) Name() string { return p.name }

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

// Stop asks the child to terminate and kills it after stopGrace.
func (p *execProcess) Stop() error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := terminate(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("terminate pid %d: %w", p.Pid(), err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(stopGrace):
	}

	slog.Warn("Watch job ignored terminate, killing", "job", p.name, "pid", p.Pid())
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", p.Pid(), err)
	}
	<-p.done
	return nil
}
