package mocks

import (
	"context"
	"sync"

	"github.com/Kush-Singh-26/devserve/internal/supervisor"
)

// MockSpawner is a supervisor.Spawner that records spawn calls instead of
// starting anything.
type MockSpawner struct {
	mu sync.Mutex

	// FailOn makes Spawn return Err for the job with this name.
	FailOn string
	Err    error

	Spawned   []supervisor.Job
	Processes []*MockProcess
}

// NewMockSpawner creates a new mock spawner
func NewMockSpawner() *MockSpawner {
	return &MockSpawner{}
}

// Spawn records job and returns a MockProcess handle
func (m *MockSpawner) Spawn(_ context.Context, job supervisor.Job) (supervisor.Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailOn != "" && job.Name == m.FailOn {
		return nil, m.Err
	}
	m.Spawned = append(m.Spawned, job)
	p := &MockProcess{JobName: job.Name, PID: 1000 + len(m.Spawned)}
	m.Processes = append(m.Processes, p)
	return p, nil
}

// Calls returns a copy of the recorded jobs
func (m *MockSpawner) Calls() []supervisor.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]supervisor.Job, len(m.Spawned))
	copy(out, m.Spawned)
	return out
}

// MockProcess is a recorded process handle
type MockProcess struct {
	mu      sync.Mutex
	JobName string
	PID     int
	StopErr error
	stopped int
}

func (p *MockProcess) Name() string { return p.JobName }

func (p *MockProcess) Pid() int { return p.PID }

// Stop counts the call and returns StopErr
func (p *MockProcess) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped++
	return p.StopErr
}

// StopCount reports how many times Stop was called
func (p *MockProcess) StopCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}
