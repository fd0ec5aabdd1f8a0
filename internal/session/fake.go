package session

import (
	"context"
	"sync"
)

// FakeRunner is an in-memory Runner double for scheduler/jobengine tests,
// avoiding a dependency on a real screen/pgrep/pkill toolchain in CI.
type FakeRunner struct {
	mu       sync.Mutex
	alive    map[string]int
	started  map[string]string
	startEnv map[string][]string
	killed   map[string]bool
	nextPID  int
	StartErr error
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		alive:    map[string]int{},
		started:  map[string]string{},
		startEnv: map[string][]string{},
		killed:   map[string]bool{},
		nextPID:  1000,
	}
}

func (r *FakeRunner) Start(ctx context.Context, name, script string, env []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.StartErr != nil {
		return r.StartErr
	}
	r.nextPID++
	r.alive[name] = r.nextPID
	r.started[name] = script
	r.startEnv[name] = append([]string(nil), env...)
	return nil
}

// EnvFor returns the environment a prior Start call recorded for name, for
// tests asserting on injected variables.
func (r *FakeRunner) EnvFor(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startEnv[name]
}

func (r *FakeRunner) PID(ctx context.Context, name string) (int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pid, ok := r.alive[name]
	return pid, ok, nil
}

func (r *FakeRunner) IsAlive(ctx context.Context, name string) (bool, error) {
	_, ok, _ := r.PID(ctx, name)
	return ok, nil
}

func (r *FakeRunner) Kill(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.alive, name)
	r.killed[name] = true
	return nil
}

// Finish simulates the session's natural exit, as if the user command
// returned, without an explicit Kill call.
func (r *FakeRunner) Finish(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.alive, name)
}

func (r *FakeRunner) WasKilled(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.killed[name]
}
