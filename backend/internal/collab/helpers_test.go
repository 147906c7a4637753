package collab

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(sec int64) *fakeClock { return &fakeClock{t: time.Unix(sec, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(sec int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = time.Unix(sec, 0)
}

type recordingGateway struct {
	mu     sync.Mutex
	notes  []Notification
	system []string
	err    error
	// block ignores ctx and sleeps, like a stuck transport
	block time.Duration
}

func (g *recordingGateway) Notify(_ context.Context, n Notification) error {
	if g.block > 0 {
		time.Sleep(g.block)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notes = append(g.notes, n)
	return g.err
}

func (g *recordingGateway) BroadcastSystemMessage(_ context.Context, containerID, message string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.system = append(g.system, containerID+":"+message)
	return g.err
}

func (g *recordingGateway) notifications() []Notification {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Notification(nil), g.notes...)
}

type commitRecorder struct {
	mu     sync.Mutex
	events []CommitEvent
}

func (r *commitRecorder) hook(evt CommitEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *commitRecorder) all() []CommitEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CommitEvent(nil), r.events...)
}

type testEnv struct {
	engine *Engine
	reg    *Registry
	gw     *recordingGateway
	clock  *fakeClock
	events *commitRecorder
}

func newTestEnv(t *testing.T, ropt RegistryOptions, eopt EngineOptions) *testEnv {
	t.Helper()
	env := &testEnv{
		gw:     &recordingGateway{},
		clock:  newFakeClock(1_000),
		events: &commitRecorder{},
	}
	if ropt.IdleTTL == 0 {
		ropt.IdleTTL = time.Hour
	}
	if ropt.Clock == nil {
		ropt.Clock = env.clock.Now
	}
	ropt.OnCommit = env.events.hook
	ropt.Logger = discardLogger()
	if eopt.Gateway == nil {
		eopt.Gateway = env.gw
	}
	eopt.Logger = discardLogger()

	env.reg = NewRegistry(ropt)
	env.engine = NewEngine(env.reg, eopt)
	t.Cleanup(env.engine.Close)
	return env
}

func ptr[T any](v T) *T { return &v }
