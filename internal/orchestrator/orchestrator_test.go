package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/orchestkit/agentkernel/internal/agentcontract"
	"github.com/orchestkit/agentkernel/internal/bus"
	"github.com/orchestkit/agentkernel/internal/busmodel"
	"github.com/orchestkit/agentkernel/internal/config"
	"github.com/orchestkit/agentkernel/internal/kerrors"
	"github.com/orchestkit/agentkernel/internal/plugin"
	"github.com/orchestkit/agentkernel/internal/registry"
)

var errProcess = errors.New("boom")

type fakeAgent struct {
	healthy   bool
	mu        sync.Mutex
	processed []*busmodel.Message
	errOn     string
}

func (f *fakeAgent) Initialize(context.Context, map[string]interface{}) error { return nil }
func (f *fakeAgent) Terminate() error                                         { return nil }
func (f *fakeAgent) Pause() error                                             { return nil }
func (f *fakeAgent) Resume() error                                            { return nil }
func (f *fakeAgent) HealthProbe() bool                                        { return f.healthy }
func (f *fakeAgent) OnError(error, *busmodel.Message)                         {}
func (f *fakeAgent) CustomMetrics() map[string]interface{}                    { return nil }

func (f *fakeAgent) ProcessMessage(msg *busmodel.Message) error {
	f.mu.Lock()
	f.processed = append(f.processed, msg)
	f.mu.Unlock()
	if f.errOn != "" && msg.MessageType == f.errOn {
		return errProcess
	}
	return nil
}

func (f *fakeAgent) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.processed)
}

func newTestOrchestrator(t *testing.T, maxConcurrent int) (*Orchestrator, *bus.Queue, func()) {
	t.Helper()
	reg := registry.New()
	q := bus.NewQueue(zap.NewNop())
	cfg := config.Default()
	cfg.MaxConcurrentAgents = maxConcurrent
	cfg.HealthSweepInterval = time.Hour
	q.StartSweepers()

	o := New(reg, q, cfg, zap.NewNop())
	register := func(name string, canSpawn bool) {
		o.RegisterType(name,
			func(id string, caps []busmodel.Capability) *registry.Agent {
				return &registry.Agent{ID: id, Capabilities: caps}
			},
			func(a *registry.Agent) agentcontract.Agent {
				return &fakeAgent{healthy: true}
			},
			canSpawn)
	}
	register("researcher", true)
	register("leaf", false)

	o.StartBackgroundLoops()
	return o, q, func() {
		o.Shutdown()
		q.Shutdown()
	}
}

func TestSpawnAssignsIDAndPublishesEvent(t *testing.T) {
	o, q, cleanup := newTestOrchestrator(t, 5)
	defer cleanup()

	spawned := make(chan interface{}, 1)
	_, unsub := q.Subscribe(SystemTopic, func(msg *busmodel.Message) {
		if msg.Payload["type"] == "agent_spawned" {
			select {
			case spawned <- msg.Payload["agentId"]:
			default:
			}
		}
	})
	defer unsub()

	id, err := o.Spawn(context.Background(), SpawnRequest{Type: "researcher", Capabilities: []busmodel.Capability{busmodel.WebSearch}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated agent id")
	}
	select {
	case got := <-spawned:
		if got != id {
			t.Errorf("agent_spawned agentId: got %v, want %s", got, id)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an agent_spawned event on the system topic")
	}
}

func TestSpawnAtCapacityFails(t *testing.T) {
	o, _, cleanup := newTestOrchestrator(t, 2)
	defer cleanup()

	ctx := context.Background()
	if _, err := o.Spawn(ctx, SpawnRequest{Type: "researcher"}); err != nil {
		t.Fatalf("spawn 1: %v", err)
	}
	if _, err := o.Spawn(ctx, SpawnRequest{Type: "researcher"}); err != nil {
		t.Fatalf("spawn 2 (at capacity): %v", err)
	}
	if _, err := o.Spawn(ctx, SpawnRequest{Type: "researcher"}); !errors.Is(err, kerrors.ErrCapacityExceeded) {
		t.Fatalf("expected CapacityExceeded, got %v", err)
	}
}

func TestSpawnUnknownType(t *testing.T) {
	o, _, cleanup := newTestOrchestrator(t, 5)
	defer cleanup()

	if _, err := o.Spawn(context.Background(), SpawnRequest{Type: "nonexistent"}); !errors.Is(err, kerrors.ErrUnknownType) {
		t.Fatalf("expected UnknownType, got %v", err)
	}
}

func TestSpawnUnknownParent(t *testing.T) {
	o, _, cleanup := newTestOrchestrator(t, 5)
	defer cleanup()

	if _, err := o.Spawn(context.Background(), SpawnRequest{Type: "researcher", ParentID: "ghost"}); !errors.Is(err, kerrors.ErrUnknownParent) {
		t.Fatalf("expected UnknownParent, got %v", err)
	}
}

func TestSpawnParentCannotSpawn(t *testing.T) {
	o, _, cleanup := newTestOrchestrator(t, 5)
	defer cleanup()

	ctx := context.Background()
	parentID, err := o.Spawn(ctx, SpawnRequest{Type: "leaf"})
	if err != nil {
		t.Fatalf("spawn parent: %v", err)
	}
	if _, err := o.Spawn(ctx, SpawnRequest{Type: "researcher", ParentID: parentID}); !errors.Is(err, kerrors.ErrParentCannotSpawn) {
		t.Fatalf("expected ParentCannotSpawn, got %v", err)
	}
}

func TestSpawnPluginContributedType(t *testing.T) {
	o, _, cleanup := newTestOrchestrator(t, 5)
	defer cleanup()

	loader := plugin.New(zap.NewNop())
	loader.SetRegistrar(o)
	err := loader.Register(plugin.Plugin{
		Name: "ext", Version: "1.0.0",
		AgentClasses: []string{"translator"},
		AgentFactories: map[string]plugin.AgentFactory{
			"translator": {
				New: func(id string, caps []busmodel.Capability) *registry.Agent {
					return &registry.Agent{ID: id, Capabilities: caps}
				},
				Impl: func(a *registry.Agent) agentcontract.Agent {
					return &fakeAgent{healthy: true}
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("register plugin: %v", err)
	}

	id, err := o.Spawn(context.Background(), SpawnRequest{Type: "translator"})
	if err != nil {
		t.Fatalf("spawn plugin-contributed type: %v", err)
	}

	o.Terminate(id)
	if err := loader.Unregister("ext"); err != nil {
		t.Fatalf("unregister plugin: %v", err)
	}
	if _, err := o.Spawn(context.Background(), SpawnRequest{Type: "translator"}); !errors.Is(err, kerrors.ErrUnknownType) {
		t.Fatalf("expected UnknownType after plugin unregister, got %v", err)
	}
}

func TestCascadeTerminate(t *testing.T) {
	o, _, cleanup := newTestOrchestrator(t, 10)
	defer cleanup()

	ctx := context.Background()
	a, _ := o.Spawn(ctx, SpawnRequest{Type: "researcher"})
	b, _ := o.Spawn(ctx, SpawnRequest{Type: "researcher", ParentID: a})
	c, _ := o.Spawn(ctx, SpawnRequest{Type: "leaf", ParentID: b})

	if err := o.Terminate(a); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	for _, id := range []string{a, b, c} {
		if _, err := o.reg.Get(id); err == nil {
			t.Fatalf("expected %s to be removed from the registry", id)
		}
	}

	// Idempotent: terminating an already-gone id is not an error.
	if err := o.Terminate(a); err != nil {
		t.Fatalf("expected idempotent terminate, got %v", err)
	}
}

func TestFindByCapability(t *testing.T) {
	o, _, cleanup := newTestOrchestrator(t, 5)
	defer cleanup()

	ctx := context.Background()
	id, _ := o.Spawn(ctx, SpawnRequest{Type: "researcher", Capabilities: []busmodel.Capability{busmodel.WebSearch}})

	found := o.FindByCapability(busmodel.WebSearch)
	if len(found) != 1 || found[0].ID != id {
		t.Fatalf("expected to find %s, got %v", id, found)
	}
}

func TestGetTree(t *testing.T) {
	o, _, cleanup := newTestOrchestrator(t, 5)
	defer cleanup()

	ctx := context.Background()
	root, _ := o.Spawn(ctx, SpawnRequest{Type: "researcher"})
	_, _ = o.Spawn(ctx, SpawnRequest{Type: "leaf", ParentID: root})

	tree, err := o.GetTree(root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tree) != 1 || len(tree[0].Children) != 1 {
		t.Fatalf("expected one root with one child, got %+v", tree)
	}
}

func TestSendDeliversToAgentInbox(t *testing.T) {
	o, _, cleanup := newTestOrchestrator(t, 5)
	defer cleanup()

	ctx := context.Background()
	id, _ := o.Spawn(ctx, SpawnRequest{Type: "researcher"})
	o.Send("caller", id, map[string]interface{}{"hello": "world"})

	deadline := time.After(2 * time.Second)
	for {
		o.mu.Lock()
		rt := o.runtimes[id]
		o.mu.Unlock()
		if rt != nil {
			if fa, ok := rt.impl.(*fakeAgent); ok && fa.count() > 0 {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatal("message was never processed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
