// Package orchestrator implements the kernel's top-level agent lifecycle
// manager: spawn admission, parent/child hierarchy, broadcast, pause/
// resume, cascade termination and the health sweep.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orchestkit/agentkernel/internal/agentcontract"
	"github.com/orchestkit/agentkernel/internal/bus"
	"github.com/orchestkit/agentkernel/internal/busmodel"
	"github.com/orchestkit/agentkernel/internal/config"
	"github.com/orchestkit/agentkernel/internal/kerrors"
	"github.com/orchestkit/agentkernel/internal/plugin"
	"github.com/orchestkit/agentkernel/internal/registry"
)

// SystemTopic is where agent_spawned/agent_terminated/health_report/etc
// system events are published.
const SystemTopic = "system"

// inboxBacklogUnhealthy is the agent.<id> backlog size past which the
// health sweep marks the owning agent unhealthy.
const inboxBacklogUnhealthy = 100

// ImplFactory builds the concrete agentcontract.Agent behind a newly
// registered *registry.Agent. The kernel never inspects what it returns
// beyond the contract; agent-role logic is out of scope.
type ImplFactory func(agent *registry.Agent) agentcontract.Agent

// SpawnRequest is the spawn() argument; the JSON form is the external
// spawn-request envelope.
type SpawnRequest struct {
	Type         string                 `json:"agent_type"`
	Capabilities []busmodel.Capability  `json:"capabilities"`
	Context      map[string]interface{} `json:"context"`
	ParentID     string                 `json:"parent_id,omitempty"`
	Priority     busmodel.Priority      `json:"priority,omitempty"` // reserved for spawn-queue ordering; admission itself is FIFO
}

type agentRuntime struct {
	impl     agentcontract.Agent
	cancel   context.CancelFunc
	done     chan struct{}
	spawnCtx map[string]interface{}
}

// Orchestrator owns the registry and the message bus queue, and drives
// every agent's processing loop.
type Orchestrator struct {
	reg   *registry.Registry
	queue *bus.Queue
	cfg   *config.Kernel
	log   *zap.Logger

	mu          sync.Mutex
	implFactory map[string]ImplFactory
	canSpawn    map[string]bool // type -> default canSpawnChildren
	runtimes    map[string]*agentRuntime

	spawnQueue  chan spawnJob
	stopSpawner chan struct{}
	spawnerDone chan struct{}

	stopHealth chan struct{}
	healthDone chan struct{}
}

type spawnJob struct {
	req SpawnRequest
}

func New(reg *registry.Registry, queue *bus.Queue, cfg *config.Kernel, log *zap.Logger) *Orchestrator {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		reg:         reg,
		queue:       queue,
		cfg:         cfg,
		log:         log,
		implFactory: make(map[string]ImplFactory),
		canSpawn:    make(map[string]bool),
		runtimes:    make(map[string]*agentRuntime),
		spawnQueue:  make(chan spawnJob, 256),
		stopSpawner: make(chan struct{}),
		spawnerDone: make(chan struct{}),
		stopHealth:  make(chan struct{}),
		healthDone:  make(chan struct{}),
	}
}

// RegisterType makes an agent class spawnable: regFactory builds the
// registry's bookkeeping record, implFactory builds the behavior the
// per-agent loop drives, and canSpawnChildren is that type's default for
// each agent's per-instance canSpawnChildren flag.
func (o *Orchestrator) RegisterType(name string, regFactory registry.Factory, implFactory ImplFactory, canSpawnChildren bool) {
	o.reg.RegisterType(name, func(id string, caps []busmodel.Capability) *registry.Agent {
		agent := regFactory(id, caps)
		agent.CanSpawnChildren = canSpawnChildren
		return agent
	})
	o.mu.Lock()
	o.implFactory[name] = implFactory
	o.canSpawn[name] = canSpawnChildren
	o.mu.Unlock()
}

// RegisterAgentType implements plugin.Registrar: a plugin-contributed
// agent class becomes spawnable exactly like a core type, which is what
// makes spawn's "known to the registry (core or plugin)" admission check
// hold.
func (o *Orchestrator) RegisterAgentType(class string, f plugin.AgentFactory) {
	o.RegisterType(class, f.New, f.Impl, f.CanSpawnChildren)
}

// UnregisterAgentType implements plugin.Registrar: the class stops being
// spawnable; agents of that type already running are untouched.
func (o *Orchestrator) UnregisterAgentType(class string) {
	o.reg.UnregisterType(class)
	o.mu.Lock()
	delete(o.implFactory, class)
	delete(o.canSpawn, class)
	o.mu.Unlock()
}

var _ plugin.Registrar = (*Orchestrator)(nil)

// Spawn admits and creates a new agent, enforcing the capacity,
// known-type and known-and-capable-parent preconditions.
func (o *Orchestrator) Spawn(ctx context.Context, req SpawnRequest) (string, error) {
	if len(o.reg.ListAll()) >= o.cfg.MaxConcurrentAgents {
		o.publishSpawnFailed("", kerrors.ErrCapacityExceeded)
		return "", kerrors.ErrCapacityExceeded
	}

	// Unknown type/parent and a non-spawning parent are surfaced to the
	// caller only; no spawn_failed event is published for them.
	if req.ParentID != "" {
		parent, err := o.reg.Get(req.ParentID)
		if err != nil {
			return "", kerrors.ErrUnknownParent
		}
		if !parent.CanSpawnChildren {
			return "", kerrors.ErrParentCannotSpawn
		}
	}

	o.mu.Lock()
	implFactory, hasImpl := o.implFactory[req.Type]
	o.mu.Unlock()
	if !hasImpl {
		return "", kerrors.ErrUnknownType
	}

	id := uuid.New().String()
	agent, err := o.reg.Create(req.Type, id, req.Capabilities, req.ParentID)
	if err != nil {
		o.publishSpawnFailed(id, err)
		return "", err
	}
	if req.Context != nil {
		_ = o.reg.UpdateMetadata(id, map[string]interface{}{"spawn_context": req.Context})
	}

	impl := implFactory(agent)
	agentCtx, cancel := context.WithCancel(context.Background())
	rt := &agentRuntime{impl: impl, cancel: cancel, done: make(chan struct{}), spawnCtx: req.Context}

	if err := impl.Initialize(ctx, req.Context); err != nil {
		cancel()
		_ = o.reg.Unregister(id)
		o.publishSpawnFailed(id, err)
		return "", err
	}

	o.mu.Lock()
	o.runtimes[id] = rt
	o.mu.Unlock()

	_ = o.reg.UpdateStatus(id, busmodel.StatusReady)
	go o.runAgentLoop(agentCtx, id, rt)

	o.queue.Publish(SystemTopic, map[string]interface{}{
		"type":      "agent_spawned",
		"agentId":   id,
		"parentId":  req.ParentID,
		"timestamp": time.Now(),
	}, busmodel.PriorityNormal, nil)

	return id, nil
}

func (o *Orchestrator) publishSpawnFailed(id string, err error) {
	o.queue.Publish(SystemTopic, map[string]interface{}{
		"type":      "spawn_failed",
		"agentId":   id,
		"error":     err.Error(),
		"timestamp": time.Now(),
	}, busmodel.PriorityNormal, nil)
}

// SpawnParallel spawns every request in order. Fail-fast: it stops at the
// first failure and returns the ids produced so far alongside that error.
// Sequential admission keeps the capacity and parent checks consistent
// across the batch without a reconciliation pass.
func (o *Orchestrator) SpawnParallel(ctx context.Context, reqs []SpawnRequest) ([]string, error) {
	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		id, err := o.Spawn(ctx, req)
		if err != nil {
			return ids, fmt.Errorf("spawn request %d: %w", len(ids), err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Send publishes an envelope to target's in-box topic at NORMAL priority.
func (o *Orchestrator) Send(source, target string, payload map[string]interface{}) string {
	msg := &busmodel.Message{
		SourceAgentID: source,
		TargetAgentID: target,
		Payload:       payload,
		Priority:      busmodel.PriorityNormal,
	}
	o.queue.PublishMessage(InboxTopic(target), msg)
	return msg.ID
}

// Broadcast sends payload to every active agent other than source,
// optionally filtered by capability.
func (o *Orchestrator) Broadcast(source string, payload map[string]interface{}, capFilter *busmodel.Capability) {
	var agents []*registry.Agent
	if capFilter != nil {
		agents = o.reg.ListByCapability(*capFilter)
	} else {
		agents = o.reg.ListAll()
	}
	for _, a := range agents {
		if a.ID == source {
			continue
		}
		o.Send(source, a.ID, payload)
	}
}

// InboxTopic is the bus topic backing an agent's in-box; there is no
// separate in-box structure.
func InboxTopic(agentID string) string { return "agent." + agentID }

// FindByCapability delegates to the registry.
func (o *Orchestrator) FindByCapability(cap busmodel.Capability) []*registry.Agent {
	return o.reg.ListByCapability(cap)
}

// Pause drives READY/BUSY -> PAUSED. The agent loop re-enqueues any
// in-flight message rather than dropping it.
func (o *Orchestrator) Pause(id string) error {
	if _, err := o.reg.Get(id); err != nil {
		return err
	}
	if err := o.reg.UpdateStatus(id, busmodel.StatusPaused); err != nil {
		return err
	}
	o.mu.Lock()
	rt, ok := o.runtimes[id]
	o.mu.Unlock()
	if ok {
		_ = rt.impl.Pause()
	}
	o.queue.Publish(SystemTopic, map[string]interface{}{"type": "agent_paused", "agentId": id, "timestamp": time.Now()}, busmodel.PriorityNormal, nil)
	return nil
}

// Resume drives PAUSED -> READY.
func (o *Orchestrator) Resume(id string) error {
	if _, err := o.reg.Get(id); err != nil {
		return err
	}
	if err := o.reg.UpdateStatus(id, busmodel.StatusReady); err != nil {
		return err
	}
	o.mu.Lock()
	rt, ok := o.runtimes[id]
	o.mu.Unlock()
	if ok {
		_ = rt.impl.Resume()
	}
	o.queue.Publish(SystemTopic, map[string]interface{}{"type": "agent_resumed", "agentId": id, "timestamp": time.Now()}, busmodel.PriorityNormal, nil)
	return nil
}

// Terminate recursively terminates descendants post-order, then id itself.
// Idempotent: unknown ids return nil.
func (o *Orchestrator) Terminate(id string) error {
	if _, err := o.reg.Get(id); err != nil {
		return nil
	}
	o.terminateSubtree(id)
	return nil
}

func (o *Orchestrator) terminateSubtree(id string) {
	for _, child := range o.reg.Children(id) {
		o.terminateSubtree(child.ID)
	}
	o.terminateOne(id)
}

func (o *Orchestrator) terminateOne(id string) {
	o.mu.Lock()
	rt, ok := o.runtimes[id]
	delete(o.runtimes, id)
	o.mu.Unlock()

	if ok {
		rt.cancel()
		<-rt.done
		if err := rt.impl.Terminate(); err != nil {
			o.log.Warn("agent termination hook returned an error", zap.String("agentId", id), zap.Error(err))
		}
	}

	_ = o.reg.UpdateStatus(id, busmodel.StatusTerminated)
	_ = o.reg.Unregister(id)

	o.queue.Publish(SystemTopic, map[string]interface{}{"type": "agent_terminated", "agentId": id, "timestamp": time.Now()}, busmodel.PriorityNormal, nil)
}

// TreeNode is one node of GetTree's output.
type TreeNode struct {
	ID           string
	Type         string
	Status       busmodel.AgentStatus
	Capabilities []busmodel.Capability
	Children     []*TreeNode
}

// GetTree returns the agent hierarchy rooted at rootID, or the full forest
// (one TreeNode per root-level agent) if rootID is empty.
func (o *Orchestrator) GetTree(rootID string) ([]*TreeNode, error) {
	if rootID != "" {
		agent, err := o.reg.Get(rootID)
		if err != nil {
			return nil, err
		}
		return []*TreeNode{o.buildNode(agent)}, nil
	}

	var roots []*TreeNode
	for _, a := range o.reg.ListAll() {
		if a.ParentID == "" {
			roots = append(roots, o.buildNode(a))
		}
	}
	return roots, nil
}

func (o *Orchestrator) buildNode(agent *registry.Agent) *TreeNode {
	node := &TreeNode{ID: agent.ID, Type: agent.Type, Status: agent.Status, Capabilities: agent.Capabilities}
	for _, child := range o.reg.Children(agent.ID) {
		node.Children = append(node.Children, o.buildNode(child))
	}
	return node
}

// Shutdown stops the spawn-queue drainer and health sweep deterministically
// and terminates every remaining root agent (which cascades).
func (o *Orchestrator) Shutdown() {
	close(o.stopSpawner)
	<-o.spawnerDone
	close(o.stopHealth)
	<-o.healthDone

	for _, a := range o.reg.ListAll() {
		if a.ParentID == "" {
			o.Terminate(a.ID)
		}
	}
}
