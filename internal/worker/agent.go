// Package worker is a minimal concrete agent implementation that exercises
// the orchestrator's base Agent contract and the agentcontract quality-gated
// Execute path end to end. Concrete agent-role logic (research, legal,
// medical, ...) is explicitly out of scope and left to callers of this
// kernel; worker exists only so the kernel's own tests and cmd/orchestratord
// have a real, non-test implementation to spawn.
package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/orchestkit/agentkernel/internal/agentcontract"
	"github.com/orchestkit/agentkernel/internal/busmodel"
	"github.com/orchestkit/agentkernel/internal/memory"
	"github.com/orchestkit/agentkernel/internal/registry"
)

// Agent processes bus messages by running their payload through the
// quality-gated engine as a single-task execution.
type Agent struct {
	id      string
	role    string
	engine  *agentcontract.Engine
	metrics *agentcontract.Metrics

	initialized atomic.Bool
	paused      atomic.Bool
}

// New builds a worker bound to reg-agent a's type as its quality role.
func New(a *registry.Agent, engine *agentcontract.Engine) *Agent {
	if engine == nil {
		engine = agentcontract.NewEngine(nil, nil)
	}
	return &Agent{id: a.ID, role: a.Type, engine: engine, metrics: agentcontract.NewMetrics()}
}

func (a *Agent) Initialize(ctx context.Context, spawnContext map[string]interface{}) error {
	a.initialized.Store(true)
	return nil
}

func (a *Agent) Terminate() error { return nil }

func (a *Agent) Pause() error {
	a.paused.Store(true)
	return nil
}

func (a *Agent) Resume() error {
	a.paused.Store(false)
	return nil
}

func (a *Agent) HealthProbe() bool { return a.initialized.Load() }

// ProcessMessage treats the message payload as a Task and runs it through
// the quality-gated engine, discarding the result: outcomes surface via
// CustomMetrics and whatever the bus publishes on behalf of the caller.
func (a *Agent) ProcessMessage(msg *busmodel.Message) error {
	_, err := a.engine.Execute(context.Background(), a.id, a, a.metrics, agentcontract.Task(msg.Payload))
	return err
}

func (a *Agent) OnError(err error, msg *busmodel.Message) {}

func (a *Agent) CustomMetrics() map[string]interface{} {
	snap := a.metrics.Snapshot()
	return map[string]interface{}{
		"taskCount":    snap.TaskCount,
		"successRate":  snap.SuccessRate(),
		"avgLatencyMs": snap.AverageLatency().Milliseconds(),
		"avgQuality":   snap.AverageQuality(),
	}
}

func (a *Agent) Role() string { return a.role }

// BuildPrompt renders the task into a deterministic instruction string.
// There is no language model behind this kernel: the "prompt" is just the
// task echoed back, so the Execute path is exercised without pretending to
// run a real completion.
func (a *Agent) BuildPrompt(ctx context.Context, task agentcontract.Task, fetchedContext interface{}) (string, error) {
	return fmt.Sprintf("task=%v context=%v", map[string]interface{}(task), fetchedContext), nil
}

// ExecuteWithMonitoring stands in for a real model call: it always
// succeeds, costing one token per four prompt characters.
func (a *Agent) ExecuteWithMonitoring(ctx context.Context, prompt string) (agentcontract.Result, error) {
	return agentcontract.Result{
		Output:     prompt,
		TokensUsed: int64(len(prompt)/4 + 1),
	}, nil
}

// EvaluateQuality always reports full confidence; a real agent role would
// score its own output against role-specific criteria here.
func (a *Agent) EvaluateQuality(result agentcontract.Result) float64 { return 1.0 }

// GracefulDegradation runs when the budget gate denies the task: it
// returns a minimal, explicitly-degraded result rather than failing.
func (a *Agent) GracefulDegradation(ctx context.Context, task agentcontract.Task) (agentcontract.Result, error) {
	return agentcontract.Result{Output: "budget exhausted, degraded response", TokensUsed: 0}, nil
}

var _ agentcontract.QualityAgent = (*Agent)(nil)

// BudgetGate wraps a token ceiling per agent per window, a minimal stand-in
// for the usage-tracking a real deployment would layer on top.
type BudgetGate struct {
	maxTokensPerWindow int64
	window             time.Duration

	usage map[string]int64
	reset map[string]time.Time
}

func NewBudgetGate(maxTokensPerWindow int64, window time.Duration) *BudgetGate {
	return &BudgetGate{
		maxTokensPerWindow: maxTokensPerWindow,
		window:             window,
		usage:              make(map[string]int64),
		reset:              make(map[string]time.Time),
	}
}

func (b *BudgetGate) CheckBudget(agentID string, task agentcontract.Task) bool {
	b.rollIfExpired(agentID)
	return b.usage[agentID] < b.maxTokensPerWindow
}

func (b *BudgetGate) RecordUsage(agentID string, result agentcontract.Result) {
	b.rollIfExpired(agentID)
	b.usage[agentID] += result.TokensUsed
}

func (b *BudgetGate) rollIfExpired(agentID string) {
	if until, ok := b.reset[agentID]; !ok || time.Now().After(until) {
		b.usage[agentID] = 0
		b.reset[agentID] = time.Now().Add(b.window)
	}
}

var _ agentcontract.BudgetGate = (*BudgetGate)(nil)

// MemoryContext fetches recalled memory for a task's "query" field, giving
// the quality-gated Execute path a real fetchedContext value instead of the
// engine's no-op default.
type MemoryContext struct {
	Manager *memory.Manager
}

func (m MemoryContext) FetchContext(ctx context.Context, agentID string, task agentcontract.Task) (interface{}, error) {
	query, _ := task["query"].(string)
	if query == "" {
		return nil, nil
	}
	return m.Manager.Recall(query, agentID, memory.NewContext(true)), nil
}

var _ agentcontract.ContextFetcher = MemoryContext{}
