// Package agentcontract defines the uniform contract every agent
// implementation provides to the kernel, and the quality-gated execute()
// path layered on top of it. The kernel drives agents entirely
// through this interface; it never knows the concrete agent-role logic,
// which is explicitly out of scope.
package agentcontract

import (
	"context"

	"github.com/orchestkit/agentkernel/internal/busmodel"
)

// Agent is the base contract the orchestrator's per-agent message loop
// drives: initialize, lifecycle hooks, a health probe, message processing,
// error handling and custom metrics.
type Agent interface {
	Initialize(ctx context.Context, spawnContext map[string]interface{}) error
	Terminate() error
	Pause() error
	Resume() error
	HealthProbe() bool
	ProcessMessage(msg *busmodel.Message) error
	OnError(err error, msg *busmodel.Message)
	CustomMetrics() map[string]interface{}
}

// Task is the opaque unit of work handed to a quality-gated agent's
// Execute path. Shape is intentionally a schema-less map: the kernel only
// needs to pass it through budget/prompt/quality hooks, never interpret it.
type Task map[string]interface{}

// Result is what a quality-gated agent's execution produces.
type Result struct {
	Output     interface{}
	TokensUsed int64
	Quality    float64 // filled in by EvaluateQuality, not by the agent itself
	Degraded   bool    // set when the result came from GracefulDegradation
}

// QualityAgent is the extended contract for agents driven through the
// budget/quality-gated execute() path.
type QualityAgent interface {
	Agent

	// Role names the per-role quality threshold/latency row this agent is
	// judged against.
	Role() string

	BuildPrompt(ctx context.Context, task Task, fetchedContext interface{}) (string, error)
	ExecuteWithMonitoring(ctx context.Context, prompt string) (Result, error)
	EvaluateQuality(result Result) float64
	GracefulDegradation(ctx context.Context, task Task) (Result, error)
}

// ContextFetcher supplies execute()'s "context fetch" step — typically the
// memory manager's Recall, but the kernel only needs the narrow function
// shape here.
type ContextFetcher interface {
	FetchContext(ctx context.Context, agentID string, task Task) (interface{}, error)
}

// BudgetGate is the execute() path's admission check: whether the agent may
// spend further resources on task, and the place usage is recorded
// afterward.
type BudgetGate interface {
	CheckBudget(agentID string, task Task) bool
	RecordUsage(agentID string, result Result)
}

// AlwaysAllow is a BudgetGate that never denies and discards usage records,
// the default when no budget policy is wired in.
type AlwaysAllow struct{}

func (AlwaysAllow) CheckBudget(string, Task) bool { return true }
func (AlwaysAllow) RecordUsage(string, Result)    {}

// NoopContext is a ContextFetcher that returns nil context, the default
// when no memory manager is wired in.
type NoopContext struct{}

func (NoopContext) FetchContext(context.Context, string, Task) (interface{}, error) {
	return nil, nil
}
