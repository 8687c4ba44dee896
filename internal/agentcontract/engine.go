package agentcontract

import (
	"context"
	"time"
)

// Engine drives the quality-gated execute() path:
// budget check -> context fetch -> buildPrompt -> executeWithMonitoring ->
// evaluateQuality -> metrics update -> budget usage record, falling back to
// GracefulDegradation on budget denial.
type Engine struct {
	Budget  BudgetGate
	Context ContextFetcher
}

func NewEngine(budget BudgetGate, fetcher ContextFetcher) *Engine {
	if budget == nil {
		budget = AlwaysAllow{}
	}
	if fetcher == nil {
		fetcher = NoopContext{}
	}
	return &Engine{Budget: budget, Context: fetcher}
}

// Execute runs one task through agent, recording the outcome in metrics
// regardless of which branch (normal completion or degradation) was taken.
func (e *Engine) Execute(ctx context.Context, agentID string, agent QualityAgent, metrics *Metrics, task Task) (Result, error) {
	start := time.Now()

	if !e.Budget.CheckBudget(agentID, task) {
		result, err := agent.GracefulDegradation(ctx, task)
		result.Degraded = true
		metrics.record(time.Since(start), result.TokensUsed, 0, err == nil)
		e.Budget.RecordUsage(agentID, result)
		return result, err
	}

	fetched, err := e.Context.FetchContext(ctx, agentID, task)
	if err != nil {
		metrics.record(time.Since(start), 0, 0, false)
		return Result{}, err
	}

	prompt, err := agent.BuildPrompt(ctx, task, fetched)
	if err != nil {
		metrics.record(time.Since(start), 0, 0, false)
		return Result{}, err
	}

	result, err := agent.ExecuteWithMonitoring(ctx, prompt)
	if err != nil {
		metrics.record(time.Since(start), result.TokensUsed, 0, false)
		e.Budget.RecordUsage(agentID, result)
		return result, err
	}

	result.Quality = agent.EvaluateQuality(result)
	metrics.record(time.Since(start), result.TokensUsed, result.Quality, true)
	e.Budget.RecordUsage(agentID, result)
	return result, nil
}
