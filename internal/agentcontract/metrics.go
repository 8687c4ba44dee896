package agentcontract

import (
	"sync"
	"time"
)

// maxQualityHistory bounds the per-agent quality-score list the monitor's
// declining-trend check reads from.
const maxQualityHistory = 50

// Metrics tracks one agent's running counters across Execute calls.
type Metrics struct {
	mu sync.Mutex

	TaskCount    int
	SuccessCount int
	ErrorCount   int
	TotalLatency time.Duration
	TokensUsed   int64

	qualityScores []float64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) record(latency time.Duration, tokens int64, quality float64, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TaskCount++
	if success {
		m.SuccessCount++
	} else {
		m.ErrorCount++
	}
	m.TotalLatency += latency
	m.TokensUsed += tokens

	m.qualityScores = append(m.qualityScores, quality)
	if len(m.qualityScores) > maxQualityHistory {
		m.qualityScores = m.qualityScores[len(m.qualityScores)-maxQualityHistory:]
	}
}

// Snapshot is an immutable read of the current counters, safe to hand to
// the quality monitor without holding the metrics lock.
type Snapshot struct {
	TaskCount     int
	SuccessCount  int
	ErrorCount    int
	TotalLatency  time.Duration
	TokensUsed    int64
	QualityScores []float64
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		TaskCount:     m.TaskCount,
		SuccessCount:  m.SuccessCount,
		ErrorCount:    m.ErrorCount,
		TotalLatency:  m.TotalLatency,
		TokensUsed:    m.TokensUsed,
		QualityScores: append([]float64(nil), m.qualityScores...),
	}
}

// SuccessRate is 1.0 on an agent that has never run a task.
func (s Snapshot) SuccessRate() float64 {
	if s.TaskCount == 0 {
		return 1
	}
	return float64(s.SuccessCount) / float64(s.TaskCount)
}

func (s Snapshot) AverageLatency() time.Duration {
	if s.TaskCount == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.TaskCount)
}

func (s Snapshot) AverageQuality() float64 {
	if len(s.QualityScores) == 0 {
		return 0
	}
	var sum float64
	for _, q := range s.QualityScores {
		sum += q
	}
	return sum / float64(len(s.QualityScores))
}

// AverageTokensPerTask supports the monitor's "high token usage" check.
func (s Snapshot) AverageTokensPerTask() float64 {
	if s.TaskCount == 0 {
		return 0
	}
	return float64(s.TokensUsed) / float64(s.TaskCount)
}
