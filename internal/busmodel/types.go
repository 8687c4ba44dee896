// Package busmodel holds the wire-level types shared across the kernel:
// capabilities, agent status, message priority and the message envelope
// itself.
package busmodel

import "time"

// Capability is a member of the closed enumeration of agent capabilities.
type Capability string

const (
	WebSearch           Capability = "WEB_SEARCH"
	AcademicSearch      Capability = "ACADEMIC_SEARCH"
	DataCollection      Capability = "DATA_COLLECTION"
	Analysis            Capability = "ANALYSIS"
	StatisticalAnalysis Capability = "STATISTICAL_ANALYSIS"
	SentimentAnalysis   Capability = "SENTIMENT_ANALYSIS"
	Synthesis           Capability = "SYNTHESIS"
	Summarization       Capability = "SUMMARIZATION"
	ReportGeneration    Capability = "REPORT_GENERATION"
	Translation         Capability = "TRANSLATION"
	Multilingual        Capability = "MULTILINGUAL"
	FactChecking        Capability = "FACT_CHECKING"
	CriticalThinking    Capability = "CRITICAL_THINKING"
	CreativeThinking    Capability = "CREATIVE_THINKING"
	FinancialAnalysis   Capability = "FINANCIAL_ANALYSIS"
	StrategicPlanning   Capability = "STRATEGIC_PLANNING"
	CodeAnalysis        Capability = "CODE_ANALYSIS"
	TechnicalWriting    Capability = "TECHNICAL_WRITING"
	QualityAssurance    Capability = "QUALITY_ASSURANCE"
	Judging             Capability = "JUDGING"
)

// AllCapabilities enumerates the closed capability set, used to validate
// spawn requests and plugin-contributed capability lists.
func AllCapabilities() []Capability {
	return []Capability{
		WebSearch, AcademicSearch, DataCollection, Analysis, StatisticalAnalysis,
		SentimentAnalysis, Synthesis, Summarization, ReportGeneration, Translation,
		Multilingual, FactChecking, CriticalThinking, CreativeThinking,
		FinancialAnalysis, StrategicPlanning, CodeAnalysis, TechnicalWriting,
		QualityAssurance, Judging,
	}
}

// IsValid reports whether c belongs to the closed enumeration.
func (c Capability) IsValid() bool {
	for _, v := range AllCapabilities() {
		if v == c {
			return true
		}
	}
	return false
}

// AgentStatus is a node in the per-agent state machine.
type AgentStatus string

const (
	StatusInitializing AgentStatus = "INITIALIZING"
	StatusReady        AgentStatus = "READY"
	StatusBusy         AgentStatus = "BUSY"
	StatusPaused       AgentStatus = "PAUSED"
	StatusError        AgentStatus = "ERROR"
	StatusTerminated   AgentStatus = "TERMINATED"
)

// Priority is the bus delivery priority. Higher values are delivered first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 8
	PriorityCritical Priority = 10
)

// Lowered returns the next priority step down, floored at PriorityLow, used
// when a rejected message is requeued.
func (p Priority) Lowered() Priority {
	switch {
	case p > PriorityHigh:
		return PriorityHigh
	case p > PriorityNormal:
		return PriorityNormal
	case p > PriorityLow:
		return PriorityLow
	default:
		return PriorityLow
	}
}

// Message is the bus envelope.
type Message struct {
	ID            string                 `json:"id"`
	SourceAgentID string                 `json:"source"`
	TargetAgentID string                 `json:"target,omitempty"` // empty => broadcast
	MessageType   string                 `json:"type"`
	Payload       map[string]interface{} `json:"payload"`
	Timestamp     time.Time              `json:"timestamp"`
	Priority      Priority               `json:"priority"`
	RetryCount    int                    `json:"retry_count"`
	MaxRetries    int                    `json:"max_retries"`
	TTLSeconds    *int                   `json:"ttl_seconds,omitempty"` // nil means no TTL; 0 expires on dequeue
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

// TTL wraps a second count for Message.TTLSeconds. A TTL of 0 is a live
// value meaning "expired immediately on dequeue", which is why the field is
// a pointer: the zero Message carries no TTL at all.
func TTL(seconds int) *int {
	return &seconds
}

// HasTTL reports whether the message carries an expiry.
func (m *Message) HasTTL() bool {
	return m.TTLSeconds != nil
}

// Expired reports whether the message's TTL has lapsed as of now.
func (m *Message) Expired(now time.Time) bool {
	if !m.HasTTL() {
		return false
	}
	return now.Sub(m.Timestamp) >= time.Duration(*m.TTLSeconds)*time.Second
}

const DefaultMaxRetries = 3
