// Package audit wraps the event store with access logging and the
// retention/anonymisation sweep.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/orchestkit/agentkernel/internal/config"
	"github.com/orchestkit/agentkernel/internal/eventstore"
)

// piiFields are the fields anonymise-in-place hashes.
var piiFields = []string{"name", "email", "phone", "address", "ssn"}

// Trail wraps an event store with access logging and scheduled retention.
type Trail struct {
	store *eventstore.Store
	cfg   *config.Kernel
	log   *zap.Logger
}

func New(store *eventstore.Store, cfg *config.Kernel, log *zap.Logger) *Trail {
	if log == nil {
		log = zap.NewNop()
	}
	return &Trail{store: store, cfg: cfg, log: log}
}

// LogAccess appends a MEMORY_READ (action == "read") or MEMORY_WRITE event
// recording who touched resourceID, with what outcome.
func (t *Trail) LogAccess(resourceID, actor, action string, result interface{}, metadata map[string]interface{}) eventstore.Event {
	typ := eventstore.MemoryWrite
	if action == "read" {
		typ = eventstore.MemoryRead
	}
	return t.store.Append(eventstore.Event{
		AggregateID: resourceID,
		Type:        typ,
		Actor:       actor,
		Data:        map[string]interface{}{"action": action, "result": result},
		Metadata:    metadata,
	})
}

// GetAccessHistory returns resourceID's stream windowed by [start, end] (zero
// values mean unbounded).
func (t *Trail) GetAccessHistory(resourceID string, start, end time.Time) []eventstore.Event {
	return t.store.StreamWindow(resourceID, start, end)
}

// classFor reads metadata.data_type, defaulting to "default" when absent.
func classFor(evt eventstore.Event) string {
	if evt.Metadata == nil {
		return "default"
	}
	if class, ok := evt.Metadata["data_type"].(string); ok && class != "" {
		return class
	}
	return "default"
}

// Sweep iterates every event; those older than their class's retention
// period are anonymised in place (if metadata.contains_pii) or hard-deleted.
// Returns counts for observability.
func (t *Trail) Sweep() (anonymized, deleted int) {
	now := time.Now()
	for _, evt := range t.store.All() {
		age := now.Sub(evt.Timestamp)
		if age < t.cfg.RetentionFor(classFor(evt)) {
			continue
		}

		containsPII, _ := evt.Metadata["contains_pii"].(bool)
		if containsPII {
			t.store.ReplaceGlobal(anonymize(evt))
			anonymized++
		} else {
			t.store.RemoveGlobal(evt.ID)
			deleted++
		}
	}
	if anonymized+deleted > 0 {
		t.log.Info("retention sweep completed",
			zap.Int("anonymized", anonymized), zap.Int("deleted", deleted))
	}
	return anonymized, deleted
}

// anonymize hashes the actor and replaces PII fields in Data with the first
// 16 hex chars of SHA-256 of each original value.
func anonymize(evt eventstore.Event) eventstore.Event {
	out := evt.Clone()
	out.Actor = hashPrefix(evt.Actor)
	for _, field := range piiFields {
		if v, ok := out.Data[field]; ok {
			out.Data[field] = hashPrefix(fmt.Sprint(v))
		}
	}
	return out
}

func hashPrefix(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
