// Package consent implements the GDPR Consent Gate: purpose-scoped
// grant/revoke, consent-gated writes, erasure, rectification, export and a
// data-minimisation report, layered over the memory manager.
package consent

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/orchestkit/agentkernel/internal/eventstore"
	"github.com/orchestkit/agentkernel/internal/kerrors"
	"github.com/orchestkit/agentkernel/internal/memory"
)

// Purpose is a member of the closed purpose enumeration.
type Purpose string

const (
	Research        Purpose = "research"
	Analytics       Purpose = "analytics"
	Improvement     Purpose = "improvement"
	Personalization Purpose = "personalization"
	LegalCompliance Purpose = "legal_compliance"
	Rectification   Purpose = "rectification"
)

func (p Purpose) valid() bool {
	switch p {
	case Research, Analytics, Improvement, Personalization, LegalCompliance, Rectification:
		return true
	}
	return false
}

// sanitisedKeys are stripped from exported event data.
var sanitisedKeys = []string{"_id", "_internal", "system_metadata"}

// ErasureResult is rightToErasure's return shape.
type ErasureResult struct {
	Deleted    int
	Anonymized int
}

// ExportedRecord is one entry in exportUserData's data array.
type ExportedRecord struct {
	Timestamp time.Time
	Type      eventstore.EventType
	Data      map[string]interface{}
	Purpose   string
}

// ExportedData is exportUserData's full return shape.
type ExportedData struct {
	UserID          string
	ExportTimestamp time.Time
	Consents        map[Purpose]time.Time
	Data            []ExportedRecord
}

// MinimisationReport is dataMinimisationCheck's return shape.
type MinimisationReport struct {
	TotalEvents        int
	RedundantData      []string // event IDs sharing a data hash
	ExcessiveRetention []string // event IDs older than their class retention
	UnnecessaryFields  []string // event IDs carrying a sanitised field
}

// RetentionDays resolves a class to its retention window, mirroring
// config.Kernel.RetentionFor without importing config (consent only needs
// the lookup, not the rest of the kernel's tunables).
type RetentionDays func(class string) time.Duration

// Gate wraps a Manager with GDPR primitives.
type Gate struct {
	mu       sync.Mutex
	mgr      *memory.Manager
	store    *eventstore.Store
	consents map[string]map[Purpose]time.Time

	retentionFor RetentionDays
}

func New(mgr *memory.Manager, store *eventstore.Store, retentionFor RetentionDays) *Gate {
	return &Gate{
		mgr:          mgr,
		store:        store,
		consents:     make(map[string]map[Purpose]time.Time),
		retentionFor: retentionFor,
	}
}

// Grant records consent for purpose; purposes outside the closed
// enumeration are rejected.
func (g *Gate) Grant(userID string, purpose Purpose) error {
	if !purpose.valid() {
		return fmt.Errorf("%w: %q", kerrors.ErrInvalidPurpose, purpose)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.consents[userID] == nil {
		g.consents[userID] = make(map[Purpose]time.Time)
	}
	g.consents[userID][purpose] = time.Now()
	return nil
}

func (g *Gate) Revoke(userID string, purpose Purpose) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.consents[userID], purpose)
}

func (g *Gate) Has(userID string, purpose Purpose) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.consents[userID][purpose]
	return ok
}

// StoreWithConsent fails with ErrConsentRequired unless Has(userID, purpose);
// otherwise remembers the value tagged as GDPR personal data.
func (g *Gate) StoreWithConsent(key string, value interface{}, userID string, purpose Purpose) error {
	if !purpose.valid() {
		return fmt.Errorf("%w: %q", kerrors.ErrInvalidPurpose, purpose)
	}
	if !g.Has(userID, purpose) {
		return kerrors.ErrConsentRequired
	}
	g.mu.Lock()
	grantedAt := g.consents[userID][purpose]
	g.mu.Unlock()

	g.mgr.Remember(key, value, map[string]interface{}{
		"user_id":           userID,
		"purpose":           string(purpose),
		"consent_timestamp": grantedAt,
		"contains_pii":      true,
		"data_type":         "gdpr_personal_data",
	}, userID)
	return nil
}

// RightToErasure iterates every event whose metadata.user_id matches userID;
// hard-deletes unless metadata.can_delete == false, in which case it
// anonymises in place. Then clears short-term/long-term/cache entries
// carrying that user_id and revokes every consent for the user.
func (g *Gate) RightToErasure(userID string) ErasureResult {
	var result ErasureResult
	for _, evt := range g.store.All() {
		uid, _ := evt.Metadata["user_id"].(string)
		if uid != userID {
			continue
		}
		canDelete := true
		if v, ok := evt.Metadata["can_delete"].(bool); ok {
			canDelete = v
		}
		if canDelete {
			g.store.RemoveGlobal(evt.ID)
			result.Deleted++
		} else {
			g.store.ReplaceGlobal(anonymizeEvent(evt))
			result.Anonymized++
		}
	}

	g.mgr.ForgetUser(userID)

	g.mu.Lock()
	delete(g.consents, userID)
	g.mu.Unlock()

	return result
}

func anonymizeEvent(evt eventstore.Event) eventstore.Event {
	out := evt.Clone()
	out.Actor = hashPrefix(evt.Actor)
	for _, field := range []string{"name", "email", "phone", "address", "ssn"} {
		if v, ok := out.Data[field].(string); ok {
			out.Data[field] = hashPrefix(v)
		}
	}
	return out
}

func hashPrefix(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// RightToRectification requires consent for legal_compliance or
// rectification, then stores a new event at <key>_rectified.
func (g *Gate) RightToRectification(userID, key string, corrected interface{}) error {
	if !g.Has(userID, LegalCompliance) && !g.Has(userID, Rectification) {
		return kerrors.ErrConsentRequired
	}
	g.mgr.Remember(key+"_rectified", corrected, map[string]interface{}{
		"user_id":       userID,
		"rectification": true,
		"original_key":  key,
	}, userID)
	return nil
}

// ExportUserData returns every event tied to userID, sanitised, alongside
// the user's current consents.
func (g *Gate) ExportUserData(userID string) ExportedData {
	g.mu.Lock()
	consents := make(map[Purpose]time.Time, len(g.consents[userID]))
	for p, t := range g.consents[userID] {
		consents[p] = t
	}
	g.mu.Unlock()

	var records []ExportedRecord
	for _, evt := range g.store.All() {
		uid, _ := evt.Metadata["user_id"].(string)
		if uid != userID {
			continue
		}
		purpose, _ := evt.Metadata["purpose"].(string)
		records = append(records, ExportedRecord{
			Timestamp: evt.Timestamp,
			Type:      evt.Type,
			Data:      sanitise(evt.Data),
			Purpose:   purpose,
		})
	}

	return ExportedData{
		UserID:          userID,
		ExportTimestamp: time.Now(),
		Consents:        consents,
		Data:            records,
	}
}

func sanitise(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		if isSanitisedKey(k) {
			continue
		}
		out[k] = v
	}
	return out
}

func isSanitisedKey(key string) bool {
	for _, k := range sanitisedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// DataMinimisationCheck hashes event data for duplicate detection and
// compares each event's age against its class retention window.
func (g *Gate) DataMinimisationCheck() MinimisationReport {
	all := g.store.All()
	report := MinimisationReport{TotalEvents: len(all)}

	seenHashes := make(map[string]string) // data hash -> first event ID
	now := time.Now()

	for _, evt := range all {
		h := hashData(evt.Data)
		if firstID, exists := seenHashes[h]; exists {
			report.RedundantData = append(report.RedundantData, evt.ID)
			_ = firstID
		} else {
			seenHashes[h] = evt.ID
		}

		class := "default"
		if c, ok := evt.Metadata["data_type"].(string); ok && c != "" {
			class = c
		}
		if g.retentionFor != nil && now.Sub(evt.Timestamp) > g.retentionFor(class) {
			report.ExcessiveRetention = append(report.ExcessiveRetention, evt.ID)
		}

		for k := range evt.Data {
			if isSanitisedKey(k) {
				report.UnnecessaryFields = append(report.UnnecessaryFields, evt.ID)
				break
			}
		}
	}
	return report
}

func hashData(data map[string]interface{}) string {
	sum := sha256.Sum256([]byte(stableRepr(data)))
	return hex.EncodeToString(sum[:])
}

// stableRepr produces a deterministic, order-independent string
// representation of a flat map, sufficient for duplicate detection without
// pulling in a JSON encoder for this single internal use.
func stableRepr(data map[string]interface{}) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	repr := ""
	for _, k := range keys {
		repr += k + "=" + fmt.Sprint(data[k]) + ";"
	}
	return repr
}
