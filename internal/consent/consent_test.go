package consent

import (
	"errors"
	"testing"
	"time"

	"github.com/orchestkit/agentkernel/internal/audit"
	"github.com/orchestkit/agentkernel/internal/cache"
	"github.com/orchestkit/agentkernel/internal/config"
	"github.com/orchestkit/agentkernel/internal/eventstore"
	"github.com/orchestkit/agentkernel/internal/kerrors"
	"github.com/orchestkit/agentkernel/internal/memory"
)

func newTestGate() (*Gate, *eventstore.Store) {
	store := eventstore.New()
	cfg := config.Default()
	trail := audit.New(store, cfg, nil)
	c := cache.New(1000, nil)
	mgr := memory.New(store, trail, c, nil)
	gate := New(mgr, store, cfg.RetentionFor)
	return gate, store
}

func TestGrantRevokeHas(t *testing.T) {
	g, _ := newTestGate()
	if g.Has("u1", Research) {
		t.Fatal("expected no consent before grant")
	}
	if err := g.Grant("u1", Research); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !g.Has("u1", Research) {
		t.Fatal("expected consent after grant")
	}
	g.Revoke("u1", Research)
	if g.Has("u1", Research) {
		t.Fatal("expected consent to be gone after revoke")
	}
}

func TestGrantRejectsUnknownPurpose(t *testing.T) {
	g, _ := newTestGate()
	if err := g.Grant("u1", Purpose("surveillance")); !errors.Is(err, kerrors.ErrInvalidPurpose) {
		t.Errorf("got %v, want ErrInvalidPurpose", err)
	}
	if g.Has("u1", Purpose("surveillance")) {
		t.Error("expected no consent to be recorded for a rejected purpose")
	}
}

func TestStoreWithConsentRejectsUnknownPurpose(t *testing.T) {
	g, _ := newTestGate()
	err := g.StoreWithConsent("k1", "v1", "u1", Purpose("surveillance"))
	if !errors.Is(err, kerrors.ErrInvalidPurpose) {
		t.Errorf("got %v, want ErrInvalidPurpose", err)
	}
}

func TestStoreWithConsentFailsWithoutGrant(t *testing.T) {
	g, _ := newTestGate()
	err := g.StoreWithConsent("k1", "v1", "u1", Research)
	if !errors.Is(err, kerrors.ErrConsentRequired) {
		t.Errorf("got %v, want ErrConsentRequired", err)
	}
}

func TestStoreWithConsentSucceedsAfterGrant(t *testing.T) {
	g, store := newTestGate()
	g.Grant("u1", Research)
	if err := g.StoreWithConsent("k1", "v1", "u1", Research); err != nil {
		t.Fatalf("store with consent: %v", err)
	}

	stream := store.Stream("k1")
	if len(stream) == 0 {
		t.Fatal("expected an event to be recorded")
	}
	if stream[len(stream)-1].Metadata["contains_pii"] != true {
		t.Error("expected contains_pii to be set")
	}
}

func TestRightToErasureDeletesByDefault(t *testing.T) {
	g, store := newTestGate()
	g.Grant("u1", Research)
	g.StoreWithConsent("k1", "v1", "u1", Research)

	result := g.RightToErasure("u1")
	if result.Deleted == 0 {
		t.Error("expected at least one deleted event")
	}
	if len(store.Stream("k1")) != 0 {
		t.Error("expected the event to be removed from the stream")
	}
	if g.Has("u1", Research) {
		t.Error("expected all consents to be revoked after erasure")
	}
}

func TestRightToErasureAnonymizesWhenCanDeleteFalse(t *testing.T) {
	g, store := newTestGate()
	store.Append(eventstore.Event{
		AggregateID: "legal-hold",
		Type:        eventstore.MemoryWrite,
		Actor:       "u1",
		Data:        map[string]interface{}{"name": "Bob"},
		Metadata:    map[string]interface{}{"user_id": "u1", "can_delete": false},
	})

	result := g.RightToErasure("u1")
	if result.Anonymized != 1 {
		t.Errorf("anonymized: got %d, want 1", result.Anonymized)
	}
	stream := store.Stream("legal-hold")
	if len(stream) != 1 {
		t.Fatalf("expected the event to survive anonymisation, got %d", len(stream))
	}
	if stream[0].Data["name"] == "Bob" {
		t.Error("expected name to be hashed")
	}
}

func TestRightToRectificationRequiresConsent(t *testing.T) {
	g, _ := newTestGate()
	err := g.RightToRectification("u1", "k1", "corrected")
	if !errors.Is(err, kerrors.ErrConsentRequired) {
		t.Errorf("got %v, want ErrConsentRequired", err)
	}

	g.Grant("u1", LegalCompliance)
	if err := g.RightToRectification("u1", "k1", "corrected"); err != nil {
		t.Fatalf("rectification: %v", err)
	}
}

func TestExportUserDataSanitisesAndIncludesConsents(t *testing.T) {
	g, _ := newTestGate()
	g.Grant("u1", Research)
	g.StoreWithConsent("k1", map[string]interface{}{"_internal": "secret", "value": "v1"}, "u1", Research)

	export := g.ExportUserData("u1")
	if export.UserID != "u1" {
		t.Errorf("user id: got %q, want u1", export.UserID)
	}
	if _, ok := export.Consents[Research]; !ok {
		t.Error("expected research consent in export")
	}
	if len(export.Data) == 0 {
		t.Fatal("expected at least one exported record")
	}
	for _, rec := range export.Data {
		if _, ok := rec.Data["_internal"]; ok {
			t.Error("expected _internal to be stripped from exported data")
		}
	}
}

func TestDataMinimisationCheckFlagsExcessiveRetention(t *testing.T) {
	g, store := newTestGate()
	store.Append(eventstore.Event{
		AggregateID: "old-event",
		Type:        eventstore.MemoryWrite,
		Data:        map[string]interface{}{"value": "x"},
		Metadata:    map[string]interface{}{"data_type": "system_logs"},
		Timestamp:   time.Now().Add(-1000 * 24 * time.Hour),
	})

	report := g.DataMinimisationCheck()
	if len(report.ExcessiveRetention) == 0 {
		t.Error("expected the stale event to be flagged for excessive retention")
	}
}

func TestDataMinimisationCheckFlagsDuplicateData(t *testing.T) {
	g, store := newTestGate()
	payload := map[string]interface{}{"value": "same"}
	store.Append(eventstore.Event{AggregateID: "a", Type: eventstore.MemoryWrite, Data: payload})
	store.Append(eventstore.Event{AggregateID: "b", Type: eventstore.MemoryWrite, Data: payload})

	report := g.DataMinimisationCheck()
	if len(report.RedundantData) == 0 {
		t.Error("expected duplicate payloads to be flagged")
	}
}
