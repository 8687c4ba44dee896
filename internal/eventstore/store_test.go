package eventstore

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestAppendAndReplayEventsWrite(t *testing.T) {
	s := New()
	s.Append(Event{AggregateID: "k1", Type: MemoryWrite, Data: map[string]interface{}{"value": "v1"}})

	state := s.ReplayEvents("k1")
	if state.Value != "v1" {
		t.Errorf("value: got %v, want v1", state.Value)
	}
}

func TestReplayEventsUpdateShallowMerges(t *testing.T) {
	s := New()
	s.Append(Event{AggregateID: "k1", Type: MemoryWrite, Data: map[string]interface{}{"value": map[string]interface{}{"a": 1, "b": 2}}})
	s.Append(Event{AggregateID: "k1", Type: MemoryUpdate, Data: map[string]interface{}{"value": map[string]interface{}{"b": 3, "c": 4}}})

	state := s.ReplayEvents("k1")
	merged, ok := state.Value.(map[string]interface{})
	if !ok {
		t.Fatalf("expected a merged map, got %T", state.Value)
	}
	if merged["a"] != 1 || merged["b"] != 3 || merged["c"] != 4 {
		t.Errorf("merge result: got %v", merged)
	}
}

func TestReplayEventsUpdateReplacesWhenNotBothMaps(t *testing.T) {
	s := New()
	s.Append(Event{AggregateID: "k1", Type: MemoryWrite, Data: map[string]interface{}{"value": "scalar"}})
	s.Append(Event{AggregateID: "k1", Type: MemoryUpdate, Data: map[string]interface{}{"value": "replaced"}})

	state := s.ReplayEvents("k1")
	if state.Value != "replaced" {
		t.Errorf("value: got %v, want replaced", state.Value)
	}
}

func TestReplayEventsDeleteSetsNil(t *testing.T) {
	s := New()
	s.Append(Event{AggregateID: "k1", Type: MemoryWrite, Data: map[string]interface{}{"value": "v1"}})
	s.Append(Event{AggregateID: "k1", Type: MemoryDelete})

	state := s.ReplayEvents("k1")
	if state.Value != nil {
		t.Errorf("value after delete: got %v, want nil", state.Value)
	}
}

func TestSnapshotTakenEveryHundredEvents(t *testing.T) {
	s := New()
	for i := 0; i < 100; i++ {
		s.Append(Event{AggregateID: "k1", Type: MemoryWrite, Data: map[string]interface{}{"value": i}})
	}
	if len(s.snaps["k1"]) != 1 {
		t.Errorf("snapshots: got %d, want 1 after 100 events", len(s.snaps["k1"]))
	}

	state := s.ReplayEvents("k1")
	if state.Value != 99 {
		t.Errorf("value: got %v, want 99", state.Value)
	}
}

func TestGetStateAtFoldsOnlyEventsUpToTime(t *testing.T) {
	s := New()
	s.Append(Event{AggregateID: "k1", Type: MemoryWrite, Data: map[string]interface{}{"value": "first"}})
	cutoff := time.Now()
	time.Sleep(5 * time.Millisecond)
	s.Append(Event{AggregateID: "k1", Type: MemoryWrite, Data: map[string]interface{}{"value": "second"}})

	state := s.GetStateAt("k1", cutoff)
	if state.Value != "first" {
		t.Errorf("value at cutoff: got %v, want first", state.Value)
	}
}

func TestSubscribeReceivesAppendedEvents(t *testing.T) {
	s := New()
	received := make(chan Event, 1)
	s.Subscribe("k1", func(evt Event) { received <- evt })

	s.Append(Event{AggregateID: "k1", Type: MemoryWrite, Data: map[string]interface{}{"value": "v1"}})

	select {
	case evt := <-received:
		if evt.AggregateID != "k1" {
			t.Errorf("aggregate id: got %q, want k1", evt.AggregateID)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the appended event")
	}
}

func TestEventJSONRoundTrip(t *testing.T) {
	s := New()
	evt := s.Append(Event{
		AggregateID: "k1",
		Type:        MemoryWrite,
		Actor:       "alice",
		Data:        map[string]interface{}{"value": "v1"},
		Metadata:    map[string]interface{}{"data_type": "research_data"},
	})

	raw, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Event
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if back.ID != evt.ID || back.AggregateID != evt.AggregateID ||
		back.Type != evt.Type || back.Actor != evt.Actor {
		t.Errorf("identity fields changed across round trip: %+v vs %+v", back, evt)
	}
	if !back.Timestamp.Equal(evt.Timestamp) {
		t.Errorf("timestamp: got %v, want %v", back.Timestamp, evt.Timestamp)
	}
	if !reflect.DeepEqual(back.Data, evt.Data) || !reflect.DeepEqual(back.Metadata, evt.Metadata) {
		t.Errorf("payload maps changed across round trip")
	}
}

func TestNextIDIsUniqueUnderRapidAppend(t *testing.T) {
	s := New()
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := s.NextID()
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestRemoveGlobalDeletesFromBothListAndStream(t *testing.T) {
	s := New()
	evt := s.Append(Event{AggregateID: "k1", Type: MemoryWrite, Data: map[string]interface{}{"value": "v1"}})
	s.RemoveGlobal(evt.ID)

	if len(s.All()) != 0 {
		t.Errorf("global list: got %d entries, want 0", len(s.All()))
	}
	if len(s.Stream("k1")) != 0 {
		t.Errorf("stream: got %d entries, want 0", len(s.Stream("k1")))
	}
}

func TestReplaceGlobalOverwritesInPlace(t *testing.T) {
	s := New()
	evt := s.Append(Event{AggregateID: "k1", Type: MemoryWrite, Actor: "alice", Data: map[string]interface{}{"value": "v1"}})
	evt.Actor = "anon-hash"
	s.ReplaceGlobal(evt)

	stream := s.Stream("k1")
	if len(stream) != 1 || stream[0].Actor != "anon-hash" {
		t.Errorf("expected actor to be replaced in place, got %+v", stream)
	}
}
