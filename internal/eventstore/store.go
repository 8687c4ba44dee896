// Package eventstore is the append-only, immutable event log the memory
// manager, audit trail and retention sweep are all built on. This is
// distinct from the message bus: a bus Message is transient transport, an
// eventstore Event is the durable (in-process) record of a state change.
package eventstore

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

// EventType is the closed set of state-change kinds the memory/cache layers
// record against the store.
type EventType string

const (
	MemoryWrite  EventType = "MEMORY_WRITE"
	MemoryRead   EventType = "MEMORY_READ"
	MemoryUpdate EventType = "MEMORY_UPDATE"
	MemoryDelete EventType = "MEMORY_DELETE"
	CacheHit     EventType = "CACHE_HIT"
	CacheMiss    EventType = "CACHE_MISS"
	CacheEvict   EventType = "CACHE_EVICT"
)

// Event is one immutable record in an aggregate's stream. The JSON form
// (audit/export serialisation) uses snake_case keys and RFC 3339
// timestamps.
type Event struct {
	ID          string                 `json:"id"`
	AggregateID string                 `json:"aggregate_id"`
	Type        EventType              `json:"type"`
	Actor       string                 `json:"actor"`
	Data        map[string]interface{} `json:"data"`
	Metadata    map[string]interface{} `json:"metadata"`
	Timestamp   time.Time              `json:"timestamp"`
}

func (e Event) clone() Event {
	c := e
	c.Data = cloneMap(e.Data)
	c.Metadata = cloneMap(e.Metadata)
	return c
}

// Clone returns a deep copy of e, safe for a caller to mutate (used by the
// audit retention sweep before anonymising a record it read via All()).
func (e Event) Clone() Event {
	return e.clone()
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// AggregateState is a point-in-time fold result: the current value for an
// aggregate as of the event that produced it, plus the version counter
// (the count of events folded to reach this state).
type AggregateState struct {
	AggregateID string
	Value       interface{}
	Version     int
	AsOf        time.Time
}

const snapshotEvery = 100

// Subscriber receives every event appended to the aggregate it subscribed to.
type Subscriber func(Event)

// Store is the append-only event log: a global ordered list plus
// per-aggregate streams and snapshots, guarded by a single mutex (mirroring
// the registry's "a single mutex suffices" design).
type Store struct {
	mu sync.Mutex

	all      []Event
	streams  map[string][]Event
	snaps    map[string][]AggregateState
	subs     map[string][]Subscriber
	idSeq    int64
	lastNano int64
}

func New() *Store {
	return &Store{
		streams: make(map[string][]Event),
		snaps:   make(map[string][]AggregateState),
		subs:    make(map[string][]Subscriber),
	}
}

// NextID mints an evt-<micros> ID, falling back to a local counter to break
// ties if two events land in the same microsecond.
func (s *Store) NextID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextIDLocked()
}

func (s *Store) nextIDLocked() string {
	now := time.Now().UnixMicro()
	if now <= s.lastNano {
		s.idSeq++
		return "evt-" + strconv.FormatInt(s.lastNano, 10) + "-" + strconv.FormatInt(s.idSeq, 10)
	}
	s.lastNano = now
	s.idSeq = 0
	return "evt-" + strconv.FormatInt(now, 10)
}

// Append records event in the global list and its aggregate's stream, fans
// it out to per-aggregate subscribers, and snapshots every 100th event in
// that stream.
func (s *Store) Append(evt Event) Event {
	s.mu.Lock()
	if evt.ID == "" {
		evt.ID = s.nextIDLocked()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	stored := evt.clone()
	s.all = append(s.all, stored)
	s.streams[evt.AggregateID] = append(s.streams[evt.AggregateID], stored)
	streamLen := len(s.streams[evt.AggregateID])

	subs := make([]Subscriber, len(s.subs[evt.AggregateID]))
	copy(subs, s.subs[evt.AggregateID])
	s.mu.Unlock()

	for _, sub := range subs {
		go func(cb Subscriber) {
			defer func() { recover() }()
			cb(stored.clone())
		}(sub)
	}

	if streamLen%snapshotEvery == 0 {
		s.snapshot(evt.AggregateID)
	}
	return stored
}

func (s *Store) snapshot(aggregateID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.replay(aggregateID, nil)
	s.snaps[aggregateID] = append(s.snaps[aggregateID], state)
}

// Subscribe registers a per-aggregate fan-out callback.
func (s *Store) Subscribe(aggregateID string, cb Subscriber) (unsubscribe func()) {
	s.mu.Lock()
	s.subs[aggregateID] = append(s.subs[aggregateID], cb)
	idx := len(s.subs[aggregateID]) - 1
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subs[aggregateID]
		if idx < len(subs) {
			subs[idx] = nil
		}
	}
}

// fold applies the event reducer to a stream, starting from seed.
func fold(seed interface{}, events []Event) interface{} {
	value := seed
	for _, evt := range events {
		switch evt.Type {
		case MemoryWrite:
			value = evt.Data["value"]
		case MemoryUpdate:
			if cur, ok := value.(map[string]interface{}); ok {
				if incoming, ok := evt.Data["value"].(map[string]interface{}); ok {
					merged := make(map[string]interface{}, len(cur)+len(incoming))
					for k, v := range cur {
						merged[k] = v
					}
					for k, v := range incoming {
						merged[k] = v
					}
					value = merged
					continue
				}
			}
			value = evt.Data["value"]
		case MemoryDelete:
			value = nil
		default:
			if v, ok := evt.Data["value"]; ok {
				value = v
			}
		}
	}
	return value
}

// ReplayEvents folds events after the latest snapshot (or all of them, if
// there is none) through the fold function, returning the resulting state.
func (s *Store) ReplayEvents(aggregateID string) AggregateState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replay(aggregateID, nil)
}

// replay must be called with s.mu held.
func (s *Store) replay(aggregateID string, upTo *time.Time) AggregateState {
	stream := s.streams[aggregateID]
	var seed interface{}
	start := 0
	startVersion := 0

	if snaps := s.snaps[aggregateID]; upTo == nil && len(snaps) > 0 {
		latest := snaps[len(snaps)-1]
		seed = latest.Value
		startVersion = latest.Version
		for i, evt := range stream {
			if !evt.Timestamp.After(latest.AsOf) {
				start = i + 1
			}
		}
	}

	tail := stream[start:]
	if upTo != nil {
		filtered := make([]Event, 0, len(tail))
		for _, evt := range tail {
			if !evt.Timestamp.After(*upTo) {
				filtered = append(filtered, evt)
			}
		}
		tail = filtered
	}

	asOf := time.Now()
	if len(tail) > 0 {
		asOf = tail[len(tail)-1].Timestamp
	}
	return AggregateState{AggregateID: aggregateID, Value: fold(seed, tail), Version: startVersion + len(tail), AsOf: asOf}
}

// GetStateAt folds all events with timestamp <= t, ignoring snapshots (a
// snapshot's AsOf may postdate t). Version is the count of events folded,
// so version is k for any t between the kth and (k+1)th event.
func (s *Store) GetStateAt(aggregateID string, t time.Time) AggregateState {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[aggregateID]
	var upTo []Event
	for _, evt := range stream {
		if !evt.Timestamp.After(t) {
			upTo = append(upTo, evt)
		}
	}
	return AggregateState{AggregateID: aggregateID, Value: fold(nil, upTo), Version: len(upTo), AsOf: t}
}

// Stream returns a copy of an aggregate's full event stream.
func (s *Store) Stream(aggregateID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.streams[aggregateID]))
	for i, e := range s.streams[aggregateID] {
		out[i] = e.clone()
	}
	return out
}

// StreamWindow returns an aggregate's events with timestamp in [start, end].
// A zero start/end means unbounded on that side.
func (s *Store) StreamWindow(aggregateID string, start, end time.Time) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, e := range s.streams[aggregateID] {
		if !start.IsZero() && e.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && e.Timestamp.After(end) {
			continue
		}
		out = append(out, e.clone())
	}
	return out
}

// All returns a copy of the global event list, oldest first.
func (s *Store) All() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.all))
	for i, e := range s.all {
		out[i] = e.clone()
	}
	return out
}

// RemoveGlobal deletes a single event (by identity) from both the global
// list and its aggregate stream, used by the retention sweep's hard-delete
// branch.
func (s *Store) RemoveGlobal(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.all {
		if e.ID == id {
			s.all = append(s.all[:i], s.all[i+1:]...)
			break
		}
	}
	for agg, stream := range s.streams {
		for i, e := range stream {
			if e.ID == id {
				s.streams[agg] = append(stream[:i], stream[i+1:]...)
				break
			}
		}
	}
}

// ReplaceGlobal overwrites an event in place (by identity), used by the
// retention sweep's anonymise-in-place branch.
func (s *Store) ReplaceGlobal(updated Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.all {
		if e.ID == updated.ID {
			s.all[i] = updated.clone()
			break
		}
	}
	stream := s.streams[updated.AggregateID]
	for i, e := range stream {
		if e.ID == updated.ID {
			stream[i] = updated.clone()
			break
		}
	}
}

// AggregateIDs returns the set of known aggregate IDs, sorted.
func (s *Store) AggregateIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.streams))
	for id := range s.streams {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
