// Package memory composes the short-term, long-term-vector and shared
// tiers over the event store, audit trail and predictive cache.
package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/orchestkit/agentkernel/internal/audit"
	"github.com/orchestkit/agentkernel/internal/cache"
	"github.com/orchestkit/agentkernel/internal/eventstore"
)

const shortTermCapacity = 1000

type shortTermEntry struct {
	value     interface{}
	timestamp time.Time
}

type longTermEntry struct {
	value    interface{}
	metadata map[string]interface{}
}

// Context carries optional recall() behavior flags.
type Context struct {
	IncludeShared bool // default true; only NewContext(false) turns it off
	includeSet    bool
}

func NewContext(includeShared bool) Context {
	return Context{IncludeShared: includeShared, includeSet: true}
}

// Result is one recalled item, tagged with which tier it came from.
type Result struct {
	Key   string
	Value interface{}
	Tier  string
	Score float64 // cosine similarity for long-term hits, 1.0 otherwise
}

// Manager composes the three memory tiers over shared kernel
// infrastructure: the event store (durable log), the audit trail (access
// logging) and the predictive cache (hot-path short-circuit).
type Manager struct {
	mu sync.Mutex

	store *eventstore.Store
	trail *audit.Trail
	cache *cache.Cache
	embed Embedder

	shortTerm     map[string]*shortTermEntry
	shortTermKeys []string // insertion/access order, oldest first, for LRU eviction

	longTerm   map[string]*longTermEntry
	embeddings map[string][]float64

	shared map[string]interface{}

	byUser map[string]map[string]struct{} // user_id -> keys remembered on its behalf
}

func New(store *eventstore.Store, trail *audit.Trail, c *cache.Cache, embed Embedder) *Manager {
	if embed == nil {
		embed = DefaultEmbedder
	}
	return &Manager{
		store:      store,
		trail:      trail,
		cache:      c,
		embed:      embed,
		shortTerm:  make(map[string]*shortTermEntry),
		longTerm:   make(map[string]*longTermEntry),
		embeddings: make(map[string][]float64),
		shared:     make(map[string]interface{}),
		byUser:     make(map[string]map[string]struct{}),
	}
}

// Remember appends a MEMORY_WRITE event, populates the cache and short-term
// tier, and (unless metadata.store_long_term == false) computes an embedding
// and stores the value in the long-term tier.
func (m *Manager) Remember(key string, value interface{}, metadata map[string]interface{}, actor string) {
	m.store.Append(eventstore.Event{
		AggregateID: key,
		Type:        eventstore.MemoryWrite,
		Actor:       actor,
		Data:        map[string]interface{}{"action": "write", "value": value},
		Metadata:    metadata,
	})

	m.mu.Lock()
	m.cache.Set(key, value)
	m.touchShortTerm(key, value)

	storeLongTerm := true
	if v, ok := metadata["store_long_term"].(bool); ok {
		storeLongTerm = v
	}
	if storeLongTerm {
		m.longTerm[key] = &longTermEntry{value: value, metadata: metadata}
		m.embeddings[key] = m.embed(value)
	}
	if userID, ok := metadata["user_id"].(string); ok && userID != "" {
		if m.byUser[userID] == nil {
			m.byUser[userID] = make(map[string]struct{})
		}
		m.byUser[userID][key] = struct{}{}
	}
	m.mu.Unlock()
}

// ForgetUser clears every short-term, long-term and cache entry remembered
// on behalf of userID, per rightToErasure's tier-clearing step.
func (m *Manager) ForgetUser(userID string) {
	m.mu.Lock()
	keys := m.byUser[userID]
	delete(m.byUser, userID)
	m.mu.Unlock()

	for key := range keys {
		m.mu.Lock()
		delete(m.shortTerm, key)
		delete(m.longTerm, key)
		delete(m.embeddings, key)
		m.mu.Unlock()
		m.cache.Delete(key)
	}
}

func (m *Manager) touchShortTerm(key string, value interface{}) {
	if _, exists := m.shortTerm[key]; !exists && len(m.shortTerm) >= shortTermCapacity {
		m.evictOldestShortTermLocked()
	}
	m.shortTerm[key] = &shortTermEntry{value: value, timestamp: time.Now()}
	m.shortTermKeys = append(m.shortTermKeys, key)
}

func (m *Manager) evictOldestShortTermLocked() {
	for len(m.shortTermKeys) > 0 {
		oldest := m.shortTermKeys[0]
		m.shortTermKeys = m.shortTermKeys[1:]
		if _, ok := m.shortTerm[oldest]; ok {
			delete(m.shortTerm, oldest)
			return
		}
	}
}

// SetShared writes a cluster-visible entry directly, bypassing the
// event/cache pipeline; the shared tier is a plain keyed map.
func (m *Manager) SetShared(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shared[key] = value
}

// Recall is the layered lookup: log a pending read, check the
// cache, search short-term then (if short of 10) long-term by embedding
// similarity, optionally search shared, cache the combined result, and log
// the outcome.
func (m *Manager) Recall(query string, actor string, ctx Context) []Result {
	queryKey := "query_" + query
	m.trail.LogAccess(queryKey, actor, "read", nil, map[string]interface{}{"pending": true})

	if cached, ok := m.cache.Get(queryKey); ok {
		if results, ok := cached.([]Result); ok {
			m.trail.LogAccess(queryKey, actor, "read", map[string]interface{}{"result_count": len(results)}, nil)
			return results
		}
	}

	m.mu.Lock()
	shortResults := m.searchShortTermLocked(query)
	var longResults []Result
	if len(shortResults) < 10 {
		queryVec := m.embed(query)
		longResults = m.searchLongTermLocked(queryVec, 10-len(shortResults))
	}
	includeShared := !ctx.includeSet || ctx.IncludeShared
	var sharedResults []Result
	if includeShared {
		sharedResults = m.searchSharedLocked(query)
	}
	m.mu.Unlock()

	combined := append(append(shortResults, longResults...), sharedResults...)
	m.cache.Set(queryKey, combined)
	m.trail.LogAccess(queryKey, actor, "read", map[string]interface{}{"result_count": len(combined)}, nil)
	return combined
}

func (m *Manager) searchShortTermLocked(query string) []Result {
	var out []Result
	for k, e := range m.shortTerm {
		if strings.Contains(k, query) {
			out = append(out, Result{Key: k, Value: e.value, Tier: "short_term", Score: 1})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (m *Manager) searchSharedLocked(query string) []Result {
	var out []Result
	for k, v := range m.shared {
		if strings.Contains(k, query) {
			out = append(out, Result{Key: k, Value: v, Tier: "shared", Score: 1})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Search implements the long-term tier's search(queryVector, k): returns the
// top-k entries by cosine similarity.
func (m *Manager) Search(queryVector []float64, k int) []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.searchLongTermLocked(queryVector, k)
}

func (m *Manager) searchLongTermLocked(queryVector []float64, k int) []Result {
	if k <= 0 {
		return nil
	}
	type scored struct {
		Result
	}
	all := make([]scored, 0, len(m.longTerm))
	for key, entry := range m.longTerm {
		vec := m.embeddings[key]
		sim := CosineSimilarity(queryVector, vec)
		all = append(all, scored{Result{Key: key, Value: entry.value, Tier: "long_term", Score: sim}})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Score > all[j].Score })

	if k > len(all) {
		k = len(all)
	}
	out := make([]Result, k)
	for i := 0; i < k; i++ {
		out[i] = all[i].Result
	}
	return out
}

// TimeTravel returns the current value of aggregate(key) as of time t.
func (m *Manager) TimeTravel(key string, t time.Time) interface{} {
	return m.store.GetStateAt(key, t).Value
}
