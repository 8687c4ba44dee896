// Package registry is the in-memory agent catalogue: the canonical agent
// table plus the type/capability/parent indices the orchestrator and
// discovery queries use.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/orchestkit/agentkernel/internal/busmodel"
	"github.com/orchestkit/agentkernel/internal/kerrors"
)

// Factory builds a new agent instance of a registered type. The kernel does
// not know or care what concrete agent-role logic a factory wires up; that
// is out of scope for this registry.
type Factory func(id string, caps []busmodel.Capability) *Agent

// Agent is the registry's view of an agent: identity, hierarchy position,
// capability set and liveness bookkeeping. Agent-role behavior lives outside
// the kernel; this struct only carries what the registry/orchestrator need.
type Agent struct {
	ID               string
	Type             string
	Capabilities     []busmodel.Capability
	Status           busmodel.AgentStatus
	ParentID         string
	CreatedAt        time.Time
	LastSeen         time.Time
	Metadata         map[string]interface{}
	CanSpawnChildren bool
}

func (a *Agent) clone() *Agent {
	c := *a
	c.Capabilities = append([]busmodel.Capability(nil), a.Capabilities...)
	c.Metadata = make(map[string]interface{}, len(a.Metadata))
	for k, v := range a.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

// Query narrows find() by optional type, capability and status filters.
type Query struct {
	Type         string
	Capabilities []busmodel.Capability
	Status       busmodel.AgentStatus
}

// Statistics summarizes the registry's current population.
type Statistics struct {
	Total        int
	ByType       map[string]int
	ByStatus     map[busmodel.AgentStatus]int
	ByCapability map[busmodel.Capability]int
}

// Registry is the canonical agent table plus its four consistency indices
// (type, capability, parent, and the implicit id to agent table). A single
// mutex serializes every public operation; finer-grained locking buys
// nothing at this population size.
type Registry struct {
	mu sync.Mutex

	factories map[string]Factory
	agents    map[string]*Agent

	byType       map[string]map[string]struct{}
	byCapability map[busmodel.Capability]map[string]struct{}
	byParent     map[string]map[string]struct{}
}

func New() *Registry {
	return &Registry{
		factories:    make(map[string]Factory),
		agents:       make(map[string]*Agent),
		byType:       make(map[string]map[string]struct{}),
		byCapability: make(map[busmodel.Capability]map[string]struct{}),
		byParent:     make(map[string]map[string]struct{}),
	}
}

// RegisterType makes an agent class available to Create.
func (r *Registry) RegisterType(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// UnregisterType removes an agent class; existing agents of that type are
// untouched, the type just stops being creatable.
func (r *Registry) UnregisterType(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, name)
}

// Create invokes the named type's factory and registers the result.
func (r *Registry) Create(typ string, id string, caps []busmodel.Capability, parentID string) (*Agent, error) {
	r.mu.Lock()
	factory, ok := r.factories[typ]
	r.mu.Unlock()
	if !ok {
		return nil, kerrors.ErrUnknownType
	}

	agent := factory(id, caps)
	agent.Type = typ
	agent.ParentID = parentID
	if err := r.Register(agent); err != nil {
		return nil, err
	}
	return agent, nil
}

// Register inserts agent into the primary table and every index.
func (r *Registry) Register(agent *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now()
	}
	agent.LastSeen = time.Now()
	if agent.Status == "" {
		agent.Status = busmodel.StatusInitializing
	}
	if agent.Metadata == nil {
		agent.Metadata = make(map[string]interface{})
	}

	r.agents[agent.ID] = agent.clone()
	r.indexInsert(agent)
	return nil
}

func (r *Registry) indexInsert(agent *Agent) {
	r.addToSet(r.byType, agent.Type, agent.ID)
	for _, c := range agent.Capabilities {
		r.addToCapSet(c, agent.ID)
	}
	if agent.ParentID != "" {
		r.addToSet(r.byParent, agent.ParentID, agent.ID)
	}
}

func (r *Registry) indexRemove(agent *Agent) {
	r.removeFromSet(r.byType, agent.Type, agent.ID)
	for _, c := range agent.Capabilities {
		r.removeFromCapSet(c, agent.ID)
	}
	if agent.ParentID != "" {
		r.removeFromSet(r.byParent, agent.ParentID, agent.ID)
	}
}

func (r *Registry) addToSet(idx map[string]map[string]struct{}, key, id string) {
	if idx[key] == nil {
		idx[key] = make(map[string]struct{})
	}
	idx[key][id] = struct{}{}
}

func (r *Registry) removeFromSet(idx map[string]map[string]struct{}, key, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

func (r *Registry) addToCapSet(cap busmodel.Capability, id string) {
	if r.byCapability[cap] == nil {
		r.byCapability[cap] = make(map[string]struct{})
	}
	r.byCapability[cap][id] = struct{}{}
}

func (r *Registry) removeFromCapSet(cap busmodel.Capability, id string) {
	if set, ok := r.byCapability[cap]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byCapability, cap)
		}
	}
}

// Unregister removes an agent from the table and every index.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return kerrors.ErrNotFound
	}
	r.indexRemove(agent)
	delete(r.agents, id)
	return nil
}

// Get returns the agent and refreshes its lastSeen timestamp.
func (r *Registry) Get(id string) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, kerrors.ErrNotFound
	}
	agent.LastSeen = time.Now()
	return agent.clone(), nil
}

// Peek returns the agent without refreshing lastSeen, for reads that must
// not count as liveness activity.
func (r *Registry) Peek(id string) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return nil, kerrors.ErrNotFound
	}
	return agent.clone(), nil
}

// UpdateStatus transitions an agent's status in place.
func (r *Registry) UpdateStatus(id string, status busmodel.AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return kerrors.ErrNotFound
	}
	agent.Status = status
	agent.LastSeen = time.Now()
	return nil
}

// Metadata returns a copy of an agent's metadata map.
func (r *Registry) Metadata(id string) (map[string]interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return nil, kerrors.ErrNotFound
	}
	out := make(map[string]interface{}, len(agent.Metadata))
	for k, v := range agent.Metadata {
		out[k] = v
	}
	return out, nil
}

// UpdateMetadata merges kv into an agent's metadata map.
func (r *Registry) UpdateMetadata(id string, kv map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return kerrors.ErrNotFound
	}
	for k, v := range kv {
		agent.Metadata[k] = v
	}
	return nil
}

// ListAll returns every registered agent, ordered by ID for stable output.
func (r *Registry) ListAll() []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedClones(r.allIDs())
}

func (r *Registry) allIDs() []string {
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) sortedClones(ids []string) []*Agent {
	sort.Strings(ids)
	out := make([]*Agent, 0, len(ids))
	for _, id := range ids {
		if a, ok := r.agents[id]; ok {
			out = append(out, a.clone())
		}
	}
	return out
}

func (r *Registry) ListByType(typ string) []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedClones(setKeys(r.byType[typ]))
}

func (r *Registry) ListByCapability(cap busmodel.Capability) []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedClones(setKeys(r.byCapability[cap]))
}

func (r *Registry) ListByStatus(status busmodel.AgentStatus) []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, a := range r.agents {
		if a.Status == status {
			ids = append(ids, id)
		}
	}
	return r.sortedClones(ids)
}

func setKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Find applies an optional type/capabilities/status filter and scores each
// surviving candidate for capability-match quality, highest score first.
// The score: base 10 for matching every required
// capability, +0.5 per additional capability the agent has beyond those
// required, +2 specialist bonus when the agent's capability set exceeds the
// required set by at most two capabilities. Ties keep the stable ID order.
func (r *Registry) Find(q Query) []*Agent {
	r.mu.Lock()
	candidateIDs := r.candidateIDs(q)
	candidates := r.sortedClones(candidateIDs)
	r.mu.Unlock()

	type scored struct {
		agent *Agent
		score float64
	}
	out := make([]scored, 0, len(candidates))
	for _, a := range candidates {
		if q.Status != "" && a.Status != q.Status {
			continue
		}
		if !hasAllCapabilities(a.Capabilities, q.Capabilities) {
			continue
		}
		out = append(out, scored{agent: a, score: score(a.Capabilities, q.Capabilities)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })

	result := make([]*Agent, len(out))
	for i, s := range out {
		result[i] = s.agent
	}
	return result
}

func (r *Registry) candidateIDs(q Query) []string {
	if q.Type != "" {
		return setKeys(r.byType[q.Type])
	}
	if q.Status != "" {
		var ids []string
		for id, a := range r.agents {
			if a.Status == q.Status {
				ids = append(ids, id)
			}
		}
		return ids
	}
	return r.allIDs()
}

func hasAllCapabilities(have, required []busmodel.Capability) bool {
	set := make(map[busmodel.Capability]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	for _, c := range required {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}

func score(have, required []busmodel.Capability) float64 {
	extra := len(have) - len(required)
	s := 10.0 + 0.5*float64(extra)
	if extra >= 0 && extra <= 2 {
		s += 2
	}
	return s
}

// Children returns the direct children of id.
func (r *Registry) Children(id string) []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedClones(setKeys(r.byParent[id]))
}

// Parent returns id's parent, or nil if it has none.
func (r *Registry) Parent(id string) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok || agent.ParentID == "" {
		return nil
	}
	parent, ok := r.agents[agent.ParentID]
	if !ok {
		return nil
	}
	return parent.clone()
}

// Ancestry walks parent links from id to the root, id excluded.
func (r *Registry) Ancestry(id string) []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Agent
	seen := map[string]struct{}{id: {}}
	cur, ok := r.agents[id]
	for ok && cur.ParentID != "" {
		if _, loop := seen[cur.ParentID]; loop {
			break
		}
		parent, exists := r.agents[cur.ParentID]
		if !exists {
			break
		}
		out = append(out, parent.clone())
		seen[cur.ParentID] = struct{}{}
		cur = parent
		ok = exists
	}
	return out
}

// Descendants walks the subtree rooted at id, id excluded, breadth-first.
func (r *Registry) Descendants(id string) []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Agent
	queue := setKeys(r.byParent[id])
	sort.Strings(queue)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		agent, ok := r.agents[cur]
		if !ok {
			continue
		}
		out = append(out, agent.clone())
		children := setKeys(r.byParent[cur])
		sort.Strings(children)
		queue = append(queue, children...)
	}
	return out
}

// Statistics summarizes the current population across every index.
func (r *Registry) Statistics() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Statistics{
		Total:        len(r.agents),
		ByType:       make(map[string]int),
		ByStatus:     make(map[busmodel.AgentStatus]int),
		ByCapability: make(map[busmodel.Capability]int),
	}
	for _, a := range r.agents {
		stats.ByType[a.Type]++
		stats.ByStatus[a.Status]++
		for _, c := range a.Capabilities {
			stats.ByCapability[c]++
		}
	}
	return stats
}
