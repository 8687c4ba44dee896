// Package plugin implements the Plugin Loader: registration, dependency
// ordering, hot reload and namespaced agent-class/tool contribution into
// the registry.
package plugin

import (
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/orchestkit/agentkernel/internal/agentcontract"
	"github.com/orchestkit/agentkernel/internal/kerrors"
	"github.com/orchestkit/agentkernel/internal/registry"
)

// Status is a node in the plugin lifecycle.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusActive        Status = "active"
	StatusError         Status = "error"
	StatusShutdown      Status = "shutdown"
)

// Initializer is invoked once at register time.
type Initializer func(config map[string]interface{}) error

// Shutdowner is invoked once at unregister/shutdown time.
type Shutdowner func() error

// AgentFactory is everything the orchestrator needs to spawn a
// plugin-contributed agent class: the registry-record factory, the runtime
// behavior factory, and the class's canSpawnChildren default.
type AgentFactory struct {
	New              registry.Factory
	Impl             func(agent *registry.Agent) agentcontract.Agent
	CanSpawnChildren bool
}

// Registrar is where Register loads plugin-contributed agent classes so
// they become spawnable alongside core types; the orchestrator implements
// it. Unregister reverses the contribution.
type Registrar interface {
	RegisterAgentType(class string, f AgentFactory)
	UnregisterAgentType(class string)
}

// Plugin is what a caller supplies to Loader.Register. AgentClasses and
// Tools are registered into the kernel's registry/tool-dispatch surface
// under names the loader namespaces (tools only) by plugin name.
type Plugin struct {
	Name         string
	Version      string
	AgentClasses []string
	Tools        []string
	Config       map[string]interface{}
	Dependencies []string

	// AgentFactories maps a name from AgentClasses to its spawn factories.
	// A class with no factory is a metadata-only contribution: it appears
	// in the plugin's namespace but cannot be spawned.
	AgentFactories map[string]AgentFactory

	Initialize Initializer
	Shutdown   Shutdowner
}

// loaded is the loader's bookkeeping record for a registered plugin.
type loaded struct {
	plugin   Plugin
	semver   *semver.Version
	status   Status
	loadTime time.Time
	usage    int
	config   map[string]interface{}
}

// Loader is the plugin registry: name → loaded plugin, in registration
// order (needed for shutdown-in-reverse-order), plus the namespaced
// agent-class/tool views consumers query.
type Loader struct {
	mu sync.Mutex

	log       *zap.Logger
	order     []string
	byName    map[string]*loaded
	registrar Registrar

	agentTypes map[string]string // bare class name -> owning plugin
	tools      map[string]string // "<plugin>.<tool>" -> owning plugin
}

func New(log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{
		log:        log,
		byName:     make(map[string]*loaded),
		agentTypes: make(map[string]string),
		tools:      make(map[string]string),
	}
}

// SetRegistrar wires the loader to the orchestrator (or any Registrar) so
// subsequently registered plugins' agent classes become spawnable. Call
// before the first Register.
func (l *Loader) SetRegistrar(r Registrar) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.registrar = r
}

// Register validates name/semver uniqueness, checks every dependency is
// registered and active, invokes initialize, and loads the plugin's
// agent-class and tool names into the loader's namespaced views. Agent
// classes keep their bare name (the registry's create() dispatches on it
// directly); tools are namespaced `<plugin>.<tool>` to keep two plugins'
// tools from colliding.
func (l *Loader) Register(p Plugin) error {
	if p.Name == "" {
		return fmt.Errorf("%w: plugin name is required", kerrors.ErrPluginError)
	}
	if len(p.AgentClasses) == 0 && len(p.Tools) == 0 {
		return fmt.Errorf("%w: plugin %s contributes neither agent classes nor tools", kerrors.ErrPluginError, p.Name)
	}
	ver, err := semver.NewVersion(p.Version)
	if err != nil {
		return fmt.Errorf("%w: plugin %s has invalid semver %q: %v", kerrors.ErrPluginError, p.Name, p.Version, err)
	}

	l.mu.Lock()
	if _, exists := l.byName[p.Name]; exists {
		l.mu.Unlock()
		return fmt.Errorf("%w: plugin %s is already registered", kerrors.ErrPluginError, p.Name)
	}
	for _, dep := range p.Dependencies {
		rec, ok := l.byName[dep]
		if !ok || rec.status != StatusActive {
			l.mu.Unlock()
			return fmt.Errorf("%w: plugin %s depends on %s, which is not active", kerrors.ErrPluginError, p.Name, dep)
		}
	}
	l.mu.Unlock()

	cfg := cloneConfig(p.Config)
	if p.Initialize != nil {
		if err := p.Initialize(cfg); err != nil {
			l.mu.Lock()
			l.byName[p.Name] = &loaded{plugin: p, semver: ver, status: StatusError, loadTime: time.Now(), config: cfg}
			l.order = append(l.order, p.Name)
			l.mu.Unlock()
			return fmt.Errorf("%w: plugin %s initialize failed: %v", kerrors.ErrPluginError, p.Name, err)
		}
	}

	l.mu.Lock()
	l.byName[p.Name] = &loaded{plugin: p, semver: ver, status: StatusActive, loadTime: time.Now(), config: cfg}
	l.order = append(l.order, p.Name)
	for _, cls := range p.AgentClasses {
		l.agentTypes[cls] = p.Name
	}
	for _, tool := range p.Tools {
		l.tools[p.Name+"."+tool] = p.Name
	}
	registrar := l.registrar
	l.mu.Unlock()

	if registrar != nil {
		for _, cls := range p.AgentClasses {
			if f, ok := p.AgentFactories[cls]; ok {
				registrar.RegisterAgentType(cls, f)
			}
		}
	}

	l.log.Info("plugin registered", zap.String("plugin", p.Name), zap.String("version", p.Version))
	return nil
}

// Unregister invokes the plugin's shutdown hook and removes its
// contributed names from every namespaced view.
func (l *Loader) Unregister(name string) error {
	l.mu.Lock()
	rec, ok := l.byName[name]
	if !ok {
		l.mu.Unlock()
		return kerrors.ErrNotFound
	}
	for _, cls := range rec.plugin.AgentClasses {
		delete(l.agentTypes, cls)
	}
	for _, tool := range rec.plugin.Tools {
		delete(l.tools, name+"."+tool)
	}
	rec.status = StatusShutdown
	delete(l.byName, name)
	for i, n := range l.order {
		if n == name {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	registrar := l.registrar
	l.mu.Unlock()

	if registrar != nil {
		for _, cls := range rec.plugin.AgentClasses {
			if _, ok := rec.plugin.AgentFactories[cls]; ok {
				registrar.UnregisterAgentType(cls)
			}
		}
	}

	if rec.plugin.Shutdown != nil {
		if err := rec.plugin.Shutdown(); err != nil {
			l.log.Warn("plugin shutdown hook failed", zap.String("plugin", name), zap.Error(err))
		}
	}
	return nil
}

// Shutdown unregisters every plugin in reverse registration order, so a
// plugin's dependencies are always still active while it tears down.
func (l *Loader) Shutdown() {
	l.mu.Lock()
	order := make([]string, len(l.order))
	copy(order, l.order)
	l.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		l.Unregister(order[i])
	}
}

// Reload is unregister(name) followed by register(newPlugin).
func (l *Loader) Reload(name string, newPlugin Plugin) error {
	if err := l.Unregister(name); err != nil {
		return err
	}
	return l.Register(newPlugin)
}

// MarkUsed increments a plugin's usage counter, called whenever one of its
// agent classes or tools is invoked.
func (l *Loader) MarkUsed(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.byName[name]; ok {
		rec.usage++
	}
}

// Metadata describes a registered plugin for external inspection.
type Metadata struct {
	Name         string
	Version      string
	Status       Status
	LoadTime     time.Time
	UsageCount   int
	AgentClasses []string
	Tools        []string
	Dependencies []string
}

func (l *Loader) GetMetadata(name string) (Metadata, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.byName[name]
	if !ok {
		return Metadata{}, kerrors.ErrNotFound
	}
	return Metadata{
		Name:         rec.plugin.Name,
		Version:      rec.plugin.Version,
		Status:       rec.status,
		LoadTime:     rec.loadTime,
		UsageCount:   rec.usage,
		AgentClasses: append([]string(nil), rec.plugin.AgentClasses...),
		Tools:        append([]string(nil), rec.plugin.Tools...),
		Dependencies: append([]string(nil), rec.plugin.Dependencies...),
	}, nil
}

func (l *Loader) GetConfig(name string) (map[string]interface{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.byName[name]
	if !ok {
		return nil, kerrors.ErrNotFound
	}
	return cloneConfig(rec.config), nil
}

// UpdateConfig merges kv into the plugin's config map.
func (l *Loader) UpdateConfig(name string, kv map[string]interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.byName[name]
	if !ok {
		return kerrors.ErrNotFound
	}
	for k, v := range kv {
		rec.config[k] = v
	}
	return nil
}

// GetNamespace returns the agent-class and tool names a single plugin owns.
// The loader never merges one plugin's names into another's view — calling
// this with a different name than the one that registered a tool simply
// won't find it, by construction of the map keys.
func (l *Loader) GetNamespace(name string) (agentClasses []string, tools []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.byName[name]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), rec.plugin.AgentClasses...), append([]string(nil), rec.plugin.Tools...)
}

// ResolveAgentType returns the plugin owning a bare agent-class name.
func (l *Loader) ResolveAgentType(className string) (plugin string, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.agentTypes[className]
	return p, ok
}

// ResolveTool returns the plugin owning a namespaced tool name
// (`<plugin>.<tool>`).
func (l *Loader) ResolveTool(qualifiedName string) (plugin string, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.tools[qualifiedName]
	return p, ok
}

func cloneConfig(cfg map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	return out
}
