// Command orchestratord is the kernel's single-process entry point: it
// wires every component together, starts their background loops, and
// shuts them down in order on SIGINT/SIGTERM.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/orchestkit/agentkernel/internal/agentcontract"
	"github.com/orchestkit/agentkernel/internal/audit"
	"github.com/orchestkit/agentkernel/internal/bus"
	"github.com/orchestkit/agentkernel/internal/busmodel"
	"github.com/orchestkit/agentkernel/internal/cache"
	"github.com/orchestkit/agentkernel/internal/config"
	"github.com/orchestkit/agentkernel/internal/consent"
	"github.com/orchestkit/agentkernel/internal/eventbridge"
	"github.com/orchestkit/agentkernel/internal/eventstore"
	"github.com/orchestkit/agentkernel/internal/memory"
	"github.com/orchestkit/agentkernel/internal/orchestrator"
	"github.com/orchestkit/agentkernel/internal/plugin"
	"github.com/orchestkit/agentkernel/internal/registry"
	"github.com/orchestkit/agentkernel/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "optional YAML file overlaying the default kernel config")
	natsPort := flag.Int("bridge-port", 0, "embedded event-bridge NATS port (0 = default 4222)")
	disableBridge := flag.Bool("disable-bridge", false, "skip starting the embedded NATS event bridge")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	cfg := config.FromEnv()
	if *configPath != "" {
		if err := config.LoadYAML(*configPath, cfg); err != nil {
			log.Fatal("failed to load config overlay", zap.String("path", *configPath), zap.Error(err))
		}
	}

	reg := registry.New()
	queue := bus.NewQueue(log.Named("bus"))
	queue.SetSweepIntervals(cfg.ExpirySweepInterval, cfg.DLQDrainInterval)
	queue.StartSweepers()

	store := eventstore.New()
	trail := audit.New(store, cfg, log.Named("audit"))

	scheduler, err := audit.NewScheduler(trail, cfg.RetentionCron, log.Named("audit"))
	if err != nil {
		log.Fatal("invalid retention cron spec", zap.String("spec", cfg.RetentionCron), zap.Error(err))
	}

	memCache := cache.New(cfg.CacheCapacity, nil)
	mem := memory.New(store, trail, memCache, memory.DefaultEmbedder)
	consentGate := consent.New(mem, store, cfg.RetentionFor)

	pluginLoader := plugin.New(log.Named("plugin"))

	orch := orchestrator.New(reg, queue, cfg, log.Named("orchestrator"))
	registerWorkerType(orch, mem, "researcher", true)
	registerWorkerType(orch, mem, "integrator", true)
	registerWorkerType(orch, mem, "tester", false)

	// Plugin-contributed agent classes flow into the same spawn table as
	// the core types above. The bundled summarizer plugin keeps the
	// extension point exercised in a default deployment.
	pluginLoader.SetRegistrar(orch)
	if err := pluginLoader.Register(plugin.Plugin{
		Name:         "corpus",
		Version:      "1.0.0",
		AgentClasses: []string{"summarizer"},
		Tools:        []string{"condense"},
		AgentFactories: map[string]plugin.AgentFactory{
			"summarizer": workerFactory(mem, "summarizer", false),
		},
	}); err != nil {
		log.Warn("bundled plugin failed to register", zap.Error(err))
	}

	orch.StartBackgroundLoops()
	scheduler.Start()

	var bridge *eventbridge.Bridge
	var bridgeServer *eventbridge.EmbeddedServer
	if !*disableBridge {
		bridgeServer = eventbridge.NewEmbeddedServer(eventbridge.ServerConfig{Port: *natsPort}, log.Named("eventbridge"))
		if err := bridgeServer.Start(); err != nil {
			log.Warn("embedded event-bridge nats server failed to start; continuing without it", zap.Error(err))
		} else {
			bridge, err = eventbridge.NewBridge(bridgeServer.URL(), orchestrator.SystemTopic, queue, log.Named("eventbridge"))
			if err != nil {
				log.Warn("event-bridge failed to connect; continuing without it", zap.Error(err))
			}
		}
	}

	log.Info("orchestratord started",
		zap.Int("maxConcurrentAgents", cfg.MaxConcurrentAgents),
		zap.Duration("healthSweepInterval", cfg.HealthSweepInterval),
		zap.String("retentionCron", cfg.RetentionCron),
	)

	report := consentGate.DataMinimisationCheck()
	log.Info("startup data-minimisation check", zap.Any("report", report))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("orchestratord shutting down")

	// Shutdown order matches the documented sequence: orchestrator first
	// (cascades every agent's termination), then the plugin loader (reverse
	// registration order), then the bus background loops, then the
	// retention scheduler.
	orch.Shutdown()
	pluginLoader.Shutdown()
	queue.Shutdown()
	scheduler.Stop()
	if bridge != nil {
		bridge.Close()
	}
	if bridgeServer != nil {
		bridgeServer.Shutdown()
	}
}

// workerFactory builds the spawn factories for a worker-backed agent
// class, each with its own token budget gate and a recall-backed context
// fetcher.
func workerFactory(mem *memory.Manager, name string, canSpawn bool) plugin.AgentFactory {
	budget := worker.NewBudgetGate(20000, time.Hour)
	engine := agentcontract.NewEngine(budget, worker.MemoryContext{Manager: mem})

	return plugin.AgentFactory{
		New: func(id string, c []busmodel.Capability) *registry.Agent {
			return &registry.Agent{ID: id, Type: name, Capabilities: c}
		},
		Impl: func(a *registry.Agent) agentcontract.Agent {
			return worker.New(a, engine)
		},
		CanSpawnChildren: canSpawn,
	}
}

// registerWorkerType registers a worker-backed core agent class directly
// with the orchestrator.
func registerWorkerType(orch *orchestrator.Orchestrator, mem *memory.Manager, name string, canSpawn bool) {
	f := workerFactory(mem, name, canSpawn)
	orch.RegisterType(name, f.New, f.Impl, f.CanSpawnChildren)
}
