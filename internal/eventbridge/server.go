// Package eventbridge mirrors kernel system events (agent_spawned,
// health_report, ...) onto an embedded NATS server's subjects, for an
// external observer process. It is an outward, one-way mirror, not a second
// kernel node, so it does not take the runtime out of its single-process,
// non-distributed scope.
package eventbridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"go.uber.org/zap"
)

// ServerConfig configures the embedded NATS server.
type ServerConfig struct {
	Port    int    // 0 means the default 4222; -1 picks an ephemeral port
	DataDir string // unused unless JetStream is enabled elsewhere; kept for parity with the wider NATS config shape
}

// EmbeddedServer wraps an in-process NATS server instance.
type EmbeddedServer struct {
	server *server.Server
	cfg    ServerConfig
	log    *zap.Logger

	mu      sync.RWMutex
	running bool
}

func NewEmbeddedServer(cfg ServerConfig, log *zap.Logger) *EmbeddedServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &EmbeddedServer{cfg: cfg, log: log}
}

// Start launches the embedded server and blocks until it accepts
// connections or the 10s readiness deadline elapses.
func (e *EmbeddedServer) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}

	port := e.cfg.Port
	if port == 0 {
		port = 4222 // default NATS port, matches an unconfigured kernel deployment
	}

	opts := &server.Options{
		Host:       "127.0.0.1",
		Port:       port, // -1 requests an OS-assigned ephemeral port
		NoLog:      true,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("create embedded nats server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		return fmt.Errorf("embedded nats server not ready for connections")
	}

	e.server = ns
	e.running = true
	e.log.Info("embedded event-bridge nats server started", zap.String("url", e.urlLocked()))
	return nil
}

func (e *EmbeddedServer) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.server == nil {
		return
	}
	e.server.Shutdown()
	e.server.WaitForShutdown()
	e.running = false
	e.server = nil
}

func (e *EmbeddedServer) URL() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.urlLocked()
}

func (e *EmbeddedServer) urlLocked() string {
	if e.server == nil {
		return ""
	}
	return fmt.Sprintf("nats://%s", e.server.Addr().String())
}

func (e *EmbeddedServer) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}
