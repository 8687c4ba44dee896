package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/orchestkit/agentkernel/internal/busmodel"
	"github.com/orchestkit/agentkernel/internal/registry"
)

const pauseSleep = 100 * time.Millisecond

// runAgentLoop is the per-agent message-processing loop: dequeue
// from the in-box with a 1s tick, re-enqueue and sleep while PAUSED,
// otherwise go BUSY, dispatch to ProcessMessage, and restore the prior
// status. Errors transition the agent to ERROR and invoke OnError.
func (o *Orchestrator) runAgentLoop(ctx context.Context, id string, rt *agentRuntime) {
	defer close(rt.done)
	topic := InboxTopic(id)

	for {
		if ctx.Err() != nil {
			return
		}

		tickCtx, cancel := context.WithTimeout(ctx, time.Second)
		msg, ok := o.queue.Consume(tickCtx, topic)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if !ok {
			continue
		}

		agent, err := o.reg.Get(id)
		if err != nil {
			return // unregistered mid-flight; Terminate already cancelled us
		}

		if agent.Status == busmodel.StatusPaused {
			o.queue.PublishMessage(topic, msg)
			time.Sleep(pauseSleep)
			continue
		}

		previous := agent.Status
		_ = o.reg.UpdateStatus(id, busmodel.StatusBusy)

		if procErr := rt.impl.ProcessMessage(msg); procErr != nil {
			_ = o.reg.UpdateStatus(id, busmodel.StatusError)
			rt.impl.OnError(procErr, msg)
			o.log.Warn("agent processMessage failed", zap.String("agentId", id), zap.Error(procErr))
			continue
		}

		_ = o.reg.UpdateStatus(id, previous)
	}
}

// StartBackgroundLoops launches the spawn-queue drainer and the 30-second
// health sweep.
func (o *Orchestrator) StartBackgroundLoops() {
	go o.runSpawnDrainer()
	go o.runHealthSweep()
}

// EnqueueSpawn places a spawn request on the internal queue the drainer
// processes asynchronously, publishing spawn_completed/spawn_failed rather
// than returning the id/error synchronously.
func (o *Orchestrator) EnqueueSpawn(req SpawnRequest) {
	o.spawnQueue <- spawnJob{req: req}
}

func (o *Orchestrator) runSpawnDrainer() {
	defer close(o.spawnerDone)
	for {
		select {
		case <-o.stopSpawner:
			return
		case job := <-o.spawnQueue:
			id, err := o.Spawn(context.Background(), job.req)
			if err != nil {
				o.queue.Publish(SystemTopic, map[string]interface{}{
					"type": "spawn_failed", "error": err.Error(), "timestamp": time.Now(),
				}, busmodel.PriorityNormal, nil)
				continue
			}
			o.queue.Publish(SystemTopic, map[string]interface{}{
				"type": "spawn_completed", "agentId": id, "timestamp": time.Now(),
			}, busmodel.PriorityNormal, nil)
		}
	}
}

func (o *Orchestrator) runHealthSweep() {
	defer close(o.healthDone)
	ticker := time.NewTicker(o.cfg.HealthSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopHealth:
			return
		case <-ticker.C:
			report := o.HealthCheck()
			o.queue.Publish(SystemTopic, map[string]interface{}{
				"type":              "health_report",
				"total":             report.Total,
				"healthy":           report.Healthy,
				"unhealthy":         report.Unhealthy,
				"recoveryAttempted": report.RecoveryAttempted,
				"timestamp":         time.Now(),
			}, busmodel.PriorityNormal, nil)
		}
	}
}

// HealthReport is healthCheck()'s return shape.
type HealthReport struct {
	Total             int
	Healthy           int
	Unhealthy         int
	RecoveryAttempted []string
}

// HealthCheck probes every registered agent. An agent is unhealthy if its
// status is ERROR, its health probe fails, or its in-box backlog exceeds
// 100. Unhealthy agents are restarted: terminated and re-initialized
// with their originally stored spawn context.
func (o *Orchestrator) HealthCheck() HealthReport {
	agents := o.reg.ListAll()
	report := HealthReport{Total: len(agents)}

	for _, agent := range agents {
		o.mu.Lock()
		rt, ok := o.runtimes[agent.ID]
		o.mu.Unlock()

		unhealthy := agent.Status == busmodel.StatusError
		if ok && !rt.impl.HealthProbe() {
			unhealthy = true
		}
		if stats := o.queue.QueueStats(InboxTopic(agent.ID)); len(stats) == 1 && stats[0].Size > inboxBacklogUnhealthy {
			unhealthy = true
		}

		if !unhealthy {
			report.Healthy++
			continue
		}
		report.Unhealthy++

		if ok && o.restartAgent(agent) {
			report.RecoveryAttempted = append(report.RecoveryAttempted, agent.ID)
		}
	}
	return report
}

// restartAgent terminates agent and spawns a replacement of the same type,
// capabilities and parent, reusing its stored spawn context. The replacement
// gets a new id; restart is not required to preserve the original identity.
func (o *Orchestrator) restartAgent(agent *registry.Agent) bool {
	o.mu.Lock()
	rt, ok := o.runtimes[agent.ID]
	o.mu.Unlock()

	var spawnCtx map[string]interface{}
	if ok {
		spawnCtx = rt.spawnCtx
	}

	o.Terminate(agent.ID)

	_, err := o.Spawn(context.Background(), SpawnRequest{
		Type:         agent.Type,
		Capabilities: agent.Capabilities,
		Context:      spawnCtx,
		ParentID:     agent.ParentID,
	})
	return err == nil
}
