package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orchestkit/agentkernel/internal/busmodel"
)

// Queue is the lower layer of the message bus: a registry of topic-scoped
// priority queues with pub/sub fan-out. Topics are created lazily.
type Queue struct {
	log *zap.Logger
	dlq *DeadLetterSink

	mu     sync.RWMutex
	topics map[string]*Topic

	sweepInterval time.Duration
	drainInterval time.Duration
	stopSweep     chan struct{}
	sweepDone     chan struct{}
	drainDone     chan struct{}
}

func NewQueue(log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		log:           log,
		dlq:           NewDeadLetterSink(),
		topics:        make(map[string]*Topic),
		sweepInterval: 300 * time.Second,
		drainInterval: 60 * time.Second,
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
		drainDone:     make(chan struct{}),
	}
}

// SetSweepIntervals overrides the expiry-sweep and DLQ-drain cadence.
// Call before StartSweepers; zero values keep the current setting.
func (q *Queue) SetSweepIntervals(expiry, dlqDrain time.Duration) {
	if expiry > 0 {
		q.sweepInterval = expiry
	}
	if dlqDrain > 0 {
		q.drainInterval = dlqDrain
	}
}

func (q *Queue) topic(name string) *Topic {
	q.mu.RLock()
	t, ok := q.topics[name]
	q.mu.RUnlock()
	if ok {
		return t
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.topics[name]; ok {
		return t
	}
	t = newTopic(name, q.dlq, q.log)
	q.topics[name] = t
	return t
}

// Publish appends payload to topic's priority queue and fans it out to
// subscribers. Returns the generated message ID. ttl is nil for messages
// that never expire; busmodel.TTL(0) expires on dequeue.
func (q *Queue) Publish(topic string, payload map[string]interface{}, priority busmodel.Priority, ttl *int) string {
	msg := &busmodel.Message{
		ID:          uuid.New().String(),
		MessageType: topic,
		Payload:     payload,
		Timestamp:   time.Now(),
		Priority:    priority,
		MaxRetries:  busmodel.DefaultMaxRetries,
		TTLSeconds:  ttl,
	}
	q.topic(topic).Publish(msg)
	return msg.ID
}

// PublishMessage publishes a fully-formed envelope (used by the
// orchestrator, which needs source/target on the message itself).
func (q *Queue) PublishMessage(topic string, msg *busmodel.Message) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.MaxRetries == 0 {
		msg.MaxRetries = busmodel.DefaultMaxRetries
	}
	q.topic(topic).Publish(msg)
}

func (q *Queue) Subscribe(topic string, cb Subscriber) (id string, unsubscribe func()) {
	return q.topic(topic).Subscribe(cb)
}

func (q *Queue) Unsubscribe(topic, id string) {
	q.topic(topic).Unsubscribe(id)
}

// Consume pops the next deliverable message from topic, honoring ctx for
// cancellation/timeout. Returns (nil, false) on timeout, cancellation, or a
// TTL-expired dequeue (which also routes the message to the DLQ).
func (q *Queue) Consume(ctx context.Context, topic string) (*busmodel.Message, bool) {
	return q.topic(topic).Consume(ctx)
}

// Reject implements reject(message, requeue) against the topic the message
// was dequeued from.
func (q *Queue) Reject(topic string, msg *busmodel.Message, requeue bool) {
	q.topic(topic).Reject(msg, requeue)
}

func (q *Queue) PurgeTopic(topic string) {
	q.topic(topic).Purge()
}

// QueueStats returns stats for one topic, or every topic if name is empty.
func (q *Queue) QueueStats(name string) []Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if name != "" {
		if t, ok := q.topics[name]; ok {
			return []Stats{t.Stat()}
		}
		return nil
	}

	out := make([]Stats, 0, len(q.topics))
	for _, t := range q.topics {
		out = append(out, t.Stat())
	}
	return out
}

func (q *Queue) DeadLetters() *DeadLetterSink {
	return q.dlq
}

// StartSweepers launches the two background loops: the DLQ drainer (a
// consumer sink that surfaces newly dead-lettered messages in the log every
// drainInterval) and the expired-message sweeper that runs every
// sweepInterval.
func (q *Queue) StartSweepers() {
	go q.runExpirySweeper()
	go q.runDLQDrain()
}

func (q *Queue) runDLQDrain() {
	ticker := time.NewTicker(q.drainInterval)
	defer ticker.Stop()
	defer close(q.drainDone)

	reported := 0
	for {
		select {
		case <-q.stopSweep:
			return
		case <-ticker.C:
			total := q.dlq.Len()
			if total > reported {
				q.log.Warn("dead letters accumulated",
					zap.Int("new", total-reported), zap.Int("total", total))
				reported = total
			}
		}
	}
}

func (q *Queue) runExpirySweeper() {
	ticker := time.NewTicker(q.sweepInterval)
	defer ticker.Stop()
	defer close(q.sweepDone)

	for {
		select {
		case <-q.stopSweep:
			return
		case <-ticker.C:
			q.mu.RLock()
			topics := make([]*Topic, 0, len(q.topics))
			for _, t := range q.topics {
				topics = append(topics, t)
			}
			q.mu.RUnlock()

			for _, t := range topics {
				t.sweepExpired()
			}
			q.log.Debug("expired-message sweep completed", zap.Int("topics", len(topics)))
		}
	}
}

// Shutdown joins the background loops before returning, so no sweep or
// drain tick can fire after it.
func (q *Queue) Shutdown() {
	close(q.stopSweep)
	<-q.sweepDone
	<-q.drainDone
}
