package bus

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orchestkit/agentkernel/internal/busmodel"
)

// Subscriber is a fan-out callback. Errors are swallowed by the topic:
// callback failures must never reach the publisher.
type Subscriber func(msg *busmodel.Message)

type subscription struct {
	id string
	cb Subscriber
}

// Topic is a named, bounded-only-by-memory priority queue plus a list of
// subscriber callbacks. Created lazily by Queue on first publish or
// subscribe.
type Topic struct {
	name string
	log  *zap.Logger

	mu     sync.Mutex
	pq     priorityQueue
	seq    uint64
	subs   []subscription
	notify chan struct{}

	dlq *DeadLetterSink
}

func newTopic(name string, dlq *DeadLetterSink, log *zap.Logger) *Topic {
	return &Topic{
		name:   name,
		log:    log,
		notify: make(chan struct{}),
		dlq:    dlq,
	}
}

// Publish appends msg to the priority queue (ordering key (-priority,
// timestamp)) then fans it out to subscribers concurrently. The bus-level
// backlog-health threshold (>100 marks the owning agent unhealthy) is a
// read the orchestrator performs via Stats(), not something Publish enforces.
func (t *Topic) Publish(msg *busmodel.Message) {
	t.mu.Lock()
	t.seq++
	heap.Push(&t.pq, &item{msg: msg, seq: t.seq})
	subs := make([]subscription, len(t.subs))
	copy(subs, t.subs)
	closed := t.notify
	t.notify = make(chan struct{})
	t.mu.Unlock()
	close(closed)

	for _, s := range subs {
		go func(sub subscription) {
			defer func() {
				if r := recover(); r != nil {
					t.log.Warn("subscriber callback panicked",
						zap.String("topic", t.name), zap.String("subscriber", sub.id),
						zap.Any("recover", r))
				}
			}()
			sub.cb(msg)
		}(s)
	}
}

// Subscribe registers a callback and returns an unsubscribe handle.
func (t *Topic) Subscribe(cb Subscriber) (id string, unsubscribe func()) {
	id = uuid.New().String()
	t.mu.Lock()
	t.subs = append(t.subs, subscription{id: id, cb: cb})
	t.mu.Unlock()
	return id, func() { t.Unsubscribe(id) }
}

func (t *Topic) Unsubscribe(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.subs {
		if s.id == id {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			return
		}
	}
}

// Consume blocks (honoring ctx) until a message is available, then pops the
// highest-priority, earliest-timestamp one. A message whose TTL has lapsed
// is routed to the dead-letter sink and consume reports ok=false for that
// dequeue — the caller is expected to call Consume again.
func (t *Topic) Consume(ctx context.Context) (*busmodel.Message, bool) {
	for {
		t.mu.Lock()
		if t.pq.Len() > 0 {
			it := heap.Pop(&t.pq).(*item)
			t.mu.Unlock()
			if it.msg.Expired(time.Now()) {
				t.dlq.Publish(DeadLetterEntry{Message: it.msg, Topic: t.name, Reason: "ttl_expired"})
				return nil, false
			}
			return it.msg, true
		}
		ch := t.notify
		t.mu.Unlock()

		select {
		case <-ch:
			continue
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Reject handles a consumer's rejection of msg: on requeue with
// retries remaining, republish with retryCount+1 and priority lowered one
// step (floored at LOW); otherwise the message goes to the DLQ.
func (t *Topic) Reject(msg *busmodel.Message, requeue bool) {
	if requeue && msg.RetryCount < msg.MaxRetries {
		retried := *msg
		retried.RetryCount++
		retried.Priority = msg.Priority.Lowered()
		t.Publish(&retried)
		return
	}
	t.dlq.Publish(DeadLetterEntry{Message: msg, Topic: t.name, Reason: "retries_exhausted"})
}

// Purge drops every queued (not yet consumed) message.
func (t *Topic) Purge() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pq = nil
}

// Stats describes a topic's current backlog and subscriber count.
type Stats struct {
	Topic       string
	Size        int
	Subscribers int
}

func (t *Topic) Stat() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{Topic: t.name, Size: t.pq.Len(), Subscribers: len(t.subs)}
}

// enqueue re-adds a message to the queue without the subscriber fan-out a
// Publish would trigger; subscribers already saw this message when it was
// first published.
func (t *Topic) enqueue(msg *busmodel.Message) {
	t.mu.Lock()
	t.seq++
	heap.Push(&t.pq, &item{msg: msg, seq: t.seq})
	closed := t.notify
	t.notify = make(chan struct{})
	t.mu.Unlock()
	close(closed)
}

// sweepExpired drains the topic, routes expired messages to the DLQ, and
// re-queues the rest — the expired-message sweeper's unit of work.
// Draining pops one item at a time off the heap (rather than copying its
// backing array, which is not priority-sorted) so survivors are re-added
// in the same (-priority, seq) order they were in, keeping the consume
// ordering intact across a sweep. Survivors go back via enqueue, not
// Publish: re-adding must not fan the message out to subscribers a second
// time.
func (t *Topic) sweepExpired() {
	t.mu.Lock()
	all := make([]*item, 0, t.pq.Len())
	for t.pq.Len() > 0 {
		all = append(all, heap.Pop(&t.pq).(*item))
	}
	t.mu.Unlock()

	now := time.Now()
	for _, it := range all {
		if it.msg.Expired(now) {
			t.dlq.Publish(DeadLetterEntry{Message: it.msg, Topic: t.name, Reason: "ttl_expired_sweep"})
			continue
		}
		t.enqueue(it.msg)
	}
}
