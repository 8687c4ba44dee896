package bus

import (
	"context"
	"testing"
	"time"

	"github.com/orchestkit/agentkernel/internal/busmodel"
)

func TestQueuePublishConsumeOrdersByPriority(t *testing.T) {
	q := NewQueue(nil)
	q.Publish("t1", map[string]interface{}{"n": 1}, busmodel.PriorityLow, nil)
	q.Publish("t1", map[string]interface{}{"n": 2}, busmodel.PriorityCritical, nil)
	q.Publish("t1", map[string]interface{}{"n": 3}, busmodel.PriorityNormal, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	want := []int{2, 3, 1}
	for _, w := range want {
		msg, ok := q.Consume(ctx, "t1")
		if !ok {
			t.Fatalf("expected a message, got none")
		}
		if got := int(msg.Payload["n"].(int)); got != w {
			t.Errorf("consume order: got %d, want %d", got, w)
		}
	}
}

func TestQueueConsumeFIFOWithinPriorityTier(t *testing.T) {
	q := NewQueue(nil)
	for i := 0; i < 3; i++ {
		q.Publish("t1", map[string]interface{}{"n": i}, busmodel.PriorityNormal, nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		msg, ok := q.Consume(ctx, "t1")
		if !ok {
			t.Fatalf("expected a message, got none")
		}
		if got := msg.Payload["n"].(int); got != i {
			t.Errorf("fifo order: got %d, want %d", got, i)
		}
	}
}

func TestQueueConsumeBlocksUntilPublish(t *testing.T) {
	q := NewQueue(nil)
	done := make(chan struct{})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		msg, ok := q.Consume(ctx, "t1")
		if !ok || msg.Payload["n"].(int) != 42 {
			t.Errorf("expected message 42, got ok=%v msg=%v", ok, msg)
		}
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	q.Publish("t1", map[string]interface{}{"n": 42}, busmodel.PriorityNormal, nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consume never unblocked after publish")
	}
}

func TestQueueConsumeRespectsContextCancellation(t *testing.T) {
	q := NewQueue(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, ok := q.Consume(ctx, "empty-topic")
	if ok {
		t.Fatal("expected consume to time out on an empty topic")
	}
}

func TestQueueExpiredMessageRoutesToDLQ(t *testing.T) {
	q := NewQueue(nil)
	q.Publish("t1", map[string]interface{}{"n": 1}, busmodel.PriorityNormal, busmodel.TTL(1))

	time.Sleep(1100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, ok := q.Consume(ctx, "t1")
	if ok {
		t.Fatal("expected expired message to be rejected, not delivered")
	}
	if q.DeadLetters().Len() != 1 {
		t.Errorf("dead letters: got %d, want 1", q.DeadLetters().Len())
	}
}

func TestQueueTTLZeroExpiresOnDequeue(t *testing.T) {
	q := NewQueue(nil)
	q.Publish("t1", map[string]interface{}{"n": 1}, busmodel.PriorityNormal, busmodel.TTL(0))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, ok := q.Consume(ctx, "t1"); ok {
		t.Fatal("expected a zero-TTL message to expire on dequeue")
	}
	if q.DeadLetters().Len() != 1 {
		t.Errorf("dead letters: got %d, want 1", q.DeadLetters().Len())
	}
}

func TestQueueNilTTLNeverExpires(t *testing.T) {
	q := NewQueue(nil)
	q.Publish("t1", map[string]interface{}{"n": 1}, busmodel.PriorityNormal, nil)

	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, ok := q.Consume(ctx, "t1"); !ok {
		t.Fatal("expected a TTL-less message to be delivered")
	}
	if q.DeadLetters().Len() != 0 {
		t.Errorf("dead letters: got %d, want 0", q.DeadLetters().Len())
	}
}

func TestQueueRejectRequeueLowersPriorityAndIncrementsRetry(t *testing.T) {
	q := NewQueue(nil)
	q.Publish("t1", map[string]interface{}{"n": 1}, busmodel.PriorityCritical, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := q.Consume(ctx, "t1")
	if !ok {
		t.Fatal("expected a message")
	}
	q.Reject("t1", msg, true)

	msg2, ok := q.Consume(ctx, "t1")
	if !ok {
		t.Fatal("expected requeued message")
	}
	if msg2.RetryCount != 1 {
		t.Errorf("retry count: got %d, want 1", msg2.RetryCount)
	}
	if msg2.Priority != busmodel.PriorityHigh {
		t.Errorf("priority after lowering: got %v, want %v", msg2.Priority, busmodel.PriorityHigh)
	}
}

func TestQueueRejectExhaustedRetriesGoesToDLQ(t *testing.T) {
	q := NewQueue(nil)
	msg := &busmodel.Message{
		ID: "m1", MessageType: "t1", Payload: map[string]interface{}{},
		Priority: busmodel.PriorityNormal, MaxRetries: 1, RetryCount: 1,
	}
	q.Reject("t1", msg, true)
	if q.DeadLetters().Len() != 1 {
		t.Errorf("dead letters: got %d, want 1", q.DeadLetters().Len())
	}
}

func TestQueueSubscribeFanOutAndUnsubscribe(t *testing.T) {
	q := NewQueue(nil)
	received := make(chan int, 4)
	id, unsub := q.Subscribe("t1", func(msg *busmodel.Message) {
		received <- msg.Payload["n"].(int)
	})
	if id == "" {
		t.Fatal("expected a subscription id")
	}

	q.Publish("t1", map[string]interface{}{"n": 1}, busmodel.PriorityNormal, nil)
	select {
	case n := <-received:
		if n != 1 {
			t.Errorf("got %d, want 1", n)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the message")
	}

	unsub()
	q.Publish("t1", map[string]interface{}{"n": 2}, busmodel.PriorityNormal, nil)
	select {
	case n := <-received:
		t.Errorf("subscriber received %d after unsubscribe", n)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestQueueSubscriberPanicIsSwallowed(t *testing.T) {
	q := NewQueue(nil)
	q.Subscribe("t1", func(msg *busmodel.Message) { panic("boom") })
	secondCalled := make(chan struct{})
	q.Subscribe("t1", func(msg *busmodel.Message) { close(secondCalled) })

	q.Publish("t1", map[string]interface{}{}, busmodel.PriorityNormal, nil)
	select {
	case <-secondCalled:
	case <-time.After(time.Second):
		t.Fatal("a panicking subscriber must not prevent delivery to others")
	}
}

func TestQueueStatsReportsBacklogAndSubscribers(t *testing.T) {
	q := NewQueue(nil)
	q.Subscribe("t1", func(msg *busmodel.Message) {})
	q.Publish("t1", map[string]interface{}{}, busmodel.PriorityNormal, nil)
	q.Publish("t1", map[string]interface{}{}, busmodel.PriorityNormal, nil)

	time.Sleep(20 * time.Millisecond)
	stats := q.QueueStats("t1")
	if len(stats) != 1 {
		t.Fatalf("expected stats for one topic, got %d", len(stats))
	}
	if stats[0].Size != 2 {
		t.Errorf("size: got %d, want 2", stats[0].Size)
	}
	if stats[0].Subscribers != 1 {
		t.Errorf("subscribers: got %d, want 1", stats[0].Subscribers)
	}
}

func TestQueuePurgeTopicDropsBacklog(t *testing.T) {
	q := NewQueue(nil)
	q.Publish("t1", map[string]interface{}{}, busmodel.PriorityNormal, nil)
	q.PurgeTopic("t1")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := q.Consume(ctx, "t1"); ok {
		t.Fatal("expected purged topic to be empty")
	}
}

func TestQueueShutdownStopsSweeperDeterministically(t *testing.T) {
	q := NewQueue(nil)
	q.StartSweepers()
	done := make(chan struct{})
	go func() {
		q.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not join the sweeper goroutine")
	}
}
