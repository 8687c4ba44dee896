package bus

import (
	"sync"

	"github.com/orchestkit/agentkernel/internal/busmodel"
)

// DeadLetterEntry records why a message was routed to the dead-letter sink.
type DeadLetterEntry struct {
	Message *busmodel.Message
	Topic   string
	Reason  string
}

// DeadLetterSink accumulates dead-lettered messages. It stays a passive accumulator that callers can inspect
// or subscribe to, rather than inventing a re-delivery policy nothing here
// asks for.
type DeadLetterSink struct {
	mu      sync.Mutex
	entries []DeadLetterEntry
	subs    []chan DeadLetterEntry
}

func NewDeadLetterSink() *DeadLetterSink {
	return &DeadLetterSink{}
}

func (d *DeadLetterSink) Publish(entry DeadLetterEntry) {
	d.mu.Lock()
	d.entries = append(d.entries, entry)
	subs := make([]chan DeadLetterEntry, len(d.subs))
	copy(subs, d.subs)
	d.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- entry:
		default:
		}
	}
}

func (d *DeadLetterSink) Subscribe() <-chan DeadLetterEntry {
	ch := make(chan DeadLetterEntry, 256)
	d.mu.Lock()
	d.subs = append(d.subs, ch)
	d.mu.Unlock()
	return ch
}

func (d *DeadLetterSink) All() []DeadLetterEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeadLetterEntry, len(d.entries))
	copy(out, d.entries)
	return out
}

func (d *DeadLetterSink) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
