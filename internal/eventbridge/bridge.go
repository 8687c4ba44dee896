package eventbridge

import (
	"encoding/json"
	"fmt"
	"time"

	nc "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/orchestkit/agentkernel/internal/bus"
	"github.com/orchestkit/agentkernel/internal/busmodel"
)

// SubjectSystemEvent is the NATS subject system events are mirrored onto.
// A single flat subject is sufficient here: the bridge is a mirror for an
// external observer, not a routing layer, so it does not fan events out by
// event type the way the in-process bus does by topic.
const SubjectSystemEvent = "kernel.system.event"

// wireEvent is the JSON envelope published for every mirrored message.
type wireEvent struct {
	MessageID   string                 `json:"messageId"`
	MessageType string                 `json:"messageType"`
	Payload     map[string]interface{} `json:"payload"`
	Timestamp   time.Time              `json:"timestamp"`
}

// Bridge subscribes to a bus topic and republishes every message it sees
// onto the embedded NATS server as JSON, for processes outside the kernel
// that want a read-only view of orchestration activity.
type Bridge struct {
	conn  *nc.Conn
	log   *zap.Logger
	queue *bus.Queue
	topic string
	subID string
}

// NewBridge connects to the embedded server at url and wires up the
// republishing subscriber. Call Close to unsubscribe and disconnect.
func NewBridge(url, topic string, queue *bus.Queue, log *zap.Logger) (*Bridge, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := nc.Connect(url, nc.MaxReconnects(-1), nc.ReconnectWait(time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect to embedded nats server: %w", err)
	}

	b := &Bridge{conn: conn, log: log, queue: queue, topic: topic}
	id, _ := queue.Subscribe(topic, b.mirror)
	b.subID = id
	return b, nil
}

func (b *Bridge) mirror(msg *busmodel.Message) {
	event := wireEvent{
		MessageID:   msg.ID,
		MessageType: msg.MessageType,
		Payload:     msg.Payload,
		Timestamp:   msg.Timestamp,
	}
	data, err := json.Marshal(event)
	if err != nil {
		b.log.Warn("eventbridge: failed to marshal system event", zap.Error(err))
		return
	}
	if err := b.conn.Publish(SubjectSystemEvent, data); err != nil {
		b.log.Warn("eventbridge: failed to publish to nats", zap.Error(err))
	}
}

// Close unsubscribes from the bus and closes the NATS connection.
func (b *Bridge) Close() {
	b.queue.Unsubscribe(b.topic, b.subID)
	if b.conn != nil {
		b.conn.Close()
	}
}
