// Package bus implements the priority-topic message bus: a lower-layer
// Queue (topic-scoped priority queues with pub/sub fan-out) and an upper
// Bus providing request/response with correlation IDs.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orchestkit/agentkernel/internal/busmodel"
)

const responsesTopic = "responses"

// Bus layers request/response semantics on top of a Queue.
type Bus struct {
	q   *Queue
	log *zap.Logger

	mu      sync.Mutex
	pending map[string]chan map[string]interface{}

	responsesUnsub func()
}

func NewBus(q *Queue, log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bus{
		q:       q,
		log:     log,
		pending: make(map[string]chan map[string]interface{}),
	}
	_, unsub := q.Subscribe(responsesTopic, b.dispatchResponse)
	b.responsesUnsub = unsub
	return b
}

func (b *Bus) dispatchResponse(msg *busmodel.Message) {
	requestID, _ := msg.Payload["request_id"].(string)
	if requestID == "" {
		return
	}

	b.mu.Lock()
	ch, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		return
	}

	response, _ := msg.Payload["response"].(map[string]interface{})
	select {
	case ch <- response:
	default:
	}
}

// Request publishes payload to request.<topic> at HIGH priority and blocks
// for a matching response (correlated by request_id), honoring timeout.
// Returns (nil, false) on timeout or cancellation.
func (b *Bus) Request(ctx context.Context, topic string, payload map[string]interface{}, timeout time.Duration) (map[string]interface{}, bool) {
	requestID := uuid.New().String()
	ch := make(chan map[string]interface{}, 1)

	b.mu.Lock()
	b.pending[requestID] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, requestID)
		b.mu.Unlock()
	}()

	b.q.Publish("request."+topic, map[string]interface{}{
		"request_id": requestID,
		"data":       payload,
	}, busmodel.PriorityHigh, nil)

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case resp := <-ch:
		return resp, true
	case <-reqCtx.Done():
		return nil, false
	}
}

// Respond publishes a response for requestID on the responses topic.
func (b *Bus) Respond(requestID string, response map[string]interface{}) {
	b.q.Publish(responsesTopic, map[string]interface{}{
		"request_id": requestID,
		"response":   response,
	}, busmodel.PriorityHigh, nil)
}

// RequestHandler processes a request payload and returns a response.
type RequestHandler func(payload map[string]interface{}) (map[string]interface{}, error)

// HandleRequest subscribes to request.<topic>; whatever the handler returns
// (or the {error, success:false} shape if it errors) is published back via
// Respond automatically.
func (b *Bus) HandleRequest(topic string, handler RequestHandler) (unsubscribe func()) {
	_, unsub := b.q.Subscribe("request."+topic, func(msg *busmodel.Message) {
		requestID, _ := msg.Payload["request_id"].(string)
		data, _ := msg.Payload["data"].(map[string]interface{})

		response, _ := b.invokeHandler(handler, data)
		if requestID != "" {
			b.Respond(requestID, response)
		}
	})
	return unsub
}

func (b *Bus) invokeHandler(handler RequestHandler, data map[string]interface{}) (response map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		if err != nil {
			response = map[string]interface{}{"error": err.Error(), "success": false}
		}
	}()
	return handler(data)
}

func (b *Bus) Queue() *Queue { return b.q }

func (b *Bus) Shutdown() {
	if b.responsesUnsub != nil {
		b.responsesUnsub()
	}
}
