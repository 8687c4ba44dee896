package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBusRequestResponseRoundTrip(t *testing.T) {
	q := NewQueue(nil)
	b := NewBus(q, nil)
	defer b.Shutdown()

	unsub := b.HandleRequest("echo", func(payload map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"echoed": payload["value"]}, nil
	})
	defer unsub()

	resp, ok := b.Request(context.Background(), "echo", map[string]interface{}{"value": "hi"}, time.Second)
	if !ok {
		t.Fatal("expected a response before timeout")
	}
	if resp["echoed"] != "hi" {
		t.Errorf("echoed: got %v, want hi", resp["echoed"])
	}
}

func TestBusRequestTimesOutWithoutHandler(t *testing.T) {
	q := NewQueue(nil)
	b := NewBus(q, nil)
	defer b.Shutdown()

	_, ok := b.Request(context.Background(), "nobody-home", map[string]interface{}{}, 100*time.Millisecond)
	if ok {
		t.Fatal("expected timeout when no handler is registered")
	}
}

func TestBusHandlerErrorBecomesFailureResponse(t *testing.T) {
	q := NewQueue(nil)
	b := NewBus(q, nil)
	defer b.Shutdown()

	unsub := b.HandleRequest("fails", func(payload map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("boom")
	})
	defer unsub()

	resp, ok := b.Request(context.Background(), "fails", map[string]interface{}{}, time.Second)
	if !ok {
		t.Fatal("expected a response even when the handler errors")
	}
	if resp["success"] != false {
		t.Errorf("success: got %v, want false", resp["success"])
	}
	if resp["error"] != "boom" {
		t.Errorf("error: got %v, want boom", resp["error"])
	}
}

func TestBusHandlerPanicBecomesFailureResponse(t *testing.T) {
	q := NewQueue(nil)
	b := NewBus(q, nil)
	defer b.Shutdown()

	unsub := b.HandleRequest("panics", func(payload map[string]interface{}) (map[string]interface{}, error) {
		panic("kaboom")
	})
	defer unsub()

	resp, ok := b.Request(context.Background(), "panics", map[string]interface{}{}, time.Second)
	if !ok {
		t.Fatal("expected a response even when the handler panics")
	}
	if resp["success"] != false {
		t.Errorf("success: got %v, want false", resp["success"])
	}
}

func TestBusConcurrentRequestsAreCorrelatedIndependently(t *testing.T) {
	q := NewQueue(nil)
	b := NewBus(q, nil)
	defer b.Shutdown()

	unsub := b.HandleRequest("double", func(payload map[string]interface{}) (map[string]interface{}, error) {
		n := payload["n"].(int)
		return map[string]interface{}{"n": n * 2}, nil
	})
	defer unsub()

	type result struct {
		want int
		got  int
		ok   bool
	}
	results := make(chan result, 10)
	for i := 0; i < 10; i++ {
		go func(n int) {
			resp, ok := b.Request(context.Background(), "double", map[string]interface{}{"n": n}, time.Second)
			got := -1
			if ok {
				got = resp["n"].(int)
			}
			results <- result{want: n * 2, got: got, ok: ok}
		}(i)
	}

	for i := 0; i < 10; i++ {
		r := <-results
		if !r.ok || r.got != r.want {
			t.Errorf("concurrent request: got %d ok=%v, want %d", r.got, r.ok, r.want)
		}
	}
}
