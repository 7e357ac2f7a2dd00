package mcp

import (
	"errors"
	"testing"
)

func TestPendingResolveDelivers(t *testing.T) {
	p := newPendingCalls(nil)
	ch, err := p.register(1)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	want := &Response{JSONRPC: jsonrpcVersion, ID: 1}
	p.resolve(want)

	select {
	case got := <-ch:
		if got != want {
			t.Errorf("got %+v, want %+v", got, want)
		}
	default:
		t.Fatal("response not delivered")
	}
}

func TestPendingOutOfOrderDelivery(t *testing.T) {
	p := newPendingCalls(nil)
	ch1, _ := p.register(1)
	ch2, _ := p.register(2)

	p.resolve(&Response{JSONRPC: jsonrpcVersion, ID: 2})
	p.resolve(&Response{JSONRPC: jsonrpcVersion, ID: 1})

	if got := <-ch2; got.ID != 2 {
		t.Errorf("ch2 got id %d, want 2", got.ID)
	}
	if got := <-ch1; got.ID != 1 {
		t.Errorf("ch1 got id %d, want 1", got.ID)
	}
}

func TestPendingLateResponseDiscarded(t *testing.T) {
	p := newPendingCalls(nil)
	ch, _ := p.register(7)
	p.abandon(7)

	// A reply for an abandoned id must not be delivered anywhere.
	p.resolve(&Response{JSONRPC: jsonrpcVersion, ID: 7})

	select {
	case got, ok := <-ch:
		if ok {
			t.Errorf("abandoned waiter received %+v", got)
		}
	default:
	}
}

func TestPendingUnknownIDDiscarded(t *testing.T) {
	p := newPendingCalls(nil)
	// Must not panic or block.
	p.resolve(&Response{JSONRPC: jsonrpcVersion, ID: 99})
}

func TestPendingFailClosesWaiters(t *testing.T) {
	p := newPendingCalls(nil)
	ch, _ := p.register(1)

	cause := errors.New("stream closed")
	p.fail(cause)

	if _, ok := <-ch; ok {
		t.Fatal("waiter channel not closed after fail")
	}
	if got := p.failure(); !errors.Is(got, cause) {
		t.Errorf("failure() = %v, want %v", got, cause)
	}

	if _, err := p.register(2); err == nil {
		t.Error("register after fail should return the recorded error")
	}
}

func TestPendingDuplicateIDRejected(t *testing.T) {
	p := newPendingCalls(nil)
	if _, err := p.register(1); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := p.register(1); err == nil {
		t.Error("duplicate register should fail")
	}
}
