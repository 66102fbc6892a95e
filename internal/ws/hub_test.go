package ws

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeSubscriber records payloads and can be made to fail.
type fakeSubscriber struct {
	mu       sync.Mutex
	received [][]byte
	failNext bool
	closed   bool
}

func (f *fakeSubscriber) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return errors.New("send failed")
	}
	f.received = append(f.received, payload)
	return nil
}

func (f *fakeSubscriber) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSubscriber) payloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.received))
	copy(out, f.received)
	return out
}

func (f *fakeSubscriber) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBroadcastReachesScopeSubscribersOnly(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	inScope := &fakeSubscriber{}
	outOfScope := &fakeSubscriber{}
	hub.Register("room-1", inScope)
	hub.Register("room-2", outOfScope)

	hub.Broadcast("room-1", []byte("hello"))
	waitFor(t, func() bool { return len(inScope.payloads()) == 1 })

	if len(outOfScope.payloads()) != 0 {
		t.Fatal("event leaked outside its target scope")
	}
	if string(inScope.payloads()[0]) != "hello" {
		t.Fatalf("unexpected payload %q", inScope.payloads()[0])
	}
}

func TestFailedSendEvictsOnlyThatSubscriber(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	healthy := &fakeSubscriber{}
	broken := &fakeSubscriber{failNext: true}
	hub.Register("room-1", healthy)
	hub.Register("room-1", broken)

	hub.Broadcast("room-1", []byte("first"))
	waitFor(t, func() bool { return len(healthy.payloads()) == 1 })
	waitFor(t, func() bool { return broken.isClosed() })

	hub.Broadcast("room-1", []byte("second"))
	waitFor(t, func() bool { return len(healthy.payloads()) == 2 })

	if len(broken.payloads()) != 0 {
		t.Fatal("evicted subscriber still receiving")
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sub := &fakeSubscriber{}
	hub.Register("room-1", sub)
	hub.Broadcast("room-1", []byte("one"))
	waitFor(t, func() bool { return len(sub.payloads()) == 1 })

	hub.Unregister("room-1", sub)
	hub.Broadcast("room-1", []byte("two"))

	// A later broadcast delivers nothing; give the run loop a beat.
	time.Sleep(20 * time.Millisecond)
	if len(sub.payloads()) != 1 {
		t.Fatal("unregistered subscriber still receiving")
	}
}

func TestCloseTearsDownAllSessions(t *testing.T) {
	hub := NewHub()
	a := &fakeSubscriber{}
	b := &fakeSubscriber{}
	hub.Register("room-1", a)
	hub.Register("room-2", b)

	hub.Close()
	if !a.isClosed() || !b.isClosed() {
		t.Fatal("sessions not torn down on hub close")
	}
}
