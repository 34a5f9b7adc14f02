package broadcast

import (
	"testing"
	"time"

	"github.com/relaycore/eventrt/internal/storelog"
)

func msg(globalID uint64, stream, eventType string) storelog.Message {
	return storelog.Message{GlobalID: globalID, StreamName: stream, Type: eventType}
}

func recvWithin(t *testing.T, sub *Subscription, d time.Duration) (storelog.Message, bool) {
	t.Helper()
	select {
	case m := <-sub.Events():
		return m, true
	case <-time.After(d):
		return storelog.Message{}, false
	}
}

func TestPublishReordersOutOfOrderArrivals(t *testing.T) {
	b := New(0, nil)
	sub := b.Subscribe("s1", "bank", nil, 8)

	b.Publish(msg(2, "bank-a1", "c"))
	b.Publish(msg(0, "bank-a1", "a"))
	b.Publish(msg(1, "bank-a1", "b"))

	var got []uint64
	for i := 0; i < 3; i++ {
		m, ok := recvWithin(t, sub, time.Second)
		if !ok {
			t.Fatalf("timed out waiting for message %d", i)
		}
		got = append(got, m.GlobalID)
	}

	want := []uint64{0, 1, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestPublishStallsOnGap(t *testing.T) {
	b := New(0, nil)
	sub := b.Subscribe("s1", "bank", nil, 8)

	b.Publish(msg(1, "bank-a1", "b")) // id 0 never arrives

	if _, ok := recvWithin(t, sub, 100*time.Millisecond); ok {
		t.Fatalf("expected no delivery while id 0 is missing")
	}
	if b.ExpectedNext() != 0 {
		t.Fatalf("ExpectedNext() = %d, want 0 (stalled)", b.ExpectedNext())
	}
}

func TestSubscribeFiltersByCategoryAndEventType(t *testing.T) {
	b := New(0, nil)
	bankSub := b.Subscribe("bank-watcher", "bank", []string{"Deposited"}, 8)
	otherSub := b.Subscribe("inventory-watcher", "inventory", nil, 8)

	b.Publish(msg(0, "bank-a1", "Deposited"))
	b.Publish(msg(1, "bank-a1", "Withdrawn"))

	m, ok := recvWithin(t, bankSub, time.Second)
	if !ok || m.Type != "Deposited" {
		t.Fatalf("bank subscriber should have received only Deposited, got ok=%v m=%+v", ok, m)
	}
	if _, ok := recvWithin(t, bankSub, 100*time.Millisecond); ok {
		t.Fatalf("bank subscriber should not have received Withdrawn")
	}
	if _, ok := recvWithin(t, otherSub, 100*time.Millisecond); ok {
		t.Fatalf("inventory subscriber should not have received bank events")
	}
}

func TestCloseDetachesSubscriber(t *testing.T) {
	b := New(0, nil)
	sub := b.Subscribe("s1", "bank", nil, 8)
	sub.Close()

	b.Publish(msg(0, "bank-a1", "Deposited"))

	if _, ok := recvWithin(t, sub, 100*time.Millisecond); ok {
		t.Fatalf("closed subscription should not receive further events")
	}
}
