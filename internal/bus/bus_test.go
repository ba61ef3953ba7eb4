package bus

import (
	"testing"
	"time"
)

func TestPublishReachesMatchingSubscriber(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("message.", 4)
	defer cancel()

	b.Emit(KindMessageReceived, "hello")

	select {
	case evt := <-ch:
		if evt.Kind != KindMessageReceived {
			t.Errorf("kind = %q, want %q", evt.Kind, KindMessageReceived)
		}
		if evt.Payload != "hello" {
			t.Errorf("payload = %v, want hello", evt.Payload)
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("event never arrived")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	netCh, cancelNet := b.Subscribe("net.", 4)
	defer cancelNet()
	allCh, cancelAll := b.Subscribe("", 4)
	defer cancelAll()

	b.Emit(KindMessageQueued, nil)
	b.Emit(KindNetOnline, nil)

	select {
	case evt := <-netCh:
		if evt.Kind != KindNetOnline {
			t.Errorf("net subscriber got %q", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("net event never arrived")
	}

	got := 0
	for got < 2 {
		select {
		case <-allCh:
			got++
		case <-time.After(time.Second):
			t.Fatalf("catch-all subscriber got %d of 2 events", got)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("message.", 4)
	cancel()

	b.Emit(KindMessageReceived, nil)

	select {
	case evt := <-ch:
		t.Fatalf("received %q after unsubscribe", evt.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFullSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := New()
	_, cancel := b.Subscribe("message.", 1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Emit(KindMessageReceived, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
}
