package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("company.acme.", 10)
	defer unsub()

	b.Publish(Event{Kind: Topic("acme", KindChannelStatus), Timestamp: time.Now()})

	select {
	case evt := <-ch:
		if evt.Kind != "company.acme.channel.status" {
			t.Errorf("kind = %q", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceIsolation(t *testing.T) {
	b := New()
	acme, unsubA := b.Subscribe(CompanyNamespace("acme"), 10)
	defer unsubA()
	globex, unsubG := b.Subscribe(CompanyNamespace("globex"), 10)
	defer unsubG()

	b.Publish(Event{Kind: Topic("acme", KindBatchProgress), Timestamp: time.Now()})

	select {
	case <-acme:
	case <-time.After(time.Second):
		t.Fatal("acme subscriber did not receive event")
	}

	select {
	case evt := <-globex:
		t.Fatalf("globex subscriber received foreign event %q", evt.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFullSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe("", 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Kind: "company.acme.campaign.status"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on full subscriber")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("company.", 10)
	unsub()

	b.Publish(Event{Kind: "company.acme.channel.status"})

	select {
	case evt := <-ch:
		t.Fatalf("received event %q after unsubscribe", evt.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}
