package bus

import (
	"testing"
	"time"
)

func TestBus_PublishFanout(t *testing.T) {
	b := New()
	s1 := b.Subscribe("t")
	s2 := b.Subscribe("t")
	defer s1.Cancel()
	defer s2.Cancel()

	b.Publish("t", 42)
	for i, s := range []*Subscription{s1, s2} {
		select {
		case v := <-s.C:
			if v != 42 {
				t.Fatalf("sub %d got %v", i, v)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub %d timed out", i)
		}
	}
}

func TestBus_PublishDropDoesNotBlock(t *testing.T) {
	b := New()
	b.BufSize = 4
	s := b.Subscribe("t")
	defer s.Cancel()

	// Don't read from s.C to simulate a slow subscriber.
	start := time.Now()
	for i := 0; i < 1000; i++ {
		b.Publish("t", i)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Publish took too long: %s", elapsed)
	}
	if len(s.C) != cap(s.C) {
		t.Fatalf("expected subscriber buffer to be full, got len=%d cap=%d", len(s.C), cap(s.C))
	}
}

func TestBus_CancelDetaches(t *testing.T) {
	b := New()
	s := b.Subscribe("t")
	s.Cancel()
	s.Cancel() // idempotent
	if n := b.SubscriberCount("t"); n != 0 {
		t.Fatalf("subscriber count = %d, want 0", n)
	}
	b.Publish("t", 1) // must not panic or deliver
	select {
	case v := <-s.C:
		t.Fatalf("received %v after cancel", v)
	default:
	}
}

func TestBus_TopicsAreIndependent(t *testing.T) {
	b := New()
	sa := b.Subscribe("a")
	sb := b.Subscribe("b")
	defer sa.Cancel()
	defer sb.Cancel()
	b.Publish("a", "x")
	select {
	case <-sb.C:
		t.Fatalf("topic b received topic a event")
	default:
	}
	select {
	case v := <-sa.C:
		if v != "x" {
			t.Fatalf("got %v", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out")
	}
}
