package broker

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryBroker_PublishSubscribe(t *testing.T) {
	b := NewInMemoryBroker()
	defer b.Close() //nolint:errcheck
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, []string{"branch:b1:kitchen"})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := b.Publish(ctx, "branch:b1:kitchen", []byte(`{"k":1}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if msg.Channel != "branch:b1:kitchen" {
			t.Errorf("expected channel branch:b1:kitchen, got %s", msg.Channel)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for message")
	}
}

func TestInMemoryBroker_PatternMatching(t *testing.T) {
	b := NewInMemoryBroker()
	defer b.Close() //nolint:errcheck
	ctx := context.Background()

	wild, err := b.Subscribe(ctx, []string{"branch:*"})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	exact, err := b.Subscribe(ctx, []string{"branch:b1:waiters"})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := b.Publish(ctx, "branch:b2:waiters", []byte(`{}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case msg := <-wild.Messages():
		if msg.Channel != "branch:b2:waiters" {
			t.Errorf("unexpected channel %s", msg.Channel)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("wildcard subscriber should have received the message")
	}

	select {
	case msg := <-exact.Messages():
		t.Fatalf("exact subscriber for another branch received %s", msg.Channel)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInMemoryBroker_ClosedRejectsCalls(t *testing.T) {
	b := NewInMemoryBroker()
	if err := b.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if err := b.Publish(context.Background(), "tenant:t1:admin", []byte(`{}`)); err == nil {
		t.Fatal("publish on a closed broker should fail")
	}
	if _, err := b.Subscribe(context.Background(), []string{"tenant:*"}); err == nil {
		t.Fatal("subscribe on a closed broker should fail")
	}
	if b.Healthy(context.Background()) {
		t.Fatal("closed broker should report unhealthy")
	}
}

func TestInMemoryBroker_DropClosesStreams(t *testing.T) {
	b := NewInMemoryBroker()
	defer b.Close() //nolint:errcheck

	sub, err := b.Subscribe(context.Background(), []string{"tenant:*"})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	b.DropSubscriptions()

	select {
	case _, ok := <-sub.Messages():
		if ok {
			t.Fatal("expected closed stream, got a message")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("stream should be closed after a drop")
	}
}
