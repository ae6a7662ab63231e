package httpapi

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSSEHub_PublishReachesSubscriber(t *testing.T) {
	hub := NewSSEHub()
	sub := hub.subscribe()
	if hub.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount: got %d, want 1", hub.SubscriberCount())
	}
	hub.PublishJSON(map[string]string{"type": "test"})
	msg := <-sub.ch
	if !strings.Contains(string(msg), "test") {
		t.Errorf("PublishJSON: got %s", msg)
	}
	hub.drop(sub)
	if _, ok := <-sub.ch; ok {
		t.Error("expected channel closed after drop")
	}
	if hub.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount after drop: got %d, want 0", hub.SubscriberCount())
	}
	// Dropping twice is a no-op.
	hub.drop(sub)
}

func TestSSEHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewSSEHub()
	sub := hub.subscribe()
	defer hub.drop(sub)
	// Fill the buffer past capacity; publishes must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.PublishJSON(map[string]int{"seq": i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}

func TestSSEHub_Handler(t *testing.T) {
	hub := NewSSEHub()
	handler := hub.Handler()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		handler(rec, req)
		close(done)
	}()
	// Wait for the connected event, then cancel. Reading rec.Body while the
	// handler still writes would race.
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done
	sc := bufio.NewScanner(rec.Body)
	var found bool
	for sc.Scan() {
		if strings.Contains(sc.Text(), "connected") {
			found = true
			break
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !found {
		t.Error("expected response to contain \"connected\"")
	}
}
