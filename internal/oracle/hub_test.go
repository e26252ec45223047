package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

func registerSession(t *testing.T, h *FeedHub, reporter string) *session {
	t.Helper()
	s := newSession(reporter, nil)
	h.register <- s
	waitFor(t, func() bool { return h.Connected(reporter) })
	return s
}

func TestFeedHub_DispatchQueuesForWritePump(t *testing.T) {
	h := NewFeedHub()
	go h.Run()
	s := registerSession(t, h, "r1")

	q := Query{RequestID: "ord-1", Reporter: "r1", Pair: "BTC-USD", Job: "job-market"}
	if err := h.Dispatch(context.Background(), q); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case f := <-s.send:
		if f.messageType != websocket.TextMessage {
			t.Errorf("message type = %d, want text", f.messageType)
		}
		var got Query
		if err := json.Unmarshal(f.data, &got); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if got.RequestID != "ord-1" || got.Reporter != "r1" {
			t.Errorf("queued query = %+v", got)
		}
	default:
		t.Fatal("dispatch queued nothing for the write pump")
	}
}

func TestFeedHub_DispatchOfflineReporter(t *testing.T) {
	h := NewFeedHub()
	go h.Run()

	err := h.Dispatch(context.Background(), Query{RequestID: "ord-1", Reporter: "ghost"})
	if !errors.Is(err, ErrReporterOffline) {
		t.Errorf("expected ErrReporterOffline, got %v", err)
	}
}

func TestFeedHub_FullQueueCountsAsOffline(t *testing.T) {
	h := NewFeedHub()
	go h.Run()
	s := registerSession(t, h, "r1")

	q := Query{RequestID: "ord-1", Reporter: "r1"}
	for i := 0; i < cap(s.send); i++ {
		if err := h.Dispatch(context.Background(), q); err != nil {
			t.Fatalf("Dispatch %d: %v", i, err)
		}
	}
	if err := h.Dispatch(context.Background(), q); !errors.Is(err, ErrReporterOffline) {
		t.Errorf("expected ErrReporterOffline on full queue, got %v", err)
	}
}

func TestFeedHub_ReconnectRetiresOldSession(t *testing.T) {
	h := NewFeedHub()
	go h.Run()
	old := registerSession(t, h, "r1")

	// Reconnect with nil conn is fine here: retiring a session with no live
	// connection only closes its done channel.
	replacement := newSession("r1", nil)
	h.register <- replacement
	waitFor(t, func() bool {
		select {
		case <-old.done:
			return true
		default:
			return false
		}
	})

	if err := h.Dispatch(context.Background(), Query{RequestID: "ord-1", Reporter: "r1"}); err != nil {
		t.Fatalf("Dispatch after reconnect: %v", err)
	}
	select {
	case <-replacement.send:
	default:
		t.Error("dispatch did not reach the replacement session")
	}
	select {
	case <-old.send:
		t.Error("dispatch reached the retired session")
	default:
	}
}
