package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestNotifierFiresOnChangeNotice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accepting websocket: %v", err)

			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		conn.Write(ctx, websocket.MessageText, []byte(`{"kind":"changes"}`))
		conn.Write(ctx, websocket.MessageText, []byte(`not json`))
		conn.Write(ctx, websocket.MessageText, []byte(`{"kind":"changes"}`))

		// Hold the connection open until the client goes away.
		conn.Read(ctx)
	}))
	defer server.Close()

	var fired atomic.Int32
	done := make(chan struct{})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n := NewNotifier(wsURL(server.URL), logger, func() {
		if fired.Add(1) == 2 {
			close(done)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go n.Run(ctx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change notices")
	}

	if got := fired.Load(); got != 2 {
		t.Errorf("onChange fired %d times, want 2", got)
	}
}

func TestNotifierReconnects(t *testing.T) {
	var connects atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := connects.Add(1)

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		if n == 1 {
			// Drop the first connection immediately.
			conn.Close(websocket.StatusInternalError, "going away")

			return
		}

		conn.Write(r.Context(), websocket.MessageText, []byte(`{"kind":"changes"}`))
		conn.Read(r.Context())
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	defer server.Close()

	done := make(chan struct{})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n := NewNotifier(wsURL(server.URL), logger, func() {
		select {
		case <-done:
		default:
			close(done)
		}
	})
	n.sleepFunc = func(_ context.Context, _ time.Duration) error { return nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go n.Run(ctx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("notifier never recovered from dropped connection")
	}

	if connects.Load() < 2 {
		t.Errorf("connects = %d, want at least 2", connects.Load())
	}
}

func TestNotifierStopsOnCancel(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n := NewNotifier("ws://127.0.0.1:1", logger, nil)
	n.sleepFunc = timeSleep

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := n.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}
