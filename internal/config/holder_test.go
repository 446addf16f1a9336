package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestHolderWatchReloads(t *testing.T) {
	path := writeConfig(t, `origin = "first"`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	h := NewHolder(cfg, path)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)

	go h.Watch(ctx, logger, func(c *Config) {
		reloaded <- c
	})

	// Give the watcher time to attach before writing.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`origin = "second"`), 0o600); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	select {
	case c := <-reloaded:
		if c.Origin != "second" {
			t.Errorf("reloaded origin = %s, want second", c.Origin)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	if h.Config().Origin != "second" {
		t.Errorf("holder origin = %s, want second", h.Config().Origin)
	}
}

func TestHolderWatchKeepsConfigOnBadReload(t *testing.T) {
	path := writeConfig(t, `origin = "good"`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	h := NewHolder(cfg, path)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Watch(ctx, logger, nil)

	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`origin = `), 0o600); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	// The broken file is skipped; the previous config stays active.
	time.Sleep(300 * time.Millisecond)

	if h.Config().Origin != "good" {
		t.Errorf("origin = %s, want previous config retained", h.Config().Origin)
	}
}
