// Package testutil provides shared helpers for end-to-end tests: an
// in-process sync server and fully wired replica sessions.
package testutil

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jpaulsen/localsync-go/internal/devserver"
	"github.com/jpaulsen/localsync-go/internal/engine"
	"github.com/jpaulsen/localsync-go/internal/remote"
	"github.com/jpaulsen/localsync-go/internal/resolve"
	"github.com/jpaulsen/localsync-go/internal/store"
)

// Replica is one fully wired localsync stack: its own state database,
// transport, and engine, talking to a shared test server.
type Replica struct {
	Origin  string
	Store   *store.Store
	Engine  *engine.Engine
	Session *engine.Session
}

// Env is a sync server plus any number of replicas, all torn down with the
// enclosing test.
type Env struct {
	Server    *devserver.Server
	HTTP      *httptest.Server
	WSBaseURL string

	t      *testing.T
	logger *slog.Logger
}

// NewEnv starts an in-process sync server. Cleanup is registered on t.
func NewEnv(t *testing.T, pageSize int) *Env {
	t.Helper()

	logger := NewLogger(t)
	srv := devserver.New(pageSize, logger)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	return &Env{
		Server:    srv,
		HTTP:      hs,
		WSBaseURL: "ws" + strings.TrimPrefix(hs.URL, "http") + "/v1/ws",
		t:         t,
		logger:    logger,
	}
}

// NewReplica wires a replica against the env's server. Policies map
// collection names to resolution policies; unlisted collections use
// last-write-wins.
func (e *Env) NewReplica(origin string, policies map[string]resolve.Policy) *Replica {
	e.t.Helper()

	st, err := store.Open(e.t.TempDir()+"/state.db", e.logger)
	if err != nil {
		e.t.Fatalf("opening store for %s: %v", origin, err)
	}

	e.t.Cleanup(func() { st.Close() })

	validator, err := remote.LoadValidator("", e.logger)
	if err != nil {
		e.t.Fatalf("loading validator: %v", err)
	}

	eng, err := engine.NewEngine(&engine.Config{
		Store:     st,
		Transport: remote.NewClient(e.HTTP.URL, &http.Client{Timeout: 10 * time.Second}, e.logger),
		Resolver:  resolve.NewResolver(policies, resolve.PolicyLastWriteWins),
		Validator: validator,
		Origin:    origin,
		Logger:    e.logger,
	})
	if err != nil {
		e.t.Fatalf("building engine for %s: %v", origin, err)
	}

	return &Replica{
		Origin:  origin,
		Store:   st,
		Engine:  eng,
		Session: engine.NewSession(st, eng, nil, origin, e.logger),
	}
}

// NewLogger returns a logger that writes through t.Log so output is
// attributed to the right test.
func NewLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))

	return len(p), nil
}
