// Package devserver is an in-memory implementation of the sync wire
// protocol. It backs the localsync-devserver binary and the e2e tests;
// it keeps everything in memory and is not meant for production use.
package devserver

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/golang/snappy"
)

// defaultPageSize is the number of change feed entries returned per pull.
const defaultPageSize = 100

// maxBodyBytes caps push request bodies after decompression.
const maxBodyBytes = 8 << 20

// storedRecord is the server's current state for one record ID.
type storedRecord struct {
	RecordID     string `json:"record_id"`
	Payload      []byte `json:"payload,omitempty"`
	Version      int64  `json:"version"`
	Origin       string `json:"origin"`
	LastModified int64  `json:"last_modified"`
	Tombstone    bool   `json:"tombstone,omitempty"`
}

type pushRequest struct {
	Payload      []byte `json:"payload,omitempty"`
	BaseVersion  int64  `json:"base_version"`
	LastModified int64  `json:"last_modified"`
	Origin       string `json:"origin"`
	Tombstone    bool   `json:"tombstone,omitempty"`
}

type pushAccepted struct {
	Version int64 `json:"version"`
}

type pullResponse struct {
	Records []storedRecord `json:"records"`
	Cursor  string         `json:"cursor"`
	More    bool           `json:"more"`
}

type changeNotice struct {
	Kind     string `json:"kind"`
	RecordID string `json:"record_id,omitempty"`
}

// Server holds records and an append-only change feed. Safe for concurrent
// use.
type Server struct {
	logger   *slog.Logger
	pageSize int

	mu      sync.Mutex
	records map[string]storedRecord
	feed    []string // record IDs in acceptance order, may repeat
	subs    map[int]chan changeNotice
	nextSub int
}

// New creates an empty server. pageSize <= 0 uses the default.
func New(pageSize int, logger *slog.Logger) *Server {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		logger:   logger,
		pageSize: pageSize,
		records:  make(map[string]storedRecord),
		subs:     make(map[int]chan changeNotice),
	}
}

// Handler returns the HTTP handler serving the sync protocol:
// POST /v1/records/{id}, GET /v1/changes, and GET /v1/ws for the change
// feed websocket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/records/", s.handlePush)
	mux.HandleFunc("GET /v1/changes", s.handlePull)
	mux.HandleFunc("GET /v1/ws", s.handleWS)

	return mux
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	recordID := strings.TrimPrefix(r.URL.EscapedPath(), "/v1/records/")

	recordID, err := unescapeID(recordID)
	if err != nil || recordID == "" {
		http.Error(w, "bad record id", http.StatusBadRequest)

		return
	}

	body, err := readRequestBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	var req pushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "bad push body", http.StatusBadRequest)

		return
	}

	if req.Origin == "" {
		http.Error(w, "origin required", http.StatusUnprocessableEntity)

		return
	}

	s.mu.Lock()

	current, exists := s.records[recordID]

	// Version guard: the push must be based on the server's current
	// version, otherwise the pusher has not seen the latest state and gets
	// the current record back as a conflict.
	if exists && req.BaseVersion < current.Version {
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, current)

		return
	}

	next := storedRecord{
		RecordID:     recordID,
		Payload:      req.Payload,
		Version:      current.Version + 1,
		Origin:       req.Origin,
		LastModified: req.LastModified,
		Tombstone:    req.Tombstone,
	}

	s.records[recordID] = next
	s.feed = append(s.feed, recordID)
	s.broadcastLocked(recordID)

	s.mu.Unlock()

	s.logger.Debug("push accepted",
		slog.String("record_id", recordID),
		slog.Int64("version", next.Version),
		slog.String("origin", next.Origin),
	)

	status := http.StatusOK
	if !exists {
		status = http.StatusCreated
	}

	writeJSON(w, status, pushAccepted{Version: next.Version})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var offset int

	if cursor := r.URL.Query().Get("cursor"); cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			http.Error(w, "bad cursor", http.StatusBadRequest)

			return
		}

		offset = n
	}

	s.mu.Lock()

	if offset > len(s.feed) {
		offset = len(s.feed)
	}

	end := offset + s.pageSize
	if end > len(s.feed) {
		end = len(s.feed)
	}

	// Deduplicate within the page; the feed can repeat a record ID and
	// only the latest state is ever served.
	seen := make(map[string]bool)
	records := make([]storedRecord, 0, end-offset)

	for _, id := range s.feed[offset:end] {
		if seen[id] {
			continue
		}

		seen[id] = true
		records = append(records, s.records[id])
	}

	more := end < len(s.feed)

	s.mu.Unlock()

	writeJSON(w, http.StatusOK, pullResponse{
		Records: records,
		Cursor:  strconv.Itoa(end),
		More:    more,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))

		return
	}

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan changeNotice, 16)
	s.subs[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	// Write-only connection; CloseRead keeps control frames serviced and
	// cancels the context when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case notice := <-ch:
			msg, err := json.Marshal(notice)
			if err != nil {
				continue
			}

			if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	}
}

// broadcastLocked fans a change notice out to websocket subscribers.
// Slow subscribers are skipped rather than blocking a push.
func (s *Server) broadcastLocked(recordID string) {
	notice := changeNotice{Kind: "change", RecordID: recordID}

	for _, ch := range s.subs {
		select {
		case ch <- notice:
		default:
		}
	}
}

// RecordCount reports how many record IDs the server holds. Test helper.
func (s *Server) RecordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.records)
}

func unescapeID(escaped string) (string, error) {
	return url.PathUnescape(escaped)
}

func readRequestBody(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	if r.Header.Get("Content-Encoding") != "snappy" {
		return raw, nil
	}

	decoded, err := snappy.Decode(nil, raw)
	if err != nil {
		return nil, fmt.Errorf("decoding snappy body: %w", err)
	}

	return decoded, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(v) //nolint:errcheck // response write failure is the client's problem
}
