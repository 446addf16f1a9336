package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/golang/snappy"

	"github.com/jpaulsen/localsync-go/internal/record"
)

// Retry and backoff constants for in-request retries. Cycle-level retry
// lives in the scheduler; this layer only smooths over short blips.
const (
	maxRetries     = 3
	baseBackoff    = 1 * time.Second
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25

	defaultUserAgent = "localsync/0.1"

	// Bodies at or above this size are snappy-compressed on the wire.
	compressThreshold = 512
)

// Client is the HTTP implementation of Transport. It handles request
// construction, retry with exponential backoff, snappy body compression,
// and error classification.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a transport client. baseURL is the server root, e.g.
// "https://sync.example.com".
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
		userAgent:  defaultUserAgent,
		sleepFunc:  timeSleep,
	}
}

// Wire types. Payloads travel base64-encoded inside JSON; bodies above the
// compression threshold are snappy block format with Content-Encoding set.
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

type wireRecord struct {
	RecordID     string `json:"record_id"`
	Payload      []byte `json:"payload,omitempty"`
	Version      int64  `json:"version"`
	Origin       string `json:"origin"`
	LastModified int64  `json:"last_modified"`
	Tombstone    bool   `json:"tombstone,omitempty"`
}

type pullResponse struct {
	Records []wireRecord `json:"records"`
	Cursor  string       `json:"cursor"`
	More    bool         `json:"more"`
}

func (w *wireRecord) toRecord() record.Record {
	return record.Record{
		ID:           w.RecordID,
		Payload:      w.Payload,
		Version:      w.Version,
		Origin:       w.Origin,
		LastModified: w.LastModified,
		Tombstone:    w.Tombstone,
	}
}

// Push submits one change. A 409 response carries the remote's current
// record and is returned as a non-error outcome: version conflicts are an
// expected part of the protocol, not a failure.
func (c *Client) Push(ctx context.Context, rec record.Record, baseVersion int64) (*PushOutcome, error) {
	body, err := json.Marshal(pushRequest{
		Payload:      rec.Payload,
		BaseVersion:  baseVersion,
		LastModified: rec.LastModified,
		Origin:       rec.Origin,
		Tombstone:    rec.Tombstone,
	})
	if err != nil {
		return nil, fmt.Errorf("remote: encoding push for %s: %w", rec.ID, err)
	}

	path := "/v1/records/" + url.PathEscape(rec.ID)

	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("remote: reading push response for %s: %w", rec.ID, err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var accepted pushAccepted
		if err := json.Unmarshal(respBody, &accepted); err != nil {
			return nil, fmt.Errorf("remote: decoding push acceptance for %s: %w", rec.ID, err)
		}

		return &PushOutcome{Accepted: true, NewVersion: accepted.Version}, nil

	case http.StatusConflict:
		var wire wireRecord
		if err := json.Unmarshal(respBody, &wire); err != nil {
			return nil, fmt.Errorf("remote: decoding conflict body for %s: %w", rec.ID, err)
		}

		remote := wire.toRecord()
		if remote.ID == "" {
			remote.ID = rec.ID
		}

		return &PushOutcome{Remote: &remote}, nil

	default:
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
			Err:        classifyStatus(resp.StatusCode),
		}
	}
}

// Pull fetches one page of remote changes after cursor.
func (c *Client) Pull(ctx context.Context, cursor string) (*PullPage, error) {
	path := "/v1/changes"
	if cursor != "" {
		path += "?cursor=" + url.QueryEscape(cursor)
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("remote: reading pull response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	var pr pullResponse
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return nil, fmt.Errorf("remote: decoding pull response: %w", err)
	}

	page := &PullPage{Cursor: pr.Cursor, More: pr.More}
	for i := range pr.Records {
		page.Records = append(page.Records, pr.Records[i].toRecord())
	}

	return page, nil
}

// do executes an HTTP request with in-request retry for transient
// failures. Network errors and retryable statuses back off exponentially
// with jitter; everything else is returned to the caller for
// classification.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	fullURL := c.baseURL + path

	var attempt int
	for {
		resp, err := c.doOnce(ctx, method, fullURL, body)
		if err != nil {
			// Context cancellation is not retryable.
			if ctx.Err() != nil {
				return nil, fmt.Errorf("remote: request canceled: %w", ctx.Err())
			}

			if attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("path", path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("remote: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("remote: %s %s: %w: %w", method, path, ErrUnavailable, err)
		}

		if !isRetryableStatus(resp.StatusCode) || attempt >= maxRetries {
			return resp, nil
		}

		backoff := c.retryBackoff(resp, attempt)

		// Drain and close before retrying so the connection is reusable.
		io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain
		resp.Body.Close()

		c.logger.Warn("retrying after HTTP error",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
		)

		if err := c.sleepFunc(ctx, backoff); err != nil {
			return nil, fmt.Errorf("remote: request canceled: %w", err)
		}

		attempt++
	}
}

// doOnce executes a single HTTP request (no retry), compressing the body
// when it is large enough to be worth it.
func (c *Client) doOnce(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var (
		reader     io.Reader
		compressed bool
	)

	if len(body) > 0 {
		if len(body) >= compressThreshold {
			reader = bytes.NewReader(snappy.Encode(nil, body))
			compressed = true
		} else {
			reader = bytes.NewReader(body)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Encoding", "snappy")

	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	if compressed {
		req.Header.Set("Content-Encoding", "snappy")
	}

	return c.httpClient.Do(req)
}

// readBody reads a response body, transparently decoding snappy payloads.
func readBody(resp *http.Response) ([]byte, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.Header.Get("Content-Encoding") != "snappy" {
		return raw, nil
	}

	decoded, err := snappy.Decode(nil, raw)
	if err != nil {
		return nil, fmt.Errorf("decoding snappy body: %w", err)
	}

	return decoded, nil
}

// retryBackoff returns the backoff duration for a retryable response.
// For 429 responses with a Retry-After header, that value is used.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
