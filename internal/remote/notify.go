package remote

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/coder/websocket"
)

// Notifier subscribes to the server's change feed over a websocket and
// invokes a callback when the remote announces new changes. It is an
// optimization over pure interval polling: a lost or unavailable socket
// degrades sync to the polling interval, never breaks it.
type Notifier struct {
	url      string
	logger   *slog.Logger
	onChange func()

	// sleepFunc waits between reconnect attempts. Tests override it.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

const (
	notifyBaseBackoff = 1 * time.Second
	notifyMaxBackoff  = 2 * time.Minute
)

// changeNotice is the server's wire message. Only the kind is inspected;
// the scheduler coalesces triggers so per-record detail is unnecessary.
type changeNotice struct {
	Kind string `json:"kind"`
}

// NewNotifier creates a change-feed subscriber. onChange is called from
// the notifier's goroutine and must not block.
func NewNotifier(url string, logger *slog.Logger, onChange func()) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &Notifier{
		url:       url,
		logger:    logger,
		onChange:  onChange,
		sleepFunc: timeSleep,
	}
}

// Run connects and listens until ctx is canceled, reconnecting with
// exponential backoff after any failure. It always returns ctx.Err().
func (n *Notifier) Run(ctx context.Context) error {
	var failures int

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := n.listen(ctx)
		if err != nil && ctx.Err() == nil {
			failures++
			backoff := notifyBackoff(failures)
			n.logger.Warn("change feed disconnected",
				slog.String("url", n.url),
				slog.Int("failures", failures),
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()),
			)

			if sleepErr := n.sleepFunc(ctx, backoff); sleepErr != nil {
				return sleepErr
			}

			continue
		}

		if ctx.Err() == nil {
			// Clean close from the server side. Reconnect promptly.
			failures = 0

			continue
		}

		return ctx.Err()
	}
}

// listen holds one websocket connection open, firing onChange per notice.
func (n *Notifier) listen(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, n.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	n.logger.Debug("change feed connected", slog.String("url", n.url))

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			var closeErr websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.StatusNormalClosure {
				return nil
			}

			return err
		}

		if msgType != websocket.MessageText {
			continue
		}

		var notice changeNotice
		if err := json.Unmarshal(data, &notice); err != nil {
			n.logger.Warn("ignoring malformed change notice", slog.String("error", err.Error()))

			continue
		}

		n.logger.Debug("change notice received", slog.String("kind", notice.Kind))

		if n.onChange != nil {
			n.onChange()
		}
	}
}

func notifyBackoff(failures int) time.Duration {
	backoff := float64(notifyBaseBackoff) * math.Pow(2, float64(failures-1))
	if backoff > float64(notifyMaxBackoff) {
		return notifyMaxBackoff
	}

	return time.Duration(backoff)
}
