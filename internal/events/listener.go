package events

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	reconnectMin = 2 * time.Second
	reconnectMax = 5 * time.Minute

	// jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	reconnectBackoffMultiplier = 2

	// maxMessageSize bounds a single notification frame.
	maxMessageSize = 4 << 20
)

// Conn is the part of *websocket.Conn the listener uses.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a notification stream.
type Dialer func(ctx context.Context, url string, header http.Header) (Conn, error)

// Cursor persists the id of the last processed notification.
type Cursor interface {
	LastNotification() (uuid.UUID, error)
	SetLastNotification(id uuid.UUID) error
}

// Sink receives the events of one notification. It returns once the
// batch has been handed to the engine.
type Sink func(ctx context.Context, batch []*UpdateEvent) error

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	URL    string
	Token  string
	Cursor Cursor
	Sink   Sink
	// Dial defaults to a coder/websocket dialer.
	Dial Dialer
}

// Listener subscribes to the notification stream and reconnects with
// jittered exponential backoff.
type Listener struct {
	url    string
	token  string
	cursor Cursor
	sink   Sink
	dial   Dialer
	logger *slog.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewListener creates a listener.
func NewListener(cfg ListenerConfig, logger *slog.Logger) *Listener {
	dial := cfg.Dial
	if dial == nil {
		dial = dialWebsocket
	}

	return &Listener{
		url:    cfg.URL,
		token:  cfg.Token,
		cursor: cfg.Cursor,
		sink:   cfg.Sink,
		dial:   dial,
		logger: logger,
		sleep:  sleepCtx,
	}
}

func dialWebsocket(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header}) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(maxMessageSize)

	return conn, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run connects and delivers notifications until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	backoff := reconnectMin

	for {
		connected, err := l.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if connected {
			backoff = reconnectMin
		}

		l.logger.Warn("notification stream lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for reconnect jitter
		if err := l.sleep(ctx, backoff+jitter); err != nil {
			return err
		}

		backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)
	}
}

// session runs one connection. connected reports whether the dial
// succeeded.
func (l *Listener) session(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	if l.token != "" {
		header.Set("Authorization", "Bearer "+l.token)
	}

	conn, err := l.dial(ctx, l.url, header)
	if err != nil {
		return false, fmt.Errorf("dialing notification stream: %w", err)
	}

	defer conn.Close(websocket.StatusNormalClosure, "bye")

	if last, err := l.cursor.LastNotification(); err == nil && last != uuid.Nil {
		l.logger.Info("notification stream connected", slog.String("since", last.String()))
	} else {
		l.logger.Info("notification stream connected")
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return true, fmt.Errorf("reading notification: %w", err)
		}

		if typ != websocket.MessageBinary && typ != websocket.MessageText {
			continue
		}

		if err := l.handle(ctx, data); err != nil {
			return true, err
		}
	}
}

func (l *Listener) handle(ctx context.Context, data []byte) error {
	id, batch, err := ParseNotification(data, SourceWebsocket)
	if err != nil {
		l.logger.Debug("ignoring unparseable notification",
			slog.Int("bytes", len(data)),
			slog.String("error", err.Error()),
		)

		return nil
	}

	if len(batch) > 0 {
		if err := l.sink(ctx, batch); err != nil {
			return fmt.Errorf("delivering notification %s: %w", id, err)
		}
	}

	// Transient notifications are not replayed by the backend.
	if len(batch) > 0 && batch[0].Transient {
		return nil
	}

	if err := l.cursor.SetLastNotification(id); err != nil {
		l.logger.Warn("persisting notification cursor", slog.String("error", err.Error()))
	}

	return nil
}
