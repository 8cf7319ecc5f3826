package remote

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// StreamOptions configures a live event Stream.
type StreamOptions struct {
	BaseURL string
	Token   string
	// OnConnect runs after every successful dial; reconnect is false only
	// for the first one.
	OnConnect func(reconnect bool)
	// OnDisconnect runs when an established connection drops.
	OnDisconnect func(err error)
	// InitialBackoff and MaxBackoff shape the reconnect schedule.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

// Stream consumes the live event feed over a websocket and reconnects with
// exponential backoff until its context ends.
type Stream struct {
	url    string
	opts   StreamOptions
	logger *zap.Logger
}

// NewStream creates a stream for the service at opts.BaseURL.
func NewStream(opts StreamOptions) *Stream {
	u := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{url: u + "/v1/events", opts: opts, logger: logger}
}

// Run delivers events to handle, one at a time in arrival order, until ctx
// is cancelled. Unknown frame types are skipped.
func (s *Stream) Run(ctx context.Context, handle func(Event)) error {
	reconnect := false
	for {
		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if s.opts.OnConnect != nil {
			s.opts.OnConnect(reconnect)
		}
		reconnect = true

		err = s.readLoop(ctx, conn, handle)
		_ = conn.CloseNow()
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("live stream dropped", zap.Error(err))
		if s.opts.OnDisconnect != nil {
			s.opts.OnDisconnect(err)
		}

		// Pause before redialing so a server that accepts and drops at once
		// cannot spin the loop.
		t := time.NewTimer(s.opts.InitialBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (s *Stream) dial(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.InitialBackoff
	b.MaxInterval = s.opts.MaxBackoff

	header := http.Header{}
	if s.opts.Token != "" {
		header.Set("Authorization", "Bearer "+s.opts.Token)
	}
	return backoff.Retry(ctx, func() (*websocket.Conn, error) {
		conn, resp, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{
			HTTPHeader: header,
			HTTPClient: s.opts.HTTPClient,
		})
		if err != nil && resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, backoff.Permanent(&HTTPError{StatusCode: resp.StatusCode, Message: "live stream rejected credentials"})
		}
		return conn, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Info("live stream dial failed, retrying", zap.Duration("backoff", next), zap.Error(err))
		}),
	)
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn, handle func(Event)) error {
	for {
		var w wireMessage
		if err := wsjson.Read(ctx, conn, &w); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return errors.New("server closed the stream")
			}
			return err
		}
		switch EventKind(w.Type) {
		case EventMessage, EventMarker:
			handle(w.toEvent())
		default:
			s.logger.Debug("skipping unknown frame", zap.String("type", w.Type))
		}
	}
}
