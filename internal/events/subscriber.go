package events

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tOgg1/loopdeck/internal/logging"
)

// Handler receives parsed events. It is called from the subscriber goroutine.
type Handler func(Event)

// SubscriberConfig configures the websocket subscriber.
type SubscriberConfig struct {
	// URL is the websocket endpoint, e.g. ws://127.0.0.1:8188/ws.
	URL string

	// ClientID is sent as the clientId query parameter so the backend can
	// route prompt events to this client.
	ClientID string

	// HandshakeTimeout bounds the websocket handshake.
	HandshakeTimeout time.Duration

	ReconnectDelay         time.Duration
	MaxReconnectDelay      time.Duration
	ReconnectBackoffFactor float64
}

// DefaultSubscriberConfig returns sensible defaults.
func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{
		HandshakeTimeout:       10 * time.Second,
		ReconnectDelay:         1 * time.Second,
		MaxReconnectDelay:      30 * time.Second,
		ReconnectBackoffFactor: 2.0,
	}
}

// Subscriber keeps a websocket connection to the backend open and forwards
// events to a handler, reconnecting with exponential backoff.
type Subscriber struct {
	config  SubscriberConfig
	handler Handler
	dialer  *websocket.Dialer
	logger  zerolog.Logger

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewSubscriber creates a subscriber. The handler must not be nil.
func NewSubscriber(config SubscriberConfig, handler Handler) (*Subscriber, error) {
	if config.URL == "" {
		return nil, errors.New("events: url is required")
	}
	if handler == nil {
		return nil, errors.New("events: handler is required")
	}
	defaults := DefaultSubscriberConfig()
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = defaults.ReconnectDelay
	}
	if config.MaxReconnectDelay <= 0 {
		config.MaxReconnectDelay = defaults.MaxReconnectDelay
	}
	if config.ReconnectBackoffFactor < 1 {
		config.ReconnectBackoffFactor = defaults.ReconnectBackoffFactor
	}

	return &Subscriber{
		config:  config,
		handler: handler,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		logger: logging.Component("events"),
	}, nil
}

// Connected reports whether a websocket connection is currently open.
func (s *Subscriber) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Start runs the subscriber in the background until Stop or ctx cancellation.
func (s *Subscriber) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.Run(ctx)
	}()
}

// Stop cancels a subscriber started with Start and waits for it to exit.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run blocks, reconnecting until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) {
	delay := s.config.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streamed, err := s.connectAndStream(ctx)
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("connection closed")
		}
		if streamed {
			delay = s.config.ReconnectDelay
		}

		s.logger.Warn().
			Err(err).
			Str("url", s.config.URL).
			Dur("retry_in", delay).
			Msg("event stream disconnected, will retry")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * s.config.ReconnectBackoffFactor)
		if delay > s.config.MaxReconnectDelay {
			delay = s.config.MaxReconnectDelay
		}
	}
}

// connectAndStream reports whether at least one message was received, so a
// healthy connection resets the backoff.
func (s *Subscriber) connectAndStream(ctx context.Context) (bool, error) {
	url := s.config.URL
	if s.config.ClientID != "" {
		url = fmt.Sprintf("%s?clientId=%s", url, s.config.ClientID)
	}

	conn, resp, err := s.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial %s: %s: %w", s.config.URL, resp.Status, err)
		}
		return false, fmt.Errorf("dial %s: %w", s.config.URL, err)
	}
	defer conn.Close()

	s.setConnected(true)
	defer s.setConnected(false)
	s.logger.Debug().Str("url", s.config.URL).Msg("event stream connected")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	streamed := false
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return streamed, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return streamed, nil
			}
			return streamed, err
		}
		streamed = true
		// Binary frames carry preview images.
		if kind != websocket.TextMessage {
			continue
		}

		event, err := Parse(data)
		if err != nil {
			s.logger.Debug().Err(err).Msg("skipping malformed event")
			continue
		}
		s.handler(event)
	}
}

func (s *Subscriber) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}
