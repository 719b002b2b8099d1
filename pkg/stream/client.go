// Package stream maintains the WebSocket connection that carries an Eva
// device's state changes.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout     = 5 * time.Second
	handshakeTimeout = 10 * time.Second
	bufferedMessages = 16
)

var (
	// ErrConnect wraps every failure to establish the stream.
	ErrConnect = errors.New("stream connect failed")
	// ErrStale means nothing, not even a heartbeat or pong, arrived within
	// the keep-alive interval. The connection has been closed.
	ErrStale = errors.New("stream stale")
	// ErrDisconnected wraps read failures after the stream was established.
	ErrDisconnected = errors.New("stream disconnected")
	// ErrClosed is returned by Next after Close.
	ErrClosed = errors.New("stream closed")
	// ErrUnauthorized accompanies ErrConnect when the device refused the
	// session token.
	ErrUnauthorized = errors.New("session token rejected")
)

// Client opens streams to one device.
type Client struct {
	url       string
	keepAlive time.Duration
	dialer    *websocket.Dialer
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithURL overrides the stream URL derived from the address.
func WithURL(u string) Option {
	return func(c *Client) { c.url = u }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for ws://<address>/api/v1/data/stream. A
// stream that receives nothing for keepAlive is declared stale.
func NewClient(address string, keepAlive time.Duration, opts ...Option) *Client {
	c := &Client{
		url:       fmt.Sprintf("ws://%s/api/v1/data/stream", address),
		keepAlive: keepAlive,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "stream")
	return c
}

// Open dials the device, authenticating with the session token. The device
// expects the token as a subprotocol; it is also sent as a bearer header.
func (c *Client) Open(ctx context.Context, sessionToken string) (*Stream, error) {
	dialer := *c.dialer
	dialer.Subprotocols = []string{"SessionToken_" + sessionToken, "object"}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+sessionToken)

	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %s: %w", ErrConnect, c.url, ErrUnauthorized)
		}
		if resp != nil {
			return nil, fmt.Errorf("%w: %s: handshake status %d: %w", ErrConnect, c.url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, c.url, err)
	}
	c.logger.Debug("stream opened", "url", c.url)

	s := &Stream{
		conn:      conn,
		keepAlive: c.keepAlive,
		msgs:      make(chan Message, bufferedMessages),
		closed:    make(chan struct{}),
		logger:    c.logger,
	}
	go s.readLoop()
	go s.pingLoop()
	return s, nil
}

// Stream is one established connection. Messages are delivered in receipt
// order. A Stream is not restartable: after the first error every Next
// returns that error and a new Stream must be opened.
type Stream struct {
	conn      *websocket.Conn
	keepAlive time.Duration
	logger    *slog.Logger

	msgs chan Message
	err  error // written by readLoop before msgs is closed

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// Next blocks until the next message, a stream failure or ctx ends.
func (s *Stream) Next(ctx context.Context) (Message, error) {
	select {
	case m, ok := <-s.msgs:
		if !ok {
			return Message{}, s.err
		}
		return m, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close terminates the stream. It is safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *Stream) readLoop() {
	defer close(s.msgs)

	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.keepAlive))
	})

	for {
		s.conn.SetReadDeadline(time.Now().Add(s.keepAlive))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.err = s.readError(err)
			s.Close()
			return
		}

		m, ok, err := decode(data, time.Now())
		if err != nil {
			s.logger.Warn("dropping malformed frame", "err", err)
			continue
		}
		if !ok {
			continue
		}

		select {
		case s.msgs <- m:
		case <-s.closed:
			s.err = ErrClosed
			return
		}
	}
}

func (s *Stream) readError(err error) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		s.logger.Warn("stream stale", "keepalive", s.keepAlive)
		return fmt.Errorf("%w: no message within %v", ErrStale, s.keepAlive)
	}
	return fmt.Errorf("%w: %w", ErrDisconnected, err)
}

// pingLoop sends pings at half the keep-alive interval so an idle but
// healthy device still answers with pongs.
func (s *Stream) pingLoop() {
	interval := s.keepAlive / 2
	if interval <= 0 {
		interval = s.keepAlive
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
