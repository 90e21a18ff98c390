// Package cancellation signals the backend, out of band, that an in-flight
// request should stop producing further turns.
package cancellation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/turn-orchestrator/pkg/logger"
	"github.com/capitalize-ai/turn-orchestrator/pkg/metrics"
)

// ErrNoRequest is returned by Send when no request id is given.
var ErrNoRequest = errors.New("cancellation: empty request id")

const closeWriteWait = 250 * time.Millisecond

// Frame is a message on the cancellation socket.
type Frame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// CancelFrame builds the abort frame for requestID.
func CancelFrame(requestID string) Frame {
	return Frame{Type: "ai_cancel", ID: requestID}
}

// KeepAliveFrame builds the keep-alive frame.
func KeepAliveFrame() Frame {
	return Frame{Type: "keep-alive"}
}

// Config holds cancellation channel configuration.
type Config struct {
	URL            string
	ConnectTimeout time.Duration
	Linger         time.Duration
	KeepAlive      time.Duration
}

// Channel opens one short-lived websocket per cancellation. At most one
// socket is open at a time; a new Send closes the previous one.
type Channel struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *logger.Logger

	mu      sync.Mutex
	current *session
}

// New creates a cancellation channel.
func New(cfg Config, log *logger.Logger) *Channel {
	if cfg.Linger <= 0 {
		cfg.Linger = 500 * time.Millisecond
	}
	return &Channel{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		logger: logger.OrGlobal(log),
	}
}

// Send connects, writes a single ai_cancel frame for requestID and schedules
// the socket to close after the configured linger. It returns once the
// frame is written or the attempt failed; failures are for logging only.
func (c *Channel) Send(ctx context.Context, requestID string) error {
	if requestID == "" {
		return ErrNoRequest
	}
	log := c.logger.WithTurn(requestID)

	c.closeCurrent()

	dialCtx := ctx
	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	conn, _, err := c.dialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		metrics.RecordCancellation("connect_failed")
		log.Warn("cancellation channel connect failed", zap.String("url", c.cfg.URL), zap.Error(err))
		return fmt.Errorf("connect cancellation channel: %w", err)
	}

	s := newSession(conn)
	c.mu.Lock()
	c.current = s
	c.mu.Unlock()

	go s.drain()
	if c.cfg.KeepAlive > 0 {
		go s.keepAlive(c.cfg.KeepAlive)
	}

	if err := s.write(CancelFrame(requestID)); err != nil {
		c.release(s)
		metrics.RecordCancellation("send_failed")
		log.Warn("cancellation frame not sent", zap.Error(err))
		return fmt.Errorf("send cancel frame: %w", err)
	}

	time.AfterFunc(c.cfg.Linger, func() { c.release(s) })

	metrics.RecordCancellation("sent")
	log.Info("cancellation sent")
	return nil
}

// Close closes any open socket.
func (c *Channel) Close() {
	c.closeCurrent()
}

func (c *Channel) closeCurrent() {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s != nil {
		c.release(s)
	}
}

func (c *Channel) release(s *session) {
	s.close()
	c.mu.Lock()
	if c.current == s {
		c.current = nil
	}
	c.mu.Unlock()
}

type session struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
	wmu  sync.Mutex
}

func newSession(conn *websocket.Conn) *session {
	return &session{conn: conn, done: make(chan struct{})}
}

func (s *session) write(f Frame) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	select {
	case <-s.done:
		return websocket.ErrCloseSent
	default:
	}
	return s.conn.WriteJSON(f)
}

// keepAlive pings the backend while the socket is open.
func (s *session) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.write(KeepAliveFrame()); err != nil {
				return
			}
		}
	}
}

// drain reads and discards incoming frames so control frames are processed.
func (s *session) drain() {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			s.close()
			return
		}
	}
}

func (s *session) close() {
	s.once.Do(func() {
		s.wmu.Lock()
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"),
			time.Now().Add(closeWriteWait))
		s.wmu.Unlock()
		_ = s.conn.Close()
	})
}
