package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrPongTimeout indicates keep-alive timed out waiting for pong.
	ErrPongTimeout = errors.New("network: pong timeout")
)

// ConnectionOptions controls runtime behavior of Conn.
type ConnectionOptions struct {
	MaxFrameSize      int
	SendQueueSize     int
	WriteTimeout      time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	Logger            *zap.Logger
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = DefaultSendQueueSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if o.KeepAliveTimeout <= 0 {
		o.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Conn is one client WebSocket session. Outbound frames go through a bounded
// queue drained by a writer goroutine, so Send never blocks its caller.
type Conn struct {
	ws       *websocket.Conn
	id       string
	remoteIP string
	opts     ConnectionOptions
	logger   *zap.Logger

	send chan []byte

	lastActivity atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newConn(ws *websocket.Conn, remoteIP string, options ConnectionOptions) *Conn {
	opts := options.withDefaults()
	id := uuid.NewString()
	ws.SetReadLimit(int64(opts.MaxFrameSize) * hardLimitFactor)

	c := &Conn{
		ws:       ws,
		id:       id,
		remoteIP: remoteIP,
		opts:     opts,
		logger:   opts.Logger.With(zap.String("conn_id", id)),
		send:     make(chan []byte, opts.SendQueueSize),
		closed:   make(chan struct{}),
	}
	c.touchActivity()
	go c.writeLoop()
	go c.keepAliveLoop()
	return c
}

// ID returns the connection id.
func (c *Conn) ID() string {
	return c.id
}

// RemoteIP returns the client address the connection came from.
func (c *Conn) RemoteIP() string {
	return c.remoteIP
}

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// LastError returns the terminal connection error, if any.
func (c *Conn) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// Send marshals message and queues it. A full queue closes the connection.
func (c *Conn) Send(message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return c.SendRaw(payload)
}

// SendRaw queues a pre-marshaled frame.
func (c *Conn) SendRaw(payload []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.closed:
		return ErrConnClosed
	default:
		c.logger.Info("closing slow connection", zap.Int("queued", len(c.send)))
		c.closeWithError(ErrSendQueueFull, websocket.StatusPolicyViolation, "slow consumer")
		return ErrSendQueueFull
	}
}

// ReadFrame reads the next text message. A message above the frame cap is
// drained and reported as ErrFrameTooLarge before any of it is parsed.
func (c *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	typ, r, err := c.ws.Reader(ctx)
	if err != nil {
		c.closeWithError(err, websocket.StatusNormalClosure, "")
		return nil, err
	}
	c.touchActivity()

	payload, err := io.ReadAll(io.LimitReader(r, int64(c.opts.MaxFrameSize)+1))
	if err != nil {
		c.closeWithError(err, websocket.StatusMessageTooBig, "")
		return nil, err
	}
	if len(payload) > c.opts.MaxFrameSize {
		if _, err := io.Copy(io.Discard, r); err != nil {
			c.closeWithError(err, websocket.StatusMessageTooBig, "")
			return nil, err
		}
		return nil, ErrFrameTooLarge
	}
	if typ != websocket.MessageText {
		return nil, ErrBinaryFrame
	}
	return payload, nil
}

// Close terminates the connection.
func (c *Conn) Close() error {
	c.closeWithError(nil, websocket.StatusNormalClosure, "")
	return nil
}

// CloseWith terminates the connection with a specific close status.
func (c *Conn) CloseWith(status websocket.StatusCode, reason string) {
	c.closeWithError(nil, status, reason)
}

func (c *Conn) writeLoop() {
	for {
		select {
		case payload := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				c.closeWithError(fmt.Errorf("write frame: %w", err), websocket.StatusInternalError, "")
				return
			}
			c.touchActivity()
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) keepAliveLoop() {
	checkEvery := c.opts.KeepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = c.opts.KeepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			idleFor := time.Since(time.Unix(0, c.lastActivity.Load()))
			if idleFor < c.opts.KeepAliveInterval {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.KeepAliveTimeout)
			err := c.ws.Ping(ctx)
			cancel()
			if err != nil {
				c.closeWithError(ErrPongTimeout, websocket.StatusGoingAway, "keepalive timeout")
				return
			}
			c.touchActivity()
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) touchActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Conn) closeWithError(err error, status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		close(c.closed)
		// The close handshake waits on the peer; never hold the caller.
		go func() {
			_ = c.ws.Close(status, reason)
		}()
	})
}
