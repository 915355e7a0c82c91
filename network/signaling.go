package network

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"meshcoord/apperr"
	"meshcoord/crypto"
	"meshcoord/signaling"
)

// Signaling serves pairing-room WebSockets at /ws/pair/{room}.
type Signaling struct {
	rooms          *signaling.Manager
	hub            *Hub
	limiter        *RateLimiter
	conn           ConnectionOptions
	handlerTimeout time.Duration
	logger         *zap.Logger
}

// SignalingOptions configures a Signaling endpoint.
type SignalingOptions struct {
	Connection     ConnectionOptions
	HandlerTimeout time.Duration
	// Hub caps and tracks signaling connections. Defaults to a private hub.
	Hub     *Hub
	Limiter *RateLimiter
	Logger  *zap.Logger
}

// NewSignaling creates the signaling endpoint.
func NewSignaling(rooms *signaling.Manager, opts SignalingOptions) *Signaling {
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = DefaultHandlerTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	conn := opts.Connection
	if conn.MaxFrameSize <= 0 {
		conn.MaxFrameSize = DefaultMaxSignalFrameSize
	}
	conn.Logger = opts.Logger
	if opts.Hub == nil {
		opts.Hub = NewHub(DefaultMaxConnections)
	}
	return &Signaling{
		rooms:          rooms,
		hub:            opts.Hub,
		limiter:        opts.Limiter,
		conn:           conn.withDefaults(),
		handlerTimeout: opts.HandlerTimeout,
		logger:         opts.Logger,
	}
}

func (s *Signaling) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isUpgradeRequest(r) {
		writeUpgradeRequired(w)
		return
	}
	ip := remoteIP(r)
	if !s.limiter.Allow(ip) {
		writeError(w, apperr.Limit("too many connections"))
		return
	}

	if !s.hub.Reserve() {
		writeError(w, apperr.Unavailable("server busy"))
		return
	}
	defer s.hub.Release()

	room, err := s.rooms.Join(mux.Vars(r)["room"])
	if err != nil {
		writeError(w, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.rooms.Leave(context.Background(), room, "")
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	c := newConn(ws, ip, s.conn)
	s.hub.Put(c)
	defer s.hub.Delete(c)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.handlerTimeout)
		defer cancel()
		s.rooms.Leave(ctx, room, c.ID())
	}()
	defer c.Close()

	s.serve(r.Context(), c, room)
}

func (s *Signaling) serve(ctx context.Context, c *Conn, room *signaling.Room) {
	for {
		payload, err := c.ReadFrame(ctx)
		switch {
		case errors.Is(err, ErrFrameTooLarge):
			_ = c.Send(ErrorMessage{Type: TypeError, Code: CodeFrameTooLarge, Message: "frame too large"})
			continue
		case errors.Is(err, ErrBinaryFrame):
			_ = c.Send(ErrorMessage{Type: TypeError, Code: CodeBadFrame, Message: "text frames only"})
			continue
		case err != nil:
			return
		}

		if err := s.handle(ctx, c, room, payload); err != nil {
			if errors.Is(err, errUnknownType) {
				_ = c.Send(ErrorMessage{Type: TypeError, Code: CodeUnknownType, Message: "unknown message type"})
				continue
			}
			if apperr.KindOf(err) == apperr.KindInternal {
				s.logger.Error("signaling handler failed", zap.String("room", room.Name()), zap.Error(err))
			}
			_ = c.Send(NewErrorMessage(err))
		}
	}
}

func (s *Signaling) handle(ctx context.Context, c *Conn, room *signaling.Room, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.handlerTimeout)
	defer cancel()

	typ, err := DecodeMessageType(payload)
	if err != nil {
		return apperr.Validation("malformed message")
	}

	switch typ {
	case TypeRegister:
		var msg SignalRegisterMessage
		if err := decodeMessage(payload, &msg); err != nil {
			return err
		}
		code, err := room.Register(ctx, msg.Code, c)
		if err != nil {
			return err
		}
		s.logger.Debug("pairing code registered",
			zap.String("room", room.Name()),
			zap.String("code", crypto.Fingerprint(code)),
		)
		return c.Send(SignalRegisteredMessage{Type: TypeRegistered, Code: code})
	case TypeSignal:
		var msg SignalMessage
		if err := decodeMessage(payload, &msg); err != nil {
			return err
		}
		return room.Relay(ctx, c.ID(), msg.Target, msg.Payload)
	default:
		return errUnknownType
	}
}

// Hub returns the hub tracking signaling connections.
func (s *Signaling) Hub() *Hub {
	return s.hub
}
