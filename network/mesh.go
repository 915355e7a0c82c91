package network

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"meshcoord/apperr"
	"meshcoord/chunks"
	"meshcoord/relay"
	"meshcoord/rendezvous"
)

// errUnknownType is answered with CodeUnknownType; the type value is never
// echoed.
var errUnknownType = errors.New("network: unknown message type")

var meshTypes = map[string]bool{
	TypeRegister:           true,
	TypeHeartbeat:          true,
	TypeUpdateLoad:         true,
	TypeListRelays:         true,
	TypeChunkAnnounce:      true,
	TypeChunkRequest:       true,
	TypeChunkPush:          true,
	TypeRegisterRendezvous: true,
	TypeLookupRendezvous:   true,
}

// Mesh serves the mesh WebSocket endpoint. Every message is size-checked,
// parsed and dispatched with the identity bound to its connection.
type Mesh struct {
	relays     *relay.Registry
	chunks     *chunks.Index
	rendezvous *rendezvous.Registry

	hub            *Hub
	limiter        *RateLimiter
	conn           ConnectionOptions
	handlerTimeout time.Duration
	logger         *zap.Logger
}

// MeshOptions configures a Mesh.
type MeshOptions struct {
	Connection     ConnectionOptions
	HandlerTimeout time.Duration
	Limiter        *RateLimiter
	Logger         *zap.Logger
}

// NewMesh creates the mesh endpoint over the registries.
func NewMesh(relays *relay.Registry, index *chunks.Index, rdv *rendezvous.Registry, hub *Hub, opts MeshOptions) *Mesh {
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = DefaultHandlerTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	conn := opts.Connection
	conn.Logger = opts.Logger
	m := &Mesh{
		relays:         relays,
		chunks:         index,
		rendezvous:     rdv,
		hub:            hub,
		limiter:        opts.Limiter,
		conn:           conn.withDefaults(),
		handlerTimeout: opts.HandlerTimeout,
		logger:         opts.Logger,
	}
	index.OnAbandoned(m.abandoned)
	return m
}

func (m *Mesh) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isUpgradeRequest(r) {
		writeUpgradeRequired(w)
		return
	}
	ip := remoteIP(r)
	if !m.limiter.Allow(ip) {
		writeError(w, apperr.Limit("too many connections"))
		return
	}
	if !m.hub.Reserve() {
		writeError(w, apperr.Unavailable("server busy"))
		return
	}
	defer m.hub.Release()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		m.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	c := newConn(ws, ip, m.conn)
	m.hub.Put(c)
	defer m.hub.Delete(c)

	m.serve(r.Context(), c)
}

func (m *Mesh) serve(ctx context.Context, c *Conn) {
	defer m.release(c)
	defer c.Close()

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

		if err := m.handle(ctx, c, payload); err != nil {
			m.reply(c, err)
		}
	}
}

func (m *Mesh) handle(ctx context.Context, c *Conn, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, m.handlerTimeout)
	defer cancel()

	typ, err := DecodeMessageType(payload)
	if err != nil {
		return apperr.Validation("malformed message")
	}
	if !meshTypes[typ] {
		return errUnknownType
	}

	switch typ {
	case TypeRegister:
		return m.handleRegister(ctx, c, payload)
	case TypeListRelays:
		return m.handleListRelays(ctx, c)
	}

	// The registry is the only authority on identity: a stale sweep may have
	// revoked this connection's binding while the socket stayed open.
	peerID, ok, err := m.relays.BoundPeer(ctx, c.ID())
	if err != nil {
		return apperr.Internal(err)
	}
	if !ok {
		return apperr.Auth("not registered")
	}
	switch typ {
	case TypeHeartbeat:
		return m.handleHeartbeat(ctx, c)
	case TypeUpdateLoad:
		return m.handleUpdateLoad(ctx, c, payload)
	case TypeChunkAnnounce:
		return m.handleChunkAnnounce(ctx, c, peerID, payload)
	case TypeChunkRequest:
		return m.handleChunkRequest(ctx, c, peerID, payload)
	case TypeChunkPush:
		return m.handleChunkPush(ctx, peerID, payload)
	case TypeRegisterRendezvous:
		return m.handleRegisterRendezvous(ctx, c, peerID, payload)
	case TypeLookupRendezvous:
		return m.handleLookupRendezvous(ctx, c, payload)
	}
	return errUnknownType
}

func (m *Mesh) reply(c *Conn, err error) {
	if errors.Is(err, errUnknownType) {
		_ = c.Send(ErrorMessage{Type: TypeError, Code: CodeUnknownType, Message: "unknown message type"})
		return
	}
	if apperr.KindOf(err) == apperr.KindInternal {
		m.logger.Error("mesh handler failed", zap.String("conn_id", c.ID()), zap.Error(err))
	} else {
		m.logger.Debug("mesh request rejected", zap.String("conn_id", c.ID()), zap.Error(err))
	}
	_ = c.Send(NewErrorMessage(err))
}

func (m *Mesh) handleRegister(ctx context.Context, c *Conn, payload []byte) error {
	var msg RegisterMessage
	if err := decodeMessage(payload, &msg); err != nil {
		return err
	}
	info, err := m.relays.Register(ctx, c.ID(), relay.RegisterRequest{
		PeerID:         msg.PeerID,
		MaxConnections: msg.MaxConnections,
		PublicKey:      msg.PublicKey,
	})
	if err != nil {
		return err
	}
	m.logger.Info("peer registered", zap.String("conn_id", c.ID()), zap.String("peer_id", info.PeerID))
	return c.Send(RegisteredMessage{Type: TypeRegistered, PeerID: info.PeerID})
}

func (m *Mesh) handleHeartbeat(ctx context.Context, c *Conn) error {
	info, err := m.relays.Heartbeat(ctx, c.ID())
	if err != nil {
		return err
	}
	return c.Send(LoadMessage{Type: TypeHeartbeatOK, ConnectedCount: info.ConnectedCount, Load: info.CapacityRatio()})
}

func (m *Mesh) handleUpdateLoad(ctx context.Context, c *Conn, payload []byte) error {
	var msg UpdateLoadMessage
	if err := decodeMessage(payload, &msg); err != nil {
		return err
	}
	info, err := m.relays.UpdateLoad(ctx, c.ID(), msg.ConnectedCount)
	if err != nil {
		return err
	}
	return c.Send(LoadMessage{Type: TypeLoadUpdated, ConnectedCount: info.ConnectedCount, Load: info.CapacityRatio()})
}

func (m *Mesh) handleListRelays(ctx context.Context, c *Conn) error {
	relays, err := m.relays.ListAvailable(ctx)
	if err != nil {
		return err
	}
	return c.Send(RelaysMessage{Type: TypeRelays, Relays: relays})
}

func (m *Mesh) handleChunkAnnounce(ctx context.Context, c *Conn, peerID string, payload []byte) error {
	var msg ChunkAnnounceMessage
	if err := decodeMessage(payload, &msg); err != nil {
		return err
	}
	n, err := m.chunks.Announce(ctx, peerID, msg.ChunkIDs)
	if err != nil {
		return err
	}
	return c.Send(ChunkAnnouncedMessage{Type: TypeChunkAnnounced, Accepted: n})
}

func (m *Mesh) handleChunkRequest(ctx context.Context, c *Conn, peerID string, payload []byte) error {
	var msg ChunkRequestMessage
	if err := decodeMessage(payload, &msg); err != nil {
		return err
	}

	res, err := m.chunks.PullRequest(ctx, msg.ChunkID, peerID)
	if apperr.Is(err, apperr.KindNotFound) {
		return c.Send(chunkUnavailable(msg.ChunkID))
	}
	if err != nil {
		return err
	}
	if res.Data != nil {
		return c.Send(ChunkDataMessage{Type: TypeChunkData, ChunkID: msg.ChunkID, Data: res.Data})
	}

	delivered := 0
	for _, src := range res.Sources {
		if m.sendToPeer(ctx, src, ChunkPullMessage{Type: TypeChunkPull, ChunkID: msg.ChunkID}) {
			delivered++
		}
	}
	if delivered == 0 {
		if err := m.chunks.CancelPull(ctx, msg.ChunkID, peerID); err != nil {
			m.logger.Warn("cancel pull", zap.Error(err))
		}
		return c.Send(chunkUnavailable(msg.ChunkID))
	}
	return c.Send(ChunkPendingMessage{Type: TypeChunkPending, ChunkID: msg.ChunkID, Sources: delivered})
}

func (m *Mesh) handleChunkPush(ctx context.Context, peerID string, payload []byte) error {
	var msg ChunkPushMessage
	if err := decodeMessage(payload, &msg); err != nil {
		return err
	}
	waiting, err := m.chunks.CacheChunk(ctx, msg.ChunkID, msg.Data)
	if err != nil {
		return err
	}

	frame, err := EncodeJSON(ChunkDataMessage{Type: TypeChunkData, ChunkID: msg.ChunkID, Data: msg.Data})
	if err != nil {
		return apperr.Internal(err)
	}
	for _, requester := range waiting {
		if requester == peerID {
			continue
		}
		if !m.sendRawToPeer(ctx, requester, frame) {
			m.logger.Debug("chunk requester gone", zap.String("peer_id", requester))
		}
	}
	return nil
}

func (m *Mesh) handleRegisterRendezvous(ctx context.Context, c *Conn, peerID string, payload []byte) error {
	var msg RegisterRendezvousMessage
	if err := decodeMessage(payload, &msg); err != nil {
		return err
	}
	entry, err := m.rendezvous.Register(ctx, peerID, msg.Token, msg.Endpoint)
	if err != nil {
		return err
	}
	return c.Send(RendezvousRegisteredMessage{Type: TypeRendezvousRegistered, Token: entry.Token, ExpiresAt: entry.ExpiresAt})
}

func (m *Mesh) handleLookupRendezvous(ctx context.Context, c *Conn, payload []byte) error {
	var msg LookupRendezvousMessage
	if err := decodeMessage(payload, &msg); err != nil {
		return err
	}
	entry, err := m.rendezvous.Lookup(ctx, msg.Token)
	if err != nil {
		return err
	}
	return c.Send(RendezvousMessage{Type: TypeRendezvous, Token: entry.Token, Endpoint: entry.Endpoint, PeerID: entry.Owner})
}

func (m *Mesh) sendToPeer(ctx context.Context, peerID string, message any) bool {
	frame, err := EncodeJSON(message)
	if err != nil {
		return false
	}
	return m.sendRawToPeer(ctx, peerID, frame)
}

func (m *Mesh) sendRawToPeer(ctx context.Context, peerID string, frame []byte) bool {
	connID, ok, err := m.relays.ConnFor(ctx, peerID)
	if err != nil || !ok {
		return false
	}
	target, ok := m.hub.Get(connID)
	if !ok {
		return false
	}
	return target.SendRaw(frame) == nil
}

// abandoned tells requesters that a pull they are waiting on will not be
// served.
func (m *Mesh) abandoned(lost []chunks.Abandoned) {
	ctx, cancel := context.WithTimeout(context.Background(), m.handlerTimeout)
	defer cancel()
	for _, a := range lost {
		if !m.sendToPeer(ctx, a.Requester, chunkUnavailable(a.ChunkID)) {
			m.logger.Debug("chunk requester gone", zap.String("peer_id", a.Requester))
		}
	}
}

// release drops everything the connection held.
func (m *Mesh) release(c *Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), m.handlerTimeout)
	defer cancel()

	// A binding reaped by the stale sweep may since belong to a newer
	// connection; only the holder releases the peer's chunks and tokens.
	// The identity is freed last so a reconnecting peer never sees its own
	// stale chunks or tokens.
	peerID, held, err := m.relays.BoundPeer(ctx, c.ID())
	if err != nil {
		m.logger.Warn("lookup relay binding", zap.String("conn_id", c.ID()), zap.Error(err))
	}
	if held {
		if err := m.chunks.DropPeer(ctx, peerID); err != nil {
			m.logger.Warn("release chunk sources", zap.String("peer_id", peerID), zap.Error(err))
		}
		if err := m.rendezvous.ReleaseOwner(ctx, peerID); err != nil {
			m.logger.Warn("release rendezvous tokens", zap.String("peer_id", peerID), zap.Error(err))
		}
	}
	if err := m.relays.Unregister(ctx, c.ID()); err != nil {
		m.logger.Warn("release relay binding", zap.String("conn_id", c.ID()), zap.Error(err))
	}
	if !held {
		return
	}
	m.logger.Info("peer disconnected", zap.String("conn_id", c.ID()), zap.String("peer_id", peerID))
}

func chunkUnavailable(id string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Code: CodeChunkUnavailable, Message: "chunk unavailable", ChunkID: id}
}

func isUpgradeRequest(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, v := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(v), "upgrade") {
			return true
		}
	}
	return false
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
