package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/BlkSword/Strange-room/internal/audit"
	"github.com/BlkSword/Strange-room/internal/rooms"
	"github.com/BlkSword/Strange-room/pkg/auth"
	"github.com/BlkSword/Strange-room/pkg/clock"
	"github.com/BlkSword/Strange-room/pkg/metrics"
	"github.com/BlkSword/Strange-room/pkg/ratelimit"
)

// Close reasons sent with status 1008
const (
	ReasonMissingRoom   = "Missing roomId"
	ReasonRoomNotFound  = "Room not found"
	ReasonSyncNotFound  = "room_not_found"
	ReasonRoomExpired   = "Room expired"
	ReasonInvalidToken  = "Invalid token"
	reasonShuttingDown  = "server shutting down"
	reasonSlowConsumer  = "slow consumer"
	defaultReadLimit    = 8 << 20
	defaultPingInterval = 20 * time.Second
	defaultWriteTimeout = 10 * time.Second
	outQueue            = 256
)

type HubOptions struct {
	Clock   clock.Clock
	Metrics *metrics.Metrics // optional
	Audit   *audit.Log       // optional
	Bus     Bus              // optional, nil for a single instance

	// CheckSyncExpiry makes the sync relay reject expired rooms like the
	// signaling relay does.
	CheckSyncExpiry bool
	ReadLimit       int64
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	QueueSize       int // outbound frames buffered per peer
}

type Hub struct {
	log    *slog.Logger
	reg    *rooms.Registry
	codec  *auth.Codec
	opts   HubOptions
	relays map[Kind]*relay

	mu      sync.Mutex
	closing bool
	conns   map[*Conn]struct{} // every accepted connection, admitted or not
	wg      sync.WaitGroup
}

// NewHub wires both relays to the registry and token codec
func NewHub(logger *slog.Logger, reg *rooms.Registry, codec *auth.Codec, opts HubOptions) *Hub {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = outQueue
	}
	return &Hub{
		log:   logger.With("component", "ws"),
		reg:   reg,
		codec: codec,
		opts:  opts,
		relays: map[Kind]*relay{
			KindSignaling: newRelay(KindSignaling),
			KindSync:      newRelay(KindSync),
		},
		conns: map[*Conn]struct{}{},
	}
}

// Run forwards bus traffic from other instances until ctx is done
func (h *Hub) Run(ctx context.Context) {
	if h.opts.Bus == nil {
		<-ctx.Done()
		return
	}
	if err := h.opts.Bus.Subscribe(ctx, h.fromBus); err != nil && ctx.Err() == nil {
		h.log.Error("bus.subscribe", "err", err)
	}
}

func (h *Hub) fromBus(env Envelope) {
	switch env.Type {
	case EnvelopeRoom:
		if env.Room != nil && h.reg.Adopt(*env.Room) {
			h.log.Debug("bus.room_adopted", "room", env.RoomID, "origin", env.Origin)
		}
	case EnvelopeFrame:
		rl := h.relays[env.Relay]
		if rl == nil {
			return
		}
		h.deliver(rl, env.RoomID, nil, rl.frameFor(env.Payload))
	}
}

// AnnounceRoom tells other instances about a room created here
func (h *Hub) AnnounceRoom(ctx context.Context, room rooms.Room) {
	if h.opts.Bus == nil {
		return
	}
	err := h.opts.Bus.Publish(ctx, Envelope{Type: EnvelopeRoom, RoomID: room.ID, Room: &room})
	if err != nil {
		h.log.Warn("bus.publish", "type", EnvelopeRoom, "room", room.ID, "err", err)
	}
}

// IsUpgrade reports whether r asks for a websocket
func IsUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// ServeUpgrade routes an upgrade request to the relay its path names.
// Unknown paths get their transport closed without a response.
func (h *Hub) ServeUpgrade(w http.ResponseWriter, r *http.Request) {
	var kind Kind
	switch path := r.URL.Path; {
	case path == "/signaling":
		kind = KindSignaling
	case strings.HasPrefix(path, "/yjs"):
		kind = KindSync
	default:
		h.log.Debug("ws.unknown_path", "path", path)
		hangUp(w, r)
		return
	}

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		http.Error(w, reasonShuttingDown, http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	ws, err := accept(w, r)
	if err != nil {
		h.log.Error("ws.accept", "relay", kind, "err", err)
		return
	}
	ws.SetReadLimit(h.opts.ReadLimit)

	c := newConn(ws, kind, ratelimit.ClientIP(r), h.opts.QueueSize)
	if !h.track(c) {
		c.kill(websocket.StatusGoingAway, reasonShuttingDown)
		return
	}
	defer h.untrack(c)

	roomID, token := admissionParams(kind, r)
	c.RoomID = roomID
	if reason, detail := h.admit(kind, roomID, token); reason != "" {
		h.rejected(c, reason, detail)
		return
	}
	h.serve(r.Context(), c)
}

// admissionParams extracts the claimed room and token. The sync relay takes
// the room from the last segment of a /yjs/... path, which may be empty, and
// only falls back to ?room= when there is no such segment.
func admissionParams(kind Kind, r *http.Request) (roomID, token string) {
	q := r.URL.Query()
	token = q.Get("token")
	if kind == KindSignaling {
		return q.Get("roomId"), token
	}
	if path := r.URL.Path; strings.HasPrefix(path, "/yjs/") {
		return path[strings.LastIndex(path, "/")+1:], token
	}
	return q.Get("room"), token
}

// admit runs the admission checks in order. An empty reason admits.
func (h *Hub) admit(kind Kind, roomID, token string) (reason, detail string) {
	if roomID == "" {
		return ReasonMissingRoom, ""
	}
	room, ok := h.reg.Get(roomID)
	if !ok {
		if kind == KindSync {
			return ReasonSyncNotFound, ""
		}
		return ReasonRoomNotFound, ""
	}
	if (kind == KindSignaling || h.opts.CheckSyncExpiry) && room.Expired(h.opts.Clock.Now()) {
		return ReasonRoomExpired, ""
	}
	claimed, err := h.codec.Verify(token)
	if err != nil {
		return ReasonInvalidToken, auth.Reason(err) + " token=" + tokenPrefix(token)
	}
	if claimed != roomID {
		return ReasonInvalidToken, "room mismatch token=" + tokenPrefix(token)
	}
	return "", ""
}

// tokenPrefix is enough of a token to correlate log lines without leaking it
func tokenPrefix(tok string) string {
	if len(tok) > 16 {
		return tok[:16] + "..."
	}
	return tok
}

func (h *Hub) rejected(c *Conn, reason, detail string) {
	if m := h.opts.Metrics; m != nil {
		m.Admissions.WithLabelValues(string(c.Kind), "rejected").Inc()
	}
	if a := h.opts.Audit; a != nil {
		a.Record(audit.Event{
			Kind: audit.KindWSRejected, Relay: string(c.Kind), RoomID: c.RoomID,
			IP: c.IP, Reason: reason, Detail: detail, At: h.opts.Clock.Now(),
		})
	}
	c.reject(reason)
}

// serve relays frames from an admitted connection until it goes away
func (h *Hub) serve(ctx context.Context, c *Conn) {
	rl := h.relays[c.Kind]
	c.setState(StateAdmitted)
	rl.join(c)
	peers := rl.members(c.RoomID)
	if m := h.opts.Metrics; m != nil {
		m.Admissions.WithLabelValues(string(c.Kind), "admitted").Inc()
		m.Connections.WithLabelValues(string(c.Kind)).Inc()
	}
	if a := h.opts.Audit; a != nil {
		a.Record(audit.Event{
			Kind: audit.KindWSAdmitted, Relay: string(c.Kind), RoomID: c.RoomID,
			IP: c.IP, Detail: fmt.Sprintf("conn=%s connections=%d", c.ID, peers), At: h.opts.Clock.Now(),
		})
	}
	h.log.Info("ws.admitted", "relay", c.Kind, "room", c.RoomID, "conn", c.ID, "peers", peers)

	go c.writeLoop(h.opts.PingInterval, h.opts.WriteTimeout)

	for {
		_, data, err := c.read(ctx)
		if err != nil {
			h.logReadEnd(c, err)
			break
		}
		if c.Kind == KindSignaling {
			h.logSignal(ctx, c, data)
		}
		f := rl.frameFor(data)
		h.deliver(rl, c.RoomID, c, f)
		h.publish(ctx, c, f.data)
	}

	h.drop(rl, c)
	c.finish()
	h.log.Info("ws.leave", "relay", c.Kind, "room", c.RoomID, "conn", c.ID)
}

// deliver fans f out to local peers and drops any that cannot keep up
func (h *Hub) deliver(rl *relay, roomID string, from *Conn, f frame) {
	sent, slow := rl.broadcast(roomID, from, f)
	for _, p := range slow {
		h.log.Warn("ws.slow_peer", "relay", rl.kind, "room", roomID, "conn", p.ID)
		h.drop(rl, p)
		p.kill(websocket.StatusTryAgainLater, reasonSlowConsumer)
	}
	if m := h.opts.Metrics; m != nil && sent > 0 {
		m.FramesRelayed.WithLabelValues(string(rl.kind)).Add(float64(sent))
	}
}

// drop removes c from its room set once
func (h *Hub) drop(rl *relay, c *Conn) {
	if rl.leave(c) {
		if m := h.opts.Metrics; m != nil {
			m.Connections.WithLabelValues(string(c.Kind)).Dec()
		}
	}
}

func (h *Hub) publish(ctx context.Context, c *Conn, data []byte) {
	if h.opts.Bus == nil {
		return
	}
	err := h.opts.Bus.Publish(ctx, Envelope{Type: EnvelopeFrame, Relay: c.Kind, RoomID: c.RoomID, Payload: data})
	if err != nil {
		h.log.Warn("bus.publish", "type", EnvelopeFrame, "room", c.RoomID, "err", err)
	}
}

// logSignal records the signaling message type at debug level
func (h *Hub) logSignal(ctx context.Context, c *Conn, data []byte) {
	if !h.log.Enabled(ctx, slog.LevelDebug) {
		return
	}
	var msg struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(data, &msg)
	h.log.Debug("ws.signal", "room", c.RoomID, "conn", c.ID, "type", msg.Type)
}

func (h *Hub) logReadEnd(c *Conn, err error) {
	switch status := websocket.CloseStatus(err); status {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
	case -1:
		h.log.Debug("ws.read", "relay", c.Kind, "conn", c.ID, "err", err)
	default:
		h.log.Info("ws.closed", "relay", c.Kind, "conn", c.ID, "status", status)
	}
}

// Forget drops the sets for swept rooms in both relays. Their
// connections stay open but no longer receive anything.
func (h *Hub) Forget(ids ...string) {
	if len(ids) == 0 {
		return
	}
	for kind, rl := range h.relays {
		n := rl.forget(ids...)
		if m := h.opts.Metrics; m != nil && n > 0 {
			m.Connections.WithLabelValues(string(kind)).Sub(float64(n))
		}
	}
}

// Connections is the number of admitted connections across both relays
func (h *Hub) Connections() int {
	n := 0
	for _, rl := range h.relays {
		n += rl.count()
	}
	return n
}

// RelayConnections is the number of admitted connections on one relay
func (h *Hub) RelayConnections(kind Kind) int {
	if rl := h.relays[kind]; rl != nil {
		return rl.count()
	}
	return 0
}

func (h *Hub) track(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

func (h *Hub) untrack(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// Shutdown refuses new upgrades, closes every connection with 1001 and
// waits for handlers to return. Whatever is left when ctx ends is dropped.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	h.log.Info("ws.shutdown", "connections", len(conns))
	for _, c := range conns {
		c.kill(websocket.StatusGoingAway, reasonShuttingDown)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, c := range conns {
			_ = c.ws.CloseNow()
		}
		return ctx.Err()
	}
}

// hangUp closes the raw transport without writing a response
func hangUp(w http.ResponseWriter, r *http.Request) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.NotFound(w, r)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	_ = conn.Close()
}
