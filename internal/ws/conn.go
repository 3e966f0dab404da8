package ws

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// State is a connection's position in the admission lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAdmitting
	StateAdmitted
	StateRejected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAdmitting:
		return "admitting"
	case StateAdmitted:
		return "admitted"
	case StateRejected:
		return "rejected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type frame struct {
	typ  websocket.MessageType
	data []byte
}

type Conn struct {
	ID     string
	Kind   Kind
	RoomID string
	IP     string

	ws    *websocket.Conn
	out   chan frame
	state atomic.Int32

	once sync.Once
	done chan struct{}
}

// accept upgrades HTTP to websocket (allow all origins)
func accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionDisabled,
	})
}

func newConn(ws *websocket.Conn, kind Kind, ip string, queue int) *Conn {
	c := &Conn{
		ID:   uuid.NewString(),
		Kind: kind,
		IP:   ip,
		ws:   ws,
		out:  make(chan frame, queue),
		done: make(chan struct{}),
	}
	c.setState(StateAdmitting)
	return c
}

func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

// read blocks until the next data message
func (c *Conn) read(ctx context.Context) (websocket.MessageType, []byte, error) {
	return c.ws.Read(ctx)
}

// send queues f without blocking. False means the peer is gone or too slow.
func (c *Conn) send(f frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- f:
		return true
	default:
		return false
	}
}

// writeLoop drains the outbound queue in order and pings the peer.
// Exits when the connection is stopped.
func (c *Conn) writeLoop(ping, timeout time.Duration) {
	t := time.NewTicker(ping)
	defer t.Stop()

	for {
		select {
		case <-c.done:
			return
		default:
		}
		select {
		case f := <-c.out:
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			err := c.ws.Write(ctx, f.typ, f.data)
			cancel()
			if err != nil {
				c.kill(websocket.StatusInternalError, "write failed")
				return
			}
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			err := c.ws.Ping(ctx)
			cancel()
			if err != nil {
				c.kill(websocket.StatusGoingAway, "ping timeout")
				return
			}
		case <-c.done:
			return
		}
	}
}

// stop marks the connection finished. Only the first call returns true.
func (c *Conn) stop() bool {
	first := false
	c.once.Do(func() {
		close(c.done)
		first = true
	})
	return first
}

// kill closes the connection with code without waiting for the handshake
func (c *Conn) kill(code websocket.StatusCode, reason string) {
	if c.stop() {
		go c.ws.Close(code, reason)
	}
}

// reject closes a connection that failed admission
func (c *Conn) reject(reason string) {
	c.setState(StateRejected)
	if c.stop() {
		_ = c.ws.Close(websocket.StatusPolicyViolation, reason)
	}
	c.setState(StateClosed)
}

// finish releases the transport after the read loop ends
func (c *Conn) finish() {
	if c.stop() {
		_ = c.ws.CloseNow()
	}
	c.setState(StateClosed)
}
