package ws

import (
	"strings"
	"sync"

	"nhooyr.io/websocket"
)

// Kind names one of the two relays.
type Kind string

const (
	KindSignaling Kind = "signaling"
	KindSync      Kind = "yjs"
)

// relay tracks the admitted connections of one relay, grouped by room.
type relay struct {
	kind Kind

	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
}

func newRelay(kind Kind) *relay {
	return &relay{kind: kind, rooms: map[string]map[*Conn]struct{}{}}
}

// frameFor shapes an inbound payload for delivery on this relay.
// Sync frames go out as binary untouched; signaling frames always go out as
// text with invalid UTF-8 replaced.
func (r *relay) frameFor(data []byte) frame {
	if r.kind == KindSync {
		return frame{typ: websocket.MessageBinary, data: data}
	}
	return frame{typ: websocket.MessageText, data: []byte(strings.ToValidUTF8(string(data), "\uFFFD"))}
}

// join adds c to its room's set, creating the set on first use
func (r *relay) join(c *Conn) {
	r.mu.Lock()
	set := r.rooms[c.RoomID]
	if set == nil {
		set = map[*Conn]struct{}{}
		r.rooms[c.RoomID] = set
	}
	set[c] = struct{}{}
	r.mu.Unlock()
}

// leave removes c and drops the set once empty. Reports whether c was present.
func (r *relay) leave(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.rooms[c.RoomID]
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(r.rooms, c.RoomID)
	}
	return true
}

// broadcast queues f to every member of roomID except from.
// Peers whose queue is full are returned so the caller can drop them.
func (r *relay) broadcast(roomID string, from *Conn, f frame) (sent int, slow []*Conn) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.rooms[roomID] {
		if c == from {
			continue
		}
		if c.send(f) {
			sent++
		} else {
			slow = append(slow, c)
		}
	}
	return sent, slow
}

// forget drops the sets for ids. Members stay connected but orphaned.
func (r *relay) forget(ids ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range ids {
		n += len(r.rooms[id])
		delete(r.rooms, id)
	}
	return n
}

func (r *relay) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, set := range r.rooms {
		n += len(set)
	}
	return n
}

func (r *relay) members(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}
