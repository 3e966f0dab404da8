// Package audit records security-relevant events: rejected and admitted
// relay connections and rate-limit hits. Every event is logged through
// slog; when a Sink is configured events are also queued for it without
// ever blocking the caller.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Event kinds
const (
	KindRateLimited = "rate_limit_exceeded"
	KindWSRejected  = "ws_rejected"
	KindWSAdmitted  = "ws_admitted"
	KindRoomCreated = "room_created"
)

type Event struct {
	Kind   string
	Relay  string // "signaling", "yjs" or empty for HTTP
	RoomID string
	IP     string
	Reason string
	Detail string
	At     time.Time
}

// Sink persists events. store.Postgres implements it.
type Sink interface {
	InsertAudit(ctx context.Context, e Event) error
}

type Log struct {
	log  *slog.Logger
	sink Sink
	q    chan Event
}

// New builds an audit log. sink may be nil.
func New(logger *slog.Logger, sink Sink) *Log {
	return &Log{
		log:  logger.With("component", "security"),
		sink: sink,
		q:    make(chan Event, 1024),
	}
}

// Record logs e and queues it for the sink, dropping it if the queue is full
func (a *Log) Record(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	attrs := []any{"kind", e.Kind}
	if e.Relay != "" {
		attrs = append(attrs, "relay", e.Relay)
	}
	if e.RoomID != "" {
		attrs = append(attrs, "room", e.RoomID)
	}
	attrs = append(attrs, "ip", e.IP)
	if e.Reason != "" {
		attrs = append(attrs, "reason", e.Reason)
	}
	if e.Detail != "" {
		attrs = append(attrs, "detail", e.Detail)
	}
	a.log.Info("audit."+e.Kind, attrs...)

	if a.sink == nil {
		return
	}
	select {
	case a.q <- e:
	default:
		a.log.Warn("audit.queue_full", "kind", e.Kind)
	}
}

// Run drains queued events into the sink until ctx is done
func (a *Log) Run(ctx context.Context) {
	if a.sink == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case e := <-a.q:
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := a.sink.InsertAudit(wctx, e); err != nil {
				a.log.Error("audit.persist", "kind", e.Kind, "err", err)
			}
			cancel()
		case <-ctx.Done():
			return
		}
	}
}
