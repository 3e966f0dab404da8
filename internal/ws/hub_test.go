package ws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/BlkSword/Strange-room/internal/rooms"
	"github.com/BlkSword/Strange-room/pkg/auth"
	"github.com/BlkSword/Strange-room/pkg/clock"
	"github.com/BlkSword/Strange-room/pkg/metrics"
)

type fakeBus struct {
	mu   sync.Mutex
	sent []Envelope
}

func (b *fakeBus) Publish(_ context.Context, env Envelope) error {
	b.mu.Lock()
	b.sent = append(b.sent, env)
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, _ func(Envelope)) error {
	<-ctx.Done()
	return nil
}

func (b *fakeBus) published() []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Envelope(nil), b.sent...)
}

type fixture struct {
	hub   *Hub
	reg   *rooms.Registry
	codec *auth.Codec
	clk   *clock.Fake
	bus   *fakeBus
	url   string
}

func newFixture(t *testing.T, opts HubOptions) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	reg := rooms.NewRegistry(clk, 48*time.Hour)
	codec := auth.NewCodec("test-secret", 30*24*time.Hour, clk)
	bus := &fakeBus{}

	opts.Clock = clk
	opts.Bus = bus
	opts.Metrics = metrics.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(log, reg, codec, opts)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeUpgrade))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
		srv.Close()
	})
	return &fixture{
		hub: hub, reg: reg, codec: codec, clk: clk, bus: bus,
		url: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (f *fixture) room(t *testing.T) (string, string) {
	t.Helper()
	rm, err := f.reg.Create(time.Hour, "tester")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	tok, _, err := f.codec.Issue(rm.ID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return rm.ID, tok
}

func (f *fixture) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, f.url+path, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func signalingPath(room, tok string) string {
	return "/signaling?roomId=" + url.QueryEscape(room) + "&token=" + url.QueryEscape(tok)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readWithin(c *websocket.Conn, d time.Duration) (websocket.MessageType, []byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return c.Read(ctx)
}

func write(t *testing.T, c *websocket.Conn, typ websocket.MessageType, b []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Write(ctx, typ, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func closeError(t *testing.T, err error) websocket.CloseError {
	t.Helper()
	var ce websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("expected close error, got %v", err)
	}
	return ce
}

func TestSignalingRelaysToPeersNotSender(t *testing.T) {
	f := newFixture(t, HubOptions{})
	room, tok := f.room(t)

	a := f.dial(t, signalingPath(room, tok))
	b := f.dial(t, signalingPath(room, tok))
	c := f.dial(t, signalingPath(room, tok))
	waitFor(t, "three admitted", func() bool { return f.hub.RelayConnections(KindSignaling) == 3 })

	msg := []byte(`{"type":"offer","sdp":"x"}`)
	write(t, a, websocket.MessageText, msg)

	for name, peer := range map[string]*websocket.Conn{"b": b, "c": c} {
		typ, got, err := readWithin(peer, 5*time.Second)
		if err != nil {
			t.Fatalf("%s read: %v", name, err)
		}
		if typ != websocket.MessageText || !bytes.Equal(got, msg) {
			t.Errorf("%s got %v %q", name, typ, got)
		}
	}

	if _, got, err := readWithin(a, 150*time.Millisecond); err == nil {
		t.Errorf("sender received its own frame %q", got)
	}

	env := f.bus.published()
	if len(env) != 1 || env[0].Type != EnvelopeFrame || env[0].RoomID != room || env[0].Relay != KindSignaling {
		t.Errorf("bus envelopes = %+v", env)
	}
}

func TestRoomsAreIsolated(t *testing.T) {
	f := newFixture(t, HubOptions{})
	r1, t1 := f.room(t)
	r2, t2 := f.room(t)

	a := f.dial(t, signalingPath(r1, t1))
	b := f.dial(t, signalingPath(r2, t2))
	waitFor(t, "two admitted", func() bool { return f.hub.Connections() == 2 })

	write(t, a, websocket.MessageText, []byte(`{"type":"ping"}`))
	if _, got, err := readWithin(b, 150*time.Millisecond); err == nil {
		t.Errorf("frame leaked across rooms: %q", got)
	}
}

func TestAdmissionRejections(t *testing.T) {
	f := newFixture(t, HubOptions{})
	room, tok := f.room(t)
	_, otherTok := f.room(t)

	expired, err := f.reg.Create(time.Minute, "")
	if err != nil {
		t.Fatal(err)
	}
	expiredTok, _, _ := f.codec.Issue(expired.ID)

	cases := []struct {
		name, path, reason string
		advance            time.Duration
	}{
		{"missing room", "/signaling?token=" + url.QueryEscape(tok), ReasonMissingRoom, 0},
		{"unknown room", signalingPath("NOPE1234", tok), ReasonRoomNotFound, 0},
		{"no token", "/signaling?roomId=" + room, ReasonInvalidToken, 0},
		{"garbage token", signalingPath(room, "not-a-token"), ReasonInvalidToken, 0},
		{"token for another room", signalingPath(room, otherTok), ReasonInvalidToken, 0},
		{"sync unknown room", "/yjs/NOPE1234?token=" + url.QueryEscape(tok), ReasonSyncNotFound, 0},
		{"sync missing room", "/yjs?token=" + url.QueryEscape(tok), ReasonMissingRoom, 0},
		{"sync empty segment ignores query room", "/yjs/?room=" + room + "&token=" + url.QueryEscape(tok), ReasonMissingRoom, 0},
		{"sync trailing slash", "/yjs/" + room + "/?token=" + url.QueryEscape(tok), ReasonMissingRoom, 0},
		{"sync wrong token", "/yjs/" + room + "?token=" + url.QueryEscape(otherTok), ReasonInvalidToken, 0},
		{"expired room", signalingPath(expired.ID, expiredTok), ReasonRoomExpired, 2 * time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f.clk.Advance(tc.advance)
			c := f.dial(t, tc.path)
			_, _, err := readWithin(c, 5*time.Second)
			ce := closeError(t, err)
			if ce.Code != websocket.StatusPolicyViolation {
				t.Errorf("code = %v, want 1008", ce.Code)
			}
			if ce.Reason != tc.reason {
				t.Errorf("reason = %q, want %q", ce.Reason, tc.reason)
			}
		})
	}
	if n := f.hub.Connections(); n != 0 {
		t.Errorf("rejected connections joined a set: %d", n)
	}
}

func TestSyncRelayIgnoresExpiryByDefault(t *testing.T) {
	f := newFixture(t, HubOptions{})
	rm, err := f.reg.Create(time.Minute, "")
	if err != nil {
		t.Fatal(err)
	}
	tok, _, _ := f.codec.Issue(rm.ID)
	f.clk.Advance(time.Hour)

	f.dial(t, "/yjs/"+rm.ID+"?token="+url.QueryEscape(tok))
	waitFor(t, "sync admitted", func() bool { return f.hub.RelayConnections(KindSync) == 1 })
}

func TestSyncRelayChecksExpiryWhenEnabled(t *testing.T) {
	f := newFixture(t, HubOptions{CheckSyncExpiry: true})
	rm, err := f.reg.Create(time.Minute, "")
	if err != nil {
		t.Fatal(err)
	}
	tok, _, _ := f.codec.Issue(rm.ID)
	f.clk.Advance(time.Hour)

	c := f.dial(t, "/yjs/"+rm.ID+"?token="+url.QueryEscape(tok))
	_, _, err = readWithin(c, 5*time.Second)
	if ce := closeError(t, err); ce.Reason != ReasonRoomExpired {
		t.Errorf("reason = %q", ce.Reason)
	}
}

func TestSyncRelayForwardsBinaryVerbatim(t *testing.T) {
	f := newFixture(t, HubOptions{})
	room, tok := f.room(t)

	a := f.dial(t, "/yjs/"+room+"?token="+url.QueryEscape(tok))
	b := f.dial(t, "/yjs?room="+room+"&token="+url.QueryEscape(tok))
	waitFor(t, "two admitted", func() bool { return f.hub.RelayConnections(KindSync) == 2 })

	update := []byte{0x00, 0x01, 0xff, 0xfe, 0x80}
	write(t, a, websocket.MessageBinary, update)

	typ, got, err := readWithin(b, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if typ != websocket.MessageBinary || !bytes.Equal(got, update) {
		t.Errorf("got %v %x, want binary %x", typ, got, update)
	}
}

func TestSignalingResendsAsText(t *testing.T) {
	f := newFixture(t, HubOptions{})
	room, tok := f.room(t)

	a := f.dial(t, signalingPath(room, tok))
	b := f.dial(t, signalingPath(room, tok))
	waitFor(t, "two admitted", func() bool { return f.hub.RelayConnections(KindSignaling) == 2 })

	write(t, a, websocket.MessageBinary, []byte("hi\xff"))

	typ, got, err := readWithin(b, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if typ != websocket.MessageText {
		t.Errorf("type = %v, want text", typ)
	}
	if string(got) != "hi\uFFFD" {
		t.Errorf("payload = %q", got)
	}
}

func TestRelaysAreSeparate(t *testing.T) {
	f := newFixture(t, HubOptions{})
	room, tok := f.room(t)

	sig := f.dial(t, signalingPath(room, tok))
	yjs := f.dial(t, "/yjs/"+room+"?token="+url.QueryEscape(tok))
	waitFor(t, "both admitted", func() bool { return f.hub.Connections() == 2 })

	write(t, sig, websocket.MessageText, []byte(`{"type":"offer"}`))
	if _, got, err := readWithin(yjs, 150*time.Millisecond); err == nil {
		t.Errorf("signaling frame reached sync relay: %q", got)
	}
}

// lockstep sends numbered 64 KiB frames from sender, waiting for healthy to
// receive each one, until the hub drops a peer or the cap is reached
func lockstep(t *testing.T, f *fixture, sender, healthy *websocket.Conn) int {
	t.Helper()
	body := bytes.Repeat([]byte("x"), 64<<10)
	sent := 0
	for f.hub.RelayConnections(KindSignaling) == 3 {
		if sent == 4000 {
			t.Fatal("stalled peer was never dropped")
		}
		msg := append([]byte(fmt.Sprintf("%06d", sent)), body...)
		write(t, sender, websocket.MessageText, msg)
		_, got, err := readWithin(healthy, 5*time.Second)
		if err != nil {
			t.Fatalf("healthy peer read %d: %v", sent, err)
		}
		if !bytes.Equal(got, msg) {
			t.Fatalf("healthy peer got frame %.6s, want %06d", got, sent)
		}
		sent++
	}
	return sent
}

// drain reads from c until the connection ends and returns the final error
func drain(t *testing.T, c *websocket.Conn) error {
	t.Helper()
	for i := 0; ; i++ {
		if i > 10000 {
			t.Fatal("stalled peer never saw its connection end")
		}
		if _, _, err := readWithin(c, 5*time.Second); err != nil {
			return err
		}
	}
}

func TestSlowPeerIsDroppedAlone(t *testing.T) {
	f := newFixture(t, HubOptions{QueueSize: 8})
	room, tok := f.room(t)

	sender := f.dial(t, signalingPath(room, tok))
	healthy := f.dial(t, signalingPath(room, tok))
	stalled := f.dial(t, signalingPath(room, tok))
	healthy.SetReadLimit(1 << 20)
	stalled.SetReadLimit(1 << 20)
	waitFor(t, "three admitted", func() bool { return f.hub.RelayConnections(KindSignaling) == 3 })

	lockstep(t, f, sender, healthy)
	if n := f.hub.RelayConnections(KindSignaling); n != 2 {
		t.Fatalf("RelayConnections = %d, want 2", n)
	}

	for i := 0; i < 3; i++ {
		msg := []byte(fmt.Sprintf(`{"type":"after","n":%d}`, i))
		write(t, sender, websocket.MessageText, msg)
		if _, got, err := readWithin(healthy, 5*time.Second); err != nil || !bytes.Equal(got, msg) {
			t.Fatalf("healthy peer after drop: %q, %v", got, err)
		}
	}

	ce := closeError(t, drain(t, stalled))
	if ce.Code != websocket.StatusTryAgainLater || ce.Reason != reasonSlowConsumer {
		t.Errorf("close = %v %q, want 1013 %q", ce.Code, ce.Reason, reasonSlowConsumer)
	}
	if n := f.hub.RelayConnections(KindSignaling); n != 2 {
		t.Errorf("RelayConnections after close = %d, want 2", n)
	}
}

func TestWriteTimeoutDropsOnlyThatPeer(t *testing.T) {
	f := newFixture(t, HubOptions{QueueSize: 16384, WriteTimeout: 200 * time.Millisecond})
	room, tok := f.room(t)

	sender := f.dial(t, signalingPath(room, tok))
	healthy := f.dial(t, signalingPath(room, tok))
	stalled := f.dial(t, signalingPath(room, tok))
	healthy.SetReadLimit(1 << 20)
	stalled.SetReadLimit(1 << 20)
	waitFor(t, "three admitted", func() bool { return f.hub.RelayConnections(KindSignaling) == 3 })

	lockstep(t, f, sender, healthy)

	msg := []byte(`{"type":"still-here"}`)
	write(t, sender, websocket.MessageText, msg)
	if _, got, err := readWithin(healthy, 5*time.Second); err != nil || !bytes.Equal(got, msg) {
		t.Fatalf("healthy peer after drop: %q, %v", got, err)
	}

	err := drain(t, stalled)
	if websocket.CloseStatus(err) == websocket.StatusTryAgainLater {
		t.Errorf("write failure reported as a full queue: %v", err)
	}
	if n := f.hub.RelayConnections(KindSignaling); n != 2 {
		t.Errorf("RelayConnections = %d, want 2", n)
	}
}

func TestUnknownUpgradePathHangsUp(t *testing.T) {
	f := newFixture(t, HubOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, f.url+"/elsewhere", nil)
	if err == nil {
		_ = c.CloseNow()
		t.Fatal("dial to unknown path succeeded")
	}
}

func TestForgetOrphansConnections(t *testing.T) {
	f := newFixture(t, HubOptions{})
	room, tok := f.room(t)

	a := f.dial(t, signalingPath(room, tok))
	b := f.dial(t, signalingPath(room, tok))
	waitFor(t, "two admitted", func() bool { return f.hub.Connections() == 2 })

	f.hub.Forget(room)
	if n := f.hub.Connections(); n != 0 {
		t.Fatalf("Connections after Forget = %d", n)
	}

	write(t, a, websocket.MessageText, []byte(`{"type":"late"}`))
	if _, got, err := readWithin(b, 150*time.Millisecond); err == nil {
		t.Errorf("orphaned peer still received %q", got)
	}
}

func TestBusTraffic(t *testing.T) {
	f := newFixture(t, HubOptions{})
	room, tok := f.room(t)

	b := f.dial(t, signalingPath(room, tok))
	waitFor(t, "admitted", func() bool { return f.hub.Connections() == 1 })

	f.hub.fromBus(Envelope{Origin: "peer", Type: EnvelopeFrame, Relay: KindSignaling, RoomID: room, Payload: []byte(`{"type":"answer"}`)})
	_, got, err := readWithin(b, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"type":"answer"}` {
		t.Errorf("got %q", got)
	}

	now := f.clk.Now()
	remote := rooms.Room{ID: "REMOTE01", CreatedAt: now, ExpiresAt: now.Add(time.Hour), Creator: "elsewhere"}
	f.hub.fromBus(Envelope{Origin: "peer", Type: EnvelopeRoom, RoomID: remote.ID, Room: &remote})
	if _, ok := f.reg.Get("REMOTE01"); !ok {
		t.Error("announced room was not adopted")
	}

	f.hub.AnnounceRoom(context.Background(), remote)
	env := f.bus.published()
	if last := env[len(env)-1]; last.Type != EnvelopeRoom || last.Room == nil || last.Room.ID != "REMOTE01" {
		t.Errorf("announce envelope = %+v", last)
	}
}

func TestShutdownClosesWithGoingAway(t *testing.T) {
	f := newFixture(t, HubOptions{})
	room, tok := f.room(t)

	c := f.dial(t, signalingPath(room, tok))
	waitFor(t, "admitted", func() bool { return f.hub.Connections() == 1 })

	errc := make(chan error, 1)
	go func() {
		_, _, err := readWithin(c, 5*time.Second)
		errc <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := f.hub.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	ce := closeError(t, <-errc)
	if ce.Code != websocket.StatusGoingAway || ce.Reason != reasonShuttingDown {
		t.Errorf("close = %v %q", ce.Code, ce.Reason)
	}

	dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dcancel()
	if late, _, err := websocket.Dial(dctx, f.url+signalingPath(room, tok), nil); err == nil {
		_ = late.CloseNow()
		t.Error("upgrade accepted after shutdown")
	}
}

func TestAdmissionParams(t *testing.T) {
	cases := []struct {
		kind      Kind
		target    string
		room, tok string
	}{
		{KindSignaling, "/signaling?roomId=ABC&token=t", "ABC", "t"},
		{KindSync, "/yjs/ABC?token=t", "ABC", "t"},
		{KindSync, "/yjs/nested/ABC", "ABC", ""},
		{KindSync, "/yjs?room=ABC&token=t", "ABC", "t"},
		{KindSync, "/yjs", "", ""},
		{KindSync, "/yjs/", "", ""},
		{KindSync, "/yjs/?room=ABC", "", ""},
		{KindSync, "/yjs/ABC/", "", ""},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", tc.target, nil)
		room, tok := admissionParams(tc.kind, r)
		if room != tc.room || tok != tc.tok {
			t.Errorf("%s: got (%q, %q), want (%q, %q)", tc.target, room, tok, tc.room, tc.tok)
		}
	}
}

func TestRedisBusDecodeSkipsOwnOrigin(t *testing.T) {
	b := &RedisBus{log: slog.New(slog.NewTextHandler(io.Discard, nil)), origin: "me"}

	if _, ok := b.decode(`{"origin":"me","type":"frame","relay":"yjs","roomId":"R"}`); ok {
		t.Error("own envelope accepted")
	}
	if _, ok := b.decode(`{"origin":"other","type":"frame","relay":"yjs","roomId":"R","payload":"AQI="}`); !ok {
		t.Error("peer frame rejected")
	}
	if _, ok := b.decode(`{"origin":"other","type":"room","roomId":"R"}`); ok {
		t.Error("room envelope without room accepted")
	}
	if _, ok := b.decode(`not json`); ok {
		t.Error("garbage accepted")
	}

	if got := channelFor(Envelope{Type: EnvelopeFrame, Relay: KindSync, RoomID: "R"}); got != "relay:yjs:R" {
		t.Errorf("frame channel = %q", got)
	}
	if got := channelFor(Envelope{Type: EnvelopeRoom, RoomID: "R"}); got != roomsChannel {
		t.Errorf("room channel = %q", got)
	}
}
