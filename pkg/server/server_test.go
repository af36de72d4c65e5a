package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/coedit-dev/coedit/pkg/awareness"
	"github.com/coedit-dev/coedit/pkg/crdt"
	"github.com/coedit-dev/coedit/pkg/protocol"
	"github.com/coedit-dev/coedit/pkg/storage"
)

func newTestServer(t *testing.T, cfg *Config, opts ...Option) (*Server, string) {
	t.Helper()
	opts = append(opts,
		WithRegisterer(prometheus.NewRegistry()),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	srv := New(cfg, opts...)
	srv.syncHub.Start()
	srv.messageHub.Start()

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.syncHub.Stop()
		srv.messageHub.Stop()
	})
	return srv, ts.URL
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// syncClient is a minimal protocol peer for exercising the sync endpoint.
type syncClient struct {
	t   *testing.T
	ws  *websocket.Conn
	doc *crdt.Doc
}

func dialSync(t *testing.T, httpURL, room string, clientID uint64) *syncClient {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(httpURL)+"/sync?roomId="+room, nil)
	if err != nil {
		t.Fatalf("dial sync: %v", err)
	}
	c := &syncClient{t: t, ws: ws, doc: crdt.NewDoc(crdt.WithClientID(clientID))}
	t.Cleanup(func() { ws.Close() })
	return c
}

func (c *syncClient) send(frame []byte) {
	c.t.Helper()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		c.t.Fatalf("write frame: %v", err)
	}
}

func (c *syncClient) readFrame(wait time.Duration) ([]byte, error) {
	c.ws.SetReadDeadline(time.Now().Add(wait))
	_, frame, err := c.ws.ReadMessage()
	return frame, err
}

// handshake consumes the server's opening state vector and answers with the
// updates the server is missing, if any.
func (c *syncClient) handshake() {
	c.t.Helper()
	frame, err := c.readFrame(2 * time.Second)
	if err != nil {
		c.t.Fatalf("read handshake frame: %v", err)
	}
	d := protocol.NewDecoder(frame)
	mt, err := protocol.ReadMessageType(d)
	if err != nil || mt != protocol.MessageSync {
		c.t.Fatalf("handshake frame type = %v, err %v", mt, err)
	}
	step, body, err := protocol.ReadSyncStep(d)
	if err != nil || step != protocol.SyncStep1 {
		c.t.Fatalf("handshake step = %v, err %v", step, err)
	}
	remote, err := crdt.DecodeVector(body)
	if err != nil {
		c.t.Fatalf("decode server vector: %v", err)
	}
	if diff := c.doc.EncodeDiff(remote); diff != nil {
		c.send(protocol.EncodeSyncStep2(diff))
	}
}

// push sends the client's full state as an update; the server drops what it
// already has.
func (c *syncClient) push() {
	c.t.Helper()
	if u := c.doc.EncodeStateAsUpdate(); u != nil {
		c.send(protocol.EncodeSyncUpdate(u))
	}
}

// tryPull asks the server for its state and applies the reply. Returns false
// when no reply arrives within the wait, which is also what a fully caught-up
// peer observes.
func (c *syncClient) tryPull(wait time.Duration) bool {
	c.t.Helper()
	c.send(protocol.EncodeSyncStep1(c.doc.EncodeStateVector()))
	deadline := time.Now().Add(wait)
	for {
		frame, err := c.readFrame(time.Until(deadline))
		if err != nil {
			return false
		}
		d := protocol.NewDecoder(frame)
		mt, err := protocol.ReadMessageType(d)
		if err != nil {
			c.t.Fatalf("read frame type: %v", err)
		}
		if mt != protocol.MessageSync {
			continue
		}
		step, body, err := protocol.ReadSyncStep(d)
		if err != nil {
			c.t.Fatalf("read sync step: %v", err)
		}
		if step != protocol.SyncStep2 {
			continue
		}
		if err := c.doc.ApplyUpdate(body, nil); err != nil {
			c.t.Fatalf("apply pulled update: %v", err)
		}
		return true
	}
}

// pullUntil polls the server until the condition holds or the deadline
// passes.
func (c *syncClient) pullUntil(timeout time.Duration, cond func() bool) {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		c.tryPull(200 * time.Millisecond)
	}
	if !cond() {
		c.t.Fatal("condition not reached before deadline")
	}
}

// readAwareness skips frames until an awareness update arrives and returns
// its body.
func (c *syncClient) readAwareness(wait time.Duration) []byte {
	c.t.Helper()
	deadline := time.Now().Add(wait)
	for {
		frame, err := c.readFrame(time.Until(deadline))
		if err != nil {
			c.t.Fatalf("read awareness frame: %v", err)
		}
		d := protocol.NewDecoder(frame)
		mt, err := protocol.ReadMessageType(d)
		if err != nil {
			c.t.Fatalf("read frame type: %v", err)
		}
		if mt != protocol.MessageAwareness {
			continue
		}
		body, err := protocol.ReadAwareness(d)
		if err != nil {
			c.t.Fatalf("read awareness body: %v", err)
		}
		return body
	}
}

func TestSyncRejectsMissingRoom(t *testing.T) {
	_, url := newTestServer(t, nil)

	resp, err := http.Get(url + "/sync")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestUnknownPathNotFound(t *testing.T) {
	_, url := newTestServer(t, nil)

	resp, err := http.Get(url + "/nowhere")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestConcurrentEditsConverge(t *testing.T) {
	_, url := newTestServer(t, nil)

	a := dialSync(t, url, "room1", 1)
	a.handshake()
	b := dialSync(t, url, "room1", 2)
	b.handshake()

	// Both edit the same empty position without seeing each other first.
	a.doc.Text("content").Insert(0, "hello")
	b.doc.Text("content").Insert(0, "world")
	a.push()
	b.push()

	reader := dialSync(t, url, "room1", 3)
	reader.handshake()
	reader.pullUntil(3*time.Second, func() bool {
		return reader.doc.Text("content").String() == "helloworld"
	})
}

func TestStep2SuppressedWhenCaughtUp(t *testing.T) {
	_, url := newTestServer(t, nil)

	c := dialSync(t, url, "quiet", 1)
	c.handshake()

	c.send(protocol.EncodeSyncStep1(c.doc.EncodeStateVector()))
	if _, err := c.readFrame(300 * time.Millisecond); err == nil {
		t.Fatal("caught-up peer should get no reply")
	}
}

func TestBroadcastSkipsOrigin(t *testing.T) {
	_, url := newTestServer(t, nil)

	a := dialSync(t, url, "bc", 1)
	a.handshake()
	b := dialSync(t, url, "bc", 2)
	b.handshake()

	a.doc.Text("content").Insert(0, "x")
	a.push()

	// b receives the update as a broadcast without asking.
	deadline := time.Now().Add(2 * time.Second)
	for b.doc.Text("content").String() != "x" {
		frame, err := b.readFrame(time.Until(deadline))
		if err != nil {
			t.Fatalf("broadcast did not arrive: %v", err)
		}
		d := protocol.NewDecoder(frame)
		mt, _ := protocol.ReadMessageType(d)
		if mt != protocol.MessageSync {
			continue
		}
		step, body, err := protocol.ReadSyncStep(d)
		if err != nil || step != protocol.SyncUpdate {
			t.Fatalf("unexpected frame step %v, err %v", step, err)
		}
		if err := b.doc.ApplyUpdate(body, nil); err != nil {
			t.Fatalf("apply broadcast: %v", err)
		}
	}

	// The origin gets nothing back.
	if _, err := a.readFrame(300 * time.Millisecond); err == nil {
		t.Fatal("origin should not receive its own update")
	}
}

func TestAwarenessOwnershipAndDeparture(t *testing.T) {
	_, url := newTestServer(t, nil)

	a := dialSync(t, url, "aw", 1)
	a.handshake()
	b := dialSync(t, url, "aw", 2)
	b.handshake()

	awA := awareness.New()
	ch := awA.SetState(7, json.RawMessage(`{"name":"alice"}`))
	a.send(protocol.EncodeAwareness(awA.EncodeUpdate(ch.Touched())))

	awB := awareness.New()
	if _, err := awB.ApplyUpdate(b.readAwareness(2 * time.Second)); err != nil {
		t.Fatalf("apply awareness broadcast: %v", err)
	}
	state, ok := awB.States()[7]
	if !ok || !strings.Contains(string(state), "alice") {
		t.Fatalf("state[7] = %s, want alice", state)
	}

	// b tries to overwrite a client id owned by a's connection. Every
	// entry is foreign, so nothing applies and the next awareness
	// broadcast b sees is a's departure.
	hijack := awareness.New()
	hijack.SetState(7, json.RawMessage(`{"name":"x"}`))
	hch := hijack.SetState(7, json.RawMessage(`{"name":"mallory"}`))
	b.send(protocol.EncodeAwareness(hijack.EncodeUpdate(hch.Touched())))

	a.ws.Close()

	if _, err := awB.ApplyUpdate(b.readAwareness(2 * time.Second)); err != nil {
		t.Fatalf("apply departure: %v", err)
	}
	if _, ok := awB.States()[7]; ok {
		t.Error("client 7 should have departed with its connection")
	}
}

func TestAwarenessMixedFrameAppliesOwnedEntries(t *testing.T) {
	_, url := newTestServer(t, nil)

	a := dialSync(t, url, "awmix", 1)
	a.handshake()
	b := dialSync(t, url, "awmix", 2)
	b.handshake()

	awA := awareness.New()
	ch := awA.SetState(7, json.RawMessage(`{"name":"alice"}`))
	a.send(protocol.EncodeAwareness(awA.EncodeUpdate(ch.Touched())))

	// Both peers see the broadcast; a's copy is its own echo.
	awB := awareness.New()
	if _, err := awB.ApplyUpdate(b.readAwareness(2 * time.Second)); err != nil {
		t.Fatalf("apply broadcast: %v", err)
	}
	if _, err := awA.ApplyUpdate(a.readAwareness(2 * time.Second)); err != nil {
		t.Fatalf("apply echo: %v", err)
	}

	// One frame from b touches a foreign id and its own. The foreign entry
	// is rejected; its own still applies and broadcasts.
	mixed := awareness.New()
	mixed.SetState(7, json.RawMessage(`{"name":"x"}`))
	mixed.SetState(7, json.RawMessage(`{"name":"mallory"}`))
	mixed.SetState(9, json.RawMessage(`{"name":"bob"}`))
	b.send(protocol.EncodeAwareness(mixed.EncodeUpdate([]uint64{7, 9})))

	if _, err := awA.ApplyUpdate(a.readAwareness(2 * time.Second)); err != nil {
		t.Fatalf("apply broadcast: %v", err)
	}
	state, ok := awA.States()[9]
	if !ok || !strings.Contains(string(state), "bob") {
		t.Fatalf("state[9] = %s, want bob", state)
	}
	if state := awA.States()[7]; !strings.Contains(string(state), "alice") {
		t.Fatalf("state[7] = %s, want alice untouched", state)
	}
}

func TestStateSurvivesSessionEviction(t *testing.T) {
	store := storage.NewMemoryStore()
	srv, url := newTestServer(t, nil, WithStore(store))

	a := dialSync(t, url, "durable", 1)
	a.handshake()
	a.doc.Text("content").Insert(0, "hi")
	a.push()

	// Confirm the server applied the edit before disconnecting.
	probe := dialSync(t, url, "durable", 2)
	probe.handshake()
	probe.pullUntil(3*time.Second, func() bool {
		return probe.doc.Text("content").String() == "hi"
	})

	a.ws.Close()
	probe.ws.Close()

	deadline := time.Now().Add(3 * time.Second)
	for srv.Registry().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session was not evicted after last disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A fresh session reconstructs the document from the store.
	b := dialSync(t, url, "durable", 3)
	b.handshake()
	b.pullUntil(3*time.Second, func() bool {
		return b.doc.Text("content").String() == "hi"
	})
}

func TestStaleReconnectReceivesDelete(t *testing.T) {
	store := storage.NewMemoryStore()
	srv, url := newTestServer(t, nil, WithStore(store))

	a := dialSync(t, url, "gcdoc", 1)
	a.handshake()
	a.doc.Text("content").Insert(0, "ab")
	a.push()

	// b catches up, then goes offline before the delete happens.
	b := dialSync(t, url, "gcdoc", 2)
	b.handshake()
	b.pullUntil(3*time.Second, func() bool {
		return b.doc.Text("content").String() == "ab"
	})
	b.ws.Close()

	a.doc.Text("content").Delete(1, 1)
	a.push()
	a.ws.Close()

	deadline := time.Now().Add(3 * time.Second)
	for srv.Registry().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session was not evicted after last disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// b reconnects with its stale replica against the reloaded session and
	// must still learn of the delete.
	b2 := dialSync(t, url, "gcdoc", 2)
	b2.doc = b.doc
	b2.handshake()
	b2.pullUntil(3*time.Second, func() bool {
		return b2.doc.Text("content").String() == "a"
	})
}

// gatedStore delays Load until released, standing in for a slow backend.
type gatedStore struct {
	storage.Store
	release chan struct{}
}

func (g *gatedStore) Load(ctx context.Context, docID string) ([]byte, [][]byte, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	return g.Store.Load(ctx, docID)
}

func TestConnClosedDuringLoadIsUnbound(t *testing.T) {
	gate := &gatedStore{Store: storage.NewMemoryStore(), release: make(chan struct{})}
	cfg := DefaultConfig().WithHeartbeat(25*time.Millisecond, 25*time.Millisecond)
	srv, url := newTestServer(t, cfg, WithStore(gate))

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(url)+"/sync?roomId=slow", nil)
	if err != nil {
		t.Fatalf("dial sync: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for srv.Registry().Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("session was not created")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The client disconnects while the handshake still waits on the load.
	ws.Close()
	deadline = time.Now().Add(2 * time.Second)
	for srv.syncHub.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("hub did not evict the closed connection")
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(gate.release)
	deadline = time.Now().Add(2 * time.Second)
	for srv.Registry().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session leaked after its only connection closed during load")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHeartbeatEvictsSilentClient(t *testing.T) {
	cfg := DefaultConfig().WithHeartbeat(50*time.Millisecond, 50*time.Millisecond)
	srv, url := newTestServer(t, cfg)

	c := dialSync(t, url, "hb", 1)
	c.handshake()
	if srv.Registry().Len() != 1 {
		t.Fatal("session should exist while the client is connected")
	}

	// The client stops reading, so its ping handler never answers probes.
	deadline := time.Now().Add(3 * time.Second)
	for srv.Registry().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("silent client was not evicted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type relayClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialRelay(t *testing.T, httpURL, room, user string) *relayClient {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(
		wsURL(httpURL)+"/message?roomId="+room+"&userId="+user, nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return &relayClient{t: t, ws: ws}
}

func (c *relayClient) send(msg RelayMessage) {
	c.t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		c.t.Fatalf("marshal relay message: %v", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("write relay message: %v", err)
	}
}

func (c *relayClient) read(wait time.Duration) (RelayMessage, error) {
	c.ws.SetReadDeadline(time.Now().Add(wait))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return RelayMessage{}, err
	}
	var msg RelayMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.t.Fatalf("unmarshal relay message: %v", err)
	}
	return msg, nil
}

func TestRelayRouting(t *testing.T) {
	_, url := newTestServer(t, nil)

	u1 := dialRelay(t, url, "r1", "u1")
	u2 := dialRelay(t, url, "r1", "u2")
	u3 := dialRelay(t, url, "r2", "u3")

	// Direct message to a user list.
	u1.send(RelayMessage{Event: "ping", To: []string{"u2"}})
	got, err := u2.read(2 * time.Second)
	if err != nil {
		t.Fatalf("u2 read: %v", err)
	}
	if got.Event != "ping" || got.From != "u1" {
		t.Errorf("u2 got event=%q from=%q, want ping from u1", got.Event, got.From)
	}

	// Default routing targets the sender's own room, sender included.
	u2.send(RelayMessage{Event: "hello", Data: json.RawMessage(`{"n":1}`)})
	got, err = u1.read(2 * time.Second)
	if err != nil {
		t.Fatalf("u1 read: %v", err)
	}
	if got.Event != "hello" || got.From != "u2" {
		t.Errorf("u1 got event=%q from=%q, want hello from u2", got.Event, got.From)
	}

	// Another room stays quiet.
	if _, err := u3.read(300 * time.Millisecond); err == nil {
		t.Error("u3 should not receive messages for room r1")
	}
}

func TestRelayExplicitRoom(t *testing.T) {
	_, url := newTestServer(t, nil)

	u1 := dialRelay(t, url, "r1", "u1")
	u2 := dialRelay(t, url, "r2", "u2")

	u1.send(RelayMessage{Event: "cross", Room: "r2"})
	got, err := u2.read(2 * time.Second)
	if err != nil {
		t.Fatalf("u2 read: %v", err)
	}
	if got.Event != "cross" || got.From != "u1" {
		t.Errorf("u2 got event=%q from=%q, want cross from u1", got.Event, got.From)
	}
}
