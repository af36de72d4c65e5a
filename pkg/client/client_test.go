package client

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coedit-dev/coedit/pkg/crdt"
	"github.com/coedit-dev/coedit/pkg/server"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T) string {
	_, url := startServerWithHandle(t)
	return url
}

func startServerWithHandle(t *testing.T) (*server.Server, string) {
	t.Helper()
	srv := server.New(nil,
		server.WithRegisterer(prometheus.NewRegistry()),
		server.WithLogger(discardLogger()),
	)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/sync"
}

func newProvider(t *testing.T, url, room string, clientID uint64) *Provider {
	t.Helper()
	p := New(Config{
		URL:            url,
		Room:           room,
		InitialBackoff: 50 * time.Millisecond,
	},
		WithLogger(discardLogger()),
		WithDoc(crdt.NewDoc(crdt.WithClientID(clientID))),
	)
	t.Cleanup(p.Close)
	return p
}

func waitSynced(t *testing.T, p *Provider) {
	t.Helper()
	select {
	case <-p.Synced():
	case <-time.After(3 * time.Second):
		t.Fatal("provider did not sync in time")
	}
}

func waitForText(t *testing.T, p *Provider, name, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		var got string
		p.Transact(func(doc *crdt.Doc) {
			got = doc.Text(name).String()
		})
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("text = %q, want %q", got, want)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestTwoProvidersConverge(t *testing.T) {
	url := startServer(t)

	p1 := newProvider(t, url, "room", 1)
	p1.Connect()
	waitSynced(t, p1)

	p1.Transact(func(doc *crdt.Doc) {
		doc.Text("content").Insert(0, "abc")
	})

	p2 := newProvider(t, url, "room", 2)
	p2.Connect()
	waitSynced(t, p2)
	waitForText(t, p2, "content", "abc")

	p2.Transact(func(doc *crdt.Doc) {
		doc.Text("content").Insert(3, "def")
	})
	waitForText(t, p1, "content", "abcdef")
}

func TestEditsBeforeConnectAreQueued(t *testing.T) {
	url := startServer(t)

	p1 := newProvider(t, url, "queued", 1)
	p1.Transact(func(doc *crdt.Doc) {
		doc.Text("content").Insert(0, "offline")
	})
	p1.Connect()
	waitSynced(t, p1)

	p2 := newProvider(t, url, "queued", 2)
	p2.Connect()
	waitForText(t, p2, "content", "offline")
}

func TestProviderRetriesUntilServerAppears(t *testing.T) {
	// Reserve an address, release it, and bring the server up only after
	// the provider has started dialing.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	p := newProvider(t, "ws://"+addr+"/sync", "late", 1)
	p.Connect()

	time.Sleep(200 * time.Millisecond)

	srv := server.New(nil,
		server.WithRegisterer(prometheus.NewRegistry()),
		server.WithLogger(discardLogger()),
	)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Skipf("could not rebind %s: %v", addr, err)
	}
	hs := &http.Server{Handler: srv.Handler()}
	go hs.Serve(ln)
	t.Cleanup(func() { hs.Close() })

	waitSynced(t, p)
}

func TestCloseStopsReconnecting(t *testing.T) {
	srv, url := startServerWithHandle(t)

	p := newProvider(t, url, "bye", 1)
	p.Connect()
	waitSynced(t, p)

	p.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Registry().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session was not released after Close")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A closed provider must not dial back in.
	time.Sleep(300 * time.Millisecond)
	if srv.Registry().Len() != 0 {
		t.Error("provider reconnected after Close")
	}
}

func TestAwarenessRoundTrip(t *testing.T) {
	url := startServer(t)

	p1 := newProvider(t, url, "aw", 1)
	p1.Connect()
	waitSynced(t, p1)
	p2 := newProvider(t, url, "aw", 2)
	p2.Connect()
	waitSynced(t, p2)

	p1.SetAwarenessState(json.RawMessage(`{"name":"alice","cursor":3}`))

	deadline := time.Now().Add(3 * time.Second)
	for {
		states := p2.AwarenessStates()
		if s, ok := states[1]; ok {
			if !strings.Contains(string(s), "alice") {
				t.Fatalf("state[1] = %s, want alice", s)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("awareness state did not propagate")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
