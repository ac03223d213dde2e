package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"sightline/internal/state"
	"sightline/internal/store"
	"sightline/pkg/protocol"
)

// newTestServer spins up the real router and websocket handler backed by
// the in-memory gateway.
func newTestServer(t *testing.T, grace time.Duration) (*Server, *store.Memory, *httptest.Server) {
	t.Helper()
	mem := store.NewMemory()
	log := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelWarn}))
	s := newServer(state.NewManager(), mem, log, grace)
	s.routes()

	ts := httptest.NewServer(s.router)
	t.Cleanup(ts.Close)
	return s, mem, ts
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func wsURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	}
	return httpURL
}

// testConn is a raw protocol connection for driving the server in tests.
type testConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, ts *httptest.Server) *testConn {
	t.Helper()
	conn, _, err := websocket.Dial(context.Background(), wsURL(ts.URL)+"/ws", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return &testConn{t: t, conn: conn}
}

func (c *testConn) close() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "test close")
}

func (c *testConn) send(msgType string, payload any) {
	c.t.Helper()
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		c.t.Fatalf("marshal %s payload: %v", msgType, err)
	}
	raw, _ := json.Marshal(env)
	if err := c.conn.Write(context.Background(), websocket.MessageText, raw); err != nil {
		c.t.Fatalf("write %s failed: %v", msgType, err)
	}
}

func (c *testConn) join(userID, name, role string, available bool) {
	c.t.Helper()
	c.send(protocol.TypeJoin, protocol.Join{
		ID: userID, Name: name, Role: role, IsAvailable: available,
	})
}

// expect reads until a message of the wanted type arrives, skipping
// unrelated traffic, and unmarshals its payload into out.
func (c *testConn) expect(msgType string, out any) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.t.Fatalf("waiting for %s: %v", msgType, err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.t.Fatalf("bad frame while waiting for %s: %v", msgType, err)
		}
		if env.Type != msgType {
			continue
		}
		if out != nil {
			if err := json.Unmarshal(env.Data, out); err != nil {
				c.t.Fatalf("unmarshal %s payload: %v", msgType, err)
			}
		}
		return
	}
}

// expectNone asserts no message of the given type arrives within d.
func (c *testConn) expectNone(msgType string, d time.Duration) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return // timeout is the expected outcome
		}
		var env protocol.Envelope
		if json.Unmarshal(data, &env) == nil && env.Type == msgType {
			c.t.Fatalf("unexpected %s: %s", msgType, env.Data)
		}
	}
}

// eventually polls cond until it holds or the deadline passes; used for
// the detached persistence follow-ups.
func eventually(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", msg)
}
