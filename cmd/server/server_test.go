package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scribesync/scribesync/pkg/crdt"
	"github.com/scribesync/scribesync/pkg/room"
	"github.com/scribesync/scribesync/pkg/store"
	"github.com/scribesync/scribesync/pkg/wire"
)

func newTestServer(t *testing.T, handshakeTimeout time.Duration) (*httptest.Server, *store.SQLiteStore) {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.CreateDocument(context.Background(), "doc-1", "Notes", "alice", []string{"bob"}); err != nil {
		t.Fatal(err)
	}
	s := &server{
		registry:         room.NewRegistry(st, room.WithDebounce(50*time.Millisecond)),
		store:            st,
		auth:             st,
		verifier:         store.IdentityVerifier(),
		handshakeTimeout: handshakeTimeout,
		shutdown:         context.Background(),
	}
	ts := httptest.NewServer(s.routes())
	t.Cleanup(func() {
		ts.Close()
		_ = st.Close()
	})
	return ts, st
}

func dialSync(t *testing.T, ts *httptest.Server, docID, token, actor string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sync"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	hs, err := json.Marshal(wire.Handshake{DocumentID: docID, Token: token, ActorID: actor})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, hs); err != nil {
		t.Fatal(err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	f, err := wire.Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestSyncHandshakeAndConvergence(t *testing.T) {
	ts, _ := newTestServer(t, 2*time.Second)

	connA := dialSync(t, ts, "doc-1", "alice", "actor-a")
	docA := crdt.New("actor-a")
	if f := readFrame(t, connA); f.Kind != wire.KindUpdate || len(f.Ops) != 0 {
		t.Fatalf("unexpected initial frame %+v", f)
	}

	var ops []crdt.Op
	for i, r := range []rune("hi") {
		op, err := docA.ApplyLocalInsert(i, r)
		if err != nil {
			t.Fatal(err)
		}
		ops = append(ops, op)
	}
	if err := connA.WriteMessage(websocket.BinaryMessage, wire.EncodeUpdate(ops)); err != nil {
		t.Fatal(err)
	}

	// Give the server a moment to apply before the second joiner asks for
	// the full state.
	time.Sleep(200 * time.Millisecond)

	connB := dialSync(t, ts, "doc-1", "bob", "actor-b")
	docB := crdt.New("actor-b")
	f := readFrame(t, connB)
	if f.Kind != wire.KindUpdate {
		t.Fatalf("unexpected initial frame %+v", f)
	}
	for _, op := range f.Ops {
		if _, err := docB.ApplyRemote(op); err != nil {
			t.Fatal(err)
		}
	}
	if got := docB.Text(); got != "hi" {
		t.Fatalf("joiner state %q", got)
	}

	// Live fan-out: a's next edit reaches b.
	op, err := docA.ApplyLocalInsert(2, '!')
	if err != nil {
		t.Fatal(err)
	}
	if err := connA.WriteMessage(websocket.BinaryMessage, wire.EncodeUpdate([]crdt.Op{op})); err != nil {
		t.Fatal(err)
	}
	f = readFrame(t, connB)
	if f.Kind != wire.KindUpdate {
		t.Fatalf("got %+v, want update", f)
	}
	for _, op := range f.Ops {
		if _, err := docB.ApplyRemote(op); err != nil {
			t.Fatal(err)
		}
	}
	if got := docB.Text(); got != "hi!" {
		t.Fatalf("peer state %q", got)
	}

	// Presence flows on the same connection and is tagged separately.
	pf, err := wire.EncodePresence(wire.Presence{Actor: "actor-a", Name: "Ada", Counter: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := connA.WriteMessage(websocket.BinaryMessage, pf); err != nil {
		t.Fatal(err)
	}
	f = readFrame(t, connB)
	if f.Kind != wire.KindPresence || f.Presence.Name != "Ada" {
		t.Fatalf("got %+v, want Ada's presence", f)
	}
}

func TestSyncAuthDenied(t *testing.T) {
	ts, _ := newTestServer(t, 2*time.Second)
	conn := dialSync(t, ts, "doc-1", "mallory", "actor-m")
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("got %v, want policy violation close", err)
	}
}

func TestSyncUnknownDocumentDenied(t *testing.T) {
	ts, _ := newTestServer(t, 2*time.Second)
	conn := dialSync(t, ts, "doc-404", "alice", "actor-a")
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("got %v, want policy violation close", err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	ts, _ := newTestServer(t, 200*time.Millisecond)

	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sync"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Send nothing: the server must drop the connection once the
	// handshake window elapses, not hold it open indefinitely.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection still open after handshake window")
	}
}

func getLatest(t *testing.T, ts *httptest.Server, docID, token string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/documents/"+docID+"/latest", nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestGetLatest(t *testing.T) {
	ts, st := newTestServer(t, 2*time.Second)

	if code := getLatest(t, ts, "doc-1", ""); code != 401 {
		t.Fatalf("status %d without credentials, want 401", code)
	}
	if code := getLatest(t, ts, "doc-1", "mallory"); code != 403 {
		t.Fatalf("status %d for outsider, want 403", code)
	}
	if code := getLatest(t, ts, "doc-404", "alice"); code != 403 {
		t.Fatalf("status %d for unknown document, want 403", code)
	}
	if code := getLatest(t, ts, "doc-1", "alice"); code != 404 {
		t.Fatalf("status %d before first save, want 404", code)
	}

	d := crdt.New("a")
	if _, err := d.ApplyLocalInsert(0, 'x'); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveSnapshot(context.Background(), "doc-1", d.EncodeState()); err != nil {
		t.Fatal(err)
	}
	if code := getLatest(t, ts, "doc-1", "alice"); code != 200 {
		t.Fatalf("status %d after save, want 200", code)
	}
}
