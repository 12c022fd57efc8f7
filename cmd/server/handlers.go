package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/scribesync/scribesync/pkg/room"
	"github.com/scribesync/scribesync/pkg/store"
	"github.com/scribesync/scribesync/pkg/wire"
)

type server struct {
	registry         *room.Registry
	store            store.Store
	auth             store.Authorizer
	verifier         store.TokenVerifier
	handshakeTimeout time.Duration
	shutdown         context.Context
}

func (s *server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/documents/{doc}/latest").HandlerFunc(s.getLatest)
	r.Methods(http.MethodGet).Path("/sync").HandlerFunc(s.sync)
	return r
}

// getLatest serves the current merged state of a document: the live replica
// when a room is resident, the durable snapshot otherwise. The same
// credential check as the sync handshake applies, carried as a bearer token.
func (s *server) getLatest(writer http.ResponseWriter, request *http.Request) {
	docID := mux.Vars(request)["doc"]
	token := strings.TrimPrefix(request.Header.Get("Authorization"), "Bearer ")
	userID, err := s.verifier.Verify(request.Context(), token)
	if err != nil {
		writer.WriteHeader(http.StatusUnauthorized)
		return
	}
	role, err := s.auth.Authorize(request.Context(), userID, docID)
	if err != nil {
		slog.Error("authorization check failed", "doc", docID, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	if role == store.RoleDenied {
		writer.WriteHeader(http.StatusForbidden)
		return
	}
	var content []byte
	if rm, ok := s.registry.Peek(docID); ok {
		content = rm.SnapshotState()
	} else {
		snap, err := s.store.LoadSnapshot(request.Context(), docID)
		if errors.Is(err, store.ErrNotFound) {
			writer.WriteHeader(http.StatusNotFound)
			return
		} else if err != nil {
			slog.Error("failed to load snapshot", "doc", docID, "err", err)
			writer.WriteHeader(http.StatusInternalServerError)
			return
		}
		content = snap.Content
	}
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(content); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

// sync is the single upgrade endpoint serving every document; the handshake
// payload selects the room.
func (s *server) sync(writer http.ResponseWriter, request *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	hs, err := s.readHandshake(conn)
	if err != nil {
		slog.Warn("handshake failed", "err", err)
		return
	}
	userID, err := s.verifier.Verify(request.Context(), hs.Token)
	if err != nil {
		s.reject(conn, "unauthorized")
		return
	}
	role, err := s.auth.Authorize(request.Context(), userID, hs.DocumentID)
	if err != nil {
		slog.Error("authorization check failed", "doc", hs.DocumentID, "err", err)
		s.reject(conn, "unauthorized")
		return
	}
	if role == store.RoleDenied {
		s.reject(conn, "unauthorized")
		return
	}

	sess := room.NewSession(userID)
	if hs.ActorID != "" {
		sess.Actor = hs.ActorID
	}
	rm, err := s.registry.Join(request.Context(), hs.DocumentID, sess)
	if err != nil {
		slog.Error("failed to join room", "doc", hs.DocumentID, "err", err)
		return
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.registry.Leave(ctx, hs.DocumentID, sess)
	}()

	// First frame out is always the full state, then the current cursors.
	if err := conn.WriteMessage(websocket.BinaryMessage, rm.StateFrame()); err != nil {
		slog.Error("failed to send initial state", "doc", hs.DocumentID, "err", err)
		return
	}
	for _, frame := range rm.PresenceFrames() {
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			slog.Error("failed to send presence", "doc", hs.DocumentID, "err", err)
			return
		}
	}

	go s.writePump(conn, sess)
	s.readPump(conn, rm, sess)
}

func (s *server) readHandshake(conn *websocket.Conn) (*wire.Handshake, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout)); err != nil {
		return nil, err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var hs wire.Handshake
	if err := json.Unmarshal(raw, &hs); err != nil {
		return nil, err
	}
	if hs.DocumentID == "" {
		return nil, errors.New("handshake without document id")
	}
	return &hs, conn.SetReadDeadline(time.Time{})
}

func (s *server) reject(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// readPump applies inbound frames until the connection drops. Loss of the
// connection is the only termination signal; a bad frame is logged and the
// session carries on.
func (s *server) readPump(conn *websocket.Conn, rm *room.Room, sess *room.Session) {
	for {
		mt, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if err := rm.HandleFrame(s.shutdown, sess, frame); err != nil {
			slog.Warn(err.Error(), "session", sess.ID)
		}
	}
}

// writePump forwards room broadcasts to the peer.
func (s *server) writePump(conn *websocket.Conn, sess *room.Session) {
	defer conn.Close()
	for {
		select {
		case frame := <-sess.Frames():
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-sess.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		case <-s.shutdown.Done():
			return
		}
	}
}
