// Package room hosts the live side of the sync engine: one Room per open
// document unites its replica with the connected sessions, the registry
// guarantees there is never more than one Room per document, and the
// coalescer turns bursts of edits into single snapshot writes.
package room

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/scribesync/scribesync/pkg/crdt"
	"github.com/scribesync/scribesync/pkg/wire"
)

// Room is the in-memory context for one open document. All replica and
// session-set mutation is serialized under mu; independent rooms share
// nothing.
type Room struct {
	DocID string

	reg      *Registry
	mu       sync.Mutex
	doc      *crdt.Doc
	sessions map[*Session]struct{}
	presence map[string]wire.Presence
}

func newRoom(reg *Registry, docID string, doc *crdt.Doc) *Room {
	return &Room{
		DocID:    docID,
		reg:      reg,
		doc:      doc,
		sessions: map[*Session]struct{}{},
		presence: map[string]wire.Presence{},
	}
}

// HandleFrame applies one raw frame received on behalf of sender and fans it
// out to the other sessions. A nil sender marks a frame relayed from another
// process; those are fanned out to every session and never re-published.
// Frame errors are local to the sender: the room state is never affected by
// a frame that does not decode.
func (r *Room) HandleFrame(ctx context.Context, sender *Session, frame []byte) error {
	f, err := wire.Decode(frame)
	if err != nil {
		return fmt.Errorf("dropping frame for %s: %w", r.DocID, err)
	}
	switch f.Kind {
	case wire.KindUpdate:
		return r.handleUpdate(ctx, sender, frame, f.Ops)
	case wire.KindPresence:
		r.handlePresence(ctx, sender, frame, *f.Presence)
	}
	return nil
}

func (r *Room) handleUpdate(ctx context.Context, sender *Session, frame []byte, ops []crdt.Op) error {
	r.mu.Lock()
	applied := false
	for _, op := range ops {
		ok, err := r.doc.ApplyRemote(op)
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("dropping update for %s: %w", r.DocID, err)
		}
		applied = applied || ok
	}
	peers := r.peersLocked(sender)
	r.mu.Unlock()

	// Duplicate deliveries stop here; forwarding them would bounce frames
	// between bridged processes forever.
	if !applied {
		return nil
	}
	for _, p := range peers {
		p.deliver(frame)
	}
	r.reg.coalescer.Schedule(r)
	r.publish(ctx, sender, frame)
	return nil
}

func (r *Room) handlePresence(ctx context.Context, sender *Session, frame []byte, p wire.Presence) {
	// Each actor owns its record exclusively; a session reporting someone
	// else's cursor is ignored.
	if sender != nil && p.Actor != sender.Actor {
		slog.Warn("dropping presence for foreign actor", "doc", r.DocID, "session", sender.ID, "actor", p.Actor)
		return
	}
	r.mu.Lock()
	if cur, ok := r.presence[p.Actor]; ok && p.Counter <= cur.Counter {
		r.mu.Unlock()
		return
	}
	if p.Left {
		delete(r.presence, p.Actor)
	} else {
		r.presence[p.Actor] = p
	}
	peers := r.peersLocked(sender)
	r.mu.Unlock()

	for _, peer := range peers {
		peer.deliver(frame)
	}
	r.publish(ctx, sender, frame)
}

func (r *Room) publish(ctx context.Context, sender *Session, frame []byte) {
	if sender == nil || r.reg.relay == nil {
		return
	}
	if err := r.reg.relay.Publish(ctx, r.DocID, frame); err != nil {
		slog.Error("failed to publish frame to relay", "doc", r.DocID, "err", err)
	}
}

// StateFrame encodes the full replica as an update frame, used as the
// handshake response to bring a joining client up to date.
func (r *Room) StateFrame() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return wire.EncodeUpdate(r.doc.Ops())
}

// PresenceFrames returns the current presence records as encoded frames so a
// joining client sees existing cursors immediately.
func (r *Room) PresenceFrames() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	frames := make([][]byte, 0, len(r.presence))
	for _, p := range r.presence {
		frame, err := wire.EncodePresence(p)
		if err != nil {
			continue
		}
		frames = append(frames, frame)
	}
	return frames
}

// Text materializes the room's current document content.
func (r *Room) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Text()
}

// SnapshotState returns the durable encoding of the current replica.
func (r *Room) SnapshotState() []byte {
	data, _ := r.snapshot()
	return data
}

// snapshot returns the durable form of the replica together with its
// version, read atomically.
func (r *Room) snapshot() ([]byte, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.EncodeState(), r.doc.Version()
}

func (r *Room) attach(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s] = struct{}{}
}

func (r *Room) detach(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s)
}

func (r *Room) empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions) == 0
}

// broadcastLeave clears the departed actor's presence record and tells the
// remaining peers to drop its cursor.
func (r *Room) broadcastLeave(ctx context.Context, actor string) {
	r.mu.Lock()
	cur := r.presence[actor]
	delete(r.presence, actor)
	peers := r.peersLocked(nil)
	r.mu.Unlock()

	frame, err := wire.EncodePresence(wire.Presence{Actor: actor, Counter: cur.Counter + 1, Left: true})
	if err != nil {
		return
	}
	for _, p := range peers {
		p.deliver(frame)
	}
	if r.reg.relay != nil {
		if err := r.reg.relay.Publish(ctx, r.DocID, frame); err != nil {
			slog.Error("failed to publish frame to relay", "doc", r.DocID, "err", err)
		}
	}
}

// peersLocked copies the session set minus the sender; delivery happens
// outside the room lock.
func (r *Room) peersLocked(sender *Session) []*Session {
	peers := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		if s != sender {
			peers = append(peers, s)
		}
	}
	return peers
}
