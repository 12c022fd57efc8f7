package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scribesync/scribesync/pkg/crdt"
	"github.com/scribesync/scribesync/pkg/store"
)

// DefaultDebounce is how long the coalescer waits after the last edit before
// writing a snapshot.
const DefaultDebounce = 2 * time.Second

// Relay fans frames out to other processes serving the same documents. The
// redis bridge implements it; a single-process deployment runs without one.
type Relay interface {
	Publish(ctx context.Context, docID string, frame []byte) error
	Subscribe(docID string, deliver func(frame []byte)) error
	Unsubscribe(docID string)
}

// Registry is the process-wide map from document id to live Room. Find-or-
// create is atomic: two simultaneous joins for one document always share a
// single Room and replica.
type Registry struct {
	store     store.Store
	coalescer *Coalescer
	relay     Relay

	mu    sync.Mutex // guards rooms; held across the first-join snapshot load
	rooms map[string]*Room
}

// Option configures a Registry.
type Option func(*Registry)

// WithDebounce overrides the snapshot debounce delay.
func WithDebounce(d time.Duration) Option {
	return func(g *Registry) { g.coalescer.delay = d }
}

// WithRelay attaches a cross-process frame relay.
func WithRelay(r Relay) Option {
	return func(g *Registry) { g.relay = r }
}

// NewRegistry builds a registry persisting through st.
func NewRegistry(st store.Store, opts ...Option) *Registry {
	g := &Registry{
		store: st,
		rooms: map[string]*Room{},
	}
	g.coalescer = newCoalescer(st, DefaultDebounce)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Join attaches a session to the document's Room, creating the Room from the
// last durable snapshot when it is the first session in.
func (g *Registry) Join(ctx context.Context, docID string, s *Session) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[docID]
	if !ok {
		doc := crdt.New(uuid.NewString())
		snap, err := g.store.LoadSnapshot(ctx, docID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// first ever open, start empty
		case err != nil:
			return nil, fmt.Errorf("failed to load snapshot for %s: %w", docID, err)
		default:
			if err := doc.Merge(snap.Content); err != nil {
				return nil, fmt.Errorf("failed to restore snapshot for %s: %w", docID, err)
			}
		}
		r = newRoom(g, docID, doc)
		g.rooms[docID] = r
		g.coalescer.track(r, doc.Version())
		if g.relay != nil {
			if err := g.relay.Subscribe(docID, func(frame []byte) {
				if err := r.HandleFrame(context.Background(), nil, frame); err != nil {
					slog.Error("failed to apply relayed frame", "doc", docID, "err", err)
				}
			}); err != nil {
				slog.Error("failed to subscribe to relay", "doc", docID, "err", err)
			}
		}
		slog.Info("room created", "doc", docID)
	}
	r.attach(s)
	slog.Info("session joined", "doc", docID, "session", s.ID, "user", s.UserID)
	return r, nil
}

// Leave detaches a session. When the last session leaves, the Room is
// flushed synchronously and evicted; the in-memory state is only discarded
// once it is durable.
func (g *Registry) Leave(ctx context.Context, docID string, s *Session) {
	g.mu.Lock()
	r, ok := g.rooms[docID]
	if !ok {
		g.mu.Unlock()
		return
	}
	r.detach(s)
	empty := r.empty()
	g.mu.Unlock()

	s.Close()
	r.broadcastLeave(ctx, s.Actor)
	slog.Info("session left", "doc", docID, "session", s.ID)

	if !empty {
		return
	}
	if err := g.coalescer.FlushSync(ctx, r); err != nil {
		// The room stays resident so the edits survive for the next flush.
		slog.Error("failed to flush room at eviction", "doc", docID, "err", err)
		return
	}
	g.mu.Lock()
	if r.empty() && g.rooms[docID] == r {
		delete(g.rooms, docID)
		g.coalescer.forget(docID)
		if g.relay != nil {
			g.relay.Unsubscribe(docID)
		}
		slog.Info("room evicted", "doc", docID)
	}
	g.mu.Unlock()
}

// Peek returns the resident room for a document, if any, without creating
// one.
func (g *Registry) Peek(docID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[docID]
	return r, ok
}

// Rooms reports how many rooms are resident.
func (g *Registry) Rooms() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Close flushes every resident room. Called at process shutdown after the
// transports have been closed.
func (g *Registry) Close(ctx context.Context) error {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.Unlock()

	var firstErr error
	for _, r := range rooms {
		if err := g.coalescer.FlushSync(ctx, r); err != nil {
			slog.Error("failed to flush room at shutdown", "doc", r.DocID, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
