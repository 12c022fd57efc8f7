package room

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scribesync/scribesync/pkg/store"
)

// flushTimeout bounds a single background snapshot write.
const flushTimeout = 10 * time.Second

// Coalescer is the single debounce point for snapshot writes. Every applied
// operation schedules a flush; bursts within the delay window collapse into
// one write, and no document ever has two writes in flight at once.
type Coalescer struct {
	store store.Store
	delay time.Duration

	mu   sync.Mutex
	docs map[string]*flushState
}

type flushState struct {
	room     *Room
	timer    *time.Timer
	inFlight chan struct{} // non-nil while a write is running
	rearm    bool
	saved    uint64 // replica version at the last successful write
}

func newCoalescer(st store.Store, delay time.Duration) *Coalescer {
	return &Coalescer{store: st, delay: delay, docs: map[string]*flushState{}}
}

// track registers a room whose replica is already durable up to version.
func (c *Coalescer) track(r *Room, version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[r.DocID] = &flushState{room: r, saved: version}
}

// Schedule starts or resets the room's debounce timer. Rooms the registry
// has already evicted are ignored: track and forget are the only ways in and
// out of the doc set, so a frame relayed into the eviction window cannot
// resurrect a stale entry.
func (c *Coalescer) Schedule(r *Room) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.docs[r.DocID]
	if !ok {
		return
	}
	if st.inFlight != nil {
		st.rearm = true
		return
	}
	if st.timer == nil {
		st.timer = time.AfterFunc(c.delay, func() { c.flush(r.DocID) })
	} else {
		st.timer.Reset(c.delay)
	}
}

func (c *Coalescer) flush(docID string) {
	c.mu.Lock()
	st, ok := c.docs[docID]
	if !ok {
		c.mu.Unlock()
		return
	}
	st.timer = nil
	if st.inFlight != nil {
		st.rearm = true
		c.mu.Unlock()
		return
	}
	done := make(chan struct{})
	st.inFlight = done
	room, saved := st.room, st.saved
	c.mu.Unlock()

	data, version := room.snapshot()
	var err error
	if version != saved {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		err = c.store.SaveSnapshot(ctx, docID, data)
		cancel()
	}

	c.mu.Lock()
	st.inFlight = nil
	close(done)
	if err != nil {
		// The replica stays authoritative; rearming guarantees a retry even
		// if no further edits arrive.
		slog.Error("failed to write snapshot, will retry", "doc", docID, "err", err)
		st.rearm = true
	} else if st.saved < version {
		st.saved = version
	}
	if st.rearm {
		st.rearm = false
		st.timer = time.AfterFunc(c.delay, func() { c.flush(docID) })
	}
	c.mu.Unlock()
}

// FlushSync waits for any in-flight write to finish and then writes the
// current state if it changed since the last successful write. Used at room
// eviction and process shutdown so no edit is lost.
func (c *Coalescer) FlushSync(ctx context.Context, r *Room) error {
	c.mu.Lock()
	st, ok := c.docs[r.DocID]
	if !ok {
		// already evicted and flushed
		c.mu.Unlock()
		return nil
	}
	for st.inFlight != nil {
		ch := st.inFlight
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	done := make(chan struct{})
	st.inFlight = done
	saved := st.saved
	c.mu.Unlock()

	finish := func(version uint64, err error) error {
		c.mu.Lock()
		st.inFlight = nil
		close(done)
		if err == nil {
			st.rearm = false
			if st.saved < version {
				st.saved = version
			}
		}
		c.mu.Unlock()
		return err
	}

	data, version := r.snapshot()
	if version == saved {
		return finish(version, nil)
	}
	if err := c.store.SaveSnapshot(ctx, r.DocID, data); err != nil {
		return finish(version, fmt.Errorf("failed to write snapshot for %s: %w", r.DocID, err))
	}
	return finish(version, nil)
}

// forget drops a document's flush state after its room is evicted.
func (c *Coalescer) forget(docID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.docs[docID]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(c.docs, docID)
	}
}
