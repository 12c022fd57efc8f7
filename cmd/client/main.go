// A headless peer for exercising a sync server: it joins a document, makes
// random edits while relaying everything it hears, and dumps its replica on
// exit. Run a few of these against one server to watch convergence.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/scribesync/scribesync/pkg/crdt"
	"github.com/scribesync/scribesync/pkg/wire"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:8080", "the address to connect to")
	docVar := flag.String("doc", "default", "the document id to open")
	tokenVar := flag.String("token", "", "the auth credential to present")
	nameVar := flag.String("name", "soak", "the display name to broadcast")
	colorVar := flag.String("color", "#36a3ff", "the cursor color to broadcast")
	flag.Parse()

	u := url.URL{Scheme: "ws", Host: *addrVar, Path: "/sync"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()

	actor := uuid.NewString()
	hs, err := json.Marshal(wire.Handshake{DocumentID: *docVar, Token: *tokenVar, ActorID: actor})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, hs); err != nil {
		return fmt.Errorf("failed to send handshake: %w", err)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read initial state: %w", err)
	}
	f, err := wire.Decode(raw)
	if err != nil || f.Kind != wire.KindUpdate {
		return fmt.Errorf("unexpected first frame: %v", err)
	}
	doc := crdt.New(actor)
	for _, op := range f.Ops {
		if _, err := doc.ApplyRemote(op); err != nil {
			return fmt.Errorf("failed to apply initial state: %w", err)
		}
	}
	slog.Info("established base doc", "doc", *docVar, "len", doc.Len())

	c := &client{conn: conn, doc: doc, name: *nameVar, color: *colorVar}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		c.readContinuously()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.editRandomlyContinuously(ctx)
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
		slog.Info("Connection lost")
	}
	cancel()
	_ = conn.Close()
	wg.Wait()

	c.mu.Lock()
	state, text := c.doc.EncodeState(), c.doc.Text()
	c.mu.Unlock()
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("scribesync-%d.doc", os.Getpid()))
	if err := os.WriteFile(tf, state, 0o644); err != nil {
		return err
	}
	slog.Info("dumped", "dump", tf, "text", text)
	return nil
}

type client struct {
	conn  *websocket.Conn
	name  string
	color string

	mu      sync.Mutex
	doc     *crdt.Doc
	counter uint64

	writeMu sync.Mutex
}

func (c *client) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *client) readContinuously() {
	for {
		mt, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		f, err := wire.Decode(raw)
		if err != nil {
			slog.Error("dropping frame", "err", err)
			continue
		}
		switch f.Kind {
		case wire.KindUpdate:
			c.mu.Lock()
			for _, op := range f.Ops {
				if _, err := c.doc.ApplyRemote(op); err != nil {
					slog.Error("failed to apply op", "err", err)
					break
				}
			}
			c.mu.Unlock()
		case wire.KindPresence:
			if f.Presence.Left {
				slog.Info("peer left", "actor", f.Presence.Actor)
			} else {
				slog.Info("peer cursor", "actor", f.Presence.Actor, "name", f.Presence.Name, "anchor", f.Presence.Anchor)
			}
		}
	}
}

func (c *client) editRandomlyContinuously(ctx context.Context) {
	for {
		t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(4)))
		select {
		case <-t.C:
			if err := c.editOnce(); err != nil {
				slog.Error("failed to send edit", "err", err)
				return
			}
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled edits")
			return
		}
	}
}

func (c *client) editOnce() error {
	c.mu.Lock()
	var op crdt.Op
	var err error
	pos := 0
	if n := c.doc.Len(); n > 0 && rand.Intn(5) == 0 {
		pos = rand.Intn(n)
		op, err = c.doc.ApplyLocalDelete(pos)
	} else {
		pos = rand.Intn(c.doc.Len() + 1)
		op, err = c.doc.ApplyLocalInsert(pos, rune('a'+rand.Intn(26)))
	}
	c.counter++
	presence := wire.Presence{
		Actor:   op.ID.Actor,
		Name:    c.name,
		Color:   c.color,
		Anchor:  pos,
		Head:    pos,
		Counter: c.counter,
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if err := c.write(wire.EncodeUpdate([]crdt.Op{op})); err != nil {
		return err
	}
	pf, err := wire.EncodePresence(presence)
	if err != nil {
		return err
	}
	return c.write(pf)
}
