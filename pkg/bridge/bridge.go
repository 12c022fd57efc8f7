// Package bridge relays frames between server processes through redis
// pub/sub, one channel per document, so several processes can host sessions
// for the same document. Frames are final by the time they reach the bridge;
// receivers apply them exactly like frames from a local session.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// originLen is the length of the uuid prefix that lets a process skip its
// own published frames.
const originLen = 36

// Bridge is a room.Relay backed by redis.
type Bridge struct {
	client *redis.Client
	origin string

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// New connects to the redis instance at addr.
func New(ctx context.Context, addr string) (*Bridge, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("could not connect to redis: %w", err)
	}
	return &Bridge{
		client: client,
		origin: uuid.NewString(),
		subs:   map[string]*subscription{},
	}, nil
}

func channel(docID string) string { return "doc:" + docID }

// Publish sends a frame to the document's channel, stamped with this
// process's origin id.
func (b *Bridge) Publish(ctx context.Context, docID string, frame []byte) error {
	payload := append([]byte(b.origin), frame...)
	if err := b.client.Publish(ctx, channel(docID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel(docID), err)
	}
	return nil
}

// Subscribe starts relaying the document's channel into deliver, skipping
// frames this process published itself. The relay runs until Unsubscribe or
// Close.
func (b *Bridge) Subscribe(docID string, deliver func(frame []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[docID]; ok {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, channel(docID))
	b.subs[docID] = &subscription{pubsub: pubsub, cancel: cancel}

	go func() {
		for msg := range pubsub.Channel() {
			frame, ok := b.strip([]byte(msg.Payload))
			if !ok {
				continue
			}
			if frame == nil {
				slog.Warn("dropping short relay message", "channel", msg.Channel)
				continue
			}
			deliver(frame)
		}
	}()
	return nil
}

// strip removes the origin prefix. It returns ok=false for frames this
// process published itself and a nil frame for malformed payloads.
func (b *Bridge) strip(payload []byte) ([]byte, bool) {
	if len(payload) <= originLen {
		return nil, true
	}
	if string(payload[:originLen]) == b.origin {
		return nil, false
	}
	return payload[originLen:], true
}

// Unsubscribe stops the document's relay.
func (b *Bridge) Unsubscribe(docID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[docID]; ok {
		sub.cancel()
		_ = sub.pubsub.Close()
		delete(b.subs, docID)
	}
}

// Close tears down every relay and the redis connection.
func (b *Bridge) Close() error {
	b.mu.Lock()
	for docID, sub := range b.subs {
		sub.cancel()
		_ = sub.pubsub.Close()
		delete(b.subs, docID)
	}
	b.mu.Unlock()
	return b.client.Close()
}
