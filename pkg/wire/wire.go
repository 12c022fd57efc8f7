// Package wire defines the frames exchanged over a sync connection. Every
// frame is a binary message whose first byte selects the payload type; tags
// this package does not know are skipped rather than treated as fatal, so the
// protocol can grow without breaking older peers.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/scribesync/scribesync/pkg/crdt"
)

const (
	TagUpdate   byte = 0x01
	TagPresence byte = 0x02
)

// Kind is the decoded frame type.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindUpdate
	KindPresence
)

// Handshake is the first message a client sends after the connection is
// established: which document it wants, the credential the external auth
// service issued for the user, and the actor id it will attribute its
// operations and presence to. An omitted actor id gets one minted by the
// server session.
type Handshake struct {
	DocumentID string `json:"document_id"`
	Token      string `json:"token"`
	ActorID    string `json:"actor_id,omitempty"`
}

// Presence is the ephemeral per-actor record broadcast to room peers. It is
// never persisted. Counter increases with every record an actor sends so a
// late relay cannot supersede a newer one; Left marks the removal broadcast
// sent when a session disconnects.
type Presence struct {
	Actor   string `json:"actor"`
	Name    string `json:"name"`
	Color   string `json:"color"`
	Anchor  int    `json:"anchor"`
	Head    int    `json:"head"`
	Counter uint64 `json:"counter"`
	Left    bool   `json:"left,omitempty"`
}

// Frame is a decoded message. Exactly one of Ops or Presence is set
// according to Kind; a frame with KindUnknown carries neither and should be
// ignored.
type Frame struct {
	Kind     Kind
	Ops      []crdt.Op
	Presence *Presence
}

// EncodeUpdate wraps a batch of operations in an update frame.
func EncodeUpdate(ops []crdt.Op) []byte {
	return append([]byte{TagUpdate}, crdt.EncodeOps(ops)...)
}

// EncodePresence wraps a presence record in a presence frame.
func EncodePresence(p Presence) ([]byte, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode presence: %w", err)
	}
	return append([]byte{TagPresence}, payload...), nil
}

// Decode parses a raw frame. Malformed payloads yield crdt.ErrInvalidUpdate;
// an unrecognized tag yields a KindUnknown frame and no error.
func Decode(frame []byte) (Frame, error) {
	if len(frame) == 0 {
		return Frame{}, fmt.Errorf("%w: empty frame", crdt.ErrInvalidUpdate)
	}
	switch frame[0] {
	case TagUpdate:
		ops, err := crdt.DecodeOps(frame[1:])
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: KindUpdate, Ops: ops}, nil
	case TagPresence:
		var p Presence
		if err := json.Unmarshal(frame[1:], &p); err != nil {
			return Frame{}, fmt.Errorf("%w: bad presence payload: %v", crdt.ErrInvalidUpdate, err)
		}
		if p.Actor == "" {
			return Frame{}, fmt.Errorf("%w: presence without actor", crdt.ErrInvalidUpdate)
		}
		return Frame{Kind: KindPresence, Presence: &p}, nil
	default:
		return Frame{Kind: KindUnknown}, nil
	}
}
