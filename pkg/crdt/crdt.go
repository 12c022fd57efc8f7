// Package crdt implements the replicated sequence that backs a shared
// document: an RGA-style operation log in which every character is identified
// by the actor that created it and a per-actor counter. Replicas that receive
// the same set of operations converge to the same text regardless of the
// order the operations arrived in.
package crdt

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrInvalidUpdate is returned when an encoded update or state blob cannot be
// decoded. The replica that rejected it is left untouched.
var ErrInvalidUpdate = errors.New("invalid update")

// ID identifies a single operation. Seq is a per-actor counter starting at 1,
// so an op's causal dependency on the actor's previous op is implicit.
type ID struct {
	Actor string
	Seq   uint64
}

// IsRoot reports whether the id is the zero id used as the insertion parent
// for the start of the document.
func (a ID) IsRoot() bool { return a.Actor == "" && a.Seq == 0 }

func (a ID) String() string {
	if a.IsRoot() {
		return "root"
	}
	return fmt.Sprintf("%s@%d", a.Actor, a.Seq)
}

// before orders siblings under a common parent. Higher sequence numbers sort
// first so that a chain of inserts lands directly after its parent; inserts
// that were concurrent tie-break on the actor id ascending.
func (a ID) before(b ID) bool {
	if a.Seq != b.Seq {
		return a.Seq > b.Seq
	}
	return a.Actor < b.Actor
}

// Kind discriminates the two operation types.
type Kind uint8

const (
	KindInsert Kind = iota + 1
	KindDelete
)

// Op is a single entry in the operation log. Ref is the insertion parent for
// inserts and the target id for deletes.
type Op struct {
	Kind Kind
	ID   ID
	Ref  ID
	Rune rune
}

type node struct {
	id       ID
	r        rune
	deleted  bool
	children []*node
}

// Doc is one replica of a document. It is not safe for concurrent use; the
// owning room serializes access.
type Doc struct {
	actor   string
	root    *node
	byID    map[ID]*node
	lastSeq map[string]uint64
	log     []Op
	pending []Op
	visible []*node
	built   bool
	dirty   bool
}

// New returns an empty replica. The actor id attributes locally originated
// operations and must be unique among all replicas of the document.
func New(actor string) *Doc {
	root := &node{}
	return &Doc{
		actor:   actor,
		root:    root,
		byID:    map[ID]*node{},
		lastSeq: map[string]uint64{},
	}
}

// Load rebuilds a replica from a state blob previously produced by
// EncodeState.
func Load(actor string, state []byte) (*Doc, error) {
	d := New(actor)
	if err := d.Merge(state); err != nil {
		return nil, err
	}
	return d, nil
}

// Len returns the number of visible characters.
func (d *Doc) Len() int {
	d.rebuild()
	return len(d.visible)
}

// Text materializes the document.
func (d *Doc) Text() string {
	d.rebuild()
	var sb strings.Builder
	for _, n := range d.visible {
		sb.WriteRune(n.r)
	}
	return sb.String()
}

// Version counts the operations applied so far. It only ever grows, so it
// doubles as a cheap dirty marker for the persistence layer.
func (d *Doc) Version() uint64 { return uint64(len(d.log)) }

// Ops returns a copy of the operation log in an order that is safe to replay
// on a fresh replica without buffering.
func (d *Doc) Ops() []Op {
	out := make([]Op, len(d.log))
	copy(out, d.log)
	return out
}

// ApplyLocalInsert inserts r at the visible position pos (0 appends at the
// start, Len() at the end) and returns the operation to broadcast.
func (d *Doc) ApplyLocalInsert(pos int, r rune) (Op, error) {
	d.rebuild()
	if pos < 0 || pos > len(d.visible) {
		return Op{}, fmt.Errorf("insert position %d out of range 0..%d", pos, len(d.visible))
	}
	var parent ID
	if pos > 0 {
		parent = d.visible[pos-1].id
	}
	op := Op{
		Kind: KindInsert,
		ID:   ID{Actor: d.actor, Seq: d.lastSeq[d.actor] + 1},
		Ref:  parent,
		Rune: r,
	}
	d.applyOp(op)
	return op, nil
}

// ApplyLocalDelete removes the visible character at pos and returns the
// tombstone operation to broadcast.
func (d *Doc) ApplyLocalDelete(pos int) (Op, error) {
	d.rebuild()
	if pos < 0 || pos >= len(d.visible) {
		return Op{}, fmt.Errorf("delete position %d out of range 0..%d", pos, len(d.visible)-1)
	}
	op := Op{
		Kind: KindDelete,
		ID:   ID{Actor: d.actor, Seq: d.lastSeq[d.actor] + 1},
		Ref:  d.visible[pos].id,
	}
	d.applyOp(op)
	return op, nil
}

// ApplyRemote applies one operation received from a peer. It returns false
// when the operation was already applied (duplicate delivery is a no-op).
// Operations that arrive ahead of their dependencies are buffered and applied
// once the gap closes; those count as applied.
func (d *Doc) ApplyRemote(op Op) (bool, error) {
	if err := validate(op); err != nil {
		return false, err
	}
	if op.ID.Seq <= d.lastSeq[op.ID.Actor] {
		return false, nil
	}
	if !d.applicable(op) {
		d.pending = append(d.pending, op)
		return true, nil
	}
	d.applyOp(op)
	d.drainPending()
	return true, nil
}

func validate(op Op) error {
	if op.Kind != KindInsert && op.Kind != KindDelete {
		return fmt.Errorf("%w: unknown op kind %d", ErrInvalidUpdate, op.Kind)
	}
	if op.ID.Actor == "" || op.ID.Seq == 0 {
		return fmt.Errorf("%w: missing op id", ErrInvalidUpdate)
	}
	if op.Kind == KindDelete && op.Ref.IsRoot() {
		return fmt.Errorf("%w: delete without target", ErrInvalidUpdate)
	}
	if op.Kind == KindInsert && !utf8.ValidRune(op.Rune) {
		return fmt.Errorf("%w: rune %#x is not a valid code point", ErrInvalidUpdate, op.Rune)
	}
	return nil
}

// applicable reports whether op's dependencies are satisfied: the actor's
// previous op has been applied and the referenced character exists.
func (d *Doc) applicable(op Op) bool {
	if op.ID.Seq != d.lastSeq[op.ID.Actor]+1 {
		return false
	}
	if op.Ref.IsRoot() {
		return op.Kind == KindInsert
	}
	_, ok := d.byID[op.Ref]
	return ok
}

func (d *Doc) applyOp(op Op) {
	switch op.Kind {
	case KindInsert:
		parent := d.root
		if !op.Ref.IsRoot() {
			parent = d.byID[op.Ref]
		}
		n := &node{id: op.ID, r: op.Rune}
		d.byID[op.ID] = n
		at := len(parent.children)
		for i, c := range parent.children {
			if op.ID.before(c.id) {
				at = i
				break
			}
		}
		parent.children = append(parent.children, nil)
		copy(parent.children[at+1:], parent.children[at:])
		parent.children[at] = n
	case KindDelete:
		d.byID[op.Ref].deleted = true
	}
	d.lastSeq[op.ID.Actor] = op.ID.Seq
	d.log = append(d.log, op)
	d.dirty = true
}

// drainPending retries buffered operations until none of them make progress.
func (d *Doc) drainPending() {
	for {
		progressed := false
		remaining := d.pending[:0]
		for _, op := range d.pending {
			switch {
			case op.ID.Seq <= d.lastSeq[op.ID.Actor]:
				// duplicate of something applied meanwhile
			case d.applicable(op):
				d.applyOp(op)
				progressed = true
			default:
				remaining = append(remaining, op)
			}
		}
		d.pending = remaining
		if !progressed || len(d.pending) == 0 {
			return
		}
	}
}

// rebuild refreshes the visible-order cache with a depth-first walk of the
// insertion tree.
func (d *Doc) rebuild() {
	if d.built && !d.dirty {
		return
	}
	d.visible = d.visible[:0]
	d.walk(d.root)
	d.built = true
	d.dirty = false
}

func (d *Doc) walk(n *node) {
	if n != d.root && !n.deleted {
		d.visible = append(d.visible, n)
	}
	for _, c := range n.children {
		d.walk(c)
	}
}
