package crdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// stateMagic prefixes durable state blobs so a snapshot file can be told
// apart from a bare op batch.
var stateMagic = []byte("SSD1")

// EncodeOps serializes a batch of operations: a uvarint count followed by the
// ops, each as kind byte, id, ref, and for inserts the rune.
func EncodeOps(ops []Op) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(ops)))
	for _, op := range ops {
		buf = append(buf, byte(op.Kind))
		buf = appendID(buf, op.ID)
		buf = appendID(buf, op.Ref)
		if op.Kind == KindInsert {
			buf = binary.AppendUvarint(buf, uint64(op.Rune))
		}
	}
	return buf
}

// DecodeOps is the inverse of EncodeOps. A malformed blob yields
// ErrInvalidUpdate and no ops.
func DecodeOps(data []byte) ([]Op, error) {
	r := &opReader{data: data}
	count := r.uvarint()
	if r.err != nil || count > uint64(len(data)) {
		return nil, fmt.Errorf("%w: bad op count", ErrInvalidUpdate)
	}
	ops := make([]Op, 0, count)
	for i := uint64(0); i < count; i++ {
		op := Op{Kind: Kind(r.byte())}
		op.ID = r.id()
		op.Ref = r.id()
		if op.Kind == KindInsert {
			op.Rune = rune(r.uvarint())
		}
		if r.err != nil {
			return nil, fmt.Errorf("%w: truncated op %d", ErrInvalidUpdate, i)
		}
		if err := validate(op); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if r.off != len(r.data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidUpdate, len(r.data)-r.off)
	}
	return ops, nil
}

// EncodeState serializes the whole replica for durable storage or a full
// resync. The ops are written in local application order, which always
// respects each op's dependencies, so Merge never has to buffer.
func (d *Doc) EncodeState() []byte {
	return append(append([]byte{}, stateMagic...), EncodeOps(d.log)...)
}

// Merge applies every operation from a state blob, skipping those already
// present. Nothing is applied if the blob does not decode.
func (d *Doc) Merge(state []byte) error {
	if !bytes.HasPrefix(state, stateMagic) {
		return fmt.Errorf("%w: missing state header", ErrInvalidUpdate)
	}
	ops, err := DecodeOps(state[len(stateMagic):])
	if err != nil {
		return err
	}
	for _, op := range ops {
		if _, err := d.ApplyRemote(op); err != nil {
			return err
		}
	}
	return nil
}

func appendID(buf []byte, id ID) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(id.Actor)))
	buf = append(buf, id.Actor...)
	return binary.AppendUvarint(buf, id.Seq)
}

type opReader struct {
	data []byte
	off  int
	err  error
}

func (r *opReader) fail() {
	if r.err == nil {
		r.err = ErrInvalidUpdate
	}
}

func (r *opReader) uvarint() uint64 {
	v, n := binary.Uvarint(r.data[r.off:])
	if n <= 0 {
		r.fail()
		return 0
	}
	r.off += n
	return v
}

func (r *opReader) byte() byte {
	if r.off >= len(r.data) {
		r.fail()
		return 0
	}
	b := r.data[r.off]
	r.off++
	return b
}

func (r *opReader) id() ID {
	n := r.uvarint()
	if r.err != nil || n > uint64(len(r.data)) || r.off+int(n) > len(r.data) {
		r.fail()
		return ID{}
	}
	actor := string(r.data[r.off : r.off+int(n)])
	r.off += int(n)
	return ID{Actor: actor, Seq: r.uvarint()}
}
