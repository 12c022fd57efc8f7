package crdt

import (
	"errors"
	"math/rand"
	"testing"
	"unicode/utf8"
)

func typeText(t *testing.T, d *Doc, pos int, s string) []Op {
	t.Helper()
	ops := make([]Op, 0, len(s))
	for i, r := range []rune(s) {
		op, err := d.ApplyLocalInsert(pos+i, r)
		if err != nil {
			t.Fatalf("insert %q at %d: %v", r, pos+i, err)
		}
		ops = append(ops, op)
	}
	return ops
}

func applyAll(t *testing.T, d *Doc, ops []Op) {
	t.Helper()
	for _, op := range ops {
		if _, err := d.ApplyRemote(op); err != nil {
			t.Fatalf("apply %v: %v", op.ID, err)
		}
	}
}

func TestLocalEditing(t *testing.T) {
	d := New("a")
	typeText(t, d, 0, "hello world")
	if got := d.Text(); got != "hello world" {
		t.Fatalf("got %q", got)
	}
	if _, err := d.ApplyLocalDelete(5); err != nil {
		t.Fatal(err)
	}
	typeText(t, d, 5, ", ")
	if got := d.Text(); got != "hello, world" {
		t.Fatalf("got %q", got)
	}
	if d.Len() != len("hello, world") {
		t.Fatalf("len %d", d.Len())
	}
}

func TestLocalEditBounds(t *testing.T) {
	d := New("a")
	if _, err := d.ApplyLocalInsert(1, 'x'); err == nil {
		t.Fatal("expected out of range insert to fail")
	}
	if _, err := d.ApplyLocalDelete(0); err == nil {
		t.Fatal("expected out of range delete to fail")
	}
}

func TestConcurrentInsertTieBreak(t *testing.T) {
	// Two actors concurrently insert at position 0 of an empty document.
	// Both delivery orders must converge on the same string, with the
	// lower actor id winning the head position.
	a := New("a")
	b := New("b")
	opsA := typeText(t, a, 0, "foo")
	opsB := typeText(t, b, 0, "bar")

	applyAll(t, a, opsB)
	applyAll(t, b, opsA)

	if a.Text() != b.Text() {
		t.Fatalf("diverged: %q vs %q", a.Text(), b.Text())
	}
	if got := a.Text(); got != "foobar" {
		t.Fatalf("got %q, want %q", got, "foobar")
	}
}

func TestIdempotence(t *testing.T) {
	a := New("a")
	b := New("b")
	ops := typeText(t, a, 0, "dup")
	applyAll(t, b, ops)
	before := b.Text()
	version := b.Version()
	for _, op := range ops {
		applied, err := b.ApplyRemote(op)
		if err != nil {
			t.Fatal(err)
		}
		if applied {
			t.Fatalf("duplicate %v reported as applied", op.ID)
		}
	}
	if b.Text() != before || b.Version() != version {
		t.Fatalf("duplicate delivery changed state: %q -> %q", before, b.Text())
	}
}

func TestOutOfOrderDelivery(t *testing.T) {
	a := New("a")
	ops := typeText(t, a, 0, "ordered")
	b := New("b")
	for i := len(ops) - 1; i >= 0; i-- {
		if _, err := b.ApplyRemote(ops[i]); err != nil {
			t.Fatal(err)
		}
	}
	if got := b.Text(); got != "ordered" {
		t.Fatalf("got %q", got)
	}
	if len(b.pending) != 0 {
		t.Fatalf("%d ops left buffered", len(b.pending))
	}
}

func TestConvergenceRandomInterleaving(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	a := New("a")
	b := New("b")
	var opsA, opsB []Op
	for i := 0; i < 200; i++ {
		edit := func(d *Doc) Op {
			if d.Len() > 0 && rng.Intn(4) == 0 {
				op, err := d.ApplyLocalDelete(rng.Intn(d.Len()))
				if err != nil {
					t.Fatal(err)
				}
				return op
			}
			op, err := d.ApplyLocalInsert(rng.Intn(d.Len()+1), rune('a'+rng.Intn(26)))
			if err != nil {
				t.Fatal(err)
			}
			return op
		}
		opsA = append(opsA, edit(a))
		opsB = append(opsB, edit(b))
	}

	applyAll(t, a, opsB)
	applyAll(t, b, opsA)

	if a.Text() != b.Text() {
		t.Fatalf("diverged:\n a=%q\n b=%q", a.Text(), b.Text())
	}

	// A third replica replaying a's full log must land on the same view.
	c := New("c")
	applyAll(t, c, a.Ops())
	if c.Text() != a.Text() {
		t.Fatalf("replay diverged: %q vs %q", c.Text(), a.Text())
	}
}

func TestStateRoundTrip(t *testing.T) {
	a := New("a")
	typeText(t, a, 0, "persist me")
	if _, err := a.ApplyLocalDelete(0); err != nil {
		t.Fatal(err)
	}
	state := a.EncodeState()

	b, err := Load("b", state)
	if err != nil {
		t.Fatal(err)
	}
	if b.Text() != a.Text() {
		t.Fatalf("got %q, want %q", b.Text(), a.Text())
	}
	// Merging the same state again must be a no-op.
	version := b.Version()
	if err := b.Merge(state); err != nil {
		t.Fatal(err)
	}
	if b.Version() != version {
		t.Fatal("re-merge applied duplicate ops")
	}
}

func TestMergeIsCommutative(t *testing.T) {
	a := New("a")
	typeText(t, a, 0, "left")
	b := New("b")
	typeText(t, b, 0, "right")
	stateA, stateB := a.EncodeState(), b.EncodeState()

	x := New("x")
	if err := x.Merge(stateA); err != nil {
		t.Fatal(err)
	}
	if err := x.Merge(stateB); err != nil {
		t.Fatal(err)
	}
	y := New("y")
	if err := y.Merge(stateB); err != nil {
		t.Fatal(err)
	}
	if err := y.Merge(stateA); err != nil {
		t.Fatal(err)
	}
	if x.Text() != y.Text() {
		t.Fatalf("merge order changed result: %q vs %q", x.Text(), y.Text())
	}
}

func TestCorruptUpdateRejected(t *testing.T) {
	d := New("a")
	typeText(t, d, 0, "keep")
	before := d.Text()

	for name, blob := range map[string][]byte{
		"garbage":     []byte("\xff\xff\xff\xff"),
		"empty":       {},
		"wrong magic": []byte("XXXX\x00"),
		"truncated":   d.EncodeState()[:6],
	} {
		if err := d.Merge(blob); !errors.Is(err, ErrInvalidUpdate) {
			t.Fatalf("%s: got %v, want ErrInvalidUpdate", name, err)
		}
	}
	if d.Text() != before {
		t.Fatalf("corrupt merge mutated replica: %q", d.Text())
	}
}

func TestInvalidRunesRejected(t *testing.T) {
	for _, r := range []rune{-1, 0xD800, utf8.MaxRune + 1} {
		op := Op{Kind: KindInsert, ID: ID{Actor: "a", Seq: 1}, Rune: r}
		d := New("b")
		if _, err := d.ApplyRemote(op); !errors.Is(err, ErrInvalidUpdate) {
			t.Fatalf("rune %#x applied: %v", r, err)
		}
		if _, err := DecodeOps(EncodeOps([]Op{op})); !errors.Is(err, ErrInvalidUpdate) {
			t.Fatalf("rune %#x decoded: %v", r, err)
		}
		if d.Version() != 0 {
			t.Fatalf("rune %#x mutated the replica", r)
		}
	}
}

func TestDecodeOpsRejectsBadOps(t *testing.T) {
	bad := []Op{{Kind: KindDelete, ID: ID{Actor: "a", Seq: 1}}} // delete without target
	if _, err := DecodeOps(EncodeOps(bad)); !errors.Is(err, ErrInvalidUpdate) {
		t.Fatalf("got %v", err)
	}
	if _, err := DecodeOps([]byte{0x05}); !errors.Is(err, ErrInvalidUpdate) {
		t.Fatalf("got %v", err)
	}
}

func TestOpsRoundTrip(t *testing.T) {
	a := New("actor-1")
	ops := typeText(t, a, 0, "wire")
	del, err := a.ApplyLocalDelete(1)
	if err != nil {
		t.Fatal(err)
	}
	ops = append(ops, del)

	decoded, err := DecodeOps(EncodeOps(ops))
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != len(ops) {
		t.Fatalf("got %d ops, want %d", len(decoded), len(ops))
	}
	for i := range ops {
		if decoded[i] != ops[i] {
			t.Fatalf("op %d: got %+v, want %+v", i, decoded[i], ops[i])
		}
	}
}
