package bridge

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func TestStripSkipsOwnOrigin(t *testing.T) {
	b := &Bridge{origin: uuid.NewString()}
	frame := []byte{0x01, 0xaa, 0xbb}

	own := append([]byte(b.origin), frame...)
	if _, ok := b.strip(own); ok {
		t.Fatal("own frame not skipped")
	}

	other := append([]byte(uuid.NewString()), frame...)
	got, ok := b.strip(other)
	if !ok || !bytes.Equal(got, frame) {
		t.Fatalf("got %x ok=%v", got, ok)
	}
}

func TestStripRejectsShortPayloads(t *testing.T) {
	b := &Bridge{origin: uuid.NewString()}
	for _, payload := range [][]byte{nil, []byte("short"), []byte(b.origin)} {
		got, ok := b.strip(payload)
		if !ok || got != nil {
			t.Fatalf("payload %q: got %x ok=%v", payload, got, ok)
		}
	}
}
