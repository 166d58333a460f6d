package digest

import (
	"testing"

	"kvlog/pkg/types"
)

func TestLogDigestRoundTrip(t *testing.T) {
	d := New()
	d.Add(types.SegmentID(3))
	d.Add(types.SegmentID(7))
	d.Add(types.SegmentID(3)) // duplicate, should not double up

	encoded := d.Encode()
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if len(decoded.IDs()) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(decoded.IDs()))
	}
	if !decoded.Contains(3) || !decoded.Contains(7) {
		t.Fatalf("decoded digest missing expected ids: %v", decoded.IDs())
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		LogID:                       types.LogID(42),
		SegmentID:                   types.SegmentID(9),
		SegmentSize:                 8 * 1024 * 1024,
		HeadSegmentIDDuringCleaning: types.InvalidSegmentID,
	}

	decoded, err := DecodeHeader(h.Encode())
	if err != nil {
		t.Fatalf("DecodeHeader failed: %v", err)
	}
	if decoded != h {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", decoded, h)
	}
}

func TestDecodeTruncated(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error decoding truncated digest")
	}
}
