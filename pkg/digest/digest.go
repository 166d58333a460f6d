// Package digest implements the two metadata entry payloads the segment
// manager writes into every segment: the segment header and the log digest.
package digest

import (
	"encoding/binary"
	"fmt"

	"kvlog/pkg/types"
)

// Header carries (logId, segmentId, segmentSize, headSegmentIdDuringCleaning),
// the fixed-layout metadata written as the first entry of every segment.
// headSegmentIdDuringCleaning is types.InvalidSegmentID for a head
// segment's own header.
type Header struct {
	LogID                       types.LogID
	SegmentID                   types.SegmentID
	SegmentSize                 uint32
	HeadSegmentIDDuringCleaning types.SegmentID
}

// Encode serializes a Header to its wire form.
func (h Header) Encode() []byte {
	buf := make([]byte, 8+8+4+8)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.LogID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.SegmentID))
	binary.LittleEndian.PutUint32(buf[16:20], h.SegmentSize)
	binary.LittleEndian.PutUint64(buf[20:28], uint64(h.HeadSegmentIDDuringCleaning))
	return buf
}

// DecodeHeader parses the wire form produced by Encode.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < 28 {
		return Header{}, fmt.Errorf("digest: short segment header (%d bytes)", len(buf))
	}
	return Header{
		LogID:                       types.LogID(binary.LittleEndian.Uint64(buf[0:8])),
		SegmentID:                   types.SegmentID(binary.LittleEndian.Uint64(buf[8:16])),
		SegmentSize:                 binary.LittleEndian.Uint32(buf[16:20]),
		HeadSegmentIDDuringCleaning: types.SegmentID(binary.LittleEndian.Uint64(buf[20:28])),
	}, nil
}

// LogDigest enumerates the ids of every segment considered "in the log" at
// the moment a new head is opened. Order is irrelevant; a digest replaces,
// not amends, the previous one on recovery.
type LogDigest struct {
	ids map[types.SegmentID]struct{}
}

// New returns an empty digest.
func New() *LogDigest {
	return &LogDigest{ids: make(map[types.SegmentID]struct{})}
}

// Add records id in the digest. Duplicate adds are no-ops.
func (d *LogDigest) Add(id types.SegmentID) {
	d.ids[id] = struct{}{}
}

// IDs returns the digest's segment ids. The order is unspecified.
func (d *LogDigest) IDs() []types.SegmentID {
	out := make([]types.SegmentID, 0, len(d.ids))
	for id := range d.ids {
		out = append(out, id)
	}
	return out
}

// Contains reports whether id was added to the digest.
func (d *LogDigest) Contains(id types.SegmentID) bool {
	_, ok := d.ids[id]
	return ok
}

// Encode serializes the digest as a count followed by that many 8-byte ids.
func (d *LogDigest) Encode() []byte {
	ids := d.IDs()
	buf := make([]byte, 4+8*len(ids))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(ids)))
	for i, id := range ids {
		off := 4 + 8*i
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(id))
	}
	return buf
}

// Decode parses the wire form produced by Encode.
func Decode(buf []byte) (*LogDigest, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("digest: short log digest (%d bytes)", len(buf))
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	need := 4 + 8*int(count)
	if len(buf) < need {
		return nil, fmt.Errorf("digest: log digest truncated: need %d, have %d", need, len(buf))
	}

	d := New()
	for i := uint32(0); i < count; i++ {
		off := 4 + 8*int(i)
		d.Add(types.SegmentID(binary.LittleEndian.Uint64(buf[off : off+8])))
	}
	return d, nil
}
