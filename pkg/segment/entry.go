package segment

import (
	"encoding/binary"
	"fmt"

	"kvlog/pkg/types"
)

// encodeEntry wraps a payload with a 1-byte entry type and a 4-byte
// little-endian length prefix.
func encodeEntry(entryType types.EntryType, payload []byte) []byte {
	out := make([]byte, 5+len(payload))
	out[0] = byte(entryType)
	binary.LittleEndian.PutUint32(out[1:5], uint32(len(payload)))
	copy(out[5:], payload)
	return out
}

// Entry is one decoded (type, payload) pair as produced by DecodeEntries.
type Entry struct {
	Type    types.EntryType
	Payload []byte
}

// DecodeEntries parses a segment's appended byte range back into the
// entries Append wrote, in append order. It exists for inspection by test
// harnesses, not for recovery replay.
func DecodeEntries(raw []byte) ([]Entry, error) {
	var out []Entry
	for len(raw) > 0 {
		if len(raw) < 5 {
			return nil, fmt.Errorf("segment: truncated entry header (%d bytes left)", len(raw))
		}
		entryType := types.EntryType(raw[0])
		length := binary.LittleEndian.Uint32(raw[1:5])
		if uint32(len(raw)-5) < length {
			return nil, fmt.Errorf("segment: truncated entry payload: need %d, have %d", length, len(raw)-5)
		}
		out = append(out, Entry{Type: entryType, Payload: raw[5 : 5+length]})
		raw = raw[5+length:]
	}
	return out, nil
}
