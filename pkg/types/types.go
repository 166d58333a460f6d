// Package types holds small shared value types used across the segment
// manager and its collaborators.
package types

// SegmentID is a 64-bit identifier assigned to a segment at allocation time.
// Ids are strictly increasing for the lifetime of a SegmentManager.
type SegmentID uint64

// InvalidSegmentID marks the absence of a segment id, e.g. a head segment's
// "head during cleaning" stamp.
const InvalidSegmentID SegmentID = ^SegmentID(0)

// Slot is an index into the segment manager's fixed-size segment table.
type Slot uint32

// InvalidSlot marks the absence of a slot.
const InvalidSlot Slot = ^Slot(0)

// Epoch is a value from the RPC-epoch oracle's monotonic counter.
type Epoch uint64

// LogID identifies the log a segment manager is managing, stamped into every
// segment header so backups can identify which master wrote a segment.
type LogID uint64

// NodeID identifies a backup node in the replication cluster.
type NodeID string

// Term and LogIndex are used by the raft-backed replica manager.
type Term uint64

type LogIndex uint64

// EntryType distinguishes the kinds of metadata entries a segment can carry.
type EntryType uint8

const (
	EntryTypeSegHeader EntryType = iota
	EntryTypeLogDigest
)
