// Package epoch implements the RPC-epoch oracle consumed by the segment
// manager: a monotonic counter plus a registry of outstanding RPCs, used to
// decide when a cleaned segment is safe to physically free.
package epoch

import (
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"kvlog/pkg/clock"
	"kvlog/pkg/types"
)

// Token identifies one outstanding RPC registered with the oracle.
type Token uint64

// key orders outstanding tokens by the epoch they were registered at, so the
// lowest key in the map is always the earliest outstanding epoch.
type key struct {
	epoch types.Epoch
	token Token
}

func less(a, b key) bool {
	if a.epoch != b.epoch {
		return a.epoch < b.epoch
	}
	return a.token < b.token
}

// Oracle tracks the current epoch and the set of epochs any in-flight RPC
// could still reference. It is the reference implementation of the
// RPC-Epoch Oracle interface the segment manager consumes.
type Oracle struct {
	current   *clock.AtomicClock
	nextToken atomic.Uint64
	active    *skipmap.FuncMap[key, struct{}]
}

// New returns an Oracle whose counter starts at zero.
func New() *Oracle {
	return &Oracle{
		current: clock.NewAtomic(0),
		active:  skipmap.NewFunc[key, struct{}](less),
	}
}

// IncrementCurrentEpoch advances the global epoch and returns the new value,
// matching ServerRpcPool::incrementCurrentEpoch.
func (o *Oracle) IncrementCurrentEpoch() uint64 {
	return o.current.Next()
}

// CurrentEpoch returns the current epoch without advancing it.
func (o *Oracle) CurrentEpoch() types.Epoch {
	return types.Epoch(o.current.Val())
}

// Enter registers the start of an RPC at the current epoch and returns a
// token that must be passed to Exit when the RPC completes. Segments cleaned
// at or after this epoch cannot be physically freed until Exit is called.
func (o *Oracle) Enter() Token {
	tok := Token(o.nextToken.Add(1))
	o.active.Store(key{epoch: o.CurrentEpoch(), token: tok}, struct{}{})
	return tok
}

// Exit deregisters a previously Entered RPC. epochAtEnter must be the value
// returned by CurrentEpoch at the time Enter was called.
func (o *Oracle) Exit(epochAtEnter types.Epoch, tok Token) {
	o.active.Delete(key{epoch: epochAtEnter, token: tok})
}

// GetEarliestOutstandingEpoch returns the earliest epoch any registered RPC
// could still reference. If no RPCs are outstanding, it returns the current
// epoch, so freeUnreferencedSegments treats "nothing outstanding" the same
// as "everything before now is safe".
func (o *Oracle) GetEarliestOutstandingEpoch() uint64 {
	var earliest types.Epoch
	found := false
	o.active.Range(func(k key, _ struct{}) bool {
		earliest = k.epoch
		found = true
		return false
	})
	if !found {
		return o.current.Val()
	}
	return uint64(earliest)
}
