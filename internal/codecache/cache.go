// Package codecache implements the block cache (§3 "Block cache") and
// its on-disk persistence format (§6 "Block header on disk"). Entries
// are never relocated once published, lookups are wait-free, and a
// flush swaps in an empty snapshot atomically rather than mutating the
// live map in place — this is what lets readers run lock-free while an
// insert or flush is in flight.
package codecache

import (
	"sync"
	"sync/atomic"
)

// Patchpoint is a location in a compiled block's code that a later
// chaining operation may rewrite to jump directly to a successor block,
// bypassing the dispatcher round-trip (§4.5 "Chaining"). Offset is
// relative to the block's host code pointer.
type Patchpoint struct {
	Offset     int
	TargetGuestPC uint64
}

// DebugMetadata is backend-supplied information about a compiled block,
// kept around for crash reporting and for the block-header-on-disk
// format; its contents are opaque to the cache itself.
type DebugMetadata struct {
	GuestInstCount uint32
	HostCodeSize   int
}

// Entry is what the block cache maps a guest entry PC to.
type Entry struct {
	EntryPC     uint64
	HostCode    []byte
	Patchpoints []Patchpoint
	Debug       DebugMetadata

	// Compiled is the backend.CompiledBlock produced for this entry,
	// stashed as any because internal/backend already imports
	// internal/state, which imports this package for ThreadState.Cache
	// -- a direct backend.CompiledBlock field here would close an import
	// cycle. internal/jit, the only caller that inserts or reads this
	// field, type-asserts it back (see DESIGN.md).
	Compiled any
}

// snapshot is the immutable map published by atomic.Pointer swaps.
// Readers never take a lock; they dereference the pointer once and
// index the map they got, which is never mutated after publication.
type snapshot struct {
	entries map[uint64]*Entry
}

// Cache is a per-thread block cache: guest PC -> translated block.
type Cache struct {
	insertMu sync.Mutex
	live     atomic.Pointer[snapshot]

	// generation counts flushes. No per-thread quiescence state is
	// kept: a superseded snapshot is never freed explicitly and is
	// reclaimed by the Go garbage collector once no reader still holds
	// it.
	generation atomic.Uint64
}

// New returns an empty Cache.
func New() *Cache {
	c := &Cache{}
	c.live.Store(&snapshot{entries: make(map[uint64]*Entry)})
	return c
}

// Get performs a lock-free lookup. A nil result means "not cached";
// callers fall through to decode+lower+optimize+compile.
func (c *Cache) Get(pc uint64) (*Entry, bool) {
	snap := c.live.Load()
	e, ok := snap.entries[pc]
	return e, ok
}

// Insert publishes a new entry under a short critical section (§3
// "Insertion is stable"). Existing entries are never relocated: Insert
// copies the live map's contents into a fresh map, adds the new entry,
// and swaps the pointer, so a reader that loaded the old snapshot
// mid-insert keeps working against a complete, consistent view.
func (c *Cache) Insert(e *Entry) {
	c.insertMu.Lock()
	defer c.insertMu.Unlock()

	old := c.live.Load()
	next := make(map[uint64]*Entry, len(old.entries)+1)
	for k, v := range old.entries {
		next[k] = v
	}
	next[e.EntryPC] = e
	c.live.Store(&snapshot{entries: next})
}

// Flush atomically replaces the live snapshot with an empty one. Callers
// are responsible for running the quiescence barrier (waiting until
// every thread has confirmed it has exited any translated code it may
// have been executing from the old snapshot) before relying on the
// flushed range being unreachable; Flush itself only performs the
// atomic swap described in §4.5.
func (c *Cache) Flush() {
	c.insertMu.Lock()
	defer c.insertMu.Unlock()
	c.generation.Add(1)
	c.live.Store(&snapshot{entries: make(map[uint64]*Entry)})
}

// FlushRange removes entries whose EntryPC falls in [lo, hi) — used by
// the self-modifying-code path (§7 "Cache-consistency errors"), which
// only needs to invalidate the affected range rather than the whole
// cache.
func (c *Cache) FlushRange(lo, hi uint64) {
	c.insertMu.Lock()
	defer c.insertMu.Unlock()

	old := c.live.Load()
	next := make(map[uint64]*Entry, len(old.entries))
	for pc, e := range old.entries {
		if pc < lo || pc >= hi {
			next[pc] = e
		}
	}
	c.live.Store(&snapshot{entries: next})
}

// Generation returns a counter bumped on every flush, so a caller can
// detect "a flush happened since I last checked" without comparing map
// contents.
func (c *Cache) Generation() uint64 {
	return c.generation.Load()
}
