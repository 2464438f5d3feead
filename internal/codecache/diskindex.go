package codecache

import (
	"encoding/binary"
	"io"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// BlockHeader is the on-disk record described in §6: "Block header on
// disk (for cached/persisted translations)". It precedes the compacted
// IR bytes for one block and is stable across runs of the same host
// triple.
type BlockHeader struct {
	EntryPC        uint64
	GuestInstCount uint32
	BlockRefOffset uint32
}

const blockHeaderSize = 8 + 4 + 4

// WriteBlockHeader serializes a BlockHeader in the on-disk byte order
// (little-endian, matching both supported host triples' native order).
func WriteBlockHeader(w io.Writer, h BlockHeader) error {
	var buf [blockHeaderSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], h.EntryPC)
	binary.LittleEndian.PutUint32(buf[8:12], h.GuestInstCount)
	binary.LittleEndian.PutUint32(buf[12:16], h.BlockRefOffset)
	_, err := w.Write(buf[:])
	return errors.WithStack(err)
}

// ReadBlockHeader deserializes one BlockHeader.
func ReadBlockHeader(r io.Reader) (BlockHeader, error) {
	var buf [blockHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return BlockHeader{}, errors.WithStack(err)
	}
	return BlockHeader{
		EntryPC:        binary.LittleEndian.Uint64(buf[0:8]),
		GuestInstCount: binary.LittleEndian.Uint32(buf[8:12]),
		BlockRefOffset: binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// DiskIndex bounds the memory used by a persisted-cache-file index: it
// memoizes parsed BlockHeader records keyed by file offset so a repeat
// lookup against a large cache file doesn't re-parse every header, but
// it never grows unbounded the way a plain map would — entries are
// evicted least-recently-used once Capacity is exceeded, the same
// wrap-a-bounded-cache-in-a-small-typed-struct idiom the interpreter's
// TxCache uses around *lru.Cache (see DESIGN.md).
type DiskIndex struct {
	cache *lru.Cache[int64, BlockHeader]
}

// NewDiskIndex creates a DiskIndex bounded to capacity entries.
func NewDiskIndex(capacity int) (*DiskIndex, error) {
	c, err := lru.New[int64, BlockHeader](capacity)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &DiskIndex{cache: c}, nil
}

// Lookup returns the BlockHeader at the given file offset if it has
// already been parsed and is still resident in the bounded index.
func (d *DiskIndex) Lookup(offset int64) (BlockHeader, bool) {
	return d.cache.Get(offset)
}

// Remember records a freshly parsed BlockHeader at the given file
// offset, possibly evicting the least-recently-used entry.
func (d *DiskIndex) Remember(offset int64, h BlockHeader) {
	d.cache.Add(offset, h)
}

// Len reports how many headers are currently resident.
func (d *DiskIndex) Len() int {
	return d.cache.Len()
}
