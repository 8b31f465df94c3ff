// Package bcache implements the buffer cache: a pinning cache of disk
// blocks keyed by (dev, bno), with a read/write guard per block,
// write-back to the underlying disk, and a hook that snapshots a block
// into a transaction.
package bcache

import (
	"sync"

	"github.com/tchajed/goose/machine/disk"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/scalefs/common"
	"github.com/mit-pdos/scalefs/txn"
	"github.com/mit-pdos/scalefs/util"
)

type bkey struct {
	dev uint64
	bno common.Bnum
}

// Buf is one cached disk block. The embedded RWMutex is the block's
// read/write guard: readers hold RLock across data access, writers
// hold Lock. dirty is guarded by the write guard.
type Buf struct {
	sync.RWMutex
	Dev   uint64
	Bno   common.Bnum
	Data  disk.Block
	dirty bool
	pins  uint64
}

// SetDirty marks the buffer modified. Caller holds the write guard.
func (b *Buf) SetDirty() {
	b.dirty = true
}

// AddToTxn snapshots the buffer's current payload into tr and marks
// the buffer clean; the journal now owns flushing this version. Caller
// holds the write guard, so the snapshot is consistent.
func (b *Buf) AddToTxn(tr *txn.Txn) {
	tr.AddBlock(b.Bno, util.CloneByteSlice(b.Data))
	b.dirty = false
}

// BnumGet reads the block-number slot at index slot (for indirect
// blocks). Caller holds at least the read guard.
func (b *Buf) BnumGet(slot uint64) common.Bnum {
	dec := marshal.NewDec(b.Data[slot*8 : slot*8+8])
	return dec.GetInt()
}

// BnumPut writes the block-number slot at index slot and dirties the
// buffer. Caller holds the write guard.
func (b *Buf) BnumPut(slot uint64, v common.Bnum) {
	enc := marshal.NewEnc(8)
	enc.PutInt(uint64(v))
	copy(b.Data[slot*8:slot*8+8], enc.Finish())
	b.dirty = true
}

type Bcache struct {
	mu   sync.Mutex
	d    disk.Disk
	bufs map[bkey]*Buf
}

func MkBcache(d disk.Disk) *Bcache {
	return &Bcache{
		d:    d,
		bufs: make(map[bkey]*Buf),
	}
}

// Get returns the pinned buffer for (dev, bno), reading it from disk
// on a miss. With noRead set, a miss produces a fresh zero buffer
// instead of a disk read; whole-block overwrites and newly allocated
// blocks use this to skip the read.
func (bc *Bcache) Get(dev uint64, bno common.Bnum, noRead bool) *Buf {
	k := bkey{dev: dev, bno: bno}
	bc.mu.Lock()
	b, ok := bc.bufs[k]
	if ok {
		b.pins++
		bc.mu.Unlock()
		return b
	}
	b = &Buf{
		Dev:  dev,
		Bno:  bno,
		Data: make([]byte, common.BSIZE),
		pins: 1,
	}
	bc.bufs[k] = b
	if noRead {
		bc.mu.Unlock()
		return b
	}
	// Fill under the write guard so a racing Get blocks until the
	// read completes.
	b.Lock()
	bc.mu.Unlock()
	util.DPrintf(10, "bcache: read (%d,%d)\n", dev, bno)
	b.Data = bc.d.Read(uint64(bno))
	b.Unlock()
	return b
}

// Release drops one pin.
func (bc *Bcache) Release(b *Buf) {
	bc.mu.Lock()
	if b.pins == 0 {
		panic("Release: not pinned")
	}
	b.pins--
	bc.mu.Unlock()
}

func (bc *Bcache) InCache(dev uint64, bno common.Bnum) bool {
	bc.mu.Lock()
	_, ok := bc.bufs[bkey{dev: dev, bno: bno}]
	bc.mu.Unlock()
	return ok
}

// Drop evicts the block if it is cached, unpinned, and clean.
func (bc *Bcache) Drop(dev uint64, bno common.Bnum) {
	k := bkey{dev: dev, bno: bno}
	bc.mu.Lock()
	b, ok := bc.bufs[k]
	if ok && b.pins == 0 && !b.dirty {
		delete(bc.bufs, k)
	}
	bc.mu.Unlock()
}

// Writeback writes the buffer's payload to disk and marks it clean.
func (bc *Bcache) Writeback(b *Buf) {
	b.Lock()
	bc.d.Write(uint64(b.Bno), util.CloneByteSlice(b.Data))
	b.dirty = false
	b.Unlock()
}

// WritebackAsync is the direct write-back used by non-journaled
// writes. The AHCI completion object is out of scope here, so it is
// synchronous under the hood.
func (bc *Bcache) WritebackAsync(b *Buf) {
	bc.Writeback(b)
}
