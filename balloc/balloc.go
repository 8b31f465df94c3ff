// Package balloc implements the block allocator: an in-memory free
// bit vector per device, mirroring the on-disk bitmap. The in-memory
// vector is the authority during normal operation; the on-disk bitmap
// changes only through the journal, via ApplyOnDisk.
package balloc

import (
	"sort"
	"sync"

	"github.com/mit-pdos/scalefs/bcache"
	"github.com/mit-pdos/scalefs/common"
	"github.com/mit-pdos/scalefs/txn"
	"github.com/mit-pdos/scalefs/util"
)

type Alloc struct {
	mu sync.Mutex // protects bits, next, nfree

	bc          *bcache.Bcache
	dev         uint64
	bitmapStart common.Bnum
	nbits       uint64

	bits  []byte
	next  uint64 // first number to try
	nfree uint64
}

// MkAlloc builds the in-memory mirror by reading the on-disk bitmap.
func MkAlloc(bc *bcache.Bcache, dev uint64, bitmapStart common.Bnum, nbits uint64) *Alloc {
	a := &Alloc{
		bc:          bc,
		dev:         dev,
		bitmapStart: bitmapStart,
		nbits:       nbits,
		bits:        make([]byte, util.RoundUp(nbits, 8)),
	}
	nblk := util.RoundUp(nbits, common.BPB)
	for i := uint64(0); i < nblk; i++ {
		b := bc.Get(dev, bitmapStart+i, false)
		b.RLock()
		copy(a.bits[i*(common.BSIZE):], b.Data)
		b.RUnlock()
		bc.Release(b)
	}
	for n := uint64(0); n < nbits; n++ {
		if !a.isSet(n) {
			a.nfree++
		}
	}
	util.DPrintf(1, "balloc: %d bits, %d free\n", nbits, a.nfree)
	return a
}

func (a *Alloc) isSet(n uint64) bool {
	return a.bits[n/8]&(1<<(n%8)) != 0
}

func (a *Alloc) set(n uint64) {
	a.bits[n/8] |= 1 << (n % 8)
}

func (a *Alloc) clear(n uint64) {
	a.bits[n/8] &= ^byte(1 << (n % 8))
}

// AllocBlock removes a free bit from the in-memory bitmap and returns
// its block number. If tr is non-nil the allocation intent is recorded
// for the on-disk bitmap update at commit. With zeroOnAlloc the
// buffer-cache image of the block is zeroed (no disk read).
func (a *Alloc) AllocBlock(tr *txn.Txn, zeroOnAlloc bool) (common.Bnum, error) {
	a.mu.Lock()
	var bno common.Bnum
	found := false
	num := a.next
	for i := uint64(0); i < a.nbits; i++ {
		if !a.isSet(num) {
			a.set(num)
			a.nfree--
			a.next = num + 1
			if a.next >= a.nbits {
				a.next = 0
			}
			bno = num
			found = true
			break
		}
		num++
		if num >= a.nbits {
			num = 0
		}
	}
	a.mu.Unlock()
	if !found {
		util.DPrintf(1, "balloc: out of blocks\n")
		return common.NULLBNUM, common.ErrOutOfBlocks
	}
	if tr != nil {
		tr.AddAllocatedBlock(bno)
	}
	if zeroOnAlloc {
		a.bzero(bno)
	}
	util.DPrintf(5, "balloc: alloc %d\n", bno)
	return bno, nil
}

// bzero zeroes the buffer-cache image of bno without reading it from
// disk.
func (a *Alloc) bzero(bno common.Bnum) {
	b := a.bc.Get(a.dev, bno, true)
	b.Lock()
	for i := range b.Data {
		b.Data[i] = 0
	}
	b.SetDirty()
	b.Unlock()
	a.bc.Release(b)
}

// FreeBlock marks bno free. With delayed set the in-memory mark is
// deferred until the transaction commits (the caller applies it via
// ApplyFrees), so the block is not reused before it is durably
// released. Blocks are never zeroed on free.
func (a *Alloc) FreeBlock(bno common.Bnum, tr *txn.Txn, delayed bool) {
	if !delayed {
		a.markFree(bno)
	}
	if tr != nil {
		tr.AddFreeBlock(bno, delayed)
	}
}

func (a *Alloc) markFree(bno common.Bnum) {
	a.mu.Lock()
	if !a.isSet(bno) {
		panic("balloc: freeing free block")
	}
	a.clear(bno)
	a.nfree++
	a.mu.Unlock()
}

// ApplyFrees marks a transaction's delayed frees in the in-memory
// bitmap, after the transaction has committed.
func (a *Alloc) ApplyFrees(bnos []common.Bnum) {
	for _, bno := range bnos {
		util.DPrintf(5, "balloc: delayed free %d\n", bno)
		a.markFree(bno)
	}
}

// MarkAllocated claims bno in the in-memory bitmap without touching
// the disk; mkfs and mount use it for metadata blocks.
func (a *Alloc) MarkAllocated(bno common.Bnum) {
	a.mu.Lock()
	if a.isSet(bno) {
		panic("balloc: block already in use")
	}
	a.set(bno)
	a.nfree--
	a.mu.Unlock()
}

func (a *Alloc) NumFree() uint64 {
	a.mu.Lock()
	n := a.nfree
	a.mu.Unlock()
	return n
}

// ApplyOnDisk marks blocks allocated (alloc=true) or freed in the
// on-disk bitmap. The blocks are sorted so that updates touching the
// same bitmap block are grouped and each bitmap block is logged into
// tr exactly once.
func (a *Alloc) ApplyOnDisk(blocks []common.Bnum, tr *txn.Txn, alloc bool) {
	if len(blocks) == 0 {
		return
	}
	bnos := append([]common.Bnum(nil), blocks...)
	sort.Slice(bnos, func(i, j int) bool { return bnos[i] < bnos[j] })

	for i := 0; i < len(bnos); {
		blkno := a.bitmapStart + bnos[i]/common.BPB
		b := a.bc.Get(a.dev, blkno, false)
		b.Lock()

		// Highest block number whose bit lives in this bitmap block.
		max := bnos[i] | (common.BPB - 1)
		for ; i < len(bnos) && bnos[i] <= max; i++ {
			bi := bnos[i] % common.BPB
			m := byte(1) << (bi % 8)
			if alloc {
				if b.Data[bi/8]&m != 0 {
					panic("balloc: on-disk block already in use")
				}
				b.Data[bi/8] |= m
			} else {
				if b.Data[bi/8]&m == 0 {
					panic("balloc: on-disk block already free")
				}
				b.Data[bi/8] &= ^m
			}
		}

		b.AddToTxn(tr)
		b.Unlock()
		a.bc.Release(b)
	}
}
