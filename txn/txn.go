// Package txn implements transactions and the journal.
//
// A transaction is a set of dirty disk-block snapshots plus allocation
// and free intents. Within one transaction there is at most one
// snapshot per block number; a later write to the same block replaces
// the earlier payload. Adding a transaction to the journal seals it;
// sealed transactions accept no more blocks.
//
// The journal orders sealed transactions and commits each one
// atomically to disk (see journal.go for the commit discipline).
package txn

import (
	"sync"

	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/scalefs/common"
	"github.com/mit-pdos/scalefs/util"
)

// BlockSnap is a snapshot of one disk block: the block number, a full
// copy of the payload, and the timestamp of the last write merged into
// it.
type BlockSnap struct {
	Bno  common.Bnum
	Data disk.Block
	Seq  uint64
}

type Txn struct {
	mu sync.Mutex

	// Id is the transaction's timestamp, assigned by Journal.Begin.
	// The journal commits transactions in Id order.
	Id uint64

	blocks map[common.Bnum]*BlockSnap
	order  []common.Bnum
	seq    uint64

	allocated []common.Bnum
	freed     []common.Bnum
	delayed   []common.Bnum
	newFiles  []common.Inum

	sealed bool
}

func mkTxn(id uint64) *Txn {
	return &Txn{
		Id:     id,
		blocks: make(map[common.Bnum]*BlockSnap),
	}
}

// AddBlock records a snapshot of bno. data must be a private copy of
// the full block; the transaction takes ownership. A second AddBlock
// for the same bno replaces the earlier payload (last writer wins).
func (tr *Txn) AddBlock(bno common.Bnum, data disk.Block) {
	if uint64(len(data)) != common.BSIZE {
		panic("AddBlock: not a full block")
	}
	tr.mu.Lock()
	if tr.sealed {
		tr.mu.Unlock()
		panic("AddBlock: sealed transaction")
	}
	b, ok := tr.blocks[bno]
	if ok {
		util.DPrintf(5, "txn %d: absorb %d\n", tr.Id, bno)
		b.Data = data
		b.Seq = tr.seq
	} else {
		tr.blocks[bno] = &BlockSnap{Bno: bno, Data: data, Seq: tr.seq}
		tr.order = append(tr.order, bno)
	}
	tr.seq++
	tr.mu.Unlock()
}

// AddAllocatedBlock records that bno was allocated under this
// transaction, for the on-disk bitmap update at commit time.
func (tr *Txn) AddAllocatedBlock(bno common.Bnum) {
	tr.mu.Lock()
	if tr.sealed {
		tr.mu.Unlock()
		panic("AddAllocatedBlock: sealed transaction")
	}
	tr.allocated = append(tr.allocated, bno)
	tr.mu.Unlock()
}

// AddFreeBlock records that bno was freed under this transaction. With
// delayed set, the in-memory bitmap keeps the block allocated until
// the transaction commits, so it cannot be reused before it is durably
// released; the caller marks it free afterwards via DelayedFrees.
func (tr *Txn) AddFreeBlock(bno common.Bnum, delayed bool) {
	tr.mu.Lock()
	if tr.sealed {
		tr.mu.Unlock()
		panic("AddFreeBlock: sealed transaction")
	}
	tr.freed = append(tr.freed, bno)
	if delayed {
		tr.delayed = append(tr.delayed, bno)
	}
	tr.mu.Unlock()
}

// LogNewFile records an inode created under this transaction; NewFiles
// returns the list. The list is kept in memory only: it is not written
// to the journal, and Recover does not consult it.
func (tr *Txn) LogNewFile(inum common.Inum) {
	tr.mu.Lock()
	if tr.sealed {
		tr.mu.Unlock()
		panic("LogNewFile: sealed transaction")
	}
	tr.newFiles = append(tr.newFiles, inum)
	tr.mu.Unlock()
}

func (tr *Txn) seal() {
	tr.mu.Lock()
	if tr.sealed {
		tr.mu.Unlock()
		panic("seal: already sealed")
	}
	tr.sealed = true
	tr.mu.Unlock()
}

// Blocks returns the snapshots in first-write order, one per block
// number.
func (tr *Txn) Blocks() []*BlockSnap {
	tr.mu.Lock()
	bufs := make([]*BlockSnap, 0, len(tr.order))
	for _, bno := range tr.order {
		bufs = append(bufs, tr.blocks[bno])
	}
	tr.mu.Unlock()
	return bufs
}

func (tr *Txn) NDirty() uint64 {
	tr.mu.Lock()
	n := uint64(len(tr.order))
	tr.mu.Unlock()
	return n
}

func (tr *Txn) AllocatedBlocks() []common.Bnum {
	tr.mu.Lock()
	bnos := append([]common.Bnum(nil), tr.allocated...)
	tr.mu.Unlock()
	return bnos
}

func (tr *Txn) FreeBlocks() []common.Bnum {
	tr.mu.Lock()
	bnos := append([]common.Bnum(nil), tr.freed...)
	tr.mu.Unlock()
	return bnos
}

// DelayedFrees returns the freed blocks whose in-memory bitmap mark
// was deferred to commit time.
func (tr *Txn) DelayedFrees() []common.Bnum {
	tr.mu.Lock()
	bnos := append([]common.Bnum(nil), tr.delayed...)
	tr.mu.Unlock()
	return bnos
}

func (tr *Txn) NewFiles() []common.Inum {
	tr.mu.Lock()
	inums := append([]common.Inum(nil), tr.newFiles...)
	tr.mu.Unlock()
	return inums
}
