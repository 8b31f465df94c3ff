package txn

import (
	"sync"

	"github.com/tchajed/goose/machine/disk"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/scalefs/common"
	"github.com/mit-pdos/scalefs/util"
)

// Journal is an ordered queue of sealed transactions backed by an
// on-disk journal region: a header block followed by LOGSLOTS data
// slots.
//
// Commit discipline, per transaction (in chunks of at most LOGSLOTS
// blocks):
//  1. write the snapshots to their journal slots
//  2. write the header naming the slots (the commit record), barrier
//  3. copy each block from its slot to its home location
//  4. write an empty header, barrier
// A crash before step 2 discards the transaction; a crash after it is
// replayed by Recover.
type Journal struct {
	mu     sync.Mutex
	d      disk.Disk
	start  common.Bnum // header block; slots follow
	nextId uint64
	txns   []*Txn
}

func MkJournal(d disk.Disk, start common.Bnum) *Journal {
	return &Journal{
		d:      d,
		start:  start,
		nextId: 1,
	}
}

// Begin returns a fresh transaction stamped with the next timestamp.
func (j *Journal) Begin() *Txn {
	j.mu.Lock()
	id := j.nextId
	j.nextId++
	j.mu.Unlock()
	util.DPrintf(3, "journal: begin txn %d\n", id)
	return mkTxn(id)
}

// Add seals tr and enqueues it for the next flush. All writers must
// have finished AddBlock by now; a later AddBlock panics.
func (j *Journal) Add(tr *Txn) {
	tr.seal()
	j.mu.Lock()
	j.txns = append(j.txns, tr)
	j.mu.Unlock()
	util.DPrintf(3, "journal: add txn %d (%d blocks)\n", tr.Id, tr.NDirty())
}

// FlushToDisk commits the enqueued transactions in order and clears
// the queue.
func (j *Journal) FlushToDisk() {
	j.mu.Lock()
	txns := j.txns
	j.txns = nil
	for _, tr := range txns {
		j.commit(tr)
	}
	j.mu.Unlock()
}

// NQueued reports the transactions waiting for the next flush.
func (j *Journal) NQueued() uint64 {
	j.mu.Lock()
	n := uint64(len(j.txns))
	j.mu.Unlock()
	return n
}

func (j *Journal) hdr(n uint64, id uint64, bnos []common.Bnum) disk.Block {
	enc := marshal.NewEnc(common.BSIZE)
	enc.PutInt(n)
	enc.PutInt(id)
	for _, bno := range bnos {
		enc.PutInt(bno)
	}
	for i := uint64(len(bnos)); i < common.LOGSLOTS; i++ {
		enc.PutInt(0)
	}
	return enc.Finish()
}

func (j *Journal) clearHdr() {
	j.d.Write(uint64(j.start), j.hdr(0, 0, nil))
	j.d.Barrier()
}

func (j *Journal) commit(tr *Txn) {
	bufs := tr.Blocks()
	util.DPrintf(1, "journal: commit txn %d, %d blocks\n", tr.Id, len(bufs))
	for len(bufs) > 0 {
		n := util.Min(uint64(len(bufs)), common.LOGSLOTS)
		j.commitGroup(tr.Id, bufs[:n])
		bufs = bufs[n:]
	}
}

func (j *Journal) commitGroup(id uint64, bufs []*BlockSnap) {
	bnos := make([]common.Bnum, 0, len(bufs))
	for i, b := range bufs {
		j.d.Write(uint64(j.start)+1+uint64(i), b.Data)
		bnos = append(bnos, b.Bno)
	}
	j.d.Barrier()

	// commit record
	j.d.Write(uint64(j.start), j.hdr(uint64(len(bufs)), id, bnos))
	j.d.Barrier()

	// install
	for _, b := range bufs {
		j.d.Write(uint64(b.Bno), b.Data)
	}
	j.d.Barrier()

	j.clearHdr()
}

// Recover replays a committed-but-uninstalled group left behind by a
// crash and returns the number of blocks installed. Called at mount,
// before the filesystem state is rebuilt from disk.
func (j *Journal) Recover() uint64 {
	hdr := j.d.Read(uint64(j.start))
	dec := marshal.NewDec(hdr)
	n := dec.GetInt()
	id := dec.GetInt()
	if n == 0 {
		return 0
	}
	if n > common.LOGSLOTS {
		panic("journal: corrupt header")
	}
	util.DPrintf(1, "journal: recover txn %d, %d blocks\n", id, n)
	for i := uint64(0); i < n; i++ {
		bno := dec.GetInt()
		blk := j.d.Read(uint64(j.start) + 1 + i)
		j.d.Write(bno, blk)
	}
	j.d.Barrier()
	j.clearHdr()
	return n
}
