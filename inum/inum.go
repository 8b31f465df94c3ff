// Package inum allocates inode numbers. A vector of records indexed
// by inum gives O(1) lookup; free records are threaded onto per-CPU
// doubly-linked freelists plus a shared reserve list. Allocation and
// free touch only one list in the common case.
package inum

import (
	"sync"
	"sync/atomic"

	"github.com/mit-pdos/scalefs/common"
	"github.com/mit-pdos/scalefs/util"
)

const (
	NSHARD = 8
	// batch pulled from the reserve when a per-CPU list runs dry, and
	// the spill threshold back to the reserve
	batch = 32
	spill = 4 * batch
)

// list ids stored in record.list
const (
	listNone    int32 = -1
	listReserve int32 = -2
)

type record struct {
	inum   common.Inum
	isFree bool
	// owning list: a shard index, listReserve, or listNone. Written
	// under the owner's lock, read with atomic loads by MarkUsed.
	list int32
	next *record
	prev *record
}

type freelist struct {
	mu   sync.Mutex
	head *record
	n    uint64
}

// push adds rec to the front. Caller holds l.mu.
func (l *freelist) push(rec *record, id int32) {
	rec.next = l.head
	rec.prev = nil
	if l.head != nil {
		l.head.prev = rec
	}
	l.head = rec
	l.n++
	rec.isFree = true
	atomic.StoreInt32(&rec.list, id)
}

// pop removes the front record, or nil. Caller holds l.mu.
func (l *freelist) pop() *record {
	rec := l.head
	if rec == nil {
		return nil
	}
	l.unlink(rec)
	return rec
}

// unlink removes rec, which must be on l. Caller holds l.mu.
func (l *freelist) unlink(rec *record) {
	if rec.prev != nil {
		rec.prev.next = rec.next
	} else {
		l.head = rec.next
	}
	if rec.next != nil {
		rec.next.prev = rec.prev
	}
	rec.next = nil
	rec.prev = nil
	l.n--
	rec.isFree = false
	atomic.StoreInt32(&rec.list, listNone)
}

type Alloc struct {
	records []record
	shards  [NSHARD]freelist
	reserve freelist
	rotor   uint64
}

// MkAlloc builds the allocator over inums [0, ninodes); free names the
// initially free numbers (from the mount-time inode-table scan). All
// free records start on the reserve; per-CPU lists fill on demand.
func MkAlloc(ninodes uint64, free []common.Inum) *Alloc {
	a := &Alloc{
		records: make([]record, ninodes),
	}
	for i := range a.records {
		a.records[i].inum = common.Inum(i)
		a.records[i].list = listNone
	}
	for _, inum := range free {
		a.reserve.push(&a.records[inum], listReserve)
	}
	util.DPrintf(1, "inum: %d free of %d\n", len(free), ninodes)
	return a
}

// mine picks this caller's shard. Go exposes no stable CPU id, so a
// rotor spreads callers across shards instead.
func (a *Alloc) mine() uint64 {
	return atomic.AddUint64(&a.rotor, 1) % NSHARD
}

// AllocNum returns a free inum, pulling a batch from the reserve when
// this CPU's list is empty. Fails with ErrNoInums when no list has a
// free number left.
func (a *Alloc) AllocNum() (common.Inum, error) {
	si := a.mine()
	s := &a.shards[si]
	s.mu.Lock()
	if s.head == nil {
		a.refill(s, int32(si))
	}
	rec := s.pop()
	s.mu.Unlock()
	if rec == nil {
		// reserve is dry; free numbers may still sit on sibling
		// lists
		rec = a.steal()
	}
	if rec == nil {
		return common.NULLINUM, common.ErrNoInums
	}
	util.DPrintf(5, "inum: alloc %d\n", rec.inum)
	return rec.inum, nil
}

// refill moves up to batch records from the reserve to s. Lock order
// is always shard then reserve.
func (a *Alloc) refill(s *freelist, id int32) {
	a.reserve.mu.Lock()
	for i := 0; i < batch; i++ {
		rec := a.reserve.pop()
		if rec == nil {
			break
		}
		s.push(rec, id)
	}
	a.reserve.mu.Unlock()
}

// steal pops a record from any non-empty sibling list, one lock at a
// time.
func (a *Alloc) steal() *record {
	for i := range a.shards {
		s := &a.shards[i]
		s.mu.Lock()
		rec := s.pop()
		s.mu.Unlock()
		if rec != nil {
			return rec
		}
	}
	return nil
}

// FreeNum returns inum to this CPU's list, spilling half the list to
// the reserve if it has grown past the threshold.
func (a *Alloc) FreeNum(inum common.Inum) {
	rec := &a.records[inum]
	si := a.mine()
	s := &a.shards[si]
	s.mu.Lock()
	if rec.isFree {
		panic("inum: freeing free inum")
	}
	s.push(rec, int32(si))
	if s.n > spill {
		a.reserve.mu.Lock()
		for s.n > spill/2 {
			r := s.pop()
			a.reserve.push(r, listReserve)
		}
		a.reserve.mu.Unlock()
	}
	s.mu.Unlock()
	util.DPrintf(5, "inum: free %d\n", inum)
}

// MarkUsed claims inum if it is on some freelist; the inode-table scan
// path calls this when it wins an inode the allocator still considers
// free. A record already in use is left alone.
func (a *Alloc) MarkUsed(inum common.Inum) {
	rec := &a.records[inum]
	for {
		id := atomic.LoadInt32(&rec.list)
		if id == listNone {
			return
		}
		l := a.listFor(id)
		l.mu.Lock()
		if atomic.LoadInt32(&rec.list) != id {
			// moved while we were acquiring; retry
			l.mu.Unlock()
			continue
		}
		l.unlink(rec)
		l.mu.Unlock()
		return
	}
}

func (a *Alloc) listFor(id int32) *freelist {
	if id == listReserve {
		return &a.reserve
	}
	return &a.shards[id]
}

// NumFree counts the free inums across all lists.
func (a *Alloc) NumFree() uint64 {
	n := uint64(0)
	for i := range a.shards {
		a.shards[i].mu.Lock()
		n += a.shards[i].n
		a.shards[i].mu.Unlock()
	}
	a.reserve.mu.Lock()
	n += a.reserve.n
	a.reserve.mu.Unlock()
	return n
}
