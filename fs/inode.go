package fs

import (
	"sync"
	"sync/atomic"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/scalefs/common"
	"github.com/mit-pdos/scalefs/txn"
	"github.com/mit-pdos/scalefs/util"
)

// Inodes.
//
// An inode is a single, unnamed file. The on-disk record (dinode)
// holds the type, device numbers, link count, size, generation, and
// the block address array: NDIRECT direct blocks, one indirect block,
// one doubly-indirect block. The in-memory inode adds the latch, the
// reference count, and the directory index.
//
// ref counts the pointer references to the cached object. nlink > 0
// contributes one reference; init takes one extra reference that the
// reclaim path releases, which keeps the inode alive until every open
// descriptor closes even after the last unlink. When ref reaches zero
// the inode leaves the hash table and is destroyed after the current
// epoch drains.
//
// busy/readbusy implement the single-writer/multi-reader latch. They
// are flags sleeping on a condition variable rather than a
// reader-writer lock because inode operations block on disk I/O while
// holding the latch.

type Inode struct {
	Dev  uint64
	Inum common.Inum

	mu       sync.Mutex // protects valid, busy, readbusy
	cv       *sync.Cond
	valid    bool
	busy     bool
	readbusy uint32

	ref   int64  // atomic
	itype uint32 // atomic; TFREE<->type CAS in ialloc

	// metadata, guarded by the latch
	Major uint32
	Minor uint32
	nlink uint32
	Size  uint64
	Gen   uint64
	Addrs [common.NADDRS]common.Bnum

	// directory index (nil until dirInit); see dir.go
	dirMu     sync.Mutex
	dir       map[string]dirEnt
	dirOffset uint64

	fs *Fs
}

func mkInode(fs *Fs, dev uint64, inum common.Inum) *Inode {
	ip := &Inode{
		Dev:  dev,
		Inum: inum,
		ref:  1,
		fs:   fs,
	}
	ip.cv = sync.NewCond(&ip.mu)
	return ip
}

// Type reads the inode type; safe without the latch.
func (ip *Inode) Type() uint32 {
	return atomic.LoadUint32(&ip.itype)
}

func (ip *Inode) Nlink() uint32 {
	return ip.nlink
}

func (ip *Inode) incRef() {
	if atomic.AddInt64(&ip.ref, 1) == 1 {
		panic("incRef: resurrecting inode")
	}
}

// Release drops one reference. At zero the inode is unpublished and
// scheduled for destruction after the current epoch.
func (ip *Inode) Release() {
	v := atomic.AddInt64(&ip.ref, -1)
	if v < 0 {
		panic("Release: negative refcount")
	}
	if v == 0 {
		ip.onzero()
	}
}

func (ip *Inode) onzero() {
	ip.mu.Lock()
	if ip.busy || ip.readbusy > 0 {
		panic("onzero: inode is busy (locked)")
	}
	if !ip.valid {
		panic("onzero: inode's valid flag is false")
	}
	ip.busy = true
	ip.readbusy++
	ip.mu.Unlock()

	ip.fs.icache.remove(ip)
	ip.fs.gc.Defer(func() {
		ip.dirMu.Lock()
		ip.dir = nil
		ip.dirMu.Unlock()
	})
}

// link bumps nlink; the transition 0 -> 1 takes a reference. Caller
// holds the write latch if the inode is reachable from multiple
// threads.
func (ip *Inode) link() {
	ip.nlink++
	if ip.nlink == 1 {
		ip.incRef()
	}
}

// unlink drops nlink; the transition 1 -> 0 releases the nlink
// reference. That is never the last reference: the init-time reclaim
// reference is still held.
func (ip *Inode) unlink() {
	if ip.nlink == 0 {
		panic("unlink: nlink is zero")
	}
	ip.nlink--
	if ip.nlink == 0 {
		ip.Release()
	}
}

// Ilock takes the latch: a writer requires both flags clear, readers
// require only !busy. The inode must be valid.
func (ip *Inode) Ilock(writeLock bool) {
	ip.mu.Lock()
	if writeLock {
		for ip.busy || ip.readbusy > 0 {
			ip.cv.Wait()
		}
		ip.busy = true
	} else {
		for ip.busy {
			ip.cv.Wait()
		}
	}
	ip.readbusy++
	ip.mu.Unlock()

	if !ip.valid {
		panic("Ilock: inode's valid flag is false")
	}
}

func (ip *Inode) Iunlock() {
	if ip.readbusy == 0 && !ip.busy {
		panic("Iunlock: inode not locked")
	}
	ip.mu.Lock()
	ip.readbusy--
	ip.busy = false
	ip.cv.Broadcast()
	ip.mu.Unlock()
}

// waitValid blocks until the disk metadata has been loaded.
func (ip *Inode) waitValid() {
	ip.mu.Lock()
	for !ip.valid {
		ip.cv.Wait()
	}
	ip.mu.Unlock()
}

// dinode codec

func encodeDinode(ip *Inode) []byte {
	enc := marshal.NewEnc(common.INODESZ)
	enc.PutInt32(ip.Type())
	enc.PutInt32(ip.Major)
	enc.PutInt32(ip.Minor)
	enc.PutInt32(ip.nlink)
	enc.PutInt(ip.Size)
	enc.PutInt(ip.Gen)
	for _, a := range ip.Addrs {
		enc.PutInt(uint64(a))
	}
	return enc.Finish()
}

type dinode struct {
	itype uint32
	major uint32
	minor uint32
	nlink uint32
	size  uint64
	gen   uint64
	addrs [common.NADDRS]common.Bnum
}

func decodeDinode(buf []byte) dinode {
	dec := marshal.NewDec(buf)
	var di dinode
	di.itype = dec.GetInt32()
	di.major = dec.GetInt32()
	di.minor = dec.GetInt32()
	di.nlink = dec.GetInt32()
	di.size = dec.GetInt()
	di.gen = dec.GetInt()
	for i := range di.addrs {
		di.addrs[i] = dec.GetInt()
	}
	return di
}

// init loads the disk metadata into a freshly inserted inode, takes
// the nlink and reclaim references, and publishes valid.
func (ip *Inode) init() {
	fs := ip.fs
	b := fs.bc.Get(ip.Dev, common.IBlock(ip.Inum), false)
	b.RLock()
	off := (uint64(ip.Inum) % common.IPB) * common.INODESZ
	di := decodeDinode(b.Data[off : off+common.INODESZ])
	b.RUnlock()
	fs.bc.Release(b)

	atomic.StoreUint32(&ip.itype, di.itype)
	ip.Major = di.major
	ip.Minor = di.minor
	ip.nlink = di.nlink
	ip.Size = di.size
	ip.Gen = di.gen
	ip.Addrs = di.addrs

	if ip.nlink > 0 {
		ip.incRef()
	}

	// One more reference, released by the reclaim path on final
	// close. It keeps the inode around until every open descriptor of
	// the file is closed, even after the last unlink.
	ip.incRef()

	ip.mu.Lock()
	ip.valid = true
	ip.cv.Broadcast()
	ip.mu.Unlock()
}

// Iget returns a reference to the cached inode for (dev, inum),
// creating and loading it from disk if absent. When two threads race
// to create, the loser retries and walks the winner's object.
func (fs *Fs) Iget(dev uint64, inum common.Inum) *Inode {
	g := fs.gc.Enter()
	defer g.Exit()

	for {
		if ip := fs.icache.tryGet(dev, inum); ip != nil {
			ip.waitValid()
			return ip
		}

		ip := mkInode(fs, dev, inum)
		ip.busy = true
		ip.readbusy = 1
		if !fs.icache.insert(ip) {
			// Lost the insert race; the unpublished loser is simply
			// dropped.
			continue
		}
		ip.init()
		ip.Iunlock()
		return ip
	}
}

// tryIalloc claims inum if its on-disk type is FREE, via a CAS on the
// type. On success the inode is returned write-locked with a bumped
// generation.
func (fs *Fs) tryIalloc(dev uint64, inum common.Inum, itype uint32) *Inode {
	ip := fs.Iget(dev, inum)
	if ip.Type() != common.TFREE ||
		!atomic.CompareAndSwapUint32(&ip.itype, common.TFREE, itype) {
		ip.Release()
		return nil
	}

	ip.Ilock(true)
	ip.Gen += 1
	if ip.nlink != 0 || ip.Size != 0 || ip.Addrs[0] != common.NULLBNUM {
		panic("tryIalloc: inode not zeroed")
	}
	return ip
}

// Ialloc allocates an inode of the given type on dev and returns it
// write-locked. The per-CPU number allocator supplies candidates; if
// it runs dry, the inum space is scanned starting past this CPU's
// last allocation, wrapping once.
func (fs *Fs) Ialloc(dev uint64, itype uint32) (*Inode, error) {
	g := fs.gc.Enter()
	defer g.Exit()

	for i := 0; i < iallocRetries; i++ {
		inum, err := fs.ialloc.AllocNum()
		if err != nil {
			break
		}
		ip := fs.tryIalloc(dev, inum, itype)
		if ip != nil {
			fs.lastInode[fs.cpu()] = uint64(inum)
			return ip, nil
		}
		// The number was claimed behind the allocator's back (scan
		// path); it is genuinely in use, try the next one.
	}
	return fs.iallocScan(dev, itype)
}

const iallocRetries = 10

func (fs *Fs) iallocScan(dev uint64, itype uint32) (*Inode, error) {
	cpu := fs.cpu()
	ninodes := fs.Super.NInodes

	allScanned := false
	for inum := (fs.lastInode[cpu] + 1) % ninodes; inum < ninodes; inum++ {
		if inum == 0 {
			continue
		}
		ip := fs.tryIalloc(dev, common.Inum(inum), itype)
		if ip != nil {
			fs.lastInode[cpu] = inum
			fs.ialloc.MarkUsed(common.Inum(inum))
			return ip, nil
		}
		if inum == ninodes-1 && !allScanned {
			inum = 0
			allScanned = true
			continue
		}
	}
	util.DPrintf(1, "ialloc: 0/%d inodes\n", ninodes)
	return nil, common.ErrNoInums
}

// Iupdate copies the in-memory inode metadata into its disk-inode
// slot and logs the holding block into tr. The caller holds the latch
// at least for read; writers hold it for write so the logged snapshot
// is consistent.
func (fs *Fs) Iupdate(ip *Inode, tr *txn.Txn) {
	b := fs.bc.Get(ip.Dev, common.IBlock(ip.Inum), false)
	b.Lock()
	off := (uint64(ip.Inum) % common.IPB) * common.INODESZ
	copy(b.Data[off:off+common.INODESZ], encodeDinode(ip))
	b.SetDirty()
	if tr != nil {
		b.AddToTxn(tr)
	}
	b.Unlock()
	fs.bc.Release(b)
}

// UpdateSize sets the inode size and flushes the metadata; writei
// defers size updates to one call here at the end of a flush.
func (fs *Fs) UpdateSize(ip *Inode, size uint64, tr *txn.Txn) {
	ip.Size = size
	fs.Iupdate(ip, tr)
}

// bmap returns the physical block of logical block bn, allocating any
// missing direct, indirect, or doubly-indirect blocks on the way.
// Indirect blocks are always zeroed on allocation; leaves respect
// zeroOnAlloc. Newly written indirect slots are logged into tr. The
// caller holds the write latch when tr is non-nil.
func (fs *Fs) bmap(ip *Inode, bn uint64, tr *txn.Txn, zeroOnAlloc bool) (common.Bnum, error) {
	if bn < common.NDIRECT {
		if ip.Addrs[bn] == common.NULLBNUM {
			bno, err := fs.balloc.AllocBlock(tr, zeroOnAlloc)
			if err != nil {
				return common.NULLBNUM, err
			}
			ip.Addrs[bn] = bno
		}
		return ip.Addrs[bn], nil
	}
	bn -= common.NDIRECT

	if bn < common.NINDIRECT {
		if ip.Addrs[common.NDIRECT] == common.NULLBNUM {
			bno, err := fs.balloc.AllocBlock(tr, true)
			if err != nil {
				return common.NULLBNUM, err
			}
			ip.Addrs[common.NDIRECT] = bno
		}

		b := fs.bc.Get(ip.Dev, ip.Addrs[common.NDIRECT], false)
		b.Lock()
		bno := b.BnumGet(bn)
		if bno == common.NULLBNUM {
			var err error
			bno, err = fs.balloc.AllocBlock(tr, zeroOnAlloc)
			if err != nil {
				b.Unlock()
				fs.bc.Release(b)
				return common.NULLBNUM, err
			}
			b.BnumPut(bn, bno)
			if tr != nil {
				b.AddToTxn(tr)
			}
		}
		b.Unlock()
		fs.bc.Release(b)
		return bno, nil
	}
	bn -= common.NINDIRECT

	if bn >= common.NINDIRECT*common.NINDIRECT {
		panic("bmap: logical block out of range")
	}

	if ip.Addrs[common.NDIRECT+1] == common.NULLBNUM {
		bno, err := fs.balloc.AllocBlock(tr, true)
		if err != nil {
			return common.NULLBNUM, err
		}
		ip.Addrs[common.NDIRECT+1] = bno
	}

	// first level
	fb := fs.bc.Get(ip.Dev, ip.Addrs[common.NDIRECT+1], false)
	fb.Lock()
	l2 := fb.BnumGet(bn / common.NINDIRECT)
	if l2 == common.NULLBNUM {
		var err error
		l2, err = fs.balloc.AllocBlock(tr, true)
		if err != nil {
			fb.Unlock()
			fs.bc.Release(fb)
			return common.NULLBNUM, err
		}
		fb.BnumPut(bn/common.NINDIRECT, l2)
		if tr != nil {
			fb.AddToTxn(tr)
		}
	}
	fb.Unlock()
	fs.bc.Release(fb)

	// second level
	sb := fs.bc.Get(ip.Dev, l2, false)
	sb.Lock()
	bno := sb.BnumGet(bn % common.NINDIRECT)
	if bno == common.NULLBNUM {
		var err error
		bno, err = fs.balloc.AllocBlock(tr, zeroOnAlloc)
		if err != nil {
			sb.Unlock()
			fs.bc.Release(sb)
			return common.NULLBNUM, err
		}
		sb.BnumPut(bn%common.NINDIRECT, bno)
		if tr != nil {
			sb.AddToTxn(tr)
		}
	}
	sb.Unlock()
	fs.bc.Release(sb)
	return bno, nil
}

func blockRoundUp(off uint64) uint64 {
	if off%common.BSIZE != 0 {
		return off/common.BSIZE + 1
	}
	return off / common.BSIZE
}

// Itrunc frees all data blocks at logical offsets >= ceil(offset /
// BSIZE), in three stages: direct, indirect, doubly-indirect. A tier
// root that becomes empty is itself freed; a partially released tier
// root is logged into tr instead. Frees are delayed so the blocks are
// not reused before the transaction commits. Sets size = offset; the
// caller arranges an Iupdate. An offset at or past the current size
// changes nothing, size included. Caller holds the write latch.
func (fs *Fs) Itrunc(ip *Inode, offset uint64, tr *txn.Txn) {
	if ip.Size <= offset || offset >= common.MAXFILE*common.BSIZE {
		return
	}

	bn := blockRoundUp(offset)

	var startIndex uint64
	stage := stageDirect
	if bn < common.NDIRECT {
		stage = stageDirect
		startIndex = bn
	} else if bn < common.NDIRECT+common.NINDIRECT {
		stage = stageIndirect
		startIndex = bn - common.NDIRECT
	} else {
		stage = stageDblIndirect
		startIndex = bn - common.NDIRECT - common.NINDIRECT
	}

	if stage == stageDirect {
		for i := startIndex; i < common.NDIRECT; i++ {
			if ip.Addrs[i] == common.NULLBNUM {
				break
			}
			fs.balloc.FreeBlock(ip.Addrs[i], tr, true)
			ip.Addrs[i] = common.NULLBNUM
		}
		startIndex = 0
		stage = stageIndirect
	}

	if stage == stageIndirect {
		if ip.Addrs[common.NDIRECT] != common.NULLBNUM {
			fs.truncIndirect(ip, startIndex, tr)
			stage = stageDblIndirect
			startIndex = 0
		}
	}

	if stage == stageDblIndirect {
		if ip.Addrs[common.NDIRECT+1] != common.NULLBNUM {
			fs.truncDblIndirect(ip, startIndex, tr)
		}
	}

	if offset == 0 {
		for i := uint64(0); i < common.NADDRS; i++ {
			if ip.Addrs[i] != common.NULLBNUM {
				panic("Itrunc: block survived full truncate")
			}
		}
	}

	ip.Size = offset
}

const (
	stageDirect = iota
	stageIndirect
	stageDblIndirect
)

func (fs *Fs) truncIndirect(ip *Inode, startIndex uint64, tr *txn.Txn) {
	b := fs.bc.Get(ip.Dev, ip.Addrs[common.NDIRECT], false)
	b.Lock()
	for i := startIndex; i < common.NINDIRECT; i++ {
		bno := b.BnumGet(i)
		if bno == common.NULLBNUM {
			break
		}
		fs.balloc.FreeBlock(bno, tr, true)
		b.BnumPut(i, common.NULLBNUM)
	}
	if startIndex != 0 {
		// partially released; keep the updated root
		b.AddToTxn(tr)
	}
	b.Unlock()
	fs.bc.Release(b)

	if startIndex == 0 {
		fs.balloc.FreeBlock(ip.Addrs[common.NDIRECT], tr, true)
		ip.Addrs[common.NDIRECT] = common.NULLBNUM
	}
}

func (fs *Fs) truncDblIndirect(ip *Inode, startIndex uint64, tr *txn.Txn) {
	b1 := fs.bc.Get(ip.Dev, ip.Addrs[common.NDIRECT+1], false)
	b1.Lock()
	begin := startIndex
	for i := begin / common.NINDIRECT; i < common.NINDIRECT; i++ {
		l2 := b1.BnumGet(i)
		if l2 == common.NULLBNUM {
			break
		}

		first := begin % common.NINDIRECT
		b2 := fs.bc.Get(ip.Dev, l2, false)
		b2.Lock()
		for j := first; j < common.NINDIRECT; j++ {
			bno := b2.BnumGet(j)
			if bno == common.NULLBNUM {
				break
			}
			fs.balloc.FreeBlock(bno, tr, true)
			b2.BnumPut(j, common.NULLBNUM)
		}
		if first != 0 {
			b2.AddToTxn(tr)
		}
		b2.Unlock()
		fs.bc.Release(b2)

		if first == 0 {
			fs.balloc.FreeBlock(l2, tr, true)
			b1.BnumPut(i, common.NULLBNUM)
		}

		// Only the first second-level block starts mid-way.
		begin = 0
	}
	if startIndex != 0 {
		b1.AddToTxn(tr)
	}
	b1.Unlock()
	fs.bc.Release(b1)

	if startIndex == 0 {
		fs.balloc.FreeBlock(ip.Addrs[common.NDIRECT+1], tr, true)
		ip.Addrs[common.NDIRECT+1] = common.NULLBNUM
	}
}

// Readi reads len(dst) bytes at off. No latch is required: the MemFS
// layer guarantees the ranges touched by concurrent Readi and Writei
// on one inode are disjoint (Writei runs only in fsync, and readers
// of dirty pages are served by MemFS directly).
func (fs *Fs) Readi(ip *Inode, dst []byte, off uint64) (uint64, error) {
	g := fs.gc.Enter()
	defer g.Exit()

	n := uint64(len(dst))
	if ip.Type() == common.TDEV {
		return 0, common.ErrBadOffset
	}
	if off > ip.Size || util.SumOverflows(off, n) {
		return 0, common.ErrBadOffset
	}
	if off+n > ip.Size {
		n = ip.Size - off
	}

	for tot := uint64(0); tot < n; {
		bno, err := fs.bmap(ip, off/common.BSIZE, nil, true)
		if err != nil {
			// A read allocates only to fill a hole; running out of
			// blocks there is fatal.
			panic("Readi: out of blocks")
		}
		m := util.Min(n-tot, common.BSIZE-off%common.BSIZE)

		b := fs.bc.Get(ip.Dev, bno, false)
		b.RLock()
		copy(dst[tot:tot+m], b.Data[off%common.BSIZE:])
		b.RUnlock()
		fs.bc.Release(b)

		tot += m
		off += m
	}
	return n, nil
}

// Writei writes src at off, flushing each modified buffer either by
// direct write-back or by logging it into tr. A whole-block overwrite
// skips the disk read. The inode size is not updated here; the caller
// invokes UpdateSize once at the end. On out-of-blocks the bytes
// written so far are returned along with the error. Caller holds the
// write latch.
func (fs *Fs) Writei(ip *Inode, src []byte, off uint64, tr *txn.Txn, writeback bool) (uint64, error) {
	g := fs.gc.Enter()
	defer g.Exit()

	ip.mu.Lock()
	busy := ip.busy
	ip.mu.Unlock()
	if !busy {
		panic("Writei: inode not write-locked")
	}

	n := uint64(len(src))
	if ip.Type() == common.TDEV {
		return 0, common.ErrBadOffset
	}
	if util.SumOverflows(off, n) || off >= common.MAXFILE*common.BSIZE {
		return 0, common.ErrBadOffset
	}
	if off+n > common.MAXFILE*common.BSIZE {
		n = common.MAXFILE*common.BSIZE - off
	}

	for tot := uint64(0); tot < n; {
		m := util.Min(n-tot, common.BSIZE-off%common.BSIZE)

		// Skip reading the block if we overwrite all of it anyway.
		skipRead := off%common.BSIZE == 0 && m == common.BSIZE

		bno, err := fs.bmap(ip, off/common.BSIZE, tr, !skipRead)
		if err != nil {
			util.DPrintf(1, "Writei: out of blocks\n")
			return tot, err
		}

		b := fs.bc.Get(ip.Dev, bno, skipRead)
		b.Lock()
		copy(b.Data[off%common.BSIZE:], src[tot:tot+m])
		b.SetDirty()
		// Snapshot this version of the block while the write guard is
		// held, so the transaction logs exactly these contents.
		if !writeback && tr != nil {
			b.AddToTxn(tr)
		}
		b.Unlock()
		if writeback {
			fs.bc.WritebackAsync(b)
		}
		fs.bc.Release(b)

		tot += m
		off += m
	}
	return n, nil
}

// DropBufcache evicts this inode's clean cached blocks. Indirect
// blocks that are absent from the cache are not read in just to be
// thrown out: none of their leaves can be cached either. Caller holds
// at least the read latch.
func (fs *Fs) DropBufcache(ip *Inode) {
	for i := uint64(0); i < common.NDIRECT; i++ {
		if ip.Addrs[i] != common.NULLBNUM {
			fs.bc.Drop(ip.Dev, ip.Addrs[i])
		}
	}

	if ip.Addrs[common.NDIRECT] != common.NULLBNUM &&
		fs.bc.InCache(ip.Dev, ip.Addrs[common.NDIRECT]) {
		b := fs.bc.Get(ip.Dev, ip.Addrs[common.NDIRECT], false)
		b.RLock()
		for i := uint64(0); i < common.NINDIRECT; i++ {
			if bno := b.BnumGet(i); bno != common.NULLBNUM {
				fs.bc.Drop(ip.Dev, bno)
			}
		}
		b.RUnlock()
		fs.bc.Release(b)
		fs.bc.Drop(ip.Dev, ip.Addrs[common.NDIRECT])
	}

	if ip.Addrs[common.NDIRECT+1] != common.NULLBNUM &&
		fs.bc.InCache(ip.Dev, ip.Addrs[common.NDIRECT+1]) {
		b1 := fs.bc.Get(ip.Dev, ip.Addrs[common.NDIRECT+1], false)
		b1.RLock()
		for i := uint64(0); i < common.NINDIRECT; i++ {
			l2 := b1.BnumGet(i)
			if l2 == common.NULLBNUM || !fs.bc.InCache(ip.Dev, l2) {
				continue
			}
			b2 := fs.bc.Get(ip.Dev, l2, false)
			b2.RLock()
			for j := uint64(0); j < common.NINDIRECT; j++ {
				if bno := b2.BnumGet(j); bno != common.NULLBNUM {
					fs.bc.Drop(ip.Dev, bno)
				}
			}
			b2.RUnlock()
			fs.bc.Release(b2)
			fs.bc.Drop(ip.Dev, l2)
		}
		b1.RUnlock()
		fs.bc.Release(b1)
		fs.bc.Drop(ip.Dev, ip.Addrs[common.NDIRECT+1])
	}
}
