// Package fs is the filesystem core: the inode store, directory
// layer, path resolver, and the bootstrap that ties the allocators,
// buffer cache, and journal together.
//
// Data flow: callers resolve paths, lock inodes, and read or write
// data through the block map; dirty buffers are logged into a
// transaction; the transaction is added to the journal; the journal
// flushes transactions to disk in commit order.
package fs

import (
	"sync/atomic"

	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/scalefs/balloc"
	"github.com/mit-pdos/scalefs/bcache"
	"github.com/mit-pdos/scalefs/common"
	"github.com/mit-pdos/scalefs/epoch"
	"github.com/mit-pdos/scalefs/inum"
	"github.com/mit-pdos/scalefs/super"
	"github.com/mit-pdos/scalefs/txn"
	"github.com/mit-pdos/scalefs/util"
)

// ncpu sizes the per-CPU state (lastInode and the inum freelists).
const ncpu = inum.NSHARD

type Fs struct {
	Super *super.FsSuper

	bc      *bcache.Bcache
	journal *txn.Journal
	balloc  *balloc.Alloc
	ialloc  *inum.Alloc
	gc      *epoch.GC
	icache  *icache
	root    *Inode

	// last inode allocated per CPU; unsynchronized, each slot has a
	// single writer at a time
	lastInode []uint64
	rotor     uint64
}

// MkFs mounts the filesystem on d: reads the superblock, replays the
// journal, rebuilds the in-memory bitmap and inum freelists, loads the
// root inode, and reclaims the superblock's orphan list.
func MkFs(d disk.Disk) *Fs {
	sup := super.MkFsSuper(d)

	journal := txn.MkJournal(d, sup.JournalStart)
	if n := journal.Recover(); n > 0 {
		util.DPrintf(1, "fs: recovered %d journal blocks\n", n)
	}

	bc := bcache.MkBcache(d)
	fs := &Fs{
		Super:     sup,
		bc:        bc,
		journal:   journal,
		balloc:    balloc.MkAlloc(bc, common.ROOTDEV, sup.BitmapStart, sup.Size),
		gc:        epoch.MkGC(),
		icache:    mkIcache(),
		lastInode: make([]uint64, ncpu),
	}
	fs.ialloc = inum.MkAlloc(sup.NInodes, fs.scanFreeInums())

	fs.root = fs.Iget(common.ROOTDEV, common.ROOTINUM)
	if fs.root.Type() != common.TDIR {
		panic("MkFs: root is not a directory")
	}

	fs.reclaimOrphans()
	return fs
}

// scanFreeInums reads the inode table and returns the free inode
// numbers. Inum 0 is never handed out.
func (fs *Fs) scanFreeInums() []common.Inum {
	var free []common.Inum
	for i := uint64(0); i < fs.Super.InodeLen; i++ {
		b := fs.bc.Get(common.ROOTDEV, common.INODESTART+i, false)
		b.RLock()
		for j := uint64(0); j < common.IPB; j++ {
			inum := common.Inum(i*common.IPB + j)
			if inum == common.NULLINUM || uint64(inum) >= fs.Super.NInodes {
				continue
			}
			di := decodeDinode(b.Data[j*common.INODESZ : (j+1)*common.INODESZ])
			if di.itype == common.TFREE {
				free = append(free, inum)
			}
		}
		b.RUnlock()
		fs.bc.Release(b)
	}
	return free
}

// reclaimOrphans frees the inodes named by the superblock's reclaim
// list: files that were unlinked but still open at crash time.
func (fs *Fs) reclaimOrphans() {
	inums := fs.Super.ReclaimInodes
	if len(inums) == 0 {
		return
	}
	for _, inum := range inums {
		ip := fs.Iget(common.ROOTDEV, inum)
		if ip.Type() != common.TFREE && ip.Nlink() == 0 {
			util.DPrintf(1, "fs: reclaiming orphan inode %d\n", inum)
			fs.ReclaimInode(ip)
		}
		ip.Release()
	}
	fs.Super.ReclaimInodes = nil
	fs.Super.Write()
}

// Root returns the root inode with a fresh reference.
func (fs *Fs) Root() *Inode {
	fs.root.incRef()
	return fs.root
}

// GetSuperblock returns a copy of the superblock; the reclaim list is
// included only when asked for (it matters on mount only).
func (fs *Fs) GetSuperblock(getReclaim bool) super.FsSuper {
	sup := *fs.Super
	sup.Disk = nil
	if !getReclaim {
		sup.ReclaimInodes = nil
	}
	return sup
}

// NumFreeBlocks reports the free data blocks in the in-memory bitmap.
func (fs *Fs) NumFreeBlocks() uint64 {
	return fs.balloc.NumFree()
}

func (fs *Fs) cpu() uint64 {
	return atomic.AddUint64(&fs.rotor, 1) % ncpu
}

// Begin starts a transaction.
func (fs *Fs) Begin() *txn.Txn {
	return fs.journal.Begin()
}

// CommitTransaction reconciles the transaction's allocation intents
// with the on-disk bitmap, seals it into the journal, flushes the
// journal, and applies the delayed frees so the released blocks become
// reusable only after they are durably free.
func (fs *Fs) CommitTransaction(tr *txn.Txn) {
	fs.balloc.ApplyOnDisk(tr.AllocatedBlocks(), tr, true)
	fs.balloc.ApplyOnDisk(tr.FreeBlocks(), tr, false)
	fs.journal.Add(tr)
	fs.journal.FlushToDisk()
	fs.balloc.ApplyFrees(tr.DelayedFrees())
}

// ReclaimInode frees a fully unlinked inode once every open descriptor
// has closed: it truncates the data, marks the disk inode FREE in a
// committed transaction, returns the number to the allocator, and
// releases the init-time reclaim reference. The MemFS layer drives
// this on final close.
func (fs *Fs) ReclaimInode(ip *Inode) {
	tr := fs.Begin()
	ip.Ilock(true)
	if ip.nlink != 0 {
		panic("ReclaimInode: inode still linked")
	}
	fs.Itrunc(ip, 0, tr)
	ip.Major = 0
	ip.Minor = 0
	atomic.StoreUint32(&ip.itype, common.TFREE)
	fs.Iupdate(ip, tr)
	ip.Iunlock()
	fs.CommitTransaction(tr)

	fs.ialloc.FreeNum(ip.Inum)
	ip.Release() // the reference init took for the reclaim path
}
