package fs

import (
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/scalefs/common"
	"github.com/mit-pdos/scalefs/txn"
	"github.com/mit-pdos/scalefs/util"
)

// Directories.
//
// On disk a directory is a sequence of fixed-size dirent records
// {inum, name}; inum == 0 marks a tombstone. Deletion zeroes the inum
// in place and the slot is never reused; a re-created name gets a
// fresh trailing offset. In memory each directory carries a hashed
// index name -> (inum, offset) built lazily from the on-disk pages;
// dirOffset names the next insertion point and equals the directory
// file size at steady state.

type dirEnt struct {
	inum   common.Inum
	offset uint64
}

func encodeDirent(inum common.Inum, name string) []byte {
	enc := marshal.NewEnc(common.DIRENTSZ)
	enc.PutInt32(uint32(inum))
	buf := make([]byte, common.DIRSIZ)
	copy(buf, name)
	enc.PutBytes(buf)
	return enc.Finish()
}

// decodeDirent trims the NUL padding; a name of exactly DIRSIZ bytes
// has no trailing NUL.
func decodeDirent(buf []byte) (common.Inum, string) {
	dec := marshal.NewDec(buf)
	inum := common.Inum(dec.GetInt32())
	name := dec.GetBytes(common.DIRSIZ)
	n := 0
	for n < len(name) && name[n] != 0 {
		n++
	}
	return inum, string(name[:n])
}

// dirInit builds the in-memory index from the directory's data
// blocks. Tombstones are skipped but their offsets are consumed.
// Idempotent; the index is built at most once.
func (fs *Fs) dirInit(dp *Inode) {
	dp.dirMu.Lock()
	defer dp.dirMu.Unlock()
	if dp.dir != nil {
		return
	}
	if dp.Type() != common.TDIR {
		panic("dirInit: inode is not a directory")
	}

	dir := make(map[string]dirEnt)
	dirOffset := uint64(0)

	for off := uint64(0); off < dp.Size; off += common.BSIZE {
		if dirOffset != off {
			panic("dirInit: directory not dense")
		}
		bno, err := fs.bmap(dp, off/common.BSIZE, nil, true)
		if err != nil {
			panic("dirInit: out of blocks")
		}
		b := fs.bc.Get(dp.Dev, bno, false)
		b.RLock()
		for o := uint64(0); o+common.DIRENTSZ <= common.BSIZE && dirOffset < dp.Size; o += common.DIRENTSZ {
			inum, name := decodeDirent(b.Data[o : o+common.DIRENTSZ])
			if inum != common.NULLINUM {
				dir[name] = dirEnt{inum: inum, offset: dirOffset}
			}
			dirOffset += common.DIRENTSZ
		}
		b.RUnlock()
		fs.bc.Release(b)
	}

	dp.dir = dir
	dp.dirOffset = dirOffset
	util.DPrintf(3, "dirInit: (%d,%d) %d entries, offset %d\n",
		dp.Dev, dp.Inum, len(dir), dirOffset)
}

// dirFlushEntry writes exactly one dirent record at its stored offset.
// If the write extended the directory the inode size is updated and
// logged. Caller holds the write latch.
func (fs *Fs) dirFlushEntry(dp *Inode, name string, inum common.Inum, offset uint64, tr *txn.Txn) {
	rec := encodeDirent(inum, name)
	n, err := fs.Writei(dp, rec, offset, tr, false)
	if err != nil || n != common.DIRENTSZ {
		panic("dirFlushEntry: short write")
	}

	if dp.Size < offset+common.DIRENTSZ {
		dp.Size = offset + common.DIRENTSZ
	}
	fs.Iupdate(dp, tr)
}

// Dirlookup looks name up in dp's index and returns a referenced
// inode, or ErrNotFound.
func (fs *Fs) Dirlookup(dp *Inode, name string) (*Inode, error) {
	fs.dirInit(dp)

	dp.dirMu.Lock()
	de, ok := dp.dir[name]
	dp.dirMu.Unlock()

	if !ok || de.inum == common.NULLINUM {
		return nil, common.ErrNotFound
	}
	return fs.Iget(dp.Dev, de.inum), nil
}

// Dirlink writes a new entry (name, inum) into dp at the next offset,
// bumps the target's nlink, and, if incLink, bumps dp's nlink. A
// directory's ".." is not counted as an incoming link, so linking ".."
// changes no link counts at all. Caller holds dp's write latch.
func (fs *Fs) Dirlink(dp *Inode, name string, inum common.Inum, incLink bool, tr *txn.Txn) error {
	if uint64(len(name)) > common.DIRSIZ {
		return common.ErrNameTooLong
	}
	fs.dirInit(dp)

	dp.dirMu.Lock()
	if _, ok := dp.dir[name]; ok {
		dp.dirMu.Unlock()
		return common.ErrExists
	}
	offset := dp.dirOffset
	dp.dir[name] = dirEnt{inum: inum, offset: offset}
	dp.dirOffset += common.DIRENTSZ
	dp.dirMu.Unlock()

	if name != ".." {
		ip := fs.Iget(dp.Dev, inum)
		ip.link()
		ip.Release()

		if incLink {
			dp.link()
		}
	}

	fs.dirFlushEntry(dp, name, inum, offset, tr)
	return nil
}

// Dirunlink tombstones the entry for name, drops the target's nlink,
// and, if decLink, drops dp's nlink, with the same ".." exception as
// Dirlink. Unlinking an absent name fails with no side effects. Caller
// holds dp's write latch.
func (fs *Fs) Dirunlink(dp *Inode, name string, inum common.Inum, decLink bool, tr *txn.Txn) error {
	fs.dirInit(dp)

	dp.dirMu.Lock()
	de, ok := dp.dir[name]
	if !ok {
		dp.dirMu.Unlock()
		return common.ErrNotFound
	}
	delete(dp.dir, name)
	dp.dirMu.Unlock()

	if name != ".." {
		ip := fs.Iget(dp.Dev, inum)
		ip.unlink()
		ip.Release()

		if decLink {
			dp.unlink()
		}
	}

	// tombstone at the stored offset
	fs.dirFlushEntry(dp, name, common.NULLINUM, de.offset, tr)
	return nil
}
