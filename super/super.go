// Package super reads and writes the superblock and computes the disk
// layout: boot block, superblock, inode table, free bitmap, journal,
// data blocks.
package super

import (
	"github.com/tchajed/goose/machine/disk"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/scalefs/common"
	"github.com/mit-pdos/scalefs/util"
)

// FsSuper is the superblock plus the derived layout. It is read once
// at mount and immutable afterwards; the reclaim list is consulted on
// mount only.
type FsSuper struct {
	Disk disk.Disk

	Size    uint64 // total blocks
	NInodes uint64
	NBlocks uint64 // data blocks

	ReclaimInodes []common.Inum

	// derived layout
	InodeLen     uint64 // blocks of inode table
	BitmapStart  common.Bnum
	BitmapLen    uint64
	JournalStart common.Bnum
	DataStart    common.Bnum
}

func layout(size uint64, ninodes uint64) (inodeLen, bitmapLen, dataStart uint64) {
	inodeLen = util.RoundUp(ninodes, common.IPB)
	bitmapLen = util.RoundUp(size, common.BPB)
	dataStart = uint64(common.INODESTART) + inodeLen + bitmapLen + common.LOGBLOCKS
	return
}

func (fs *FsSuper) fill() {
	inodeLen, bitmapLen, dataStart := layout(fs.Size, fs.NInodes)
	fs.InodeLen = inodeLen
	fs.BitmapStart = common.INODESTART + inodeLen
	fs.BitmapLen = bitmapLen
	fs.JournalStart = fs.BitmapStart + bitmapLen
	fs.DataStart = dataStart
}

// MkFsSuper reads the superblock from d.
func MkFsSuper(d disk.Disk) *FsSuper {
	blk := d.Read(uint64(common.SUPERBLK))
	dec := marshal.NewDec(blk)
	fs := &FsSuper{Disk: d}
	fs.Size = dec.GetInt()
	fs.NInodes = dec.GetInt()
	fs.NBlocks = dec.GetInt()
	n := dec.GetInt()
	for i := uint64(0); i < n; i++ {
		fs.ReclaimInodes = append(fs.ReclaimInodes, common.Inum(dec.GetInt()))
	}
	fs.fill()
	util.DPrintf(1, "super: size %d ninodes %d nblocks %d data at %d\n",
		fs.Size, fs.NInodes, fs.NBlocks, fs.DataStart)
	return fs
}

// MkFresh computes a superblock for a new filesystem covering all of
// d. It does not write anything; see Write.
func MkFresh(d disk.Disk, ninodes uint64) *FsSuper {
	size := d.Size()
	_, _, dataStart := layout(size, ninodes)
	if dataStart >= size {
		panic("super: disk too small")
	}
	fs := &FsSuper{
		Disk:    d,
		Size:    size,
		NInodes: ninodes,
		NBlocks: size - dataStart,
	}
	fs.fill()
	return fs
}

func (fs *FsSuper) encode() disk.Block {
	enc := marshal.NewEnc(common.BSIZE)
	enc.PutInt(fs.Size)
	enc.PutInt(fs.NInodes)
	enc.PutInt(fs.NBlocks)
	enc.PutInt(uint64(len(fs.ReclaimInodes)))
	for _, inum := range fs.ReclaimInodes {
		enc.PutInt(uint64(inum))
	}
	return enc.Finish()
}

// Write persists the superblock.
func (fs *FsSuper) Write() {
	fs.Disk.Write(uint64(common.SUPERBLK), fs.encode())
	fs.Disk.Barrier()
}
