package fs

import (
	"github.com/tchajed/goose/machine/disk"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/scalefs/common"
	"github.com/mit-pdos/scalefs/super"
	"github.com/mit-pdos/scalefs/util"
)

// Mkfs writes a fresh, empty filesystem covering all of d: superblock,
// zeroed inode table with an allocated root directory, a bitmap that
// claims every metadata block, and an empty journal.
func Mkfs(d disk.Disk, ninodes uint64) *super.FsSuper {
	sup := super.MkFresh(d, ninodes)

	zero := make([]byte, common.BSIZE)
	for i := common.INODESTART; i < sup.DataStart; i++ {
		d.Write(uint64(i), zero)
	}

	// root directory inode
	rootBlk := make([]byte, common.BSIZE)
	enc := marshal.NewEnc(common.INODESZ)
	enc.PutInt32(common.TDIR)
	enc.PutInt32(0) // major
	enc.PutInt32(0) // minor
	enc.PutInt32(1) // nlink
	enc.PutInt(0)   // size
	enc.PutInt(1)   // gen
	for i := uint64(0); i < common.NADDRS; i++ {
		enc.PutInt(uint64(common.NULLBNUM))
	}
	off := (uint64(common.ROOTINUM) % common.IPB) * common.INODESZ
	copy(rootBlk[off:off+common.INODESZ], enc.Finish())
	d.Write(uint64(common.IBlock(common.ROOTINUM)), rootBlk)

	// claim blocks [0, DataStart) in the bitmap
	nmeta := uint64(sup.DataStart)
	for i := uint64(0); i < sup.BitmapLen; i++ {
		blk := make([]byte, common.BSIZE)
		for bit := uint64(0); bit < common.BPB; bit++ {
			bno := i*common.BPB + bit
			if bno >= nmeta {
				break
			}
			blk[bit/8] |= 1 << (bit % 8)
		}
		d.Write(uint64(sup.BitmapStart)+i, blk)
	}

	sup.Write()
	util.DPrintf(1, "mkfs: %d blocks, %d inodes, %d data blocks\n",
		sup.Size, sup.NInodes, sup.NBlocks)
	return sup
}
