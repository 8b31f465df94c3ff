// Package common defines the on-disk geometry and shared types of the
// file system: block and inode numbers, inode types, layout constants,
// and the sentinel errors surfaced by the public operations.
package common

import (
	"errors"

	"github.com/tchajed/goose/machine/disk"
)

type Inum uint64
type Bnum = uint64

const (
	NULLINUM Inum = 0
	ROOTINUM Inum = 1
	NULLBNUM Bnum = 0

	ROOTDEV uint64 = 1
)

const (
	BSIZE uint64 = disk.BlockSize

	INODESZ uint64 = 128 // on-disk size
	IPB     uint64 = BSIZE / INODESZ

	// bits per free-bitmap block
	BPB uint64 = BSIZE * 8

	NDIRECT   uint64 = 10
	NINDIRECT uint64 = BSIZE / 8
	NADDRS    uint64 = NDIRECT + 2
	MAXFILE   uint64 = NDIRECT + NINDIRECT + NINDIRECT*NINDIRECT

	DIRSIZ   uint64 = 12
	DIRENTSZ uint64 = 16

	// journal header: committed count and transaction id, then one
	// block number per slot
	LOGHDRMETA uint64 = 16
	LOGSLOTS   uint64 = (BSIZE - LOGHDRMETA) / 8
	LOGBLOCKS  uint64 = LOGSLOTS + 1 // 1 for the header
)

// Disk layout: block 0 is the boot sector, block 1 the superblock, and
// the inode table starts at block 2. The free bitmap, the journal, and
// the data blocks follow; package super computes their positions.
const (
	SUPERBLK   Bnum = 1
	INODESTART Bnum = 2
)

// Inode types.
const (
	TFREE uint32 = 0
	TDIR  uint32 = 1
	TFILE uint32 = 2
	TDEV  uint32 = 3
)

// IBlock returns the block holding inode inum.
func IBlock(inum Inum) Bnum {
	return INODESTART + uint64(inum)/IPB
}

// BBlock returns the bitmap block holding the free bit for bno.
func BBlock(bno Bnum, ninodes uint64) Bnum {
	inodeEnd := INODESTART + (ninodes+IPB-1)/IPB
	return inodeEnd + bno/BPB
}

var (
	ErrOutOfBlocks = errors.New("out of blocks")
	ErrNoInums     = errors.New("out of inodes")
	ErrNameTooLong = errors.New("name too long")
	ErrNotDir      = errors.New("not a directory")
	ErrNotFound    = errors.New("no such entry")
	ErrExists      = errors.New("entry exists")
	ErrBadOffset   = errors.New("bad offset")
	ErrInvalid     = errors.New("invalid path")
)
