package balloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/scalefs/bcache"
	"github.com/mit-pdos/scalefs/common"
	"github.com/mit-pdos/scalefs/txn"
)

const (
	bitmapStart = 10
	jstart      = 20
)

func mkTestAlloc(nbits uint64) (*Alloc, *bcache.Bcache, *txn.Journal) {
	d := disk.NewMemDisk(600)
	bc := bcache.MkBcache(d)
	j := txn.MkJournal(d, jstart)
	return MkAlloc(bc, common.ROOTDEV, bitmapStart, nbits), bc, j
}

func TestAllocFree(t *testing.T) {
	assert := assert.New(t)
	a, _, j := mkTestAlloc(64)
	assert.Equal(uint64(64), a.NumFree())

	tr := j.Begin()
	b1, err := a.AllocBlock(tr, false)
	require.NoError(t, err)
	b2, err := a.AllocBlock(tr, false)
	require.NoError(t, err)
	assert.NotEqual(b1, b2)
	assert.Equal(uint64(62), a.NumFree())
	assert.Equal([]common.Bnum{b1, b2}, tr.AllocatedBlocks())

	a.FreeBlock(b1, nil, false)
	assert.Equal(uint64(63), a.NumFree())
	assert.Panics(func() { a.FreeBlock(b1, nil, false) }, "double free is fatal")
}

func TestOutOfBlocks(t *testing.T) {
	a, _, _ := mkTestAlloc(8)
	for i := 0; i < 8; i++ {
		_, err := a.AllocBlock(nil, false)
		require.NoError(t, err)
	}
	_, err := a.AllocBlock(nil, false)
	assert.Equal(t, common.ErrOutOfBlocks, err)
}

func TestDelayedFree(t *testing.T) {
	assert := assert.New(t)
	a, _, j := mkTestAlloc(64)

	bno, err := a.AllocBlock(nil, false)
	require.NoError(t, err)

	tr := j.Begin()
	a.FreeBlock(bno, tr, true)
	assert.Equal(uint64(63), a.NumFree(),
		"delayed free must not release the block before commit")
	assert.Equal([]common.Bnum{bno}, tr.DelayedFrees())

	a.ApplyFrees(tr.DelayedFrees())
	assert.Equal(uint64(64), a.NumFree())
}

func TestZeroOnAlloc(t *testing.T) {
	a, bc, _ := mkTestAlloc(64)
	bno, err := a.AllocBlock(nil, true)
	require.NoError(t, err)

	b := bc.Get(common.ROOTDEV, bno, false)
	b.RLock()
	for i := uint64(0); i < common.BSIZE; i++ {
		if b.Data[i] != 0 {
			t.Fatalf("byte %d not zeroed", i)
		}
	}
	b.RUnlock()
	bc.Release(b)
}

func TestApplyOnDisk(t *testing.T) {
	assert := assert.New(t)
	a, bc, j := mkTestAlloc(common.BPB + 8)

	tr := j.Begin()
	bnos := []common.Bnum{3, 5, common.BPB + 2}
	for _, bno := range bnos {
		a.MarkAllocated(bno)
	}
	a.ApplyOnDisk(bnos, tr, true)

	// grouped: two bitmap blocks touched, each logged exactly once
	assert.Equal(uint64(2), tr.NDirty())

	b := bc.Get(common.ROOTDEV, bitmapStart, false)
	b.RLock()
	assert.Equal(byte(1<<3|1<<5), b.Data[0])
	b.RUnlock()
	bc.Release(b)

	a.ApplyOnDisk([]common.Bnum{3}, tr, false)
	assert.Panics(func() { a.ApplyOnDisk([]common.Bnum{3}, tr, false) },
		"double free on disk is fatal")
	assert.Panics(func() { a.ApplyOnDisk([]common.Bnum{common.BPB + 2}, tr, true) },
		"double allocate on disk is fatal")
}
