package bcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/scalefs/common"
	"github.com/mit-pdos/scalefs/txn"
)

func blockOf(v byte) disk.Block {
	b := make([]byte, common.BSIZE)
	for i := range b {
		b[i] = v
	}
	return b
}

func TestGetReadsDisk(t *testing.T) {
	d := disk.NewMemDisk(100)
	d.Write(7, blockOf(0x42))
	bc := MkBcache(d)

	b := bc.Get(1, 7, false)
	b.RLock()
	assert.Equal(t, byte(0x42), b.Data[0])
	b.RUnlock()
	bc.Release(b)

	// second Get returns the cached object
	b2 := bc.Get(1, 7, false)
	assert.Equal(t, b, b2)
	bc.Release(b2)
}

func TestGetNoRead(t *testing.T) {
	d := disk.NewMemDisk(100)
	d.Write(7, blockOf(0x42))
	bc := MkBcache(d)

	b := bc.Get(1, 7, true)
	b.RLock()
	assert.Equal(t, byte(0), b.Data[0], "noRead yields a fresh zero buffer")
	b.RUnlock()
	bc.Release(b)
}

func TestWriteback(t *testing.T) {
	d := disk.NewMemDisk(100)
	bc := MkBcache(d)

	b := bc.Get(1, 3, true)
	b.Lock()
	b.Data[0] = 0x99
	b.SetDirty()
	b.Unlock()
	bc.Writeback(b)
	bc.Release(b)

	assert.Equal(t, byte(0x99), d.Read(3)[0])
}

func TestDrop(t *testing.T) {
	assert := assert.New(t)
	d := disk.NewMemDisk(100)
	bc := MkBcache(d)

	b := bc.Get(1, 3, false)
	bc.Drop(1, 3)
	assert.True(bc.InCache(1, 3), "pinned blocks stay cached")

	bc.Release(b)
	b = bc.Get(1, 3, false)
	b.Lock()
	b.SetDirty()
	b.Unlock()
	bc.Release(b)
	bc.Drop(1, 3)
	assert.True(bc.InCache(1, 3), "dirty blocks stay cached")

	bc.Writeback(b)
	bc.Drop(1, 3)
	assert.False(bc.InCache(1, 3), "clean unpinned blocks are evicted")
}

func TestAddToTxnSnapshots(t *testing.T) {
	d := disk.NewMemDisk(200)
	bc := MkBcache(d)
	j := txn.MkJournal(d, 100)
	tr := j.Begin()

	b := bc.Get(1, 3, true)
	b.Lock()
	b.Data[0] = 1
	b.SetDirty()
	b.AddToTxn(tr)
	// a later write must not leak into the logged snapshot
	b.Data[0] = 2
	b.Unlock()
	bc.Release(b)

	bufs := tr.Blocks()
	assert.Equal(t, 1, len(bufs))
	assert.Equal(t, byte(1), bufs[0].Data[0])
}

func TestBnumSlots(t *testing.T) {
	d := disk.NewMemDisk(100)
	bc := MkBcache(d)

	b := bc.Get(1, 3, true)
	b.Lock()
	b.BnumPut(0, 12)
	b.BnumPut(511, 99)
	b.Unlock()
	b.RLock()
	assert.Equal(t, common.Bnum(12), b.BnumGet(0))
	assert.Equal(t, common.Bnum(99), b.BnumGet(511))
	assert.Equal(t, common.Bnum(0), b.BnumGet(1))
	b.RUnlock()
	bc.Release(b)
}
