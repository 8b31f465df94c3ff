package fs

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/scalefs/common"
)

const (
	testDiskBlocks = 2000
	testNInodes    = 512
)

func mkTestDisk() disk.Disk {
	d := disk.NewMemDisk(testDiskBlocks)
	Mkfs(d, testNInodes)
	return d
}

func mkTestFs(t *testing.T) (*Fs, disk.Disk) {
	d := mkTestDisk()
	fs := MkFs(d)
	require.Equal(t, common.ROOTINUM, fs.root.Inum)
	return fs, d
}

// createFile allocates a file inode and links it under the root,
// committing one transaction.
func createFile(t *testing.T, fs *Fs, name string) *Inode {
	t.Helper()
	tr := fs.Begin()
	ip, err := fs.Ialloc(common.ROOTDEV, common.TFILE)
	require.NoError(t, err)
	tr.LogNewFile(ip.Inum)
	ip.Iunlock()

	rp := fs.Root()
	rp.Ilock(true)
	require.NoError(t, fs.Dirlink(rp, name, ip.Inum, false, tr))
	rp.Iunlock()
	rp.Release()

	// flush the inode after Dirlink so the logged snapshot carries
	// the new nlink
	ip.Ilock(true)
	fs.Iupdate(ip, tr)
	ip.Iunlock()

	fs.CommitTransaction(tr)
	return ip
}

func writeFile(t *testing.T, fs *Fs, ip *Inode, data []byte, off uint64) {
	t.Helper()
	tr := fs.Begin()
	ip.Ilock(true)
	n, err := fs.Writei(ip, data, off, tr, false)
	require.NoError(t, err)
	require.Equal(t, uint64(len(data)), n)
	if off+n > ip.Size {
		fs.UpdateSize(ip, off+n, tr)
	} else {
		fs.Iupdate(ip, tr)
	}
	ip.Iunlock()
	fs.CommitTransaction(tr)
}

func readFile(t *testing.T, fs *Fs, ip *Inode, off uint64, n uint64) []byte {
	t.Helper()
	dst := make([]byte, n)
	got, err := fs.Readi(ip, dst, off)
	require.NoError(t, err)
	return dst[:got]
}

func TestCreateAndRead(t *testing.T) {
	fs, d := mkTestFs(t)

	ip := createFile(t, fs, "a")
	writeFile(t, fs, ip, []byte("hello"), 0)

	ip2, err := fs.Namei(nil, "/a")
	require.NoError(t, err)
	assert.Equal(t, ip, ip2, "lookup walks the cached inode")
	assert.Equal(t, []byte("hello"), readFile(t, fs, ip2, 0, 5))
	ip2.Release()
	ip.Release()

	// durable across a remount
	fs2 := MkFs(d)
	ip3, err := fs2.Namei(nil, "/a")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), ip3.Size)
	assert.Equal(t, uint32(1), ip3.Nlink())
	assert.Equal(t, []byte("hello"), readFile(t, fs2, ip3, 0, 5))
	ip3.Release()
}

func TestTruncFreesIndirect(t *testing.T) {
	assert := assert.New(t)
	fs, d := mkTestFs(t)

	ip := createFile(t, fs, "big")
	free0 := fs.NumFreeBlocks()

	data := make([]byte, 1024*1024) // 256 blocks: direct + indirect
	for i := range data {
		data[i] = byte(i)
	}
	writeFile(t, fs, ip, data, 0)
	assert.NotEqual(common.NULLBNUM, ip.Addrs[common.NDIRECT])
	nblocks := 256 + 1 // data plus the indirect block
	assert.Equal(free0-uint64(nblocks), fs.NumFreeBlocks())

	assert.Equal(data, readFile(t, fs, ip, 0, uint64(len(data))))

	tr := fs.Begin()
	ip.Ilock(true)
	fs.Itrunc(ip, 0, tr)
	fs.Iupdate(ip, tr)
	ip.Iunlock()
	fs.CommitTransaction(tr)

	assert.Equal(uint64(0), ip.Size)
	assert.Equal(common.NULLBNUM, ip.Addrs[common.NDIRECT])
	assert.Equal(free0, fs.NumFreeBlocks(),
		"every block freed exactly once in the in-memory bitmap")
	ip.Release()

	// on-disk bitmap agrees after a remount
	fs2 := MkFs(d)
	assert.Equal(free0, fs2.NumFreeBlocks())
}

func TestTruncPartial(t *testing.T) {
	assert := assert.New(t)
	fs, _ := mkTestFs(t)

	ip := createFile(t, fs, "p")
	data := make([]byte, 64*common.BSIZE)
	for i := range data {
		data[i] = byte(i * 7)
	}
	writeFile(t, fs, ip, data, 0)

	// keep the first 12 blocks; the indirect root is partially
	// released and must survive
	keep := 12 * common.BSIZE
	tr := fs.Begin()
	ip.Ilock(true)
	fs.Itrunc(ip, keep, tr)
	fs.Iupdate(ip, tr)
	ip.Iunlock()
	fs.CommitTransaction(tr)

	assert.Equal(keep, ip.Size)
	assert.NotEqual(common.NULLBNUM, ip.Addrs[common.NDIRECT])
	assert.Equal(data[:keep], readFile(t, fs, ip, 0, keep))
	ip.Release()
}

func TestUnlinkPreservesOpenFd(t *testing.T) {
	assert := assert.New(t)
	fs, _ := mkTestFs(t)

	ip := createFile(t, fs, "f") // ip plays the open descriptor
	free0 := fs.NumFreeBlocks()
	writeFile(t, fs, ip, []byte("still here"), 0)

	tr := fs.Begin()
	rp := fs.Root()
	rp.Ilock(true)
	require.NoError(t, fs.Dirunlink(rp, "f", ip.Inum, false, tr))
	rp.Iunlock()
	rp.Release()
	fs.CommitTransaction(tr)

	assert.Equal(uint32(0), ip.Nlink())
	_, err := fs.Namei(nil, "/f")
	assert.Equal(common.ErrNotFound, err)

	// reads through the open descriptor still succeed
	assert.Equal([]byte("still here"), readFile(t, fs, ip, 0, 10))

	// final close: the reclaim path frees the data and the hash entry
	cached := fs.icache.len()
	fs.ReclaimInode(ip)
	ip.Release()
	assert.Equal(cached-1, fs.icache.len())
	assert.Equal(free0, fs.NumFreeBlocks())

	// the inum is allocatable again
	tr = fs.Begin()
	ip2, err := fs.Ialloc(common.ROOTDEV, common.TFILE)
	require.NoError(t, err)
	fs.Iupdate(ip2, tr)
	ip2.Iunlock()
	fs.CommitTransaction(tr)
	ip2.Release()
}

func TestNameTooLong(t *testing.T) {
	assert := assert.New(t)
	fs, _ := mkTestFs(t)

	long := "abcdefghijklm" // DIRSIZ + 1
	require.Equal(t, common.DIRSIZ+1, uint64(len(long)))

	rp := fs.Root()
	fs.dirInit(rp)
	offset0 := rp.dirOffset
	size0 := rp.Size

	tr := fs.Begin()
	rp.Ilock(true)
	err := fs.Dirlink(rp, long, 7, false, tr)
	rp.Iunlock()
	assert.Equal(common.ErrNameTooLong, err)
	assert.Equal(offset0, rp.dirOffset, "failed link leaves no trace")
	assert.Equal(size0, rp.Size)
	assert.Equal(uint64(0), tr.NDirty())
	rp.Release()

	_, err = fs.Namei(nil, "/"+long)
	assert.Equal(common.ErrNameTooLong, err)
}

func TestConcurrentIalloc(t *testing.T) {
	fs, _ := mkTestFs(t)

	const n = 32
	var mu sync.Mutex
	seen := make(map[common.Inum]bool)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			ip, err := fs.Ialloc(common.ROOTDEV, common.TFILE)
			if err != nil {
				t.Error(err)
				return
			}
			ip.Iunlock()
			mu.Lock()
			if seen[ip.Inum] {
				t.Errorf("inum %d allocated twice", ip.Inum)
			}
			seen[ip.Inum] = true
			mu.Unlock()
			ip.Release()
		}()
	}
	wg.Wait()
}

func TestCrashBeforeCommit(t *testing.T) {
	assert := assert.New(t)
	fs, d := mkTestFs(t)
	free0 := fs.NumFreeBlocks()

	// everything up to, but not including, the journal flush
	tr := fs.Begin()
	ip, err := fs.Ialloc(common.ROOTDEV, common.TFILE)
	require.NoError(t, err)
	tr.LogNewFile(ip.Inum)
	fs.Iupdate(ip, tr)
	_, err = fs.Writei(ip, []byte("doomed"), 0, tr, false)
	require.NoError(t, err)
	fs.UpdateSize(ip, 6, tr)
	ip.Iunlock()

	rp := fs.Root()
	rp.Ilock(true)
	require.NoError(t, fs.Dirlink(rp, "crash", ip.Inum, false, tr))
	rp.Iunlock()
	rp.Release()
	// crash: the transaction never reaches the journal

	fs2 := MkFs(d)
	_, err = fs2.Namei(nil, "/crash")
	assert.Equal(common.ErrNotFound, err)
	assert.Equal(free0, fs2.NumFreeBlocks(), "on-disk bitmap unchanged")

	rp2 := fs2.Root()
	assert.Equal(uint64(0), rp2.Size, "on-disk directory unchanged")
	rp2.Release()
}
