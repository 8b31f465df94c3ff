package fs

import (
	"sync"
	"sync/atomic"

	"github.com/mit-pdos/scalefs/common"
)

// icache is the concurrent hash of cached inodes, keyed by
// (dev, inum) and sharded so that lookups by different threads touch
// different locks. The hash holds a weak handle: the reference count
// owns the inode's lifetime, and an entry whose count has reached zero
// is treated as absent until onzero removes it.

const nIcacheShard = 43

type ikey struct {
	dev  uint64
	inum common.Inum
}

type icacheShard struct {
	mu sync.Mutex
	m  map[ikey]*Inode
}

type icache struct {
	shards []*icacheShard
}

func mkIcache() *icache {
	c := &icache{}
	for i := 0; i < nIcacheShard; i++ {
		c.shards = append(c.shards, &icacheShard{m: make(map[ikey]*Inode)})
	}
	return c
}

func (c *icache) shard(dev uint64, inum common.Inum) *icacheShard {
	return c.shards[(dev+uint64(inum))%nIcacheShard]
}

// tryGet returns the cached inode with a fresh reference, or nil on a
// miss. A cached inode whose refcount already hit zero is mid
// destruction and reported as a miss; the caller retries until onzero
// unpublishes it.
func (c *icache) tryGet(dev uint64, inum common.Inum) *Inode {
	s := c.shard(dev, inum)
	s.mu.Lock()
	ip, ok := s.m[ikey{dev: dev, inum: inum}]
	if !ok || atomic.LoadInt64(&ip.ref) == 0 {
		s.mu.Unlock()
		return nil
	}
	atomic.AddInt64(&ip.ref, 1)
	s.mu.Unlock()
	return ip
}

// insert publishes ip; fails if the key is already present.
func (c *icache) insert(ip *Inode) bool {
	s := c.shard(ip.Dev, ip.Inum)
	k := ikey{dev: ip.Dev, inum: ip.Inum}
	s.mu.Lock()
	if _, ok := s.m[k]; ok {
		s.mu.Unlock()
		return false
	}
	s.m[k] = ip
	s.mu.Unlock()
	return true
}

func (c *icache) remove(ip *Inode) {
	s := c.shard(ip.Dev, ip.Inum)
	k := ikey{dev: ip.Dev, inum: ip.Inum}
	s.mu.Lock()
	if s.m[k] != ip {
		panic("icache: removing unpublished inode")
	}
	delete(s.m, k)
	s.mu.Unlock()
}

func (c *icache) len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}
