// Package epoch provides epoch-based reclamation for objects published
// through shared tables. A reader brackets pointer dereferences with
// Enter/Exit; Defer schedules a destructor to run once every reader
// that could have observed the object has exited its critical section.
package epoch

import (
	"sync"

	"github.com/mit-pdos/scalefs/util"
)

type deferred struct {
	epoch uint64
	fn    func()
}

type GC struct {
	mu      sync.Mutex
	global  uint64
	readers map[uint64]uint64 // reader id -> epoch at Enter
	nextId  uint64
	pending []deferred // sorted by epoch (append order)
}

// Guard is an open reader critical section.
type Guard struct {
	gc *GC
	id uint64
}

func MkGC() *GC {
	return &GC{
		readers: make(map[uint64]uint64),
	}
}

func (gc *GC) Enter() Guard {
	gc.mu.Lock()
	id := gc.nextId
	gc.nextId++
	gc.readers[id] = gc.global
	gc.mu.Unlock()
	return Guard{gc: gc, id: id}
}

func (g Guard) Exit() {
	gc := g.gc
	gc.mu.Lock()
	delete(gc.readers, g.id)
	run := gc.collect()
	gc.mu.Unlock()
	for _, fn := range run {
		fn()
	}
}

// Defer schedules fn to run after every reader that entered before now
// has exited. With no active readers it runs before Defer returns.
func (gc *GC) Defer(fn func()) {
	gc.mu.Lock()
	gc.pending = append(gc.pending, deferred{epoch: gc.global, fn: fn})
	gc.global++
	run := gc.collect()
	gc.mu.Unlock()
	for _, f := range run {
		f()
	}
}

// collect removes the callbacks whose epoch precedes every active
// reader. Caller holds gc.mu; callbacks run outside it.
func (gc *GC) collect() []func() {
	min := gc.global
	for _, e := range gc.readers {
		if e < min {
			min = e
		}
	}
	var run []func()
	i := 0
	for ; i < len(gc.pending); i++ {
		if gc.pending[i].epoch >= min {
			break
		}
		run = append(run, gc.pending[i].fn)
	}
	if i > 0 {
		util.DPrintf(10, "epoch: collect %d of %d\n", i, len(gc.pending))
		gc.pending = gc.pending[i:]
	}
	return run
}
