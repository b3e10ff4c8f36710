package server

import (
	"bytes"
	"container/heap"
	"sync"
)

// Buffer pools for reducing allocations

// chunkBufferPool holds 4KB buffers for reading from sockets
var chunkBufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, connBufferSize)
		return &buf
	},
}

// responseBufferPool holds bytes.Buffer for building responses
var responseBufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

const (
	// connBufferSize is the capacity a connection buffer starts with and is
	// restored to after each framed request.
	connBufferSize = 4096

	// Buffers larger than this are discarded or shrunk back
	maxPoolBufferSize = 16384 // 16KB
)

// idHeap is a min-heap of identifiers.
type idHeap []Identifier

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *idHeap) Push(x any) { *h = append(*h, x.(Identifier)) }

func (h *idHeap) Pop() any {
	old := *h
	n := len(old)
	id := old[n-1]
	*h = old[:n-1]
	return id
}

// IdentifierPool is the bounded set of identifiers not held by any live
// connection. It is owned by a single event loop and is not safe for
// concurrent use.
type IdentifierPool struct {
	free idHeap
	// available maps every identifier the pool issued to whether it is
	// currently in free.
	available map[Identifier]bool
}

// NewIdentifierPool pre-generates maxConnections+1 distinct identifiers.
// The extra slot keeps "exhausted" distinguishable from "exactly at capacity".
func NewIdentifierPool(maxConnections int, f *IdentifierFactory) *IdentifierPool {
	if maxConnections < 0 {
		maxConnections = 0
	}
	n := maxConnections + 1

	p := &IdentifierPool{
		free:      make(idHeap, 0, n+1),
		available: make(map[Identifier]bool, n),
	}

	for len(p.free) < n {
		id := f.Next()
		if id.Token() == listenerToken {
			continue
		}
		if _, dup := p.available[id]; dup {
			continue
		}
		p.available[id] = true
		p.free = append(p.free, id)
	}
	heap.Init(&p.free)

	return p
}

// Acquire removes and returns one identifier. It returns false when the
// pool is empty and the new connection should be declined.
func (p *IdentifierPool) Acquire() (Identifier, bool) {
	if len(p.free) == 0 {
		return 0, false
	}
	id := heap.Pop(&p.free).(Identifier)
	p.available[id] = false
	return id, true
}

// Release returns id to the pool. Releasing an identifier that is already
// available, or that this pool never issued, does nothing.
func (p *IdentifierPool) Release(id Identifier) {
	avail, known := p.available[id]
	if !known || avail {
		return
	}
	p.available[id] = true
	heap.Push(&p.free, id)
}

// Available reports how many identifiers can still be acquired.
func (p *IdentifierPool) Available() int {
	return len(p.free)
}

// Capacity reports the total number of identifiers the pool manages.
func (p *IdentifierPool) Capacity() int {
	return len(p.available)
}

