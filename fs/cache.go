package fs

import (
	"sync"
)

// cachedBlock is one entry in the block cache: a block's bytes, whether
// they have been modified since they were loaded, and a held-count used
// to decide which entries eviction is allowed to touch.
type cachedBlock struct {
	mu    sync.Mutex
	no    uint32
	data  [BlockSize]byte
	dirty bool
	held  int // >0 means a caller currently has the block's data in use
}

// BlockCache is a bounded, write-back cache of device blocks. It keeps
// entries in a FIFO queue and, when full, evicts starting from the
// front, skipping any entry whose held count is above 0 (in active use)
// until it finds one it can take -- it does not prefer a clean entry
// over a dirty one, so an evicted dirty block is written back on the
// spot rather than a clean neighbor being picked instead. That is a
// deliberate limitation carried over unchanged, not a bug to paper over.
type BlockCache struct {
	mu       sync.Mutex
	dev      BlockDevice
	capacity int
	queue    []*cachedBlock
	byNo     map[uint32]*cachedBlock
}

// NewBlockCache wraps dev with a cache holding up to capacity blocks.
func NewBlockCache(dev BlockDevice, capacity int) *BlockCache {
	return &BlockCache{dev: dev, capacity: capacity, byNo: make(map[uint32]*cachedBlock)}
}

// get returns the cachedBlock for no, loading it from disk (evicting if
// necessary) if it is not already resident. Called with c.mu held.
func (c *BlockCache) get(no uint32) *cachedBlock {
	if b, ok := c.byNo[no]; ok {
		return b
	}
	if len(c.queue) >= c.capacity {
		c.evictOne()
	}
	b := &cachedBlock{no: no}
	if err := c.dev.ReadBlock(no, b.data[:]); err != nil {
		panic("fs: block cache read failed: " + err.Error())
	}
	c.queue = append(c.queue, b)
	c.byNo[no] = b
	return b
}

// evictOne removes the first block in FIFO order whose held count
// allows it, writing it back first if dirty. Panics if every cached
// block is currently held -- a resource-exhaustion condition the source
// cache also cannot recover from, since there would be nowhere to put
// the block the caller actually asked for.
func (c *BlockCache) evictOne() {
	for i, b := range c.queue {
		// A locked block is in use, possibly by this same goroutine one
		// cache call up the stack; skip it instead of waiting on it.
		if !b.mu.TryLock() {
			continue
		}
		evictable := b.held == 0
		if evictable {
			if b.dirty {
				if err := c.dev.WriteBlock(b.no, b.data[:]); err != nil {
					b.mu.Unlock()
					panic("fs: block cache writeback failed: " + err.Error())
				}
			}
			delete(c.byNo, b.no)
			c.queue = append(c.queue[:i:i], c.queue[i+1:]...)
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
	}
	panic("fs: block cache starved: every cached block is in use")
}

// Read loads block no and calls f with its contents; f must not retain
// the slice past the call.
func (c *BlockCache) Read(no uint32, f func(data []byte)) {
	c.mu.Lock()
	b := c.get(no)
	c.mu.Unlock()

	b.mu.Lock()
	b.held++
	f(b.data[:])
	b.held--
	b.mu.Unlock()
}

// Modify loads block no, calls f with its contents for in-place mutation,
// and marks the block dirty.
func (c *BlockCache) Modify(no uint32, f func(data []byte)) {
	c.mu.Lock()
	b := c.get(no)
	c.mu.Unlock()

	b.mu.Lock()
	b.held++
	f(b.data[:])
	b.dirty = true
	b.held--
	b.mu.Unlock()
}

// Sync writes back every dirty cached block and flushes the device.
func (c *BlockCache) Sync() {
	c.mu.Lock()
	blocks := append([]*cachedBlock(nil), c.queue...)
	c.mu.Unlock()

	for _, b := range blocks {
		b.mu.Lock()
		if b.dirty {
			if err := c.dev.WriteBlock(b.no, b.data[:]); err != nil {
				b.mu.Unlock()
				panic("fs: block cache sync failed: " + err.Error())
			}
			b.dirty = false
		}
		b.mu.Unlock()
	}
	if err := c.dev.Sync(); err != nil {
		panic("fs: device sync failed: " + err.Error())
	}
}
