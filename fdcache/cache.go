// Package fdcache bounds the number of open read handles against sealed
// segments. Handles are reference counted: eviction only ever closes a handle
// with no in-flight reads, and when every cached handle is busy the cache
// transiently exceeds its limit instead of blocking a reader.
package fdcache

import (
	"container/list"
	"errors"
	"os"
	"sync"
)

// ErrClosed is returned once the cache has been shut down.
var ErrClosed = errors.New("fdcache: closed")

// OpenFunc opens a read handle for a segment id.
type OpenFunc func(id uint64) (*os.File, error)

// Handle is a cached, reference-counted read handle to one sealed segment.
type Handle struct {
	id      uint64
	f       *os.File
	refs    int
	elem    *list.Element
	retired bool
}

// ReadAt performs a positioned read. The cache lock is never held here, so
// disk reads from distinct segments proceed fully in parallel.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	return h.f.ReadAt(p, off)
}

// Cache is the bounded LRU of segment read handles.
type Cache struct {
	mu      sync.Mutex
	drained *sync.Cond
	limit   int
	open    OpenFunc
	entries map[uint64]*Handle
	pinned  map[uint64]bool
	lru     *list.List // front = most recently used
	closed  bool
}

// New creates a cache holding at most limit open handles while idle.
func New(limit int, open OpenFunc) *Cache {
	if limit <= 0 {
		limit = 1
	}
	c := &Cache{
		limit:   limit,
		open:    open,
		entries: make(map[uint64]*Handle),
		pinned:  make(map[uint64]bool),
		lru:     list.New(),
	}
	c.drained = sync.NewCond(&c.mu)
	return c
}

// Acquire returns a handle for the segment, opening one if needed, and pins
// it against eviction until the matching Release.
func (c *Cache) Acquire(id uint64) (*Handle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if h, ok := c.entries[id]; ok && !h.retired {
		h.refs++
		c.lru.MoveToFront(h.elem)
		c.mu.Unlock()
		return h, nil
	}
	c.mu.Unlock()

	f, err := c.open(id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = f.Close()
		return nil, ErrClosed
	}
	if h, ok := c.entries[id]; ok && !h.retired {
		// lost the race to another opener
		_ = f.Close()
		h.refs++
		c.lru.MoveToFront(h.elem)
		return h, nil
	}
	h := &Handle{id: id, f: f, refs: 1}
	h.elem = c.lru.PushFront(h)
	c.entries[id] = h
	c.evictLocked()
	return h, nil
}

// Release unpins the handle. Retired handles close once their last reference
// drops; otherwise any transient over-capacity is trimmed back to the limit.
func (c *Cache) Release(h *Handle) {
	c.mu.Lock()
	h.refs--
	if h.refs == 0 {
		if h.retired {
			_ = h.f.Close()
			c.drained.Broadcast()
		} else if len(c.entries) > c.limit {
			c.evictLocked()
		}
	}
	c.mu.Unlock()
}

// evictLocked closes least-recently-used idle handles until the cache is
// within its limit. Handles with in-flight reads are skipped; if all are
// busy, capacity is transiently exceeded rather than blocking.
func (c *Cache) evictLocked() {
	for elem := c.lru.Back(); elem != nil && len(c.entries) > c.limit; {
		prev := elem.Prev()
		h := elem.Value.(*Handle)
		if h.refs == 0 && !c.pinned[h.id] {
			c.removeLocked(h)
			_ = h.f.Close()
		}
		elem = prev
	}
}

func (c *Cache) removeLocked(h *Handle) {
	c.lru.Remove(h.elem)
	delete(c.entries, h.id)
	delete(c.pinned, h.id)
	h.retired = true
}

// Pin exempts the segment from eviction while it remains the active write
// target.
func (c *Cache) Pin(id uint64) {
	c.mu.Lock()
	c.pinned[id] = true
	c.mu.Unlock()
}

// Unpin makes a previously pinned segment evictable again.
func (c *Cache) Unpin(id uint64) {
	c.mu.Lock()
	delete(c.pinned, id)
	c.evictLocked()
	c.mu.Unlock()
}

// Retire drops the segment from the cache and blocks until no in-flight read
// still holds its handle. The compactor calls it before deleting a segment
// file, so a reader's location tuple is never invalidated mid-read.
func (c *Cache) Retire(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.entries[id]
	if !ok {
		return
	}
	c.removeLocked(h)
	if h.refs == 0 {
		_ = h.f.Close()
		return
	}
	for h.refs > 0 {
		c.drained.Wait()
	}
}

// Len returns the number of cached handles.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close evicts everything and rejects further use. In-flight handles close
// on their final Release.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for id, h := range c.entries {
		delete(c.entries, id)
		c.lru.Remove(h.elem)
		h.retired = true
		if h.refs == 0 {
			_ = h.f.Close()
		}
	}
	return nil
}
