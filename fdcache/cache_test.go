package fdcache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testOpen(t *testing.T, dir string) OpenFunc {
	t.Helper()
	return func(id uint64) (*os.File, error) {
		path := filepath.Join(dir, fmt.Sprintf("%d.seg", id))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.WriteFile(path, []byte("segment-data"), 0o644); err != nil {
				return nil, err
			}
		}
		return os.Open(path)
	}
}

func TestBoundedWhenIdle(t *testing.T) {
	dir := t.TempDir()
	c := New(3, testOpen(t, dir))
	defer c.Close()

	for id := uint64(0); id < 10; id++ {
		h, err := c.Acquire(id)
		if err != nil {
			t.Fatalf("acquire %d: %v", id, err)
		}
		c.Release(h)
	}
	if got := c.Len(); got != 3 {
		t.Fatalf("cached %d handles, want 3", got)
	}
}

func TestInFlightNeverClosed(t *testing.T) {
	dir := t.TempDir()
	const limit = 2
	const readers = 6
	c := New(limit, testOpen(t, dir))
	defer c.Close()

	handles := make([]*Handle, readers)
	for id := uint64(0); id < readers; id++ {
		h, err := c.Acquire(id)
		if err != nil {
			t.Fatalf("acquire %d: %v", id, err)
		}
		handles[id] = h
	}
	// capacity transiently exceeded, but every in-flight handle must read fine
	buf := make([]byte, 7)
	for _, h := range handles {
		if _, err := h.ReadAt(buf, 0); err != nil {
			t.Fatalf("read on in-flight handle: %v", err)
		}
	}
	for _, h := range handles {
		c.Release(h)
		// released handles become evictable on the next acquire
	}
	if _, err := c.Acquire(0); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if got := c.Len(); got > limit+1 {
		t.Fatalf("cached %d handles after drain, want <= %d", got, limit+1)
	}
}

func TestConcurrentReaders(t *testing.T) {
	dir := t.TempDir()
	c := New(2, testOpen(t, dir))
	defer c.Close()

	var wg sync.WaitGroup
	var failures atomic.Int32
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			buf := make([]byte, 4)
			for i := 0; i < 200; i++ {
				id := uint64((w + i) % 5)
				h, err := c.Acquire(id)
				if err != nil {
					failures.Add(1)
					return
				}
				if _, err := h.ReadAt(buf, 0); err != nil {
					failures.Add(1)
				}
				c.Release(h)
			}
		}(w)
	}
	wg.Wait()
	if failures.Load() != 0 {
		t.Fatalf("%d failed reads", failures.Load())
	}
	if got := c.Len(); got > 5 {
		t.Fatalf("cached %d handles", got)
	}
}

func TestRetireWaitsForDrain(t *testing.T) {
	dir := t.TempDir()
	c := New(2, testOpen(t, dir))
	defer c.Close()

	h, err := c.Acquire(1)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	done := make(chan struct{})
	go func() {
		c.Retire(1)
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("retire returned while a read was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	buf := make([]byte, 4)
	if _, err := h.ReadAt(buf, 0); err != nil {
		t.Fatalf("read during retire: %v", err)
	}
	c.Release(h)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retire did not return after drain")
	}
	if c.Len() != 0 {
		t.Fatalf("cached %d handles after retire", c.Len())
	}
}

func TestPinnedNeverEvicted(t *testing.T) {
	dir := t.TempDir()
	c := New(1, testOpen(t, dir))
	defer c.Close()

	c.Pin(0)
	h, err := c.Acquire(0)
	if err != nil {
		t.Fatalf("acquire pinned: %v", err)
	}
	c.Release(h)
	for id := uint64(1); id < 5; id++ {
		h, err := c.Acquire(id)
		if err != nil {
			t.Fatalf("acquire %d: %v", id, err)
		}
		c.Release(h)
	}
	// pinned handle must still be cached despite the pressure
	c.mu.Lock()
	_, ok := c.entries[0]
	c.mu.Unlock()
	if !ok {
		t.Fatal("pinned handle was evicted")
	}
}

func TestAcquireAfterClose(t *testing.T) {
	dir := t.TempDir()
	c := New(2, testOpen(t, dir))
	_ = c.Close()
	if _, err := c.Acquire(0); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
