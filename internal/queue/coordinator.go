package queue

import (
	"context"
	"sort"
	"sync"
)

// Coordinator serializes work per station inside this process. Keys are
// always acquired in sorted order so overlapping multi-station sections
// cannot deadlock.
type Coordinator struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func NewCoordinator() *Coordinator {
	return &Coordinator{locks: make(map[string]*keyLock)}
}

// Do runs fn while holding every key. It gives up with ctx.Err() if the
// context ends before all keys are held.
func (c *Coordinator) Do(ctx context.Context, keys []string, fn func() error) error {
	keys = uniqueSorted(keys)
	held := make([]string, 0, len(keys))
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			c.release(held[i])
		}
	}()
	for _, key := range keys {
		lock := c.acquireRef(key)
		select {
		case lock.sem <- struct{}{}:
			held = append(held, key)
		case <-ctx.Done():
			c.dropRef(key)
			return ctx.Err()
		}
	}
	return fn()
}

func (c *Coordinator) acquireRef(key string) *keyLock {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[key]
	if !ok {
		lock = &keyLock{sem: make(chan struct{}, 1)}
		c.locks[key] = lock
	}
	lock.refs++
	return lock
}

func (c *Coordinator) release(key string) {
	c.mu.Lock()
	lock := c.locks[key]
	c.mu.Unlock()
	<-lock.sem
	c.dropRef(key)
}

func (c *Coordinator) dropRef(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock := c.locks[key]
	lock.refs--
	if lock.refs == 0 {
		delete(c.locks, key)
	}
}

func uniqueSorted(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
