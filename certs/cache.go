package certs

import (
	"container/list"
	"crypto/tls"
	"sync"
)

// lruCache holds minted certificates, newest-used first. Mutation
// takes the exclusive lock; hits promote the entry.
type lruCache struct {
	capacity int

	mu sync.Mutex
	l  *list.List
	m  map[string]*list.Element
}

type cacheEntry struct {
	key  string
	cert *tls.Certificate
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		l:        list.New(),
		m:        make(map[string]*list.Element),
	}
}

func (c *lruCache) Add(key string, cert *tls.Certificate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.m[key]; ok {
		c.l.MoveToFront(e)
		e.Value.(*cacheEntry).cert = cert
		return
	}

	e := c.l.PushFront(&cacheEntry{key, cert})
	c.m[key] = e

	if c.capacity > 0 && c.l.Len() > c.capacity {
		if back := c.l.Back(); back != nil {
			c.l.Remove(back)
			delete(c.m, back.Value.(*cacheEntry).key)
		}
	}
}

func (c *lruCache) Get(key string) (*tls.Certificate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.m[key]; ok {
		c.l.MoveToFront(e)
		return e.Value.(*cacheEntry).cert, true
	}
	return nil, false
}

func (c *lruCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.l.Len()
}
