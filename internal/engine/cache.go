package engine

import (
	"container/list"
	"sync"
)

// sessionCache is an LRU of resident model sessions, handed out as leases.
// GPU memory bounds how many models a worker can keep loaded, so the cache
// evicts the least recently used session once capacity is reached. An evicted
// session stays open until every outstanding lease on it is released; a slot
// mid-inference never has its session destroyed under it.
type sessionCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

type cacheEntry struct {
	modelRef string
	session  Session
	provider Provider
	refs     int
	evicted  bool

	// runMu serializes Run on the shared session; the underlying runtime
	// session is not safe for concurrent calls.
	runMu sync.Mutex
}

// leasedSession is the handle inference runs through. Close is a no-op: the
// cache owns the underlying session's lifetime.
type leasedSession struct {
	entry *cacheEntry
}

func (s *leasedSession) Run(patch []float32) ([]float32, error) {
	s.entry.runMu.Lock()
	defer s.entry.runMu.Unlock()
	return s.entry.session.Run(patch)
}

func (s *leasedSession) Close() error { return nil }

func newSessionCache(capacity int) *sessionCache {
	if capacity < 1 {
		capacity = 1
	}
	return &sessionCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// acquire leases the resident session for modelRef, if any.
func (c *sessionCache) acquire(modelRef string) (Session, Provider, func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[modelRef]
	if !ok {
		return nil, Provider{}, nil, false
	}
	c.order.MoveToFront(el)
	entry := el.Value.(*cacheEntry)
	entry.refs++
	return &leasedSession{entry: entry}, entry.provider, c.releaseFunc(entry), true
}

// insert registers a freshly opened session and leases it to the caller.
// When another slot registered the same model first, the extra session is
// closed and the resident one leased instead.
func (c *sessionCache) insert(modelRef string, sess Session, provider Provider) (Session, Provider, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[modelRef]; ok {
		sess.Close()
		c.order.MoveToFront(el)
		entry := el.Value.(*cacheEntry)
		entry.refs++
		return &leasedSession{entry: entry}, entry.provider, c.releaseFunc(entry)
	}

	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.evict(oldest.Value.(*cacheEntry))
			c.order.Remove(oldest)
		}
	}

	entry := &cacheEntry{modelRef: modelRef, session: sess, provider: provider, refs: 1}
	c.entries[modelRef] = c.order.PushFront(entry)
	return &leasedSession{entry: entry}, provider, c.releaseFunc(entry)
}

// evict removes the entry from the index. Leaseless entries close now;
// leased ones close when the last release comes in. Caller holds c.mu.
func (c *sessionCache) evict(entry *cacheEntry) {
	entry.evicted = true
	if entry.refs == 0 {
		entry.session.Close()
	}
	delete(c.entries, entry.modelRef)
}

func (c *sessionCache) releaseFunc(entry *cacheEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			entry.refs--
			if entry.refs == 0 && entry.evicted {
				entry.session.Close()
			}
		})
	}
}

func (c *sessionCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, el := range c.entries {
		entry := el.Value.(*cacheEntry)
		entry.evicted = true
		if entry.refs == 0 {
			entry.session.Close()
		}
	}
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

func (c *sessionCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
