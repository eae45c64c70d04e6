package dedup

import (
	"container/list"
	"sync"
	"time"

	"github.com/adwski/webrtc-rendezvous/backend/clock"
	"github.com/zeebo/blake3"
)

const (
	defaultMaxSize = 100
	defaultTTL     = 30 * time.Second
)

type Fingerprint [32]byte

// Sum returns the BLAKE3 fingerprint of a payload.
func Sum(payload []byte) Fingerprint {
	return blake3.Sum256(payload)
}

type entry struct {
	key Fingerprint
	ts  time.Time
}

type Config struct {
	Clock   clock.Clock
	MaxSize int
	TTL     time.Duration
}

// Cache is a bounded set of recently seen fingerprints.
// Most recently used entries live at the front of the order list.
type Cache struct {
	clock   clock.Clock
	mx      sync.Mutex
	ttl     time.Duration
	maxSize int
	items   map[Fingerprint]*list.Element
	order   *list.List
}

func NewCache(cfg Config) *Cache {
	c := &Cache{
		clock:   cfg.Clock,
		ttl:     cfg.TTL,
		maxSize: cfg.MaxSize,
		items:   make(map[Fingerprint]*list.Element),
		order:   list.New(),
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.maxSize <= 0 {
		c.maxSize = defaultMaxSize
	}
	if c.ttl <= 0 {
		c.ttl = defaultTTL
	}
	return c
}

// Has reports whether key is present and not expired. A hit moves key
// to the most recently used position without extending its lifetime.
func (c *Cache) Has(key Fingerprint) bool {
	now := c.clock.Now()
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.hasLocked(key, now)
}

// Add inserts key or refreshes it to the most recently used position.
func (c *Cache) Add(key Fingerprint) {
	now := c.clock.Now()
	c.mx.Lock()
	defer c.mx.Unlock()
	c.addLocked(key, now)
}

// Seen adds key and reports whether it was already present.
func (c *Cache) Seen(key Fingerprint) bool {
	now := c.clock.Now()
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.hasLocked(key, now) {
		return true
	}
	c.addLocked(key, now)
	return false
}

// Purge removes all expired entries and returns how many were dropped.
func (c *Cache) Purge() int {
	now := c.clock.Now()
	c.mx.Lock()
	defer c.mx.Unlock()
	var n int
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if ent := el.Value.(*entry); c.expired(ent, now) {
			delete(c.items, ent.key)
			c.order.Remove(el)
			n++
		}
		el = next
	}
	return n
}

func (c *Cache) Len() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.order.Len()
}

func (c *Cache) hasLocked(key Fingerprint, now time.Time) bool {
	c.pruneExpiredLocked(now)
	el, ok := c.items[key]
	if !ok {
		return false
	}
	if c.expired(el.Value.(*entry), now) {
		delete(c.items, key)
		c.order.Remove(el)
		return false
	}
	c.order.MoveToFront(el)
	return true
}

func (c *Cache) addLocked(key Fingerprint, now time.Time) {
	c.pruneExpiredLocked(now)
	if el, ok := c.items[key]; ok {
		el.Value.(*entry).ts = now
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&entry{key: key, ts: now})
	for c.order.Len() > c.maxSize {
		back := c.order.Back()
		delete(c.items, back.Value.(*entry).key)
		c.order.Remove(back)
	}
}

// pruneExpiredLocked drops expired entries from the back of the list
// and stops at the first live one. Entries touched by Has sit closer to
// the front than their age suggests; those are caught by the expiry check
// on lookup and by Purge.
func (c *Cache) pruneExpiredLocked(now time.Time) int {
	var n int
	for {
		back := c.order.Back()
		if back == nil {
			return n
		}
		ent := back.Value.(*entry)
		if !c.expired(ent, now) {
			return n
		}
		delete(c.items, ent.key)
		c.order.Remove(back)
		n++
	}
}

func (c *Cache) expired(ent *entry, now time.Time) bool {
	return now.Sub(ent.ts) >= c.ttl
}
