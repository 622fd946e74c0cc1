package marketdata

import (
	"container/list"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"paper-trading-engine/internal/database"
)

const cacheShards = 16

// barCache is a sharded LRU over OHLC query windows. TTL is shorter for
// windows that end near "now" since those keep changing as bars land.
type barCache struct {
	shards   [cacheShards]*cacheShard
	capacity int // per shard
	hotTTL   time.Duration
	coldTTL  time.Duration
	now      func() time.Time
}

type cacheShard struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
}

type cacheEntry struct {
	key       string
	bars      []database.OhlcBar
	expiresAt time.Time
}

func newBarCache(capacityPerShard int, hotTTL, coldTTL time.Duration, now func() time.Time) *barCache {
	c := &barCache{
		capacity: capacityPerShard,
		hotTTL:   hotTTL,
		coldTTL:  coldTTL,
		now:      now,
	}
	for i := range c.shards {
		c.shards[i] = &cacheShard{
			entries: make(map[string]*list.Element),
			order:   list.New(),
		}
	}
	return c
}

// cacheKey buckets the window bounds to the timeframe duration so near-identical
// queries share an entry.
func cacheKey(symbol, timeframe string, from, to time.Time, bucket time.Duration) string {
	return fmt.Sprintf("%s|%s|%d|%d", symbol, timeframe,
		from.Truncate(bucket).Unix(), to.Truncate(bucket).Unix())
}

func (c *barCache) shardFor(key string) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%cacheShards]
}

func (c *barCache) get(key string) ([]database.OhlcBar, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if c.now().After(entry.expiresAt) {
		s.order.Remove(el)
		delete(s.entries, key)
		return nil, false
	}
	s.order.MoveToFront(el)
	return entry.bars, true
}

// put stores a result. endsNow selects the short TTL.
func (c *barCache) put(key string, bars []database.OhlcBar, endsNow bool) {
	ttl := c.coldTTL
	if endsNow {
		ttl = c.hotTTL
	}
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.bars = bars
		entry.expiresAt = c.now().Add(ttl)
		s.order.MoveToFront(el)
		return
	}
	el := s.order.PushFront(&cacheEntry{key: key, bars: bars, expiresAt: c.now().Add(ttl)})
	s.entries[key] = el

	for s.order.Len() > c.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(*cacheEntry).key)
	}
}

func (c *barCache) len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += s.order.Len()
		s.mu.Unlock()
	}
	return total
}
