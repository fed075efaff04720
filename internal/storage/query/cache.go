package query

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/tcpingd/internal/storage/types"
)

type cacheEntry struct {
	series  *Series
	expires time.Time
}

// cache is a TTL map. Expired entries are removed lazily and by a sweep
// whenever the map is full.
type cache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[string]cacheEntry
}

func newCache(ttl time.Duration, maxEntries int) *cache {
	return &cache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]cacheEntry),
	}
}

func (c *cache) get(key string, now time.Time) (*Series, bool) {
	if c.ttl <= 0 {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !now.Before(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.series, true
}

func (c *cache) put(key string, s *Series, now time.Time) {
	if c.ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.sweep(now)
	}
	if len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[key] = cacheEntry{series: s, expires: now.Add(c.ttl)}
}

func (c *cache) sweep(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
}

func (c *cache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.expires.Before(oldest) {
			oldestKey, oldest = k, e.expires
		}
	}
	delete(c.entries, oldestKey)
}

func (c *cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// sortByTime orders samples by timestamp, then monitor.
func sortByTime(samples []types.Sample) {
	sort.SliceStable(samples, func(i, j int) bool {
		if samples[i].TimestampMs != samples[j].TimestampMs {
			return samples[i].TimestampMs < samples[j].TimestampMs
		}
		return samples[i].Monitor < samples[j].Monitor
	})
}

// MonitorNames returns the distinct monitor names in samples, sorted.
func MonitorNames(samples []types.Sample) []string {
	var names []string
	for i := range samples {
		if !slices.Contains(names, samples[i].Monitor) {
			names = append(names, samples[i].Monitor)
		}
	}
	slices.Sort(names)
	return names
}
