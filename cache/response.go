package cache

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// NoContext is the context digest used when retrieval yielded no passages.
const NoContext = "no_context"

// DefaultCapacity bounds the number of cached responses.
const DefaultCapacity = 1000

// Digest returns a content hash of text. It is only used for cache-key
// equality and carries no security meaning.
func Digest(text string) string {
	return strconv.FormatUint(xxhash.Sum64String(text), 16)
}

// ContextDigest hashes retrieved passages joined by blank lines, or returns
// NoContext when there are none.
func ContextDigest(passages []string) string {
	if len(passages) == 0 {
		return NoContext
	}
	return Digest(strings.Join(passages, "\n\n"))
}

// Stats is a point-in-time view of cache occupancy.
type Stats struct {
	Size        int     `json:"cache_size"`
	Limit       int     `json:"cache_limit"`
	Utilization float64 `json:"cache_utilization"`
}

// ResponseCache memoizes generated responses by (message digest, context
// digest). Lookup and Store are individually safe for concurrent use; a
// lookup followed by a store is not coordinated, so concurrent misses on
// the same key may both compute and store a value.
type ResponseCache struct {
	entries  *lru.Cache[string, string]
	capacity int
}

func NewResponseCache(capacity int) *ResponseCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c, err := lru.New[string, string](capacity)
	if err != nil {
		// only returned for non-positive sizes
		panic(err)
	}
	return &ResponseCache{entries: c, capacity: capacity}
}

func key(messageDigest, contextDigest string) string {
	return messageDigest + "|" + contextDigest
}

func (c *ResponseCache) Lookup(messageDigest, contextDigest string) (string, bool) {
	return c.entries.Get(key(messageDigest, contextDigest))
}

// Store inserts or refreshes an entry, evicting the least recently used
// one when the cache is full.
func (c *ResponseCache) Store(messageDigest, contextDigest, text string) {
	c.entries.Add(key(messageDigest, contextDigest), text)
}

func (c *ResponseCache) Stats() Stats {
	size := c.entries.Len()
	return Stats{
		Size:        size,
		Limit:       c.capacity,
		Utilization: float64(size) / float64(c.capacity),
	}
}

func (c *ResponseCache) Purge() {
	c.entries.Purge()
}
