package poll

import (
	"github.com/coocood/freecache"
)

// SeenCache remembers comment ids that were fully processed, so a comment that is still in the
// stream window on the next pass is not evaluated twice. Entries expire after ttlSeconds.
type SeenCache struct {
	cache *freecache.Cache
	ttl   int
}

// NewSeenCache creates a cache of sizeBytes (freecache enforces a 512KiB minimum). A ttl of zero
// or less keeps entries until they are evicted.
func NewSeenCache(sizeBytes, ttlSeconds int) *SeenCache {
	return &SeenCache{
		cache: freecache.NewCache(sizeBytes),
		ttl:   max(ttlSeconds, 0),
	}
}

// Seen reports whether key was marked.
func (s *SeenCache) Seen(key string) bool {
	if s == nil {
		return false
	}
	_, err := s.cache.Get([]byte(key))
	return err == nil
}

// Mark records key as processed.
func (s *SeenCache) Mark(key string) {
	if s == nil {
		return
	}
	_ = s.cache.Set([]byte(key), []byte{1}, s.ttl)
}
