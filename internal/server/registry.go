package server

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gostones/fundupload/internal/policy"
)

// Record is a confirmed object.
type Record struct {
	Key         string
	Category    policy.Category
	Owner       string
	Size        int64
	ETag        string
	ContentType string
	PublicURL   string
	ConfirmedAt time.Time
}

// registry remembers recently confirmed objects so a repeated confirmation
// returns the same answer without touching storage. Older entries are
// evicted; the database of record lives elsewhere.
type registry struct {
	cache *lru.Cache[string, Record]
}

func newRegistry(size int) (*registry, error) {
	if size <= 0 {
		size = 10000
	}
	c, err := lru.New[string, Record](size)
	if err != nil {
		return nil, err
	}
	return &registry{cache: c}, nil
}

func (r *registry) get(key string) (Record, bool) { return r.cache.Get(key) }

func (r *registry) put(rec Record) { r.cache.Add(rec.Key, rec) }

func (r *registry) len() int { return r.cache.Len() }
