package store

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CachedResourceDirectory wraps a ResourceDirectory with a TTL cache.
// Resource definitions change rarely, so the admission hot path should
// not hit the database for every request.
type CachedResourceDirectory struct {
	inner ResourceDirectory
	cache *gocache.Cache
}

// NewCachedResourceDirectory caches resource lookups for ttl. Misses
// are cached too, so probing unknown names cannot hammer the store.
func NewCachedResourceDirectory(inner ResourceDirectory, ttl time.Duration) *CachedResourceDirectory {
	return &CachedResourceDirectory{
		inner: inner,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func (d *CachedResourceDirectory) GetResourceByName(ctx context.Context, name string) (*Resource, error) {
	if v, ok := d.cache.Get(name); ok {
		if v == nil {
			return nil, nil
		}
		return v.(*Resource), nil
	}

	r, err := d.inner.GetResourceByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if r == nil {
		d.cache.Set(name, nil, gocache.DefaultExpiration)
		return nil, nil
	}
	d.cache.Set(name, r, gocache.DefaultExpiration)
	return r, nil
}

// Invalidate drops one cached name.
func (d *CachedResourceDirectory) Invalidate(name string) {
	d.cache.Delete(name)
}
