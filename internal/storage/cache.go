// cache.go - In-memory cache for coupon lookups

package storage

import (
	"context"
	"sync"
	"time"
)

const CACHE_TTL = 5 * time.Minute // Cache expires after 5 minutes

type cachedCoupon struct {
	coupon   Coupon
	loadedAt time.Time
}

// CouponCache keeps recently read coupons in memory. Only successful lookups
// are cached; redemption uniqueness is always decided by the store.
type CouponCache struct {
	ttl     time.Duration
	mu      sync.RWMutex
	coupons map[string]cachedCoupon
	now     func() time.Time
}

// NewCouponCache creates a cache; ttl <= 0 uses CACHE_TTL.
func NewCouponCache(ttl time.Duration) *CouponCache {
	if ttl <= 0 {
		ttl = CACHE_TTL
	}
	return &CouponCache{
		ttl:     ttl,
		coupons: make(map[string]cachedCoupon),
		now:     time.Now,
	}
}

// GetOrLoad retrieves a coupon from cache or loads it with load.
func (c *CouponCache) GetOrLoad(ctx context.Context, code string, load func(ctx context.Context, code string) (*Coupon, error)) (*Coupon, error) {
	key := NormalizeCouponCode(code)

	c.mu.RLock()
	cached, exists := c.coupons[key]
	c.mu.RUnlock()

	if exists && c.now().Sub(cached.loadedAt) < c.ttl {
		coupon := cached.coupon
		return &coupon, nil
	}

	coupon, err := load(ctx, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.coupons[key] = cachedCoupon{coupon: *coupon, loadedAt: c.now()}
	c.mu.Unlock()
	return coupon, nil
}

// Invalidate removes the cached coupon for code
func (c *CouponCache) Invalidate(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.coupons, NormalizeCouponCode(code))
}
