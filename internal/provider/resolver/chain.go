package resolver

import (
	"context"
	"time"

	"github.com/smallbiznis/smsgate/internal/cache"
	"github.com/smallbiznis/smsgate/internal/config"
	phonedomain "github.com/smallbiznis/smsgate/internal/phone/domain"
	providerdomain "github.com/smallbiznis/smsgate/internal/provider/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Chain returns the first non-nil config; an error from any link aborts resolution.
type Chain []providerdomain.ConfigResolver

func (c Chain) ResolveForCarrier(ctx context.Context, carrier phonedomain.Carrier) (*providerdomain.ProviderConfig, error) {
	for _, r := range c {
		if r == nil {
			continue
		}
		cfg, err := r.ResolveForCarrier(ctx, carrier)
		if err != nil {
			return nil, err
		}
		if cfg != nil {
			return cfg, nil
		}
	}
	return nil, nil
}

type cachedEntry struct {
	cfg *providerdomain.ProviderConfig
}

// Cached memoises resolutions, including misses, for ttl so credential rotation lands within one ttl.
type Cached struct {
	next  providerdomain.ConfigResolver
	ttl   time.Duration
	cache cache.Cache[phonedomain.Carrier, cachedEntry]
}

func NewCached(next providerdomain.ConfigResolver, ttl time.Duration) *Cached {
	return &Cached{
		next:  next,
		ttl:   ttl,
		cache: cache.NewTTLCache[phonedomain.Carrier, cachedEntry](),
	}
}

func (c *Cached) ResolveForCarrier(ctx context.Context, carrier phonedomain.Carrier) (*providerdomain.ProviderConfig, error) {
	if c.ttl <= 0 {
		return c.next.ResolveForCarrier(ctx, carrier)
	}
	if hit, ok := c.cache.Get(carrier); ok {
		return hit.cfg, nil
	}
	cfg, err := c.next.ResolveForCarrier(ctx, carrier)
	if err != nil {
		return nil, err
	}
	c.cache.Set(carrier, cachedEntry{cfg: cfg}, c.ttl)
	return cfg, nil
}

// Invalidate drops every cached resolution.
func (c *Cached) Invalidate() {
	c.cache.Purge()
}

type ProvideParams struct {
	fx.In

	DB      *gorm.DB
	Repo    providerdomain.Repository
	Sealer  *Sealer
	Catalog *config.ProviderCatalogHolder `optional:"true"`
	Cfg     config.Config
}

// Provide builds database-then-catalog resolution behind a short TTL cache.
func Provide(p ProvideParams) *Cached {
	chain := Chain{
		NewDatabase(p.DB, p.Repo, p.Sealer),
		NewCatalog(p.Catalog),
	}
	return NewCached(chain, p.Cfg.ProviderCacheTTL)
}

func ProvideSealer(cfg config.Config) (*Sealer, error) {
	return NewSealer(cfg.ProviderConfigSecret)
}
