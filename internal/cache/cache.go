package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zombor/outreach-intake/internal/customer"
)

const (
	// DefaultWindow is how long an extraction stays valid
	DefaultWindow = 24 * time.Hour
	// DefaultSize is the number of extractions kept in memory
	DefaultSize = 1024

	memoryTier = "memory"
)

var (
	cacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outreach_extraction_cache_hits_total",
		Help: "Extraction cache hits by tier.",
	}, []string{"tier"})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outreach_extraction_cache_misses_total",
		Help: "Extraction cache lookups that missed every tier.",
	})
)

// CachedExtraction is an extraction result held by the cache
type CachedExtraction = customer.Extraction

// Key addresses an extraction within a tenant
type Key struct {
	Tenant string
	Hash   ContentHash
}

func (k Key) String() string {
	return k.Tenant + "|" + k.Hash.String()
}

// Persistent is a durable cache tier. A miss is reported as customer.ErrNotFound.
type Persistent interface {
	GetExtraction(ctx context.Context, tenant, hash string, notBefore time.Time) (*customer.Extraction, error)
	PutExtraction(ctx context.Context, extraction *customer.Extraction) error
}

// Tier names a persistent tier for metrics and logs
type Tier struct {
	Name  string
	Store Persistent
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type systemTimeSource struct{}

func (systemTimeSource) Now() time.Time {
	return time.Now()
}

// Config configures a Cache
type Config struct {
	Size       int           // in-memory capacity, DefaultSize if zero
	Window     time.Duration // validity window, DefaultWindow if zero
	TimeSource TimeSource    // system clock if nil
}

// Cache is a bounded in-memory LRU in front of persistent tiers.
// Tiers are read in order; a hit backfills every faster tier.
type Cache struct {
	memory *expirable.LRU[string, *CachedExtraction]
	tiers  []Tier
	window time.Duration
	clock  TimeSource
}

// New creates a Cache over the given persistent tiers, fastest first
func New(cfg Config, tiers ...Tier) *Cache {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.TimeSource == nil {
		cfg.TimeSource = systemTimeSource{}
	}
	return &Cache{
		memory: expirable.NewLRU[string, *CachedExtraction](cfg.Size, nil, cfg.Window),
		tiers:  tiers,
		window: cfg.Window,
		clock:  cfg.TimeSource,
	}
}

// Get returns the extraction for key if one younger than the window exists.
// Errors from a persistent tier are returned, not treated as misses.
func (c *Cache) Get(ctx context.Context, key Key) (*CachedExtraction, bool, error) {
	notBefore := c.clock.Now().Add(-c.window)

	if entry, ok := c.memory.Get(key.String()); ok && !entry.CreatedAt.Before(notBefore) {
		cacheHitsTotal.WithLabelValues(memoryTier).Inc()
		return entry, true, nil
	}

	for i, tier := range c.tiers {
		entry, err := tier.Store.GetExtraction(ctx, key.Tenant, key.Hash.String(), notBefore)
		if errors.Is(err, customer.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("reading %s cache: %w", tier.Name, err)
		}

		cacheHitsTotal.WithLabelValues(tier.Name).Inc()
		for _, faster := range c.tiers[:i] {
			if err := faster.Store.PutExtraction(ctx, entry); err != nil {
				return nil, false, fmt.Errorf("backfilling %s cache: %w", faster.Name, err)
			}
		}
		c.memory.Add(key.String(), entry)
		return entry, true, nil
	}

	cacheMissesTotal.Inc()
	return nil, false, nil
}

// Put stores records for key, slowest tier first, stamped with the current time
func (c *Cache) Put(ctx context.Context, key Key, records []customer.Record) (*CachedExtraction, error) {
	entry := &CachedExtraction{
		Tenant:    key.Tenant,
		Hash:      key.Hash.String(),
		Records:   records,
		CreatedAt: c.clock.Now(),
	}

	for i := len(c.tiers) - 1; i >= 0; i-- {
		if err := c.tiers[i].Store.PutExtraction(ctx, entry); err != nil {
			return nil, fmt.Errorf("writing %s cache: %w", c.tiers[i].Name, err)
		}
	}
	c.memory.Add(key.String(), entry)
	return entry, nil
}

// Len returns the number of in-memory entries
func (c *Cache) Len() int {
	return c.memory.Len()
}
