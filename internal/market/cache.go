package market

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ksred/klear-broker/internal/observability"
	"github.com/ksred/klear-broker/internal/types"
)

var (
	ErrMarketPaused  = types.Unavailable(types.CodeMarketPaused, "market is paused")
	ErrUnknownBucket = types.NotFound("UNKNOWN_BUCKET", "unknown market bucket")
)

// ControlReader looks up a bucket's control row, nil when absent
type ControlReader interface {
	GetControl(ctx context.Context, bucket string) (*Control, error)
}

type QuoteCacheConfig struct {
	TTL             time.Duration
	MaxSymbols      int
	ProviderTimeout time.Duration
	// Symbols resolves a bucket's symbol list; defaults to the static registry.
	Symbols func(bucket string) ([]string, bool)
	Now     func() time.Time
}

// QuoteCache serves per-bucket quote snapshots for TTL and refreshes at most
// once concurrently per bucket.
type QuoteCache struct {
	provider QuoteProvider
	controls ControlReader
	metrics  *observability.Metrics
	cfg      QuoteCacheConfig
	logger   zerolog.Logger

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]*Snapshot
	// generation advances on Invalidate. A read captures it before loading
	// the control row; a refresh built from that row is stored only while
	// the generation is unchanged.
	generation map[string]uint64
}

func NewQuoteCache(provider QuoteProvider, controls ControlReader, metrics *observability.Metrics, cfg QuoteCacheConfig) *QuoteCache {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.MaxSymbols <= 0 {
		cfg.MaxSymbols = 15
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 5 * time.Second
	}
	if cfg.Symbols == nil {
		cfg.Symbols = Symbols
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &QuoteCache{
		provider:   provider,
		controls:   controls,
		metrics:    metrics,
		cfg:        cfg,
		logger:     observability.NewLogger("quote_cache"),
		entries:    make(map[string]*Snapshot),
		generation: make(map[string]uint64),
	}
}

// GetQuotes returns the bucket's snapshot. A paused bucket fails with
// ErrMarketPaused before the registry or the cache is consulted.
func (c *QuoteCache) GetQuotes(ctx context.Context, bucket string) (*Snapshot, error) {
	gen := c.currentGeneration(bucket)

	control, err := c.controls.GetControl(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if control != nil && !control.Active {
		return nil, ErrMarketPaused.WithMessage("market %s is paused", bucket)
	}

	symbols, ok := c.cfg.Symbols(bucket)
	if !ok {
		return nil, ErrUnknownBucket.WithMessage("unknown market bucket %q", bucket)
	}

	if snap := c.fresh(bucket); snap != nil {
		c.metrics.QuoteCacheHits.WithLabelValues(bucket).Inc()
		return snap, nil
	}
	c.metrics.QuoteCacheMisses.WithLabelValues(bucket).Inc()

	// Callers that loaded their control row under different generations
	// never share a refresh.
	key := bucket + "#" + strconv.FormatUint(gen, 10)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Another caller may have stored a snapshot while we waited.
		if snap := c.fresh(bucket); snap != nil {
			return snap, nil
		}
		return c.refresh(context.WithoutCancel(ctx), bucket, symbols, control, gen), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// Invalidate drops the bucket's snapshot so the next read recomputes it
func (c *QuoteCache) Invalidate(bucket string) {
	c.mu.Lock()
	delete(c.entries, bucket)
	c.generation[bucket]++
	c.mu.Unlock()

	c.logger.Debug().Str("bucket", bucket).Msg("quote cache invalidated")
}

func (c *QuoteCache) currentGeneration(bucket string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation[bucket]
}

func (c *QuoteCache) fresh(bucket string) *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.entries[bucket]
	if !ok || c.cfg.Now().Sub(snap.AsOf) >= c.cfg.TTL {
		return nil
	}
	return snap
}

func (c *QuoteCache) refresh(ctx context.Context, bucket string, symbols []string, control *Control, gen uint64) *Snapshot {
	start := time.Now()
	if len(symbols) > c.cfg.MaxSymbols {
		symbols = symbols[:c.cfg.MaxSymbols]
	}

	quotes := make([]Quote, len(symbols))
	var wg sync.WaitGroup
	for i, symbol := range symbols {
		if control != nil && control.PriceOverride != nil {
			price := *control.PriceOverride
			quotes[i] = Quote{Symbol: symbol, Price: &price}
			continue
		}

		wg.Add(1)
		go func(i int, symbol string) {
			defer wg.Done()
			quotes[i] = c.fetch(ctx, bucket, symbol)
		}(i, symbol)
	}
	wg.Wait()

	snap := &Snapshot{Bucket: bucket, AsOf: c.cfg.Now(), Quotes: quotes}

	c.mu.Lock()
	if c.generation[bucket] == gen {
		c.entries[bucket] = snap
	}
	c.mu.Unlock()

	c.metrics.QuoteRefreshSeconds.WithLabelValues(bucket).Observe(time.Since(start).Seconds())
	c.logger.Info().
		Str("bucket", bucket).
		Int("symbols", len(quotes)).
		Dur("duration", time.Since(start)).
		Msg("quote snapshot refreshed")
	return snap
}

func (c *QuoteCache) fetch(ctx context.Context, bucket, symbol string) Quote {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProviderTimeout)
	defer cancel()

	c.metrics.QuoteProviderCalls.WithLabelValues(bucket).Inc()
	price, err := c.provider.Price(ctx, symbol)
	if err != nil {
		c.metrics.QuoteProviderErrors.WithLabelValues(bucket).Inc()
		c.logger.Warn().Err(err).Str("bucket", bucket).Str("symbol", symbol).Msg("quote fetch failed")
		return Quote{Symbol: symbol, Error: err.Error()}
	}
	return Quote{Symbol: symbol, Price: &price}
}
