package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/ksred/klear-broker/internal/observability"
	"github.com/ksred/klear-broker/internal/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingProvider prices every symbol at 100 unless it is listed in fail.
type countingProvider struct {
	calls atomic.Int64
	fail  map[string]bool
	gate  chan struct{}
}

func (p *countingProvider) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p.calls.Add(1)
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		}
	}
	if p.fail[symbol] {
		return decimal.Zero, fmt.Errorf("no price for %s", symbol)
	}
	return decimal.NewFromInt(100), nil
}

type fakeControls struct {
	mu       sync.Mutex
	controls map[string]*Control
}

func (f *fakeControls) GetControl(_ context.Context, bucket string) (*Control, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.controls[bucket]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeControls) set(bucket string, active bool, override *decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls[bucket] = &Control{Bucket: bucket, Active: active, PriceOverride: override}
}

func symbolList(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("SYM%02d", i)
	}
	return out
}

type cacheEnv struct {
	cache    *QuoteCache
	clock    *fakeClock
	provider *countingProvider
	controls *fakeControls
}

func newCacheEnv(t interface{ Helper() }, registry map[string][]string) *cacheEnv {
	t.Helper()
	observability.Discard()
	env := &cacheEnv{
		clock:    newFakeClock(),
		provider: &countingProvider{fail: map[string]bool{}},
		controls: &fakeControls{controls: map[string]*Control{}},
	}
	env.cache = NewQuoteCache(env.provider, env.controls, observability.NewMetrics(), QuoteCacheConfig{
		TTL:             30 * time.Second,
		MaxSymbols:      15,
		ProviderTimeout: time.Second,
		Symbols: func(bucket string) ([]string, bool) {
			s, ok := registry[bucket]
			return s, ok
		},
		Now: env.clock.Now,
	})
	return env
}

func TestGetQuotes_CacheHitWithinTTL(t *testing.T) {
	env := newCacheEnv(t, map[string][]string{"crypto": symbolList(3)})
	ctx := context.Background()

	first, err := env.cache.GetQuotes(ctx, "crypto")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env.clock.Advance(29 * time.Second)
	second, err := env.cache.GetQuotes(ctx, "crypto")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !first.AsOf.Equal(second.AsOf) {
		t.Errorf("got as_of %v then %v, want identical", first.AsOf, second.AsOf)
	}
	if got := env.provider.calls.Load(); got != 3 {
		t.Errorf("got %d provider calls, want 3", got)
	}
}

func TestGetQuotes_RefreshesAfterTTL(t *testing.T) {
	env := newCacheEnv(t, map[string][]string{"crypto": symbolList(3)})
	ctx := context.Background()

	first, _ := env.cache.GetQuotes(ctx, "crypto")
	env.clock.Advance(30 * time.Second)
	second, err := env.cache.GetQuotes(ctx, "crypto")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !second.AsOf.After(first.AsOf) {
		t.Errorf("expected a newer snapshot, got %v then %v", first.AsOf, second.AsOf)
	}
	if got := env.provider.calls.Load(); got != 6 {
		t.Errorf("got %d provider calls, want 6", got)
	}
}

func TestGetQuotes_CapsSymbolsPerRefresh(t *testing.T) {
	env := newCacheEnv(t, map[string][]string{"us-stocks": symbolList(20)})

	snap, err := env.cache.GetQuotes(context.Background(), "us-stocks")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snap.Quotes) != 15 {
		t.Errorf("got %d quotes, want 15", len(snap.Quotes))
	}
	if got := env.provider.calls.Load(); got != 15 {
		t.Errorf("got %d provider calls, want 15", got)
	}
	if snap.Quotes[14].Symbol != "SYM14" {
		t.Errorf("got last symbol %q, want SYM14", snap.Quotes[14].Symbol)
	}
}

func TestGetQuotes_PartialFailure(t *testing.T) {
	symbols := symbolList(5)
	env := newCacheEnv(t, map[string][]string{"bist": symbols})
	env.provider.fail[symbols[2]] = true

	snap, err := env.cache.GetQuotes(context.Background(), "bist")
	if err != nil {
		t.Fatalf("one failing symbol must not fail the batch: %v", err)
	}
	if len(snap.Quotes) != 5 {
		t.Fatalf("got %d quotes, want 5", len(snap.Quotes))
	}

	priced, failed := 0, 0
	for i, q := range snap.Quotes {
		if q.Symbol != symbols[i] {
			t.Errorf("quote %d: got symbol %q, want %q", i, q.Symbol, symbols[i])
		}
		switch {
		case q.Error != "" && q.Price == nil:
			failed++
		case q.Error == "" && q.Price != nil:
			priced++
		default:
			t.Errorf("quote %d has both or neither of price and error: %+v", i, q)
		}
	}
	if priced != 4 || failed != 1 {
		t.Errorf("got %d priced and %d failed, want 4 and 1", priced, failed)
	}
	if snap.Quotes[2].Error == "" {
		t.Errorf("expected error on %s", symbols[2])
	}
}

func TestGetQuotes_PausedBeatsFreshCache(t *testing.T) {
	env := newCacheEnv(t, map[string][]string{"crypto": symbolList(2)})
	ctx := context.Background()

	if _, err := env.cache.GetQuotes(ctx, "crypto"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env.controls.set("crypto", false, nil)

	_, err := env.cache.GetQuotes(ctx, "crypto")
	if !errors.Is(err, ErrMarketPaused) {
		t.Fatalf("got %v, want ErrMarketPaused", err)
	}
	if types.KindOf(err) != types.KindUnavailable {
		t.Errorf("got kind %v, want unavailable", types.KindOf(err))
	}
}

func TestGetQuotes_PausedCheckedBeforeRegistry(t *testing.T) {
	env := newCacheEnv(t, map[string][]string{})
	env.controls.set("ghost", false, nil)

	if _, err := env.cache.GetQuotes(context.Background(), "ghost"); !errors.Is(err, ErrMarketPaused) {
		t.Errorf("got %v, want ErrMarketPaused", err)
	}
}

func TestGetQuotes_UnknownBucket(t *testing.T) {
	env := newCacheEnv(t, map[string][]string{})

	_, err := env.cache.GetQuotes(context.Background(), "nowhere")
	if !errors.Is(err, ErrUnknownBucket) {
		t.Fatalf("got %v, want ErrUnknownBucket", err)
	}
	if types.KindOf(err) != types.KindNotFound {
		t.Errorf("got kind %v, want not_found", types.KindOf(err))
	}
}

func TestGetQuotes_OverrideSkipsProvider(t *testing.T) {
	for _, override := range []int64{0, 42} {
		t.Run(fmt.Sprintf("override=%d", override), func(t *testing.T) {
			env := newCacheEnv(t, map[string][]string{"forex": symbolList(4)})
			price := decimal.NewFromInt(override)
			env.controls.set("forex", true, &price)

			snap, err := env.cache.GetQuotes(context.Background(), "forex")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for _, q := range snap.Quotes {
				if q.Price == nil || !q.Price.Equal(price) {
					t.Errorf("%s: got price %v, want %s", q.Symbol, q.Price, price)
				}
			}
			if got := env.provider.calls.Load(); got != 0 {
				t.Errorf("got %d provider calls, want 0", got)
			}
		})
	}
}

func TestInvalidate_ForcesRecompute(t *testing.T) {
	env := newCacheEnv(t, map[string][]string{"crypto": symbolList(2)})
	ctx := context.Background()

	if _, err := env.cache.GetQuotes(ctx, "crypto"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	price := decimal.NewFromInt(7)
	env.controls.set("crypto", true, &price)

	// Without invalidation the stale snapshot is still served.
	stale, _ := env.cache.GetQuotes(ctx, "crypto")
	if stale.Quotes[0].Price.Equal(price) {
		t.Fatal("expected cached provider price before invalidation")
	}

	env.cache.Invalidate("crypto")
	snap, err := env.cache.GetQuotes(ctx, "crypto")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !snap.Quotes[0].Price.Equal(price) {
		t.Errorf("got price %s after invalidation, want %s", snap.Quotes[0].Price, price)
	}
}

// racingControls returns the row it read, then runs after once, simulating a
// control change that commits between the read and the refresh.
type racingControls struct {
	*fakeControls
	once  sync.Once
	after func()
}

func (r *racingControls) GetControl(ctx context.Context, bucket string) (*Control, error) {
	c, err := r.fakeControls.GetControl(ctx, bucket)
	r.once.Do(func() {
		if r.after != nil {
			r.after()
		}
	})
	return c, err
}

func TestGetQuotes_ControlChangeDuringReadIsNotCached(t *testing.T) {
	env := newCacheEnv(t, map[string][]string{"crypto": symbolList(2)})
	ctx := context.Background()
	price := decimal.NewFromInt(7)

	racing := &racingControls{fakeControls: env.controls}
	racing.after = func() {
		env.controls.set("crypto", true, &price)
		env.cache.Invalidate("crypto")
	}
	env.cache.controls = racing

	first, err := env.cache.GetQuotes(ctx, "crypto")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Quotes[0].Price.Equal(price) {
		t.Fatal("the racing read loaded the row before the override")
	}

	second, err := env.cache.GetQuotes(ctx, "crypto")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, q := range second.Quotes {
		if q.Price == nil || !q.Price.Equal(price) {
			t.Errorf("%s: got price %v, want override %s", q.Symbol, q.Price, price)
		}
	}
}

func TestGetQuotes_ReadAfterInvalidateDoesNotJoinOlderRefresh(t *testing.T) {
	env := newCacheEnv(t, map[string][]string{"crypto": symbolList(2)})
	env.provider.gate = make(chan struct{})
	ctx := context.Background()

	staleDone := make(chan *Snapshot, 1)
	go func() {
		snap, _ := env.cache.GetQuotes(ctx, "crypto")
		staleDone <- snap
	}()
	for env.provider.calls.Load() < 2 {
		time.Sleep(time.Millisecond)
	}

	price := decimal.NewFromInt(7)
	env.controls.set("crypto", true, &price)
	env.cache.Invalidate("crypto")

	snap, err := env.cache.GetQuotes(ctx, "crypto")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !snap.Quotes[0].Price.Equal(price) {
		t.Errorf("got price %s, want override %s", snap.Quotes[0].Price, price)
	}

	close(env.provider.gate)
	<-staleDone

	again, err := env.cache.GetQuotes(ctx, "crypto")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !again.Quotes[0].Price.Equal(price) {
		t.Errorf("the older refresh replaced the override snapshot: got %s", again.Quotes[0].Price)
	}
}

func TestGetQuotes_ConcurrentMissesRefreshOnce(t *testing.T) {
	env := newCacheEnv(t, map[string][]string{"crypto": symbolList(3)})
	env.provider.gate = make(chan struct{})

	var wg sync.WaitGroup
	snaps := make([]*Snapshot, 10)
	for i := range snaps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := env.cache.GetQuotes(context.Background(), "crypto")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			snaps[i] = snap
		}(i)
	}

	// Let the single in-flight refresh finish.
	time.Sleep(50 * time.Millisecond)
	close(env.provider.gate)
	wg.Wait()

	if got := env.provider.calls.Load(); got != 3 {
		t.Errorf("got %d provider calls, want 3", got)
	}
	for i, snap := range snaps {
		if snap != nil && !snap.AsOf.Equal(snaps[0].AsOf) {
			t.Errorf("snapshot %d has as_of %v, want %v", i, snap.AsOf, snaps[0].AsOf)
		}
	}
}

func TestGetQuotes_PartialFailureProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 25).Draw(t, "symbols")
		symbols := symbolList(n)
		env := newCacheEnv(t, map[string][]string{"b": symbols})

		failing := map[string]bool{}
		for _, s := range symbols {
			if rapid.Bool().Draw(t, "fail_"+s) {
				failing[s] = true
			}
		}
		env.provider.fail = failing

		snap, err := env.cache.GetQuotes(context.Background(), "b")
		if err != nil {
			t.Fatalf("batch failed: %v", err)
		}

		want := n
		if want > 15 {
			want = 15
		}
		if len(snap.Quotes) != want {
			t.Fatalf("got %d quotes, want %d", len(snap.Quotes), want)
		}
		for i, q := range snap.Quotes {
			if q.Symbol != symbols[i] {
				t.Fatalf("quote %d: got %q, want %q", i, q.Symbol, symbols[i])
			}
			if failing[q.Symbol] != (q.Error != "") {
				t.Fatalf("%s: failing=%v but error=%q", q.Symbol, failing[q.Symbol], q.Error)
			}
			if (q.Price == nil) != (q.Error != "") {
				t.Fatalf("%s: price and error must be exclusive: %+v", q.Symbol, q)
			}
		}
	})
}
