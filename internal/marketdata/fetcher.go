// Package marketdata pulls quotes from the upstream QuoteProvider with
// rate limiting, batching and short-lived caching. Quote fetches may
// take arbitrary wall time; callers must never hold a per-user lock
// while fetching.
package marketdata

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/seenimoa/sandbox/pkg/models"
)

// SymbolKey identifies a quoted instrument.
type SymbolKey struct {
	Symbol   string
	Exchange string
}

// Fetcher wraps a QuoteProvider with a token-bucket rate cap, a
// per-call timeout and a TTL cache.
type Fetcher struct {
	provider models.QuoteProvider
	limiter  *rate.Limiter
	cache    *QuoteCache
	log      *zap.SugaredLogger
	timeout  time.Duration
}

// NewFetcher creates a fetcher capped at quotesPerSecond upstream calls.
func NewFetcher(provider models.QuoteProvider, quotesPerSecond int, log *zap.SugaredLogger) *Fetcher {
	if quotesPerSecond <= 0 {
		quotesPerSecond = 10
	}
	return &Fetcher{
		provider: provider,
		limiter:  rate.NewLimiter(rate.Limit(quotesPerSecond), quotesPerSecond),
		cache:    NewQuoteCache(time.Second),
		log:      log,
		timeout:  5 * time.Second,
	}
}

// Quote returns a quote for one symbol, served from cache when fresh.
func (f *Fetcher) Quote(ctx context.Context, symbol, exchange string) (models.Quote, error) {
	key := SymbolKey{Symbol: symbol, Exchange: exchange}
	if q, ok := f.cache.Get(key); ok {
		return q, nil
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return models.Quote{}, err
	}
	fetchCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	q, err := f.provider.Quote(fetchCtx, symbol, exchange)
	if err != nil {
		return models.Quote{}, err
	}
	f.cache.Set(key, q)
	return q, nil
}

// Batch fetches quotes for a set of symbols concurrently, respecting
// the rate cap. Symbols whose fetch fails are absent from the result;
// the caller retries them on the next tick.
func (f *Fetcher) Batch(ctx context.Context, keys []SymbolKey) map[SymbolKey]models.Quote {
	out := make(map[SymbolKey]models.Quote, len(keys))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			q, err := f.Quote(gctx, key.Symbol, key.Exchange)
			if err != nil {
				f.log.Debugw("quote fetch failed, skipping this tick",
					"symbol", key.Symbol, "exchange", key.Exchange, "error", err)
				return nil // transient: never abort the batch
			}
			mu.Lock()
			out[key] = q
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return out
}
