package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/seenimoa/sandbox/pkg/models"
)

// SimProvider is an in-memory quote and symbol-master source. It backs
// local runs (quotes fed through the admin API) and tests. Live
// deployments plug the upstream broker client in instead.
type SimProvider struct {
	mu      sync.RWMutex
	quotes  map[SymbolKey]models.Quote
	symbols map[SymbolKey]int64 // lot sizes
}

// NewSimProvider creates an empty provider.
func NewSimProvider() *SimProvider {
	return &SimProvider{
		quotes:  make(map[SymbolKey]models.Quote),
		symbols: make(map[SymbolKey]int64),
	}
}

var _ models.QuoteProvider = (*SimProvider)(nil)
var _ models.SymbolMetaProvider = (*SimProvider)(nil)

// AddSymbol registers a tradeable symbol with its lot size.
func (p *SimProvider) AddSymbol(symbol, exchange string, lotSize int64) {
	if lotSize < 1 {
		lotSize = 1
	}
	p.mu.Lock()
	p.symbols[SymbolKey{symbol, exchange}] = lotSize
	p.mu.Unlock()
}

// SetQuote publishes a quote snapshot, registering the symbol with lot
// size 1 if unknown.
func (p *SimProvider) SetQuote(q models.Quote) {
	key := SymbolKey{q.Symbol, q.Exchange}
	if q.LTT.IsZero() {
		q.LTT = time.Now()
	}
	p.mu.Lock()
	if _, ok := p.symbols[key]; !ok {
		p.symbols[key] = 1
	}
	p.quotes[key] = q
	p.mu.Unlock()
}

// SetLTP publishes a trade-only snapshot with empty bid/ask.
func (p *SimProvider) SetLTP(symbol, exchange string, ltp decimal.Decimal) {
	p.SetQuote(models.Quote{Symbol: symbol, Exchange: exchange, LTP: ltp})
}

// Quote implements models.QuoteProvider.
func (p *SimProvider) Quote(_ context.Context, symbol, exchange string) (models.Quote, error) {
	p.mu.RLock()
	q, ok := p.quotes[SymbolKey{symbol, exchange}]
	p.mu.RUnlock()
	if !ok {
		return models.Quote{}, fmt.Errorf("%w: no quote for %s/%s", models.ErrQuoteUnavailable, symbol, exchange)
	}
	return q, nil
}

// LotSize implements models.SymbolMetaProvider.
func (p *SimProvider) LotSize(_ context.Context, symbol, exchange string) (int64, error) {
	p.mu.RLock()
	lot, ok := p.symbols[SymbolKey{symbol, exchange}]
	p.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s", models.ErrUnknownSymbol, symbol, exchange)
	}
	return lot, nil
}

// Exists implements models.SymbolMetaProvider.
func (p *SimProvider) Exists(_ context.Context, symbol, exchange string) (bool, error) {
	p.mu.RLock()
	_, ok := p.symbols[SymbolKey{symbol, exchange}]
	p.mu.RUnlock()
	return ok, nil
}
