// Package pipeline unifies realtime WebSocket pushes with polled REST
// pulls behind a single read interface.
//
// Symbols are tracked at a freshness tier: CRITICAL and HIGH are fed by
// the WebSocket (the engine forwards ticks into OnTick/OnBook), while
// MEDIUM, LOW, and BACKGROUND run on per-tier REST pollers. Readers call
// Latest and get the freshest cached quote regardless of which path
// produced it, annotated with source and age.
package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"stockbot/internal/config"
	"stockbot/internal/metrics"
	"stockbot/pkg/types"
)

// Quoter is the REST surface the pollers need.
type Quoter interface {
	CurrentPrice(ctx context.Context, symbol string) (*types.Quote, error)
	Orderbook(ctx context.Context, symbol string) (*types.Orderbook, error)
	DailyBars(ctx context.Context, symbol, period string) ([]types.Bar, error)
}

// TickCallback receives every accepted quote for a symbol.
type TickCallback func(types.Quote)

// QuoteView is a cache read annotated with how it got there and how old
// it is.
type QuoteView struct {
	types.Quote
	Age time.Duration
}

type entry struct {
	symbol   string
	tier     types.Tier
	strategy string
	cb       TickCallback
	lastTick time.Time
}

// Pipeline tracks symbols, their tiers, and the quote/book/bars caches.
type Pipeline struct {
	quoter Quoter
	cfg    config.PipelineConfig

	prices *boundedCache
	books  *boundedCache
	bars   *boundedCache

	mu      sync.RWMutex
	entries map[string]*entry

	logger *slog.Logger
	now    func() time.Time
}

// New creates the pipeline with caches sized from config.
func New(quoter Quoter, cfg config.PipelineConfig, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		quoter:  quoter,
		cfg:     cfg,
		prices:  newBoundedCache(cfg.PriceCacheSize, cfg.PriceCacheTTL),
		books:   newBoundedCache(cfg.BookCacheSize, cfg.BookCacheTTL),
		bars:    newBoundedCache(cfg.BarsCacheSize, cfg.BarsCacheTTL),
		entries: make(map[string]*entry),
		logger:  logger.With("component", "pipeline"),
		now:     time.Now,
	}
}

// TierForRank applies the per-strategy downgrade ladder: within one
// strategy's candidate list the Nth (0-based) symbol lands at
// base − ⌊N/5⌋, so the best candidates get the richest data.
func TierForRank(base types.Tier, rank int) types.Tier {
	return base.Downgrade(rank / 5)
}

// Add begins tracking a symbol at the given tier. Re-adding an already
// tracked symbol keeps the better (higher-freshness) tier and replaces
// the callback.
func (p *Pipeline) Add(symbol string, tier types.Tier, strategy string, cb TickCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.entries[symbol]; ok {
		if tier < existing.tier {
			existing.tier = tier
		}
		existing.strategy = strategy
		if cb != nil {
			existing.cb = cb
		}
		return
	}
	p.entries[symbol] = &entry{symbol: symbol, tier: tier, strategy: strategy, cb: cb}
}

// Remove stops tracking a symbol and drops its cached state.
func (p *Pipeline) Remove(symbol string) {
	p.mu.Lock()
	delete(p.entries, symbol)
	p.mu.Unlock()
	p.prices.Delete(symbol)
	p.books.Delete(symbol)
}

// Upgrade raises a symbol's tier. Downgrades are rejected; a symbol's
// freshness only improves while it is tracked.
func (p *Pipeline) Upgrade(symbol string, tier types.Tier) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[symbol]
	if !ok || tier >= e.tier {
		return false
	}
	e.tier = tier
	return true
}

// TierOf reports the tier a symbol is tracked at.
func (p *Pipeline) TierOf(symbol string) (types.Tier, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[symbol]
	if !ok {
		return 0, false
	}
	return e.tier, true
}

// Symbols lists tracked symbols at the given tier, sorted for
// deterministic poll order.
func (p *Pipeline) Symbols(tier types.Tier) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for symbol, e := range p.entries {
		if e.tier == tier {
			out = append(out, symbol)
		}
	}
	sort.Strings(out)
	return out
}

// Tracked reports whether the symbol is in the working set.
func (p *Pipeline) Tracked(symbol string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.entries[symbol]
	return ok
}

// OnTick ingests a quote from either path, updates the cache, and fans
// it out to the symbol's callback.
func (p *Pipeline) OnTick(quote types.Quote) {
	p.prices.Set(quote.Symbol, quote)

	p.mu.Lock()
	e, tracked := p.entries[quote.Symbol]
	var cb TickCallback
	if tracked {
		e.lastTick = quote.Ts
		cb = e.cb
	}
	p.mu.Unlock()

	metrics.TicksReceived.WithLabelValues(quote.Source).Inc()
	if cb != nil {
		cb(quote)
	}
}

// OnBook ingests a depth snapshot.
func (p *Pipeline) OnBook(book types.Orderbook) {
	p.books.Set(book.Symbol, book)
}

// Latest returns the freshest cached quote for the symbol, or nil when
// nothing usable is cached.
func (p *Pipeline) Latest(symbol string) *QuoteView {
	v, ok := p.prices.Get(symbol)
	if !ok {
		return nil
	}
	quote := v.(types.Quote)
	return &QuoteView{Quote: quote, Age: p.now().Sub(quote.Ts)}
}

// LatestBook returns the cached depth snapshot for the symbol.
func (p *Pipeline) LatestBook(symbol string) *types.Orderbook {
	v, ok := p.books.Get(symbol)
	if !ok {
		return nil
	}
	book := v.(types.Orderbook)
	return &book
}

// Bars returns daily bars through the cache, fetching on miss.
func (p *Pipeline) Bars(ctx context.Context, symbol string) ([]types.Bar, error) {
	if v, ok := p.bars.Get(symbol); ok {
		return v.([]types.Bar), nil
	}
	bars, err := p.quoter.DailyBars(ctx, symbol, "D")
	if err != nil {
		return nil, err
	}
	p.bars.Set(symbol, bars)
	return bars, nil
}

// Run starts one poller per REST tier and blocks until ctx is done.
func (p *Pipeline) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, tier := range []types.Tier{types.TierMedium, types.TierLow, types.TierBackground} {
		wg.Add(1)
		go func(tier types.Tier) {
			defer wg.Done()
			p.pollLoop(ctx, tier)
		}(tier)
	}
	wg.Wait()
}

func (p *Pipeline) pollLoop(ctx context.Context, tier types.Tier) {
	ticker := time.NewTicker(tier.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollTier(ctx, tier)
		}
	}
}

// pollTier fetches the tier's symbols in bounded concurrent batches with
// an inter-batch pause, keeping pressure on the shared rate limiter low.
func (p *Pipeline) pollTier(ctx context.Context, tier types.Tier) {
	symbols := p.Symbols(tier)
	if len(symbols) == 0 {
		return
	}

	batchSize := p.cfg.PollBatchSize
	if batchSize <= 0 {
		batchSize = 5
	}

	for start := 0; start < len(symbols); start += batchSize {
		if ctx.Err() != nil {
			return
		}
		end := start + batchSize
		if end > len(symbols) {
			end = len(symbols)
		}

		var wg sync.WaitGroup
		for _, symbol := range symbols[start:end] {
			wg.Add(1)
			go func(symbol string) {
				defer wg.Done()
				quote, err := p.quoter.CurrentPrice(ctx, symbol)
				if err != nil {
					// Stale cache carries the symbol until the next cycle.
					p.logger.Debug("poll failed", "symbol", symbol, "tier", tier, "error", err)
					return
				}
				p.OnTick(*quote)
			}(symbol)
		}
		wg.Wait()

		if end < len(symbols) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollBatchPause):
			}
		}
	}
	metrics.PollCycles.WithLabelValues(tier.String()).Inc()
}
