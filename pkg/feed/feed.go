package feed

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Symbol is the single instrument this server trades.
const Symbol = "BTC/USD"

// Update is one consistent price/candle pair as observed at a single tick.
type Update struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Candle Candle  `json:"candle"`
}

// Publisher receives market updates for fan-out to connected sessions.
type Publisher interface {
	PublishMarket(Update)
}

// MarketFeed owns the current price and the running candle. It is the only
// writer of that state; everything else reads snapshots. A failed fetch
// skips the publish for that cycle and subscribers are none the wiser.
type MarketFeed struct {
	source       PriceSource
	pub          Publisher
	interval     time.Duration
	candlePeriod time.Duration
	fetchTimeout time.Duration
	log          *zap.SugaredLogger

	mu     sync.RWMutex
	price  float64
	candle Candle
	// periodStart is when the current candle opened. Candle.Time cannot
	// serve here: Fold restamps it on every tick.
	periodStart time.Time
}

type FeedConfig struct {
	PollInterval time.Duration
	CandlePeriod time.Duration // 0 = session candle, never rolls
	FetchTimeout time.Duration
}

func NewMarketFeed(source PriceSource, cfg FeedConfig, logger *zap.SugaredLogger) *MarketFeed {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	return &MarketFeed{
		source:       source,
		interval:     cfg.PollInterval,
		candlePeriod: cfg.CandlePeriod,
		fetchTimeout: cfg.FetchTimeout,
		log:          logger,
	}
}

// SetPublisher wires the fan-out target. Must be called before Run.
func (f *MarketFeed) SetPublisher(pub Publisher) {
	f.pub = pub
}

// Run drives the fetch/fold/publish loop until the context is cancelled.
func (f *MarketFeed) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.tick(ctx)
		}
	}
}

func (f *MarketFeed) tick(ctx context.Context) {
	fctx, cancel := context.WithTimeout(ctx, f.fetchTimeout)
	price, err := f.source.Fetch(fctx)
	cancel()
	if err != nil {
		// Transient: skip this cycle, next tick tries again.
		f.log.Warnw("price_fetch_failed", "err", err)
		return
	}

	now := time.Now()

	f.mu.Lock()
	if f.candlePeriod > 0 && !f.periodStart.IsZero() && now.Sub(f.periodStart) >= f.candlePeriod {
		f.candle = Candle{}
	}
	if f.candle.Open == 0 {
		f.periodStart = now
	}
	f.candle = Fold(f.candle, price, now)
	f.price = price
	update := Update{Symbol: Symbol, Price: price, Candle: f.candle}
	f.mu.Unlock()

	if f.pub != nil {
		f.pub.PublishMarket(update)
	}
}

// CurrentPrice returns the last observed price, 0 before the first
// successful fetch.
func (f *MarketFeed) CurrentPrice() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.price
}

// Snapshot returns a consistent price/candle pair.
func (f *MarketFeed) Snapshot() Update {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return Update{Symbol: Symbol, Price: f.price, Candle: f.candle}
}
