// Package types defines the core entities shared across the trading bot:
// quotes, orderbooks, subscription slots, pending orders, fills, positions,
// trade records, and signals.
package types

import "time"

// Side is an order direction.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Strategy tags. Signal strength is only comparable within one tag.
const (
	StrategyGap       = "gap_trading"
	StrategyVolume    = "volume_breakout"
	StrategyMomentum  = "momentum"
	StrategyTechnical = "pure_technical"
	StrategyDisparity = "disparity_reversal"
	StrategyExisting  = "existing_holding"
)

// Channel identifies a realtime subscription kind. Each maps to a broker
// tr_id; the EXECUTION channel is keyed by HTS id rather than symbol.
type Channel string

const (
	ChannelTrade     Channel = "TRADE"
	ChannelBook      Channel = "BOOK"
	ChannelExecution Channel = "EXECUTION"
	ChannelIndex     Channel = "INDEX"
)

// TrID returns the broker transaction code for the channel.
// The execution channel differs between production and paper accounts.
func (c Channel) TrID(paper bool) string {
	switch c {
	case ChannelTrade:
		return "H0STCNT0"
	case ChannelBook:
		return "H0STASP0"
	case ChannelExecution:
		if paper {
			return "H0STCNI9"
		}
		return "H0STCNI0"
	case ChannelIndex:
		return "H0UPCNT0"
	}
	return ""
}

// Tier is the data-freshness class a symbol is fed at. CRITICAL and HIGH
// are realtime (consume subscription slots); the rest are REST-polled.
type Tier int

const (
	TierCritical Tier = iota
	TierHigh
	TierMedium
	TierLow
	TierBackground
)

func (t Tier) String() string {
	switch t {
	case TierCritical:
		return "critical"
	case TierHigh:
		return "high"
	case TierMedium:
		return "medium"
	case TierLow:
		return "low"
	}
	return "background"
}

// Realtime reports whether the tier is fed over the WebSocket.
func (t Tier) Realtime() bool { return t == TierCritical || t == TierHigh }

// PollInterval returns the REST poll cadence for polled tiers, 0 otherwise.
func (t Tier) PollInterval() time.Duration {
	switch t {
	case TierMedium:
		return 30 * time.Second
	case TierLow:
		return 60 * time.Second
	case TierBackground:
		return 300 * time.Second
	}
	return 0
}

// FreshnessTTL is how old a quote from this tier may be before it counts
// as stale.
func (t Tier) FreshnessTTL() time.Duration {
	switch t {
	case TierCritical, TierHigh:
		return 5 * time.Second
	case TierMedium:
		return 60 * time.Second
	case TierLow:
		return 120 * time.Second
	}
	return 600 * time.Second
}

// Downgrade lowers the tier by n classes, bounded at BACKGROUND.
func (t Tier) Downgrade(n int) Tier {
	d := Tier(int(t) + n)
	if d > TierBackground {
		return TierBackground
	}
	return d
}

// Quote is a point-in-time price snapshot for a symbol.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Last      float64   `json:"last"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	PrevClose float64   `json:"prev_close"`
	Volume    int64     `json:"volume"`
	Ts        time.Time `json:"ts"`
	Source    string    `json:"source,omitempty"` // "ws" or "rest"
}

// ChangeRate returns the percent change from the previous close.
func (q Quote) ChangeRate() float64 {
	if q.PrevClose == 0 {
		return 0
	}
	return (q.Last - q.PrevClose) / q.PrevClose * 100
}

// Stale reports whether the quote is older than ttl.
func (q Quote) Stale(ttl time.Duration, now time.Time) bool {
	return now.Sub(q.Ts) > ttl
}

// BookDepth is the fixed number of levels kept per side of an orderbook.
const BookDepth = 10

// BookLevel is one price level of an orderbook side.
type BookLevel struct {
	Price float64 `json:"price"`
	Qty   int64   `json:"qty"`
}

// Orderbook holds BookDepth levels per side, zero-padded when the broker
// returns fewer.
type Orderbook struct {
	Symbol      string               `json:"symbol"`
	Bids        [BookDepth]BookLevel `json:"bids"`
	Asks        [BookDepth]BookLevel `json:"asks"`
	TotalBidQty int64                `json:"total_bid_qty"`
	TotalAskQty int64                `json:"total_ask_qty"`
	Ts          time.Time            `json:"ts"`
}

// Candidate is a scored symbol produced by discovery for one strategy.
// Candidates are immutable; a later scan supersedes by (strategy, symbol).
type Candidate struct {
	Symbol       string             `json:"symbol"`
	Strategy     string             `json:"strategy"`
	Score        float64            `json:"score"`
	Reason       string             `json:"reason"`
	DiscoveredAt time.Time          `json:"discovered_at"`
	Ctx          map[string]float64 `json:"ctx,omitempty"`
}

// SlotKey uniquely identifies a subscription slot.
type SlotKey struct {
	Channel Channel
	Symbol  string
}

// Slot is one reserved realtime subscription. The allocator caps the
// number of live slots at the broker limit.
type Slot struct {
	Symbol       string
	Channel      Channel
	Priority     int // higher is more important
	Strategy     string
	CreatedAt    time.Time
	LastActivity time.Time
}

// Key returns the slot's identity.
func (s Slot) Key() SlotKey { return SlotKey{Channel: s.Channel, Symbol: s.Symbol} }

// PendingOrder is an order awaiting its fill notification. Temporary
// orders carry a synthetic id (broker returned none) and are matched to
// fills by (symbol, side, age).
type PendingOrder struct {
	OrderID    string
	Temporary  bool
	Symbol     string
	Side       Side
	Qty        int64
	LimitPrice float64
	Strategy   string
	CreatedAt  time.Time
	Timeout    time.Duration
	AccountNo  string
	PatternCtx map[string]float64
}

// Expired reports whether the order has outlived its timeout.
func (p PendingOrder) Expired(now time.Time) bool {
	return now.Sub(p.CreatedAt) > p.Timeout
}

// FillEvent is a parsed execution notice from the WebSocket.
type FillEvent struct {
	OrderID   string
	Symbol    string
	Side      Side
	ExecQty   int64
	ExecPrice float64
	ExecTs    time.Time
	Rejected  bool
	AccountNo string
}

// PositionStatus is OPEN while qty > 0, CLOSED once it returns to zero.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// Position is the bot's holding in one symbol.
type Position struct {
	Symbol        string         `json:"symbol"`
	Qty           int64          `json:"qty"`
	AvgCost       float64        `json:"avg_cost"`
	OpenedAt      time.Time      `json:"opened_at"`
	Strategy      string         `json:"strategy"`
	Status        PositionStatus `json:"status"`
	MaxProfitPct  float64        `json:"max_profit_pct"`
	LastMarkPrice float64        `json:"last_mark_price"`
	LastMarkTs    time.Time      `json:"last_mark_ts"`
}

// ProfitPct returns the unrealized return at the given mark price.
func (p Position) ProfitPct(mark float64) float64 {
	if p.AvgCost == 0 {
		return 0
	}
	return (mark - p.AvgCost) / p.AvgCost * 100
}

// HoldDuration returns how long the position has been open.
func (p Position) HoldDuration(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}

// TradeRecord is the journal entry produced when a fill completes an
// order. A SELL linked to its prior BUY carries deterministic realized
// P&L.
type TradeRecord struct {
	ID          string             `json:"id"`
	Symbol      string             `json:"symbol"`
	Side        Side               `json:"side"`
	Qty         int64              `json:"qty"`
	Price       float64            `json:"price"`
	Gross       float64            `json:"gross"`
	Fees        float64            `json:"fees"`
	Strategy    string             `json:"strategy"`
	PatternCtx  map[string]float64 `json:"pattern_ctx,omitempty"`
	LinkedBuyID string             `json:"linked_buy_id,omitempty"`
	RealizedPnL float64            `json:"realized_pnl"`
	OpenedAt    time.Time          `json:"opened_at"`
	ClosedAt    *time.Time         `json:"closed_at,omitempty"`
}

// Signal is a typed trading intent produced by the signal engine or the
// position manager (auto-sell).
type Signal struct {
	Symbol   string             `json:"symbol"`
	Side     Side               `json:"side"`
	Strategy string             `json:"strategy"`
	Strength float64            `json:"strength"` // [0, 1], comparable within one strategy
	Price    float64            `json:"price"`
	Reason   string             `json:"reason"`
	Ts       time.Time          `json:"ts"`
	Ctx      map[string]float64 `json:"ctx,omitempty"`
}

// TechVerdict is the technical analyzer's composite call.
type TechVerdict string

const (
	TechBuy  TechVerdict = "BUY"
	TechHold TechVerdict = "HOLD"
	TechSell TechVerdict = "SELL"
)

// Bar is a single OHLCV bar used by indicators and volatility estimation.
type Bar struct {
	Date   string  `json:"date"` // YYYYMMDD
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// TimeSlot is one wall-clock phase of the trading day with its strategy
// weights. Slots are disjoint; gaps mean no active slot.
type TimeSlot struct {
	Name              string
	Start             time.Duration // offset from midnight, local exchange time
	End               time.Duration
	Primary           map[string]float64 // strategy tag -> weight
	Secondary         map[string]float64
	PreparationOffset time.Duration
}

// Contains reports whether the clock time t (as offset from midnight)
// falls inside the slot.
func (s TimeSlot) Contains(t time.Duration) bool {
	return t >= s.Start && t < s.End
}
