// Package discovery screens the market for tradeable candidates.
//
// Each strategy has its own scan over the broker's ranking endpoints;
// every candidate additionally passes the shared profit-potential
// filters (one-day move cap, liquidity floor, price band, risky
// instrument classes). Scoring is deterministic for a given input row,
// so repeated scans over the same data rank identically.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"stockbot/internal/broker"
	"stockbot/internal/config"
	"stockbot/pkg/types"
)

// Ranker is the broker surface discovery scans.
type Ranker interface {
	VolumeRanking(ctx context.Context) ([]broker.RankingRow, error)
	ChangeRanking(ctx context.Context) ([]broker.RankingRow, error)
	BidAskRanking(ctx context.Context) ([]broker.RankingRow, error)
	CurrentPrice(ctx context.Context, symbol string) (*types.Quote, error)
}

// riskyNameMarkers flag instrument classes the screens exclude: ETN/ETF
// wrappers, SPACs, REITs, and leveraged products.
var riskyNameMarkers = []string{
	"ETN", "ETF", "스팩", "리츠", "레버리지", "인버스", "선물",
}

// gapScanDepth bounds the per-scan quote fetches for the gap screen,
// which needs open/prev_close that ranking rows do not carry.
const gapScanDepth = 30

// Gap screen thresholds.
const (
	gapMinPct        = 2.5
	gapMaxPct        = 15.0
	gapMinFollowPct  = 1.5
	gapMinVolRatio   = 2.5
	volumeMinIncPct  = 300.0
	volumeMinChgPct  = 2.0
	momentumMinStr   = 120.0
	momentumMinChg   = 2.5
	momentumMinVolum = 100_000
)

// Scanner produces scored candidates per strategy.
type Scanner struct {
	ranker Ranker
	cfg    config.DiscoveryConfig
	logger *slog.Logger
	now    func() time.Time
}

// New creates a scanner.
func New(ranker Ranker, cfg config.DiscoveryConfig, logger *slog.Logger) *Scanner {
	return &Scanner{
		ranker: ranker,
		cfg:    cfg,
		logger: logger.With("component", "discovery"),
		now:    time.Now,
	}
}

// Scan runs the screen for one strategy and returns candidates sorted
// best-first, capped at MaxPerStrategy.
func (s *Scanner) Scan(ctx context.Context, strategy string) ([]types.Candidate, error) {
	var (
		candidates []types.Candidate
		err        error
	)
	switch strategy {
	case types.StrategyGap:
		candidates, err = s.scanGap(ctx)
	case types.StrategyVolume:
		candidates, err = s.scanVolume(ctx)
	case types.StrategyMomentum:
		candidates, err = s.scanMomentum(ctx)
	default:
		return nil, fmt.Errorf("discovery: no screen for strategy %q", strategy)
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if len(candidates) > s.cfg.MaxPerStrategy {
		candidates = candidates[:s.cfg.MaxPerStrategy]
	}
	s.logger.Info("scan complete", "strategy", strategy, "candidates", len(candidates))
	return candidates, nil
}

// passesProfitFilters applies the shared exclusions. volumeRatio 0 means
// the endpoint did not report one and the liquidity floor is skipped.
func (s *Scanner) passesProfitFilters(row broker.RankingRow, volumeRatio float64) bool {
	if row.ChangeRate > s.cfg.MaxDayMovePct || row.ChangeRate < -s.cfg.MaxDayMovePct {
		return false
	}
	if volumeRatio > 0 && volumeRatio < s.cfg.MinVolumeRatio {
		return false
	}
	if row.Price < s.cfg.MinPrice || row.Price > s.cfg.MaxPrice {
		return false
	}
	if s.cfg.ExcludeRiskyType && riskyName(row.Name) {
		return false
	}
	return true
}

func riskyName(name string) bool {
	upper := strings.ToUpper(name)
	for _, marker := range riskyNameMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// scanGap looks for names that gapped up at the open and kept going:
// gap ∈ [2.5%, 15%], follow-through ≥ 1.5%, volume ratio ≥ 2.5.
func (s *Scanner) scanGap(ctx context.Context) ([]types.Candidate, error) {
	rows, err := s.ranker.ChangeRanking(ctx)
	if err != nil {
		return nil, err
	}

	var out []types.Candidate
	scanned := 0
	for _, row := range rows {
		if scanned >= gapScanDepth {
			break
		}
		if !s.passesProfitFilters(row, row.VolumeRatio) {
			continue
		}
		if row.VolumeRatio < gapMinVolRatio {
			continue
		}
		scanned++

		quote, err := s.ranker.CurrentPrice(ctx, row.Symbol)
		if err != nil {
			s.logger.Debug("gap scan quote failed", "symbol", row.Symbol, "error", err)
			continue
		}
		if quote.PrevClose <= 0 || quote.Open <= 0 {
			continue
		}
		gap := (quote.Open - quote.PrevClose) / quote.PrevClose * 100
		follow := (quote.Last - quote.Open) / quote.Open * 100
		if gap < gapMinPct || gap > gapMaxPct || follow < gapMinFollowPct {
			continue
		}

		out = append(out, types.Candidate{
			Symbol:       row.Symbol,
			Strategy:     types.StrategyGap,
			Score:        gap * row.ChangeRate * row.VolumeRatio / 10,
			Reason:       fmt.Sprintf("gap %.1f%% follow %.1f%% vol x%.1f", gap, follow, row.VolumeRatio),
			DiscoveredAt: s.now(),
			Ctx: map[string]float64{
				"gap_pct":      gap,
				"follow_pct":   follow,
				"volume_ratio": row.VolumeRatio,
				"change_rate":  row.ChangeRate,
			},
		})
	}
	return out, nil
}

// scanVolume looks for volume breakouts: volume up ≥ 300% with price
// change ≥ 2%.
func (s *Scanner) scanVolume(ctx context.Context) ([]types.Candidate, error) {
	rows, err := s.ranker.VolumeRanking(ctx)
	if err != nil {
		return nil, err
	}

	var out []types.Candidate
	for _, row := range rows {
		if !s.passesProfitFilters(row, row.VolumeRatio) {
			continue
		}
		volInc := row.VolumeRatio * 100 // ratio to percent increase
		if volInc < volumeMinIncPct || row.ChangeRate < volumeMinChgPct {
			continue
		}
		out = append(out, types.Candidate{
			Symbol:       row.Symbol,
			Strategy:     types.StrategyVolume,
			Score:        volInc * row.ChangeRate / 50,
			Reason:       fmt.Sprintf("volume +%.0f%% change %.1f%%", volInc, row.ChangeRate),
			DiscoveredAt: s.now(),
			Ctx: map[string]float64{
				"volume_increase": volInc,
				"change_rate":     row.ChangeRate,
			},
		})
	}
	return out, nil
}

// scanMomentum looks for strong buy-side execution: strength ≥ 120,
// change ≥ 2.5%, volume ≥ 100k shares.
func (s *Scanner) scanMomentum(ctx context.Context) ([]types.Candidate, error) {
	rows, err := s.ranker.BidAskRanking(ctx)
	if err != nil {
		return nil, err
	}

	var out []types.Candidate
	for _, row := range rows {
		if !s.passesProfitFilters(row, row.VolumeRatio) {
			continue
		}
		if row.Strength < momentumMinStr || row.ChangeRate < momentumMinChg || row.Volume < momentumMinVolum {
			continue
		}
		out = append(out, types.Candidate{
			Symbol:       row.Symbol,
			Strategy:     types.StrategyMomentum,
			Score:        row.Strength * row.ChangeRate / 20,
			Reason:       fmt.Sprintf("strength %.0f change %.1f%%", row.Strength, row.ChangeRate),
			DiscoveredAt: s.now(),
			Ctx: map[string]float64{
				"strength":    row.Strength,
				"change_rate": row.ChangeRate,
			},
		})
	}
	return out, nil
}

// standbyQuota bounds each source's contribution to the after-hours pool.
const standbyQuota = 10

// StandbyPool builds the pre-market candidate pool from three sources
// (volume leaders, top movers, execution strength), deduplicated with
// bounded per-source quotas. Sources that fail are skipped; the pool is
// best-effort.
func (s *Scanner) StandbyPool(ctx context.Context) []types.Candidate {
	type source struct {
		name     string
		strategy string
		fetch    func(context.Context) ([]broker.RankingRow, error)
	}
	sources := []source{
		{"volume", types.StrategyVolume, s.ranker.VolumeRanking},
		{"change", types.StrategyGap, s.ranker.ChangeRanking},
		{"strength", types.StrategyMomentum, s.ranker.BidAskRanking},
	}

	seen := make(map[string]bool)
	var pool []types.Candidate
	for _, src := range sources {
		rows, err := src.fetch(ctx)
		if err != nil {
			s.logger.Warn("standby source failed", "source", src.name, "error", err)
			continue
		}
		taken := 0
		for _, row := range rows {
			if taken >= standbyQuota {
				break
			}
			if seen[row.Symbol] || !s.passesProfitFilters(row, 0) {
				continue
			}
			seen[row.Symbol] = true
			taken++
			pool = append(pool, types.Candidate{
				Symbol:       row.Symbol,
				Strategy:     src.strategy,
				Score:        row.ChangeRate,
				Reason:       "standby:" + src.name,
				DiscoveredAt: s.now(),
			})
		}
	}
	return pool
}
