package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/basislab/hedgecore/internal/model"
	"github.com/basislab/hedgecore/internal/pkg/metrics"
	"github.com/basislab/hedgecore/internal/venue"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const sentinelInterval = 15 * time.Second

// Sentinel is the fast-path monitor between full cycles. It probes venue
// collateral ratios and the delta deviation on a short interval and raises a
// trigger when a bound is crossed hard. It never submits orders itself; the
// engine cycle owns all mutation.
type Sentinel struct {
	vault     model.VaultConfig
	vaultAddr common.Address
	agg       *venue.Aggregator
	chain     ChainClient
	queue     *Queue
	interval  time.Duration

	alarmed bool
}

func NewSentinel(vault model.VaultConfig, agg *venue.Aggregator, chain ChainClient, queue *Queue) *Sentinel {
	return &Sentinel{
		vault:     vault,
		vaultAddr: common.HexToAddress(vault.Address),
		agg:       agg,
		chain:     chain,
		queue:     queue,
		interval:  sentinelInterval,
	}
}

func (s *Sentinel) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probe(ctx)
		}
	}
}

// probe is edge-triggered: one alarm per excursion, re-armed when the
// condition clears. The queue's debounce absorbs any overlap with the timer.
func (s *Sentinel) probe(ctx context.Context) {
	res := s.agg.Collect(ctx, s.vault.HedgeSymbol)
	snap := &model.Snapshot{
		VaultID:            s.vault.ID,
		Positions:          res.Positions,
		VenueEquities:      res.Equities,
		VenueCollateral:    res.Collateral,
		AggregateShortSize: res.AggregateShort(),
		MissingVenues:      res.Missing,
	}
	for _, p := range res.Positions {
		if p.MarkPrice.IsPositive() {
			snap.MarkPrice = p.MarkPrice
			break
		}
	}

	reason := ""
	for venueID := range snap.VenueEquities {
		if cr, ok := snap.CollateralRatio(venueID); ok && cr < s.vault.Policy.CriticalCR {
			reason = fmt.Sprintf("venue %s CR %.4f below critical", venueID, cr)
			break
		}
	}

	if reason == "" {
		if assets, err := s.chain.VaultAssets(ctx, s.vaultAddr); err == nil && assets.IsPositive() {
			dev := snap.AggregateShortSize.Sub(assets).Abs()
			// Same deadband as the risk engine: any excursion the next cycle
			// would rebalance is worth triggering that cycle now.
			limit := assets.Mul(decimal.NewFromFloat(s.vault.Policy.Deadband))
			if dev.GreaterThan(limit) {
				reason = fmt.Sprintf("delta deviation %s beyond deadband", dev)
			}
		}
	}

	if reason == "" {
		s.alarmed = false
		return
	}
	if s.alarmed {
		return
	}
	s.alarmed = true
	metrics.SentinelAlarms.WithLabelValues(s.vault.ID, "bound_crossed").Inc()
	s.queue.Push(model.TriggerMsg{Kind: model.TriggerSentinel, Reason: reason})
}
