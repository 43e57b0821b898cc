package risk

import (
	"fmt"
	"time"

	"github.com/basislab/hedgecore/internal/model"
	"github.com/basislab/hedgecore/internal/venue"
	"github.com/shopspring/decimal"
)

// Engine is the stateful evaluator over composite snapshots. One Engine per
// vault; it owns the BreakerStore and the funding hysteresis streak.
type Engine struct {
	vault   model.VaultConfig
	breaker *BreakerStore

	prevEquity    decimal.Decimal
	haveEquity    bool
	fundingStreak int
}

func NewEngine(vault model.VaultConfig, breaker *BreakerStore) *Engine {
	return &Engine{vault: vault, breaker: breaker}
}

func (e *Engine) Breaker() *BreakerStore {
	return e.breaker
}

// Evaluate consumes one snapshot and produces a graded assessment. Breaker
// update rules run first, before action selection.
func (e *Engine) Evaluate(snap *model.Snapshot) (model.Assessment, error) {
	pol := e.vault.Policy

	// Realized P&L is approximated by the equity delta between consecutive
	// snapshots; deposits to venue margin accounts go through the
	// orchestrator's stop-deploy cycle, so intra-run equity moves are P&L.
	// A partial snapshot understates equity, so the P&L clock holds still
	// rather than feed the breaker a fake drawdown.
	var state model.BreakerState
	if snap.Partial() {
		state = e.breaker.State()
	} else {
		realized := decimal.Zero
		if e.haveEquity {
			realized = snap.AggregateEquity.Sub(e.prevEquity)
		}
		e.prevEquity = snap.AggregateEquity
		e.haveEquity = true

		var err error
		state, err = e.breaker.Update(snap.AggregateEquity, realized, time.Now(), pol)
		if err != nil {
			return model.Assessment{}, err
		}
	}

	targetDelta := e.targetDelta(snap)

	// 1. UNWIND
	if snap.VaultPaused && e.hasOpenPosition(snap) {
		return model.Assessment{Action: model.ActionUnwind, Reason: "vault paused with open positions"}, nil
	}
	if state.Phase == model.BreakerTripped {
		return model.Assessment{Action: model.ActionUnwind,
			Reason: fmt.Sprintf("breaker tripped: %s", state.TrippedReason)}, nil
	}

	// 2. DELEVERAGE
	if dist, ok := e.minLiqDistance(snap); ok && dist < pol.MinLiqDistance {
		weakest, _, _ := venue.WeakestVenue(snap)
		return model.Assessment{
			Action:         model.ActionDeleverage,
			Reason:         fmt.Sprintf("liquidation distance %.4f below %.4f", dist, pol.MinLiqDistance),
			OffendingVenue: weakest,
		}, nil
	}
	if venueID, cr, ok := e.criticalCRVenue(snap); ok {
		return model.Assessment{
			Action:         model.ActionDeleverage,
			Reason:         fmt.Sprintf("venue %s CR %.4f below critical %.4f", venueID, cr, pol.CriticalCR),
			OffendingVenue: venueID,
		}, nil
	}

	// Leverage ceiling breach despite best effort is a safety violation,
	// never silently tolerated.
	if venueID, ok := e.leverageBreach(snap); ok {
		return model.Assessment{
			Action:         model.ActionDeleverage,
			Reason:         fmt.Sprintf("venue %s above leverage ceiling %.1fx", venueID, pol.MaxLeverage),
			OffendingVenue: venueID,
		}, nil
	}

	// 3. REBALANCE
	if e.deltaBoundViolated(snap) {
		if a, held := e.holdForPartial(snap, targetDelta); held {
			return a, nil
		}
		return model.Assessment{
			Action:      model.ActionRebalance,
			Reason:      "delta bound violated",
			TargetDelta: targetDelta,
		}, nil
	}
	if venueID, cr, ok := e.warnCRVenue(snap); ok {
		// Per-venue CR below warn even when the aggregate is fine: shift
		// exposure between venues.
		if a, held := e.holdForPartial(snap, targetDelta); held {
			return a, nil
		}
		return model.Assessment{
			Action:         model.ActionRebalance,
			Reason:         fmt.Sprintf("venue %s CR %.4f below warn %.4f", venueID, cr, pol.WarnCR),
			TargetDelta:    targetDelta,
			OffendingVenue: venueID,
		}, nil
	}

	// 4. WARN
	if e.adverseFunding(snap) {
		return model.Assessment{
			Action:        model.ActionWarn,
			Reason:        "sustained adverse funding",
			SuggestInsure: true,
		}, nil
	}
	if dist, ok := e.minLiqDistance(snap); ok && dist == pol.MinLiqDistance {
		return model.Assessment{Action: model.ActionWarn, Reason: "liquidation distance at minimum"}, nil
	}
	if e.basisBeyondTolerance(snap) {
		return model.Assessment{Action: model.ActionWarn, Reason: "spot/perp basis beyond tolerance"}, nil
	}

	return model.Assessment{Action: model.ActionOK, Reason: "all bounds hold"}, nil
}

// targetDelta is the short size still to open (positive) or close
// (negative): target short equals vault assets in hedge units.
func (e *Engine) targetDelta(snap *model.Snapshot) decimal.Decimal {
	return snap.VaultAssets.Sub(snap.AggregateShortSize)
}

// deltaBoundViolated checks |aggregate_short - vault_long| > deadband *
// vault_long. Exact equality is inside the deadband.
func (e *Engine) deltaBoundViolated(snap *model.Snapshot) bool {
	long := snap.VaultAssets
	if long.IsZero() {
		return snap.AggregateShortSize.IsPositive()
	}
	dev := snap.AggregateShortSize.Sub(long).Abs()
	limit := long.Mul(decimal.NewFromFloat(e.vault.Policy.Deadband))
	return dev.GreaterThan(limit)
}

// holdForPartial applies the aggregator's partial-snapshot rule: a snapshot
// with missing venues never drives a new order-opening rebalance unless
// policy flat-confirms the missing venues. Closing flow is unaffected.
func (e *Engine) holdForPartial(snap *model.Snapshot, targetDelta decimal.Decimal) (model.Assessment, bool) {
	if !snap.Partial() || !targetDelta.IsPositive() {
		return model.Assessment{}, false
	}
	if e.vault.Policy.AllowOpenWhenFlat {
		return model.Assessment{}, false
	}
	return model.Assessment{
		Action: model.ActionWarn,
		Reason: fmt.Sprintf("partial snapshot (missing %v), holding new opens", snap.MissingVenues),
	}, true
}

func (e *Engine) hasOpenPosition(snap *model.Snapshot) bool {
	for _, p := range snap.Positions {
		if !p.Size.IsZero() {
			return true
		}
	}
	return false
}

// minLiqDistance is min over venues of |liq - mark| / mark, skipping flat
// venues and venues without a liquidation price.
func (e *Engine) minLiqDistance(snap *model.Snapshot) (float64, bool) {
	if snap.MarkPrice.IsZero() {
		return 0, false
	}
	found := false
	minDist := 0.0
	for _, p := range snap.Positions {
		if p.Size.IsZero() || p.LiqPrice.IsZero() {
			continue
		}
		dist, _ := p.LiqPrice.Sub(snap.MarkPrice).Abs().Div(snap.MarkPrice).Float64()
		if !found || dist < minDist {
			minDist = dist
			found = true
		}
	}
	return minDist, found
}

func (e *Engine) criticalCRVenue(snap *model.Snapshot) (string, float64, bool) {
	for venueID := range snap.VenueEquities {
		if cr, ok := snap.CollateralRatio(venueID); ok && cr < e.vault.Policy.CriticalCR {
			return venueID, cr, true
		}
	}
	return "", 0, false
}

func (e *Engine) warnCRVenue(snap *model.Snapshot) (string, float64, bool) {
	for venueID := range snap.VenueEquities {
		if cr, ok := snap.CollateralRatio(venueID); ok && cr < e.vault.Policy.WarnCR {
			return venueID, cr, true
		}
	}
	return "", 0, false
}

func (e *Engine) leverageBreach(snap *model.Snapshot) (string, bool) {
	maxLev := decimal.NewFromFloat(e.vault.Policy.MaxLeverage)
	for _, p := range snap.Positions {
		if p.Size.IsZero() {
			continue
		}
		notional := p.Size.Abs().Mul(snap.MarkPrice)
		equity := snap.VenueEquities[p.VenueID]
		if equity.IsPositive() && notional.GreaterThan(equity.Mul(maxLev)) {
			return p.VenueID, true
		}
	}
	return "", false
}

// adverseFunding tracks a hysteresis streak: funding strictly below
// -warn_funding_rate increments, strictly above +warn_funding_rate resets,
// anything inside the band (including an exact zero crossing) leaves the
// streak untouched. WARN fires once the streak reaches the window.
func (e *Engine) adverseFunding(snap *model.Snapshot) bool {
	pol := e.vault.Policy
	if pol.WarnFundingRate <= 0 || len(snap.FundingRates) == 0 {
		return false
	}
	worst := decimal.Zero
	first := true
	for _, r := range snap.FundingRates {
		if first || r.LessThan(worst) {
			worst = r
			first = false
		}
	}
	warn := decimal.NewFromFloat(pol.WarnFundingRate)
	switch {
	case worst.LessThan(warn.Neg()):
		e.fundingStreak++
	case worst.GreaterThan(warn):
		e.fundingStreak = 0
	}
	window := pol.FundingWindow
	if window <= 0 {
		window = 1
	}
	return e.fundingStreak >= window
}

// basisBeyondTolerance flags basis risk when the vault asset is not the
// hedge underlying (LST vs native): |spot - mark| / mark in bps beyond the
// configured tolerance.
func (e *Engine) basisBeyondTolerance(snap *model.Snapshot) bool {
	pol := e.vault.Policy
	if pol.BasisToleranceBps <= 0 || snap.SpotPrice.IsZero() || snap.MarkPrice.IsZero() {
		return false
	}
	basisBps := snap.SpotPrice.Sub(snap.MarkPrice).Abs().Div(snap.MarkPrice).Mul(decimal.NewFromInt(10000))
	return basisBps.GreaterThan(decimal.NewFromFloat(pol.BasisToleranceBps))
}
