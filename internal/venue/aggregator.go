package venue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/basislab/hedgecore/internal/model"
	"github.com/basislab/hedgecore/internal/pkg/apperrors"
	"github.com/basislab/hedgecore/internal/pkg/logger"
	"github.com/basislab/hedgecore/internal/pkg/metrics"
	"github.com/shopspring/decimal"
)

// Aggregator fans out reads over a set of adapters. A failed adapter
// contributes nothing to its slot; callers see it in MissingVenues and the
// partial-snapshot rule in the risk engine keeps partial data read-only.
type Aggregator struct {
	adapters []Adapter
}

func NewAggregator(adapters ...Adapter) *Aggregator {
	return &Aggregator{adapters: adapters}
}

func (g *Aggregator) Adapters() []Adapter {
	return g.adapters
}

// Handles describes the venue set an instance runs with, for the control
// surface.
func (g *Aggregator) Handles() []model.VenueHandle {
	out := make([]model.VenueHandle, 0, len(g.adapters))
	for _, a := range g.adapters {
		out = append(out, model.VenueHandle{
			VenueID:      a.ID(),
			Capabilities: a.Capabilities().List(),
		})
	}
	return out
}

func (g *Aggregator) Adapter(venueID string) (Adapter, bool) {
	for _, a := range g.adapters {
		if a.ID() == venueID {
			return a, true
		}
	}
	return nil, false
}

// venueRead is one venue's contribution to a snapshot.
type venueRead struct {
	venueID    string
	position   model.Position
	equity     decimal.Decimal
	collateral decimal.Decimal
	funding    decimal.Decimal
	err        error
}

// Collect performs the per-cycle fan-out: position, equity, collateral,
// funding and liquidation price from every venue concurrently. The result
// feeds directly into the engine's Snapshot.
func (g *Aggregator) Collect(ctx context.Context, symbol string) CollectResult {
	reads := make([]venueRead, len(g.adapters))
	var wg sync.WaitGroup
	for i, a := range g.adapters {
		wg.Add(1)
		go func(i int, a Adapter) {
			defer wg.Done()
			reads[i] = g.readVenue(ctx, a, symbol)
		}(i, a)
	}
	wg.Wait()

	res := CollectResult{
		Equities:   make(map[string]decimal.Decimal),
		Collateral: make(map[string]decimal.Decimal),
		Funding:    make(map[string]decimal.Decimal),
	}
	for _, r := range reads {
		if r.err != nil {
			logger.Warn("venue read failed", "venue", r.venueID, "error", r.err)
			metrics.VenueErrors.WithLabelValues(r.venueID, string(apperrors.TypeOf(r.err))).Inc()
			res.Missing = append(res.Missing, r.venueID)
			continue
		}
		res.Positions = append(res.Positions, r.position)
		res.Equities[r.venueID] = r.equity
		res.Collateral[r.venueID] = r.collateral
		res.Funding[r.venueID] = r.funding
	}
	sort.Strings(res.Missing)
	return res
}

type CollectResult struct {
	Positions  []model.Position
	Equities   map[string]decimal.Decimal
	Collateral map[string]decimal.Decimal
	Funding    map[string]decimal.Decimal
	Missing    []string
}

// AggregateShort sums the short legs (negative sizes) as a positive number.
func (r CollectResult) AggregateShort() decimal.Decimal {
	total := decimal.Zero
	for _, p := range r.Positions {
		if p.Size.IsNegative() {
			total = total.Add(p.Size.Neg())
		}
	}
	return total
}

// AggregateEquity sums venue equities.
func (r CollectResult) AggregateEquity() decimal.Decimal {
	total := decimal.Zero
	for _, eq := range r.Equities {
		total = total.Add(eq)
	}
	return total
}

func (g *Aggregator) readVenue(ctx context.Context, a Adapter, symbol string) venueRead {
	r := venueRead{venueID: a.ID()}

	size, upnl, err := a.Position(ctx, symbol)
	if err != nil {
		r.err = err
		return r
	}
	equity, err := a.Equity(ctx)
	if err != nil {
		r.err = err
		return r
	}
	collateral, err := a.Collateral(ctx)
	if err != nil {
		r.err = err
		return r
	}
	mark, err := a.MarketPrice(ctx, symbol)
	if err != nil {
		r.err = err
		return r
	}

	// Funding and liquidation price are capability-gated; venues without
	// them still contribute to aggregate metrics.
	funding := decimal.Zero
	if a.Capabilities().Has(model.CapFundingRate) {
		if f, err := a.FundingRate(ctx, symbol); err == nil {
			funding = f
		}
	}
	liq := decimal.Zero
	if a.Capabilities().Has(model.CapLiquidationPrice) {
		if l, err := a.LiquidationPrice(ctx, symbol); err == nil {
			liq = l
		}
	}

	r.position = model.Position{
		VenueID:     a.ID(),
		Symbol:      symbol,
		Size:        size,
		UPNL:        upnl,
		MarkPrice:   mark,
		LiqPrice:    liq,
		LastUpdated: time.Now().UTC(),
	}
	r.equity = equity
	r.collateral = collateral
	r.funding = funding
	return r
}

// AggregatePosition returns summed signed size and summed upnl across venues.
func (g *Aggregator) AggregatePosition(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, []string) {
	res := g.Collect(ctx, symbol)
	size := decimal.Zero
	upnl := decimal.Zero
	for _, p := range res.Positions {
		size = size.Add(p.Size)
		upnl = upnl.Add(p.UPNL)
	}
	return size, upnl, res.Missing
}

// WeakestVenue returns the venue minimizing (equity + upnl) / (|size| * mark)
// among venues with an open position. ok is false when every venue is flat.
func WeakestVenue(snap *model.Snapshot) (string, float64, bool) {
	weakest := ""
	weakestCR := 0.0
	for venueID := range snap.VenueEquities {
		cr, ok := snap.CollateralRatio(venueID)
		if !ok {
			continue
		}
		if weakest == "" || cr < weakestCR {
			weakest = venueID
			weakestCR = cr
		}
	}
	return weakest, weakestCR, weakest != ""
}

// HealthiestVenue is the deleverage destination: the open-position venue
// with the highest CR, or any flat venue (treated as unencumbered) if one
// exists, excluding the offender.
func HealthiestVenue(snap *model.Snapshot, exclude string) (string, bool) {
	best := ""
	bestCR := -1.0
	for venueID := range snap.VenueEquities {
		if venueID == exclude {
			continue
		}
		cr, open := snap.CollateralRatio(venueID)
		if !open {
			// Flat venue with equity: best possible destination.
			if snap.VenueEquities[venueID].IsPositive() {
				return venueID, true
			}
			continue
		}
		if cr > bestCR {
			best = venueID
			bestCR = cr
		}
	}
	return best, best != ""
}
