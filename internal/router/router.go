package router

import (
	"github.com/basislab/hedgecore/internal/model"
	"github.com/basislab/hedgecore/internal/pkg/apperrors"
	"github.com/shopspring/decimal"
)

// DefaultPriceBand is the fraction of best price within which depth counts.
const DefaultPriceBand = 0.01

// sliceScale keeps slice rounding at 8 decimal places; the residual goes to
// the preferred venue so the slices always sum to the target exactly.
const sliceScale = 8

// VenueDepth is one venue's input to the plan: its book plus the equity
// headroom numbers used for tie-breaking.
type VenueDepth struct {
	VenueID       string
	Book          model.OrderBook
	HasDepth      bool // venue advertises order-book-depth capability
	Equity        decimal.Decimal
	PositionValue decimal.Decimal // |size| * mark
}

type Input struct {
	Symbol     string
	Side       model.Side
	TargetSize decimal.Decimal // always positive
	PriceBand  float64         // 0 means DefaultPriceBand
	Venues     []VenueDepth
}

// Plan splits TargetSize across venues proportionally to their in-band
// depth. Venues reporting no depth get a zero slice. If total depth is zero
// the target is split equally over venues with the depth capability. The
// router is pure: callers act on the plan, the router never submits.
func Plan(in Input) (map[string]decimal.Decimal, error) {
	if !in.TargetSize.IsPositive() {
		return nil, apperrors.Newf(apperrors.ErrInternal, "router target must be positive, got %s", in.TargetSize)
	}
	if len(in.Venues) == 0 {
		return nil, apperrors.Newf(apperrors.ErrInternal, "router needs at least one venue")
	}

	band := in.PriceBand
	if band == 0 {
		band = DefaultPriceBand
	}

	depths := make(map[string]decimal.Decimal, len(in.Venues))
	totalDepth := decimal.Zero
	for _, v := range in.Venues {
		d := decimal.Zero
		if v.HasDepth {
			d = bandDepth(v.Book, in.Side, band)
		}
		depths[v.VenueID] = d
		totalDepth = totalDepth.Add(d)
	}

	slices := make(map[string]decimal.Decimal, len(in.Venues))

	if totalDepth.IsZero() {
		// Equal distribution over venues with the capability.
		capable := make([]VenueDepth, 0, len(in.Venues))
		for _, v := range in.Venues {
			if v.HasDepth {
				capable = append(capable, v)
			}
		}
		if len(capable) == 0 {
			return nil, apperrors.Newf(apperrors.ErrInternal, "no venue can route %s", in.Symbol)
		}
		each := in.TargetSize.Div(decimal.NewFromInt(int64(len(capable)))).Round(sliceScale)
		assigned := decimal.Zero
		for _, v := range capable {
			slices[v.VenueID] = each
			assigned = assigned.Add(each)
		}
		preferred := preferVenue(capable, depths)
		slices[preferred] = slices[preferred].Add(in.TargetSize.Sub(assigned))
		return slices, nil
	}

	assigned := decimal.Zero
	for _, v := range in.Venues {
		slice := in.TargetSize.Mul(depths[v.VenueID]).Div(totalDepth).Round(sliceScale)
		slices[v.VenueID] = slice
		assigned = assigned.Add(slice)
	}

	// Rounding residual goes to the preferred venue among those at (or
	// within 1% of) the deepest book; ties break on equity headroom.
	preferred := preferVenue(contenders(in.Venues, depths), depths)
	slices[preferred] = slices[preferred].Add(in.TargetSize.Sub(assigned))
	return slices, nil
}

// bandDepth sums size within the price band off the best level: asks for
// buys, bids for sells.
func bandDepth(book model.OrderBook, side model.Side, band float64) decimal.Decimal {
	bandDec := decimal.NewFromFloat(band)
	total := decimal.Zero

	if side == model.SideBuy {
		best, ok := book.BestAsk()
		if !ok {
			return decimal.Zero
		}
		limit := best.Price.Mul(decimal.NewFromInt(1).Add(bandDec))
		for _, lvl := range book.Asks {
			if lvl.Price.GreaterThan(limit) {
				break
			}
			total = total.Add(lvl.Size)
		}
		return total
	}

	best, ok := book.BestBid()
	if !ok {
		return decimal.Zero
	}
	limit := best.Price.Mul(decimal.NewFromInt(1).Sub(bandDec))
	for _, lvl := range book.Bids {
		if lvl.Price.LessThan(limit) {
			break
		}
		total = total.Add(lvl.Size)
	}
	return total
}

// contenders returns venues whose depth is within 1% of the deepest.
func contenders(venues []VenueDepth, depths map[string]decimal.Decimal) []VenueDepth {
	maxDepth := decimal.Zero
	for _, v := range venues {
		if depths[v.VenueID].GreaterThan(maxDepth) {
			maxDepth = depths[v.VenueID]
		}
	}
	if maxDepth.IsZero() {
		return venues
	}
	floor := maxDepth.Mul(decimal.NewFromFloat(0.99))
	out := make([]VenueDepth, 0, len(venues))
	for _, v := range venues {
		if depths[v.VenueID].GreaterThanOrEqual(floor) {
			out = append(out, v)
		}
	}
	return out
}

// preferVenue picks the venue with the highest equity headroom
// (equity / position value); a flat venue has unbounded headroom and wins.
func preferVenue(venues []VenueDepth, depths map[string]decimal.Decimal) string {
	best := venues[0]
	bestFlat := best.PositionValue.IsZero()
	for _, v := range venues[1:] {
		flat := v.PositionValue.IsZero()
		switch {
		case flat && !bestFlat:
			best, bestFlat = v, true
		case flat && bestFlat:
			if v.Equity.GreaterThan(best.Equity) {
				best = v
			}
		case !flat && !bestFlat:
			// headroom_v > headroom_best  <=>  eq_v*pv_best > eq_best*pv_v
			if v.Equity.Mul(best.PositionValue).GreaterThan(best.Equity.Mul(v.PositionValue)) {
				best = v
			}
		}
	}
	return best.VenueID
}
