package router

import (
	"testing"

	"github.com/basislab/hedgecore/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func bookWithAskDepth(px float64, sizes ...float64) model.OrderBook {
	book := model.OrderBook{}
	p := d(px)
	for _, sz := range sizes {
		book.Asks = append(book.Asks, model.Level{Price: p, Size: d(sz)})
		p = p.Mul(d(1.001))
	}
	return book
}

func sum(slices map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, s := range slices {
		total = total.Add(s)
	}
	return total
}

func TestEqualDepthSplitsEvenly(t *testing.T) {
	// Scenario 1: two venues, equal depth, delta 10 -> {5, 5}.
	in := Input{
		Symbol:     "ETH",
		Side:       model.SideSell,
		TargetSize: d(10),
		Venues: []VenueDepth{
			{VenueID: "v1", HasDepth: true, Equity: d(60000),
				Book: model.OrderBook{Bids: []model.Level{{Price: d(2000), Size: d(100)}}}},
			{VenueID: "v2", HasDepth: true, Equity: d(60000),
				Book: model.OrderBook{Bids: []model.Level{{Price: d(2000), Size: d(100)}}}},
		},
	}
	slices, err := Plan(in)
	require.NoError(t, err)
	assert.True(t, slices["v1"].Equal(d(5)), "v1 got %s", slices["v1"])
	assert.True(t, slices["v2"].Equal(d(5)), "v2 got %s", slices["v2"])
}

func TestProportionalToDepth(t *testing.T) {
	in := Input{
		Symbol:     "ETH",
		Side:       model.SideBuy,
		TargetSize: d(30),
		Venues: []VenueDepth{
			{VenueID: "v1", HasDepth: true, Book: bookWithAskDepth(2000, 200)},
			{VenueID: "v2", HasDepth: true, Book: bookWithAskDepth(2000, 100)},
		},
	}
	slices, err := Plan(in)
	require.NoError(t, err)
	assert.True(t, slices["v1"].Equal(d(20)))
	assert.True(t, slices["v2"].Equal(d(10)))
}

func TestSlicesSumToTargetWithRounding(t *testing.T) {
	// 3-way split of 10 cannot be exact at any fixed scale; the residual
	// must land on one venue so the sum is exact.
	in := Input{
		Symbol:     "ETH",
		Side:       model.SideBuy,
		TargetSize: d(10),
		Venues: []VenueDepth{
			{VenueID: "v1", HasDepth: true, Book: bookWithAskDepth(2000, 50), Equity: d(10)},
			{VenueID: "v2", HasDepth: true, Book: bookWithAskDepth(2000, 50), Equity: d(20)},
			{VenueID: "v3", HasDepth: true, Book: bookWithAskDepth(2000, 50), Equity: d(30)},
		},
	}
	slices, err := Plan(in)
	require.NoError(t, err)
	assert.True(t, sum(slices).Equal(d(10)), "sum %s", sum(slices))
	for id, s := range slices {
		assert.False(t, s.IsNegative(), "slice %s negative: %s", id, s)
	}
}

func TestNoDepthVenueGetsZero(t *testing.T) {
	in := Input{
		Symbol:     "ETH",
		Side:       model.SideBuy,
		TargetSize: d(10),
		Venues: []VenueDepth{
			{VenueID: "v1", HasDepth: true, Book: bookWithAskDepth(2000, 100)},
			{VenueID: "v2", HasDepth: true, Book: model.OrderBook{}}, // empty book
		},
	}
	slices, err := Plan(in)
	require.NoError(t, err)
	assert.True(t, slices["v1"].Equal(d(10)))
	assert.True(t, slices["v2"].IsZero())
}

func TestZeroTotalDepthFallsBackToEqualSplit(t *testing.T) {
	in := Input{
		Symbol:     "ETH",
		Side:       model.SideBuy,
		TargetSize: d(9),
		Venues: []VenueDepth{
			{VenueID: "v1", HasDepth: true},
			{VenueID: "v2", HasDepth: true},
			{VenueID: "v3", HasDepth: false}, // no capability, excluded
		},
	}
	slices, err := Plan(in)
	require.NoError(t, err)
	assert.True(t, slices["v1"].Equal(d(4.5)))
	assert.True(t, slices["v2"].Equal(d(4.5)))
	_, hasV3 := slices["v3"]
	assert.False(t, hasV3)
}

func TestBandExcludesFarLevels(t *testing.T) {
	// Second level sits 5% off best: outside the 1% band.
	book := model.OrderBook{Asks: []model.Level{
		{Price: d(2000), Size: d(10)},
		{Price: d(2100), Size: d(500)},
	}}
	in := Input{
		Symbol:     "ETH",
		Side:       model.SideBuy,
		TargetSize: d(10),
		Venues: []VenueDepth{
			{VenueID: "near", HasDepth: true, Book: book},
			{VenueID: "deep", HasDepth: true, Book: bookWithAskDepth(2000, 10)},
		},
	}
	slices, err := Plan(in)
	require.NoError(t, err)
	// Both have 10 in-band despite near's huge out-of-band level.
	assert.True(t, slices["near"].Equal(d(5)))
	assert.True(t, slices["deep"].Equal(d(5)))
}

func TestTieBreakPrefersEquityHeadroom(t *testing.T) {
	// Depths within 1% of each other; rounding residual must go to the
	// venue with more headroom (v2: same equity, smaller position).
	in := Input{
		Symbol:     "ETH",
		Side:       model.SideBuy,
		TargetSize: d(10),
		Venues: []VenueDepth{
			{VenueID: "v1", HasDepth: true, Book: bookWithAskDepth(2000, 100),
				Equity: d(50000), PositionValue: d(100000)},
			{VenueID: "v2", HasDepth: true, Book: bookWithAskDepth(2000, 100),
				Equity: d(50000), PositionValue: d(50000)},
			{VenueID: "v3", HasDepth: true, Book: bookWithAskDepth(2000, 100),
				Equity: d(50000), PositionValue: d(25000)},
		},
	}
	slices, err := Plan(in)
	require.NoError(t, err)
	assert.True(t, sum(slices).Equal(d(10)))
	// Equal depths leave a rounding residual; it lands on v3, the venue
	// with the best headroom.
	assert.True(t, slices["v3"].GreaterThan(slices["v1"]))
}

func TestRejectsNonPositiveTarget(t *testing.T) {
	_, err := Plan(Input{TargetSize: d(0), Venues: []VenueDepth{{VenueID: "v1"}}})
	assert.Error(t, err)
	_, err = Plan(Input{TargetSize: d(-3), Venues: []VenueDepth{{VenueID: "v1"}}})
	assert.Error(t, err)
}
