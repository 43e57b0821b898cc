package venue

import (
	"context"

	"github.com/basislab/hedgecore/internal/model"
	"github.com/shopspring/decimal"
)

// Adapter is the uniform contract over one perpetual venue. Adapters are
// stateless with respect to business logic: they translate protocol idioms
// to this shape and classify failures into the apperrors taxonomy
// (VenueUnavailable, RateLimited, VenueError, InsufficientMargin,
// UnknownSymbol). Retry and rate-limit behavior lives inside the adapter.
type Adapter interface {
	ID() string
	Capabilities() model.CapabilitySet

	// MarketPrice returns the venue mark price in USD.
	MarketPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// Position returns (signedSize, upnl). Flat is (0, 0), never an error.
	Position(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error)

	// Collateral is the withdrawable / free margin in USD.
	Collateral(ctx context.Context) (decimal.Decimal, error)

	// Equity is margin balance + unrealized PnL in USD.
	Equity(ctx context.Context) (decimal.Decimal, error)

	// FundingRate per period. Positive = longs pay shorts.
	FundingRate(ctx context.Context, symbol string) (decimal.Decimal, error)

	// LiquidationPrice, zero if flat.
	LiquidationPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// OrderBook returns current depth, bids high-to-low and asks low-to-high.
	OrderBook(ctx context.Context, symbol string) (model.OrderBook, error)

	// Submit places a market order for |size| contracts on the given side.
	Submit(ctx context.Context, symbol string, size decimal.Decimal, side model.Side) error

	// CancelAll is used only by emergency unwind.
	CancelAll(ctx context.Context, symbol string) error
}
