package model

import (
	"math/big"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Capability flags advertised by a venue adapter. The router and aggregator
// consult these instead of probing.
type Capability string

const (
	CapSpot             Capability = "spot"
	CapPerp             Capability = "perp"
	CapOrderBookDepth   Capability = "order-book-depth"
	CapFundingRate      Capability = "funding-rate"
	CapLiquidationPrice Capability = "liquidation-price"
	CapCancelAll        Capability = "cancel-all"
)

type CapabilitySet map[Capability]struct{}

func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// List returns the capabilities in stable order.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// VenueHandle identifies one perp venue plus the credentials and symbol
// mapping an instance uses to talk to it. Credentials are shared-read;
// rotation goes through the orchestrator's stop-deploy cycle.
type VenueHandle struct {
	VenueID        string            `json:"venue_id" mapstructure:"venue_id"`
	CredentialsRef string            `json:"credentials_ref" mapstructure:"credentials_ref"`
	SymbolMap      map[string]string `json:"symbol_map" mapstructure:"symbol_map"`
	Capabilities   []Capability      `json:"capabilities" mapstructure:"capabilities"`
}

func (h VenueHandle) CapabilitySet() CapabilitySet {
	return NewCapabilitySet(h.Capabilities...)
}

// Policy carries the per-vault risk numerics. All ratios are plain floats;
// sizes and prices everywhere else are decimals.
type Policy struct {
	MaxLeverage       float64 `json:"max_leverage" mapstructure:"max_leverage"`
	TargetCR          float64 `json:"target_cr" mapstructure:"target_cr"`
	WarnCR            float64 `json:"warn_cr" mapstructure:"warn_cr"`
	CriticalCR        float64 `json:"critical_cr" mapstructure:"critical_cr"`
	Deadband          float64 `json:"deadband" mapstructure:"deadband"`
	MinLiqDistance    float64 `json:"min_liq_distance" mapstructure:"min_liq_distance"`
	DailyHardLossUSD  float64 `json:"daily_hard_loss_usd" mapstructure:"daily_hard_loss_usd"`
	MaxDrawdown       float64 `json:"max_drawdown" mapstructure:"max_drawdown"`
	WarnFundingRate   float64 `json:"warn_funding_rate" mapstructure:"warn_funding_rate"`
	FundingWindow     int     `json:"funding_window" mapstructure:"funding_window"`
	DeleverageFrac    float64 `json:"deleverage_frac" mapstructure:"deleverage_frac"`
	InsuranceDrawCap  float64 `json:"insurance_draw_cap_usd" mapstructure:"insurance_draw_cap_usd"`
	InsuranceCooldown time.Duration `json:"insurance_cooldown" mapstructure:"insurance_cooldown"`
	BasisToleranceBps float64 `json:"basis_tolerance_bps" mapstructure:"basis_tolerance_bps"`
	// AllowOpenWhenFlat permits new opens on a partial snapshot when every
	// missing venue is flat-confirmed.
	AllowOpenWhenFlat bool `json:"allow_open_when_flat" mapstructure:"allow_open_when_flat"`
}

// ResourceLimits bounds one engine process. Zero fields inherit the
// orchestrator defaults.
type ResourceLimits struct {
	CPULimit       float64 `json:"cpu_limit" mapstructure:"cpu_limit"`
	MemoryLimitMiB int     `json:"memory_limit_mib" mapstructure:"memory_limit_mib"`
	FDLimit        int     `json:"fd_limit" mapstructure:"fd_limit"`
}

// VaultConfig is immutable after registration. Addresses come only from the
// config registry; nothing else in the core hardcodes a vault address.
type VaultConfig struct {
	ID          string         `json:"id" mapstructure:"id"`
	ChainTag    string         `json:"chain_tag" mapstructure:"chain_tag"`
	Address     string         `json:"address" mapstructure:"address"`
	AssetSymbol string         `json:"asset_symbol" mapstructure:"asset_symbol"`
	HedgeSymbol string         `json:"hedge_symbol" mapstructure:"hedge_symbol"`
	Policy      Policy         `json:"policy" mapstructure:"policy"`
	Resources   ResourceLimits `json:"resources" mapstructure:"resources"`
}

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Position on one venue. Sign convention: positive size = long,
// negative = short.
type Position struct {
	VenueID     string          `json:"venue_id"`
	Symbol      string          `json:"symbol"`
	Size        decimal.Decimal `json:"size"`
	UPNL        decimal.Decimal `json:"upnl"`
	MarkPrice   decimal.Decimal `json:"mark_price"`
	LiqPrice    decimal.Decimal `json:"liq_price"`
	LastUpdated time.Time       `json:"last_updated"`
}

// Level is one order-book price level.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBook snapshot. Bids sorted high to low, asks low to high.
type OrderBook struct {
	Bids []Level
	Asks []Level
}

func (b OrderBook) BestBid() (Level, bool) {
	if len(b.Bids) == 0 {
		return Level{}, false
	}
	return b.Bids[0], true
}

func (b OrderBook) BestAsk() (Level, bool) {
	if len(b.Asks) == 0 {
		return Level{}, false
	}
	return b.Asks[0], true
}

// Snapshot is the composite view one engine cycle consumes. Best-effort
// atomic: all reads happen in one fan-out. A snapshot is consumed by exactly
// one cycle and discarded.
type Snapshot struct {
	VaultID            string                     `json:"vault_id"`
	VaultAssets        decimal.Decimal            `json:"vault_assets"`
	VaultPaused        bool                       `json:"vault_paused"`
	HealthFactor       decimal.Decimal            `json:"health_factor"`
	MarkPrice          decimal.Decimal            `json:"mark_price"`
	SpotPrice          decimal.Decimal            `json:"spot_price"`
	Positions          []Position                 `json:"positions"`
	VenueEquities      map[string]decimal.Decimal `json:"venue_equities"`
	VenueCollateral    map[string]decimal.Decimal `json:"venue_collateral"`
	AggregateShortSize decimal.Decimal            `json:"aggregate_short_size"`
	AggregateEquity    decimal.Decimal            `json:"aggregate_equity"`
	FundingRates       map[string]decimal.Decimal `json:"funding_rates"`
	MissingVenues      []string                   `json:"missing_venues,omitempty"`
	TakenAt            time.Time                  `json:"taken_at"`
}

// Partial reports whether any venue failed to contribute.
func (s *Snapshot) Partial() bool {
	return len(s.MissingVenues) > 0
}

// PositionOn returns the position held on a venue, zero-valued if flat.
func (s *Snapshot) PositionOn(venueID string) Position {
	for _, p := range s.Positions {
		if p.VenueID == venueID {
			return p
		}
	}
	return Position{VenueID: venueID}
}

// CollateralRatio computes (collateral + upnl) / (|position| * mark) for one
// venue. ok is false when the venue is flat.
func (s *Snapshot) CollateralRatio(venueID string) (float64, bool) {
	pos := s.PositionOn(venueID)
	notional := pos.Size.Abs().Mul(s.MarkPrice)
	if notional.IsZero() {
		return 0, false
	}
	col := s.VenueCollateral[venueID]
	cr := col.Add(pos.UPNL).Div(notional)
	f, _ := cr.Float64()
	return f, true
}

type BreakerPhase string

const (
	BreakerArmed   BreakerPhase = "armed"
	BreakerTripped BreakerPhase = "tripped"
	BreakerCooling BreakerPhase = "cooling"
)

// BreakerState is the persistent P&L circuit-breaker record, one per vault,
// living for the life of the vault. Daily P&L rolls at 00:00 UTC; peak only
// moves up; tripped exits only through operator ack.
type BreakerState struct {
	VaultID          string          `json:"vault_id"`
	StartingEquity   decimal.Decimal `json:"starting_equity_usd"`
	LastResetTS      time.Time       `json:"last_reset_ts"`
	DailyRealizedPnL decimal.Decimal `json:"daily_realized_pnl"`
	PeakEquity       decimal.Decimal `json:"peak_equity"`
	Phase            BreakerPhase    `json:"current_state"`
	TrippedReason    string          `json:"tripped_reason,omitempty"`
}

// PerformanceRecord is one row of the append-only per-vault perf series.
type PerformanceRecord struct {
	TS          time.Time       `json:"ts"`
	VaultID     string          `json:"vault_id" gorm:"index"`
	PnLUSD      decimal.Decimal `json:"pnl_usd"`
	TVLUSD      decimal.Decimal `json:"tvl_usd"`
	SlippageBps decimal.Decimal `json:"slippage_bps"`
	FundingRate decimal.Decimal `json:"funding_rate"`
}

// Attestation binds (vault, totalAssets, ts) to the signer identity.
type Attestation struct {
	Vault       string    `json:"vault"`
	TotalAssets *big.Int  `json:"total_assets_wei"`
	TS          time.Time `json:"ts"`
	Signature   []byte    `json:"signature"`
}

type RiskAction string

// Graded actions in precedence order, UNWIND strongest.
const (
	ActionUnwind     RiskAction = "UNWIND"
	ActionDeleverage RiskAction = "DELEVERAGE"
	ActionRebalance  RiskAction = "REBALANCE"
	ActionWarn       RiskAction = "WARN"
	ActionOK         RiskAction = "OK"
)

// Assessment is the risk engine's verdict over one snapshot.
type Assessment struct {
	Action         RiskAction      `json:"action"`
	Reason         string          `json:"reason"`
	TargetDelta    decimal.Decimal `json:"suggested_target_delta"`
	OffendingVenue string          `json:"offending_venue,omitempty"`
	SuggestInsure  bool            `json:"suggest_insure,omitempty"`
}

type TriggerKind string

const (
	TriggerTimer    TriggerKind = "timer"
	TriggerEvent    TriggerKind = "event"
	TriggerSentinel TriggerKind = "sentinel"
)

// TriggerMsg is the single message shape all cycle producers enqueue. The
// engine never branches on the source except for telemetry.
type TriggerMsg struct {
	Kind   TriggerKind `json:"kind"`
	Reason string      `json:"reason"`
	TS     time.Time   `json:"ts"`
}

type VaultEventKind string

const (
	VaultDeposit  VaultEventKind = "deposit"
	VaultWithdraw VaultEventKind = "withdraw"
	VaultPausedEv VaultEventKind = "pause"
	VaultUnpaused VaultEventKind = "unpause"
)

// VaultEvent is a typed on-chain vault event.
type VaultEvent struct {
	Kind   VaultEventKind  `json:"kind"`
	Vault  string          `json:"vault"`
	Amount decimal.Decimal `json:"amount,omitempty"`
	Block  uint64          `json:"block"`
	TxHash string          `json:"tx"`
	TS     time.Time       `json:"ts"`
}
