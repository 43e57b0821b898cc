package engine

import (
	"context"
	"encoding/hex"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/basislab/hedgecore/internal/model"
	"github.com/basislab/hedgecore/internal/risk"
	"github.com/basislab/hedgecore/internal/signer"
	"github.com/basislab/hedgecore/internal/venue"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fakeOrder struct {
	size decimal.Decimal
	side model.Side
}

type fakeAdapter struct {
	mu         sync.Mutex
	id         string
	caps       model.CapabilitySet
	mark       decimal.Decimal
	size       decimal.Decimal
	upnl       decimal.Decimal
	equity     decimal.Decimal
	collateral decimal.Decimal
	funding    decimal.Decimal
	liq        decimal.Decimal
	book       model.OrderBook
	readErr    error
	submitErr  error
	submits    []fakeOrder
	cancels    int
}

func newFakeAdapter(id string) *fakeAdapter {
	return &fakeAdapter{
		id: id,
		caps: model.NewCapabilitySet(
			model.CapPerp, model.CapOrderBookDepth, model.CapFundingRate,
			model.CapLiquidationPrice, model.CapCancelAll,
		),
		mark:       d(2000),
		equity:     d(60000),
		collateral: d(160000),
		book: model.OrderBook{
			Bids: []model.Level{{Price: d(1999.5), Size: d(100)}},
			Asks: []model.Level{{Price: d(2000.5), Size: d(100)}},
		},
	}
}

func (f *fakeAdapter) ID() string                        { return f.id }
func (f *fakeAdapter) Capabilities() model.CapabilitySet { return f.caps }

func (f *fakeAdapter) MarketPrice(context.Context, string) (decimal.Decimal, error) {
	if f.readErr != nil {
		return decimal.Zero, f.readErr
	}
	return f.mark, nil
}

func (f *fakeAdapter) Position(context.Context, string) (decimal.Decimal, decimal.Decimal, error) {
	if f.readErr != nil {
		return decimal.Zero, decimal.Zero, f.readErr
	}
	return f.size, f.upnl, nil
}

func (f *fakeAdapter) Collateral(context.Context) (decimal.Decimal, error) {
	if f.readErr != nil {
		return decimal.Zero, f.readErr
	}
	return f.collateral, nil
}

func (f *fakeAdapter) Equity(context.Context) (decimal.Decimal, error) {
	if f.readErr != nil {
		return decimal.Zero, f.readErr
	}
	return f.equity, nil
}

func (f *fakeAdapter) FundingRate(context.Context, string) (decimal.Decimal, error) {
	return f.funding, nil
}

func (f *fakeAdapter) LiquidationPrice(context.Context, string) (decimal.Decimal, error) {
	return f.liq, nil
}

func (f *fakeAdapter) OrderBook(context.Context, string) (model.OrderBook, error) {
	return f.book, nil
}

func (f *fakeAdapter) Submit(_ context.Context, _ string, size decimal.Decimal, side model.Side) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submits = append(f.submits, fakeOrder{size: size, side: side})
	return nil
}

func (f *fakeAdapter) CancelAll(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeAdapter) orders() []fakeOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeOrder(nil), f.submits...)
}

type fakeChain struct {
	mu         sync.Mutex
	assets     decimal.Decimal
	paused     bool
	pauseCalls int
	draws      []decimal.Decimal
	attests    int

	// pauseAfterReads > 0 makes VaultPaused report true from that read on,
	// simulating a pause landing mid-cycle.
	pausedReads     int
	pauseAfterReads int
}

func (c *fakeChain) VaultAssets(context.Context, common.Address) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assets, nil
}

func (c *fakeChain) VaultAssetsRaw(context.Context, common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assets.Shift(18).BigInt(), nil
}

func (c *fakeChain) VaultPaused(context.Context, common.Address) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pausedReads++
	if c.pauseAfterReads > 0 && c.pausedReads >= c.pauseAfterReads {
		return true, nil
	}
	return c.paused, nil
}

func (c *fakeChain) HealthFactor(context.Context, common.Address) (decimal.Decimal, bool, error) {
	return decimal.Zero, false, nil
}

func (c *fakeChain) DrawInsurance(_ context.Context, _ common.Address, units decimal.Decimal) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draws = append(c.draws, units)
	return common.HexToHash("0x1"), nil
}

func (c *fakeChain) PauseVault(context.Context, common.Address) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	c.pauseCalls++
	return common.HexToHash("0x2"), nil
}

func (c *fakeChain) SubmitAttestation(context.Context, common.Address, *big.Int, time.Time, []byte) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attests++
	return common.HexToHash("0x3"), nil
}

func testVault() model.VaultConfig {
	return model.VaultConfig{
		ID:          "vault-a",
		ChainTag:    "arbitrum",
		Address:     "0x1111111111111111111111111111111111111111",
		AssetSymbol: "ETH",
		HedgeSymbol: "ETH-PERP",
		Policy: model.Policy{
			MaxLeverage:       3,
			TargetCR:          2.0,
			WarnCR:            1.5,
			CriticalCR:        1.3,
			Deadband:          0.05,
			MinLiqDistance:    0.15,
			DailyHardLossUSD:  50000,
			MaxDrawdown:       0.25,
			WarnFundingRate:   0.0001,
			FundingWindow:     3,
			DeleverageFrac:    0.20,
			InsuranceDrawCap:  10000,
			InsuranceCooldown: time.Hour,
		},
	}
}

func newTestEngine(t *testing.T, chainClient ChainClient, adapters ...venue.Adapter) *Engine {
	t.Helper()
	vault := testVault()
	breaker, err := risk.OpenBreakerStore(t.TempDir(), vault.ID, d(120000))
	require.NoError(t, err)
	return New(Options{
		Vault:    vault,
		Agg:      venue.NewAggregator(adapters...),
		Chain:    chainClient,
		Risk:     risk.NewEngine(vault, breaker),
		StateDir: t.TempDir(),
	})
}

func TestCycleBalancedHoldsSteady(t *testing.T) {
	v1 := newFakeAdapter("v1")
	v2 := newFakeAdapter("v2")
	v1.size, v2.size = d(-50), d(-50)
	chainClient := &fakeChain{assets: d(100)}

	e := newTestEngine(t, chainClient, v1, v2)
	require.NoError(t, e.RunCycle(context.Background(), model.TriggerMsg{Kind: model.TriggerTimer}))

	assert.Empty(t, v1.orders())
	assert.Empty(t, v2.orders())
	st := e.Status()
	assert.Equal(t, model.ActionOK, st.LastAction)
	require.Len(t, st.Venues, 2)
	assert.True(t, st.Venues[0].CapabilitySet().Has(model.CapPerp))
}

func TestCycleDepositOpensShortsSplitByDepth(t *testing.T) {
	v1 := newFakeAdapter("v1")
	v2 := newFakeAdapter("v2")
	chainClient := &fakeChain{assets: d(100)}

	e := newTestEngine(t, chainClient, v1, v2)
	require.NoError(t, e.RunCycle(context.Background(), model.TriggerMsg{Kind: model.TriggerEvent, Reason: "vault deposit"}))

	o1, o2 := v1.orders(), v2.orders()
	require.Len(t, o1, 1)
	require.Len(t, o2, 1)
	assert.Equal(t, model.SideSell, o1[0].side)
	assert.Equal(t, model.SideSell, o2[0].side)
	// Equal in-band depth, equal split.
	assert.True(t, o1[0].size.Add(o2[0].size).Equal(d(100)),
		"slices must sum to target, got %s + %s", o1[0].size, o2[0].size)
	assert.True(t, o1[0].size.Sub(o2[0].size).Abs().LessThanOrEqual(d(0.00000001)))
}

func TestCyclePauseLandsMidCycleHoldsOpens(t *testing.T) {
	v1 := newFakeAdapter("v1")
	v2 := newFakeAdapter("v2")
	// First VaultPaused read (snapshot) is false, the second (pre-submit
	// re-check) sees the pause that landed mid-cycle.
	chainClient := &fakeChain{assets: d(100), pauseAfterReads: 2}

	e := newTestEngine(t, chainClient, v1, v2)
	require.NoError(t, e.RunCycle(context.Background(), model.TriggerMsg{Kind: model.TriggerEvent, Reason: "vault deposit"}))

	assert.Empty(t, v1.orders(), "no new exposure once the vault is paused")
	assert.Empty(t, v2.orders())
	assert.Equal(t, model.ActionRebalance, e.Status().LastAction)
}

func TestCycleWarnCRShiftsExposure(t *testing.T) {
	v1 := newFakeAdapter("v1")
	v2 := newFakeAdapter("v2")
	v1.size, v2.size = d(-50), d(-50)
	// CR_v1 = 140000 / (50*2000) = 1.4: below warn 1.5, above critical 1.3.
	// Aggregate delta is in band, relief comes from shifting, not resizing.
	v1.collateral = d(140000)
	v2.collateral = d(200000)
	chainClient := &fakeChain{assets: d(100)}

	e := newTestEngine(t, chainClient, v1, v2)
	require.NoError(t, e.RunCycle(context.Background(), model.TriggerMsg{Kind: model.TriggerTimer}))

	o1, o2 := v1.orders(), v2.orders()
	require.Len(t, o1, 1, "weak venue must shed exposure")
	require.Len(t, o2, 1, "healthy venue must absorb it")
	assert.Equal(t, model.SideBuy, o1[0].side)
	// Half the deleverage fraction: 10% of 50.
	assert.True(t, o1[0].size.Equal(d(5)), "got %s", o1[0].size)
	assert.Equal(t, model.SideSell, o2[0].side)
	assert.True(t, o2[0].size.Equal(d(5)))
	assert.Equal(t, model.ActionRebalance, e.Status().LastAction)
}

func TestCycleWithdrawClosesProRata(t *testing.T) {
	v1 := newFakeAdapter("v1")
	v2 := newFakeAdapter("v2")
	v1.size, v2.size = d(-75), d(-25)
	v1.collateral = d(400000)
	chainClient := &fakeChain{assets: d(60)}

	e := newTestEngine(t, chainClient, v1, v2)
	require.NoError(t, e.RunCycle(context.Background(), model.TriggerMsg{Kind: model.TriggerEvent, Reason: "vault withdraw"}))

	o1, o2 := v1.orders(), v2.orders()
	require.Len(t, o1, 1)
	require.Len(t, o2, 1)
	assert.Equal(t, model.SideBuy, o1[0].side)
	// Close 40 total, pro-rata 30/10.
	assert.True(t, o1[0].size.Equal(d(30)), "got %s", o1[0].size)
	assert.True(t, o2[0].size.Equal(d(10)), "got %s", o2[0].size)
}

func TestCycleCriticalCRDeleverages(t *testing.T) {
	v1 := newFakeAdapter("v1")
	v2 := newFakeAdapter("v2")
	v1.size, v2.size = d(-50), d(-50)
	// CR_v1 = 125000 / (50*2000) = 1.25, below critical 1.3.
	v1.collateral = d(125000)
	v2.collateral = d(200000)
	chainClient := &fakeChain{assets: d(100)}

	e := newTestEngine(t, chainClient, v1, v2)
	require.NoError(t, e.RunCycle(context.Background(), model.TriggerMsg{Kind: model.TriggerTimer}))

	o1, o2 := v1.orders(), v2.orders()
	require.Len(t, o1, 1, "offender must be trimmed")
	require.Len(t, o2, 1, "destination must absorb the trim")
	assert.Equal(t, model.SideBuy, o1[0].side)
	assert.True(t, o1[0].size.Equal(d(10)), "20%% of 50, got %s", o1[0].size)
	assert.Equal(t, model.SideSell, o2[0].side)
	assert.True(t, o2[0].size.Equal(d(10)))
	assert.Equal(t, model.ActionDeleverage, e.Status().LastAction)
}

func TestCyclePausedWithOpenPositionsUnwinds(t *testing.T) {
	v1 := newFakeAdapter("v1")
	v2 := newFakeAdapter("v2")
	v1.size, v2.size = d(-50), d(-50)
	chainClient := &fakeChain{assets: d(100), paused: true}

	e := newTestEngine(t, chainClient, v1, v2)
	require.NoError(t, e.RunCycle(context.Background(), model.TriggerMsg{Kind: model.TriggerEvent, Reason: "vault pause"}))

	assert.Equal(t, 0, chainClient.pauseCalls, "already paused, pause stage skipped")
	assert.Equal(t, 1, v1.cancels)
	assert.Equal(t, 1, v2.cancels)
	o1, o2 := v1.orders(), v2.orders()
	require.Len(t, o1, 1)
	require.Len(t, o2, 1)
	assert.Equal(t, model.SideBuy, o1[0].side)
	assert.True(t, o1[0].size.Equal(d(50)))
	assert.Equal(t, model.SideBuy, o2[0].side)
}

func TestCycleBreakerTripPausesAndUnwinds(t *testing.T) {
	v1 := newFakeAdapter("v1")
	v2 := newFakeAdapter("v2")
	v1.size, v2.size = d(-50), d(-50)
	chainClient := &fakeChain{assets: d(100)}

	e := newTestEngine(t, chainClient, v1, v2)
	require.NoError(t, e.RunCycle(context.Background(), model.TriggerMsg{Kind: model.TriggerTimer}))
	require.Equal(t, model.ActionOK, e.Status().LastAction)

	// Equity collapses past the daily hard loss between cycles.
	v1.equity, v2.equity = d(20000), d(20000)
	require.NoError(t, e.RunCycle(context.Background(), model.TriggerMsg{Kind: model.TriggerTimer}))

	assert.Equal(t, 1, chainClient.pauseCalls)
	assert.True(t, chainClient.paused)
	assert.Equal(t, model.ActionUnwind, e.Status().LastAction)
	o1 := v1.orders()
	require.Len(t, o1, 1)
	assert.Equal(t, model.SideBuy, o1[0].side)
	assert.True(t, o1[0].size.Equal(d(50)))
}

func TestCyclePartialSnapshotHoldsOpens(t *testing.T) {
	v1 := newFakeAdapter("v1")
	v2 := newFakeAdapter("v2")
	v1.readErr = assert.AnError
	v2.size = d(-20)
	chainClient := &fakeChain{assets: d(100)}

	e := newTestEngine(t, chainClient, v1, v2)
	require.NoError(t, e.RunCycle(context.Background(), model.TriggerMsg{Kind: model.TriggerTimer}))

	assert.Empty(t, v1.orders())
	assert.Empty(t, v2.orders(), "partial snapshot must not drive new opens")
	assert.Equal(t, model.ActionWarn, e.Status().LastAction)
}

func TestCycleBusyReturnsErrBusy(t *testing.T) {
	v1 := newFakeAdapter("v1")
	chainClient := &fakeChain{assets: d(0)}

	e := newTestEngine(t, chainClient, v1)
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	err := e.RunCycle(context.Background(), model.TriggerMsg{Kind: model.TriggerSentinel})
	assert.ErrorIs(t, err, ErrBusy)
}

func TestManualUnwindIdempotentWhenFlat(t *testing.T) {
	v1 := newFakeAdapter("v1")
	v2 := newFakeAdapter("v2")
	chainClient := &fakeChain{assets: d(100), paused: true}

	e := newTestEngine(t, chainClient, v1, v2)
	report, err := e.ManualUnwind(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.Empty(t, v1.orders())
	assert.Empty(t, v2.orders())
	assert.Equal(t, 0, chainClient.pauseCalls)

	var outcomes []StageOutcome
	for _, st := range report.Stages {
		outcomes = append(outcomes, st.Outcome)
	}
	assert.Equal(t, []StageOutcome{StageSkipped, StageSuccess, StageSkipped}, outcomes)
}

func TestUnwindReportsPartialFailure(t *testing.T) {
	v1 := newFakeAdapter("v1")
	v2 := newFakeAdapter("v2")
	v1.size, v2.size = d(-50), d(-50)
	v2.submitErr = assert.AnError
	chainClient := &fakeChain{assets: d(100), paused: true}

	e := newTestEngine(t, chainClient, v1, v2)
	report, err := e.ManualUnwind(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Success, "a failed close must fail the whole unwind")
	require.Len(t, report.Stages, 3)
	assert.Equal(t, StageFailed, report.Stages[2].Outcome)
	assert.Contains(t, report.Stages[2].Detail, "v2")
}

func TestAttestPublishesSignedAssets(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sgn, err := signer.New(hex.EncodeToString(crypto.FromECDSA(key)))
	require.NoError(t, err)

	v1 := newFakeAdapter("v1")
	chainClient := &fakeChain{assets: d(100)}
	e := newTestEngine(t, chainClient, v1)
	e.signer = sgn

	e.attest(context.Background())
	assert.Equal(t, 1, chainClient.attests)
}

func TestInsuranceDrawRespectsCooldown(t *testing.T) {
	v1 := newFakeAdapter("v1")
	v1.size = d(-100)
	v1.funding = d(-0.0005)
	chainClient := &fakeChain{assets: d(100)}

	e := newTestEngine(t, chainClient, v1)
	snap, err := e.snapshot(context.Background())
	require.NoError(t, err)

	require.NoError(t, e.drawInsurance(context.Background(), snap))
	require.Len(t, chainClient.draws, 1)
	// 0.0005 * 100 * 2000 = 100 USD -> 0.05 ETH at mark 2000.
	assert.True(t, chainClient.draws[0].Equal(d(0.05)), "got %s", chainClient.draws[0])

	// Second draw inside the cooldown is a no-op.
	require.NoError(t, e.drawInsurance(context.Background(), snap))
	assert.Len(t, chainClient.draws, 1)
}
