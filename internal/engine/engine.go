package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basislab/hedgecore/internal/alert"
	"github.com/basislab/hedgecore/internal/model"
	"github.com/basislab/hedgecore/internal/perf"
	"github.com/basislab/hedgecore/internal/pkg/apperrors"
	"github.com/basislab/hedgecore/internal/pkg/logger"
	"github.com/basislab/hedgecore/internal/pkg/metrics"
	"github.com/basislab/hedgecore/internal/repository"
	"github.com/basislab/hedgecore/internal/risk"
	"github.com/basislab/hedgecore/internal/router"
	"github.com/basislab/hedgecore/internal/signer"
	"github.com/basislab/hedgecore/internal/venue"
	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

// ErrBusy is returned when a trigger lands while a cycle is still running.
// The caller drops the trigger; the completed cycle already saw fresh data.
var ErrBusy = errors.New("cycle already in progress")

const defaultCycleInterval = 30 * time.Second

// ChainClient is the slice of the chain adapter one engine consumes.
type ChainClient interface {
	VaultAssets(ctx context.Context, vault common.Address) (decimal.Decimal, error)
	VaultAssetsRaw(ctx context.Context, vault common.Address) (*big.Int, error)
	VaultPaused(ctx context.Context, vault common.Address) (bool, error)
	HealthFactor(ctx context.Context, vault common.Address) (decimal.Decimal, bool, error)
	DrawInsurance(ctx context.Context, vault common.Address, deficitUnits decimal.Decimal) (common.Hash, error)
	PauseVault(ctx context.Context, vault common.Address) (common.Hash, error)
	SubmitAttestation(ctx context.Context, vault common.Address, totalAssets *big.Int, ts time.Time, sig []byte) (common.Hash, error)
}

// Engine drives one vault's hedge: it owns the cycle lock, the risk engine,
// and every order this vault ever submits. One Engine per vault instance.
type Engine struct {
	vault     model.VaultConfig
	vaultAddr common.Address
	agg       *venue.Aggregator
	chain     ChainClient
	risk      *risk.Engine
	signer    *signer.Signer
	recorder  *perf.Recorder
	insurance repository.InsuranceLedger
	alerts    alert.Sink
	queue     *Queue
	stateDir  string
	interval  time.Duration
	heartbeat time.Duration
	log       *slog.Logger

	cycleMu sync.Mutex

	statusMu   sync.Mutex
	lastAction model.RiskAction
	lastReason string
	lastCycle  time.Time

	prevEquity decimal.Decimal
	haveEquity bool
}

type Options struct {
	Vault     model.VaultConfig
	Agg       *venue.Aggregator
	Chain     ChainClient
	Risk      *risk.Engine
	Signer    *signer.Signer
	Recorder  *perf.Recorder
	Insurance repository.InsuranceLedger
	Alerts    alert.Sink
	StateDir  string
	Interval  time.Duration
	Heartbeat time.Duration
}

func New(opts Options) *Engine {
	if opts.Interval == 0 {
		opts.Interval = defaultCycleInterval
	}
	if opts.Heartbeat == 0 {
		opts.Heartbeat = 10 * time.Second
	}
	if opts.Insurance == nil {
		opts.Insurance = repository.NewMemoryInsuranceLedger()
	}
	if opts.Alerts == nil {
		opts.Alerts = alert.LogSink{}
	}
	return &Engine{
		vault:     opts.Vault,
		vaultAddr: common.HexToAddress(opts.Vault.Address),
		agg:       opts.Agg,
		chain:     opts.Chain,
		risk:      opts.Risk,
		signer:    opts.Signer,
		recorder:  opts.Recorder,
		insurance: opts.Insurance,
		alerts:    opts.Alerts,
		queue:     NewQueue(),
		stateDir:  opts.StateDir,
		interval:  opts.Interval,
		heartbeat: opts.Heartbeat,
		log:       logger.ForVault(opts.Vault.ID),
	}
}

func (e *Engine) Queue() *Queue {
	return e.queue
}

// Run blocks until ctx cancels: timer producer, heartbeat writer, scheduled
// jobs, and the queue consumer all live here. The chain listener and
// sentinel run as separate components pushing into the same queue.
func (e *Engine) Run(ctx context.Context) {
	go e.heartbeatLoop(ctx)
	go e.timerLoop(ctx)

	sched := cron.New()
	sched.AddFunc("0 * * * *", func() { e.attest(ctx) })
	sched.AddFunc("5 0 * * *", func() { e.dailyReport() })
	sched.Start()
	defer sched.Stop()

	e.queue.Run(ctx, func(trig model.TriggerMsg) {
		if err := e.RunCycle(ctx, trig); err != nil && !errors.Is(err, ErrBusy) {
			e.log.Error("cycle failed", "trigger", string(trig.Kind), "error", err)
		}
	})
}

func (e *Engine) timerLoop(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	// Fire once at startup so a fresh instance converges immediately.
	e.queue.Push(model.TriggerMsg{Kind: model.TriggerTimer, Reason: "startup"})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.queue.Push(model.TriggerMsg{Kind: model.TriggerTimer, Reason: "interval"})
		}
	}
}

// heartbeatLoop touches state/<vault>/heartbeat so the orchestrator can tell
// a live instance from a wedged one by mtime alone.
func (e *Engine) heartbeatLoop(ctx context.Context) {
	path := filepath.Join(e.stateDir, e.vault.ID, "heartbeat")
	os.MkdirAll(filepath.Dir(path), 0o755)
	touch := func() {
		if err := os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
			e.log.Warn("heartbeat write failed", "error", err)
		}
	}
	touch()
	ticker := time.NewTicker(e.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			touch()
		}
	}
}

// RunCycle executes one full observe-assess-act pass. Non-blocking: a
// trigger arriving mid-cycle gets ErrBusy instead of queueing behind the
// lock.
func (e *Engine) RunCycle(ctx context.Context, trig model.TriggerMsg) error {
	if !e.cycleMu.TryLock() {
		return ErrBusy
	}
	defer e.cycleMu.Unlock()

	started := time.Now()
	snap, err := e.snapshot(ctx)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues(e.vault.ID, "error").Inc()
		return err
	}

	assessment, err := e.risk.Evaluate(snap)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues(e.vault.ID, "error").Inc()
		return err
	}

	e.log.Info("cycle assessed",
		"trigger", string(trig.Kind),
		"action", string(assessment.Action),
		"reason", assessment.Reason,
		"vault_assets", snap.VaultAssets,
		"aggregate_short", snap.AggregateShortSize,
		"partial", snap.Partial(),
	)

	if err := e.dispatch(ctx, snap, assessment); err != nil {
		e.log.Error("action dispatch failed", "action", string(assessment.Action), "error", err)
	}

	e.recordCycle(snap, assessment, started)
	return nil
}

// snapshot fans out chain and venue reads into the composite view one cycle
// consumes. A chain failure aborts the cycle; venue failures degrade to a
// partial snapshot.
func (e *Engine) snapshot(ctx context.Context) (*model.Snapshot, error) {
	assets, err := e.chain.VaultAssets(ctx, e.vaultAddr)
	if err != nil {
		return nil, err
	}
	paused, err := e.chain.VaultPaused(ctx, e.vaultAddr)
	if err != nil {
		return nil, err
	}
	health, _, err := e.chain.HealthFactor(ctx, e.vaultAddr)
	if err != nil {
		return nil, err
	}

	res := e.agg.Collect(ctx, e.vault.HedgeSymbol)

	snap := &model.Snapshot{
		VaultID:            e.vault.ID,
		VaultAssets:        assets,
		VaultPaused:        paused,
		HealthFactor:       health,
		Positions:          res.Positions,
		VenueEquities:      res.Equities,
		VenueCollateral:    res.Collateral,
		FundingRates:       res.Funding,
		AggregateShortSize: res.AggregateShort(),
		AggregateEquity:    res.AggregateEquity(),
		MissingVenues:      res.Missing,
		TakenAt:            time.Now().UTC(),
	}
	for _, p := range res.Positions {
		if p.MarkPrice.IsPositive() {
			snap.MarkPrice = p.MarkPrice
			break
		}
	}

	dev, _ := snap.VaultAssets.Sub(snap.AggregateShortSize).Float64()
	metrics.DeltaDeviation.WithLabelValues(e.vault.ID).Set(dev)
	return snap, nil
}

func (e *Engine) dispatch(ctx context.Context, snap *model.Snapshot, a model.Assessment) error {
	switch a.Action {
	case model.ActionOK:
		return nil
	case model.ActionWarn:
		alert.Emit(e.alerts, alert.SevWarn, e.vault.ID, "risk_warn", a.Reason)
		if a.SuggestInsure {
			return e.drawInsurance(ctx, snap)
		}
		return nil
	case model.ActionRebalance:
		return e.rebalance(ctx, snap, a)
	case model.ActionDeleverage:
		alert.Emit(e.alerts, alert.SevCritical, e.vault.ID, "deleverage", a.Reason)
		return e.deleverage(ctx, snap, a)
	case model.ActionUnwind:
		alert.Emit(e.alerts, alert.SevCritical, e.vault.ID, "risk_unwind", a.Reason)
		report := e.Unwind(ctx, snap)
		if !report.Success {
			return apperrors.Newf(apperrors.ErrInternal, "unwind for %s partially failed", e.vault.ID)
		}
		return nil
	}
	return nil
}

// rebalance converges aggregate short onto vault long. Opens go through the
// depth-proportional router; closes reduce existing shorts pro-rata so a
// flat venue is never bought into a long. A venue under warn CR with the
// aggregate already in band still gets relief: exposure shifts off the weak
// leg at half the deleverage fraction.
func (e *Engine) rebalance(ctx context.Context, snap *model.Snapshot, a model.Assessment) error {
	delta := a.TargetDelta
	if delta.IsZero() {
		if a.OffendingVenue != "" {
			return e.shiftExposure(ctx, snap, a.OffendingVenue, e.vault.Policy.DeleverageFrac/2)
		}
		return nil
	}

	if delta.IsNegative() {
		return e.closeShorts(ctx, snap, delta.Neg())
	}
	return e.openShorts(ctx, snap, delta)
}

func (e *Engine) openShorts(ctx context.Context, snap *model.Snapshot, target decimal.Decimal) error {
	// The pause may have landed after the snapshot; never open against a
	// paused vault.
	paused, err := e.chain.VaultPaused(ctx, e.vaultAddr)
	if err != nil {
		return err
	}
	if paused {
		e.log.Warn("vault paused mid-cycle, holding new opens")
		return nil
	}

	plan, err := router.Plan(router.Input{
		Symbol:     e.vault.HedgeSymbol,
		Side:       model.SideSell,
		TargetSize: target,
		Venues:     e.routerVenues(ctx, snap),
	})
	if err != nil {
		return err
	}
	return e.executePlan(ctx, plan, model.SideSell)
}

// routerVenues assembles the router's per-venue inputs: fresh order books
// for depth-capable venues plus the equity headroom numbers from the
// snapshot. A book fetch failure degrades the venue to zero depth.
func (e *Engine) routerVenues(ctx context.Context, snap *model.Snapshot) []router.VenueDepth {
	adapters := e.agg.Adapters()
	out := make([]router.VenueDepth, 0, len(adapters))

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, a := range adapters {
		vd := router.VenueDepth{
			VenueID:       a.ID(),
			Equity:        snap.VenueEquities[a.ID()],
			PositionValue: snap.PositionOn(a.ID()).Size.Abs().Mul(snap.MarkPrice),
		}
		if !a.Capabilities().Has(model.CapOrderBookDepth) {
			mu.Lock()
			out = append(out, vd)
			mu.Unlock()
			continue
		}
		vd.HasDepth = true
		wg.Add(1)
		go func(a venue.Adapter, vd router.VenueDepth) {
			defer wg.Done()
			book, err := a.OrderBook(ctx, e.vault.HedgeSymbol)
			if err != nil {
				e.log.Warn("order book fetch failed", "venue", a.ID(), "error", err)
			} else {
				vd.Book = book
			}
			mu.Lock()
			out = append(out, vd)
			mu.Unlock()
		}(a, vd)
	}
	wg.Wait()
	return out
}

// closeShorts buys back target contracts distributed pro-rata over current
// short sizes.
func (e *Engine) closeShorts(ctx context.Context, snap *model.Snapshot, target decimal.Decimal) error {
	totalShort := snap.AggregateShortSize
	if totalShort.IsZero() {
		return nil
	}
	if target.GreaterThan(totalShort) {
		target = totalShort
	}

	plan := make(map[string]decimal.Decimal)
	for _, p := range snap.Positions {
		if !p.Size.IsNegative() {
			continue
		}
		share := target.Mul(p.Size.Neg()).Div(totalShort).Round(8)
		if share.IsPositive() {
			plan[p.VenueID] = share
		}
	}
	return e.executePlan(ctx, plan, model.SideBuy)
}

// executePlan submits every slice concurrently. A slice that fails after
// retries stays unfilled; the residual delta surfaces again next cycle
// rather than being forced through a failing venue.
func (e *Engine) executePlan(ctx context.Context, plan map[string]decimal.Decimal, side model.Side) error {
	var wg sync.WaitGroup
	errsCh := make(chan error, len(plan))
	for venueID, size := range plan {
		if !size.IsPositive() {
			continue
		}
		a, ok := e.agg.Adapter(venueID)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(a venue.Adapter, size decimal.Decimal) {
			defer wg.Done()
			if err := e.submitWithRetry(ctx, a, size, side); err != nil {
				e.log.Warn("slice unfilled, deferring residual",
					"venue", a.ID(), "size", size, "error", err)
				errsCh <- err
			}
		}(a, size)
	}
	wg.Wait()
	close(errsCh)

	var errs []error
	for err := range errsCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// submitWithRetry retries transient venue failures on a short fixed ladder.
// Non-transient classes fail immediately: a margin rejection will not heal
// in a second.
func (e *Engine) submitWithRetry(ctx context.Context, a venue.Adapter, size decimal.Decimal, side model.Side) error {
	backoffs := []time.Duration{0, 500 * time.Millisecond, time.Second}
	var err error
	for _, wait := range backoffs {
		if wait > 0 {
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}
		}
		err = a.Submit(ctx, e.vault.HedgeSymbol, size, side)
		if err == nil {
			metrics.OrdersTotal.WithLabelValues(a.ID(), "ok").Inc()
			return nil
		}
		if !apperrors.IsTransient(err) {
			break
		}
	}
	metrics.OrdersTotal.WithLabelValues(a.ID(), "failed").Inc()
	return err
}

// deleverage trims the offending venue by the policy fraction and re-opens
// the same exposure on the healthiest venue, keeping the aggregate hedge
// intact while margin moves away from the weak leg.
func (e *Engine) deleverage(ctx context.Context, snap *model.Snapshot, a model.Assessment) error {
	offender := a.OffendingVenue
	if offender == "" {
		offender, _, _ = venue.WeakestVenue(snap)
	}
	return e.shiftExposure(ctx, snap, offender, e.vault.Policy.DeleverageFrac)
}

// shiftExposure moves frac of the offender's position onto the healthiest
// venue, same size both legs so the aggregate delta never moves.
func (e *Engine) shiftExposure(ctx context.Context, snap *model.Snapshot, offender string, frac float64) error {
	pos := snap.PositionOn(offender)
	if pos.Size.IsZero() {
		return nil
	}

	trim := pos.Size.Abs().Mul(decimal.NewFromFloat(frac)).Round(8)
	if !trim.IsPositive() {
		return nil
	}

	adapter, ok := e.agg.Adapter(offender)
	if !ok {
		return apperrors.Newf(apperrors.ErrInternal, "no adapter for venue %s", offender)
	}

	closeSide := model.SideBuy
	reopenSide := model.SideSell
	if pos.Size.IsPositive() {
		closeSide = model.SideSell
		reopenSide = model.SideBuy
	}

	if err := e.submitWithRetry(ctx, adapter, trim, closeSide); err != nil {
		return err
	}

	dest, ok := venue.HealthiestVenue(snap, offender)
	if !ok {
		// Nowhere to shift: the hedge shrank, the delta bound picks the
		// shortfall up next cycle.
		e.log.Warn("no destination venue for shift, hedge reduced", "trimmed", trim)
		return nil
	}
	destAdapter, ok := e.agg.Adapter(dest)
	if !ok {
		return apperrors.Newf(apperrors.ErrInternal, "no adapter for venue %s", dest)
	}
	if err := e.submitWithRetry(ctx, destAdapter, trim, reopenSide); err != nil {
		return err
	}
	e.log.Info("exposure shifted", "from", offender, "to", dest, "size", trim)
	return nil
}

// drawInsurance claims from the insurance fund to cover sustained funding
// outflows, bounded by the per-draw cooldown and the daily cap.
func (e *Engine) drawInsurance(ctx context.Context, snap *model.Snapshot) error {
	pol := e.vault.Policy
	if pol.InsuranceDrawCap <= 0 {
		return nil
	}

	last, err := e.insurance.LastDraw(ctx, e.vault.ID)
	if err != nil {
		return err
	}
	if !last.IsZero() && time.Since(last) < pol.InsuranceCooldown {
		metrics.InsuranceDraws.WithLabelValues(e.vault.ID, "cooldown").Inc()
		return nil
	}
	drawn, err := e.insurance.DrawnToday(ctx, e.vault.ID)
	if err != nil {
		return err
	}
	capUSD := decimal.NewFromFloat(pol.InsuranceDrawCap)
	headroom := capUSD.Sub(drawn)
	if !headroom.IsPositive() {
		metrics.InsuranceDraws.WithLabelValues(e.vault.ID, "capped").Inc()
		return nil
	}

	// One funding period's cost on the current short notional.
	worst := decimal.Zero
	for _, r := range snap.FundingRates {
		if r.LessThan(worst) {
			worst = r
		}
	}
	costUSD := worst.Neg().Mul(snap.AggregateShortSize).Mul(snap.MarkPrice)
	if !costUSD.IsPositive() {
		return nil
	}
	if costUSD.GreaterThan(headroom) {
		costUSD = headroom
	}
	if snap.MarkPrice.IsZero() {
		return nil
	}
	units := costUSD.Div(snap.MarkPrice).Round(8)

	txHash, err := e.chain.DrawInsurance(ctx, e.vaultAddr, units)
	if err != nil {
		metrics.InsuranceDraws.WithLabelValues(e.vault.ID, "failed").Inc()
		if apperrors.TypeOf(err) == apperrors.ErrInsuranceExhausted {
			alert.Emit(e.alerts, alert.SevCritical, e.vault.ID, "insurance",
				"insurance fund exhausted")
		}
		return err
	}
	metrics.InsuranceDraws.WithLabelValues(e.vault.ID, "ok").Inc()
	if err := e.insurance.RecordDraw(ctx, e.vault.ID, costUSD, time.Now().UTC()); err != nil {
		e.log.Warn("insurance draw ledger write failed", "error", err)
	}
	e.log.Info("insurance draw submitted", "amount_usd", costUSD, "tx", txHash.Hex())
	return nil
}

// attest signs and publishes the hourly reserve attestation.
func (e *Engine) attest(ctx context.Context) {
	if e.signer == nil {
		return
	}
	raw, err := e.chain.VaultAssetsRaw(ctx, e.vaultAddr)
	if err != nil {
		e.log.Warn("attestation read failed", "error", err)
		return
	}
	att, err := e.signer.Sign(e.vaultAddr, raw, time.Now().UTC())
	if err != nil {
		e.log.Error("attestation sign failed", "error", err)
		return
	}
	txHash, err := e.chain.SubmitAttestation(ctx, e.vaultAddr, att.TotalAssets, att.TS, att.Signature)
	if err != nil {
		e.log.Warn("attestation submit failed", "error", err)
		return
	}
	e.log.Info("reserve attestation published", "tx", txHash.Hex())
}

func (e *Engine) dailyReport() {
	if e.recorder == nil {
		return
	}
	records, err := e.recorder.Load()
	if err != nil {
		e.log.Warn("perf series load failed", "error", err)
		return
	}
	rep := perf.BuildReport(records)
	e.log.Info("daily performance report",
		"samples", rep.Samples,
		"total_pnl_usd", rep.TotalPnL,
		"sharpe", rep.Sharpe,
		"sortino", rep.Sortino,
		"max_drawdown", rep.MaxDrawdown,
	)
}

func (e *Engine) recordCycle(snap *model.Snapshot, a model.Assessment, started time.Time) {
	metrics.CyclesTotal.WithLabelValues(e.vault.ID, string(a.Action)).Inc()
	metrics.CycleSeconds.WithLabelValues(e.vault.ID).Observe(time.Since(started).Seconds())

	e.statusMu.Lock()
	e.lastAction = a.Action
	e.lastReason = a.Reason
	e.lastCycle = time.Now().UTC()
	e.statusMu.Unlock()

	if e.recorder != nil {
		pnl := decimal.Zero
		if e.haveEquity {
			pnl = snap.AggregateEquity.Sub(e.prevEquity)
		}
		e.prevEquity = snap.AggregateEquity
		e.haveEquity = true

		worstFunding := decimal.Zero
		for _, r := range snap.FundingRates {
			if r.LessThan(worstFunding) {
				worstFunding = r
			}
		}
		rec := model.PerformanceRecord{
			TS:          snap.TakenAt,
			PnLUSD:      pnl,
			TVLUSD:      snap.VaultAssets.Mul(snap.MarkPrice),
			FundingRate: worstFunding,
		}
		if err := e.recorder.Record(rec); err != nil {
			e.log.Warn("perf record failed", "error", err)
		}
	}
}

// Status is the control-surface view of one instance.
type Status struct {
	VaultID    string              `json:"vault_id"`
	LastAction model.RiskAction    `json:"last_action"`
	LastReason string              `json:"last_reason"`
	LastCycle  time.Time           `json:"last_cycle"`
	Breaker    model.BreakerState  `json:"breaker"`
	Venues     []model.VenueHandle `json:"venues"`
}

func (e *Engine) Status() Status {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return Status{
		VaultID:    e.vault.ID,
		LastAction: e.lastAction,
		LastReason: e.lastReason,
		LastCycle:  e.lastCycle,
		Breaker:    e.risk.Breaker().State(),
		Venues:     e.agg.Handles(),
	}
}

// AckBreaker is the operator acknowledgement path, tripped to cooling only.
func (e *Engine) AckBreaker() error {
	if err := e.risk.Breaker().Ack(); err != nil {
		return err
	}
	alert.Emit(e.alerts, alert.SevWarn, e.vault.ID, "breaker", "breaker acknowledged, cooling")
	return nil
}

// ManualUnwind runs the full unwind sequence on operator demand, under the
// cycle lock so it never races a rebalance.
func (e *Engine) ManualUnwind(ctx context.Context) (UnwindReport, error) {
	if !e.cycleMu.TryLock() {
		return UnwindReport{}, ErrBusy
	}
	defer e.cycleMu.Unlock()

	snap, err := e.snapshot(ctx)
	if err != nil {
		return UnwindReport{}, err
	}
	return e.Unwind(ctx, snap), nil
}
