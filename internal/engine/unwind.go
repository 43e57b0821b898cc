package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/basislab/hedgecore/internal/alert"
	"github.com/basislab/hedgecore/internal/model"
	"github.com/basislab/hedgecore/internal/pkg/metrics"
	"github.com/basislab/hedgecore/internal/venue"
)

type StageOutcome string

const (
	StageSuccess StageOutcome = "success"
	StageFailed  StageOutcome = "failed"
	StageSkipped StageOutcome = "skipped"
)

type StageResult struct {
	Stage   string       `json:"stage"`
	Outcome StageOutcome `json:"outcome"`
	Detail  string       `json:"detail,omitempty"`
}

// UnwindReport records what each stage achieved. Success means every stage
// succeeded or was a no-op; anything less is a partial unwind demanding
// manual intervention.
type UnwindReport struct {
	VaultID string        `json:"vault_id"`
	Stages  []StageResult `json:"stages"`
	Success bool          `json:"success"`
	TS      time.Time     `json:"ts"`
}

// Unwind flattens everything: pause the vault with the emergency gas
// premium, cancel all resting orders, then market-close every position.
// Every stage is attempted regardless of earlier failures; a dead chain must
// not stop the venue closes and vice versa. Calling it on a paused, flat
// vault is an idempotent no-op.
func (e *Engine) Unwind(ctx context.Context, snap *model.Snapshot) UnwindReport {
	report := UnwindReport{VaultID: e.vault.ID, TS: time.Now().UTC()}

	alert.Emit(e.alerts, alert.SevCritical, e.vault.ID, "unwind", "emergency unwind started")

	report.Stages = append(report.Stages, e.stagePause(ctx, snap))
	report.Stages = append(report.Stages, e.stageCancelAll(ctx))
	report.Stages = append(report.Stages, e.stageClosePositions(ctx, snap))

	report.Success = true
	for _, st := range report.Stages {
		metrics.UnwindStages.WithLabelValues(st.Stage, string(st.Outcome)).Inc()
		alert.Emit(e.alerts, alert.SevCritical, e.vault.ID, "unwind_stage",
			fmt.Sprintf("stage %s: %s %s", st.Stage, st.Outcome, st.Detail))
		if st.Outcome == StageFailed {
			report.Success = false
		}
	}

	if report.Success {
		alert.Emit(e.alerts, alert.SevCritical, e.vault.ID, "unwind", "emergency unwind complete")
	} else {
		alert.Emit(e.alerts, alert.SevCritical, e.vault.ID, "unwind",
			"emergency unwind partially failed - manual intervention required")
	}
	return report
}

func (e *Engine) stagePause(ctx context.Context, snap *model.Snapshot) StageResult {
	res := StageResult{Stage: "pause_vault"}
	if snap.VaultPaused {
		res.Outcome = StageSkipped
		res.Detail = "already paused"
		return res
	}
	txHash, err := e.chain.PauseVault(ctx, e.vaultAddr)
	if err != nil {
		res.Outcome = StageFailed
		res.Detail = err.Error()
		return res
	}
	res.Outcome = StageSuccess
	res.Detail = "tx " + txHash.Hex()
	return res
}

func (e *Engine) stageCancelAll(ctx context.Context) StageResult {
	res := StageResult{Stage: "cancel_orders"}

	var wg sync.WaitGroup
	errsCh := make(chan string, len(e.agg.Adapters()))
	for _, a := range e.agg.Adapters() {
		if !a.Capabilities().Has(model.CapCancelAll) {
			continue
		}
		wg.Add(1)
		go func(a venue.Adapter) {
			defer wg.Done()
			if err := a.CancelAll(ctx, e.vault.HedgeSymbol); err != nil {
				errsCh <- fmt.Sprintf("%s: %v", a.ID(), err)
			}
		}(a)
	}
	wg.Wait()
	close(errsCh)

	var fails []string
	for msg := range errsCh {
		fails = append(fails, msg)
	}
	if len(fails) > 0 {
		res.Outcome = StageFailed
		res.Detail = strings.Join(fails, "; ")
		return res
	}
	res.Outcome = StageSuccess
	return res
}

func (e *Engine) stageClosePositions(ctx context.Context, snap *model.Snapshot) StageResult {
	res := StageResult{Stage: "close_positions"}

	open := make([]model.Position, 0, len(snap.Positions))
	for _, p := range snap.Positions {
		if !p.Size.IsZero() {
			open = append(open, p)
		}
	}
	if len(open) == 0 {
		res.Outcome = StageSkipped
		res.Detail = "all venues flat"
		return res
	}

	var wg sync.WaitGroup
	errsCh := make(chan string, len(open))
	for _, p := range open {
		wg.Add(1)
		go func(p model.Position) {
			defer wg.Done()
			a, ok := e.agg.Adapter(p.VenueID)
			if !ok {
				errsCh <- p.VenueID + ": no adapter"
				return
			}
			side := model.SideBuy
			if p.Size.IsPositive() {
				side = model.SideSell
			}
			if err := e.submitWithRetry(ctx, a, p.Size.Abs(), side); err != nil {
				errsCh <- fmt.Sprintf("%s: %v", p.VenueID, err)
			}
		}(p)
	}
	wg.Wait()
	close(errsCh)

	var fails []string
	for msg := range errsCh {
		fails = append(fails, msg)
	}
	if len(fails) > 0 {
		res.Outcome = StageFailed
		res.Detail = strings.Join(fails, "; ")
		return res
	}
	res.Outcome = StageSuccess
	res.Detail = fmt.Sprintf("closed %d positions", len(open))
	return res
}
