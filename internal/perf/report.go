package perf

import (
	"math"

	"github.com/basislab/hedgecore/internal/model"
)

// Report summarizes a performance series. Ratios are per-sample (not
// annualized); the alert consumer knows the sampling cadence.
type Report struct {
	Samples     int     `json:"samples"`
	TotalPnL    float64 `json:"total_pnl_usd"`
	Sharpe      float64 `json:"sharpe"`
	Sortino     float64 `json:"sortino"`
	MaxDrawdown float64 `json:"max_drawdown"`
}

// BuildReport computes Sharpe, Sortino and max drawdown over per-record
// returns (pnl / tvl). Fewer than two samples yields zero ratios.
func BuildReport(records []model.PerformanceRecord) Report {
	rep := Report{Samples: len(records)}
	if len(records) == 0 {
		return rep
	}

	returns := make([]float64, 0, len(records))
	for _, rec := range records {
		pnl, _ := rec.PnLUSD.Float64()
		tvl, _ := rec.TVLUSD.Float64()
		rep.TotalPnL += pnl
		if tvl > 0 {
			returns = append(returns, pnl/tvl)
		}
	}
	if len(returns) < 2 {
		return rep
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	downVariance := 0.0
	downCount := 0
	for _, r := range returns {
		dev := r - mean
		variance += dev * dev
		if r < 0 {
			downVariance += r * r
			downCount++
		}
	}
	variance /= float64(len(returns) - 1)

	if sd := math.Sqrt(variance); sd > 0 {
		rep.Sharpe = mean / sd
	}
	if downCount > 0 {
		if dsd := math.Sqrt(downVariance / float64(downCount)); dsd > 0 {
			rep.Sortino = mean / dsd
		}
	}

	// Max drawdown over the cumulative equity curve.
	equity := 0.0
	peak := 0.0
	for _, rec := range records {
		pnl, _ := rec.PnLUSD.Float64()
		equity += pnl
		if equity > peak {
			peak = equity
		}
		base, _ := rec.TVLUSD.Float64()
		if base <= 0 {
			continue
		}
		if dd := (peak - equity) / base; dd > rep.MaxDrawdown {
			rep.MaxDrawdown = dd
		}
	}
	return rep
}
