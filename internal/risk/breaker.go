package risk

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basislab/hedgecore/internal/model"
	"github.com/basislab/hedgecore/internal/pkg/apperrors"
	"github.com/basislab/hedgecore/internal/pkg/metrics"
	"github.com/shopspring/decimal"
)

// BreakerStore owns the persistent P&L circuit breaker for one vault.
// Mutated only by the risk engine inside the owning Engine; persisted
// write-temp-then-rename after every update so a crash never leaves a torn
// file. On recovery the peak continues monotonically from disk.
type BreakerStore struct {
	path string

	mu    sync.Mutex
	state model.BreakerState
}

func breakerPath(stateDir, vaultID string) string {
	return filepath.Join(stateDir, vaultID, "breaker.json")
}

// OpenBreakerStore loads or initializes the breaker file. A corrupted file
// is an integrity error: the affected loop refuses to start.
func OpenBreakerStore(stateDir, vaultID string, startingEquity decimal.Decimal) (*BreakerStore, error) {
	path := breakerPath(stateDir, vaultID)
	s := &BreakerStore{path: path}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &s.state); err != nil {
			return nil, apperrors.New(apperrors.ErrIntegrity, "breaker file corrupted: "+path, err)
		}
		if s.state.VaultID != vaultID {
			return nil, apperrors.Newf(apperrors.ErrIntegrity,
				"breaker file %s belongs to vault %s", path, s.state.VaultID)
		}
	case os.IsNotExist(err):
		s.state = model.BreakerState{
			VaultID:        vaultID,
			StartingEquity: startingEquity,
			LastResetTS:    midnightUTC(time.Now()),
			PeakEquity:     startingEquity,
			Phase:          model.BreakerArmed,
		}
		if err := s.persist(); err != nil {
			return nil, err
		}
	default:
		return nil, apperrors.New(apperrors.ErrIntegrity, "breaker file unreadable: "+path, err)
	}

	s.export()
	return s, nil
}

func (s *BreakerStore) State() model.BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Update runs the breaker rules for one snapshot, before action selection:
// roll the daily window at 00:00 UTC, bump the peak monotonically, accrue
// realized P&L, then promote to tripped when hard-loss or drawdown is
// breached. Returns the post-update state.
func (s *BreakerStore) Update(equity, realizedDelta decimal.Decimal, now time.Time, pol model.Policy) (model.BreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if midnight := midnightUTC(now); midnight.After(s.state.LastResetTS) {
		s.state.DailyRealizedPnL = decimal.Zero
		s.state.LastResetTS = midnight
		// A cooling breaker re-arms with the new day.
		if s.state.Phase == model.BreakerCooling {
			s.state.Phase = model.BreakerArmed
			s.state.TrippedReason = ""
		}
	}

	if equity.GreaterThan(s.state.PeakEquity) {
		s.state.PeakEquity = equity
	}
	s.state.DailyRealizedPnL = s.state.DailyRealizedPnL.Add(realizedDelta)

	if s.state.Phase == model.BreakerArmed {
		if pol.DailyHardLossUSD > 0 &&
			s.state.DailyRealizedPnL.LessThanOrEqual(decimal.NewFromFloat(-pol.DailyHardLossUSD)) {
			s.state.Phase = model.BreakerTripped
			s.state.TrippedReason = "daily hard loss"
		} else if pol.MaxDrawdown > 0 && s.state.PeakEquity.IsPositive() {
			dd := s.state.PeakEquity.Sub(equity).Div(s.state.PeakEquity)
			if dd.GreaterThanOrEqual(decimal.NewFromFloat(pol.MaxDrawdown)) {
				s.state.Phase = model.BreakerTripped
				s.state.TrippedReason = "max drawdown"
			}
		}
	}

	if err := s.persist(); err != nil {
		return s.state, err
	}
	s.export()
	return s.state, nil
}

// Ack is the operator acknowledgement: the only exit from tripped, and it
// only goes to cooling.
func (s *BreakerStore) Ack() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Phase != model.BreakerTripped {
		return apperrors.Newf(apperrors.ErrConfig, "breaker for %s is %s, not tripped",
			s.state.VaultID, s.state.Phase)
	}
	s.state.Phase = model.BreakerCooling
	if err := s.persist(); err != nil {
		return err
	}
	s.export()
	return nil
}

// persist writes the state atomically. Caller holds the lock.
func (s *BreakerStore) persist() error {
	raw, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *BreakerStore) export() {
	var v float64
	switch s.state.Phase {
	case model.BreakerTripped:
		v = 1
	case model.BreakerCooling:
		v = 2
	}
	metrics.BreakerState.WithLabelValues(s.state.VaultID).Set(v)
}

func midnightUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
