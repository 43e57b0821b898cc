package repository

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// InsuranceLedger tracks insurance-fund draws per vault so WARN handling can
// enforce the per-period cooldown and daily cap. Redis when configured,
// in-memory otherwise.
type InsuranceLedger interface {
	LastDraw(ctx context.Context, vaultID string) (time.Time, error)
	DrawnToday(ctx context.Context, vaultID string) (decimal.Decimal, error)
	RecordDraw(ctx context.Context, vaultID string, amountUSD decimal.Decimal, at time.Time) error
}

type MemoryInsuranceLedger struct {
	mu    sync.RWMutex
	last  map[string]time.Time
	daily map[string]decimal.Decimal // vaultID:YYYY-MM-DD
}

func NewMemoryInsuranceLedger() *MemoryInsuranceLedger {
	return &MemoryInsuranceLedger{
		last:  make(map[string]time.Time),
		daily: make(map[string]decimal.Decimal),
	}
}

func dayKey(vaultID string, at time.Time) string {
	return vaultID + ":" + at.UTC().Format("2006-01-02")
}

func (s *MemoryInsuranceLedger) LastDraw(_ context.Context, vaultID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last[vaultID], nil
}

func (s *MemoryInsuranceLedger) DrawnToday(_ context.Context, vaultID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.daily[dayKey(vaultID, time.Now())], nil
}

func (s *MemoryInsuranceLedger) RecordDraw(_ context.Context, vaultID string, amountUSD decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[vaultID] = at
	key := dayKey(vaultID, at)
	s.daily[key] = s.daily[key].Add(amountUSD)
	return nil
}
