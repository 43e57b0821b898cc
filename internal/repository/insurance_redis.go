package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RedisInsuranceLedger shares the draw ledger across restarts and across
// orchestrator-managed instances pointing at the same vault.
type RedisInsuranceLedger struct {
	client *redis.Client
}

func NewRedisInsuranceLedger(addr, password string, db int) (*RedisInsuranceLedger, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisInsuranceLedger{client: client}, nil
}

func lastKey(vaultID string) string {
	return "insurance:last:" + vaultID
}

func dailyKey(vaultID string, at time.Time) string {
	return "insurance:daily:" + vaultID + ":" + at.UTC().Format("2006-01-02")
}

func (s *RedisInsuranceLedger) LastDraw(ctx context.Context, vaultID string) (time.Time, error) {
	val, err := s.client.Get(ctx, lastKey(vaultID)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	unix, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, nil
	}
	return time.Unix(unix, 0).UTC(), nil
}

func (s *RedisInsuranceLedger) DrawnToday(ctx context.Context, vaultID string) (decimal.Decimal, error) {
	val, err := s.client.Get(ctx, dailyKey(vaultID, time.Now())).Result()
	if err == redis.Nil {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, nil
	}
	return d, nil
}

func (s *RedisInsuranceLedger) RecordDraw(ctx context.Context, vaultID string, amountUSD decimal.Decimal, at time.Time) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, lastKey(vaultID), strconv.FormatInt(at.Unix(), 10), 48*time.Hour)
	amt, _ := amountUSD.Float64()
	key := dailyKey(vaultID, at)
	pipe.IncrByFloat(ctx, key, amt)
	pipe.Expire(ctx, key, 48*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}
