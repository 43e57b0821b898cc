package chain

import (
	"context"
	"math/big"

	"github.com/basislab/hedgecore/internal/pkg/apperrors"
)

// gasPrices computes EIP-1559 (tip, feeCap).
//
// Normal path: feeCap = 2*baseFee + suggested tip, enough headroom to ride
// out one full base-fee doubling. Emergency path (vault pause, unwind):
// tip is tripled and feeCap = 3*baseFee + tip, a >=1.5x premium over the
// normal budget so the pause lands ahead of whatever is moving the market.
func (a *Adapter) gasPrices(ctx context.Context, emergency bool) (*big.Int, *big.Int, error) {
	head, err := a.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, apperrors.New(apperrors.ErrChainError, "fetch head", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}

	tip, err := a.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, apperrors.New(apperrors.ErrChainError, "suggest tip", err)
	}

	mult := big.NewInt(2)
	if emergency {
		mult = big.NewInt(3)
		tip = new(big.Int).Mul(tip, big.NewInt(3))
	}

	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, mult), tip)
	return tip, feeCap, nil
}
