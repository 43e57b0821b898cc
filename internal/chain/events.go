package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/basislab/hedgecore/internal/model"
	"github.com/basislab/hedgecore/internal/pkg/apperrors"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// Subscription is one live vault-event stream. Errors terminate the stream;
// the listener owns reconnect and replay.
type Subscription struct {
	Events <-chan model.VaultEvent
	Errs   <-chan error
	cancel context.CancelFunc
}

func (s *Subscription) Close() {
	s.cancel()
}

func (a *Adapter) vaultTopics() [][]common.Hash {
	return [][]common.Hash{{
		a.vaultABI.Events["Deposit"].ID,
		a.vaultABI.Events["Withdraw"].ID,
		a.vaultABI.Events["Paused"].ID,
		a.vaultABI.Events["Unpaused"].ID,
	}}
}

// SubscribeVaultEvents opens a log subscription for the vault's Deposit,
// Withdraw, Paused and Unpaused events. Requires a ws endpoint.
func (a *Adapter) SubscribeVaultEvents(ctx context.Context, vault common.Address) (*Subscription, error) {
	if a.wsClient == nil {
		return nil, apperrors.Newf(apperrors.ErrConfig, "chain %s has no ws endpoint", a.tag)
	}

	subCtx, cancel := context.WithCancel(ctx)
	logsCh := make(chan types.Log, 64)
	sub, err := a.wsClient.SubscribeFilterLogs(subCtx, ethereum.FilterQuery{
		Addresses: []common.Address{vault},
		Topics:    a.vaultTopics(),
	}, logsCh)
	if err != nil {
		cancel()
		return nil, apperrors.New(apperrors.ErrChainError, "subscribe logs", err)
	}

	events := make(chan model.VaultEvent, 64)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		defer sub.Unsubscribe()
		for {
			select {
			case <-subCtx.Done():
				return
			case err := <-sub.Err():
				errs <- apperrors.New(apperrors.ErrChainError, "subscription lost", err)
				return
			case lg := <-logsCh:
				if ev, ok := a.decodeVaultLog(ctx, vault, lg); ok {
					events <- ev
				}
			}
		}
	}()

	return &Subscription{Events: events, Errs: errs, cancel: cancel}, nil
}

// ReplayVaultEvents fetches the missed block range after a reconnect.
func (a *Adapter) ReplayVaultEvents(ctx context.Context, vault common.Address, from, to uint64) ([]model.VaultEvent, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		Addresses: []common.Address{vault},
		Topics:    a.vaultTopics(),
	}
	if to > 0 {
		query.ToBlock = new(big.Int).SetUint64(to)
	}
	logs, err := a.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrChainError, "filter logs", err)
	}
	out := make([]model.VaultEvent, 0, len(logs))
	for _, lg := range logs {
		if ev, ok := a.decodeVaultLog(ctx, vault, lg); ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

// BlockNumber returns the current head for replay bookkeeping.
func (a *Adapter) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := a.client.BlockNumber(ctx)
	if err != nil {
		return 0, apperrors.New(apperrors.ErrChainError, "block number", err)
	}
	return n, nil
}

func (a *Adapter) decodeVaultLog(ctx context.Context, vault common.Address, lg types.Log) (model.VaultEvent, bool) {
	if len(lg.Topics) == 0 || lg.Removed {
		return model.VaultEvent{}, false
	}

	ev := model.VaultEvent{
		Vault:  vault.Hex(),
		Block:  lg.BlockNumber,
		TxHash: lg.TxHash.Hex(),
		TS:     time.Now().UTC(),
	}

	switch lg.Topics[0] {
	case a.vaultABI.Events["Deposit"].ID:
		ev.Kind = model.VaultDeposit
		ev.Amount = a.decodeAssets(ctx, vault, "Deposit", lg.Data)
	case a.vaultABI.Events["Withdraw"].ID:
		ev.Kind = model.VaultWithdraw
		ev.Amount = a.decodeAssets(ctx, vault, "Withdraw", lg.Data)
	case a.vaultABI.Events["Paused"].ID:
		ev.Kind = model.VaultPausedEv
	case a.vaultABI.Events["Unpaused"].ID:
		ev.Kind = model.VaultUnpaused
	default:
		return model.VaultEvent{}, false
	}
	return ev, true
}

// decodeAssets pulls the assets field out of Deposit/Withdraw data and
// scales it to underlying units. Best effort: a decode failure yields zero,
// the rebalance still fires.
func (a *Adapter) decodeAssets(ctx context.Context, vault common.Address, event string, data []byte) decimal.Decimal {
	vals, err := a.vaultABI.Events[event].Inputs.NonIndexed().Unpack(data)
	if err != nil || len(vals) == 0 {
		return decimal.Zero
	}
	assets, ok := vals[0].(*big.Int)
	if !ok {
		return decimal.Zero
	}
	dec, err := a.vaultDecimals(ctx, vault)
	if err != nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(assets, -dec)
}
