package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/basislab/hedgecore/internal/pkg/apperrors"
	"github.com/basislab/hedgecore/internal/pkg/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

const vaultABIJSON = `[
	{"name":"totalAssets","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint8"}]},
	{"name":"paused","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"bool"}]},
	{"name":"getHealthFactor","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"name":"pause","type":"function","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"event","name":"Deposit","inputs":[{"name":"sender","type":"address","indexed":true},{"name":"owner","type":"address","indexed":true},{"name":"assets","type":"uint256","indexed":false},{"name":"shares","type":"uint256","indexed":false}]},
	{"type":"event","name":"Withdraw","inputs":[{"name":"sender","type":"address","indexed":true},{"name":"receiver","type":"address","indexed":true},{"name":"owner","type":"address","indexed":true},{"name":"assets","type":"uint256","indexed":false},{"name":"shares","type":"uint256","indexed":false}]},
	{"type":"event","name":"Paused","inputs":[{"name":"account","type":"address","indexed":false}]},
	{"type":"event","name":"Unpaused","inputs":[{"name":"account","type":"address","indexed":false}]}
]`

const insuranceABIJSON = `[
	{"name":"claim","type":"function","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}
]`

const attestationABIJSON = `[
	{"name":"submitAttestation","type":"function","stateMutability":"nonpayable","inputs":[{"name":"vault","type":"address"},{"name":"totalAssets","type":"uint256"},{"name":"ts","type":"uint256"},{"name":"signature","type":"bytes"}],"outputs":[]}
]`

// Adapter is the uniform contract over one EVM chain. One adapter per chain
// tag; all vault addresses come from config, never from constants.
type Adapter struct {
	tag           string
	client        *ethclient.Client
	wsClient      *ethclient.Client
	privateClient *ethclient.Client
	chainID       *big.Int
	key           *ecdsa.PrivateKey
	from          common.Address

	vaultABI       abi.ABI
	insuranceABI   abi.ABI
	attestationABI abi.ABI

	insuranceAddr   common.Address
	attestationAddr common.Address

	confirm time.Duration

	mu       sync.Mutex
	decimals map[common.Address]int32
}

type Options struct {
	Tag                 string
	RPCURL              string
	WSURL               string
	PrivateRPCURL       string
	ChainID             int64
	PrivateKeyHex       string
	InsuranceFund       string
	AttestationContract string
	ConfirmTimeout      time.Duration
}

func Dial(ctx context.Context, opts Options) (*Adapter, error) {
	if opts.PrivateKeyHex == "" {
		return nil, apperrors.Newf(apperrors.ErrMissingCredentials, "chain %s: signer key required", opts.Tag)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(opts.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, apperrors.New(apperrors.ErrMissingCredentials, "invalid signer key", err)
	}

	client, err := ethclient.DialContext(ctx, opts.RPCURL)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrChainError, "dial rpc", err)
	}

	var wsClient *ethclient.Client
	if opts.WSURL != "" {
		wsClient, err = ethclient.DialContext(ctx, opts.WSURL)
		if err != nil {
			return nil, apperrors.New(apperrors.ErrChainError, "dial ws rpc", err)
		}
	}

	var privateClient *ethclient.Client
	if opts.PrivateRPCURL != "" {
		privateClient, err = ethclient.DialContext(ctx, opts.PrivateRPCURL)
		if err != nil {
			// Private mempool is preferred, not required.
			logger.Warn("private mempool dial failed, using public only", "chain", opts.Tag, "error", err)
			privateClient = nil
		}
	}

	vaultABI, err := abi.JSON(strings.NewReader(vaultABIJSON))
	if err != nil {
		return nil, err
	}
	insuranceABI, err := abi.JSON(strings.NewReader(insuranceABIJSON))
	if err != nil {
		return nil, err
	}
	attestationABI, err := abi.JSON(strings.NewReader(attestationABIJSON))
	if err != nil {
		return nil, err
	}

	confirm := opts.ConfirmTimeout
	if confirm <= 0 {
		confirm = 2 * time.Minute
	}

	return &Adapter{
		tag:             opts.Tag,
		client:          client,
		wsClient:        wsClient,
		privateClient:   privateClient,
		chainID:         big.NewInt(opts.ChainID),
		key:             key,
		from:            crypto.PubkeyToAddress(key.PublicKey),
		vaultABI:        vaultABI,
		insuranceABI:    insuranceABI,
		attestationABI:  attestationABI,
		insuranceAddr:   common.HexToAddress(opts.InsuranceFund),
		attestationAddr: common.HexToAddress(opts.AttestationContract),
		confirm:         confirm,
		decimals:        make(map[common.Address]int32),
	}, nil
}

func (a *Adapter) Tag() string          { return a.tag }
func (a *Adapter) From() common.Address { return a.from }

func (a *Adapter) callVault(ctx context.Context, vault common.Address, method string, args ...any) ([]any, error) {
	data, err := a.vaultABI.Pack(method, args...)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrChainError, "abi pack "+method, err)
	}
	raw, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &vault, Data: data}, nil)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrChainError, "call "+method, err)
	}
	out, err := a.vaultABI.Unpack(method, raw)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrChainError, "abi unpack "+method, err)
	}
	return out, nil
}

func (a *Adapter) vaultDecimals(ctx context.Context, vault common.Address) (int32, error) {
	a.mu.Lock()
	if d, ok := a.decimals[vault]; ok {
		a.mu.Unlock()
		return d, nil
	}
	a.mu.Unlock()

	out, err := a.callVault(ctx, vault, "decimals")
	if err != nil {
		return 0, err
	}
	d := int32(out[0].(uint8))

	a.mu.Lock()
	a.decimals[vault] = d
	a.mu.Unlock()
	return d, nil
}

// VaultAssets returns totalAssets scaled to underlying units.
func (a *Adapter) VaultAssets(ctx context.Context, vault common.Address) (decimal.Decimal, error) {
	out, err := a.callVault(ctx, vault, "totalAssets")
	if err != nil {
		return decimal.Zero, err
	}
	raw := out[0].(*big.Int)
	dec, err := a.vaultDecimals(ctx, vault)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(raw, -dec), nil
}

// VaultAssetsRaw returns totalAssets in wei-scale units for attestations.
func (a *Adapter) VaultAssetsRaw(ctx context.Context, vault common.Address) (*big.Int, error) {
	out, err := a.callVault(ctx, vault, "totalAssets")
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

func (a *Adapter) VaultPaused(ctx context.Context, vault common.Address) (bool, error) {
	out, err := a.callVault(ctx, vault, "paused")
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

// HealthFactor returns the 1e18 fixed-point health factor. ok is false when
// the vault exposes no getHealthFactor (not a collateralized debt position),
// which callers treat as infinitely healthy.
func (a *Adapter) HealthFactor(ctx context.Context, vault common.Address) (decimal.Decimal, bool, error) {
	out, err := a.callVault(ctx, vault, "getHealthFactor")
	if err != nil {
		// Contracts without the method revert or return empty; either way
		// this is "not a CDP", not a chain failure.
		return decimal.Zero, false, nil
	}
	raw := out[0].(*big.Int)
	return decimal.NewFromBigInt(raw, -18), true, nil
}

// DrawInsurance claims deficitUnits (underlying decimals) from the insurance
// fund to the signer address.
func (a *Adapter) DrawInsurance(ctx context.Context, vault common.Address, deficitUnits decimal.Decimal) (common.Hash, error) {
	dec, err := a.vaultDecimals(ctx, vault)
	if err != nil {
		return common.Hash{}, err
	}
	amount := deficitUnits.Shift(dec).BigInt()
	data, err := a.insuranceABI.Pack("claim", a.from, amount)
	if err != nil {
		return common.Hash{}, apperrors.New(apperrors.ErrChainError, "abi pack claim", err)
	}

	txHash, err := a.Submit(ctx, a.insuranceAddr, data, false)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "exhausted") ||
			strings.Contains(strings.ToLower(err.Error()), "insufficient") {
			return common.Hash{}, apperrors.New(apperrors.ErrInsuranceExhausted, "insurance claim reverted", err)
		}
		return common.Hash{}, err
	}
	a.confirmAsync("insurance claim", txHash)
	return txHash, nil
}

// PauseVault submits vault.pause() with the emergency gas premium and waits
// for the receipt. A pause the chain never mined is not a pause; the caller
// must know before it stands down.
func (a *Adapter) PauseVault(ctx context.Context, vault common.Address) (common.Hash, error) {
	data, err := a.vaultABI.Pack("pause")
	if err != nil {
		return common.Hash{}, apperrors.New(apperrors.ErrChainError, "abi pack pause", err)
	}
	txHash, err := a.Submit(ctx, vault, data, true)
	if err != nil {
		return common.Hash{}, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, a.confirm)
	defer cancel()
	if _, err := a.WaitMined(waitCtx, txHash); err != nil {
		return txHash, err
	}
	return txHash, nil
}

// SubmitAttestation publishes a signed reserve attestation.
func (a *Adapter) SubmitAttestation(ctx context.Context, vault common.Address, totalAssets *big.Int, ts time.Time, sig []byte) (common.Hash, error) {
	data, err := a.attestationABI.Pack("submitAttestation", vault, totalAssets, big.NewInt(ts.Unix()), sig)
	if err != nil {
		return common.Hash{}, apperrors.New(apperrors.ErrChainError, "abi pack submitAttestation", err)
	}
	txHash, err := a.Submit(ctx, a.attestationAddr, data, false)
	if err != nil {
		return common.Hash{}, err
	}
	a.confirmAsync("attestation", txHash)
	return txHash, nil
}

// confirmAsync watches a non-emergency tx to its receipt in the background.
// The submitter already moved on; a dropped or reverted tx is worth a warning,
// not a blocked cycle.
func (a *Adapter) confirmAsync(kind string, txHash common.Hash) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.confirm)
		defer cancel()
		if _, err := a.WaitMined(ctx, txHash); err != nil {
			logger.Warn("tx not confirmed",
				"chain", a.tag, "kind", kind, "tx", txHash.Hex(), "error", err)
		}
	}()
}

// Submit signs and broadcasts an EIP-1559 transaction. Private mempool is
// preferred when configured; public is the fallback.
func (a *Adapter) Submit(ctx context.Context, to common.Address, data []byte, emergency bool) (common.Hash, error) {
	nonce, err := a.client.PendingNonceAt(ctx, a.from)
	if err != nil {
		return common.Hash{}, apperrors.New(apperrors.ErrChainError, "pending nonce", err)
	}

	tip, feeCap, err := a.gasPrices(ctx, emergency)
	if err != nil {
		return common.Hash{}, err
	}

	gasLimit, err := a.client.EstimateGas(ctx, ethereum.CallMsg{From: a.from, To: &to, Data: data})
	if err != nil {
		return common.Hash{}, apperrors.New(apperrors.ErrChainError, "estimate gas", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   a.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit + gasLimit/5,
		To:        &to,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(a.chainID), a.key)
	if err != nil {
		return common.Hash{}, apperrors.New(apperrors.ErrChainError, "sign tx", err)
	}

	if a.privateClient != nil {
		if err := a.privateClient.SendTransaction(ctx, signed); err == nil {
			return signed.Hash(), nil
		} else {
			logger.Warn("private mempool send failed, falling back to public",
				"chain", a.tag, "error", err)
		}
	}
	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, apperrors.New(apperrors.ErrChainError, "send tx", err)
	}
	return signed.Hash(), nil
}

// WaitMined polls for the receipt until ctx expires.
func (a *Adapter) WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		receipt, err := a.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, apperrors.Newf(apperrors.ErrChainError, "tx %s reverted", txHash.Hex())
			}
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, apperrors.New(apperrors.ErrChainError, fmt.Sprintf("tx %s not mined", txHash.Hex()), ctx.Err())
		case <-ticker.C:
		}
	}
}
