package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/basislab/hedgecore/internal/model"
	"github.com/basislab/hedgecore/internal/pkg/apperrors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// Attestation digest layout, all fields 32 bytes:
// keccak256(prefixHash . vault . totalAssets . ts)
var attestationPrefixHash = crypto.Keccak256Hash([]byte("HedgecoreReserveAttestation(address vault,uint256 totalAssets,uint256 ts)"))

// Signer produces signed reserve attestations. Timestamps per vault are
// monotonically non-decreasing; the signer refuses to re-sign the past.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address

	mu       sync.Mutex
	lastSign map[string]time.Time
}

func New(privateKeyHex string) (*Signer, error) {
	if privateKeyHex == "" {
		return nil, apperrors.Newf(apperrors.ErrMissingCredentials, "attestation signer key required")
	}
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrMissingCredentials, "invalid attestation key", err)
	}
	return &Signer{
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		lastSign: make(map[string]time.Time),
	}, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

// Sign binds (vault, totalAssets, ts) to the signer identity.
func (s *Signer) Sign(vault common.Address, totalAssets *big.Int, ts time.Time) (*model.Attestation, error) {
	if totalAssets == nil {
		return nil, fmt.Errorf("totalAssets is required")
	}

	s.mu.Lock()
	if last, ok := s.lastSign[vault.Hex()]; ok && ts.Before(last) {
		s.mu.Unlock()
		return nil, apperrors.Newf(apperrors.ErrIntegrity,
			"attestation timestamp regression for %s: %s < %s", vault.Hex(), ts, last)
	}
	s.lastSign[vault.Hex()] = ts
	s.mu.Unlock()

	digest := attestationDigest(vault, totalAssets, ts)
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, err
	}
	if sig[64] < 27 {
		sig[64] += 27
	}

	return &model.Attestation{
		Vault:       vault.Hex(),
		TotalAssets: totalAssets,
		TS:          ts,
		Signature:   sig,
	}, nil
}

// Verify recovers the signing address from an attestation.
func Verify(att *model.Attestation) (common.Address, error) {
	if att == nil || len(att.Signature) != 65 {
		return common.Address{}, apperrors.Newf(apperrors.ErrIntegrity, "malformed attestation signature")
	}
	sig := make([]byte, 65)
	copy(sig, att.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	digest := attestationDigest(common.HexToAddress(att.Vault), att.TotalAssets, att.TS)
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, apperrors.New(apperrors.ErrIntegrity, "signature recovery failed", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func attestationDigest(vault common.Address, totalAssets *big.Int, ts time.Time) []byte {
	data := make([]byte, 32*4)
	copy(data[0:32], attestationPrefixHash.Bytes())
	copy(data[32+12:64], vault.Bytes())
	copy(data[64:96], math.U256Bytes(totalAssets))
	copy(data[96:128], math.U256Bytes(big.NewInt(ts.Unix())))
	return crypto.Keccak256(data)
}
