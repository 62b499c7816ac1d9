package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	logger "github.com/sirupsen/logrus"

	"github.com/fiatbridge/relayer-go/kms"
)

var ErrUnknownChain = errors.New("no verifying contract configured for chain")

// Signer turns mint/redeem payloads into chain-bound typed-data digests,
// has the key service sign them, and transcodes the DER result into the
// 65-byte on-chain format.
type Signer struct {
	ds        kms.DigestSigner
	contracts map[uint64]ethcommon.Address

	mu       sync.Mutex
	signerAt *ethcommon.Address // cached key-service signer address
}

// NewSigner builds a Signer over a digest signer and the per-chain
// verifying contract table.
func NewSigner(ds kms.DigestSigner, contracts map[uint64]ethcommon.Address) *Signer {
	return &Signer{
		ds:        ds,
		contracts: contracts,
	}
}

func (s *Signer) SignMintApproval(ctx context.Context, p *MintApproval, chainId uint64) ([]byte, error) {
	contract, ok := s.contracts[chainId]
	if !ok {
		return nil, fmt.Errorf("%w: chainId=%d", ErrUnknownChain, chainId)
	}

	digest, err := p.digest(chainId, contract)
	if err != nil {
		return nil, err
	}
	return s.signDigest(ctx, digest)
}

func (s *Signer) SignRedeemFinalize(ctx context.Context, p *RedeemFinalize, chainId uint64) ([]byte, error) {
	contract, ok := s.contracts[chainId]
	if !ok {
		return nil, fmt.Errorf("%w: chainId=%d", ErrUnknownChain, chainId)
	}

	digest, err := p.digest(chainId, contract)
	if err != nil {
		return nil, err
	}
	return s.signDigest(ctx, digest)
}

func (s *Signer) signDigest(ctx context.Context, digest [32]byte) ([]byte, error) {
	signer, err := s.SignerAddress(ctx)
	if err != nil {
		return nil, err
	}

	der, err := s.ds.SignDigest(ctx, digest)
	if err != nil {
		return nil, err
	}

	sig, err := compactFromDER(der, digest, signer)
	if err != nil {
		return nil, err
	}

	logger.WithFields(logger.Fields{
		"digest": ethcommon.Hash(digest).String(),
		"v":      sig[64],
	}).Debug("approval signed")
	return sig, nil
}

// SignerAddress derives the ethereum address of the key service's signing
// key. Fetched once, then cached; also serves as the signer health check.
func (s *Signer) SignerAddress(ctx context.Context) (ethcommon.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.signerAt != nil {
		return *s.signerAt, nil
	}

	der, err := s.ds.PublicKeyDER(ctx)
	if err != nil {
		return ethcommon.Address{}, err
	}

	point, err := uncompressedPoint(der)
	if err != nil {
		return ethcommon.Address{}, err
	}

	pub, err := crypto.UnmarshalPubkey(point)
	if err != nil {
		return ethcommon.Address{}, fmt.Errorf("key service public key is not a valid secp256k1 point: %v", err)
	}

	addr := crypto.PubkeyToAddress(*pub)
	s.signerAt = &addr
	return addr, nil
}

// uncompressedPoint pulls the 65-byte uncompressed EC point out of a DER
// SubjectPublicKeyInfo. The point is the trailing BIT STRING payload.
func uncompressedPoint(der []byte) ([]byte, error) {
	if len(der) < 65 {
		return nil, fmt.Errorf("DER public key too short: %d bytes", len(der))
	}
	point := der[len(der)-65:]
	if point[0] != 0x04 {
		return nil, fmt.Errorf("DER public key does not end in an uncompressed point")
	}
	return point, nil
}
