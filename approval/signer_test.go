package approval

import (
	"context"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiatbridge/relayer-go/common"
	"github.com/fiatbridge/relayer-go/kms"
)

const testChainId = 5920

func getTestSigner(t *testing.T) (*Signer, ethcommon.Address) {
	t.Helper()

	ls, err := kms.NewRandomLocalSigner()
	require.NoError(t, err)

	s := NewSigner(ls, map[uint64]ethcommon.Address{
		testChainId: common.RandEthAddress(),
	})

	addr, err := s.SignerAddress(context.Background())
	require.NoError(t, err)
	return s, addr
}

func randMintApproval() *MintApproval {
	return &MintApproval{
		RequestID: "r1",
		To:        common.RandEthAddress(),
		Amount:    big.NewInt(1_000_000_000_000_000_000),
		Nonce:     big.NewInt(1),
		Deadline:  big.NewInt(time.Now().Add(24 * time.Hour).Unix()),
	}
}

func TestSignMintApprovalRoundTrip(t *testing.T) {
	s, signerAddr := getTestSigner(t)

	p := randMintApproval()
	sig, err := s.SignMintApproval(context.Background(), p, testChainId)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	// the chosen recovery byte recovers the signer address...
	digest, err := p.digest(testChainId, s.contracts[testChainId])
	require.NoError(t, err)

	recSig := make([]byte, 65)
	copy(recSig, sig)
	recSig[64] = sig[64] - 27
	pub, err := crypto.SigToPub(digest[:], recSig)
	require.NoError(t, err)
	assert.Equal(t, signerAddr, crypto.PubkeyToAddress(*pub))

	// ...and exactly one of the two candidates does
	matches := 0
	for _, v := range []byte{0, 1} {
		recSig[64] = v
		if pub, err := crypto.SigToPub(digest[:], recSig); err == nil {
			if crypto.PubkeyToAddress(*pub) == signerAddr {
				matches++
			}
		}
	}
	assert.Equal(t, 1, matches)
}

func TestSignRedeemFinalize(t *testing.T) {
	s, signerAddr := getTestSigner(t)

	p := &RedeemFinalize{
		RequestID: "r2",
		From:      common.RandEthAddress(),
		Amount:    big.NewInt(500),
		Nonce:     big.NewInt(7),
		Deadline:  big.NewInt(time.Now().Add(24 * time.Hour).Unix()),
	}
	sig, err := s.SignRedeemFinalize(context.Background(), p, testChainId)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	digest, err := p.digest(testChainId, s.contracts[testChainId])
	require.NoError(t, err)
	sig[64] -= 27
	pub, err := crypto.SigToPub(digest[:], sig)
	require.NoError(t, err)
	assert.Equal(t, signerAddr, crypto.PubkeyToAddress(*pub))
}

func TestDomainSeparation(t *testing.T) {
	p := randMintApproval()
	contract := common.RandEthAddress()

	d1, err := p.digest(testChainId, contract)
	require.NoError(t, err)

	// another chain id yields a different digest
	d2, err := p.digest(1, contract)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)

	// a stale contract address yields a different digest
	d3, err := p.digest(testChainId, common.RandEthAddress())
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)

	// same inputs are deterministic
	d4, err := p.digest(testChainId, contract)
	require.NoError(t, err)
	assert.Equal(t, d1, d4)
}

func TestSignUnknownChain(t *testing.T) {
	s, _ := getTestSigner(t)
	_, err := s.SignMintApproval(context.Background(), randMintApproval(), 999)
	assert.ErrorIs(t, err, ErrUnknownChain)
}

// a signer whose published key does not match the key actually signing must
// be rejected, not silently defaulted
type mismatchedSigner struct {
	signing kms.DigestSigner
	pubkey  kms.DigestSigner
}

func (m *mismatchedSigner) SignDigest(ctx context.Context, digest [32]byte) ([]byte, error) {
	return m.signing.SignDigest(ctx, digest)
}

func (m *mismatchedSigner) PublicKeyDER(ctx context.Context) ([]byte, error) {
	return m.pubkey.PublicKeyDER(ctx)
}

func TestRecoveryMismatchIsAnError(t *testing.T) {
	a, err := kms.NewRandomLocalSigner()
	require.NoError(t, err)
	b, err := kms.NewRandomLocalSigner()
	require.NoError(t, err)

	s := NewSigner(&mismatchedSigner{signing: a, pubkey: b}, map[uint64]ethcommon.Address{
		testChainId: common.RandEthAddress(),
	})

	_, err = s.SignMintApproval(context.Background(), randMintApproval(), testChainId)
	assert.ErrorIs(t, err, ErrRecoveryNoMatch)
}

type countingSigner struct {
	kms.DigestSigner
	pubCalls atomic.Int32
}

func (c *countingSigner) PublicKeyDER(ctx context.Context) ([]byte, error) {
	c.pubCalls.Add(1)
	return c.DigestSigner.PublicKeyDER(ctx)
}

func TestSignerAddressCached(t *testing.T) {
	ls, err := kms.NewRandomLocalSigner()
	require.NoError(t, err)
	cs := &countingSigner{DigestSigner: ls}

	s := NewSigner(cs, map[uint64]ethcommon.Address{testChainId: common.RandEthAddress()})

	a1, err := s.SignerAddress(context.Background())
	require.NoError(t, err)
	a2, err := s.SignerAddress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
	assert.Equal(t, int32(1), cs.pubCalls.Load())
}
