// Package relayer holds the services that turn admitted settlement and
// chain events into signed, submitted transactions.
package relayer

import (
	"context"
	"math/big"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/fiatbridge/relayer-go/approval"
	"github.com/fiatbridge/relayer-go/etherman"
)

const (
	MintQueue   = "mint"
	RedeemQueue = "redeem"

	// approvals expire this long after signing
	ApprovalTTL = 24 * time.Hour
)

// Gateway is the chain surface the services submit through. One per chain;
// etherman.Etherman is the production implementation.
type Gateway interface {
	ChainID() uint64
	RelayerAddress() ethcommon.Address
	MintWithApproval(ctx context.Context, params *etherman.MintParams) (ethcommon.Hash, error)
	FinalizeRedeem(ctx context.Context, params *etherman.RedeemParams) (ethcommon.Hash, error)
	DeployStablecoin(ctx context.Context, name, symbol string,
		verifier, relayer ethcommon.Address) (ethcommon.Address, ethcommon.Hash, uint64, error)
	RelayerBalance(ctx context.Context) (*big.Int, error)
}

// Signer produces contract-verifiable approval signatures.
type Signer interface {
	SignMintApproval(ctx context.Context, p *approval.MintApproval, chainId uint64) ([]byte, error)
	SignRedeemFinalize(ctx context.Context, p *approval.RedeemFinalize, chainId uint64) ([]byte, error)
	SignerAddress(ctx context.Context) (ethcommon.Address, error)
}

// Queue admits work exactly once per idempotency key.
type Queue interface {
	Enqueue(queue string, payload []byte, key string) (bool, error)
}
