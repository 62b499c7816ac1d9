package approval

import (
	"fmt"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP-712 domain constants. chainId and verifyingContract vary per chain and
// are what bind a signature to exactly one deployed contract.
const (
	domainName    = "Stablecoin"
	domainVersion = "1"
)

// MintApproval is the typed-data payload the contract verifies before
// minting to `To`.
type MintApproval struct {
	RequestID string
	To        ethcommon.Address
	Amount    *big.Int
	Nonce     *big.Int
	Deadline  *big.Int // unix seconds
}

// RedeemFinalize is the typed-data payload gating the release of a
// requested redemption.
type RedeemFinalize struct {
	RequestID string
	From      ethcommon.Address
	Amount    *big.Int
	Nonce     *big.Int
	Deadline  *big.Int
}

var approvalTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"MintApproval": {
		{Name: "requestId", Type: "string"},
		{Name: "to", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
	"RedeemFinalize": {
		{Name: "requestId", Type: "string"},
		{Name: "from", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
}

func domainForChain(chainId uint64, contract ethcommon.Address) apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              domainName,
		Version:           domainVersion,
		ChainId:           math.NewHexOrDecimal256(int64(chainId)),
		VerifyingContract: contract.Hex(),
	}
}

func typedDataDigest(primaryType string, message apitypes.TypedDataMessage, chainId uint64, contract ethcommon.Address) ([32]byte, error) {
	td := apitypes.TypedData{
		Types:       approvalTypes,
		PrimaryType: primaryType,
		Domain:      domainForChain(chainId, contract),
		Message:     message,
	}

	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to hash %s typed data: %v", primaryType, err)
	}

	var digest [32]byte
	copy(digest[:], hash)
	return digest, nil
}

func (p *MintApproval) digest(chainId uint64, contract ethcommon.Address) ([32]byte, error) {
	return typedDataDigest("MintApproval", apitypes.TypedDataMessage{
		"requestId": p.RequestID,
		"to":        p.To.Hex(),
		"amount":    (*math.HexOrDecimal256)(p.Amount),
		"nonce":     (*math.HexOrDecimal256)(p.Nonce),
		"deadline":  (*math.HexOrDecimal256)(p.Deadline),
	}, chainId, contract)
}

func (p *RedeemFinalize) digest(chainId uint64, contract ethcommon.Address) ([32]byte, error) {
	return typedDataDigest("RedeemFinalize", apitypes.TypedDataMessage{
		"requestId": p.RequestID,
		"from":      p.From.Hex(),
		"amount":    (*math.HexOrDecimal256)(p.Amount),
		"nonce":     (*math.HexOrDecimal256)(p.Nonce),
		"deadline":  (*math.HexOrDecimal256)(p.Deadline),
	}, chainId, contract)
}
