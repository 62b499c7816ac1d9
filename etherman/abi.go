package etherman

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// Hand-written ABI fragments for the two contracts the relayer talks to.
// Strongly typed wrappers over these live in etherman.go; a signature
// mismatch here fails loudly at startup rather than silently on-chain.
const stablecoinABIJSON = `[
	{"type":"constructor","inputs":[
		{"name":"name","type":"string"},
		{"name":"symbol","type":"string"},
		{"name":"verifier","type":"address"},
		{"name":"relayer","type":"address"}]},
	{"type":"function","name":"mintWithApproval","stateMutability":"nonpayable","inputs":[
		{"name":"requestId","type":"string"},
		{"name":"to","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"nonce","type":"uint256"},
		{"name":"deadline","type":"uint256"},
		{"name":"signature","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"finalizeRedeem","stateMutability":"nonpayable","inputs":[
		{"name":"requestId","type":"string"},
		{"name":"from","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"nonce","type":"uint256"},
		{"name":"deadline","type":"uint256"},
		{"name":"signature","type":"bytes"}],"outputs":[]},
	{"type":"event","name":"RedeemRequested","inputs":[
		{"name":"requestId","type":"string","indexed":false},
		{"name":"from","type":"address","indexed":false},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"Minted","inputs":[
		{"name":"requestId","type":"string","indexed":false},
		{"name":"to","type":"address","indexed":false},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"Redeemed","inputs":[
		{"name":"requestId","type":"string","indexed":false},
		{"name":"from","type":"address","indexed":false},
		{"name":"amount","type":"uint256","indexed":false}]}
]`

const registryABIJSON = `[
	{"type":"event","name":"KYCApproved","inputs":[
		{"name":"user","type":"address","indexed":false},
		{"name":"timestamp","type":"uint256","indexed":false},
		{"name":"name","type":"string","indexed":false},
		{"name":"symbol","type":"string","indexed":false}]}
]`

var (
	stablecoinABI = mustABI(stablecoinABIJSON)
	registryABI   = mustABI(registryABIJSON)

	// Events
	RedeemRequestedSignatureHash = crypto.Keccak256Hash([]byte("RedeemRequested(string,address,uint256)"))
	MintedSignatureHash          = crypto.Keccak256Hash([]byte("Minted(string,address,uint256)"))
	RedeemedSignatureHash        = crypto.Keccak256Hash([]byte("Redeemed(string,address,uint256)"))
	KYCApprovedSignatureHash     = crypto.Keccak256Hash([]byte("KYCApproved(address,uint256,string,string)"))
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
