package etherman

import ethcommon "github.com/ethereum/go-ethereum/common"

type Config struct {
	// URL is the URL of the chain's JSON-RPC node
	URL string

	// ChainId is the expected chain id; startup fails when the node
	// reports a different one
	ChainId uint64

	// StablecoinAddress is the deployed stablecoin contract address
	StablecoinAddress ethcommon.Address

	// RegistryAddress is the KYC registry contract address
	RegistryAddress ethcommon.Address

	// RelayerPrivateKey is the hex-encoded key of the relayer account
	// submitting transactions on this chain
	RelayerPrivateKey string

	// StablecoinBytecode is the hex-encoded creation bytecode used by
	// DeployStablecoin; may be empty on chains that never deploy
	StablecoinBytecode string
}
