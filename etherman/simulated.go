package etherman

import (
	"crypto/ecdsa"
	"encoding/hex"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
)

var (
	SimulatedChainID = uint64(1337)
	blockGasLimit    = uint64(999999999999999999)
)

// SimulatedChain wraps an in-memory backend with a set of funded accounts,
// used by tests that need a real submit/mine/receipt cycle.
type SimulatedChain struct {
	Backend  *simulated.Backend
	Keys     []*ecdsa.PrivateKey
	Accounts []*bind.TransactOpts
}

func NewSimulatedChain() *SimulatedChain {
	nAccount := 10
	keys := make([]*ecdsa.PrivateKey, nAccount)
	accounts := make([]*bind.TransactOpts, nAccount)
	for i := 0; i < nAccount; i++ {
		keys[i], accounts[i] = newAuth()
	}

	genesisAlloc := map[ethcommon.Address]types.Account{}
	for _, account := range accounts {
		balance, _ := new(big.Int).SetString("100000000000000000000", 10)
		genesisAlloc[account.From] = types.Account{
			Balance: balance,
		}
	}

	backend := simulated.NewBackend(genesisAlloc, simulated.WithBlockGasLimit(blockGasLimit))

	return &SimulatedChain{
		Backend:  backend,
		Keys:     keys,
		Accounts: accounts,
	}
}

// KeyHex returns account i's private key in the hex form chain configs use.
func (chain *SimulatedChain) KeyHex(i int) string {
	return hex.EncodeToString(crypto.FromECDSA(chain.Keys[i]))
}

func newAuth() (*ecdsa.PrivateKey, *bind.TransactOpts) {
	sk, _ := crypto.GenerateKey()
	auth, _ := bind.NewKeyedTransactorWithChainID(sk, new(big.Int).SetUint64(SimulatedChainID))
	return sk, auth
}
