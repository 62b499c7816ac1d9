package etherman

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	logger "github.com/sirupsen/logrus"

	"github.com/fiatbridge/relayer-go/common"
)

// ErrTxReverted marks a mined-but-reverted transaction. Reverts are
// deterministic rejections and must not be retried.
var ErrTxReverted = errors.New("transaction reverted on chain")

// gas estimates get a 20% safety margin before submission
const gasMarginPercent = 20

type ethereumClient interface {
	ethereum.ChainReader
	ethereum.ChainStateReader
	ethereum.ContractCaller
	ethereum.GasEstimator
	ethereum.GasPricer
	ethereum.LogFilterer
	ethereum.TransactionReader
	ethereum.TransactionSender

	bind.DeployBackend
	bind.ContractBackend
}

// Etherman is the gateway to one chain: it owns the RPC client, the
// relayer signing account, and the typed contract surface.
type Etherman struct {
	ethClient  ethereumClient
	chainId    uint64
	auth       *bind.TransactOpts
	relayer    ethcommon.Address
	stablecoin ethcommon.Address
	registry   ethcommon.Address
	bytecode   []byte

	// serializes nonce assignment and sending; concurrent queue workers
	// share the one relayer key per chain
	txLock sync.Mutex
}

func NewEtherman(cfg *Config) (*Etherman, error) {
	ethClient, err := ethclient.Dial(cfg.URL)
	if err != nil {
		return nil, err
	}

	chainId, err := ethClient.ChainID(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id from %s: %v", cfg.URL, err)
	}
	if chainId.Uint64() != cfg.ChainId {
		return nil, fmt.Errorf("node at %s reports chain id %d, config says %d",
			cfg.URL, chainId.Uint64(), cfg.ChainId)
	}

	return newEtherman(ethClient, cfg)
}

func newEtherman(ethClient ethereumClient, cfg *Config) (*Etherman, error) {
	sk, err := crypto.HexToECDSA(common.Trim0xPrefix(cfg.RelayerPrivateKey))
	if err != nil {
		return nil, fmt.Errorf("invalid relayer private key: %v", err)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(sk, new(big.Int).SetUint64(cfg.ChainId))
	if err != nil {
		return nil, err
	}

	var bytecode []byte
	if cfg.StablecoinBytecode != "" {
		bytecode, err = hex.DecodeString(common.Trim0xPrefix(cfg.StablecoinBytecode))
		if err != nil {
			return nil, fmt.Errorf("invalid stablecoin bytecode: %v", err)
		}
	}

	return &Etherman{
		ethClient:  ethClient,
		chainId:    cfg.ChainId,
		auth:       auth,
		relayer:    crypto.PubkeyToAddress(sk.PublicKey),
		stablecoin: cfg.StablecoinAddress,
		registry:   cfg.RegistryAddress,
		bytecode:   bytecode,
	}, nil
}

func (etherman *Etherman) ChainID() uint64 {
	return etherman.chainId
}

func (etherman *Etherman) RelayerAddress() ethcommon.Address {
	return etherman.relayer
}

func (etherman *Etherman) BlockNumber(ctx context.Context) (uint64, error) {
	header, err := etherman.ethClient.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, err
	}
	return header.Number.Uint64(), nil
}

func (etherman *Etherman) RelayerBalance(ctx context.Context) (*big.Int, error) {
	return etherman.ethClient.BalanceAt(ctx, etherman.relayer, nil)
}

func (etherman *Etherman) MintWithApproval(ctx context.Context, params *MintParams) (ethcommon.Hash, error) {
	input, err := stablecoinABI.Pack("mintWithApproval",
		params.RequestId, params.To, params.Amount, params.Nonce, params.Deadline, params.Signature)
	if err != nil {
		return ethcommon.Hash{}, err
	}
	return etherman.submit(ctx, &etherman.stablecoin, input)
}

func (etherman *Etherman) FinalizeRedeem(ctx context.Context, params *RedeemParams) (ethcommon.Hash, error) {
	input, err := stablecoinABI.Pack("finalizeRedeem",
		params.RequestId, params.From, params.Amount, params.Nonce, params.Deadline, params.Signature)
	if err != nil {
		return ethcommon.Hash{}, err
	}
	return etherman.submit(ctx, &etherman.stablecoin, input)
}

// DeployStablecoin submits a contract-creation transaction for a new
// per-tenant token and waits for it to land.
func (etherman *Etherman) DeployStablecoin(
	ctx context.Context,
	name, symbol string,
	verifier, relayer ethcommon.Address,
) (ethcommon.Address, ethcommon.Hash, uint64, error) {
	if len(etherman.bytecode) == 0 {
		return ethcommon.Address{}, ethcommon.Hash{}, 0,
			fmt.Errorf("no stablecoin bytecode configured for chain %d", etherman.chainId)
	}

	args, err := stablecoinABI.Pack("", name, symbol, verifier, relayer)
	if err != nil {
		return ethcommon.Address{}, ethcommon.Hash{}, 0, err
	}
	data := append(append([]byte{}, etherman.bytecode...), args...)

	signed, nonce, err := etherman.dispatch(ctx, nil, data)
	if err != nil {
		return ethcommon.Address{}, ethcommon.Hash{}, 0, err
	}

	receipt, err := etherman.waitMined(ctx, signed)
	if err != nil {
		return ethcommon.Address{}, ethcommon.Hash{}, 0, err
	}

	addr := crypto.CreateAddress(etherman.relayer, nonce)
	logger.WithFields(logger.Fields{
		"chainId": etherman.chainId,
		"address": addr.Hex(),
		"tx":      signed.Hash().Hex(),
	}).Info("stablecoin contract deployed")

	return addr, signed.Hash(), receipt.BlockNumber.Uint64(), nil
}

// FilterEvents queries the stablecoin and registry logs over the inclusive
// block range and decodes them into typed events.
func (etherman *Etherman) FilterEvents(ctx context.Context, from, to *big.Int) (*EventBatch, error) {
	logs, err := etherman.ethClient.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []ethcommon.Address{etherman.stablecoin, etherman.registry},
		Topics: [][]ethcommon.Hash{{
			RedeemRequestedSignatureHash,
			MintedSignatureHash,
			RedeemedSignatureHash,
			KYCApprovedSignatureHash,
		}},
	})
	if err != nil {
		return nil, err
	}

	batch := &EventBatch{}
	for _, vlog := range logs {
		if err := etherman.decodeLog(vlog, batch); err != nil {
			logger.WithFields(logger.Fields{
				"chainId": etherman.chainId,
				"tx":      vlog.TxHash.Hex(),
				"err":     err,
			}).Warn("skipping undecodable log")
		}
	}
	return batch, nil
}

func (etherman *Etherman) decodeLog(vlog types.Log, batch *EventBatch) error {
	if len(vlog.Topics) == 0 {
		return fmt.Errorf("log without topics")
	}

	meta := EventMeta{
		TxHash:      vlog.TxHash,
		BlockNumber: vlog.BlockNumber,
		ChainId:     etherman.chainId,
	}

	switch vlog.Topics[0] {
	case RedeemRequestedSignatureHash:
		ev := RedeemRequestedEvent{EventMeta: meta}
		if err := stablecoinABI.UnpackIntoInterface(&ev, "RedeemRequested", vlog.Data); err != nil {
			return err
		}
		batch.RedeemRequested = append(batch.RedeemRequested, ev)
	case MintedSignatureHash:
		ev := MintedEvent{EventMeta: meta}
		if err := stablecoinABI.UnpackIntoInterface(&ev, "Minted", vlog.Data); err != nil {
			return err
		}
		batch.Minted = append(batch.Minted, ev)
	case RedeemedSignatureHash:
		ev := RedeemedEvent{EventMeta: meta}
		if err := stablecoinABI.UnpackIntoInterface(&ev, "Redeemed", vlog.Data); err != nil {
			return err
		}
		batch.Redeemed = append(batch.Redeemed, ev)
	case KYCApprovedSignatureHash:
		ev := KYCApprovedEvent{EventMeta: meta}
		if err := registryABI.UnpackIntoInterface(&ev, "KYCApproved", vlog.Data); err != nil {
			return err
		}
		batch.KYCApproved = append(batch.KYCApproved, ev)
	default:
		return fmt.Errorf("unknown event topic %s", vlog.Topics[0].Hex())
	}
	return nil
}

// submit sends a contract call from the relayer account and waits for the
// receipt. A mined-but-reverted receipt is reported as ErrTxReverted with
// the transaction hash attached.
func (etherman *Etherman) submit(ctx context.Context, to *ethcommon.Address, input []byte) (ethcommon.Hash, error) {
	signed, _, err := etherman.dispatch(ctx, to, input)
	if err != nil {
		return ethcommon.Hash{}, err
	}

	if _, err := etherman.waitMined(ctx, signed); err != nil {
		return ethcommon.Hash{}, err
	}

	return signed.Hash(), nil
}

// dispatch assigns the next account nonce, estimates gas, signs and sends.
// txLock is held across the nonce read and the send, otherwise two workers
// could draw the same pending nonce.
func (etherman *Etherman) dispatch(
	ctx context.Context,
	to *ethcommon.Address,
	input []byte,
) (*types.Transaction, uint64, error) {
	etherman.txLock.Lock()
	defer etherman.txLock.Unlock()

	nonce, err := etherman.ethClient.PendingNonceAt(ctx, etherman.relayer)
	if err != nil {
		return nil, 0, err
	}

	gasPrice, err := etherman.ethClient.SuggestGasPrice(ctx)
	if err != nil {
		return nil, 0, err
	}

	estimated, err := etherman.ethClient.EstimateGas(ctx, ethereum.CallMsg{
		From:     etherman.relayer,
		To:       to,
		GasPrice: gasPrice,
		Data:     input,
	})
	if err != nil {
		if isExecutionRevert(err) {
			// estimation ran the call and hit the revert early
			return nil, 0, fmt.Errorf("%w: %v", ErrTxReverted, err)
		}
		// transport or node trouble, the caller may retry
		return nil, 0, err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      withGasMargin(estimated),
		To:       to,
		Data:     input,
	})

	signed, err := etherman.auth.Signer(etherman.relayer, tx)
	if err != nil {
		return nil, 0, err
	}

	if err := etherman.ethClient.SendTransaction(ctx, signed); err != nil {
		return nil, 0, err
	}

	logger.WithFields(logger.Fields{
		"chainId": etherman.chainId,
		"tx":      signed.Hash().Hex(),
		"gas":     signed.Gas(),
	}).Debug("transaction submitted")

	return signed, nonce, nil
}

func (etherman *Etherman) waitMined(ctx context.Context, signed *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, etherman.ethClient, signed)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: tx=%s", ErrTxReverted, signed.Hash().Hex())
	}
	return receipt, nil
}

// isExecutionRevert reports whether an estimation error means the node ran
// the call and it reverted, as opposed to the node being unreachable. Revert
// errors come back as JSON-RPC errors carrying return data, or with the
// standard execution-reverted message when the contract gave no reason.
func isExecutionRevert(err error) bool {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) && dataErr.ErrorData() != nil {
		return true
	}
	return strings.Contains(err.Error(), "execution reverted")
}

func withGasMargin(estimated uint64) uint64 {
	return estimated + estimated*gasMarginPercent/100
}
