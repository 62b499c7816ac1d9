package relayer

import (
	"context"

	ethcommon "github.com/ethereum/go-ethereum/common"
	logger "github.com/sirupsen/logrus"

	"github.com/fiatbridge/relayer-go/etherman"
	"github.com/fiatbridge/relayer-go/ledger"
)

// DeploymentService provisions one stablecoin contract per KYC-approved
// tenant, idempotently keyed by (account, token name, symbol).
type DeploymentService struct {
	st      *ledger.Ledger
	signer  Signer
	gateway Gateway
}

func NewDeploymentService(st *ledger.Ledger, signer Signer, gateway Gateway) *DeploymentService {
	return &DeploymentService{
		st:      st,
		signer:  signer,
		gateway: gateway,
	}
}

// DeploymentResult is the structured outcome of one deployment attempt.
type DeploymentResult struct {
	ContractAddress ethcommon.Address
	TxHash          ethcommon.Hash
	AlreadyDeployed bool
}

// DeployStablecoin satisfies the chain synchronizer's Deployer interface.
func (s *DeploymentService) DeployStablecoin(ctx context.Context, ev *etherman.KYCApprovedEvent) error {
	_, err := s.Deploy(ctx, ev)
	return err
}

// Deploy runs one deployment: an existing active contract for the triple is
// returned as a success without touching the chain. Failures are reported,
// not retried; a later KYCApproved replay re-runs this path.
func (s *DeploymentService) Deploy(ctx context.Context, ev *etherman.KYCApprovedEvent) (*DeploymentResult, error) {
	existing, ok, err := s.st.ActiveDeployment(ev.User, ev.Name, ev.Symbol)
	if err != nil {
		return nil, err
	}
	if ok {
		logger.WithFields(logger.Fields{
			"user":     ev.User.Hex(),
			"name":     ev.Name,
			"contract": existing.ContractAddress.Hex(),
		}).Info("stablecoin already deployed for tenant")
		return &DeploymentResult{
			ContractAddress: existing.ContractAddress,
			TxHash:          existing.DeploymentTxHash,
			AlreadyDeployed: true,
		}, nil
	}

	verifier, err := s.signer.SignerAddress(ctx)
	if err != nil {
		return nil, err
	}

	if balance, err := s.gateway.RelayerBalance(ctx); err == nil {
		logger.WithFields(logger.Fields{
			"relayer": s.gateway.RelayerAddress().Hex(),
			"balance": balance,
		}).Debug("relayer balance before deployment")
	}

	addr, txHash, blockNumber, err := s.gateway.DeployStablecoin(
		ctx, ev.Name, ev.Symbol, verifier, s.gateway.RelayerAddress())
	if err != nil {
		logger.WithFields(logger.Fields{
			"user": ev.User.Hex(),
			"name": ev.Name,
			"err":  err,
		}).Error("stablecoin deployment failed")
		return nil, err
	}

	if err := s.st.SaveDeployment(&ledger.DeployedStablecoin{
		TokenName:        ev.Name,
		TokenSymbol:      ev.Symbol,
		ContractAddress:  addr,
		DeployerAddress:  ev.User,
		DeploymentTxHash: txHash,
		BlockNumber:      blockNumber,
		ChainID:          s.gateway.ChainID(),
		IsActive:         true,
	}); err != nil {
		return nil, err
	}

	logger.WithFields(logger.Fields{
		"user":     ev.User.Hex(),
		"name":     ev.Name,
		"symbol":   ev.Symbol,
		"contract": addr.Hex(),
		"tx":       txHash.Hex(),
	}).Info("stablecoin deployed")

	return &DeploymentResult{ContractAddress: addr, TxHash: txHash}, nil
}
