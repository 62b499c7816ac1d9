package chainsync

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	logger "github.com/sirupsen/logrus"

	"github.com/fiatbridge/relayer-go/etherman"
	"github.com/fiatbridge/relayer-go/ledger"
)

// Gateway is the slice of the chain client the synchronizer needs.
type Gateway interface {
	ChainID() uint64
	BlockNumber(ctx context.Context) (uint64, error)
	FilterEvents(ctx context.Context, from, to *big.Int) (*etherman.EventBatch, error)
}

// RedeemProcessor admits on-chain redeem requests.
type RedeemProcessor interface {
	ProcessRequest(ctx context.Context, ev *etherman.RedeemRequestedEvent) error
}

// Deployer reacts to KYC approvals by provisioning a tenant stablecoin.
type Deployer interface {
	DeployStablecoin(ctx context.Context, ev *etherman.KYCApprovedEvent) error
}

// Store is the ledger surface used for confirmations and the block cursor.
type Store interface {
	MarkCompleted(requestId string, txHash ethcommon.Hash) error
	GetKeyedValue(key string) (string, bool, error)
	SetKeyedValue(key, value string) error
}

// Synchronizer polls one chain for stablecoin and registry events and
// dispatches them synchronously. The last processed block is persisted so
// a restart resumes where the previous run stopped and replays anything
// missed during downtime.
type Synchronizer struct {
	cfg      Config
	gateway  Gateway
	store    Store
	redeems  RedeemProcessor
	deployer Deployer

	chainId       uint64
	cursorKey     string
	lastProcessed uint64
	hasCursor     bool
}

func New(
	gateway Gateway,
	store Store,
	redeems RedeemProcessor,
	deployer Deployer,
	cfg Config,
) (*Synchronizer, error) {
	s := &Synchronizer{
		cfg:       cfg.withDefaults(),
		gateway:   gateway,
		store:     store,
		redeems:   redeems,
		deployer:  deployer,
		chainId:   gateway.ChainID(),
		cursorKey: fmt.Sprintf("cursor/%d", gateway.ChainID()),
	}

	raw, ok, err := store.GetKeyedValue(s.cursorKey)
	if err != nil {
		logger.Error("failed to load chain cursor when initializing synchronizer")
		return nil, err
	}
	if ok {
		s.lastProcessed, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt chain cursor %q: %v", raw, err)
		}
		s.hasCursor = true
	} else if cfg.StartBlock > 0 {
		s.lastProcessed = cfg.StartBlock - 1
		s.hasCursor = true
	}

	return s, nil
}

func (s *Synchronizer) Sync(ctx context.Context) error {
	logger.WithField("chainId", s.chainId).Debug("starting chain synchronization")
	defer func() {
		logger.WithField("chainId", s.chainId).Debug("stopping chain synchronization")
	}()

	ticker := time.NewTicker(s.cfg.FrequencyToCheckNewBlocks)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				// transient chain errors must not kill the loop
				logger.WithFields(logger.Fields{
					"chainId": s.chainId,
					"err":     err,
				}).Warn("chain sync tick failed")
			}
		}
	}
}

func (s *Synchronizer) tick(ctx context.Context) error {
	head, err := s.gateway.BlockNumber(ctx)
	if err != nil {
		return err
	}

	// no stored cursor and no configured start: begin at the current head
	if !s.hasCursor {
		s.lastProcessed = head
		s.hasCursor = true
		return s.saveCursor()
	}

	if head <= s.lastProcessed {
		return nil
	}

	if err := s.processRange(ctx, s.lastProcessed+1, head); err != nil {
		return err
	}

	s.lastProcessed = head
	return s.saveCursor()
}

// Replay re-runs the normal handlers over a historical block range without
// moving the cursor. Safe because all downstream processing is idempotent
// on requestId.
func (s *Synchronizer) Replay(ctx context.Context, from, to uint64) error {
	logger.WithFields(logger.Fields{
		"chainId": s.chainId,
		"from":    from,
		"to":      to,
	}).Info("replaying chain events")
	return s.processRange(ctx, from, to)
}

// LastProcessedBlock reports the cursor position, used by health checks.
func (s *Synchronizer) LastProcessedBlock() uint64 {
	return s.lastProcessed
}

func (s *Synchronizer) processRange(ctx context.Context, from, to uint64) error {
	batch, err := s.gateway.FilterEvents(ctx,
		new(big.Int).SetUint64(from), new(big.Int).SetUint64(to))
	if err != nil {
		return err
	}
	if batch.Empty() {
		return nil
	}

	logger.WithFields(logger.Fields{
		"chainId":         s.chainId,
		"from":            from,
		"to":              to,
		"redeemRequested": len(batch.RedeemRequested),
		"minted":          len(batch.Minted),
		"redeemed":        len(batch.Redeemed),
		"kycApproved":     len(batch.KYCApproved),
	}).Debug("events")

	for i := range batch.RedeemRequested {
		ev := &batch.RedeemRequested[i]
		if err := s.redeems.ProcessRequest(ctx, ev); err != nil {
			logger.WithFields(logger.Fields{
				"requestId": ev.RequestId,
				"err":       err,
			}).Error("failed to admit redeem request")
		}
	}

	for i := range batch.Minted {
		s.confirm(batch.Minted[i].RequestId, batch.Minted[i].TxHash, "Minted")
	}
	for i := range batch.Redeemed {
		s.confirm(batch.Redeemed[i].RequestId, batch.Redeemed[i].TxHash, "Redeemed")
	}

	for i := range batch.KYCApproved {
		ev := &batch.KYCApproved[i]
		if err := s.deployer.DeployStablecoin(ctx, ev); err != nil {
			logger.WithFields(logger.Fields{
				"user": ev.User.Hex(),
				"name": ev.Name,
				"err":  err,
			}).Error("stablecoin deployment failed")
		}
	}

	return nil
}

// confirm marks a request completed with the on-chain tx hash. Requests
// already terminal are no-ops; confirmations for requests this relayer
// never admitted are surfaced but not fatal.
func (s *Synchronizer) confirm(requestId string, txHash ethcommon.Hash, event string) {
	err := s.store.MarkCompleted(requestId, txHash)
	if errors.Is(err, ledger.ErrRequestNotFound) {
		logger.WithFields(logger.Fields{
			"requestId": requestId,
			"event":     event,
		}).Warn("confirmation for unknown request")
		return
	}
	if err != nil {
		logger.WithFields(logger.Fields{
			"requestId": requestId,
			"event":     event,
			"err":       err,
		}).Error("failed to record confirmation")
	}
}

func (s *Synchronizer) saveCursor() error {
	return s.store.SetKeyedValue(s.cursorKey, strconv.FormatUint(s.lastProcessed, 10))
}
