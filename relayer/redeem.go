package relayer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/fiatbridge/relayer-go/approval"
	"github.com/fiatbridge/relayer-go/etherman"
	"github.com/fiatbridge/relayer-go/jobqueue"
	"github.com/fiatbridge/relayer-go/ledger"
)

// RedeemService admits on-chain RedeemRequested events and finalizes them
// with a signature-gated finalizeRedeem transaction. A requested burn is
// held by the contract until this relayer approves it, so the fiat payout
// side can veto before funds move.
type RedeemService struct {
	st      *ledger.Ledger
	queue   Queue
	signer  Signer
	gateway Gateway
}

func NewRedeemService(st *ledger.Ledger, queue Queue, signer Signer, gateway Gateway) *RedeemService {
	return &RedeemService{
		st:      st,
		queue:   queue,
		signer:  signer,
		gateway: gateway,
	}
}

// QueueName is the per-chain queue redeem jobs land on. Redeem execution
// is chain-affine because the approval signature binds to one verifying
// contract.
func (s *RedeemService) QueueName() string {
	return fmt.Sprintf("%s-%d", RedeemQueue, s.gateway.ChainID())
}

// ProcessRequest is the admission path, called by the chain synchronizer
// for every observed RedeemRequested event.
func (s *RedeemService) ProcessRequest(ctx context.Context, ev *etherman.RedeemRequestedEvent) error {
	if _, ok, err := s.st.GetRequest(ev.RequestId); err != nil {
		return err
	} else if ok {
		logger.WithField("requestId", ev.RequestId).Info("duplicate redeem event ignored")
		return nil
	}

	rec := &ledger.RequestRecord{
		RequestID: ev.RequestId,
		Kind:      ledger.KindRedeem,
		Status:    ledger.StatusPending,
		Account:   ev.From,
		Amount:    ev.Amount,
		ChainID:   ev.ChainId,
	}
	if err := s.st.CreateRequest(rec); err != nil {
		if errors.Is(err, ledger.ErrDuplicateRequest) {
			logger.WithField("requestId", ev.RequestId).Info("duplicate redeem event ignored")
			return nil
		}
		return err
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	admitted, err := s.queue.Enqueue(s.QueueName(), payload, ev.RequestId)
	if err != nil {
		return err
	}

	logger.WithFields(logger.Fields{
		"requestId": ev.RequestId,
		"from":      ev.From.Hex(),
		"amount":    ev.Amount,
		"admitted":  admitted,
	}).Info("redeem request admitted")
	return nil
}

func (s *RedeemService) HandleJob(ctx context.Context, job *jobqueue.Job) error {
	var ev etherman.RedeemRequestedEvent
	if err := json.Unmarshal(job.Payload, &ev); err != nil {
		return jobqueue.Permanent(fmt.Errorf("undecodable redeem job payload: %v", err))
	}
	return s.Execute(ctx, ev.RequestId)
}

// Execute finalizes one admitted redemption.
func (s *RedeemService) Execute(ctx context.Context, requestId string) error {
	rec, ok, err := s.st.GetRequest(requestId)
	if err != nil {
		return err
	}
	if !ok {
		return jobqueue.Permanent(fmt.Errorf("redeem job for unknown request %s", requestId))
	}
	if rec.Status.IsTerminal() {
		logger.WithField("requestId", requestId).Info("redeem already settled, skipping")
		return nil
	}

	if err := s.st.MarkProcessing(requestId); err != nil {
		return err
	}

	chainId := s.gateway.ChainID()
	nonce, err := s.st.NextNonce(s.gateway.RelayerAddress(), chainId)
	if err != nil {
		return err
	}
	deadline := big.NewInt(time.Now().Add(ApprovalTTL).Unix())

	payload := &approval.RedeemFinalize{
		RequestID: requestId,
		From:      rec.Account,
		Amount:    rec.Amount,
		Nonce:     new(big.Int).SetUint64(nonce),
		Deadline:  deadline,
	}
	sig, err := s.signer.SignRedeemFinalize(ctx, payload, chainId)
	if err != nil {
		return fmt.Errorf("failed to sign redeem finalization for %s: %w", requestId, err)
	}

	txHash, err := s.gateway.FinalizeRedeem(ctx, &etherman.RedeemParams{
		RequestId: requestId,
		From:      rec.Account,
		Amount:    rec.Amount,
		Nonce:     payload.Nonce,
		Deadline:  deadline,
		Signature: sig,
	})
	if err != nil {
		return recordSubmitFailure(s.st, requestId, "redeem", err)
	}

	if err := s.st.MarkCompleted(requestId, txHash); err != nil {
		return err
	}
	logger.WithFields(logger.Fields{
		"requestId": requestId,
		"tx":        txHash.Hex(),
		"nonce":     nonce,
	}).Info("redeem finalized")
	return nil
}
