package relayer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	logger "github.com/sirupsen/logrus"

	"github.com/fiatbridge/relayer-go/approval"
	"github.com/fiatbridge/relayer-go/common"
	"github.com/fiatbridge/relayer-go/etherman"
	"github.com/fiatbridge/relayer-go/feed"
	"github.com/fiatbridge/relayer-go/jobqueue"
	"github.com/fiatbridge/relayer-go/ledger"
)

// MintService admits settlement-feed instructions and executes them as
// mintWithApproval transactions. Admission and execution are split so the
// queue can crash-safely retry execution without re-admitting.
type MintService struct {
	st      *ledger.Ledger
	queue   Queue
	signer  Signer
	gateway Gateway
}

func NewMintService(st *ledger.Ledger, queue Queue, signer Signer, gateway Gateway) *MintService {
	return &MintService{
		st:      st,
		queue:   queue,
		signer:  signer,
		gateway: gateway,
	}
}

// ProcessRequest is the admission path, called by the feed listener. The
// ledger insert is the linearization point: concurrent duplicate deliveries
// collapse into one Pending record and one queued job.
func (s *MintService) ProcessRequest(ctx context.Context, instr *feed.MintInstruction) error {
	if _, ok, err := s.st.GetRequest(instr.RequestId); err != nil {
		return err
	} else if ok {
		logger.WithField("requestId", instr.RequestId).Info("duplicate mint instruction ignored")
		return nil
	}

	amount, ok := common.DecStrToBigInt(instr.Amount)
	if !ok {
		return fmt.Errorf("mint instruction %s has bad amount %q", instr.RequestId, instr.Amount)
	}

	rec := &ledger.RequestRecord{
		RequestID: instr.RequestId,
		Kind:      ledger.KindMint,
		Status:    ledger.StatusPending,
		Account:   ethcommon.HexToAddress(instr.User),
		Amount:    amount,
		ChainID:   s.gateway.ChainID(),
		FiatRef:   instr.FiatRef,
	}
	if err := s.st.CreateRequest(rec); err != nil {
		if errors.Is(err, ledger.ErrDuplicateRequest) {
			logger.WithField("requestId", instr.RequestId).Info("duplicate mint instruction ignored")
			return nil
		}
		return err
	}

	payload, err := json.Marshal(instr)
	if err != nil {
		return err
	}
	admitted, err := s.queue.Enqueue(MintQueue, payload, instr.RequestId)
	if err != nil {
		return err
	}

	logger.WithFields(logger.Fields{
		"requestId": instr.RequestId,
		"amount":    instr.Amount,
		"admitted":  admitted,
	}).Info("mint request admitted")
	return nil
}

// HandleJob adapts Execute to the queue's handler signature.
func (s *MintService) HandleJob(ctx context.Context, job *jobqueue.Job) error {
	var instr feed.MintInstruction
	if err := json.Unmarshal(job.Payload, &instr); err != nil {
		return jobqueue.Permanent(fmt.Errorf("undecodable mint job payload: %v", err))
	}
	return s.Execute(ctx, instr.RequestId)
}

// Execute drives one admitted mint to a terminal state: allocate the
// approval nonce, sign, submit, record the outcome. Transient errors are
// returned plain so the queue retries; deterministic rejections are marked
// Failed and wrapped Permanent so retries stop.
func (s *MintService) Execute(ctx context.Context, requestId string) error {
	rec, ok, err := s.st.GetRequest(requestId)
	if err != nil {
		return err
	}
	if !ok {
		return jobqueue.Permanent(fmt.Errorf("mint job for unknown request %s", requestId))
	}
	if rec.Status.IsTerminal() {
		logger.WithField("requestId", requestId).Info("mint already settled, skipping")
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

	payload := &approval.MintApproval{
		RequestID: requestId,
		To:        rec.Account,
		Amount:    rec.Amount,
		Nonce:     new(big.Int).SetUint64(nonce),
		Deadline:  deadline,
	}
	sig, err := s.signer.SignMintApproval(ctx, payload, chainId)
	if err != nil {
		return fmt.Errorf("failed to sign mint approval for %s: %w", requestId, err)
	}

	txHash, err := s.gateway.MintWithApproval(ctx, &etherman.MintParams{
		RequestId: requestId,
		To:        rec.Account,
		Amount:    rec.Amount,
		Nonce:     payload.Nonce,
		Deadline:  deadline,
		Signature: sig,
	})
	if err != nil {
		return recordSubmitFailure(s.st, requestId, "mint", err)
	}

	if err := s.st.MarkCompleted(requestId, txHash); err != nil {
		return err
	}
	logger.WithFields(logger.Fields{
		"requestId": requestId,
		"tx":        txHash.Hex(),
		"nonce":     nonce,
	}).Info("mint completed")
	return nil
}

// recordSubmitFailure separates deterministic on-chain rejections, which
// terminally fail the request, from transient submission errors, which
// leave it Processing for the queue to retry.
func recordSubmitFailure(st *ledger.Ledger, requestId, kind string, submitErr error) error {
	if !errors.Is(submitErr, etherman.ErrTxReverted) {
		return submitErr
	}

	if err := st.MarkFailed(requestId, submitErr.Error()); err != nil {
		return err
	}
	logger.WithFields(logger.Fields{
		"requestId": requestId,
		"kind":      kind,
		"err":       submitErr,
	}).Error("transaction rejected on chain")
	return jobqueue.Permanent(submitErr)
}
