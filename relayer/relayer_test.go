package relayer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiatbridge/relayer-go/approval"
	"github.com/fiatbridge/relayer-go/common"
	"github.com/fiatbridge/relayer-go/etherman"
	"github.com/fiatbridge/relayer-go/feed"
	"github.com/fiatbridge/relayer-go/jobqueue"
	"github.com/fiatbridge/relayer-go/kms"
	"github.com/fiatbridge/relayer-go/ledger"
)

const testChainId = uint64(5920)

type fakeGateway struct {
	mu          sync.Mutex
	relayer     ethcommon.Address
	mintCalls   []*etherman.MintParams
	redeemCalls []*etherman.RedeemParams
	deployCalls int
	failWith    error
	txHash      ethcommon.Hash
	deployAddr  ethcommon.Address
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		relayer:    common.RandEthAddress(),
		txHash:     common.RandEthHash(),
		deployAddr: common.RandEthAddress(),
	}
}

func (g *fakeGateway) ChainID() uint64                   { return testChainId }
func (g *fakeGateway) RelayerAddress() ethcommon.Address { return g.relayer }

func (g *fakeGateway) MintWithApproval(_ context.Context, params *etherman.MintParams) (ethcommon.Hash, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failWith != nil {
		return ethcommon.Hash{}, g.failWith
	}
	g.mintCalls = append(g.mintCalls, params)
	return g.txHash, nil
}

func (g *fakeGateway) FinalizeRedeem(_ context.Context, params *etherman.RedeemParams) (ethcommon.Hash, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failWith != nil {
		return ethcommon.Hash{}, g.failWith
	}
	g.redeemCalls = append(g.redeemCalls, params)
	return g.txHash, nil
}

func (g *fakeGateway) DeployStablecoin(_ context.Context, _, _ string, _, _ ethcommon.Address) (ethcommon.Address, ethcommon.Hash, uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failWith != nil {
		return ethcommon.Address{}, ethcommon.Hash{}, 0, g.failWith
	}
	g.deployCalls++
	return g.deployAddr, g.txHash, 7, nil
}

func (g *fakeGateway) RelayerBalance(_ context.Context) (*big.Int, error) {
	return big.NewInt(1e18), nil
}

func (g *fakeGateway) fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failWith = err
}

// stubSigner signs with a throwaway in-process key, producing real 65-byte
// approval signatures.
func stubSigner() Signer {
	ls, err := kms.NewRandomLocalSigner()
	if err != nil {
		panic(err)
	}
	return approval.NewSigner(ls, map[uint64]ethcommon.Address{
		testChainId: common.RandEthAddress(),
	})
}

type captureQueue struct {
	mu   sync.Mutex
	keys map[string]bool
	jobs []string
}

func newCaptureQueue() *captureQueue {
	return &captureQueue{keys: map[string]bool{}}
}

func (q *captureQueue) Enqueue(queue string, payload []byte, key string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	full := queue + "/" + key
	if q.keys[full] {
		return false, nil
	}
	q.keys[full] = true
	q.jobs = append(q.jobs, full)
	return true, nil
}

func (q *captureQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func getTestLedger(t *testing.T) (*ledger.Ledger, *sql.DB) {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st, err := ledger.NewLedger(db)
	require.NoError(t, err)
	return st, db
}

func mintInstruction(requestId string) *feed.MintInstruction {
	return &feed.MintInstruction{
		RequestId: requestId,
		User:      common.RandEthAddress().Hex(),
		Amount:    "1000000000000000000",
		FiatRef:   "REF-1",
		Timestamp: time.Now().Unix(),
	}
}

func TestMintAdmission(t *testing.T) {
	st, _ := getTestLedger(t)
	queue := newCaptureQueue()
	gw := newFakeGateway()
	svc := NewMintService(st, queue, stubSigner(), gw)

	instr := mintInstruction("r1")
	require.NoError(t, svc.ProcessRequest(context.Background(), instr))

	rec, ok, err := st.GetRequest("r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ledger.KindMint, rec.Kind)
	assert.Equal(t, ledger.StatusPending, rec.Status)
	assert.Equal(t, "REF-1", rec.FiatRef)
	assert.Equal(t, testChainId, rec.ChainID)
	assert.Zero(t, rec.Amount.Cmp(big.NewInt(1e18)))

	require.Equal(t, 1, queue.count())
	assert.Equal(t, "mint/r1", queue.jobs[0])
}

func TestMintAdmissionDuplicate(t *testing.T) {
	st, _ := getTestLedger(t)
	queue := newCaptureQueue()
	svc := NewMintService(st, queue, stubSigner(), newFakeGateway())

	instr := mintInstruction("r1")
	require.NoError(t, svc.ProcessRequest(context.Background(), instr))
	require.NoError(t, svc.ProcessRequest(context.Background(), instr))

	assert.Equal(t, 1, queue.count())
}

func TestMintAdmissionBadAmount(t *testing.T) {
	st, _ := getTestLedger(t)
	svc := NewMintService(st, newCaptureQueue(), stubSigner(), newFakeGateway())

	instr := mintInstruction("r-bad")
	instr.Amount = "12.5 USD"
	assert.Error(t, svc.ProcessRequest(context.Background(), instr))

	_, ok, err := st.GetRequest("r-bad")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMintExecuteCompletes(t *testing.T) {
	st, _ := getTestLedger(t)
	gw := newFakeGateway()
	svc := NewMintService(st, newCaptureQueue(), stubSigner(), gw)

	instr := mintInstruction("r1")
	require.NoError(t, svc.ProcessRequest(context.Background(), instr))
	require.NoError(t, svc.Execute(context.Background(), "r1"))

	rec, _, err := st.GetRequest("r1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, rec.Status)
	assert.Equal(t, gw.txHash, rec.TxHash)

	require.Len(t, gw.mintCalls, 1)
	params := gw.mintCalls[0]
	assert.Equal(t, "r1", params.RequestId)
	assert.Zero(t, params.Nonce.Cmp(big.NewInt(1)), "first approval nonce is 1")
	assert.Len(t, params.Signature, 65)
	wantDeadline := time.Now().Add(ApprovalTTL).Unix()
	assert.InDelta(t, wantDeadline, params.Deadline.Int64(), 5)

	// settled requests are skipped on job redelivery
	require.NoError(t, svc.Execute(context.Background(), "r1"))
	assert.Len(t, gw.mintCalls, 1)
}

func TestMintExecuteRevertIsPermanent(t *testing.T) {
	st, _ := getTestLedger(t)
	gw := newFakeGateway()
	gw.fail(fmt.Errorf("%w: tx=0xdead", etherman.ErrTxReverted))
	svc := NewMintService(st, newCaptureQueue(), stubSigner(), gw)

	require.NoError(t, svc.ProcessRequest(context.Background(), mintInstruction("r1")))
	err := svc.Execute(context.Background(), "r1")
	assert.ErrorIs(t, err, jobqueue.ErrPermanent)

	rec, _, getErr := st.GetRequest("r1")
	require.NoError(t, getErr)
	assert.Equal(t, ledger.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "reverted")
}

func TestMintExecuteTransientErrorRetries(t *testing.T) {
	st, _ := getTestLedger(t)
	gw := newFakeGateway()
	gw.fail(errors.New("rpc timeout"))
	svc := NewMintService(st, newCaptureQueue(), stubSigner(), gw)

	require.NoError(t, svc.ProcessRequest(context.Background(), mintInstruction("r1")))

	err := svc.Execute(context.Background(), "r1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, jobqueue.ErrPermanent)

	rec, _, getErr := st.GetRequest("r1")
	require.NoError(t, getErr)
	assert.Equal(t, ledger.StatusProcessing, rec.Status, "transient failures stay retryable")

	// the retry succeeds and burns a fresh approval nonce
	gw.fail(nil)
	require.NoError(t, svc.Execute(context.Background(), "r1"))
	require.Len(t, gw.mintCalls, 1)
	assert.Zero(t, gw.mintCalls[0].Nonce.Cmp(big.NewInt(2)))
}

func TestMintExecuteUnknownRequest(t *testing.T) {
	st, _ := getTestLedger(t)
	svc := NewMintService(st, newCaptureQueue(), stubSigner(), newFakeGateway())

	err := svc.Execute(context.Background(), "ghost")
	assert.ErrorIs(t, err, jobqueue.ErrPermanent)
}

func TestRedeemAdmissionAndExecute(t *testing.T) {
	st, _ := getTestLedger(t)
	queue := newCaptureQueue()
	gw := newFakeGateway()
	svc := NewRedeemService(st, queue, stubSigner(), gw)

	ev := &etherman.RedeemRequestedEvent{
		RequestId: "rr1",
		From:      common.RandEthAddress(),
		Amount:    big.NewInt(500),
		EventMeta: etherman.EventMeta{
			TxHash:      common.RandEthHash(),
			BlockNumber: 10,
			ChainId:     testChainId,
		},
	}
	require.NoError(t, svc.ProcessRequest(context.Background(), ev))
	require.NoError(t, svc.ProcessRequest(context.Background(), ev), "replays are no-ops")
	assert.Equal(t, 1, queue.count())

	require.NoError(t, svc.Execute(context.Background(), "rr1"))

	rec, _, err := st.GetRequest("rr1")
	require.NoError(t, err)
	assert.Equal(t, ledger.KindRedeem, rec.Kind)
	assert.Equal(t, ledger.StatusCompleted, rec.Status)

	require.Len(t, gw.redeemCalls, 1)
	assert.Equal(t, ev.From, gw.redeemCalls[0].From)
	assert.Len(t, gw.redeemCalls[0].Signature, 65)
}

func TestDeploymentIdempotency(t *testing.T) {
	st, _ := getTestLedger(t)
	gw := newFakeGateway()
	svc := NewDeploymentService(st, stubSigner(), gw)

	ev := &etherman.KYCApprovedEvent{
		User:      common.RandEthAddress(),
		Timestamp: big.NewInt(time.Now().Unix()),
		Name:      "Token X",
		Symbol:    "X",
	}

	res, err := svc.Deploy(context.Background(), ev)
	require.NoError(t, err)
	assert.False(t, res.AlreadyDeployed)
	assert.Equal(t, gw.deployAddr, res.ContractAddress)
	assert.Equal(t, 1, gw.deployCalls)

	// second KYC event for the same triple returns the existing contract
	res, err = svc.Deploy(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, res.AlreadyDeployed)
	assert.Equal(t, gw.deployAddr, res.ContractAddress)
	assert.Equal(t, 1, gw.deployCalls)

	// a different symbol is a separate deployment
	ev2 := *ev
	ev2.Symbol = "Y"
	res, err = svc.Deploy(context.Background(), &ev2)
	require.NoError(t, err)
	assert.False(t, res.AlreadyDeployed)
	assert.Equal(t, 2, gw.deployCalls)
}

func TestDeploymentFailureIsStructured(t *testing.T) {
	st, _ := getTestLedger(t)
	gw := newFakeGateway()
	gw.fail(errors.New("insufficient funds"))
	svc := NewDeploymentService(st, stubSigner(), gw)

	_, err := svc.Deploy(context.Background(), &etherman.KYCApprovedEvent{
		User: common.RandEthAddress(), Name: "Token X", Symbol: "X",
	})
	assert.ErrorContains(t, err, "insufficient funds")

	_, ok, lookupErr := st.ActiveDeployment(ethcommon.Address{}, "Token X", "X")
	require.NoError(t, lookupErr)
	assert.False(t, ok)
}

func TestMintThroughRealQueue(t *testing.T) {
	st, db := getTestLedger(t)
	gw := newFakeGateway()

	q, err := jobqueue.New(db, jobqueue.Config{
		Concurrency:  2,
		PollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	svc := NewMintService(st, q, stubSigner(), gw)
	q.Register(MintQueue, svc.HandleJob)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Start(ctx))
	defer q.Close()

	require.NoError(t, svc.ProcessRequest(ctx, mintInstruction("queued-1")))

	require.Eventually(t, func() bool {
		rec, ok, err := st.GetRequest("queued-1")
		return err == nil && ok && rec.Status == ledger.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	rec, _, err := st.GetRequest("queued-1")
	require.NoError(t, err)
	assert.Equal(t, gw.txHash, rec.TxHash)
}

func TestMintJobPayloadRoundTrip(t *testing.T) {
	instr := mintInstruction("r9")
	payload, err := json.Marshal(instr)
	require.NoError(t, err)

	st, _ := getTestLedger(t)
	gw := newFakeGateway()
	svc := NewMintService(st, newCaptureQueue(), stubSigner(), gw)
	require.NoError(t, svc.ProcessRequest(context.Background(), instr))

	require.NoError(t, svc.HandleJob(context.Background(), &jobqueue.Job{
		Queue:   MintQueue,
		Key:     "r9",
		Payload: payload,
	}))

	rec, _, err := st.GetRequest("r9")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, rec.Status)

	err = svc.HandleJob(context.Background(), &jobqueue.Job{Payload: []byte("{broken")})
	assert.ErrorIs(t, err, jobqueue.ErrPermanent)
}
