package reporter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiatbridge/relayer-go/common"
	"github.com/fiatbridge/relayer-go/jobqueue"
	"github.com/fiatbridge/relayer-go/ledger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeQueue struct {
	stats map[string]jobqueue.QueueStats
	err   error
}

func (q *fakeQueue) Stats() (map[string]jobqueue.QueueStats, error) {
	return q.stats, q.err
}

type fakeSignerProbe struct {
	addr ethcommon.Address
	err  error
}

func (s *fakeSignerProbe) SignerAddress(_ context.Context) (ethcommon.Address, error) {
	return s.addr, s.err
}

type fakeChainProbe struct {
	chainId uint64
	block   uint64
	err     error
}

func (c *fakeChainProbe) ChainID() uint64 { return c.chainId }

func (c *fakeChainProbe) BlockNumber(_ context.Context) (uint64, error) {
	return c.block, c.err
}

type fakeFeedProbe struct {
	connected bool
}

func (f *fakeFeedProbe) Connected() bool { return f.connected }

func getTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st, err := ledger.NewLedger(db)
	require.NoError(t, err)
	return st
}

func serve(t *testing.T, h *HttpReporter, path string) (int, map[string]interface{}) {
	t.Helper()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	h.SetupRouter().ServeHTTP(w, req)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestHealthAllUp(t *testing.T) {
	signerAddr := common.RandEthAddress()
	h := NewHttpReporter("127.0.0.1", "0", getTestLedger(t),
		&fakeQueue{},
		&fakeSignerProbe{addr: signerAddr},
		[]ChainProbe{&fakeChainProbe{chainId: 5920, block: 123}},
		&fakeFeedProbe{connected: true})

	code, body := serve(t, h, ROUTE_HEALTH)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	services := body["services"].(map[string]interface{})
	assert.Equal(t, "up", services["database"])
	assert.Equal(t, signerAddr.Hex(), services["signer"])
	assert.Equal(t, "connected", services["feed"])

	chains := services["chains"].(map[string]interface{})
	assert.Equal(t, float64(123), chains["5920"])
}

func TestHealthDegraded(t *testing.T) {
	h := NewHttpReporter("127.0.0.1", "0", getTestLedger(t),
		&fakeQueue{},
		&fakeSignerProbe{err: errors.New("kms unreachable")},
		[]ChainProbe{&fakeChainProbe{chainId: 5920, err: errors.New("rpc down")}},
		&fakeFeedProbe{connected: false})

	code, body := serve(t, h, ROUTE_HEALTH)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", body["status"])

	services := body["services"].(map[string]interface{})
	assert.Contains(t, services["signer"], "kms unreachable")
	assert.Equal(t, "disconnected", services["feed"])
}

func TestStatusRoute(t *testing.T) {
	st := getTestLedger(t)
	account := common.RandEthAddress()
	require.NoError(t, st.CreateRequest(&ledger.RequestRecord{
		RequestID: "r1",
		Kind:      ledger.KindMint,
		Status:    ledger.StatusPending,
		Account:   account,
		Amount:    big.NewInt(1000),
		ChainID:   5920,
		FiatRef:   "REF-1",
	}))

	h := NewHttpReporter("127.0.0.1", "0", st,
		&fakeQueue{}, &fakeSignerProbe{}, nil, nil)

	code, body := serve(t, h, "/status/r1")
	require.Equal(t, http.StatusOK, code)

	data := body["data"].(map[string]interface{})
	assert.Equal(t, "r1", data["requestId"])
	assert.Equal(t, "mint", data["kind"])
	assert.Equal(t, "pending", data["status"])
	assert.Equal(t, account.Hex(), data["account"])
	assert.Equal(t, "1000", data["amount"])
	assert.Equal(t, "REF-1", data["fiatRef"])
	_, hasTx := data["txHash"]
	assert.False(t, hasTx, "pending request has no tx hash")

	code, body = serve(t, h, "/status/ghost")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body["error"], "ghost")
}

func TestQueueStatsRoute(t *testing.T) {
	h := NewHttpReporter("127.0.0.1", "0", getTestLedger(t),
		&fakeQueue{stats: map[string]jobqueue.QueueStats{
			"mint": {Waiting: 2, Completed: 5},
		}},
		&fakeSignerProbe{}, nil, nil)

	code, body := serve(t, h, ROUTE_QUEUE_STATS)
	require.Equal(t, http.StatusOK, code)

	data := body["data"].(map[string]interface{})
	mint := data["mint"].(map[string]interface{})
	assert.Equal(t, float64(2), mint["waiting"])
	assert.Equal(t, float64(5), mint["completed"])
}
