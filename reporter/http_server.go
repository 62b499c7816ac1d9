// This is a http type of reporter.
// It fetches data from the request ledger, the job queue and the chain
// gateways and publishes it on the http routes.

package reporter

import (
	"context"
	"fmt"
	"net/http"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/fiatbridge/relayer-go/jobqueue"
	"github.com/fiatbridge/relayer-go/ledger"
)

const (
	ROUTE_HEALTH      = "/health"
	ROUTE_STATUS      = "/status/:requestId"
	ROUTE_QUEUE_STATS = "/queue-stats"
)

// QueueStatsSource is the queue surface the reporter reads.
type QueueStatsSource interface {
	Stats() (map[string]jobqueue.QueueStats, error)
}

// SignerProbe verifies the remote signer is reachable.
type SignerProbe interface {
	SignerAddress(ctx context.Context) (ethcommon.Address, error)
}

// ChainProbe verifies one chain's RPC node is reachable.
type ChainProbe interface {
	ChainID() uint64
	BlockNumber(ctx context.Context) (uint64, error)
}

// FeedProbe reports the settlement feed connection state.
type FeedProbe interface {
	Connected() bool
}

type HttpReporter struct {
	serverIP   string // listen ip
	serverPort string // listen port

	// upstream data sources
	st     *ledger.Ledger
	queue  QueueStatsSource
	signer SignerProbe
	chains []ChainProbe
	feed   FeedProbe

	startedAt time.Time
}

func NewHttpReporter(
	serverIP string,
	serverPort string,
	st *ledger.Ledger,
	queue QueueStatsSource,
	signer SignerProbe,
	chains []ChainProbe,
	feed FeedProbe,
) *HttpReporter {
	return &HttpReporter{
		serverIP:   serverIP,
		serverPort: serverPort,
		st:         st,
		queue:      queue,
		signer:     signer,
		chains:     chains,
		feed:       feed,
		startedAt:  time.Now(),
	}
}

// Hook up routes & handlers
func (h *HttpReporter) SetupRouter() *gin.Engine {
	router := gin.Default()

	router.GET(ROUTE_HEALTH, h.Health)
	router.GET(ROUTE_STATUS, h.Status)
	router.GET(ROUTE_QUEUE_STATS, h.QueueStats)

	return router
}

// Hook up router & ip:port
func (h *HttpReporter) Run() {
	router := h.SetupRouter()
	address := h.serverIP + ":" + h.serverPort
	if err := router.Run(address); err != nil {
		panic(err)
	}
}

// Health probes every dependency and reports per-service state. The
// overall status degrades when any probe fails; the route itself always
// answers 200 so orchestrators can read the detail.
func (h *HttpReporter) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	services := gin.H{}
	healthy := true

	if err := h.st.Ping(); err != nil {
		services["database"] = "down: " + err.Error()
		healthy = false
	} else {
		services["database"] = "up"
	}

	if addr, err := h.signer.SignerAddress(ctx); err != nil {
		services["signer"] = "down: " + err.Error()
		healthy = false
	} else {
		services["signer"] = addr.Hex()
	}

	if h.feed != nil {
		if h.feed.Connected() {
			services["feed"] = "connected"
		} else {
			services["feed"] = "disconnected"
			healthy = false
		}
	}

	chains := gin.H{}
	for _, chain := range h.chains {
		key := fmt.Sprintf("%d", chain.ChainID())
		if blockNumber, err := chain.BlockNumber(ctx); err != nil {
			chains[key] = "down: " + err.Error()
			healthy = false
		} else {
			chains[key] = blockNumber
		}
	}
	services["chains"] = chains

	status := "ok"
	if !healthy {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   status,
		"uptime":   time.Since(h.startedAt).Round(time.Second).String(),
		"services": services,
	})
}

type requestResponse struct {
	RequestId    string `json:"requestId"`
	Kind         string `json:"kind"`
	Status       string `json:"status"`
	Account      string `json:"account"`
	Amount       string `json:"amount"`
	ChainId      uint64 `json:"chainId"`
	TxHash       string `json:"txHash,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	FiatRef      string `json:"fiatRef,omitempty"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
}

// Status publishes one request's lifecycle record.
func (h *HttpReporter) Status(c *gin.Context) {
	requestId := c.Param("requestId")

	rec, ok, err := h.st.GetRequest(requestId)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no request with id " + requestId})
		return
	}

	resp := requestResponse{
		RequestId:    rec.RequestID,
		Kind:         string(rec.Kind),
		Status:       string(rec.Status),
		Account:      rec.Account.Hex(),
		Amount:       rec.Amount.String(),
		ChainId:      rec.ChainID,
		ErrorMessage: rec.ErrorMessage,
		FiatRef:      rec.FiatRef,
		CreatedAt:    rec.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if rec.TxHash != (ethcommon.Hash{}) {
		resp.TxHash = rec.TxHash.Hex()
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// QueueStats publishes per-queue job counters.
func (h *HttpReporter) QueueStats(c *gin.Context) {
	stats, err := h.queue.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats})
}
