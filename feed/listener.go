package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	logger "github.com/sirupsen/logrus"
)

// MintInstruction is one settlement event from the fiat feed. Amount is a
// decimal string of base token units.
type MintInstruction struct {
	RequestId string `json:"requestId"`
	User      string `json:"user"`
	Amount    string `json:"amount"`
	FiatRef   string `json:"fiatRef"`
	Timestamp int64  `json:"timestamp"`
}

// MintProcessor admits one instruction. Implementations must be idempotent
// on RequestId since the fallback poll replays instructions the websocket
// already delivered.
type MintProcessor interface {
	ProcessRequest(ctx context.Context, instr *MintInstruction) error
}

// Listener keeps one logical connection to the settlement feed and hands
// every parsed instruction to the processor. A dropped connection is
// re-dialed with doubling backoff; past the attempt ceiling the listener
// stops permanently and health checks report it disconnected.
type Listener struct {
	cfg       Config
	processor MintProcessor

	httpClient *http.Client
	connected  atomic.Bool
	done       chan struct{}
}

func NewListener(cfg Config, processor MintProcessor) *Listener {
	cfg = cfg.withDefaults()
	return &Listener{
		cfg:        cfg,
		processor:  processor,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		done:       make(chan struct{}),
	}
}

// Connected reports whether the websocket is currently up.
func (l *Listener) Connected() bool {
	return l.connected.Load()
}

// Done closes when the listener has stopped, either by context cancellation
// or by exhausting its reconnect attempts.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

func (l *Listener) Start(ctx context.Context) {
	go l.run(ctx)
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)

	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.cfg.WsURL, nil)
		if err != nil {
			attempts++
			if attempts >= l.cfg.MaxReconnects {
				logger.WithFields(logger.Fields{
					"url":      l.cfg.WsURL,
					"attempts": attempts,
				}).Error("settlement feed unreachable, listener giving up")
				return
			}

			delay := l.cfg.ReconnectBase << (attempts - 1)
			logger.WithFields(logger.Fields{
				"url":     l.cfg.WsURL,
				"attempt": attempts,
				"delay":   delay,
			}).Warn("settlement feed dial failed, retrying")

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		attempts = 0
		l.connected.Store(true)
		logger.WithField("url", l.cfg.WsURL).Info("settlement feed connected")

		l.readLoop(ctx, conn)
		l.connected.Store(false)

		if ctx.Err() != nil {
			return
		}
		logger.Warn("settlement feed disconnected")
	}
}

// readLoop consumes messages until the connection drops or ctx is
// cancelled. The connection is closed from a watcher goroutine so a
// blocked read observes cancellation.
func (l *Listener) readLoop(ctx context.Context, conn *websocket.Conn) {
	watcherDone := make(chan struct{})
	defer close(watcherDone)
	go func() {
		select {
		case <-ctx.Done():
		case <-watcherDone:
		}
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		l.handleMessage(ctx, message)
	}
}

// handleMessage parses and dispatches one raw feed message. The feed does
// not resend, so a parse failure is logged loudly and the message dropped.
func (l *Listener) handleMessage(ctx context.Context, message []byte) {
	var instr MintInstruction
	if err := json.Unmarshal(message, &instr); err != nil || instr.RequestId == "" {
		logger.WithFields(logger.Fields{
			"payload": string(message),
			"err":     err,
		}).Error("dropping unparseable settlement feed message")
		return
	}

	if err := l.processor.ProcessRequest(ctx, &instr); err != nil {
		logger.WithFields(logger.Fields{
			"requestId": instr.RequestId,
			"err":       err,
		}).Error("failed to admit mint instruction")
	}
}

// PollPending fetches instructions the feed still marks pending and replays
// them through the normal dispatch path. Admission is idempotent, so
// instructions already seen over the websocket collapse to no-ops. Returns
// the number of instructions dispatched.
func (l *Listener) PollPending(ctx context.Context) (int, error) {
	url := l.cfg.RestURL + "/mint-requests/pending"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("pending poll returned status %d", resp.StatusCode)
	}

	var pending []MintInstruction
	if err := json.NewDecoder(resp.Body).Decode(&pending); err != nil {
		return 0, fmt.Errorf("failed to decode pending instructions: %v", err)
	}

	for i := range pending {
		if err := l.processor.ProcessRequest(ctx, &pending[i]); err != nil {
			logger.WithFields(logger.Fields{
				"requestId": pending[i].RequestId,
				"err":       err,
			}).Error("failed to admit polled mint instruction")
		}
	}
	return len(pending), nil
}
