package ledger

import (
	"fmt"
	"math/big"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/fiatbridge/relayer-go/common"
)

type RequestKind string

const (
	KindMint   RequestKind = "mint"
	KindRedeem RequestKind = "redeem"
)

type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusFailed     RequestStatus = "failed"
)

// IsTerminal reports whether no further transition may leave this status.
func (s RequestStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// RequestRecord is the durable record of one mint or redeem request,
// keyed by the caller-supplied idempotency key.
type RequestRecord struct {
	RequestID    string
	Kind         RequestKind
	Status       RequestStatus
	Account      ethcommon.Address
	Amount       *big.Int
	ChainID      uint64
	TxHash       ethcommon.Hash // zero until completed
	ErrorMessage string
	FiatRef      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (r *RequestRecord) String() string {
	return fmt.Sprintf("request{id=%s kind=%s status=%s amount=%v chain=%d}",
		r.RequestID, r.Kind, r.Status, r.Amount, r.ChainID)
}

// DeployedStablecoin records one per-tenant contract deployment.
type DeployedStablecoin struct {
	ID               string
	TokenName        string
	TokenSymbol      string
	ContractAddress  ethcommon.Address
	DeployerAddress  ethcommon.Address
	DeploymentTxHash ethcommon.Hash
	BlockNumber      uint64
	ChainID          uint64
	IsActive         bool
}

type sqlRequest struct {
	RequestID    string
	Kind         string
	Status       string
	Account      string
	Amount       string
	ChainID      uint64
	TxHash       *string
	ErrorMessage *string
	FiatRef      *string
	CreatedAt    int64
	UpdatedAt    int64
}

func (s *sqlRequest) encode(r *RequestRecord) *sqlRequest {
	s.RequestID = r.RequestID
	s.Kind = string(r.Kind)
	s.Status = string(r.Status)
	s.Account = r.Account.String()[2:]
	s.Amount = r.Amount.String()
	s.ChainID = r.ChainID
	if r.TxHash != (ethcommon.Hash{}) {
		h := r.TxHash.String()[2:]
		s.TxHash = &h
	}
	if r.ErrorMessage != "" {
		s.ErrorMessage = &r.ErrorMessage
	}
	if r.FiatRef != "" {
		s.FiatRef = &r.FiatRef
	}
	s.CreatedAt = r.CreatedAt.Unix()
	s.UpdatedAt = r.UpdatedAt.Unix()
	return s
}

func (s *sqlRequest) decode() (*RequestRecord, error) {
	amount, ok := common.DecStrToBigInt(s.Amount)
	if !ok {
		return nil, fmt.Errorf("stored amount is not a decimal string: %q", s.Amount)
	}

	r := &RequestRecord{
		RequestID: s.RequestID,
		Kind:      RequestKind(s.Kind),
		Status:    RequestStatus(s.Status),
		Account:   ethcommon.HexToAddress("0x" + s.Account),
		Amount:    amount,
		ChainID:   s.ChainID,
		CreatedAt: time.Unix(s.CreatedAt, 0).UTC(),
		UpdatedAt: time.Unix(s.UpdatedAt, 0).UTC(),
	}
	if s.TxHash != nil {
		r.TxHash = ethcommon.HexToHash("0x" + *s.TxHash)
	}
	if s.ErrorMessage != nil {
		r.ErrorMessage = *s.ErrorMessage
	}
	if s.FiatRef != nil {
		r.FiatRef = *s.FiatRef
	}
	return r, nil
}
