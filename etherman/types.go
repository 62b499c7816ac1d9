package etherman

import (
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

// Params to call the stablecoin contract's mintWithApproval()
type MintParams struct {
	RequestId string
	To        ethcommon.Address
	Amount    *big.Int
	Nonce     *big.Int // approval nonce, not the account tx nonce
	Deadline  *big.Int // unix seconds
	Signature []byte   // 65-byte r||s||v approval signature
}

// Params to call the stablecoin contract's finalizeRedeem()
type RedeemParams struct {
	RequestId string
	From      ethcommon.Address
	Amount    *big.Int
	Nonce     *big.Int
	Deadline  *big.Int
	Signature []byte
}

// EventMeta carries the log position shared by every decoded event.
type EventMeta struct {
	TxHash      ethcommon.Hash
	BlockNumber uint64
	ChainId     uint64
}

type RedeemRequestedEvent struct {
	RequestId string
	From      ethcommon.Address
	Amount    *big.Int
	EventMeta
}

type MintedEvent struct {
	RequestId string
	To        ethcommon.Address
	Amount    *big.Int
	EventMeta
}

type RedeemedEvent struct {
	RequestId string
	From      ethcommon.Address
	Amount    *big.Int
	EventMeta
}

type KYCApprovedEvent struct {
	User      ethcommon.Address
	Timestamp *big.Int
	Name      string
	Symbol    string
	EventMeta
}

// EventBatch is the decoded result of one FilterEvents call.
type EventBatch struct {
	RedeemRequested []RedeemRequestedEvent
	Minted          []MintedEvent
	Redeemed        []RedeemedEvent
	KYCApproved     []KYCApprovedEvent
}

func (b *EventBatch) Empty() bool {
	return len(b.RedeemRequested) == 0 && len(b.Minted) == 0 &&
		len(b.Redeemed) == 0 && len(b.KYCApproved) == 0
}
