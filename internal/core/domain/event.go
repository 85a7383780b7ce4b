package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RawEventKind distinguishes logs from top-level calls.
type RawEventKind string

const (
	RawEventLog  RawEventKind = "log"
	RawEventCall RawEventKind = "call"
)

// RawEvent is a log or call as delivered by the chain endpoint.
type RawEvent struct {
	Kind     RawEventKind
	TxIndex  uint
	LogIndex uint // logs only
	TxHash   common.Hash
	Address  common.Address // emitting contract for logs, callee for calls
	Topics   []common.Hash
	Data     []byte

	From   common.Address
	Input  []byte
	Output []byte
	Value  *big.Int
}

// Before reports whether e sorts strictly before other in block order.
// Within a transaction the call precedes the logs it produced.
func (e RawEvent) Before(other RawEvent) bool {
	if e.TxIndex != other.TxIndex {
		return e.TxIndex < other.TxIndex
	}
	if e.Kind != other.Kind {
		return e.Kind == RawEventCall
	}
	return e.Kind == RawEventLog && e.LogIndex < other.LogIndex
}

// Selector returns the 4-byte function selector of a call, or nil.
func (e RawEvent) Selector() []byte {
	if e.Kind != RawEventCall || len(e.Input) < 4 {
		return nil
	}
	return e.Input[:4]
}

// ChangeKind labels entries of the change feed.
type ChangeKind string

const (
	ChangeApplied   ChangeKind = "applied"
	ChangeReverted  ChangeKind = "reverted"
	ChangeFinalized ChangeKind = "finalized"
)

// ChangeEvent notifies downstream readers that a deployment moved.
type ChangeEvent struct {
	Deployment  string     `json:"deployment"`
	Kind        ChangeKind `json:"kind"`
	Block       BlockPtr   `json:"block"`
	EntityTypes []string   `json:"entity_types,omitempty"`
	EmittedAt   time.Time  `json:"emitted_at"`
}
