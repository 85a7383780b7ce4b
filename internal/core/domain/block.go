package domain

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrMalformedBlock is returned when an endpoint response fails basic validation.
var ErrMalformedBlock = errors.New("malformed block")

// BlockPtr identifies a block by number and hash.
type BlockPtr struct {
	Number uint64      `json:"number"`
	Hash   common.Hash `json:"hash"`
}

func (p BlockPtr) String() string {
	return fmt.Sprintf("#%d (%s)", p.Number, p.Hash.TerminalString())
}

// Block is a block descriptor with its raw events in chain order.
type Block struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
	Timestamp  uint64
	Events     []RawEvent
}

// Ptr returns the (number, hash) identity of the block.
func (b *Block) Ptr() BlockPtr {
	return BlockPtr{Number: b.Number, Hash: b.Hash}
}

// ParentPtr returns the identity of the parent block. Only valid for Number > 0.
func (b *Block) ParentPtr() BlockPtr {
	return BlockPtr{Number: b.Number - 1, Hash: b.ParentHash}
}

// Validate checks that the descriptor is internally consistent.
func (b *Block) Validate() error {
	if b.Hash == (common.Hash{}) {
		return fmt.Errorf("%w: block %d has empty hash", ErrMalformedBlock, b.Number)
	}
	if b.Number > 0 && b.ParentHash == (common.Hash{}) {
		return fmt.Errorf("%w: block %d has empty parent hash", ErrMalformedBlock, b.Number)
	}
	if b.ParentHash == b.Hash {
		return fmt.Errorf("%w: block %d is its own parent", ErrMalformedBlock, b.Number)
	}
	for i := 1; i < len(b.Events); i++ {
		if b.Events[i].Before(b.Events[i-1]) {
			return fmt.Errorf("%w: block %d events out of order at %d", ErrMalformedBlock, b.Number, i)
		}
	}
	return nil
}
