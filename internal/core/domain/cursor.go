package domain

import "time"

// Cursor is the persisted position of a deployment. Block is nil until the
// first block at StartBlock has been applied.
type Cursor struct {
	DeploymentID string
	StartBlock   uint64
	Block        *BlockPtr
	State        CursorState
	Reason       string
	UpdatedAt    time.Time
}

// Next returns the number of the block the deployment expects next.
func (c *Cursor) Next() uint64 {
	if c.Block == nil {
		return c.StartBlock
	}
	return c.Block.Number + 1
}

// Height returns the last applied block number and whether one exists.
func (c *Cursor) Height() (uint64, bool) {
	if c.Block == nil {
		return 0, false
	}
	return c.Block.Number, true
}

type CursorState string

const (
	CursorStateInit    CursorState = "init"
	CursorStateSyncing CursorState = "syncing"
	CursorStateReorg   CursorState = "reorg"
	CursorStatePaused  CursorState = "paused"
	CursorStateFailed  CursorState = "failed"
)
