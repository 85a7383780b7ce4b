package domain

import "github.com/ethereum/go-ethereum/common"

// DynamicSource records a data source instantiated from a template by a
// mapping handler. It becomes active at CreatedAt and is dropped when that
// block is reverted.
type DynamicSource struct {
	Template  string         `json:"template"`
	Address   common.Address `json:"address"`
	CreatedAt uint64         `json:"created_at"`
}
