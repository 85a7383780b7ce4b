package domain

import "time"

// FailedBlock is a report of a block a deployment could not process.
type FailedBlock struct {
	ID           string            `json:"id"`
	DeploymentID string            `json:"deployment_id"`
	BlockNumber  uint64            `json:"block_number"`
	BlockHash    string            `json:"block_hash"`
	FailureType  FailureType       `json:"failure_type"`
	Error        string            `json:"error_msg"`
	RetryCount   int               `json:"retry_count"`
	Status       FailedBlockStatus `json:"status"`
	LastAttempt  time.Time         `json:"last_attempt"`
	CreatedAt    time.Time         `json:"created_at"`
}

type FailedBlockStatus string

const (
	FailedBlockStatusPending  FailedBlockStatus = "pending"
	FailedBlockStatusResolved FailedBlockStatus = "resolved"
	FailedBlockStatusIgnored  FailedBlockStatus = "ignored"
)

type FailureType string

const (
	FailureTypeEndpoint  FailureType = "endpoint"
	FailureTypeFuel      FailureType = "fuel"
	FailureTypeTimeout   FailureType = "timeout"
	FailureTypeHandler   FailureType = "handler"
	FailureTypeHost      FailureType = "host"
	FailureTypeStore     FailureType = "store"
	FailureTypeDeepReorg FailureType = "deep_reorg"
)
