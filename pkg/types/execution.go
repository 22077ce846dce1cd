package types

import (
	"math/big"
	"time"
)

// ExecutionStatus is the state of an opportunity inside the execution engine
type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "pending"
	ExecutionPreparing  ExecutionStatus = "preparing"
	ExecutionSubmitting ExecutionStatus = "submitting"
	ExecutionSubmitted  ExecutionStatus = "submitted"
	ExecutionIncluded   ExecutionStatus = "included"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionExpired    ExecutionStatus = "expired"
)

// Terminal reports whether no further transition is possible
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionIncluded, ExecutionFailed, ExecutionExpired:
		return true
	}
	return false
}

// ExecutionResult is the terminal report handed back to the originating strategy
type ExecutionResult struct {
	ExecutionID   string              `json:"executionId"`
	OpportunityID string              `json:"opportunityId"`
	Strategy      string              `json:"strategy"`
	Status        ExecutionStatus     `json:"status"`
	Reason        string              `json:"reason,omitempty"`
	RelayResults  []*SubmissionResult `json:"relayResults,omitempty"`
	GasCost       *big.Int            `json:"gasCost,omitempty"`
	NetProfit     *big.Int            `json:"netProfit,omitempty"`
	Duration      time.Duration       `json:"duration"`
}
