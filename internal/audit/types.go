package audit

import (
	"errors"
	"time"

	"github.com/FairForge/drcore/internal/replication"
	"github.com/FairForge/drcore/internal/topology"
	"github.com/google/uuid"
)

var (
	ErrDecisionNotFound  = errors.New("audit: decision not found")
	ErrDuplicateDecision = errors.New("audit: duplicate decision")
	ErrAlreadyResolved   = errors.New("audit: decision already resolved")
	ErrInvalidOutcome    = errors.New("audit: invalid outcome")
)

// Outcome is the terminal result of a failover decision
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeAborted   Outcome = "aborted"
)

// Valid reports whether o is a terminal outcome
func (o Outcome) Valid() bool {
	return o == OutcomeCommitted || o == OutcomeAborted
}

// Decision records the engine's choice to move the primary role. It is
// written before routing is touched and never modified afterwards.
type Decision struct {
	ID                  uuid.UUID            `json:"id"`
	From                topology.RegionID    `json:"from_region"`
	To                  topology.RegionID    `json:"to_region"`
	Timestamp           time.Time            `json:"timestamp"`
	TriggerReason       string               `json:"trigger_reason"`
	TriggerEpoch        uint64               `json:"trigger_epoch"`
	ReplicationSnapshot replication.Snapshot `json:"replication_snapshot"`
	Forced              bool                 `json:"forced"`
}

// Resolution is the single terminal record following a decision
type Resolution struct {
	Outcome Outcome   `json:"outcome"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Record is a decision together with its resolution, if any
type Record struct {
	Decision
	Resolution *Resolution `json:"resolution,omitempty"`
}

// Pending reports whether the decision has no terminal outcome yet
func (r Record) Pending() bool {
	return r.Resolution == nil
}
