// internal/failover/state.go
package failover

import (
	"errors"
	"time"

	"github.com/FairForge/drcore/internal/audit"
	"github.com/FairForge/drcore/internal/replication"
	"github.com/FairForge/drcore/internal/topology"
	"github.com/google/uuid"
)

var (
	ErrInsufficientReplicationConfidence = errors.New("failover: insufficient replication confidence")
	ErrRoutingUpdateConflict             = errors.New("failover: routing update conflict")
	ErrPromotionPartialFailure           = errors.New("failover: promotion partial failure")
	ErrPairHalted                        = errors.New("failover: region pair halted")
	ErrPairNotHalted                     = errors.New("failover: region pair not halted")
	ErrUnknownRegion                     = errors.New("failover: unknown region")
	ErrAlreadyPrimary                    = errors.New("failover: region is already primary")
	ErrInvalidOverride                   = errors.New("failover: invalid override")
	ErrEngineStopped                     = errors.New("failover: engine stopped")
)

// State of the decision engine
type State string

const (
	StateSteady      State = "STEADY"
	StateEvaluating  State = "EVALUATING"
	StatePromoting   State = "PROMOTING"
	StatePromoted    State = "PROMOTED"
	StateReconciling State = "RECONCILING"
	StateAborted     State = "ABORTED"
)

// AllStates lists every engine state
var AllStates = []State{StateSteady, StateEvaluating, StatePromoting, StatePromoted, StateReconciling, StateAborted}

// Pair is an ordered promotion pair
type Pair struct {
	From topology.RegionID `json:"from_region"`
	To   topology.RegionID `json:"to_region"`
}

// HaltedPair is a pair excluded from promotion until an operator clears it
type HaltedPair struct {
	Pair
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Block suppresses automatic promotion until Until
type Block struct {
	Reason string    `json:"reason"`
	Until  time.Time `json:"until"`
}

// Cycle describes the evaluation in progress
type Cycle struct {
	From      topology.RegionID `json:"from_region"`
	Epoch     uint64            `json:"epoch"`
	Reason    string            `json:"reason"`
	Forced    bool              `json:"forced"`
	Target    topology.RegionID `json:"target,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Restarts  int               `json:"restarts"`
}

// Reconciliation tracks the return of a demoted primary as a secondary
type Reconciliation struct {
	Primary   topology.RegionID       `json:"primary"`
	Demoted   topology.RegionID       `json:"demoted"`
	Channels  []replication.ChannelID `json:"channels"`
	StartedAt time.Time               `json:"started_at"`
	Deadline  time.Time               `json:"deadline"`
}

// DecisionSummary is the latest decision and its outcome
type DecisionSummary struct {
	ID      uuid.UUID         `json:"id"`
	From    topology.RegionID `json:"from_region"`
	To      topology.RegionID `json:"to_region"`
	Forced  bool              `json:"forced"`
	Outcome audit.Outcome     `json:"outcome,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	At      time.Time         `json:"at"`
}

// TransitionRecord is one entry of the state history
type TransitionRecord struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Status is the queryable current state of the engine
type Status struct {
	State           State              `json:"state"`
	Primary         topology.RegionID  `json:"primary"`
	RegistryVersion uint64             `json:"registry_version"`
	RoutingVersion  uint64             `json:"routing_version"`
	Blocker         string             `json:"blocker,omitempty"`
	Cycle           *Cycle             `json:"cycle,omitempty"`
	Block           *Block             `json:"block,omitempty"`
	Halted          []HaltedPair       `json:"halted,omitempty"`
	Reconciliation  *Reconciliation    `json:"reconciliation,omitempty"`
	LastDecision    *DecisionSummary   `json:"last_decision,omitempty"`
	History         []TransitionRecord `json:"history"`
}

func (s Status) clone() Status {
	out := s
	if s.Cycle != nil {
		c := *s.Cycle
		out.Cycle = &c
	}
	if s.Block != nil {
		b := *s.Block
		out.Block = &b
	}
	if s.Reconciliation != nil {
		r := *s.Reconciliation
		r.Channels = append([]replication.ChannelID(nil), s.Reconciliation.Channels...)
		out.Reconciliation = &r
	}
	if s.LastDecision != nil {
		d := *s.LastDecision
		out.LastDecision = &d
	}
	out.Halted = append([]HaltedPair(nil), s.Halted...)
	out.History = append([]TransitionRecord(nil), s.History...)
	return out
}
