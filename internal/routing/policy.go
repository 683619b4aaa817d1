// internal/routing/policy.go
package routing

import (
	"errors"
	"fmt"

	"github.com/FairForge/drcore/internal/topology"
)

var (
	ErrInvalidPolicy  = errors.New("routing: invalid policy")
	ErrPolicyNotFound = errors.New("routing: policy not found")
)

// EntryKind tags a routing entry
type EntryKind string

const (
	KindWeighted EntryKind = "weighted"
	KindFailover EntryKind = "failover"
)

// Mode selects the entry kind used when the engine builds a policy
type Mode string

const (
	ModeFailover Mode = "failover"
	ModeWeighted Mode = "weighted"
)

// WeightedEntry sends a share of traffic proportional to Weight
type WeightedEntry struct {
	Weight int `json:"weight"`
}

// FailoverEntry serves traffic in Rank order; rank 0 is active
type FailoverEntry struct {
	Rank int `json:"rank"`
}

// Entry is one record of a record set. Exactly one of Weighted and Failover
// is set.
type Entry struct {
	Region   topology.RegionID `json:"region_id"`
	Endpoint string            `json:"endpoint,omitempty"`
	Weighted *WeightedEntry    `json:"weighted,omitempty"`
	Failover *FailoverEntry    `json:"failover,omitempty"`
}

// Kind returns the entry's tag
func (e Entry) Kind() (EntryKind, error) {
	switch {
	case e.Weighted != nil && e.Failover != nil:
		return "", fmt.Errorf("%w: entry for %s is both weighted and failover", ErrInvalidPolicy, e.Region)
	case e.Weighted != nil:
		return KindWeighted, nil
	case e.Failover != nil:
		return KindFailover, nil
	default:
		return "", fmt.Errorf("%w: entry for %s has no kind", ErrInvalidPolicy, e.Region)
	}
}

// Policy is a versioned DNS-style record set, replaced as a whole
type Policy struct {
	RecordSetID string  `json:"record_set_id"`
	Entries     []Entry `json:"entries"`
	Version     uint64  `json:"version"`
}

// Validate checks the record set before it is committed
func (p Policy) Validate() error {
	if p.RecordSetID == "" {
		return fmt.Errorf("%w: record set id required", ErrInvalidPolicy)
	}
	if len(p.Entries) == 0 {
		return fmt.Errorf("%w: record set %s has no entries", ErrInvalidPolicy, p.RecordSetID)
	}

	var kind EntryKind
	regions := make(map[topology.RegionID]bool, len(p.Entries))
	ranks := make(map[int]bool, len(p.Entries))
	totalWeight := 0

	for _, e := range p.Entries {
		if e.Region == "" {
			return fmt.Errorf("%w: entry region required", ErrInvalidPolicy)
		}
		if regions[e.Region] {
			return fmt.Errorf("%w: duplicate entry for %s", ErrInvalidPolicy, e.Region)
		}
		regions[e.Region] = true

		k, err := e.Kind()
		if err != nil {
			return err
		}
		if kind == "" {
			kind = k
		} else if k != kind {
			return fmt.Errorf("%w: record set %s mixes %s and %s entries", ErrInvalidPolicy, p.RecordSetID, kind, k)
		}

		switch k {
		case KindWeighted:
			if e.Weighted.Weight < 0 {
				return fmt.Errorf("%w: negative weight for %s", ErrInvalidPolicy, e.Region)
			}
			totalWeight += e.Weighted.Weight
		case KindFailover:
			if e.Failover.Rank < 0 {
				return fmt.Errorf("%w: negative rank for %s", ErrInvalidPolicy, e.Region)
			}
			if ranks[e.Failover.Rank] {
				return fmt.Errorf("%w: duplicate rank %d", ErrInvalidPolicy, e.Failover.Rank)
			}
			ranks[e.Failover.Rank] = true
		}
	}

	if kind == KindWeighted && totalWeight == 0 {
		return fmt.Errorf("%w: all weights are zero", ErrInvalidPolicy)
	}
	if kind == KindFailover && !ranks[0] {
		return fmt.Errorf("%w: no rank 0 entry", ErrInvalidPolicy)
	}
	return nil
}

// Kind returns the entry kind of a valid policy
func (p Policy) Kind() EntryKind {
	if len(p.Entries) == 0 {
		return ""
	}
	k, _ := p.Entries[0].Kind()
	return k
}

// Active returns the region currently receiving traffic: the rank 0 entry,
// or the heaviest weighted entry (first wins ties)
func (p Policy) Active() topology.RegionID {
	var active topology.RegionID
	best := -1
	for _, e := range p.Entries {
		switch {
		case e.Failover != nil && e.Failover.Rank == 0:
			return e.Region
		case e.Weighted != nil && e.Weighted.Weight > best:
			best = e.Weighted.Weight
			active = e.Region
		}
	}
	return active
}

// Clone returns a deep copy
func (p Policy) Clone() Policy {
	out := Policy{
		RecordSetID: p.RecordSetID,
		Version:     p.Version,
		Entries:     make([]Entry, len(p.Entries)),
	}
	for i, e := range p.Entries {
		c := Entry{Region: e.Region, Endpoint: e.Endpoint}
		if e.Weighted != nil {
			w := *e.Weighted
			c.Weighted = &w
		}
		if e.Failover != nil {
			f := *e.Failover
			c.Failover = &f
		}
		out.Entries[i] = c
	}
	return out
}

// PolicyFor builds the record set that sends all traffic to primary. In
// failover mode secondaries follow in the given order; in weighted mode they
// get weight zero.
func PolicyFor(mode Mode, recordSetID string, primary topology.Region, secondaries []topology.Region) Policy {
	p := Policy{RecordSetID: recordSetID}
	add := func(region topology.Region, i int) {
		e := Entry{Region: region.ID, Endpoint: region.Endpoint}
		if mode == ModeWeighted {
			weight := 0
			if i == 0 {
				weight = 100
			}
			e.Weighted = &WeightedEntry{Weight: weight}
		} else {
			e.Failover = &FailoverEntry{Rank: i}
		}
		p.Entries = append(p.Entries, e)
	}

	add(primary, 0)
	i := 1
	for _, s := range secondaries {
		if s.ID == primary.ID {
			continue
		}
		add(s, i)
		i++
	}
	return p
}
