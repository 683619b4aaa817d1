// internal/topology/registry.go
package topology

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrUnknownRegion   = errors.New("topology: unknown region")
	ErrVersionConflict = errors.New("topology: version conflict")
	ErrInvalidTopology = errors.New("topology: invalid topology")
)

// RegionID identifies a deployment region (e.g. "us-east-1")
type RegionID string

// Role is the declared role of a region
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
)

// Region describes one region of the DR topology
type Region struct {
	ID       RegionID `json:"id"`
	Role     Role     `json:"role"`
	Endpoint string   `json:"endpoint"`
	Priority int      `json:"priority"` // lower wins ties
}

// Snapshot is a consistent read of the registry
type Snapshot struct {
	Version uint64   `json:"version"`
	Primary RegionID `json:"primary"`
	Regions []Region `json:"regions"`
}

// Registry holds the region set and the single versioned primary-role record.
// Role assignment changes only through SwapPrimary.
type Registry struct {
	mu      sync.RWMutex
	regions map[RegionID]Region
	primary RegionID
	version uint64
	logger  *zap.Logger
}

// NewRegistry creates a registry from the declared regions
func NewRegistry(regions []Region, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	byID, primary, err := indexRegions(regions)
	if err != nil {
		return nil, err
	}
	if primary == "" {
		return nil, fmt.Errorf("%w: exactly one primary region required", ErrInvalidTopology)
	}

	return &Registry{
		regions: byID,
		primary: primary,
		version: 1,
		logger:  logger,
	}, nil
}

func indexRegions(regions []Region) (map[RegionID]Region, RegionID, error) {
	if len(regions) == 0 {
		return nil, "", fmt.Errorf("%w: no regions declared", ErrInvalidTopology)
	}

	byID := make(map[RegionID]Region, len(regions))
	var primary RegionID
	for _, region := range regions {
		if region.ID == "" {
			return nil, "", fmt.Errorf("%w: region id required", ErrInvalidTopology)
		}
		if _, dup := byID[region.ID]; dup {
			return nil, "", fmt.Errorf("%w: duplicate region %s", ErrInvalidTopology, region.ID)
		}
		switch region.Role {
		case RolePrimary:
			if primary != "" {
				return nil, "", fmt.Errorf("%w: both %s and %s declared primary", ErrInvalidTopology, primary, region.ID)
			}
			primary = region.ID
		case RoleSecondary, "":
			region.Role = RoleSecondary
		default:
			return nil, "", fmt.Errorf("%w: region %s has unknown role %q", ErrInvalidTopology, region.ID, region.Role)
		}
		byID[region.ID] = region
	}
	return byID, primary, nil
}

// Snapshot returns a copy of the registry state
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Snapshot{
		Version: r.version,
		Primary: r.primary,
		Regions: r.sortedLocked(),
	}
}

// Region returns a region by ID
func (r *Registry) Region(id RegionID) (Region, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	region, ok := r.regions[id]
	return region, ok
}

// Contains reports whether the region is part of the topology
func (r *Registry) Contains(id RegionID) bool {
	_, ok := r.Region(id)
	return ok
}

// Primary returns the current primary and the registry version it was read at
func (r *Registry) Primary() (Region, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.regions[r.primary], r.version
}

// Version returns the current registry version
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Secondaries returns all secondaries ordered by priority
func (r *Registry) Secondaries() []Region {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.sortedLocked()
	out := make([]Region, 0, len(all))
	for _, region := range all {
		if region.Role == RoleSecondary {
			out = append(out, region)
		}
	}
	return out
}

// IDs returns all region IDs ordered by priority
func (r *Registry) IDs() []RegionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.sortedLocked()
	ids := make([]RegionID, len(all))
	for i, region := range all {
		ids[i] = region.ID
	}
	return ids
}

// SwapPrimary promotes newPrimary and demotes the current primary in one
// compare-and-swap against expectedVersion.
func (r *Registry) SwapPrimary(expectedVersion uint64, newPrimary RegionID) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.version != expectedVersion {
		return r.version, fmt.Errorf("%w: expected %d, current %d", ErrVersionConflict, expectedVersion, r.version)
	}

	target, ok := r.regions[newPrimary]
	if !ok {
		return r.version, fmt.Errorf("%w: %s", ErrUnknownRegion, newPrimary)
	}
	if newPrimary == r.primary {
		return r.version, fmt.Errorf("%w: %s is already primary", ErrInvalidTopology, newPrimary)
	}

	old := r.regions[r.primary]
	old.Role = RoleSecondary
	r.regions[old.ID] = old

	target.Role = RolePrimary
	r.regions[target.ID] = target

	r.primary = newPrimary
	r.version++

	r.logger.Info("primary role swapped",
		zap.String("from", string(old.ID)),
		zap.String("to", string(newPrimary)),
		zap.Uint64("version", r.version))

	return r.version, nil
}

// Reload replaces endpoints, priorities and the secondary set. The current
// role assignment is kept: declared roles in the new set are advisory and the
// current primary must still be present.
func (r *Registry) Reload(regions []Region) (uint64, error) {
	byID, declared, err := indexRegions(regions)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := byID[r.primary]; !ok {
		return r.version, fmt.Errorf("%w: reload removes current primary %s", ErrInvalidTopology, r.primary)
	}
	if declared != "" && declared != r.primary {
		r.logger.Warn("reloaded topology declares a different primary, keeping current",
			zap.String("declared", string(declared)),
			zap.String("current", string(r.primary)))
	}

	for id, region := range byID {
		if id == r.primary {
			region.Role = RolePrimary
		} else {
			region.Role = RoleSecondary
		}
		byID[id] = region
	}

	r.regions = byID
	r.version++

	r.logger.Info("topology reloaded",
		zap.Int("regions", len(byID)),
		zap.Uint64("version", r.version))

	return r.version, nil
}

func (r *Registry) sortedLocked() []Region {
	out := make([]Region, 0, len(r.regions))
	for _, region := range r.regions {
		out = append(out, region)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}
