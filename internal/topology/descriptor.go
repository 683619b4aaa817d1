package topology

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Descriptor is the provisioned-infrastructure descriptor the topology is
// loaded from
type Descriptor struct {
	Regions  []RegionDescriptor  `yaml:"regions" validate:"required,min=1,dive"`
	Channels []ChannelDescriptor `yaml:"channels" validate:"dive"`
	Routing  RoutingDescriptor   `yaml:"routing"`
}

// RegionDescriptor declares a region
type RegionDescriptor struct {
	ID       string `yaml:"id" validate:"required"`
	Role     string `yaml:"role" validate:"required,oneof=primary secondary"`
	Endpoint string `yaml:"endpoint" validate:"required"`
	Priority int    `yaml:"priority" validate:"gte=0"`
}

// ChannelDescriptor declares a replication channel between two regions
type ChannelDescriptor struct {
	ID        string            `yaml:"id"`
	Source    string            `yaml:"source" validate:"required"`
	Dest      string            `yaml:"dest" validate:"required,nefield=Source"`
	StoreKind string            `yaml:"store_kind" validate:"required,oneof=relational kv_global_table object_store"`
	TargetRPO time.Duration     `yaml:"target_rpo" validate:"gt=0"`
	Adapter   AdapterDescriptor `yaml:"adapter"`
}

// AdapterDescriptor selects the lag adapter polled for a channel. An empty
// type means samples are only pushed through the replication feed.
type AdapterDescriptor struct {
	Type    string            `yaml:"type" validate:"omitempty,oneof=postgres s3 redis"`
	Options map[string]string `yaml:"options"`
}

// RoutingDescriptor declares the DNS-style record set the router manages
type RoutingDescriptor struct {
	RecordSetID string `yaml:"record_set_id" validate:"required"`
	Mode        string `yaml:"mode" validate:"required,oneof=failover weighted"`
}

var validate = validator.New()

// LoadDescriptor reads and validates a descriptor file
func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	return ParseDescriptor(data)
}

// ParseDescriptor decodes and validates a YAML descriptor
func ParseDescriptor(data []byte) (*Descriptor, error) {
	var desc Descriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return &desc, nil
}

// Validate checks field constraints and cross references
func (d *Descriptor) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTopology, err)
	}

	if _, _, err := indexRegions(d.RegionList()); err != nil {
		return err
	}

	primaries := 0
	known := make(map[string]bool, len(d.Regions))
	for _, r := range d.Regions {
		known[r.ID] = true
		if r.Role == string(RolePrimary) {
			primaries++
		}
	}
	if primaries != 1 {
		return fmt.Errorf("%w: exactly one primary region required, got %d", ErrInvalidTopology, primaries)
	}

	seenID := make(map[string]bool, len(d.Channels))
	seenDestKind := make(map[string]bool, len(d.Channels))
	for _, ch := range d.Channels {
		if !known[ch.Source] || !known[ch.Dest] {
			return fmt.Errorf("%w: channel %s references unknown region", ErrInvalidTopology, ch.ChannelID())
		}
		id := ch.ChannelID()
		if seenID[id] {
			return fmt.Errorf("%w: duplicate channel %s", ErrInvalidTopology, id)
		}
		seenID[id] = true

		destKind := ch.Dest + "/" + ch.StoreKind
		if seenDestKind[destKind] {
			return fmt.Errorf("%w: more than one %s channel into %s", ErrInvalidTopology, ch.StoreKind, ch.Dest)
		}
		seenDestKind[destKind] = true
	}

	return nil
}

// RegionList converts the declared regions to registry regions
func (d *Descriptor) RegionList() []Region {
	out := make([]Region, len(d.Regions))
	for i, r := range d.Regions {
		out[i] = Region{
			ID:       RegionID(r.ID),
			Role:     Role(r.Role),
			Endpoint: r.Endpoint,
			Priority: r.Priority,
		}
	}
	return out
}

// DeclaredPrimary returns the region the descriptor marks primary
func (d *Descriptor) DeclaredPrimary() RegionID {
	for _, r := range d.Regions {
		if Role(r.Role) == RolePrimary {
			return RegionID(r.ID)
		}
	}
	return ""
}

// ChannelID returns the declared ID or one derived from the ordered pair and
// store kind
func (c ChannelDescriptor) ChannelID() string {
	if c.ID != "" {
		return c.ID
	}
	return fmt.Sprintf("%s->%s/%s", c.Source, c.Dest, c.StoreKind)
}
