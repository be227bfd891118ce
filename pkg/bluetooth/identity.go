package bluetooth

import (
	"fmt"
	"strings"

	"github.com/paypal/gatt"
)

// CharacteristicProperty is a bit set of what a central may do with a characteristic
type CharacteristicProperty uint8

const (
	PropRead CharacteristicProperty = 1 << iota
	PropWrite
	PropNotify
)

// WriteFunc is called with a copy of the data a central wrote
type WriteFunc func(connID string, data []byte)

// CharacteristicDescriptor describes one characteristic of a service
type CharacteristicDescriptor struct {
	UUID       string
	Properties CharacteristicProperty
	// Value is returned for reads
	Value   []byte
	OnWrite WriteFunc
}

// ServiceDescriptor describes one advertised service
type ServiceDescriptor struct {
	UUID            string
	Characteristics []CharacteristicDescriptor
}

// PeripheralIdentity is the name and services the peripheral presents. It is
// never mutated after NewPeripheralIdentity returns.
type PeripheralIdentity struct {
	name     string
	services []ServiceDescriptor
}

// NewPeripheralIdentity validates the service UUIDs and copies the descriptors
func NewPeripheralIdentity(name string, services []ServiceDescriptor) (*PeripheralIdentity, error) {
	if name == "" {
		return nil, fmt.Errorf("peripheral name is required")
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("at least one service is required")
	}

	seen := make(map[string]bool)
	for _, s := range services {
		if _, err := gatt.ParseUUID(s.UUID); err != nil {
			return nil, fmt.Errorf("invalid service uuid %q: %w", s.UUID, err)
		}
		key := strings.ToLower(s.UUID)
		if seen[key] {
			return nil, fmt.Errorf("duplicate service uuid %q", s.UUID)
		}
		seen[key] = true
		for _, c := range s.Characteristics {
			if _, err := gatt.ParseUUID(c.UUID); err != nil {
				return nil, fmt.Errorf("invalid characteristic uuid %q in service %s: %w", c.UUID, s.UUID, err)
			}
		}
	}

	return &PeripheralIdentity{
		name:     name,
		services: copyServices(services),
	}, nil
}

// Name returns the local name
func (p *PeripheralIdentity) Name() string {
	return p.name
}

// Services returns a copy of the service descriptors
func (p *PeripheralIdentity) Services() []ServiceDescriptor {
	return copyServices(p.services)
}

// ServiceUUIDs returns the service identifiers in declaration order
func (p *PeripheralIdentity) ServiceUUIDs() []string {
	ids := make([]string, len(p.services))
	for i, s := range p.services {
		ids[i] = s.UUID
	}
	return ids
}

func copyServices(in []ServiceDescriptor) []ServiceDescriptor {
	out := make([]ServiceDescriptor, len(in))
	for i, s := range in {
		out[i] = ServiceDescriptor{UUID: s.UUID}
		if s.Characteristics == nil {
			continue
		}
		out[i].Characteristics = make([]CharacteristicDescriptor, len(s.Characteristics))
		for j, c := range s.Characteristics {
			cc := c
			if c.Value != nil {
				cc.Value = make([]byte, len(c.Value))
				copy(cc.Value, c.Value)
			}
			out[i].Characteristics[j] = cc
		}
	}
	return out
}
