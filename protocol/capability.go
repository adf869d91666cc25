// Package protocol defines the data model shared by agents and coordinators:
// capability types, agent records, messages and discovery queries.
package protocol

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/NeuralCoder007/aws-a2a/errors"
)

// CapabilityType names a kind of work an agent can perform.
type CapabilityType string

// Built-in capability types.
const (
	CapTextProcessing     CapabilityType = "text_processing"
	CapImageProcessing    CapabilityType = "image_processing"
	CapDataAnalysis       CapabilityType = "data_analysis"
	CapWebScraping        CapabilityType = "web_scraping"
	CapAPIIntegration     CapabilityType = "api_integration"
	CapMachineLearning    CapabilityType = "machine_learning"
	CapFileProcessing     CapabilityType = "file_processing"
	CapDatabaseOperations CapabilityType = "database_operations"
	CapCustom             CapabilityType = "custom"
)

var builtinCapabilities = []CapabilityType{
	CapTextProcessing,
	CapImageProcessing,
	CapDataAnalysis,
	CapWebScraping,
	CapAPIIntegration,
	CapMachineLearning,
	CapFileProcessing,
	CapDatabaseOperations,
	CapCustom,
}

var capabilityNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Catalog is the closed set of capability types a deployment accepts.
// It holds the built-in types plus any extras named in configuration.
// A Catalog is immutable once built and safe for concurrent use.
type Catalog struct {
	known map[CapabilityType]struct{}
	order []CapabilityType
}

// DefaultCatalog returns a catalog with only the built-in types.
func DefaultCatalog() *Catalog {
	c, _ := NewCatalog()
	return c
}

// NewCatalog returns a catalog with the built-in types plus extra.
// Extra names must be lowercase snake_case.
func NewCatalog(extra ...string) (*Catalog, error) {
	c := &Catalog{known: make(map[CapabilityType]struct{}, len(builtinCapabilities)+len(extra))}
	for _, t := range builtinCapabilities {
		c.add(t)
	}
	for _, name := range extra {
		name = strings.TrimSpace(name)
		if !capabilityNamePattern.MatchString(name) {
			return nil, errors.InvalidInput(fmt.Sprintf("invalid capability type name %q", name))
		}
		c.add(CapabilityType(name))
	}
	return c, nil
}

func (c *Catalog) add(t CapabilityType) {
	if _, ok := c.known[t]; ok {
		return
	}
	c.known[t] = struct{}{}
	c.order = append(c.order, t)
}

// Known reports whether t belongs to the catalog.
func (c *Catalog) Known(t CapabilityType) bool {
	_, ok := c.known[t]
	return ok
}

// Types returns the catalog members in registration order.
func (c *Catalog) Types() []CapabilityType {
	return append([]CapabilityType(nil), c.order...)
}

// Parse converts a raw string to a capability type.
// Unknown values produce an INVALID_INPUT error naming the value.
func (c *Catalog) Parse(s string) (CapabilityType, error) {
	t := CapabilityType(strings.TrimSpace(s))
	if !c.Known(t) {
		return "", errors.InvalidInput(fmt.Sprintf("Invalid capability type: %s", s),
			errors.WithMetadata("known", c.String()))
	}
	return t, nil
}

// ParseList parses each value, failing on the first unknown one.
// Duplicates are dropped and first-seen order is kept.
func (c *Catalog) ParseList(values []string) ([]CapabilityType, error) {
	out := make([]CapabilityType, 0, len(values))
	seen := make(map[CapabilityType]bool, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		t, err := c.Parse(v)
		if err != nil {
			return nil, err
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out, nil
}

// String lists the known types, sorted.
func (c *Catalog) String() string {
	names := make([]string, 0, len(c.order))
	for _, t := range c.order {
		names = append(names, string(t))
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// Capability is a typed skill an agent advertises.
type Capability struct {
	Type        CapabilityType `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Version     string         `json:"version"`
	Confidence  float64        `json:"confidence"`
}

// DefaultVersion is used for agents and capabilities that do not set one.
const DefaultVersion = "1.0.0"

// NewCapability returns a capability with default version and full confidence.
func NewCapability(t CapabilityType, name, description string) Capability {
	return Capability{
		Type:        t,
		Name:        name,
		Description: description,
		Version:     DefaultVersion,
		Confidence:  1.0,
	}
}

// ContainsAll reports whether have holds every type in want.
func ContainsAll(have, want []CapabilityType) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[CapabilityType]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

// Missing returns the members of want absent from have, in want order.
func Missing(have, want []CapabilityType) []CapabilityType {
	set := make(map[CapabilityType]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	var out []CapabilityType
	for _, t := range want {
		if _, ok := set[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}
