package protocol

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/NeuralCoder007/aws-a2a/errors"
)

// Discovery result limits.
const (
	DefaultMaxResults = 10
	MaxResultsLimit   = 100
)

// DiscoveryQuery selects agents by capability, location and tags.
type DiscoveryQuery struct {
	RequiredCapabilities []CapabilityType `json:"required_capabilities"`
	OptionalCapabilities []CapabilityType `json:"optional_capabilities,omitempty"`
	Location             string           `json:"location,omitempty"`
	Tags                 []string         `json:"tags,omitempty"`
	MaxResults           int              `json:"max_results"`
	ActiveOnly           bool             `json:"active_only"`
}

// NewDiscoveryQuery returns an active-only query with the default limit.
func NewDiscoveryQuery(required ...CapabilityType) DiscoveryQuery {
	return DiscoveryQuery{
		RequiredCapabilities: required,
		MaxResults:           DefaultMaxResults,
		ActiveOnly:           true,
	}
}

// Normalize clamps MaxResults into [1, MaxResultsLimit], using the default for zero.
func (q DiscoveryQuery) Normalize() DiscoveryQuery {
	switch {
	case q.MaxResults <= 0:
		q.MaxResults = DefaultMaxResults
	case q.MaxResults > MaxResultsLimit:
		q.MaxResults = MaxResultsLimit
	}
	return q
}

// Validate rejects capability types outside catalog.
func (q DiscoveryQuery) Validate(catalog *Catalog) error {
	var violations []string
	for _, t := range q.RequiredCapabilities {
		if !catalog.Known(t) {
			violations = append(violations, fmt.Sprintf("Invalid capability type: %s", t))
		}
	}
	for _, t := range q.OptionalCapabilities {
		if !catalog.Known(t) {
			violations = append(violations, fmt.Sprintf("Invalid capability type: %s", t))
		}
	}
	if len(violations) > 0 {
		return errors.Validation("invalid discovery query", violations)
	}
	return nil
}

// ParseDiscoveryQuery builds a query from request parameters. Recognized keys:
// capabilities, optional_capabilities, tags (comma-separated or repeated),
// location, limit and active_only.
func ParseDiscoveryQuery(catalog *Catalog, values url.Values) (DiscoveryQuery, error) {
	required, err := catalog.ParseList(listParam(values, "capabilities"))
	if err != nil {
		return DiscoveryQuery{}, err
	}
	optional, err := catalog.ParseList(listParam(values, "optional_capabilities"))
	if err != nil {
		return DiscoveryQuery{}, err
	}
	q := DiscoveryQuery{
		RequiredCapabilities: required,
		OptionalCapabilities: optional,
		Location:             strings.TrimSpace(values.Get("location")),
		Tags:                 listParam(values, "tags"),
		MaxResults:           DefaultMaxResults,
		ActiveOnly:           true,
	}
	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return DiscoveryQuery{}, errors.InvalidInput(fmt.Sprintf("Invalid limit: %s", raw))
		}
		q.MaxResults = n
	}
	if raw := values.Get("active_only"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return DiscoveryQuery{}, errors.InvalidInput(fmt.Sprintf("Invalid active_only: %s", raw))
		}
		q.ActiveOnly = b
	}
	return q.Normalize(), nil
}

func listParam(values url.Values, key string) []string {
	var out []string
	for _, v := range values[key] {
		out = append(out, splitList(v)...)
	}
	return out
}
