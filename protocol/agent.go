package protocol

import (
	"fmt"
	"strings"
	"time"
)

// AgentStatus is the registry-visible liveness state of an agent.
type AgentStatus string

const (
	StatusActive   AgentStatus = "active"
	StatusInactive AgentStatus = "inactive"
)

// DefaultMaxConcurrentTasks is used when a record leaves the limit unset.
const DefaultMaxConcurrentTasks = 5

// DefaultProtocols lists the protocol versions an agent speaks by default.
var DefaultProtocols = []string{"a2a_v1.0"}

// AgentRecord is the registry entry for an agent. CapabilityTypes,
// LocationIndex and TagIndex are derived fields kept in sync by RebuildIndex.
type AgentRecord struct {
	AgentID             string            `json:"agent_id"`
	Name                string            `json:"name"`
	Description         string            `json:"description"`
	Version             string            `json:"version"`
	Capabilities        []Capability      `json:"capabilities"`
	ContactInfo         map[string]string `json:"contact_info,omitempty"`
	Location            string            `json:"location,omitempty"`
	Tags                []string          `json:"tags,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	LastSeen            time.Time         `json:"last_seen"`
	Status              AgentStatus       `json:"status"`
	ResponseTimeMs      *int              `json:"response_time_ms,omitempty"`
	SuccessRate         *float64          `json:"success_rate,omitempty"`
	TotalTasksCompleted int               `json:"total_tasks_completed"`
	MaxConcurrentTasks  int               `json:"max_concurrent_tasks"`
	SupportedProtocols  []string          `json:"supported_protocols"`

	CapabilityTypes []CapabilityType `json:"capability_types"`
	LocationIndex   string           `json:"location_index,omitempty"`
	TagIndex        []string         `json:"tag_index,omitempty"`
}

// NewAgentRecord returns a record with defaults applied.
func NewAgentRecord(agentID, name, description string) *AgentRecord {
	r := &AgentRecord{
		AgentID:     agentID,
		Name:        name,
		Description: description,
	}
	r.ApplyDefaults()
	return r
}

// ApplyDefaults fills unset version, concurrency limit, protocols and status.
func (r *AgentRecord) ApplyDefaults() {
	if r.Version == "" {
		r.Version = DefaultVersion
	}
	if r.MaxConcurrentTasks == 0 {
		r.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if len(r.SupportedProtocols) == 0 {
		r.SupportedProtocols = append([]string(nil), DefaultProtocols...)
	}
	if r.Status == "" {
		r.Status = StatusActive
	}
	for i := range r.Capabilities {
		if r.Capabilities[i].Version == "" {
			r.Capabilities[i].Version = DefaultVersion
		}
	}
}

// Validate returns every rule the record violates. An empty result means the
// record is acceptable.
func (r *AgentRecord) Validate(catalog *Catalog) []string {
	var violations []string
	if strings.TrimSpace(r.Name) == "" {
		violations = append(violations, "Agent name is required")
	}
	if strings.TrimSpace(r.Description) == "" {
		violations = append(violations, "Agent description is required")
	}
	if len(r.Capabilities) == 0 {
		violations = append(violations, "At least one capability is required")
	}
	seen := make(map[CapabilityType]bool, len(r.Capabilities))
	for i, c := range r.Capabilities {
		if strings.TrimSpace(c.Name) == "" {
			violations = append(violations, fmt.Sprintf("Capability %d must have a name", i))
		}
		if strings.TrimSpace(c.Description) == "" {
			violations = append(violations, fmt.Sprintf("Capability %d must have a description", i))
		}
		if catalog != nil && !catalog.Known(c.Type) {
			violations = append(violations, fmt.Sprintf("Capability %d has invalid type: %s", i, c.Type))
		}
		if c.Confidence < 0 || c.Confidence > 1 {
			violations = append(violations, fmt.Sprintf("Capability %d confidence must be between 0 and 1", i))
		}
		if seen[c.Type] {
			violations = append(violations, fmt.Sprintf("Capability %d duplicates type %s", i, c.Type))
		}
		seen[c.Type] = true
	}
	if r.SuccessRate != nil && (*r.SuccessRate < 0 || *r.SuccessRate > 1) {
		violations = append(violations, "Success rate must be between 0 and 1")
	}
	if r.MaxConcurrentTasks < 1 {
		violations = append(violations, "Max concurrent tasks must be at least 1")
	}
	return violations
}

// RebuildIndex recomputes the derived capability, location and tag indexes.
func (r *AgentRecord) RebuildIndex() {
	r.CapabilityTypes = make([]CapabilityType, 0, len(r.Capabilities))
	for _, c := range r.Capabilities {
		r.CapabilityTypes = append(r.CapabilityTypes, c.Type)
	}
	r.LocationIndex = strings.ToLower(strings.TrimSpace(r.Location))
	r.TagIndex = nil
	seen := make(map[string]bool, len(r.Tags))
	for _, tag := range r.Tags {
		lower := strings.ToLower(strings.TrimSpace(tag))
		if lower == "" || seen[lower] {
			continue
		}
		seen[lower] = true
		r.TagIndex = append(r.TagIndex, lower)
	}
}

// AddCapability adds c, replacing any capability of the same type.
func (r *AgentRecord) AddCapability(c Capability) {
	for i := range r.Capabilities {
		if r.Capabilities[i].Type == c.Type {
			r.Capabilities[i] = c
			r.RebuildIndex()
			return
		}
	}
	r.Capabilities = append(r.Capabilities, c)
	r.RebuildIndex()
}

// RemoveCapability drops the capability of type t and reports whether one existed.
func (r *AgentRecord) RemoveCapability(t CapabilityType) bool {
	for i := range r.Capabilities {
		if r.Capabilities[i].Type == t {
			r.Capabilities = append(r.Capabilities[:i], r.Capabilities[i+1:]...)
			r.RebuildIndex()
			return true
		}
	}
	return false
}

// GetCapability returns the capability of type t.
func (r *AgentRecord) GetCapability(t CapabilityType) (Capability, bool) {
	for _, c := range r.Capabilities {
		if c.Type == t {
			return c, true
		}
	}
	return Capability{}, false
}

// HasCapability reports whether the record advertises t.
func (r *AgentRecord) HasCapability(t CapabilityType) bool {
	_, ok := r.GetCapability(t)
	return ok
}

// Types returns the advertised capability types in record order.
func (r *AgentRecord) Types() []CapabilityType {
	out := make([]CapabilityType, 0, len(r.Capabilities))
	for _, c := range r.Capabilities {
		out = append(out, c.Type)
	}
	return out
}

// HasTag reports whether the record carries tag, ignoring case.
func (r *AgentRecord) HasTag(tag string) bool {
	lower := strings.ToLower(strings.TrimSpace(tag))
	for _, t := range r.TagIndex {
		if t == lower {
			return true
		}
	}
	return false
}

// ContactQueue is the contact_info key naming the queue an agent reads.
const ContactQueue = "queue"

// Queue returns the agent's inbound queue: contact_info["queue"] when set,
// otherwise the agent ID.
func (r *AgentRecord) Queue() string {
	if q := strings.TrimSpace(r.ContactInfo[ContactQueue]); q != "" {
		return q
	}
	return r.AgentID
}

// IsActive reports whether the agent is marked active and was seen within timeout.
// A zero timeout disables the staleness check.
func (r *AgentRecord) IsActive(now time.Time, timeout time.Duration) bool {
	if r.Status != StatusActive {
		return false
	}
	if timeout <= 0 {
		return true
	}
	return now.Sub(r.LastSeen) <= timeout
}

// Clone returns a deep copy of the record.
func (r *AgentRecord) Clone() *AgentRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Capabilities = make([]Capability, len(r.Capabilities))
	for i, src := range r.Capabilities {
		c.Capabilities[i] = src
		if src.Parameters != nil {
			params := make(map[string]any, len(src.Parameters))
			for k, v := range src.Parameters {
				params[k] = v
			}
			c.Capabilities[i].Parameters = params
		}
	}
	if r.ContactInfo != nil {
		c.ContactInfo = make(map[string]string, len(r.ContactInfo))
		for k, v := range r.ContactInfo {
			c.ContactInfo[k] = v
		}
	}
	c.Tags = append([]string(nil), r.Tags...)
	c.SupportedProtocols = append([]string(nil), r.SupportedProtocols...)
	c.CapabilityTypes = append([]CapabilityType(nil), r.CapabilityTypes...)
	c.TagIndex = append([]string(nil), r.TagIndex...)
	if r.ResponseTimeMs != nil {
		v := *r.ResponseTimeMs
		c.ResponseTimeMs = &v
	}
	if r.SuccessRate != nil {
		v := *r.SuccessRate
		c.SuccessRate = &v
	}
	return &c
}

// AgentSummary is a compact view of a record for logs and discovery replies.
type AgentSummary struct {
	AgentID         string           `json:"agent_id"`
	Name            string           `json:"name"`
	Status          AgentStatus      `json:"status"`
	Location        string           `json:"location,omitempty"`
	CapabilityTypes []CapabilityType `json:"capability_types"`
	LastSeen        time.Time        `json:"last_seen"`
	SuccessRate     *float64         `json:"success_rate,omitempty"`
}

// Summary returns the compact view of the record.
func (r *AgentRecord) Summary() AgentSummary {
	return AgentSummary{
		AgentID:         r.AgentID,
		Name:            r.Name,
		Status:          r.Status,
		Location:        r.Location,
		CapabilityTypes: r.Types(),
		LastSeen:        r.LastSeen,
		SuccessRate:     r.SuccessRate,
	}
}
