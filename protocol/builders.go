package protocol

import (
	"encoding/json"
	"time"
)

// Task response statuses reported by executing agents.
const (
	ResponseCompleted = "completed"
	ResponseFailed    = "failed"
	ResponseRejected  = "rejected"
)

// NewDiscoveryRequest asks the receiver for agents matching q.
func NewDiscoveryRequest(senderID, recipientID string, q DiscoveryQuery, timeoutSeconds int) *Message {
	q = q.Normalize()
	payload := map[string]any{
		"required_capabilities": typeStrings(q.RequiredCapabilities),
		"optional_capabilities": typeStrings(q.OptionalCapabilities),
		"location_preference":   q.Location,
		"tags":                  append([]string{}, q.Tags...),
		"max_results":           q.MaxResults,
		"active_only":           q.ActiveOnly,
		"timeout_seconds":       timeoutSeconds,
	}
	return NewMessage(MsgDiscoveryRequest, senderID, recipientID, payload)
}

// DiscoveryQueryFromMessage rebuilds the query carried by a discovery request.
func DiscoveryQueryFromMessage(catalog *Catalog, m *Message) (DiscoveryQuery, error) {
	required, err := catalog.ParseList(m.PayloadStrings("required_capabilities"))
	if err != nil {
		return DiscoveryQuery{}, err
	}
	optional, err := catalog.ParseList(m.PayloadStrings("optional_capabilities"))
	if err != nil {
		return DiscoveryQuery{}, err
	}
	q := DiscoveryQuery{
		RequiredCapabilities: required,
		OptionalCapabilities: optional,
		Location:             m.PayloadString("location_preference"),
		Tags:                 m.PayloadStrings("tags"),
		MaxResults:           m.PayloadInt("max_results", DefaultMaxResults),
		ActiveOnly:           true,
	}
	if v, ok := m.Payload["active_only"].(bool); ok {
		q.ActiveOnly = v
	}
	return q.Normalize(), nil
}

// NewDiscoveryResponse answers request with the matching agents.
func NewDiscoveryResponse(request *Message, senderID string, agents []*AgentRecord, totalFound int) *Message {
	payload := map[string]any{
		"request_id":  request.MessageID,
		"agents":      jsonValue(agents),
		"total_found": totalFound,
		"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	return request.Reply(MsgDiscoveryResponse, senderID, payload)
}

// DiscoveredAgents decodes the agents listed in a discovery response.
func DiscoveredAgents(m *Message) ([]*AgentRecord, error) {
	var agents []*AgentRecord
	if err := m.DecodePayload("agents", &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// NewTaskRequest hands task to recipientID. The task is carried in its JSON form.
func NewTaskRequest(senderID, recipientID string, task any, expectedDurationMinutes int) *Message {
	payload := map[string]any{
		"task":                      jsonValue(task),
		"expected_duration_minutes": expectedDurationMinutes,
	}
	return NewMessage(MsgTaskRequest, senderID, recipientID, payload)
}

// TaskResponse is the outcome an agent reports for a task request.
type TaskResponse struct {
	TaskID       string         `json:"task_id"`
	Status       string         `json:"status"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// NewTaskResponse replies to a task request with resp.
func NewTaskResponse(request *Message, senderID string, resp TaskResponse) *Message {
	payload := map[string]any{
		"task_id":       resp.TaskID,
		"status":        resp.Status,
		"result":        jsonValue(resp.Result),
		"error_message": resp.ErrorMessage,
		"timestamp":     time.Now().UTC().Format(time.RFC3339Nano),
	}
	return request.Reply(MsgTaskResponse, senderID, payload)
}

// TaskResponseFromMessage extracts the outcome carried by a task response.
func TaskResponseFromMessage(m *Message) TaskResponse {
	resp := TaskResponse{
		TaskID:       m.PayloadString("task_id"),
		Status:       m.PayloadString("status"),
		ErrorMessage: m.PayloadString("error_message"),
	}
	if r, ok := m.Payload["result"].(map[string]any); ok {
		resp.Result = r
	}
	return resp
}

// NewHeartbeat reports liveness, load and available capabilities.
func NewHeartbeat(senderID, status string, currentLoad float64, available []CapabilityType) *Message {
	payload := map[string]any{
		"status":                 status,
		"current_load":           currentLoad,
		"available_capabilities": typeStrings(available),
	}
	return NewMessage(MsgHeartbeat, senderID, "", payload)
}

// NewRegistration announces record to the coordinator.
func NewRegistration(senderID string, record *AgentRecord) *Message {
	payload := map[string]any{
		"agent_card":       jsonValue(record),
		"protocol_version": Version,
	}
	return NewMessage(MsgRegistration, senderID, "", payload)
}

// NewDeregistration announces that senderID is leaving.
func NewDeregistration(senderID string) *Message {
	payload := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	return NewMessage(MsgDeregistration, senderID, "", payload)
}

func typeStrings(types []CapabilityType) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, string(t))
	}
	return out
}

// jsonValue normalizes v to the shape it has after a JSON round trip so
// in-process and transported payloads look the same to handlers.
func jsonValue(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
