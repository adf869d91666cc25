package tasks

import (
	"fmt"
	"slices"

	"github.com/NeuralCoder007/aws-a2a/protocol"
)

// ParamType names the JSON kind a task parameter must have.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamNumber ParamType = "number"
	ParamBool   ParamType = "bool"
	ParamObject ParamType = "object"
	ParamArray  ParamType = "array"
)

func (p ParamType) matches(v any) bool {
	switch p {
	case ParamString:
		_, ok := v.(string)
		return ok
	case ParamNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64:
			return true
		}
		return false
	case ParamBool:
		_, ok := v.(bool)
		return ok
	case ParamObject:
		_, ok := v.(map[string]any)
		return ok
	case ParamArray:
		switch v.(type) {
		case []any, []string:
			return true
		}
		return false
	}
	return true
}

// ValidateParameters checks that every required parameter is present and
// that present parameters listed in types have the named kind. Violations
// are returned in a stable order.
func ValidateParameters(params map[string]any, required []string, types map[string]ParamType) []string {
	var violations []string
	for _, name := range required {
		if _, ok := params[name]; !ok {
			violations = append(violations, fmt.Sprintf("Required parameter '%s' is missing", name))
		}
	}
	names := make([]string, 0, len(types))
	for name := range types {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		v, ok := params[name]
		if ok && !types[name].matches(v) {
			violations = append(violations, fmt.Sprintf("Parameter '%s' must be of type %s", name, types[name]))
		}
	}
	return violations
}

// ValidateAssignment lists the task's required capabilities the agent lacks.
func ValidateAssignment(task *Task, capabilities []protocol.CapabilityType) []string {
	var violations []string
	for _, c := range protocol.Missing(capabilities, task.RequiredCapabilities) {
		violations = append(violations, fmt.Sprintf("Agent missing required capability: %s", c))
	}
	return violations
}
