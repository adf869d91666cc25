package analyzer

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/NeuralCoder007/aws-a2a/errors"
	"github.com/NeuralCoder007/aws-a2a/protocol"
	"github.com/NeuralCoder007/aws-a2a/tasks"
)

const systemPrompt = "You classify work items for a multi-agent system. " +
	"Reply with a single JSON object and nothing else."

// capabilityHints describes the built-in types for the model.
var capabilityHints = map[protocol.CapabilityType]string{
	protocol.CapTextProcessing:     "text analysis, summarization, translation",
	protocol.CapImageProcessing:    "image recognition, analysis, generation",
	protocol.CapDataAnalysis:       "statistical analysis, data processing",
	protocol.CapWebScraping:        "fetching and extracting web content",
	protocol.CapAPIIntegration:     "calling external APIs",
	protocol.CapMachineLearning:    "model training and inference",
	protocol.CapFileProcessing:     "reading, converting and writing files",
	protocol.CapDatabaseOperations: "queries and updates against databases",
	protocol.CapCustom:             "anything else",
}

func buildPrompt(catalog *protocol.Catalog, text string) string {
	var b strings.Builder
	b.WriteString("Analyze this task and identify the required capabilities and task type.\n\n")
	b.WriteString("Task: ")
	b.WriteString(strings.TrimSpace(text))
	b.WriteString("\n\nAvailable capability types:\n")
	for _, t := range catalog.Types() {
		if hint, ok := capabilityHints[t]; ok {
			fmt.Fprintf(&b, "- %s: %s\n", t, hint)
		} else {
			fmt.Fprintf(&b, "- %s\n", t)
		}
	}
	b.WriteString(`
Return a JSON object with:
{
  "task_type": "string",
  "required_capabilities": ["capability1", "capability2"],
  "complexity": "low|medium|high",
  "estimated_duration_minutes": number,
  "priority": "low|normal|high|urgent"
}
`)
	return b.String()
}

type rawAnalysis struct {
	TaskType             string   `json:"task_type"`
	RequiredCapabilities []string `json:"required_capabilities"`
	Complexity           string   `json:"complexity"`
	EstimatedDuration    float64  `json:"estimated_duration_minutes"`
	Priority             string   `json:"priority"`
}

// ParseAnalysis decodes a model reply. The JSON object may be wrapped in a
// markdown fence or surrounded by prose. Capability names are matched
// case-insensitively; names the catalog does not know are returned in
// dropped rather than failing the parse.
func ParseAnalysis(catalog *protocol.Catalog, reply string) (a *Analysis, dropped []string, err error) {
	body, ok := extractObject(reply)
	if !ok {
		return nil, nil, errors.InvalidInput("analysis reply contains no JSON object")
	}

	var raw rawAnalysis
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, nil, errors.InvalidInput("analysis reply is not valid JSON", errors.WithCause(err))
	}

	a = &Analysis{
		TaskType:   strings.TrimSpace(raw.TaskType),
		Complexity: parseComplexity(raw.Complexity),
		Priority:   parsePriority(raw.Priority),
	}
	if raw.EstimatedDuration > 0 {
		a.EstimatedDurationMinutes = int(math.Ceil(raw.EstimatedDuration))
	}

	seen := make(map[protocol.CapabilityType]bool)
	for _, name := range raw.RequiredCapabilities {
		t := protocol.CapabilityType(strings.ToLower(strings.TrimSpace(name)))
		if !catalog.Known(t) {
			dropped = append(dropped, name)
			continue
		}
		if !seen[t] {
			seen[t] = true
			a.RequiredCapabilities = append(a.RequiredCapabilities, t)
		}
	}
	return a, dropped, nil
}

// extractObject returns the outermost {...} span of s.
func extractObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

func parseComplexity(s string) Complexity {
	switch c := Complexity(strings.ToLower(strings.TrimSpace(s))); c {
	case ComplexityLow, ComplexityMedium, ComplexityHigh:
		return c
	}
	return ""
}

// parsePriority maps the model's vocabulary onto task priorities.
// "medium" is accepted as normal.
func parsePriority(s string) tasks.Priority {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "medium" {
		return tasks.PriorityNormal
	}
	p, err := tasks.ParsePriority(s)
	if err != nil {
		return ""
	}
	return p
}
