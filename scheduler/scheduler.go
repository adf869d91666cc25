package scheduler

import (
	"sort"
	"time"

	"github.com/NeuralCoder007/aws-a2a/protocol"
	"github.com/NeuralCoder007/aws-a2a/tasks"
)

// Scoring constants.
const (
	// OverdueBonus is added to the score of a task past its deadline.
	OverdueBonus = 10.0

	// AgeWeightPerHour is added per hour a task has existed.
	AgeWeightPerHour = 0.1

	// DefaultSuccessRate stands in for agents with no track record.
	DefaultSuccessRate = 0.5
)

// Score ranks a task for dispatch: its priority weight, plus OverdueBonus
// once the deadline has passed, plus AgeWeightPerHour per hour of age.
// Tasks stamped in the future count as zero age.
func Score(t *tasks.Task, now time.Time) float64 {
	score := float64(t.Priority.Weight())
	if t.Deadline != nil && now.After(*t.Deadline) {
		score += OverdueBonus
	}
	if age := t.Age(now); age > 0 {
		score += AgeWeightPerHour * age.Hours()
	}
	return score
}

// Prioritize returns ts ordered by descending Score. Equal scores keep
// their input order. The input slice is not modified.
func Prioritize(ts []*tasks.Task, now time.Time) []*tasks.Task {
	type scored struct {
		task  *tasks.Task
		score float64
	}
	ranked := make([]scored, len(ts))
	for i, t := range ts {
		ranked[i] = scored{task: t, score: Score(t, now)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	out := make([]*tasks.Task, len(ranked))
	for i, r := range ranked {
		out[i] = r.task
	}
	return out
}

// Candidate is an agent considered for a task.
type Candidate struct {
	AgentID      string
	Capabilities []protocol.CapabilityType

	// Load is the fraction of the agent's concurrency in use, 0..1.
	Load float64

	// SuccessRate is nil for agents with no history.
	SuccessRate *float64
}

// fitness is (1 - load) * success rate, with load clamped to [0, 1].
func (c Candidate) fitness() float64 {
	load := min(max(c.Load, 0), 1)
	rate := DefaultSuccessRate
	if c.SuccessRate != nil {
		rate = *c.SuccessRate
	}
	return (1 - load) * rate
}

// SelectAgent picks the candidate best suited to t among those holding all
// of its required capabilities. The highest fitness wins; ties go to the
// lexicographically smallest agent ID. ok is false when no candidate
// qualifies.
func SelectAgent(t *tasks.Task, candidates []Candidate) (agentID string, ok bool) {
	best := -1.0
	for _, c := range candidates {
		if !protocol.ContainsAll(c.Capabilities, t.RequiredCapabilities) {
			continue
		}
		f := c.fitness()
		if !ok || f > best || (f == best && c.AgentID < agentID) {
			agentID, best, ok = c.AgentID, f, true
		}
	}
	return agentID, ok
}

// CandidatesFromRecords converts registry records into candidates. Load is
// the agent's in-progress task count over its concurrency limit.
func CandidatesFromRecords(records []*protocol.AgentRecord, inProgress map[string]int) []Candidate {
	out := make([]Candidate, 0, len(records))
	for _, r := range records {
		out = append(out, Candidate{
			AgentID:      r.AgentID,
			Capabilities: r.Types(),
			Load:         load(inProgress[r.AgentID], r.MaxConcurrentTasks),
			SuccessRate:  r.SuccessRate,
		})
	}
	return out
}

func load(running, limit int) float64 {
	if limit <= 0 {
		limit = protocol.DefaultMaxConcurrentTasks
	}
	return float64(running) / float64(limit)
}
