// Package search keeps a full-text index of agent cards so agents can be
// found by what they say they do, not only by capability type.
package search

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/NeuralCoder007/aws-a2a/protocol"
)

const defaultLimit = 10

// AgentIndex is a Bleve index of agent cards keyed by agent ID.
// It is safe for concurrent use.
type AgentIndex struct {
	mu    sync.RWMutex
	index bleve.Index
}

// agentDocument is the indexed view of an AgentRecord.
type agentDocument struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Skills       string   `json:"skills"`
	Capabilities []string `json:"capabilities"`
	Tags         []string `json:"tags"`
	Location     string   `json:"location"`
}

// Query selects agents by free text, optionally restricted to agents
// holding every listed capability.
type Query struct {
	Text         string
	Capabilities []protocol.CapabilityType
	Limit        int
}

// Hit is one search result.
type Hit struct {
	AgentID string
	Score   float64
}

// Open creates an index. An empty path keeps it in memory; otherwise the
// index at path is opened, or created when absent.
func Open(path string) (*AgentIndex, error) {
	var (
		index bleve.Index
		err   error
	)
	switch {
	case path == "":
		index, err = bleve.NewMemOnly(buildMapping())
	default:
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			index, err = bleve.New(path, buildMapping())
		} else {
			index, err = bleve.Open(path)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open agent index: %w", err)
	}
	return &AgentIndex{index: index}, nil
}

func buildMapping() mapping.IndexMapping {
	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name

	exact := bleve.NewKeywordFieldMapping()

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("name", text)
	doc.AddFieldMappingsAt("description", text)
	doc.AddFieldMappingsAt("skills", text)
	doc.AddFieldMappingsAt("capabilities", exact)
	doc.AddFieldMappingsAt("tags", exact)
	doc.AddFieldMappingsAt("location", exact)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = standard.Name
	return m
}

func document(rec *protocol.AgentRecord) agentDocument {
	var skills []string
	caps := make([]string, 0, len(rec.Capabilities))
	for _, c := range rec.Capabilities {
		caps = append(caps, string(c.Type))
		skills = append(skills, c.Name, c.Description)
	}
	tags := make([]string, 0, len(rec.Tags))
	for _, t := range rec.Tags {
		tags = append(tags, strings.ToLower(t))
	}
	return agentDocument{
		Name:         rec.Name,
		Description:  rec.Description,
		Skills:       strings.Join(skills, " "),
		Capabilities: caps,
		Tags:         tags,
		Location:     strings.ToLower(rec.Location),
	}
}

// Put indexes rec, replacing any earlier version.
func (x *AgentIndex) Put(rec *protocol.AgentRecord) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.index.Index(rec.AgentID, document(rec)); err != nil {
		return fmt.Errorf("index agent %s: %w", rec.AgentID, err)
	}
	return nil
}

// Remove drops agentID. Removing an absent agent is not an error.
func (x *AgentIndex) Remove(agentID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.index.Delete(agentID); err != nil {
		return fmt.Errorf("unindex agent %s: %w", agentID, err)
	}
	return nil
}

// Replace makes recs the whole content of the index.
func (x *AgentIndex) Replace(ctx context.Context, recs []*protocol.AgentRecord) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	keep := make(map[string]bool, len(recs))
	batch := x.index.NewBatch()
	for _, rec := range recs {
		keep[rec.AgentID] = true
		if err := batch.Index(rec.AgentID, document(rec)); err != nil {
			return fmt.Errorf("index agent %s: %w", rec.AgentID, err)
		}
	}

	count, err := x.index.DocCount()
	if err != nil {
		return fmt.Errorf("count agents: %w", err)
	}
	if count > 0 {
		req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
		req.Size = int(count)
		res, err := x.index.SearchInContext(ctx, req)
		if err != nil {
			return fmt.Errorf("list indexed agents: %w", err)
		}
		for _, hit := range res.Hits {
			if !keep[hit.ID] {
				batch.Delete(hit.ID)
			}
		}
	}

	if err := x.index.Batch(batch); err != nil {
		return fmt.Errorf("rebuild agent index: %w", err)
	}
	return nil
}

// Search returns agents ranked by relevance to q.Text. An empty text
// matches every agent that satisfies the capability filter.
func (x *AgentIndex) Search(ctx context.Context, q Query) ([]Hit, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	var must []query.Query
	if text := strings.TrimSpace(q.Text); text != "" {
		must = append(must, textQuery(text))
	}
	for _, c := range q.Capabilities {
		t := bleve.NewTermQuery(string(c))
		t.SetField("capabilities")
		must = append(must, t)
	}

	var root query.Query = bleve.NewMatchAllQuery()
	if len(must) > 0 {
		root = bleve.NewConjunctionQuery(must...)
	}
	req := bleve.NewSearchRequest(root)
	req.Size = limit

	x.mu.RLock()
	res, err := x.index.SearchInContext(ctx, req)
	x.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("search agents: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, Hit{AgentID: h.ID, Score: h.Score})
	}
	return hits, nil
}

// textQuery matches text against the card's prose fields, favouring the
// name, and against tags exactly.
func textQuery(text string) query.Query {
	name := bleve.NewMatchQuery(text)
	name.SetField("name")
	name.SetBoost(2)

	desc := bleve.NewMatchQuery(text)
	desc.SetField("description")

	skills := bleve.NewMatchQuery(text)
	skills.SetField("skills")
	skills.SetBoost(1.5)

	parts := []query.Query{name, desc, skills}
	for _, word := range strings.Fields(strings.ToLower(text)) {
		tag := bleve.NewTermQuery(word)
		tag.SetField("tags")
		parts = append(parts, tag)
	}
	return bleve.NewDisjunctionQuery(parts...)
}

// Match implements registry.Indexer.
func (x *AgentIndex) Match(ctx context.Context, text string, limit int) ([]string, error) {
	hits, err := x.Search(ctx, Query{Text: text, Limit: limit})
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.AgentID
	}
	return ids, nil
}

// Count returns the number of indexed agents.
func (x *AgentIndex) Count() (uint64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.index.DocCount()
}

// Close releases the index.
func (x *AgentIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.index.Close()
}
