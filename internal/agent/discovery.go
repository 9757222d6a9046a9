// Package agent holds the model-backed capabilities of the pipeline: tool
// discovery for the planner, the planner itself and the verification judge.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/ashita-ai/shirube/internal/model"
	"github.com/ashita-ai/shirube/internal/search"
)

// Ranker is the hybrid ranking the discovery capability queries.
type Ranker interface {
	Search(ctx context.Context, query string, allowedIDs []int64, p model.RankParams) (search.Response, error)
	Defaults() model.RankParams
}

// Discovery finds catalog tools for free-text keywords within an identity's
// visible catalog.
type Discovery struct {
	ranker Ranker
}

// NewDiscovery creates a discovery capability over ranker.
func NewDiscovery(ranker Ranker) *Discovery {
	return &Discovery{ranker: ranker}
}

// Find ranks tools for keyword using the ranker's defaults.
func (d *Discovery) Find(ctx context.Context, keyword string, identity model.Identity) (search.Response, error) {
	resp, err := d.ranker.Search(ctx, keyword, identity.AllowedToolIDs, d.ranker.Defaults())
	if err != nil {
		return search.Response{}, fmt.Errorf("agent: search tools: %w", err)
	}
	return resp, nil
}

// FoundTool is the planner-facing view of one search hit.
type FoundTool struct {
	model.ToolConfig
	Description string  `json:"description"`
	Category    string  `json:"category,omitempty"`
	TrustScore  float64 `json:"trust_score"`
	Score       float64 `json:"score,omitempty"`
}

// Describe renders a ranking response as the JSON the planner model reads.
func Describe(resp search.Response) string {
	found := make([]FoundTool, 0, len(resp.Results))
	for _, r := range resp.Results {
		found = append(found, FoundTool{
			ToolConfig:  r.Tool.Config(),
			Description: r.Tool.Description,
			Category:    r.Tool.Category,
			TrustScore:  r.Tool.TrustScore,
			Score:       r.TotalScore,
		})
	}
	b, err := json.Marshal(map[string]any{"tools": found})
	if err != nil {
		return `{"tools":[]}`
	}
	return string(b)
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true, "this": true,
	"from": true, "into": true, "what": true, "which": true, "when": true, "where": true,
	"how": true, "please": true, "can": true, "you": true, "your": true, "are": true,
	"was": true, "were": true, "will": true, "would": true, "should": true, "could": true,
	"about": true, "then": true, "than": true, "them": true, "they": true, "have": true,
	"has": true, "had": true, "all": true, "any": true, "some": true, "get": true,
	"give": true, "tell": true, "show": true, "find": true, "use": true, "using": true,
	"me": true, "my": true, "our": true, "its": true, "not": true, "but": true,
}

// Keywords extracts up to max distinct content words from text, in order of
// first appearance, as a space-separated search query.
func Keywords(text string, max int) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
	})
	seen := make(map[string]bool)
	var out []string
	for _, w := range words {
		w = strings.Trim(w, "-_")
		if len([]rune(w)) < 3 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if max > 0 && len(out) == max {
			break
		}
	}
	return strings.Join(out, " ")
}
