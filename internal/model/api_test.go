package model

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRequestValidate(t *testing.T) {
	steps := func(n int) *int { return &n }

	tests := []struct {
		name    string
		req     RunRequest
		wantErr string
	}{
		{"ok", RunRequest{Task: "summarize the weather"}, ""},
		{"blank task", RunRequest{Task: "   "}, "task is required"},
		{"oversized task", RunRequest{Task: strings.Repeat("a", MaxTaskLen+1)}, "maximum length"},
		{"zero steps", RunRequest{Task: "x", MaxSteps: steps(0)}, "max_steps"},
		{"too many steps", RunRequest{Task: "x", MaxSteps: steps(MaxRunSteps + 1)}, "max_steps"},
		{"too many ids", RunRequest{Task: "x", AllowedToolIDs: make([]int64, MaxAllowedToolIDs+1)}, "allowed_tool_ids"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSearchToolsRequestValidate(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	n := func(v int) *int { return &v }
	nan := math.NaN()

	tests := []struct {
		name    string
		req     SearchToolsRequest
		wantErr string
	}{
		{"ok", SearchToolsRequest{Query: "weather"}, ""},
		{"bounds inclusive", SearchToolsRequest{Query: "weather", Alpha: f(0), Theta: f(1), TopN: n(MaxSearchLimit), TopK: n(1)}, ""},
		{"blank query", SearchToolsRequest{Query: " "}, "query is required"},
		{"too many ids", SearchToolsRequest{Query: "x", AllowedIDs: make([]int64, MaxAllowedToolIDs+1)}, "allowed_ids"},
		{"alpha above one", SearchToolsRequest{Query: "x", Alpha: f(1.01)}, "alpha must be within [0,1]"},
		{"alpha NaN", SearchToolsRequest{Query: "x", Alpha: &nan}, "alpha must be within [0,1]"},
		{"negative theta", SearchToolsRequest{Query: "x", Theta: f(-0.5)}, "theta must be within [0,1]"},
		{"theta NaN", SearchToolsRequest{Query: "x", Theta: &nan}, "theta must be within [0,1]"},
		{"zero top_n", SearchToolsRequest{Query: "x", TopN: n(0)}, "top_n must be between 1 and 1000"},
		{"top_k too large", SearchToolsRequest{Query: "x", TopK: n(MaxSearchLimit + 1)}, "top_k must be between 1 and 1000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestUpsertToolRequestValidate(t *testing.T) {
	base := UpsertToolRequest{
		Name:              "weather",
		Transport:         TransportNetwork,
		EndpointOrCommand: "https://tools.example.com/mcp",
		Description:       "Current weather by city",
	}
	require.NoError(t, base.Validate())

	bad := base
	bad.Transport = "carrier-pigeon"
	assert.ErrorContains(t, bad.Validate(), "transport")

	bad = base
	bad.EndpointOrCommand = "file:///etc/passwd"
	assert.ErrorContains(t, bad.Validate(), "http or https")

	bad = base
	bad.EndpointOrCommand = "https://user:pw@tools.example.com"
	assert.ErrorContains(t, bad.Validate(), "credentials")

	score := 101.0
	bad = base
	bad.TrustScore = &score
	assert.ErrorContains(t, bad.Validate(), "trust_score")

	// Local tools carry a command, not a URL.
	local := base
	local.Transport = TransportLocal
	local.EndpointOrCommand = "uvx"
	assert.NoError(t, local.Validate())
}

func TestUpsertToolRequestCandidateDefaultsTrust(t *testing.T) {
	c := UpsertToolRequest{Name: " weather ", Transport: TransportLocal, EndpointOrCommand: "weather-mcp"}.Candidate()
	assert.Equal(t, "weather", c.Name)
	assert.Equal(t, DefaultTrustScore, c.TrustScore)
}

func TestVerificationResultPassed(t *testing.T) {
	assert.True(t, VerificationResult{Judge: true, Score: 10}.Passed())
	assert.True(t, VerificationResult{Judge: false, Score: 85}.Passed())
	assert.True(t, VerificationResult{Judge: false, Score: PassScore}.Passed())
	assert.False(t, VerificationResult{Judge: false, Score: 79}.Passed())
}
