// Package model defines the core domain types for shirube.
//
// Catalog rows, plans, call traces and verification results are plain structs
// shared by storage, the pipeline and the HTTP/MCP surfaces. JSON tags are the
// wire format for both the API and the structured LLM contracts.
package model

import (
	"fmt"
	"time"
)

// Transport describes how a tool is reached.
type Transport string

const (
	// TransportLocal tools are spawned as a local process speaking MCP over stdio.
	TransportLocal Transport = "local"
	// TransportNetwork tools are reached over streamable HTTP.
	TransportNetwork Transport = "network"
)

// Valid reports whether t is a known transport.
func (t Transport) Valid() bool {
	return t == TransportLocal || t == TransportNetwork
}

// ToolCandidate is a row of the tool catalog.
// TrustScore is only mutated by the trust updater; Embedding only by catalog maintenance.
type ToolCandidate struct {
	ID                int64     `json:"id"`
	Name              string    `json:"name"`
	Transport         Transport `json:"transport"`
	EndpointOrCommand string    `json:"endpoint_or_command"`
	Args              []string  `json:"args,omitempty"`
	Description       string    `json:"description"`
	Category          string    `json:"category,omitempty"`
	TrustScore        float64   `json:"trust_score"`
	Embedding         []float32 `json:"-"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Config returns the invocation config for this catalog entry.
func (c ToolCandidate) Config() ToolConfig {
	return ToolConfig{
		Name:              c.Name,
		Transport:         c.Transport,
		EndpointOrCommand: c.EndpointOrCommand,
		Args:              c.Args,
	}
}

// EmbeddingText is the text embedded for semantic ranking.
func (c ToolCandidate) EmbeddingText() string {
	if c.Category == "" {
		return c.Name + ": " + c.Description
	}
	return c.Name + " (" + c.Category + "): " + c.Description
}

// ToolConfig tells the tool-invocation capability how to reach one tool.
type ToolConfig struct {
	Name              string    `json:"name" jsonschema:"description=Catalog name of the tool"`
	Transport         Transport `json:"transport" jsonschema:"enum=local,enum=network"`
	EndpointOrCommand string    `json:"endpoint_or_command" jsonschema:"description=URL for network tools or executable for local tools"`
	Args              []string  `json:"args" jsonschema:"description=Process arguments for local tools"`
}

// Key is the unique (name, transport, endpoint) triple used to resolve a config
// against the catalog.
func (c ToolConfig) Key() ToolKey {
	return ToolKey{Name: c.Name, Transport: c.Transport, EndpointOrCommand: c.EndpointOrCommand}
}

// ToolKey identifies a catalog entry by its natural key.
type ToolKey struct {
	Name              string
	Transport         Transport
	EndpointOrCommand string
}

func (k ToolKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Name, k.Transport, k.EndpointOrCommand)
}

// RankedCandidate is a catalog entry with the scores computed by hybrid ranking.
type RankedCandidate struct {
	Tool           ToolCandidate `json:"tool"`
	Distance       float64       `json:"distance"`
	SemanticScore  float64       `json:"semantic_score"`
	TrustScoreNorm float64       `json:"trust_score_norm"`
	TotalScore     float64       `json:"total_score"`
}

// TrustEvent is one persisted trust-score transition.
type TrustEvent struct {
	ID             int64            `json:"id"`
	ToolID         int64            `json:"tool_id"`
	RunID          string           `json:"run_id,omitempty"`
	Status         AssessmentStatus `json:"status"`
	PreviousScore  float64          `json:"previous_score"`
	EffectiveScore int              `json:"effective_score"`
	NewScore       float64          `json:"new_score"`
	CreatedAt      time.Time        `json:"created_at"`
}

// RankParams tunes hybrid ranking. Alpha weights semantic relevance against
// normalized trust; Theta is the minimum semantic score a result must reach.
type RankParams struct {
	Alpha float64 `json:"alpha"`
	Theta float64 `json:"theta"`
	TopN  int     `json:"top_n"`
	TopK  int     `json:"top_k"`
}
