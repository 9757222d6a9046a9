package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Field limits for caller-controlled text that flows into prompts and embeddings.
const (
	MaxTaskLen        = 16 * 1024 // 16 KB
	MaxToolNameLen    = 200
	MaxDescriptionLen = 8 * 1024
	MaxAllowedToolIDs = 1000
	MaxRunSteps       = 50
	MaxSearchLimit    = 1000
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeUnavailable   = "UNAVAILABLE"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// RunRequest is the body of POST /v1/runs.
type RunRequest struct {
	Task                string  `json:"task"`
	MaxSteps            *int    `json:"max_steps,omitempty"`
	AllowedToolIDs      []int64 `json:"allowed_tool_ids,omitempty"`
	RequireNetworkTools *bool   `json:"require_network_tools,omitempty"`
}

// Validate checks field limits on a run request.
func (r RunRequest) Validate() error {
	if strings.TrimSpace(r.Task) == "" {
		return fmt.Errorf("task is required")
	}
	if len(r.Task) > MaxTaskLen {
		return fmt.Errorf("task exceeds maximum length of %d bytes", MaxTaskLen)
	}
	if r.MaxSteps != nil && (*r.MaxSteps < 1 || *r.MaxSteps > MaxRunSteps) {
		return fmt.Errorf("max_steps must be between 1 and %d", MaxRunSteps)
	}
	if len(r.AllowedToolIDs) > MaxAllowedToolIDs {
		return fmt.Errorf("allowed_tool_ids exceeds maximum of %d ids", MaxAllowedToolIDs)
	}
	return nil
}

// SearchToolsRequest is the body of POST /v1/tools/search. Nil tuning fields
// fall back to the server defaults.
type SearchToolsRequest struct {
	Query      string   `json:"query"`
	AllowedIDs []int64  `json:"allowed_ids,omitempty"`
	Alpha      *float64 `json:"alpha,omitempty"`
	Theta      *float64 `json:"theta,omitempty"`
	TopN       *int     `json:"top_n,omitempty"`
	TopK       *int     `json:"top_k,omitempty"`
}

// Validate checks the query, the id list and any tuning overrides.
func (r SearchToolsRequest) Validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return fmt.Errorf("query is required")
	}
	if len(r.AllowedIDs) > MaxAllowedToolIDs {
		return fmt.Errorf("allowed_ids exceeds maximum of %d ids", MaxAllowedToolIDs)
	}
	// Written as !(in range) so NaN is rejected too.
	if r.Alpha != nil && !(*r.Alpha >= 0 && *r.Alpha <= 1) {
		return fmt.Errorf("alpha must be within [0,1]")
	}
	if r.Theta != nil && !(*r.Theta >= 0 && *r.Theta <= 1) {
		return fmt.Errorf("theta must be within [0,1]")
	}
	if r.TopN != nil && (*r.TopN < 1 || *r.TopN > MaxSearchLimit) {
		return fmt.Errorf("top_n must be between 1 and %d", MaxSearchLimit)
	}
	if r.TopK != nil && (*r.TopK < 1 || *r.TopK > MaxSearchLimit) {
		return fmt.Errorf("top_k must be between 1 and %d", MaxSearchLimit)
	}
	return nil
}

// SearchToolsResponse is the response of POST /v1/tools/search.
type SearchToolsResponse struct {
	Results  []RankedCandidate `json:"results"`
	Fallback bool              `json:"fallback"`
}

// UpsertToolRequest is the body of POST /v1/tools.
type UpsertToolRequest struct {
	Name              string    `json:"name" yaml:"name"`
	Transport         Transport `json:"transport" yaml:"transport"`
	EndpointOrCommand string    `json:"endpoint_or_command" yaml:"endpoint_or_command"`
	Args              []string  `json:"args,omitempty" yaml:"args,omitempty"`
	Description       string    `json:"description" yaml:"description"`
	Category          string    `json:"category,omitempty" yaml:"category,omitempty"`
	TrustScore        *float64  `json:"trust_score,omitempty" yaml:"trust_score,omitempty"`
}

// DefaultTrustScore is assigned to catalog entries registered without a score.
const DefaultTrustScore = 50.0

// Validate checks a catalog registration.
func (r UpsertToolRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if len(r.Name) > MaxToolNameLen {
		return fmt.Errorf("name exceeds maximum length of %d characters", MaxToolNameLen)
	}
	if !r.Transport.Valid() {
		return fmt.Errorf("transport must be %q or %q (got %q)", TransportLocal, TransportNetwork, r.Transport)
	}
	if strings.TrimSpace(r.EndpointOrCommand) == "" {
		return fmt.Errorf("endpoint_or_command is required")
	}
	if r.Transport == TransportNetwork {
		if err := ValidateEndpoint(r.EndpointOrCommand); err != nil {
			return err
		}
	}
	if len(r.Description) > MaxDescriptionLen {
		return fmt.Errorf("description exceeds maximum length of %d bytes", MaxDescriptionLen)
	}
	if r.TrustScore != nil && (*r.TrustScore < 0 || *r.TrustScore > 100) {
		return fmt.Errorf("trust_score must be between 0 and 100")
	}
	return nil
}

// Candidate converts the request into a catalog row.
func (r UpsertToolRequest) Candidate() ToolCandidate {
	score := DefaultTrustScore
	if r.TrustScore != nil {
		score = *r.TrustScore
	}
	return ToolCandidate{
		Name:              strings.TrimSpace(r.Name),
		Transport:         r.Transport,
		EndpointOrCommand: strings.TrimSpace(r.EndpointOrCommand),
		Args:              r.Args,
		Description:       r.Description,
		Category:          r.Category,
		TrustScore:        score,
	}
}

// ValidateEndpoint ensures a network tool endpoint is an http(s) URL without
// embedded credentials.
func ValidateEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("endpoint must use http or https scheme (got %q)", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("endpoint must not include credentials")
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint must include a host")
	}
	return nil
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Qdrant   string `json:"qdrant,omitempty"`
	LLM      string `json:"llm"`
	Uptime   int64  `json:"uptime_seconds"`
}
