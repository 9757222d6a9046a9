package server

import (
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/shirube/internal/model"
	"github.com/ashita-ai/shirube/internal/storage"
)

// HandleRegisterTool handles POST /v1/tools.
func (h *Handlers) HandleRegisterTool(w http.ResponseWriter, r *http.Request) {
	var req model.UpsertToolRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	tool, err := h.catalog.Register(r.Context(), req)
	if err != nil {
		h.writeInternalError(w, r, "failed to register tool", err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Int64("shirube.tool_id", tool.ID))
	writeJSON(w, r, http.StatusCreated, tool)
}

// HandleListTools handles GET /v1/tools.
func (h *Handlers) HandleListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := h.catalog.List(r.Context(), queryLimit(r, 50), queryOffset(r))
	if err != nil {
		h.writeInternalError(w, r, "failed to list tools", err)
		return
	}
	if tools == nil {
		tools = []model.ToolCandidate{}
	}
	writeJSON(w, r, http.StatusOK, tools)
}

// HandleGetTool handles GET /v1/tools/{id}.
func (h *Handlers) HandleGetTool(w http.ResponseWriter, r *http.Request) {
	id, err := parseToolID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	tool, err := h.catalog.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "tool not found")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to get tool", err)
		return
	}
	writeJSON(w, r, http.StatusOK, tool)
}

// HandleTrustHistory handles GET /v1/tools/{id}/trust.
func (h *Handlers) HandleTrustHistory(w http.ResponseWriter, r *http.Request) {
	id, err := parseToolID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	events, err := h.catalog.TrustHistory(r.Context(), id, queryLimit(r, 50))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "tool not found")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to load trust history", err)
		return
	}
	if events == nil {
		events = []model.TrustEvent{}
	}
	writeJSON(w, r, http.StatusOK, events)
}

// HandleSearchTools handles POST /v1/tools/search.
// Unset tuning fields take the server defaults.
func (h *Handlers) HandleSearchTools(w http.ResponseWriter, r *http.Request) {
	var req model.SearchToolsRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	p := h.searcher.Defaults()
	if req.Alpha != nil {
		p.Alpha = *req.Alpha
	}
	if req.Theta != nil {
		p.Theta = *req.Theta
	}
	if req.TopN != nil {
		p.TopN = *req.TopN
	}
	if req.TopK != nil {
		p.TopK = *req.TopK
	}

	resp, err := h.searcher.Search(r.Context(), req.Query, req.AllowedIDs, p)
	if err != nil {
		h.writeInternalError(w, r, "search failed", err)
		return
	}
	results := resp.Results
	if results == nil {
		results = []model.RankedCandidate{}
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.Int("shirube.search.results", len(results)),
		attribute.Bool("shirube.search.fallback", resp.Fallback),
	)
	writeJSON(w, r, http.StatusOK, model.SearchToolsResponse{Results: results, Fallback: resp.Fallback})
}
