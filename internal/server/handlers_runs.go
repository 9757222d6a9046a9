package server

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/shirube/internal/model"
	"github.com/ashita-ai/shirube/internal/service/runs"
	"github.com/ashita-ai/shirube/internal/stream"
)

// runSubject identifies runs started over the HTTP API in run identities.
const runSubject = "http"

// HandleRun handles POST /v1/runs. The response is an SSE stream carrying
// every run event in order, ending with a "final" event that holds the run
// summary.
//
// The run does not stop when the client goes away: the stream detaches and
// the run finishes so its trust updates are still applied.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req model.RunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	rc := http.NewResponseController(w)
	// Runs routinely outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	sink := &clientSink{ctx: r.Context(), sse: stream.NewSSESink(w)}
	summary := h.runner.Stream(context.WithoutCancel(r.Context()), runs.Request(req, runSubject), sink)

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("shirube.run_id", summary.RunID),
		attribute.Bool("shirube.run.passed", summary.Passed),
		attribute.Int("shirube.run.steps", summary.StepsTaken),
	)
	h.logger.Info("run finished",
		"run_id", summary.RunID,
		"passed", summary.Passed,
		"steps", summary.StepsTaken,
		"client_gone", r.Context().Err() != nil,
		"request_id", RequestIDFromContext(r.Context()))
}

// clientSink writes SSE frames until the client disconnects. After that
// every send fails, which detaches the sink from the run's bridge.
type clientSink struct {
	ctx context.Context
	sse *stream.SSESink
}

func (s *clientSink) Send(env stream.Envelope) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	return s.sse.Send(env)
}

func (s *clientSink) Keepalive() error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	return s.sse.Keepalive()
}
