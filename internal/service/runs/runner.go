// Package runs executes pipeline runs on behalf of the HTTP and MCP surfaces.
// Each run gets its own stream bridge; the final summary is emitted as the
// last event and published to the message broker.
package runs

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/shirube/internal/model"
	"github.com/ashita-ai/shirube/internal/pipeline"
	"github.com/ashita-ai/shirube/internal/publish"
	"github.com/ashita-ai/shirube/internal/stream"
	"github.com/ashita-ai/shirube/internal/telemetry"
)

// Engine runs one pipeline.
type Engine interface {
	Run(ctx context.Context, req pipeline.Request, emit pipeline.Emitter) *pipeline.RunContext
}

// Config tunes per-run streaming.
type Config struct {
	BufferSize int
	Keepalive  time.Duration
	// PublishTimeout bounds the broker publish of the final summary.
	PublishTimeout time.Duration
}

// Runner starts runs. It is safe for concurrent use.
type Runner struct {
	engine    Engine
	publisher publish.Publisher
	cfg       Config
	logger    *slog.Logger

	active metric.Int64UpDownCounter
}

// New creates a Runner. publisher may be nil.
func New(engine Engine, publisher publish.Publisher, cfg Config, logger *slog.Logger) *Runner {
	if publisher == nil {
		publisher = publish.Noop{}
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	active, _ := telemetry.Meter("shirube/runs").Int64UpDownCounter("shirube.runs.active",
		metric.WithDescription("Runs currently executing"))
	return &Runner{
		engine:    engine,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		active:    active,
	}
}

// Stream executes req and delivers every event, ending with the final
// summary, to sink in order. It returns once the sink has been handed the
// last envelope or has detached. The run id doubles as the trace id.
func (r *Runner) Stream(ctx context.Context, req pipeline.Request, sink stream.Sink) model.RunSummary {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if r.active != nil {
		r.active.Add(ctx, 1)
		defer r.active.Add(context.WithoutCancel(ctx), -1)
	}

	bridge := stream.NewBridge(req.RunID, sink, stream.Options{
		BufferSize: r.cfg.BufferSize,
		Keepalive:  r.cfg.Keepalive,
		Logger:     r.logger,
	})
	rc := r.engine.Run(ctx, req, bridge)
	summary := rc.Summary()
	if err := bridge.Emit(model.EventFinal, summary); err != nil {
		r.logger.Warn("runs: final event not delivered", "run_id", summary.RunID, "error", err)
	}
	bridge.Close()
	if bridge.Detached() {
		r.logger.Info("runs: client detached before the run ended", "run_id", summary.RunID, "events", bridge.Seq())
	}

	r.publish(ctx, summary)
	return summary
}

// Run executes req without streaming and returns the final summary.
func (r *Runner) Run(ctx context.Context, req pipeline.Request) model.RunSummary {
	return r.Stream(ctx, req, stream.SinkFunc(func(stream.Envelope) error { return nil }))
}

func (r *Runner) publish(ctx context.Context, summary model.RunSummary) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.PublishTimeout)
	defer cancel()
	if err := r.publisher.Publish(ctx, publish.KeyRunFinished, summary); err != nil {
		r.logger.Warn("runs: publish failed", "run_id", summary.RunID, "error", err)
	}
}

// Request converts an API run request into a pipeline request.
func Request(req model.RunRequest, subject string) pipeline.Request {
	pr := pipeline.Request{
		Task:                req.Task,
		RequireNetworkTools: req.RequireNetworkTools,
		Identity:            model.Identity{Subject: subject},
	}
	if req.MaxSteps != nil {
		pr.MaxSteps = *req.MaxSteps
	}
	if len(req.AllowedToolIDs) > 0 {
		pr.Identity.AllowedToolIDs = req.AllowedToolIDs
	}
	return pr
}
