// Package trust maintains per-tool trust scores from judged run outcomes
// using exponential smoothing.
package trust

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/shirube/internal/model"
	"github.com/ashita-ai/shirube/internal/publish"
	"github.com/ashita-ai/shirube/internal/telemetry"
)

// Smoothing and cap constants.
const (
	Beta       = 0.2
	ErrorCap   = 30
	SkippedCap = 60
	MinScore   = 0
	MaxScore   = 100
)

// EffectiveScore caps a judge's micro score by assessment status.
func EffectiveScore(micro int, status model.AssessmentStatus) int {
	s := max(MinScore, min(MaxScore, micro))
	switch status {
	case model.AssessmentError:
		return min(s, ErrorCap)
	case model.AssessmentSkipped:
		return min(s, SkippedCap)
	default:
		return s
	}
}

// NextScore is floor((1-Beta)*previous + Beta*effective), clamped to [0,100].
func NextScore(previous float64, effective int) float64 {
	v := (1-Beta)*previous + Beta*float64(effective)
	// Absorb float error so exact integers do not floor one below.
	v = math.Floor(v + 1e-9)
	return math.Max(MinScore, math.Min(MaxScore, v))
}

// Resolve finds the catalog id an assessment refers to. The tool ref is tried
// as a catalog id, then as a planned tool name, then as a "name/server" pair;
// the server label is the last resort.
func Resolve(a model.ToolAssessment, nameToID map[string]int64) (int64, bool) {
	ref := strings.TrimSpace(a.ToolRef)
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		for _, known := range nameToID {
			if known == id {
				return id, true
			}
		}
	}
	if id, ok := nameToID[ref]; ok {
		return id, true
	}
	if name, server, ok := strings.Cut(ref, "/"); ok {
		if id, ok := nameToID[name]; ok {
			return id, true
		}
		if id, ok := nameToID[server]; ok {
			return id, true
		}
	}
	if a.Server != "" {
		if id, ok := nameToID[a.Server]; ok {
			return id, true
		}
	}
	return 0, false
}

// Store is the catalog access the updater needs.
type Store interface {
	GetToolsByIDs(ctx context.Context, ids []int64) (map[int64]model.ToolCandidate, error)
	UpdateTrustScore(ctx context.Context, ev model.TrustEvent) error
}

// Updater applies judged assessments to catalog trust scores.
type Updater struct {
	store     Store
	publisher publish.Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	updates   metric.Int64Counter
}

// NewUpdater creates an updater. publisher may be nil.
func NewUpdater(store Store, publisher publish.Publisher, logger *slog.Logger) *Updater {
	if publisher == nil {
		publisher = publish.Noop{}
	}
	updates, _ := telemetry.Meter("shirube/trust").Int64Counter("shirube.trust.updates",
		metric.WithDescription("Trust score updates by assessment status"))
	return &Updater{
		store:     store,
		publisher: publisher,
		logger:    logger,
		tracer:    telemetry.Tracer("shirube/trust"),
		updates:   updates,
	}
}

// Update applies every resolvable assessment. Each tool id is read and
// written on its own; a failure for one id is logged and does not affect the
// others. Unresolvable assessments are skipped. The applied transitions are
// returned.
func (u *Updater) Update(ctx context.Context, runID string, assessments []model.ToolAssessment, nameToID map[string]int64) []model.TrustEvent {
	type pending struct {
		id int64
		a  model.ToolAssessment
	}
	var (
		work []pending
		ids  []int64
		seen = make(map[int64]bool)
	)
	for _, a := range assessments {
		id, ok := Resolve(a, nameToID)
		if !ok {
			u.logger.Debug("trust: unresolvable assessment", "tool_ref", a.ToolRef, "server", a.Server)
			continue
		}
		work = append(work, pending{id: id, a: a})
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(work) == 0 {
		return nil
	}

	ctx, span := u.tracer.Start(ctx, "trust.update", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.Int("trust.assessments", len(work)),
	))
	defer span.End()

	tools := u.previousScores(ctx, span, runID, ids)

	var applied []model.TrustEvent
	for _, w := range work {
		tool, ok := tools[w.id]
		if !ok {
			continue
		}
		eff := EffectiveScore(w.a.MicroScore, w.a.Status)
		ev := model.TrustEvent{
			ToolID:         w.id,
			RunID:          runID,
			Status:         w.a.Status,
			PreviousScore:  tool.TrustScore,
			EffectiveScore: eff,
			NewScore:       NextScore(tool.TrustScore, eff),
		}
		if err := u.store.UpdateTrustScore(ctx, ev); err != nil {
			u.logger.Warn("trust: update failed", "tool_id", w.id, "error", err, "run_id", runID)
			continue
		}
		// A second assessment of the same tool in one run builds on the first.
		tool.TrustScore = ev.NewScore
		tools[w.id] = tool

		if u.updates != nil {
			u.updates.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(ev.Status))))
		}
		if err := u.publisher.Publish(ctx, publish.KeyTrustUpdated, ev); err != nil {
			u.logger.Warn("trust: publish failed", "tool_id", w.id, "error", err)
		}
		u.logger.Info("trust: score updated",
			"tool_id", w.id, "previous", ev.PreviousScore, "effective", eff, "new", ev.NewScore, "run_id", runID)
		applied = append(applied, ev)
	}
	return applied
}

// previousScores loads the tools to update in one batch. When the batch read
// fails each id is fetched on its own, so one unreadable row only costs its
// own update.
func (u *Updater) previousScores(ctx context.Context, span trace.Span, runID string, ids []int64) map[int64]model.ToolCandidate {
	tools, err := u.store.GetToolsByIDs(ctx, ids)
	if err == nil {
		return tools
	}
	span.RecordError(err)
	u.logger.Warn("trust: batch fetch of previous scores failed, fetching per tool", "error", err, "run_id", runID)

	tools = make(map[int64]model.ToolCandidate, len(ids))
	for _, id := range ids {
		one, err := u.store.GetToolsByIDs(ctx, []int64{id})
		if err != nil {
			u.logger.Warn("trust: fetch previous score failed", "tool_id", id, "error", err, "run_id", runID)
			continue
		}
		if t, ok := one[id]; ok {
			tools[id] = t
		}
	}
	return tools
}
