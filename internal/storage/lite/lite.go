// Package lite is a single-file SQLite tool catalog for development and
// small deployments. It implements the same operations as the Postgres
// store; vector ranking is brute force in Go.
package lite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ashita-ai/shirube/internal/model"
	"github.com/ashita-ai/shirube/internal/search"
	"github.com/ashita-ai/shirube/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS tools (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    name                TEXT NOT NULL,
    transport           TEXT NOT NULL CHECK (transport IN ('local', 'network')),
    endpoint_or_command TEXT NOT NULL,
    args                TEXT NOT NULL DEFAULT '[]',
    description         TEXT NOT NULL DEFAULT '',
    category            TEXT NOT NULL DEFAULT '',
    trust_score         REAL NOT NULL DEFAULT 50 CHECK (trust_score >= 0 AND trust_score <= 100),
    embedding           BLOB,
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL,
    UNIQUE (name, transport, endpoint_or_command)
);
CREATE TABLE IF NOT EXISTS tool_trust_events (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    tool_id         INTEGER NOT NULL REFERENCES tools (id) ON DELETE CASCADE,
    run_id          TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL,
    previous_score  REAL NOT NULL,
    effective_score INTEGER NOT NULL,
    new_score       REAL NOT NULL,
    created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_trust_events_tool ON tool_trust_events (tool_id, created_at DESC);
`

const toolColumns = `id, name, transport, endpoint_or_command, args, description, category, trust_score, created_at, updated_at`

// Store is a SQLite-backed tool catalog.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the catalog database at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("lite: open %s: %w", path, err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("lite: create schema: %w", err)
	}
	logger.Info("lite: catalog opened", "path", path)
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertTool inserts a catalog entry or refreshes the descriptive fields of an
// existing one. Trust is only written on insert; a nil embedding keeps the
// stored vector.
func (s *Store) UpsertTool(ctx context.Context, c model.ToolCandidate, embedding *pgvector.Vector) (model.ToolCandidate, error) {
	args, err := json.Marshal(nonNil(c.Args))
	if err != nil {
		return model.ToolCandidate{}, fmt.Errorf("lite: encode args: %w", err)
	}
	var blob []byte
	if embedding != nil {
		blob = encodeVector(embedding.Slice())
	}
	now := s.now().UnixNano()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tools (name, transport, endpoint_or_command, args, description, category, trust_score, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name, transport, endpoint_or_command) DO UPDATE SET
			args = excluded.args,
			description = excluded.description,
			category = excluded.category,
			embedding = COALESCE(excluded.embedding, tools.embedding),
			updated_at = excluded.updated_at
		RETURNING `+toolColumns,
		c.Name, string(c.Transport), c.EndpointOrCommand, string(args), c.Description, c.Category, c.TrustScore, blob, now, now)
	out, err := scanTool(row)
	if err != nil {
		return model.ToolCandidate{}, fmt.Errorf("lite: upsert tool %q: %w", c.Name, err)
	}
	return out, nil
}

// GetTool returns one catalog entry.
func (s *Store) GetTool(ctx context.Context, id int64) (model.ToolCandidate, error) {
	t, err := scanTool(s.db.QueryRowContext(ctx, `SELECT `+toolColumns+` FROM tools WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ToolCandidate{}, fmt.Errorf("lite: tool %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return model.ToolCandidate{}, fmt.Errorf("lite: get tool %d: %w", id, err)
	}
	return t, nil
}

// ListTools returns catalog entries ordered by id.
func (s *Store) ListTools(ctx context.Context, limit, offset int) ([]model.ToolCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+toolColumns+` FROM tools ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("lite: list tools: %w", err)
	}
	return collectTools(rows)
}

// GetToolsByIDs returns the entries for ids keyed by id.
func (s *Store) GetToolsByIDs(ctx context.Context, ids []int64) (map[int64]model.ToolCandidate, error) {
	out := make(map[int64]model.ToolCandidate, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args := inClause(`SELECT `+toolColumns+` FROM tools WHERE id IN `, ids)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lite: get tools by ids: %w", err)
	}
	tools, err := collectTools(rows)
	if err != nil {
		return nil, err
	}
	for _, t := range tools {
		out[t.ID] = t
	}
	return out, nil
}

// ResolveToolIDs maps natural keys to catalog ids.
func (s *Store) ResolveToolIDs(ctx context.Context, keys []model.ToolKey) (map[model.ToolKey]int64, error) {
	out := make(map[model.ToolKey]int64, len(keys))
	for _, k := range keys {
		var id int64
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM tools WHERE name = ? AND transport = ? AND endpoint_or_command = ?`,
			k.Name, string(k.Transport), k.EndpointOrCommand).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lite: resolve tool %s: %w", k, err)
		}
		out[k] = id
	}
	return out, nil
}

// HybridSearch scores every embedded entry in the allowed set against vec
// and fuses the nearest p.TopN with search.Fuse.
func (s *Store) HybridSearch(ctx context.Context, vec pgvector.Vector, p model.RankParams, allowedIDs []int64) ([]model.RankedCandidate, error) {
	query := `SELECT ` + toolColumns + `, embedding FROM tools WHERE embedding IS NOT NULL`
	var args []any
	if len(allowedIDs) > 0 {
		query, args = inClause(query+` AND id IN `, allowedIDs)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lite: hybrid search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	q := vec.Slice()
	var cands []search.Candidate
	for rows.Next() {
		var blob []byte
		t, err := scanToolWith(rows, &blob)
		if err != nil {
			return nil, fmt.Errorf("lite: scan ranked tool: %w", err)
		}
		cands = append(cands, search.Candidate{Tool: t, Distance: search.CosineDistance(q, decodeVector(blob))})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lite: hybrid search: %w", err)
	}
	return search.Fuse(cands, p), nil
}

// KeywordSearch matches any term of keyword against name or description,
// ordered by raw trust score.
func (s *Store) KeywordSearch(ctx context.Context, keyword string, allowedIDs []int64, limit int) ([]model.ToolCandidate, error) {
	patterns := storage.LikePatterns(keyword)
	if len(patterns) == 0 {
		return nil, nil
	}
	var (
		conds []string
		args  []any
	)
	for _, pat := range patterns {
		conds = append(conds, `name LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\'`)
		args = append(args, pat, pat)
	}
	query := `SELECT ` + toolColumns + ` FROM tools WHERE (` + strings.Join(conds, " OR ") + `)`
	if len(allowedIDs) > 0 {
		var idArgs []any
		query, idArgs = inClause(query+` AND id IN `, allowedIDs)
		args = append(args, idArgs...)
	}
	query += ` ORDER BY trust_score DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lite: keyword search: %w", err)
	}
	return collectTools(rows)
}

// ListToolsMissingEmbedding returns entries that have never been embedded.
func (s *Store) ListToolsMissingEmbedding(ctx context.Context, limit int) ([]model.ToolCandidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+toolColumns+` FROM tools WHERE embedding IS NULL ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("lite: list tools missing embedding: %w", err)
	}
	return collectTools(rows)
}

// SetToolEmbedding stores the embedding of one entry.
func (s *Store) SetToolEmbedding(ctx context.Context, id int64, vec pgvector.Vector) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tools SET embedding = ?, updated_at = ? WHERE id = ?`,
		encodeVector(vec.Slice()), s.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("lite: set tool embedding %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("lite: set tool embedding %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

// UpdateTrustScore writes the new score and its history row in one transaction.
func (s *Store) UpdateTrustScore(ctx context.Context, ev model.TrustEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("lite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UnixNano()
	res, err := tx.ExecContext(ctx, `UPDATE tools SET trust_score = ?, updated_at = ? WHERE id = ?`, ev.NewScore, now, ev.ToolID)
	if err != nil {
		return fmt.Errorf("lite: update trust score %d: %w", ev.ToolID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("lite: update trust score %d: %w", ev.ToolID, storage.ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tool_trust_events (tool_id, run_id, status, previous_score, effective_score, new_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ToolID, ev.RunID, string(ev.Status), ev.PreviousScore, ev.EffectiveScore, ev.NewScore, now); err != nil {
		return fmt.Errorf("lite: record trust event %d: %w", ev.ToolID, err)
	}
	return tx.Commit()
}

// ListTrustEvents returns the most recent trust transitions of one tool.
func (s *Store) ListTrustEvents(ctx context.Context, toolID int64, limit int) ([]model.TrustEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tool_id, run_id, status, previous_score, effective_score, new_score, created_at
		FROM tool_trust_events WHERE tool_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, toolID, limit)
	if err != nil {
		return nil, fmt.Errorf("lite: list trust events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.TrustEvent
	for rows.Next() {
		var (
			ev      model.TrustEvent
			status  string
			created int64
		)
		if err := rows.Scan(&ev.ID, &ev.ToolID, &ev.RunID, &status,
			&ev.PreviousScore, &ev.EffectiveScore, &ev.NewScore, &created); err != nil {
			return nil, fmt.Errorf("lite: scan trust event: %w", err)
		}
		ev.Status = model.AssessmentStatus(status)
		ev.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTool(row scanner) (model.ToolCandidate, error) {
	return scanToolWith(row)
}

func scanToolWith(row scanner, extra ...any) (model.ToolCandidate, error) {
	var (
		t                model.ToolCandidate
		transport, args  string
		created, updated int64
	)
	dest := []any{&t.ID, &t.Name, &transport, &t.EndpointOrCommand, &args,
		&t.Description, &t.Category, &t.TrustScore, &created, &updated}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return model.ToolCandidate{}, err
	}
	t.Transport = model.Transport(transport)
	if err := json.Unmarshal([]byte(args), &t.Args); err != nil {
		return model.ToolCandidate{}, fmt.Errorf("decode args: %w", err)
	}
	t.CreatedAt = time.Unix(0, created).UTC()
	t.UpdatedAt = time.Unix(0, updated).UTC()
	return t, nil
}

func collectTools(rows *sql.Rows) ([]model.ToolCandidate, error) {
	defer func() { _ = rows.Close() }()
	var out []model.ToolCandidate
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("lite: scan tool: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func inClause(prefix string, ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return prefix + "(" + strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + ")", args
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func encodeVector(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
