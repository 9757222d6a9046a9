package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/shirube/internal/model"
)

const toolColumns = `id, name, transport, endpoint_or_command, args, description, category, trust_score, created_at, updated_at`

// UpsertTool inserts a catalog entry or refreshes the descriptive fields of an
// existing one with the same (name, transport, endpoint_or_command). The trust
// score is only written on insert. A nil embedding keeps the stored vector.
func (db *DB) UpsertTool(ctx context.Context, c model.ToolCandidate, embedding *pgvector.Vector) (model.ToolCandidate, error) {
	args := c.Args
	if args == nil {
		args = []string{}
	}
	row := db.pool.QueryRow(ctx, `
		INSERT INTO tools (name, transport, endpoint_or_command, args, description, category, trust_score, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name, transport, endpoint_or_command) DO UPDATE SET
			args = EXCLUDED.args,
			description = EXCLUDED.description,
			category = EXCLUDED.category,
			embedding = COALESCE(EXCLUDED.embedding, tools.embedding),
			updated_at = now()
		RETURNING `+toolColumns,
		c.Name, string(c.Transport), c.EndpointOrCommand, args, c.Description, c.Category, c.TrustScore, embedding,
	)
	out, err := scanTool(row)
	if err != nil {
		return model.ToolCandidate{}, fmt.Errorf("storage: upsert tool %q: %w", c.Name, err)
	}
	return out, nil
}

// GetTool returns one catalog entry.
func (db *DB) GetTool(ctx context.Context, id int64) (model.ToolCandidate, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+toolColumns+` FROM tools WHERE id = $1`, id)
	t, err := scanTool(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ToolCandidate{}, fmt.Errorf("storage: tool %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.ToolCandidate{}, fmt.Errorf("storage: get tool %d: %w", id, err)
	}
	return t, nil
}

// ListTools returns catalog entries ordered by id.
func (db *DB) ListTools(ctx context.Context, limit, offset int) ([]model.ToolCandidate, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+toolColumns+` FROM tools ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: list tools: %w", err)
	}
	return collectTools(rows)
}

// GetToolsByIDs returns the catalog entries for the given ids, keyed by id.
// Missing ids are absent from the map.
func (db *DB) GetToolsByIDs(ctx context.Context, ids []int64) (map[int64]model.ToolCandidate, error) {
	if len(ids) == 0 {
		return map[int64]model.ToolCandidate{}, nil
	}
	rows, err := db.pool.Query(ctx, `SELECT `+toolColumns+` FROM tools WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: get tools by ids: %w", err)
	}
	tools, err := collectTools(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]model.ToolCandidate, len(tools))
	for _, t := range tools {
		out[t.ID] = t
	}
	return out, nil
}

// ResolveToolIDs maps natural keys to catalog ids. Keys with no catalog entry
// are absent from the result.
func (db *DB) ResolveToolIDs(ctx context.Context, keys []model.ToolKey) (map[model.ToolKey]int64, error) {
	out := make(map[model.ToolKey]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	names := make([]string, len(keys))
	transports := make([]string, len(keys))
	endpoints := make([]string, len(keys))
	for i, k := range keys {
		names[i], transports[i], endpoints[i] = k.Name, string(k.Transport), k.EndpointOrCommand
	}

	rows, err := db.pool.Query(ctx, `
		SELECT t.id, t.name, t.transport, t.endpoint_or_command
		FROM tools t
		JOIN unnest($1::text[], $2::text[], $3::text[]) AS k(name, transport, endpoint)
		  ON t.name = k.name AND t.transport = k.transport AND t.endpoint_or_command = k.endpoint`,
		names, transports, endpoints)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve tool ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id        int64
			k         model.ToolKey
			transport string
		)
		if err := rows.Scan(&id, &k.Name, &transport, &k.EndpointOrCommand); err != nil {
			return nil, fmt.Errorf("storage: scan tool key: %w", err)
		}
		k.Transport = model.Transport(transport)
		out[k] = id
	}
	return out, rows.Err()
}

// HybridSearch ranks catalog entries against a query embedding.
//
// The nearest TopN entries by cosine distance (optionally restricted to
// allowedIDs) form the candidate set. Within it, trust scores are min-max
// normalized (0 for all when max equals min), semantic score is
// clamp(1 - distance, 0, 1), and total = alpha*semantic + (1-alpha)*trust_norm.
// Rows whose semantic score is below theta are dropped after fusion, and the
// best TopK by total score are returned. A zero-norm embedding has an
// undefined (NaN) cosine distance and is scored as distance 1.
func (db *DB) HybridSearch(ctx context.Context, vec pgvector.Vector, p model.RankParams, allowedIDs []int64) ([]model.RankedCandidate, error) {
	var allowed any
	if len(allowedIDs) > 0 {
		allowed = allowedIDs
	}
	rows, err := db.pool.Query(ctx, `
		WITH nearest AS (
			SELECT `+toolColumns+`,
				CASE WHEN (embedding <=> $1) = 'NaN'::float8 THEN 1
				     ELSE (embedding <=> $1) END AS distance
			FROM tools
			WHERE embedding IS NOT NULL
			  AND ($2::bigint[] IS NULL OR id = ANY($2::bigint[]))
			ORDER BY embedding <=> $1, id
			LIMIT $3
		), bounds AS (
			SELECT min(trust_score) AS lo, max(trust_score) AS hi FROM nearest
		), scored AS (
			SELECT n.*,
				GREATEST(0, LEAST(1, 1 - n.distance)) AS semantic_score,
				CASE WHEN b.hi = b.lo THEN 0
				     ELSE (n.trust_score - b.lo) / (b.hi - b.lo) END AS trust_norm
			FROM nearest n CROSS JOIN bounds b
		)
		SELECT `+toolColumns+`, distance, semantic_score, trust_norm,
			($4 * semantic_score + (1 - $4) * trust_norm) AS total_score
		FROM scored
		WHERE semantic_score >= $5
		ORDER BY total_score DESC, id
		LIMIT $6`,
		vec, allowed, p.TopN, p.Alpha, p.Theta, p.TopK)
	if err != nil {
		return nil, fmt.Errorf("storage: hybrid search: %w", err)
	}
	defer rows.Close()

	var out []model.RankedCandidate
	for rows.Next() {
		var (
			rc        model.RankedCandidate
			transport string
		)
		t := &rc.Tool
		if err := rows.Scan(&t.ID, &t.Name, &transport, &t.EndpointOrCommand, &t.Args,
			&t.Description, &t.Category, &t.TrustScore, &t.CreatedAt, &t.UpdatedAt,
			&rc.Distance, &rc.SemanticScore, &rc.TrustScoreNorm, &rc.TotalScore); err != nil {
			return nil, fmt.Errorf("storage: scan ranked tool: %w", err)
		}
		t.Transport = model.Transport(transport)
		out = append(out, rc)
	}
	return out, rows.Err()
}

// KeywordSearch matches any whitespace-separated term of keyword as a
// case-insensitive substring of a tool's name or description, ordered by raw
// trust score. It is the ranking fallback when embeddings are unavailable.
func (db *DB) KeywordSearch(ctx context.Context, keyword string, allowedIDs []int64, limit int) ([]model.ToolCandidate, error) {
	patterns := LikePatterns(keyword)
	if len(patterns) == 0 {
		return nil, nil
	}
	var allowed any
	if len(allowedIDs) > 0 {
		allowed = allowedIDs
	}
	rows, err := db.pool.Query(ctx, `
		SELECT `+toolColumns+` FROM tools
		WHERE (name ILIKE ANY($1) OR description ILIKE ANY($1))
		  AND ($2::bigint[] IS NULL OR id = ANY($2::bigint[]))
		ORDER BY trust_score DESC, id
		LIMIT $3`, patterns, allowed, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: keyword search: %w", err)
	}
	return collectTools(rows)
}

// ListToolsMissingEmbedding returns entries that have never been embedded.
func (db *DB) ListToolsMissingEmbedding(ctx context.Context, limit int) ([]model.ToolCandidate, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+toolColumns+` FROM tools WHERE embedding IS NULL ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list tools missing embedding: %w", err)
	}
	return collectTools(rows)
}

// SetToolEmbedding stores the embedding of one catalog entry.
func (db *DB) SetToolEmbedding(ctx context.Context, id int64, vec pgvector.Vector) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE tools SET embedding = $2, updated_at = now() WHERE id = $1`, id, vec)
	if err != nil {
		return fmt.Errorf("storage: set tool embedding %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: set tool embedding %d: %w", id, ErrNotFound)
	}
	return nil
}

// LikePatterns turns free text into ILIKE substring patterns, one per term,
// with LIKE metacharacters escaped.
func LikePatterns(keyword string) []string {
	terms := strings.Fields(keyword)
	patterns := make([]string, 0, len(terms))
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	for _, term := range terms {
		patterns = append(patterns, "%"+replacer.Replace(term)+"%")
	}
	return patterns
}

func scanTool(row pgx.Row) (model.ToolCandidate, error) {
	var (
		t         model.ToolCandidate
		transport string
	)
	if err := row.Scan(&t.ID, &t.Name, &transport, &t.EndpointOrCommand, &t.Args,
		&t.Description, &t.Category, &t.TrustScore, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return model.ToolCandidate{}, err
	}
	t.Transport = model.Transport(transport)
	return t, nil
}

func collectTools(rows pgx.Rows) ([]model.ToolCandidate, error) {
	defer rows.Close()
	var out []model.ToolCandidate
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan tool: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
