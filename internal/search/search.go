// Package search ranks catalog tools for a free-text query by fusing semantic
// similarity with normalized trust, with a keyword fallback when the
// embedding backend or vector catalog is unavailable.
package search

import (
	"math"
	"sort"

	"github.com/ashita-ai/shirube/internal/model"
)

// Candidate is a catalog entry with its cosine distance to the query, before
// fusion.
type Candidate struct {
	Tool     model.ToolCandidate
	Distance float64
}

// SemanticScore converts a cosine distance into a relevance score in [0,1].
func SemanticScore(distance float64) float64 {
	return clamp01(1 - distance)
}

// TotalScore is the fused ranking score.
func TotalScore(alpha, semantic, trustNorm float64) float64 {
	return alpha*semantic + (1-alpha)*trustNorm
}

// NormalizeTrust min-max normalizes trust scores into [0,1]. When every score
// is equal all normalized values are 0.
func NormalizeTrust(scores []float64) []float64 {
	out := make([]float64, len(scores))
	if len(scores) == 0 {
		return out
	}
	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		lo = math.Min(lo, s)
		hi = math.Max(hi, s)
	}
	if hi == lo {
		return out
	}
	for i, s := range scores {
		out[i] = (s - lo) / (hi - lo)
	}
	return out
}

// Fuse applies hybrid ranking to candidates already restricted to the allowed
// set. The TopN nearest by distance form the normalization window; candidates
// below Theta are dropped after scoring and the best TopK are returned.
func Fuse(cands []Candidate, p model.RankParams) []model.RankedCandidate {
	nearest := make([]Candidate, len(cands))
	copy(nearest, cands)
	sort.SliceStable(nearest, func(i, j int) bool {
		if nearest[i].Distance != nearest[j].Distance {
			return nearest[i].Distance < nearest[j].Distance
		}
		return nearest[i].Tool.ID < nearest[j].Tool.ID
	})
	if p.TopN > 0 && len(nearest) > p.TopN {
		nearest = nearest[:p.TopN]
	}

	trust := make([]float64, len(nearest))
	for i, c := range nearest {
		trust[i] = c.Tool.TrustScore
	}
	norm := NormalizeTrust(trust)

	ranked := make([]model.RankedCandidate, 0, len(nearest))
	for i, c := range nearest {
		sem := SemanticScore(c.Distance)
		rc := model.RankedCandidate{
			Tool:           c.Tool,
			Distance:       c.Distance,
			SemanticScore:  sem,
			TrustScoreNorm: norm[i],
			TotalScore:     TotalScore(p.Alpha, sem, norm[i]),
		}
		if sem < p.Theta {
			continue
		}
		ranked = append(ranked, rc)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].TotalScore != ranked[j].TotalScore {
			return ranked[i].TotalScore > ranked[j].TotalScore
		}
		return ranked[i].Tool.ID < ranked[j].Tool.ID
	})
	if p.TopK > 0 && len(ranked) > p.TopK {
		ranked = ranked[:p.TopK]
	}
	return ranked
}

// CosineDistance returns 1 - cosine similarity. Zero-length or zero-norm
// vectors have no similarity.
func CosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
