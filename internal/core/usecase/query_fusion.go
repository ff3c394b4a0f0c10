package usecase

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
)

const defaultRRFK = 60

// NormalizeScores min-max rescales the scores of one origin's result set into [0,1].
// When every score is equal the whole set maps to 1.0.
func NormalizeScores(hits []domain.RetrievalHit) []domain.RetrievalHit {
	if len(hits) == 0 {
		return nil
	}
	minScore, maxScore := hits[0].Score, hits[0].Score
	for _, hit := range hits[1:] {
		if hit.Score < minScore {
			minScore = hit.Score
		}
		if hit.Score > maxScore {
			maxScore = hit.Score
		}
	}

	out := make([]domain.RetrievalHit, len(hits))
	span := maxScore - minScore
	for i, hit := range hits {
		if span == 0 {
			hit.Score = 1.0
		} else {
			hit.Score = (hit.Score - minScore) / span
		}
		out[i] = hit
	}
	return out
}

// DedupedHit is one unique source with at most one score per origin. Ranks are
// 0-based within the hit's own collection (one keyword list, one list per vector
// collection) and -1 for the origin where the key did not appear.
type DedupedHit struct {
	Key          string
	Source       string
	VectorScore  float64
	KeywordScore float64
	VectorRank   int
	KeywordRank  int
}

type rankList struct {
	origin     domain.Origin
	collection string
}

// Deduplicate groups hits by identity key in first-seen order. A key seen more
// than once for the same origin keeps its best score and rank.
func Deduplicate(hits ...[]domain.RetrievalHit) []DedupedHit {
	index := make(map[string]int)
	next := make(map[rankList]int)
	var records []DedupedHit

	for _, set := range hits {
		for _, hit := range set {
			list := rankList{origin: hit.Origin, collection: hit.Collection}
			rank := next[list]
			next[list]++

			key := hit.Key
			if key == "" {
				key = domain.HitKey(hit.Source)
			}
			pos, ok := index[key]
			if !ok {
				pos = len(records)
				index[key] = pos
				records = append(records, DedupedHit{Key: key, Source: hit.Source, VectorRank: -1, KeywordRank: -1})
			}
			rec := &records[pos]
			switch hit.Origin {
			case domain.OriginKeyword:
				if rec.KeywordRank < 0 || hit.Score > rec.KeywordScore {
					rec.KeywordScore = hit.Score
				}
				if rec.KeywordRank < 0 || rank < rec.KeywordRank {
					rec.KeywordRank = rank
				}
			default:
				if rec.VectorRank < 0 || hit.Score > rec.VectorScore {
					rec.VectorScore = hit.Score
				}
				if rec.VectorRank < 0 || rank < rec.VectorRank {
					rec.VectorRank = rank
				}
			}
		}
	}
	return records
}

// FusionRanker turns normalized per-origin hits into one ranked context list.
type FusionRanker interface {
	Name() string
	Fuse(vector, keyword []domain.RetrievalHit, alpha float64, limit int) []domain.FusionResult
}

const (
	FusionWeighted = "weighted"
	FusionRRF      = "rrf"
)

func NewFusionRanker(name string, rrfK int) (FusionRanker, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", FusionWeighted:
		return weightedFusion{}, nil
	case FusionRRF:
		if rrfK <= 0 {
			rrfK = defaultRRFK
		}
		return rrfFusion{k: rrfK}, nil
	default:
		return nil, domain.WrapError(domain.ErrInvalidInput, "fusion strategy", fmt.Errorf("unknown strategy %q", name))
	}
}

type weightedFusion struct{}

func (weightedFusion) Name() string { return FusionWeighted }

// Fuse scores every unique key as alpha*keyword + (1-alpha)*vector.
func (weightedFusion) Fuse(vector, keyword []domain.RetrievalHit, alpha float64, limit int) []domain.FusionResult {
	records := Deduplicate(NormalizeScores(vector), NormalizeScores(keyword))
	out := make([]domain.FusionResult, 0, len(records))
	for _, rec := range records {
		out = append(out, domain.FusionResult{
			Key:          rec.Key,
			Source:       rec.Source,
			Score:        alpha*rec.KeywordScore + (1-alpha)*rec.VectorScore,
			VectorScore:  rec.VectorScore,
			KeywordScore: rec.KeywordScore,
		})
	}
	return rankFusionResults(out, limit)
}

type rrfFusion struct {
	k int
}

func (rrfFusion) Name() string { return FusionRRF }

// Fuse weights reciprocal ranks with alpha so the same knob steers both strategies.
func (f rrfFusion) Fuse(vector, keyword []domain.RetrievalHit, alpha float64, limit int) []domain.FusionResult {
	records := Deduplicate(NormalizeScores(vector), NormalizeScores(keyword))
	out := make([]domain.FusionResult, 0, len(records))
	for _, rec := range records {
		var score float64
		if rec.VectorRank >= 0 {
			score += (1 - alpha) / float64(f.k+rec.VectorRank+1)
		}
		if rec.KeywordRank >= 0 {
			score += alpha / float64(f.k+rec.KeywordRank+1)
		}
		out = append(out, domain.FusionResult{
			Key:          rec.Key,
			Source:       rec.Source,
			Score:        score,
			VectorScore:  rec.VectorScore,
			KeywordScore: rec.KeywordScore,
		})
	}
	return rankFusionResults(out, limit)
}

func rankFusionResults(results []domain.FusionResult, limit int) []domain.FusionResult {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}
