package usecase

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jobraker/engine/internal/model"
	"github.com/jobraker/engine/internal/repository"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
)

type matchProfileStore interface {
	FindEmbedded(ctx context.Context, id uuid.UUID) (*model.Profile, error)
}

type matchPostingStore interface {
	Search(ctx context.Context, vec pgvector.Vector, limit int, excludeIDs []uuid.UUID) ([]repository.PostingHit, error)
}

// MatchUsecase ranks embedded postings against a profile vector.
type MatchUsecase struct {
	profiles matchProfileStore
	postings matchPostingStore
	logger   *zap.Logger
	topK     int
}

func NewMatchUsecase(profiles matchProfileStore, postings matchPostingStore, logger *zap.Logger, topK int) *MatchUsecase {
	if topK <= 0 {
		topK = 50
	}
	return &MatchUsecase{
		profiles: profiles,
		postings: postings,
		logger:   logger,
		topK:     topK,
	}
}

// scoreFromDistance maps pgvector cosine distance (0..2) onto a 0..1
// similarity score.
func scoreFromDistance(d float64) float64 {
	s := 1 - d/2
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// FindCandidates returns postings scoring at or above threshold for the
// profile, best first. Postings in excludeIDs never appear, no matter
// how well they score.
func (u *MatchUsecase) FindCandidates(ctx context.Context, profileID uuid.UUID, threshold float64, excludeIDs []uuid.UUID) ([]model.MatchResult, error) {
	profile, err := u.profiles.FindEmbedded(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", profileID, err)
	}

	hits, err := u.postings.Search(ctx, profile.Embedding, u.topK, excludeIDs)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	excluded := make(map[uuid.UUID]struct{}, len(excludeIDs))
	for _, id := range excludeIDs {
		excluded[id] = struct{}{}
	}

	results := make([]model.MatchResult, 0, len(hits))
	for _, hit := range hits {
		if _, skip := excluded[hit.ID]; skip {
			continue
		}
		score := scoreFromDistance(hit.Distance)
		if score < threshold {
			continue
		}
		results = append(results, model.MatchResult{
			ProfileID:  profileID,
			JobID:      hit.ID,
			SourceID:   hit.SourceID,
			Title:      hit.Title,
			Score:      score,
			LastSeenAt: hit.LastSeenAt,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].LastSeenAt.After(results[j].LastSeenAt)
	})

	u.logger.Debug("match candidates ranked",
		zap.String("profile_id", profileID.String()),
		zap.Int("hits", len(hits)),
		zap.Int("kept", len(results)),
		zap.Float64("threshold", threshold))
	return results, nil
}
