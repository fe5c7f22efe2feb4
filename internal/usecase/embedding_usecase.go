package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jobraker/engine/internal/events"
	"github.com/jobraker/engine/internal/fault"
	"github.com/jobraker/engine/internal/model"
	"github.com/jobraker/engine/internal/resilience"
	"github.com/jobraker/engine/internal/service"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
)

type embedClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type embedCache interface {
	GetJSON(ctx context.Context, key string, out any) bool
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration)
}

type embedPostingStore interface {
	FindByID(ctx context.Context, id uuid.UUID) (*model.JobPosting, error)
	SetEmbedding(ctx context.Context, id uuid.UUID, vec pgvector.Vector, contentHash string) (bool, error)
	MarkRejected(ctx context.Context, id uuid.UUID) error
}

// EmbeddingUsecase turns posting text into vectors: content-hash cache
// in front, the embedding provider behind the resilience executor.
type EmbeddingUsecase struct {
	gemini   embedClient
	cache    embedCache
	postings embedPostingStore
	exec     *resilience.Executor
	bus      *events.Bus
	logger   *zap.Logger
	cacheTTL time.Duration
}

func NewEmbeddingUsecase(gemini embedClient, cache embedCache, postings embedPostingStore, exec *resilience.Executor, bus *events.Bus, logger *zap.Logger, cacheTTL time.Duration) *EmbeddingUsecase {
	return &EmbeddingUsecase{
		gemini:   gemini,
		cache:    cache,
		postings: postings,
		exec:     exec,
		bus:      bus,
		logger:   logger,
		cacheTTL: cacheTTL,
	}
}

// ContentHash fingerprints embedding input. Identical text always
// produces the same hash, which is both the cache key and the change
// detector on postings.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// EmbedText is the canonical embedding input for a posting. Ingestion
// hashes exactly this, so a stored content hash always matches the text
// the vector was generated from.
func EmbedText(p *model.JobPosting) string {
	return p.Title + "\n\n" + p.Description
}

// Generate returns the vector for text, from cache when the same
// content was embedded before. The returned hash is ContentHash(text).
func (u *EmbeddingUsecase) Generate(ctx context.Context, text string) (pgvector.Vector, string, error) {
	hash := ContentHash(text)
	cacheKey := "emb:" + hash

	var values []float32
	if u.cache.GetJSON(ctx, cacheKey, &values) && len(values) > 0 {
		u.logger.Debug("embedding cache hit", zap.String("hash", hash))
		return pgvector.NewVector(values), hash, nil
	}

	err := u.exec.Execute(ctx, service.ServiceGemini, func(ctx context.Context) error {
		var embedErr error
		values, embedErr = u.gemini.Embed(ctx, text)
		return embedErr
	})
	if err != nil {
		return pgvector.Vector{}, hash, err
	}

	u.cache.SetJSON(ctx, cacheKey, values, u.cacheTTL)
	return pgvector.NewVector(values), hash, nil
}

// GenerateBatch returns vectors for several texts in input order.
// Cached texts are served locally; the remainder goes to the provider
// in a single call.
func (u *EmbeddingUsecase) GenerateBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, len(texts))
	hashes := make([]string, len(texts))

	var missIdx []int
	for i, text := range texts {
		hashes[i] = ContentHash(text)

		var values []float32
		if u.cache.GetJSON(ctx, "emb:"+hashes[i], &values) && len(values) > 0 {
			out[i] = pgvector.NewVector(values)
			continue
		}
		missIdx = append(missIdx, i)
	}
	if len(missIdx) == 0 {
		return out, nil
	}

	missTexts := make([]string, len(missIdx))
	for j, i := range missIdx {
		missTexts[j] = texts[i]
	}

	var fresh [][]float32
	err := u.exec.Execute(ctx, service.ServiceGemini, func(ctx context.Context) error {
		var embedErr error
		fresh, embedErr = u.gemini.EmbedBatch(ctx, missTexts)
		return embedErr
	})
	if err != nil {
		return nil, err
	}

	for j, i := range missIdx {
		out[i] = pgvector.NewVector(fresh[j])
		u.cache.SetJSON(ctx, "emb:"+hashes[i], fresh[j], u.cacheTTL)
	}
	u.logger.Debug("batch embedding generated",
		zap.Int("texts", len(texts)),
		zap.Int("cache_hits", len(texts)-len(missIdx)))
	return out, nil
}

// EmbedPosting is the embed_posting task body. Moderation rejections
// park the posting permanently; transient exhaustion bubbles up so the
// queue retries later.
func (u *EmbeddingUsecase) EmbedPosting(ctx context.Context, postingID uuid.UUID) error {
	posting, err := u.postings.FindByID(ctx, postingID)
	if err != nil {
		return fmt.Errorf("load posting %s: %w", postingID, err)
	}
	if posting.EmbedStatus != model.EmbedPending {
		return nil
	}

	vec, hash, err := u.Generate(ctx, EmbedText(posting))
	if err != nil {
		if errors.Is(err, fault.ErrModerationRejected) {
			if markErr := u.postings.MarkRejected(ctx, postingID); markErr != nil {
				return fmt.Errorf("mark posting rejected: %w", markErr)
			}
			u.logger.Warn("posting rejected by moderation",
				zap.String("posting_id", postingID.String()),
				zap.String("source_id", posting.SourceID))
			u.bus.Publish(events.Event{
				Kind:   events.PostingRejected,
				JobID:  postingID,
				Detail: "embedding provider moderation",
			})
			return nil
		}
		return err
	}

	stored, err := u.postings.SetEmbedding(ctx, postingID, vec, hash)
	if err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}
	if !stored {
		// content changed while we were embedding; the fresh ingest pass
		// re-enqueues it with the new hash
		u.logger.Info("embedding discarded, posting content moved on",
			zap.String("posting_id", postingID.String()))
		return nil
	}

	u.bus.Publish(events.Event{Kind: events.PostingEmbedded, JobID: postingID})
	return nil
}
