package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jobraker/engine/internal/model"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
)

type JobPostingRepository struct {
	db     *gorm.DB
	probes int
}

func NewJobPostingRepository(db *gorm.DB, probes int) *JobPostingRepository {
	if probes <= 0 {
		probes = 10
	}
	return &JobPostingRepository{db: db, probes: probes}
}

// PostingHit is one ANN result row. Distance is pgvector cosine
// distance, 0 (identical) to 2 (opposite).
type PostingHit struct {
	ID         uuid.UUID `json:"id"`
	SourceID   string    `json:"source_id"`
	Title      string    `json:"title"`
	LastSeenAt time.Time `json:"last_seen_at"`
	Distance   float64   `json:"distance"`
}

// Upsert writes a posting keyed on its upstream source id. A changed
// content hash resets the embedding so the posting is re-embedded; a
// rerun with identical content only refreshes last_seen_at. Returns
// whether the posting now needs an embedding.
func (r *JobPostingRepository) Upsert(ctx context.Context, p *model.JobPosting) (bool, error) {
	now := time.Now()
	var row struct {
		ID          uuid.UUID
		EmbedStatus string
	}
	err := r.db.WithContext(ctx).Raw(`
        INSERT INTO job_postings
            (source_id, title, description, content_hash, embed_status, location,
             compensation_min, compensation_max, employment_type,
             first_seen_at, last_seen_at, stale, created_at, updated_at)
        VALUES (?, ?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?, false, ?, ?)
        ON CONFLICT (source_id) DO UPDATE SET
            title            = EXCLUDED.title,
            description      = EXCLUDED.description,
            location         = EXCLUDED.location,
            compensation_min = EXCLUDED.compensation_min,
            compensation_max = EXCLUDED.compensation_max,
            employment_type  = EXCLUDED.employment_type,
            last_seen_at     = EXCLUDED.last_seen_at,
            stale            = false,
            embed_status     = CASE WHEN job_postings.content_hash <> EXCLUDED.content_hash
                                    THEN 'pending' ELSE job_postings.embed_status END,
            embedding        = CASE WHEN job_postings.content_hash <> EXCLUDED.content_hash
                                    THEN NULL ELSE job_postings.embedding END,
            content_hash     = EXCLUDED.content_hash,
            updated_at       = EXCLUDED.updated_at
        RETURNING id, embed_status
    `,
		p.SourceID, p.Title, p.Description, p.ContentHash, p.Location,
		p.CompensationMin, p.CompensationMax, p.EmploymentType,
		now, now, now, now,
	).Scan(&row).Error
	if err != nil {
		return false, err
	}

	p.ID = row.ID
	p.EmbedStatus = model.EmbedStatus(row.EmbedStatus)
	return p.EmbedStatus == model.EmbedPending, nil
}

// SetEmbedding stores the vector and flips the posting to ready. The
// content hash guard drops the write when the posting changed while the
// embedding was being generated; the next ingest pass re-embeds it.
func (r *JobPostingRepository) SetEmbedding(ctx context.Context, id uuid.UUID, vec pgvector.Vector, contentHash string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.JobPosting{}).
		Where("id = ? AND content_hash = ?", id, contentHash).
		Updates(map[string]any{
			"embedding":    vec,
			"embed_status": model.EmbedReady,
		})
	return res.RowsAffected > 0, res.Error
}

// MarkRejected flags a posting the provider refused to embed. Rejected
// postings never match and are never re-submitted for embedding.
func (r *JobPostingRepository) MarkRejected(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&model.JobPosting{}).
		Where("id = ?", id).
		Update("embed_status", model.EmbedRejected).Error
}

// Search runs cosine ANN over ready, non-stale postings. Excluded ids
// are filtered in SQL so the store never surfaces them; callers still
// re-check. ivfflat.probes is a session tunable, set per query.
func (r *JobPostingRepository) Search(ctx context.Context, vec pgvector.Vector, limit int, excludeIDs []uuid.UUID) ([]PostingHit, error) {
	var hits []PostingHit

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(fmt.Sprintf("SET LOCAL ivfflat.probes = %d", r.probes)).Error; err != nil {
			return err
		}

		q := `
            SELECT id, source_id, title, last_seen_at, embedding <=> ? AS distance
            FROM job_postings
            WHERE embed_status = 'ready' AND stale = false`
		args := []any{vec}
		if len(excludeIDs) > 0 {
			q += " AND id NOT IN ?"
			args = append(args, excludeIDs)
		}
		q += `
            ORDER BY embedding <=> ?
            LIMIT ?`
		args = append(args, vec, limit)

		return tx.Raw(q, args...).Scan(&hits).Error
	})

	return hits, err
}

// FindByID loads a posting without its vector column. NULL vectors do
// not scan, and no caller needs the raw embedding back.
func (r *JobPostingRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.JobPosting, error) {
	var p model.JobPosting
	err := r.db.WithContext(ctx).
		Select("id", "source_id", "title", "description", "content_hash",
			"embed_status", "location", "employment_type", "first_seen_at", "last_seen_at", "stale").
		First(&p, "id = ?", id).Error
	return &p, err
}

// FindPendingEmbeds lists postings still waiting for a vector, oldest
// first, so the embed backlog sweep can re-enqueue them.
func (r *JobPostingRepository) FindPendingEmbeds(ctx context.Context, limit int) ([]model.JobPosting, error) {
	var out []model.JobPosting
	err := r.db.WithContext(ctx).
		Select("id", "source_id", "content_hash").
		Where("embed_status = ? AND stale = false", model.EmbedPending).
		Order("updated_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// IDsBySourceIDs maps upstream source ids to posting row ids, for
// folding sticky dismissals into an exclusion set.
func (r *JobPostingRepository) IDsBySourceIDs(ctx context.Context, sourceIDs []string) ([]uuid.UUID, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).Model(&model.JobPosting{}).
		Where("source_id IN ?", sourceIDs).
		Pluck("id", &ids).Error
	return ids, err
}

// MarkStale retires postings unseen since the cutoff. Stale rows stop
// matching but stay addressable by existing applications.
func (r *JobPostingRepository) MarkStale(ctx context.Context, lastSeenBefore time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.JobPosting{}).
		Where("stale = false AND last_seen_at < ?", lastSeenBefore).
		Update("stale", true)
	return res.RowsAffected, res.Error
}
