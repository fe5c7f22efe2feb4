package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/jobraker/engine/internal/events"
	"github.com/jobraker/engine/internal/model"
	"github.com/jobraker/engine/internal/resilience"
	"github.com/jobraker/engine/internal/service"
	"go.uber.org/zap"
)

type feedClient interface {
	FetchPage(ctx context.Context, cursor string) (*service.FeedPage, []error, error)
}

type ingestPostingStore interface {
	Upsert(ctx context.Context, p *model.JobPosting) (bool, error)
}

type cursorStore interface {
	Get(ctx context.Context, source string) (string, error)
	Save(ctx context.Context, source, cursor string) error
}

// IngestReport summarizes one ingestion run for logs and the ops
// surface.
type IngestReport struct {
	Pages       int    `json:"pages"`
	Upserted    int    `json:"upserted"`
	Quarantined int    `json:"quarantined"`
	Enqueued    int    `json:"enqueued"`
	Latched     bool   `json:"latched"`
	FetchError  string `json:"fetch_error,omitempty"`
}

// IngestionUsecase pulls the external feed page by page into the
// posting store. The committed cursor only ever advances past the
// contiguous prefix of fully processed pages: one bad page freezes the
// commit (so the next run retries it) without stopping the rest of the
// run, and one bad record never poisons its page.
type IngestionUsecase struct {
	feed     feedClient
	postings ingestPostingStore
	cursors  cursorStore
	tasks    taskQueue
	exec     *resilience.Executor
	bus      *events.Bus
	logger   *zap.Logger
	source   string
	maxPages int
}

func NewIngestionUsecase(feed feedClient, postings ingestPostingStore, cursors cursorStore, tasks taskQueue, exec *resilience.Executor, bus *events.Bus, logger *zap.Logger, source string, maxPages int) *IngestionUsecase {
	if maxPages <= 0 {
		maxPages = 50
	}
	return &IngestionUsecase{
		feed:     feed,
		postings: postings,
		cursors:  cursors,
		tasks:    tasks,
		exec:     exec,
		bus:      bus,
		logger:   logger,
		source:   source,
		maxPages: maxPages,
	}
}

// RunOnce resumes from the committed cursor and walks the feed until it
// is exhausted, the page budget runs out, or a fetch fails for good.
func (u *IngestionUsecase) RunOnce(ctx context.Context) (*IngestReport, error) {
	cursor, err := u.cursors.Get(ctx, u.source)
	if err != nil {
		return nil, fmt.Errorf("load ingest cursor: %w", err)
	}

	report := &IngestReport{}
	advance := true

	for page := 0; page < u.maxPages; page++ {
		var (
			fp          *service.FeedPage
			quarantined []error
		)
		err := u.exec.Execute(ctx, service.ServiceJobFeed, func(ctx context.Context) error {
			var fetchErr error
			fp, quarantined, fetchErr = u.feed.FetchPage(ctx, cursor)
			return fetchErr
		})
		if err != nil {
			// the committed cursor is untouched; the next run resumes here
			report.FetchError = err.Error()
			u.logger.Error("feed fetch failed, ending run",
				zap.String("source", u.source),
				zap.Int("page", page),
				zap.Error(err))
			break
		}

		report.Pages++
		report.Quarantined += len(quarantined)
		for _, qerr := range quarantined {
			u.logger.Warn("feed record quarantined",
				zap.String("source", u.source),
				zap.Error(qerr))
		}

		pageOK := u.processPage(ctx, fp.Postings, report)

		if !pageOK {
			advance = false
			report.Latched = true
		}
		if advance && fp.NextCursor != "" {
			if err := u.cursors.Save(ctx, u.source, fp.NextCursor); err != nil {
				return report, fmt.Errorf("commit ingest cursor: %w", err)
			}
		}

		if fp.NextCursor == "" {
			break
		}
		cursor = fp.NextCursor
	}

	u.logger.Info("ingestion run finished",
		zap.String("source", u.source),
		zap.Int("pages", report.Pages),
		zap.Int("upserted", report.Upserted),
		zap.Int("quarantined", report.Quarantined),
		zap.Int("embed_enqueued", report.Enqueued),
		zap.Bool("latched", report.Latched))
	return report, nil
}

func (u *IngestionUsecase) processPage(ctx context.Context, postings []service.FeedPosting, report *IngestReport) bool {
	ok := true
	for _, rec := range postings {
		posting := model.JobPosting{
			SourceID:        rec.ID,
			Title:           rec.Title,
			Description:     rec.Description,
			Location:        rec.Location,
			CompensationMin: rec.CompensationMin,
			CompensationMax: rec.CompensationMax,
			EmploymentType:  rec.EmploymentType,
		}
		posting.ContentHash = ContentHash(EmbedText(&posting))

		needsEmbed, err := u.postings.Upsert(ctx, &posting)
		if err != nil {
			ok = false
			u.logger.Error("posting upsert failed",
				zap.String("source_id", rec.ID),
				zap.Error(err))
			continue
		}
		report.Upserted++
		u.bus.Publish(events.Event{
			Kind:   events.PostingIngested,
			JobID:  posting.ID,
			Detail: posting.SourceID,
		})

		if !needsEmbed {
			continue
		}
		queued, err := u.tasks.Enqueue(ctx, model.TaskEmbedPosting,
			EmbedPayload{PostingID: posting.ID}, embedKey(posting.ID), time.Time{})
		if err != nil {
			ok = false
			u.logger.Error("embed task enqueue failed",
				zap.String("posting_id", posting.ID.String()),
				zap.Error(err))
			continue
		}
		if queued {
			report.Enqueued++
		}
	}
	return ok
}
