package service

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/jobraker/engine/internal/config"
	"github.com/jobraker/engine/internal/fault"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// ServiceJobFeed names the posting feed dependency for the resilience layer.
const ServiceJobFeed = "jobfeed"

// FeedPosting is one validated record from the upstream feed.
type FeedPosting struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	Location        string `json:"location"`
	CompensationMin *int64 `json:"compensation_min"`
	CompensationMax *int64 `json:"compensation_max"`
	EmploymentType  string `json:"employment_type"`
}

// FeedPage is one page of the feed. NextCursor is opaque; empty means
// the feed is exhausted.
type FeedPage struct {
	Postings   []FeedPosting
	NextCursor string
}

type JobFeedService struct {
	client *resty.Client
	logger *zap.Logger
}

func NewJobFeedService(cfg config.JobFeedConfig, logger *zap.Logger) *JobFeedService {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetQueryParam("limit", fmt.Sprintf("%d", cfg.PageSize)).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	return &JobFeedService{client: client, logger: logger}
}

// FetchPage pulls one page starting at cursor. Records that fail
// validation come back as quarantined integrity errors next to the
// good ones; only transport and HTTP failures produce the error return.
func (s *JobFeedService) FetchPage(ctx context.Context, cursor string) (*FeedPage, []error, error) {
	req := s.client.R().SetContext(ctx)
	if cursor != "" {
		req.SetQueryParam("cursor", cursor)
	}

	resp, err := req.Get("/postings")
	if err != nil {
		return nil, nil, fault.Transient(ServiceJobFeed, err)
	}
	if resp.StatusCode() >= 400 {
		err := fmt.Errorf("feed returned %d: %s", resp.StatusCode(), truncate(resp.String(), 200))
		if resp.StatusCode() == 429 || resp.StatusCode() >= 500 {
			return nil, nil, fault.Transient(ServiceJobFeed, err)
		}
		return nil, nil, fault.Terminal(ServiceJobFeed, err)
	}

	body := resp.Body()
	if !gjson.ValidBytes(body) {
		return nil, nil, fault.Transient(ServiceJobFeed, fmt.Errorf("feed returned invalid JSON"))
	}

	root := gjson.ParseBytes(body)
	page := &FeedPage{NextCursor: root.Get("next_cursor").String()}

	var quarantined []error
	for i, rec := range root.Get("postings").Array() {
		posting, err := validateRecord(rec)
		if err != nil {
			quarantined = append(quarantined, fault.Integrity(ServiceJobFeed,
				fmt.Errorf("record %d (id=%q): %w", i, rec.Get("id").String(), err)))
			continue
		}
		page.Postings = append(page.Postings, posting)
	}

	return page, quarantined, nil
}

// validateRecord enforces the feed schema before anything reaches the
// store: required string fields present and non-empty, numeric fields
// actually numeric. Anything else is quarantined, never coerced.
func validateRecord(rec gjson.Result) (FeedPosting, error) {
	var p FeedPosting

	for _, field := range []string{"id", "title", "description"} {
		v := rec.Get(field)
		if !v.Exists() || v.Type != gjson.String || v.String() == "" {
			return p, fmt.Errorf("missing or non-string %q", field)
		}
	}

	for _, field := range []string{"compensation_min", "compensation_max"} {
		v := rec.Get(field)
		if v.Exists() && v.Type != gjson.Null && v.Type != gjson.Number {
			return p, fmt.Errorf("non-numeric %q", field)
		}
	}

	p.ID = rec.Get("id").String()
	p.Title = rec.Get("title").String()
	p.Description = rec.Get("description").String()
	p.Location = rec.Get("location").String()
	p.EmploymentType = rec.Get("employment_type").String()
	if v := rec.Get("compensation_min"); v.Exists() && v.Type == gjson.Number {
		n := v.Int()
		p.CompensationMin = &n
	}
	if v := rec.Get("compensation_max"); v.Exists() && v.Type == gjson.Number {
		n := v.Int()
		p.CompensationMax = &n
	}

	if p.CompensationMin != nil && p.CompensationMax != nil && *p.CompensationMin > *p.CompensationMax {
		return FeedPosting{}, fmt.Errorf("compensation_min %d above compensation_max %d", *p.CompensationMin, *p.CompensationMax)
	}

	return p, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
