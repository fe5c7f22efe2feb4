package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/jobraker/engine/internal/config"
	"github.com/jobraker/engine/internal/fault"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

// ServiceGemini names the embedding dependency for the resilience layer.
const ServiceGemini = "gemini"

const maxEmbedChars = 10000

type GeminiService struct {
	client *genai.Client
	model  string
	dim    int
	logger *zap.Logger
}

func NewGeminiService(ctx context.Context, cfg config.GeminiConfig, dim int, logger *zap.Logger) (*GeminiService, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY not set")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiService{
		client: client,
		model:  cfg.EmbedModel,
		dim:    dim,
		logger: logger,
	}, nil
}

// Embed generates one embedding vector. Errors come back mapped to the
// fault taxonomy; retry and breaker policy live with the caller's
// resilience executor, not here.
func (s *GeminiService) Embed(ctx context.Context, text string) ([]float32, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fault.Terminal(ServiceGemini, fmt.Errorf("text for embedding cannot be empty"))
	}
	if len(trimmed) > maxEmbedChars {
		s.logger.Debug("truncating embedding input",
			zap.Int("length", len(trimmed)),
			zap.Int("limit", maxEmbedChars))
		trimmed = trimmed[:maxEmbedChars]
	}

	var embedCfg *genai.EmbedContentConfig
	if s.dim > 0 {
		d := int32(s.dim)
		embedCfg = &genai.EmbedContentConfig{OutputDimensionality: &d}
	}

	content := []*genai.Content{genai.NewContentFromText(trimmed, genai.RoleUser)}
	result, err := s.client.Models.EmbedContent(ctx, s.model, content, embedCfg)
	if err != nil {
		return nil, s.classify(err)
	}

	values, err := s.validate(result)
	if err != nil {
		return nil, fault.Transient(ServiceGemini, fmt.Errorf("invalid embedding response: %w", err))
	}
	return values, nil
}

// EmbedBatch generates vectors for several texts in one provider call,
// returned in input order.
func (s *GeminiService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, 0, len(texts))
	for i, text := range texts {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil, fault.Terminal(ServiceGemini, fmt.Errorf("text %d for embedding cannot be empty", i))
		}
		if len(trimmed) > maxEmbedChars {
			trimmed = trimmed[:maxEmbedChars]
		}
		contents = append(contents, genai.NewContentFromText(trimmed, genai.RoleUser))
	}

	var embedCfg *genai.EmbedContentConfig
	if s.dim > 0 {
		d := int32(s.dim)
		embedCfg = &genai.EmbedContentConfig{OutputDimensionality: &d}
	}

	result, err := s.client.Models.EmbedContent(ctx, s.model, contents, embedCfg)
	if err != nil {
		return nil, s.classify(err)
	}
	if result == nil || len(result.Embeddings) != len(texts) {
		got := 0
		if result != nil {
			got = len(result.Embeddings)
		}
		return nil, fault.Transient(ServiceGemini,
			fmt.Errorf("batch returned %d embeddings for %d texts", got, len(texts)))
	}

	out := make([][]float32, len(texts))
	for i, emb := range result.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, fault.Transient(ServiceGemini, fmt.Errorf("embedding %d is empty", i))
		}
		values := emb.Values
		if s.dim > 0 && len(values) != s.dim {
			return nil, fault.Transient(ServiceGemini,
				fmt.Errorf("embedding %d dimension %d, expected %d", i, len(values), s.dim))
		}
		out[i] = values
	}
	return out, nil
}

func (s *GeminiService) classify(err error) error {
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 400:
			if isModerationMessage(apiErr.Message) {
				return fault.Terminal(ServiceGemini, fault.ErrModerationRejected)
			}
			return fault.Terminal(ServiceGemini, err)
		case 401, 403, 404:
			return fault.Terminal(ServiceGemini, err)
		case 429, 500, 502, 503, 504:
			return fault.Transient(ServiceGemini, err)
		}
	}

	msg := err.Error()
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "temporary failure") ||
		strings.Contains(msg, "EOF") {
		return fault.Transient(ServiceGemini, err)
	}

	return fault.Terminal(ServiceGemini, err)
}

// isModerationMessage spots content-level blocks inside a 400. The API
// reports safety rejections as client errors, but unlike a malformed
// request they are about the text, not the call.
func isModerationMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "safety") ||
		strings.Contains(lower, "blocked") ||
		strings.Contains(lower, "moderation") ||
		strings.Contains(lower, "prohibited")
}

func (s *GeminiService) validate(resp *genai.EmbedContentResponse) ([]float32, error) {
	if resp == nil {
		return nil, fmt.Errorf("response is nil")
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}

	values := resp.Embeddings[0].Values
	if len(values) == 0 {
		return nil, fmt.Errorf("embedding vector is empty")
	}
	if s.dim > 0 && len(values) != s.dim {
		return nil, fmt.Errorf("embedding dimension %d, expected %d", len(values), s.dim)
	}
	for i, val := range values {
		if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
			return nil, fmt.Errorf("invalid embedding value at index %d: %v", i, val)
		}
	}
	return values, nil
}
