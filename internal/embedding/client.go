package embedding

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/ecom-rec/backend/internal/recerr"
	"github.com/ecom-rec/backend/pkg/circuitbreaker"
	"github.com/ecom-rec/backend/pkg/logger"
	"github.com/ecom-rec/backend/pkg/retry"
	"github.com/ecom-rec/backend/pkg/utils"
)

// VectorCache is the advisory embedding cache. A nil cache disables it.
type VectorCache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	PutEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error
}

type Client struct {
	client      *openai.Client
	model       string
	dimension   int
	timeout     time.Duration
	cache       VectorCache
	cacheTTL    time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(apiKey, model string, dimension, timeoutSec int, cache VectorCache, cacheTTL time.Duration) *Client {
	client := openai.NewClient(apiKey)

	cb := circuitbreaker.NewCircuitBreaker("embedding", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	if timeoutSec <= 0 {
		timeoutSec = 15
	}

	logger.Info("Embedding client initialized",
		zap.String("model", model),
		zap.Int("dimension", dimension),
	)

	return &Client{
		client:      client,
		model:       model,
		dimension:   dimension,
		timeout:     time.Duration(timeoutSec) * time.Second,
		cache:       cache,
		cacheTTL:    cacheTTL,
		cb:          cb,
		retryConfig: retryConfig,
	}
}

// EmbedUser maps an aggregated behavior summary to a fixed-length vector.
// The feature text is canonical, so identical summaries embed identically.
func (c *Client) EmbedUser(ctx context.Context, summary BehaviorSummary) ([]float32, error) {
	return c.embed(ctx, summary.FeatureText())
}

// EmbedItem maps item features (name, description, category) to a vector in
// the same space as the catalog's item vectors.
func (c *Client) EmbedItem(ctx context.Context, item ItemFeatures) ([]float32, error) {
	return c.embed(ctx, item.FeatureText())
}

func (c *Client) embed(ctx context.Context, text string) ([]float32, error) {
	textHash := utils.HashString(text)

	if c.cache != nil {
		if cached, ok, err := c.cache.GetEmbedding(ctx, textHash); err == nil && ok {
			return cached, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var embedding []float32

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(
				ctx,
				openai.EmbeddingRequest{
					Input:      []string{text},
					Model:      openai.EmbeddingModel(c.model),
					Dimensions: c.dimension,
				},
			)
			if err != nil {
				return fmt.Errorf("failed to generate embedding: %w", err)
			}
			if len(resp.Data) == 0 {
				return fmt.Errorf("embedding response contained no data")
			}

			embedding = make([]float32, len(resp.Data[0].Embedding))
			copy(embedding, resp.Data[0].Embedding)
			return nil
		})
	})

	if err != nil {
		logger.Warn("Embedding generation failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", recerr.ErrEmbeddingUnavailable, err)
	}

	if len(embedding) != c.dimension {
		return nil, fmt.Errorf("model returned dimension %d, expected %d: %w",
			len(embedding), c.dimension, recerr.ErrDimensionMismatch)
	}

	if c.cache != nil {
		if err := c.cache.PutEmbedding(ctx, textHash, embedding, c.cacheTTL); err != nil {
			logger.Debug("Failed to cache embedding", zap.Error(err))
		}
	}

	return embedding, nil
}
