package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ecom-rec/backend/internal/recerr"
	"github.com/ecom-rec/backend/internal/storage/models"
	"github.com/ecom-rec/backend/pkg/logger"
)

const (
	userVectorPrefix      = "user_vector:"
	recommendationsPrefix = "recommendations:"
	embeddingPrefix       = "embedding:"
)

// Client is an advisory cache. Every method maps redis failures to
// recerr.ErrCacheUnavailable; absence or failure only costs recomputation.
type Client struct {
	client *redis.Client
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

// NewClientFromRedis wraps an existing connection. Tests use this with
// miniredis.
func NewClientFromRedis(client *redis.Client) *Client {
	return &Client{client: client}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) PutUserVector(ctx context.Context, userID string, vector []float32, ttl time.Duration) error {
	data, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("failed to marshal user vector: %w", err)
	}

	err = c.client.Set(ctx, userVectorPrefix+userID, data, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to cache user vector: %w", recerr.ErrCacheUnavailable)
	}

	logger.Debug("User vector cached", zap.String("user_id", userID), zap.Duration("ttl", ttl))
	return nil
}

func (c *Client) GetUserVector(ctx context.Context, userID string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, userVectorPrefix+userID).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get user vector: %w", recerr.ErrCacheUnavailable)
	}

	var vector []float32
	if err := json.Unmarshal(data, &vector); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal user vector: %w", err)
	}

	logger.Debug("User vector cache hit", zap.String("user_id", userID))
	return vector, true, nil
}

func (c *Client) PutRecommendations(ctx context.Context, userID, strategy string, results []models.RecommendationResult, ttl time.Duration) error {
	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to marshal recommendations: %w", err)
	}

	err = c.client.Set(ctx, recommendationsKey(userID, strategy), data, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to cache recommendations: %w", recerr.ErrCacheUnavailable)
	}

	logger.Debug("Recommendations cached",
		zap.String("user_id", userID),
		zap.String("strategy", strategy),
		zap.Int("count", len(results)),
	)
	return nil
}

func (c *Client) GetRecommendations(ctx context.Context, userID, strategy string) ([]models.RecommendationResult, bool, error) {
	data, err := c.client.Get(ctx, recommendationsKey(userID, strategy)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get recommendations: %w", recerr.ErrCacheUnavailable)
	}

	var results []models.RecommendationResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal recommendations: %w", err)
	}

	logger.Debug("Recommendations cache hit",
		zap.String("user_id", userID),
		zap.String("strategy", strategy),
	)
	return results, true, nil
}

func (c *Client) PutEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	err = c.client.Set(ctx, embeddingPrefix+textHash, data, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to cache embedding: %w", recerr.ErrCacheUnavailable)
	}
	return nil
}

func (c *Client) GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, embeddingPrefix+textHash).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get embedding: %w", recerr.ErrCacheUnavailable)
	}

	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}
	return embedding, true, nil
}

// InvalidateUser clears the cached vector and every per-strategy result set
// for one user. Repeated invalidation is harmless.
func (c *Client) InvalidateUser(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, userVectorPrefix+userID).Err(); err != nil {
		return fmt.Errorf("failed to delete user vector: %w", recerr.ErrCacheUnavailable)
	}

	iter := c.client.Scan(ctx, 0, recommendationsPrefix+userID+":*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.String("key", iter.Val()), zap.Error(err))
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate cache keys: %w", recerr.ErrCacheUnavailable)
	}

	logger.Debug("User cache invalidated", zap.String("user_id", userID))
	return nil
}

// Stats counts keys by prefix. SCAN-based, so approximate under load.
func (c *Client) Stats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{}, 3)
	for label, prefix := range map[string]string{
		"user_vectors":    userVectorPrefix,
		"recommendations": recommendationsPrefix,
		"embeddings":      embeddingPrefix,
	} {
		count := 0
		iter := c.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			count++
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan cache keys: %w", recerr.ErrCacheUnavailable)
		}
		stats[label] = count
	}
	return stats, nil
}

func recommendationsKey(userID, strategy string) string {
	return recommendationsPrefix + userID + ":" + strategy
}
