package recommend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ecom-rec/backend/internal/embedding"
	"github.com/ecom-rec/backend/internal/metrics"
	"github.com/ecom-rec/backend/internal/recerr"
	"github.com/ecom-rec/backend/internal/storage/models"
	"github.com/ecom-rec/backend/internal/storage/sqlite"
	"github.com/ecom-rec/backend/internal/vector/milvus"
	"github.com/ecom-rec/backend/pkg/logger"
)

// VectorIndex is the similarity search surface the engine needs. The milvus
// client implements it; tests supply fakes.
type VectorIndex interface {
	Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]interface{}) error
	Search(ctx context.Context, collection string, query []float32, topK int, minScore float64) ([]milvus.Match, error)
	Stats(ctx context.Context, collections ...string) (map[string]interface{}, error)
}

// BehaviorStore is the read-only view over the interaction log.
type BehaviorStore interface {
	QueryBehaviors(ctx context.Context, q sqlite.BehaviorQuery) ([]models.UserBehavior, error)
	QueryBehaviorsForUsers(ctx context.Context, userIDs []string, itemType string, actions []string, limit int) ([]models.UserBehavior, error)
	DistinctItemIDs(ctx context.Context, userID, itemType string) ([]string, error)
	AggregateItemCounts(ctx context.Context, itemType string, actions []string, since time.Time, limit int) ([]models.ItemCount, error)
}

// Cache is advisory: absence or failure never changes results, only costs
// recomputation.
type Cache interface {
	GetUserVector(ctx context.Context, userID string) ([]float32, bool, error)
	PutUserVector(ctx context.Context, userID string, vector []float32, ttl time.Duration) error
	GetRecommendations(ctx context.Context, userID, strategy string) ([]models.RecommendationResult, bool, error)
	PutRecommendations(ctx context.Context, userID, strategy string, results []models.RecommendationResult, ttl time.Duration) error
	InvalidateUser(ctx context.Context, userID string) error
	Stats(ctx context.Context) (map[string]interface{}, error)
}

type Embedder interface {
	EmbedUser(ctx context.Context, summary embedding.BehaviorSummary) ([]float32, error)
	EmbedItem(ctx context.Context, item embedding.ItemFeatures) ([]float32, error)
}

// ItemCatalog resolves item features for content-based seeds. Owned by the
// catalog collaborator; failures degrade to behavior metadata.
type ItemCatalog interface {
	GetItemFeatures(ctx context.Context, itemID string) (embedding.ItemFeatures, error)
}

// LogSink receives served recommendations, best effort.
type LogSink interface {
	InsertRecommendationLogs(ctx context.Context, entries []models.RecommendationLogEntry) error
}

type Config struct {
	UserCollection      string
	ItemCollection      string
	DefaultLimit        int
	MaxLimit            int
	CollaborativeWeight float64
	ContentWeight       float64
	BehaviorWindow      int
	SeedWindow          int
	TrendingWindow      time.Duration
	CacheTTL            time.Duration
	MinSimilarity       float64
}

func (c *Config) applyDefaults() {
	if c.UserCollection == "" {
		c.UserCollection = "user_vectors"
	}
	if c.ItemCollection == "" {
		c.ItemCollection = "item_vectors"
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 10
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = 50
	}
	if c.CollaborativeWeight <= 0 {
		c.CollaborativeWeight = 0.6
	}
	if c.ContentWeight <= 0 {
		c.ContentWeight = 0.4
	}
	if c.BehaviorWindow <= 0 {
		c.BehaviorWindow = 200
	}
	if c.SeedWindow <= 0 {
		c.SeedWindow = 50
	}
	if c.TrendingWindow <= 0 {
		c.TrendingWindow = 7 * 24 * time.Hour
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.MinSimilarity <= 0 {
		c.MinSimilarity = 0.5
	}
}

// Engine is stateless per request: all shared state lives behind the
// injected clients, each independently safe for concurrent use.
type Engine struct {
	cfg       Config
	index     VectorIndex
	cache     Cache
	behaviors BehaviorStore
	embedder  Embedder
	catalog   ItemCatalog
	logs      LogSink
}

func NewEngine(cfg Config, index VectorIndex, cache Cache, behaviors BehaviorStore, embedder Embedder, catalog ItemCatalog, logs LogSink) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:       cfg,
		index:     index,
		cache:     cache,
		behaviors: behaviors,
		embedder:  embedder,
		catalog:   catalog,
		logs:      logs,
	}
}

type Request struct {
	UserID    string
	Limit     int
	Strategy  string
	ItemType  string
	SessionID string
}

type Response struct {
	Success         bool                          `json:"success"`
	UserID          string                        `json:"user_id"`
	Recommendations []models.RecommendationResult `json:"recommendations"`
	Type            string                        `json:"type"`
	Total           int                           `json:"total"`
	Cached          bool                          `json:"cached"`
	Timestamp       time.Time                     `json:"timestamp"`
	Error           string                        `json:"error,omitempty"`
}

type UpdateResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type StatsResponse struct {
	Success    bool                   `json:"success"`
	IndexStats map[string]interface{} `json:"index_stats"`
	CacheStats map[string]interface{} `json:"cache_stats"`
	Timestamp  time.Time              `json:"timestamp"`
}

// errNoSignal marks a cold start inside a strategy: no behaviors, no seeds,
// or no similar users. It triggers the trending fallback and is never
// returned to callers.
var errNoSignal = errors.New("insufficient behavior signal")

// Recommend ranks items for a user. Degraded (trending) results are always
// preferred over errors whenever behavior data exists; only an unreachable
// behavior store fails the request.
func (e *Engine) Recommend(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	strategy := ParseStrategy(req.Strategy)
	limit := e.clampLimit(req.Limit)
	itemType := req.ItemType
	if itemType == "" {
		itemType = "product"
	}

	logger.Info("Processing recommendation request",
		zap.String("user_id", req.UserID),
		zap.String("strategy", strategy.String()),
		zap.Int("limit", limit),
		zap.String("item_type", itemType),
	)

	if cached, ok, err := e.cache.GetRecommendations(ctx, req.UserID, strategy.String()); err == nil && ok {
		metrics.CacheHits.WithLabelValues("recommendations").Inc()
		results := topN(cached, limit)
		return &Response{
			Success:         true,
			UserID:          req.UserID,
			Recommendations: results,
			Type:            strategy.String(),
			Total:           len(cached),
			Cached:          true,
			Timestamp:       time.Now(),
		}, nil
	} else if err != nil {
		logger.Warn("Recommendation cache unavailable, treating as miss", zap.Error(err))
	}
	metrics.CacheMisses.WithLabelValues("recommendations").Inc()

	results, err := e.runStrategy(ctx, strategy, req.UserID, itemType, limit)
	if err != nil {
		metrics.RecommendTotal.WithLabelValues(strategy.String(), "error").Inc()
		logger.Error("Recommendation request failed",
			zap.String("user_id", req.UserID),
			zap.String("strategy", strategy.String()),
			zap.Error(err),
		)
		return &Response{
			Success:   false,
			UserID:    req.UserID,
			Type:      strategy.String(),
			Timestamp: time.Now(),
			Error:     err.Error(),
		}, err
	}

	if err := e.cache.PutRecommendations(ctx, req.UserID, strategy.String(), results, e.cfg.CacheTTL); err != nil {
		logger.Warn("Failed to cache recommendations", zap.Error(err))
	}

	e.logServed(req.UserID, itemType, strategy, req.SessionID, results)

	metrics.RecommendTotal.WithLabelValues(strategy.String(), "success").Inc()
	metrics.RecommendDuration.WithLabelValues(strategy.String()).Observe(time.Since(start).Seconds())
	metrics.ServedItems.WithLabelValues(strategy.String()).Observe(float64(len(results)))

	return &Response{
		Success:         true,
		UserID:          req.UserID,
		Recommendations: results,
		Type:            strategy.String(),
		Total:           len(results),
		Cached:          false,
		Timestamp:       time.Now(),
	}, nil
}

func (e *Engine) runStrategy(ctx context.Context, strategy Strategy, userID, itemType string, limit int) ([]models.RecommendationResult, error) {
	var (
		results []models.RecommendationResult
		err     error
	)

	switch strategy {
	case StrategyCollaborative:
		results, err = e.collaborative(ctx, userID, itemType, limit)
	case StrategyContentBased:
		results, err = e.contentBased(ctx, userID, itemType, limit)
	case StrategyTrending:
		return e.trending(ctx, itemType, limit)
	default:
		results, err = e.hybrid(ctx, userID, itemType, limit)
	}

	if err == nil {
		return results, nil
	}
	if !recoverable(err) {
		return nil, err
	}

	metrics.TrendingFallbacks.WithLabelValues(strategy.String(), fallbackCause(err)).Inc()
	logger.Info("Falling back to trending",
		zap.String("user_id", userID),
		zap.String("strategy", strategy.String()),
		zap.String("cause", fallbackCause(err)),
	)
	return e.trending(ctx, itemType, limit)
}

// UpdateUserVector recomputes the user embedding from the latest behavior
// window, upserts it, and invalidates the user's cache entries. Idempotent:
// the upsert is last-write-wins and repeated invalidation is harmless.
func (e *Engine) UpdateUserVector(ctx context.Context, userID string) (*UpdateResponse, error) {
	behaviors, err := e.behaviors.QueryBehaviors(ctx, sqlite.BehaviorQuery{
		UserID: userID,
		Limit:  100,
	})
	if err != nil {
		metrics.UserVectorUpdates.WithLabelValues("error").Inc()
		wrapped := fmt.Errorf("%w: %v", recerr.ErrBehaviorStoreUnavailable, err)
		return &UpdateResponse{Success: false, Error: wrapped.Error()}, wrapped
	}
	if len(behaviors) == 0 {
		metrics.UserVectorUpdates.WithLabelValues("no_data").Inc()
		return &UpdateResponse{Success: false, Message: "user has no behavior data"}, nil
	}

	vector, ok, err := e.cache.GetUserVector(ctx, userID)
	if err != nil || !ok {
		summary := summarizeBehaviors(behaviors)
		vector, err = e.embedder.EmbedUser(ctx, summary)
		if err != nil {
			metrics.UserVectorUpdates.WithLabelValues("error").Inc()
			metrics.EmbeddingRequests.WithLabelValues("user", "error").Inc()
			return &UpdateResponse{Success: false, Error: err.Error()}, err
		}
		metrics.EmbeddingRequests.WithLabelValues("user", "success").Inc()
		if cacheErr := e.cache.PutUserVector(ctx, userID, vector, e.cfg.CacheTTL); cacheErr != nil {
			logger.Warn("Failed to cache user vector", zap.Error(cacheErr))
		}
	}

	summary := summarizeBehaviors(behaviors)
	metadata := map[string]interface{}{
		"behavior_count": len(behaviors),
		"updated_at":     time.Now().UTC().Format(time.RFC3339),
		"categories":     summary.Categories,
		"brands":         summary.Brands,
	}

	if err := e.index.Upsert(ctx, e.cfg.UserCollection, userID, vector, metadata); err != nil {
		metrics.UserVectorUpdates.WithLabelValues("error").Inc()
		return &UpdateResponse{Success: false, Error: err.Error()}, err
	}

	if err := e.cache.InvalidateUser(ctx, userID); err != nil {
		logger.Warn("Failed to invalidate user cache", zap.String("user_id", userID), zap.Error(err))
	}

	metrics.UserVectorUpdates.WithLabelValues("success").Inc()
	logger.Info("User vector updated",
		zap.String("user_id", userID),
		zap.Int("behavior_count", len(behaviors)),
	)
	return &UpdateResponse{Success: true, Message: "user vector updated"}, nil
}

func (e *Engine) Stats(ctx context.Context) (*StatsResponse, error) {
	indexStats, err := e.index.Stats(ctx, e.cfg.UserCollection, e.cfg.ItemCollection)
	if err != nil {
		return nil, err
	}
	cacheStats, err := e.cache.Stats(ctx)
	if err != nil {
		logger.Warn("Cache stats unavailable", zap.Error(err))
		cacheStats = map[string]interface{}{"available": false}
	}
	return &StatsResponse{
		Success:    true,
		IndexStats: indexStats,
		CacheStats: cacheStats,
		Timestamp:  time.Now(),
	}, nil
}

// logServed appends one log entry per returned item as a detached best
// effort write. Failures are counted and never affect the response.
func (e *Engine) logServed(userID, itemType string, strategy Strategy, sessionID string, results []models.RecommendationResult) {
	if len(results) == 0 {
		return
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	now := time.Now()
	entries := make([]models.RecommendationLogEntry, 0, len(results))
	for _, r := range results {
		entryType := r.ItemType
		if entryType == "" {
			entryType = itemType
		}
		entries = append(entries, models.RecommendationLogEntry{
			UserID:    userID,
			ItemID:    r.ItemID,
			ItemType:  entryType,
			Strategy:  strategy.String(),
			Score:     r.Score,
			Reason:    r.Reason,
			SessionID: sessionID,
			CreatedAt: now,
		})
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.logs.InsertRecommendationLogs(ctx, entries); err != nil {
			metrics.LogWriteFailures.Inc()
			logger.Warn("Failed to write recommendation logs",
				zap.String("user_id", userID),
				zap.Int("count", len(entries)),
				zap.Error(err),
			)
		}
	}()
}

func (e *Engine) clampLimit(limit int) int {
	if limit <= 0 {
		return e.cfg.DefaultLimit
	}
	if limit > e.cfg.MaxLimit {
		return e.cfg.MaxLimit
	}
	return limit
}

// recoverable reports whether a strategy failure may degrade to trending.
// Behavior store loss is unrecoverable (trending needs it too); dimension
// mismatch is a configuration error that must surface.
func recoverable(err error) bool {
	if errors.Is(err, recerr.ErrBehaviorStoreUnavailable) || errors.Is(err, recerr.ErrDimensionMismatch) {
		return false
	}
	return true
}

func fallbackCause(err error) string {
	switch {
	case errors.Is(err, errNoSignal):
		return "no_signal"
	case errors.Is(err, recerr.ErrEmbeddingUnavailable):
		return "embedding_unavailable"
	case errors.Is(err, recerr.ErrIndexUnavailable):
		return "index_unavailable"
	default:
		return "other"
	}
}

func topN(results []models.RecommendationResult, n int) []models.RecommendationResult {
	if len(results) <= n {
		return results
	}
	return results[:n]
}
