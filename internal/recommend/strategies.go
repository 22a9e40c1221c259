package recommend

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ecom-rec/backend/internal/embedding"
	"github.com/ecom-rec/backend/internal/metrics"
	"github.com/ecom-rec/backend/internal/recerr"
	"github.com/ecom-rec/backend/internal/storage/models"
	"github.com/ecom-rec/backend/internal/storage/sqlite"
	"github.com/ecom-rec/backend/pkg/logger"
)

// actionWeights rank interaction strength for collaborative scoring.
var actionWeights = map[string]float64{
	models.ActionPurchase:  5,
	models.ActionAddToCart: 3,
	models.ActionLike:      2,
	models.ActionClick:     1,
	models.ActionView:      0.5,
}

const (
	maxContentSeeds      = 5
	neighborsPerSeed     = 3
	maxNeighborBehaviors = 2000
)

// collaborative scores items touched by users with similar behavior
// vectors. Each candidate's score is the weight sum over neighbor actions
// divided by the number of distinct neighbors who touched it, normalized to
// [0,1]. Items the requesting user already interacted with are excluded.
func (e *Engine) collaborative(ctx context.Context, userID, itemType string, limit int) ([]models.RecommendationResult, error) {
	behaviors, err := e.behaviors.QueryBehaviors(ctx, sqlite.BehaviorQuery{
		UserID:  userID,
		Actions: models.AllActions,
		Limit:   e.cfg.BehaviorWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", recerr.ErrBehaviorStoreUnavailable, err)
	}
	if len(behaviors) == 0 {
		return nil, fmt.Errorf("%w: user %s has no behaviors", errNoSignal, userID)
	}

	userVector, err := e.userVector(ctx, userID, behaviors)
	if err != nil {
		return nil, err
	}

	matches, err := e.index.Search(ctx, e.cfg.UserCollection, userVector, 2*limit, 0)
	if err != nil {
		return nil, err
	}

	neighborIDs := make([]string, 0, len(matches))
	for _, m := range matches {
		if m.ID == userID {
			continue
		}
		neighborIDs = append(neighborIDs, m.ID)
	}
	if len(neighborIDs) == 0 {
		return nil, fmt.Errorf("%w: no similar users for %s", errNoSignal, userID)
	}

	neighborBehaviors, err := e.behaviors.QueryBehaviorsForUsers(ctx, neighborIDs, itemType, models.AllActions, maxNeighborBehaviors)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", recerr.ErrBehaviorStoreUnavailable, err)
	}

	interacted, err := e.behaviors.DistinctItemIDs(ctx, userID, itemType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", recerr.ErrBehaviorStoreUnavailable, err)
	}
	excluded := make(map[string]struct{}, len(interacted))
	for _, id := range interacted {
		excluded[id] = struct{}{}
	}

	type candidate struct {
		totalWeight float64
		users       map[string]struct{}
	}
	candidates := make(map[string]*candidate)
	for _, b := range neighborBehaviors {
		if _, skip := excluded[b.ItemID]; skip {
			continue
		}
		weight, ok := actionWeights[b.Action]
		if !ok {
			continue
		}
		c, exists := candidates[b.ItemID]
		if !exists {
			c = &candidate{users: make(map[string]struct{})}
			candidates[b.ItemID] = c
		}
		c.totalWeight += weight
		c.users[b.UserID] = struct{}{}
	}

	results := make([]models.RecommendationResult, 0, len(candidates))
	for itemID, c := range candidates {
		avg := c.totalWeight / float64(len(c.users))
		results = append(results, models.RecommendationResult{
			ItemID:   itemID,
			ItemType: itemType,
			Score:    clampScore(avg / 10),
			Reason:   ReasonCollaborative,
			Metadata: map[string]interface{}{
				"avg_score":  avg,
				"user_count": len(c.users),
			},
		})
	}

	sortResults(results)
	return topN(results, limit), nil
}

// contentBased takes the user's most recent positive behaviors as seeds and
// returns their nearest neighbors in the item vector space, first
// occurrence winning on duplicates.
func (e *Engine) contentBased(ctx context.Context, userID, itemType string, limit int) ([]models.RecommendationResult, error) {
	seeds, err := e.behaviors.QueryBehaviors(ctx, sqlite.BehaviorQuery{
		UserID:   userID,
		Actions:  models.PositiveActions,
		ItemType: itemType,
		Limit:    e.cfg.SeedWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", recerr.ErrBehaviorStoreUnavailable, err)
	}
	if len(seeds) == 0 {
		return nil, fmt.Errorf("%w: user %s has no positive behaviors", errNoSignal, userID)
	}

	seedIDs := make(map[string]struct{}, maxContentSeeds)
	seedBehaviors := make([]models.UserBehavior, 0, maxContentSeeds)
	for _, s := range seeds {
		if _, dup := seedIDs[s.ItemID]; dup {
			continue
		}
		seedIDs[s.ItemID] = struct{}{}
		seedBehaviors = append(seedBehaviors, s)
		if len(seedBehaviors) >= maxContentSeeds {
			break
		}
	}

	var (
		results   []models.RecommendationResult
		seen      = make(map[string]struct{})
		lastErr   error
		succeeded bool
	)
	for _, seed := range seedBehaviors {
		features := e.seedFeatures(ctx, seed)
		seedVector, err := e.embedder.EmbedItem(ctx, features)
		if err != nil {
			metrics.EmbeddingRequests.WithLabelValues("item", "error").Inc()
			lastErr = err
			continue
		}
		metrics.EmbeddingRequests.WithLabelValues("item", "success").Inc()

		// +1 because the seed itself usually comes back as the top hit.
		matches, err := e.index.Search(ctx, e.cfg.ItemCollection, seedVector, neighborsPerSeed+1, e.cfg.MinSimilarity)
		if err != nil {
			lastErr = err
			continue
		}
		succeeded = true

		taken := 0
		for _, m := range matches {
			if m.ID == seed.ItemID {
				continue
			}
			if taken >= neighborsPerSeed {
				break
			}
			taken++
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			results = append(results, models.RecommendationResult{
				ItemID:   m.ID,
				ItemType: itemType,
				Score:    clampScore(m.Score),
				Reason:   ReasonContentBased,
				Metadata: m.Metadata,
			})
		}
	}

	// Every seed failed: degrade rather than serve nothing. A seed set that
	// legitimately has no close neighbors returns an empty list instead.
	if !succeeded && lastErr != nil {
		return nil, lastErr
	}

	return topN(results, limit), nil
}

// hybrid merges collaborative and content-based rankings with a
// deterministic weighted sum. No random term: identical inputs always
// produce identical scores.
func (e *Engine) hybrid(ctx context.Context, userID, itemType string, limit int) ([]models.RecommendationResult, error) {
	half := (limit + 1) / 2

	collab, collabErr := e.collaborative(ctx, userID, itemType, half)
	if collabErr != nil && !recoverable(collabErr) {
		return nil, collabErr
	}
	content, contentErr := e.contentBased(ctx, userID, itemType, half)
	if contentErr != nil && !recoverable(contentErr) {
		return nil, contentErr
	}

	if collabErr != nil && contentErr != nil {
		// Neither signal is usable; let the caller fall back to trending.
		return nil, collabErr
	}

	type merged struct {
		result       models.RecommendationResult
		collabScore  float64
		contentScore float64
	}
	order := make([]string, 0, len(collab)+len(content))
	byItem := make(map[string]*merged, len(collab)+len(content))

	for _, r := range collab {
		byItem[r.ItemID] = &merged{result: r, collabScore: r.Score}
		order = append(order, r.ItemID)
	}
	for _, r := range content {
		if m, exists := byItem[r.ItemID]; exists {
			// Collaborative wins ties: keep its metadata, add the content
			// signal to the combined score.
			m.contentScore = r.Score
			continue
		}
		byItem[r.ItemID] = &merged{result: r, contentScore: r.Score}
		order = append(order, r.ItemID)
	}

	results := make([]models.RecommendationResult, 0, len(order))
	for _, itemID := range order {
		m := byItem[itemID]
		combined := e.cfg.CollaborativeWeight*m.collabScore + e.cfg.ContentWeight*m.contentScore
		results = append(results, models.RecommendationResult{
			ItemID:   itemID,
			ItemType: m.result.ItemType,
			Score:    clampScore(combined),
			Reason:   ReasonHybrid,
			Metadata: map[string]interface{}{
				"collaborative_score": m.collabScore,
				"content_score":       m.contentScore,
			},
		})
	}

	sortResults(results)
	return topN(results, limit), nil
}

// trending ranks items by interaction volume over a recent window. It is
// both a first-class strategy and the cold start fallback.
func (e *Engine) trending(ctx context.Context, itemType string, limit int) ([]models.RecommendationResult, error) {
	since := time.Now().Add(-e.cfg.TrendingWindow)
	counts, err := e.behaviors.AggregateItemCounts(ctx, itemType, models.TrendingActions, since, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", recerr.ErrBehaviorStoreUnavailable, err)
	}

	results := make([]models.RecommendationResult, 0, len(counts))
	for _, ic := range counts {
		results = append(results, models.RecommendationResult{
			ItemID:   ic.ItemID,
			ItemType: itemType,
			Score:    math.Min(float64(ic.Count)/100, 1),
			Reason:   ReasonTrending,
			Metadata: map[string]interface{}{
				"popularity_score": ic.Count,
				"last_action":      ic.LastAction.UTC().Format(time.RFC3339),
			},
		})
	}
	return results, nil
}

// userVector returns the cached user embedding or builds one from the
// behavior window.
func (e *Engine) userVector(ctx context.Context, userID string, behaviors []models.UserBehavior) ([]float32, error) {
	if vector, ok, err := e.cache.GetUserVector(ctx, userID); err == nil && ok {
		metrics.CacheHits.WithLabelValues("user_vector").Inc()
		return vector, nil
	}
	metrics.CacheMisses.WithLabelValues("user_vector").Inc()

	summary := summarizeBehaviors(behaviors)
	vector, err := e.embedder.EmbedUser(ctx, summary)
	if err != nil {
		metrics.EmbeddingRequests.WithLabelValues("user", "error").Inc()
		return nil, err
	}
	metrics.EmbeddingRequests.WithLabelValues("user", "success").Inc()

	if err := e.cache.PutUserVector(ctx, userID, vector, e.cfg.CacheTTL); err != nil {
		logger.Debug("Failed to cache user vector", zap.Error(err))
	}
	return vector, nil
}

// seedFeatures resolves item features from the catalog, degrading to the
// behavior's own metadata when the catalog is unreachable.
func (e *Engine) seedFeatures(ctx context.Context, seed models.UserBehavior) embedding.ItemFeatures {
	if e.catalog != nil {
		features, err := e.catalog.GetItemFeatures(ctx, seed.ItemID)
		if err == nil && features.ID != "" {
			return features
		}
		if err != nil {
			logger.Debug("Catalog lookup failed, using behavior metadata",
				zap.String("item_id", seed.ItemID),
				zap.Error(err),
			)
		}
	}

	features := embedding.ItemFeatures{ID: seed.ItemID}
	if name, ok := seed.Metadata["name"].(string); ok {
		features.Name = name
	}
	if desc, ok := seed.Metadata["description"].(string); ok {
		features.Description = desc
	}
	if category, ok := seed.Metadata["category"].(string); ok {
		features.Category = category
	}
	if features.Name == "" {
		features.Name = seed.ItemID
	}
	return features
}

// summarizeBehaviors folds a behavior window into the embedding features.
func summarizeBehaviors(behaviors []models.UserBehavior) embedding.BehaviorSummary {
	summary := embedding.BehaviorSummary{
		ActionCounts: make(map[string]int, len(actionWeights)),
	}
	for _, b := range behaviors {
		summary.ActionCounts[b.Action]++
		if category, ok := b.Metadata["category"].(string); ok && category != "" {
			summary.Categories = append(summary.Categories, category)
		}
		if brand, ok := b.Metadata["brand"].(string); ok && brand != "" {
			summary.Brands = append(summary.Brands, brand)
		}
	}
	return summary
}

// sortResults orders by score descending with item id as the tie break, so
// equal-score rankings are stable across calls.
func sortResults(results []models.RecommendationResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].ItemID < results[j].ItemID
		}
		return results[i].Score > results[j].Score
	})
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
