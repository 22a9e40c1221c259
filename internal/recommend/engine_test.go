package recommend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecom-rec/backend/internal/embedding"
	"github.com/ecom-rec/backend/internal/recerr"
	"github.com/ecom-rec/backend/internal/storage/models"
	"github.com/ecom-rec/backend/internal/storage/sqlite"
	"github.com/ecom-rec/backend/internal/vector/milvus"
)

type fakeIndex struct {
	mu         sync.Mutex
	matches    map[string][]milvus.Match
	searchErr  error
	upsertErr  error
	upsertedID string
}

func (f *fakeIndex) Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upsertedID = id
	return nil
}

func (f *fakeIndex) Search(ctx context.Context, collection string, query []float32, topK int, minScore float64) ([]milvus.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.matches[collection], nil
}

func (f *fakeIndex) Stats(ctx context.Context, collections ...string) (map[string]interface{}, error) {
	return map[string]interface{}{"row_count": 42}, nil
}

type fakeBehaviors struct {
	own          []models.UserBehavior
	neighborRows []models.UserBehavior
	interacted   []string
	counts       []models.ItemCount
	err          error
}

func (f *fakeBehaviors) QueryBehaviors(ctx context.Context, q sqlite.BehaviorQuery) ([]models.UserBehavior, error) {
	if f.err != nil {
		return nil, f.err
	}
	allowed := make(map[string]struct{}, len(q.Actions))
	for _, a := range q.Actions {
		allowed[a] = struct{}{}
	}
	var out []models.UserBehavior
	for _, b := range f.own {
		if b.UserID != q.UserID {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[b.Action]; !ok {
				continue
			}
		}
		if q.ItemType != "" && b.ItemType != q.ItemType {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (f *fakeBehaviors) QueryBehaviorsForUsers(ctx context.Context, userIDs []string, itemType string, actions []string, limit int) ([]models.UserBehavior, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.neighborRows, nil
}

func (f *fakeBehaviors) DistinctItemIDs(ctx context.Context, userID, itemType string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.interacted, nil
}

func (f *fakeBehaviors) AggregateItemCounts(ctx context.Context, itemType string, actions []string, since time.Time, limit int) ([]models.ItemCount, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.counts, nil
}

type fakeCache struct {
	mu      sync.Mutex
	vectors map[string][]float32
	recs    map[string][]models.RecommendationResult
	err     error
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		vectors: make(map[string][]float32),
		recs:    make(map[string][]models.RecommendationResult),
	}
}

func (f *fakeCache) GetUserVector(ctx context.Context, userID string) ([]float32, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, false, f.err
	}
	v, ok := f.vectors[userID]
	return v, ok, nil
}

func (f *fakeCache) PutUserVector(ctx context.Context, userID string, vector []float32, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.vectors[userID] = vector
	return nil
}

func (f *fakeCache) GetRecommendations(ctx context.Context, userID, strategy string) ([]models.RecommendationResult, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, false, f.err
	}
	r, ok := f.recs[userID+":"+strategy]
	return r, ok, nil
}

func (f *fakeCache) PutRecommendations(ctx context.Context, userID, strategy string, results []models.RecommendationResult, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.recs[userID+":"+strategy] = results
	return nil
}

func (f *fakeCache) InvalidateUser(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vectors, userID)
	for key := range f.recs {
		if len(key) > len(userID) && key[:len(userID)+1] == userID+":" {
			delete(f.recs, key)
		}
	}
	return nil
}

func (f *fakeCache) Stats(ctx context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{"keys": len(f.recs)}, nil
}

type fakeEmbedder struct {
	vector []float32
	err    error
}

func (f *fakeEmbedder) EmbedUser(ctx context.Context, summary embedding.BehaviorSummary) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vector, nil
}

func (f *fakeEmbedder) EmbedItem(ctx context.Context, item embedding.ItemFeatures) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vector, nil
}

type fakeCatalog struct{}

func (f *fakeCatalog) GetItemFeatures(ctx context.Context, itemID string) (embedding.ItemFeatures, error) {
	return embedding.ItemFeatures{ID: itemID, Name: "item " + itemID, Category: "electronics"}, nil
}

type fakeLogSink struct {
	mu      sync.Mutex
	entries []models.RecommendationLogEntry
	err     error
}

func (f *fakeLogSink) InsertRecommendationLogs(ctx context.Context, entries []models.RecommendationLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entries...)
	return nil
}

func (f *fakeLogSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *fakeLogSink) all() []models.RecommendationLogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.RecommendationLogEntry, len(f.entries))
	copy(out, f.entries)
	return out
}

// deps bundles the fakes so individual tests only override what they need.
type deps struct {
	index     *fakeIndex
	cache     *fakeCache
	behaviors *fakeBehaviors
	embedder  *fakeEmbedder
	catalog   *fakeCatalog
	sink      *fakeLogSink
}

func defaultDeps() *deps {
	return &deps{
		index: &fakeIndex{
			matches: map[string][]milvus.Match{
				"user_vectors": {
					{ID: "user-u", Score: 1.0},
					{ID: "user-n1", Score: 0.92},
					{ID: "user-n2", Score: 0.88},
				},
				"item_vectors": {
					{ID: "item-a", Score: 0.99},
					{ID: "item-b", Score: 0.9},
					{ID: "item-c", Score: 0.8},
					{ID: "item-d", Score: 0.7},
				},
			},
		},
		cache: newFakeCache(),
		behaviors: &fakeBehaviors{
			own: []models.UserBehavior{
				{UserID: "user-u", Action: models.ActionPurchase, ItemID: "item-a", ItemType: "product"},
			},
			neighborRows: []models.UserBehavior{
				{UserID: "user-n1", Action: models.ActionPurchase, ItemID: "item-c", ItemType: "product"},
				{UserID: "user-n2", Action: models.ActionClick, ItemID: "item-c", ItemType: "product"},
				{UserID: "user-n2", Action: models.ActionClick, ItemID: "item-d", ItemType: "product"},
				{UserID: "user-n1", Action: models.ActionPurchase, ItemID: "item-a", ItemType: "product"},
			},
			interacted: []string{"item-a"},
			counts: []models.ItemCount{
				{ItemID: "item-t1", Count: 120, LastAction: time.Now()},
				{ItemID: "item-t2", Count: 40, LastAction: time.Now()},
			},
		},
		embedder: &fakeEmbedder{vector: []float32{0.1, 0.2, 0.3}},
		catalog:  &fakeCatalog{},
		sink:     &fakeLogSink{},
	}
}

func newTestEngine(d *deps) *Engine {
	return NewEngine(Config{}, d.index, d.cache, d.behaviors, d.embedder, d.catalog, d.sink)
}

func TestCollaborativeScoring(t *testing.T) {
	d := defaultDeps()
	engine := newTestEngine(d)

	resp, err := engine.Recommend(context.Background(), Request{
		UserID:   "user-u",
		Strategy: "collaborative",
		Limit:    10,
	})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "collaborative", resp.Type)
	require.Len(t, resp.Recommendations, 2)

	// item-c: purchase(5) + click(1) over 2 users -> avg 3 -> 0.3
	first := resp.Recommendations[0]
	assert.Equal(t, "item-c", first.ItemID)
	assert.InDelta(t, 0.3, first.Score, 1e-9)
	assert.Equal(t, ReasonCollaborative, first.Reason)

	// item-d: click(1) over 1 user -> avg 1 -> 0.1
	second := resp.Recommendations[1]
	assert.Equal(t, "item-d", second.ItemID)
	assert.InDelta(t, 0.1, second.Score, 1e-9)
}

func TestCollaborativeExcludesInteractedItems(t *testing.T) {
	d := defaultDeps()
	engine := newTestEngine(d)

	resp, err := engine.Recommend(context.Background(), Request{
		UserID:   "user-u",
		Strategy: "collaborative",
	})
	require.NoError(t, err)
	for _, r := range resp.Recommendations {
		assert.NotEqual(t, "item-a", r.ItemID, "already-interacted items must never be recommended")
	}
}

func TestContentBasedExcludesSeedAndDedupes(t *testing.T) {
	d := defaultDeps()
	engine := newTestEngine(d)

	resp, err := engine.Recommend(context.Background(), Request{
		UserID:   "user-u",
		Strategy: "content_based",
		Limit:    10,
	})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "content_based", resp.Type)

	seen := make(map[string]bool)
	for _, r := range resp.Recommendations {
		assert.NotEqual(t, "item-a", r.ItemID)
		assert.False(t, seen[r.ItemID], "duplicate item %s", r.ItemID)
		seen[r.ItemID] = true
		assert.Equal(t, ReasonContentBased, r.Reason)
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
	}
	require.Len(t, resp.Recommendations, 3)
}

func TestHybridMergeIsDeterministic(t *testing.T) {
	d := defaultDeps()
	engine := newTestEngine(d)

	first, err := engine.Recommend(context.Background(), Request{UserID: "user-u", Limit: 10})
	require.NoError(t, err)
	require.Equal(t, "hybrid", first.Type)

	// Bypass the cache on the second call to prove the scoring itself is
	// deterministic, not just the cached copy.
	require.NoError(t, d.cache.InvalidateUser(context.Background(), "user-u"))
	second, err := engine.Recommend(context.Background(), Request{UserID: "user-u", Limit: 10})
	require.NoError(t, err)

	require.Equal(t, len(first.Recommendations), len(second.Recommendations))
	for i := range first.Recommendations {
		assert.Equal(t, first.Recommendations[i].ItemID, second.Recommendations[i].ItemID)
		assert.Equal(t, first.Recommendations[i].Score, second.Recommendations[i].Score)
	}
}

func TestHybridCombinesWeightedScores(t *testing.T) {
	d := defaultDeps()
	engine := newTestEngine(d)

	resp, err := engine.Recommend(context.Background(), Request{UserID: "user-u", Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Recommendations)

	byID := make(map[string]models.RecommendationResult)
	seen := make(map[string]bool)
	for _, r := range resp.Recommendations {
		require.False(t, seen[r.ItemID], "hybrid must dedupe across strategies")
		seen[r.ItemID] = true
		assert.Equal(t, ReasonHybrid, r.Reason)
		byID[r.ItemID] = r
	}

	// item-c appears in both rankings: 0.6*0.3 + 0.4*0.8
	c, ok := byID["item-c"]
	require.True(t, ok)
	assert.InDelta(t, 0.5, c.Score, 1e-9)

	// item-b is content-only: 0.4*0.9
	b, ok := byID["item-b"]
	require.True(t, ok)
	assert.InDelta(t, 0.36, b.Score, 1e-9)
}

func TestColdStartFallsBackToTrending(t *testing.T) {
	d := defaultDeps()
	d.behaviors.own = nil
	engine := newTestEngine(d)

	resp, err := engine.Recommend(context.Background(), Request{UserID: "user-new", Limit: 10})
	require.NoError(t, err, "cold start must degrade, not fail")
	require.True(t, resp.Success)
	require.Len(t, resp.Recommendations, 2)

	assert.Equal(t, "item-t1", resp.Recommendations[0].ItemID)
	assert.InDelta(t, 1.0, resp.Recommendations[0].Score, 1e-9)
	assert.Equal(t, ReasonTrending, resp.Recommendations[0].Reason)
	assert.InDelta(t, 0.4, resp.Recommendations[1].Score, 1e-9)
}

func TestEmbeddingFailureFallsBackToTrending(t *testing.T) {
	d := defaultDeps()
	d.embedder.err = recerr.ErrEmbeddingUnavailable
	engine := newTestEngine(d)

	resp, err := engine.Recommend(context.Background(), Request{UserID: "user-u", Limit: 10})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.Recommendations)
	assert.Equal(t, ReasonTrending, resp.Recommendations[0].Reason)
}

func TestIndexFailureFallsBackToTrending(t *testing.T) {
	d := defaultDeps()
	d.index.searchErr = recerr.ErrIndexUnavailable
	engine := newTestEngine(d)

	resp, err := engine.Recommend(context.Background(), Request{UserID: "user-u", Strategy: "collaborative", Limit: 10})
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Equal(t, ReasonTrending, resp.Recommendations[0].Reason)
}

func TestBehaviorStoreFailureIsFatal(t *testing.T) {
	d := defaultDeps()
	d.behaviors.err = errors.New("database is locked")
	engine := newTestEngine(d)

	resp, err := engine.Recommend(context.Background(), Request{UserID: "user-u", Limit: 10})
	require.Error(t, err)
	require.True(t, errors.Is(err, recerr.ErrBehaviorStoreUnavailable))
	require.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
}

func TestDimensionMismatchIsFatal(t *testing.T) {
	d := defaultDeps()
	d.embedder.err = recerr.ErrDimensionMismatch
	engine := newTestEngine(d)

	_, err := engine.Recommend(context.Background(), Request{UserID: "user-u", Strategy: "collaborative", Limit: 10})
	require.Error(t, err)
	require.True(t, errors.Is(err, recerr.ErrDimensionMismatch))
}

func TestRecommendCacheHit(t *testing.T) {
	d := defaultDeps()
	engine := newTestEngine(d)

	first, err := engine.Recommend(context.Background(), Request{UserID: "user-u", Limit: 10})
	require.NoError(t, err)
	require.False(t, first.Cached)

	second, err := engine.Recommend(context.Background(), Request{UserID: "user-u", Limit: 10})
	require.NoError(t, err)
	require.True(t, second.Cached)
	require.Equal(t, len(first.Recommendations), len(second.Recommendations))
	for i := range first.Recommendations {
		assert.Equal(t, first.Recommendations[i].ItemID, second.Recommendations[i].ItemID)
	}
}

func TestCacheErrorIsTreatedAsMiss(t *testing.T) {
	d := defaultDeps()
	d.cache.err = recerr.ErrCacheUnavailable
	engine := newTestEngine(d)

	resp, err := engine.Recommend(context.Background(), Request{UserID: "user-u", Limit: 10})
	require.NoError(t, err, "cache loss must not fail requests")
	require.True(t, resp.Success)
	require.False(t, resp.Cached)
	require.NotEmpty(t, resp.Recommendations)
}

func TestRecommendScoresWithinBounds(t *testing.T) {
	d := defaultDeps()
	engine := newTestEngine(d)

	for _, strategy := range []string{"hybrid", "collaborative", "content_based", "trending"} {
		resp, err := engine.Recommend(context.Background(), Request{UserID: "user-u", Strategy: strategy, Limit: 10})
		require.NoError(t, err, strategy)
		for _, r := range resp.Recommendations {
			assert.GreaterOrEqual(t, r.Score, 0.0, strategy)
			assert.LessOrEqual(t, r.Score, 1.0, strategy)
		}
	}
}

func TestRecommendRespectsLimit(t *testing.T) {
	d := defaultDeps()
	engine := newTestEngine(d)

	resp, err := engine.Recommend(context.Background(), Request{UserID: "user-u", Strategy: "collaborative", Limit: 1})
	require.NoError(t, err)
	require.Len(t, resp.Recommendations, 1)
	assert.Equal(t, "item-c", resp.Recommendations[0].ItemID)
}

func TestClampLimit(t *testing.T) {
	engine := newTestEngine(defaultDeps())

	assert.Equal(t, 10, engine.clampLimit(0), "zero uses the default")
	assert.Equal(t, 10, engine.clampLimit(-3))
	assert.Equal(t, 7, engine.clampLimit(7))
	assert.Equal(t, 50, engine.clampLimit(500), "capped at the maximum")
}

func TestServedRecommendationsAreLogged(t *testing.T) {
	d := defaultDeps()
	engine := newTestEngine(d)

	resp, err := engine.Recommend(context.Background(), Request{
		UserID:    "user-u",
		Strategy:  "collaborative",
		Limit:     10,
		SessionID: "session-1",
	})
	require.NoError(t, err)
	served := len(resp.Recommendations)
	require.Greater(t, served, 0)

	require.Eventually(t, func() bool {
		return d.sink.count() == served
	}, 2*time.Second, 10*time.Millisecond)

	for _, entry := range d.sink.all() {
		assert.Equal(t, "user-u", entry.UserID)
		assert.Equal(t, "collaborative", entry.Strategy)
		assert.Equal(t, "session-1", entry.SessionID)
		assert.False(t, entry.CreatedAt.IsZero())
	}
}

func TestLogFailureDoesNotAffectResponse(t *testing.T) {
	d := defaultDeps()
	d.sink.err = errors.New("disk full")
	engine := newTestEngine(d)

	resp, err := engine.Recommend(context.Background(), Request{UserID: "user-u", Limit: 10})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.Recommendations)
}

func TestCacheHitSkipsLogging(t *testing.T) {
	d := defaultDeps()
	engine := newTestEngine(d)

	resp, err := engine.Recommend(context.Background(), Request{UserID: "user-u", Limit: 10})
	require.NoError(t, err)
	served := len(resp.Recommendations)
	require.Eventually(t, func() bool {
		return d.sink.count() == served
	}, 2*time.Second, 10*time.Millisecond)

	_, err = engine.Recommend(context.Background(), Request{UserID: "user-u", Limit: 10})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, served, d.sink.count(), "cached responses must not be re-logged")
}

func TestUpdateUserVector(t *testing.T) {
	d := defaultDeps()
	engine := newTestEngine(d)

	resp, err := engine.UpdateUserVector(context.Background(), "user-u")
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Equal(t, "user-u", d.index.upsertedID)
}

func TestUpdateUserVectorNoData(t *testing.T) {
	d := defaultDeps()
	d.behaviors.own = nil
	engine := newTestEngine(d)

	resp, err := engine.UpdateUserVector(context.Background(), "user-ghost")
	require.NoError(t, err, "missing data is a soft failure, not an error")
	require.False(t, resp.Success)
	assert.Equal(t, "user has no behavior data", resp.Message)
}

func TestUpdateUserVectorInvalidatesCache(t *testing.T) {
	d := defaultDeps()
	engine := newTestEngine(d)

	first, err := engine.Recommend(context.Background(), Request{UserID: "user-u", Limit: 10})
	require.NoError(t, err)
	require.False(t, first.Cached)

	cached, err := engine.Recommend(context.Background(), Request{UserID: "user-u", Limit: 10})
	require.NoError(t, err)
	require.True(t, cached.Cached)

	_, err = engine.UpdateUserVector(context.Background(), "user-u")
	require.NoError(t, err)

	fresh, err := engine.Recommend(context.Background(), Request{UserID: "user-u", Limit: 10})
	require.NoError(t, err)
	assert.False(t, fresh.Cached, "vector update must invalidate cached recommendations")
}

func TestStats(t *testing.T) {
	d := defaultDeps()
	engine := newTestEngine(d)

	resp, err := engine.Stats(context.Background())
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Equal(t, 42, resp.IndexStats["row_count"])
}

func TestSortResultsTieBreak(t *testing.T) {
	results := []models.RecommendationResult{
		{ItemID: "item-z", Score: 0.5},
		{ItemID: "item-a", Score: 0.5},
		{ItemID: "item-m", Score: 0.9},
	}
	sortResults(results)
	assert.Equal(t, "item-m", results[0].ItemID)
	assert.Equal(t, "item-a", results[1].ItemID, "equal scores order by item id")
	assert.Equal(t, "item-z", results[2].ItemID)
}

func TestClampScore(t *testing.T) {
	assert.Equal(t, 0.0, clampScore(-0.2))
	assert.Equal(t, 1.0, clampScore(1.7))
	assert.Equal(t, 0.35, clampScore(0.35))
}
