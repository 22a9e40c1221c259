package milvus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/ecom-rec/backend/internal/recerr"
	"github.com/ecom-rec/backend/pkg/logger"
)

const (
	idMaxLength  = "128"
	searchNprobe = 10
)

type Client struct {
	client    client.Client
	vectorDim int
	nlist     int
}

// Match is one similarity search hit, cosine score descending.
type Match struct {
	ID       string
	Score    float64
	Metadata map[string]interface{}
}

func NewClient(endpoint, apiKey string, vectorDim, nlist int) (*Client, error) {
	c, err := client.NewGrpcClient(context.Background(), endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	if nlist <= 0 {
		nlist = 1024
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.Int("vector_dim", vectorDim),
	)

	return &Client{
		client:    c,
		vectorDim: vectorDim,
		nlist:     nlist,
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

// EnsureCollection is idempotent. An existing collection with the expected
// dimension is a no-op; a different dimension is a configuration error and
// never coerced.
func (m *Client) EnsureCollection(ctx context.Context, name string, dim int) error {
	has, err := m.client.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection %q: %w", name, recerr.ErrIndexUnavailable)
	}

	if has {
		existing, err := m.client.DescribeCollection(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to describe collection %q: %w", name, recerr.ErrIndexUnavailable)
		}
		existingDim := collectionDim(existing.Schema)
		if existingDim != 0 && existingDim != dim {
			return fmt.Errorf("collection %q has dimension %d, expected %d: %w",
				name, existingDim, dim, recerr.ErrDimensionMismatch)
		}
		logger.Info("Collection already exists", zap.String("collection", name), zap.Int("dim", dim))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: name,
		Description:    "behavior embeddings for similarity search",
		Fields: []*entity.Field{
			{
				Name:       "id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": idMaxLength,
				},
			},
			{
				Name:     "vector",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", dim),
				},
			},
			{
				Name:     "metadata",
				DataType: entity.FieldTypeJSON,
			},
			{
				Name:     "updated_at",
				DataType: entity.FieldTypeInt64,
			},
		},
	}

	err = m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		return fmt.Errorf("failed to create collection %q: %w", name, recerr.ErrIndexUnavailable)
	}

	idx, err := entity.NewIndexIvfFlat(entity.COSINE, m.nlist)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	err = m.client.CreateIndex(ctx, name, "vector", idx, false)
	if err != nil {
		return fmt.Errorf("failed to create index on %q: %w", name, recerr.ErrIndexUnavailable)
	}

	err = m.client.LoadCollection(ctx, name, false)
	if err != nil {
		return fmt.Errorf("failed to load collection %q: %w", name, recerr.ErrIndexUnavailable)
	}

	logger.Info("Collection created and loaded", zap.String("collection", name), zap.Int("dim", dim))
	return nil
}

// Upsert inserts or replaces one vector. Concurrent upserts on the same id
// are last-write-wins.
func (m *Client) Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]interface{}) error {
	if len(vector) != m.vectorDim {
		return fmt.Errorf("vector %q has dimension %d, expected %d: %w",
			id, len(vector), m.vectorDim, recerr.ErrDimensionMismatch)
	}

	metaBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal vector metadata: %w", err)
	}

	_, err = m.client.Upsert(
		ctx,
		collection,
		"",
		entity.NewColumnVarChar("id", []string{id}),
		entity.NewColumnFloatVector("vector", m.vectorDim, [][]float32{vector}),
		entity.NewColumnJSONBytes("metadata", [][]byte{metaBytes}),
		entity.NewColumnInt64("updated_at", []int64{nowUnix()}),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert vector %q: %w", id, recerr.ErrIndexUnavailable)
	}

	logger.Debug("Vector upserted", zap.String("collection", collection), zap.String("id", id))
	return nil
}

// Search returns the topK nearest vectors by cosine similarity, filtered to
// minScore, descending. Ties break on id to keep results deterministic.
func (m *Client) Search(ctx context.Context, collection string, query []float32, topK int, minScore float64) ([]Match, error) {
	if len(query) != m.vectorDim {
		return nil, fmt.Errorf("query vector has dimension %d, expected %d: %w",
			len(query), m.vectorDim, recerr.ErrDimensionMismatch)
	}
	if topK <= 0 {
		topK = 10
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(searchNprobe)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	searchResult, err := m.client.Search(
		ctx,
		collection,
		[]string{},
		"",
		[]string{"metadata"},
		[]entity.Vector{entity.FloatVector(query)},
		"vector",
		entity.COSINE,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("search on %q failed: %w", collection, recerr.ErrIndexUnavailable)
	}

	matches := make([]Match, 0, topK)
	for _, sr := range searchResult {
		metaCol := sr.Fields.GetColumn("metadata")
		for i := 0; i < sr.ResultCount; i++ {
			rawID, err := sr.IDs.Get(i)
			if err != nil {
				continue
			}
			id, ok := rawID.(string)
			if !ok || id == "" {
				continue
			}
			score := float64(sr.Scores[i])
			if score < minScore {
				continue
			}
			matches = append(matches, Match{
				ID:       id,
				Score:    score,
				Metadata: decodeMetadata(metaCol, i),
			})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score == matches[j].Score {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].Score > matches[j].Score
	})

	logger.Debug("Vector search completed",
		zap.String("collection", collection),
		zap.Int("topK", topK),
		zap.Int("results", len(matches)),
	)

	return matches, nil
}

func (m *Client) Delete(ctx context.Context, collection, id string) error {
	err := m.client.DeleteByPks(ctx, collection, "", entity.NewColumnVarChar("id", []string{id}))
	if err != nil {
		return fmt.Errorf("failed to delete vector %q: %w", id, recerr.ErrIndexUnavailable)
	}
	return nil
}

// Stats returns per-collection statistics, row counts included.
func (m *Client) Stats(ctx context.Context, collections ...string) (map[string]interface{}, error) {
	stats := make(map[string]interface{}, len(collections))
	for _, name := range collections {
		colStats, err := m.client.GetCollectionStatistics(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to get statistics for %q: %w", name, recerr.ErrIndexUnavailable)
		}
		stats[name] = colStats
	}
	return stats, nil
}

func nowUnix() int64 {
	return time.Now().Unix()
}

func collectionDim(schema *entity.Schema) int {
	if schema == nil {
		return 0
	}
	for _, f := range schema.Fields {
		if f.DataType != entity.FieldTypeFloatVector {
			continue
		}
		if raw, ok := f.TypeParams["dim"]; ok {
			if dim, err := strconv.Atoi(raw); err == nil {
				return dim
			}
		}
	}
	return 0
}

func decodeMetadata(col entity.Column, idx int) map[string]interface{} {
	if col == nil {
		return nil
	}
	raw, err := col.Get(idx)
	if err != nil {
		return nil
	}
	data, ok := raw.([]byte)
	if !ok || len(data) == 0 {
		return nil
	}
	var metadata map[string]interface{}
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil
	}
	return metadata
}
