// Package catalog reads item features from the product service that owns
// the item vector space. Only the lookup needed for content-based seeds is
// implemented here.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/ecom-rec/backend/internal/embedding"
	"github.com/ecom-rec/backend/pkg/logger"
)

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) GetItemFeatures(ctx context.Context, itemID string) (embedding.ItemFeatures, error) {
	endpoint := fmt.Sprintf("%s/api/v1/products/%s", c.baseURL, url.PathEscape(itemID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return embedding.ItemFeatures{}, fmt.Errorf("failed to build catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return embedding.ItemFeatures{}, fmt.Errorf("catalog request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return embedding.ItemFeatures{}, fmt.Errorf("item %q not found in catalog", itemID)
	}
	if resp.StatusCode != http.StatusOK {
		return embedding.ItemFeatures{}, fmt.Errorf("catalog returned status %d", resp.StatusCode)
	}

	var body struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Category    string `json:"category"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return embedding.ItemFeatures{}, fmt.Errorf("failed to decode catalog response: %w", err)
	}

	logger.Debug("Item features resolved", zap.String("item_id", itemID))

	return embedding.ItemFeatures{
		ID:          body.ID,
		Name:        body.Name,
		Description: body.Description,
		Category:    body.Category,
	}, nil
}
