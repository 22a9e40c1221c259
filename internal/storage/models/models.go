package models

import "time"

// Behavior actions recorded by upstream ingestion. Rows are immutable once
// written; this service only reads them.
const (
	ActionView      = "view"
	ActionClick     = "click"
	ActionPurchase  = "purchase"
	ActionAddToCart = "add_to_cart"
	ActionLike      = "like"
)

// AllActions are the qualifying actions for collaborative filtering.
var AllActions = []string{ActionView, ActionClick, ActionPurchase, ActionAddToCart, ActionLike}

// PositiveActions are the seed actions for content-based recommendations.
var PositiveActions = []string{ActionLike, ActionPurchase, ActionClick}

// TrendingActions feed the popularity aggregation.
var TrendingActions = []string{ActionView, ActionClick, ActionPurchase, ActionAddToCart}

type UserBehavior struct {
	ID        int64
	UserID    string
	Action    string
	ItemID    string
	ItemType  string
	Metadata  map[string]interface{}
	CreatedAt time.Time
}

type RecommendationResult struct {
	ItemID   string                 `json:"item_id"`
	ItemType string                 `json:"item_type"`
	Score    float64                `json:"score"`
	Reason   string                 `json:"reason"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// RecommendationLogEntry is the persisted contract owned by this service.
// Offline evaluation consumers rely on these exact fields.
type RecommendationLogEntry struct {
	UserID    string
	ItemID    string
	ItemType  string
	Strategy  string
	Score     float64
	Reason    string
	SessionID string
	CreatedAt time.Time
}

// ItemCount is one row of the trending aggregation.
type ItemCount struct {
	ItemID     string
	Count      int64
	LastAction time.Time
}
