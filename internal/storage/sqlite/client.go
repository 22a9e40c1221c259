package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ecom-rec/backend/internal/storage/models"
	"github.com/ecom-rec/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS user_behaviors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		action TEXT NOT NULL,
		item_id TEXT NOT NULL,
		item_type TEXT NOT NULL,
		metadata TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_behaviors_user ON user_behaviors(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_behaviors_item_type ON user_behaviors(item_type, created_at);
	CREATE INDEX IF NOT EXISTS idx_behaviors_item ON user_behaviors(item_id);

	CREATE TABLE IF NOT EXISTS recommendation_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		item_type TEXT NOT NULL,
		strategy TEXT NOT NULL,
		score REAL NOT NULL,
		reason TEXT,
		session_id TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rec_logs_user ON recommendation_logs(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_rec_logs_session ON recommendation_logs(session_id);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("Database schema initialized")
	return nil
}

// BehaviorQuery selects a bounded, most-recent-first window of a user's
// interactions.
type BehaviorQuery struct {
	UserID   string
	Actions  []string
	ItemType string
	Limit    int
}

func (c *Client) QueryBehaviors(ctx context.Context, q BehaviorQuery) ([]models.UserBehavior, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	var sb strings.Builder
	sb.WriteString("SELECT id, user_id, action, item_id, item_type, metadata, created_at FROM user_behaviors WHERE user_id = ?")
	args := []interface{}{q.UserID}

	if len(q.Actions) > 0 {
		sb.WriteString(" AND action IN (" + placeholders(len(q.Actions)) + ")")
		for _, a := range q.Actions {
			args = append(args, a)
		}
	}
	if q.ItemType != "" {
		sb.WriteString(" AND item_type = ?")
		args = append(args, q.ItemType)
	}
	sb.WriteString(" ORDER BY created_at DESC LIMIT ?")
	args = append(args, q.Limit)

	rows, err := c.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query behaviors: %w", err)
	}
	defer rows.Close()

	return scanBehaviors(rows)
}

// QueryBehaviorsForUsers fetches the interactions of a set of neighbor users
// on one item type, used to score collaborative candidates.
func (c *Client) QueryBehaviorsForUsers(ctx context.Context, userIDs []string, itemType string, actions []string, limit int) ([]models.UserBehavior, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 1000
	}

	var sb strings.Builder
	sb.WriteString("SELECT id, user_id, action, item_id, item_type, metadata, created_at FROM user_behaviors WHERE user_id IN (" + placeholders(len(userIDs)) + ")")
	args := make([]interface{}, 0, len(userIDs)+len(actions)+2)
	for _, id := range userIDs {
		args = append(args, id)
	}
	if itemType != "" {
		sb.WriteString(" AND item_type = ?")
		args = append(args, itemType)
	}
	if len(actions) > 0 {
		sb.WriteString(" AND action IN (" + placeholders(len(actions)) + ")")
		for _, a := range actions {
			args = append(args, a)
		}
	}
	sb.WriteString(" ORDER BY created_at DESC LIMIT ?")
	args = append(args, limit)

	rows, err := c.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query neighbor behaviors: %w", err)
	}
	defer rows.Close()

	return scanBehaviors(rows)
}

// DistinctItemIDs returns every item the user has interacted with on one
// item type, regardless of action. The engine excludes these from
// collaborative results.
func (c *Client) DistinctItemIDs(ctx context.Context, userID, itemType string) ([]string, error) {
	query := "SELECT DISTINCT item_id FROM user_behaviors WHERE user_id = ?"
	args := []interface{}{userID}
	if itemType != "" {
		query += " AND item_type = ?"
		args = append(args, itemType)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query interacted items: %w", err)
	}
	defer rows.Close()

	var itemIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan item id: %w", err)
		}
		itemIDs = append(itemIDs, id)
	}
	return itemIDs, rows.Err()
}

// AggregateItemCounts groups interactions by item over a recent window,
// most popular first. Ties break on recency.
func (c *Client) AggregateItemCounts(ctx context.Context, itemType string, actions []string, since time.Time, limit int) ([]models.ItemCount, error) {
	if limit <= 0 {
		limit = 10
	}

	var sb strings.Builder
	sb.WriteString("SELECT item_id, COUNT(*) AS cnt, MAX(created_at) AS last_action FROM user_behaviors WHERE created_at >= ?")
	args := []interface{}{since.Unix()}

	if itemType != "" {
		sb.WriteString(" AND item_type = ?")
		args = append(args, itemType)
	}
	if len(actions) > 0 {
		sb.WriteString(" AND action IN (" + placeholders(len(actions)) + ")")
		for _, a := range actions {
			args = append(args, a)
		}
	}
	sb.WriteString(" GROUP BY item_id ORDER BY cnt DESC, last_action DESC LIMIT ?")
	args = append(args, limit)

	rows, err := c.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate item counts: %w", err)
	}
	defer rows.Close()

	var counts []models.ItemCount
	for rows.Next() {
		var ic models.ItemCount
		var lastAction int64
		if err := rows.Scan(&ic.ItemID, &ic.Count, &lastAction); err != nil {
			return nil, fmt.Errorf("failed to scan item count: %w", err)
		}
		ic.LastAction = time.Unix(lastAction, 0)
		counts = append(counts, ic)
	}
	return counts, rows.Err()
}

func (c *Client) InsertBehavior(ctx context.Context, b *models.UserBehavior) error {
	metadata, err := marshalMetadata(b.Metadata)
	if err != nil {
		return err
	}

	createdAt := b.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = c.db.ExecContext(ctx,
		"INSERT INTO user_behaviors (user_id, action, item_id, item_type, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		b.UserID, b.Action, b.ItemID, b.ItemType, metadata, createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert behavior: %w", err)
	}
	return nil
}

// InsertRecommendationLogs appends served recommendations in one
// transaction. Entries are never updated afterward.
func (c *Client) InsertRecommendationLogs(ctx context.Context, entries []models.RecommendationLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO recommendation_logs (user_id, item_id, item_type, strategy, score, reason, session_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare log insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		_, err = stmt.ExecContext(ctx, e.UserID, e.ItemID, e.ItemType, e.Strategy, e.Score, e.Reason, e.SessionID, createdAt.Unix())
		if err != nil {
			return fmt.Errorf("failed to insert recommendation log: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit recommendation logs: %w", err)
	}

	logger.Debug("Recommendation logs written", zap.Int("count", len(entries)))
	return nil
}

// CountRecommendationLogs exists for offline evaluation tooling and tests.
func (c *Client) CountRecommendationLogs(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := c.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM recommendation_logs WHERE user_id = ?", userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count recommendation logs: %w", err)
	}
	return count, nil
}

func scanBehaviors(rows *sql.Rows) ([]models.UserBehavior, error) {
	var behaviors []models.UserBehavior
	for rows.Next() {
		var b models.UserBehavior
		var metadata sql.NullString
		var createdAt int64
		if err := rows.Scan(&b.ID, &b.UserID, &b.Action, &b.ItemID, &b.ItemType, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan behavior: %w", err)
		}
		b.CreatedAt = time.Unix(createdAt, 0)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &b.Metadata); err != nil {
				logger.Warn("Failed to decode behavior metadata", zap.Int64("id", b.ID), zap.Error(err))
			}
		}
		behaviors = append(behaviors, b)
	}
	return behaviors, rows.Err()
}

func marshalMetadata(m map[string]interface{}) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(data), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
