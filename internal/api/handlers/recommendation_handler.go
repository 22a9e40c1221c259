package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ecom-rec/backend/internal/recommend"
	"github.com/ecom-rec/backend/pkg/logger"
)

type RecommendationHandler struct {
	engine *recommend.Engine
}

func NewRecommendationHandler(engine *recommend.Engine) *RecommendationHandler {
	return &RecommendationHandler{engine: engine}
}

func (h *RecommendationHandler) GetRecommendations(c *fiber.Ctx) error {
	userID := c.Get("X-User-ID")
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "X-User-ID header is required",
		})
	}

	req := recommend.Request{
		UserID:    userID,
		Strategy:  c.Query("type", "hybrid"),
		Limit:     c.QueryInt("limit", 0),
		ItemType:  c.Query("item_type", "product"),
		SessionID: c.Get("X-Session-ID"),
	}

	resp, err := h.engine.Recommend(c.Context(), req)
	if err != nil {
		logger.Error("Failed to generate recommendations",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(resp)
	}

	return c.JSON(resp)
}

func (h *RecommendationHandler) UpdateUserVector(c *fiber.Ctx) error {
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "invalid request body",
		})
	}
	if body.UserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "user_id is required",
		})
	}

	resp, err := h.engine.UpdateUserVector(c.Context(), body.UserID)
	if err != nil {
		logger.Error("Failed to update user vector",
			zap.String("user_id", body.UserID),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(resp)
	}

	return c.JSON(resp)
}

func (h *RecommendationHandler) GetStats(c *fiber.Ctx) error {
	resp, err := h.engine.Stats(c.Context())
	if err != nil {
		logger.Error("Failed to collect stats", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "failed to collect stats",
		})
	}

	return c.JSON(resp)
}
