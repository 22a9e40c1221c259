package validation

import (
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var (
	itemTypePattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)
	knownStrategies = map[string]struct{}{
		"collaborative": {},
		"content_based": {},
		"trending":      {},
		"hybrid":        {},
	}
)

type Config struct {
	MaxLimit            int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxLimit == 0 {
		cfg.MaxLimit = 50
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == "POST" || c.Method() == "PUT" {
			contentType := c.Get("Content-Type")
			if contentType != "" {
				allowed := false
				for _, allowedType := range cfg.AllowedContentTypes {
					if strings.Contains(contentType, allowedType) {
						allowed = true
						break
					}
				}
				if !allowed {
					return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
						"error": "Unsupported content type",
					})
				}
			}
		}

		if strings.Contains(c.Path(), "/api/v1/recommendations") && c.Method() == "GET" {
			if strategy := c.Query("type"); strategy != "" {
				if _, ok := knownStrategies[strategy]; !ok {
					return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
						"error": "Unknown recommendation type",
					})
				}
			}

			if limit := c.QueryInt("limit", 0); limit < 0 || limit > cfg.MaxLimit {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "limit out of range",
				})
			}

			if itemType := c.Query("item_type"); itemType != "" && !itemTypePattern.MatchString(itemType) {
				if cfg.Logger != nil {
					cfg.Logger.Warn("Rejected malformed item_type",
						zap.String("item_type", itemType),
						zap.String("ip", c.IP()),
					)
				}
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "invalid item_type",
				})
			}
		}

		return c.Next()
	}
}
