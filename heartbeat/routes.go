package heartbeat

import (
	relay "github.com/LerianStudio/outbox-relay"
	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
	libHTTP "github.com/LerianStudio/outbox-relay/net/http"
	"github.com/LerianStudio/outbox-relay/outbox"
	"github.com/gofiber/fiber/v2"
)

// Handle serves GET /api/heartbeat: 200 "ok" after a successful drain,
// 500 "drain failed" otherwise.
func (h *Handler) Handle(c *fiber.Ctx) error {
	if _, err := h.Beat(c.UserContext()); err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString("drain failed")
	}

	return c.SendString("ok")
}

// Stats serves GET /api/outbox/stats with the number of queued rows.
func Stats(counter outbox.PendingCounter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()

		pending, err := counter.Pending(ctx)
		if err != nil {
			relay.NewLoggerFromContext(ctx).Log(ctx, log.LevelError, "outbox stats failed", log.Err(err))
			return libHTTP.WriteError(c, fiber.StatusServiceUnavailable, "stats_unavailable", "outbox stats unavailable")
		}

		return c.JSON(fiber.Map{"pending": pending})
	}
}

// RegisterRoutes mounts the health, heartbeat and, when counter is set,
// stats routes.
func RegisterRoutes(router fiber.Router, h *Handler, counter outbox.PendingCounter) {
	router.Get("/health", libHTTP.Ping)
	router.Get("/api/heartbeat", h.Handle)

	if !nilcheck.Interface(counter) {
		router.Get("/api/outbox/stats", Stats(counter))
	}
}
