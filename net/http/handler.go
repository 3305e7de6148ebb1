package http

import (
	"context"
	"errors"
	"time"

	relay "github.com/LerianStudio/outbox-relay"
	"github.com/LerianStudio/outbox-relay/log"
	"github.com/LerianStudio/outbox-relay/opentelemetry"
	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/trace"
)

const (
	// HeaderID is the request identifier header key.
	HeaderID = "X-Request-Id"
	// HeaderUserAgent is the HTTP User-Agent header key.
	HeaderUserAgent = "User-Agent"

	defaultErrorTitle = "request_failed"
)

// Ping returns HTTP Status 200 with response "pong".
func Ping(c *fiber.Ctx) error {
	return c.SendString("pong")
}

// Version returns HTTP Status 200 with the running version.
func Version(version string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"version":     version,
			"requestDate": time.Now().UTC(),
		})
	}
}

// ErrorResponse is the body of every JSON error answer.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// WriteError writes a structured error response.
func WriteError(c *fiber.Ctx, status int, title, message string) error {
	return c.Status(status).JSON(ErrorResponse{Code: status, Title: title, Message: message})
}

// FiberErrorHandler renders errors escaping handlers. Unknown errors become
// a generic 500 and are logged through the request logger.
func FiberErrorHandler(c *fiber.Ctx, err error) error {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}

	span := trace.SpanFromContext(ctx)
	opentelemetry.HandleSpanError(span, "handler error", err)

	var fe *fiber.Error
	if errors.As(err, &fe) {
		return WriteError(c, fe.Code, defaultErrorTitle, fe.Message)
	}

	logger := relay.NewLoggerFromContext(ctx)
	logger.Log(ctx, log.LevelError, "handler error",
		log.String("method", c.Method()),
		log.String("path", c.Path()),
		log.Err(err),
	)

	return WriteError(c, fiber.StatusInternalServerError, "internal_error", "internal server error")
}
