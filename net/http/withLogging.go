package http

import (
	"strconv"
	"strings"
	"time"

	relay "github.com/LerianStudio/outbox-relay"
	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// RequestInfo is the access log record of one request.
type RequestInfo struct {
	Method        string
	URI           string
	Referer       string
	RemoteAddress string
	Status        int
	Date          time.Time
	Duration      time.Duration
	UserAgent     string
	RequestID     string
	Protocol      string
	Size          int
}

// NewRequestInfo captures the request half of the record.
func NewRequestInfo(c *fiber.Ctx) *RequestInfo {
	referer := "-"
	if r := c.Get(fiber.HeaderReferer); r != "" {
		referer = r
	}

	return &RequestInfo{
		RequestID:     c.Get(HeaderID),
		Method:        c.Method(),
		URI:           c.OriginalURL(),
		Referer:       referer,
		UserAgent:     c.Get(HeaderUserAgent),
		RemoteAddress: c.IP(),
		Protocol:      c.Protocol(),
		Date:          time.Now().UTC(),
	}
}

// Finish records status, size and duration.
func (r *RequestInfo) Finish(c *fiber.Ctx) {
	r.Duration = time.Now().UTC().Sub(r.Date)
	r.Status = c.Response().StatusCode()
	r.Size = len(c.Response().Body())
}

// CLFString renders the record close to Common Log Format.
func (r *RequestInfo) CLFString() string {
	return strings.Join([]string{
		r.RemoteAddress,
		"-",
		"-",
		r.Protocol,
		r.Date.Format("[02/Jan/2006:15:04:05 -0700]"),
		`"` + r.Method + " " + r.URI + `"`,
		strconv.Itoa(r.Status),
		strconv.Itoa(r.Size),
		r.Referer,
		r.UserAgent,
	}, " ")
}

type logMiddleware struct {
	logger    log.Logger
	skipPaths map[string]struct{}
}

// LogMiddlewareOption configures WithHTTPLogging.
type LogMiddlewareOption func(*logMiddleware)

// WithCustomLogger sets the access logger.
func WithCustomLogger(logger log.Logger) LogMiddlewareOption {
	return func(l *logMiddleware) {
		if !nilcheck.Interface(logger) {
			l.logger = logger
		}
	}
}

// WithSkipPaths excludes paths from access logging. Request ids and the
// request logger are still attached.
func WithSkipPaths(paths ...string) LogMiddlewareOption {
	return func(l *logMiddleware) {
		for _, p := range paths {
			l.skipPaths[p] = struct{}{}
		}
	}
}

// WithHTTPLogging assigns each request an id, stores a request-scoped logger
// in the user context and writes one access log line per request.
func WithHTTPLogging(opts ...LogMiddlewareOption) fiber.Handler {
	mid := &logMiddleware{
		logger:    log.NewNop(),
		skipPaths: map[string]struct{}{"/health": {}},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(mid)
		}
	}

	return func(c *fiber.Ctx) error {
		requestID := c.Get(HeaderID)
		if requestID == "" {
			requestID = uuid.NewString()
			c.Request().Header.Set(HeaderID, requestID)
		}

		c.Set(HeaderID, requestID)

		logger := mid.logger.With(log.String("request_id", requestID))

		ctx := relay.ContextWithLogger(c.UserContext(), logger)
		ctx = relay.ContextWithRequestID(ctx, requestID)
		c.SetUserContext(ctx)

		if _, skip := mid.skipPaths[c.Path()]; skip {
			return c.Next()
		}

		info := NewRequestInfo(c)

		err := c.Next()

		info.Finish(c)
		logger.Log(c.UserContext(), log.LevelInfo, info.CLFString())

		return err
	}
}
