package idempotency

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/creditsaga/internal/apperr"
)

const (
	HeaderKey      = "X-Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"
	MaxKeyLength   = 255
)

// Middleware puts a Gate in front of gin routes. A nil *Middleware passes
// every request through, which keeps handler tests free of key plumbing.
type Middleware struct {
	gate   *Gate
	logger *slog.Logger
}

// NewMiddleware creates the route middleware factory.
func NewMiddleware(gate *Gate, logger *slog.Logger) *Middleware {
	return &Middleware{gate: gate, logger: logger}
}

// Required rejects requests without a key.
func (m *Middleware) Required() gin.HandlerFunc {
	return m.handler(true)
}

// Optional guards requests that carry a key and passes the rest through.
func (m *Middleware) Optional() gin.HandlerFunc {
	return m.handler(false)
}

// responseCapture tees the handler's body so it can be cached.
type responseCapture struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

func (rc *responseCapture) WriteString(s string) (int, error) {
	rc.body.WriteString(s)
	return rc.ResponseWriter.WriteString(s)
}

func (m *Middleware) handler(required bool) gin.HandlerFunc {
	if m == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderKey)
		if key == "" {
			if required {
				apperr.Respond(c, ErrKeyRequired)
				c.Abort()
				return
			}
			c.Next()
			return
		}
		if len(key) > MaxKeyLength {
			apperr.Respond(c, ErrKeyTooLong)
			c.Abort()
			return
		}

		// Keys are scoped to the concrete route so one key cannot replay a
		// response recorded for a different resource.
		scoped := c.Request.Method + " " + c.Request.URL.Path + "|" + key

		resp, replayed, err := m.gate.Guard(c.Request.Context(), scoped, func(ctx context.Context) (*Response, error) {
			capture := &responseCapture{ResponseWriter: c.Writer}
			c.Writer = capture
			c.Next()
			c.Writer = capture.ResponseWriter
			return &Response{StatusCode: capture.Status(), Body: capture.body.Bytes()}, nil
		})
		if err != nil {
			m.logger.Warn("idempotency guard rejected request", "key", key, "error", err)
			apperr.Respond(c, err)
			c.Abort()
			return
		}
		if replayed {
			c.Header(HeaderReplayed, "true")
			c.Data(resp.StatusCode, "application/json; charset=utf-8", resp.Body)
			c.Abort()
		}
	}
}
