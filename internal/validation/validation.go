// Package validation checks request fields and path ids before they reach
// the services.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/creditsaga/internal/money"
)

const (
	// MaxRequestSize caps request bodies at 1MB.
	MaxRequestSize = 1 << 20
	// MaxStringLength bounds free-text fields such as reasons and notes.
	MaxStringLength = 2000
	// MaxIDLength bounds customer, product, purchase and shipment ids.
	MaxIDLength = 128
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_\-:.]+$`)

// RequestSizeMiddleware rejects bodies over maxSize. A declared
// Content-Length over the limit fails fast with 413; otherwise reads past the
// limit fail inside the handler's bind.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "request_too_large",
				"message": "request body exceeds the size limit",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID reports whether s is a non-empty id made of letters, digits and
// _ - : . only.
func IsValidID(s string) bool {
	return s != "" && len(s) <= MaxIDLength && idPattern.MatchString(s)
}

// SanitizeString trims s, drops NUL bytes and truncates to maxLen bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// FieldError names the field that failed and why.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is every rule failure for one request.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Rule checks one field, returning nil when it passes.
type Rule func() *FieldError

func fail(field, msg string) *FieldError {
	return &FieldError{Field: field, Message: msg}
}

// Validate runs every rule and collects the failures in order.
func Validate(rules ...Rule) Errors {
	var errs Errors
	for _, rule := range rules {
		if fe := rule(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

// Abort writes a 400 listing errs.
func Abort(c *gin.Context, errs Errors) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "validation_failed",
		"message": errs.Error(),
		"details": errs,
	})
}

// ValidID rejects malformed ids. Empty values pass.
func ValidID(field, value string) Rule {
	return func() *FieldError {
		if value != "" && !IsValidID(value) {
			return fail(field, "must be a valid identifier")
		}
		return nil
	}
}

func MaxLength(field, value string, limit int) Rule {
	return func() *FieldError {
		if len(value) > limit {
			return fail(field, "exceeds maximum length")
		}
		return nil
	}
}

func PositiveInt(field string, value int) Rule {
	return func() *FieldError {
		if value <= 0 {
			return fail(field, "must be greater than zero")
		}
		return nil
	}
}

func OneOf(field, value string, options ...string) Rule {
	return func() *FieldError {
		for _, o := range options {
			if value == o {
				return nil
			}
		}
		return fail(field, "must be one of "+strings.Join(options, ", "))
	}
}

// ValidAmount requires a positive amount with at most two decimal places.
// Empty values pass.
func ValidAmount(field, value string) Rule {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		d, err := money.Parse(value)
		switch {
		case err != nil:
			return fail(field, "invalid amount format")
		case !money.Positive(d):
			return fail(field, "amount must be greater than zero")
		}
		return nil
	}
}

// IDParamMiddleware rejects requests whose named path params are malformed.
func IDParamMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range params {
			if v := c.Param(p); v != "" && !IsValidID(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_id",
					"message": p + " must be a valid identifier",
				})
				return
			}
		}
		c.Next()
	}
}
