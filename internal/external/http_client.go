package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/creditsaga/internal/apperr"
	"github.com/mbd888/creditsaga/internal/circuitbreaker"
	"github.com/mbd888/creditsaga/internal/retry"
)

const (
	// DefaultTimeout bounds every collaborator call.
	DefaultTimeout = 5 * time.Second

	maxResponseSize = 1 << 20

	readAttempts  = 3
	readBaseDelay = 100 * time.Millisecond
)

// rejections maps 4xx responses to domain errors for one call.
type rejections struct {
	notFound error
	rejected error // 400, 409, 422
}

// httpClient is the shared JSON transport for every collaborator.
type httpClient struct {
	name    string
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

func newHTTPClient(name, baseURL string, timeout time.Duration, breaker *circuitbreaker.Breaker) *httpClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &httpClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

// NewBreaker returns a circuit breaker that only counts collaborator outages,
// not business rejections such as insufficient stock.
func NewBreaker(opts ...circuitbreaker.Option) *circuitbreaker.Breaker {
	countOutages := circuitbreaker.WithCountable(func(err error) bool {
		return apperr.Is(err, apperr.KindExternal)
	})
	return circuitbreaker.New(append([]circuitbreaker.Option{countOutages}, opts...)...)
}

// get is retried with backoff; reads are idempotent.
func (c *httpClient) get(ctx context.Context, path string, rej rejections, out any) error {
	return retry.Do(ctx, readAttempts, readBaseDelay, func() error {
		err := c.call(ctx, http.MethodGet, path, nil, rej, out)
		if err != nil && !apperr.Is(err, apperr.KindExternal) {
			return retry.Permanent(err)
		}
		return err
	})
}

// send is never retried; stock and shipment mutations are not idempotent.
func (c *httpClient) send(ctx context.Context, method, path string, body any, rej rejections, out any) error {
	return c.call(ctx, method, path, body, rej, out)
}

func (c *httpClient) call(ctx context.Context, method, path string, body any, rej rejections, out any) error {
	call := func() error { return c.roundTrip(ctx, method, path, body, rej, out) }
	if c.breaker == nil {
		return call()
	}
	err := c.breaker.Execute(c.name, call)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %s circuit open", ErrUnavailable, c.name)
	}
	return err
}

func (c *httpClient) roundTrip(ctx context.Context, method, path string, body any, rej rejections, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", c.name, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", c.name, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, c.name, method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: read %s response: %v", ErrUnavailable, c.name, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%w: decode %s response: %v", ErrUnavailable, c.name, err)
		}
		return nil
	case resp.StatusCode == http.StatusNotFound && rej.notFound != nil:
		return fmt.Errorf("%w: %s", rej.notFound, remoteMessage(raw))
	case isRejection(resp.StatusCode) && rej.rejected != nil:
		return fmt.Errorf("%w: %s", rej.rejected, remoteMessage(raw))
	default:
		return fmt.Errorf("%w: %s returned %d: %s", ErrUnavailable, c.name, resp.StatusCode, remoteMessage(raw))
	}
}

func isRejection(code int) bool {
	return code == http.StatusBadRequest || code == http.StatusConflict || code == http.StatusUnprocessableEntity
}

// remoteMessage pulls a human-readable message out of an error body.
func remoteMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
