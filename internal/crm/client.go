// Package crm is the rate-limited, retrying transport to the remote CRM.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/and161185/memsync/internal/cache"
	"github.com/and161185/memsync/internal/errs"
	"github.com/and161185/memsync/internal/limiter"
)

// Config holds transport settings.
type Config struct {
	BaseURL         string
	SubscriptionKey string
	AccessToken     string
	Timeout         time.Duration // per attempt
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	MaxRetryAfter   time.Duration // cap for remote-supplied Retry-After
}

// Client talks to the CRM. Every outbound call takes one unit of the shared
// budget, including retries.
type Client struct {
	cfg    Config
	hc     *http.Client
	budget limiter.Budget
	cache  *cache.Cache
	log    *zap.Logger

	tracer   trace.Tracer
	requests metric.Int64Counter
	retries  metric.Int64Counter
}

// New constructs a Client.
func New(cfg Config, hc *http.Client, budget limiter.Budget, c *cache.Cache, log *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("crm: base url is required")
	}
	if hc == nil {
		hc = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.MaxRetryAfter <= 0 {
		cfg.MaxRetryAfter = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	if c == nil {
		c = cache.New(16, 10*time.Minute)
	}

	meter := otel.Meter("memsync/crm")
	requests, err := meter.Int64Counter("crm.requests", metric.WithDescription("outbound CRM requests"))
	if err != nil {
		return nil, fmt.Errorf("crm: requests counter: %w", err)
	}
	retries, err := meter.Int64Counter("crm.retries", metric.WithDescription("retried CRM requests"))
	if err != nil {
		return nil, fmt.Errorf("crm: retries counter: %w", err)
	}

	return &Client{
		cfg:      cfg,
		hc:       hc,
		budget:   budget,
		cache:    c,
		log:      log.With(zap.String("component", "crm")),
		tracer:   otel.Tracer("memsync/crm"),
		requests: requests,
		retries:  retries,
	}, nil
}

// call issues one logical operation with retries. in and out may be nil.
func (c *Client) call(ctx context.Context, op, method, path string, in, out any) error {
	ctx, span := c.tracer.Start(ctx, "crm."+op,
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("crm.path", path),
		),
	)
	defer span.End()

	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &errs.SyncError{Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
		body = b
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.MaxInterval = c.cfg.MaxBackoff

	var (
		attempt int
		last    *errs.SyncError
	)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			c.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
		}
		if c.budget != nil {
			if err := c.budget.Wait(ctx); err != nil {
				return struct{}{}, backoff.Permanent(err)
			}
		}
		c.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))

		serr, retryAfter := c.attempt(ctx, op, method, path, body, out)
		if serr == nil {
			return struct{}{}, nil
		}
		last = serr
		if !serr.Transient {
			return struct{}{}, backoff.Permanent(serr)
		}
		if retryAfter >= 0 {
			return struct{}{}, backoff.RetryAfter(int(retryAfter / time.Second))
		}
		return struct{}{}, serr
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(c.maxElapsed()),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Warn("crm call failed, retrying",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("next", next),
				zap.Error(err),
			)
		}),
	)
	span.SetAttributes(attribute.Int("crm.attempts", attempt))
	if err == nil {
		return nil
	}

	var se *errs.SyncError
	switch {
	case errors.As(err, &se):
	case last != nil && ctx.Err() == nil:
		se = last
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.RecordError(se)
	span.SetStatus(codes.Error, se.Error())
	return se
}

// maxElapsed bounds a whole logical call so MaxAttempts is the only limit
// in practice.
func (c *Client) maxElapsed() time.Duration {
	per := c.cfg.Timeout + c.cfg.MaxBackoff
	if c.cfg.MaxRetryAfter > c.cfg.MaxBackoff {
		per = c.cfg.Timeout + c.cfg.MaxRetryAfter
	}
	return time.Duration(c.cfg.MaxAttempts) * per
}

// attempt performs one HTTP exchange. retryAfter is negative when the
// response carried no usable Retry-After header.
func (c *Client) attempt(ctx context.Context, op, method, path string, body []byte, out any) (*errs.SyncError, time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, rd)
	if err != nil {
		return &errs.SyncError{Op: op, Err: fmt.Errorf("build request: %w", err)}, -1
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.SubscriptionKey != "" {
		req.Header.Set("Subscription-Key", c.cfg.SubscriptionKey)
	}
	if c.cfg.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return &errs.SyncError{Op: op, Transient: true, Err: err}, -1
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return &errs.SyncError{Op: op, Status: resp.StatusCode, Transient: true, Err: fmt.Errorf("read body: %w", err)}, -1
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || len(bytes.TrimSpace(payload)) == 0 {
			return nil, -1
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return &errs.SyncError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("malformed response: %w", err)}, -1
		}
		return nil, -1
	case resp.StatusCode == http.StatusTooManyRequests:
		return &errs.SyncError{Op: op, Status: resp.StatusCode, Transient: true, Err: remoteMessage(payload)},
			c.retryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 500:
		return &errs.SyncError{Op: op, Status: resp.StatusCode, Transient: true, Err: remoteMessage(payload)},
			c.retryAfter(resp.Header.Get("Retry-After"))
	default:
		return &errs.SyncError{Op: op, Status: resp.StatusCode, Err: remoteMessage(payload)}, -1
	}
}

// retryAfter parses delta-seconds or an HTTP date, capped at MaxRetryAfter.
func (c *Client) retryAfter(h string) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return -1
	}
	var d time.Duration
	if secs, err := strconv.Atoi(h); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(h); err == nil {
		d = time.Until(at)
	} else {
		return -1
	}
	if d < 0 {
		d = 0
	}
	if d > c.cfg.MaxRetryAfter {
		d = c.cfg.MaxRetryAfter
	}
	return d
}

func remoteMessage(payload []byte) error {
	var e struct {
		Message string `json:"message"`
		Title   string `json:"title"`
	}
	if json.Unmarshal(payload, &e) == nil {
		if e.Message != "" {
			return errors.New(e.Message)
		}
		if e.Title != "" {
			return errors.New(e.Title)
		}
	}
	s := strings.TrimSpace(string(payload))
	if len(s) > 256 {
		s = s[:256]
	}
	if s == "" {
		s = "empty response"
	}
	return errors.New(s)
}

func query(kv ...string) string {
	v := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			v.Set(kv[i], kv[i+1])
		}
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}
