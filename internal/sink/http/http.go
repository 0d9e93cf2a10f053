// Package http uploads completed spool files to a remote ingestion endpoint.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/lsm/cdcsink/internal/observability"
	"github.com/lsm/cdcsink/internal/retry"
	"github.com/lsm/cdcsink/internal/sink"
	"github.com/lsm/cdcsink/internal/tracing"
)

const (
	datasourcesPath = "/v0/datasources"
	formField       = "csv"
	maxDiagBody     = 64 << 10
)

// Config holds the configuration for an upload client.
type Config struct {
	Host       string
	Token      string
	Table      string        // overrides the descriptor table when set
	MaxRetries int           // ceiling for server and transport errors
	Unit       time.Duration // backoff time unit, defaults to one second
	RateLimit  float64       // uploads per second, zero disables
	Timeout    time.Duration // per request, defaults to five minutes
}

// Option configures a Client.
type Option func(*Client)

// WithSleep replaces the backoff sleep. It must return early with ctx's error.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics records attempts, outcomes and durations.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTracer sets the tracer used for upload spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) { c.tracer = tracer }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// Client uploads spool files with multipart POSTs and retries per policy.
// It implements sink.Stage.
type Client struct {
	client  *http.Client
	config  Config
	policy  retry.Policy
	limiter *rate.Limiter
	sleep   retry.Sleeper
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	mu    sync.RWMutex
	token string
}

// ImportResponse is the JSON body of a successful upload.
type ImportResponse struct {
	ImportID       string `json:"import_id"`
	InvalidLines   int    `json:"invalid_lines"`
	QuarantineRows int    `json:"quarantine_rows"`
}

// NewClient creates a new upload client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("token is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must not be negative")
	}
	if cfg.Unit <= 0 {
		cfg.Unit = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}

	c := &Client{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		config: cfg,
		policy: retry.DefaultPolicy(cfg.MaxRetries, cfg.Unit),
		sleep:  retry.Sleep,
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("upload"),
		token:  cfg.Token,
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SetToken replaces the bearer token used by subsequent attempts.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Insert uploads the spool file named by d. Attempts are sequential on the
// calling goroutine. The result is Delivered only on an explicit success;
// a cancelled ctx leaves it Pending.
func (c *Client) Insert(ctx context.Context, d sink.Descriptor) sink.Outcome {
	start := time.Now()
	table := c.config.Table
	if table == "" {
		table = d.Table
	}
	logger := c.logger.With("path", d.Path, "table", table)

	ctx, span := tracing.StartSpan(ctx, c.tracer, tracing.SpanUpload,
		trace.WithAttributes(tracing.SpoolPathAttr(d.Path), tracing.TableAttr(table)),
	)
	defer span.End()
	logger = observability.WithTrace(ctx, logger)

	var last result
	loop := retry.Loop{
		Policy: c.policy,
		Sleep:  c.sleep,
		OnRetry: func(class retry.Class, s retry.State, wait time.Duration, err error) {
			logger.Warn("upload attempt failed, retrying",
				"class", class.String(), "attempt", s.Attempt, "status", last.status,
				"wait", wait, "error", err)
		},
	}
	res := loop.Run(ctx, func(ctx context.Context, _ int) (retry.Class, time.Duration, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Aborted, 0, err
			}
		}
		r, err := c.upload(ctx, d.Path, table)
		last = r
		if err != nil && r.local {
			return retry.LocalError, 0, err
		}
		class := retry.Classify(r.status, err)
		c.countAttempt(class)
		return class, retry.ParseRetryAfter(r.retryAfter, time.Now()), err
	})

	outcome := sink.Failed
	switch {
	case res.OK():
		c.logImport(logger, last.body)
		outcome = sink.Delivered
	case res.Exhausted:
		logger.Error("upload failed after retries",
			"attempts", res.State.Attempt, "status", last.status, "body", last.body, "error", res.Err)
		outcome = sink.Exhausted
	case res.Class == retry.Aborted:
		logger.Error("upload abandoned", "attempt", res.State.Attempt, "error", res.Err)
		outcome = sink.Pending
	case res.Class == retry.LocalError:
		logger.Error("cannot read spool file", "error", res.Err)
	default:
		logger.Error("upload rejected", "status", last.status, "body", last.body)
	}
	span.SetAttributes(tracing.OutcomeAttr(outcome.String()), tracing.AttemptsAttr(res.State.Attempt))
	if last.status != 0 {
		span.SetAttributes(tracing.HTTPStatusAttr(last.status))
	}
	if outcome.Delivered() {
		tracing.SetSpanOK(span)
	} else {
		tracing.SetSpanError(span, fmt.Errorf("spool file %s not delivered: %s", d.Path, outcome))
	}
	if c.metrics != nil {
		c.metrics.UploadsTotal.WithLabelValues(outcome.String()).Inc()
		c.metrics.UploadDuration.Observe(time.Since(start).Seconds())
	}
	return outcome
}

// Close releases resources held by the client.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

type result struct {
	status     int
	body       string
	retryAfter string
	local      bool // the error happened before anything was sent
}

func (c *Client) upload(ctx context.Context, path, table string) (result, error) {
	f, err := os.Open(path)
	if err != nil {
		return result{local: true}, fmt.Errorf("open spool file: %w", err)
	}
	defer func() { _ = f.Close() }()

	q := url.Values{}
	q.Set("name", table)
	q.Set("mode", "append")
	endpoint := strings.TrimRight(c.config.Host, "/") + datasourcesPath + "?" + q.Encode()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, f))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		_ = pr.Close()
		return result{local: true}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.bearer())
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		_ = pr.Close()
		return result{}, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxDiagBody))
	return result{
		status:     resp.StatusCode,
		body:       string(body),
		retryAfter: resp.Header.Get("Retry-After"),
	}, nil
}

func writeForm(mw *multipart.Writer, f io.Reader) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, formField, formField))
	h.Set("Content-Type", "text/csv")
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	return mw.Close()
}

func (c *Client) logImport(logger *slog.Logger, body string) {
	var resp ImportResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		logger.Warn("upload accepted with unreadable response", "body", body, "error", err)
		return
	}
	if resp.InvalidLines > 0 || resp.QuarantineRows > 0 {
		logger.Warn("upload accepted with rejected rows",
			"import_id", resp.ImportID,
			"invalid_lines", resp.InvalidLines,
			"quarantine_rows", resp.QuarantineRows,
		)
		return
	}
	logger.Info("upload delivered", "import_id", resp.ImportID)
}

func (c *Client) countAttempt(class retry.Class) {
	if c.metrics != nil {
		c.metrics.UploadAttempts.WithLabelValues(class.String()).Inc()
	}
}
