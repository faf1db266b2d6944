package proxy

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
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/cache"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/config"
	domainoauth "github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/domain/oauth"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/metrics"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/telemetry"
)

const (
	cachePrefix     = "proxy:"
	maxResponseSize = 10 << 20
	probePath       = "/produtos"
)

// TokenSource supplies upstream bearer tokens.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, provider string) (string, error)
	ForceRefresh(ctx context.Context, provider, staleToken string) (string, error)
}

// Request is one call the application wants made against the upstream API.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte
	Caller string

	// NoCache skips the response cache in both directions.
	NoCache bool
}

// Response is the upstream reply, possibly served from cache.
type Response struct {
	StatusCode  int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
	Cached      bool   `json:"-"`
}

// Stats are cumulative proxy counters.
type Stats struct {
	Requests    int64   `json:"requests"`
	Successes   int64   `json:"successes"`
	Failures    int64   `json:"failures"`
	CacheHits   int64   `json:"cache_hits"`
	Forbidden   int64   `json:"forbidden"`
	RateLimited int64   `json:"rate_limited"`
	Retries     int64   `json:"retries"`
	AuthRetries int64   `json:"auth_retries"`
	SuccessRate float64 `json:"success_rate"`
}

// Options configure a Gateway.
type Options struct {
	Provider        string
	BaseURL         string
	AllowedPaths    []string
	RateLimit       int
	RateWindow      time.Duration
	MaxRetries      int
	RetryInitial    time.Duration
	CacheTTLs       map[string]time.Duration
	DefaultCacheTTL time.Duration
	Now             func() time.Time
}

// OptionsFromConfig maps runtime configuration onto gateway options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Provider:        cfg.OAuthProvider,
		BaseURL:         cfg.UpstreamBaseURL,
		AllowedPaths:    cfg.ProxyAllowedPaths,
		RateLimit:       cfg.ProxyRateLimit,
		RateWindow:      cfg.ProxyRateWindow,
		MaxRetries:      cfg.ProxyMaxRetries,
		RetryInitial:    cfg.ProxyRetryInitial,
		CacheTTLs:       cfg.ProxyCacheTTLs,
		DefaultCacheTTL: cfg.ProxyDefaultCacheTTL,
	}
}

type counters struct {
	requests    atomic.Int64
	successes   atomic.Int64
	failures    atomic.Int64
	cacheHits   atomic.Int64
	forbidden   atomic.Int64
	rateLimited atomic.Int64
	retries     atomic.Int64
	authRetries atomic.Int64
}

// Gateway forwards whitelisted calls to the upstream API with a valid bearer
// token, caching reads and limiting each caller's outbound rate.
type Gateway struct {
	opts      Options
	whitelist Whitelist
	tokens    TokenSource
	client    *http.Client
	responses *cache.Cache
	limiter   *SlidingWindow
	metrics   *metrics.Metrics
	logger    *zap.Logger
	stats     counters
}

// New wires a Gateway. responses may be shared with the admin cache routes.
func New(tokens TokenSource, responses *cache.Cache, client *http.Client, opts Options, m *metrics.Metrics, logger *zap.Logger) *Gateway {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if responses == nil {
		responses = cache.New()
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 200 * time.Millisecond
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	g := &Gateway{
		opts:      opts,
		whitelist: NewWhitelist(opts.AllowedPaths),
		tokens:    tokens,
		client:    client,
		responses: responses,
		limiter:   NewSlidingWindow(opts.RateLimit, opts.RateWindow, opts.Now),
		metrics:   m,
		logger:    logger,
	}
	g.log().Info("proxy configured",
		zap.String("provider", opts.Provider),
		zap.String("upstream", opts.BaseURL),
		zap.Strings("allowed_paths", g.whitelist.Prefixes()),
		zap.Int("rate_limit", opts.RateLimit),
		zap.Duration("rate_window", opts.RateWindow),
	)
	return g
}

func (g *Gateway) log() *zap.Logger {
	if g.logger != nil {
		return g.logger
	}
	return zap.L()
}

// CacheStats reports the response cache counters.
func (g *Gateway) CacheStats() cache.Stats {
	return g.responses.Stats()
}

// InvalidateCache drops cached responses whose path starts with prefix. An
// empty prefix clears everything.
func (g *Gateway) InvalidateCache(prefix string) int {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return g.responses.Clear()
	}
	return g.responses.DeletePrefix(cachePrefix + "/" + strings.TrimLeft(prefix, "/"))
}

// Stats returns a snapshot of the counters.
func (g *Gateway) Stats() Stats {
	s := Stats{
		Requests:    g.stats.requests.Load(),
		Successes:   g.stats.successes.Load(),
		Failures:    g.stats.failures.Load(),
		CacheHits:   g.stats.cacheHits.Load(),
		Forbidden:   g.stats.forbidden.Load(),
		RateLimited: g.stats.rateLimited.Load(),
		Retries:     g.stats.retries.Load(),
		AuthRetries: g.stats.authRetries.Load(),
	}
	if done := s.Successes + s.Failures; done > 0 {
		s.SuccessRate = float64(s.Successes) / float64(done)
	}
	return s
}

// Probe checks that the upstream answers with the current credential.
func (g *Gateway) Probe(ctx context.Context) error {
	resp, err := g.Do(ctx, Request{
		Method:  http.MethodGet,
		Path:    probePath,
		Query:   url.Values{"limit": {"1"}},
		Caller:  "health-probe",
		NoCache: true,
	})
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: probe status %d", domainoauth.ErrUpstreamUnavailable, resp.StatusCode)
	}
	return nil
}

// Do performs req. Upstream 4xx replies other than 401 are returned as a
// Response, not an error.
func (g *Gateway) Do(ctx context.Context, req Request) (resp *Response, err error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	ctx, span := telemetry.Tracer().Start(ctx, "proxy.request")
	span.SetAttributes(
		attribute.String("http.request.method", method),
		attribute.String("proxy.caller", req.Caller),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Int("http.response.status_code", resp.StatusCode),
				attribute.Bool("proxy.cached", resp.Cached),
			)
		}
		span.End()
	}()

	g.stats.requests.Add(1)
	if !allowedMethod(method) {
		g.stats.failures.Add(1)
		return nil, fmt.Errorf("%w: method %s", domainoauth.ErrInvalidRequest, method)
	}

	clean, err := g.whitelist.Normalize(req.Path)
	if err != nil {
		g.stats.forbidden.Add(1)
		g.log().Warn("proxy path rejected",
			zap.String("event", "security"),
			zap.String("caller", req.Caller),
			zap.String("method", method),
			zap.String("path", truncate(req.Path, 256)),
		)
		return nil, err
	}
	span.SetAttributes(attribute.String("proxy.path", clean))

	mutating := method != http.MethodGet && method != http.MethodHead
	key := cacheKey(clean, req.Query)
	ttl := g.ttlFor(clean)
	useCache := !mutating && !req.NoCache && ttl > 0

	if useCache {
		if raw, ok := g.responses.Get(key); ok {
			var cached Response
			if err := json.Unmarshal(raw, &cached); err == nil {
				cached.Cached = true
				g.stats.cacheHits.Add(1)
				g.stats.successes.Add(1)
				g.metrics.CacheObserved(true)
				return &cached, nil
			}
			g.responses.Delete(key)
		}
		g.metrics.CacheObserved(false)
	}

	caller := req.Caller
	if caller == "" {
		caller = "anonymous"
	}
	if ok, retryAfter := g.limiter.Allow(caller); !ok {
		g.stats.rateLimited.Add(1)
		g.metrics.RateLimitedObserved()
		g.log().Warn("proxy rate limit exceeded",
			zap.String("caller", caller),
			zap.Duration("retry_after", retryAfter),
		)
		return nil, &domainoauth.RateLimitedError{Caller: caller, RetryAfter: retryAfter}
	}

	resp, err = g.forward(ctx, method, clean, req)
	if err != nil {
		g.stats.failures.Add(1)
		g.metrics.ProxyObserved(method, "error")
		return nil, err
	}
	g.metrics.ProxyObserved(method, statusClass(resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		g.stats.successes.Add(1)
		switch {
		case useCache:
			if raw, err := json.Marshal(resp); err == nil {
				g.responses.Set(key, raw, ttl)
			}
		case mutating:
			g.responses.DeletePrefix(cachePrefix + firstSegment(clean))
		}
	} else {
		g.stats.failures.Add(1)
	}
	return resp, nil
}

// forward sends the call with a bearer token, refreshing once on 401.
func (g *Gateway) forward(ctx context.Context, method, clean string, req Request) (*Response, error) {
	token, err := g.tokens.GetValidAccessToken(ctx, g.opts.Provider)
	if err != nil {
		return nil, err
	}
	target := g.opts.BaseURL + clean
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	resp, err := g.sendWithRetry(ctx, method, target, req.Body, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	g.stats.authRetries.Add(1)
	g.log().Warn("upstream rejected token, forcing refresh",
		zap.String("provider", g.opts.Provider),
		zap.String("path", clean),
	)
	token, err = g.tokens.ForceRefresh(ctx, g.opts.Provider, token)
	if err != nil {
		return nil, err
	}
	resp, err = g.sendWithRetry(ctx, method, target, req.Body, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		g.log().Error("upstream rejected refreshed token",
			zap.String("provider", g.opts.Provider),
			zap.String("path", clean),
		)
		return nil, domainoauth.ErrUpstreamAuth
	}
	return resp, nil
}

type retryableStatus struct {
	resp *Response
}

func (e *retryableStatus) Error() string {
	return "upstream status " + strconv.Itoa(e.resp.StatusCode)
}

func (g *Gateway) sendWithRetry(ctx context.Context, method, target string, body []byte, token string) (*Response, error) {
	idempotent := method != http.MethodPost && method != http.MethodPatch

	operation := func() (*Response, error) {
		resp, err := g.send(ctx, method, target, body, token)
		if err != nil {
			if ctx.Err() != nil || !idempotent {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if retryable(resp.StatusCode, idempotent) {
			return nil, &retryableStatus{resp: resp}
		}
		return resp, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = g.opts.RetryInitial
	policy.MaxInterval = 5 * time.Second

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(g.opts.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			g.stats.retries.Add(1)
			g.log().Warn("upstream call failed, retrying",
				zap.String("method", method),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)
	if err == nil {
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: status %d", domainoauth.ErrUpstreamUnavailable, resp.StatusCode)
		}
		return resp, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	var status *retryableStatus
	if errors.As(err, &status) {
		return nil, fmt.Errorf("%w: status %d", domainoauth.ErrUpstreamUnavailable, status.resp.StatusCode)
	}
	return nil, fmt.Errorf("%w: %w", domainoauth.ErrUpstreamUnavailable, err)
}

func (g *Gateway) send(ctx context.Context, method, target string, body []byte, token string) (*Response, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")
	if reader != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer httpResp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	return &Response{
		StatusCode:  httpResp.StatusCode,
		ContentType: httpResp.Header.Get("Content-Type"),
		Body:        payload,
	}, nil
}

// ttlFor picks the TTL of the longest configured prefix matching clean.
func (g *Gateway) ttlFor(clean string) time.Duration {
	best := -1
	ttl := g.opts.DefaultCacheTTL
	for prefix, d := range g.opts.CacheTTLs {
		if (clean == prefix || strings.HasPrefix(clean, prefix+"/")) && len(prefix) > best {
			best = len(prefix)
			ttl = d
		}
	}
	return ttl
}

func cacheKey(clean string, query url.Values) string {
	if len(query) == 0 {
		return cachePrefix + clean
	}
	return cachePrefix + clean + "?" + query.Encode()
}

func retryable(status int, idempotent bool) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return idempotent && status >= 500
}

func allowedMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
