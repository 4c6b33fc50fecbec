// Package enrich performs single reputation lookups against the AbuseIPDB API.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/j-veylop/repcache/internal/logger"
	"github.com/j-veylop/repcache/internal/metrics"
	"github.com/j-veylop/repcache/internal/models"
)

const (
	EndpointCheck      = "check"
	EndpointCheckBlock = "check-block"
	EndpointReports    = "reports"
	EndpointResolve    = "resolve"

	maxBodySize = 1 << 20
)

// Resolver resolves a hostname to its addresses.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Recorder persists one log row per upstream attempt.
type Recorder interface {
	InsertAPICall(ctx context.Context, call *models.APICall) error
}

// Observer receives the rate-limit state reported by each response.
type Observer interface {
	ObserveUpstream(ctx context.Context, upstream models.UpstreamQuota) error
}

// Config holds configuration for the client.
type Config struct {
	APIKey     string
	BaseURL    string
	UserAgent  string
	Timeout    time.Duration
	MaxAgeDays int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:    "https://api.abuseipdb.com/api/v2",
		UserAgent:  "repcache",
		Timeout:    10 * time.Second,
		MaxAgeDays: 30,
	}
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithResolver overrides the DNS resolver used for domain lookups.
func WithResolver(r Resolver) Option {
	return func(c *Client) { c.resolver = r }
}

// WithRecorder logs every attempt through r.
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithObserver reports upstream rate-limit headers to o.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithMetrics records upstream call counts and latencies.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client performs exactly one upstream request per Lookup. It never retries
// and never consults the quota; callers gate it.
type Client struct {
	http     *http.Client
	resolver Resolver
	recorder Recorder
	observer Observer
	metrics  *metrics.Metrics
	now      func() time.Time
	log      *slog.Logger
	config   Config
}

// New creates a client.
func New(config Config, opts ...Option) *Client {
	defaults := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxAgeDays <= 0 {
		config.MaxAgeDays = defaults.MaxAgeDays
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}

	c := &Client{
		http:     &http.Client{},
		resolver: net.DefaultResolver,
		now:      time.Now,
		log:      logger.Component("enrich"),
		config:   config,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup fetches the reputation record for one subject. The key must already
// be normalized.
func (c *Client) Lookup(ctx context.Context, qt models.QueryType, key string) (*models.Enrichment, error) {
	target, err := c.Prepare(ctx, qt, key)
	if err != nil {
		return nil, err
	}
	return c.Fetch(ctx, qt, key, target)
}

// Prepare returns the target an upstream request for key will check.
// Domains are resolved to an address here; nothing is sent to AbuseIPDB.
func (c *Client) Prepare(ctx context.Context, qt models.QueryType, key string) (string, error) {
	switch qt {
	case models.QueryIP, models.QueryBlock:
		return key, nil
	case models.QueryDomain:
		return c.resolve(ctx, key)
	case models.QueryReports:
		ip, _, err := models.SplitReportsKey(key)
		return ip, err
	default:
		return "", fmt.Errorf("unsupported query type %q", qt)
	}
}

// Fetch makes exactly one AbuseIPDB request for a target returned by Prepare.
func (c *Client) Fetch(ctx context.Context, qt models.QueryType, key, target string) (*models.Enrichment, error) {
	switch qt {
	case models.QueryIP, models.QueryDomain:
		return c.checkAddress(ctx, qt, key, target)
	case models.QueryBlock:
		return c.checkBlock(ctx, target)
	case models.QueryReports:
		_, page, err := models.SplitReportsKey(key)
		if err != nil {
			return nil, err
		}
		return c.reports(ctx, key, target, page)
	default:
		return nil, fmt.Errorf("unsupported query type %q", qt)
	}
}

func (c *Client) checkAddress(ctx context.Context, qt models.QueryType, subject, addr string) (*models.Enrichment, error) {
	params := url.Values{}
	params.Set("ipAddress", addr)
	params.Set("maxAgeInDays", strconv.Itoa(c.config.MaxAgeDays))
	params.Set("verbose", "true")

	var resp checkResponse
	if err := c.get(ctx, EndpointCheck, qt, subject, params, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, &UpstreamError{Kind: KindMalformedResponse, Endpoint: EndpointCheck, StatusCode: http.StatusOK, Detail: "missing data object"}
	}
	return &models.Enrichment{Source: EndpointCheck, Payload: resp.Data.toPayload(qt, subject)}, nil
}

func (c *Client) checkBlock(ctx context.Context, network string) (*models.Enrichment, error) {
	params := url.Values{}
	params.Set("network", network)
	params.Set("maxAgeInDays", strconv.Itoa(c.config.MaxAgeDays))

	var resp blockResponse
	if err := c.get(ctx, EndpointCheckBlock, models.QueryBlock, network, params, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, &UpstreamError{Kind: KindMalformedResponse, Endpoint: EndpointCheckBlock, StatusCode: http.StatusOK, Detail: "missing data object"}
	}
	return &models.Enrichment{Source: EndpointCheckBlock, Payload: resp.Data.toPayload(network)}, nil
}

func (c *Client) reports(ctx context.Context, key, ip string, page int) (*models.Enrichment, error) {
	params := url.Values{}
	params.Set("ipAddress", ip)
	params.Set("maxAgeInDays", strconv.Itoa(c.config.MaxAgeDays))
	params.Set("page", strconv.Itoa(page))

	var resp reportsResponse
	if err := c.get(ctx, EndpointReports, models.QueryReports, key, params, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, &UpstreamError{Kind: KindMalformedResponse, Endpoint: EndpointReports, StatusCode: http.StatusOK, Detail: "missing data object"}
	}
	return &models.Enrichment{Source: EndpointReports, Payload: resp.Data.toPayload(ip)}, nil
}

// resolve maps a domain to one address, preferring IPv4. The attempt is
// logged with the upstream calls so failed resolutions show up in usage.
func (c *Client) resolve(ctx context.Context, domain string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	start := c.now()
	addrs, err := c.resolver.LookupHost(ctx, domain)
	elapsed := c.now().Sub(start)

	call := &models.APICall{
		Timestamp:      start.UTC(),
		RequestID:      uuid.NewString(),
		Endpoint:       EndpointResolve,
		QueryType:      models.QueryDomain,
		Subject:        domain,
		ResponseTimeMs: int(elapsed.Milliseconds()),
	}

	var addr string
	switch {
	case err != nil:
		kind := KindNotFound
		if ctx.Err() != nil {
			kind = transportKind(err)
		}
		err = &UpstreamError{Kind: kind, Endpoint: EndpointResolve, Detail: domain, Err: err}
	case len(addrs) == 0:
		err = &UpstreamError{Kind: KindNotFound, Endpoint: EndpointResolve, Detail: "no addresses for " + domain}
	default:
		addr = pickAddress(addrs)
		call.ResponseStatus = http.StatusOK
	}
	if err != nil {
		call.ErrorKind = string(KindOf(err))
		call.ErrorMessage = err.Error()
	}
	c.record(call, elapsed)
	return addr, err
}

func pickAddress(addrs []string) string {
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return a
		}
	}
	return addrs[0]
}

// get performs one GET against the endpoint and decodes a 2xx body into out.
func (c *Client) get(ctx context.Context, endpoint string, qt models.QueryType, subject string, params url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	start := c.now()
	call := &models.APICall{
		Timestamp:     start.UTC(),
		RequestID:     uuid.NewString(),
		Endpoint:      endpoint,
		QueryType:     qt,
		Subject:       subject,
		RequestParams: encodeParams(params),
	}

	err := c.do(ctx, endpoint, params, call, out)
	elapsed := c.now().Sub(start)
	call.ResponseTimeMs = int(elapsed.Milliseconds())
	if err != nil {
		call.ErrorKind = string(KindOf(err))
		call.ErrorMessage = err.Error()
	}
	c.record(call, elapsed)
	return err
}

func (c *Client) do(ctx context.Context, endpoint string, params url.Values, call *models.APICall, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/"+endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return &UpstreamError{Kind: KindNetwork, Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Key", c.config.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return &UpstreamError{Kind: transportKind(err), Endpoint: endpoint, Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.log.Error("failed to close response body", "error", err)
		}
	}()

	call.ResponseStatus = resp.StatusCode
	upstream, hasQuota := parseRateHeaders(resp.Header, resp.StatusCode, c.now())
	if hasQuota {
		call.RateLimitRemaining = &upstream.Remaining
		if upstream.Limit > 0 {
			call.RateLimitLimit = &upstream.Limit
		}
		c.observe(ctx, upstream)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return &UpstreamError{Kind: transportKind(err), Endpoint: endpoint, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ue := &UpstreamError{
			Kind:       kindForStatus(resp.StatusCode),
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Detail:     errorDetail(body),
		}
		if ue.Kind == KindRateLimited && upstream.RetryAfter > 0 {
			ue.RetryAfter = c.now().Add(upstream.RetryAfter)
		} else if ue.Kind == KindRateLimited && !upstream.ResetAt.IsZero() {
			ue.RetryAfter = upstream.ResetAt
		}
		return ue
	}

	if err := sonic.Unmarshal(body, out); err != nil {
		return &UpstreamError{Kind: KindMalformedResponse, Endpoint: endpoint, StatusCode: resp.StatusCode, Err: err}
	}
	return nil
}

// observe forwards rate-limit state. It runs detached from the request
// deadline so a slow body read cannot drop a 429.
func (c *Client) observe(ctx context.Context, upstream models.UpstreamQuota) {
	if c.observer == nil {
		return
	}
	if err := c.observer.ObserveUpstream(context.WithoutCancel(ctx), upstream); err != nil {
		c.log.Warn("failed to reconcile quota", "error", err)
	}
}

func (c *Client) record(call *models.APICall, elapsed time.Duration) {
	result := "ok"
	if call.ErrorKind != "" {
		result = call.ErrorKind
	}
	c.metrics.RecordUpstreamCall(call.Endpoint, result, elapsed)

	if call.ErrorKind != "" {
		c.log.Warn("upstream call failed",
			"endpoint", call.Endpoint,
			"subject", call.Subject,
			"kind", call.ErrorKind,
			"status", call.ResponseStatus,
		)
	} else {
		c.log.Debug("upstream call",
			"endpoint", call.Endpoint,
			"subject", call.Subject,
			"status", call.ResponseStatus,
			"duration_ms", call.ResponseTimeMs,
		)
	}

	if c.recorder == nil {
		return
	}
	// Logging must never fail the lookup it describes.
	if err := c.recorder.InsertAPICall(context.Background(), call); err != nil {
		c.log.Error("failed to record api call", "error", err, "request_id", call.RequestID)
	}
}

// parseRateHeaders extracts rate-limit state. ok is false when the response
// carries no usable rate-limit information.
func parseRateHeaders(h http.Header, status int, now time.Time) (models.UpstreamQuota, bool) {
	var q models.UpstreamQuota
	remaining, errRemaining := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	if errRemaining == nil {
		q.Remaining = max(remaining, 0)
	}
	if limit, err := strconv.Atoi(h.Get("X-RateLimit-Limit")); err == nil {
		q.Limit = limit
	}
	if reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil && reset > 0 {
		q.ResetAt = time.Unix(reset, 0).UTC()
	}
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			q.RetryAfter = time.Duration(secs) * time.Second
		} else if at, err := http.ParseTime(v); err == nil && at.After(now) {
			q.RetryAfter = at.Sub(now)
		}
	}
	if status == http.StatusTooManyRequests {
		q.Exhausted = true
		q.Remaining = 0
		return q, true
	}
	return q, errRemaining == nil
}

func errorDetail(body []byte) string {
	var er errorResponse
	if err := sonic.Unmarshal(body, &er); err == nil {
		if d := er.detail(); d != "" {
			return d
		}
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}

func encodeParams(params url.Values) string {
	flat := make(map[string]string, len(params))
	for k := range params {
		flat[k] = params.Get(k)
	}
	s, err := sonic.ConfigStd.MarshalToString(flat)
	if err != nil {
		return ""
	}
	return s
}

func transportKind(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}
