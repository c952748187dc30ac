package lms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hapiai/lmslink/internal/core"
	"github.com/hapiai/lmslink/internal/core/cache"
	"github.com/hapiai/lmslink/internal/core/engine"
)

const (
	apiPrefix       = "/api/v1"
	maxBodyBytes    = 16 << 20
	defaultPerPage  = 50
	defaultMaxPages = 10
)

// TokenSource supplies bearer tokens. credential.Manager satisfies it.
type TokenSource interface {
	GetToken(ctx context.Context) (*core.Token, error)
	Refresh(ctx context.Context) (*core.Token, error)
}

// Config wires a Client to its collaborators.
type Config struct {
	BaseURL     string
	HTTPClient  *http.Client
	Limiter     *engine.Limiter
	Cache       *cache.Cache
	Tokens      TokenSource
	RateStore   engine.RateLimitStore
	PerPage     int
	MaxPages    int
	ToolVersion string
	Observer    core.Observer
}

// Request describes one API call. Endpoint is a path below /api/v1 or an
// absolute URL on the configured instance.
type Request struct {
	Method    string
	Endpoint  string
	Query     url.Values
	Body      any
	Priority  core.Priority
	Cacheable bool
	TTL       time.Duration
}

// Response is a successful API response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FromCache  bool
}

// NextLink returns the rel="next" pagination target, if any.
func (r *Response) NextLink() string {
	if r == nil {
		return ""
	}
	return core.NextLink(r.Header)
}

// Client performs rate-limited, cached, authenticated calls against one LMS
// instance.
type Client struct {
	cfg     Config
	baseURL *url.URL
	flight  singleflight.Group
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, fmt.Errorf("lms client requires a base url")
	}
	base, err := url.Parse(raw)
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("invalid lms base url %q", cfg.BaseURL)
	}
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("lms client requires a rate limiter")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("lms client requires a token source")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.PerPage <= 0 {
		cfg.PerPage = defaultPerPage
	}
	// defaultMaxPages is a ceiling as well as a default.
	if cfg.MaxPages <= 0 || cfg.MaxPages > defaultMaxPages {
		cfg.MaxPages = defaultMaxPages
	}
	if cfg.Observer == nil {
		cfg.Observer = core.NopObserver{}
	}
	return &Client{cfg: cfg, baseURL: base}, nil
}

// Host returns the instance host, which keys persisted rate budgets.
func (c *Client) Host() string {
	return c.baseURL.Host
}

// Limiter exposes the limiter for status reporting.
func (c *Client) Limiter() *engine.Limiter {
	return c.cfg.Limiter
}

// Cache exposes the response cache; it may be nil.
func (c *Client) Cache() *cache.Cache {
	return c.cfg.Cache
}

// RestoreRateBudget loads the persisted budget for this instance.
func (c *Client) RestoreRateBudget(ctx context.Context) error {
	return c.cfg.Limiter.RestoreFrom(ctx, c.cfg.RateStore, c.Host())
}

// PersistRateBudget saves the current budget for this instance.
func (c *Client) PersistRateBudget(ctx context.Context) error {
	return c.cfg.Limiter.PersistTo(ctx, c.cfg.RateStore, c.Host())
}

// Request runs req. Cacheable GETs are answered from the cache when fresh and
// concurrent identical misses share one network call.
func (c *Client) Request(ctx context.Context, req Request) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req.Method = strings.ToUpper(strings.TrimSpace(req.Method))
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if strings.TrimSpace(req.Endpoint) == "" {
		return nil, core.NewError(core.KindValidation, "endpoint is required", nil)
	}
	if !req.Priority.Valid() {
		req.Priority = core.PriorityNormal
	}

	target, err := c.resolve(req.Endpoint, req.Query)
	if err != nil {
		return nil, err
	}

	cacheable := req.Cacheable && req.Method == http.MethodGet && c.cfg.Cache != nil
	if !cacheable {
		return c.fetch(ctx, req, target)
	}

	key := c.cacheKey(req.Endpoint, req.Query)
	if body, ok := c.cfg.Cache.Get(ctx, key); ok {
		return &Response{StatusCode: http.StatusOK, Body: body, FromCache: true}, nil
	}

	// The shared fetch outlives any single caller; each caller stops
	// waiting when its own ctx ends.
	shared := context.WithoutCancel(ctx)
	results := c.flight.DoChan(key, func() (any, error) {
		resp, err := c.fetch(shared, req, target)
		if err != nil {
			return nil, err
		}
		c.cfg.Cache.Set(shared, key, resp.Body, req.TTL)
		return resp, nil
	})

	select {
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Response), nil
	case <-ctx.Done():
		return nil, core.ClassifyTransportError(ctx.Err())
	}
}

// Invalidate drops cached responses for a key or wildcard pattern.
func (c *Client) Invalidate(ctx context.Context, keyOrPattern string) int {
	return c.cfg.Cache.Invalidate(ctx, keyOrPattern)
}

func (c *Client) fetch(ctx context.Context, req Request, target string) (*Response, error) {
	resp, err := c.submit(ctx, req, target)
	if err == nil || !core.IsKind(err, core.KindAuthentication) {
		return resp, err
	}

	if _, refreshErr := c.cfg.Tokens.Refresh(ctx); refreshErr != nil {
		return nil, err
	}
	return c.submit(ctx, req, target)
}

func (c *Client) submit(ctx context.Context, req Request, target string) (*Response, error) {
	return engine.Submit(ctx, c.cfg.Limiter, req.Priority, func(ctx context.Context) (*Response, error) {
		return c.do(ctx, req, target)
	})
}

func (c *Client) do(ctx context.Context, req Request, target string) (*Response, error) {
	token, err := c.cfg.Tokens.GetToken(ctx)
	if err != nil {
		return nil, core.AsAPIError(err)
	}
	if token == nil || token.Value == "" {
		return nil, core.NewError(core.KindAuthentication, "no valid credential, authorization required", nil)
	}

	var body io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return nil, core.NewError(core.KindValidation, "encode request body", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, core.NewError(core.KindInternal, "build request", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token.Value)
	httpReq.Header.Set("User-Agent", "lmslink/"+c.toolVersion())
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, core.ClassifyTransportError(err)
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	c.cfg.Limiter.ParseRateHeaders(resp.Header)

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, core.NewError(core.KindNetwork, "read response body", err)
	}
	if apiErr := core.ClassifyResponse(resp, payload); apiErr != nil {
		return nil, apiErr
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       payload,
	}, nil
}

// resolve builds the absolute URL for endpoint. Absolute URLs must point at
// the configured instance host with the configured scheme.
func (c *Client) resolve(endpoint string, query url.Values) (string, error) {
	endpoint = strings.TrimSpace(endpoint)

	var target *url.URL
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return "", core.NewError(core.KindValidation, "invalid endpoint url", err)
		}
		if !strings.EqualFold(parsed.Host, c.baseURL.Host) {
			return "", core.NewError(core.KindValidation, fmt.Sprintf("refusing to send credentials to foreign host %q", parsed.Host), nil)
		}
		if !strings.EqualFold(parsed.Scheme, c.baseURL.Scheme) {
			return "", core.NewError(core.KindValidation, fmt.Sprintf("refusing to send credentials over %s to an %s instance", parsed.Scheme, c.baseURL.Scheme), nil)
		}
		target = parsed
	} else {
		path := endpoint
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		if !strings.HasPrefix(path, apiPrefix+"/") {
			path = apiPrefix + path
		}
		rel, err := url.Parse(path)
		if err != nil {
			return "", core.NewError(core.KindValidation, "invalid endpoint", err)
		}
		target = c.baseURL.ResolveReference(rel)
		if c.baseURL.Path != "" {
			target.Path = strings.TrimRight(c.baseURL.Path, "/") + rel.Path
		}
	}

	if len(query) > 0 {
		merged := target.Query()
		for name, values := range query {
			merged[name] = append([]string(nil), values...)
		}
		target.RawQuery = merged.Encode()
	}
	return target.String(), nil
}

func (c *Client) cacheKey(endpoint string, query url.Values) string {
	endpoint = strings.TrimSpace(endpoint)
	if parsed, err := url.Parse(endpoint); err == nil && parsed.Host != "" {
		merged := parsed.Query()
		for name, values := range query {
			merged[name] = values
		}
		return cache.GenerateKey(strings.TrimPrefix(parsed.Path, apiPrefix), merged)
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return cache.GenerateKey(strings.TrimPrefix(endpoint, apiPrefix), query)
}

func (c *Client) toolVersion() string {
	if strings.TrimSpace(c.cfg.ToolVersion) == "" {
		return "dev"
	}
	return strings.TrimSpace(c.cfg.ToolVersion)
}
