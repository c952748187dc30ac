package lms

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hapiai/lmslink/internal/core"
	"github.com/hapiai/lmslink/internal/core/cache"
	"github.com/hapiai/lmslink/internal/core/engine"
)

type fakeTokens struct {
	mu        sync.Mutex
	current   string
	next      string
	refreshes int
	failNext  bool
}

func (f *fakeTokens) GetToken(context.Context) (*core.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == "" {
		return nil, nil
	}
	return &core.Token{Value: f.current}, nil
}

func (f *fakeTokens) Refresh(context.Context) (*core.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.failNext || f.next == "" {
		return nil, core.NewError(core.KindAuthentication, "refresh failed", nil)
	}
	f.current = f.next
	return &core.Token{Value: f.current}, nil
}

type memoryRateStore struct {
	mu     sync.Mutex
	states map[string]*core.RateLimitState
}

func (m *memoryRateStore) GetRateLimit(_ context.Context, endpoint string) (*core.RateLimitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[endpoint], nil
}

func (m *memoryRateStore) UpdateRateLimit(_ context.Context, endpoint string, state *core.RateLimitState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states == nil {
		m.states = make(map[string]*core.RateLimitState)
	}
	copied := *state
	m.states[endpoint] = &copied
	return nil
}

type clientHarness struct {
	server *httptest.Server
	client *Client
	tokens *fakeTokens
	slept  []time.Duration
	mu     sync.Mutex
}

func newClientHarness(t *testing.T, handler http.HandlerFunc, opts ...func(*Config)) *clientHarness {
	t.Helper()
	h := &clientHarness{tokens: &fakeTokens{current: "good-token"}}
	h.server = httptest.NewServer(handler)
	t.Cleanup(h.server.Close)

	limiterCfg := engine.DefaultLimiterConfig
	limiterCfg.Random = func() float64 { return 0.5 }
	limiterCfg.Sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.slept = append(h.slept, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	limiter := engine.NewLimiter(limiterCfg)
	t.Cleanup(func() { _ = limiter.Close() })

	cfg := Config{
		BaseURL:    h.server.URL,
		HTTPClient: h.server.Client(),
		Limiter:    limiter,
		Cache:      cache.New(cache.Config{}),
		Tokens:     h.tokens,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	client, err := New(cfg)
	require.NoError(t, err)
	h.client = client
	return h
}

func TestClientCachedGetHitsNetworkOnce(t *testing.T) {
	var hits atomic.Int32
	h := newClientHarness(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.Equal(t, "/api/v1/courses", r.URL.Path)
		require.Equal(t, "Bearer good-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[{"id":1,"name":"Biology"}]`))
	})
	ctx := context.Background()

	first, err := h.client.Request(ctx, Request{Endpoint: "/courses", Cacheable: true})
	require.NoError(t, err)
	require.False(t, first.FromCache)

	second, err := h.client.Request(ctx, Request{Endpoint: "/courses", Cacheable: true})
	require.NoError(t, err)
	require.True(t, second.FromCache)
	require.Equal(t, first.Body, second.Body)
	require.EqualValues(t, 1, hits.Load())

	require.Equal(t, 1, h.client.Invalidate(ctx, "/courses"))
	_, err = h.client.Request(ctx, Request{Endpoint: "/courses", Cacheable: true})
	require.NoError(t, err)
	require.EqualValues(t, 2, hits.Load())
}

func TestClientNonCacheableAlwaysFetches(t *testing.T) {
	var hits atomic.Int32
	h := newClientHarness(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{}`))
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.client.Request(ctx, Request{Method: http.MethodPost, Endpoint: "/courses/1/assignments", Body: map[string]string{"name": "x"}, Cacheable: true})
		require.NoError(t, err)
	}
	require.EqualValues(t, 2, hits.Load())
}

func TestClientRefreshesOnceOnAuthenticationError(t *testing.T) {
	var hits atomic.Int32
	h := newClientHarness(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"errors":[{"message":"Invalid access token."}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":7,"name":"Ada"}`))
	})
	h.tokens.current = "expired-token"
	h.tokens.next = "fresh-token"

	user, err := h.client.GetSelf(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Ada", user.Name)
	require.EqualValues(t, 2, hits.Load())
	require.Equal(t, 1, h.tokens.refreshes)
}

func TestClientSurfacesAuthenticationAfterOneRetry(t *testing.T) {
	var hits atomic.Int32
	h := newClientHarness(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	h.tokens.next = "still-rejected"

	_, err := h.client.Request(context.Background(), Request{Endpoint: "/users/self"})
	require.Error(t, err)
	require.True(t, core.IsKind(err, core.KindAuthentication))
	require.EqualValues(t, 2, hits.Load())
	require.Equal(t, 1, h.tokens.refreshes)
}

func TestClientWithoutCredentialFailsWithoutNetwork(t *testing.T) {
	var hits atomic.Int32
	h := newClientHarness(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	})
	h.tokens.current = ""

	_, err := h.client.Request(context.Background(), Request{Endpoint: "/courses"})
	require.True(t, core.IsKind(err, core.KindAuthentication))
	require.Zero(t, hits.Load())
}

func TestClientRetriesAfterRetryAfter(t *testing.T) {
	var hits atomic.Int32
	h := newClientHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	})

	_, err := h.client.Request(context.Background(), Request{Endpoint: "/courses"})
	require.NoError(t, err)
	require.EqualValues(t, 2, hits.Load())

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.slept, 1)
	require.GreaterOrEqual(t, h.slept[0], 2*time.Second)
	require.LessOrEqual(t, h.slept[0], 2400*time.Millisecond)
}

func TestClientNotFoundIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	h := newClientHarness(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := h.client.Request(context.Background(), Request{Endpoint: "/courses/99"})
	require.True(t, core.IsKind(err, core.KindNotFound))
	require.EqualValues(t, 1, hits.Load())
}

func TestClientReconcilesRateHeaders(t *testing.T) {
	h := newClientHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(core.HeaderRateLimitRemaining, "2")
		_, _ = w.Write([]byte(`[]`))
	})

	_, err := h.client.Request(context.Background(), Request{Endpoint: "/courses"})
	require.NoError(t, err)
	require.InDelta(t, 2, h.client.Limiter().Status().TokensAvailable, 0.5)
}

func TestFetchAllPagesFollowsNextLinks(t *testing.T) {
	var server *httptest.Server
	var hits atomic.Int32
	h := newClientHarness(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.Equal(t, "50", r.URL.Query().Get("per_page"))
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page == 0 {
			page = 1
		}
		if page < 3 {
			next := fmt.Sprintf("%s/api/v1/courses?page=%d&per_page=50", server.URL, page+1)
			w.Header().Set("Link", fmt.Sprintf(`<%s>; rel="next", <%s>; rel="first"`, next, server.URL))
		}
		_, _ = fmt.Fprintf(w, `[{"id":%d}]`, page)
	})
	server = h.server

	courses, err := FetchAll[Course](context.Background(), h.client, PageRequest{Endpoint: "/courses", Cacheable: true})
	require.NoError(t, err)
	require.Len(t, courses, 3)
	require.Equal(t, int64(3), courses[2].ID)
	require.EqualValues(t, 3, hits.Load())

	// The aggregated list is cached.
	again, err := FetchAll[Course](context.Background(), h.client, PageRequest{Endpoint: "/courses", Cacheable: true})
	require.NoError(t, err)
	require.Len(t, again, 3)
	require.EqualValues(t, 3, hits.Load())
}

func TestFetchAllPagesStopsAtPageCeiling(t *testing.T) {
	var server *httptest.Server
	var hits atomic.Int32
	h := newClientHarness(t, func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		next := fmt.Sprintf("%s/api/v1/courses?page=%d", server.URL, n+1)
		w.Header().Set("Link", fmt.Sprintf(`<%s>; rel="next"`, next))
		_, _ = w.Write([]byte(`[{"id":1}]`))
	})
	server = h.server

	items, err := h.client.FetchAllPages(context.Background(), PageRequest{Endpoint: "/courses"})
	require.NoError(t, err)
	require.Len(t, items, defaultMaxPages)
	require.EqualValues(t, defaultMaxPages, hits.Load())
}

func TestFetchAllPagesClampsConfiguredCeiling(t *testing.T) {
	var server *httptest.Server
	var hits atomic.Int32
	h := newClientHarness(t, func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		w.Header().Set("Link", fmt.Sprintf(`<%s/api/v1/courses?page=%d>; rel="next"`, server.URL, n+1))
		_, _ = w.Write([]byte(`[{"id":1}]`))
	}, func(cfg *Config) { cfg.MaxPages = 25 })
	server = h.server

	items, err := h.client.FetchAllPages(context.Background(), PageRequest{Endpoint: "/courses"})
	require.NoError(t, err)
	require.Len(t, items, defaultMaxPages)
	require.EqualValues(t, defaultMaxPages, hits.Load())
}

func TestFetchAllPagesStopsOnRepeatedLink(t *testing.T) {
	var server *httptest.Server
	var hits atomic.Int32
	h := newClientHarness(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Link", fmt.Sprintf(`<%s/api/v1/courses?page=2>; rel="next"`, server.URL))
		_, _ = w.Write([]byte(`[{"id":1}]`))
	})
	server = h.server

	items, err := h.client.FetchAllPages(context.Background(), PageRequest{Endpoint: "/courses"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.EqualValues(t, 2, hits.Load())
}

func TestFetchAllPagesRejectsForeignHost(t *testing.T) {
	h := newClientHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Link", `<https://attacker.example/api/v1/courses?page=2>; rel="next"`)
		_, _ = w.Write([]byte(`[]`))
	})

	_, err := h.client.FetchAllPages(context.Background(), PageRequest{Endpoint: "/courses"})
	require.Error(t, err)
	require.True(t, core.IsKind(err, core.KindValidation))
}

func TestFetchAllPagesRejectsSchemeDowngrade(t *testing.T) {
	var server *httptest.Server
	var hits atomic.Int32
	h := newClientHarness(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		host := mustHost(t, server.URL)
		w.Header().Set("Link", fmt.Sprintf(`<https://%s/api/v1/courses?page=2>; rel="next"`, host))
		_, _ = w.Write([]byte(`[]`))
	})
	server = h.server

	_, err := h.client.FetchAllPages(context.Background(), PageRequest{Endpoint: "/courses"})
	require.True(t, core.IsKind(err, core.KindValidation))
	require.EqualValues(t, 1, hits.Load())
}

func TestClientSharedFetchSurvivesCallerCancel(t *testing.T) {
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	h := newClientHarness(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case arrived <- struct{}{}:
		default:
		}
		<-release
		_, _ = w.Write([]byte(`[{"id":1}]`))
	})
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := h.client.Request(firstCtx, Request{Endpoint: "/courses", Cacheable: true})
		firstErr <- err
	}()
	<-arrived

	type outcome struct {
		resp *Response
		err  error
	}
	second := make(chan outcome, 1)
	go func() {
		resp, err := h.client.Request(context.Background(), Request{Endpoint: "/courses", Cacheable: true})
		second <- outcome{resp, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	err := <-firstErr
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	got := <-second
	require.NoError(t, got.err)
	require.JSONEq(t, `[{"id":1}]`, string(got.resp.Body))

	cached, err := h.client.Request(context.Background(), Request{Endpoint: "/courses", Cacheable: true})
	require.NoError(t, err)
	require.True(t, cached.FromCache)
}

func TestClientPersistsRateBudget(t *testing.T) {
	store := &memoryRateStore{}
	h := newClientHarness(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}, func(cfg *Config) { cfg.RateStore = store })
	ctx := context.Background()

	_, err := h.client.Request(ctx, Request{Endpoint: "/courses"})
	require.NoError(t, err)
	require.NoError(t, h.client.PersistRateBudget(ctx))

	host := mustHost(t, h.server.URL)
	require.Contains(t, store.states, host)
	require.Less(t, store.states[host].Tokens, float64(engine.DefaultLimiterConfig.Capacity))
	require.NoError(t, h.client.RestoreRateBudget(ctx))
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	_, err = New(Config{BaseURL: "ftp://example.edu"})
	require.Error(t, err)
}

func TestResolveKeepsInstanceHost(t *testing.T) {
	h := newClientHarness(t, func(w http.ResponseWriter, r *http.Request) {})

	target, err := h.client.resolve("courses", url.Values{"include[]": {"term"}})
	require.NoError(t, err)
	require.Equal(t, h.server.URL+"/api/v1/courses?include%5B%5D=term", target)

	_, err = h.client.resolve("https://elsewhere.example/api/v1/courses", nil)
	require.True(t, core.IsKind(err, core.KindValidation))

	_, err = h.client.resolve(h.server.URL+"/api/v1/courses?page=2", nil)
	require.NoError(t, err)
}

func mustHost(t *testing.T, raw string) string {
	t.Helper()
	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	return parsed.Host
}
