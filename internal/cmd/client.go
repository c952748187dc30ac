package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hapiai/lmslink/internal/config"
	"github.com/hapiai/lmslink/internal/core"
	"github.com/hapiai/lmslink/internal/core/cache"
	"github.com/hapiai/lmslink/internal/core/credential"
	"github.com/hapiai/lmslink/internal/core/engine"
	"github.com/hapiai/lmslink/internal/core/lms"
	"github.com/hapiai/lmslink/internal/core/store"
	"github.com/hapiai/lmslink/internal/observability"
)

// clientStack is the wired client layer for one command invocation.
type clientStack struct {
	cfg     *config.Config
	db      *store.Store
	redis   *cache.RedisBackend
	limiter *engine.Limiter
	cache   *cache.Cache
	creds   *credential.Manager
	client  *lms.Client
}

// openClientStack builds store, limiter, cache, credential manager and API
// client from cfg, then restores the persisted rate budget.
func openClientStack(ctx context.Context, cfg *config.Config) (*clientStack, error) {
	if cfg.Canvas.BaseURL == "" {
		return nil, core.NewError(core.KindValidation,
			"canvas.base_url is required (use --instance or "+config.EnvPrefix+"CANVAS_BASE_URL)", nil)
	}

	observer := observability.NewLogObserver(nil)
	stack := &clientStack{cfg: cfg}

	db, err := openStoreWith(ctx, cfg)
	if err != nil {
		return nil, err
	}
	stack.db = db

	sealer, err := newSealer(cfg.Credentials)
	if err != nil {
		stack.close(ctx)
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.Canvas.RequestTimeout}

	var endpoint credential.TokenEndpoint
	if cfg.Canvas.ClientID != "" {
		endpoint = credential.NewOAuthClient(cfg.Canvas.BaseURL, cfg.Canvas.ClientID, cfg.Canvas.ClientSecret, httpClient)
	}
	stack.creds, err = credential.NewManager(credential.ManagerConfig{
		UserID:   cfg.Canvas.UserID,
		Instance: cfg.Canvas.BaseURL,
		Store:    db,
		Sealer:   sealer,
		Endpoint: endpoint,
		Observer: observer,
	})
	if err != nil {
		stack.close(ctx)
		return nil, err
	}

	if cfg.Cache.Enabled {
		backend, err := stack.cacheBackend(ctx)
		if err != nil {
			stack.close(ctx)
			return nil, err
		}
		stack.cache = cache.New(cache.Config{
			MaxEntries: cfg.Cache.MaxEntries,
			DefaultTTL: cfg.Cache.DefaultTTL,
			TTLs:       resourceTTLs(cfg.Cache.TTLs),
			Backend:    backend,
			Observer:   observer,
		})
	}

	rl := cfg.RateLimit
	stack.limiter = engine.NewLimiter(engine.LimiterConfig{
		Capacity:         rl.Capacity,
		Window:           rl.Window,
		MaxRetries:       rl.MaxRetries,
		BaseBackoff:      rl.BaseBackoff,
		MaxBackoff:       rl.MaxBackoff,
		Jitter:           rl.Jitter,
		FailureThreshold: rl.FailureThreshold,
		Cooldown:         rl.Cooldown,
		Observer:         observer,
	})

	var rateStore engine.RateLimitStore
	if rl.Persist {
		rateStore = db
	}
	stack.client, err = lms.New(lms.Config{
		BaseURL:     cfg.Canvas.BaseURL,
		HTTPClient:  httpClient,
		Limiter:     stack.limiter,
		Cache:       stack.cache,
		Tokens:      stack.creds,
		RateStore:   rateStore,
		PerPage:     cfg.Canvas.PerPage,
		MaxPages:    cfg.Canvas.MaxPages,
		ToolVersion: versionInfo.Version,
		Observer:    observer,
	})
	if err != nil {
		stack.close(ctx)
		return nil, err
	}

	if err := stack.client.RestoreRateBudget(ctx); err != nil {
		warn("Could not restore rate budget", zap.Error(err))
	}
	return stack, nil
}

func (s *clientStack) cacheBackend(ctx context.Context) (cache.Backend, error) {
	switch s.cfg.Cache.Backend {
	case "store":
		if purged, err := s.db.PurgeExpiredResponses(ctx, time.Now()); err != nil {
			warn("Could not purge expired cached responses", zap.Error(err))
		} else if purged > 0 && observability.CLILogger != nil {
			observability.CLILogger.Debug("Purged expired cached responses", zap.Int64("rows", purged))
		}
		return s.db, nil
	case "redis":
		r := s.cfg.Cache.Redis
		backend, err := cache.DialRedis(ctx, r.Addr, r.Password, r.DB, r.Prefix)
		if err != nil {
			return nil, fmt.Errorf("connect redis cache: %w", err)
		}
		s.redis = backend
		return backend, nil
	default:
		return nil, nil
	}
}

// Close persists the rate budget and releases every resource.
func (s *clientStack) Close(ctx context.Context) {
	if s == nil {
		return
	}
	if s.client != nil {
		if err := s.client.PersistRateBudget(ctx); err != nil {
			warn("Could not persist rate budget", zap.Error(err))
		}
	}
	s.close(ctx)
}

func (s *clientStack) close(_ context.Context) {
	if s.limiter != nil {
		_ = s.limiter.Close()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

// Status implements handlers.StatusSource.
func (s *clientStack) Status(ctx context.Context) (core.ClientStatus, error) {
	state, err := s.creds.State(ctx)
	if err != nil {
		return core.ClientStatus{}, err
	}
	status := core.ClientStatus{
		Instance:        s.creds.Instance(),
		CredentialState: string(state),
		Limiter:         s.limiter.Status(),
		Cache: core.CacheStatus{
			Enabled:    s.cache != nil,
			Backend:    s.cfg.Cache.Backend,
			Entries:    s.cache.Len(),
			MaxEntries: s.cache.MaxEntries(),
		},
		Timestamp: time.Now().UTC(),
	}
	return status, nil
}

// Invalidate implements handlers.CacheInvalidator.
func (s *clientStack) Invalidate(ctx context.Context, keyOrPattern string) int {
	return s.client.Invalidate(ctx, keyOrPattern)
}

func newSealer(cfg config.CredentialsConfig) (*credential.SecretBoxSealer, error) {
	var (
		key []byte
		err error
	)
	if cfg.EncryptionKey != "" {
		key, err = credential.ParseHexKey(cfg.EncryptionKey)
	} else {
		key, err = credential.LoadOrCreateKeyFile(cfg.KeyFile)
	}
	if err != nil {
		return nil, fmt.Errorf("load credential key: %w", err)
	}
	return credential.NewSecretBoxSealer(key)
}

// resourceTTLs converts configured overrides into cache table entries.
// Map order is unspecified; overrides of known resources replace their
// default slot, so only new resource names depend on it.
func resourceTTLs(ttls map[string]time.Duration) []cache.ResourceTTL {
	if len(ttls) == 0 {
		return nil
	}
	out := make([]cache.ResourceTTL, 0, len(ttls))
	for match, ttl := range ttls {
		out = append(out, cache.ResourceTTL{Match: match, TTL: ttl})
	}
	return out
}

// withClient loads config, opens the client stack, runs fn, and closes the
// stack so the rate budget is persisted even when fn fails.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, stack *clientStack) error) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	stack, err := openClientStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer stack.Close(context.WithoutCancel(ctx))
	return fn(ctx, stack)
}

func warn(msg string, fields ...zap.Field) {
	if observability.CLILogger != nil {
		observability.CLILogger.Warn(msg, fields...)
	}
}
