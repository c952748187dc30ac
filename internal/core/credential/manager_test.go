package credential

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hapiai/lmslink/internal/core"
)

type memoryCredentialStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	deletes int
}

func newMemoryCredentialStore() *memoryCredentialStore {
	return &memoryCredentialStore{blobs: make(map[string][]byte)}
}

func (s *memoryCredentialStore) LoadCredential(_ context.Context, userID, instance string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blobs[userID+"|"+instance], nil
}

func (s *memoryCredentialStore) SaveCredential(_ context.Context, userID, instance string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[userID+"|"+instance] = append([]byte(nil), blob...)
	return nil
}

func (s *memoryCredentialStore) DeleteCredential(_ context.Context, userID, instance string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	delete(s.blobs, userID+"|"+instance)
	return nil
}

type fakeEndpoint struct {
	refreshCalls atomic.Int32
	revokeCalls  atomic.Int32
	refreshErr   error
	revokeErr    error
	next         string
	block        chan struct{}
}

func (f *fakeEndpoint) Refresh(_ context.Context, refreshToken string) (*ExchangeResult, error) {
	f.refreshCalls.Add(1)
	if f.block != nil {
		<-f.block
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &ExchangeResult{AccessToken: f.next, ExpiresIn: 3600}, nil
}

func (f *fakeEndpoint) Revoke(context.Context, string) error {
	f.revokeCalls.Add(1)
	return f.revokeErr
}

type managerHarness struct {
	now      time.Time
	store    *memoryCredentialStore
	endpoint *fakeEndpoint
	sealer   *SecretBoxSealer
}

func newHarness(t *testing.T) *managerHarness {
	t.Helper()
	sealer, err := NewSecretBoxSealer(make([]byte, keySize))
	require.NoError(t, err)
	return &managerHarness{
		now:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		store:    newMemoryCredentialStore(),
		endpoint: &fakeEndpoint{next: "fresh-access-token"},
		sealer:   sealer,
	}
}

func (h *managerHarness) manager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{
		UserID:   "42",
		Instance: "https://canvas.example.edu/",
		Store:    h.store,
		Sealer:   h.sealer,
		Endpoint: h.endpoint,
		Clock:    func() time.Time { return h.now },
	})
	require.NoError(t, err)
	return m
}

func TestManagerLifecycle(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t)
	ctx := context.Background()

	token, err := m.GetToken(ctx)
	require.NoError(t, err)
	require.Nil(t, token)
	state, err := m.State(ctx)
	require.NoError(t, err)
	require.Equal(t, StateUnconnected, state)

	require.NoError(t, m.StoreToken(ctx, &ExchangeResult{
		AccessToken:  "stale-access-token",
		RefreshToken: "refresh-token",
		ExpiresIn:    60,
	}))

	token, err = m.GetToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "stale-access-token", token.Value)
	require.Equal(t, "stal...oken", token.Preview)

	h.now = h.now.Add(61 * time.Second)
	state, err = m.State(ctx)
	require.NoError(t, err)
	require.Equal(t, StateExpired, state)

	token, err = m.GetToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "fresh-access-token", token.Value)
	require.EqualValues(t, 1, h.endpoint.refreshCalls.Load())

	record, err := m.Record(ctx)
	require.NoError(t, err)
	require.Equal(t, "refresh-token", record.RefreshToken)

	state, err = m.State(ctx)
	require.NoError(t, err)
	require.Equal(t, StateConnected, state)
}

func TestManagerRefreshFailureInvalidates(t *testing.T) {
	h := newHarness(t)
	h.endpoint.refreshErr = core.NewError(core.KindAuthentication, "refresh rejected", nil)
	m := h.manager(t)
	ctx := context.Background()

	require.NoError(t, m.StoreToken(ctx, &ExchangeResult{
		AccessToken:  "stale-access-token",
		RefreshToken: "refresh-token",
		ExpiresIn:    60,
	}))
	h.now = h.now.Add(2 * time.Minute)

	token, err := m.GetToken(ctx)
	require.NoError(t, err)
	require.Nil(t, token)

	state, err := m.State(ctx)
	require.NoError(t, err)
	require.Equal(t, StateInvalid, state)

	// Invalid persists across managers.
	reloaded := h.manager(t)
	state, err = reloaded.State(ctx)
	require.NoError(t, err)
	require.Equal(t, StateInvalid, state)

	// A fresh exchange leaves the invalid state.
	require.NoError(t, reloaded.StoreToken(ctx, &ExchangeResult{AccessToken: "new-access-token"}))
	state, err = reloaded.State(ctx)
	require.NoError(t, err)
	require.Equal(t, StateConnected, state)
}

func TestManagerTransientRefreshFailureKeepsCredential(t *testing.T) {
	for _, kind := range []core.ErrorKind{core.KindNetwork, core.KindServer, core.KindRateLimit} {
		t.Run(string(kind), func(t *testing.T) {
			h := newHarness(t)
			h.endpoint.refreshErr = core.NewError(kind, "token endpoint unavailable", nil)
			m := h.manager(t)
			ctx := context.Background()

			require.NoError(t, m.StoreToken(ctx, &ExchangeResult{
				AccessToken:  "stale-access-token",
				RefreshToken: "refresh-token",
				ExpiresIn:    60,
			}))
			h.now = h.now.Add(2 * time.Minute)

			token, err := m.GetToken(ctx)
			require.NoError(t, err)
			require.Nil(t, token)

			state, err := m.State(ctx)
			require.NoError(t, err)
			require.Equal(t, StateExpired, state)

			// The endpoint recovers and the next call refreshes.
			h.endpoint.refreshErr = nil
			token, err = m.GetToken(ctx)
			require.NoError(t, err)
			require.NotNil(t, token)
			require.Equal(t, "fresh-access-token", token.Value)
			require.EqualValues(t, 2, h.endpoint.refreshCalls.Load())
		})
	}
}

func TestManagerMissingRefreshTokenInvalidates(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t)
	ctx := context.Background()

	require.NoError(t, m.StoreToken(ctx, &ExchangeResult{AccessToken: "access-token", ExpiresIn: 1}))
	h.now = h.now.Add(2 * time.Second)

	token, err := m.GetToken(ctx)
	require.NoError(t, err)
	require.Nil(t, token)
	require.Zero(t, h.endpoint.refreshCalls.Load())

	state, err := m.State(ctx)
	require.NoError(t, err)
	require.Equal(t, StateInvalid, state)
}

func TestManagerConcurrentRefreshCoalesces(t *testing.T) {
	h := newHarness(t)
	h.endpoint.block = make(chan struct{})
	m := h.manager(t)
	ctx := context.Background()

	require.NoError(t, m.StoreToken(ctx, &ExchangeResult{
		AccessToken:  "stale-access-token",
		RefreshToken: "refresh-token",
	}))

	const callers = 5
	var wg sync.WaitGroup
	tokens := make([]*core.Token, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.Refresh(ctx)
		}(i)
	}

	require.Eventually(t, func() bool { return h.endpoint.refreshCalls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(h.endpoint.block)
	wg.Wait()

	require.LessOrEqual(t, h.endpoint.refreshCalls.Load(), int32(callers))
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "fresh-access-token", tokens[i].Value)
	}
}

func TestManagerDisconnectDeletesDespiteRevokeFailure(t *testing.T) {
	h := newHarness(t)
	h.endpoint.revokeErr = errors.New("network down")

	var revokeFailures int
	m, err := NewManager(ManagerConfig{
		UserID:   "42",
		Instance: "https://canvas.example.edu",
		Store:    h.store,
		Sealer:   h.sealer,
		Endpoint: h.endpoint,
		Clock:    func() time.Time { return h.now },
		Observer: core.ObserverFunc(func(e core.Event) {
			if e.Kind == core.EventDisconnect && e.Err != nil {
				revokeFailures++
			}
		}),
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.StoreToken(ctx, &ExchangeResult{AccessToken: "access-token"}))
	require.NoError(t, m.Disconnect(ctx))

	require.EqualValues(t, 1, h.endpoint.revokeCalls.Load())
	require.Equal(t, 1, revokeFailures)
	require.Equal(t, 1, h.store.deletes)
	require.Empty(t, h.store.blobs)

	token, err := m.GetToken(ctx)
	require.NoError(t, err)
	require.Nil(t, token)
}

func TestManagerStoresEncryptedBlob(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t)
	ctx := context.Background()

	require.NoError(t, m.StoreToken(ctx, &ExchangeResult{AccessToken: "plain-secret-value"}))

	blob := h.store.blobs["42|https://canvas.example.edu"]
	require.NotEmpty(t, blob)
	require.NotContains(t, string(blob), "plain-secret-value")
}

func TestNewManagerValidates(t *testing.T) {
	_, err := NewManager(ManagerConfig{})
	require.Error(t, err)
}
