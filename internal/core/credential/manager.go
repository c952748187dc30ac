package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hapiai/lmslink/internal/core"
)

const managerComponent = "credential"

// State is the lifecycle position of the credential on file.
type State string

const (
	StateUnconnected State = "unconnected"
	StateConnected   State = "connected"
	StateExpired     State = "expired"
	StateInvalid     State = "invalid"
)

// Store persists encrypted credential blobs keyed by user and instance.
// LoadCredential returns nil, nil when nothing is stored.
type Store interface {
	LoadCredential(ctx context.Context, userID, instance string) ([]byte, error)
	SaveCredential(ctx context.Context, userID, instance string, blob []byte) error
	DeleteCredential(ctx context.Context, userID, instance string) error
}

// ManagerConfig wires a Manager to its collaborators.
type ManagerConfig struct {
	UserID   string
	Instance string
	Store    Store
	Sealer   Sealer
	Endpoint TokenEndpoint
	Clock    func() time.Time
	Observer core.Observer
}

// Manager supplies a valid access token for one user on one instance,
// refreshing it when it has expired.
type Manager struct {
	cfg ManagerConfig

	mu     sync.Mutex
	record *core.CredentialRecord
	loaded bool

	refreshGroup singleflight.Group
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	cfg.UserID = strings.TrimSpace(cfg.UserID)
	cfg.Instance = strings.TrimRight(strings.TrimSpace(cfg.Instance), "/")
	if cfg.Instance == "" {
		return nil, fmt.Errorf("credential manager requires an instance")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("credential manager requires a store")
	}
	if cfg.Sealer == nil {
		return nil, fmt.Errorf("credential manager requires a sealer")
	}
	if cfg.Observer == nil {
		cfg.Observer = core.NopObserver{}
	}
	return &Manager{cfg: cfg}, nil
}

// Instance returns the instance the manager holds credentials for.
func (m *Manager) Instance() string {
	return m.cfg.Instance
}

// GetToken returns the current access token. It returns nil when no
// credential is on file, when the credential is invalid, or when an expired
// credential could not be refreshed.
func (m *Manager) GetToken(ctx context.Context) (*core.Token, error) {
	record, err := m.current(ctx)
	if err != nil {
		return nil, err
	}
	if record == nil || record.Invalid {
		return nil, nil
	}
	if !record.Expired(m.now()) {
		return tokenFrom(record), nil
	}

	token, err := m.Refresh(ctx)
	if err != nil {
		return nil, nil
	}
	return token, nil
}

// Refresh forces a refresh exchange. Concurrent callers share one exchange.
// When the token endpoint rejects the refresh token, or there is none to
// send, the credential is marked invalid. Transient failures leave it expired
// so a later call can retry.
func (m *Manager) Refresh(ctx context.Context) (*core.Token, error) {
	result, err, _ := m.refreshGroup.Do("refresh", func() (any, error) {
		return m.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*core.Token), nil
}

func (m *Manager) refresh(ctx context.Context) (*core.Token, error) {
	record, err := m.current(ctx)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, core.NewError(core.KindAuthentication, "no credential on file", nil)
	}
	if record.Invalid {
		return nil, core.NewError(core.KindAuthentication, "credential is invalid, re-authorization required", nil)
	}
	if record.RefreshToken == "" || m.cfg.Endpoint == nil {
		apiErr := core.NewError(core.KindAuthentication, "credential cannot be refreshed", nil)
		m.invalidate(ctx, record, apiErr)
		return nil, apiErr
	}

	result, err := m.cfg.Endpoint.Refresh(ctx, record.RefreshToken)
	if err != nil {
		apiErr := core.AsAPIError(err)
		if apiErr.Kind == core.KindAuthentication {
			m.invalidate(ctx, record, apiErr)
		} else {
			m.observe(core.Event{Kind: core.EventRefreshFailed, Err: apiErr})
		}
		return nil, apiErr
	}

	refreshed := m.recordFrom(result)
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = record.RefreshToken
	}
	if err := m.save(ctx, refreshed); err != nil {
		return nil, err
	}
	m.observe(core.Event{Kind: core.EventTokenRefresh})
	return tokenFrom(refreshed), nil
}

// StoreToken persists a newly obtained credential and makes it current.
func (m *Manager) StoreToken(ctx context.Context, result *ExchangeResult) error {
	if result == nil || strings.TrimSpace(result.AccessToken) == "" {
		return core.NewError(core.KindValidation, "access token is required", nil)
	}
	return m.save(ctx, m.recordFrom(result))
}

// Disconnect revokes the access token remotely when possible and always
// deletes the local record. Revocation failures are reported to the
// observer only.
func (m *Manager) Disconnect(ctx context.Context) error {
	record, err := m.current(ctx)
	if err != nil {
		record = nil
	}

	if record != nil && m.cfg.Endpoint != nil && !record.Invalid {
		if revokeErr := m.cfg.Endpoint.Revoke(ctx, record.AccessToken); revokeErr != nil {
			m.observe(core.Event{Kind: core.EventDisconnect, Err: revokeErr})
		}
	}

	m.mu.Lock()
	m.record = nil
	m.loaded = true
	m.mu.Unlock()

	if err := m.cfg.Store.DeleteCredential(ctx, m.cfg.UserID, m.cfg.Instance); err != nil {
		return core.NewError(core.KindInternal, "delete local credential", err)
	}
	m.observe(core.Event{Kind: core.EventDisconnect})
	return nil
}

// State reports where the credential sits in its lifecycle.
func (m *Manager) State(ctx context.Context) (State, error) {
	record, err := m.current(ctx)
	if err != nil {
		return StateUnconnected, err
	}
	switch {
	case record == nil:
		return StateUnconnected, nil
	case record.Invalid:
		return StateInvalid, nil
	case record.Expired(m.now()):
		return StateExpired, nil
	default:
		return StateConnected, nil
	}
}

// Record returns a copy of the credential on file, or nil.
func (m *Manager) Record(ctx context.Context) (*core.CredentialRecord, error) {
	record, err := m.current(ctx)
	if err != nil || record == nil {
		return nil, err
	}
	copied := *record
	return &copied, nil
}

func (m *Manager) current(ctx context.Context) (*core.CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded {
		return m.record, nil
	}

	blob, err := m.cfg.Store.LoadCredential(ctx, m.cfg.UserID, m.cfg.Instance)
	if err != nil {
		return nil, core.NewError(core.KindInternal, "load credential", err)
	}
	if len(blob) == 0 {
		m.loaded = true
		return nil, nil
	}

	plaintext, err := m.cfg.Sealer.Open(blob)
	if err != nil {
		return nil, core.NewError(core.KindInternal, "open credential", err)
	}
	var record core.CredentialRecord
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return nil, core.NewError(core.KindInternal, "decode credential", err)
	}

	m.record = &record
	m.loaded = true
	return m.record, nil
}

func (m *Manager) save(ctx context.Context, record *core.CredentialRecord) error {
	record.UpdatedAt = m.now()

	plaintext, err := json.Marshal(record)
	if err != nil {
		return core.NewError(core.KindInternal, "encode credential", err)
	}
	blob, err := m.cfg.Sealer.Seal(plaintext)
	if err != nil {
		return core.NewError(core.KindInternal, "seal credential", err)
	}
	if err := m.cfg.Store.SaveCredential(ctx, m.cfg.UserID, m.cfg.Instance, blob); err != nil {
		return core.NewError(core.KindInternal, "save credential", err)
	}

	m.mu.Lock()
	m.record = record
	m.loaded = true
	m.mu.Unlock()
	return nil
}

func (m *Manager) invalidate(ctx context.Context, record *core.CredentialRecord, cause error) {
	invalid := *record
	invalid.Invalid = true
	if err := m.save(ctx, &invalid); err != nil {
		m.mu.Lock()
		m.record = &invalid
		m.mu.Unlock()
	}
	m.observe(core.Event{Kind: core.EventTokenInvalid, Err: cause})
}

func (m *Manager) recordFrom(result *ExchangeResult) *core.CredentialRecord {
	return &core.CredentialRecord{
		AccessToken:  strings.TrimSpace(result.AccessToken),
		RefreshToken: strings.TrimSpace(result.RefreshToken),
		ExpiresAt:    result.Expiry(m.now()),
		Instance:     m.cfg.Instance,
	}
}

func tokenFrom(record *core.CredentialRecord) *core.Token {
	return &core.Token{
		Value:     record.AccessToken,
		ExpiresAt: record.ExpiresAt,
		Preview:   core.RedactToken(record.AccessToken),
	}
}

func (m *Manager) observe(event core.Event) {
	event.Component = managerComponent
	m.cfg.Observer.Observe(event)
}

func (m *Manager) now() time.Time {
	if m.cfg.Clock != nil {
		return m.cfg.Clock().UTC()
	}
	return time.Now().UTC()
}
