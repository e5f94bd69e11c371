// Package tokens manages Microsoft Graph access tokens for the
// configured tenants. Tokens are fetched with the OAuth2 client
// credentials grant and cached until shortly before expiry.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ignite/ices-pipeline/internal/config"
	"github.com/ignite/ices-pipeline/internal/pkg/logger"
)

const (
	// refreshBuffer is how long before expiry a cached token is
	// considered due for refresh.
	refreshBuffer = 5 * time.Minute

	// defaultExpiry applies when the token endpoint omits expires_in.
	defaultExpiry = time.Hour

	graphScope = "https://graph.microsoft.com/.default"
)

var (
	ErrNoTenants     = errors.New("no tenants configured")
	ErrUnknownTenant = errors.New("unknown tenant")
)

// tenantState holds one tenant's credential config and cached token.
// Each tenant refreshes under its own lock so a slow token endpoint
// for one tenant never blocks the others.
type tenantState struct {
	id   string
	conf *clientcredentials.Config

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// fresh returns the cached token when it is outside the refresh buffer.
func (st *tenantState) fresh(now time.Time) (string, bool) {
	if st.token != "" && now.Before(st.expiresAt.Add(-refreshBuffer)) {
		return st.token, true
	}
	return "", false
}

// Manager caches Graph tokens per tenant. Tenants known at startup live
// in an immutable map with lock-free lookups; tenants registered later
// go into a second map guarded by an RWMutex. Token state itself is
// guarded per tenant.
type Manager struct {
	tenants   map[string]*tenantState
	loginBase string
	client    *http.Client

	mu    sync.RWMutex
	extra map[string]*tenantState
	first string
}

// NewManager builds a manager for the configured tenants. loginBase is
// the identity platform root, normally https://login.microsoftonline.com.
func NewManager(tenants []config.TenantConfig, loginBase string) *Manager {
	m := &Manager{
		tenants:   make(map[string]*tenantState, len(tenants)),
		loginBase: loginBase,
		client:    &http.Client{Timeout: 15 * time.Second},
		extra:     make(map[string]*tenantState),
	}
	for _, t := range tenants {
		if t.ID == "" {
			continue
		}
		st := m.newState(t)
		m.tenants[t.ID] = st
		if t.Alias != "" {
			m.tenants[t.Alias] = st
		}
		if m.first == "" {
			m.first = t.ID
		}
	}
	return m
}

func (m *Manager) newState(t config.TenantConfig) *tenantState {
	return &tenantState{
		id: t.ID,
		conf: &clientcredentials.Config{
			ClientID:     t.ClientID,
			ClientSecret: t.ClientSecret,
			TokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", m.loginBase, t.ID),
			Scopes:       []string{graphScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
	}
}

// Register adds a tenant discovered after startup. Registering an id
// already present replaces its credentials.
func (m *Manager) Register(t config.TenantConfig) {
	if t.ID == "" {
		return
	}
	st := m.newState(t)
	m.mu.Lock()
	m.extra[t.ID] = st
	if t.Alias != "" {
		m.extra[t.Alias] = st
	}
	if m.first == "" {
		m.first = t.ID
	}
	m.mu.Unlock()
}

// lookup resolves a tenant id or alias. The startup map needs no lock.
func (m *Manager) lookup(id string) (*tenantState, bool) {
	if st, ok := m.tenants[id]; ok {
		return st, true
	}
	m.mu.RLock()
	st, ok := m.extra[id]
	m.mu.RUnlock()
	return st, ok
}

// Token returns a valid access token for the tenant, fetching or
// refreshing as needed. An empty tenantID selects the first configured
// tenant. If a refresh fails while the cached token is past its buffer
// but not yet expired, the cached token is served instead.
func (m *Manager) Token(ctx context.Context, tenantID string) (string, error) {
	if tenantID == "" {
		m.mu.RLock()
		tenantID = m.first
		m.mu.RUnlock()
		if tenantID == "" {
			return "", ErrNoTenants
		}
	}
	st, ok := m.lookup(tenantID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}

	// Fast path: read the cache under the shared lock.
	st.mu.RLock()
	tok, ok := st.fresh(time.Now())
	st.mu.RUnlock()
	if ok {
		return tok, nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	// Another goroutine may have refreshed while we waited.
	now := time.Now()
	if tok, ok := st.fresh(now); ok {
		return tok, nil
	}

	// The oauth2 package reads its HTTP client from the context.
	fetched, err := st.conf.Token(context.WithValue(ctx, oauth2.HTTPClient, m.client))
	if err != nil {
		if st.token != "" && now.Before(st.expiresAt) {
			logger.Warn("token refresh failed, serving cached token",
				"tenant", st.id, "error", err.Error())
			return st.token, nil
		}
		return "", fmt.Errorf("token request for tenant %s: %w", st.id, err)
	}

	st.token = fetched.AccessToken
	st.expiresAt = fetched.Expiry
	if st.expiresAt.IsZero() {
		st.expiresAt = now.Add(defaultExpiry)
	}
	logger.Debug("token acquired", "tenant", st.id,
		"expires_at", st.expiresAt.Format(time.RFC3339))
	return st.token, nil
}
