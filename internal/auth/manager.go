// Package auth keeps operator credentials exchanged for bearer tokens and
// refreshes them before they expire.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sgmi/padaria-floor/internal/api"
	"github.com/sgmi/padaria-floor/internal/domain"
	"github.com/sgmi/padaria-floor/internal/snapshot"
)

// StoreKey is where the manager persists its token state.
const StoreKey = "padaria:auth:token"

// Access tokens live for fifteen minutes; refresh a little early so in-flight
// requests never carry a token that expires mid-call.
const (
	accessTokenTTL = 15 * time.Minute
	refreshSkew    = time.Minute
)

// Credentials are the operator account this station runs under.
type Credentials struct {
	Email    string
	Password string
}

type tokenState struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	User         *api.User `json:"user,omitempty"`
}

// Manager implements api.TokenSource. It logs in on first use, persists the
// token pair so a restart can resume the session, and refreshes the access
// token once before falling back to a full login.
type Manager struct {
	client *api.Client
	store  snapshot.Store
	creds  Credentials
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	state *tokenState
}

func NewManager(client *api.Client, store snapshot.Store, creds Credentials, logger *zap.Logger) (*Manager, error) {
	if client == nil {
		return nil, fmt.Errorf("api client is required")
	}
	if strings.TrimSpace(creds.Email) == "" || creds.Password == "" {
		return nil, fmt.Errorf("%w: operator credentials are required", domain.ErrValidation)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		client: client,
		store:  store,
		creds:  creds,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Token returns a valid access token, logging in or refreshing as needed.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == nil {
		m.state = m.loadPersisted(ctx)
	}
	if m.state == nil {
		if err := m.loginLocked(ctx); err != nil {
			return "", err
		}
		return m.state.AccessToken, nil
	}

	if m.now().Before(m.state.ExpiresAt.Add(-refreshSkew)) {
		return m.state.AccessToken, nil
	}

	if err := m.refreshLocked(ctx); err != nil {
		if !errors.Is(err, domain.ErrUnauthorized) && !errors.Is(err, domain.ErrValidation) {
			return "", err
		}
		m.logger.Warn("token refresh rejected, logging in again", zap.Error(err))
		if err := m.loginLocked(ctx); err != nil {
			return "", err
		}
	}

	return m.state.AccessToken, nil
}

// Login authenticates eagerly, independent of Token's lazy path. Startup uses
// it so credential problems surface before the session begins.
func (m *Manager) Login(ctx context.Context) (*api.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loginLocked(ctx); err != nil {
		return nil, err
	}
	return m.state.User, nil
}

// Logout invalidates the refresh token and clears persisted state.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.state != nil && m.state.RefreshToken != "" {
		err = m.client.Logout(ctx, m.state.RefreshToken)
	}
	m.state = nil

	if m.store != nil {
		if derr := m.store.Delete(ctx, StoreKey); derr != nil && err == nil {
			err = derr
		}
	}
	return err
}

// User returns the account from the last login, or nil before any login.
func (m *Manager) User() *api.User {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == nil {
		return nil
	}
	return m.state.User
}

func (m *Manager) loginLocked(ctx context.Context) error {
	user, tokens, err := m.client.Login(ctx, m.creds.Email, m.creds.Password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	m.state = &tokenState{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    m.now().Add(accessTokenTTL),
		User:         user,
	}
	m.persistLocked(ctx)

	m.logger.Info("operator logged in", zap.String("email", m.creds.Email))
	return nil
}

func (m *Manager) refreshLocked(ctx context.Context) error {
	access, err := m.client.RefreshToken(ctx, m.state.RefreshToken)
	if err != nil {
		return err
	}

	m.state.AccessToken = access
	m.state.ExpiresAt = m.now().Add(accessTokenTTL)
	m.persistLocked(ctx)
	return nil
}

// loadPersisted treats any malformed or incomplete stored state as absence.
func (m *Manager) loadPersisted(ctx context.Context) *tokenState {
	if m.store == nil {
		return nil
	}

	raw, err := m.store.Get(ctx, StoreKey)
	if err != nil {
		m.logger.Warn("failed to read persisted token", zap.Error(err))
		return nil
	}
	if len(raw) == 0 {
		return nil
	}

	var state tokenState
	if err := json.Unmarshal(raw, &state); err != nil {
		m.logger.Warn("discarding malformed persisted token", zap.Error(err))
		return nil
	}
	if state.AccessToken == "" || state.RefreshToken == "" {
		return nil
	}
	return &state
}

func (m *Manager) persistLocked(ctx context.Context) {
	if m.store == nil {
		return
	}

	raw, err := json.Marshal(m.state)
	if err != nil {
		m.logger.Warn("failed to encode token state", zap.Error(err))
		return
	}
	if err := m.store.Put(ctx, StoreKey, raw); err != nil {
		m.logger.Warn("failed to persist token state", zap.Error(err))
	}
}
