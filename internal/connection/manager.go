// Package connection owns the connection state machine: OAuth exchange,
// token refresh, failure accounting and revocation. It is the only code
// that ever sees plaintext provider tokens.
package connection

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pysugar/ledgersync/internal/db/models"
	"github.com/pysugar/ledgersync/internal/ledger"
	"github.com/pysugar/ledgersync/internal/logging"
	"github.com/pysugar/ledgersync/internal/notify"
	"github.com/pysugar/ledgersync/internal/provider"
	"github.com/pysugar/ledgersync/internal/retry"
	"github.com/pysugar/ledgersync/internal/vault"
)

// Store is the slice of the ledger the manager writes.
type Store interface {
	CreateConnection(ctx context.Context, conn *models.Connection) error
	GetConnection(ctx context.Context, id string) (models.Connection, error)
	FindConnectionByState(ctx context.Context, state string) (models.Connection, error)
	FindPendingConnection(ctx context.Context, userID, providerName string) (models.Connection, error)
	SaveConnection(ctx context.Context, conn *models.Connection) error
	RevokeConnection(ctx context.Context, id string, at time.Time) error
	EnableAccounts(ctx context.Context, connectionID string) error
}

// Options tune the manager. Zero values fall back to defaults.
type Options struct {
	// RefreshMargin is how close to expiry a token is refreshed.
	RefreshMargin time.Duration
	// FailureThreshold is the consecutive failure count that flags a
	// connection for user-visible re-authentication.
	FailureThreshold int
	Retry            retry.Policy
	Notifier         notify.Notifier
	Now              func() time.Time
}

// Manager handles the connection lifecycle.
type Manager struct {
	store     Store
	vault     *vault.Vault
	providers *provider.Registry
	opts      Options

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a connection manager.
func NewManager(store Store, v *vault.Vault, providers *provider.Registry, opts Options) *Manager {
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = 5 * time.Minute
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		store:     store,
		vault:     v,
		providers: providers,
		opts:      opts,
		locks:     make(map[string]*sync.Mutex),
	}
}

// lock serializes state changes of one connection within this process.
func (m *Manager) lock(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// ===== Token lifecycle =====

// EnsureValidToken refreshes the access token when it expires within the
// refresh margin. An auth failure moves the connection to ERROR and returns
// *ReauthRequiredError. Transient failures are retried and leave the status
// alone; a long provider rate limit is returned as *provider.RateLimitedError.
func (m *Manager) EnsureValidToken(ctx context.Context, connectionID string) error {
	defer m.lock(connectionID)()
	_, err := m.ensureValidToken(ctx, connectionID)
	return err
}

// Credentials returns a session carrying the decrypted access token, after
// making sure it is fresh. Callers must not retain or log it.
func (m *Manager) Credentials(ctx context.Context, connectionID string) (provider.Session, error) {
	defer m.lock(connectionID)()
	conn, err := m.ensureValidToken(ctx, connectionID)
	if err != nil {
		return provider.Session{}, err
	}
	access, err := m.vault.Open(conn.EncryptedAccessToken)
	if err != nil {
		return provider.Session{}, m.markAuthFailure(ctx, &conn, fmt.Errorf("decrypt access token: %w", err))
	}
	return provider.Session{
		ConnectionID: conn.ID,
		ProviderName: conn.ProviderName,
		AccessToken:  access,
	}, nil
}

func (m *Manager) ensureValidToken(ctx context.Context, connectionID string) (models.Connection, error) {
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return conn, err
	}
	switch conn.Status {
	case models.ConnectionRevoked:
		return conn, fmt.Errorf("connection %s: %w", conn.ID, ErrRevoked)
	case models.ConnectionInitiated:
		return conn, fmt.Errorf("connection %s: %w", conn.ID, ErrNotAuthorized)
	}

	now := m.opts.Now()
	if conn.TokenExpiresAt != nil && conn.TokenExpiresAt.After(now.Add(m.opts.RefreshMargin)) {
		return conn, nil
	}
	if conn.TokenExpiresAt == nil && conn.EncryptedAccessToken != "" {
		// No expiry reported; the token is used until the provider rejects it.
		return conn, nil
	}

	log.Printf("🔄 [%s] Token for connection %s expires at %v, refreshing", logging.Tag(ctx), conn.ID, conn.TokenExpiresAt)
	if err := m.refresh(ctx, &conn); err != nil {
		return conn, err
	}
	return conn, nil
}

func (m *Manager) refresh(ctx context.Context, conn *models.Connection) error {
	if conn.EncryptedRefreshToken == nil {
		return m.markAuthFailure(ctx, conn, errors.New("no refresh token stored"))
	}
	refreshToken, err := m.vault.Open(*conn.EncryptedRefreshToken)
	if err != nil {
		return m.markAuthFailure(ctx, conn, fmt.Errorf("decrypt refresh token: %w", err))
	}
	client, err := m.providers.Get(conn.ProviderName)
	if err != nil {
		return err
	}

	var tok provider.Token
	err = retry.Do(ctx, m.opts.Retry, "refresh token", retry.Classify, func(ctx context.Context) error {
		var rerr error
		tok, rerr = client.RefreshToken(ctx, refreshToken)
		return rerr
	})
	if err == nil && tok.AccessToken == "" {
		err = &provider.AuthError{Op: "refresh token", Code: "empty_token", Err: errors.New("provider returned no access token")}
	}
	if err != nil {
		if _, ok := provider.AsRateLimited(err); ok {
			return err
		}
		if provider.IsTransient(err) || ctx.Err() != nil {
			log.Printf("⚠️ [%s] Transient refresh failure for connection %s: %v", logging.Tag(ctx), conn.ID, err)
			return err
		}
		return m.markAuthFailure(ctx, conn, err)
	}

	if err := m.applyToken(conn, tok); err != nil {
		return err
	}
	if err := m.store.SaveConnection(ctx, conn); err != nil {
		return fmt.Errorf("save refreshed token: %w", err)
	}
	log.Printf("✅ [%s] Refreshed token for connection %s, expires %v", logging.Tag(ctx), conn.ID, conn.TokenExpiresAt)
	return nil
}

// applyToken seals tok into conn. A token response without a refresh token
// keeps the stored one.
func (m *Manager) applyToken(conn *models.Connection, tok provider.Token) error {
	access, err := m.vault.Seal(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	conn.EncryptedAccessToken = access
	if tok.RefreshToken != "" {
		sealed, err := m.vault.Seal(tok.RefreshToken)
		if err != nil {
			return fmt.Errorf("seal refresh token: %w", err)
		}
		conn.EncryptedRefreshToken = &sealed
	}
	if tok.ExpiresAt.IsZero() {
		conn.TokenExpiresAt = nil
	} else {
		exp := tok.ExpiresAt.UTC()
		conn.TokenExpiresAt = &exp
	}
	return nil
}

// markAuthFailure records a credential failure and returns the
// *ReauthRequiredError describing it.
func (m *Manager) markAuthFailure(ctx context.Context, conn *models.Connection, cause error) error {
	log.Printf("❌ [%s] Credentials for connection %s rejected: %v", logging.Tag(ctx), conn.ID, cause)
	if err := m.recordFailure(ctx, conn, models.ErrorKindReauthRequired); err != nil {
		log.Printf("❌ [%s] Failed to record auth failure for %s: %v", logging.Tag(ctx), conn.ID, err)
	}
	return &ReauthRequiredError{ConnectionID: conn.ID, Err: cause}
}

// recordFailure moves conn to ERROR and bumps the failure counter, flagging
// the connection for re-authentication at the threshold. It never revokes.
func (m *Manager) recordFailure(ctx context.Context, conn *models.Connection, kind string) error {
	if err := transition(conn, models.ConnectionError); err != nil {
		return err
	}
	conn.ConsecutiveFailureCount++
	conn.LastErrorKind = &kind

	flagged := false
	if conn.ConsecutiveFailureCount >= m.opts.FailureThreshold && !conn.ReauthRequired {
		conn.ReauthRequired = true
		flagged = true
	}
	if err := m.store.SaveConnection(ctx, conn); err != nil {
		return err
	}
	if flagged {
		log.Printf("⚠️ [%s] Connection %s failed %d times in a row, user must reconnect", logging.Tag(ctx), conn.ID, conn.ConsecutiveFailureCount)
		notify.Emit(ctx, m.opts.Notifier, notify.Event{
			Type:         notify.ReauthRequired,
			ConnectionID: conn.ID,
			UserID:       conn.UserID,
			Data:         map[string]any{"consecutiveFailures": conn.ConsecutiveFailureCount},
		})
	}
	return nil
}

// ===== Sync outcome bookkeeping =====

// MarkSyncSucceeded moves the connection to ACTIVE and clears failure state.
func (m *Manager) MarkSyncSucceeded(ctx context.Context, connectionID string, at time.Time) error {
	defer m.lock(connectionID)()
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	if err := transition(&conn, models.ConnectionActive); err != nil {
		return err
	}
	at = at.UTC()
	conn.LastSyncAt = &at
	conn.ConsecutiveFailureCount = 0
	conn.LastErrorKind = nil
	conn.ReauthRequired = false
	conn.DeferredUntil = nil
	return m.store.SaveConnection(ctx, &conn)
}

// RecordSyncFailure books a failed sync. Credential and account errors move
// the connection to ERROR and count toward the re-auth threshold; rate
// limits are not failures; other kinds are only remembered.
func (m *Manager) RecordSyncFailure(ctx context.Context, connectionID, kind string) error {
	if kind == models.ErrorKindRateLimited {
		return nil
	}
	defer m.lock(connectionID)()
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn.Status == models.ConnectionRevoked {
		return nil
	}
	switch kind {
	case models.ErrorKindReauthRequired, models.ErrorKindProviderAccount:
		return m.recordFailure(ctx, &conn, kind)
	default:
		conn.LastErrorKind = &kind
		return m.store.SaveConnection(ctx, &conn)
	}
}

// DeferUntil keeps the scheduler away from a rate-limited connection.
func (m *Manager) DeferUntil(ctx context.Context, connectionID string, until time.Time) error {
	defer m.lock(connectionID)()
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	until = until.UTC()
	conn.DeferredUntil = &until
	kind := models.ErrorKindRateLimited
	conn.LastErrorKind = &kind
	return m.store.SaveConnection(ctx, &conn)
}

// ===== Authorization =====

func newState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// BeginAuthorization starts the OAuth flow: it records an INITIATED
// connection (reusing the user's pending one) with a fresh state value and
// returns the provider consent URL.
func (m *Manager) BeginAuthorization(ctx context.Context, userID, providerName string) (models.Connection, string, error) {
	client, err := m.providers.Get(providerName)
	if err != nil {
		return models.Connection{}, "", err
	}
	state, err := newState()
	if err != nil {
		return models.Connection{}, "", fmt.Errorf("generate state: %w", err)
	}

	conn, err := m.store.FindPendingConnection(ctx, userID, providerName)
	switch {
	case err == nil:
		conn.AuthState = &state
		err = m.store.SaveConnection(ctx, &conn)
	case errors.Is(err, ledger.ErrNotFound):
		conn = models.Connection{
			UserID:       userID,
			ProviderName: providerName,
			Status:       models.ConnectionInitiated,
			AuthState:    &state,
		}
		err = m.store.CreateConnection(ctx, &conn)
	}
	if err != nil {
		return models.Connection{}, "", err
	}
	log.Printf("🔑 [%s] Started authorization for user %s with %s (connection %s)", logging.Tag(ctx), userID, providerName, conn.ID)
	return conn, client.AuthCodeURL(state), nil
}

// BeginReauthorization attaches a fresh OAuth state to an existing
// connection so the callback re-authorizes it instead of creating a new one.
func (m *Manager) BeginReauthorization(ctx context.Context, connectionID string) (string, error) {
	defer m.lock(connectionID)()
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return "", err
	}
	if !CanTransition(conn.Status, models.ConnectionAuthorized) {
		return "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, conn.Status, models.ConnectionAuthorized)
	}
	client, err := m.providers.Get(conn.ProviderName)
	if err != nil {
		return "", err
	}
	state, err := newState()
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	conn.AuthState = &state
	if err := m.store.SaveConnection(ctx, &conn); err != nil {
		return "", err
	}
	return client.AuthCodeURL(state), nil
}

func (m *Manager) exchange(ctx context.Context, providerName, code string) (provider.Token, error) {
	client, err := m.providers.Get(providerName)
	if err != nil {
		return provider.Token{}, err
	}
	var tok provider.Token
	err = retry.Do(ctx, m.opts.Retry, "exchange code", retry.Classify, func(ctx context.Context) error {
		var xerr error
		tok, xerr = client.ExchangeCode(ctx, code)
		return xerr
	})
	if err != nil {
		return provider.Token{}, fmt.Errorf("exchange authorization code with %s: %w", providerName, err)
	}
	if tok.AccessToken == "" {
		return provider.Token{}, fmt.Errorf("exchange authorization code with %s: no access token returned", providerName)
	}
	return tok, nil
}

// ExchangeAuthCode completes the OAuth flow for a user: the code is traded
// for tokens and the user's pending connection (or a new one) becomes
// AUTHORIZED.
func (m *Manager) ExchangeAuthCode(ctx context.Context, userID, providerName, code string) (models.Connection, error) {
	conn, err := m.store.FindPendingConnection(ctx, userID, providerName)
	isNew := errors.Is(err, ledger.ErrNotFound)
	if err != nil && !isNew {
		return models.Connection{}, err
	}
	if isNew {
		conn = models.Connection{UserID: userID, ProviderName: providerName, Status: models.ConnectionInitiated}
	}
	return m.authorize(ctx, conn, isNew, code)
}

// CompleteAuthorization is the OAuth callback: state identifies the
// connection, which is authorized for the first time or re-authorized.
func (m *Manager) CompleteAuthorization(ctx context.Context, state, code string) (models.Connection, error) {
	if state == "" {
		return models.Connection{}, fmt.Errorf("missing oauth state: %w", ledger.ErrNotFound)
	}
	conn, err := m.store.FindConnectionByState(ctx, state)
	if err != nil {
		return models.Connection{}, err
	}
	if conn.Status == models.ConnectionInitiated {
		return m.authorize(ctx, conn, false, code)
	}
	return m.Reauthorize(ctx, conn.ID, code)
}

func (m *Manager) authorize(ctx context.Context, conn models.Connection, isNew bool, code string) (models.Connection, error) {
	tok, err := m.exchange(ctx, conn.ProviderName, code)
	if err != nil {
		return models.Connection{}, err
	}
	if err := m.applyToken(&conn, tok); err != nil {
		return models.Connection{}, err
	}
	if err := transition(&conn, models.ConnectionAuthorized); err != nil {
		return models.Connection{}, err
	}
	conn.AuthState = nil

	if isNew {
		err = m.store.CreateConnection(ctx, &conn)
	} else {
		err = m.store.SaveConnection(ctx, &conn)
	}
	if err != nil {
		return models.Connection{}, fmt.Errorf("save authorized connection: %w", err)
	}

	log.Printf("✅ [%s] Connection %s authorized for user %s with %s", logging.Tag(ctx), conn.ID, conn.UserID, conn.ProviderName)
	notify.Emit(ctx, m.opts.Notifier, notify.Event{Type: notify.ConnectionAuthorized, ConnectionID: conn.ID, UserID: conn.UserID})
	return conn, nil
}

// Reauthorize exchanges a fresh code for an existing connection. It is the
// only way out of ERROR with the re-auth flag set, or out of REVOKED.
func (m *Manager) Reauthorize(ctx context.Context, connectionID, code string) (models.Connection, error) {
	defer m.lock(connectionID)()
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return models.Connection{}, err
	}
	if !CanTransition(conn.Status, models.ConnectionAuthorized) {
		return models.Connection{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, conn.Status, models.ConnectionAuthorized)
	}

	tok, err := m.exchange(ctx, conn.ProviderName, code)
	if err != nil {
		return models.Connection{}, err
	}
	if err := m.applyToken(&conn, tok); err != nil {
		return models.Connection{}, err
	}
	wasRevoked := conn.Status == models.ConnectionRevoked
	if err := transition(&conn, models.ConnectionAuthorized); err != nil {
		return models.Connection{}, err
	}
	conn.ConsecutiveFailureCount = 0
	conn.ReauthRequired = false
	conn.LastErrorKind = nil
	conn.DeferredUntil = nil
	conn.RevokedAt = nil
	conn.AuthState = nil
	if err := m.store.SaveConnection(ctx, &conn); err != nil {
		return models.Connection{}, err
	}
	if err := m.store.EnableAccounts(ctx, conn.ID); err != nil {
		return models.Connection{}, fmt.Errorf("re-enable accounts: %w", err)
	}

	if wasRevoked {
		log.Printf("✅ [%s] Revoked connection %s re-authorized", logging.Tag(ctx), conn.ID)
	} else {
		log.Printf("✅ [%s] Connection %s re-authorized", logging.Tag(ctx), conn.ID)
	}
	notify.Emit(ctx, m.opts.Notifier, notify.Event{Type: notify.ConnectionAuthorized, ConnectionID: conn.ID, UserID: conn.UserID})
	return conn, nil
}

// Revoke ends a connection: tokens are wiped, accounts disabled and history
// kept. Revoking a revoked connection is a no-op, so repeated provider
// deauthorization webhooks are harmless.
func (m *Manager) Revoke(ctx context.Context, connectionID string) error {
	defer m.lock(connectionID)()
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn.Status == models.ConnectionRevoked {
		return nil
	}
	if err := m.store.RevokeConnection(ctx, conn.ID, m.opts.Now()); err != nil {
		return fmt.Errorf("revoke connection %s: %w", conn.ID, err)
	}
	log.Printf("🔒 [%s] Connection %s revoked", logging.Tag(ctx), conn.ID)
	notify.Emit(ctx, m.opts.Notifier, notify.Event{Type: notify.ConnectionRevoked, ConnectionID: conn.ID, UserID: conn.UserID})
	return nil
}
