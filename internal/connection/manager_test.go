package connection

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pysugar/ledgersync/internal/db"
	"github.com/pysugar/ledgersync/internal/db/models"
	"github.com/pysugar/ledgersync/internal/ledger"
	"github.com/pysugar/ledgersync/internal/notify"
	"github.com/pysugar/ledgersync/internal/provider"
	"github.com/pysugar/ledgersync/internal/provider/providertest"
	"github.com/pysugar/ledgersync/internal/retry"
	"github.com/pysugar/ledgersync/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 1, 5, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store   *ledger.Store
	vault   *vault.Vault
	fake    *providertest.Fake
	events  *notify.Recorder
	manager *Manager
}

func newFixture(t *testing.T, threshold int) *fixture {
	t.Helper()
	store := ledger.NewStore(db.OpenTest(t))
	v, err := vault.New("test-token-key")
	require.NoError(t, err)

	fake := providertest.New()
	reg := provider.NewRegistry()
	reg.Register("sandbox", fake)

	events := &notify.Recorder{}
	policy := retry.DefaultPolicy()
	policy.Sleep = func(context.Context, time.Duration) error { return nil }

	m := NewManager(store, v, reg, Options{
		FailureThreshold: threshold,
		Retry:            policy,
		Notifier:         events,
		Now:              func() time.Time { return testNow },
	})
	return &fixture{store: store, vault: v, fake: fake, events: events, manager: m}
}

// authorized returns an AUTHORIZED connection whose token expires in expiresIn.
func (f *fixture) authorized(t *testing.T, expiresIn time.Duration) models.Connection {
	t.Helper()
	ctx := context.Background()
	conn, err := f.manager.ExchangeAuthCode(ctx, "user-1", "sandbox", "code-1")
	require.NoError(t, err)
	exp := testNow.Add(expiresIn)
	conn.TokenExpiresAt = &exp
	require.NoError(t, f.store.SaveConnection(ctx, &conn))
	return conn
}

func (f *fixture) reload(t *testing.T, id string) models.Connection {
	t.Helper()
	conn, err := f.store.GetConnection(context.Background(), id)
	require.NoError(t, err)
	return conn
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{models.ConnectionInitiated, models.ConnectionAuthorized, true},
		{models.ConnectionInitiated, models.ConnectionActive, false},
		{models.ConnectionAuthorized, models.ConnectionActive, true},
		{models.ConnectionActive, models.ConnectionError, true},
		{models.ConnectionError, models.ConnectionActive, true},
		{models.ConnectionActive, models.ConnectionRevoked, true},
		{models.ConnectionRevoked, models.ConnectionActive, false},
		{models.ConnectionRevoked, models.ConnectionError, false},
		{models.ConnectionRevoked, models.ConnectionAuthorized, true},
		{models.ConnectionError, models.ConnectionInitiated, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestExchangeAuthCode_SealsTokens(t *testing.T) {
	f := newFixture(t, 5)
	conn, err := f.manager.ExchangeAuthCode(context.Background(), "user-1", "sandbox", "abc")
	require.NoError(t, err)

	stored := f.reload(t, conn.ID)
	assert.Equal(t, models.ConnectionAuthorized, stored.Status)
	assert.NotContains(t, stored.EncryptedAccessToken, "access-abc")
	access, err := f.vault.Open(stored.EncryptedAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "access-abc", access)
	require.NotNil(t, stored.EncryptedRefreshToken)
	refresh, err := f.vault.Open(*stored.EncryptedRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "refresh-abc", refresh)
	assert.Len(t, f.events.OfType(notify.ConnectionAuthorized), 1)
}

func TestExchangeAuthCode_FailureLeavesNoConnection(t *testing.T) {
	f := newFixture(t, 5)
	f.fake.ExchangeErr = &provider.AuthError{Op: "exchange", Code: "invalid_grant", Err: errors.New("bad code")}

	_, err := f.manager.ExchangeAuthCode(context.Background(), "user-1", "sandbox", "bad")
	require.Error(t, err)
	_, err = f.store.FindPendingConnection(context.Background(), "user-1", "sandbox")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestBeginAndCompleteAuthorization(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	pending, url, err := f.manager.BeginAuthorization(ctx, "user-1", "sandbox")
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionInitiated, pending.Status)
	require.NotNil(t, pending.AuthState)
	assert.True(t, strings.HasSuffix(url, "state="+*pending.AuthState))

	again, _, err := f.manager.BeginAuthorization(ctx, "user-1", "sandbox")
	require.NoError(t, err)
	assert.Equal(t, pending.ID, again.ID, "pending connection is reused")

	_, err = f.manager.CompleteAuthorization(ctx, *pending.AuthState, "xyz")
	assert.ErrorIs(t, err, ledger.ErrNotFound, "the first state was replaced")

	conn, err := f.manager.CompleteAuthorization(ctx, *again.AuthState, "xyz")
	require.NoError(t, err)
	assert.Equal(t, pending.ID, conn.ID)
	assert.Equal(t, models.ConnectionAuthorized, conn.Status)
	assert.Nil(t, f.reload(t, conn.ID).AuthState)

	_, _, err = f.manager.BeginAuthorization(ctx, "user-1", "unknown-bank")
	assert.Error(t, err)
}

func TestEnsureValidToken_RefreshesInsideMargin(t *testing.T) {
	f := newFixture(t, 5)
	conn := f.authorized(t, 2*time.Minute)
	f.fake.RefreshResult = provider.Token{AccessToken: "fresh", ExpiresAt: testNow.Add(time.Hour)}

	require.NoError(t, f.manager.EnsureValidToken(context.Background(), conn.ID))
	assert.Equal(t, 1, f.fake.RefreshCalls)

	stored := f.reload(t, conn.ID)
	access, err := f.vault.Open(stored.EncryptedAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "fresh", access)
	require.NotNil(t, stored.TokenExpiresAt)
	assert.True(t, stored.TokenExpiresAt.Equal(testNow.Add(time.Hour)))
	refresh, err := f.vault.Open(*stored.EncryptedRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "refresh-code-1", refresh, "unrotated refresh token is kept")
	assert.Equal(t, models.ConnectionAuthorized, stored.Status)
}

func TestEnsureValidToken_SkipsFreshToken(t *testing.T) {
	f := newFixture(t, 5)
	conn := f.authorized(t, 10*time.Minute)

	require.NoError(t, f.manager.EnsureValidToken(context.Background(), conn.ID))
	assert.Equal(t, 0, f.fake.RefreshCalls)

	sess, err := f.manager.Credentials(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-code-1", sess.AccessToken)
	assert.NotContains(t, sess.String(), "access-code-1")
}

func TestEnsureValidToken_RefreshFailureMovesToError(t *testing.T) {
	f := newFixture(t, 5)
	conn := f.authorized(t, 2*time.Minute)
	f.fake.RefreshErr = &provider.AuthError{Op: "refresh", StatusCode: 400, Code: "invalid_grant", Err: errors.New("revoked at bank")}

	err := f.manager.EnsureValidToken(context.Background(), conn.ID)
	var reauth *ReauthRequiredError
	require.ErrorAs(t, err, &reauth)
	assert.Equal(t, conn.ID, reauth.ConnectionID)
	assert.Equal(t, 1, f.fake.RefreshCalls, "auth failures are not retried")

	stored := f.reload(t, conn.ID)
	assert.Equal(t, models.ConnectionError, stored.Status)
	assert.Equal(t, 1, stored.ConsecutiveFailureCount)
	require.NotNil(t, stored.LastErrorKind)
	assert.Equal(t, models.ErrorKindReauthRequired, *stored.LastErrorKind)
	assert.False(t, stored.ReauthRequired)
}

func TestEnsureValidToken_TransientFailureKeepsStatus(t *testing.T) {
	f := newFixture(t, 5)
	conn := f.authorized(t, time.Minute)
	f.fake.RefreshErr = &provider.TransientError{Op: "refresh", StatusCode: 503, Err: errors.New("unavailable")}

	err := f.manager.EnsureValidToken(context.Background(), conn.ID)
	require.Error(t, err)
	assert.True(t, provider.IsTransient(err))
	assert.Equal(t, 4, f.fake.RefreshCalls, "one attempt plus three retries")

	stored := f.reload(t, conn.ID)
	assert.Equal(t, models.ConnectionAuthorized, stored.Status)
	assert.Equal(t, 0, stored.ConsecutiveFailureCount)
}

func TestEnsureValidToken_ThresholdFlagsButNeverRevokes(t *testing.T) {
	f := newFixture(t, 2)
	conn := f.authorized(t, time.Minute)
	f.fake.RefreshErr = &provider.AuthError{Op: "refresh", Code: "invalid_grant", Err: errors.New("nope")}
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.Error(t, f.manager.EnsureValidToken(ctx, conn.ID))
	}

	stored := f.reload(t, conn.ID)
	assert.Equal(t, models.ConnectionError, stored.Status)
	assert.True(t, stored.ReauthRequired)
	assert.Equal(t, 4, stored.ConsecutiveFailureCount)
	assert.Len(t, f.events.OfType(notify.ReauthRequired), 1, "flagged once")
}

func TestEnsureValidToken_Preconditions(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	assert.ErrorIs(t, f.manager.EnsureValidToken(ctx, "missing"), ledger.ErrNotFound)

	pending, _, err := f.manager.BeginAuthorization(ctx, "user-2", "sandbox")
	require.NoError(t, err)
	assert.ErrorIs(t, f.manager.EnsureValidToken(ctx, pending.ID), ErrNotAuthorized)

	conn := f.authorized(t, time.Hour)
	require.NoError(t, f.manager.Revoke(ctx, conn.ID))
	assert.ErrorIs(t, f.manager.EnsureValidToken(ctx, conn.ID), ErrRevoked)
}

func TestRevokeAndReauthorize(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	conn := f.authorized(t, time.Hour)
	_, err := f.store.UpsertAccounts(ctx, conn.ID, []models.Account{{ExternalAccountID: "a1", Name: "Checking", Currency: "USD", CurrencyExponent: 2}})
	require.NoError(t, err)

	require.NoError(t, f.manager.Revoke(ctx, conn.ID))
	require.NoError(t, f.manager.Revoke(ctx, conn.ID), "revoking twice is a no-op")
	assert.Len(t, f.events.OfType(notify.ConnectionRevoked), 1)

	revoked := f.reload(t, conn.ID)
	assert.Equal(t, models.ConnectionRevoked, revoked.Status)
	assert.Empty(t, revoked.EncryptedAccessToken)
	accounts, err := f.store.ListAccounts(ctx, conn.ID)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.NotNil(t, accounts[0].DisabledAt)

	assert.ErrorIs(t, f.manager.MarkSyncSucceeded(ctx, conn.ID, testNow), ErrInvalidTransition)

	url, err := f.manager.BeginReauthorization(ctx, conn.ID)
	require.NoError(t, err)
	state := url[strings.Index(url, "state=")+len("state="):]

	again, err := f.manager.CompleteAuthorization(ctx, state, "code-2")
	require.NoError(t, err)
	assert.Equal(t, conn.ID, again.ID)
	assert.Equal(t, models.ConnectionAuthorized, again.Status)
	assert.Nil(t, again.RevokedAt)

	accounts, err = f.store.ListAccounts(ctx, conn.ID)
	require.NoError(t, err)
	assert.Nil(t, accounts[0].DisabledAt)
}

func TestSyncOutcomeBookkeeping(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	conn := f.authorized(t, time.Hour)

	require.NoError(t, f.manager.RecordSyncFailure(ctx, conn.ID, models.ErrorKindTimeout))
	stored := f.reload(t, conn.ID)
	assert.Equal(t, models.ConnectionAuthorized, stored.Status, "timeouts do not change status")
	assert.Equal(t, models.ErrorKindTimeout, *stored.LastErrorKind)

	require.NoError(t, f.manager.RecordSyncFailure(ctx, conn.ID, models.ErrorKindRateLimited))
	assert.Equal(t, 0, f.reload(t, conn.ID).ConsecutiveFailureCount)

	require.NoError(t, f.manager.RecordSyncFailure(ctx, conn.ID, models.ErrorKindProviderAccount))
	stored = f.reload(t, conn.ID)
	assert.Equal(t, models.ConnectionError, stored.Status)
	assert.Equal(t, 1, stored.ConsecutiveFailureCount)

	until := testNow.Add(10 * time.Minute)
	require.NoError(t, f.manager.DeferUntil(ctx, conn.ID, until))
	require.NotNil(t, f.reload(t, conn.ID).DeferredUntil)

	require.NoError(t, f.manager.MarkSyncSucceeded(ctx, conn.ID, testNow))
	stored = f.reload(t, conn.ID)
	assert.Equal(t, models.ConnectionActive, stored.Status)
	assert.Equal(t, 0, stored.ConsecutiveFailureCount)
	assert.Nil(t, stored.LastErrorKind)
	assert.Nil(t, stored.DeferredUntil)
	require.NotNil(t, stored.LastSyncAt)
	assert.True(t, stored.LastSyncAt.Equal(testNow))
}

func TestMarkSyncSucceeded_ActivatesAuthorizedConnection(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	conn := f.authorized(t, time.Hour)
	require.Equal(t, models.ConnectionAuthorized, conn.Status)

	require.NoError(t, f.manager.MarkSyncSucceeded(ctx, conn.ID, testNow))
	stored := f.reload(t, conn.ID)
	assert.Equal(t, models.ConnectionActive, stored.Status)
	require.NotNil(t, stored.LastSyncAt)
	assert.True(t, stored.LastSyncAt.Equal(testNow))
}
