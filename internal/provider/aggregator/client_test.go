package aggregator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pysugar/ledgersync/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{
		Name:         "sandbox",
		BaseURL:      srv.URL,
		AuthURL:      srv.URL + "/oauth/authorize",
		TokenURL:     srv.URL + "/oauth/token",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "http://localhost/auth/sandbox/callback",
		HTTPClient:   srv.Client(),
	})
	require.NoError(t, err)
	return c
}

var testSession = provider.Session{ConnectionID: "c1", ProviderName: "sandbox", AccessToken: "access-1"}

func TestFetchAccounts(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts", r.URL.Path)
		assert.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
		w.Write([]byte(`{"accounts":[
			{"account_id":"ext-1","name":"Checking","type":"depository","iso_currency_code":"USD","balances":{"current":"100.25"}},
			{"account_id":"ext-2","name":"Card","type":"credit","iso_currency_code":"JPY","currency_exponent":0,"balances":{"current_minor":-1200}}
		]}`))
	})

	accounts, err := c.FetchAccounts(context.Background(), testSession)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "ext-1", accounts[0].ExternalID)
	require.NotNil(t, accounts[0].Balance)
	assert.Equal(t, "100.25", *accounts[0].Balance)
	require.NotNil(t, accounts[1].BalanceMinor)
	assert.Equal(t, int64(-1200), *accounts[1].BalanceMinor)
	require.NotNil(t, accounts[1].CurrencyExponent)
	assert.Equal(t, 0, *accounts[1].CurrencyExponent)
}

func TestFetchTransactions_DecodesPage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transactions/sync", r.URL.Path)
		assert.Equal(t, "cur-1", r.URL.Query().Get("cursor"))
		w.Write([]byte(`{
			"added":[{"transaction_id":"t1","account_id":"ext-1","amount":"-5.00","date":"2025-01-05","name":"COFFEE SHOP","pending":false},
			         {"transaction_id":"t2","account_id":"ext-1","amount":12,"credit_debit_indicator":"credit","datetime":"2025-01-06T23:30:00Z","name":"REFUND"}],
			"removed":[{"transaction_id":"t0","account_id":"ext-1"}],
			"next_cursor":"cur-2","has_more":true}`))
	})

	page, err := c.FetchTransactions(context.Background(), testSession, "cur-1")
	require.NoError(t, err)
	assert.Equal(t, "cur-2", page.NextCursor)
	assert.True(t, page.HasMore)
	require.Len(t, page.Transactions, 3)

	first := page.Transactions[0]
	assert.Equal(t, provider.Added, first.Kind)
	require.NotNil(t, first.Amount)
	assert.Equal(t, "-5.00", *first.Amount)
	assert.Equal(t, "2025-01-05", first.PostedDate)
	assert.NotEmpty(t, first.Raw)

	second := page.Transactions[1]
	assert.Equal(t, provider.DirectionCredit, second.Direction)
	require.NotNil(t, second.PostedAt)

	removed := page.Transactions[2]
	assert.Equal(t, provider.Removed, removed.Kind)
	require.NotNil(t, removed.ExternalID)
	assert.Equal(t, "t0", *removed.ExternalID)
	assert.False(t, removed.HasContent())
}

func TestFetchTransactions_EmptyCursorOmitted(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, present := r.URL.Query()["cursor"]
		assert.False(t, present)
		w.Write([]byte(`{"added":[],"removed":[],"next_cursor":"c1","has_more":false}`))
	})
	_, err := c.FetchTransactions(context.Background(), testSession, "")
	require.NoError(t, err)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header map[string]string
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name: "rate limited", status: http.StatusTooManyRequests, header: map[string]string{"Retry-After": "7"},
			check: func(t *testing.T, err error) {
				rl, ok := provider.AsRateLimited(err)
				require.True(t, ok)
				assert.Equal(t, 7*time.Second, rl.RetryAfter)
			},
		},
		{
			name: "server error", status: http.StatusBadGateway, body: `{"error_message":"upstream down"}`,
			check: func(t *testing.T, err error) { assert.True(t, provider.IsTransient(err)) },
		},
		{
			name: "unauthorized", status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) { assert.True(t, provider.IsAuth(err)) },
		},
		{
			name: "login required", status: http.StatusBadRequest, body: `{"error_type":"ITEM_ERROR","error_code":"ITEM_LOGIN_REQUIRED"}`,
			check: func(t *testing.T, err error) { assert.True(t, provider.IsAuth(err)) },
		},
		{
			name: "account locked", status: http.StatusBadRequest, body: `{"error_type":"ACCOUNT_ERROR","error_code":"ACCOUNT_LOCKED","account_id":"ext-1"}`,
			check: func(t *testing.T, err error) { assert.True(t, provider.IsAccount(err)) },
		},
		{
			name: "other client error", status: http.StatusBadRequest, body: `{"error_code":"INVALID_FIELD"}`,
			check: func(t *testing.T, err error) {
				assert.False(t, provider.IsTransient(err))
				assert.False(t, provider.IsAuth(err))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := c.FetchAccounts(context.Background(), testSession)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func tokenHandler(t *testing.T, status int, body map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/token" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	}
}

func TestRefreshToken(t *testing.T) {
	c := newTestClient(t, tokenHandler(t, http.StatusOK, map[string]any{
		"access_token": "access-2", "token_type": "bearer", "refresh_token": "refresh-2", "expires_in": 3600,
	}))

	tok, err := c.RefreshToken(context.Background(), "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok.AccessToken)
	assert.Equal(t, "refresh-2", tok.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.ExpiresAt, time.Minute)
}

func TestRefreshToken_NotRotated(t *testing.T) {
	c := newTestClient(t, tokenHandler(t, http.StatusOK, map[string]any{
		"access_token": "access-2", "token_type": "bearer", "expires_in": 3600,
	}))
	tok, err := c.RefreshToken(context.Background(), "refresh-1")
	require.NoError(t, err)
	assert.Empty(t, tok.RefreshToken)
}

func TestRefreshToken_InvalidGrantIsAuthError(t *testing.T) {
	c := newTestClient(t, tokenHandler(t, http.StatusBadRequest, map[string]any{"error": "invalid_grant"}))
	_, err := c.RefreshToken(context.Background(), "refresh-1")
	require.Error(t, err)
	assert.True(t, provider.IsAuth(err))
}

func TestRefreshToken_ServerErrorIsTransient(t *testing.T) {
	c := newTestClient(t, tokenHandler(t, http.StatusServiceUnavailable, map[string]any{"error": "temporarily_unavailable"}))
	_, err := c.RefreshToken(context.Background(), "refresh-1")
	require.Error(t, err)
	assert.True(t, provider.IsTransient(err))
}

func TestRefreshToken_MissingRefreshToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider must not be called")
	})
	_, err := c.RefreshToken(context.Background(), "")
	assert.True(t, provider.IsAuth(err))
}

func TestExchangeCode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "code-1", r.PostForm.Get("code"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"access-1","token_type":"bearer","refresh_token":"refresh-1","expires_in":1800}`))
	})

	tok, err := c.ExchangeCode(context.Background(), "code-1")
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)
	assert.Equal(t, "refresh-1", tok.RefreshToken)
}

func TestAuthCodeURL(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	u := c.AuthCodeURL("state-123")
	assert.Contains(t, u, "/oauth/authorize?")
	assert.Contains(t, u, "state=state-123")
	assert.Contains(t, u, "client_id=client-id")
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Config{Name: "x", ClientID: "id"})
	assert.Error(t, err)
	_, err = New(Config{Name: "x", BaseURL: "http://example"})
	assert.Error(t, err)
}
