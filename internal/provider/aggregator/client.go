// Package aggregator is a provider.Client for REST bank data aggregators that
// expose cursor-based transaction sync behind OAuth 2.0.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pysugar/ledgersync/internal/provider"
	"golang.org/x/oauth2"
)

// Config configures one aggregator.
type Config struct {
	Name         string
	BaseURL      string
	AuthURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string // never logged
	RedirectURL  string
	Scopes       []string
	Timeout      time.Duration
	// HTTPClient is optional, mainly for tests.
	HTTPClient *http.Client
}

// Client implements provider.Client.
type Client struct {
	name       string
	baseURL    string
	httpClient *http.Client
	oauth      *oauth2.Config
}

var _ provider.Client = (*Client)(nil)

// New validates cfg and returns a client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("aggregator %s: base_url is required", cfg.Name)
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("aggregator %s: client_id is required", cfg.Name)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		name:       cfg.Name,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
	}, nil
}

// AuthCodeURL returns the consent URL requesting offline access.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// ExchangeCode trades an authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code string) (provider.Token, error) {
	tok, err := c.oauth.Exchange(c.oauthContext(ctx), code)
	if err != nil {
		return provider.Token{}, classifyTokenError("exchange", err)
	}
	return fromOAuthToken(tok), nil
}

// RefreshToken obtains a new access token. A rotated refresh token is
// returned when the provider issues one.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (provider.Token, error) {
	if refreshToken == "" {
		return provider.Token{}, &provider.AuthError{Op: "refresh", Code: "missing_refresh_token", Err: errors.New("no refresh token stored")}
	}
	src := c.oauth.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return provider.Token{}, classifyTokenError("refresh", err)
	}
	out := fromOAuthToken(tok)
	if out.RefreshToken == refreshToken {
		out.RefreshToken = ""
	}
	return out, nil
}

// FetchAccounts lists the accounts behind the session.
func (c *Client) FetchAccounts(ctx context.Context, sess provider.Session) ([]provider.AccountDTO, error) {
	resp, err := doGet[accountsResponse](ctx, c, sess.AccessToken, "accounts", "/accounts", nil)
	if err != nil {
		return nil, err
	}
	out := make([]provider.AccountDTO, 0, len(resp.Accounts))
	for _, a := range resp.Accounts {
		out = append(out, a.toDTO())
	}
	return out, nil
}

// FetchTransactions returns the page of changes after cursor.
func (c *Client) FetchTransactions(ctx context.Context, sess provider.Session, cursor string) (provider.Page, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	resp, err := doGet[syncResponse](ctx, c, sess.AccessToken, "transactions", "/transactions/sync", q)
	if err != nil {
		return provider.Page{}, err
	}
	page := provider.Page{
		Transactions: make([]provider.TransactionDTO, 0, len(resp.Added)+len(resp.Removed)),
		NextCursor:   resp.NextCursor,
		HasMore:      resp.HasMore,
	}
	for _, raw := range resp.Added {
		page.Transactions = append(page.Transactions, decodeTransaction(raw, provider.Added))
	}
	for _, raw := range resp.Removed {
		page.Transactions = append(page.Transactions, decodeTransaction(raw, provider.Removed))
	}
	return page, nil
}

func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func doGet[T any](ctx context.Context, c *Client, accessToken, op, path string, query url.Values) (*T, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &provider.TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyResponse(op, resp)
	}

	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", op, err)
	}
	return &out, nil
}

// classifyResponse maps a non-200 response onto the provider error taxonomy.
func classifyResponse(op string, resp *http.Response) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		return &provider.RateLimitedError{Op: op, RetryAfter: ParseRetryDelay(resp)}
	}
	body, raw := readErrorBody(resp)
	msg := body.ErrorMessage
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	cause := fmt.Errorf("status %d: %s", resp.StatusCode, msg)

	switch {
	case resp.StatusCode >= 500:
		return &provider.TransientError{Op: op, StatusCode: resp.StatusCode, Err: cause}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden,
		body.ErrorType == "ITEM_ERROR" && body.ErrorCode == "ITEM_LOGIN_REQUIRED":
		return &provider.AuthError{Op: op, StatusCode: resp.StatusCode, Code: body.ErrorCode, Err: cause}
	case body.ErrorType == "ACCOUNT_ERROR" || strings.HasPrefix(body.ErrorCode, "ACCOUNT_"):
		return &provider.AccountError{Op: op, ExternalAccountID: body.AccountID, Code: body.ErrorCode, Err: cause}
	default:
		return fmt.Errorf("%s: %w", op, cause)
	}
}

// permanentTokenMarkers are OAuth error codes after which refreshing again
// cannot succeed.
var permanentTokenMarkers = []string{
	"invalid_grant",
	"invalid_client",
	"unauthorized_client",
	"token has been expired or revoked",
	"revoked",
}

func classifyTokenError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		status := re.Response.StatusCode
		switch {
		case status == http.StatusTooManyRequests:
			return &provider.RateLimitedError{Op: op, RetryAfter: ParseRetryDelay(re.Response)}
		case status >= 500:
			return &provider.TransientError{Op: op, StatusCode: status, Err: err}
		case re.ErrorCode != "" || status == http.StatusBadRequest || status == http.StatusUnauthorized:
			return &provider.AuthError{Op: op, StatusCode: status, Code: re.ErrorCode, Err: err}
		}
	}
	if isPermanentTokenError(err) {
		return &provider.AuthError{Op: op, Code: "invalid_grant", Err: err}
	}
	return &provider.TransientError{Op: op, Err: err}
}

func isPermanentTokenError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range permanentTokenMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func fromOAuthToken(tok *oauth2.Token) provider.Token {
	return provider.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
}
