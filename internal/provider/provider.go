// Package provider defines the boundary to bank data aggregators.
package provider

import (
	"context"
	"encoding/json"
	"time"
)

// Session carries a decrypted access token for one sequence of provider
// calls. It must not be logged or persisted.
type Session struct {
	ConnectionID string
	ProviderName string
	AccessToken  string
}

// String redacts the access token.
func (s Session) String() string {
	return "provider.Session{" + s.ProviderName + ":" + s.ConnectionID + "}"
}

// Token is the result of a code exchange or refresh. RefreshToken is empty
// when the provider did not rotate it.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// AccountDTO is an account as reported by the provider.
type AccountDTO struct {
	ExternalID       string
	Name             string
	Type             string
	Currency         string
	CurrencyExponent *int
	Timezone         string
	// Balance is the provider-reported current balance, as a decimal string
	// in major units or already in minor units.
	Balance      *string
	BalanceMinor *int64
}

// ChangeKind tags a TransactionDTO.
type ChangeKind string

const (
	Added   ChangeKind = "added"
	Removed ChangeKind = "removed"
)

// Direction indicators some providers use instead of signed amounts.
const (
	DirectionCredit = "CREDIT"
	DirectionDebit  = "DEBIT"
)

// TransactionDTO is one change from a transactions page. Optional fields are
// pointers; exactly one of Amount and AmountMinor is expected on Added records.
// Removed records may carry only ExternalID and ExternalAccountID.
type TransactionDTO struct {
	Kind              ChangeKind
	ExternalID        *string
	ExternalAccountID string

	Amount           *string
	AmountMinor      *int64
	Currency         string
	CurrencyExponent *int
	Direction        string

	// PostedDate is YYYY-MM-DD as reported; PostedAt is used instead when the
	// provider reports a timestamp.
	PostedDate string
	PostedAt   *time.Time

	Description  string
	MerchantName string
	Pending      bool

	// Raw is the record as received, hashed for audit.
	Raw json.RawMessage
}

// HasContent reports whether the record carries enough data to fingerprint.
func (t TransactionDTO) HasContent() bool {
	return (t.Amount != nil || t.AmountMinor != nil) && (t.PostedDate != "" || t.PostedAt != nil)
}

// Page is one page of transaction changes.
type Page struct {
	Transactions []TransactionDTO
	NextCursor   string
	HasMore      bool
}

// Client talks to one bank data aggregator. Any method may return a
// *RateLimitedError, *TransientError, *AuthError or *AccountError.
type Client interface {
	// AuthCodeURL returns the consent page URL for state.
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (Token, error)
	RefreshToken(ctx context.Context, refreshToken string) (Token, error)
	FetchAccounts(ctx context.Context, sess Session) ([]AccountDTO, error)
	// FetchTransactions returns the page after cursor; an empty cursor starts
	// from the beginning of the provider's history.
	FetchTransactions(ctx context.Context, sess Session, cursor string) (Page, error)
}
