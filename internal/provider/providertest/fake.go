// Package providertest provides a scripted provider.Client for tests.
package providertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pysugar/ledgersync/internal/provider"
)

// Fake serves accounts and cursor-addressed pages from memory. Pages are
// keyed by the cursor that requests them ("" is the first page).
type Fake struct {
	mu sync.Mutex

	Accounts    []provider.AccountDTO
	AccountsErr error
	Pages       map[string]provider.Page
	// PageErrs are returned, in order, before serving the page for a cursor.
	PageErrs map[string][]error

	RefreshResult provider.Token
	RefreshErr    error
	ExchangeErr   error

	// Block, when set, makes FetchTransactions wait for it to be closed.
	Block chan struct{}
	// Started is signalled the first time FetchTransactions is entered.
	Started chan struct{}

	RefreshCalls     int
	ExchangeCalls    int
	AccountCalls     int
	TransactionCalls int
	Cursors          []string
	AccessTokens     []string

	startOnce sync.Once
}

var _ provider.Client = (*Fake)(nil)

// New returns an empty fake.
func New() *Fake {
	return &Fake{Pages: map[string]provider.Page{}, PageErrs: map[string][]error{}}
}

// AddPage registers the page served for cursor.
func (f *Fake) AddPage(cursor string, page provider.Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Pages[cursor] = page
}

// FailPage queues errs for cursor.
func (f *Fake) FailPage(cursor string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PageErrs[cursor] = append(f.PageErrs[cursor], errs...)
}

func (f *Fake) AuthCodeURL(state string) string {
	return "https://fake.test/authorize?state=" + state
}

func (f *Fake) ExchangeCode(ctx context.Context, code string) (provider.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ExchangeCalls++
	if f.ExchangeErr != nil {
		return provider.Token{}, f.ExchangeErr
	}
	return provider.Token{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func (f *Fake) RefreshToken(ctx context.Context, refreshToken string) (provider.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RefreshCalls++
	if f.RefreshErr != nil {
		return provider.Token{}, f.RefreshErr
	}
	return f.RefreshResult, nil
}

func (f *Fake) FetchAccounts(ctx context.Context, sess provider.Session) ([]provider.AccountDTO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AccountCalls++
	f.AccessTokens = append(f.AccessTokens, sess.AccessToken)
	if f.AccountsErr != nil {
		return nil, f.AccountsErr
	}
	return append([]provider.AccountDTO(nil), f.Accounts...), nil
}

func (f *Fake) FetchTransactions(ctx context.Context, sess provider.Session, cursor string) (provider.Page, error) {
	f.startOnce.Do(func() {
		if f.Started != nil {
			close(f.Started)
		}
	})
	if f.Block != nil {
		select {
		case <-f.Block:
		case <-ctx.Done():
			return provider.Page{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.TransactionCalls++
	f.Cursors = append(f.Cursors, cursor)
	if errs := f.PageErrs[cursor]; len(errs) > 0 {
		f.PageErrs[cursor] = errs[1:]
		return provider.Page{}, errs[0]
	}
	page, ok := f.Pages[cursor]
	if !ok {
		return provider.Page{}, fmt.Errorf("fake: no page for cursor %q", cursor)
	}
	return page, nil
}

// Calls returns a snapshot of the call counters.
func (f *Fake) Calls() (refresh, accounts, transactions int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.RefreshCalls, f.AccountCalls, f.TransactionCalls
}

// Tx builds an added transaction with a decimal amount.
func Tx(externalID, externalAccountID, amount, date, description string) provider.TransactionDTO {
	dto := provider.TransactionDTO{
		Kind:              provider.Added,
		ExternalAccountID: externalAccountID,
		Amount:            &amount,
		PostedDate:        date,
		Description:       description,
		Raw:               []byte(fmt.Sprintf(`{"id":%q,"amount":%q,"date":%q,"name":%q}`, externalID, amount, date, description)),
	}
	if externalID != "" {
		dto.ExternalID = &externalID
	}
	return dto
}

// Removal builds a removed-transaction signal carrying only the IDs.
func Removal(externalID, externalAccountID string) provider.TransactionDTO {
	return provider.TransactionDTO{
		Kind:              provider.Removed,
		ExternalID:        &externalID,
		ExternalAccountID: externalAccountID,
		Raw:               []byte(`{"id":"` + strings.ReplaceAll(externalID, `"`, "") + `"}`),
	}
}

// Account builds an account DTO with a decimal balance.
func Account(externalID, name, accountType, currency string, balance *string) provider.AccountDTO {
	return provider.AccountDTO{
		ExternalID: externalID,
		Name:       name,
		Type:       accountType,
		Currency:   currency,
		Balance:    balance,
	}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
