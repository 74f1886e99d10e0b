// Package ingest pages transactions from a provider into the ledger. Each
// page is committed atomically together with the cursor that follows it, so
// a crash costs at most one page of repeated (and deduplicated) work.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/pysugar/ledgersync/internal/db/models"
	"github.com/pysugar/ledgersync/internal/ledger"
	"github.com/pysugar/ledgersync/internal/logging"
	"github.com/pysugar/ledgersync/internal/money"
	"github.com/pysugar/ledgersync/internal/provider"
	"github.com/pysugar/ledgersync/internal/retry"
)

var (
	// ErrTooManyPages is returned when a sync exceeds the page limit.
	ErrTooManyPages = errors.New("ingest: page limit exceeded")
	// ErrCursorStalled is returned when the provider reports more data but
	// hands back a cursor that does not move.
	ErrCursorStalled = errors.New("ingest: provider cursor did not advance")
)

// Store is the slice of the ledger the ingester uses.
type Store interface {
	GetConnection(ctx context.Context, id string) (models.Connection, error)
	UpsertAccounts(ctx context.Context, connectionID string, accounts []models.Account) ([]models.Account, error)
	CommitPage(ctx context.Context, page ledger.PageCommit) (ledger.PageOutcome, error)
}

// Credentials yields a fresh provider session for a connection.
type Credentials interface {
	Credentials(ctx context.Context, connectionID string) (provider.Session, error)
}

// Options tune the ingester.
type Options struct {
	MaxPages        int
	DefaultTimezone string
	// ProviderTimezones is the reporting timezone per provider, used for
	// accounts that do not declare their own.
	ProviderTimezones map[string]string
	Retry             retry.Policy
}

// Result summarizes one Ingest call.
type Result struct {
	Count      int
	Duplicates int
	Malformed  int
	Pending    int
	Superseded int
	Pages      int
	Cursor     string
	Accounts   []models.Account
}

// Ingester pulls provider data for a connection into the ledger.
type Ingester struct {
	store     Store
	creds     Credentials
	providers *provider.Registry
	opts      Options

	locMu sync.Mutex
	locs  map[string]*time.Location
}

// New creates an ingester.
func New(store Store, creds Credentials, providers *provider.Registry, opts Options) *Ingester {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 500
	}
	if opts.DefaultTimezone == "" {
		opts.DefaultTimezone = "UTC"
	}
	return &Ingester{
		store:     store,
		creds:     creds,
		providers: providers,
		opts:      opts,
		locs:      make(map[string]*time.Location),
	}
}

// Ingest refreshes the connection's accounts, then pages transactions from
// the persisted cursor until the provider has no more. Provider errors are
// returned wrapped, keeping their type for errors.As.
func (in *Ingester) Ingest(ctx context.Context, connectionID string) (Result, error) {
	var res Result

	conn, err := in.store.GetConnection(ctx, connectionID)
	if err != nil {
		return res, err
	}
	client, err := in.providers.Get(conn.ProviderName)
	if err != nil {
		return res, err
	}

	accounts, err := in.syncAccounts(ctx, conn, client)
	if err != nil {
		return res, err
	}
	res.Accounts = accounts
	byExternal := make(map[string]models.Account, len(accounts))
	for _, a := range accounts {
		byExternal[a.ExternalAccountID] = a
	}

	cursor := ""
	if conn.LastSyncCursor != nil {
		cursor = *conn.LastSyncCursor
	}
	res.Cursor = cursor

	for {
		if res.Pages >= in.opts.MaxPages {
			return res, fmt.Errorf("connection %s after %d pages: %w", conn.ID, res.Pages, ErrTooManyPages)
		}

		page, err := in.fetchPage(ctx, conn.ID, client, cursor)
		if err != nil {
			return res, fmt.Errorf("fetch page %d: %w", res.Pages+1, err)
		}
		res.Pages++

		commit := in.buildCommit(ctx, conn, page, byExternal, &res)
		outcome, err := in.store.CommitPage(ctx, commit)
		if err != nil {
			return res, fmt.Errorf("commit page %d: %w", res.Pages, err)
		}
		res.Count += outcome.Inserted
		res.Duplicates += outcome.Duplicates
		res.Superseded += outcome.Superseded
		if commit.NextCursor != nil {
			res.Cursor = *commit.NextCursor
		}

		log.Printf("📦 [%s] Page %d of connection %s: %d new, %d duplicate, %d superseded",
			logging.Tag(ctx), res.Pages, conn.ID, outcome.Inserted, outcome.Duplicates, outcome.Superseded)

		if !page.HasMore {
			break
		}
		if page.NextCursor == "" || page.NextCursor == cursor {
			return res, fmt.Errorf("connection %s at cursor %q: %w", conn.ID, cursor, ErrCursorStalled)
		}
		cursor = page.NextCursor
	}

	log.Printf("✅ [%s] Ingested connection %s: %d new, %d duplicate, %d malformed, %d pending, %d superseded over %d page(s)",
		logging.Tag(ctx), conn.ID, res.Count, res.Duplicates, res.Malformed, res.Pending, res.Superseded, res.Pages)
	return res, nil
}

func (in *Ingester) syncAccounts(ctx context.Context, conn models.Connection, client provider.Client) ([]models.Account, error) {
	var dtos []provider.AccountDTO
	err := retry.Do(ctx, in.opts.Retry, "fetch accounts", retry.Classify, func(ctx context.Context) error {
		sess, err := in.creds.Credentials(ctx, conn.ID)
		if err != nil {
			return err
		}
		dtos, err = client.FetchAccounts(ctx, sess)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch accounts: %w", err)
	}

	rows := make([]models.Account, 0, len(dtos))
	for _, dto := range dtos {
		if strings.TrimSpace(dto.ExternalID) == "" {
			log.Printf("⚠️ [%s] Skipping account without id from %s", logging.Tag(ctx), conn.ProviderName)
			continue
		}
		rows = append(rows, in.accountFromDTO(ctx, conn, dto))
	}
	return in.store.UpsertAccounts(ctx, conn.ID, rows)
}

func (in *Ingester) accountFromDTO(ctx context.Context, conn models.Connection, dto provider.AccountDTO) models.Account {
	currency := strings.ToUpper(strings.TrimSpace(dto.Currency))
	exp := money.Exponent(currency)
	if dto.CurrencyExponent != nil {
		exp = *dto.CurrencyExponent
	}
	tz := dto.Timezone
	if tz == "" {
		tz = in.opts.ProviderTimezones[conn.ProviderName]
	}
	if tz == "" {
		tz = in.opts.DefaultTimezone
	}

	acct := models.Account{
		ExternalAccountID: dto.ExternalID,
		Name:              dto.Name,
		Type:              dto.Type,
		Currency:          currency,
		CurrencyExponent:  exp,
		Timezone:          tz,
	}
	switch {
	case dto.BalanceMinor != nil:
		bal := *dto.BalanceMinor
		acct.ProviderReportedBalance = &bal
	case dto.Balance != nil:
		bal, err := money.ToMinor(*dto.Balance, exp)
		if err != nil {
			log.Printf("⚠️ [%s] Ignoring unparseable balance for account %s: %v", logging.Tag(ctx), dto.ExternalID, err)
		} else {
			acct.ProviderReportedBalance = &bal
		}
	}
	return acct
}

func (in *Ingester) fetchPage(ctx context.Context, connectionID string, client provider.Client, cursor string) (provider.Page, error) {
	var page provider.Page
	err := retry.Do(ctx, in.opts.Retry, "fetch transactions", retry.Classify, func(ctx context.Context) error {
		sess, err := in.creds.Credentials(ctx, connectionID)
		if err != nil {
			return err
		}
		page, err = client.FetchTransactions(ctx, sess, cursor)
		return err
	})
	return page, err
}

// buildCommit normalizes a page. Malformed and pending records are counted
// into res and left out.
func (in *Ingester) buildCommit(ctx context.Context, conn models.Connection, page provider.Page, accounts map[string]models.Account, res *Result) ledger.PageCommit {
	commit := ledger.PageCommit{
		ConnectionID: conn.ID,
		SyncJobID:    logging.GetJobID(ctx),
	}
	if page.NextCursor != "" {
		next := page.NextCursor
		commit.NextCursor = &next
	}

	for _, dto := range page.Transactions {
		acct, ok := accounts[dto.ExternalAccountID]
		if !ok {
			in.skipMalformed(ctx, res, malformed(dto, "account_id", fmt.Sprintf("unknown account %q", dto.ExternalAccountID), nil))
			continue
		}
		loc := in.location(ctx, acct.Timezone)

		if dto.Kind == provider.Removed {
			removal, err := removalFor(dto, acct, loc)
			if err != nil {
				in.skipMalformed(ctx, res, err)
				continue
			}
			commit.Removals = append(commit.Removals, removal)
			continue
		}

		if dto.Pending {
			res.Pending++
			continue
		}
		tx, err := Normalize(dto, acct, loc)
		if err != nil {
			in.skipMalformed(ctx, res, err)
			continue
		}
		commit.Transactions = append(commit.Transactions, tx)
	}
	return commit
}

// removalFor targets the fingerprint when the signal carries content, else
// the provider's transaction id.
func removalFor(dto provider.TransactionDTO, acct models.Account, loc *time.Location) (ledger.Removal, error) {
	if dto.HasContent() {
		if tx, err := Normalize(dto, acct, loc); err == nil {
			return ledger.Removal{AccountID: acct.ID, Fingerprint: tx.Fingerprint}, nil
		}
	}
	if dto.ExternalID == nil || *dto.ExternalID == "" {
		return ledger.Removal{}, malformed(dto, "id", "removal without content or id", nil)
	}
	return ledger.Removal{AccountID: acct.ID, ExternalTransactionID: *dto.ExternalID}, nil
}

func (in *Ingester) skipMalformed(ctx context.Context, res *Result, err error) {
	res.Malformed++
	log.Printf("⚠️ [%s] Skipping %v", logging.Tag(ctx), err)
}

func (in *Ingester) location(ctx context.Context, name string) *time.Location {
	in.locMu.Lock()
	defer in.locMu.Unlock()
	if loc, ok := in.locs[name]; ok {
		return loc
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Printf("⚠️ [%s] Unknown timezone %q, using %s", logging.Tag(ctx), name, in.opts.DefaultTimezone)
		if loc, err = time.LoadLocation(in.opts.DefaultTimezone); err != nil {
			loc = time.UTC
		}
	}
	in.locs[name] = loc
	return loc
}

