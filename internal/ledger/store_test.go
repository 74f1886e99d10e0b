package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pysugar/ledgersync/internal/db"
	"github.com/pysugar/ledgersync/internal/db/models"
	"github.com/pysugar/ledgersync/internal/fingerprint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(db.OpenTest(t))
}

func seedConnection(t *testing.T, s *Store, status string) models.Connection {
	t.Helper()
	conn := models.Connection{UserID: "user-1", ProviderName: "sandbox", Status: status}
	require.NoError(t, s.CreateConnection(context.Background(), &conn))
	return conn
}

func seedAccount(t *testing.T, s *Store, connectionID, external string) models.Account {
	t.Helper()
	accounts, err := s.UpsertAccounts(context.Background(), connectionID, []models.Account{
		{ExternalAccountID: external, Name: "Checking " + external, Type: "depository", Currency: "USD", CurrencyExponent: 2},
	})
	require.NoError(t, err)
	for _, a := range accounts {
		if a.ExternalAccountID == external {
			return a
		}
	}
	t.Fatalf("account %s not found after upsert", external)
	return models.Account{}
}

func tx(accountID, date string, amount int64, desc, externalID string) models.Transaction {
	t := models.Transaction{
		AccountID:   accountID,
		Fingerprint: fingerprint.Compute(accountID, date, amount, desc),
		Amount:      amount,
		PostedDate:  date,
		Description: desc,
	}
	if externalID != "" {
		t.ExternalTransactionID = &externalID
	}
	return t
}

func TestCommitPage_DedupsByFingerprint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conn := seedConnection(t, s, models.ConnectionAuthorized)
	acc := seedAccount(t, s, conn.ID, "ext-1")

	cursor := "cur-1"
	out, err := s.CommitPage(ctx, PageCommit{
		ConnectionID: conn.ID,
		Transactions: []models.Transaction{
			tx(acc.ID, "2025-01-05", -500, "COFFEE SHOP", "p-1"),
			tx(acc.ID, "2025-01-05", -500, "COFFEE SHOP", "p-2"),
		},
		NextCursor: &cursor,
	})
	require.NoError(t, err)
	assert.Equal(t, PageOutcome{Inserted: 1, Duplicates: 1}, out)

	txs, err := s.ListTransactions(ctx, acc.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "p-1", *txs[0].ExternalTransactionID, "first write wins")
	assert.Equal(t, int64(1), txs[0].ImportSeq)

	got, err := s.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastSyncCursor)
	assert.Equal(t, "cur-1", *got.LastSyncCursor)
}

func TestCommitPage_ReplayIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conn := seedConnection(t, s, models.ConnectionAuthorized)
	acc := seedAccount(t, s, conn.ID, "ext-1")

	page := PageCommit{ConnectionID: conn.ID, Transactions: []models.Transaction{
		tx(acc.ID, "2025-01-05", -500, "COFFEE SHOP", ""),
		tx(acc.ID, "2025-01-06", 10000, "PAYROLL", ""),
	}}
	first, err := s.CommitPage(ctx, page)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Inserted)

	second, err := s.CommitPage(ctx, page)
	require.NoError(t, err)
	assert.Equal(t, PageOutcome{Duplicates: 2}, second)

	txs, err := s.ListTransactions(ctx, acc.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 2)

	refreshed, err := s.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), refreshed.Sequence, "duplicates do not consume sequence numbers")
}

func TestCommitPage_UnknownAccountRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conn := seedConnection(t, s, models.ConnectionAuthorized)
	acc := seedAccount(t, s, conn.ID, "ext-1")

	cursor := "cur-x"
	_, err := s.CommitPage(ctx, PageCommit{
		ConnectionID: conn.ID,
		Transactions: []models.Transaction{
			tx(acc.ID, "2025-01-05", -500, "COFFEE SHOP", ""),
			tx("missing-account", "2025-01-05", -500, "COFFEE SHOP", ""),
		},
		NextCursor: &cursor,
	})
	require.ErrorIs(t, err, ErrNotFound)

	txs, _ := s.ListTransactions(ctx, acc.ID)
	assert.Empty(t, txs)
	got, _ := s.GetConnection(ctx, conn.ID)
	assert.Nil(t, got.LastSyncCursor)
}

func TestCommitPage_Removals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conn := seedConnection(t, s, models.ConnectionAuthorized)
	acc := seedAccount(t, s, conn.ID, "ext-1")

	a := tx(acc.ID, "2025-01-05", -500, "COFFEE SHOP", "p-1")
	b := tx(acc.ID, "2025-01-06", -1200, "GROCERY", "p-2")
	_, err := s.CommitPage(ctx, PageCommit{ConnectionID: conn.ID, Transactions: []models.Transaction{a, b}})
	require.NoError(t, err)

	out, err := s.CommitPage(ctx, PageCommit{ConnectionID: conn.ID, Removals: []Removal{
		{AccountID: acc.ID, Fingerprint: a.Fingerprint},
		{AccountID: acc.ID, ExternalTransactionID: "p-2"},
		{AccountID: acc.ID, ExternalTransactionID: "unknown"},
		{AccountID: acc.ID},
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Superseded)

	txs, err := s.ListTransactions(ctx, acc.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2, "superseded rows are kept")
	for _, row := range txs {
		assert.NotNil(t, row.SupersededAt)
		require.NotNil(t, row.SupersededSeq)
	}

	again, err := s.CommitPage(ctx, PageCommit{ConnectionID: conn.ID, Removals: []Removal{{AccountID: acc.ID, Fingerprint: a.Fingerprint}}})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Superseded)

	dup, err := s.CommitPage(ctx, PageCommit{ConnectionID: conn.ID, Transactions: []models.Transaction{a}})
	require.NoError(t, err)
	assert.Equal(t, 1, dup.Duplicates, "a superseded fingerprint is not resurrected")
}

func TestBalanceSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conn := seedConnection(t, s, models.ConnectionAuthorized)
	acc := seedAccount(t, s, conn.ID, "ext-1")

	a := tx(acc.ID, "2025-01-01", 10000, "PAYROLL", "")
	b := tx(acc.ID, "2025-01-02", -500, "COFFEE SHOP", "")
	_, err := s.CommitPage(ctx, PageCommit{ConnectionID: conn.ID, Transactions: []models.Transaction{a, b}})
	require.NoError(t, err)

	total, err := s.BalanceSince(ctx, acc.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(9500), total)

	// Checkpoint after the first two imports (seq 2).
	c := tx(acc.ID, "2025-01-03", -300, "BAKERY", "")
	_, err = s.CommitPage(ctx, PageCommit{ConnectionID: conn.ID, Transactions: []models.Transaction{c}})
	require.NoError(t, err)
	delta, err := s.BalanceSince(ctx, acc.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(-300), delta)

	// Superseding a pre-checkpoint transaction reverses it in the delta.
	_, err = s.CommitPage(ctx, PageCommit{ConnectionID: conn.ID, Removals: []Removal{{AccountID: acc.ID, Fingerprint: b.Fingerprint}}})
	require.NoError(t, err)
	delta, err = s.BalanceSince(ctx, acc.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(-300+500), delta)

	total, err = s.BalanceSince(ctx, acc.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(10000-300), total)

	empty, err := s.BalanceSince(ctx, "no-such-account", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), empty)
}

func TestSaveReconciliation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conn := seedConnection(t, s, models.ConnectionAuthorized)
	acc := seedAccount(t, s, conn.ID, "ext-1")

	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	balance := int64(9500)
	require.NoError(t, s.SaveReconciliation(ctx, ReconciliationUpdate{
		AccountID:        acc.ID,
		CurrentBalance:   &balance,
		LastReconciledAt: &now,
		Checkpoint:       &Checkpoint{Balance: 9500, Seq: 2, At: now},
	}))

	got, err := s.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(9500), got.CurrentBalance)
	assert.Equal(t, int64(2), got.CheckpointSeq)
	require.NotNil(t, got.LastReconciledAt)
	assert.True(t, got.LastReconciledAt.Equal(now))

	assert.NoError(t, s.SaveReconciliation(ctx, ReconciliationUpdate{AccountID: acc.ID}))
	assert.ErrorIs(t, s.SaveReconciliation(ctx, ReconciliationUpdate{AccountID: "missing", CurrentBalance: &balance}), ErrNotFound)
}

func TestUpsertAccounts_RefreshesProviderFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conn := seedConnection(t, s, models.ConnectionAuthorized)
	acc := seedAccount(t, s, conn.ID, "ext-1")

	reported := int64(12345)
	accounts, err := s.UpsertAccounts(ctx, conn.ID, []models.Account{
		{ExternalAccountID: "ext-1", Name: "Renamed", Type: "depository", Currency: "USD", CurrencyExponent: 2, ProviderReportedBalance: &reported},
		{ExternalAccountID: "ext-2", Name: "Savings", Type: "savings", Currency: "USD", CurrencyExponent: 2},
	})
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, acc.ID, accounts[0].ID, "existing account keeps its ID")
	assert.Equal(t, "Renamed", accounts[0].Name)
	require.NotNil(t, accounts[0].ProviderReportedBalance)
	assert.Equal(t, reported, *accounts[0].ProviderReportedBalance)
	assert.Equal(t, "ext-2", accounts[1].ExternalAccountID)
}

func TestRevokeConnection_CascadesToAccounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conn := seedConnection(t, s, models.ConnectionActive)
	conn.EncryptedAccessToken = "v1:sealed"
	refresh := "v1:refresh"
	conn.EncryptedRefreshToken = &refresh
	require.NoError(t, s.SaveConnection(ctx, &conn))
	acc := seedAccount(t, s, conn.ID, "ext-1")
	_, err := s.CommitPage(ctx, PageCommit{ConnectionID: conn.ID, Transactions: []models.Transaction{tx(acc.ID, "2025-01-05", -500, "COFFEE SHOP", "")}})
	require.NoError(t, err)

	at := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.RevokeConnection(ctx, conn.ID, at))

	got, err := s.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionRevoked, got.Status)
	assert.Empty(t, got.EncryptedAccessToken)
	assert.Nil(t, got.EncryptedRefreshToken)
	require.NotNil(t, got.RevokedAt)

	disabled, err := s.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.NotNil(t, disabled.DisabledAt)

	txs, err := s.ListTransactions(ctx, acc.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1, "history survives revocation")

	assert.ErrorIs(t, s.RevokeConnection(ctx, "missing", at), ErrNotFound)
}

func TestListSyncCandidates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-time.Hour)
	recent := now.Add(-time.Minute)
	later := now.Add(time.Hour)

	mk := func(status string, mutate func(c *models.Connection)) string {
		c := models.Connection{UserID: "u", ProviderName: "sandbox", Status: status}
		if mutate != nil {
			mutate(&c)
		}
		require.NoError(t, s.CreateConnection(ctx, &c))
		return c.ID
	}
	neverSynced := mk(models.ConnectionAuthorized, nil)
	due := mk(models.ConnectionActive, func(c *models.Connection) { c.LastSyncAt = &old })
	mk(models.ConnectionActive, func(c *models.Connection) { c.LastSyncAt = &recent })
	mk(models.ConnectionActive, func(c *models.Connection) { c.LastSyncAt = &old; c.DeferredUntil = &later })
	mk(models.ConnectionError, func(c *models.Connection) { c.ReauthRequired = true })
	erroring := mk(models.ConnectionError, func(c *models.Connection) { c.LastSyncAt = &old })
	mk(models.ConnectionRevoked, nil)
	mk(models.ConnectionInitiated, nil)

	conns, err := s.ListSyncCandidates(ctx, now, now.Add(-15*time.Minute))
	require.NoError(t, err)
	var ids []string
	for _, c := range conns {
		ids = append(ids, c.ID)
	}
	assert.ElementsMatch(t, []string{neverSynced, due, erroring}, ids)
	assert.Equal(t, neverSynced, ids[0], "never-synced connections come first")
}

func TestAcquireSyncLock_Exclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := models.SyncJob{ConnectionID: "conn-1", Reason: models.ReasonPoll}
	job, acquired, err := s.AcquireSyncLock(ctx, &first)
	require.NoError(t, err)
	require.True(t, acquired)

	const n = 8
	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			j := models.SyncJob{ConnectionID: "conn-1", Reason: models.ReasonWebhook}
			got, acquired, err := s.AcquireSyncLock(ctx, &j)
			assert.NoError(t, err)
			assert.False(t, acquired)
			ids[i] = got.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, job.ID, id)
	}

	job.Status = models.SyncSucceeded
	require.NoError(t, s.FinishSyncJob(ctx, &job))
	assert.ErrorIs(t, s.FinishSyncJob(ctx, &job), ErrJobFinished)

	next := models.SyncJob{ConnectionID: "conn-1", Reason: models.ReasonPoll}
	_, acquired, err = s.AcquireSyncLock(ctx, &next)
	require.NoError(t, err)
	assert.True(t, acquired)

	jobs, err := s.ListSyncJobs(ctx, "conn-1", 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestReapStaleJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	stale := models.SyncJob{ConnectionID: "conn-1", StartedAt: now.Add(-time.Hour)}
	_, _, err := s.AcquireSyncLock(ctx, &stale)
	require.NoError(t, err)
	fresh := models.SyncJob{ConnectionID: "conn-2", StartedAt: now.Add(-time.Minute)}
	_, _, err = s.AcquireSyncLock(ctx, &fresh)
	require.NoError(t, err)

	n, err := s.ReapStaleJobs(ctx, now.Add(-6*time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	reaped, err := s.GetSyncJob(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncFailed, reaped.Status)
	require.NotNil(t, reaped.ErrorKind)
	assert.Equal(t, models.ErrorKindTimeout, *reaped.ErrorKind)

	running, err := s.GetSyncJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunning, running.Status)
}

func TestCategories(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conn := seedConnection(t, s, models.ConnectionActive)
	acc := seedAccount(t, s, conn.ID, "ext-1")
	a := tx(acc.ID, "2025-01-05", -500, "COFFEE SHOP", "")
	b := tx(acc.ID, "2025-01-06", -1200, "GROCERY", "")
	_, err := s.CommitPage(ctx, PageCommit{ConnectionID: conn.ID, Transactions: []models.Transaction{a, b}})
	require.NoError(t, err)

	pending, err := s.ListUncategorized(ctx, conn.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "COFFEE SHOP", pending[0].Description)
	assert.Equal(t, "user-1", pending[0].UserID)
	assert.Equal(t, "depository", pending[0].AccountType)

	require.NoError(t, s.SetUserCategory(ctx, pending[1].ID, "groceries"))
	ok, err := s.AssignCategory(ctx, pending[1].ID, "shopping", "merchant")
	require.NoError(t, err)
	assert.False(t, ok, "user override is never overwritten")

	ok, err = s.AssignCategory(ctx, pending[0].ID, "coffee", "merchant")
	require.NoError(t, err)
	assert.True(t, ok)

	left, err := s.ListUncategorized(ctx, conn.ID)
	require.NoError(t, err)
	assert.Empty(t, left)

	hints, err := s.UserCategoryHistory(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []CategoryHint{{Description: "GROCERY", CategoryID: "groceries"}}, hints)

	assert.ErrorIs(t, s.SetUserCategory(ctx, "missing", "x"), ErrNotFound)
}

func TestUserCategoryHistory_LatestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	clock := time.Date(2025, 1, 5, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return clock })
	conn := seedConnection(t, s, models.ConnectionActive)
	acc := seedAccount(t, s, conn.ID, "ext-1")
	older := tx(acc.ID, "2025-01-05", -500, "ACME STORE", "")
	newer := tx(acc.ID, "2025-01-06", -700, "ACME STORE", "")
	_, err := s.CommitPage(ctx, PageCommit{ConnectionID: conn.ID, Transactions: []models.Transaction{older, newer}})
	require.NoError(t, err)

	pending, err := s.ListUncategorized(ctx, conn.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, s.SetUserCategory(ctx, pending[1].ID, "zz.latest"))
	clock = clock.Add(-time.Hour)
	require.NoError(t, s.SetUserCategory(ctx, pending[0].ID, "aa.old"))

	hints, err := s.UserCategoryHistory(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []CategoryHint{
		{Description: "ACME STORE", CategoryID: "zz.latest"},
		{Description: "ACME STORE", CategoryID: "aa.old"},
	}, hints)
}

func TestWebhookDeliveries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := models.WebhookDelivery{Provider: "sandbox", Type: "TRANSACTIONS_AVAILABLE", Status: 202, ReceivedAt: 1000}
	second := models.WebhookDelivery{Provider: "sandbox", Type: "CONNECTION_REVOKED", Status: 200, ReceivedAt: 2000}
	require.NoError(t, s.RecordWebhookDelivery(ctx, &first))
	require.NoError(t, s.RecordWebhookDelivery(ctx, &second))
	assert.NotEmpty(t, first.ID)

	got, err := s.ListWebhookDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "CONNECTION_REVOKED", got[0].Type)
	assert.Equal(t, "TRANSACTIONS_AVAILABLE", got[1].Type)
}

func TestFindAcceptedDelivery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	failed := models.WebhookDelivery{Provider: "sandbox", DeliveryID: "d-1", Status: 500, ReceivedAt: 1000}
	require.NoError(t, s.RecordWebhookDelivery(ctx, &failed))
	_, err := s.FindAcceptedDelivery(ctx, "sandbox", "d-1")
	assert.ErrorIs(t, err, ErrNotFound)

	accepted := models.WebhookDelivery{Provider: "sandbox", DeliveryID: "d-1", Status: 202, SyncJobID: "job-1", ReceivedAt: 2000}
	require.NoError(t, s.RecordWebhookDelivery(ctx, &accepted))
	got, err := s.FindAcceptedDelivery(ctx, "sandbox", "d-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.SyncJobID)

	_, err = s.FindAcceptedDelivery(ctx, "other", "d-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
