package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/ledgersync/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrJobFinished is returned when finalizing a job that is no longer RUNNING.
var ErrJobFinished = errors.New("ledger: sync job already finished")

// Store implements Ledger on gorm.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var _ Ledger = (*Store)(nil)

// NewStore wraps a migrated database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the time source, for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return err
}

// ===== Connections =====

func (s *Store) CreateConnection(ctx context.Context, conn *models.Connection) error {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(conn).Error
}

func (s *Store) GetConnection(ctx context.Context, id string) (models.Connection, error) {
	var conn models.Connection
	err := s.db.WithContext(ctx).First(&conn, "id = ?", id).Error
	return conn, notFound(err, "connection", id)
}

func (s *Store) FindConnectionByState(ctx context.Context, state string) (models.Connection, error) {
	var conn models.Connection
	err := s.db.WithContext(ctx).Where("auth_state = ?", state).First(&conn).Error
	return conn, notFound(err, "connection with state", "")
}

// FindPendingConnection returns the user's newest INITIATED connection for a provider.
func (s *Store) FindPendingConnection(ctx context.Context, userID, providerName string) (models.Connection, error) {
	var conn models.Connection
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider_name = ? AND status = ?", userID, providerName, models.ConnectionInitiated).
		Order("created_at DESC").
		First(&conn).Error
	return conn, notFound(err, "pending connection for", userID)
}

func (s *Store) SaveConnection(ctx context.Context, conn *models.Connection) error {
	return s.db.WithContext(ctx).Save(conn).Error
}

// RevokeConnection wipes the tokens, marks the connection REVOKED and
// disables its accounts. Transactions are left untouched.
func (s *Store) RevokeConnection(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Connection{}).Where("id = ?", id).Updates(map[string]any{
			"status":                  models.ConnectionRevoked,
			"encrypted_access_token":  "",
			"encrypted_refresh_token": nil,
			"token_expires_at":        nil,
			"auth_state":              nil,
			"deferred_until":          nil,
			"revoked_at":              at.UTC(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("connection %s: %w", id, ErrNotFound)
		}
		return tx.Model(&models.Account{}).
			Where("connection_id = ? AND disabled_at IS NULL", id).
			Update("disabled_at", at.UTC()).Error
	})
}

// ListSyncCandidates returns connections due for a scheduled sync: usable,
// not waiting on the user, not deferred, and not synced since syncedBefore.
func (s *Store) ListSyncCandidates(ctx context.Context, now, syncedBefore time.Time) ([]models.Connection, error) {
	var conns []models.Connection
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{models.ConnectionAuthorized, models.ConnectionActive, models.ConnectionError}).
		Where("reauth_required = ?", false).
		Where("deferred_until IS NULL OR deferred_until <= ?", now.UTC()).
		Where("last_sync_at IS NULL OR last_sync_at <= ?", syncedBefore.UTC()).
		Order("last_sync_at ASC").Order("id ASC").
		Find(&conns).Error
	return conns, err
}

// ===== Accounts =====

// UpsertAccounts inserts new accounts and refreshes provider-owned fields of
// known ones, keyed by (connection_id, external_account_id).
func (s *Store) UpsertAccounts(ctx context.Context, connectionID string, accounts []models.Account) ([]models.Account, error) {
	if len(accounts) > 0 {
		rows := make([]models.Account, len(accounts))
		for i, a := range accounts {
			a.ConnectionID = connectionID
			if a.ID == "" {
				a.ID = uuid.NewString()
			}
			rows[i] = a
		}
		err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "connection_id"}, {Name: "external_account_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "type", "currency", "currency_exponent", "timezone",
				"provider_reported_balance", "updated_at",
			}),
		}).Create(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("upsert accounts: %w", err)
		}
	}
	return s.ListAccounts(ctx, connectionID)
}

func (s *Store) ListAccounts(ctx context.Context, connectionID string) ([]models.Account, error) {
	var accounts []models.Account
	err := s.db.WithContext(ctx).
		Where("connection_id = ?", connectionID).
		Order("external_account_id ASC").
		Find(&accounts).Error
	return accounts, err
}

func (s *Store) GetAccount(ctx context.Context, id string) (models.Account, error) {
	var acc models.Account
	err := s.db.WithContext(ctx).First(&acc, "id = ?", id).Error
	return acc, notFound(err, "account", id)
}

// EnableAccounts clears disabled_at on the connection's accounts after a
// re-authorization.
func (s *Store) EnableAccounts(ctx context.Context, connectionID string) error {
	return s.db.WithContext(ctx).Model(&models.Account{}).
		Where("connection_id = ? AND disabled_at IS NOT NULL", connectionID).
		Update("disabled_at", nil).Error
}

// ===== Transactions =====

// CommitPage applies one provider page in a single database transaction:
// insert-if-not-exists by (account_id, fingerprint), supersede removals,
// then advance the cursor. Either all of it lands or none of it does.
func (s *Store) CommitPage(ctx context.Context, p PageCommit) (PageOutcome, error) {
	var out PageOutcome
	now := s.now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		out = PageOutcome{}
		seqs := map[string]int64{}
		current := func(accountID string) (int64, error) {
			if seq, ok := seqs[accountID]; ok {
				return seq, nil
			}
			var acc models.Account
			if err := tx.Select("id", "sequence").First(&acc, "id = ?", accountID).Error; err != nil {
				return 0, notFound(err, "account", accountID)
			}
			seqs[accountID] = acc.Sequence
			return acc.Sequence, nil
		}

		for i := range p.Transactions {
			t := p.Transactions[i]
			seq, err := current(t.AccountID)
			if err != nil {
				return err
			}
			t.ID = uuid.NewString()
			t.ImportSeq = seq + 1
			t.ImportedAt = now
			t.SyncJobID = p.SyncJobID
			t.SupersededAt = nil
			t.SupersededSeq = nil

			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&t)
			if res.Error != nil {
				return fmt.Errorf("insert transaction: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				out.Duplicates++
				continue
			}
			seqs[t.AccountID] = t.ImportSeq
			out.Inserted++
		}

		for _, r := range p.Removals {
			q := tx.Model(&models.Transaction{}).Where("account_id = ? AND superseded_at IS NULL", r.AccountID)
			switch {
			case r.Fingerprint != "":
				q = q.Where("fingerprint = ?", r.Fingerprint)
			case r.ExternalTransactionID != "":
				q = q.Where("external_transaction_id = ?", r.ExternalTransactionID)
			default:
				continue
			}
			seq, err := current(r.AccountID)
			if err != nil {
				return err
			}
			res := q.Updates(map[string]any{"superseded_at": now, "superseded_seq": seq + 1})
			if res.Error != nil {
				return fmt.Errorf("supersede transaction: %w", res.Error)
			}
			if res.RowsAffected > 0 {
				seqs[r.AccountID] = seq + 1
				out.Superseded += int(res.RowsAffected)
			}
		}

		for accountID, seq := range seqs {
			if err := tx.Model(&models.Account{}).Where("id = ?", accountID).UpdateColumn("sequence", seq).Error; err != nil {
				return err
			}
		}

		if p.NextCursor != nil {
			if err := tx.Model(&models.Connection{}).Where("id = ?", p.ConnectionID).
				UpdateColumn("last_sync_cursor", *p.NextCursor).Error; err != nil {
				return fmt.Errorf("advance cursor: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return PageOutcome{}, err
	}
	return out, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (models.Transaction, error) {
	var t models.Transaction
	err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error
	return t, notFound(err, "transaction", id)
}

func (s *Store) ListTransactions(ctx context.Context, accountID string) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("import_seq ASC").
		Find(&txs).Error
	return txs, err
}

// ===== Reconciliation =====

// BalanceSince returns the balance change since account sequence seq: live
// transactions imported after seq, minus earlier ones superseded after seq.
// With seq 0 it is the sum of every live transaction.
func (s *Store) BalanceSince(ctx context.Context, accountID string, seq int64) (int64, error) {
	var delta int64
	row := s.db.WithContext(ctx).Raw(`
		SELECT
			COALESCE(SUM(CASE WHEN import_seq > ? AND superseded_at IS NULL THEN amount ELSE 0 END), 0)
			- COALESCE(SUM(CASE WHEN import_seq <= ? AND superseded_seq > ? THEN amount ELSE 0 END), 0)
		FROM transactions WHERE account_id = ?`, seq, seq, seq, accountID).Row()
	if err := row.Scan(&delta); err != nil {
		return 0, fmt.Errorf("sum balance for account %s: %w", accountID, err)
	}
	return delta, nil
}

func (s *Store) SaveReconciliation(ctx context.Context, u ReconciliationUpdate) error {
	updates := map[string]any{}
	if u.CurrentBalance != nil {
		updates["current_balance"] = *u.CurrentBalance
	}
	if u.LastReconciledAt != nil {
		updates["last_reconciled_at"] = u.LastReconciledAt.UTC()
	}
	if u.Checkpoint != nil {
		updates["checkpoint_balance"] = u.Checkpoint.Balance
		updates["checkpoint_seq"] = u.Checkpoint.Seq
		updates["checkpoint_at"] = u.Checkpoint.At.UTC()
	}
	if len(updates) == 0 {
		return nil
	}
	res := s.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", u.AccountID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("account %s: %w", u.AccountID, ErrNotFound)
	}
	return nil
}

// ===== Categories =====

// ListUncategorized returns the connection's live transactions without a
// category, in a stable order.
func (s *Store) ListUncategorized(ctx context.Context, connectionID string) ([]Uncategorized, error) {
	var rows []Uncategorized
	err := s.db.WithContext(ctx).
		Table("transactions AS t").
		Select("t.id AS id, c.user_id AS user_id, t.description AS description, t.merchant_name AS merchant_name, t.amount AS amount, a.type AS account_type").
		Joins("JOIN accounts AS a ON a.id = t.account_id").
		Joins("JOIN connections AS c ON c.id = a.connection_id").
		Where("a.connection_id = ? AND t.category_id IS NULL AND t.superseded_at IS NULL", connectionID).
		Order("a.external_account_id ASC").Order("t.import_seq ASC").
		Scan(&rows).Error
	return rows, err
}

// AssignCategory sets a rule-derived category only if the transaction is
// still uncategorized, so user overrides are never overwritten.
func (s *Store) AssignCategory(ctx context.Context, transactionID, categoryID, rule string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND category_id IS NULL", transactionID).
		Updates(map[string]any{
			"category_id":     categoryID,
			"category_source": models.CategorySourceRule,
			"category_rule":   rule,
			"categorized_at":  s.now(),
		})
	return res.RowsAffected == 1, res.Error
}

// SetUserCategory records a user override. An empty categoryID clears it.
func (s *Store) SetUserCategory(ctx context.Context, transactionID, categoryID string) error {
	updates := map[string]any{
		"category_id":     categoryID,
		"category_source": models.CategorySourceUser,
		"category_rule":   "",
		"categorized_at":  s.now(),
	}
	if categoryID == "" {
		updates["category_id"] = nil
		updates["category_source"] = ""
		updates["categorized_at"] = nil
	}
	res := s.db.WithContext(ctx).Model(&models.Transaction{}).Where("id = ?", transactionID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("transaction %s: %w", transactionID, ErrNotFound)
	}
	return nil
}

// UserCategoryHistory lists the user's manual categorizations, latest
// choice first.
func (s *Store) UserCategoryHistory(ctx context.Context, userID string) ([]CategoryHint, error) {
	var hints []CategoryHint
	err := s.db.WithContext(ctx).
		Table("transactions AS t").
		Select("t.description AS description, t.category_id AS category_id").
		Joins("JOIN accounts AS a ON a.id = t.account_id").
		Joins("JOIN connections AS c ON c.id = a.connection_id").
		Where("c.user_id = ? AND t.category_source = ? AND t.category_id IS NOT NULL", userID, models.CategorySourceUser).
		Order("t.categorized_at DESC").Order("t.id ASC").
		Scan(&hints).Error
	return hints, err
}

// ===== Sync jobs =====

// AcquireSyncLock inserts job as RUNNING. If the connection already has a
// RUNNING job, that job is returned with acquired=false.
func (s *Store) AcquireSyncLock(ctx context.Context, job *models.SyncJob) (models.SyncJob, bool, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = models.SyncRunning
	if job.StartedAt.IsZero() {
		job.StartedAt = s.now()
	}

	db := s.db.WithContext(ctx)
	for attempt := 0; attempt < 3; attempt++ {
		res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(job)
		if res.Error != nil {
			return models.SyncJob{}, false, fmt.Errorf("acquire sync lock: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return *job, true, nil
		}

		var running models.SyncJob
		err := db.Where("connection_id = ? AND status = ?", job.ConnectionID, models.SyncRunning).First(&running).Error
		if err == nil {
			return running, false, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return models.SyncJob{}, false, err
		}
		// The holder finished between our insert and read; try again.
	}
	return models.SyncJob{}, false, ErrLockContention
}

// FinishSyncJob writes the terminal state of a RUNNING job, releasing the lock.
func (s *Store) FinishSyncJob(ctx context.Context, job *models.SyncJob) error {
	if job.FinishedAt == nil {
		at := s.now()
		job.FinishedAt = &at
	}
	res := s.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ? AND status = ?", job.ID, models.SyncRunning).
		Updates(map[string]any{
			"status":                   job.Status,
			"finished_at":              job.FinishedAt.UTC(),
			"transactions_ingested":    job.TransactionsIngested,
			"transactions_duplicate":   job.TransactionsDuplicate,
			"transactions_malformed":   job.TransactionsMalformed,
			"transactions_superseded":  job.TransactionsSuperseded,
			"transactions_categorized": job.TransactionsCategorized,
			"pages":                    job.Pages,
			"reconciliation_drift":     job.ReconciliationDrift,
			"error_kind":               job.ErrorKind,
			"error_message":            job.ErrorMessage,
		})
	if res.Error != nil {
		return fmt.Errorf("finish sync job %s: %w", job.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sync job %s: %w", job.ID, ErrJobFinished)
	}
	return nil
}

func (s *Store) GetSyncJob(ctx context.Context, id string) (models.SyncJob, error) {
	var job models.SyncJob
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	return job, notFound(err, "sync job", id)
}

func (s *Store) ListSyncJobs(ctx context.Context, connectionID string, limit int) ([]models.SyncJob, error) {
	if limit <= 0 {
		limit = 20
	}
	var jobs []models.SyncJob
	err := s.db.WithContext(ctx).
		Where("connection_id = ?", connectionID).
		Order("started_at DESC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// ReapStaleJobs fails RUNNING jobs started before startedBefore, which can
// only be left over from a crashed process, releasing their locks.
func (s *Store) ReapStaleJobs(ctx context.Context, startedBefore, at time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("status = ? AND started_at < ?", models.SyncRunning, startedBefore.UTC()).
		Updates(map[string]any{
			"status":        models.SyncFailed,
			"error_kind":    models.ErrorKindTimeout,
			"error_message": "abandoned: exceeded sync timeout",
			"finished_at":   at.UTC(),
		})
	return res.RowsAffected, res.Error
}

// ===== Webhook deliveries =====

// RecordWebhookDelivery stores an inbound webhook for auditing.
func (s *Store) RecordWebhookDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.ReceivedAt == 0 {
		d.ReceivedAt = s.now().UnixMilli()
	}
	return s.db.WithContext(ctx).Create(d).Error
}

// FindAcceptedDelivery returns the latest 2xx delivery of deliveryID from
// provider, or ErrNotFound.
func (s *Store) FindAcceptedDelivery(ctx context.Context, provider, deliveryID string) (models.WebhookDelivery, error) {
	var d models.WebhookDelivery
	err := s.db.WithContext(ctx).
		Where("provider = ? AND delivery_id = ? AND status >= 200 AND status < 300", provider, deliveryID).
		Order("received_at DESC").
		First(&d).Error
	return d, notFound(err, "webhook delivery", deliveryID)
}

// ListWebhookDeliveries returns the newest deliveries first.
func (s *Store) ListWebhookDeliveries(ctx context.Context, limit int) ([]models.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.WebhookDelivery
	err := s.db.WithContext(ctx).Order("received_at DESC").Limit(limit).Find(&out).Error
	return out, err
}
