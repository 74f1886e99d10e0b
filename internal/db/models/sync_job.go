package models

import "time"

// Sync job statuses.
const (
	SyncRunning   = "RUNNING"
	SyncSucceeded = "SUCCEEDED"
	SyncFailed    = "FAILED"
	SyncPartial   = "PARTIAL"
)

// Sync job trigger reasons.
const (
	ReasonPoll    = "POLL"
	ReasonWebhook = "WEBHOOK"
	ReasonManual  = "MANUAL"
)

// Error kinds recorded on failed sync jobs.
const (
	ErrorKindReauthRequired      = "REAUTH_REQUIRED"
	ErrorKindRateLimited         = "RATE_LIMITED"
	ErrorKindTimeout             = "TIMEOUT"
	ErrorKindProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrorKindProviderAccount     = "PROVIDER_ACCOUNT_ERROR"
	ErrorKindUnknown             = "UNKNOWN"
)

// SyncJob records one sync attempt. A RUNNING row doubles as the
// per-connection lock (partial unique index, see db.Migrate).
type SyncJob struct {
	ID                      string     `gorm:"primaryKey" json:"id"`
	ConnectionID            string     `gorm:"index;not null" json:"connection_id"`
	Reason                  string     `json:"reason"`
	Status                  string     `gorm:"index;not null" json:"status"`
	StartedAt               time.Time  `json:"started_at"`
	FinishedAt              *time.Time `json:"finished_at,omitempty"`
	TransactionsIngested    int        `json:"transactions_ingested"`
	TransactionsDuplicate   int        `json:"transactions_duplicate"`
	TransactionsMalformed   int        `json:"transactions_malformed"`
	TransactionsSuperseded  int        `json:"transactions_superseded"`
	TransactionsCategorized int        `json:"transactions_categorized"`
	Pages                   int        `json:"pages"`
	ReconciliationDrift     *int64     `json:"reconciliation_drift,omitempty"`
	ErrorKind               *string    `json:"error_kind,omitempty"`
	ErrorMessage            string     `json:"error_message,omitempty"`
}

// IsTerminal reports whether the job has finished.
func (j SyncJob) IsTerminal() bool {
	return j.Status != SyncRunning
}
