package models

import "time"

// Category sources.
const (
	CategorySourceRule = "rule"
	CategorySourceUser = "user"
)

// Transaction is an ingested, normalized bank transaction. Rows are never
// deleted; a provider removal sets SupersededAt.
type Transaction struct {
	ID                    string     `gorm:"primaryKey" json:"id"`
	AccountID             string     `gorm:"uniqueIndex:idx_tx_account_fingerprint;index:idx_tx_account_seq,priority:1;not null" json:"account_id"`
	Fingerprint           string     `gorm:"uniqueIndex:idx_tx_account_fingerprint;not null" json:"fingerprint"`
	ExternalTransactionID *string    `gorm:"index" json:"external_transaction_id,omitempty"`
	Amount                int64      `gorm:"not null" json:"amount"`     // minor units, negative = outflow
	PostedDate            string     `gorm:"not null" json:"posted_date"` // YYYY-MM-DD, account timezone
	Description           string     `json:"description"`
	MerchantName          string     `json:"merchant_name,omitempty"`
	CategoryID            *string    `gorm:"index" json:"category_id,omitempty"`
	CategorySource        string     `json:"category_source,omitempty"`
	CategoryRule          string     `json:"category_rule,omitempty"`
	CategorizedAt         *time.Time `json:"categorized_at,omitempty"`
	RawPayloadHash        string     `json:"raw_payload_hash"`
	SyncJobID             string     `gorm:"index" json:"sync_job_id,omitempty"`

	ImportSeq     int64      `gorm:"index:idx_tx_account_seq,priority:2;not null" json:"-"`
	SupersededSeq *int64     `json:"-"`
	SupersededAt  *time.Time `json:"superseded_at,omitempty"`
	ImportedAt    time.Time  `json:"imported_at"`
}
