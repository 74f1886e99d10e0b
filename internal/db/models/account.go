package models

import "time"

// Account is a bank account discovered through a Connection. Balances are
// integer minor units of Currency.
type Account struct {
	ID                      string     `gorm:"primaryKey" json:"id"`
	ConnectionID            string     `gorm:"uniqueIndex:idx_account_external;not null" json:"connection_id"`
	ExternalAccountID       string     `gorm:"uniqueIndex:idx_account_external;not null" json:"external_account_id"`
	Name                    string     `json:"name"`
	Type                    string     `json:"type"`
	Currency                string     `json:"currency"`
	CurrencyExponent        int        `gorm:"not null;default:2" json:"currency_exponent"`
	Timezone                string     `json:"timezone,omitempty"`
	CurrentBalance          int64      `gorm:"not null;default:0" json:"current_balance"`
	ProviderReportedBalance *int64     `json:"provider_reported_balance,omitempty"`
	LastReconciledAt        *time.Time `json:"last_reconciled_at,omitempty"`

	// Sequence is bumped for every import and supersession on the account;
	// reconciliation checkpoints are expressed in it.
	Sequence          int64      `gorm:"not null;default:0" json:"-"`
	CheckpointBalance int64      `gorm:"not null;default:0" json:"-"`
	CheckpointSeq     int64      `gorm:"not null;default:0" json:"-"`
	CheckpointAt      *time.Time `json:"checkpoint_at,omitempty"`

	DisabledAt *time.Time `gorm:"index" json:"disabled_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
