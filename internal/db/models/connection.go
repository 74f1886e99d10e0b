package models

import "time"

// Connection statuses.
const (
	ConnectionInitiated  = "INITIATED"
	ConnectionAuthorized = "AUTHORIZED"
	ConnectionActive     = "ACTIVE"
	ConnectionError      = "ERROR"
	ConnectionRevoked    = "REVOKED"
)

// Connection links one user to one bank data provider. Tokens are only ever
// stored sealed; see internal/vault.
type Connection struct {
	ID                      string     `gorm:"primaryKey" json:"id"` // UUID
	UserID                  string     `gorm:"index;not null" json:"user_id"`
	ProviderName            string     `gorm:"index;not null" json:"provider_name"`
	Status                  string     `gorm:"index;not null;default:'INITIATED'" json:"status"`
	EncryptedAccessToken    string     `json:"-"`
	EncryptedRefreshToken   *string    `json:"-"`
	TokenExpiresAt          *time.Time `json:"token_expires_at,omitempty"`
	LastSyncAt              *time.Time `json:"last_sync_at,omitempty"`
	LastSyncCursor          *string    `json:"last_sync_cursor,omitempty"` // opaque, replayed verbatim
	ConsecutiveFailureCount int        `gorm:"not null;default:0" json:"consecutive_failure_count"`
	ReauthRequired          bool       `gorm:"not null;default:false" json:"reauth_required"`
	LastErrorKind           *string    `json:"last_error_kind,omitempty"`
	AuthState               *string    `gorm:"uniqueIndex" json:"-"`
	DeferredUntil           *time.Time `json:"deferred_until,omitempty"`
	RevokedAt               *time.Time `json:"revoked_at,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}
