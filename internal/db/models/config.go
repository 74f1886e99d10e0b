package models

import "time"

// Config is a key/value settings row. It holds the operator API key.
type Config struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
