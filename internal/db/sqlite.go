package db

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/ledgersync/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// runningJobIndex enforces at most one RUNNING sync job per connection.
const runningJobIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_jobs_one_running
	ON sync_jobs(connection_id) WHERE status = 'RUNNING'`

// InitDB opens the SQLite database, runs migrations and seeds the operator API key.
func InitDB(dbPath string, verbose bool) (*gorm.DB, error) {
	level := logger.Warn
	if verbose {
		level = logger.Info
	}
	db, err := Open(dbPath, &gorm.Config{Logger: logger.Default.LogMode(level)})
	if err != nil {
		return nil, err
	}

	ensureAPIKey(db)
	return db, nil
}

// Open connects to dsn and migrates the schema. SQLite allows one writer, so
// the pool is pinned to a single connection.
func Open(dsn string, cfg *gorm.Config) (*gorm.DB, error) {
	if cfg == nil {
		cfg = &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	}
	if cfg.NowFunc == nil {
		// Timestamps are compared as text by SQLite, so keep one offset.
		cfg.NowFunc = func() time.Time { return time.Now().UTC() }
	}
	db, err := gorm.Open(sqlite.Open(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", dsn, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates all tables and indexes.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Connection{},
		&models.Account{},
		&models.Transaction{},
		&models.SyncJob{},
		&models.WebhookDelivery{},
		&models.Config{},
	); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	if err := db.Exec(runningJobIndex).Error; err != nil {
		return fmt.Errorf("create running job index: %w", err)
	}
	return nil
}

// ensureAPIKey generates the operator API key on first run
func ensureAPIKey(db *gorm.DB) {
	var config models.Config
	if err := db.Where("key = ?", "api_key").First(&config).Error; err == nil {
		return
	}

	apiKey := newAPIKey()
	db.Create(&models.Config{
		Key:   "api_key",
		Value: apiKey,
	})
	log.Printf("🔑 Generated new operator API key: %s", apiKey)
}

// GetAPIKey retrieves the operator API key from database
func GetAPIKey(db *gorm.DB) string {
	var config models.Config
	db.Where("key = ?", "api_key").First(&config)
	return config.Value
}

// RegenerateAPIKey replaces the operator API key.
func RegenerateAPIKey(db *gorm.DB) string {
	apiKey := newAPIKey()
	db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&models.Config{Key: "api_key", Value: apiKey})
	log.Printf("🔑 Regenerated operator API key")
	return apiKey
}

// newAPIKey returns sk-<32 hex chars>.
func newAPIKey() string {
	keyBytes := make([]byte, 16)
	rand.Read(keyBytes)
	return "sk-" + hex.EncodeToString(keyBytes)
}
