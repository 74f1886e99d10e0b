// Package handlers serves the webhook receiver, the OAuth endpoints and the
// operator API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/pysugar/ledgersync/internal/connection"
	"github.com/pysugar/ledgersync/internal/db/models"
	"github.com/pysugar/ledgersync/internal/ledger"
	"github.com/pysugar/ledgersync/internal/logging"
	"github.com/pysugar/ledgersync/internal/provider"
)

// Syncer starts sync jobs.
type Syncer interface {
	TriggerSync(ctx context.Context, connectionID, reason string) (models.SyncJob, error)
	TriggerSyncAsync(ctx context.Context, connectionID, reason string) (models.SyncJob, error)
}

// Connections drives the connection lifecycle.
type Connections interface {
	BeginAuthorization(ctx context.Context, userID, providerName string) (models.Connection, string, error)
	BeginReauthorization(ctx context.Context, connectionID string) (string, error)
	CompleteAuthorization(ctx context.Context, state, code string) (models.Connection, error)
	Revoke(ctx context.Context, connectionID string) error
}

// Store is the read side plus the few writes the HTTP surface makes directly.
type Store interface {
	GetConnection(ctx context.Context, id string) (models.Connection, error)
	ListAccounts(ctx context.Context, connectionID string) ([]models.Account, error)
	ListSyncJobs(ctx context.Context, connectionID string, limit int) ([]models.SyncJob, error)
	GetTransaction(ctx context.Context, id string) (models.Transaction, error)
	SetUserCategory(ctx context.Context, transactionID, categoryID string) error
	RecordWebhookDelivery(ctx context.Context, d *models.WebhookDelivery) error
	FindAcceptedDelivery(ctx context.Context, provider, deliveryID string) (models.WebhookDelivery, error)
	ListWebhookDeliveries(ctx context.Context, limit int) ([]models.WebhookDelivery, error)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, provider.ErrUnknownProvider):
		return http.StatusNotFound
	case errors.Is(err, connection.ErrRevoked),
		errors.Is(err, connection.ErrNotAuthorized),
		errors.Is(err, connection.ErrInvalidTransition):
		return http.StatusConflict
	case provider.IsAuth(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Printf("❌ [%s] %s %s: %v", logging.Tag(r.Context()), r.Method, r.URL.Path, err)
	}
	writeErrorMessage(w, status, err.Error())
}
