package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/ledgersync/internal/db/models"
)

// ConnectionHandler returns a connection with its accounts.
func ConnectionHandler(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		conn, err := store.GetConnection(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		accounts, err := store.ListAccounts(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"connection": conn,
			"accounts":   accounts,
		})
	}
}

// SyncHandler triggers a MANUAL sync. By default it answers 202 with the
// RUNNING job; ?wait=true runs the job to completion first.
func SyncHandler(syncer Syncer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
			job, err := syncer.TriggerSync(r.Context(), id, models.ReasonManual)
			if err != nil {
				writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, job)
			return
		}
		job, err := syncer.TriggerSyncAsync(r.Context(), id, models.ReasonManual)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	}
}

// RevokeHandler revokes a connection. Revoking twice is not an error.
func RevokeHandler(conns Connections) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := conns.Revoke(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": models.ConnectionRevoked})
	}
}

// JobsHandler lists a connection's recent sync jobs, newest first.
func JobsHandler(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := store.GetConnection(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		jobs, err := store.ListSyncJobs(r.Context(), id, limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
	}
}

// SetCategoryHandler records a user category override. An empty
// category_id clears it.
func SetCategoryHandler(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			CategoryID string `json:"category_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		id := chi.URLParam(r, "id")
		if err := store.SetUserCategory(r.Context(), id, body.CategoryID); err != nil {
			writeError(w, r, err)
			return
		}
		tx, err := store.GetTransaction(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tx)
	}
}

// WebhookDeliveriesHandler lists recent inbound webhooks.
func WebhookDeliveriesHandler(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		deliveries, err := store.ListWebhookDeliveries(r.Context(), limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries, "count": len(deliveries)})
	}
}
