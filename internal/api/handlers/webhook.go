package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/ledgersync/internal/db/models"
	"github.com/pysugar/ledgersync/internal/ledger"
	"github.com/pysugar/ledgersync/internal/logging"
	"github.com/pysugar/ledgersync/internal/util"
)

// Webhook event types understood by the receiver.
const (
	WebhookTransactionsAvailable = "TRANSACTIONS_AVAILABLE"
	WebhookConnectionRevoked     = "CONNECTION_REVOKED"
)

// SignatureHeader carries hex(HMAC-SHA256(secret, body)), optionally
// prefixed with "sha256=".
const SignatureHeader = "X-Webhook-Signature"

const maxWebhookBody = 1 << 20

// WebhookPayload is the provider notification body.
type WebhookPayload struct {
	DeliveryID   string `json:"delivery_id"`
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
}

// Sign returns the signature value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func validSignature(secret string, body []byte, header string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// WebhookHandler receives provider pushes on /webhooks/{provider}. A
// TRANSACTIONS_AVAILABLE push starts an async sync and answers 202 with the
// job; a duplicate push while that job runs gets the same job back, and a
// redelivered delivery_id that was already accepted is answered 200.
// secretFor returns the provider's signing secret, "" to skip verification.
func WebhookHandler(store Store, syncer Syncer, conns Connections, secretFor func(provider string) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		providerName := chi.URLParam(r, "provider")
		delivery := models.WebhookDelivery{Provider: providerName}
		defer func() {
			if err := store.RecordWebhookDelivery(ctx, &delivery); err != nil {
				log.Printf("⚠️ [%s] Failed to record webhook delivery: %v", logging.Tag(ctx), err)
			}
		}()
		reject := func(status int, msg string) {
			delivery.Status = status
			delivery.Error = msg
			writeErrorMessage(w, status, msg)
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			reject(http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		delivery.Body = util.TruncateBytes(body)

		if secret := secretFor(providerName); secret != "" && !validSignature(secret, body, r.Header.Get(SignatureHeader)) {
			log.Printf("⚠️ [%s] Rejected %s webhook with bad signature", logging.Tag(ctx), providerName)
			reject(http.StatusUnauthorized, "invalid signature")
			return
		}

		var payload WebhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			reject(http.StatusBadRequest, "invalid payload")
			return
		}
		delivery.DeliveryID = payload.DeliveryID
		delivery.Type = payload.Type
		delivery.ConnectionID = payload.ConnectionID

		switch payload.Type {
		case WebhookTransactionsAvailable, WebhookConnectionRevoked:
		default:
			log.Printf("📨 [%s] Ignoring %s webhook of type %q", logging.Tag(ctx), providerName, payload.Type)
			delivery.Status = http.StatusOK
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}

		if payload.DeliveryID != "" {
			prev, err := store.FindAcceptedDelivery(ctx, providerName, payload.DeliveryID)
			if err == nil {
				log.Printf("📨 [%s] Duplicate %s webhook delivery %s, already handled", logging.Tag(ctx), providerName, payload.DeliveryID)
				delivery.SyncJobID = prev.SyncJobID
				delivery.Status = http.StatusOK
				delivery.Error = "duplicate"
				writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate", "job_id": prev.SyncJobID})
				return
			}
			if !errors.Is(err, ledger.ErrNotFound) {
				reject(http.StatusInternalServerError, err.Error())
				return
			}
		}

		conn, err := store.GetConnection(ctx, payload.ConnectionID)
		if err == nil && !strings.EqualFold(conn.ProviderName, providerName) {
			reject(http.StatusNotFound, "connection not found for provider")
			return
		}
		if err != nil {
			reject(statusFor(err), err.Error())
			return
		}

		switch payload.Type {
		case WebhookTransactionsAvailable:
			job, err := syncer.TriggerSyncAsync(ctx, conn.ID, models.ReasonWebhook)
			if err != nil {
				reject(statusFor(err), err.Error())
				return
			}
			log.Printf("📨 [%s] %s webhook for connection %s -> job %s (%s)", logging.Tag(ctx), payload.Type, conn.ID, job.ID, job.Status)
			delivery.SyncJobID = job.ID
			delivery.Status = http.StatusAccepted
			writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "status": job.Status})

		case WebhookConnectionRevoked:
			if err := conns.Revoke(ctx, conn.ID); err != nil {
				reject(statusFor(err), err.Error())
				return
			}
			log.Printf("📨 [%s] Provider revoked connection %s", logging.Tag(ctx), conn.ID)
			delivery.Status = http.StatusOK
			writeJSON(w, http.StatusOK, map[string]string{"status": models.ConnectionRevoked})
		}
	}
}
