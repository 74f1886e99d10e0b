package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/ledgersync/internal/logging"
)

// LoginHandler starts the OAuth flow for a user and redirects to the
// provider's consent page.
func LoginHandler(conns Connections) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			writeErrorMessage(w, http.StatusBadRequest, "user_id is required")
			return
		}
		conn, url, err := conns.BeginAuthorization(r.Context(), userID, chi.URLParam(r, "provider"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		log.Printf("🔐 [%s] Authorization started for connection %s", logging.Tag(r.Context()), conn.ID)
		http.Redirect(w, r, url, http.StatusFound)
	}
}

// CallbackHandler completes the OAuth flow identified by state.
func CallbackHandler(conns Connections) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if e := q.Get("error"); e != "" {
			writeErrorMessage(w, http.StatusBadRequest, "authorization denied: "+e)
			return
		}
		state, code := q.Get("state"), q.Get("code")
		if state == "" || code == "" {
			writeErrorMessage(w, http.StatusBadRequest, "state and code are required")
			return
		}
		conn, err := conns.CompleteAuthorization(r.Context(), state, code)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"connection_id": conn.ID,
			"status":        conn.Status,
		})
	}
}

// ReauthorizeHandler returns a consent URL that re-authorizes an existing
// connection in place.
func ReauthorizeHandler(conns Connections) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		url, err := conns.BeginReauthorization(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"authorize_url": url})
	}
}
