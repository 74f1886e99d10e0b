package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/pysugar/ledgersync/internal/db"
	"gorm.io/gorm"
)

// APIKeyAuth guards operator routes with the generated API key, accepted as
// a Bearer token or in the x-api-key header.
func APIKeyAuth(database *gorm.DB) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			expectedKey := db.GetAPIKey(database)
			if expectedKey == "" {
				// No key yet (first run before seeding)
				next.ServeHTTP(w, r)
				return
			}

			if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && keyMatches(token, expectedKey) {
				next.ServeHTTP(w, r)
				return
			}
			if keyMatches(r.Header.Get("x-api-key"), expectedKey) {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error": "Invalid API key"}`))
		})
	}
}

func keyMatches(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
