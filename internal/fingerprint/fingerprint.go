// Package fingerprint derives the content-based dedup key for transactions.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Width is the length of a fingerprint in hex characters.
const Width = 32

// Compute returns SHA256("{accountID}|{postedDate}|{amountMinor}|{normalizedDescription}")
// truncated to Width hex characters. postedDate is YYYY-MM-DD.
func Compute(accountID, postedDate string, amountMinor int64, description string) string {
	input := fmt.Sprintf("%s|%s|%d|%s", accountID, postedDate, amountMinor, NormalizeDescription(description))
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:Width]
}

// NormalizeDescription folds accents, compatibility forms, case and whitespace
// so cosmetic provider differences do not split one transaction into two.
func NormalizeDescription(description string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, description)
	if err != nil {
		folded = description
	}
	return strings.Join(strings.Fields(strings.ToUpper(folded)), " ")
}

// PayloadHash returns the hex SHA256 of a raw provider payload.
func PayloadHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
