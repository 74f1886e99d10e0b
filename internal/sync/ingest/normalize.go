package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/pysugar/ledgersync/internal/db/models"
	"github.com/pysugar/ledgersync/internal/fingerprint"
	"github.com/pysugar/ledgersync/internal/money"
	"github.com/pysugar/ledgersync/internal/provider"
)

const dateLayout = "2006-01-02"

// MalformedRecordError describes a provider record that cannot be
// normalized. It is counted and skipped, never retried.
type MalformedRecordError struct {
	ExternalID string
	Field      string
	Reason     string
	Err        error
}

func (e *MalformedRecordError) Error() string {
	id := e.ExternalID
	if id == "" {
		id = "<no id>"
	}
	if e.Err != nil {
		return fmt.Sprintf("malformed record %s: %s: %s: %v", id, e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed record %s: %s: %s", id, e.Field, e.Reason)
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

func malformed(dto provider.TransactionDTO, field, reason string, err error) *MalformedRecordError {
	var id string
	if dto.ExternalID != nil {
		id = *dto.ExternalID
	}
	return &MalformedRecordError{ExternalID: id, Field: field, Reason: reason, Err: err}
}

// Normalize converts an added provider record into a ledger transaction for
// acct: amount in minor units with outflows negative, posted date as a day
// in loc, and the content fingerprint.
func Normalize(dto provider.TransactionDTO, acct models.Account, loc *time.Location) (models.Transaction, error) {
	amount, err := normalizeAmount(dto, acct)
	if err != nil {
		return models.Transaction{}, err
	}
	date, err := normalizeDate(dto, loc)
	if err != nil {
		return models.Transaction{}, err
	}

	description := strings.TrimSpace(dto.Description)
	if description == "" {
		description = strings.TrimSpace(dto.MerchantName)
	}

	tx := models.Transaction{
		AccountID:             acct.ID,
		ExternalTransactionID: dto.ExternalID,
		Fingerprint:           fingerprint.Compute(acct.ID, date, amount, description),
		Amount:                amount,
		PostedDate:            date,
		Description:           description,
		MerchantName:          strings.TrimSpace(dto.MerchantName),
	}
	if len(dto.Raw) > 0 {
		tx.RawPayloadHash = fingerprint.PayloadHash(dto.Raw)
	}
	return tx, nil
}

func normalizeAmount(dto provider.TransactionDTO, acct models.Account) (int64, error) {
	if dto.Currency != "" && acct.Currency != "" && !strings.EqualFold(dto.Currency, acct.Currency) {
		return 0, malformed(dto, "currency", fmt.Sprintf("%s does not match account currency %s", dto.Currency, acct.Currency), nil)
	}

	var amount int64
	switch {
	case dto.AmountMinor != nil:
		amount = *dto.AmountMinor
	case dto.Amount != nil:
		exp := acct.CurrencyExponent
		if dto.CurrencyExponent != nil {
			exp = *dto.CurrencyExponent
		}
		minor, err := money.ToMinor(*dto.Amount, exp)
		if err != nil {
			return 0, malformed(dto, "amount", "unparseable", err)
		}
		amount = minor
	default:
		return 0, malformed(dto, "amount", "missing", nil)
	}

	switch strings.ToUpper(dto.Direction) {
	case "":
	case provider.DirectionCredit:
		if amount < 0 {
			amount = -amount
		}
	case provider.DirectionDebit:
		if amount > 0 {
			amount = -amount
		}
	default:
		return 0, malformed(dto, "direction", fmt.Sprintf("unknown indicator %q", dto.Direction), nil)
	}
	return amount, nil
}

// normalizeDate reduces the record's posting time to a calendar day in loc.
// A bare date is already a day and is taken as is.
func normalizeDate(dto provider.TransactionDTO, loc *time.Location) (string, error) {
	if dto.PostedAt != nil {
		return dto.PostedAt.In(loc).Format(dateLayout), nil
	}
	raw := strings.TrimSpace(dto.PostedDate)
	if raw == "" {
		return "", malformed(dto, "posted_date", "missing", nil)
	}
	if d, err := time.Parse(dateLayout, raw); err == nil {
		return d.Format(dateLayout), nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05"} {
		if ts, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return ts.In(loc).Format(dateLayout), nil
		}
	}
	return "", malformed(dto, "posted_date", fmt.Sprintf("unparseable %q", raw), nil)
}
