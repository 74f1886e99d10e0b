package aggregator

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pysugar/ledgersync/internal/provider"
)

type accountsResponse struct {
	Accounts []accountJSON `json:"accounts"`
}

type accountJSON struct {
	AccountID        string `json:"account_id"`
	Name             string `json:"name"`
	Type             string `json:"type"`
	Currency         string `json:"iso_currency_code"`
	CurrencyExponent *int   `json:"currency_exponent"`
	Timezone         string `json:"timezone"`
	Balances         struct {
		Current      json.Number `json:"current"`
		CurrentMinor *int64      `json:"current_minor"`
	} `json:"balances"`
}

func (a accountJSON) toDTO() provider.AccountDTO {
	dto := provider.AccountDTO{
		ExternalID:       a.AccountID,
		Name:             a.Name,
		Type:             a.Type,
		Currency:         a.Currency,
		CurrencyExponent: a.CurrencyExponent,
		Timezone:         a.Timezone,
		BalanceMinor:     a.Balances.CurrentMinor,
	}
	if s := a.Balances.Current.String(); s != "" {
		dto.Balance = &s
	}
	return dto
}

type syncResponse struct {
	Added      []json.RawMessage `json:"added"`
	Removed    []json.RawMessage `json:"removed"`
	NextCursor string            `json:"next_cursor"`
	HasMore    bool              `json:"has_more"`
}

type transactionJSON struct {
	TransactionID    string      `json:"transaction_id"`
	AccountID        string      `json:"account_id"`
	Amount           json.Number `json:"amount"`
	AmountMinor      *int64      `json:"amount_minor"`
	Currency         string      `json:"iso_currency_code"`
	CurrencyExponent *int        `json:"currency_exponent"`
	Direction        string      `json:"credit_debit_indicator"`
	Date             string      `json:"date"`
	Datetime         string      `json:"datetime"`
	Name             string      `json:"name"`
	MerchantName     string      `json:"merchant_name"`
	Pending          bool        `json:"pending"`
}

// decodeTransaction keeps going on unexpected shapes: whatever fails to
// decode is left empty and rejected later as malformed.
func decodeTransaction(raw json.RawMessage, kind provider.ChangeKind) provider.TransactionDTO {
	var t transactionJSON
	_ = json.Unmarshal(raw, &t)

	dto := provider.TransactionDTO{
		Kind:              kind,
		ExternalAccountID: t.AccountID,
		AmountMinor:       t.AmountMinor,
		Currency:          t.Currency,
		CurrencyExponent:  t.CurrencyExponent,
		Direction:         strings.ToUpper(strings.TrimSpace(t.Direction)),
		PostedDate:        strings.TrimSpace(t.Date),
		Description:       t.Name,
		MerchantName:      t.MerchantName,
		Pending:           t.Pending,
		Raw:               raw,
	}
	if t.TransactionID != "" {
		id := t.TransactionID
		dto.ExternalID = &id
	}
	if s := t.Amount.String(); s != "" {
		dto.Amount = &s
	}
	if t.Datetime != "" {
		if ts, err := time.Parse(time.RFC3339, t.Datetime); err == nil {
			dto.PostedAt = &ts
		}
	}
	return dto
}
