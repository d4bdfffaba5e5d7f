package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/recond/internal/date"
	"github.com/fyrsmithlabs/recond/internal/tenant"
	"github.com/shopspring/decimal"
)

// ErrInvalidRecord is returned when a raw record cannot be normalized.
var ErrInvalidRecord = errors.New("invalid record")

// SourceKind identifies where a record came from.
type SourceKind string

const (
	SourceVoucher     SourceKind = "voucher"
	SourceBank        SourceKind = "bank"
	SourceTaxSales    SourceKind = "tax_sales"
	SourceTaxPurchase SourceKind = "tax_purchase"
)

// ParseSourceKind accepts both underscore and hyphen spellings.
func ParseSourceKind(s string) (SourceKind, error) {
	k := SourceKind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	switch k {
	case SourceVoucher, SourceBank, SourceTaxSales, SourceTaxPurchase:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown source kind %q", ErrInvalidRecord, s)
}

// Internal reports whether records of this kind are the firm's own vouchers.
func (k SourceKind) Internal() bool { return k == SourceVoucher }

// ExternalKinds lists the source kinds a voucher can be matched against.
func ExternalKinds() []SourceKind {
	return []SourceKind{SourceBank, SourceTaxSales, SourceTaxPurchase}
}

// Direction is the money-flow side of a record when the source states it.
type Direction string

const (
	DirectionUnknown Direction = ""
	DirectionDebit   Direction = "debit"
	DirectionCredit  Direction = "credit"
)

// Compatible reports whether two directions may describe the same transaction.
func (d Direction) Compatible(o Direction) bool {
	return d == DirectionUnknown || o == DirectionUnknown || d == o
}

// RawAmount keeps the literal digits of an amount whether it arrived as a JSON
// string or a JSON number, so no float conversion ever happens.
type RawAmount string

func (a *RawAmount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = RawAmount(s)
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*a = ""
		return nil
	}
	*a = RawAmount(b)
	return nil
}

// Raw is a record as produced by the ingestion collaborator.
type Raw struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	SourceKind    string    `json:"source_kind"`
	Date          string    `json:"date"`
	Amount        RawAmount `json:"amount"`
	Counterparty  string    `json:"counterparty,omitempty"`
	ReferenceText string    `json:"reference_text"`
	RawPayloadRef string    `json:"raw_payload_ref"`
	Direction     string    `json:"direction,omitempty"`
}

// Comparable is the normalized, comparison-ready form of a record.
// Values are never modified after Normalize returns; a changed raw row yields
// a new Comparable.
type Comparable struct {
	ID           string          `json:"id"`
	TenantID     tenant.ID       `json:"tenant_id"`
	Kind         SourceKind      `json:"source_kind"`
	Amount       decimal.Decimal `json:"amount"`
	Direction    Direction       `json:"direction,omitempty"`
	Date         date.Date       `json:"date"`
	Counterparty string          `json:"counterparty,omitempty"`
	References   []string        `json:"references"`
	PayloadRef   string          `json:"raw_payload_ref"`
}

// HasCounterparty reports whether a counterparty token is present.
func (c Comparable) HasCounterparty() bool { return c.Counterparty != "" }
