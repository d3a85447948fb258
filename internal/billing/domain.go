package billing

import (
	"strings"
	"time"
)

// ReceivableStatus enumerates receivable lifecycle states.
type ReceivableStatus string

const (
	StatusPending   ReceivableStatus = "PENDING"
	StatusOverdue   ReceivableStatus = "OVERDUE"
	StatusPaid      ReceivableStatus = "PAID"
	StatusCancelled ReceivableStatus = "CANCELLED"
)

// Receivable is an amount owed by a client. External correlation ids are
// populated independently: ERPID by the ingestion process, ChargeID by the
// reconciliation engine once a bank charge is linked.
type Receivable struct {
	ID          int64
	ClientID    int64
	ERPID       string
	ChargeID    string
	Description string
	Value       float64
	DueDate     time.Time
	Status      ReceivableStatus
	DaysOverdue int
	SlipURL     string
	SlipBarcode string
	PaidAt      *time.Time
	PaidValue   *float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ComputeDaysOverdue derives whole days past due as of the given date,
// never negative.
func ComputeDaysOverdue(dueDate, today time.Time) int {
	due := time.Date(dueDate.Year(), dueDate.Month(), dueDate.Day(), 0, 0, 0, 0, time.UTC)
	now := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
	days := int(now.Sub(due).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// Client is the debtor a receivable belongs to.
type Client struct {
	ID       int64
	Name     string
	Document string
	Email    string
	Extra    []ClientEmail
}

// ClientEmail is an additional notification address for a client.
type ClientEmail struct {
	Address string
	Active  bool
}

// ChargeRule is one dunning tier: past DaysOverdue days, the linked template
// applies. At most one active rule shares a threshold; selection tolerates
// violations by taking the first after an ascending sort.
type ChargeRule struct {
	ID            int64
	Name          string
	DaysOverdue   int
	TemplateID    int64
	Active        bool
	AttachSlip    bool
	AttachInvoice bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MessageTemplate holds the subject/body pair a rule renders.
type MessageTemplate struct {
	ID      int64
	Name    string
	Subject string
	Body    string
}

// SentEmailStatus enumerates delivery outcomes.
type SentEmailStatus string

const (
	SentStatusSent   SentEmailStatus = "SENT"
	SentStatusFailed SentEmailStatus = "FAILED"
)

// SentEmail is the audit and dedup record for one delivery attempt.
// RuleID is nil for manual sends; for automatic sends the pair
// (ReceivableID, RuleID) with status SENT is unique.
type SentEmail struct {
	ID           int64
	ClientID     int64
	ReceivableID int64
	RuleID       *int64
	Recipients   []string
	Subject      string
	Body         string
	Attachments  []string
	Status       SentEmailStatus
	SentAt       *time.Time
	ErrorMessage string
	CreatedAt    time.Time
}

// ExternalCharge is a normalized bank charge candidate. It is transient:
// fetched per reconciliation run and never persisted. TotalCents is in the
// smallest currency unit.
type ExternalCharge struct {
	ID               string
	TotalCents       int64
	Status           string
	CorrelationID    string
	CustomerDocument string
	CustomerName     string
	CustomerEmail    string
	DueDate          *time.Time
	SlipURL          string
	SlipBarcode      string
	Items            []ChargeItem
}

// ChargeItem is one line item on an external charge.
type ChargeItem struct {
	Name       string
	ValueCents int64
}

// ToCents converts a monetary value to the smallest currency unit.
func ToCents(value float64) int64 {
	if value < 0 {
		return -ToCents(-value)
	}
	return int64(value*100 + 0.5)
}

// FromCents converts the smallest currency unit back to a monetary value.
func FromCents(cents int64) float64 {
	return float64(cents) / 100
}

// OnlyDigits strips every non-digit rune, used to compare customer
// documents regardless of punctuation.
func OnlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
