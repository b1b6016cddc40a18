package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the payment state of a published invoice.
type PaymentStatus string

const (
	StatusUnpaid        PaymentStatus = "unpaid"
	StatusPartiallyPaid PaymentStatus = "partially_paid"
	StatusPaid          PaymentStatus = "paid"
	// StatusOverdue is only ever derived for display; it is never stored.
	StatusOverdue PaymentStatus = "overdue"
)

// Payable reports whether further payments may be applied.
func (s PaymentStatus) Payable() bool {
	return s == StatusUnpaid || s == StatusPartiallyPaid || s == StatusOverdue
}

// Valid reports whether s is a known status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusUnpaid, StatusPartiallyPaid, StatusPaid, StatusOverdue:
		return true
	default:
		return false
	}
}

// StatusFor derives the stored payment status from the amounts.
func StatusFor(total, paid decimal.Decimal) PaymentStatus {
	switch {
	case !paid.IsPositive():
		return StatusUnpaid
	case paid.GreaterThanOrEqual(total):
		return StatusPaid
	default:
		return StatusPartiallyPaid
	}
}

// DisplayStatus overlays StatusOverdue on an unpaid or partially paid invoice
// whose due date lies on a calendar day before now.
func DisplayStatus(status PaymentStatus, due *time.Time, now time.Time) PaymentStatus {
	if status == StatusPaid || due == nil || due.IsZero() {
		return status
	}
	dueDay := dateOnly(due.UTC())
	today := dateOnly(now.UTC())
	if dueDay.Before(today) {
		return StatusOverdue
	}
	return status
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// PaymentSnapshot is the stored payment state an update is computed from.
type PaymentSnapshot struct {
	Total  decimal.Decimal
	Paid   decimal.Decimal
	Status PaymentStatus
}

// PaymentUpdate is the result of ApplyPayment. Callers must write it
// conditionally: only when the stored amount paid and status still equal
// ExpectedPaid and ExpectedStatus.
type PaymentUpdate struct {
	AmountPaid     decimal.Decimal
	Status         PaymentStatus
	PaidAt         *time.Time
	Applied        decimal.Decimal
	ExpectedPaid   decimal.Decimal
	ExpectedStatus PaymentStatus
}

// Changed reports whether the update alters the stored state.
func (u PaymentUpdate) Changed() bool {
	return !u.AmountPaid.Equal(u.ExpectedPaid) || u.Status != u.ExpectedStatus
}

// ApplyPayment computes the new payment fields after receiving amount. It
// performs no I/O and no locking. Negative amounts are treated as zero and a
// snapshot that is no longer payable is returned unchanged.
func ApplyPayment(s PaymentSnapshot, amount decimal.Decimal, at time.Time) PaymentUpdate {
	u := PaymentUpdate{
		AmountPaid:     s.Paid,
		Status:         s.Status,
		Applied:        decimal.Zero,
		ExpectedPaid:   s.Paid,
		ExpectedStatus: s.Status,
	}
	if !s.Status.Payable() {
		return u
	}
	received := nonNegative(amount)
	u.Applied = received
	u.AmountPaid = nonNegative(s.Paid).Add(received)
	u.Status = StatusFor(s.Total, u.AmountPaid)
	if u.Status == StatusPaid {
		paidAt := at
		u.PaidAt = &paidAt
	}
	return u
}
