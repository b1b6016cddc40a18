// Package invoice publishes priced invoices and records the payments made
// against them.
package invoice

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-invoice/internal/pricing"
)

var (
	// ErrNotFound is returned when an invoice does not exist.
	ErrNotFound = errors.New("invoice: not found")
	// ErrDuplicateNumber is returned when the invoice number is already taken.
	ErrDuplicateNumber = errors.New("invoice: duplicate invoice number")
	// ErrConcurrentUpdate is returned when a conditional payment write lost a race.
	ErrConcurrentUpdate = errors.New("invoice: concurrent payment update")
	// ErrDuplicatePayment is returned when a provider reference was already recorded.
	ErrDuplicatePayment = errors.New("invoice: payment already recorded")
	// ErrNotPayable is returned for invoices that accept no further payments.
	ErrNotPayable = errors.New("invoice: invoice is not payable")
	// ErrCurrencyMismatch is returned when a payment currency differs from the invoice currency.
	ErrCurrencyMismatch = errors.New("invoice: payment currency mismatch")
)

// Invoice is a published invoice. Only the payment fields change after publish.
type Invoice struct {
	ID          uuid.UUID
	Number      string
	Currency    string
	TaxMode     TaxMode
	Draft       Draft
	PDFURL      string
	AmountTotal decimal.Decimal
	AmountPaid  decimal.Decimal
	Status      pricing.PaymentStatus
	IssueDate   time.Time
	DueDate     *time.Time
	PaidAt      *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Snapshot returns the payment state ApplyPayment works on.
func (inv Invoice) Snapshot() pricing.PaymentSnapshot {
	return pricing.PaymentSnapshot{Total: inv.AmountTotal, Paid: inv.AmountPaid, Status: inv.Status}
}

// AmountDue is the outstanding balance.
func (inv Invoice) AmountDue() decimal.Decimal {
	return pricing.AmountDue(inv.AmountTotal, inv.AmountPaid)
}

// Payment is a provider-confirmed payment applied to an invoice.
type Payment struct {
	ID          uuid.UUID
	InvoiceID   uuid.UUID
	Provider    string
	ProviderRef string
	Amount      decimal.Decimal
	Currency    string
	StatusAfter pricing.PaymentStatus
	Payload     []byte
	ReceivedAt  time.Time
}
