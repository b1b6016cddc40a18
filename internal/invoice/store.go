package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-invoice/internal/pricing"
)

// Store persists invoices and payments.
type Store interface {
	Create(ctx context.Context, inv Invoice) error
	Get(ctx context.Context, id uuid.UUID) (Invoice, error)
	List(ctx context.Context, limit, offset int) ([]Invoice, int64, error)
	// ApplyPayment records p and writes upd only if the stored amount paid and
	// status still match upd.ExpectedPaid and upd.ExpectedStatus.
	ApplyPayment(ctx context.Context, id uuid.UUID, upd pricing.PaymentUpdate, p Payment) error
}

const uniqueViolation = "23505"

// PGStore is the Postgres Store.
type PGStore struct {
	Pool *pgxpool.Pool
}

// NewPGStore wraps a pgx pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{Pool: pool}
}

const selectInvoice = `SELECT id::text, invoice_number, currency, tax_mode, data, pdf_url,
	amount_total::text, amount_paid::text, payment_status, issue_date, due_date, paid_at,
	created_at, updated_at
FROM invoices`

// Create inserts a published invoice.
func (s *PGStore) Create(ctx context.Context, inv Invoice) error {
	data, err := json.Marshal(inv.Draft)
	if err != nil {
		return fmt.Errorf("encode invoice data: %w", err)
	}
	_, err = s.Pool.Exec(ctx, `INSERT INTO invoices
	(id, invoice_number, currency, tax_mode, data, pdf_url, amount_total, amount_paid,
	 payment_status, issue_date, due_date, created_at, updated_at)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9, $10, $11, $12, $12)`,
		inv.ID.String(), inv.Number, inv.Currency, string(inv.TaxMode), data, inv.PDFURL,
		inv.AmountTotal.String(), inv.AmountPaid.String(), string(inv.Status),
		inv.IssueDate, inv.DueDate, inv.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateNumber
	}
	return err
}

// Get loads an invoice by id.
func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (Invoice, error) {
	row := s.Pool.QueryRow(ctx, selectInvoice+` WHERE id = $1::uuid`, id.String())
	inv, err := scanInvoice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, ErrNotFound
	}
	return inv, err
}

// List returns invoices newest first with the total count.
func (s *PGStore) List(ctx context.Context, limit, offset int) ([]Invoice, int64, error) {
	var total int64
	if err := s.Pool.QueryRow(ctx, `SELECT count(*) FROM invoices`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.Pool.Query(ctx, selectInvoice+` ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := make([]Invoice, 0, limit)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, inv)
	}
	return out, total, rows.Err()
}

// ApplyPayment inserts the payment row and conditionally updates the invoice
// in one transaction.
func (s *PGStore) ApplyPayment(ctx context.Context, id uuid.UUID, upd pricing.PaymentUpdate, p Payment) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `INSERT INTO invoice_payments
	(id, invoice_id, provider, provider_ref, amount, currency, status_after, payload, received_at)
VALUES ($1::uuid, $2::uuid, $3, $4, $5::numeric, $6, $7, $8, $9)
ON CONFLICT (provider, provider_ref) DO NOTHING`,
		p.ID.String(), id.String(), p.Provider, p.ProviderRef, p.Amount.String(), p.Currency,
		string(upd.Status), nullableJSON(p.Payload), p.ReceivedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicatePayment
	}

	tag, err = tx.Exec(ctx, `UPDATE invoices
SET amount_paid = $2::numeric, payment_status = $3, paid_at = COALESCE($4, paid_at), updated_at = now()
WHERE id = $1::uuid AND amount_paid = $5::numeric AND payment_status = $6`,
		id.String(), upd.AmountPaid.String(), string(upd.Status), upd.PaidAt,
		upd.ExpectedPaid.String(), string(upd.ExpectedStatus))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentUpdate
	}
	return tx.Commit(ctx)
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var (
		inv                 Invoice
		id, taxMode, status string
		total, paid         string
		data                []byte
		issue               time.Time
	)
	if err := row.Scan(&id, &inv.Number, &inv.Currency, &taxMode, &data, &inv.PDFURL,
		&total, &paid, &status, &issue, &inv.DueDate, &inv.PaidAt, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
		return Invoice{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Invoice{}, fmt.Errorf("decode invoice id: %w", err)
	}
	inv.ID = parsed
	inv.TaxMode = TaxMode(taxMode)
	inv.Status = pricing.PaymentStatus(status)
	inv.IssueDate = issue
	if inv.AmountTotal, err = decimal.NewFromString(total); err != nil {
		return Invoice{}, fmt.Errorf("decode amount_total: %w", err)
	}
	if inv.AmountPaid, err = decimal.NewFromString(paid); err != nil {
		return Invoice{}, fmt.Errorf("decode amount_paid: %w", err)
	}
	if err := json.Unmarshal(data, &inv.Draft); err != nil {
		return Invoice{}, fmt.Errorf("decode invoice data: %w", err)
	}
	return inv, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullableJSON(b []byte) any {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return b
}
