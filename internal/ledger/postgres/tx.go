package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"stripesync/internal/booking"
	"stripesync/internal/ledger"
	"stripesync/pkg/models"
)

const uniqueViolation = "23505"

type tx struct {
	tx  pgx.Tx
	log zerolog.Logger
}

func (t *tx) LockExternalInvoice(ctx context.Context, accountIndex int, externalID string) error {
	key := fmt.Sprintf("stripesync/%d/%s", accountIndex, externalID)
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("LockExternalInvoice: %w", err)
	}
	return nil
}

func (t *tx) CreateInvoice(ctx context.Context, inv *models.LocalInvoice) error {
	const op = "CreateInvoice"

	var seq int64
	if err := t.tx.QueryRow(ctx, `SELECT nextval('invoice_number_seq')`).Scan(&seq); err != nil {
		return fmt.Errorf("%s: numbering: %w", op, err)
	}
	inv.ID = fmt.Sprintf("FAC%04dA%d", inv.Date.Year(), seq)

	var externalID *string
	if inv.ExternalID != "" {
		externalID = &inv.ExternalID
	}

	err := t.tx.QueryRow(ctx,
		`INSERT INTO invoices (id, customer_id, customer_name, customer_tax_id, invoice_date,
		     external_number, payment_method, account_index, external_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING created_at`,
		inv.ID, inv.CustomerID, inv.CustomerName, inv.CustomerTaxID, inv.Date,
		inv.ExternalNumber, inv.PaymentMethod, inv.AccountIndex, externalID,
	).Scan(&inv.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%s: %w", op, ledger.ErrDuplicateExternalInvoice)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (t *tx) AddLine(ctx context.Context, line *models.LocalInvoiceLine) error {
	const op = "AddLine"

	var productID *string
	if line.ProductID != "" {
		productID = &line.ProductID
	}

	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO invoice_lines (invoice_id, position, description, product_id, reference,
		     quantity, unit_price, line_total, tax_code, vat_rate, surcharge_rate)
		 VALUES ($1, (SELECT COALESCE(MAX(position), 0) + 1 FROM invoice_lines WHERE invoice_id = $1),
		     $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id, position`,
		line.InvoiceID, line.Description, productID, line.Reference,
		line.Quantity, line.UnitPrice, line.LineTotal, line.TaxCode, line.VATRate, line.SurchargeRate,
	).Scan(&id, &line.Position)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	line.ID = strconv.FormatInt(id, 10)
	return nil
}

func scanLine(scanner interface{ Scan(...any) error }) (models.LocalInvoiceLine, error) {
	var l models.LocalInvoiceLine
	err := scanner.Scan(&l.ID, &l.InvoiceID, &l.Position, &l.Description, &l.ProductID, &l.Reference,
		&l.Quantity, &l.UnitPrice, &l.LineTotal, &l.TaxCode, &l.VATRate, &l.SurchargeRate)
	return l, err
}

func (t *tx) lines(ctx context.Context, invoiceID string) ([]models.LocalInvoiceLine, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id::text, invoice_id, position, description, COALESCE(product_id, ''), reference,
		     quantity::text, unit_price::text, line_total::text, tax_code, vat_rate::text, surcharge_rate::text
		 FROM invoice_lines WHERE invoice_id = $1 ORDER BY position`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []models.LocalInvoiceLine
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// RecalculateTotals derives totals from the stored lines and keeps a single
// receipt for the invoice total, due on the invoice date.
func (t *tx) RecalculateTotals(ctx context.Context, inv *models.LocalInvoice) error {
	const op = "RecalculateTotals"

	lines, err := t.lines(ctx, inv.ID)
	if err != nil {
		return fmt.Errorf("%s: loading lines: %w", op, err)
	}
	ledger.ComputeTotals(lines).Apply(inv)

	if err := t.SaveInvoice(ctx, inv); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	tag, err := t.tx.Exec(ctx, `UPDATE receipts SET amount = $2 WHERE invoice_id = $1 AND NOT paid`, inv.ID, inv.Total)
	if err != nil {
		return fmt.Errorf("%s: updating receipts: %w", op, err)
	}
	if tag.RowsAffected() == 0 && inv.Total.IsPositive() {
		_, err = t.tx.Exec(ctx,
			`INSERT INTO receipts (invoice_id, amount, due_date) VALUES ($1, $2, $3)`,
			inv.ID, inv.Total, inv.Date)
		if err != nil {
			return fmt.Errorf("%s: creating receipt: %w", op, err)
		}
	}
	return nil
}

func (t *tx) SaveInvoice(ctx context.Context, inv *models.LocalInvoice) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE invoices SET external_number = $2, payment_method = $3, net = $4, tax = $5,
		     surcharge = $6, total = $7, accounting_entry_id = $8
		 WHERE id = $1`,
		inv.ID, inv.ExternalNumber, inv.PaymentMethod, inv.Net, inv.Tax, inv.Surcharge, inv.Total, inv.AccountingEntryID)
	if err != nil {
		return fmt.Errorf("SaveInvoice: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("SaveInvoice: invoice %s: %w", inv.ID, ledger.ErrNotFound)
	}
	return nil
}

func (t *tx) GenerateAccountingEntry(ctx context.Context, inv *models.LocalInvoice) (string, error) {
	const op = "GenerateAccountingEntry"

	entry, err := booking.SalesEntry(inv)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	var entryID int64
	err = t.tx.QueryRow(ctx,
		`INSERT INTO journal_entries (entry_date, concept, invoice_id) VALUES ($1, $2, $3) RETURNING id`,
		entry.Date, entry.Concept, entry.InvoiceID,
	).Scan(&entryID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	batch := &pgx.Batch{}
	for _, l := range entry.Lines {
		batch.Queue(
			`INSERT INTO journal_lines (entry_id, account, concept, debit, credit) VALUES ($1, $2, $3, $4, $5)`,
			entryID, l.Account, l.Concept, l.Debit, l.Credit)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return "", fmt.Errorf("%s: lines: %w", op, err)
	}

	inv.AccountingEntryID = strconv.FormatInt(entryID, 10)
	if err := t.SaveInvoice(ctx, inv); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	t.log.Debug().
		Str("invoice_id", inv.ID).
		Str("entry_id", inv.AccountingEntryID).
		Msg("Accounting entry generated")
	return inv.AccountingEntryID, nil
}

func (t *tx) Receipts(ctx context.Context, invoiceID string) ([]models.Receipt, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id::text, invoice_id, amount::text, due_date, paid, payment_date, payment_method
		 FROM receipts WHERE invoice_id = $1 ORDER BY id`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("Receipts: %w", err)
	}
	defer rows.Close()

	var receipts []models.Receipt
	for rows.Next() {
		var r models.Receipt
		if err := rows.Scan(&r.ID, &r.InvoiceID, &r.Amount, &r.DueDate, &r.Paid, &r.PaymentDate, &r.PaymentMethod); err != nil {
			return nil, fmt.Errorf("Receipts: %w", err)
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

func (t *tx) SaveReceipt(ctx context.Context, r *models.Receipt) error {
	id, err := strconv.ParseInt(r.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("SaveReceipt: receipt id %q: %w", r.ID, ledger.ErrNotFound)
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE receipts SET paid = $2, payment_date = $3, payment_method = $4 WHERE id = $1`,
		id, r.Paid, r.PaymentDate, r.PaymentMethod)
	if err != nil {
		return fmt.Errorf("SaveReceipt: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("SaveReceipt: receipt %s: %w", r.ID, ledger.ErrNotFound)
	}
	return nil
}

func (t *tx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

// Rollback is safe to call after Commit.
func (t *tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}
