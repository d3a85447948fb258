package billing

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates the referenced row does not exist.
var ErrNotFound = errors.New("billing: not found")

// ErrAlreadySent indicates a SENT record already exists for the
// (receivable, rule) pair.
var ErrAlreadySent = errors.New("billing: notification already sent for rule")

// Repository provides PostgreSQL backed persistence for receivables,
// dunning rules and the sent-email audit trail.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// --- Receivables ---

const receivableColumns = `id, client_id, erp_id, charge_id, description, value, due_date, status, slip_url, slip_barcode, paid_at, paid_value, created_at, updated_at`

func scanReceivable(row pgx.Row) (*Receivable, error) {
	var rec Receivable
	var erpID, chargeID, slipURL, slipBarcode pgtype.Text
	var paidAt pgtype.Timestamptz
	var paidValue pgtype.Float8
	err := row.Scan(
		&rec.ID, &rec.ClientID, &erpID, &chargeID, &rec.Description,
		&rec.Value, &rec.DueDate, &rec.Status, &slipURL, &slipBarcode,
		&paidAt, &paidValue, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.ERPID = erpID.String
	rec.ChargeID = chargeID.String
	rec.SlipURL = slipURL.String
	rec.SlipBarcode = slipBarcode.String
	if paidAt.Valid {
		t := paidAt.Time
		rec.PaidAt = &t
	}
	if paidValue.Valid {
		v := paidValue.Float64
		rec.PaidValue = &v
	}
	return &rec, nil
}

// GetReceivable retrieves a receivable by ID.
func (r *Repository) GetReceivable(ctx context.Context, id int64) (*Receivable, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+receivableColumns+` FROM receivables WHERE id = $1`, id)
	rec, err := scanReceivable(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// FindReceivablesNeedingLink lists unpaid receivables without a bank charge
// correlation id. A receivable that already carries a charge id and slip url
// is excluded, so re-running reconciliation over it is a no-op.
func (r *Repository) FindReceivablesNeedingLink(ctx context.Context) ([]Receivable, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+receivableColumns+`
		FROM receivables
		WHERE status IN ('PENDING', 'OVERDUE')
		  AND (charge_id IS NULL OR charge_id = '' OR slip_url IS NULL OR slip_url = '')
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReceivables(rows)
}

// FindOverdueReceivables lists receivables past their due date that are
// still collectible.
func (r *Repository) FindOverdueReceivables(ctx context.Context) ([]Receivable, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+receivableColumns+`
		FROM receivables
		WHERE status IN ('PENDING', 'OVERDUE')
		  AND due_date < NOW()
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReceivables(rows)
}

func collectReceivables(rows pgx.Rows) ([]Receivable, error) {
	var out []Receivable
	for rows.Next() {
		rec, err := scanReceivable(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// UpdateReceivableLink stores the bank correlation id and payment slip
// metadata captured by reconciliation.
func (r *Repository) UpdateReceivableLink(ctx context.Context, id int64, chargeID, slipURL, slipBarcode string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE receivables
		SET charge_id = $2, slip_url = $3, slip_barcode = $4, updated_at = NOW()
		WHERE id = $1`, id, chargeID, slipURL, slipBarcode)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateReceivableStatusPaid transitions a receivable to PAID.
func (r *Repository) UpdateReceivableStatusPaid(ctx context.Context, id int64, paidAt time.Time, paidValue float64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE receivables
		SET status = 'PAID', paid_at = $2, paid_value = $3, updated_at = NOW()
		WHERE id = $1`, id, paidAt, paidValue)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Clients ---

// GetClient retrieves a client with its additional notification addresses.
func (r *Repository) GetClient(ctx context.Context, id int64) (*Client, error) {
	var c Client
	var email pgtype.Text
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, document, email FROM clients WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Document, &email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Email = email.String

	rows, err := r.pool.Query(ctx, `
		SELECT address, active FROM client_emails WHERE client_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var extra ClientEmail
		if err := rows.Scan(&extra.Address, &extra.Active); err != nil {
			return nil, err
		}
		c.Extra = append(c.Extra, extra)
	}
	return &c, rows.Err()
}

// --- Rules and templates ---

const ruleColumns = `id, name, days_overdue, template_id, active, attach_slip, attach_invoice, created_at, updated_at`

// FindActiveRules lists active dunning rules ordered by threshold.
func (r *Repository) FindActiveRules(ctx context.Context) ([]ChargeRule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ruleColumns+` FROM charge_rules WHERE active ORDER BY days_overdue`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChargeRule
	for rows.Next() {
		var rule ChargeRule
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.DaysOverdue, &rule.TemplateID,
			&rule.Active, &rule.AttachSlip, &rule.AttachInvoice, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// GetTemplate retrieves a message template by ID.
func (r *Repository) GetTemplate(ctx context.Context, id int64) (*MessageTemplate, error) {
	var tpl MessageTemplate
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, subject, body FROM message_templates WHERE id = $1`, id).
		Scan(&tpl.ID, &tpl.Name, &tpl.Subject, &tpl.Body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tpl, nil
}

// --- Sent emails ---

// FindSentEmail returns the SENT record for a (receivable, rule) pair, or
// ErrNotFound.
func (r *Repository) FindSentEmail(ctx context.Context, receivableID, ruleID int64) (*SentEmail, error) {
	var rec SentEmail
	var rid pgtype.Int8
	var sentAt pgtype.Timestamptz
	var errMsg pgtype.Text
	err := r.pool.QueryRow(ctx, `
		SELECT id, client_id, receivable_id, rule_id, recipients, subject, body, attachments, status, sent_at, error_message, created_at
		FROM sent_emails
		WHERE receivable_id = $1 AND rule_id = $2 AND status = 'SENT'`, receivableID, ruleID).
		Scan(&rec.ID, &rec.ClientID, &rec.ReceivableID, &rid, &rec.Recipients,
			&rec.Subject, &rec.Body, &rec.Attachments, &rec.Status, &sentAt, &errMsg, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if rid.Valid {
		v := rid.Int64
		rec.RuleID = &v
	}
	if sentAt.Valid {
		t := sentAt.Time
		rec.SentAt = &t
	}
	rec.ErrorMessage = errMsg.String
	return &rec, nil
}

// CreateSentEmail persists a delivery attempt. A partial unique index on
// (receivable_id, rule_id) for SENT rows backs the at-most-once guarantee;
// a unique violation maps to ErrAlreadySent.
func (r *Repository) CreateSentEmail(ctx context.Context, rec SentEmail) (*SentEmail, error) {
	var ruleID pgtype.Int8
	if rec.RuleID != nil {
		ruleID = pgtype.Int8{Int64: *rec.RuleID, Valid: true}
	}
	var sentAt pgtype.Timestamptz
	if rec.SentAt != nil {
		sentAt = pgtype.Timestamptz{Time: *rec.SentAt, Valid: true}
	}
	var errMsg pgtype.Text
	if rec.ErrorMessage != "" {
		errMsg = pgtype.Text{String: rec.ErrorMessage, Valid: true}
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO sent_emails (client_id, receivable_id, rule_id, recipients, subject, body, attachments, status, sent_at, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		RETURNING id, created_at`,
		rec.ClientID, rec.ReceivableID, ruleID, rec.Recipients, rec.Subject,
		rec.Body, rec.Attachments, rec.Status, sentAt, errMsg).
		Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrAlreadySent
		}
		return nil, err
	}
	return &rec, nil
}
