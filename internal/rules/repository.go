package rules

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/recobra/recobra/internal/billing"
)

// Repository provides PostgreSQL backed persistence for dunning rules.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const ruleColumns = `id, name, days_overdue, template_id, active, attach_slip, attach_invoice, created_at, updated_at`

func scanRule(row pgx.Row) (*billing.ChargeRule, error) {
	var rule billing.ChargeRule
	err := row.Scan(&rule.ID, &rule.Name, &rule.DaysOverdue, &rule.TemplateID,
		&rule.Active, &rule.AttachSlip, &rule.AttachInvoice, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListRules lists rules ordered by threshold.
func (r *Repository) ListRules(ctx context.Context, includeInactive bool) ([]billing.ChargeRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM charge_rules WHERE active ORDER BY days_overdue`
	if includeInactive {
		query = `SELECT ` + ruleColumns + ` FROM charge_rules ORDER BY days_overdue`
	}
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []billing.ChargeRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}

// GetRule retrieves a rule by ID.
func (r *Repository) GetRule(ctx context.Context, id int64) (*billing.ChargeRule, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM charge_rules WHERE id = $1`, id)
	rule, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	return rule, err
}

// CreateRule inserts a new rule.
func (r *Repository) CreateRule(ctx context.Context, input RuleInput) (*billing.ChargeRule, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO charge_rules (name, days_overdue, template_id, active, attach_slip, attach_invoice, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING `+ruleColumns,
		input.Name, input.DaysOverdue, input.TemplateID, input.Active, input.AttachSlip, input.AttachInvoice)
	return scanRule(row)
}

// UpdateRule updates an existing rule.
func (r *Repository) UpdateRule(ctx context.Context, id int64, input RuleInput) (*billing.ChargeRule, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE charge_rules
		SET name = $2, days_overdue = $3, template_id = $4, active = $5, attach_slip = $6, attach_invoice = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING `+ruleColumns,
		id, input.Name, input.DaysOverdue, input.TemplateID, input.Active, input.AttachSlip, input.AttachInvoice)
	rule, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	return rule, err
}
