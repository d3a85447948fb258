// Package rules manages the dunning tier definitions. The selection engine
// trusts that at most one active rule shares a threshold; this service is
// where that invariant is enforced.
package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/recobra/recobra/internal/billing"
)

var (
	// ErrRuleNotFound indicates the rule does not exist.
	ErrRuleNotFound = errors.New("rules: not found")
	// ErrDuplicateThreshold indicates another active rule already uses the
	// same days-overdue threshold.
	ErrDuplicateThreshold = errors.New("rules: active rule with same threshold exists")
)

// RepositoryPort defines data access for rule administration.
type RepositoryPort interface {
	ListRules(ctx context.Context, includeInactive bool) ([]billing.ChargeRule, error)
	GetRule(ctx context.Context, id int64) (*billing.ChargeRule, error)
	CreateRule(ctx context.Context, input RuleInput) (*billing.ChargeRule, error)
	UpdateRule(ctx context.Context, id int64, input RuleInput) (*billing.ChargeRule, error)
}

// RuleInput carries rule attributes for create/update.
type RuleInput struct {
	Name          string `validate:"required,min=2,max=120"`
	DaysOverdue   int    `validate:"required,gt=0,lte=3650"`
	TemplateID    int64  `validate:"required,gt=0"`
	Active        bool
	AttachSlip    bool
	AttachInvoice bool
}

// Service handles rule administration.
type Service struct {
	repo     RepositoryPort
	validate *validator.Validate
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo, validate: validator.New()}
}

// ListRules returns all rules, optionally including inactive ones.
func (s *Service) ListRules(ctx context.Context, includeInactive bool) ([]billing.ChargeRule, error) {
	return s.repo.ListRules(ctx, includeInactive)
}

// CreateRule validates and persists a new tier.
func (s *Service) CreateRule(ctx context.Context, input RuleInput) (*billing.ChargeRule, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, fmt.Errorf("rules: invalid input: %w", err)
	}
	if input.Active {
		if err := s.ensureThresholdFree(ctx, input.DaysOverdue, 0); err != nil {
			return nil, err
		}
	}
	return s.repo.CreateRule(ctx, input)
}

// UpdateRule validates and persists changes to an existing tier.
func (s *Service) UpdateRule(ctx context.Context, id int64, input RuleInput) (*billing.ChargeRule, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, fmt.Errorf("rules: invalid input: %w", err)
	}
	if _, err := s.repo.GetRule(ctx, id); err != nil {
		return nil, err
	}
	if input.Active {
		if err := s.ensureThresholdFree(ctx, input.DaysOverdue, id); err != nil {
			return nil, err
		}
	}
	return s.repo.UpdateRule(ctx, id, input)
}

func (s *Service) ensureThresholdFree(ctx context.Context, daysOverdue int, selfID int64) error {
	existing, err := s.repo.ListRules(ctx, false)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if rule.ID != selfID && rule.DaysOverdue == daysOverdue {
			return fmt.Errorf("%w: D+%d", ErrDuplicateThreshold, daysOverdue)
		}
	}
	return nil
}
