// Package settlement marks receivables paid and propagates the payment to
// the systems of record.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/recobra/recobra/internal/billing"
	"github.com/recobra/recobra/internal/shared"
)

// ErrSettleRejected indicates an upstream system refused the settlement.
var ErrSettleRejected = errors.New("settlement: upstream rejected settle")

// StoragePort defines the persistence operations settlement needs.
type StoragePort interface {
	GetReceivable(ctx context.Context, id int64) (*billing.Receivable, error)
	UpdateReceivableStatusPaid(ctx context.Context, id int64, paidAt time.Time, paidValue float64) error
}

// ERPPort settles the receivable in the ERP.
type ERPPort interface {
	SettleReceivable(ctx context.Context, id string, paidAt time.Time, paidValue float64) (bool, error)
}

// BankPort settles the charge in the bank.
type BankPort interface {
	SettleCharge(ctx context.Context, id string) (bool, error)
}

// AuditPort records who settled what.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates local and remote settlement. Remote systems are
// called first and local state only updates after both succeed; a failed
// remote call aborts the whole operation without rolling back a prior one
// (local state stays authoritative and unchanged).
type Service struct {
	storage StoragePort
	erp     ERPPort
	bank    BankPort
	audit   AuditPort
	logger  *slog.Logger
}

// NewService constructs the settlement coordinator.
func NewService(storage StoragePort, erp ERPPort, bank BankPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		storage: storage,
		erp:     erp,
		bank:    bank,
		audit:   audit,
		logger:  logger.With(slog.String("component", "settlement")),
	}
}

// Input carries the payment facts for one settlement.
type Input struct {
	ReceivableID int64
	PaidValue    float64
	PaidAt       time.Time
	ActorID      int64
}

// Settle marks the receivable paid. Errors surface directly to the caller;
// this is a user-triggered operation, never silently swallowed.
func (s *Service) Settle(ctx context.Context, input Input) error {
	rec, err := s.storage.GetReceivable(ctx, input.ReceivableID)
	if err != nil {
		return fmt.Errorf("settlement: receivable %d: %w", input.ReceivableID, err)
	}
	if input.PaidAt.IsZero() {
		input.PaidAt = time.Now().UTC()
	}
	if input.PaidValue <= 0 {
		return errors.New("settlement: paid value must be positive")
	}

	if rec.ERPID != "" {
		ok, err := s.erp.SettleReceivable(ctx, rec.ERPID, input.PaidAt, input.PaidValue)
		if err != nil {
			return fmt.Errorf("settlement: erp settle %s: %w", rec.ERPID, err)
		}
		if !ok {
			return fmt.Errorf("%w: erp receivable %s", ErrSettleRejected, rec.ERPID)
		}
	}
	if rec.ChargeID != "" {
		ok, err := s.bank.SettleCharge(ctx, rec.ChargeID)
		if err != nil {
			return fmt.Errorf("settlement: bank settle %s: %w", rec.ChargeID, err)
		}
		if !ok {
			return fmt.Errorf("%w: bank charge %s", ErrSettleRejected, rec.ChargeID)
		}
	}

	if err := s.storage.UpdateReceivableStatusPaid(ctx, rec.ID, input.PaidAt, input.PaidValue); err != nil {
		return fmt.Errorf("settlement: update receivable %d: %w", rec.ID, err)
	}

	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.SettlementLog(input.ActorID, rec.ID, input.PaidValue, input.PaidAt)); err != nil {
			// The receivable is already paid; losing the audit row is
			// reported but does not undo the settlement.
			s.logger.Warn("audit record failed",
				slog.Int64("receivable_id", rec.ID),
				slog.Any("error", err))
		}
	}

	s.logger.Info("receivable settled",
		slog.Int64("receivable_id", rec.ID),
		slog.Float64("paid_value", input.PaidValue),
		slog.Int64("actor_id", input.ActorID))
	return nil
}
