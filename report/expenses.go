package report

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/warp/booking-engine/domain"
)

// RecordExpense stores money paid out by a branch. Receptionists may only
// record expenses of their own branch.
func (g *Aggregator) RecordExpense(ctx context.Context, caller domain.Caller, e domain.Expense) (*domain.Expense, error) {
	if !caller.IsAdmin() && caller.BranchID != "" && e.BranchID != caller.BranchID {
		return nil, &domain.AuthorizationError{Action: "record expense for branch " + string(e.BranchID), UserID: caller.UserID}
	}
	e.Description = strings.TrimSpace(e.Description)
	if e.Category == "" {
		e.Category = domain.ExpenseOther
	}
	now := g.now()
	if e.Date.IsZero() {
		e.Date = now
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	e.ID = uuid.NewString()
	e.CreatedBy = caller.UserID
	e.CreatedAt = now

	if err := g.Store.InsertExpense(ctx, e); err != nil {
		return nil, err
	}
	g.Invalidate(ctx)
	g.Log.Info().Str("branch_id", string(e.BranchID)).Str("amount", e.Amount.StringFixed(2)).Msg("expense recorded")
	return &e, nil
}

func (g *Aggregator) ListExpenses(ctx context.Context, f domain.ExpenseFilter) ([]domain.Expense, error) {
	return g.Store.ListExpenses(ctx, f)
}

// DeleteExpense removes an expense. Admin only.
func (g *Aggregator) DeleteExpense(ctx context.Context, caller domain.Caller, id string) error {
	if !caller.IsAdmin() {
		return &domain.AuthorizationError{Action: "delete expense", UserID: caller.UserID}
	}
	if err := g.Store.DeleteExpense(ctx, id); err != nil {
		return err
	}
	g.Invalidate(ctx)
	return nil
}
