package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/smbzfs/internal/logger"
	"github.com/marmos91/smbzfs/pkg/store/state"
)

type undoStep struct {
	name string
	fn   func(ctx context.Context) error
}

// transaction is an ordered undo stack plus the state snapshot taken when
// it began.
type transaction struct {
	id       string
	op       string
	snapshot *state.Document
	steps    []undoStep
}

// onRollback registers an undo step. Steps run last-in first-out.
func (t *transaction) onRollback(name string, fn func(ctx context.Context) error) {
	t.steps = append(t.steps, undoStep{name: name, fn: fn})
}

// transact runs fn as a transaction. When fn fails every registered undo
// step runs (failures are collected, never returned instead of the
// cause), then the state snapshot is restored.
func (m *Manager) transact(ctx context.Context, op string, fn func(ctx context.Context, tx *transaction) error) error {
	tx := &transaction{
		id:       uuid.NewString(),
		op:       op,
		snapshot: m.store.Snapshot(),
	}
	logger.Debug("manager: %s: transaction %s begins", op, tx.id)

	err := fn(ctx, tx)
	if err == nil {
		logger.Debug("manager: %s: transaction %s committed", op, tx.id)
		return nil
	}
	return m.rollback(ctx, tx, err)
}

func (m *Manager) rollback(ctx context.Context, tx *transaction, cause error) error {
	logger.Warn("manager: %s failed, rolling back transaction %s (%d steps): %v", tx.op, tx.id, len(tx.steps), cause)

	// undo must run even when the caller's context is what failed
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
	defer cancel()

	var failures []error
	for i := len(tx.steps) - 1; i >= 0; i-- {
		step := tx.steps[i]
		logger.Info("manager: rollback %s: %s", tx.id, step.name)
		if err := step.fn(ctx); err != nil {
			logger.Error("manager: rollback %s: %s failed: %v", tx.id, step.name, err)
			failures = append(failures, fmt.Errorf("%s: %w", step.name, err))
		}
	}

	if err := m.store.Restore(ctx, tx.snapshot); err != nil {
		logger.Error("manager: rollback %s: restoring state snapshot failed: %v", tx.id, err)
		failures = append(failures, fmt.Errorf("restore state: %w", err))
	}

	m.metrics.RecordRollback(tx.op, len(failures))
	if len(failures) == 0 {
		return cause
	}
	return &RollbackError{Op: tx.op, Cause: cause, Failures: failures}
}
