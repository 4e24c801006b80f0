package settlement

import (
	"context"

	"paysettle/core/events"
)

// Pause halts settlement. Emergency recovery becomes available.
func (e *Engine) Pause(ctx context.Context, caller Identity) error {
	_, release, err := e.enterPrivileged(ctx, caller)
	if err != nil {
		return err
	}
	defer release()
	if e.paused.Load() {
		return ErrAlreadyPaused
	}
	e.paused.Store(true)
	e.emitter.Emit(events.SettlementPaused{Account: caller})
	e.logger.Warn("settlement: paused", "by", caller.Hex())
	return nil
}

// Unpause resumes settlement.
func (e *Engine) Unpause(ctx context.Context, caller Identity) error {
	_, release, err := e.enterPrivileged(ctx, caller)
	if err != nil {
		return err
	}
	defer release()
	if !e.paused.Load() {
		return ErrNotPaused
	}
	e.paused.Store(false)
	e.emitter.Emit(events.SettlementUnpaused{Account: caller})
	e.logger.Info("settlement: unpaused", "by", caller.Hex())
	return nil
}
