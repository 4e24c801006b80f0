package settlement

import (
	"context"
	"fmt"

	"paysettle/core/events"
)

// EmergencyWithdraw sweeps amount of asset out of the engine account to to.
// It is the only way to move funds while settlement is halted and requires the
// paused state so it cannot interleave with a settlement.
func (e *Engine) EmergencyWithdraw(ctx context.Context, caller Identity, asset Asset, to Identity, amount Amount) error {
	ctx, release, err := e.enterPrivileged(ctx, caller)
	if err != nil {
		return err
	}
	defer release()
	if !e.paused.Load() {
		return ErrNotPaused
	}
	if amount.IsZero() {
		return ErrInvalidAmount
	}
	if to == ZeroIdentity {
		return ErrInvalidRecipient
	}
	if !asset.Valid() {
		return ErrInvalidAsset
	}
	if err := e.custody.Sweep(ctx, asset, e.account, to, amount); err != nil {
		return fmt.Errorf("%w: sweep %s %s to %s: %w", ErrTransferFailed, amount, asset, to.Hex(), err)
	}
	e.emitter.Emit(events.EmergencyWithdrawal{Asset: string(asset), To: to, Amount: amount.Big()})
	e.logger.Warn("settlement: emergency withdrawal", "asset", asset, "to", to.Hex(), "amount", amount.String())
	return nil
}
