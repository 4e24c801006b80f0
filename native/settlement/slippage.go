package settlement

import (
	"context"
	"fmt"

	"paysettle/core/events"
)

// PolicyFloor returns amount * (10000 - bps) / 10000, truncated toward zero so
// the floor is never stricter than the tolerance implies.
func PolicyFloor(amount Amount, bps uint16) (Amount, error) {
	if bps > bpsDenominator {
		return Amount{}, fmt.Errorf("%w: %d bps exceeds %d", ErrInvalidSlippage, bps, bpsDenominator)
	}
	return amount.MulDiv(NewAmount(uint64(bpsDenominator-bps)), NewAmount(bpsDenominator))
}

// EffectiveMinOutput is max(callerMin, PolicyFloor(amount, bps)). A caller may
// tighten the bound but never relax it below the policy floor.
func EffectiveMinOutput(amount, callerMin Amount, bps uint16) (Amount, error) {
	floor, err := PolicyFloor(amount, bps)
	if err != nil {
		return Amount{}, err
	}
	return MaxAmount(callerMin, floor), nil
}

// SetMinSlippage updates the minimum tolerance. It must be non-zero and no
// larger than the fixed maximum.
func (e *Engine) SetMinSlippage(ctx context.Context, caller Identity, bps uint16) error {
	_, release, err := e.enterPrivileged(ctx, caller)
	if err != nil {
		return err
	}
	defer release()
	if bps == 0 || bps > e.maxBps {
		return fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidSlippage, bps, e.maxBps)
	}
	previous := uint16(e.minBps.Load())
	e.minBps.Store(uint32(bps))
	e.emitter.Emit(events.SlippageUpdated{Previous: previous, New: bps})
	e.logger.Info("settlement: min slippage updated", "previous_bps", previous, "bps", bps)
	return nil
}
