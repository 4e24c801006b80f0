package settlement

import (
	"context"

	"paysettle/core/events"
)

// authorize rejects callers other than the current owner. Unauthorised
// callers are turned away before they can claim the engine.
func (e *Engine) authorize(caller Identity) error {
	if caller == ZeroIdentity || caller != e.Owner() {
		return ErrUnauthorized
	}
	return nil
}

// enterPrivileged checks the caller, claims the engine and checks the caller
// again, since ownership may have moved in between.
func (e *Engine) enterPrivileged(ctx context.Context, caller Identity) (context.Context, func(), error) {
	if err := e.authorize(caller); err != nil {
		return ctx, nil, err
	}
	ctx, release, err := e.enter(ctx)
	if err != nil {
		return ctx, nil, err
	}
	if err := e.authorize(caller); err != nil {
		release()
		return ctx, nil, err
	}
	return ctx, release, nil
}

// TransferOwnership hands administrative rights to newOwner. The previous
// owner loses access on the next call.
func (e *Engine) TransferOwnership(ctx context.Context, caller, newOwner Identity) error {
	_, release, err := e.enterPrivileged(ctx, caller)
	if err != nil {
		return err
	}
	defer release()
	if newOwner == ZeroIdentity {
		return ErrInvalidOwner
	}
	previous := e.Owner()
	next := newOwner
	e.owner.Store(&next)
	e.emitter.Emit(events.OwnershipTransferred{Previous: previous, New: newOwner})
	e.logger.Info("settlement: ownership transferred", "previous", previous.Hex(), "owner", newOwner.Hex())
	return nil
}
