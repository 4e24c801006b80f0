package settlement

import (
	"context"
	"sync"
)

// Queue admits one caller at a time into an Engine so that concurrent
// callers wait their turn instead of failing with ErrReentrantCall.
//
// Collaborators the engine calls into must hold the Engine, never the Queue:
// a callback entering through the Queue while it is held would wait on
// itself. A context already marked by the engine is still rejected up front.
type Queue struct {
	engine *Engine
	mu     sync.Mutex
}

// NewQueue wraps engine.
func NewQueue(engine *Engine) *Queue {
	return &Queue{engine: engine}
}

// Engine returns the wrapped engine.
func (q *Queue) Engine() *Engine { return q.engine }

func (q *Queue) admit(ctx context.Context) (func(), error) {
	if q.engine.inGuard(ctx) {
		return nil, ErrReentrantCall
	}
	q.mu.Lock()
	return q.mu.Unlock, nil
}

// ProcessPayment queues for Engine.ProcessPayment.
func (q *Queue) ProcessPayment(ctx context.Context, caller Identity, req Request) (Amount, error) {
	done, err := q.admit(ctx)
	if err != nil {
		return Amount{}, err
	}
	defer done()
	return q.engine.ProcessPayment(ctx, caller, req)
}

// Pause queues for Engine.Pause.
func (q *Queue) Pause(ctx context.Context, caller Identity) error {
	done, err := q.admit(ctx)
	if err != nil {
		return err
	}
	defer done()
	return q.engine.Pause(ctx, caller)
}

// Unpause queues for Engine.Unpause.
func (q *Queue) Unpause(ctx context.Context, caller Identity) error {
	done, err := q.admit(ctx)
	if err != nil {
		return err
	}
	defer done()
	return q.engine.Unpause(ctx, caller)
}

// SetMinSlippage queues for Engine.SetMinSlippage.
func (q *Queue) SetMinSlippage(ctx context.Context, caller Identity, bps uint16) error {
	done, err := q.admit(ctx)
	if err != nil {
		return err
	}
	defer done()
	return q.engine.SetMinSlippage(ctx, caller, bps)
}

// TransferOwnership queues for Engine.TransferOwnership.
func (q *Queue) TransferOwnership(ctx context.Context, caller, newOwner Identity) error {
	done, err := q.admit(ctx)
	if err != nil {
		return err
	}
	defer done()
	return q.engine.TransferOwnership(ctx, caller, newOwner)
}

// EmergencyWithdraw queues for Engine.EmergencyWithdraw.
func (q *Queue) EmergencyWithdraw(ctx context.Context, caller Identity, asset Asset, to Identity, amount Amount) error {
	done, err := q.admit(ctx)
	if err != nil {
		return err
	}
	defer done()
	return q.engine.EmergencyWithdraw(ctx, caller, asset, to, amount)
}

// Snapshot reads the engine state without queueing.
func (q *Queue) Snapshot(ctx context.Context) (Snapshot, error) {
	return q.engine.Snapshot(ctx)
}
