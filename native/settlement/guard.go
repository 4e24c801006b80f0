package settlement

import "context"

// guardKey marks a context as belonging to a call chain that already holds a
// specific engine. The engine pointer keeps markers of distinct engines apart.
type guardKey struct {
	engine *Engine
}

func (e *Engine) inGuard(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	held, _ := ctx.Value(guardKey{engine: e}).(bool)
	return held
}

// enter claims the engine for a mutating operation. The engine never waits:
// while another operation is in flight every entry fails with
// ErrReentrantCall, whatever context the caller carries. Callers that need to
// wait their turn go through a Queue. The returned context carries the marker
// and is the one handed to collaborators; release must run on every exit path.
func (e *Engine) enter(ctx context.Context) (context.Context, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.inGuard(ctx) {
		return ctx, nil, ErrReentrantCall
	}
	if !e.busy.CompareAndSwap(false, true) {
		return ctx, nil, ErrReentrantCall
	}
	guarded := context.WithValue(ctx, guardKey{engine: e}, true)
	return guarded, func() { e.busy.Store(false) }, nil
}
