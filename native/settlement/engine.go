package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"paysettle/core/events"
)

// Version identifies the settlement engine build.
const Version = "1.0.0"

const (
	// DefaultMinSlippageBps is the initial minimum tolerance (0.5%).
	DefaultMinSlippageBps uint16 = 50
	// DefaultMaxSlippageBps is the default fixed upper bound (5%).
	DefaultMaxSlippageBps uint16 = 500
)

// Config captures the construction-time parameters of an Engine.
type Config struct {
	// Owner holds administrative rights. Required.
	Owner Identity
	// Account is the custody account the engine settles through. Required.
	Account Identity
	// MinSlippageBps defaults to DefaultMinSlippageBps when zero.
	MinSlippageBps uint16
	// MaxSlippageBps defaults to DefaultMaxSlippageBps when zero and is
	// immutable afterwards.
	MaxSlippageBps uint16
	// Paused starts the engine in StatePaused.
	Paused bool
}

// Engine is the payment settlement core. It takes custody of an input amount,
// optionally converts it through an Exchange under a minimum-output floor and
// pays the recipient. At most one mutating operation runs at a time; entries
// that arrive while one is in flight fail with ErrReentrantCall.
type Engine struct {
	custody  Custody
	exchange Exchange
	emitter  events.Emitter
	logger   *slog.Logger
	newID    func() string

	account Identity
	maxBps  uint16

	// State is kept in atomics so precondition checks and accessors never
	// block. It is only written by the operation that holds busy.
	owner  atomic.Pointer[Identity]
	paused atomic.Bool
	minBps atomic.Uint32
	busy   atomic.Bool
}

// Option customises an Engine.
type Option func(*Engine)

// WithEmitter routes engine events to the supplied emitter.
func WithEmitter(emitter events.Emitter) Option {
	return func(e *Engine) { e.emitter = emitter }
}

// WithExchange configures the exchange used for cross-asset settlement.
func WithExchange(exchange Exchange) Option {
	return func(e *Engine) { e.exchange = exchange }
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithIDGenerator overrides the settlement identifier source, primarily for
// deterministic testing.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// NewEngine constructs an engine settling through custody.
func NewEngine(cfg Config, custody Custody, opts ...Option) (*Engine, error) {
	if custody == nil {
		return nil, fmt.Errorf("settlement: custody required")
	}
	if cfg.Owner == ZeroIdentity {
		return nil, fmt.Errorf("%w: owner required", ErrInvalidOwner)
	}
	if cfg.Account == ZeroIdentity {
		return nil, fmt.Errorf("%w: custody account required", ErrInvalidRecipient)
	}
	if cfg.MaxSlippageBps == 0 {
		cfg.MaxSlippageBps = DefaultMaxSlippageBps
	}
	if cfg.MinSlippageBps == 0 {
		cfg.MinSlippageBps = DefaultMinSlippageBps
	}
	if cfg.MaxSlippageBps > bpsDenominator {
		return nil, fmt.Errorf("%w: max %d exceeds %d", ErrInvalidSlippage, cfg.MaxSlippageBps, bpsDenominator)
	}
	if cfg.MinSlippageBps > cfg.MaxSlippageBps {
		return nil, fmt.Errorf("%w: min %d exceeds max %d", ErrInvalidSlippage, cfg.MinSlippageBps, cfg.MaxSlippageBps)
	}
	engine := &Engine{
		custody: custody,
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		newID:   func() string { return uuid.NewString() },
		account: cfg.Account,
		maxBps:  cfg.MaxSlippageBps,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(engine)
		}
	}
	if engine.emitter == nil {
		engine.emitter = events.NoopEmitter{}
	}
	if engine.logger == nil {
		engine.logger = slog.Default()
	}
	owner := cfg.Owner
	engine.owner.Store(&owner)
	engine.paused.Store(cfg.Paused)
	engine.minBps.Store(uint32(cfg.MinSlippageBps))
	return engine, nil
}

// ProcessPayment settles req on behalf of caller and returns the amount paid
// to the recipient.
//
// Preconditions are evaluated in order before anything else happens: the
// engine must be active, the input amount non-zero, the recipient neither
// null nor the engine account, and no other operation may be in flight. Once the input has been debited any later
// failure is fatal and leaves the funds in the engine account, recoverable via
// Pause and EmergencyWithdraw.
func (e *Engine) ProcessPayment(ctx context.Context, caller Identity, req Request) (Amount, error) {
	if e.paused.Load() {
		return Amount{}, ErrEnforcedPause
	}
	if req.InputAmount.IsZero() {
		return Amount{}, ErrInvalidAmount
	}
	if req.Recipient == ZeroIdentity || req.Recipient == e.account {
		return Amount{}, ErrInvalidRecipient
	}
	ctx, release, err := e.enter(ctx)
	if err != nil {
		return Amount{}, err
	}
	defer release()

	// The state may have changed since the lock-free checks.
	if e.paused.Load() {
		return Amount{}, ErrEnforcedPause
	}
	if !req.InputAsset.Valid() || !req.TargetAsset.Valid() {
		return Amount{}, ErrInvalidAsset
	}
	var floor Amount
	if req.RequiresConversion() {
		if e.exchange == nil {
			return Amount{}, fmt.Errorf("%w: no exchange configured for %s -> %s", ErrExchangeFailed, req.InputAsset, req.TargetAsset)
		}
		floor, err = EffectiveMinOutput(req.InputAmount, req.MinOutput, uint16(e.minBps.Load()))
		if err != nil {
			return Amount{}, err
		}
	}

	id := e.newID()
	if err := e.custody.Debit(ctx, req.InputAsset, caller, e.account, req.InputAmount); err != nil {
		err = fmt.Errorf("%w: debit %s %s from %s: %w", ErrTokenTransferFailed, req.InputAmount, req.InputAsset, caller.Hex(), err)
		e.emitFailure(id, caller, req, events.StageDebit, err)
		return Amount{}, err
	}

	output := req.InputAmount
	if req.RequiresConversion() {
		swapped, err := e.exchange.Swap(ctx, SwapRequest{
			Custodian:   e.account,
			InputAsset:  req.InputAsset,
			InputAmount: req.InputAmount,
			TargetAsset: req.TargetAsset,
			MinOutput:   floor,
		})
		if err != nil {
			err = fmt.Errorf("%w: %s -> %s: %w", ErrExchangeFailed, req.InputAsset, req.TargetAsset, err)
			e.emitFailure(id, caller, req, events.StageExchange, err)
			return Amount{}, err
		}
		if swapped.Cmp(floor) < 0 {
			err := fmt.Errorf("%w: output %s below floor %s", ErrSlippageExceeded, swapped, floor)
			e.emitFailure(id, caller, req, events.StageSlippage, err)
			return Amount{}, err
		}
		output = swapped
	}

	if err := e.custody.Credit(ctx, req.TargetAsset, e.account, req.Recipient, output); err != nil {
		err = fmt.Errorf("%w: credit %s %s to %s: %w", ErrTransferFailed, output, req.TargetAsset, req.Recipient.Hex(), err)
		e.emitFailure(id, caller, req, events.StageCredit, err)
		return Amount{}, err
	}

	e.emitter.Emit(events.NewSettlementProcessed(id, caller, req.Recipient,
		string(req.InputAsset), string(req.TargetAsset), req.InputAmount.Big(), output.Big()))
	return output, nil
}

// QuoteMinOutput returns the floor ProcessPayment would enforce for a
// conversion of amount with the caller's own minimum.
func (e *Engine) QuoteMinOutput(amount, callerMin Amount) (Amount, error) {
	return EffectiveMinOutput(amount, callerMin, uint16(e.minBps.Load()))
}

// Owner returns the current owner.
func (e *Engine) Owner() Identity { return *e.owner.Load() }

// Account returns the custody account the engine settles through.
func (e *Engine) Account() Identity { return e.account }

// State returns the current operating state.
func (e *Engine) State() State {
	if e.paused.Load() {
		return StatePaused
	}
	return StateActive
}

// Paused reports whether settlement is halted.
func (e *Engine) Paused() bool { return e.paused.Load() }

// MinSlippageBps returns the current minimum tolerance.
func (e *Engine) MinSlippageBps() uint16 { return uint16(e.minBps.Load()) }

// MaxSlippageBps returns the fixed maximum tolerance.
func (e *Engine) MaxSlippageBps() uint16 { return e.maxBps }

// Version returns the engine build identifier.
func (e *Engine) Version() string { return Version }

// Snapshot returns all accessor values at once without waiting for an
// operation in flight. Only collaborators called by the engine are refused.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	if e.inGuard(ctx) {
		return Snapshot{}, ErrReentrantCall
	}
	return Snapshot{
		Owner:          e.Owner(),
		Account:        e.account,
		State:          e.State(),
		MinSlippageBps: e.MinSlippageBps(),
		MaxSlippageBps: e.maxBps,
		Version:        Version,
		InFlight:       e.busy.Load(),
	}, nil
}

// InFlight reports whether a mutating operation currently holds the engine.
func (e *Engine) InFlight() bool { return e.busy.Load() }

func (e *Engine) emitFailure(id string, caller Identity, req Request, stage string, err error) {
	evt := events.SettlementFailed{
		ID:          id,
		Caller:      caller,
		Recipient:   req.Recipient,
		InputAsset:  string(req.InputAsset),
		TargetAsset: string(req.TargetAsset),
		InputAmount: req.InputAmount.Big(),
		Stage:       stage,
		Code:        Code(err),
		Reason:      err.Error(),
	}
	if evt.FundsInCustody() {
		e.logger.Error("settlement: aborted with funds in custody; pause and withdraw to recover",
			"id", id, "stage", stage, "asset", req.InputAsset, "amount", req.InputAmount.String(), "error", err)
	} else {
		e.logger.Warn("settlement: aborted", "id", id, "stage", stage, "error", err)
	}
	e.emitter.Emit(evt)
}
