package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"paysettle/native/settlement"
	"paysettle/state/custody"
)

var (
	// ErrUnsupportedPair indicates no rate is configured for the pair.
	ErrUnsupportedPair = errors.New("exchange: unsupported pair")
	// ErrMinOutput indicates the fill would fall below the requested minimum.
	ErrMinOutput = errors.New("exchange: output below minimum")
	// ErrInvalidRate indicates a zero or malformed rate.
	ErrInvalidRate = errors.New("exchange: invalid rate")
)

// Rate converts input units to output units as Numerator/Denominator.
type Rate struct {
	Numerator   settlement.Amount
	Denominator settlement.Amount
}

// ParseRate accepts "num/den" or a bare integer.
func ParseRate(raw string) (Rate, error) {
	trimmed := strings.TrimSpace(raw)
	numText, denText, found := strings.Cut(trimmed, "/")
	if !found {
		denText = "1"
	}
	num, err := settlement.ParseAmount(numText)
	if err != nil {
		return Rate{}, fmt.Errorf("%w: %q", ErrInvalidRate, raw)
	}
	den, err := settlement.ParseAmount(denText)
	if err != nil {
		return Rate{}, fmt.Errorf("%w: %q", ErrInvalidRate, raw)
	}
	rate := Rate{Numerator: num, Denominator: den}
	if err := rate.validate(); err != nil {
		return Rate{}, err
	}
	return rate, nil
}

func (r Rate) validate() error {
	if r.Numerator.IsZero() || r.Denominator.IsZero() {
		return fmt.Errorf("%w: %s/%s", ErrInvalidRate, r.Numerator, r.Denominator)
	}
	return nil
}

// String renders the rate as "num/den".
func (r Rate) String() string { return r.Numerator.String() + "/" + r.Denominator.String() }

// Hook runs at the start of every swap with the caller's context. Returning an
// error aborts the swap before any balance moves.
type Hook func(ctx context.Context, req settlement.SwapRequest) error

type pair struct {
	in  settlement.Asset
	out settlement.Asset
}

// RateExchange fills swaps at configured fixed rates against a liquidity pool
// account on the custody ledger. A fill either moves both legs or nothing.
type RateExchange struct {
	ledger *custody.Ledger
	pool   settlement.Identity

	mu     sync.RWMutex
	rates  map[pair]Rate
	feeBps uint16
	hook   Hook
}

var _ settlement.Exchange = (*RateExchange)(nil)

// Option customises a RateExchange.
type Option func(*RateExchange)

// WithFeeBps deducts a fee from every fill's output.
func WithFeeBps(bps uint16) Option {
	return func(x *RateExchange) { x.feeBps = bps }
}

// WithHook installs a pre-fill callback.
func WithHook(hook Hook) Option {
	return func(x *RateExchange) { x.hook = hook }
}

// New constructs an exchange trading out of pool.
func New(ledger *custody.Ledger, pool settlement.Identity, opts ...Option) (*RateExchange, error) {
	if ledger == nil {
		return nil, fmt.Errorf("exchange: ledger required")
	}
	if pool == settlement.ZeroIdentity {
		return nil, fmt.Errorf("exchange: pool account required")
	}
	x := &RateExchange{ledger: ledger, pool: pool, rates: make(map[pair]Rate)}
	for _, opt := range opts {
		if opt != nil {
			opt(x)
		}
	}
	if x.feeBps >= 10_000 {
		return nil, fmt.Errorf("exchange: fee %d bps must be below 10000", x.feeBps)
	}
	return x, nil
}

// Pool returns the liquidity account.
func (x *RateExchange) Pool() settlement.Identity { return x.pool }

// SetRate configures the rate for converting in into out.
func (x *RateExchange) SetRate(in, out settlement.Asset, rate Rate) error {
	if !in.Valid() || !out.Valid() || in == out {
		return fmt.Errorf("%w: %s -> %s", ErrUnsupportedPair, in, out)
	}
	if err := rate.validate(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.rates[pair{in: in, out: out}] = rate
	return nil
}

// SetHook replaces the pre-fill callback.
func (x *RateExchange) SetHook(hook Hook) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.hook = hook
}

// Quote returns the output a swap of amount would produce, net of fees.
func (x *RateExchange) Quote(in settlement.Asset, amount settlement.Amount, out settlement.Asset) (settlement.Amount, error) {
	x.mu.RLock()
	rate, ok := x.rates[pair{in: in, out: out}]
	fee := x.feeBps
	x.mu.RUnlock()
	if !ok {
		return settlement.Amount{}, fmt.Errorf("%w: %s -> %s", ErrUnsupportedPair, in, out)
	}
	gross, err := amount.MulDiv(rate.Numerator, rate.Denominator)
	if err != nil {
		return settlement.Amount{}, err
	}
	if fee == 0 {
		return gross, nil
	}
	return gross.MulDiv(settlement.NewAmount(uint64(10_000-fee)), settlement.NewAmount(10_000))
}

// Swap implements settlement.Exchange.
func (x *RateExchange) Swap(ctx context.Context, req settlement.SwapRequest) (settlement.Amount, error) {
	x.mu.RLock()
	hook := x.hook
	x.mu.RUnlock()
	if hook != nil {
		if err := hook(ctx, req); err != nil {
			return settlement.Amount{}, err
		}
	}
	output, err := x.Quote(req.InputAsset, req.InputAmount, req.TargetAsset)
	if err != nil {
		return settlement.Amount{}, err
	}
	if output.IsZero() || output.Cmp(req.MinOutput) < 0 {
		return settlement.Amount{}, fmt.Errorf("%w: %s < %s", ErrMinOutput, output, req.MinOutput)
	}
	err = x.ledger.Apply(
		custody.Move{Asset: req.InputAsset, From: req.Custodian, To: x.pool, Amount: req.InputAmount},
		custody.Move{Asset: req.TargetAsset, From: x.pool, To: req.Custodian, Amount: output},
	)
	if err != nil {
		return settlement.Amount{}, fmt.Errorf("exchange: fill: %w", err)
	}
	return output, nil
}
