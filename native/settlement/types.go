package settlement

import (
	"context"
	"fmt"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

// Asset names a fungible resource such as a token contract address or a
// currency code. Two assets are equal iff their identifiers are byte-equal.
type Asset string

// Valid reports whether the identifier is non-empty.
func (a Asset) Valid() bool { return strings.TrimSpace(string(a)) != "" }

// String implements fmt.Stringer.
func (a Asset) String() string { return string(a) }

// Identity is an account that can hold, send or receive assets. The zero
// address is the null identity.
type Identity = ethcommon.Address

// ZeroIdentity is the null identity.
var ZeroIdentity Identity

// ParseIdentity decodes a 0x-prefixed hex address.
func ParseIdentity(raw string) (Identity, error) {
	trimmed := strings.TrimSpace(raw)
	if !ethcommon.IsHexAddress(trimmed) {
		return ZeroIdentity, fmt.Errorf("settlement: invalid identity %q", raw)
	}
	return ethcommon.HexToAddress(trimmed), nil
}

// Request describes a single settlement. It is constructed, executed and
// discarded within one ProcessPayment call.
type Request struct {
	InputAsset  Asset    `json:"inputAsset"`
	InputAmount Amount   `json:"inputAmount"`
	TargetAsset Asset    `json:"targetAsset"`
	Recipient   Identity `json:"recipient"`
	// MinOutput is the caller's own floor. It can only tighten the policy floor.
	MinOutput Amount `json:"minOutput"`
}

// RequiresConversion reports whether the input and target assets differ.
func (r Request) RequiresConversion() bool { return r.InputAsset != r.TargetAsset }

// SwapRequest is handed to the Exchange when a settlement converts assets. The
// input is already held by Custodian; the exchange must leave the output there.
type SwapRequest struct {
	Custodian   Identity
	InputAsset  Asset
	InputAmount Amount
	TargetAsset Asset
	MinOutput   Amount
}

// State is the operating state of the engine.
type State uint8

const (
	// StateActive permits settlement and forbids emergency recovery.
	StateActive State = iota
	// StatePaused forbids settlement and permits emergency recovery.
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Custody is the ledger that actually holds balances. Every method must be
// all-or-nothing: either the full amount moves or nothing changes and an error
// is returned. Implementations must propagate ctx to any nested engine calls.
type Custody interface {
	// Debit moves amount of asset from the payer into the custodian account.
	Debit(ctx context.Context, asset Asset, from, custodian Identity, amount Amount) error
	// Credit pays amount of asset out of the custodian account.
	Credit(ctx context.Context, asset Asset, custodian, to Identity, amount Amount) error
	// Sweep moves amount of asset out of the custodian account during recovery.
	Sweep(ctx context.Context, asset Asset, custodian, to Identity, amount Amount) error
}

// Exchange converts an amount already held by the custodian into the target
// asset. It either returns an output of at least req.MinOutput or fails with no
// partial fill.
type Exchange interface {
	Swap(ctx context.Context, req SwapRequest) (Amount, error)
}

// Snapshot is a consistent read of the engine's configuration and state.
type Snapshot struct {
	Owner          Identity `json:"owner"`
	Account        Identity `json:"account"`
	State          State    `json:"state"`
	MinSlippageBps uint16   `json:"minSlippageBps"`
	MaxSlippageBps uint16   `json:"maxSlippageBps"`
	Version        string   `json:"version"`
	InFlight       bool     `json:"inFlight"`
}
