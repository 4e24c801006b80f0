package events

import (
	"math/big"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"paysettle/core/types"
)

const (
	// TypeSettlementProcessed is emitted when a payment reaches its recipient.
	TypeSettlementProcessed = "settlement.processed"
	// TypeSettlementFailed is emitted when a settlement aborts after taking the
	// re-entrancy guard. Stage tells operators whether funds remain in custody.
	TypeSettlementFailed = "settlement.failed"
	// TypeSettlementPaused is emitted when the owner halts settlement.
	TypeSettlementPaused = "settlement.paused"
	// TypeSettlementUnpaused is emitted when the owner resumes settlement.
	TypeSettlementUnpaused = "settlement.unpaused"
	// TypeSlippageUpdated is emitted when the minimum slippage tolerance changes.
	TypeSlippageUpdated = "settlement.slippage_updated"
	// TypeOwnershipTransferred is emitted when administrative rights move.
	TypeOwnershipTransferred = "settlement.ownership_transferred"
	// TypeEmergencyWithdrawal is emitted when funds are swept while paused.
	TypeEmergencyWithdrawal = "settlement.emergency_withdrawal"
)

// Settlement failure stages.
const (
	StageDebit    = "debit"
	StageExchange = "exchange"
	StageSlippage = "slippage"
	StageCredit   = "credit"
)

// SettlementProcessed records a completed settlement.
type SettlementProcessed struct {
	ID           string
	Caller       ethcommon.Address
	Recipient    ethcommon.Address
	InputAsset   string
	TargetAsset  string
	InputAmount  *big.Int
	OutputAmount *big.Int
}

// EventType satisfies the Event interface.
func (SettlementProcessed) EventType() string { return TypeSettlementProcessed }

// Event converts the payload into its wire representation.
func (e SettlementProcessed) Event() *types.Event {
	attrs := map[string]string{
		"caller":       formatAddress(e.Caller),
		"recipient":    formatAddress(e.Recipient),
		"inputAsset":   e.InputAsset,
		"targetAsset":  e.TargetAsset,
		"inputAmount":  formatAmount(e.InputAmount),
		"outputAmount": formatAmount(e.OutputAmount),
	}
	setIfPresent(attrs, "id", e.ID)
	return &types.Event{Type: TypeSettlementProcessed, Attributes: attrs}
}

// SettlementFailed records a settlement that aborted inside the guarded region.
// Any stage other than StageDebit means the input left the caller's account.
type SettlementFailed struct {
	ID          string
	Caller      ethcommon.Address
	Recipient   ethcommon.Address
	InputAsset  string
	TargetAsset string
	InputAmount *big.Int
	Stage       string
	Code        string
	Reason      string
}

// EventType satisfies the Event interface.
func (SettlementFailed) EventType() string { return TypeSettlementFailed }

// FundsInCustody reports whether the failure left funds with the engine.
func (e SettlementFailed) FundsInCustody() bool {
	return e.Stage != "" && e.Stage != StageDebit
}

// Event converts the payload into its wire representation.
func (e SettlementFailed) Event() *types.Event {
	attrs := map[string]string{
		"caller":      formatAddress(e.Caller),
		"recipient":   formatAddress(e.Recipient),
		"inputAsset":  e.InputAsset,
		"targetAsset": e.TargetAsset,
		"inputAmount": formatAmount(e.InputAmount),
		"stage":       e.Stage,
		"code":        e.Code,
	}
	setIfPresent(attrs, "id", e.ID)
	setIfPresent(attrs, "reason", e.Reason)
	if e.FundsInCustody() {
		attrs["fundsInCustody"] = "true"
	}
	return &types.Event{Type: TypeSettlementFailed, Attributes: attrs}
}

// SettlementPaused records the owner halting settlement.
type SettlementPaused struct {
	Account ethcommon.Address
}

// EventType satisfies the Event interface.
func (SettlementPaused) EventType() string { return TypeSettlementPaused }

// Event converts the payload into its wire representation.
func (e SettlementPaused) Event() *types.Event {
	return &types.Event{Type: TypeSettlementPaused, Attributes: map[string]string{"account": formatAddress(e.Account)}}
}

// SettlementUnpaused records the owner resuming settlement.
type SettlementUnpaused struct {
	Account ethcommon.Address
}

// EventType satisfies the Event interface.
func (SettlementUnpaused) EventType() string { return TypeSettlementUnpaused }

// Event converts the payload into its wire representation.
func (e SettlementUnpaused) Event() *types.Event {
	return &types.Event{Type: TypeSettlementUnpaused, Attributes: map[string]string{"account": formatAddress(e.Account)}}
}

// SlippageUpdated records a change of the minimum slippage tolerance.
type SlippageUpdated struct {
	Previous uint16
	New      uint16
}

// EventType satisfies the Event interface.
func (SlippageUpdated) EventType() string { return TypeSlippageUpdated }

// Event converts the payload into its wire representation.
func (e SlippageUpdated) Event() *types.Event {
	return &types.Event{Type: TypeSlippageUpdated, Attributes: map[string]string{
		"previousBps": formatBps(e.Previous),
		"newBps":      formatBps(e.New),
	}}
}

// OwnershipTransferred records a change of owner.
type OwnershipTransferred struct {
	Previous ethcommon.Address
	New      ethcommon.Address
}

// EventType satisfies the Event interface.
func (OwnershipTransferred) EventType() string { return TypeOwnershipTransferred }

// Event converts the payload into its wire representation.
func (e OwnershipTransferred) Event() *types.Event {
	return &types.Event{Type: TypeOwnershipTransferred, Attributes: map[string]string{
		"previousOwner": formatAddress(e.Previous),
		"newOwner":      formatAddress(e.New),
	}}
}

// EmergencyWithdrawal records funds swept out of custody while paused.
type EmergencyWithdrawal struct {
	Asset  string
	To     ethcommon.Address
	Amount *big.Int
}

// EventType satisfies the Event interface.
func (EmergencyWithdrawal) EventType() string { return TypeEmergencyWithdrawal }

// Event converts the payload into its wire representation.
func (e EmergencyWithdrawal) Event() *types.Event {
	return &types.Event{Type: TypeEmergencyWithdrawal, Attributes: map[string]string{
		"asset":  strings.TrimSpace(e.Asset),
		"to":     formatAddress(e.To),
		"amount": formatAmount(e.Amount),
	}}
}

// NewSettlementProcessed builds a SettlementProcessed with defensive copies of
// the amounts.
func NewSettlementProcessed(id string, caller, recipient ethcommon.Address, inputAsset, targetAsset string, input, output *big.Int) SettlementProcessed {
	return SettlementProcessed{
		ID:           id,
		Caller:       caller,
		Recipient:    recipient,
		InputAsset:   inputAsset,
		TargetAsset:  targetAsset,
		InputAmount:  cloneAmount(input),
		OutputAmount: cloneAmount(output),
	}
}
