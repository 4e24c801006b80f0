package settlement

import "errors"

var (
	// ErrUnauthorized indicates the caller is not the current owner.
	ErrUnauthorized = errors.New("settlement: unauthorized")
	// ErrInvalidAmount indicates a zero or malformed amount.
	ErrInvalidAmount = errors.New("settlement: invalid amount")
	// ErrInvalidRecipient indicates a null recipient identity.
	ErrInvalidRecipient = errors.New("settlement: invalid recipient")
	// ErrInvalidOwner indicates a null owner identity.
	ErrInvalidOwner = errors.New("settlement: invalid owner")
	// ErrInvalidAsset indicates an empty asset identifier.
	ErrInvalidAsset = errors.New("settlement: invalid asset")
	// ErrInvalidSlippage indicates a tolerance of zero or above the fixed maximum.
	ErrInvalidSlippage = errors.New("settlement: invalid slippage")
	// ErrEnforcedPause indicates settlement was attempted while paused.
	ErrEnforcedPause = errors.New("settlement: enforced pause")
	// ErrAlreadyPaused indicates pause was requested while already paused.
	ErrAlreadyPaused = errors.New("settlement: already paused")
	// ErrNotPaused indicates an operation that requires the paused state ran while active.
	ErrNotPaused = errors.New("settlement: not paused")
	// ErrReentrantCall indicates the engine was re-entered from inside a collaborator call.
	ErrReentrantCall = errors.New("settlement: reentrant call")
	// ErrTokenTransferFailed indicates the custody debit of the input amount failed.
	ErrTokenTransferFailed = errors.New("settlement: token transfer failed")
	// ErrTransferFailed indicates a payout or sweep out of custody failed.
	ErrTransferFailed = errors.New("settlement: transfer failed")
	// ErrExchangeFailed indicates the exchange rejected or could not fill the swap.
	ErrExchangeFailed = errors.New("settlement: exchange failed")
	// ErrSlippageExceeded indicates the exchange output fell below the effective floor.
	ErrSlippageExceeded = errors.New("settlement: slippage exceeded")
	// ErrArithmetic indicates an overflow or underflow in amount arithmetic.
	ErrArithmetic = errors.New("settlement: arithmetic overflow")
)

// Error codes returned by Code. They are stable and safe to use as metric labels.
const (
	CodeOK                  = "OK"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeInvalidAmount       = "INVALID_AMOUNT"
	CodeInvalidRecipient    = "INVALID_RECIPIENT"
	CodeInvalidOwner        = "INVALID_OWNER"
	CodeInvalidAsset        = "INVALID_ASSET"
	CodeInvalidSlippage     = "INVALID_SLIPPAGE"
	CodeEnforcedPause       = "ENFORCED_PAUSE"
	CodeAlreadyPaused       = "ALREADY_PAUSED"
	CodeNotPaused           = "NOT_PAUSED"
	CodeReentrantCall       = "REENTRANT_CALL"
	CodeTokenTransferFailed = "TOKEN_TRANSFER_FAILED"
	CodeTransferFailed      = "TRANSFER_FAILED"
	CodeExchangeFailed      = "EXCHANGE_FAILED"
	CodeSlippageExceeded    = "SLIPPAGE_EXCEEDED"
	CodeArithmetic          = "ARITHMETIC"
	CodeInternal            = "INTERNAL"
)

var errorCodes = []struct {
	err  error
	code string
}{
	// Outcome kinds first: a wrapped collaborator error may itself carry a
	// validation sentinel, and the outcome is what the caller must react to.
	{ErrTokenTransferFailed, CodeTokenTransferFailed},
	{ErrTransferFailed, CodeTransferFailed},
	{ErrExchangeFailed, CodeExchangeFailed},
	{ErrSlippageExceeded, CodeSlippageExceeded},
	{ErrUnauthorized, CodeUnauthorized},
	{ErrInvalidAmount, CodeInvalidAmount},
	{ErrInvalidRecipient, CodeInvalidRecipient},
	{ErrInvalidOwner, CodeInvalidOwner},
	{ErrInvalidAsset, CodeInvalidAsset},
	{ErrInvalidSlippage, CodeInvalidSlippage},
	{ErrEnforcedPause, CodeEnforcedPause},
	{ErrAlreadyPaused, CodeAlreadyPaused},
	{ErrNotPaused, CodeNotPaused},
	{ErrReentrantCall, CodeReentrantCall},
	{ErrArithmetic, CodeArithmetic},
}

// Code classifies err into one of the Code* constants. Nil maps to CodeOK and
// errors outside the taxonomy map to CodeInternal.
func Code(err error) string {
	if err == nil {
		return CodeOK
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeInternal
}
