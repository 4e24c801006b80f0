package server

import (
	"encoding/json"
	"net/http"

	"paysettle/native/settlement"
)

type errorBody struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusForCode maps an engine error code onto an HTTP status.
func statusForCode(code string) int {
	switch code {
	case settlement.CodeOK:
		return http.StatusOK
	case settlement.CodeUnauthorized:
		return http.StatusForbidden
	case settlement.CodeInvalidAmount, settlement.CodeInvalidRecipient, settlement.CodeInvalidOwner,
		settlement.CodeInvalidAsset, settlement.CodeInvalidSlippage, settlement.CodeArithmetic:
		return http.StatusBadRequest
	case settlement.CodeEnforcedPause, settlement.CodeAlreadyPaused, settlement.CodeNotPaused,
		settlement.CodeReentrantCall:
		return http.StatusConflict
	case settlement.CodeTokenTransferFailed, settlement.CodeSlippageExceeded:
		return http.StatusUnprocessableEntity
	case settlement.CodeTransferFailed, settlement.CodeExchangeFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// engineError renders err using its engine code. Internal errors do not leak
// their message.
func engineError(err error) (int, errorBody) {
	code := settlement.Code(err)
	status := statusForCode(code)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	return status, errorBody{Error: errorPayload{Code: code, Message: message}}
}

func writeEngineError(w http.ResponseWriter, err error) {
	status, body := engineError(err)
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
