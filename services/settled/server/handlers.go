package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"paysettle/native/settlement"
	"paysettle/observability"
	"paysettle/observability/logging"
	"paysettle/services/settled/idempotency"
	"paysettle/services/settled/storage"
)

const maxBodyBytes = 1 << 20

var tracer = otel.Tracer("paysettle/settled")

type settlementResponse struct {
	InputAsset   settlement.Asset    `json:"inputAsset"`
	InputAmount  settlement.Amount   `json:"inputAmount"`
	TargetAsset  settlement.Asset    `json:"targetAsset"`
	Recipient    settlement.Identity `json:"recipient"`
	MinOutput    settlement.Amount   `json:"minOutput"`
	OutputAmount settlement.Amount   `json:"outputAmount"`
	Payer        settlement.Identity `json:"payer"`
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read body")
		return
	}
	var req settlement.Request
	if err := decodeStrict(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}

	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	var storeKey string
	if idemKey != "" && s.idem != nil {
		storeKey = idempotency.Key(caller.Hex(), r.Method, r.URL.Path, idemKey)
		record, status, err := s.idem.Begin(storeKey, idempotency.Fingerprint(body), s.now())
		switch {
		case errors.Is(err, idempotency.ErrKeyConflict):
			s.logger.Warn("settled/server: idempotency key reused",
				"caller", caller.Hex(), logging.MaskField("idempotency_key", idemKey))
			writeError(w, http.StatusUnprocessableEntity, "IDEMPOTENCY_CONFLICT", "idempotency key reused with a different request")
			return
		case err != nil:
			s.logger.Error("settled/server: idempotency lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, settlement.CodeInternal, "internal error")
			return
		case status == idempotency.StatusPending:
			writeError(w, http.StatusConflict, "IDEMPOTENCY_PENDING", "a request with this idempotency key is in progress")
			return
		case status == idempotency.StatusReplay:
			writeCachedResponse(w, record)
			return
		}
	}

	status, payload := s.settle(r, caller, req)
	encoded, err := json.Marshal(payload)
	if err != nil {
		if storeKey != "" {
			_ = s.idem.Abandon(storeKey)
		}
		writeError(w, http.StatusInternalServerError, settlement.CodeInternal, "internal error")
		return
	}
	if storeKey != "" {
		// Funds may already have moved, so every outcome is cached, failures included.
		if err := s.idem.Complete(storeKey, status, encoded, s.now()); err != nil {
			s.logger.Error("settled/server: persist idempotent response", "error", err)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(encoded, '\n'))
}

func (s *Server) settle(r *http.Request, caller settlement.Identity, req settlement.Request) (int, interface{}) {
	kind := "same_asset"
	if req.RequiresConversion() {
		kind = "conversion"
	}
	ctx, span := tracer.Start(r.Context(), "settlement.process", trace.WithAttributes(
		attribute.String("settlement.kind", kind),
		attribute.String("settlement.input_asset", req.InputAsset.String()),
		attribute.String("settlement.target_asset", req.TargetAsset.String()),
	))
	defer span.End()

	start := s.now()
	out, err := s.engine.ProcessPayment(ctx, caller, req)
	code := settlement.Code(err)
	observability.Settlement().Observe(kind, code, s.now().Sub(start))
	span.SetAttributes(attribute.String("settlement.code", code))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		s.logger.Warn("settled/server: settlement rejected",
			"caller", caller.Hex(), "code", code, "error", err)
		return engineError(err)
	}
	return http.StatusOK, settlementResponse{
		InputAsset:   req.InputAsset,
		InputAmount:  req.InputAmount,
		TargetAsset:  req.TargetAsset,
		Recipient:    req.Recipient,
		MinOutput:    req.MinOutput,
		OutputAmount: out,
		Payer:        caller,
	}
}

func writeCachedResponse(w http.ResponseWriter, record idempotency.Record) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Idempotency-Cache", "hit")
	status := record.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(append(append([]byte(nil), record.Body...), '\n'))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.engine.Snapshot(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if s.balances == nil {
		writeError(w, http.StatusNotImplemented, "UNAVAILABLE", "balances not configured")
		return
	}
	asset := settlement.Asset(chi.URLParam(r, "asset"))
	if !asset.Valid() {
		writeEngineError(w, settlement.ErrInvalidAsset)
		return
	}
	account, err := settlement.ParseIdentity(chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ACCOUNT", err.Error())
		return
	}
	balance, err := s.balances.Balance(asset, account)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"asset":   asset,
		"account": account,
		"balance": balance,
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	if err := s.engine.Pause(r.Context(), caller); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	if err := s.engine.Unpause(r.Context(), caller); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSlippage(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	var payload struct {
		Bps *uint16 `json:"bps"`
	}
	if err := decodeBody(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if payload.Bps == nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "bps required")
		return
	}
	if err := s.engine.SetMinSlippage(r.Context(), caller, *payload.Bps); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOwnership(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	var payload struct {
		NewOwner string `json:"newOwner"`
	}
	if err := decodeBody(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	newOwner, err := settlement.ParseIdentity(payload.NewOwner)
	if err != nil {
		writeEngineError(w, fmt.Errorf("%w: %v", settlement.ErrInvalidOwner, err))
		return
	}
	if err := s.engine.TransferOwnership(r.Context(), caller, newOwner); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	var payload struct {
		Asset  settlement.Asset  `json:"asset"`
		To     string            `json:"to"`
		Amount settlement.Amount `json:"amount"`
	}
	if err := decodeBody(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	to, err := settlement.ParseIdentity(payload.To)
	if err != nil {
		writeEngineError(w, fmt.Errorf("%w: %v", settlement.ErrInvalidRecipient, err))
		return
	}
	if err := s.engine.EmergencyWithdraw(r.Context(), caller, payload.Asset, to, payload.Amount); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotImplemented, "UNAVAILABLE", "audit trail not configured")
		return
	}
	query := r.URL.Query()
	opts := storage.ListOptions{Type: strings.TrimSpace(query.Get("type"))}
	if raw := query.Get("after"); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "after must be an unsigned integer")
			return
		}
		opts.After = after
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be a non-negative integer")
			return
		}
		opts.Limit = limit
	}
	records, err := s.audit.List(r.Context(), opts)
	if err != nil {
		s.logger.Error("settled/server: list audit", "error", err)
		writeError(w, http.StatusInternalServerError, settlement.CodeInternal, "internal error")
		return
	}
	type item struct {
		storage.AuditRecord
		Attributes map[string]string `json:"attributes"`
	}
	items := make([]item, 0, len(records))
	for _, record := range records {
		evt, err := record.Event()
		if err != nil {
			s.logger.Error("settled/server: decode audit record", "sequence", record.Sequence, "error", err)
			writeError(w, http.StatusInternalServerError, settlement.CodeInternal, "internal error")
			return
		}
		items = append(items, item{AuditRecord: record, Attributes: evt.Attributes})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": items})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotImplemented, "UNAVAILABLE", "audit trail not configured")
		return
	}
	checked, err := s.audit.Verify(r.Context())
	if errors.Is(err, storage.ErrChainBroken) {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"valid":   false,
			"checked": checked,
			"error":   errorPayload{Code: "AUDIT_CHAIN_BROKEN", Message: err.Error()},
		})
		return
	}
	if err != nil {
		s.logger.Error("settled/server: verify audit", "error", err)
		writeError(w, http.StatusInternalServerError, settlement.CodeInternal, "internal error")
		return
	}
	seq, head, err := s.audit.Head(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, settlement.CodeInternal, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":    true,
		"checked":  checked,
		"sequence": seq,
		"head":     head,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return errors.New("unable to read body")
	}
	return decodeStrict(body, dst)
}

func decodeStrict(body []byte, dst interface{}) error {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}
