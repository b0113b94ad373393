package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/x402-io/facilitator/internal/tracking"
)

// VerifyRequest is the request body for /verify and /settle.
type VerifyRequest struct {
	PaymentPayload      json.RawMessage `json:"paymentPayload"`
	PaymentRequirements json.RawMessage `json:"paymentRequirements"`
}

// SettleRequest mirrors VerifyRequest; both endpoints share the same envelope.
type SettleRequest = VerifyRequest

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func decodeRequest(r *http.Request) (*VerifyRequest, error) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// handleVerify handles POST /verify
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil || len(req.PaymentPayload) == 0 || len(req.PaymentRequirements) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Missing paymentPayload or paymentRequirements",
		})
		return
	}

	network, scheme := extractNetworkScheme(req.PaymentRequirements)

	result, err := s.facilitator.Verify(r.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.metrics.RecordVerify(network, scheme, false)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	s.metrics.RecordVerify(network, scheme, result.IsValid)
	writeJSON(w, http.StatusOK, result)
}

// handleSettle handles POST /settle. Records a verification event before
// calling settle and a settlement event after, per §4.11.
func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil || len(req.PaymentPayload) == 0 || len(req.PaymentRequirements) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Missing paymentPayload or paymentRequirements",
		})
		return
	}

	network, scheme := extractNetworkScheme(req.PaymentRequirements)

	record := tracking.NewRecord(r.Method, r.URL.Path, r.URL.String(), tracking.RequestInfo{
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
	})
	record.PaymentRequired = true
	if s.tracking != nil {
		s.tracking.Create(record)
		s.tracking.RecordVerification(record.ID, func(rec *tracking.Record) {
			rec.Payment = auditPaymentFrom(req.PaymentPayload, req.PaymentRequirements, network, scheme)
		})
	}

	result, err := s.facilitator.Settle(r.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.metrics.RecordSettle(network, scheme, false)

		if reason, ok := settlementAbortedReason(err); ok {
			if s.tracking != nil {
				s.tracking.RecordSettlement(record.ID, func(rec *tracking.Record) {
					rec.Settlement = &tracking.Settlement{Success: false, ErrorReason: reason}
				})
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"success":     false,
				"errorReason": reason,
				"network":     network,
			})
			return
		}

		if s.tracking != nil {
			s.tracking.RecordSettlement(record.ID, func(rec *tracking.Record) {
				rec.Settlement = &tracking.Settlement{Success: false, ErrorReason: err.Error()}
			})
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	s.metrics.RecordSettle(network, scheme, result.Success)
	if s.tracking != nil {
		s.tracking.RecordSettlement(record.ID, func(rec *tracking.Record) {
			rec.Settlement = &tracking.Settlement{Success: result.Success, Transaction: result.Transaction}
		})
	}

	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

// handleSupported handles GET /supported, applying the version-normalization
// pass: any kind without a CAIP-2 network (no ":") is a legacy x402 v1
// network name and must be reported under x402Version 1.
func (s *Server) handleSupported(w http.ResponseWriter, r *http.Request) {
	supported := s.facilitator.GetSupported()

	normalized := make([]interface{}, 0)
	raw, err := json.Marshal(supported)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	var generic struct {
		Kinds      []map[string]interface{} `json:"kinds"`
		Extensions []interface{}            `json:"extensions"`
		Signers    map[string][]string      `json:"signers"`
	}
	if err := json.Unmarshal(raw, &generic); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	for _, kind := range generic.Kinds {
		if network, ok := kind["network"].(string); ok && !strings.Contains(network, ":") {
			kind["x402Version"] = 1
		}
		normalized = append(normalized, kind)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kinds":      normalized,
		"extensions": generic.Extensions,
		"signers":    generic.Signers,
	})
}

// settlementAbortedReason reports whether err is the "Settlement aborted"
// sentinel and extracts its reason.
func settlementAbortedReason(err error) (string, bool) {
	const prefix = "Settlement aborted: "
	msg := err.Error()
	if strings.HasPrefix(msg, prefix) {
		return strings.TrimPrefix(msg, prefix), true
	}
	return "", false
}

// extractNetworkScheme extracts network and scheme from requirements JSON for metrics
func extractNetworkScheme(requirements json.RawMessage) (string, string) {
	var req struct {
		Network string `json:"network"`
		Scheme  string `json:"scheme"`
	}
	if err := json.Unmarshal(requirements, &req); err != nil {
		return "unknown", "unknown"
	}
	return req.Network, req.Scheme
}

func auditPaymentFrom(payload, requirements json.RawMessage, network, scheme string) *tracking.Payment {
	var req struct {
		Asset  string `json:"asset"`
		Amount string `json:"amount"`
		PayTo  string `json:"payTo"`
	}
	json.Unmarshal(requirements, &req)

	var p struct {
		X402Version int                    `json:"x402Version"`
		Payload     map[string]interface{} `json:"payload"`
	}
	json.Unmarshal(payload, &p)

	payer, nonce, validBefore := "", "", ""
	if p.Payload != nil {
		if auth, ok := p.Payload["authorization"].(map[string]interface{}); ok {
			payer, _ = auth["from"].(string)
			nonce, _ = auth["nonce"].(string)
			if vb, ok := auth["validBefore"].(string); ok {
				validBefore = vb
			}
		}
	}

	reqHash, _ := tracking.HashCanonicalJSON(requirements)
	payloadHash, _ := tracking.HashCanonicalJSON(payload)
	sigHash := ""
	if p.Payload != nil {
		if sig, ok := p.Payload["signature"].(string); ok {
			sigHash = tracking.HashBytes([]byte(sig))
		}
	}

	return &tracking.Payment{
		Network:              network,
		Scheme:               scheme,
		Asset:                req.Asset,
		Payer:                payer,
		Amount:               req.Amount,
		X402Version:          p.X402Version,
		PaymentNonce:         nonce,
		PaymentValidBefore:   validBefore,
		PayloadHash:          payloadHash,
		RequirementsHash:     reqHash,
		PaymentSignatureHash: sigHash,
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return r.RemoteAddr
}
