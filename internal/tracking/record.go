// Package tracking implements the audit trail of every request reaching
// the HTTP pipeline (§4.10): a per-record ordered async queue over an
// in-memory or SQL-backed store.
package tracking

import (
	"time"

	"github.com/google/uuid"
)

// Payment captures the payment details recorded against a tracking record,
// including the six x402 audit fields used for settlement reconciliation.
type Payment struct {
	Network string `json:"network"`
	Scheme  string `json:"scheme"`
	Asset   string `json:"asset"`
	Payer   string `json:"payer,omitempty"`
	Amount  string `json:"amount"`

	X402Version           int    `json:"x402Version"`
	PaymentNonce          string `json:"paymentNonce,omitempty"`
	PaymentValidBefore    string `json:"paymentValidBefore,omitempty"`
	PayloadHash           string `json:"payloadHash"`
	RequirementsHash      string `json:"requirementsHash"`
	PaymentSignatureHash  string `json:"paymentSignatureHash,omitempty"`
}

// Settlement captures the outcome of a settlement attempt.
type Settlement struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
}

// UptoSessionInfo captures the upto-session-specific fields on a record.
type UptoSessionInfo struct {
	SessionID    string `json:"sessionId"`
	SpentAfter   string `json:"spentAfter,omitempty"`
	TrackingError string `json:"trackingError,omitempty"`
}

// RequestInfo captures the inbound request context.
type RequestInfo struct {
	ClientIP    string              `json:"clientIp,omitempty"`
	UserAgent   string              `json:"userAgent,omitempty"`
	Headers     map[string]string   `json:"headers,omitempty"`
	QueryParams map[string][]string `json:"queryParams,omitempty"`
}

// Record is the audit row for a single request, accumulated across the
// create → recordVerification → recordSettlement/recordUptoSession →
// finalizeTracking call sequence.
type Record struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Path   string `json:"path"`
	RouteKey string `json:"routeKey,omitempty"`
	URL    string `json:"url"`

	Timestamp time.Time `json:"timestamp"`

	PaymentRequired  bool    `json:"paymentRequired"`
	PaymentVerified  bool    `json:"paymentVerified"`
	VerificationError string `json:"verificationError,omitempty"`

	Payment     *Payment         `json:"payment,omitempty"`
	Settlement  *Settlement      `json:"settlement,omitempty"`
	UptoSession *UptoSessionInfo `json:"uptoSession,omitempty"`

	ResponseStatus  int   `json:"responseStatus"`
	ResponseTimeMs  int64 `json:"responseTimeMs"`
	HandlerExecuted bool  `json:"handlerExecuted"`

	Request     RequestInfo            `json:"request"`
	RouteConfig map[string]interface{} `json:"routeConfig,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// NewRecord seeds a record with a fresh id and the fields known at the
// start of a request, before verification has happened.
func NewRecord(method, path, url string, request RequestInfo) *Record {
	return &Record{
		ID:        uuid.NewString(),
		Method:    method,
		Path:      path,
		URL:       url,
		Timestamp: time.Now(),
		Request:   request,
	}
}

// Clone deep-copies a record so mutations inside the actor don't race a
// caller holding an earlier snapshot (e.g. from List).
func (r *Record) Clone() *Record {
	clone := *r
	if r.Payment != nil {
		p := *r.Payment
		clone.Payment = &p
	}
	if r.Settlement != nil {
		s := *r.Settlement
		clone.Settlement = &s
	}
	if r.UptoSession != nil {
		u := *r.UptoSession
		clone.UptoSession = &u
	}
	if r.Request.Headers != nil {
		headers := make(map[string]string, len(r.Request.Headers))
		for k, v := range r.Request.Headers {
			headers[k] = v
		}
		clone.Request.Headers = headers
	}
	return &clone
}
