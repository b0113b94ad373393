package x402

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/x402-io/facilitator/types"
)

// Network is a CAIP-2 chain identifier ("namespace:reference", e.g.
// "eip155:8453" for Base). A reference of "*" is a namespace-wide wildcard
// ("eip155:*") used when registering a scheme against an entire family of
// chains instead of one concrete chain.
type Network string

// wildcardReference is the CAIP-2 reference that makes a Network match every
// reference within its namespace.
const wildcardReference = "*"

// Parse splits the network into its CAIP-2 namespace and reference.
func (n Network) Parse() (namespace, reference string, err error) {
	namespace, reference, ok := strings.Cut(string(n), ":")
	if !ok {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return namespace, reference, nil
}

// Match reports whether n and pattern refer to the same chain, treating a
// "*" reference on either side as matching any reference in that namespace.
// This is the single place CAIP-2 wildcard comparison is implemented; every
// registry lookup in this package (Engine, ResourceServer, utils.go's
// findByNetworkAndScheme) goes through it rather than re-deriving the rule.
func (n Network) Match(pattern Network) bool {
	if n == pattern {
		return true
	}

	nNamespace, nRef, nErr := n.Parse()
	pNamespace, pRef, pErr := pattern.Parse()
	if nErr != nil || pErr != nil || nNamespace != pNamespace {
		return false
	}

	return nRef == wildcardReference || pRef == wildcardReference
}

// Price represents a price that can be specified in various formats
type Price interface{}

// AssetAmount represents an amount of a specific asset
type AssetAmount struct {
	Asset  string                 `json:"asset"`
	Amount string                 `json:"amount"`
	Extra  map[string]interface{} `json:"extra,omitempty"`
}

// PartialPaymentPayload contains only x402Version for version detection
// Used to detect protocol version before unmarshaling to specific types
type PartialPaymentPayload struct {
	X402Version int `json:"x402Version"`
}

// Re-export V2 types as default in x402 package
// V2 types are defined in types/v2.go but re-exported here for convenience
type (
	PaymentRequirements = types.PaymentRequirements
	PaymentPayload      = types.PaymentPayload
	PaymentRequired     = types.PaymentRequired
	ResourceInfo        = types.ResourceInfo
	SupportedKind       = types.SupportedKind
	SupportedResponse   = types.SupportedResponse
)

// Re-export V1 types for legacy facilitator support
type (
	SupportedResponseV1 = types.SupportedResponseV1
)

// VerifyResponse contains the verification result
// If verification fails, an error (typically *VerifyError) is returned and this will be nil
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse contains the settlement result
// If settlement fails, an error (typically *SettleError) is returned and this will be nil
type SettleResponse struct {
	Success     bool    `json:"success"`
	ErrorReason string  `json:"errorReason,omitempty"`
	Payer       string  `json:"payer,omitempty"`
	Transaction string  `json:"transaction"`
	Network     Network `json:"network"`
}

// ResourceConfig defines payment configuration for a protected resource
type ResourceConfig struct {
	Scheme            string  `json:"scheme"`
	PayTo             string  `json:"payTo"`
	Price             Price   `json:"price"`
	Network           Network `json:"network"`
	MaxTimeoutSeconds int     `json:"maxTimeoutSeconds,omitempty"`
}

// ============================================================================
// View Interfaces for Selectors/Policies/Hooks
// ============================================================================

// PaymentRequirementsView is a unified interface for payment requirements
// Both V1 and V2 types implement this to work with selectors/policies/hooks
type PaymentRequirementsView interface {
	GetScheme() string
	GetNetwork() string // Returns network as string (can be converted to Network type)
	GetAsset() string
	GetAmount() string // V1: MaxAmountRequired, V2: Amount
	GetPayTo() string
	GetMaxTimeoutSeconds() int
	GetExtra() map[string]interface{}
}

// PaymentPayloadView is a unified interface for payment payloads
// Both V1 and V2 types implement this to work with hooks
type PaymentPayloadView interface {
	GetVersion() int
	GetScheme() string
	GetNetwork() string // Returns network as string (can be converted to Network type)
	GetPayload() map[string]interface{}
}

// PaymentRequirementsSelector chooses which payment option to use
// Works with unified view interface
type PaymentRequirementsSelector func(requirements []PaymentRequirementsView) PaymentRequirementsView

// PaymentPolicy filters or transforms payment requirements
// Works with unified view interface
type PaymentPolicy func(requirements []PaymentRequirementsView) []PaymentRequirementsView

// DefaultPaymentSelector chooses the first available payment option
func DefaultPaymentSelector(requirements []PaymentRequirementsView) PaymentRequirementsView {
	if len(requirements) == 0 {
		panic("no payment requirements available")
	}
	return requirements[0]
}

// ============================================================================
// Utility Functions
// ============================================================================

// DeepEqual performs deep equality check on payment requirements
func DeepEqual(a, b interface{}) bool {
	// Normalize to JSON and compare
	aJSON, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bJSON, err := json.Marshal(b)
	if err != nil {
		return false
	}

	var aNorm, bNorm interface{}
	if err := json.Unmarshal(aJSON, &aNorm); err != nil {
		return false
	}
	if err := json.Unmarshal(bJSON, &bNorm); err != nil {
		return false
	}

	aNormJSON, _ := json.Marshal(aNorm)
	bNormJSON, _ := json.Marshal(bNorm)

	return string(aNormJSON) == string(bNormJSON)
}

// ParseNetwork parses a network string into Network type
func ParseNetwork(s string) Network {
	return Network(s)
}

// IsWildcardNetwork reports whether network's CAIP-2 reference is "*".
func IsWildcardNetwork(network Network) bool {
	_, ref, err := network.Parse()
	return err == nil && ref == wildcardReference
}

// MatchesNetwork reports whether network satisfies pattern. It's a
// free-function wrapper over Network.Match for callers that already have a
// pattern/network pair rather than a receiver to hang the call off of.
func MatchesNetwork(pattern Network, network Network) bool {
	return network.Match(pattern)
}
