package x402

import "fmt"

// ValidatePaymentPayload sanity-checks a payload before it reaches a scheme
// mechanism. Scheme/network themselves are validated by the mechanism that
// ends up handling the payload, since only it knows what's well-formed.
func ValidatePaymentPayload(p PaymentPayload) error {
	if p.X402Version < ProtocolVersionV1 || p.X402Version > ProtocolVersion {
		return fmt.Errorf("unsupported x402 version: %d", p.X402Version)
	}
	if p.X402Version == ProtocolVersion {
		if p.Accepted.Scheme == "" {
			return fmt.Errorf("payment scheme is required")
		}
		if p.Accepted.Network == "" {
			return fmt.Errorf("payment network is required")
		}
	}
	if p.Payload == nil {
		return fmt.Errorf("payment payload is required")
	}
	return nil
}

// ValidatePaymentRequirements sanity-checks requirements before they're
// handed to a scheme mechanism or sent to a client. Amount is intentionally
// not checked here: V1 carries it as MaxAmountRequired rather than Amount,
// so that check belongs to the version-specific caller, not this shared path.
func ValidatePaymentRequirements(r PaymentRequirements) error {
	if r.Scheme == "" {
		return fmt.Errorf("payment scheme is required")
	}
	if r.Network == "" {
		return fmt.Errorf("payment network is required")
	}
	if r.Asset == "" {
		return fmt.Errorf("payment asset is required")
	}
	if r.PayTo == "" {
		return fmt.Errorf("payment recipient is required")
	}
	return nil
}

// findByNetworkAndScheme looks up the registration for scheme on network in
// a two-level registry (network -> scheme -> T), falling back to CAIP-2
// wildcard matching when no entry was registered under the exact network.
// ResourceServer uses this for both its scheme-server and facilitator-client
// registries so a mechanism registered under "eip155:*" serves every EVM
// chain without a separate entry per chain ID.
func findByNetworkAndScheme[T any](networkMap map[Network]map[string]T, scheme string, network Network) T {
	var zero T

	if schemeMap, ok := networkMap[network]; ok {
		if impl, ok := schemeMap[scheme]; ok {
			return impl
		}
	}

	for registeredNetwork, schemeMap := range networkMap {
		if network.Match(registeredNetwork) {
			if impl, ok := schemeMap[scheme]; ok {
				return impl
			}
		}
	}

	return zero
}

// findSchemesByNetwork returns every scheme registered for network, again
// falling back to wildcard matching when there's no exact entry.
func findSchemesByNetwork[T any](networkMap map[Network]map[string]T, network Network) map[string]T {
	if schemeMap, ok := networkMap[network]; ok {
		return schemeMap
	}

	for registeredNetwork, schemeMap := range networkMap {
		if network.Match(registeredNetwork) {
			return schemeMap
		}
	}

	return nil
}
