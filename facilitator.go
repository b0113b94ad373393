package x402

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/x402-io/facilitator/types"
)

// registration pairs a registered scheme implementation with the networks it
// was registered against, plus the wildcard pattern derived from them. One
// generic type backs both the V1 and V2 registries below instead of two
// hand-rolled, type-erased copies of the same bookkeeping.
type registration[T SchemeInfo] struct {
	facilitator T
	networks    map[Network]bool
	pattern     Network
}

func newRegistration[T SchemeInfo](facilitator T, networks []Network) *registration[T] {
	set := make(map[Network]bool, len(networks))
	for _, network := range networks {
		set[network] = true
	}
	return &registration[T]{facilitator: facilitator, networks: set, pattern: derivePattern(networks)}
}

// matches reports whether network was registered on this entry, directly or
// through its derived pattern. Network.Match is the only place CAIP-2
// wildcard comparison is implemented; this just calls it both ways since
// either side (a single concrete network or a namespace wildcard) may hold
// the "*".
func (r *registration[T]) matches(network Network) bool {
	return r.networks[network] || network.Match(r.pattern) || r.pattern.Match(network)
}

// findInRegistry scans regs for the first entry whose scheme name matches
// and whose registered networks cover network. It backs verifyV1/verifyV2
// and settleV1/settleV2, which differ only in the concrete payload/
// requirements types they hand to the facilitator once found.
func findInRegistry[T SchemeInfo](regs []*registration[T], scheme string, network Network) (T, bool) {
	for _, r := range regs {
		if r.facilitator.Scheme() == scheme && r.matches(network) {
			return r.facilitator, true
		}
	}
	var zero T
	return zero, false
}

// Engine dispatches Verify/Settle calls to the registered scheme mechanism
// for a payment's scheme+network, running lifecycle hooks around each call.
// It supports V1 and V2 payloads side by side so a single deployment can
// serve legacy and current clients.
type Engine struct {
	mu sync.RWMutex

	schemesV1  []*registration[SchemeNetworkFacilitatorV1]
	schemes    []*registration[SchemeNetworkFacilitator]
	extensions []string

	beforeVerifyHooks    []FacilitatorBeforeVerifyHook
	afterVerifyHooks     []FacilitatorAfterVerifyHook
	onVerifyFailureHooks []FacilitatorOnVerifyFailureHook
	beforeSettleHooks    []FacilitatorBeforeSettleHook
	afterSettleHooks     []FacilitatorAfterSettleHook
	onSettleFailureHooks []FacilitatorOnSettleFailureHook
}

func NewEngine() *Engine {
	return &Engine{
		schemesV1:  []*registration[SchemeNetworkFacilitatorV1]{},
		schemes:    []*registration[SchemeNetworkFacilitator]{},
		extensions: []string{},
	}
}

// RegisterV1 registers a V1 facilitator mechanism against a set of networks.
// The networks are remembered for GetSupported(); callers never repeat them.
func (f *Engine) RegisterV1(networks []Network, facilitator SchemeNetworkFacilitatorV1) *Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schemesV1 = append(f.schemesV1, newRegistration(facilitator, networks))
	return f
}

// Register registers a V2 (current) facilitator mechanism against a set of
// networks. The networks are remembered for GetSupported(); callers never
// repeat them.
func (f *Engine) Register(networks []Network, facilitator SchemeNetworkFacilitator) *Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schemes = append(f.schemes, newRegistration(facilitator, networks))
	return f
}

// RegisterExtension records a protocol extension name, deduping repeats.
func (f *Engine) RegisterExtension(extension string) *Engine {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ext := range f.extensions {
		if ext == extension {
			return f
		}
	}
	f.extensions = append(f.extensions, extension)
	return f
}

// ============================================================================
// Hook Registration Methods
// ============================================================================

func (f *Engine) OnBeforeVerify(hook FacilitatorBeforeVerifyHook) *Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeVerifyHooks = append(f.beforeVerifyHooks, hook)
	return f
}

func (f *Engine) OnAfterVerify(hook FacilitatorAfterVerifyHook) *Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterVerifyHooks = append(f.afterVerifyHooks, hook)
	return f
}

func (f *Engine) OnVerifyFailure(hook FacilitatorOnVerifyFailureHook) *Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onVerifyFailureHooks = append(f.onVerifyFailureHooks, hook)
	return f
}

func (f *Engine) OnBeforeSettle(hook FacilitatorBeforeSettleHook) *Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeSettleHooks = append(f.beforeSettleHooks, hook)
	return f
}

func (f *Engine) OnAfterSettle(hook FacilitatorAfterSettleHook) *Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterSettleHooks = append(f.afterSettleHooks, hook)
	return f
}

func (f *Engine) OnSettleFailure(hook FacilitatorOnSettleFailureHook) *Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSettleFailureHooks = append(f.onSettleFailureHooks, hook)
	return f
}

// ============================================================================
// Core Payment Methods (Network Boundary - uses bytes, routes internally)
// ============================================================================

// runBeforeVerifyHooks runs the registered beforeVerify hooks in order,
// short-circuiting on the first error or Abort result.
func (f *Engine) runBeforeVerifyHooks(hookCtx FacilitatorVerifyContext) error {
	for _, hook := range f.beforeVerifyHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return err
		}
		if result != nil && result.Abort {
			return NewVerifyError(result.Reason, "", "", nil)
		}
	}
	return nil
}

// finishVerify runs the failure-recovery or after-success hooks for a
// mechanism call, depending on whether it errored, and returns what Verify
// should hand back to its caller.
func (f *Engine) finishVerify(hookCtx FacilitatorVerifyContext, result *VerifyResponse, callErr error) (*VerifyResponse, error) {
	if callErr != nil {
		failureCtx := FacilitatorVerifyFailureContext{FacilitatorVerifyContext: hookCtx, Error: callErr}
		for _, hook := range f.onVerifyFailureHooks {
			recovery, _ := hook(failureCtx)
			if recovery != nil && recovery.Recovered {
				return recovery.Result, nil
			}
		}
		return nil, callErr
	}

	resultCtx := FacilitatorVerifyResultContext{FacilitatorVerifyContext: hookCtx, Result: result}
	for _, hook := range f.afterVerifyHooks {
		// A hook error is logged; it doesn't affect the result.
		if err := hook(resultCtx); err != nil {
			log.Printf("facilitator: afterVerify hook error: %v", err)
		}
	}
	return result, nil
}

// Verify detects the payload's protocol version, unmarshals it into the
// matching typed structs, and dispatches to the registered mechanism for its
// scheme+network, running lifecycle hooks around the call.
func (f *Engine) Verify(ctx context.Context, payloadBytes []byte, requirementsBytes []byte) (*VerifyResponse, error) {
	version, err := types.DetectVersion(payloadBytes)
	if err != nil {
		return nil, NewVerifyError("invalid_version", "", "", err)
	}

	switch version {
	case 1:
		payload, err := types.ToPaymentPayloadV1(payloadBytes)
		if err != nil {
			return nil, NewVerifyError("invalid_v1_payload", "", "", err)
		}
		requirements, err := types.ToPaymentRequirementsV1(requirementsBytes)
		if err != nil {
			return nil, NewVerifyError("invalid_v1_requirements", "", "", err)
		}

		hookCtx := FacilitatorVerifyContext{facilitatorCallContext{
			Ctx: ctx, Payload: *payload, Requirements: *requirements,
			PayloadBytes: payloadBytes, RequirementsBytes: requirementsBytes,
		}}
		if err := f.runBeforeVerifyHooks(hookCtx); err != nil {
			return nil, err
		}

		result, callErr := f.verifyV1(ctx, *payload, *requirements)
		return f.finishVerify(hookCtx, result, callErr)

	case 2:
		payload, err := types.ToPaymentPayload(payloadBytes)
		if err != nil {
			return nil, NewVerifyError("invalid_v2_payload", "", "", err)
		}
		requirements, err := types.ToPaymentRequirements(requirementsBytes)
		if err != nil {
			return nil, NewVerifyError("invalid_v2_requirements", "", "", err)
		}

		hookCtx := FacilitatorVerifyContext{facilitatorCallContext{
			Ctx: ctx, Payload: *payload, Requirements: *requirements,
			PayloadBytes: payloadBytes, RequirementsBytes: requirementsBytes,
		}}
		if err := f.runBeforeVerifyHooks(hookCtx); err != nil {
			return nil, err
		}

		result, callErr := f.verifyV2(ctx, *payload, *requirements)
		return f.finishVerify(hookCtx, result, callErr)

	default:
		return nil, NewVerifyError(fmt.Sprintf("unsupported_version_%d", version), "", "", nil)
	}
}

// runBeforeSettleHooks is runBeforeVerifyHooks's settle-side twin.
func (f *Engine) runBeforeSettleHooks(hookCtx FacilitatorSettleContext) error {
	for _, hook := range f.beforeSettleHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return err
		}
		if result != nil && result.Abort {
			return NewSettleError(result.Reason, "", "", "", nil)
		}
	}
	return nil
}

// finishSettle is finishVerify's settle-side twin.
func (f *Engine) finishSettle(hookCtx FacilitatorSettleContext, result *SettleResponse, callErr error) (*SettleResponse, error) {
	if callErr != nil {
		failureCtx := FacilitatorSettleFailureContext{FacilitatorSettleContext: hookCtx, Error: callErr}
		for _, hook := range f.onSettleFailureHooks {
			recovery, _ := hook(failureCtx)
			if recovery != nil && recovery.Recovered {
				return recovery.Result, nil
			}
		}
		return nil, callErr
	}

	resultCtx := FacilitatorSettleResultContext{FacilitatorSettleContext: hookCtx, Result: result}
	for _, hook := range f.afterSettleHooks {
		if err := hook(resultCtx); err != nil {
			log.Printf("facilitator: afterSettle hook error: %v", err)
		}
	}
	return result, nil
}

// Settle detects the payload's protocol version, unmarshals it into the
// matching typed structs, and dispatches to the registered mechanism for its
// scheme+network, running lifecycle hooks around the call.
func (f *Engine) Settle(ctx context.Context, payloadBytes []byte, requirementsBytes []byte) (*SettleResponse, error) {
	version, err := types.DetectVersion(payloadBytes)
	if err != nil {
		return nil, NewSettleError("invalid_version", "", "", "", err)
	}

	switch version {
	case 1:
		payload, err := types.ToPaymentPayloadV1(payloadBytes)
		if err != nil {
			return nil, NewSettleError("invalid_v1_payload", "", "", "", err)
		}
		requirements, err := types.ToPaymentRequirementsV1(requirementsBytes)
		if err != nil {
			return nil, NewSettleError("invalid_v1_requirements", "", "", "", err)
		}

		hookCtx := FacilitatorSettleContext{facilitatorCallContext{
			Ctx: ctx, Payload: *payload, Requirements: *requirements,
			PayloadBytes: payloadBytes, RequirementsBytes: requirementsBytes,
		}}
		if err := f.runBeforeSettleHooks(hookCtx); err != nil {
			return nil, err
		}

		result, callErr := f.settleV1(ctx, *payload, *requirements)
		return f.finishSettle(hookCtx, result, callErr)

	case 2:
		payload, err := types.ToPaymentPayload(payloadBytes)
		if err != nil {
			return nil, NewSettleError("invalid_v2_payload", "", "", "", err)
		}
		requirements, err := types.ToPaymentRequirements(requirementsBytes)
		if err != nil {
			return nil, NewSettleError("invalid_v2_requirements", "", "", "", err)
		}

		hookCtx := FacilitatorSettleContext{facilitatorCallContext{
			Ctx: ctx, Payload: *payload, Requirements: *requirements,
			PayloadBytes: payloadBytes, RequirementsBytes: requirementsBytes,
		}}
		if err := f.runBeforeSettleHooks(hookCtx); err != nil {
			return nil, err
		}

		result, callErr := f.settleV2(ctx, *payload, *requirements)
		return f.finishSettle(hookCtx, result, callErr)

	default:
		return nil, NewSettleError(fmt.Sprintf("unsupported_version_%d", version), "", "", "", nil)
	}
}

// ============================================================================
// Internal Typed Methods (called after version detection)
// ============================================================================

func (f *Engine) verifyV1(ctx context.Context, payload types.PaymentPayloadV1, requirements types.PaymentRequirementsV1) (*VerifyResponse, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	network := Network(requirements.Network)
	facilitator, ok := findInRegistry(f.schemesV1, requirements.Scheme, network)
	if !ok {
		return nil, NewVerifyError("no_facilitator_for_network", "", network, fmt.Errorf("no facilitator for scheme %s on network %s", requirements.Scheme, network))
	}
	return facilitator.Verify(ctx, payload, requirements)
}

func (f *Engine) verifyV2(ctx context.Context, payload types.PaymentPayload, requirements types.PaymentRequirements) (*VerifyResponse, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	network := Network(requirements.Network)
	facilitator, ok := findInRegistry(f.schemes, requirements.Scheme, network)
	if !ok {
		return nil, NewVerifyError("no_facilitator_for_network", "", network, fmt.Errorf("no facilitator for scheme %s on network %s", requirements.Scheme, network))
	}
	return facilitator.Verify(ctx, payload, requirements)
}

func (f *Engine) settleV1(ctx context.Context, payload types.PaymentPayloadV1, requirements types.PaymentRequirementsV1) (*SettleResponse, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	network := Network(requirements.Network)
	facilitator, ok := findInRegistry(f.schemesV1, requirements.Scheme, network)
	if !ok {
		return nil, NewSettleError("no_facilitator_for_network", "", network, "", fmt.Errorf("no facilitator for scheme %s on network %s", requirements.Scheme, network))
	}
	return facilitator.Settle(ctx, payload, requirements)
}

func (f *Engine) settleV2(ctx context.Context, payload types.PaymentPayload, requirements types.PaymentRequirements) (*SettleResponse, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	network := Network(requirements.Network)
	facilitator, ok := findInRegistry(f.schemes, requirements.Scheme, network)
	if !ok {
		return nil, NewSettleError("no_facilitator_for_network", "", network, "", fmt.Errorf("no facilitator for scheme %s on network %s", requirements.Scheme, network))
	}
	return facilitator.Settle(ctx, payload, requirements)
}

// collectSupported appends one SupportedKind per network an entry in regs
// was registered against, and folds its signer addresses into
// signersByFamily keyed by CAIP family. Shared by GetSupported's V1 and V2
// passes since SchemeInfo is all either one needs.
func collectSupported[T SchemeInfo](regs []*registration[T], x402Version int, kinds *[]SupportedKind, signersByFamily map[string]map[string]bool) {
	for _, r := range regs {
		facilitator := r.facilitator
		scheme := facilitator.Scheme()
		family := facilitator.CaipFamily()

		for network := range r.networks {
			kind := SupportedKind{X402Version: x402Version, Scheme: scheme, Network: string(network)}
			if extra := facilitator.GetExtra(network); extra != nil {
				kind.Extra = extra
			}
			*kinds = append(*kinds, kind)

			if signersByFamily[family] == nil {
				signersByFamily[family] = make(map[string]bool)
			}
			for _, signer := range facilitator.GetSigners(network) {
				signersByFamily[family][signer] = true
			}
		}
	}
}

// GetSupported reports every scheme+network registered on the engine, along
// with the extensions and signer addresses clients need to choose and
// validate a payment option. It needs no parameters: everything was captured
// by the Register/RegisterV1 calls that built the engine.
func (f *Engine) GetSupported() SupportedResponse {
	f.mu.RLock()
	defer f.mu.RUnlock()

	kinds := []SupportedKind{}
	signersByFamily := make(map[string]map[string]bool)

	collectSupported(f.schemesV1, 1, &kinds, signersByFamily)
	collectSupported(f.schemes, 2, &kinds, signersByFamily)

	signers := make(map[string][]string, len(signersByFamily))
	for family, signerSet := range signersByFamily {
		signerList := make([]string, 0, len(signerSet))
		for signer := range signerSet {
			signerList = append(signerList, signer)
		}
		signers[family] = signerList
	}

	return SupportedResponse{
		Kinds:      kinds,
		Extensions: f.extensions,
		Signers:    signers,
	}
}

// derivePattern collapses a set of registered networks into one Network used
// for wildcard matching: a lone network matches itself, a set sharing one
// CAIP-2 namespace collapses to that namespace's wildcard, and a set mixing
// namespaces falls back to the first network (registration.matches still
// checks the exact per-network set first, so mixed-namespace registrations
// aren't mismatched by this fallback).
func derivePattern(networks []Network) Network {
	if len(networks) == 0 {
		return ""
	}
	if len(networks) == 1 {
		return networks[0]
	}

	namespaces := make(map[string]bool)
	for _, network := range networks {
		if namespace, _, err := network.Parse(); err == nil {
			namespaces[namespace] = true
		}
	}

	if len(namespaces) == 1 {
		for namespace := range namespaces {
			return Network(namespace + ":" + wildcardReference)
		}
	}

	return networks[0]
}
