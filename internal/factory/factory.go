// Package factory builds a wired *x402.Engine from a declarative
// configuration, matching spec §4.12: evmSigners/svmSigners/starknetConfigs
// plus lifecycle hooks, in one call instead of hand-assembled Register calls
// scattered through an entry point. Grounded on the teacher's
// cmd/facilitator/main.go's setupFacilitator, generalized so the list of
// signers and networks is data instead of inline control flow.
package factory

import (
	"fmt"
	"log"

	x402 "github.com/x402-io/facilitator"
	"github.com/x402-io/facilitator/mechanisms/evm"
	exactfac "github.com/x402-io/facilitator/mechanisms/evm/exact/facilitator"
	exactv1fac "github.com/x402-io/facilitator/mechanisms/evm/exact/v1/facilitator"
	uptofac "github.com/x402-io/facilitator/mechanisms/evm/upto/facilitator"
)

// EvmSignerConfig wires a single EVM signer to one or more networks and
// schemes, per spec §4.12's evmSigners entries.
type EvmSignerConfig struct {
	Signer   evm.FacilitatorEvmSigner
	Networks []x402.Network

	// Schemes defaults to {"exact", "upto"} when empty.
	Schemes []string

	DeployERC4337WithEIP6492 bool

	// V1NetworkNames maps a registered CAIP-2 network to its legacy
	// (non-CAIP) x402 v1 name, e.g. {"eip155:8453": "base"}. Only consulted
	// when RegisterV1 is true; names with no matching registered network are
	// silently filtered, per §4.12.
	V1NetworkNames map[x402.Network]string
	RegisterV1     bool
}

// HooksConfig mirrors spec §4.12's hooks block; any subset may be nil.
type HooksConfig struct {
	OnBeforeVerify    x402.FacilitatorBeforeVerifyHook
	OnAfterVerify     x402.FacilitatorAfterVerifyHook
	OnVerifyFailure   x402.FacilitatorOnVerifyFailureHook
	OnBeforeSettle    x402.FacilitatorBeforeSettleHook
	OnAfterSettle     x402.FacilitatorAfterSettleHook
	OnSettleFailure   x402.FacilitatorOnSettleFailureHook
}

// Config is the full declarative input to Build. It carries EVM signers and
// hooks only: this facilitator's in-tree schemes only cover EVM (§1's
// explicit out-of-scope list), and Config has no fields for the SVM/Starknet
// entries named in §4.12.
type Config struct {
	EvmSigners []EvmSignerConfig
	Hooks      HooksConfig
}

// Build assembles an *x402.Engine: registers every signer's schemes for its
// networks (and, where requested, the legacy v1 name), then wires hooks in
// the order listed. Returns an error only if no scheme ends up registered
// for any network, matching the teacher's "no networks configured" failure.
func Build(cfg Config) (*x402.Engine, error) {
	engine := x402.NewEngine()

	registered := 0
	for _, sc := range cfg.EvmSigners {
		schemes := sc.Schemes
		if len(schemes) == 0 {
			schemes = []string{"exact", "upto"}
		}

		for _, scheme := range schemes {
			switch scheme {
			case "exact":
				engine.Register(sc.Networks, exactfac.NewExactEvmScheme(sc.Signer, &exactfac.ExactEvmSchemeConfig{
					DeployERC4337WithEIP6492: sc.DeployERC4337WithEIP6492,
				}))
				registered++

				if sc.RegisterV1 {
					v1Networks := legacyNetworksFor(sc.Networks, sc.V1NetworkNames)
					if len(v1Networks) > 0 {
						engine.RegisterV1(v1Networks, exactv1fac.NewExactEvmSchemeV1(sc.Signer, &exactv1fac.ExactEvmSchemeV1Config{
							DeployERC4337WithEIP6492: sc.DeployERC4337WithEIP6492,
						}))
					}
				}

			case "upto":
				engine.Register(sc.Networks, uptofac.NewUptoEvmScheme(sc.Signer))
				registered++

			default:
				log.Printf("factory: unknown scheme %q for signer %v, skipping", scheme, sc.Signer.GetAddresses())
			}
		}
	}

	if registered == 0 {
		return nil, fmt.Errorf("no networks configured - at least one signer is required")
	}

	wireHooks(engine, cfg.Hooks)
	return engine, nil
}

// legacyNetworksFor resolves registered CAIP-2 networks to their configured
// legacy v1 names, dropping any network with no configured v1 name.
func legacyNetworksFor(networks []x402.Network, names map[x402.Network]string) []x402.Network {
	if len(names) == 0 {
		return nil
	}
	var out []x402.Network
	for _, n := range networks {
		if legacy, ok := names[n]; ok && legacy != "" {
			out = append(out, x402.Network(legacy))
		}
	}
	return out
}

func wireHooks(engine *x402.Engine, hooks HooksConfig) {
	if hooks.OnBeforeVerify != nil {
		engine.OnBeforeVerify(hooks.OnBeforeVerify)
	}
	if hooks.OnAfterVerify != nil {
		engine.OnAfterVerify(hooks.OnAfterVerify)
	}
	if hooks.OnVerifyFailure != nil {
		engine.OnVerifyFailure(hooks.OnVerifyFailure)
	}
	if hooks.OnBeforeSettle != nil {
		engine.OnBeforeSettle(hooks.OnBeforeSettle)
	}
	if hooks.OnAfterSettle != nil {
		engine.OnAfterSettle(hooks.OnAfterSettle)
	}
	if hooks.OnSettleFailure != nil {
		engine.OnSettleFailure(hooks.OnSettleFailure)
	}
}
