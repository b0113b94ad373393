package facilitator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/x402-io/facilitator"
	"github.com/x402-io/facilitator/mechanisms/evm"
	"github.com/x402-io/facilitator/types"
)

// ExactEvmSchemeConfig holds configuration for the ExactEvmScheme facilitator
type ExactEvmSchemeConfig struct {
	// DeployERC4337WithEIP6492 enables automatic deployment of ERC-4337 smart wallets
	// via EIP-6492 when encountering undeployed contract signatures during settlement
	DeployERC4337WithEIP6492 bool
}

// ExactEvmScheme implements the SchemeNetworkFacilitator interface for the EIP-3009
// TransferWithAuthorization scheme ("exact") on EVM chains.
type ExactEvmScheme struct {
	signer evm.FacilitatorEvmSigner
	config ExactEvmSchemeConfig
}

// NewExactEvmScheme creates a new ExactEvmScheme. A nil config uses defaults
// (no ERC-4337 deployment on settle).
func NewExactEvmScheme(signer evm.FacilitatorEvmSigner, config *ExactEvmSchemeConfig) *ExactEvmScheme {
	cfg := ExactEvmSchemeConfig{}
	if config != nil {
		cfg = *config
	}
	return &ExactEvmScheme{signer: signer, config: cfg}
}

func (f *ExactEvmScheme) Scheme() string { return evm.SchemeExact }

func (f *ExactEvmScheme) CaipFamily() string { return "eip155:*" }

// GetExtra returns mechanism-specific extra data for the supported kinds endpoint.
// The exact EIP-3009 scheme has nothing to advertise beyond scheme/network/signers.
func (f *ExactEvmScheme) GetExtra(_ x402.Network) map[string]interface{} { return nil }

func (f *ExactEvmScheme) GetSigners(_ x402.Network) []string { return f.signer.GetAddresses() }

// authorizedTransfer is everything derived from a payload+requirements pair
// that both Verify and Settle need: the decoded EIP-3009 authorization, the
// asset it moves, and the token name/version EIP-712 hashing requires. Verify
// builds this once; Settle rebuilds it from the same inputs rather than
// trusting a cached result, since settlement can run well after verification
// against state (nonce, balance) that may have changed in between.
type authorizedTransfer struct {
	payload   *evm.ExactEIP3009Payload
	asset     *evm.AssetInfo
	tokenName string
	tokenVer  string
}

func (f *ExactEvmScheme) resolveTransfer(requirements types.PaymentRequirements, rawPayload map[string]interface{}) (*authorizedTransfer, error) {
	payload, err := evm.PayloadFromMap(rawPayload)
	if err != nil {
		return nil, fmt.Errorf("invalid_payload: %w", err)
	}
	if payload.Signature == "" {
		return nil, errors.New("missing_signature")
	}

	asset, err := evm.GetAssetInfo(string(requirements.Network), requirements.Asset)
	if err != nil {
		return nil, fmt.Errorf("failed_to_get_asset_info: %w", err)
	}

	name, version := asset.Name, asset.Version
	if requirements.Extra != nil {
		if v, ok := requirements.Extra["name"].(string); ok {
			name = v
		}
		if v, ok := requirements.Extra["version"].(string); ok {
			version = v
		}
	}

	return &authorizedTransfer{payload: payload, asset: asset, tokenName: name, tokenVer: version}, nil
}

// Verify checks a V2 exact-scheme payload against requirements: scheme/network
// match, authorization well-formed and addressed correctly, amount sufficient,
// nonce unused, payer funded, and the EIP-712/ERC-1271/ERC-6492 signature valid.
func (f *ExactEvmScheme) Verify(
	ctx context.Context,
	payload types.PaymentPayload,
	requirements types.PaymentRequirements,
) (*x402.VerifyResponse, error) {
	network := x402.Network(requirements.Network)

	if payload.Accepted.Scheme != evm.SchemeExact {
		return nil, x402.NewVerifyError("invalid_scheme", "", network, nil)
	}
	if payload.Accepted.Network != requirements.Network {
		return nil, x402.NewVerifyError("network_mismatch", "", network, nil)
	}

	transfer, err := f.resolveTransfer(requirements, payload.Payload)
	if err != nil {
		return nil, verifyErrorFromResolve(err, network)
	}
	auth := transfer.payload.Authorization

	if !strings.EqualFold(auth.To, requirements.PayTo) {
		return nil, x402.NewVerifyError("recipient_mismatch", "", network, nil)
	}

	if err := f.checkAmount(auth, requirements); err != nil {
		payer := ""
		if errors.Is(err, errInsufficientAmount) {
			payer = auth.From
		}
		return nil, x402.NewVerifyError(err.Error(), payer, network, nil)
	}

	if err := f.checkFundsAvailable(ctx, transfer); err != nil {
		var payErr paymentStateError
		if errors.As(err, &payErr) {
			return nil, x402.NewVerifyError(payErr.reason, auth.From, network, payErr.cause)
		}
		return nil, x402.NewVerifyError("failed_to_check_nonce", auth.From, network, err)
	}

	chainConfig, err := evm.GetNetworkConfig(string(requirements.Network))
	if err != nil {
		return nil, x402.NewVerifyError("failed_to_get_network_config", "", network, err)
	}

	signatureBytes, err := evm.HexToBytes(transfer.payload.Signature)
	if err != nil {
		return nil, x402.NewVerifyError("invalid_signature_format", auth.From, network, err)
	}

	valid, err := f.verifySignature(ctx, auth, signatureBytes, chainConfig.ChainID, transfer.asset.Address, transfer.tokenName, transfer.tokenVer)
	if err != nil {
		return nil, x402.NewVerifyError("failed_to_verify_signature", auth.From, network, err)
	}
	if !valid {
		return nil, x402.NewVerifyError("invalid_signature", auth.From, network, nil)
	}

	return &x402.VerifyResponse{IsValid: true, Payer: auth.From}, nil
}

func verifyErrorFromResolve(err error, network x402.Network) error {
	reason, cause, _ := strings.Cut(err.Error(), ": ")
	if reason == "missing_signature" {
		return x402.NewVerifyError("missing_signature", "", network, nil)
	}
	return x402.NewVerifyError(reason, "", network, errors.New(cause))
}

// errInsufficientAmount is the sentinel for the one checkAmount failure that
// reports the payer's address alongside the error code; the other two are
// payload-shape problems that can't yet be attributed to a payer.
var errInsufficientAmount = errors.New("insufficient_amount")

func (f *ExactEvmScheme) checkAmount(auth evm.ExactEIP3009Authorization, requirements types.PaymentRequirements) error {
	authValue, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return errors.New("invalid_authorization_value")
	}
	requiredValue, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok {
		return errors.New("invalid_required_amount")
	}
	if authValue.Cmp(requiredValue) < 0 {
		return errInsufficientAmount
	}
	return nil
}

// paymentStateError distinguishes which on-chain check failed (nonce vs
// balance) so Verify can report the matching error code.
type paymentStateError struct {
	reason string
	cause  error
}

func (e paymentStateError) Error() string { return e.reason }

// checkFundsAvailable confirms the authorization's nonce hasn't already been
// consumed and the payer holds enough of the asset to cover it.
func (f *ExactEvmScheme) checkFundsAvailable(ctx context.Context, transfer *authorizedTransfer) error {
	auth := transfer.payload.Authorization

	nonceUsed, err := f.checkNonceUsed(ctx, auth.From, auth.Nonce, transfer.asset.Address)
	if err != nil {
		return paymentStateError{reason: "failed_to_check_nonce", cause: err}
	}
	if nonceUsed {
		return paymentStateError{reason: "nonce_already_used"}
	}

	authValue, _ := new(big.Int).SetString(auth.Value, 10)
	balance, err := f.signer.GetBalance(ctx, auth.From, transfer.asset.Address)
	if err != nil {
		return paymentStateError{reason: "failed_to_get_balance", cause: err}
	}
	if balance.Cmp(authValue) < 0 {
		return paymentStateError{reason: "insufficient_balance"}
	}
	return nil
}

// Settle re-verifies the payment against current chain state, then submits
// the EIP-3009 transfer on-chain. If the payer authorized via an EIP-6492
// wrapped signature for an undeployed smart wallet, the wallet is deployed
// first (when configured to) before the transfer is submitted.
func (f *ExactEvmScheme) Settle(
	ctx context.Context,
	payload types.PaymentPayload,
	requirements types.PaymentRequirements,
) (*x402.SettleResponse, error) {
	network := x402.Network(payload.Accepted.Network)

	verifyResp, err := f.Verify(ctx, payload, requirements)
	if err != nil {
		var ve *x402.VerifyError
		if errors.As(err, &ve) {
			return nil, x402.NewSettleError(ve.Reason, ve.Payer, ve.Network, "", ve.Err)
		}
		return nil, x402.NewSettleError("verification_failed", "", network, "", err)
	}

	transfer, err := f.resolveTransfer(requirements, payload.Payload)
	if err != nil {
		return nil, settleErrorFromResolve(err, verifyResp.Payer, network)
	}

	signatureBytes, err := evm.HexToBytes(transfer.payload.Signature)
	if err != nil {
		return nil, x402.NewSettleError("invalid_signature_format", verifyResp.Payer, network, "", err)
	}
	sigData, err := evm.ParseERC6492Signature(signatureBytes)
	if err != nil {
		return nil, x402.NewSettleError("failed_to_parse_signature", verifyResp.Payer, network, "", err)
	}

	if err := f.ensureWalletDeployed(ctx, transfer.payload.Authorization.From, sigData); err != nil {
		var settleErr *x402.SettleError
		if errors.As(err, &settleErr) {
			settleErr.Payer, settleErr.Network = verifyResp.Payer, network
			return nil, settleErr
		}
		return nil, x402.NewSettleError("failed_to_check_deployment", verifyResp.Payer, network, "", err)
	}

	txHash, err := f.submitTransfer(ctx, transfer, sigData.InnerSignature)
	if err != nil {
		return nil, x402.NewSettleError("failed_to_execute_transfer", verifyResp.Payer, network, "", err)
	}

	receipt, err := f.signer.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, x402.NewSettleError("failed_to_get_receipt", verifyResp.Payer, network, txHash, err)
	}
	if receipt.Status != evm.TxStatusSuccess {
		return nil, x402.NewSettleError("transaction_failed", verifyResp.Payer, network, txHash, nil)
	}

	return &x402.SettleResponse{
		Success:     true,
		Transaction: txHash,
		Network:     network,
		Payer:       verifyResp.Payer,
	}, nil
}

func settleErrorFromResolve(err error, payer string, network x402.Network) error {
	reason, cause, _ := strings.Cut(err.Error(), ": ")
	return x402.NewSettleError(reason, payer, network, "", errors.New(cause))
}

// ensureWalletDeployed handles the ERC-6492 "counterfactual wallet" case: a
// signature wrapped with factory/factoryCalldata means the payer signed with
// a smart wallet that doesn't exist on-chain yet. If so and deployment is
// enabled, deploy it via its own factory before the transfer is submitted;
// deployment uses the undeployed wallet's own CREATE2 factory call recovered
// from the EIP-6492 wrapper, not an ERC-4337 bundler/paymaster flow — the
// facilitator has no UserOperation signed by the wallet owner to bundle, only
// the EIP-3009 authorization signature being settled here.
func (f *ExactEvmScheme) ensureWalletDeployed(ctx context.Context, payer string, sigData *evm.ERC6492SignatureData) error {
	var zeroFactory [20]byte
	if sigData.Factory == zeroFactory || len(sigData.FactoryCalldata) == 0 {
		return nil
	}

	code, err := f.signer.GetCode(ctx, payer)
	if err != nil {
		return err
	}
	if len(code) > 0 {
		return nil
	}

	if !f.config.DeployERC4337WithEIP6492 {
		return x402.NewSettleError(evm.ErrUndeployedSmartWallet, "", "", "", nil)
	}
	if err := f.deploySmartWallet(ctx, sigData); err != nil {
		return x402.NewSettleError(evm.ErrSmartWalletDeploymentFailed, "", "", "", err)
	}
	return nil
}

// deploySmartWallet triggers the wallet's own CREATE2 factory call recovered
// from its EIP-6492 signature. The calldata is already ABI-encoded by the
// wallet's signer, so this just submits and waits for it.
func (f *ExactEvmScheme) deploySmartWallet(ctx context.Context, sigData *evm.ERC6492SignatureData) error {
	factoryAddr := common.BytesToAddress(sigData.Factory[:])

	txHash, err := f.signer.SendTransaction(ctx, factoryAddr.Hex(), sigData.FactoryCalldata)
	if err != nil {
		return fmt.Errorf("factory deployment transaction failed: %w", err)
	}

	receipt, err := f.signer.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		return fmt.Errorf("failed to wait for deployment: %w", err)
	}
	if receipt.Status != evm.TxStatusSuccess {
		return errors.New("deployment transaction reverted")
	}
	return nil
}

// submitTransfer calls transferWithAuthorization on the asset contract, using
// the v,r,s overload for a 65-byte ECDSA signature or the bytes-signature
// overload otherwise (ERC-1271/ERC-6492 smart wallet signatures).
func (f *ExactEvmScheme) submitTransfer(ctx context.Context, transfer *authorizedTransfer, signature []byte) (string, error) {
	auth := transfer.payload.Authorization
	value, _ := new(big.Int).SetString(auth.Value, 10)
	validAfter, _ := new(big.Int).SetString(auth.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(auth.ValidBefore, 10)
	nonceBytes, _ := evm.HexToBytes(auth.Nonce)

	from := common.HexToAddress(auth.From)
	to := common.HexToAddress(auth.To)

	if len(signature) == 65 {
		r, s, v := signature[0:32], signature[32:64], signature[64]
		return f.signer.WriteContract(
			ctx, transfer.asset.Address,
			evm.TransferWithAuthorizationVRSABI, evm.FunctionTransferWithAuthorization,
			from, to, value, validAfter, validBefore, [32]byte(nonceBytes),
			v, [32]byte(r), [32]byte(s),
		)
	}

	return f.signer.WriteContract(
		ctx, transfer.asset.Address,
		evm.TransferWithAuthorizationBytesABI, evm.FunctionTransferWithAuthorization,
		from, to, value, validAfter, validBefore, [32]byte(nonceBytes),
		signature,
	)
}

// checkNonceUsed reads the asset contract's authorizationState to see
// whether this EIP-3009 nonce has already been consumed by a prior transfer.
func (f *ExactEvmScheme) checkNonceUsed(ctx context.Context, from string, nonce string, tokenAddress string) (bool, error) {
	nonceBytes, err := evm.HexToBytes(nonce)
	if err != nil {
		return false, err
	}

	result, err := f.signer.ReadContract(
		ctx, tokenAddress, evm.AuthorizationStateABI, evm.FunctionAuthorizationState,
		common.HexToAddress(from), [32]byte(nonceBytes),
	)
	if err != nil {
		return false, err
	}

	used, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected result type from authorizationState")
	}
	return used, nil
}

// verifySignature hashes the EIP-712 TransferWithAuthorization typed data and
// checks it against the payer's address via universal verification (EOA,
// ERC-1271 contract wallet, or ERC-6492 counterfactual contract wallet).
func (f *ExactEvmScheme) verifySignature(
	ctx context.Context,
	authorization evm.ExactEIP3009Authorization,
	signature []byte,
	chainID *big.Int,
	verifyingContract string,
	tokenName string,
	tokenVersion string,
) (bool, error) {
	hash, err := evm.HashEIP3009Authorization(authorization, chainID, verifyingContract, tokenName, tokenVersion)
	if err != nil {
		return false, err
	}

	var hash32 [32]byte
	copy(hash32[:], hash)

	valid, _, err := evm.VerifyUniversalSignature(ctx, f.signer, authorization.From, hash32, signature, true)
	if err != nil {
		return false, err
	}
	return valid, nil
}
