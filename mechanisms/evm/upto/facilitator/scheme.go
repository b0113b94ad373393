package facilitator

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/x402-io/facilitator"
	"github.com/x402-io/facilitator/mechanisms/evm"
	"github.com/x402-io/facilitator/types"
)

// minDeadlineSkewSeconds mirrors the exact scheme's `validBefore - now >= 6s`
// invariant (spec §3) applied to the upto permit's deadline.
const minDeadlineSkewSeconds = 6

func withinDeadline(deadlineStr string) bool {
	deadline, ok := new(big.Int).SetString(deadlineStr, 10)
	if !ok {
		return false
	}
	now := time.Now().Unix()
	return deadline.Int64() >= now+minDeadlineSkewSeconds
}

// UptoEvmScheme implements the SchemeNetworkFacilitator interface for EVM
// upto payments: an ERC-2612 permit grants a bounded allowance (cap) which
// is drawn down by one or more transferFrom calls across a session, rather
// than a single exact-amount transfer.
type UptoEvmScheme struct {
	signer evm.FacilitatorEvmSigner
}

// NewUptoEvmScheme creates a new UptoEvmScheme.
func NewUptoEvmScheme(signer evm.FacilitatorEvmSigner) *UptoEvmScheme {
	return &UptoEvmScheme{signer: signer}
}

func (f *UptoEvmScheme) Scheme() string {
	return evm.SchemeUpto
}

func (f *UptoEvmScheme) CaipFamily() string {
	return "eip155:*"
}

func (f *UptoEvmScheme) GetExtra(_ x402.Network) map[string]interface{} {
	return nil
}

func (f *UptoEvmScheme) GetSigners(_ x402.Network) []string {
	return f.signer.GetAddresses()
}

// Verify validates an ERC-2612 permit against requirements per spec §4.5.
func (f *UptoEvmScheme) Verify(
	ctx context.Context,
	payload types.PaymentPayload,
	requirements types.PaymentRequirements,
) (*x402.VerifyResponse, error) {
	network := x402.Network(requirements.Network)

	if payload.Accepted.Scheme != evm.SchemeUpto {
		return nil, x402.NewVerifyError("invalid_scheme", "", network, nil)
	}
	if payload.Accepted.Network != requirements.Network {
		return nil, x402.NewVerifyError("network_mismatch", "", network, nil)
	}

	evmPayload, err := evm.UptoPayloadFromMap(payload.Payload)
	if err != nil {
		return nil, x402.NewVerifyError("invalid_upto_evm_payload", "", network, err)
	}
	if evmPayload.Signature == "" {
		return nil, x402.NewVerifyError("missing_signature", "", network, nil)
	}

	config, err := evm.GetNetworkConfig(string(requirements.Network))
	if err != nil {
		return nil, x402.NewVerifyError("invalid_chain_id", "", network, err)
	}

	assetInfo, err := evm.GetAssetInfo(string(requirements.Network), requirements.Asset)
	if err != nil {
		return nil, x402.NewVerifyError("failed_to_get_asset_info", "", network, err)
	}

	owner := evmPayload.Authorization.Owner
	payer := owner

	// spender must be one of the facilitator's own addresses.
	if !f.ownsAddress(evmPayload.Authorization.Spender) {
		return nil, x402.NewVerifyError("spender_not_facilitator", payer, network, nil)
	}

	cap, ok := new(big.Int).SetString(evmPayload.Authorization.Value, 10)
	if !ok {
		return nil, x402.NewVerifyError("invalid_upto_evm_payload", payer, network, nil)
	}

	required, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok {
		return nil, x402.NewVerifyError("invalid_upto_evm_payload", payer, network, nil)
	}
	if cap.Cmp(required) < 0 {
		return nil, x402.NewVerifyError("cap_too_low", payer, network, nil)
	}

	if requirements.Extra != nil {
		if maxRequiredStr, ok := requirements.Extra["maxAmountRequired"].(string); ok && maxRequiredStr != "" {
			maxRequired, ok := new(big.Int).SetString(maxRequiredStr, 10)
			if ok && cap.Cmp(maxRequired) < 0 {
				return nil, x402.NewVerifyError("cap_below_required_max", payer, network, nil)
			}
		}
	}

	deadlineStr := evmPayload.Authorization.Deadline
	if deadlineStr == "" {
		deadlineStr = evmPayload.Authorization.ValidBefore
	}
	if !withinDeadline(deadlineStr) {
		return nil, x402.NewVerifyError("authorization_expired", payer, network, nil)
	}

	tokenName := assetInfo.Name
	tokenVersion := assetInfo.Version
	if requirements.Extra != nil {
		if name, ok := requirements.Extra["name"].(string); ok {
			tokenName = name
		}
		if version, ok := requirements.Extra["version"].(string); ok {
			tokenVersion = version
		}
	}

	signatureBytes, err := evm.HexToBytes(evmPayload.Signature)
	if err != nil {
		return nil, x402.NewVerifyError("invalid_permit_signature", payer, network, err)
	}

	valid, err := f.verifySignature(ctx, evmPayload.Authorization, signatureBytes, config.ChainID, assetInfo.Address, tokenName, tokenVersion)
	if err != nil {
		return nil, x402.NewVerifyError("invalid_permit_signature", payer, network, err)
	}
	if !valid {
		return nil, x402.NewVerifyError("invalid_permit_signature", payer, network, nil)
	}

	return &x402.VerifyResponse{IsValid: true, Payer: owner}, nil
}

// Settle executes permit-then-transferFrom per spec §4.5, falling back to
// reading the existing allowance when the permit reverts (commonly because
// its nonce was already consumed by an earlier settlement in this session).
func (f *UptoEvmScheme) Settle(
	ctx context.Context,
	payload types.PaymentPayload,
	requirements types.PaymentRequirements,
) (*x402.SettleResponse, error) {
	network := x402.Network(payload.Accepted.Network)

	verifyResp, err := f.Verify(ctx, payload, requirements)
	if err != nil {
		return nil, translateVerifyErr(err, network)
	}

	evmPayload, err := evm.UptoPayloadFromMap(payload.Payload)
	if err != nil {
		return nil, x402.NewSettleError("invalid_upto_evm_payload", verifyResp.Payer, network, "", err)
	}

	assetInfo, err := evm.GetAssetInfo(string(requirements.Network), requirements.Asset)
	if err != nil {
		return nil, x402.NewSettleError("failed_to_get_asset_info", verifyResp.Payer, network, "", err)
	}

	signatureBytes, err := evm.HexToBytes(evmPayload.Signature)
	if err != nil {
		return nil, x402.NewSettleError("unsupported_signature_type", verifyResp.Payer, network, "", err)
	}
	if len(signatureBytes) != 65 {
		return nil, x402.NewSettleError("unsupported_signature_type", verifyResp.Payer, network, "", nil)
	}
	r := [32]byte{}
	s := [32]byte{}
	copy(r[:], signatureBytes[0:32])
	copy(s[:], signatureBytes[32:64])
	v := signatureBytes[64]

	totalSpent, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok {
		return nil, x402.NewSettleError("invalid_upto_evm_payload", verifyResp.Payer, network, "", nil)
	}
	cap, _ := new(big.Int).SetString(evmPayload.Authorization.Value, 10)
	if cap != nil && totalSpent.Cmp(cap) > 0 {
		return nil, x402.NewSettleError("total_exceeds_cap", verifyResp.Payer, network, "", nil)
	}

	deadlineStr := evmPayload.Authorization.Deadline
	if deadlineStr == "" {
		deadlineStr = evmPayload.Authorization.ValidBefore
	}
	deadline, _ := new(big.Int).SetString(deadlineStr, 10)
	if deadline == nil {
		deadline = big.NewInt(0)
	}

	owner := common.HexToAddress(evmPayload.Authorization.Owner)
	spender := common.HexToAddress(evmPayload.Authorization.Spender)

	_, permitErr := f.signer.WriteContract(
		ctx,
		assetInfo.Address,
		evm.ERC2612PermitABI,
		evm.FunctionPermit,
		owner,
		spender,
		cap,
		deadline,
		v,
		r,
		s,
	)

	if permitErr != nil {
		allowance, allowErr := f.readAllowance(ctx, assetInfo.Address, owner, spender)
		if allowErr != nil {
			return nil, x402.NewSettleError("permit_failed", verifyResp.Payer, network, "", allowErr)
		}
		if allowance.Cmp(totalSpent) < 0 {
			return nil, x402.NewSettleError("insufficient_allowance", verifyResp.Payer, network, "", permitErr)
		}
	}

	payTo := common.HexToAddress(requirements.PayTo)
	txHash, err := f.signer.WriteContract(
		ctx,
		assetInfo.Address,
		evm.ERC2612TransferFromABI,
		evm.FunctionTransferFrom,
		owner,
		payTo,
		totalSpent,
	)
	if err != nil {
		return nil, x402.NewSettleError("transaction_failed", verifyResp.Payer, network, "", err)
	}

	receipt, err := f.signer.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, x402.NewSettleError("transaction_failed", verifyResp.Payer, network, txHash, err)
	}
	if receipt.Status != evm.TxStatusSuccess {
		return nil, x402.NewSettleError("invalid_transaction_state", verifyResp.Payer, network, txHash, nil)
	}

	return &x402.SettleResponse{
		Success:     true,
		Transaction: txHash,
		Network:     network,
		Payer:       verifyResp.Payer,
	}, nil
}

func (f *UptoEvmScheme) readAllowance(ctx context.Context, tokenAddress string, owner, spender common.Address) (*big.Int, error) {
	result, err := f.signer.ReadContract(ctx, tokenAddress, evm.ERC2612AllowanceABI, evm.FunctionAllowance, owner, spender)
	if err != nil {
		return nil, err
	}
	allowance, ok := result.(*big.Int)
	if !ok {
		return big.NewInt(0), nil
	}
	return allowance, nil
}

func (f *UptoEvmScheme) ownsAddress(address string) bool {
	for _, owned := range f.signer.GetAddresses() {
		if strings.EqualFold(owned, address) {
			return true
		}
	}
	return false
}

func (f *UptoEvmScheme) verifySignature(
	ctx context.Context,
	authorization evm.UptoEIP2612Authorization,
	signature []byte,
	chainID *big.Int,
	verifyingContract string,
	tokenName string,
	tokenVersion string,
) (bool, error) {
	hash, err := evm.HashERC2612Permit(authorization, chainID, verifyingContract, tokenName, tokenVersion)
	if err != nil {
		return false, err
	}

	var hash32 [32]byte
	copy(hash32[:], hash)

	valid, _, err := evm.VerifyUniversalSignature(ctx, f.signer, authorization.Owner, hash32, signature, true)
	return valid, err
}

func translateVerifyErr(err error, network x402.Network) error {
	if ve, ok := err.(*x402.VerifyError); ok {
		return x402.NewSettleError(ve.Reason, ve.Payer, ve.Network, "", ve.Err)
	}
	return x402.NewSettleError("verification_failed", "", network, "", err)
}
