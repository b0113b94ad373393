package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// UptoEIP2612Authorization represents an ERC-2612 Permit message used by the
// upto scheme: a bounded allowance grant (cap) with a deadline, rather than a
// single-use transfer authorization.
type UptoEIP2612Authorization struct {
	Owner    string `json:"from"`     // permit signer / payer (EIP-712 "owner")
	Spender  string `json:"to"`       // facilitator address (EIP-712 "spender")
	Value    string `json:"value"`    // cap, smallest-unit integer as string
	Nonce    string `json:"nonce"`    // ERC-2612 nonce, decimal string
	Deadline string `json:"deadline"` // unix timestamp as string

	// ValidBefore mirrors Deadline for parity with the exact payload shape;
	// some clients populate this field name instead of "deadline".
	ValidBefore string `json:"validBefore,omitempty"`
}

// UptoEIP2612Payload is the upto scheme's PaymentPayload.payload shape.
type UptoEIP2612Payload struct {
	Signature     string                    `json:"signature,omitempty"`
	Authorization UptoEIP2612Authorization `json:"authorization"`
}

// ToMap converts an UptoEIP2612Payload to a map for JSON marshaling.
func (p *UptoEIP2612Payload) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"authorization": map[string]interface{}{
			"from":     p.Authorization.Owner,
			"to":       p.Authorization.Spender,
			"value":    p.Authorization.Value,
			"nonce":    p.Authorization.Nonce,
			"deadline": p.deadline(),
		},
	}
	if p.Signature != "" {
		result["signature"] = p.Signature
	}
	return result
}

func (p *UptoEIP2612Payload) deadline() string {
	if p.Authorization.Deadline != "" {
		return p.Authorization.Deadline
	}
	return p.Authorization.ValidBefore
}

// UptoPayloadFromMap creates an UptoEIP2612Payload from a decoded JSON map.
func UptoPayloadFromMap(data map[string]interface{}) (*UptoEIP2612Payload, error) {
	payload := &UptoEIP2612Payload{}

	if sig, ok := data["signature"].(string); ok {
		payload.Signature = sig
	}

	auth, ok := data["authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing authorization in upto payload")
	}

	if owner, ok := auth["from"].(string); ok {
		payload.Authorization.Owner = owner
	}
	if spender, ok := auth["to"].(string); ok {
		payload.Authorization.Spender = spender
	}
	if value, ok := auth["value"].(string); ok {
		payload.Authorization.Value = value
	}
	if nonce, ok := auth["nonce"].(string); ok {
		payload.Authorization.Nonce = nonce
	}
	if deadline, ok := auth["deadline"].(string); ok {
		payload.Authorization.Deadline = deadline
	}
	if validBefore, ok := auth["validBefore"].(string); ok {
		payload.Authorization.ValidBefore = validBefore
	}

	return payload, nil
}

// HashERC2612Permit hashes an ERC-2612 Permit message for EIP-712
// verification against the token's domain.
func HashERC2612Permit(
	authorization UptoEIP2612Authorization,
	chainID *big.Int,
	verifyingContract string,
	tokenName string,
	tokenVersion string,
) ([]byte, error) {
	domain := TypedDataDomain{
		Name:              tokenName,
		Version:           tokenVersion,
		ChainID:           chainID,
		VerifyingContract: verifyingContract,
	}

	types := map[string][]TypedDataField{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"Permit": {
			{Name: "owner", Type: "address"},
			{Name: "spender", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
			{Name: "deadline", Type: "uint256"},
		},
	}

	value, ok := new(big.Int).SetString(authorization.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid permit value: %s", authorization.Value)
	}
	nonce, ok := new(big.Int).SetString(authorization.Nonce, 10)
	if !ok {
		return nil, fmt.Errorf("invalid permit nonce: %s", authorization.Nonce)
	}
	deadlineStr := authorization.Deadline
	if deadlineStr == "" {
		deadlineStr = authorization.ValidBefore
	}
	deadline, ok := new(big.Int).SetString(deadlineStr, 10)
	if !ok {
		return nil, fmt.Errorf("invalid permit deadline: %s", deadlineStr)
	}

	owner := common.HexToAddress(authorization.Owner).Hex()
	spender := common.HexToAddress(authorization.Spender).Hex()

	message := map[string]interface{}{
		"owner":    owner,
		"spender":  spender,
		"value":    value,
		"nonce":    nonce,
		"deadline": deadline,
	}

	return HashTypedData(domain, types, "Permit", message)
}
