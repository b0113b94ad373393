// Package evm implements evm.FacilitatorEvmSigner against a real JSON-RPC
// endpoint using an ECDSA key held in process memory.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	x402evm "github.com/x402-io/facilitator/mechanisms/evm"
)

// FacilitatorSigner implements x402evm.FacilitatorEvmSigner over a single
// ECDSA key and a JSON-RPC client. It is the signer the facilitator uses to
// read contract state, submit settlement transactions, and verify the
// typed-data signatures it is handed by clients.
type FacilitatorSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	client     *ethclient.Client
	chainID    *big.Int
}

// NewFacilitatorSigner dials rpcURL and derives the signer's address from
// privateKeyHex (a hex-encoded secp256k1 key, with or without "0x" prefix).
func NewFacilitatorSigner(ctx context.Context, privateKeyHex, rpcURL string) (*FacilitatorSigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", rpcURL, err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chain id: %w", err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected public key type")
	}

	return &FacilitatorSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKey),
		client:     client,
		chainID:    chainID,
	}, nil
}

// GetAddresses returns the single address this signer can sign with.
func (s *FacilitatorSigner) GetAddresses() []string {
	return []string{s.address.Hex()}
}

// GetChainID returns the chain ID of the connected RPC endpoint.
func (s *FacilitatorSigner) GetChainID(ctx context.Context) (*big.Int, error) {
	return s.chainID, nil
}

// VerifyTypedData hashes the given EIP-712 domain/types/message and checks
// the signature against address, accepting EOA, EIP-1271, and ERC-6492
// (undeployed smart wallet) signatures via the shared universal verifier.
func (s *FacilitatorSigner) VerifyTypedData(
	ctx context.Context,
	address string,
	domain x402evm.TypedDataDomain,
	fields map[string][]x402evm.TypedDataField,
	primaryType string,
	message map[string]interface{},
	signature []byte,
) (bool, error) {
	hash, err := x402evm.HashTypedData(domain, fields, primaryType, message)
	if err != nil {
		return false, err
	}
	var hash32 [32]byte
	copy(hash32[:], hash)

	valid, _, err := x402evm.VerifyUniversalSignature(ctx, s, address, hash32, signature, true)
	return valid, err
}

// ReadContract packs a call, performs it via eth_call, and unpacks a single
// return value.
func (s *FacilitatorSigner) ReadContract(ctx context.Context, address string, contractABI []byte, functionName string, args ...interface{}) (interface{}, error) {
	parsed, err := abi.JSON(strings.NewReader(string(contractABI)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	data, err := parsed.Pack(functionName, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack call: %w", err)
	}

	to := common.HexToAddress(address)
	result, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call failed: %w", err)
	}

	if len(result) == 0 {
		switch functionName {
		case x402evm.FunctionAuthorizationState:
			return false, nil
		case "balanceOf", x402evm.FunctionAllowance, x402evm.FunctionNonces:
			return big.NewInt(0), nil
		}
		return nil, nil
	}

	outputs, err := parsed.Unpack(functionName, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack result: %w", err)
	}
	if len(outputs) == 1 {
		return outputs[0], nil
	}
	return outputs, nil
}

// WriteContract packs and submits a legacy (non-EIP-1559) transaction and
// returns its hash without waiting for inclusion.
func (s *FacilitatorSigner) WriteContract(ctx context.Context, address string, contractABI []byte, functionName string, args ...interface{}) (string, error) {
	parsed, err := abi.JSON(strings.NewReader(string(contractABI)))
	if err != nil {
		return "", fmt.Errorf("failed to parse ABI: %w", err)
	}

	data, err := parsed.Pack(functionName, args...)
	if err != nil {
		return "", fmt.Errorf("failed to pack call: %w", err)
	}

	return s.sendRawTx(ctx, common.HexToAddress(address), data)
}

// SendTransaction sends pre-encoded calldata directly, used for smart wallet
// factory deployments where the payload already contains the function
// selector.
func (s *FacilitatorSigner) SendTransaction(ctx context.Context, to string, data []byte) (string, error) {
	return s.sendRawTx(ctx, common.HexToAddress(to), data)
}

func (s *FacilitatorSigner) sendRawTx(ctx context.Context, to common.Address, data []byte) (string, error) {
	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", fmt.Errorf("failed to fetch nonce: %w", err)
	}

	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch gas price: %w", err)
	}

	const fixedGasLimit = 300000
	tx := types.NewTransaction(nonce, to, big.NewInt(0), fixedGasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	return signedTx.Hash().Hex(), nil
}

// WaitForTransactionReceipt polls for a mined receipt, timing out after 30s.
func (s *FacilitatorSigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (*x402evm.TransactionReceipt, error) {
	hash := common.HexToHash(txHash)

	for i := 0; i < 30; i++ {
		receipt, err := s.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return &x402evm.TransactionReceipt{
				Status:      receipt.Status,
				BlockNumber: receipt.BlockNumber.Uint64(),
				TxHash:      receipt.TxHash.Hex(),
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	return nil, fmt.Errorf("timed out waiting for receipt of %s", txHash)
}

// GetBalance returns the native balance when tokenAddress is "native", or
// the ERC-20 balanceOf otherwise.
func (s *FacilitatorSigner) GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error) {
	account := common.HexToAddress(address)

	if tokenAddress == "" || tokenAddress == "native" {
		return s.client.BalanceAt(ctx, account, nil)
	}

	balanceOfABI := []byte(`[{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`)
	result, err := s.ReadContract(ctx, tokenAddress, balanceOfABI, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	balance, ok := result.(*big.Int)
	if !ok {
		return big.NewInt(0), nil
	}
	return balance, nil
}

// GetCode returns the bytecode at address, empty for EOAs.
func (s *FacilitatorSigner) GetCode(ctx context.Context, address string) ([]byte, error) {
	return s.client.CodeAt(ctx, common.HexToAddress(address), nil)
}
