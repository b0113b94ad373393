package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the facilitator service
type Config struct {
	// Server
	Port        int
	Environment string

	// Auth
	BearerTokens []string
	AuthRealm    string

	// Tracking
	DatabaseURL                   string
	TrackingAllowInMemoryFallback bool

	// Redis
	RedisURL string

	// Rate Limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// EVM Configuration
	EvmPrivateKey string
	EthRPC        string
	ArbitrumRPC   string
	BaseRPC       string
	OptimismRPC   string
	InkRPC        string
	BerachainRPC  string
	UnichainRPC   string

	// TON Configuration
	TonMnemonic    string
	TonRPC         string
	TonTestnetRPC  string

	// TRON Configuration
	TronPrivateKey string
	TronRPC        string

	// Solana Configuration
	SvmPrivateKey string
	SolanaRPC     string

	// Coinbase Developer Platform credentials, an alternative to raw private
	// keys for signing (§6). Either this trio or EvmPrivateKey/SvmPrivateKey
	// is expected to be set; which one wins is a factory-construction
	// decision, not config's.
	CDPAPIKeyID     string
	CDPAPIKeySecret string
	CDPWalletSecret string

	// Provider API keys used in the RPC resolution precedence (§6):
	// explicit per-network URL > Alchemy > Infura > public fallback (EVM),
	// explicit > Helius > public (SVM), explicit > Alchemy > public (Starknet).
	AlchemyAPIKey string
	InfuraAPIKey  string
	HeliusAPIKey  string
}

// evmPublicRPC is the last-resort public endpoint per network, used when no
// explicit URL and no provider API key is configured.
var evmPublicRPC = map[string]string{
	"eip155:1":     "https://eth.llamarpc.com",
	"eip155:42161": "https://arb1.arbitrum.io/rpc",
	"eip155:8453":  "https://mainnet.base.org",
	"eip155:84532": "https://sepolia.base.org",
	"eip155:10":    "https://mainnet.optimism.io",
}

// alchemySubdomain maps a network to the subdomain Alchemy expects in
// https://<subdomain>.g.alchemy.com/v2/<key>.
var alchemySubdomain = map[string]string{
	"eip155:1":     "eth-mainnet",
	"eip155:42161": "arb-mainnet",
	"eip155:8453":  "base-mainnet",
	"eip155:84532": "base-sepolia",
	"eip155:10":    "opt-mainnet",
}

// infuraSubdomain maps a network to the subdomain Infura expects in
// https://<subdomain>.infura.io/v3/<key>.
var infuraSubdomain = map[string]string{
	"eip155:1":     "mainnet",
	"eip155:42161": "arbitrum-mainnet",
	"eip155:8453":  "base-mainnet",
	"eip155:84532": "base-sepolia",
	"eip155:10":    "optimism-mainnet",
}

// evmNetworkEnvSuffix maps "eip155:8453" to the EVM_RPC_URL_BASE-style
// suffix used for explicit per-network overrides; networks not listed here
// have no explicit override variable.
var evmNetworkEnvSuffix = map[string]string{
	"eip155:1":     "ETH",
	"eip155:42161": "ARBITRUM",
	"eip155:8453":  "BASE",
	"eip155:84532": "BASE_SEPOLIA",
	"eip155:10":    "OPTIMISM",
}

// ResolveEVMRPC implements the §6 precedence for a CAIP-2 EVM network:
// explicit EVM_RPC_URL_<NETWORK> env var, then Alchemy, then Infura, then
// the public fallback. Returns "" if none apply.
func (c *Config) ResolveEVMRPC(network string) string {
	if suffix, ok := evmNetworkEnvSuffix[network]; ok {
		if explicit := getEnv("EVM_RPC_URL_"+suffix, ""); explicit != "" {
			return explicit
		}
	}
	if c.AlchemyAPIKey != "" {
		if sub, ok := alchemySubdomain[network]; ok {
			return fmt.Sprintf("https://%s.g.alchemy.com/v2/%s", sub, c.AlchemyAPIKey)
		}
	}
	if c.InfuraAPIKey != "" {
		if sub, ok := infuraSubdomain[network]; ok {
			return fmt.Sprintf("https://%s.infura.io/v3/%s", sub, c.InfuraAPIKey)
		}
	}
	return evmPublicRPC[network]
}

// Load loads configuration from environment variables
func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	return &Config{
		// Server
		Port:        getEnvInt("PORT", 8090),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Auth
		BearerTokens: parseBearerTokens(),
		AuthRealm:    getEnv("AUTH_REALM", "facilitator"),

		// Tracking
		DatabaseURL:                   getEnv("DATABASE_URL", ""),
		TrackingAllowInMemoryFallback: getEnv("TRACKING_ALLOW_IN_MEMORY_FALLBACK", "") == "true",

		// Redis
		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379"),

		// Rate Limiting
		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 1000),
		RateLimitWindow:   time.Duration(getEnvInt("RATE_LIMIT_WINDOW", 60)) * time.Second,

		// EVM Configuration
		EvmPrivateKey: getEnv("EVM_PRIVATE_KEY", ""),
		EthRPC:        getEnv("ETH_RPC", "https://eth.llamarpc.com"),
		ArbitrumRPC:   getEnv("ARBITRUM_RPC", "https://arb1.arbitrum.io/rpc"),
		BaseRPC:       getEnv("BASE_RPC", "https://mainnet.base.org"),
		OptimismRPC:   getEnv("OPTIMISM_RPC", "https://mainnet.optimism.io"),
		InkRPC:        getEnv("INK_RPC", "https://rpc-gel.inkonchain.com"),
		BerachainRPC:  getEnv("BERACHAIN_RPC", "https://bartio.rpc.berachain.com"),
		UnichainRPC:   getEnv("UNICHAIN_RPC", "https://mainnet.unichain.org"),

		// TON Configuration
		TonMnemonic:   getEnv("TON_MNEMONIC", ""),
		TonRPC:        getEnv("TON_RPC", "https://toncenter.com/api/v2/jsonRPC"),
		TonTestnetRPC: getEnv("TON_TESTNET_RPC", "https://testnet.toncenter.com/api/v2/jsonRPC"),

		// TRON Configuration
		TronPrivateKey: getEnv("TRON_PRIVATE_KEY", ""),
		TronRPC:        getEnv("TRON_RPC", "https://api.trongrid.io"),

		// Solana Configuration
		SvmPrivateKey: getEnv("SVM_PRIVATE_KEY", ""),
		SolanaRPC:     getEnv("SOLANA_RPC", "https://api.mainnet-beta.solana.com"),

		// CDP credentials
		CDPAPIKeyID:     getEnv("CDP_API_KEY_ID", ""),
		CDPAPIKeySecret: getEnv("CDP_API_KEY_SECRET", ""),
		CDPWalletSecret: getEnv("CDP_WALLET_SECRET", ""),

		// RPC provider keys
		AlchemyAPIKey: getEnv("ALCHEMY_API_KEY", ""),
		InfuraAPIKey:  getEnv("INFURA_API_KEY", ""),
		HeliusAPIKey:  getEnv("HELIUS_API_KEY", ""),
	}
}

// Validate returns an error if the configuration cannot safely start the
// service, matching the spec's exit-code-1 contract: missing bearer tokens
// is always fatal; a DATABASE_URL that turns out unreachable is handled by
// the tracking backend initializer, not here.
func (c *Config) Validate() error {
	if len(c.BearerTokens) == 0 {
		return fmt.Errorf("no bearer tokens configured: set BEARER_TOKEN or BEARER_TOKENS")
	}
	return nil
}

func parseBearerTokens() []string {
	raw := getEnv("BEARER_TOKENS", "")
	if raw == "" {
		raw = getEnv("BEARER_TOKEN", "")
	}
	if raw == "" {
		return nil
	}

	var tokens []string
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
