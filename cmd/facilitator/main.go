package main

import (
	"context"
	"encoding/json"
	"log"
	"time"

	x402 "github.com/x402-io/facilitator"
	"github.com/x402-io/facilitator/internal/cache"
	"github.com/x402-io/facilitator/internal/config"
	"github.com/x402-io/facilitator/internal/factory"
	"github.com/x402-io/facilitator/internal/server"
	"github.com/x402-io/facilitator/internal/tracking"
	"github.com/x402-io/facilitator/internal/upto"
	evmsigner "github.com/x402-io/facilitator/signers/evm"
)

// evmNetworks is the set of CAIP-2 networks a single EVM signer is
// registered against, mirroring the teacher's networkInfo list.
var evmNetworks = []string{
	"eip155:1",
	"eip155:42161",
	"eip155:8453",
	"eip155:10",
}

func main() {
	cfg := config.Load()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Printf("Starting x402 Facilitator Service")
	log.Printf("Environment: %s", cfg.Environment)
	log.Printf("Port: %d", cfg.Port)

	redisClient, err := cache.NewClient(cfg.RedisURL)
	if err != nil {
		log.Printf("Warning: Redis connection failed: %v", err)
		log.Printf("Continuing without Redis (upto sessions held in memory, no sweeper lock)")
		redisClient = nil
	} else {
		log.Printf("Redis connected: %s", cfg.RedisURL)
	}

	trackingStore, closeTracking := setupTrackingStore(cfg)
	trackingEngine := tracking.NewEngine(trackingStore, func(err error, recordID string) {
		log.Printf("tracking: async operation failed for record %s: %v", recordID, err)
	})

	pruneCtx, cancelPrune := context.WithCancel(context.Background())
	trackingEngine.StartAutoPrune(pruneCtx, 90*24*time.Hour)

	// uptoStore backs the session sweeper below. Session accrual itself
	// (upto.Tracker) is a resource-server-side concern, wired through
	// http.HTTPResourceServer.WithUptoTracker in the SDK consuming this
	// facilitator, not here.
	uptoStore := setupUptoStore(redisClient)

	engine, err := setupFacilitator(cfg)
	if err != nil {
		log.Fatalf("Failed to setup facilitator: %v", err)
	}

	sweeperCtx, cancelSweeper := context.WithCancel(context.Background())
	startSweeper(sweeperCtx, uptoStore, redisClient, engine)

	srv := server.New(engine, redisClient, cfg, trackingEngine)
	srv.SetShutdownHook(func() {
		cancelPrune()
		cancelSweeper()
		if closeTracking != nil {
			if err := closeTracking(); err != nil {
				log.Printf("tracking: error closing store: %v", err)
			}
		}
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				log.Printf("redis: error closing client: %v", err)
			}
		}
	})
	srv.Start()
}

// setupTrackingStore picks the SQL-backed audit store when DATABASE_URL is
// set, falling back to the in-memory store only when explicitly allowed
// (§6). A close func is returned for graceful shutdown; nil when the store
// has nothing to release.
func setupTrackingStore(cfg *config.Config) (tracking.Store, func() error) {
	if cfg.DatabaseURL == "" {
		log.Printf("DATABASE_URL not set, using in-memory tracking store")
		return tracking.NewMemoryStore(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := tracking.NewSQLStore(ctx, cfg.DatabaseURL)
	if err != nil {
		if cfg.TrackingAllowInMemoryFallback {
			log.Printf("Warning: tracking DB init failed (%v), falling back to in-memory store", err)
			return tracking.NewMemoryStore(), nil
		}
		log.Fatalf("Failed to initialize tracking database: %v", err)
	}

	log.Printf("Tracking store: postgres")
	return store, store.Close
}

// setupUptoStore uses Redis for upto session state when available, so
// sessions survive a restart and multiple replicas see the same sessions;
// otherwise it falls back to a single-process in-memory store.
func setupUptoStore(redisClient *cache.Client) upto.Store {
	if redisClient == nil {
		return upto.NewMemoryStore()
	}
	return upto.NewRedisStore(context.Background(), redisClient)
}

// startSweeper runs the upto session sweeper in the background, guarded by
// a distributed lock when Redis is available so only one replica sweeps.
func startSweeper(ctx context.Context, store upto.Store, redisClient *cache.Client, engine *x402.Engine) {
	var lock upto.Lock = &upto.NoopLock{}
	if redisClient != nil {
		lock = upto.NewRedisLock(redisClient, "x402:upto:sweeper", 30*time.Second)
	}

	sweeper := upto.NewSweeper(store, &engineSettler{engine: engine}, lock, upto.DefaultSweeperConfig())
	go sweeper.Run(ctx)
}

// engineSettler adapts the facilitator engine's byte-oriented Settle to the
// upto.Settler interface the sweeper drives with a session's stored,
// already-typed payload/requirements.
type engineSettler struct {
	engine *x402.Engine
}

func (e *engineSettler) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	requirementsBytes, err := json.Marshal(requirements)
	if err != nil {
		return nil, err
	}
	return e.engine.Settle(ctx, payloadBytes, requirementsBytes)
}

// setupFacilitator builds the wired engine from configuration using
// internal/factory, mirroring the teacher's setupFacilitator but driven by
// declarative config instead of inline per-network Register calls.
func setupFacilitator(cfg *config.Config) (*x402.Engine, error) {
	var evmSigners []factory.EvmSignerConfig

	if cfg.EvmPrivateKey != "" {
		rpc := cfg.ResolveEVMRPC("eip155:8453")
		if rpc == "" {
			rpc = cfg.BaseRPC
		}

		signer, err := evmsigner.NewFacilitatorSigner(context.Background(), cfg.EvmPrivateKey, rpc)
		if err != nil {
			return nil, err
		}

		var networks []x402.Network
		for _, n := range evmNetworks {
			networks = append(networks, x402.Network(n))
		}

		evmSigners = append(evmSigners, factory.EvmSignerConfig{
			Signer:     signer,
			Networks:   networks,
			RegisterV1: true,
			V1NetworkNames: map[x402.Network]string{
				"eip155:8453": "base",
				"eip155:1":    "ethereum",
			},
		})
	} else {
		log.Printf("Warning: EVM_PRIVATE_KEY not set, no EVM schemes registered")
	}

	return factory.Build(factory.Config{
		EvmSigners: evmSigners,
		Hooks: factory.HooksConfig{
			OnAfterVerify: func(c x402.FacilitatorVerifyResultContext) error {
				log.Printf("verify: network=%s scheme=%s valid=%v", c.Requirements.GetNetwork(), c.Requirements.GetScheme(), c.Result.IsValid)
				return nil
			},
			OnAfterSettle: func(c x402.FacilitatorSettleResultContext) error {
				log.Printf("settle: network=%s success=%v tx=%s", c.Result.Network, c.Result.Success, c.Result.Transaction)
				return nil
			},
			OnVerifyFailure: func(c x402.FacilitatorVerifyFailureContext) (*x402.FacilitatorVerifyFailureHookResult, error) {
				log.Printf("verify failed: network=%s reason=%v", c.Requirements.GetNetwork(), c.Error)
				return nil, nil
			},
			OnSettleFailure: func(c x402.FacilitatorSettleFailureContext) (*x402.FacilitatorSettleFailureHookResult, error) {
				log.Printf("settle failed: network=%s reason=%v", c.Requirements.GetNetwork(), c.Error)
				return nil, nil
			},
		},
	})
}
