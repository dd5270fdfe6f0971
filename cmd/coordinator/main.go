package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"agentmarket-backend/coordinator"
	"agentmarket-backend/dispatch"
	"agentmarket-backend/escrow"
	"agentmarket-backend/identity"
	"agentmarket-backend/mcpsrv"
	"agentmarket-backend/metrics"
	"agentmarket-backend/server"
	scstore "agentmarket-backend/storage/market"
)

type config struct {
	Port                 string
	StoreDriver          string
	StoreURI             string
	EscrowBackend        string
	EscrowSigner         string
	EscrowContract       string
	EscrowRPC            string
	EscrowChainID        int64
	EscrowExplorer       string
	EscrowCustodialSink  string
	IdentityBackend      string
	IdentityBackendURL   string
	IdentitySigner       string
	IdentityRegistrar    string
	IdentityChainID      int64
	IdentityParentNS     string
	MaxConcurrentSettles int
	EscrowRetryMax       int
	EscrowRetryBase      time.Duration
	ReconcileInterval    time.Duration
	MCPEnabled           bool
}

func loadConfig() config {
	return config{
		Port:                 envDefault("PORT", "3001"),
		StoreDriver:          envDefault("STORE_DRIVER", "memory"), // memory | postgres
		StoreURI:             os.Getenv("STORE_URI"),
		EscrowBackend:        envDefault("ESCROW_BACKEND", "simulated"), // onchain | channel | simulated
		EscrowSigner:         os.Getenv("ESCROW_SIGNER"),
		EscrowContract:       os.Getenv("ESCROW_CONTRACT"),
		EscrowRPC:            os.Getenv("ESCROW_RPC"),
		EscrowChainID:        envInt64("ESCROW_CHAIN_ID", 1),
		EscrowExplorer:       os.Getenv("ESCROW_EXPLORER"),
		EscrowCustodialSink:  os.Getenv("ESCROW_CUSTODIAL_SINK"),
		IdentityBackend:      envDefault("IDENTITY_BACKEND", "simulated"), // ens | simulated
		IdentityBackendURL:   os.Getenv("IDENTITY_BACKEND_URL"),
		IdentitySigner:       os.Getenv("IDENTITY_SIGNER"),
		IdentityRegistrar:    os.Getenv("IDENTITY_REGISTRAR"),
		IdentityChainID:      envInt64("IDENTITY_CHAIN_ID", 1),
		IdentityParentNS:     os.Getenv("IDENTITY_PARENT_NAMESPACE"),
		MaxConcurrentSettles: envInt("MAX_CONCURRENT_SETTLEMENTS", 8),
		EscrowRetryMax:       envInt("ESCROW_RETRY_MAX", 5),
		EscrowRetryBase:      time.Duration(envInt("ESCROW_RETRY_BASE_MS", 500)) * time.Millisecond,
		ReconcileInterval:    time.Duration(envInt("RECONCILE_INTERVAL_SEC", 60)) * time.Second,
		MCPEnabled:           os.Getenv("MCP_ENABLED") == "true",
	}
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v > 0 {
			return v
		}
	}
	return def
}

func buildStore(ctx context.Context, cfg config) (scstore.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		if cfg.StoreURI == "" {
			log.Fatal("STORE_URI required when STORE_DRIVER=postgres")
		}
		return scstore.NewPGStore(ctx, cfg.StoreURI)
	default:
		return scstore.NewMemoryStore(), nil
	}
}

func buildEscrow(cfg config) (escrow.Adapter, bool, error) {
	switch cfg.EscrowBackend {
	case "onchain":
		adapter, err := escrow.NewOnchain(escrow.OnchainConfig{
			RPCURL:      cfg.EscrowRPC,
			Contract:    cfg.EscrowContract,
			ChainID:     cfg.EscrowChainID,
			SignerHex:   cfg.EscrowSigner,
			ExplorerURL: cfg.EscrowExplorer,
		})
		if err != nil {
			return nil, false, err
		}
		return adapter, adapter.Custodial(), nil
	case "channel":
		return escrow.NewChannel(envDefault("ESCROW_CHANNEL_ID", "main"), envInt64("ESCROW_CHANNEL_CAPACITY", 0)), true, nil
	default:
		return escrow.NewSimulated(), cfg.EscrowSigner != "", nil
	}
}

func buildIdentity(cfg config) (identity.Adapter, error) {
	switch cfg.IdentityBackend {
	case "ens":
		return identity.NewENS(identity.ENSConfig{
			RPCURL:          cfg.IdentityBackendURL,
			Registrar:       cfg.IdentityRegistrar,
			ChainID:         cfg.IdentityChainID,
			SignerHex:       cfg.IdentitySigner,
			ParentNamespace: cfg.IdentityParentNS,
		})
	default:
		return identity.NewSimulated(), nil
	}
}

func main() {
	cfg := loadConfig()
	ctx := context.Background()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	defer store.Close()

	escrowAdapter, custodial, err := buildEscrow(cfg)
	if err != nil {
		log.Fatalf("failed to init escrow backend: %v", err)
	}
	identityAdapter, err := buildIdentity(cfg)
	if err != nil {
		log.Fatalf("failed to init identity backend: %v", err)
	}
	lockedIdentity := identity.NewLocked(identityAdapter)

	met := metrics.New()
	dispatcher := dispatch.New(store, escrowAdapter, lockedIdentity, met, dispatch.Config{
		MaxConcurrent:     cfg.MaxConcurrentSettles,
		RetryMax:          cfg.EscrowRetryMax,
		RetryBase:         cfg.EscrowRetryBase,
		ReconcileInterval: cfg.ReconcileInterval,
		CustodialSink:     cfg.EscrowCustodialSink,
		CustodialDeposits: custodial,
	})
	dispatcher.Start()
	defer dispatcher.Stop()

	svc := coordinator.New(store, escrowAdapter, lockedIdentity, dispatcher, coordinator.Config{
		CustodialEscrow: custodial,
	})

	mux := http.NewServeMux()
	srv := server.NewServer(svc, met)
	srv.RegisterRoutes(mux)

	if cfg.MCPEnabled {
		go func() {
			mcpSrv := mcpsrv.NewMCPServer(svc)
			log.Printf("MCP tool surface serving on stdio")
			if err := mcpserver.ServeStdio(mcpSrv.GetMCPServer()); err != nil {
				log.Printf("mcp server stopped: %v", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}
	go func() {
		log.Printf("coordinator listening on :%s (store=%s escrow=%s identity=%s)",
			cfg.Port, cfg.StoreDriver, cfg.EscrowBackend, cfg.IdentityBackend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}
