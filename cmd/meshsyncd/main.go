package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"meshsync/coap"
	"meshsync/config"
	"meshsync/gossip"
	"meshsync/mesh"
	"meshsync/network"
	"meshsync/observability/logging"
	otelobs "meshsync/observability/otel"
	"meshsync/secure"
	"meshsync/storage"
)

const (
	envName        = "MESHSYNC_ENV"
	otelHeadersEnv = "MESHSYNC_OTEL_HEADERS"
)

func main() {
	configFile := flag.String("config", "./meshsync.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	env := strings.TrimSpace(os.Getenv(envName))
	logger := logging.Setup(logging.Options{
		Service: "meshsyncd",
		Env:     env,
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
	}).With("instance", uuid.NewString())

	logger.Info("starting node",
		"node", cfg.NodeID,
		"addr", cfg.ListenAddress,
		"mode", cfg.Security.Mode,
		logging.MaskField("psk_key", cfg.Security.PSKKey),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.OTLPEndpoint != "" {
		shutdown, err := otelobs.Init(ctx, otelobs.Config{
			ServiceName: "meshsyncd",
			Environment: env,
			Endpoint:    cfg.Telemetry.OTLPEndpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     otelobs.ParseHeaders(os.Getenv(otelHeadersEnv)),
		})
		if err != nil {
			logger.Error("telemetry init failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		panic(fmt.Sprintf("Failed to prepare data directory: %v", err))
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "records"))
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()
	store := storage.NewStore(db)

	sessions, err := buildSessionManager(cfg, logger)
	if err != nil {
		panic(fmt.Sprintf("Failed to build session manager: %v", err))
	}

	transport, err := coap.NewTransport(coap.Config{BindAddress: cfg.ListenAddress}, logger)
	if err != nil {
		panic(fmt.Sprintf("Failed to bind transport: %v", err))
	}

	gossipMgr := gossip.NewManager(gossip.ManagerConfig{
		LoopDelay:       time.Duration(cfg.Gossip.LoopDelaySeconds) * time.Second,
		BandwidthMbps:   cfg.Gossip.BandwidthMbps,
		QueueCapacity:   cfg.Gossip.QueueCapacity,
		BloomResetAfter: time.Duration(cfg.Gossip.BloomResetHours) * time.Hour,
	}, logger)
	relay := mesh.NewRelay(cfg.Mesh.SeenCapacity, logger)

	coordinator, err := network.NewCoordinator(network.Config{
		NodeID:           cfg.NodeID,
		MaxPeersPerRound: cfg.Gossip.MaxPeersPerRound,
		RelayTTL:         uint8(cfg.Mesh.RelayTTL),
	}, transport, sessions, gossipMgr, relay, store, store, logger)
	if err != nil {
		panic(fmt.Sprintf("Failed to build coordinator: %v", err))
	}
	for _, peer := range cfg.Peers {
		coordinator.AddPeer(peer)
	}

	coordinator.Start()
	defer func() {
		if err := coordinator.Close(); err != nil {
			logger.Warn("coordinator shutdown failed", "error", err)
		}
	}()

	discovery, err := coap.NewDiscovery(transport, 0, logger)
	if err != nil {
		logger.Warn("discovery unavailable", "error", err)
	} else {
		discovery.Start()
		defer discovery.Close()
	}

	logger.Info("node ready", "peers", len(cfg.Peers))
	<-ctx.Done()
	logger.Info("shutting down")
}

func buildSessionManager(cfg *config.Config, logger *slog.Logger) (*secure.Manager, error) {
	mode, err := cfg.SecurityMode()
	if err != nil {
		return nil, err
	}
	secCfg := secure.Config{
		Mode:           mode,
		PSKIdentity:    cfg.Security.PSKIdentity,
		VerifyPeer:     cfg.Security.VerifyPeer,
		SessionTimeout: time.Duration(cfg.Security.SessionTimeoutHours) * time.Hour,
		MaxSessions:    cfg.Security.MaxSessions,
	}
	if secCfg.PSKKey, err = cfg.PSKBytes(); err != nil {
		return nil, err
	}
	if mode == secure.ModeCertificate {
		if secCfg.Certificate, err = os.ReadFile(cfg.Security.CertificateFile); err != nil {
			return nil, fmt.Errorf("read certificate: %w", err)
		}
		if secCfg.PrivateKey, err = os.ReadFile(cfg.Security.PrivateKeyFile); err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		if cfg.Security.CAFile != "" {
			ca, err := os.ReadFile(cfg.Security.CAFile)
			if err != nil {
				return nil, fmt.Errorf("read CA bundle: %w", err)
			}
			secCfg.CACertificates = [][]byte{ca}
		}
	}
	return secure.NewManager(secCfg, logger)
}
