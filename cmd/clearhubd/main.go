package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"clearhub/config"
	"clearhub/core"
	"clearhub/crypto"
	"clearhub/native/settlement"
	"clearhub/observability/logging"
	telemetry "clearhub/observability/otel"
	"clearhub/rpc"
	"clearhub/storage"
)

const keystorePassEnv = "CLEARHUB_NODE_PASS"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "clearhubd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.toml", "path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("CLEARHUB_ENV"))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.SetupWithFile("clearhubd", env, cfg.LogFile)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "clearhubd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	key, err := crypto.LoadFromKeystore(cfg.NodeKeystorePath, os.Getenv(keystorePassEnv))
	if err != nil {
		return fmt.Errorf("load node key: %w", err)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	openDelay, closeDelay, err := cfg.ConfirmDelays()
	if err != nil {
		return err
	}

	node, err := core.NewNode(core.NodeConfig{
		Key:               key,
		DB:                db,
		Logger:            logger,
		OpenConfirmDelay:  openDelay,
		CloseConfirmDelay: closeDelay,
	})
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	defer node.Close()

	vault, err := settlement.OpenVault(cfg.VaultPath)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}
	defer vault.Close()

	vaultClient, err := settlement.NewClient(vault, 0)
	if err != nil {
		return fmt.Errorf("create vault client: %w", err)
	}

	policy, err := settlement.LoadPolicy(cfg.SettlementPolicyPath)
	if err != nil {
		return fmt.Errorf("load settlement policy: %w", err)
	}

	coordinator, err := settlement.NewCoordinator(settlement.CoordinatorConfig{
		Ledger:   node.Ledger(),
		Registry: node.Registry(),
		Vault:    vaultClient,
		Journal:  settlement.NewJournal(db),
		Policy:   policy,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("create settlement coordinator: %w", err)
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go coordinator.Run(stopCtx)

	logger.Info("clearing hub starting",
		"address", node.Address(),
		"listen", cfg.ListenAddress,
	)

	server := rpc.NewServer(node, coordinator, logger)
	return server.Start(stopCtx, cfg.ListenAddress)
}
