package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	gatewayauth "bountychain/gateway/auth"
	"bountychain/observability/logging"
	telemetry "bountychain/observability/otel"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configFile := flag.String("config", "", "path to the gateway YAML config")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("BOUNTY_ENV"))
	logger := logging.Setup("bounty-gateway", env)

	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		insecure := true
		if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
			if parsed, err := strconv.ParseBool(value); err == nil {
				insecure = parsed
			}
		}
		shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: "bounty-gateway",
			Environment: env,
			Endpoint:    endpoint,
			Insecure:    insecure,
			Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			logger.Error("init telemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = shutdownTelemetry(ctx)
		}()
	}

	cfg, err := LoadConfig(*configFile)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	store, err := NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		logger.Error("open sqlite store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	secrets := make(map[string]string, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		secrets[key.Key] = key.Secret
		logger.Info("registered partner credential",
			logging.MaskField("api_key", key.Key),
			logging.MaskField("secret", key.Secret),
		)
	}
	authenticator := gatewayauth.NewAuthenticator(secrets, cfg.AllowedTimestampSkew, cfg.NonceTTL, cfg.NonceCapacity, nil)
	node := NewRPCNodeClient(cfg.NodeURL, cfg.NodeAuthToken)
	server := NewServer(cfg, authenticator, node, store, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("bounty gateway listening", "addr", cfg.ListenAddress, "node", cfg.NodeURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down bounty gateway")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
