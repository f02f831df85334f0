package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bountychain/cmd/internal/passphrase"
	"bountychain/config"
	"bountychain/core"
	"bountychain/crypto"
	"bountychain/observability/logging"
	"bountychain/rpc"
	"bountychain/storage"
)

const (
	keystorePassEnv     = "BOUNTY_KEYSTORE_PASS"
	genesisPathEnv      = "BOUNTY_GENESIS"
	allowAutogenesisEnv = "BOUNTY_ALLOW_AUTOGENESIS"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis spec JSON file (overrides BOUNTY_GENESIS and config GenesisFile)")
	allowAutogenesisFlag := flag.Bool("allow-autogenesis", false, "DEV ONLY: allow automatic genesis creation when no stored genesis exists")
	flag.Parse()

	allowAutogenesisCLISet := flagWasProvided("allow-autogenesis")

	env := strings.TrimSpace(os.Getenv("BOUNTY_ENV"))
	logger := logging.Setup("bountyd", env)

	passSource := passphrase.NewSource(keystorePassEnv)

	cfg, err := config.Load(*configFile, config.WithKeystorePassphraseSource(passSource.Get))
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	allowAutogenesis, err := resolveAllowAutogenesis(allowAutogenesisCLISet, *allowAutogenesisFlag, os.LookupEnv)
	if err != nil {
		logger.Error("Failed to resolve autogenesis setting", slog.Any("error", err))
		os.Exit(1)
	}

	genesisPath, err := resolveGenesisPath(*genesisFlag, cfg.GenesisFile, allowAutogenesis, os.LookupEnv)
	if err != nil {
		logger.Error("Failed to resolve genesis path", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("Failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	privKey, err := loadOperatorKey(cfg, passSource.Get)
	if err != nil {
		logger.Error("Failed to load operator key", slog.Any("error", err))
		os.Exit(1)
	}

	node, err := core.NewNode(db, privKey, genesisPath, allowAutogenesis)
	if err != nil {
		logger.Error("Failed to create node", slog.Any("error", err))
		os.Exit(1)
	}
	node.SetLogger(logger)
	if cfg.BlockIntervalSeconds > 0 {
		node.SetBlockInterval(time.Duration(cfg.BlockIntervalSeconds) * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := node.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Height clock terminated", slog.Any("error", err))
		}
	}()

	rpcServer := rpc.NewServer(node, rpc.ServerConfig{
		TrustProxyHeaders:  cfg.RPCTrustProxyHeaders,
		TrustedProxies:     append([]string{}, cfg.RPCTrustedProxies...),
		MutationsPerWindow: cfg.RPCMutationsPerMinute,
	})
	rpcErrCh := make(chan error, 1)
	go func() {
		err := rpcServer.Start(cfg.RPCAddress)
		rpcErrCh <- err
		close(rpcErrCh)
	}()

	if err := waitForRPCStartup(cfg.RPCAddress, rpcErrCh, 5*time.Second); err != nil {
		logger.Error("RPC server failed to start", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("bountychain node initialised and running",
		slog.String("rpc", cfg.RPCAddress),
		slog.String("network", cfg.NetworkName),
		slog.String("operator", privKey.PubKey().Address().String()),
	)

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err, ok := <-rpcErrCh:
		if ok && err != nil {
			logger.Error("RPC server terminated", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("RPC shutdown failed", slog.Any("error", err))
	}
	logger.Info("bountychain node stopped")
}

type envLookupFunc func(string) (string, bool)

func resolveGenesisPath(cliPath string, cfgPath string, allowAutogenesis bool, lookup envLookupFunc) (string, error) {
	trimmedCLI := strings.TrimSpace(cliPath)
	if trimmedCLI != "" {
		return trimmedCLI, nil
	}

	if lookup != nil {
		if value, ok := lookup(genesisPathEnv); ok {
			trimmedEnv := strings.TrimSpace(value)
			if trimmedEnv != "" {
				return trimmedEnv, nil
			}
		}
	}

	trimmedCfg := strings.TrimSpace(cfgPath)
	if trimmedCfg != "" {
		return trimmedCfg, nil
	}

	if allowAutogenesis {
		return "", nil
	}

	return "", fmt.Errorf("no genesis file provided; supply one via --genesis, %s, or config, or explicitly enable autogenesis (--allow-autogenesis / %s)", genesisPathEnv, allowAutogenesisEnv)
}

func resolveAllowAutogenesis(cliSet bool, cliValue bool, lookup envLookupFunc) (bool, error) {
	allow := false

	if lookup != nil {
		if value, ok := lookup(allowAutogenesisEnv); ok {
			trimmed := strings.TrimSpace(value)
			if trimmed != "" {
				parsed, err := strconv.ParseBool(trimmed)
				if err != nil {
					return false, fmt.Errorf("invalid %s value %q: %w", allowAutogenesisEnv, trimmed, err)
				}
				allow = parsed
			}
		}
	}

	if cliSet {
		allow = cliValue
	}

	return allow, nil
}

func flagWasProvided(name string) bool {
	provided := false
	flag.CommandLine.Visit(func(f *flag.Flag) {
		if f.Name == name {
			provided = true
		}
	})
	return provided
}

func waitForRPCStartup(addr string, errCh <-chan error, timeout time.Duration) error {
	dialAddr := dialAddressFor(addr)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		default:
		}

		conn, err := net.DialTimeout("tcp", dialAddr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		case <-ticker.C:
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for RPC server to start on %s", addr)
		}
	}
}

func dialAddressFor(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func loadOperatorKey(cfg *config.Config, resolvePassphrase func() (string, error)) (*crypto.PrivateKey, error) {
	if cfg.KeystorePath == "" {
		return nil, fmt.Errorf("operator keystore path not configured")
	}

	if resolvePassphrase == nil {
		return nil, fmt.Errorf("operator keystore passphrase required; set %s or run interactively", keystorePassEnv)
	}

	pass, err := resolvePassphrase()
	if err != nil {
		return nil, fmt.Errorf("failed to obtain operator keystore passphrase: %w", err)
	}

	key, err := crypto.LoadFromKeystore(cfg.KeystorePath, pass)
	if err != nil {
		return nil, fmt.Errorf("unable to decrypt keystore %s: %w", cfg.KeystorePath, err)
	}
	return key, nil
}
