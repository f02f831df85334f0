package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"bountychain/crypto"

	"github.com/BurntSushi/toml"
)

type Config struct {
	RPCAddress            string   `toml:"RPCAddress"`
	DataDir               string   `toml:"DataDir"`
	GenesisFile           string   `toml:"GenesisFile"`
	KeystorePath          string   `toml:"KeystorePath"`
	NetworkName           string   `toml:"NetworkName"`
	BlockIntervalSeconds  uint64   `toml:"BlockIntervalSeconds"`
	RPCTrustProxyHeaders  bool     `toml:"RPCTrustProxyHeaders"`
	RPCTrustedProxies     []string `toml:"RPCTrustedProxies"`
	RPCMutationsPerMinute int      `toml:"RPCMutationsPerMinute"`
}

type loadOptions struct {
	passphrase func() (string, error)
}

// LoadOption customises Load behaviour.
type LoadOption func(*loadOptions)

// WithKeystorePassphrase supplies a fixed passphrase for keystore bootstrap.
func WithKeystorePassphrase(pass string) LoadOption {
	return WithKeystorePassphraseSource(func() (string, error) { return pass, nil })
}

// WithKeystorePassphraseSource defers passphrase resolution until a keystore
// actually has to be created, so operators are only prompted when needed.
func WithKeystorePassphraseSource(fn func() (string, error)) LoadOption {
	return func(o *loadOptions) { o.passphrase = fn }
}

// Load loads the configuration from the given path.
func Load(path string, opts ...LoadOption) (*Config, error) {
	options := &loadOptions{}
	for _, opt := range opts {
		opt(options)
	}

	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path, options)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}

	for _, undecoded := range meta.Undecoded() {
		if len(undecoded) == 1 && undecoded[0] == "RPCAuthToken" {
			return nil, fmt.Errorf("config file %s stores RPCAuthToken inline; move the token to the BOUNTY_RPC_TOKEN environment variable", path)
		}
	}

	if err := ensureKeystore(path, cfg, options); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "bounty-local"
	}
	if cfg.RPCTrustedProxies == nil {
		cfg.RPCTrustedProxies = []string{}
	}

	return cfg, nil
}

func ensureKeystore(configPath string, cfg *Config, options *loadOptions) error {
	keystorePath := cfg.KeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		if err := writeFreshKeystore(keystorePath, options); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.KeystorePath != keystorePath {
		cfg.KeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string, options *loadOptions) (*Config, error) {
	keystorePath := defaultKeystorePath(path)
	if err := writeFreshKeystore(keystorePath, options); err != nil {
		return nil, err
	}

	cfg := &Config{
		RPCAddress:           ":8080",
		DataDir:              "./bounty-data",
		GenesisFile:          "",
		NetworkName:          "bounty-local",
		BlockIntervalSeconds: 5,
		RPCTrustedProxies:    []string{},
	}
	cfg.KeystorePath = keystorePath

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func writeFreshKeystore(keystorePath string, options *loadOptions) error {
	if options == nil || options.passphrase == nil {
		return fmt.Errorf("operator keystore passphrase required to create %s", keystorePath)
	}
	pass, err := options.passphrase()
	if err != nil {
		return fmt.Errorf("resolve keystore passphrase: %w", err)
	}
	if strings.TrimSpace(pass) == "" {
		return fmt.Errorf("operator keystore passphrase cannot be empty")
	}

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	return crypto.SaveToKeystore(keystorePath, key, pass)
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "operator.keystore")
}
