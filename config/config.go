// Package config loads the daemon's TOML configuration, creating a default
// file and an encrypted node keystore on first run.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"marketd/crypto"
)

type Config struct {
	DataDir          string `toml:"DataDir"`
	RPCAddress       string `toml:"RPCAddress"`
	GatewayAddress   string `toml:"GatewayAddress"`
	MessagingURL     string `toml:"MessagingURL"`
	NodeKeystorePath string `toml:"NodeKeystorePath"`
	Environment      string `toml:"Environment"`
	LogFile          string `toml:"LogFile"`

	// Reconciler buffering budget.
	ReconcileMaxAttempts int `toml:"ReconcileMaxAttempts"`
	PendingTTLHours      int `toml:"PendingTTLHours"`
	SeenTTLHours         int `toml:"SeenTTLHours"`

	Gateway   GatewayConfig   `toml:"gateway"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

type GatewayConfig struct {
	JWTSecret         string  `toml:"JWTSecret"`
	Issuer            string  `toml:"Issuer"`
	Audience          string  `toml:"Audience"`
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
	OrderIndexPath    string  `toml:"OrderIndexPath"`
}

type TelemetryConfig struct {
	Enabled      bool   `toml:"Enabled"`
	OTLPEndpoint string `toml:"OTLPEndpoint"`
	Insecure     bool   `toml:"Insecure"`
}

// Load reads the configuration at path, creating a default file and node
// keystore when none exists yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(path, cfg)
	if err := ensureKeystore(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(path string, cfg *Config) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./market-data"
	}
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8545"
	}
	if strings.TrimSpace(cfg.GatewayAddress) == "" {
		cfg.GatewayAddress = ":8080"
	}
	if strings.TrimSpace(cfg.NodeKeystorePath) == "" {
		cfg.NodeKeystorePath = defaultKeystorePath(path)
	}
	if cfg.ReconcileMaxAttempts <= 0 {
		cfg.ReconcileMaxAttempts = 10
	}
	if cfg.PendingTTLHours <= 0 {
		cfg.PendingTTLHours = 24
	}
	if cfg.SeenTTLHours <= 0 {
		cfg.SeenTTLHours = 168
	}
	if cfg.Gateway.RequestsPerMinute <= 0 {
		cfg.Gateway.RequestsPerMinute = 300
	}
	if cfg.Gateway.Burst <= 0 {
		cfg.Gateway.Burst = 50
	}
	if strings.TrimSpace(cfg.Gateway.OrderIndexPath) == "" {
		cfg.Gateway.OrderIndexPath = filepath.Join(cfg.DataDir, "orders.db")
	}
}

func ensureKeystore(cfg *Config) error {
	if _, err := os.Stat(cfg.NodeKeystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		return crypto.SaveNodeKey(cfg.NodeKeystorePath, key, keystorePassphrase())
	} else if err != nil {
		return err
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		DataDir:        "./market-data",
		RPCAddress:     ":8545",
		GatewayAddress: ":8080",
		MessagingURL:   "ws://localhost:7420/ws",
	}
	applyDefaults(path, cfg)
	if err := ensureKeystore(cfg); err != nil {
		return nil, err
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
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
	return filepath.Join(dir, "node.keystore")
}

// keystorePassphrase comes from the environment so the keystore file alone
// is not enough to act as the node.
func keystorePassphrase() string {
	return strings.TrimSpace(os.Getenv("MARKETD_KEYSTORE_PASSPHRASE"))
}
