package common

import (
	"fmt"
	"os"
	"time"

	"github.com/flashbots/fedrelay/crypto"
	"github.com/flashbots/fedrelay/protocol"
	"github.com/flashbots/fedrelay/store"
	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration shared by every fedrelay binary. Each
// binary reads the sections it needs.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	RelayURL    string `yaml:"relay_url"`

	Log      LogConfig          `yaml:"log"`
	Protocol protocol.FedConfig `yaml:"protocol"`
	Crypto   crypto.Config      `yaml:"crypto"`
	Storage  StorageConfig      `yaml:"storage"`
	Relay    RelayConfig        `yaml:"relay"`
	Client   ClientConfig       `yaml:"client"`
}

type LogConfig struct {
	Debug bool `yaml:"debug"`
	JSON  bool `yaml:"json"`
}

// StorageConfig selects the relay's persistence.
type StorageConfig struct {
	// Backend is "memory" or "postgres".
	Backend  string               `yaml:"backend"`
	Postgres store.PostgresConfig `yaml:"postgres"`

	// RoundLogDir receives round_<n>_output.json after each result. Empty
	// disables the round log.
	RoundLogDir string `yaml:"round_log_dir"`
}

type RelayConfig struct {
	// Orchestrate runs the aggregation engine inside the relay.
	Orchestrate    bool          `yaml:"orchestrate"`
	MaxWait        time.Duration `yaml:"max_wait"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	EnablePprof    bool          `yaml:"enable_pprof"`
	DrainDuration  time.Duration `yaml:"drain_duration"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

type ClientConfig struct {
	ID protocol.ClientID `yaml:"id"`

	// KeyDir holds the client's key files.
	KeyDir string `yaml:"key_dir"`

	// DataDir holds round_<n>.json inputs and receives agg_round_<n>.json.
	DataDir string `yaml:"data_dir"`

	// Peers receive rekeys from this client.
	Peers []protocol.ClientID `yaml:"peers"`

	// EvalCommand scores each aggregate; see cmd/client.
	EvalCommand []string `yaml:"eval_command"`

	// RoundInterval advances rounds on a timer; zero runs rounds back to back.
	RoundInterval time.Duration `yaml:"round_interval"`
}

// DefaultConfig returns a single-host development configuration.
func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:    ":8080",
		MetricsAddr: "",
		RelayURL:    "http://localhost:8080",
		Protocol:    *protocol.DefaultFedConfig(),
		Crypto:      *crypto.DefaultConfig(),
		Storage: StorageConfig{
			Backend:     "memory",
			RoundLogDir: "logs",
			Postgres: store.PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				User:     "fedrelay",
				Database: "fedrelay",
			},
		},
		Relay: RelayConfig{
			MaxWait:       30 * time.Second,
			DrainDuration: 0,
			ShutdownGrace: 10 * time.Second,
		},
		Client: ClientConfig{
			KeyDir:  "keys",
			DataDir: "data",
		},
	}
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadConfiguration returns the file's config, or the defaults when path is
// empty.
func LoadConfiguration(path string) (*Config, error) {
	if path != "" {
		return LoadConfig(path)
	}
	return DefaultConfig(), nil
}
