// Package config handles TOML configuration parsing for freeqd. It loads
// configuration from freeqd.toml, applies environment variable overrides
// (prefixed with FREEQD_), validates required fields, and provides sane
// defaults for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration for a freeqd instance.
type Config struct {
	Instance   InstanceConfig   `toml:"instance"`
	Database   DatabaseConfig   `toml:"database"`
	IRC        IRCConfig        `toml:"irc"`
	Federation FederationConfig `toml:"federation"`
	Policy     PolicyConfig     `toml:"policy"`
	HTTP       HTTPConfig       `toml:"http"`
	Logging    LoggingConfig    `toml:"logging"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// InstanceConfig defines the identity of this freeqd instance.
type InstanceConfig struct {
	ServerName string `toml:"server_name"` // advertised in the IRC 001 welcome and as the did:web host
	Network    string `toml:"network"`     // IRC NETWORK ISUPPORT token
}

// DatabaseConfig defines the embedded SQLite database.
type DatabaseConfig struct {
	Path              string `toml:"path"`
	EncryptionKeyFile string `toml:"encryption_key_file"` // empty disables at-rest encryption
}

// IRCConfig defines the client-facing listeners.
type IRCConfig struct {
	Listen       string `toml:"listen"`        // plaintext TCP, e.g. "0.0.0.0:6667"
	TLSListen    string `toml:"tls_listen"`     // TLS, e.g. "0.0.0.0:6697"
	TLSCertFile  string `toml:"tls_cert_file"`
	TLSKeyFile   string `toml:"tls_key_file"`
	MaxHistory   int    `toml:"max_history"`    // per-channel scrollback retained in memory
	ChallengeTTL string `toml:"challenge_ttl"`  // SASL DID-challenge validity window

	// MaxMessagesPerChannel bounds the persisted message store, pruning the
	// oldest rows of a channel once it is exceeded. Zero means unlimited.
	MaxMessagesPerChannel int `toml:"max_messages_per_channel"`
}

// ChallengeTTLParsed returns the SASL challenge TTL as a time.Duration.
func (c IRCConfig) ChallengeTTLParsed() (time.Duration, error) {
	d, err := time.ParseDuration(c.ChallengeTTL)
	if err != nil {
		return 0, fmt.Errorf("parsing irc.challenge_ttl %q: %w", c.ChallengeTTL, err)
	}
	return d, nil
}

// FederationConfig defines the mutually-authenticated server-to-server
// mesh link.
type FederationConfig struct {
	Enabled      bool     `toml:"enabled"`
	Listen       string   `toml:"listen"`         // mTLS peer-link listener
	CertFile     string   `toml:"cert_file"`      // this server's mesh identity certificate
	KeyFile      string   `toml:"key_file"`
	PeerCAFile   string   `toml:"peer_ca_file"`   // CA trusted to sign peer certificates
	Peers        []string `toml:"peers"`          // addresses to dial on startup
	AllowedPeers []string `toml:"allowed_peers"`  // hex cert fingerprints; empty means allow-all
}

// PolicyConfig defines the channel-governance attestation authority.
type PolicyConfig struct {
	AuthorityKeyFile string `toml:"authority_key_file"` // ed25519 seed; generated and persisted on first run if absent
}

// HTTPConfig defines the policy/attestation REST API.
type HTTPConfig struct {
	Listen      string   `toml:"listen"`
	CORSOrigins []string `toml:"cors_origins"`
}

// LoggingConfig defines structured logging settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig defines the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// defaults returns a Config with sane default values for all fields.
func defaults() Config {
	return Config{
		Instance: InstanceConfig{
			ServerName: "localhost",
			Network:    "freeq",
		},
		Database: DatabaseConfig{
			Path: "freeqd.db",
		},
		IRC: IRCConfig{
			Listen:                "0.0.0.0:6667",
			TLSListen:             "0.0.0.0:6697",
			MaxHistory:            200,
			ChallengeTTL:          "2m",
			MaxMessagesPerChannel: 0,
		},
		Federation: FederationConfig{
			Enabled: false,
			Listen:  "0.0.0.0:7778",
		},
		HTTP: HTTPConfig{
			Listen:      "0.0.0.0:8787",
			CORSOrigins: []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "0.0.0.0:9090",
		},
	}
}

// Load reads the configuration from the given TOML file path, applies
// defaults for missing values, and then applies environment variable
// overrides. A missing file is not an error: it falls back to defaults
// plus env overrides, so freeqd runs out of the box in a container with
// only environment variables set.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			if err := validate(&cfg); err != nil {
				return nil, err
			}
			return &cfg, nil
		}
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides overrides config fields with environment variables when
// set. Environment variables use the prefix FREEQD_ followed by the
// section and field name in uppercase with underscores (e.g.
// FREEQD_DATABASE_PATH).
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FREEQD_INSTANCE_SERVER_NAME"); v != "" {
		cfg.Instance.ServerName = v
	}
	if v := os.Getenv("FREEQD_INSTANCE_NETWORK"); v != "" {
		cfg.Instance.Network = v
	}
	if v := os.Getenv("FREEQD_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("FREEQD_DATABASE_ENCRYPTION_KEY_FILE"); v != "" {
		cfg.Database.EncryptionKeyFile = v
	}
	if v := os.Getenv("FREEQD_IRC_LISTEN"); v != "" {
		cfg.IRC.Listen = v
	}
	if v := os.Getenv("FREEQD_IRC_TLS_LISTEN"); v != "" {
		cfg.IRC.TLSListen = v
	}
	if v := os.Getenv("FREEQD_IRC_TLS_CERT_FILE"); v != "" {
		cfg.IRC.TLSCertFile = v
	}
	if v := os.Getenv("FREEQD_IRC_TLS_KEY_FILE"); v != "" {
		cfg.IRC.TLSKeyFile = v
	}
	if v := os.Getenv("FREEQD_IRC_MAX_MESSAGES_PER_CHANNEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.IRC.MaxMessagesPerChannel = n
		}
	}
	if v := os.Getenv("FREEQD_FEDERATION_ENABLED"); v != "" {
		cfg.Federation.Enabled = v == "true"
	}
	if v := os.Getenv("FREEQD_FEDERATION_LISTEN"); v != "" {
		cfg.Federation.Listen = v
	}
	if v := os.Getenv("FREEQD_FEDERATION_CERT_FILE"); v != "" {
		cfg.Federation.CertFile = v
	}
	if v := os.Getenv("FREEQD_FEDERATION_KEY_FILE"); v != "" {
		cfg.Federation.KeyFile = v
	}
	if v := os.Getenv("FREEQD_FEDERATION_PEER_CA_FILE"); v != "" {
		cfg.Federation.PeerCAFile = v
	}
	if v := os.Getenv("FREEQD_POLICY_AUTHORITY_KEY_FILE"); v != "" {
		cfg.Policy.AuthorityKeyFile = v
	}
	if v := os.Getenv("FREEQD_HTTP_LISTEN"); v != "" {
		cfg.HTTP.Listen = v
	}
	if v := os.Getenv("FREEQD_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FREEQD_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("FREEQD_METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}
}

// validate checks that required configuration fields are present and valid.
func validate(cfg *Config) error {
	if cfg.Instance.ServerName == "" {
		return fmt.Errorf("config: instance.server_name is required")
	}
	if cfg.Database.Path == "" {
		return fmt.Errorf("config: database.path is required")
	}
	if cfg.IRC.Listen == "" && cfg.IRC.TLSListen == "" {
		return fmt.Errorf("config: at least one of irc.listen or irc.tls_listen is required")
	}
	if cfg.IRC.TLSListen != "" && (cfg.IRC.TLSCertFile == "" || cfg.IRC.TLSKeyFile == "") {
		return fmt.Errorf("config: irc.tls_listen requires irc.tls_cert_file and irc.tls_key_file")
	}
	if _, err := cfg.IRC.ChallengeTTLParsed(); err != nil {
		return err
	}
	if cfg.Federation.Enabled {
		if cfg.Federation.CertFile == "" || cfg.Federation.KeyFile == "" {
			return fmt.Errorf("config: federation.enabled requires federation.cert_file and federation.key_file")
		}
	}
	return nil
}
