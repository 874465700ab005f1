package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/groupmesh/groupd/pkg/groups"
)

// Storage backend names.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Keys    KeysConfig
	Groups  GroupsConfig

	LogLevel string
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Type        string
	PostgresURL string
}

// KeysConfig configures the encryption collaborator. When Endpoint is
// empty the service falls back to a local AES-GCM cipher derived from
// Token.
type KeysConfig struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
}

// GroupsConfig holds the domain settings of the group service.
type GroupsConfig struct {
	AdminRole       string
	DefaultRole     string
	Consensus       string
	NominateDefault float64
	RevokeDefault   float64
	AuthzCacheTTL   time.Duration

	// InitialGroups is a JSON array of groups created at startup.
	InitialGroups []groups.InitialGroup
}

// Addr returns the listen address of the HTTP server.
func (c ServerConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("GROUPD_HOST", "0.0.0.0"),
			Port:            getEnv("GROUPD_PORT", "8080"),
			ReadTimeout:     getEnvDuration("GROUPD_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("GROUPD_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("GROUPD_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("GROUPD_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Storage: StorageConfig{
			Type:        getEnv("GROUPD_STORAGE_TYPE", StorageMemory),
			PostgresURL: getEnv("GROUPD_POSTGRES_URL", ""),
		},
		Keys: KeysConfig{
			Endpoint: getEnv("GROUPD_KEYS_ENDPOINT", ""),
			Token:    getEnv("GROUPD_KEYS_TOKEN", ""),
			Timeout:  getEnvDuration("GROUPD_KEYS_TIMEOUT", 5*time.Second),
		},
		Groups: GroupsConfig{
			AdminRole:       getEnv("GROUPD_ADMIN_ROLE", groups.DefaultAdminRole),
			DefaultRole:     getEnv("GROUPD_DEFAULT_ROLE", groups.DefaultMemberRole),
			Consensus:       getEnv("GROUPD_CONSENSUS", string(groups.PendingAcceptance)),
			NominateDefault: getEnvFloat("GROUPD_POLICY_NOMINATE", 0.5),
			RevokeDefault:   getEnvFloat("GROUPD_POLICY_REVOKE", 0.5),
			AuthzCacheTTL:   getEnvDuration("GROUPD_AUTHZ_CACHE_TTL", 30*time.Second),
		},
		LogLevel: getEnv("GROUPD_LOG_LEVEL", "info"),
	}

	if raw := os.Getenv("GROUPD_INITIAL_GROUPS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.Groups.InitialGroups); err != nil {
			return nil, fmt.Errorf("failed to parse GROUPD_INITIAL_GROUPS: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case StorageMemory:
	case StoragePostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("GROUPD_POSTGRES_URL is required when storage type is %q", StoragePostgres)
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}

	switch groups.ConsensusMode(c.Groups.Consensus) {
	case groups.PendingAcceptance, groups.WeightedVote:
	default:
		return fmt.Errorf("unknown consensus mode %q", c.Groups.Consensus)
	}

	if c.Keys.Endpoint == "" && c.Keys.Token == "" {
		return fmt.Errorf("GROUPD_KEYS_TOKEN is required when no keys endpoint is configured")
	}
	if c.Groups.NominateDefault < 0 || c.Groups.NominateDefault > 1 {
		return fmt.Errorf("GROUPD_POLICY_NOMINATE must be within [0, 1]")
	}
	if c.Groups.RevokeDefault < 0 || c.Groups.RevokeDefault > 1 {
		return fmt.Errorf("GROUPD_POLICY_REVOKE must be within [0, 1]")
	}
	return nil
}

// ServiceConfig translates the loaded settings into the group service
// configuration.
func (c *Config) ServiceConfig() groups.Config {
	return groups.Config{
		AdminRole:   c.Groups.AdminRole,
		DefaultRole: c.Groups.DefaultRole,
		Consensus:   groups.ConsensusMode(c.Groups.Consensus),
		PolicyDefaults: map[groups.RequestKind]float64{
			groups.RequestNominate: c.Groups.NominateDefault,
			groups.RequestRevoke:   c.Groups.RevokeDefault,
		},
		AuthzCacheTTL: c.Groups.AuthzCacheTTL,
	}
}

// getEnv returns an environment variable or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
