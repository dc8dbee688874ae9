// Package config loads and hot-reloads the cardlink YAML configuration
// document. Reload is explicit (an operator command or CLI signal), never
// automatic on file-change, for consistency with the keystore's reload
// policy.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/protei/cardlink/internal/logger"
)

// CipherConfig controls which PSK-TLS cipher suites the transport offers,
// per GlobalPlatform GPC_SPE_011 Table 3-2.
type CipherConfig struct {
	EnableLegacy      bool `yaml:"enable_legacy"`
	EnableNullCiphers bool `yaml:"enable_null_ciphers"`
	// MaxFragmentLength, when non-zero, must be one of 512/1024/2048/4096.
	MaxFragmentLength int `yaml:"max_fragment_length"`
}

func (c CipherConfig) Validate() error {
	switch c.MaxFragmentLength {
	case 0, 512, 1024, 2048, 4096:
	default:
		return fmt.Errorf("invalid max_fragment_length: %d (must be 512, 1024, 2048, 4096, or 0)", c.MaxFragmentLength)
	}
	return nil
}

// ServerConfig configures the PSK-TLS Admin Server.
type ServerConfig struct {
	Host             string       `yaml:"host"`
	Port             int          `yaml:"port"`
	MaxConnections   int          `yaml:"max_connections"`
	SessionTimeout   float64      `yaml:"session_timeout"`
	HandshakeTimeout float64      `yaml:"handshake_timeout"`
	ReadTimeout      float64      `yaml:"read_timeout"`
	Backlog          int          `yaml:"backlog"`
	WorkerPoolSize   int          `yaml:"worker_pool_size"`
	ShutdownGrace    float64      `yaml:"shutdown_grace"`
	ResumptionWindow float64      `yaml:"resumption_window"`
	Cipher           CipherConfig `yaml:"cipher"`
	KeyStorePath     string       `yaml:"key_store_path"`
}

func (c ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("invalid max_connections: %d", c.MaxConnections)
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("invalid session_timeout: %v", c.SessionTimeout)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("invalid handshake_timeout: %v", c.HandshakeTimeout)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("invalid read_timeout: %v", c.ReadTimeout)
	}
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("invalid worker_pool_size: %d", c.WorkerPoolSize)
	}
	return c.Cipher.Validate()
}

// SimulatorConfig configures the AdminSimulator's default behavior policy.
type SimulatorConfig struct {
	Mode                string   `yaml:"mode"` // normal|error|timeout
	ErrorRate           float64  `yaml:"error_rate"`
	ErrorCodes          []string `yaml:"error_codes"`
	TimeoutProbability  float64  `yaml:"timeout_probability"`
	TimeoutDelayMinMs   int      `yaml:"timeout_delay_min_ms"`
	TimeoutDelayMaxMs   int      `yaml:"timeout_delay_max_ms"`
	ResponseDelayMs     int      `yaml:"response_delay_ms"`
	PSKIdentity         string   `yaml:"psk_identity"`

	// Seed pins the BehaviorController's PRNG for a reproducible run; 0
	// (the default) seeds from the current time.
	Seed int64 `yaml:"seed"`
}

// DashboardConfig configures the peripheral read-only web dashboard.
type DashboardConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Port        int     `yaml:"port"`
	JWTSecret   string  `yaml:"jwt_secret"`
	TokenExpiry float64 `yaml:"token_expiry_seconds"`

	// BootstrapUsername/Password/Role provision one local operator account
	// at startup, when Enabled. Empty BootstrapUsername skips bootstrap
	// entirely, leaving the dashboard with no account until one is added
	// some other way.
	BootstrapUsername string `yaml:"bootstrap_username"`
	BootstrapPassword string `yaml:"bootstrap_password"`
	BootstrapRole     string `yaml:"bootstrap_role"` // viewer|operator|admin, defaults to admin
}

// RepositoryConfig configures the opaque persistence collaborator.
type RepositoryConfig struct {
	Driver   string `yaml:"driver"` // "memory" or "postgres"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

// Config is the top-level document loaded from configs/config.yaml.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Simulator  SimulatorConfig  `yaml:"simulator"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Repository RepositoryConfig `yaml:"repository"`
	Logging    logger.Config    `yaml:"logging"`
}

func (c Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port < 1 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("invalid dashboard port: %d", c.Dashboard.Port)
	}
	return nil
}

// Manager caches the parsed config and reloads it only on explicit command.
type Manager struct {
	mu         sync.RWMutex
	configPath string
	config     Config
	log        *logger.Logger
}

// NewManager loads configPath once and returns a ready Manager.
func NewManager(configPath string, log *logger.Logger) (*Manager, error) {
	m := &Manager{configPath: configPath, log: log}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload re-reads and re-validates the config file. On failure, the
// previous snapshot is retained and the error is returned to the caller
// (who is expected to log it); this matches the keystore's reload failure
// policy.
func (m *Manager) Reload() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	if m.log != nil {
		m.log.Info("configuration reloaded", "path", m.configPath)
	}
	return nil
}

// Get returns a copy of the current configuration snapshot.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Save persists the current snapshot back to disk atomically
// (write-temp-then-rename), mirroring the keystore's write path.
func (m *Manager) Save() error {
	m.mu.RLock()
	data, err := yaml.Marshal(m.config)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := m.configPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := os.Rename(tmp, m.configPath); err != nil {
		return fmt.Errorf("rename config file: %w", err)
	}
	return nil
}

// Default returns a Config populated with the out-of-box defaults for a
// standalone test-harness deployment.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8443,
			MaxConnections:   100,
			SessionTimeout:   300,
			HandshakeTimeout: 30,
			ReadTimeout:      30,
			Backlog:          64,
			WorkerPoolSize:   16,
			ShutdownGrace:    10,
			ResumptionWindow: 60,
			KeyStorePath:     filepath.Join("configs", "keys.yaml"),
		},
		Simulator: SimulatorConfig{
			Mode:              "normal",
			TimeoutDelayMinMs: 5000,
			TimeoutDelayMaxMs: 15000,
		},
		Repository: RepositoryConfig{Driver: "memory"},
		Logging:    logger.Config{Level: "info", Format: "console"},
	}
}
