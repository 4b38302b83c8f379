package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// SAS Agent - Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Serial    SerialConfig    `yaml:"serial"`
	Database  DatabaseConfig  `yaml:"database"`
	Backend   BackendConfig   `yaml:"backend"`
	Sink      SinkConfig      `yaml:"sink"`
	PollEngine PollEngineConfig `yaml:"poll_engine"`
	AFT       AFTConfig       `yaml:"aft"`
	Meters    []MeterConfig   `yaml:"meters"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// MetricsConfig controls the orchestrator's liveness/Prometheus HTTP
// server. Disabled entirely (no listener started) when Enable is false.
type MetricsConfig struct {
	Enable bool   `yaml:"enable"`
	Addr   string `yaml:"addr"`
}

type SerialConfig struct {
	Port       string `yaml:"com_port"`
	BaudRate   int    `yaml:"baudrate"`
	Address    int    `yaml:"address"`
	WakeupBit  bool   `yaml:"wakeup_bit"`
	ReadTimeoutMs int `yaml:"read_timeout_ms"`
}

type DatabaseConfig struct {
	Driver           string `yaml:"driver"`
	ConnectionString string `yaml:"connection_string"`
}

// BackendConfig describes the persistent command channel to the backend.
type BackendConfig struct {
	WSServerURL       string `yaml:"ws_server_url"`
	APIKey            string `yaml:"api_key"`
	FreshnessWindowSec int   `yaml:"freshness_window_s"`
	NonceStoreBackend string `yaml:"nonce_store_backend"` // "memory" or "redis"
	RedisAddr         string `yaml:"redis_addr"`
}

type SinkConfig struct {
	JournalPath     string `yaml:"journal_path"`
	MaxJournalBytes int64  `yaml:"max_journal_bytes"`
}

type PollEngineConfig struct {
	PollIntervalMs    int `yaml:"poll_interval_ms"`
	AFTPollIntervalMs int `yaml:"aft_poll_interval_ms"`
	MaxRetries        int `yaml:"max_retries"`
}

type AFTConfig struct {
	AssetNumber    string `yaml:"asset_number"`
	RegistrationID string `yaml:"registration_id"`
}

// MeterConfig describes one meter this agent tracks: its SAS meter code,
// wire width in BCD bytes, and whether it is whitelisted as monotonic
// (decreases are treated as a rollover/suspect condition rather than
// silently accepted).
type MeterConfig struct {
	Code       int  `yaml:"code"`
	LengthBCD  int  `yaml:"length_bcd"`
	Monotonic  bool `yaml:"monotonic"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		cfg.applyDefaults()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides on top of
// whatever LoadConfig produced (or the zero value, if it failed).
func (c *Config) applyEnvOverrides() {
	c.Serial.Port = getEnv("SAS_COM_PORT", c.Serial.Port)
	if v := getEnvInt("SAS_BAUDRATE", 0); v > 0 {
		c.Serial.BaudRate = v
	}
	if v := getEnvInt("SAS_ADDRESS", -1); v >= 0 {
		c.Serial.Address = v
	}
	c.Serial.WakeupBit = getEnvBool("SAS_WAKEUP_BIT", c.Serial.WakeupBit)
	if v := getEnvInt("SAS_READ_TIMEOUT_MS", 0); v > 0 {
		c.Serial.ReadTimeoutMs = v
	}

	c.Database.Driver = getEnv("SAS_DB_DRIVER", c.Database.Driver)
	c.Database.ConnectionString = getEnv("SAS_DB_CONNECTION_STRING", c.Database.ConnectionString)

	c.Backend.WSServerURL = getEnv("SAS_WS_SERVER_URL", c.Backend.WSServerURL)
	c.Backend.APIKey = getEnv("SAS_API_KEY", c.Backend.APIKey)
	if v := getEnvInt("SAS_FRESHNESS_WINDOW_S", 0); v > 0 {
		c.Backend.FreshnessWindowSec = v
	}
	c.Backend.NonceStoreBackend = getEnv("SAS_NONCE_STORE_BACKEND", c.Backend.NonceStoreBackend)
	c.Backend.RedisAddr = getEnv("SAS_REDIS_ADDR", c.Backend.RedisAddr)

	c.Sink.JournalPath = getEnv("SAS_JOURNAL_PATH", c.Sink.JournalPath)
	if v := getEnvInt("SAS_MAX_JOURNAL_BYTES", 0); v > 0 {
		c.Sink.MaxJournalBytes = int64(v)
	}

	if v := getEnvInt("SAS_POLL_INTERVAL_MS", 0); v > 0 {
		c.PollEngine.PollIntervalMs = v
	}
	if v := getEnvInt("SAS_AFT_POLL_INTERVAL_MS", 0); v > 0 {
		c.PollEngine.AFTPollIntervalMs = v
	}
	if v := getEnvInt("SAS_MAX_RETRIES", 0); v > 0 {
		c.PollEngine.MaxRetries = v
	}

	c.AFT.AssetNumber = getEnv("SAS_AFT_ASSET_NUMBER", c.AFT.AssetNumber)
	c.AFT.RegistrationID = getEnv("SAS_AFT_REGISTRATION_ID", c.AFT.RegistrationID)

	c.Metrics.Enable = getEnvBool("SAS_METRICS_ENABLE", c.Metrics.Enable)
	c.Metrics.Addr = getEnv("SAS_METRICS_ADDR", c.Metrics.Addr)
}

// applyDefaults sets sensible defaults for zero-valued config fields.
func (c *Config) applyDefaults() {
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = 19200
	}
	if c.Serial.ReadTimeoutMs == 0 {
		c.Serial.ReadTimeoutMs = 100
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Backend.FreshnessWindowSec == 0 {
		c.Backend.FreshnessWindowSec = 30
	}
	if c.Backend.NonceStoreBackend == "" {
		c.Backend.NonceStoreBackend = "memory"
	}
	if c.Sink.JournalPath == "" {
		c.Sink.JournalPath = "sasagent.journal"
	}
	if c.Sink.MaxJournalBytes == 0 {
		c.Sink.MaxJournalBytes = 64 << 20 // 64MiB
	}
	if c.PollEngine.PollIntervalMs == 0 {
		c.PollEngine.PollIntervalMs = 500
	}
	if c.PollEngine.AFTPollIntervalMs == 0 {
		c.PollEngine.AFTPollIntervalMs = 500
	}
	if c.PollEngine.MaxRetries == 0 {
		c.PollEngine.MaxRetries = 3
	}
	if len(c.Meters) == 0 {
		c.Meters = defaultMeters()
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
}

func defaultMeters() []MeterConfig {
	return []MeterConfig{
		{Code: 0x00, LengthBCD: 4, Monotonic: true},  // total coin in
		{Code: 0x01, LengthBCD: 4, Monotonic: true},  // total coin out
		{Code: 0x02, LengthBCD: 4, Monotonic: true},  // total jackpot
		{Code: 0x0C, LengthBCD: 4, Monotonic: false}, // games played
	}
}

// Validate checks the config for values that would make the agent
// unable to start at all. It does not validate meter-level plausibility
// (the Meter Tracker is responsible for detecting suspect readings at
// runtime).
func (c *Config) Validate() error {
	if c.Serial.Port == "" {
		return fmt.Errorf("config: serial.com_port is required")
	}
	if c.Serial.Address < 0 || c.Serial.Address > 0x7F {
		return fmt.Errorf("config: serial.address %d out of range 0-127", c.Serial.Address)
	}
	if c.Database.ConnectionString == "" {
		return fmt.Errorf("config: database.connection_string is required")
	}
	if c.Backend.WSServerURL == "" {
		return fmt.Errorf("config: backend.ws_server_url is required")
	}
	if c.Backend.APIKey == "" {
		return fmt.Errorf("config: backend.api_key is required")
	}
	for _, m := range c.Meters {
		if m.LengthBCD <= 0 {
			return fmt.Errorf("config: meter 0x%02X has non-positive length_bcd", m.Code)
		}
	}
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
