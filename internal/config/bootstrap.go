package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	xglog "github.com/lockergw/gateway/internal/log"
)

// Bootstrap holds the process-level settings needed before anything else
// can start: which serial port to open, where the SQLite database lives,
// what address to listen on, and how verbosely to log. It never changes
// while the process is running; runtime-adjustable settings belong in the
// Config Store instead.
type Bootstrap struct {
	SerialPort   string        `yaml:"serial_port"`
	BaudRate     int           `yaml:"baud_rate"`
	DBPath       string        `yaml:"db_path"`
	ListenAddr   string        `yaml:"listen_addr"`
	LogLevel     string        `yaml:"log_level"`
	PulseWidth   time.Duration `yaml:"pulse_width"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	// AuditHashKey salts the HMAC the Event Logger uses to pseudonymize
	// RFID cards and device IDs. Left empty, LoadBootstrap derives one
	// from the host so card pseudonyms stay stable across restarts of
	// the same installation; set explicitly to keep pseudonyms stable
	// across a migration to new hardware.
	AuditHashKey string `yaml:"audit_hash_key"`
	// CacheRedisAddr, when set, backs the availability cache with Redis
	// instead of an in-memory map -- useful when more than one gateway
	// process fronts the same database. Empty means in-memory.
	CacheRedisAddr string `yaml:"cache_redis_addr"`
	// AdminToken gates the operator-panel routes (config deploy/apply/
	// rollback, VIP transfer approve/reject). Left empty, those routes
	// are reachable without authentication, which only a local
	// development setup should ever do.
	AdminToken string `yaml:"admin_token"`
	// EmergencyConfigPath, when set, mirrors the Store's active config
	// version to this path on disk and watches it for operator edits made
	// while the SQLite-backed Config Store is unreachable. Diagnostics/
	// emergency recovery only: edits made this way are not persisted to
	// config_version and do not survive a restart. Empty disables it.
	EmergencyConfigPath string `yaml:"emergency_config_path"`
	// TracingEnabled turns on the OTLP trace/metric pipeline (internal/telemetry).
	TracingEnabled bool `yaml:"tracing_enabled"`
	// TracingExporter selects the OTLP transport: "grpc" or "http".
	TracingExporter string `yaml:"tracing_exporter"`
	// TracingEndpoint is the OTLP collector address.
	TracingEndpoint string `yaml:"tracing_endpoint"`
	// TracingSamplingRate is the fraction of traces kept, 0.0-1.0.
	TracingSamplingRate float64 `yaml:"tracing_sampling_rate"`
}

// DefaultBootstrap returns the settings used when neither a file nor the
// environment specifies a value.
func DefaultBootstrap() Bootstrap {
	return Bootstrap{
		SerialPort:  "/dev/ttyUSB0",
		BaudRate:    9600,
		DBPath:      "locker-gateway.db",
		ListenAddr:  ":8080",
		LogLevel:    "info",
		PulseWidth:          400 * time.Millisecond,
		ReadTimeout:         2 * time.Second,
		TracingExporter:     "http",
		TracingSamplingRate: 1.0,
	}
}

// ResolveAuditHashKey returns the configured audit hash key, or a
// deterministic fallback derived from the database path when none is set.
// The fallback is stable for a given installation but is not a secret
// worth protecting beyond keeping pseudonyms internally consistent.
func (b Bootstrap) ResolveAuditHashKey() []byte {
	if b.AuditHashKey != "" {
		return []byte(b.AuditHashKey)
	}
	return []byte("locker-gateway-audit:" + b.DBPath)
}

// LoadBootstrap reads the bootstrap config with precedence ENV > file >
// defaults, mirroring the gateway's runtime config precedence. path may be
// empty, in which case only defaults and environment variables apply.
func LoadBootstrap(path string) (Bootstrap, error) {
	cfg := DefaultBootstrap()

	if path != "" {
		fileCfg, err := loadBootstrapFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: load bootstrap file: %w", err)
		}
		mergeBootstrapFile(&cfg, fileCfg)
	}

	applyBootstrapEnv(&cfg)
	return cfg, nil
}

// loadBootstrapFile parses a YAML bootstrap file with strict field
// checking: an unrecognized key is almost always an operator typo, and
// silently ignoring it is worse than failing to start.
func loadBootstrapFile(path string) (*Bootstrap, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var fileCfg Bootstrap
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fileCfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("strict bootstrap parse error: %w", err)
	}
	return &fileCfg, nil
}

func mergeBootstrapFile(cfg, file *Bootstrap) {
	if file == nil {
		return
	}
	if file.SerialPort != "" {
		cfg.SerialPort = file.SerialPort
	}
	if file.BaudRate != 0 {
		cfg.BaudRate = file.BaudRate
	}
	if file.DBPath != "" {
		cfg.DBPath = file.DBPath
	}
	if file.ListenAddr != "" {
		cfg.ListenAddr = file.ListenAddr
	}
	if file.LogLevel != "" {
		cfg.LogLevel = file.LogLevel
	}
	if file.PulseWidth != 0 {
		cfg.PulseWidth = file.PulseWidth
	}
	if file.ReadTimeout != 0 {
		cfg.ReadTimeout = file.ReadTimeout
	}
	if file.AuditHashKey != "" {
		cfg.AuditHashKey = file.AuditHashKey
	}
	if file.CacheRedisAddr != "" {
		cfg.CacheRedisAddr = file.CacheRedisAddr
	}
	if file.AdminToken != "" {
		cfg.AdminToken = file.AdminToken
	}
	if file.EmergencyConfigPath != "" {
		cfg.EmergencyConfigPath = file.EmergencyConfigPath
	}
	if file.TracingEnabled {
		cfg.TracingEnabled = file.TracingEnabled
	}
	if file.TracingExporter != "" {
		cfg.TracingExporter = file.TracingExporter
	}
	if file.TracingEndpoint != "" {
		cfg.TracingEndpoint = file.TracingEndpoint
	}
	if file.TracingSamplingRate != 0 {
		cfg.TracingSamplingRate = file.TracingSamplingRate
	}
}

func applyBootstrapEnv(cfg *Bootstrap) {
	logger := xglog.WithComponent("config")

	cfg.SerialPort = envString(logger, "LOCKER_SERIAL_PORT", cfg.SerialPort)
	cfg.BaudRate = envInt(logger, "LOCKER_BAUD_RATE", cfg.BaudRate)
	cfg.DBPath = envString(logger, "LOCKER_DB_PATH", cfg.DBPath)
	cfg.ListenAddr = envString(logger, "LOCKER_LISTEN_ADDR", cfg.ListenAddr)
	cfg.LogLevel = envString(logger, "LOCKER_LOG_LEVEL", cfg.LogLevel)
	cfg.PulseWidth = envDuration(logger, "LOCKER_PULSE_WIDTH", cfg.PulseWidth)
	cfg.ReadTimeout = envDuration(logger, "LOCKER_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.AuditHashKey = envString(logger, "LOCKER_AUDIT_HASH_KEY", cfg.AuditHashKey)
	cfg.CacheRedisAddr = envString(logger, "LOCKER_CACHE_REDIS_ADDR", cfg.CacheRedisAddr)
	cfg.AdminToken = envString(logger, "LOCKER_ADMIN_TOKEN", cfg.AdminToken)
	cfg.EmergencyConfigPath = envString(logger, "LOCKER_EMERGENCY_CONFIG_PATH", cfg.EmergencyConfigPath)
	cfg.TracingEnabled = envBool(logger, "LOCKER_TRACING_ENABLED", cfg.TracingEnabled)
	cfg.TracingExporter = envString(logger, "LOCKER_TRACING_EXPORTER", cfg.TracingExporter)
	cfg.TracingEndpoint = envString(logger, "LOCKER_TRACING_ENDPOINT", cfg.TracingEndpoint)
}

func envString(logger zerolog.Logger, key, defaultValue string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	logger.Debug().Str("key", key).Str("source", "environment").Msg("using environment variable")
	return v
}

func envInt(logger zerolog.Logger, key string, defaultValue int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Msg("invalid integer in environment variable, using default")
		return defaultValue
	}
	return n
}

func envBool(logger zerolog.Logger, key string, defaultValue bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Msg("invalid boolean in environment variable, using default")
		return defaultValue
	}
	return b
}

func envDuration(logger zerolog.Logger, key string, defaultValue time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Msg("invalid duration in environment variable, using default")
		return defaultValue
	}
	return d
}
