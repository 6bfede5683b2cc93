package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/peekproxy/peekproxy-srv/logger"
)

const (
	// DefaultListenHost binds every interface. Loopback-only deployments set
	// listen-host to 127.0.0.1.
	DefaultListenHost = "0.0.0.0"
	// DefaultPort is the port the proxy listens on without configuration.
	DefaultPort = 3000
	// DefaultMaxRequestBytes bounds the request head (request line plus headers).
	DefaultMaxRequestBytes = 8192
)

// UpstreamType defines how CONNECT targets are dialed
type UpstreamType string

// Available upstream types
const (
	UpstreamTypeDirect UpstreamType = "direct" // Plain TCP dial to the target
	UpstreamTypeSocks5 UpstreamType = "socks5" // Dial through a SOCKS5 proxy
)

// UpstreamConfig selects the dialer used for tunnel targets.
type UpstreamConfig struct {
	Type     UpstreamType
	Address  string  // SOCKS5 proxy address (host:port)
	Username *string // Optional SOCKS5 username
	Password *string // Optional SOCKS5 password
}

// StatisticsConfig controls the optional per-connection statistics collector.
type StatisticsConfig struct {
	Enabled     bool
	Backend     string // dummy, memory, sqlite or postgres
	SQLitePath  string
	PostgresDSN string
}

// Config represents the main configuration structure for the proxy server.
type Config struct {
	ListenHost               string // Interface to bind (default 0.0.0.0)
	Port                     int    // TCP port to bind (default 3000)
	MaxConcurrentConnections int    // 0 means no admission limit
	MaxRequestBytes          int    // Maximum size of a request head
	ReadTimeoutSeconds       int    // 0 disables the request head read deadline
	DialTimeoutSeconds       int    // 0 disables the upstream dial timeout
	LogLevel                 string
	Upstream                 UpstreamConfig
	Statistics               StatisticsConfig
}

// Default returns the configuration used when nothing else is specified.
func Default() *Config {
	return &Config{
		ListenHost:      DefaultListenHost,
		Port:            DefaultPort,
		MaxRequestBytes: DefaultMaxRequestBytes,
		LogLevel:        "INFO",
		Upstream: UpstreamConfig{
			Type: UpstreamTypeDirect,
		},
		Statistics: StatisticsConfig{
			Backend: "dummy",
		},
	}
}

// ListenAddr returns the host:port the proxy binds to.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.Port))
}

// ReadTimeout returns the request head read deadline, zero if disabled.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// DialTimeout returns the upstream dial timeout, zero if disabled.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSeconds) * time.Second
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.MaxConcurrentConnections < 0 {
		return fmt.Errorf("max-concurrent-connections must not be negative")
	}
	if c.MaxRequestBytes <= 0 {
		return fmt.Errorf("max-request-bytes must be positive")
	}
	if c.ReadTimeoutSeconds < 0 || c.DialTimeoutSeconds < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}

	switch c.Upstream.Type {
	case "", UpstreamTypeDirect:
	case UpstreamTypeSocks5:
		if c.Upstream.Address == "" {
			return fmt.Errorf("socks5 upstream requires address field")
		}
		if _, _, err := net.SplitHostPort(c.Upstream.Address); err != nil {
			return fmt.Errorf("invalid socks5 upstream address %q: %w", c.Upstream.Address, err)
		}
	default:
		return fmt.Errorf("unsupported upstream type: %s", c.Upstream.Type)
	}

	switch c.Statistics.Backend {
	case "", "dummy", "memory", "sqlite":
	case "postgres":
		if c.Statistics.Enabled && c.Statistics.PostgresDSN == "" {
			return fmt.Errorf("postgres-dsn is required for postgres backend")
		}
	default:
		return fmt.Errorf("unsupported statistics backend: %s", c.Statistics.Backend)
	}

	return nil
}

// LoadConfig loads configuration from the specified file path. Defaults are
// applied first, then environment variables, then the file.
func LoadConfig(configPath string) (*Config, error) {
	cfg := Default()

	loadConfigFromEnv(cfg)

	if configPath != "" {
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			err = loadJSONConfig(configPath, cfg)
		case ".hcl":
			err = loadHCLConfig(configPath, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}

		if err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func cleanConfigPath(configPath string) (string, error) {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return "", fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	return cleanPath, nil
}

func loadJSONConfig(configPath string, cfg *Config) error {
	cleanPath, err := cleanConfigPath(configPath)
	if err != nil {
		return err
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	// Decode into a map first; keys are hyphenated and shared with the HCL loader
	var data map[string]any
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode JSON config: %w", err)
	}

	return applyConfigMap(data, cfg)
}

// applyConfigMap maps decoded file contents onto cfg. Keys that are absent
// keep their current value.
func applyConfigMap(data map[string]any, cfg *Config) error {
	if val, exists := data["listen-host"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("listen-host must be a string: %w", err)
		}
		cfg.ListenHost = *ptr
	}

	intFields := []struct {
		key    string
		target *int
	}{
		{"port", &cfg.Port},
		{"max-concurrent-connections", &cfg.MaxConcurrentConnections},
		{"max-request-bytes", &cfg.MaxRequestBytes},
		{"read-timeout-seconds", &cfg.ReadTimeoutSeconds},
		{"dial-timeout-seconds", &cfg.DialTimeoutSeconds},
	}
	for _, field := range intFields {
		val, exists := data[field.key]
		if !exists {
			continue
		}
		ptr, err := parseValue[int](val)
		if err != nil {
			if strings.Contains(err.Error(), "secret") {
				return err
			}
			return fmt.Errorf("%s must be a number", field.key)
		}
		*field.target = *ptr
	}

	if val, exists := data["log-level"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("log-level must be a string: %w", err)
		}
		cfg.LogLevel = *ptr
	}

	if val, exists := data["upstream"]; exists {
		upstreamMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("upstream must be an object")
		}
		if err := parseUpstream(upstreamMap, &cfg.Upstream); err != nil {
			return err
		}
	}

	if val, exists := data["statistics"]; exists {
		statsMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("statistics must be an object")
		}
		if err := parseStatistics(statsMap, &cfg.Statistics); err != nil {
			return err
		}
	}

	return nil
}

func parseUpstream(upstreamMap map[string]any, upstream *UpstreamConfig) error {
	if typeVal, exists := upstreamMap["type"]; exists {
		ptr, err := parseValue[string](typeVal)
		if err != nil {
			return fmt.Errorf("upstream type must be a string: %w", err)
		}
		upstream.Type = UpstreamType(*ptr)
	}

	if addrVal, exists := upstreamMap["address"]; exists {
		ptr, err := parseValue[string](addrVal)
		if err != nil {
			return fmt.Errorf("upstream address must be a string: %w", err)
		}
		upstream.Address = *ptr
	}

	if userVal, exists := upstreamMap["username"]; exists {
		ptr, err := parseValue[string](userVal)
		if err != nil {
			return fmt.Errorf("upstream username: %w", err)
		}
		upstream.Username = ptr
	}

	if passVal, exists := upstreamMap["password"]; exists {
		ptr, err := parseValue[string](passVal)
		if err != nil {
			return fmt.Errorf("upstream password: %w", err)
		}
		upstream.Password = ptr
	}

	return nil
}

func parseStatistics(statsMap map[string]any, statistics *StatisticsConfig) error {
	if enabledVal, exists := statsMap["enabled"]; exists {
		ptr, err := parseValue[bool](enabledVal)
		if err != nil {
			return fmt.Errorf("statistics enabled must be a boolean: %w", err)
		}
		statistics.Enabled = *ptr
	}

	stringFields := []struct {
		key    string
		target *string
	}{
		{"backend", &statistics.Backend},
		{"sqlite-path", &statistics.SQLitePath},
		{"postgres-dsn", &statistics.PostgresDSN},
	}
	for _, field := range stringFields {
		val, exists := statsMap[field.key]
		if !exists {
			continue
		}
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("statistics %s: %w", field.key, err)
		}
		*field.target = *ptr
	}

	return nil
}

// parseValue converts a decoded JSON/HCL value to T. A value of the form
// {"_secret": "ENV_NAME"} is replaced by the content of that environment
// variable first.
func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		// JSON number
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if v != float64(int64(v)) {
				return nil, fmt.Errorf("expected integer, got %v", v)
			}
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got JSON number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Float32, reflect.Float64:
			f, err := strconv.ParseFloat(v, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse float: %w", err)
			}
			elem.SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() == reflect.Bool {
			elem.SetBool(v)
		} else {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
	default:
		// direct-case: cast
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

func envBool(value string) bool {
	return strings.EqualFold(value, "true") || value == "1"
}

func loadConfigFromEnv(cfg *Config) {
	if host := os.Getenv("PEEKPROXY_LISTENHOST"); host != "" {
		cfg.ListenHost = host
	}

	intVars := []struct {
		name   string
		target *int
	}{
		{"PEEKPROXY_PORT", &cfg.Port},
		{"PEEKPROXY_MAXCONCURRENTCONNECTIONS", &cfg.MaxConcurrentConnections},
		{"PEEKPROXY_MAXREQUESTBYTES", &cfg.MaxRequestBytes},
		{"PEEKPROXY_READTIMEOUTSECONDS", &cfg.ReadTimeoutSeconds},
		{"PEEKPROXY_DIALTIMEOUTSECONDS", &cfg.DialTimeoutSeconds},
	}
	for _, v := range intVars {
		str := os.Getenv(v.name)
		if str == "" {
			continue
		}
		n, err := strconv.Atoi(str)
		if err != nil {
			logger.Warn("Invalid format for %s: %s", v.name, str)
			continue
		}
		*v.target = n
	}

	if level := os.Getenv("PEEKPROXY_LOGLEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if upstreamType := os.Getenv("PEEKPROXY_UPSTREAM_TYPE"); upstreamType != "" {
		cfg.Upstream.Type = UpstreamType(upstreamType)
	}
	if addr := os.Getenv("PEEKPROXY_UPSTREAM_ADDRESS"); addr != "" {
		cfg.Upstream.Address = addr
		// An address without an explicit type can only mean socks5
		if os.Getenv("PEEKPROXY_UPSTREAM_TYPE") == "" {
			cfg.Upstream.Type = UpstreamTypeSocks5
		}
	}
	if user := os.Getenv("PEEKPROXY_UPSTREAM_USERNAME"); user != "" {
		cfg.Upstream.Username = &user
	}
	if pass := os.Getenv("PEEKPROXY_UPSTREAM_PASSWORD"); pass != "" {
		cfg.Upstream.Password = &pass
	}

	if enabled := os.Getenv("PEEKPROXY_STATISTICS_ENABLED"); enabled != "" {
		cfg.Statistics.Enabled = envBool(enabled)
	}
	if backend := os.Getenv("PEEKPROXY_STATISTICS_BACKEND"); backend != "" {
		cfg.Statistics.Backend = backend
	}
	if path := os.Getenv("PEEKPROXY_STATISTICS_SQLITEPATH"); path != "" {
		cfg.Statistics.SQLitePath = path
	}
	if dsn := os.Getenv("PEEKPROXY_STATISTICS_POSTGRESDSN"); dsn != "" {
		cfg.Statistics.PostgresDSN = dsn
	}
}
