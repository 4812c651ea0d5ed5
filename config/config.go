package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/entitysync/domain"
	"github.com/c360/entitysync/errors"
	"github.com/c360/entitysync/syncchannel"
)

// Transport kinds
const (
	TransportNATS      = "nats"
	TransportWebSocket = "websocket"
)

// Backend kinds
const (
	BackendKV      = "kv"
	BackendGraphQL = "graphql"
)

// maxKVHistory is the JetStream limit on revisions kept per key.
const maxKVHistory = 64

// Config is the complete process configuration.
type Config struct {
	Version   string          `json:"version,omitempty" yaml:"version,omitempty"`
	Tenant    string          `json:"tenant" yaml:"tenant"`
	Channels  ChannelConfig   `json:"channels" yaml:"channels"`
	Transport TransportConfig `json:"transport" yaml:"transport"`
	Backend   BackendConfig   `json:"backend" yaml:"backend"`
	Stores    StoreConfig     `json:"stores" yaml:"stores"`
	NATS      NATSConfig      `json:"nats" yaml:"nats"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
}

// ChannelConfig names the sync channels: <prefix>.<tenant>.<Entity>.
type ChannelConfig struct {
	Prefix string `json:"prefix" yaml:"prefix"`
}

// TransportConfig selects the push transport.
type TransportConfig struct {
	Kind        string        `json:"kind" yaml:"kind"`
	URL         string        `json:"url,omitempty" yaml:"url,omitempty"` // WebSocket endpoint
	ReadTimeout time.Duration `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty"`
	// Serve exposes an in-process WebSocket hub at this path on the
	// metrics server, for clients that cannot reach NATS.
	Serve string `json:"serve,omitempty" yaml:"serve,omitempty"`
}

// BackendConfig selects where records are read and written.
type BackendConfig struct {
	Kind    string        `json:"kind" yaml:"kind"`
	KV      KVConfig      `json:"kv" yaml:"kv"`
	GraphQL GraphQLConfig `json:"graphql" yaml:"graphql"`
}

// KVConfig configures the JetStream KV backend.
type KVConfig struct {
	History      int           `json:"history" yaml:"history"`
	Watch        bool          `json:"watch" yaml:"watch"` // relay writes made by other processes
	Timeout      time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxValueSize int           `json:"max_value_size,omitempty" yaml:"max_value_size,omitempty"`
}

// GraphQLConfig configures the GraphQL backend.
type GraphQLConfig struct {
	Endpoint   string                     `json:"endpoint" yaml:"endpoint"`
	SchemaFile string                     `json:"schema_file,omitempty" yaml:"schema_file,omitempty"`
	Headers    map[string]string          `json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout    time.Duration              `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	RateLimit  float64                    `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"` // requests per second per entity; 0 is unlimited
	Burst      int                        `json:"burst,omitempty" yaml:"burst,omitempty"`
	Documents  map[string]DocumentsConfig `json:"documents" yaml:"documents"` // keyed by entity name
}

// DocumentsConfig holds the GraphQL documents for one entity type.
type DocumentsConfig struct {
	List   string `json:"list" yaml:"list"`
	Get    string `json:"get" yaml:"get"`
	Create string `json:"create" yaml:"create"`
	Update string `json:"update" yaml:"update"`
	Delete string `json:"delete" yaml:"delete"`
}

// StoreConfig tunes the group and entity stores.
type StoreConfig struct {
	PageSize     int `json:"page_size" yaml:"page_size"`
	HistoryLimit int `json:"history_limit" yaml:"history_limit"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty" yaml:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty" yaml:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`
	PingInterval  time.Duration `json:"ping_interval,omitempty" yaml:"ping_interval,omitempty"`
	DrainTimeout  time.Duration `json:"drain_timeout,omitempty" yaml:"drain_timeout,omitempty"`

	// Circuit breaker: after CircuitThreshold failed attempts the client
	// refuses calls for a backoff that doubles up to MaxBackoff.
	CircuitThreshold int32         `json:"circuit_threshold,omitempty" yaml:"circuit_threshold,omitempty"`
	MaxBackoff       time.Duration `json:"max_backoff,omitempty" yaml:"max_backoff,omitempty"`

	Username      string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string        `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string        `json:"token,omitempty" yaml:"token,omitempty"`
}

// MetricsConfig configures the metrics and health server.
type MetricsConfig struct {
	Addr string `json:"addr" yaml:"addr"`
	Path string `json:"path" yaml:"path"`
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

func invalid(format string, args ...any) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrInvalidConfig, fmt.Sprintf(format, args...)),
		"Config", "Validate", "check config")
}

// Validate checks the configuration and normalizes kinds to lower case.
func (c *Config) Validate() error {
	if c.Tenant != "" {
		if err := syncchannel.ValidateToken(c.Tenant); err != nil {
			return invalid("tenant %q is not subject-safe", c.Tenant)
		}
	}
	if err := syncchannel.ValidateToken(c.Channels.Prefix); err != nil {
		return invalid("channels.prefix %q is not subject-safe", c.Channels.Prefix)
	}

	c.Transport.Kind = strings.ToLower(c.Transport.Kind)
	switch c.Transport.Kind {
	case TransportNATS:
	case TransportWebSocket:
		if c.Transport.URL == "" {
			return invalid("transport.url is required for websocket")
		}
	default:
		return invalid("transport.kind must be %q or %q, got %q", TransportNATS, TransportWebSocket, c.Transport.Kind)
	}
	if c.Transport.Serve != "" && !strings.HasPrefix(c.Transport.Serve, "/") {
		return invalid("transport.serve must be a path, got %q", c.Transport.Serve)
	}

	c.Backend.Kind = strings.ToLower(c.Backend.Kind)
	switch c.Backend.Kind {
	case BackendKV:
		if c.Backend.KV.History < 1 || c.Backend.KV.History > maxKVHistory {
			return invalid("backend.kv.history must be between 1 and %d", maxKVHistory)
		}
		if c.Backend.KV.Timeout < 0 || c.Backend.KV.MaxValueSize < 0 {
			return invalid("backend.kv.timeout and max_value_size must not be negative")
		}
	case BackendGraphQL:
		if err := c.Backend.GraphQL.validate(); err != nil {
			return err
		}
	default:
		return invalid("backend.kind must be %q or %q, got %q", BackendKV, BackendGraphQL, c.Backend.Kind)
	}

	if (c.Transport.Kind == TransportNATS || c.Backend.Kind == BackendKV) && len(c.NATS.URLs) == 0 {
		return invalid("nats.urls is required for the nats transport and the kv backend")
	}
	if c.NATS.PingInterval <= 0 || c.NATS.DrainTimeout <= 0 {
		return invalid("nats.ping_interval and nats.drain_timeout must be positive")
	}
	if c.NATS.CircuitThreshold < 1 {
		return invalid("nats.circuit_threshold must be positive")
	}
	if c.NATS.MaxBackoff < time.Second {
		return invalid("nats.max_backoff must be at least 1s")
	}

	if c.Stores.PageSize < 1 {
		return invalid("stores.page_size must be positive")
	}
	if c.Stores.HistoryLimit < 1 {
		return invalid("stores.history_limit must be positive")
	}
	return nil
}

func (g GraphQLConfig) validate() error {
	if g.Endpoint == "" {
		return invalid("backend.graphql.endpoint is required")
	}
	if g.RateLimit < 0 || g.Burst < 0 {
		return invalid("backend.graphql.rate_limit and burst must not be negative")
	}
	for _, name := range domain.Names {
		docs, ok := g.Documents[name]
		if !ok {
			return invalid("backend.graphql.documents.%s is required", name)
		}
		if docs.List == "" || docs.Get == "" || docs.Create == "" || docs.Update == "" || docs.Delete == "" {
			return invalid("backend.graphql.documents.%s needs list, get, create, update and delete", name)
		}
	}
	return nil
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: false,
		envPrefix:  "ENTITYSYNC",
	}
}

// AddLayer adds a configuration file layer. JSON and YAML files may be
// mixed; later layers override earlier ones key by key.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		if cfg, err = l.mergeFromMap(cfg, raw); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "merge "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Defaults returns the configuration used when no layer sets a value.
func Defaults() *Config {
	return &Config{
		Channels:  ChannelConfig{Prefix: "entitysync"},
		Transport: TransportConfig{Kind: TransportNATS},
		Backend: BackendConfig{
			Kind: BackendKV,
			KV: KVConfig{
				History:      10,
				Timeout:      5 * time.Second,
				MaxValueSize: 1 << 20,
			},
			GraphQL: GraphQLConfig{
				Timeout: 30 * time.Second,
			},
		},
		Stores: StoreConfig{PageSize: 1000, HistoryLimit: 100},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects:    -1,
			ReconnectWait:    2 * time.Second,
			PingInterval:     30 * time.Second,
			DrainTimeout:     30 * time.Second,
			CircuitThreshold: 5,
			MaxBackoff:       time.Minute,
		},
		Metrics: MetricsConfig{Addr: ":9090", Path: "/metrics"},
	}
}

// loadRaw reads a JSON or YAML layer as a generic map.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
	}

	l.parseDurations(raw)
	return raw, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields
// present in the map.
func (l *Loader) mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(l.deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func (l *Loader) deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = l.deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// parseDurations converts duration strings to nanoseconds for json unmarshaling
func (l *Loader) parseDurations(data map[string]any) {
	convert := func(section map[string]any, key string) {
		if s, ok := section[key].(string); ok {
			if d, err := time.ParseDuration(s); err == nil {
				section[key] = d.Nanoseconds()
			}
		}
	}

	if nats, ok := data["nats"].(map[string]any); ok {
		for _, key := range []string{"reconnect_wait", "ping_interval", "drain_timeout", "max_backoff"} {
			convert(nats, key)
		}
	}
	if tr, ok := data["transport"].(map[string]any); ok {
		convert(tr, "read_timeout")
	}
	if backend, ok := data["backend"].(map[string]any); ok {
		if gql, ok := backend["graphql"].(map[string]any); ok {
			convert(gql, "timeout")
		}
		if kv, ok := backend["kv"].(map[string]any); ok {
			convert(kv, "timeout")
		}
	}
}

// applyEnvOverrides applies <prefix>_* environment variables.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	overrides := []struct {
		key   string
		apply func(string) error
	}{
		{"TENANT", func(v string) error { cfg.Tenant = v; return nil }},
		{"CHANNEL_PREFIX", func(v string) error { cfg.Channels.Prefix = v; return nil }},
		{"TRANSPORT", func(v string) error { cfg.Transport.Kind = v; return nil }},
		{"TRANSPORT_URL", func(v string) error { cfg.Transport.URL = v; return nil }},
		{"BACKEND", func(v string) error { cfg.Backend.Kind = v; return nil }},
		{"GRAPHQL_ENDPOINT", func(v string) error { cfg.Backend.GraphQL.Endpoint = v; return nil }},
		{"NATS_URLS", func(v string) error { cfg.NATS.URLs = strings.Split(v, ","); return nil }},
		{"NATS_USERNAME", func(v string) error { cfg.NATS.Username = v; return nil }},
		{"NATS_PASSWORD", func(v string) error { cfg.NATS.Password = v; return nil }},
		{"NATS_TOKEN", func(v string) error { cfg.NATS.Token = v; return nil }},
		{"METRICS_ADDR", func(v string) error { cfg.Metrics.Addr = v; return nil }},
		{"PAGE_SIZE", func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			cfg.Stores.PageSize = n
			return nil
		}},
	}

	for _, o := range overrides {
		key := l.envPrefix + "_" + o.key
		val := os.Getenv(key)
		if val == "" {
			continue
		}
		if err := validateEnvVar(key, val); err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "check "+key)
		}
		if err := o.apply(val); err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "parse "+key)
		}
	}
	return nil
}

// SaveToFile saves the configuration as JSON or YAML, chosen by extension.
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return errors.WrapInvalid(err, "Config", "SaveToFile", "marshal config")
	}
	return safeWriteFile(path, data)
}

// String returns a JSON representation of the config with secrets masked.
func (c *Config) String() string {
	masked := c.Clone()
	if masked.NATS.Password != "" {
		masked.NATS.Password = "****"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "****"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}
