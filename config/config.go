// Package config describes the server configuration: defaults overlaid by
// file config overlaid by environment. Structures follow the same
// default-then-overwrite unmarshalling scheme everywhere, and unknown
// fields are rejected.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// EnvVarPort overrides server.port when set.
const EnvVarPort = "PORT"

// EnvVarMode selects the environment mode (development/production).
const EnvVarMode = "XYPRISS_ENV"

// DefaultMasterKeyEnv names the variable consulted for the cache master key
// when cache.encryption.master_key_env is not set.
const DefaultMasterKeyEnv = "XYPRISS_MASTER_KEY"

var (
	defaultConfig = Config{
		Server:  defaultServer,
		Cache:   defaultCache,
		Cluster: defaultCluster,
		Network: defaultNetwork,
		Requests: Requests{
			Timeout:     defaultTimeout,
			Concurrency: defaultConcurrency,
			Payload:     defaultPayload,
		},
		Logging: defaultLogging,
	}

	defaultServer = Server{
		Host:            "0.0.0.0",
		Port:            8080,
		JSONLimit:       ByteSize(10 * MB),
		URLEncodedLimit: ByteSize(10 * MB),
		AutoParseJSON:   true,
		AutoPortSwitch: AutoPortSwitch{
			Strategy:    "increment",
			MaxAttempts: 10,
		},
	}

	defaultCache = Cache{
		Strategy: "auto",
		TTL:      Duration(time.Hour),
		Memory: MemoryCache{
			MaxSize:    ByteSize(100 * MB),
			MaxEntries: 10000,
		},
		CompressionLevel:     6,
		CompressionThreshold: ByteSize(KB),
		Redis: RedisCache{
			Port: 6379,
		},
		Encryption: CacheEncryption{
			Enabled:      true,
			MasterKeyEnv: DefaultMasterKeyEnv,
		},
	}

	defaultCluster = Cluster{
		Config: ClusterConfig{
			MasterServes:      true,
			MaxRestarts:       10,
			RestartWindow:     Duration(10 * time.Minute),
			MinWorkers:        1,
			GracePeriod:       Duration(30 * time.Second),
			HeartbeatInterval: Duration(2 * time.Second),
			WatchDebounce:     Duration(300 * time.Millisecond),
		},
	}

	defaultNetwork = Network{
		Connection: Connection{
			KeepAliveTimeout:     Duration(time.Minute * 10),
			MaxConcurrentStreams: 250,
			InitialWindowSize:    ByteSize(MB),
		},
		Compression: Compression{
			Algorithms:   []string{"gzip", "deflate", "br"},
			Level:        6,
			Threshold:    ByteSize(KB),
			ContentTypes: []string{"application/json", "text/html", "text/plain", "text/css", "application/javascript"},
		},
		RateLimit: RateLimit{
			Strategy:     "sliding-window",
			Requests:     1000,
			Window:       Duration(time.Minute),
			Key:          "ip",
			HeaderPrefix: "X-RateLimit",
		},
		Proxy: Proxy{
			LoadBalancing:       "round-robin",
			HealthCheckPath:     "/health",
			HealthCheckInterval: Duration(5 * time.Second),
			UnhealthyThreshold:  3,
			HealthyThreshold:    2,
		},
	}

	defaultTimeout = Timeout{
		Enabled:        true,
		DefaultTimeout: Duration(30 * time.Second),
	}

	defaultConcurrency = Concurrency{
		MaxConcurrentRequests: 1024,
		QueueTimeout:          Duration(5 * time.Second),
	}

	defaultPayload = Payload{
		MaxBodySize:  ByteSize(10 * MB),
		MaxURLLength: 2048,
		MaxFileSize:  ByteSize(100 * MB),
	}

	defaultLogging = Logging{
		Enabled: true,
		Level:   "info",
	}
)

// Config is the root server configuration.
type Config struct {
	Server   Server   `yaml:"server,omitempty"`
	Cache    Cache    `yaml:"cache,omitempty"`
	Security Security `yaml:"security,omitempty"`
	Cluster  Cluster  `yaml:"cluster,omitempty"`
	Network  Network  `yaml:"network,omitempty"`
	Requests Requests `yaml:"request_management,omitempty"`
	Logging  Logging  `yaml:"logging,omitempty"`
	Plugins  Plugins  `yaml:"plugins,omitempty"`
	Metrics  Metrics  `yaml:"metrics,omitempty"`

	// Env is the environment mode; overridden by XYPRISS_ENV.
	Env string `yaml:"env,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// String implements the fmt.Stringer interface.
func (c *Config) String() string {
	b, err := yaml.Marshal(withoutSensitiveInfo(c))
	if err != nil {
		return ""
	}
	return string(b)
}

func withoutSensitiveInfo(config *Config) *Config {
	const pswPlaceHolder = "XXX"
	c := *config
	if len(c.Cache.Redis.Password) > 0 {
		c.Cache.Redis.Password = pswPlaceHolder
	}
	if len(c.Security.Authentication.JWT.Secret) > 0 {
		c.Security.Authentication.JWT.Secret = pswPlaceHolder
	}
	return &c
}

// Validate passed configuration by additional marshalling to ensure that
// all rules and checks were applied.
func (c *Config) Validate() error {
	content, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("error while marshalling config: %s", err)
	}

	cfg := &Config{}
	return yaml.Unmarshal(content, cfg)
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = defaultConfig

	type plain Config
	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}

	return checkOverflow(c.XXX, "config")
}

// Server holds listener settings.
type Server struct {
	Host string `yaml:"host,omitempty"`

	// Port to bind to; PORT env var takes precedence.
	Port int `yaml:"port,omitempty"`

	AutoPortSwitch AutoPortSwitch `yaml:"auto_port_switch,omitempty"`

	JSONLimit       ByteSize `yaml:"json_limit,omitempty"`
	URLEncodedLimit ByteSize `yaml:"url_encoded_limit,omitempty"`

	// AutoParseJSON enables the body parsing middleware.
	AutoParseJSON bool `yaml:"auto_parse_json,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (s *Server) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*s = defaultServer

	type plain Server
	if err := unmarshal((*plain)(s)); err != nil {
		return err
	}

	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("field `server.port` must be in [0, 65535]. Got %d instead", s.Port)
	}

	return checkOverflow(s.XXX, "server")
}

// AutoPortSwitch configures the fallback search for a free port.
type AutoPortSwitch struct {
	Enabled bool `yaml:"enabled,omitempty"`

	// Strategy: `increment`, `random` or `predefined`.
	Strategy string `yaml:"strategy,omitempty"`

	MaxAttempts int `yaml:"max_attempts,omitempty"`

	PortRange       PortRange `yaml:"port_range,omitempty"`
	PredefinedPorts []int     `yaml:"predefined_ports,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (a *AutoPortSwitch) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain AutoPortSwitch
	if err := unmarshal((*plain)(a)); err != nil {
		return err
	}

	switch a.Strategy {
	case "", "increment", "random", "predefined":
	default:
		return fmt.Errorf("field `auto_port_switch.strategy` must be `increment`, `random` or `predefined`. Got %q instead", a.Strategy)
	}
	if a.Strategy == "predefined" && len(a.PredefinedPorts) == 0 {
		return fmt.Errorf("strategy `predefined` requires `predefined_ports`")
	}
	if a.Strategy == "random" && a.PortRange.Max == 0 {
		return fmt.Errorf("strategy `random` requires `port_range`")
	}

	return checkOverflow(a.XXX, "auto_port_switch")
}

// PortRange bounds a port search.
type PortRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// Cache configures the layered secure cache.
type Cache struct {
	// Strategy: `memory`, `redis`, `hybrid` or `auto`.
	Strategy string `yaml:"strategy,omitempty"`

	MaxSize ByteSize `yaml:"max_size,omitempty"`
	TTL     Duration `yaml:"ttl,omitempty"`

	Memory MemoryCache `yaml:"memory,omitempty"`
	Redis  RedisCache  `yaml:"redis,omitempty"`

	EnableCompression    bool     `yaml:"enable_compression,omitempty"`
	CompressionLevel     int      `yaml:"compression_level,omitempty"`
	CompressionThreshold ByteSize `yaml:"compression_threshold,omitempty"`

	Encryption CacheEncryption `yaml:"encryption,omitempty"`

	// AsyncRedisWrites applies hybrid-strategy distributed writes in the
	// background.
	AsyncRedisWrites bool `yaml:"async_redis_writes,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *Cache) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = defaultCache

	type plain Cache
	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}

	switch c.Strategy {
	case "memory", "redis", "hybrid", "auto":
	default:
		return fmt.Errorf("field `cache.strategy` must be `memory`, `redis`, `hybrid` or `auto`. Got %q instead", c.Strategy)
	}
	if c.CompressionLevel < 1 || c.CompressionLevel > 9 {
		return fmt.Errorf("field `cache.compression_level` must be in [1, 9]. Got %d instead", c.CompressionLevel)
	}

	return checkOverflow(c.XXX, "cache")
}

// MemoryCache bounds the memory tier.
type MemoryCache struct {
	MaxSize    ByteSize `yaml:"max_size,omitempty"`
	MaxEntries int      `yaml:"max_entries,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (m *MemoryCache) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain MemoryCache
	if err := unmarshal((*plain)(m)); err != nil {
		return err
	}
	return checkOverflow(m.XXX, "cache.memory")
}

// RedisCache points at the distributed tier.
type RedisCache struct {
	Host     string   `yaml:"host,omitempty"`
	Port     int      `yaml:"port,omitempty"`
	Password string   `yaml:"password,omitempty"`
	Cluster  bool     `yaml:"cluster,omitempty"`
	Nodes    []string `yaml:"nodes,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (r *RedisCache) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain RedisCache
	if err := unmarshal((*plain)(r)); err != nil {
		return err
	}
	if r.Cluster && len(r.Nodes) == 0 {
		return fmt.Errorf("field `cache.redis.nodes` must contain at least 1 address in cluster mode")
	}
	return checkOverflow(r.XXX, "cache.redis")
}

// Addresses returns the redis endpoints to dial.
func (r *RedisCache) Addresses() []string {
	if len(r.Nodes) > 0 {
		return r.Nodes
	}
	if r.Host == "" {
		return nil
	}
	return []string{fmt.Sprintf("%s:%d", r.Host, r.Port)}
}

// CacheEncryption controls the AEAD envelope applied to cached values.
type CacheEncryption struct {
	Enabled bool `yaml:"enabled"`

	// MasterKeyEnv names the env var holding the hex master key.
	MasterKeyEnv string `yaml:"master_key_env,omitempty"`

	// PlaintextFallback treats undecryptable values as unencrypted.
	// Compatibility path for rollout; keep off in production.
	PlaintextFallback bool `yaml:"plaintext_fallback,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (e *CacheEncryption) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*e = defaultCache.Encryption

	type plain CacheEncryption
	if err := unmarshal((*plain)(e)); err != nil {
		return err
	}
	return checkOverflow(e.XXX, "cache.encryption")
}

// Security toggles the built-in security middleware.
type Security struct {
	Encryption     bool           `yaml:"encryption,omitempty"`
	CORS           bool           `yaml:"cors,omitempty"`
	Helmet         bool           `yaml:"helmet,omitempty"`
	XSS            bool           `yaml:"xss,omitempty"`
	BruteForce     bool           `yaml:"brute_force,omitempty"`
	Authentication Authentication `yaml:"authentication,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (s *Security) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain Security
	if err := unmarshal((*plain)(s)); err != nil {
		return err
	}
	return checkOverflow(s.XXX, "security")
}

// Authentication holds JWT settings.
type Authentication struct {
	JWT JWT `yaml:"jwt,omitempty"`
}

// JWT settings for the auth middleware.
type JWT struct {
	Secret    string   `yaml:"secret,omitempty"`
	ExpiresIn Duration `yaml:"expires_in,omitempty"`
}

// Cluster enables the worker supervisor.
type Cluster struct {
	Enabled bool          `yaml:"enabled,omitempty"`
	Config  ClusterConfig `yaml:"config,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *Cluster) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = defaultCluster

	type plain Cluster
	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}
	return checkOverflow(c.XXX, "cluster")
}

// ClusterConfig tunes the supervisor.
type ClusterConfig struct {
	// Workers is the fleet size; 0 means max(1, cpuCount).
	Workers int `yaml:"workers,omitempty"`

	// MasterServes makes the master accept connections as a peer worker
	// alongside supervising the fleet. On by default; the listener is
	// shared with workers via SO_REUSEPORT.
	MasterServes bool `yaml:"master_serves,omitempty"`

	MaxRestarts   int      `yaml:"max_restarts,omitempty"`
	RestartWindow Duration `yaml:"restart_window,omitempty"`

	MinWorkers int `yaml:"min_workers,omitempty"`
	MaxWorkers int `yaml:"max_workers,omitempty"`

	GracePeriod       Duration `yaml:"grace_period,omitempty"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval,omitempty"`

	// WatchPaths enables file-watch rolling restarts.
	WatchPaths    []string `yaml:"watch_paths,omitempty"`
	WatchDebounce Duration `yaml:"watch_debounce,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *ClusterConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = defaultCluster.Config

	type plain ClusterConfig
	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}
	if c.MaxWorkers > 0 && c.MinWorkers > c.MaxWorkers {
		return fmt.Errorf("field `cluster.config.min_workers` must not exceed `max_workers`")
	}
	return checkOverflow(c.XXX, "cluster.config")
}

// WorkerCount resolves the configured fleet size.
func (c *ClusterConfig) WorkerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	return n
}

// Network groups the four network sub-plugins.
type Network struct {
	Connection  Connection  `yaml:"connection,omitempty"`
	Compression Compression `yaml:"compression,omitempty"`
	RateLimit   RateLimit   `yaml:"rate_limit,omitempty"`
	Proxy       Proxy       `yaml:"proxy,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (n *Network) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*n = defaultNetwork

	type plain Network
	if err := unmarshal((*plain)(n)); err != nil {
		return err
	}
	return checkOverflow(n.XXX, "network")
}

// Connection tunes the listener and HTTP/2 behaviour.
type Connection struct {
	Enabled bool `yaml:"enabled,omitempty"`

	MaxConcurrentStreams uint32   `yaml:"max_concurrent_streams,omitempty"`
	InitialWindowSize    ByteSize `yaml:"initial_window_size,omitempty"`

	KeepAliveTimeout   Duration `yaml:"keep_alive_timeout,omitempty"`
	MaxRequestsPerConn int      `yaml:"max_requests_per_conn,omitempty"`
	MaxConnections     int      `yaml:"max_connections,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *Connection) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = defaultNetwork.Connection

	type plain Connection
	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}
	return checkOverflow(c.XXX, "network.connection")
}

// Compression configures per-response compression.
type Compression struct {
	Enabled bool `yaml:"enabled,omitempty"`

	// Algorithms in preference order; subset of gzip, deflate, br.
	Algorithms []string `yaml:"algorithms,omitempty"`

	Level        int      `yaml:"level,omitempty"`
	Threshold    ByteSize `yaml:"threshold,omitempty"`
	ContentTypes []string `yaml:"content_types,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *Compression) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = defaultNetwork.Compression

	type plain Compression
	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}
	if c.Level < 1 || c.Level > 9 {
		return fmt.Errorf("field `network.compression.level` must be in [1, 9]. Got %d instead", c.Level)
	}
	for _, a := range c.Algorithms {
		switch a {
		case "gzip", "deflate", "br":
		default:
			return fmt.Errorf("field `network.compression.algorithms` must contain only `gzip`, `deflate` or `br`. Got %q instead", a)
		}
	}
	return checkOverflow(c.XXX, "network.compression")
}

// RateLimit configures request throttling.
type RateLimit struct {
	Enabled bool `yaml:"enabled,omitempty"`

	// Strategy: `fixed-window`, `sliding-window` or `token-bucket`.
	Strategy string `yaml:"strategy,omitempty"`

	Requests int      `yaml:"requests,omitempty"`
	Window   Duration `yaml:"window,omitempty"`

	// Key: `global`, `ip`, `user` or `route`.
	Key string `yaml:"key,omitempty"`

	// Distributed stores counters in the secure cache.
	Distributed bool `yaml:"distributed,omitempty"`

	HeaderPrefix string `yaml:"header_prefix,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (r *RateLimit) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*r = defaultNetwork.RateLimit

	type plain RateLimit
	if err := unmarshal((*plain)(r)); err != nil {
		return err
	}
	switch r.Strategy {
	case "fixed-window", "sliding-window", "token-bucket":
	default:
		return fmt.Errorf("field `network.rate_limit.strategy` must be `fixed-window`, `sliding-window` or `token-bucket`. Got %q instead", r.Strategy)
	}
	switch r.Key {
	case "global", "ip", "user", "route":
	default:
		return fmt.Errorf("field `network.rate_limit.key` must be `global`, `ip`, `user` or `route`. Got %q instead", r.Key)
	}
	return checkOverflow(r.XXX, "network.rate_limit")
}

// Proxy configures the reverse-proxy sub-plugin.
type Proxy struct {
	Enabled bool `yaml:"enabled,omitempty"`

	Upstreams []Upstream `yaml:"upstreams,omitempty"`

	// LoadBalancing: `round-robin`, `weighted-round-robin`, `ip-hash`,
	// `least-connections` or `least-response-time`.
	LoadBalancing string `yaml:"load_balancing,omitempty"`

	HealthCheckPath     string   `yaml:"health_check_path,omitempty"`
	HealthCheckInterval Duration `yaml:"health_check_interval,omitempty"`
	UnhealthyThreshold  int      `yaml:"unhealthy_threshold,omitempty"`
	HealthyThreshold    int      `yaml:"healthy_threshold,omitempty"`

	CircuitBreaker bool `yaml:"circuit_breaker,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (p *Proxy) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*p = defaultNetwork.Proxy

	type plain Proxy
	if err := unmarshal((*plain)(p)); err != nil {
		return err
	}
	if p.Enabled && len(p.Upstreams) == 0 {
		return fmt.Errorf("field `network.proxy.upstreams` must contain at least 1 upstream")
	}
	switch p.LoadBalancing {
	case "round-robin", "weighted-round-robin", "ip-hash", "least-connections", "least-response-time":
	default:
		return fmt.Errorf("unknown `network.proxy.load_balancing` %q", p.LoadBalancing)
	}
	return checkOverflow(p.XXX, "network.proxy")
}

// Upstream is a single proxy target.
type Upstream struct {
	URL    string `yaml:"url"`
	Weight int    `yaml:"weight,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (u *Upstream) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain Upstream
	if err := unmarshal((*plain)(u)); err != nil {
		return err
	}
	if u.URL == "" {
		return fmt.Errorf("field `url` must be set for each upstream")
	}
	if u.Weight < 0 {
		return fmt.Errorf("field `weight` must not be negative")
	}
	return checkOverflow(u.XXX, "network.proxy.upstreams")
}

// Requests groups request-management settings.
type Requests struct {
	Timeout     Timeout     `yaml:"timeout,omitempty"`
	Quality     Quality     `yaml:"network_quality,omitempty"`
	Concurrency Concurrency `yaml:"concurrency,omitempty"`
	Payload     Payload     `yaml:"payload,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (r *Requests) UnmarshalYAML(unmarshal func(interface{}) error) error {
	r.Timeout = defaultTimeout
	r.Concurrency = defaultConcurrency
	r.Payload = defaultPayload

	type plain Requests
	if err := unmarshal((*plain)(r)); err != nil {
		return err
	}
	return checkOverflow(r.XXX, "request_management")
}

// Timeout bounds request handling time.
type Timeout struct {
	Enabled        bool     `yaml:"enabled"`
	DefaultTimeout Duration `yaml:"default_timeout,omitempty"`

	// Routes maps route patterns to per-route timeouts.
	Routes map[string]Duration `yaml:"routes,omitempty"`
}

// Quality rejects requests on degraded client networks.
type Quality struct {
	Enabled      bool     `yaml:"enabled,omitempty"`
	MinBandwidth ByteSize `yaml:"min_bandwidth,omitempty"`
	MaxLatency   Duration `yaml:"max_latency,omitempty"`
}

// Concurrency caps in-flight requests.
type Concurrency struct {
	MaxConcurrentRequests int      `yaml:"max_concurrent_requests,omitempty"`
	MaxPerIP              int      `yaml:"max_per_ip,omitempty"`
	QueueTimeout          Duration `yaml:"queue_timeout,omitempty"`

	// RoutePriorities maps route patterns to integer priorities; higher
	// priority requests are dequeued first.
	RoutePriorities map[string]int `yaml:"route_priorities,omitempty"`
}

// Payload bounds request payloads.
type Payload struct {
	MaxBodySize      ByteSize `yaml:"max_body_size,omitempty"`
	MaxURLLength     int      `yaml:"max_url_length,omitempty"`
	MaxFileSize      ByteSize `yaml:"max_file_size,omitempty"`
	AllowedMimeTypes []string `yaml:"allowed_mime_types,omitempty"`
}

// Logging controls log output and console interception.
type Logging struct {
	Enabled    bool     `yaml:"enabled"`
	Level      string   `yaml:"level,omitempty"`
	Components []string `yaml:"components,omitempty"`
	Types      []string `yaml:"types,omitempty"`

	ConsoleInterception ConsoleInterception `yaml:"console_interception,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (l *Logging) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*l = defaultLogging

	type plain Logging
	if err := unmarshal((*plain)(l)); err != nil {
		return err
	}
	return checkOverflow(l.XXX, "logging")
}

// ConsoleInterception configures the stdout/stderr interceptor.
type ConsoleInterception struct {
	Enabled bool `yaml:"enabled,omitempty"`

	MaxPerSecond int    `yaml:"max_per_second,omitempty"`
	MinLevel     string `yaml:"min_level,omitempty"`
	MaxLength    int    `yaml:"max_length,omitempty"`

	IncludePatterns []string `yaml:"include_patterns,omitempty"`
	ExcludePatterns []string `yaml:"exclude_patterns,omitempty"`

	// Preserve: `original`, `intercepted`, `both` or `none`.
	// Legacy boolean forms are accepted.
	Preserve string `yaml:"preserve,omitempty"`

	Encrypt bool   `yaml:"encrypt,omitempty"`
	Display string `yaml:"display,omitempty"`

	TraceEnabled bool `yaml:"trace_enabled,omitempty"`
	TraceSize    int  `yaml:"trace_size,omitempty"`
}

// Plugins lists plugin registrations.
type Plugins struct {
	Register []PluginRef `yaml:"register,omitempty"`

	// Permissions maps plugin id to its allowed hooks.
	Permissions map[string][]string `yaml:"plugin_permissions,omitempty"`
}

// PluginRef references a plugin by id with its static configuration.
type PluginRef struct {
	ID       string                 `yaml:"id"`
	Type     string                 `yaml:"type,omitempty"`
	Priority int                    `yaml:"priority,omitempty"`
	Config   map[string]interface{} `yaml:"config,omitempty"`
}

// Metrics configures the prometheus endpoint.
type Metrics struct {
	Namespace       string   `yaml:"namespace,omitempty"`
	AllowedNetworks Networks `yaml:"allowed_networks,omitempty"`
}

// LoadFile loads and validates configuration from the provided .yml file,
// then applies environment overrides.
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the built-in configuration with environment overrides
// applied. Used when no config file is supplied.
func Default() (*Config, error) {
	cfg := &Config{}
	*cfg = defaultConfig
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvVarPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 0 || port > 65535 {
			return fmt.Errorf("invalid %s value %q", EnvVarPort, v)
		}
		c.Server.Port = port
	}
	if v := os.Getenv(EnvVarMode); v != "" {
		c.Env = v
	}
	if c.Env == "" {
		c.Env = "development"
	}
	return nil
}
