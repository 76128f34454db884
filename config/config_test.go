package config

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v2"
)

func TestLoadFileFull(t *testing.T) {
	t.Setenv(EnvVarPort, "")
	t.Setenv(EnvVarMode, "")

	cfg, err := LoadFile("testdata/full.yml")
	assert.NoError(t, err)

	expected := &Config{
		Server: Server{
			Host: "127.0.0.1",
			Port: 9090,
			AutoPortSwitch: AutoPortSwitch{
				Enabled:         true,
				Strategy:        "predefined",
				MaxAttempts:     5,
				PredefinedPorts: []int{9091, 9092},
			},
			JSONLimit:       ByteSize(4 * MB),
			URLEncodedLimit: ByteSize(2 * MB),
			AutoParseJSON:   true,
		},
		Cache: Cache{
			Strategy: "hybrid",
			TTL:      Duration(30 * time.Minute),
			Memory: MemoryCache{
				MaxSize:    ByteSize(50 * MB),
				MaxEntries: 5000,
			},
			Redis: RedisCache{
				Host:     "redis.local",
				Port:     6380,
				Password: "secret",
			},
			EnableCompression:    true,
			CompressionLevel:     4,
			CompressionThreshold: ByteSize(2 * KB),
			Encryption: CacheEncryption{
				Enabled:      true,
				MasterKeyEnv: "APP_MASTER_KEY",
			},
		},
		Security: Security{
			CORS:   true,
			Helmet: true,
			Authentication: Authentication{
				JWT: JWT{
					Secret:    "topsecret",
					ExpiresIn: Duration(24 * time.Hour),
				},
			},
		},
		Cluster: Cluster{
			Enabled: true,
			Config: ClusterConfig{
				Workers:           4,
				MasterServes:      false,
				MaxRestarts:       5,
				RestartWindow:     Duration(5 * time.Minute),
				MinWorkers:        2,
				MaxWorkers:        8,
				GracePeriod:       Duration(10 * time.Second),
				HeartbeatInterval: Duration(time.Second),
				WatchPaths:        []string{"./app"},
				WatchDebounce:     Duration(500 * time.Millisecond),
			},
		},
		Network: Network{
			Connection: Connection{
				Enabled:              true,
				MaxConcurrentStreams: 100,
				InitialWindowSize:    ByteSize(512 * KB),
				KeepAliveTimeout:     Duration(2 * time.Minute),
				MaxConnections:       2000,
			},
			Compression: Compression{
				Enabled:      true,
				Algorithms:   []string{"br", "gzip"},
				Level:        7,
				Threshold:    ByteSize(4 * KB),
				ContentTypes: []string{"application/json"},
			},
			RateLimit: RateLimit{
				Enabled:      true,
				Strategy:     "token-bucket",
				Requests:     50,
				Window:       Duration(10 * time.Second),
				Key:          "user",
				Distributed:  true,
				HeaderPrefix: "X-RL",
			},
			Proxy: Proxy{
				Enabled: true,
				Upstreams: []Upstream{
					{URL: "http://10.0.0.1:8080", Weight: 3},
					{URL: "http://10.0.0.2:8080"},
				},
				LoadBalancing:       "weighted-round-robin",
				HealthCheckPath:     "/healthz",
				HealthCheckInterval: Duration(10 * time.Second),
				UnhealthyThreshold:  2,
				HealthyThreshold:    1,
				CircuitBreaker:      true,
			},
		},
		Requests: Requests{
			Timeout: Timeout{
				Enabled:        true,
				DefaultTimeout: Duration(15 * time.Second),
				Routes: map[string]Duration{
					"/api/slow/*": Duration(time.Minute),
				},
			},
			Concurrency: Concurrency{
				MaxConcurrentRequests: 256,
				MaxPerIP:              16,
				QueueTimeout:          Duration(2 * time.Second),
				RoutePriorities: map[string]int{
					"/api/admin/*": 10,
				},
			},
			Payload: Payload{
				MaxBodySize:      ByteSize(MB),
				MaxURLLength:     1024,
				MaxFileSize:      ByteSize(20 * MB),
				AllowedMimeTypes: []string{"application/json"},
			},
		},
		Logging: Logging{
			Enabled: true,
			Level:   "debug",
			ConsoleInterception: ConsoleInterception{
				Enabled:      true,
				MaxPerSecond: 100,
				MinLevel:     "warn",
				MaxLength:    2048,
				Preserve:     "both",
				Encrypt:      true,
				Display:      "readable",
			},
		},
		Plugins: Plugins{
			Register: []PluginRef{
				{
					ID:       "slow",
					Type:     "slow-request",
					Priority: 5,
					Config:   map[string]interface{}{"threshold": "2s"},
				},
			},
			Permissions: map[string][]string{
				"slow": {"onRequestEnd"},
			},
		},
		Metrics: Metrics{
			Namespace:       "xypriss",
			AllowedNetworks: Networks{mustIPNet(t, "127.0.0.1"), mustIPNet(t, "10.0.0.0/8")},
		},
		Env: "production",
	}

	if diff := cmp.Diff(expected, cfg); diff != "" {
		t.Fatalf("unexpected config (-want +got):\n%s", diff)
	}
	assert.NoError(t, cfg.Validate())
}

func TestLoadFileMinimalDefaults(t *testing.T) {
	t.Setenv(EnvVarPort, "")
	t.Setenv(EnvVarMode, "")

	cfg, err := LoadFile("testdata/minimal.yml")
	assert.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, ByteSize(10*MB), cfg.Server.JSONLimit)
	assert.True(t, cfg.Server.AutoParseJSON)
	assert.Equal(t, "increment", cfg.Server.AutoPortSwitch.Strategy)

	assert.Equal(t, "auto", cfg.Cache.Strategy)
	assert.Equal(t, Duration(time.Hour), cfg.Cache.TTL)
	assert.Equal(t, 10000, cfg.Cache.Memory.MaxEntries)
	assert.True(t, cfg.Cache.Encryption.Enabled)
	assert.Equal(t, DefaultMasterKeyEnv, cfg.Cache.Encryption.MasterKeyEnv)

	assert.False(t, cfg.Cluster.Enabled)
	assert.True(t, cfg.Cluster.Config.MasterServes, "the master serves as a peer worker unless disabled")
	assert.Equal(t, 10, cfg.Cluster.Config.MaxRestarts)

	assert.Equal(t, "sliding-window", cfg.Network.RateLimit.Strategy)
	assert.Equal(t, "ip", cfg.Network.RateLimit.Key)
	assert.Equal(t, []string{"gzip", "deflate", "br"}, cfg.Network.Compression.Algorithms)
	assert.Equal(t, "round-robin", cfg.Network.Proxy.LoadBalancing)

	assert.True(t, cfg.Requests.Timeout.Enabled)
	assert.Equal(t, Duration(30*time.Second), cfg.Requests.Timeout.DefaultTimeout)
	assert.Equal(t, 1024, cfg.Requests.Concurrency.MaxConcurrentRequests)
	assert.Equal(t, 2048, cfg.Requests.Payload.MaxURLLength)

	assert.Equal(t, "development", cfg.Env)
}

func TestLoadFileEnvOverrides(t *testing.T) {
	t.Setenv(EnvVarPort, "4040")
	t.Setenv(EnvVarMode, "production")

	cfg, err := LoadFile("testdata/minimal.yml")
	assert.NoError(t, err)
	assert.Equal(t, 4040, cfg.Server.Port)
	assert.Equal(t, "production", cfg.Env)
}

func TestLoadFileBadPortEnv(t *testing.T) {
	t.Setenv(EnvVarPort, "not-a-port")

	_, err := LoadFile("testdata/minimal.yml")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid PORT value")
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile("testdata/no-such-file.yml")
	assert.Error(t, err)
}

var badConfigs = []struct {
	name string
	yml  string
	err  string
}{
	{
		name: "unknown root field",
		yml:  "bogus_field: 1",
		err:  "unknown fields in config",
	},
	{
		name: "port out of range",
		yml:  "server:\n  port: 70000",
		err:  "`server.port` must be in [0, 65535]",
	},
	{
		name: "bad cache strategy",
		yml:  "cache:\n  strategy: bogus",
		err:  "`cache.strategy` must be",
	},
	{
		name: "bad cache compression level",
		yml:  "cache:\n  strategy: memory\n  compression_level: 12",
		err:  "`cache.compression_level` must be in [1, 9]",
	},
	{
		name: "redis cluster without nodes",
		yml:  "cache:\n  redis:\n    cluster: true",
		err:  "must contain at least 1 address",
	},
	{
		name: "predefined strategy without ports",
		yml:  "server:\n  auto_port_switch:\n    strategy: predefined",
		err:  "requires `predefined_ports`",
	},
	{
		name: "random strategy without range",
		yml:  "server:\n  auto_port_switch:\n    strategy: random",
		err:  "requires `port_range`",
	},
	{
		name: "bad compression algorithm",
		yml:  "network:\n  compression:\n    algorithms: [zstd]",
		err:  "must contain only `gzip`, `deflate` or `br`",
	},
	{
		name: "bad compression level",
		yml:  "network:\n  compression:\n    level: 0",
		err:  "`network.compression.level` must be in [1, 9]",
	},
	{
		name: "bad rate limit strategy",
		yml:  "network:\n  rate_limit:\n    strategy: leaky-bucket",
		err:  "`network.rate_limit.strategy` must be",
	},
	{
		name: "bad rate limit key",
		yml:  "network:\n  rate_limit:\n    key: bogus",
		err:  "`network.rate_limit.key` must be",
	},
	{
		name: "proxy enabled without upstreams",
		yml:  "network:\n  proxy:\n    enabled: true",
		err:  "must contain at least 1 upstream",
	},
	{
		name: "upstream without url",
		yml:  "network:\n  proxy:\n    enabled: true\n    upstreams:\n      - weight: 1",
		err:  "field `url` must be set",
	},
	{
		name: "bad load balancing",
		yml:  "network:\n  proxy:\n    enabled: true\n    upstreams:\n      - url: http://h:1\n    load_balancing: fastest",
		err:  "unknown `network.proxy.load_balancing`",
	},
	{
		name: "cluster min above max",
		yml:  "cluster:\n  config:\n    min_workers: 5\n    max_workers: 2",
		err:  "`cluster.config.min_workers` must not exceed",
	},
	{
		name: "bad byte size",
		yml:  "server:\n  json_limit: 10potato",
		err:  "wrong size format",
	},
	{
		name: "negative duration",
		yml:  "cache:\n  ttl: -5s",
		err:  "must not be negative",
	},
	{
		name: "bad metrics network",
		yml:  "metrics:\n  allowed_networks: [\"999.1.2.3\"]",
		err:  "wrong network",
	},
}

func TestClusterMasterServesDefault(t *testing.T) {
	var c Cluster
	assert.NoError(t, yaml.Unmarshal([]byte("enabled: true\nconfig:\n  workers: 2\n"), &c))
	assert.True(t, c.Config.MasterServes, "omitted master_serves defaults to serving")

	assert.NoError(t, yaml.Unmarshal([]byte("enabled: true\nconfig:\n  master_serves: false\n"), &c))
	assert.False(t, c.Config.MasterServes)
}

func TestBadConfigs(t *testing.T) {
	for _, tc := range badConfigs {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			err := yaml.Unmarshal([]byte(tc.yml), cfg)
			if err == nil {
				t.Fatalf("expected error containing %q, got none", tc.err)
			}
			if !strings.Contains(err.Error(), tc.err) {
				t.Fatalf("expected error containing %q, got %q", tc.err, err)
			}
		})
	}
}

func TestConfigStringMasksSecrets(t *testing.T) {
	t.Setenv(EnvVarPort, "")
	t.Setenv(EnvVarMode, "")

	cfg, err := LoadFile("testdata/full.yml")
	assert.NoError(t, err)

	s := cfg.String()
	assert.NotContains(t, s, "topsecret")
	assert.NotContains(t, s, "password: secret")
	assert.Contains(t, s, "XXX")
	// masking must not touch the live config
	assert.Equal(t, "secret", cfg.Cache.Redis.Password)
}

func mustIPNet(t *testing.T, s string) *net.IPNet {
	t.Helper()
	ipnet, err := stringToIPnet(s)
	if err != nil {
		t.Fatalf("cannot parse network %q: %s", s, err)
	}
	return ipnet
}
