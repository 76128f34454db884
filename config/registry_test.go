package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	t.Setenv(EnvVarPort, "")
	t.Setenv(EnvVarMode, "")
	cfg, err := Default()
	assert.NoError(t, err)
	return cfg
}

func TestNewRegistry(t *testing.T) {
	cfg := testConfig(t)
	r, err := NewRegistry(cfg, System{Name: "test", Version: "1"})
	assert.NoError(t, err)

	sys := r.System()
	assert.Equal(t, "test", sys.Name)
	assert.Equal(t, cfg.Server.Port, sys.Port)
	assert.Equal(t, "development", sys.Environment)
	assert.False(t, sys.StartedAt.IsZero())

	_, err = NewRegistry(nil, System{})
	assert.Error(t, err)
}

func TestRegistryConfigIsolation(t *testing.T) {
	r, err := NewRegistry(testConfig(t), System{Name: "test"})
	assert.NoError(t, err)

	view := r.Config()
	view.Server.Port = 1
	view.Cache.Redis.Nodes = append(view.Cache.Redis.Nodes, "mutated:1")

	fresh := r.Config()
	assert.NotEqual(t, 1, fresh.Server.Port)
	assert.Empty(t, fresh.Cache.Redis.Nodes)
}

func TestRegistryUpdate(t *testing.T) {
	r, err := NewRegistry(testConfig(t), System{Name: "test"})
	assert.NoError(t, err)

	next := testConfig(t)
	next.Server.Port = 9999
	next.Env = "production"
	assert.NoError(t, r.Update(next))

	assert.Equal(t, 9999, r.Config().Server.Port)
	assert.Equal(t, "production", r.System().Environment)

	bad := testConfig(t)
	bad.Cache.Strategy = "bogus"
	assert.Error(t, r.Update(bad))
	// failed update leaves the previous snapshot visible
	assert.Equal(t, 9999, r.Config().Server.Port)
}

func TestRegistrySetPort(t *testing.T) {
	r, err := NewRegistry(testConfig(t), System{Name: "test"})
	assert.NoError(t, err)

	r.SetPort(8123)
	assert.Equal(t, 8123, r.System().Port)
}

func TestRegistryUptime(t *testing.T) {
	r, err := NewRegistry(testConfig(t), System{Name: "test"})
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, r.Uptime().Nanoseconds(), int64(0))
}
