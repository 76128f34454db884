package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v2"
)

func TestByteSizeUnmarshal(t *testing.T) {
	cases := []struct {
		in   string
		want ByteSize
	}{
		{"10B", 10},
		{"4KB", 4 * KB},
		{"4K", 4 * KB},
		{"1.5MB", 1.5 * MB},
		{"2GB", 2 * GB},
		{"1TB", TB},
		{"  8kb  ", 8 * KB},
	}
	for _, tc := range cases {
		var bs ByteSize
		err := yaml.Unmarshal([]byte(tc.in), &bs)
		assert.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, bs, tc.in)
	}

	for _, bad := range []string{"10", "potato", "-4KB", "0MB", "4XB"} {
		var bs ByteSize
		assert.Error(t, yaml.Unmarshal([]byte(bad), &bs), bad)
	}
}

func TestByteSizeRoundTrip(t *testing.T) {
	bs := ByteSize(3 * MB)
	out, err := yaml.Marshal(bs)
	assert.NoError(t, err)

	var back ByteSize
	assert.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, bs, back)
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	assert.NoError(t, yaml.Unmarshal([]byte("90s"), &d))
	assert.Equal(t, Duration(90*time.Second), d)

	assert.Error(t, yaml.Unmarshal([]byte("-1s"), &d))
	assert.Error(t, yaml.Unmarshal([]byte("eternity"), &d))
}

func TestNetworksContains(t *testing.T) {
	var n Networks
	assert.NoError(t, yaml.Unmarshal([]byte(`["127.0.0.1", "10.0.0.0/8", "2001:db8::1"]`), &n))

	assert.True(t, n.Contains("127.0.0.1:9090"))
	assert.True(t, n.Contains("127.0.0.1"))
	assert.True(t, n.Contains("10.2.3.4:80"))
	assert.True(t, n.Contains("2001:db8::1"))
	assert.False(t, n.Contains("192.168.1.1:80"))
	assert.False(t, n.Contains("not-an-ip"))
}

func TestNetworksEmptyAllowsAll(t *testing.T) {
	var n Networks
	assert.True(t, n.Contains("192.168.1.1:80"))
}
