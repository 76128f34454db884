package plugin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewBuiltinTypes(t *testing.T) {
	cases := []struct {
		name string
		want Type
	}{
		{"request-logger", TypeOther},
		{"slow-request", TypePerformance},
		{"cache-observer", TypeCache},
		{"error-reporter", TypeSecurity},
	}
	for _, tc := range cases {
		p, err := NewBuiltin("p1", tc.name, 0, nil)
		assert.NoError(t, err, tc.name)
		assert.Equal(t, tc.want, p.Type(), tc.name)
	}

	_, err := NewBuiltin("p1", "no-such-plugin", 0, nil)
	assert.Error(t, err)
}

func TestTypeEnumValues(t *testing.T) {
	assert.Equal(t, []Type{"security", "performance", "cache", "network", "other"},
		[]Type{TypeSecurity, TypePerformance, TypeCache, TypeNetwork, TypeOther})
}

func TestSlowRequestThreshold(t *testing.T) {
	p, err := NewBuiltin("slow", "slow-request", 0, map[string]interface{}{"threshold": "250ms"})
	assert.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, p.(*slowRequest).threshold)

	_, err = NewBuiltin("slow", "slow-request", 0, map[string]interface{}{"threshold": "fast"})
	assert.Error(t, err)
}
