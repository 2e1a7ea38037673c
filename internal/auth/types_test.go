package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTierRequestLimit(t *testing.T) {
	assert.Equal(t, 100, TierFree.RequestLimit())
	assert.Equal(t, 1000, TierPro.RequestLimit())
	assert.Equal(t, 5000, TierEnterprise.RequestLimit())
	assert.Equal(t, 10000, TierAdmin.RequestLimit())

	// Unknown tiers fall back to the free limit.
	assert.Equal(t, 100, Tier("mystery").RequestLimit())
}

func TestTierAtLeast(t *testing.T) {
	assert.True(t, TierAdmin.AtLeast(TierPro))
	assert.True(t, TierPro.AtLeast(TierPro))
	assert.False(t, TierFree.AtLeast(TierPro))
}

func TestEffectiveRateLimit(t *testing.T) {
	intPtr := func(v int) *int { return &v }

	tests := []struct {
		name          string
		tier          Tier
		override      *int
		resourceLimit *int
		want          int
	}{
		{"tier only", TierPro, nil, nil, 1000},
		{"resource tighter than tier", TierPro, nil, intPtr(50), 50},
		{"tier tighter than resource", TierFree, nil, intPtr(5000), 100},
		{"override beats both", TierFree, intPtr(9999), intPtr(10), 9999},
		{"override can tighten", TierEnterprise, intPtr(1), nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Caller{Tier: tt.tier, RateLimitOverride: tt.override}
			assert.Equal(t, tt.want, EffectiveRateLimit(c, tt.resourceLimit))
		})
	}
}
