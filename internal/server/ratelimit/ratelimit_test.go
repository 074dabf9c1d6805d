package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestLimiter returns a limiter on a fake clock with no cleanup goroutine
func newTestLimiter(config *Config) (*Limiter, *time.Time) {
	config.CleanupInterval = 0
	l := NewLimiter(config)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiter_Allow(t *testing.T) {
	limiter, _ := newTestLimiter(&Config{Enabled: true, DefaultLimit: 10, DefaultWindow: time.Minute})
	defer limiter.Stop()

	for i := 0; i < 10; i++ {
		allowed, info := limiter.Allow("127.0.0.1", "/capsules", "GET")
		require.True(t, allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 10, info.Limit)
		assert.Equal(t, 10-i-1, info.Remaining)
	}

	allowed, info := limiter.Allow("127.0.0.1", "/capsules", "GET")
	assert.False(t, allowed, "11th request should be denied")
	assert.Equal(t, 6*time.Second, info.RetryAfter)
	assert.Equal(t, 0, info.Remaining)
}

func TestLimiter_Refill(t *testing.T) {
	limiter, now := newTestLimiter(&Config{Enabled: true, DefaultLimit: 60, DefaultWindow: time.Minute})

	for i := 0; i < 60; i++ {
		limiter.Allow("client", "/capsules", "GET")
	}
	allowed, _ := limiter.Allow("client", "/capsules", "GET")
	require.False(t, allowed)

	*now = now.Add(time.Second)
	allowed, _ = limiter.Allow("client", "/capsules", "GET")
	assert.True(t, allowed, "one token refills per second")
	allowed, _ = limiter.Allow("client", "/capsules", "GET")
	assert.False(t, allowed)
}

func TestLimiter_ClientsAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(&Config{Enabled: true, DefaultLimit: 1, DefaultWindow: time.Minute})

	allowed, _ := limiter.Allow("a", "/capsules", "GET")
	assert.True(t, allowed)
	allowed, _ = limiter.Allow("a", "/capsules", "GET")
	assert.False(t, allowed)
	allowed, _ = limiter.Allow("b", "/capsules", "GET")
	assert.True(t, allowed)
}

func TestLimiter_WhitelistAndBlacklist(t *testing.T) {
	limiter, _ := newTestLimiter(&Config{
		Enabled:       true,
		DefaultLimit:  1,
		DefaultWindow: time.Minute,
		Whitelist:     map[string]bool{"10.0.0.1": true},
		Blacklist:     map[string]bool{"10.0.0.2": true},
	})

	for i := 0; i < 5; i++ {
		allowed, _ := limiter.Allow("10.0.0.1", "/capsules", "GET")
		assert.True(t, allowed)
	}
	allowed, _ := limiter.Allow("10.0.0.2", "/capsules", "GET")
	assert.False(t, allowed)
}

func TestLimiter_Disabled(t *testing.T) {
	limiter, _ := newTestLimiter(&Config{Enabled: false, DefaultLimit: 1})
	for i := 0; i < 5; i++ {
		allowed, info := limiter.Allow("client", "/capsules", "POST")
		assert.True(t, allowed)
		assert.Equal(t, 0, info.Limit)
	}
}

func TestLimiter_GenerationEndpointsShareBucket(t *testing.T) {
	limiter, _ := newTestLimiter(NewConfig(100, 2, ""))

	// burst is max(2/5, 1) = 1
	allowed, info := limiter.Allow("client", "/capsules/1111/generate", "POST")
	require.True(t, allowed)
	assert.Equal(t, 2, info.Limit)

	allowed, _ = limiter.Allow("client", "/capsules/2222/generate", "POST")
	assert.False(t, allowed, "generation for another capsule draws from the same bucket")

	allowed, _ = limiter.Allow("client", "/capsules/1111", "GET")
	assert.True(t, allowed, "reads use the default policy")
}

func TestLimiter_HealthUnlimited(t *testing.T) {
	limiter, _ := newTestLimiter(&Config{Enabled: true, DefaultLimit: 1, DefaultWindow: time.Minute})
	for i := 0; i < 5; i++ {
		allowed, _ := limiter.Allow("client", "/health", "GET")
		assert.True(t, allowed)
	}
}

func TestLimiter_Concurrent(t *testing.T) {
	limiter, _ := newTestLimiter(&Config{Enabled: true, DefaultLimit: 50, DefaultWindow: time.Hour})

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowedCount := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := limiter.Allow("client", "/capsules", "GET"); ok {
				mu.Lock()
				allowedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowedCount)
}

func TestLimiter_Cleanup(t *testing.T) {
	limiter, now := newTestLimiter(&Config{Enabled: true, DefaultLimit: 10, DefaultWindow: time.Minute, IdleTTL: time.Hour})

	for i := 0; i < 3; i++ {
		limiter.Allow(fmt.Sprintf("client-%d", i), "/capsules", "GET")
	}
	require.Equal(t, 3, limiter.size())

	*now = now.Add(30 * time.Minute)
	limiter.Allow("client-0", "/capsules", "GET")
	*now = now.Add(45 * time.Minute)
	limiter.cleanupBuckets()

	assert.Equal(t, 1, limiter.size(), "only the recently used bucket survives")
}

func TestNewLimiter_NilConfig(t *testing.T) {
	limiter := NewLimiter(nil)
	defer limiter.Stop()
	allowed, info := limiter.Allow("client", "/capsules", "GET")
	assert.True(t, allowed)
	assert.Equal(t, 1000, info.Limit)
	limiter.Stop()
}

func TestMatchEndpoint(t *testing.T) {
	configs := GenerationEndpoints(10)
	tests := []struct {
		path    string
		method  string
		matched string
	}{
		{"/capsules", "POST", "/capsules"},
		{"/capsules", "GET", ""},
		{"/capsules/abc/retry", "POST", "/capsules/*/retry"},
		{"/capsules/abc/lessons/def/regenerate", "POST", "/capsules/*/lessons/*/regenerate"},
		{"/capsules/abc/retry/extra", "POST", ""},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			got := MatchEndpoint(tt.path, tt.method, configs)
			if tt.matched == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.matched, got.Path)
		})
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig(120, 10, "10.0.0.1, 10.0.0.2,")
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 120, cfg.DefaultLimit)
	assert.Equal(t, map[string]bool{"10.0.0.1": true, "10.0.0.2": true}, cfg.Whitelist)
	assert.Len(t, cfg.EndpointConfigs, 4)

	assert.False(t, NewConfig(0, 10, "").Enabled)
}
