package ratelimit

import (
	"strings"
	"time"
)

// EndpointConfig represents rate limiting configuration for a specific endpoint.
type EndpointConfig struct {
	Path   string        // path pattern, "*" matches one segment
	Method string        // HTTP method (GET, POST, etc.)
	Limit  int           // Maximum requests per window
	Window time.Duration // Time window
	Burst  int           // Burst capacity (defaults to Limit if 0)
	// Shared makes every path matching the pattern draw from one bucket per client
	Shared bool
}

func (c *EndpointConfig) key(path string) string {
	if c.Shared && c.Path != "" {
		return c.Path
	}
	return path
}

// NewConfig builds the API's limits. perMinute applies to ordinary requests and
// generatePerMinute to every route that starts model calls, shared per client.
func NewConfig(perMinute, generatePerMinute int, whitelist string) *Config {
	return &Config{
		Enabled:         perMinute > 0,
		DefaultLimit:    perMinute,
		DefaultWindow:   time.Minute,
		CleanupInterval: 5 * time.Minute,
		Whitelist:       parseIPList(whitelist),
		Blacklist:       map[string]bool{},
		EndpointConfigs: GenerationEndpoints(generatePerMinute),
	}
}

// GenerationEndpoints limits the routes that cost model calls
func GenerationEndpoints(perMinute int) []EndpointConfig {
	burst := max(perMinute/5, 1)
	return []EndpointConfig{
		{Path: "/capsules", Method: "POST", Limit: perMinute, Window: time.Minute, Burst: burst, Shared: true},
		{Path: "/capsules/*/generate", Method: "POST", Limit: perMinute, Window: time.Minute, Burst: burst, Shared: true},
		{Path: "/capsules/*/retry", Method: "POST", Limit: perMinute, Window: time.Minute, Burst: burst, Shared: true},
		{Path: "/capsules/*/lessons/*/regenerate", Method: "POST", Limit: perMinute, Window: time.Minute, Burst: burst, Shared: true},
	}
}

// parseIPList parses a comma-separated list of IP addresses into a map.
func parseIPList(list string) map[string]bool {
	result := make(map[string]bool)
	for _, ip := range strings.Split(list, ",") {
		if ip = strings.TrimSpace(ip); ip != "" {
			result[ip] = true
		}
	}
	return result
}
