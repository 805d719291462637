// Package config loads the sandbox execution service's configuration from
// the environment variables the core consumes (see SPEC_FULL.md section
// 6) plus defaults for everything the core does not externalize.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/sandboxd/sandboxd/pkg/sandboxerr"
	"github.com/sandboxd/sandboxd/pkg/types"
)

var errInvalidGVisorRuntime = sandboxerr.New(sandboxerr.InvalidConfiguration, "SANDBOX_GVISOR_RUNTIME must be non-empty and whitespace-free")

// Config is the fully resolved, immutable runtime configuration.
type Config struct {
	ListenAddr string

	ContainerdSocket    string
	ContainerdNamespace string

	UseGVisor     bool
	GVisorRuntime string

	DevMode bool // DISABLE_RATE_LIMIT / development mode

	CircuitMaxContainers    int
	CircuitMaxMemoryPercent float64

	JWTSecret      string
	AllowedOrigins []string

	TierLimits map[types.Tier]types.TierLimits
}

// Load resolves Config from the process environment, applying the
// defaults named in SPEC_FULL.md section 6.
func Load() Config {
	cfg := Config{
		ListenAddr:              envOr("SANDBOX_LISTEN_ADDR", ":8080"),
		ContainerdSocket:        envOr("CONTAINERD_SOCKET", "/run/containerd/containerd.sock"),
		ContainerdNamespace:     envOr("CONTAINERD_NAMESPACE", "sandboxd"),
		UseGVisor:               strings.ToLower(envOr("SANDBOX_USE_GVISOR", "true")) != "false",
		GVisorRuntime:           envOr("SANDBOX_GVISOR_RUNTIME", "runsc"),
		DevMode:                 envBool("DISABLE_RATE_LIMIT", false),
		CircuitMaxContainers:    envInt("CIRCUIT_MAX_CONTAINERS", 15),
		CircuitMaxMemoryPercent: envFloat("CIRCUIT_MAX_MEMORY_PERCENT", 85),
		JWTSecret:               envOr("SANDBOX_JWT_SECRET", ""),
		AllowedOrigins:          envList("SANDBOX_ALLOWED_ORIGINS"),
	}
	cfg.TierLimits = defaultTierLimits(cfg.DevMode)
	return cfg
}

// Validate rejects configuration that the Provisioner cannot act on
// safely, per the spec's "configuration-validation step at startup may
// reject empty or whitespace-containing gVisor runtime names".
func (c Config) Validate() error {
	if c.UseGVisor {
		trimmed := strings.TrimSpace(c.GVisorRuntime)
		if trimmed == "" || trimmed != c.GVisorRuntime || strings.ContainsAny(c.GVisorRuntime, " \t\n") {
			return errInvalidGVisorRuntime
		}
	}
	return nil
}

func defaultTierLimits(devMode bool) map[types.Tier]types.TierLimits {
	if devMode {
		huge := types.TierLimits{
			SessionsPerHour:          1_000_000,
			MaxConcurrentSessions:    1_000_000,
			CommandsPerMinute:        1_000_000,
			MaxConcurrentConnections: 1_000_000,
		}
		return map[types.Tier]types.TierLimits{
			types.TierAnonymous: huge,
			types.TierLoggedIn:  huge,
			types.TierPremium:   huge,
			types.TierAdmin:     huge,
		}
	}
	return map[types.Tier]types.TierLimits{
		types.TierAnonymous: {
			SessionsPerHour:          10,
			MaxConcurrentSessions:    2,
			CommandsPerMinute:        60,
			MaxConcurrentConnections: 2,
		},
		types.TierLoggedIn: {
			SessionsPerHour:          30,
			MaxConcurrentSessions:    4,
			CommandsPerMinute:        120,
			MaxConcurrentConnections: 4,
		},
		types.TierPremium: {
			SessionsPerHour:          100,
			MaxConcurrentSessions:    10,
			CommandsPerMinute:        300,
			MaxConcurrentConnections: 10,
		},
		// Admin is unlimited by construction in the rate limiter; the
		// table entry exists only so callers that iterate tiers see a
		// complete set.
		types.TierAdmin: {
			SessionsPerHour:          1_000_000,
			MaxConcurrentSessions:    1_000_000,
			CommandsPerMinute:        1_000_000,
			MaxConcurrentConnections: 1_000_000,
		},
	}
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	return strings.ToLower(v) != "false" && v != "0" && v != ""
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envList(key string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envFloat(key string, def float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
