// Package config provides configuration loading and management for the application.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Postgres connection URL for the cache store
	DatabaseURL string

	// Ledger access
	RPCURL          string
	ContractAddress string
	PrivateKey      string

	// Settlement controls
	ChunkSize          int
	FallbackPercentPPM uint32
	SendTx             bool

	// Fee settings; zero values mean "derive from the network"
	MaxFeeGwei      float64
	PriorityFeeGwei float64
	GasLimit        uint64

	// Full-outage guard: skip sending for a challenge when the fraction of
	// participants with unknown progress reaches this threshold. Zero
	// disables the guard.
	UnknownSkipThreshold float64

	// Read limits
	ListLimit  int
	ReadyLimit int

	// Progress provider endpoints and credentials
	GitHubGraphQLURL string
	NeynarAPIKey     string
	NeynarBaseURL    string
	WakaTimeBaseURL  string

	// Payout policy (basis points)
	PlatformFeeBpsFail uint32
	RewardBpsOfFee     uint32

	// Scheduling; empty means run once and exit
	CronSpec string

	// Operational surfaces
	MetricsPort    string
	OtelEndpoint   string
	RequestTimeout time.Duration
}

// Load creates a new Config from environment variables
func Load() Config {
	return Config{
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RPCURL:               os.Getenv("RPC_URL"),
		ContractAddress:      os.Getenv("CONTRACT_ADDRESS"),
		PrivateKey:           os.Getenv("PRIVATE_KEY"),
		ChunkSize:            GetEnvAsInt("CHUNK_SIZE", 200),
		FallbackPercentPPM:   clampPPM(GetEnvAsInt("FALLBACK_PERCENT_PPM", 1_000_000)),
		SendTx:               GetEnvAsBool("SEND_TX", false),
		MaxFeeGwei:           GetEnvAsFloat("MAX_FEE_GWEI", 0),
		PriorityFeeGwei:      GetEnvAsFloat("PRIORITY_FEE_GWEI", 2),
		GasLimit:             uint64(GetEnvAsInt("GAS_LIMIT", 0)),
		UnknownSkipThreshold: GetEnvAsFloat("UNKNOWN_SKIP_THRESHOLD", 1.0),
		ListLimit:            GetEnvAsInt("LIST_LIMIT", 1000),
		ReadyLimit:           GetEnvAsInt("READY_LIMIT", 200),
		GitHubGraphQLURL:     GetEnvOrDefault("GITHUB_GRAPHQL_URL", "https://api.github.com/graphql"),
		NeynarAPIKey:         os.Getenv("NEYNAR_API_KEY"),
		NeynarBaseURL:        GetEnvOrDefault("NEYNAR_BASE_URL", "https://api.neynar.com"),
		WakaTimeBaseURL:      GetEnvOrDefault("WAKATIME_BASE_URL", "https://api.wakatime.com/api/v1"),
		PlatformFeeBpsFail:   uint32(GetEnvAsInt("PLATFORM_FEE_BPS_FAIL", 1000)),
		RewardBpsOfFee:       uint32(GetEnvAsInt("REWARD_BPS_OF_FEE", 500)),
		CronSpec:             os.Getenv("CRON_SPEC"),
		MetricsPort:          GetEnvOrDefault("METRICS_PORT", "9090"),
		OtelEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RequestTimeout:       GetEnvAsDuration("REQUEST_TIMEOUT", 10*time.Second),
	}
}

func clampPPM(v int) uint32 {
	if v < 0 {
		return 0
	}
	if v > 1_000_000 {
		return 1_000_000
	}
	return uint32(v)
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a boolean with a default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := GetEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
