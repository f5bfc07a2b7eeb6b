package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Custom field hash keys used when the environment does not override them.
const (
	DefaultMapacheFieldKey     = "0f6f3c1f5d2b4a0e9c7d1b2a3e4f5a6b7c8d9e0f"
	DefaultFeeFieldKey         = "1a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d"
	DefaultOneShotFieldKey     = "2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e"
	DefaultProposalURLFieldKey = "3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f"
	DefaultTechScopeFieldKey   = "4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f70"
)

type Config struct {
	PipedriveBaseURL  string
	PipedriveAPIToken string
	PipelineID        int
	DealStatuses      []string
	ExcludedStageName string
	Fields            FieldKeys
	RequestTimeout    time.Duration
	OwnerFetchWorkers int
	DatabaseURL       string
	RedisURL          string
	MetricsPort       string
	HTTPAddr          string
	DealLockTTL       time.Duration
	LogLevel          string
}

// FieldKeys holds the Pipedrive custom field hash keys the service reads and writes.
type FieldKeys struct {
	Mapache     string
	Fee         string
	OneShot     string
	ProposalURL string
	TechScope   string
}

func Load() *Config {
	// repo root .env when running from cmd/<bin>, then the working directory
	_ = godotenv.Load("../../.env")
	_ = godotenv.Load()
	return &Config{
		PipedriveBaseURL:  strings.TrimRight(getEnv("PIPEDRIVE_BASE_URL", "https://api.pipedrive.com"), "/"),
		PipedriveAPIToken: os.Getenv("PIPEDRIVE_API_TOKEN"),
		PipelineID:        getInt("PIPEDRIVE_PIPELINE_ID", 0),
		DealStatuses:      getList("PIPEDRIVE_DEAL_STATUSES", []string{"open", "won", "lost"}),
		ExcludedStageName: getEnv("PIPEDRIVE_EXCLUDED_STAGE", "Cancelado"),
		Fields: FieldKeys{
			Mapache:     getEnv("PIPEDRIVE_FIELD_MAPACHE", DefaultMapacheFieldKey),
			Fee:         getEnv("PIPEDRIVE_FIELD_FEE", DefaultFeeFieldKey),
			OneShot:     getEnv("PIPEDRIVE_FIELD_ONE_SHOT", DefaultOneShotFieldKey),
			ProposalURL: getEnv("PIPEDRIVE_FIELD_PROPOSAL_URL", DefaultProposalURLFieldKey),
			TechScope:   getEnv("PIPEDRIVE_FIELD_TECH_SCOPE", DefaultTechScopeFieldKey),
		},
		RequestTimeout:    getDuration("PIPEDRIVE_TIMEOUT", 30*time.Second),
		OwnerFetchWorkers: getInt("PIPEDRIVE_OWNER_CONCURRENCY", 8),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		MetricsPort:       getEnv("METRICS_PORT", "9090"),
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		DealLockTTL:       getDuration("DEAL_LOCK_TTL", 2*time.Minute),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(k, d string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return d
}

func getInt(k string, d int) int {
	v, err := strconv.Atoi(getEnv(k, ""))
	if err != nil {
		return d
	}
	return v
}

func getDuration(k string, d time.Duration) time.Duration {
	v, err := time.ParseDuration(getEnv(k, ""))
	if err != nil || v <= 0 {
		return d
	}
	return v
}

func getList(k string, d []string) []string {
	raw := getEnv(k, "")
	if raw == "" {
		return d
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return d
	}
	return out
}
