package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port          string
	AllowedOrigin string

	APIBaseURL  string
	AccessToken string
	SellerID    string
	Timezone    string

	LocalStore  string
	SQLitePath  string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SyncDebounceMS           int
	SyncBatchSize            int
	RequestTimeoutSeconds    int
	ConnectivityPollSeconds  int
	PlanCheckIntervalSeconds int
	PlanSwitchRetrySeconds   int
	PlanCacheTTLSeconds      int
}

// Load reads the configuration from the environment. Keys missing there are
// looked up in the YAML file named by POSAGENT_CONFIG, if any.
func Load() Config {
	file := loadFile(os.Getenv("POSAGENT_CONFIG"))
	get := func(key, fallback string) string {
		if val := os.Getenv(key); val != "" {
			return val
		}
		if val := file[key]; val != "" {
			return val
		}
		return fallback
	}

	redisDB, _ := strconv.Atoi(get("REDIS_DB", "0"))

	cfg := Config{
		Port:          get("PORT", "8787"),
		AllowedOrigin: get("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),

		APIBaseURL:  strings.TrimRight(get("API_BASE_URL", ""), "/"),
		AccessToken: strings.TrimSpace(get("ACCESS_TOKEN", "")),
		SellerID:    strings.TrimSpace(get("SELLER_ID", "")),
		Timezone:    get("SELLER_TIMEZONE", "Asia/Jakarta"),

		LocalStore:  strings.ToLower(get("LOCAL_STORE", "sqlite")),
		SQLitePath:  get("SQLITE_PATH", "posagent.db"),
		DatabaseURL: get("DATABASE_URL", ""),

		RedisAddr:     get("REDIS_ADDR", ""),
		RedisPassword: get("REDIS_PASSWORD", ""),
		RedisDB:       redisDB,

		SyncDebounceMS:           positive(get("SYNC_DEBOUNCE_MS", ""), 50),
		SyncBatchSize:            positive(get("SYNC_BATCH_SIZE", ""), 50),
		RequestTimeoutSeconds:    positive(get("REQUEST_TIMEOUT_SECONDS", ""), 15),
		ConnectivityPollSeconds:  positive(get("CONNECTIVITY_POLL_SECONDS", ""), 10),
		PlanCheckIntervalSeconds: positive(get("PLAN_CHECK_INTERVAL_SECONDS", ""), 60),
		PlanSwitchRetrySeconds:   positive(get("PLAN_SWITCH_RETRY_SECONDS", ""), 30),
		PlanCacheTTLSeconds:      positive(get("PLAN_CACHE_TTL_SECONDS", ""), 300),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// Location resolves the seller's timezone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		log.Printf("[config] WARN: unknown timezone %q, using UTC", c.Timezone)
		return time.UTC
	}
	return loc
}

func (c Config) SyncDebounce() time.Duration {
	return time.Duration(c.SyncDebounceMS) * time.Millisecond
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c Config) ConnectivityPoll() time.Duration {
	return time.Duration(c.ConnectivityPollSeconds) * time.Second
}

func (c Config) PlanCheckInterval() time.Duration {
	return time.Duration(c.PlanCheckIntervalSeconds) * time.Second
}

func (c Config) PlanSwitchRetry() time.Duration {
	return time.Duration(c.PlanSwitchRetrySeconds) * time.Second
}

func (c Config) PlanCacheTTL() time.Duration {
	return time.Duration(c.PlanCacheTTLSeconds) * time.Second
}

func loadFile(path string) map[string]string {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] WARN: read %s: %v", path, err)
		return nil
	}
	var values map[string]string
	if err := yaml.Unmarshal(data, &values); err != nil {
		log.Printf("[config] WARN: parse %s: %v", path, err)
		return nil
	}
	return values
}

func positive(raw string, fallback int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
