package config

import (
	"os"
	"strconv"
)

// Config holds substrate daemon configuration.
type Config struct {
	LogLevel string

	KnowledgeDBPath string
	SystemDBPath    string
	FederationURL   string // postgres DSN; empty keeps federation in memory

	SigningKey   string
	SigningKeyID string

	ImportDir          string // inbox swept for .dtu files; empty disables the sweep
	ImportSweepSeconds int

	DailyAgeHours   int
	WeeklyAgeDays   int
	MonthlyAgeDays  int
	MinClusterSize  int
	NewsArchiveDays int

	HeartbeatSweepSeconds int
	CompactionSeconds     int
	RateWindowSeconds     int
	AuditHour             int // wall-clock hour of the nightly compliance audit
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		LogLevel: getenv("LOG_LEVEL", "INFO"),

		KnowledgeDBPath: getenv("KNOWLEDGE_DB_PATH", "substrate-knowledge.db"),
		SystemDBPath:    getenv("SYSTEM_DB_PATH", "substrate-system.db"),
		FederationURL:   os.Getenv("FEDERATION_DATABASE_URL"),

		SigningKey:   os.Getenv("SIGNING_KEY"),
		SigningKeyID: getenv("SIGNING_KEY_ID", "substrate-local"),

		ImportDir:          os.Getenv("IMPORT_DIR"),
		ImportSweepSeconds: getint("IMPORT_SWEEP_SECONDS", 30),

		DailyAgeHours:   getint("NEWS_DAILY_AGE_HOURS", 24),
		WeeklyAgeDays:   getint("NEWS_WEEKLY_AGE_DAYS", 7),
		MonthlyAgeDays:  getint("NEWS_MONTHLY_AGE_DAYS", 30),
		MinClusterSize:  getint("NEWS_MIN_CLUSTER_SIZE", 3),
		NewsArchiveDays: getint("NEWS_ARCHIVE_DAYS", 0),

		HeartbeatSweepSeconds: getint("HEARTBEAT_SWEEP_SECONDS", 60),
		CompactionSeconds:     getint("COMPACTION_SECONDS", 3600),
		RateWindowSeconds:     getint("RATE_WINDOW_SECONDS", 3600),
		AuditHour:             getint("AUDIT_HOUR", 3),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
