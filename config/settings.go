package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Settings holds all configuration for the XP consensus engine
type Settings struct {
	// Core Identity
	EngineID  string
	Namespace string // Key namespace prefix for all Redis keys

	// Redis Configuration
	RedisHost     string
	RedisPort     string
	RedisDB       int
	RedisPassword string

	// Consensus Policy
	MinPeerReviews         int     // Reviews required before consensus runs
	OutlierZThreshold      float64 // z-score beyond which a score is flagged
	MaxScore               float64 // Upper bound of the peer score range
	FloorWeight            float64 // Minimum reliability weight per reviewer
	HighConfidenceSpread   float64 // Normalized spread ceiling for "high"
	MediumConfidenceSpread float64 // Normalized spread ceiling for "medium"

	// Weekly Cap
	WeeklyFinalizedCap  int           // Max finalized submissions per author per week
	HeldReleaseInterval time.Duration // How often the held-release worker drains

	// Reliability Formulas
	ActiveFormulaID  string   // The one formula affecting production payouts
	ShadowFormulaIDs []string // Zero or more shadow formulas, logged only

	// Reviewer Metrics
	ReviewCountCap       int           // Review volume normalization cap
	MetricsQueryRetries  uint64        // Bounded retry attempts for metric reads
	MetricsRetryInterval time.Duration // Initial backoff interval

	// Community Voting
	VoteQuorum        int     // Minimum votes before a case can be decided
	MajorityThreshold float64 // Fraction one side must exceed to win

	// Event Emitter
	EventBufferSize int
	EventWorkers    int

	// API Configuration
	APIHost string
	APIPort int

	// Monitoring & Debugging
	LogLevel  string
	DebugMode bool
}

var (
	// SettingsObj is the global settings instance
	SettingsObj *Settings
)

// LoadConfig loads configuration from environment variables
func LoadConfig() error {
	SettingsObj = &Settings{
		// Core Identity
		EngineID:  getEnv("ENGINE_ID", "xp-consensus-1"),
		Namespace: getEnv("KEY_NAMESPACE", "scholarxp"),

		// Redis Configuration
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		// Consensus Policy
		MinPeerReviews:         getEnvAsInt("MIN_PEER_REVIEWS", 3),
		OutlierZThreshold:      getEnvAsFloat("OUTLIER_Z_THRESHOLD", 2.0),
		MaxScore:               getEnvAsFloat("MAX_SCORE", 250),
		FloorWeight:            getEnvAsFloat("FLOOR_WEIGHT", 0.1),
		HighConfidenceSpread:   getEnvAsFloat("HIGH_CONFIDENCE_SPREAD", 0.2),
		MediumConfidenceSpread: getEnvAsFloat("MEDIUM_CONFIDENCE_SPREAD", 0.4),

		// Weekly Cap
		WeeklyFinalizedCap:  getEnvAsInt("WEEKLY_FINALIZED_CAP", 5),
		HeldReleaseInterval: time.Duration(getEnvAsInt("HELD_RELEASE_INTERVAL_SECONDS", 300)) * time.Second,

		// Reliability Formulas
		ActiveFormulaID: getEnv("ACTIVE_FORMULA_ID", ""),

		// Reviewer Metrics
		ReviewCountCap:       getEnvAsInt("REVIEW_COUNT_CAP", 50),
		MetricsQueryRetries:  uint64(getEnvAsInt("METRICS_QUERY_RETRIES", 3)),
		MetricsRetryInterval: time.Duration(getEnvAsInt("METRICS_RETRY_INTERVAL_MS", 100)) * time.Millisecond,

		// Community Voting
		VoteQuorum:        getEnvAsInt("VOTE_QUORUM", 50),
		MajorityThreshold: getEnvAsFloat("MAJORITY_THRESHOLD", 0.5),

		// Event Emitter
		EventBufferSize: getEnvAsInt("EVENT_BUFFER_SIZE", 1000),
		EventWorkers:    getEnvAsInt("EVENT_WORKERS", 5),

		// API Configuration
		APIHost: getEnv("API_HOST", "0.0.0.0"),
		APIPort: getEnvAsInt("API_PORT", 8080),

		// Monitoring & Debugging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		DebugMode: getBoolEnv("DEBUG_MODE", false),
	}

	loadShadowFormulas()

	// Configure logging
	configureLogging()

	// Validate configuration
	if err := validateConfig(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// Log configuration summary
	logConfigSummary()

	return nil
}

// loadShadowFormulas loads the shadow formula ID list
func loadShadowFormulas() {
	shadowsStr := getEnv("SHADOW_FORMULA_IDS", "")
	if shadowsStr == "" {
		return
	}
	for _, id := range strings.Split(shadowsStr, ",") {
		id = strings.TrimSpace(strings.Trim(id, "\""))
		if id != "" {
			SettingsObj.ShadowFormulaIDs = append(SettingsObj.ShadowFormulaIDs, id)
		}
	}
}

// configureLogging sets up the logger based on configuration
func configureLogging() {
	switch strings.ToLower(SettingsObj.LogLevel) {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}

	// Override with debug mode
	if SettingsObj.DebugMode {
		log.SetLevel(log.DebugLevel)
	}

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
		ForceColors:   true,
	})
}

// validateConfig validates the loaded configuration
func validateConfig() error {
	if SettingsObj.RedisHost == "" {
		return fmt.Errorf("Redis configuration required")
	}

	if SettingsObj.MinPeerReviews < 1 {
		return fmt.Errorf("MIN_PEER_REVIEWS must be at least 1")
	}

	if SettingsObj.MaxScore <= 0 {
		return fmt.Errorf("MAX_SCORE must be positive")
	}

	if SettingsObj.FloorWeight <= 0 || SettingsObj.FloorWeight > 1 {
		return fmt.Errorf("FLOOR_WEIGHT must be in (0,1]")
	}

	if SettingsObj.HighConfidenceSpread > SettingsObj.MediumConfidenceSpread {
		return fmt.Errorf("HIGH_CONFIDENCE_SPREAD must not exceed MEDIUM_CONFIDENCE_SPREAD")
	}

	if SettingsObj.MajorityThreshold < 0.5 || SettingsObj.MajorityThreshold >= 1 {
		return fmt.Errorf("MAJORITY_THRESHOLD must be in [0.5,1)")
	}

	if SettingsObj.ActiveFormulaID == "" {
		log.Warn("No active formula configured - consensus runs will fail until ACTIVE_FORMULA_ID is set")
	}

	return nil
}

// logConfigSummary logs a summary of the configuration
func logConfigSummary() {
	log.Info("=== Configuration Loaded ===")
	log.Infof("Engine ID: %s (namespace %s)", SettingsObj.EngineID, SettingsObj.Namespace)
	log.Infof("Redis: %s:%s (DB %d)", SettingsObj.RedisHost, SettingsObj.RedisPort, SettingsObj.RedisDB)
	log.Infof("Consensus: min reviews %d, z-threshold %.2f, max score %.0f",
		SettingsObj.MinPeerReviews, SettingsObj.OutlierZThreshold, SettingsObj.MaxScore)
	log.Infof("Confidence spreads: high<=%.2f medium<=%.2f",
		SettingsObj.HighConfidenceSpread, SettingsObj.MediumConfidenceSpread)
	log.Infof("Weekly cap: %d finalized per author", SettingsObj.WeeklyFinalizedCap)
	log.Infof("Active formula: %s, shadows: %d", SettingsObj.ActiveFormulaID, len(SettingsObj.ShadowFormulaIDs))
	log.Infof("Voting: quorum %d, majority > %.0f%%", SettingsObj.VoteQuorum, SettingsObj.MajorityThreshold*100)
	log.Info("============================")
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		value = strings.ToLower(value)
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}
