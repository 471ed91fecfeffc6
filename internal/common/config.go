package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/akovalyov/chartscan/constants"
)

// Config holds all application configuration
type Config struct {
	Database   DatabaseConfig
	Server     ServerConfig
	Recognize  RecognizeConfig
	Vision     VisionConfig
	Extraction ExtractionConfig
	Ingest     IngestConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr string
}

// RecognizeConfig holds local recognition configuration
type RecognizeConfig struct {
	TessdataDir string
	Languages   []string
	Workers     int // 0 = runtime.NumCPU()
}

// VisionConfig holds remote model + credential pool configuration
type VisionConfig struct {
	BaseURL     string
	Model       string
	Temperature float32
	Timeout     time.Duration
	Concurrency int

	// Credentials is parsed from VISION_API_KEYS, a comma-separated list of
	// key:qps:burst tuples, e.g. "sk-a:2:3,sk-b:1:5".
	Credentials []CredentialConfig
	Rotation    constants.RotationStrategy

	FailureThreshold int
	FailureWindow    time.Duration
	Cooldown         time.Duration
}

// CredentialConfig is one API key with its rate-limit budget.
type CredentialConfig struct {
	Key             string
	QPS             float64
	BurstMultiplier float64
}

// IngestConfig holds drop-directory intake behavior. An empty Dir disables
// the watcher.
type IngestConfig struct {
	Dir         string
	InitialScan bool
	Debounce    time.Duration
}

// ExtractionConfig holds quality-gate and retry behavior.
type ExtractionConfig struct {
	MinMeanConfidence float32
	ExpectedMinCodes  int // 0 = all codes from the label map
	BackoffBase       time.Duration
	MaxPoolRetries    int
	LabelMapPath      string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN:             getEnv("DB_URL", ""),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			PingTimeout:     getEnvAsDuration("DB_PING_TIMEOUT", 3*time.Second),
		},
		Server: ServerConfig{
			Addr: getEnv("HTTP_ADDR", ":8080"),
		},
		Recognize: RecognizeConfig{
			TessdataDir: getEnv("TESSDATA_PREFIX", ""),
			Languages:   splitNonEmpty(getEnv("TESSERACT_LANGS", "eng+rus"), "+"),
			Workers:     getEnvAsInt("RECOGNIZE_WORKERS", 0),
		},
		Vision: VisionConfig{
			BaseURL:          getEnv("VISION_BASE_URL", "https://api.openai.com/v1"),
			Model:            getEnv("VISION_MODEL", "gpt-4o-mini"),
			Temperature:      getEnvAsFloat32("VISION_TEMPERATURE", 0.0),
			Timeout:          getEnvAsDuration("VISION_TIMEOUT", 45*time.Second),
			Concurrency:      getEnvAsInt("VISION_CONCURRENCY", 4),
			Credentials:      parseCredentials(getEnv("VISION_API_KEYS", "")),
			Rotation:         constants.RotationStrategy(getEnv("VISION_ROTATION", string(constants.RotationRoundRobin))),
			FailureThreshold: getEnvAsInt("VISION_FAILURE_THRESHOLD", 3),
			FailureWindow:    getEnvAsDuration("VISION_FAILURE_WINDOW", time.Minute),
			Cooldown:         getEnvAsDuration("VISION_COOLDOWN", 30*time.Second),
		},
		Extraction: ExtractionConfig{
			MinMeanConfidence: getEnvAsFloat32("GATE_MIN_CONFIDENCE", 0.8),
			ExpectedMinCodes:  getEnvAsInt("GATE_EXPECTED_MIN_CODES", 0),
			BackoffBase:       getEnvAsDuration("FALLBACK_BACKOFF_BASE", 30*time.Second),
			MaxPoolRetries:    getEnvAsInt("FALLBACK_MAX_RETRIES", 2),
			LabelMapPath:      getEnv("LABEL_MAP_PATH", ""),
		},
		Ingest: IngestConfig{
			Dir:         getEnv("INGEST_DIR", ""),
			InitialScan: getEnv("INGEST_INITIAL_SCAN", "true") == "true",
			Debounce:    getEnvAsDuration("INGEST_DEBOUNCE", 500*time.Millisecond),
		},
	}
}

// parseCredentials parses "key:qps:burst,key:qps:burst". qps and burst are
// optional and default to 1 and 2 respectively.
func parseCredentials(raw string) []CredentialConfig {
	var out []CredentialConfig
	for _, tuple := range splitNonEmpty(raw, ",") {
		parts := strings.Split(tuple, ":")
		c := CredentialConfig{Key: strings.TrimSpace(parts[0]), QPS: 1, BurstMultiplier: 2}
		if c.Key == "" {
			continue
		}
		if len(parts) > 1 {
			if v, err := strconv.ParseFloat(parts[1], 64); err == nil && v > 0 {
				c.QPS = v
			}
		}
		if len(parts) > 2 {
			if v, err := strconv.ParseFloat(parts[2], 64); err == nil && v > 0 {
				c.BurstMultiplier = v
			}
		}
		out = append(out, c)
	}
	return out
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Helper functions for environment variable parsing
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

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	if len(c.Vision.Credentials) == 0 {
		return NewAppError("CONFIG_ERROR", "VISION_API_KEYS is required", ErrInvalidInput)
	}
	switch c.Vision.Rotation {
	case constants.RotationRoundRobin, constants.RotationLeastBusy:
	default:
		return NewAppError("CONFIG_ERROR",
			fmt.Sprintf("VISION_ROTATION must be %s or %s", constants.RotationRoundRobin, constants.RotationLeastBusy),
			ErrInvalidInput)
	}
	if c.Server.Addr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR is required", ErrInvalidInput)
	}
	return nil
}
