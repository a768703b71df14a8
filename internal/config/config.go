package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Host string
	Port int

	ModelPath          string
	ClassNamesPath     string
	DetectionThreshold float64
	NMSThreshold       float64
	ModelInputSize     int

	InputDirectory  string
	OutputDirectory string
	StaticDirectory string
	LastRawPath     string // Ostatni surowy obraz (podgląd)
	PreviewPath     string // Podgląd z narysowanymi detekcjami

	DatabasePath   string
	DatabaseDriver string // "sqlite3" (cgo) albo "sqlite" (czysty Go)

	PollInterval   time.Duration
	StableInterval time.Duration
	SettleDelay    time.Duration

	StreamPollInterval time.Duration
	StreamErrorBackoff time.Duration
	StreamBatchLimit   int
	StreamRetryHint    time.Duration

	StatsCacheTTL time.Duration
	MaxUploadSize int64

	CamerasPort int               // UDP port for camera frames, 0 disables the listener
	CameraNames map[string]string // camera IP -> name used in file names

	LogDirectory string
}

// fileConfig mirrors the optional YAML file; every field is optional.
type fileConfig struct {
	Host               string            `yaml:"host"`
	Port               *int              `yaml:"port"`
	ModelPath          string            `yaml:"model_path"`
	ClassNamesPath     string            `yaml:"class_names_path"`
	DetectionThreshold *float64          `yaml:"detection_threshold"`
	NMSThreshold       *float64          `yaml:"nms_threshold"`
	ModelInputSize     *int              `yaml:"model_input_size"`
	InputDirectory     string            `yaml:"input_dir"`
	OutputDirectory    string            `yaml:"output_dir"`
	StaticDirectory    string            `yaml:"static_dir"`
	DatabasePath       string            `yaml:"db_path"`
	DatabaseDriver     string            `yaml:"db_driver"`
	PollSeconds        *float64          `yaml:"poll_seconds"`
	StableSeconds      *float64          `yaml:"stable_seconds"`
	StreamPollSeconds  *float64          `yaml:"stream_poll_seconds"`
	StatsCacheSeconds  *float64          `yaml:"stats_cache_seconds"`
	LogDirectory       string            `yaml:"log_dir"`
	CamerasPort        *int              `yaml:"cameras_port"`
	CameraNames        map[string]string `yaml:"camera_names"`
}

// Defaults returns the built-in configuration before files and environment are applied.
func Defaults() *Config {
	base := "."
	static := filepath.Join(base, "static")
	return &Config{
		Host:               "0.0.0.0",
		Port:               5000,
		ModelPath:          filepath.Join(base, "best.onnx"),
		ClassNamesPath:     filepath.Join(base, "classes.txt"),
		DetectionThreshold: 0.25,
		NMSThreshold:       0.45,
		ModelInputSize:     640,
		InputDirectory:     filepath.Join(base, "uploads"),
		OutputDirectory:    filepath.Join(base, "outputs", "sautrain"),
		StaticDirectory:    static,
		LastRawPath:        filepath.Join(static, "last.jpg"),
		PreviewPath:        filepath.Join(static, "last_annotated.jpg"),
		DatabasePath:       filepath.Join(base, "vision_drink_survey.db"),
		DatabaseDriver:     "sqlite3",
		PollInterval:       500 * time.Millisecond,
		StableInterval:     600 * time.Millisecond,
		SettleDelay:        50 * time.Millisecond,
		StreamPollInterval: 500 * time.Millisecond,
		StreamErrorBackoff: time.Second,
		StreamBatchLimit:   50,
		StreamRetryHint:    2 * time.Second,
		StatsCacheTTL:      2 * time.Second,
		MaxUploadSize:      20 << 20,
		CameraNames:        map[string]string{},
		LogDirectory:       filepath.Join(base, "logs"),
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// CONFIG_FILE, then environment variables (a .env file is loaded first).
func Load() (*Config, error) {
	// Brak pliku .env nie jest błędem
	_ = godotenv.Load()

	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.LastRawPath = filepath.Join(cfg.StaticDirectory, "last.jpg")
	cfg.PreviewPath = filepath.Join(cfg.StaticDirectory, "last_annotated.jpg")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	if c.DatabaseDriver != "sqlite3" && c.DatabaseDriver != "sqlite" {
		return fmt.Errorf("unsupported database driver: %s (must be sqlite3 or sqlite)", c.DatabaseDriver)
	}
	if c.PollInterval <= 0 || c.StableInterval <= 0 || c.StreamPollInterval <= 0 {
		return fmt.Errorf("poll and stability intervals must be positive")
	}
	if c.StreamBatchLimit <= 0 {
		return fmt.Errorf("stream batch limit must be positive")
	}
	return nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	setString(&c.Host, fc.Host)
	setString(&c.ModelPath, fc.ModelPath)
	setString(&c.ClassNamesPath, fc.ClassNamesPath)
	setString(&c.InputDirectory, fc.InputDirectory)
	setString(&c.OutputDirectory, fc.OutputDirectory)
	setString(&c.StaticDirectory, fc.StaticDirectory)
	setString(&c.DatabasePath, fc.DatabasePath)
	setString(&c.DatabaseDriver, fc.DatabaseDriver)
	setString(&c.LogDirectory, fc.LogDirectory)

	if fc.Port != nil {
		c.Port = *fc.Port
	}
	if fc.DetectionThreshold != nil {
		c.DetectionThreshold = *fc.DetectionThreshold
	}
	if fc.NMSThreshold != nil {
		c.NMSThreshold = *fc.NMSThreshold
	}
	if fc.ModelInputSize != nil {
		c.ModelInputSize = *fc.ModelInputSize
	}
	if fc.PollSeconds != nil {
		c.PollInterval = seconds(*fc.PollSeconds)
	}
	if fc.StableSeconds != nil {
		c.StableInterval = seconds(*fc.StableSeconds)
	}
	if fc.StreamPollSeconds != nil {
		c.StreamPollInterval = seconds(*fc.StreamPollSeconds)
	}
	if fc.StatsCacheSeconds != nil {
		c.StatsCacheTTL = seconds(*fc.StatsCacheSeconds)
	}
	if fc.CamerasPort != nil {
		c.CamerasPort = *fc.CamerasPort
	}
	for ip, name := range fc.CameraNames {
		c.CameraNames[ip] = name
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Host = getEnv("HOST", c.Host)
	c.Port = getEnvAsInt("PORT", c.Port)
	c.ModelPath = getEnv("MODEL_PATH", c.ModelPath)
	c.ClassNamesPath = getEnv("CLASS_NAMES_PATH", c.ClassNamesPath)
	c.DetectionThreshold = getEnvAsFloat("DETECTION_THRESHOLD", c.DetectionThreshold)
	c.NMSThreshold = getEnvAsFloat("NMS_THRESHOLD", c.NMSThreshold)
	c.ModelInputSize = getEnvAsInt("MODEL_INPUT_SIZE", c.ModelInputSize)
	c.InputDirectory = getEnv("INPUT_DIR", c.InputDirectory)
	c.OutputDirectory = getEnv("OUTPUT_DIR", c.OutputDirectory)
	c.StaticDirectory = getEnv("STATIC_DIR", c.StaticDirectory)
	c.DatabasePath = getEnv("DB_PATH", c.DatabasePath)
	c.DatabaseDriver = getEnv("DB_DRIVER", c.DatabaseDriver)
	c.PollInterval = getEnvAsSeconds("POLL_SECONDS", c.PollInterval)
	c.StableInterval = getEnvAsSeconds("STABLE_SECONDS", c.StableInterval)
	c.StreamPollInterval = getEnvAsSeconds("STREAM_POLL_SECONDS", c.StreamPollInterval)
	c.StreamErrorBackoff = getEnvAsSeconds("STREAM_ERROR_BACKOFF_SECONDS", c.StreamErrorBackoff)
	c.StreamBatchLimit = getEnvAsInt("STREAM_BATCH_LIMIT", c.StreamBatchLimit)
	c.StatsCacheTTL = getEnvAsSeconds("STATS_CACHE_SECONDS", c.StatsCacheTTL)
	c.MaxUploadSize = int64(getEnvAsInt("MAX_UPLOAD_MB", int(c.MaxUploadSize>>20))) << 20
	c.LogDirectory = getEnv("LOG_DIR", c.LogDirectory)
	c.CamerasPort = getEnvAsInt("CAMERAS_PORT", c.CamerasPort)
	for ip, name := range getEnvAsMap("CAMERA_NAMES") {
		c.CameraNames[ip] = name
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvAsMap parses "k1=v1,k2=v2"; malformed pairs are skipped.
func getEnvAsMap(key string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(os.Getenv(key), ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" || v == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// getEnvAsSeconds reads a (possibly fractional) number of seconds, e.g. POLL_SECONDS=0.5.
func getEnvAsSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil && floatValue > 0 {
			return seconds(floatValue)
		}
	}
	return defaultValue
}
