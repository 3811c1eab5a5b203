package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/HWMO-Fire-Map/MapDemo/internal/acreage"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	CORS     CORSConfig
	Data     DataConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	PoolMin  int
	PoolMax  int
	Migrate  bool
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	Origins []string
}

// DataConfig locates datasets and working files.
type DataConfig struct {
	Dir            string             // dataset bundles and their extracted directories
	ScratchDir     string             // per-request working directories
	DefaultMapPath string             // map document served when a view has none
	IngestInterval time.Duration      // 0 disables periodic ingestion
	IngestWorkers  int                // bundles extracted concurrently
	ReportWorkers  int                // reports built concurrently
	MaxUploadMB    int64              // upload size limit
	LandAreas      map[string]float64 // island land areas in acres
}

// RedisConfig configures the saved-view document cache. An empty Addr disables it.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// KafkaConfig configures catalog event publishing. No brokers disables it.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Load reads configuration from environment variables, after loading an
// optional .env file from the working directory.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()

	// Set defaults for development
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_NAME", "firemap")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_POOL_MIN", 2)
	v.SetDefault("DB_POOL_MAX", 10)
	v.SetDefault("DB_MIGRATE", true)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000,http://localhost:3001")
	v.SetDefault("DATA_DIR", "ExampleFiles")
	v.SetDefault("SCRATCH_DIR", filepath.Join(os.TempDir(), "firemap"))
	v.SetDefault("DEFAULT_MAP_PATH", "default_map.html")
	v.SetDefault("INGEST_INTERVAL", "5m")
	v.SetDefault("INGEST_WORKERS", 4)
	v.SetDefault("REPORT_WORKERS", 8)
	v.SetDefault("MAX_UPLOAD_MB", 512)
	v.SetDefault("ISLAND_LAND_AREAS", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("VIEW_CACHE_TTL", "24h")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "firemap.catalog")

	// Bind environment variables
	v.AutomaticEnv()

	landAreas, err := landAreas(v.GetString("ISLAND_LAND_AREAS"))
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	// Build configuration
	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetString("PORT"),
			Env:      v.GetString("ENV"),
			LogLevel: v.GetString("LOG_LEVEL"),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetString("DB_PORT"),
			Name:     v.GetString("DB_NAME"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			PoolMin:  v.GetInt("DB_POOL_MIN"),
			PoolMax:  v.GetInt("DB_POOL_MAX"),
			Migrate:  v.GetBool("DB_MIGRATE"),
		},
		CORS: CORSConfig{
			Origins: parseList(v.GetString("CORS_ORIGINS")),
		},
		Data: DataConfig{
			Dir:            v.GetString("DATA_DIR"),
			ScratchDir:     v.GetString("SCRATCH_DIR"),
			DefaultMapPath: v.GetString("DEFAULT_MAP_PATH"),
			IngestInterval: v.GetDuration("INGEST_INTERVAL"),
			IngestWorkers:  v.GetInt("INGEST_WORKERS"),
			ReportWorkers:  v.GetInt("REPORT_WORKERS"),
			MaxUploadMB:    v.GetInt64("MAX_UPLOAD_MB"),
			LandAreas:      landAreas,
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
			TTL:      v.GetDuration("VIEW_CACHE_TTL"),
		},
		Kafka: KafkaConfig{
			Brokers: parseList(v.GetString("KAFKA_BROKERS")),
			Topic:   v.GetString("KAFKA_TOPIC"),
		},
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present and valid.
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("PORT is required")
	}

	// Validate database config
	if c.Database.Host == "" {
		return fmt.Errorf("DB_HOST is required")
	}
	if c.Database.Port == "" {
		return fmt.Errorf("DB_PORT is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("DB_NAME is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("DB_USER is required")
	}
	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.Database.PoolMin < 0 {
		return fmt.Errorf("DB_POOL_MIN must be non-negative")
	}
	if c.Database.PoolMax < 1 {
		return fmt.Errorf("DB_POOL_MAX must be at least 1")
	}
	if c.Database.PoolMin > c.Database.PoolMax {
		return fmt.Errorf("DB_POOL_MIN must be less than or equal to DB_POOL_MAX")
	}

	// Validate CORS config
	if len(c.CORS.Origins) == 0 {
		return fmt.Errorf("CORS_ORIGINS is required")
	}

	// Validate data config
	if c.Data.Dir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.Data.ScratchDir == "" {
		return fmt.Errorf("SCRATCH_DIR is required")
	}
	if c.Data.IngestInterval < 0 {
		return fmt.Errorf("INGEST_INTERVAL must be non-negative")
	}
	if c.Data.IngestWorkers < 1 {
		return fmt.Errorf("INGEST_WORKERS must be at least 1")
	}
	if c.Data.ReportWorkers < 1 {
		return fmt.Errorf("REPORT_WORKERS must be at least 1")
	}
	if c.Data.MaxUploadMB < 1 {
		return fmt.Errorf("MAX_UPLOAD_MB must be at least 1")
	}

	// Validate optional integrations
	if c.Redis.TTL < 0 {
		return fmt.Errorf("VIEW_CACHE_TTL must be non-negative")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}

	return nil
}

// URL builds a connection URL for the given scheme ("postgres" for pgx, "pgx5" for migrations).
func (d DatabaseConfig) URL(scheme string) string {
	u := url.URL{
		Scheme:   scheme,
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, d.Port),
		Path:     "/" + d.Name,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// landAreas returns the default island land areas with any overrides applied.
func landAreas(raw string) (map[string]float64, error) {
	areas := make(map[string]float64, len(acreage.DefaultLandAreas))
	for island, acres := range acreage.DefaultLandAreas {
		areas[island] = acres
	}

	overrides, err := acreage.ParseLandAreas(raw)
	if err != nil {
		return nil, fmt.Errorf("ISLAND_LAND_AREAS: %w", err)
	}
	for island, acres := range overrides {
		areas[island] = acres
	}
	return areas, nil
}

// parseList splits a comma-separated string into a slice.
func parseList(values string) []string {
	if values == "" {
		return []string{}
	}

	parts := strings.Split(values, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
