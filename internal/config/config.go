package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // INPUT_TZ must resolve on hosts without zoneinfo

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/ctmansfield/health-portal/internal/domain/parser"
	"github.com/ctmansfield/health-portal/internal/platform/db"
)

// Store and artifact drivers.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"

	ArtifactFS = "fs"
	ArtifactS3 = "s3"
)

type Config struct {
	Port            string `mapstructure:"PORT"`
	Env             string `mapstructure:"ENV"`
	LogLevel        string `mapstructure:"LOG_LEVEL"`
	DatabaseURL     string `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32  `mapstructure:"DB_MIN_CONNS"`
	DBSchema        string `mapstructure:"DB_SCHEMA"`
	StoreDriver     string `mapstructure:"STORE_DRIVER"`
	SQLitePath      string `mapstructure:"SQLITE_PATH"`
	MigrationsDir   string `mapstructure:"MIGRATIONS_DIR"`
	InputTZ         string `mapstructure:"INPUT_TZ"`
	RulesPath       string `mapstructure:"RULES_PATH"`
	OrphanRowPolicy string `mapstructure:"ORPHAN_ROW_POLICY"`
	StageBatchSize  int    `mapstructure:"STAGE_BATCH_SIZE"`
	MaxUploadMB     int    `mapstructure:"MAX_UPLOAD_MB"`
	ArtifactDriver  string `mapstructure:"ARTIFACT_DRIVER"`
	ArtifactDir     string `mapstructure:"ARTIFACT_DIR"`
	S3Bucket        string `mapstructure:"S3_BUCKET"`
	S3Region        string `mapstructure:"S3_REGION"`
	S3Endpoint      string `mapstructure:"S3_ENDPOINT"`
	S3Prefix        string `mapstructure:"S3_PREFIX"`
	S3PathStyle     bool   `mapstructure:"S3_PATH_STYLE"`

	// Per-client limit on run submissions; zero disables it.
	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("DB_SCHEMA", "ingest_portal")
	v.SetDefault("STORE_DRIVER", StorePostgres)
	v.SetDefault("SQLITE_PATH", "labingest.db")
	v.SetDefault("INPUT_TZ", "America/New_York")
	v.SetDefault("RULES_PATH", "mappings/loinc_map.csv")
	v.SetDefault("ORPHAN_ROW_POLICY", string(parser.OrphanSkip))
	v.SetDefault("STAGE_BATCH_SIZE", 1000)
	v.SetDefault("MAX_UPLOAD_MB", 32)
	v.SetDefault("RATE_LIMIT_RPS", 1)
	v.SetDefault("RATE_LIMIT_BURST", 10)
	v.SetDefault("ARTIFACT_DRIVER", ArtifactFS)
	v.SetDefault("ARTIFACT_DIR", "portal_ingest_out")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("S3_PREFIX", "portal_ingest_out")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL",
		"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
		"STORE_DRIVER", "SQLITE_PATH", "MIGRATIONS_DIR",
		"INPUT_TZ", "RULES_PATH", "ORPHAN_ROW_POLICY", "STAGE_BATCH_SIZE", "MAX_UPLOAD_MB",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"ARTIFACT_DRIVER", "ARTIFACT_DIR",
		"S3_BUCKET", "S3_REGION", "S3_ENDPOINT", "S3_PREFIX", "S3_PATH_STYLE",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.ArtifactDriver = strings.ToLower(strings.TrimSpace(cfg.ArtifactDriver))

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the service is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves INPUT_TZ.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.InputTZ)
	if err != nil {
		return nil, fmt.Errorf("INPUT_TZ %q: %w", c.InputTZ, err)
	}
	return loc, nil
}

// Level resolves LOG_LEVEL, defaulting to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks that the configuration is coherent. It does not require a
// store; commands that write call RequireStore as well.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StorePostgres, StoreSQLite:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StorePostgres, StoreSQLite, c.StoreDriver)
	}

	if c.DBSchema != "" && !db.ValidSchema(c.DBSchema) {
		return fmt.Errorf("DB_SCHEMA %q is not a valid identifier", c.DBSchema)
	}

	if _, err := c.Location(); err != nil {
		return err
	}

	if _, err := parser.ParseOrphanPolicy(c.OrphanRowPolicy); err != nil {
		return fmt.Errorf("ORPHAN_ROW_POLICY: %w", err)
	}

	if c.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must not be negative, got %v", c.RateLimitRPS)
	}

	if c.StageBatchSize <= 0 {
		return fmt.Errorf("STAGE_BATCH_SIZE must be positive, got %d", c.StageBatchSize)
	}

	switch c.ArtifactDriver {
	case ArtifactFS:
		if c.ArtifactDir == "" {
			return fmt.Errorf("ARTIFACT_DIR is required when ARTIFACT_DRIVER is %q", ArtifactFS)
		}
	case ArtifactS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when ARTIFACT_DRIVER is %q", ArtifactS3)
		}
	default:
		return fmt.Errorf("ARTIFACT_DRIVER must be %q or %q, got %q", ArtifactFS, ArtifactS3, c.ArtifactDriver)
	}

	return nil
}

// RequireStore checks that the selected store can be opened.
func (c *Config) RequireStore() error {
	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StorePostgres)
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", StoreSQLite)
		}
	}
	return nil
}
