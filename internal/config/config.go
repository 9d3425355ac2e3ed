package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	ServiceName string   `mapstructure:"SERVICE_NAME"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	RedisURL string `mapstructure:"REDIS_URL"`

	// OpenMRS registry.
	OpenMRSBaseURL        string `mapstructure:"OPENMRS_BASE_URL"`
	OpenMRSUsername       string `mapstructure:"OPENMRS_USERNAME"`
	OpenMRSPassword       string `mapstructure:"OPENMRS_PASSWORD"`
	OpenMRSTimeoutSecs    int    `mapstructure:"OPENMRS_TIMEOUT_SECONDS"`
	OpenMRSMaxRetries     int    `mapstructure:"OPENMRS_MAX_RETRIES"`
	OpenMRSBackoffBaseMS  int    `mapstructure:"OPENMRS_BACKOFF_BASE_MS"`
	OpenMRSBackoffMaxMS   int    `mapstructure:"OPENMRS_BACKOFF_MAX_MS"`
	OpenMRSCreatePatients bool   `mapstructure:"OPENMRS_CREATE_PATIENTS"`

	// Ingestion behavior.
	MappingsPath    string `mapstructure:"MAPPINGS_PATH"`
	DataPath        string `mapstructure:"DATA_PATH"`
	DefaultFormat   string `mapstructure:"DEFAULT_FORMAT"`
	SubmitBatchSize int    `mapstructure:"SUBMIT_BATCH_SIZE"`
	AuditTTLDays    int    `mapstructure:"AUDIT_TTL_DAYS"`

	// WHO ICD-11 terminology search.
	WHOMMSSearchURL string `mapstructure:"WHO_MMS_SEARCH_URL"`
	WHOTM2SearchURL string `mapstructure:"WHO_TM2_SEARCH_URL"`
	WHOAPIKey       string `mapstructure:"WHO_API_KEY"`
	CacheTTLSecs    int    `mapstructure:"CACHE_TTL_SECONDS"`

	// Trigger-surface auth.
	JWTSecret        string `mapstructure:"JWT_SECRET"`
	JWTExpireMinutes int    `mapstructure:"JWT_EXPIRE_MINUTES"`
	APIUsername      string `mapstructure:"API_USERNAME"`
	APIPassword      string `mapstructure:"API_PASSWORD"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("SERVICE_NAME", "tm2-bridge")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("OPENMRS_TIMEOUT_SECONDS", 10)
	v.SetDefault("OPENMRS_MAX_RETRIES", 3)
	v.SetDefault("OPENMRS_BACKOFF_BASE_MS", 500)
	v.SetDefault("OPENMRS_BACKOFF_MAX_MS", 8000)
	v.SetDefault("OPENMRS_CREATE_PATIENTS", false)
	v.SetDefault("MAPPINGS_PATH", "tm2_mappings.json")
	v.SetDefault("DATA_PATH", "data/tm2_records.csv")
	v.SetDefault("DEFAULT_FORMAT", "csv")
	v.SetDefault("SUBMIT_BATCH_SIZE", 100)
	v.SetDefault("AUDIT_TTL_DAYS", 90)
	v.SetDefault("WHO_MMS_SEARCH_URL", "https://id.who.int/icd/release/11/2024-01/mms/search")
	v.SetDefault("WHO_TM2_SEARCH_URL", "https://id.who.int/icd/entity/search")
	v.SetDefault("CACHE_TTL_SECONDS", 3600)
	v.SetDefault("JWT_EXPIRE_MINUTES", 60)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "SERVICE_NAME", "CORS_ORIGINS",
		"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
		"OPENMRS_BASE_URL", "OPENMRS_USERNAME", "OPENMRS_PASSWORD",
		"OPENMRS_TIMEOUT_SECONDS", "OPENMRS_MAX_RETRIES",
		"OPENMRS_BACKOFF_BASE_MS", "OPENMRS_BACKOFF_MAX_MS", "OPENMRS_CREATE_PATIENTS",
		"MAPPINGS_PATH", "DATA_PATH", "DEFAULT_FORMAT", "SUBMIT_BATCH_SIZE", "AUDIT_TTL_DAYS",
		"WHO_MMS_SEARCH_URL", "WHO_TM2_SEARCH_URL", "WHO_API_KEY", "CACHE_TTL_SECONDS",
		"JWT_SECRET", "JWT_EXPIRE_MINUTES", "API_USERNAME", "API_PASSWORD",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the service is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// the trigger surface requires a JWT secret, and submission requires OpenMRS
// credentials when a base URL is set.
func (c *Config) Validate() error {
	if c.DefaultFormat != "csv" && c.DefaultFormat != "ndjson" && c.DefaultFormat != "json" {
		return fmt.Errorf("DEFAULT_FORMAT must be \"csv\", \"ndjson\", or \"json\", got %q", c.DefaultFormat)
	}
	if !c.IsDev() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when ENV is not development")
	}
	if c.OpenMRSBaseURL != "" && (c.OpenMRSUsername == "" || c.OpenMRSPassword == "") {
		return fmt.Errorf("OPENMRS_USERNAME and OPENMRS_PASSWORD are required when OPENMRS_BASE_URL is set")
	}
	if c.SubmitBatchSize <= 0 {
		return fmt.Errorf("SUBMIT_BATCH_SIZE must be positive, got %d", c.SubmitBatchSize)
	}
	return nil
}
