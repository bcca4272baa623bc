package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string   `mapstructure:"PORT"`
	Env                string   `mapstructure:"ENV"`
	DatabaseURL        string   `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer         string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience       string   `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL        string   `mapstructure:"AUTH_JWKS_URL"`
	JWTSigningKey      string   `mapstructure:"JWT_SIGNING_KEY"`
	BlobDriver         string   `mapstructure:"BLOB_DRIVER"`
	BlobS3Bucket       string   `mapstructure:"BLOB_S3_BUCKET"`
	BlobS3Region       string   `mapstructure:"BLOB_S3_REGION"`
	BlobS3Endpoint     string   `mapstructure:"BLOB_S3_ENDPOINT"`
	BlobS3PathStyle    bool     `mapstructure:"BLOB_S3_PATH_STYLE"`
	MaxReportSizeBytes int64    `mapstructure:"MAX_REPORT_SIZE_BYTES"`
	CORSOrigins        []string `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("BLOB_DRIVER", "memory")
	v.SetDefault("BLOB_S3_REGION", "us-east-1")
	v.SetDefault("MAX_REPORT_SIZE_BYTES", 25*1024*1024)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("JWT_SIGNING_KEY")
	v.BindEnv("BLOB_DRIVER")
	v.BindEnv("BLOB_S3_BUCKET")
	v.BindEnv("BLOB_S3_REGION")
	v.BindEnv("BLOB_S3_ENDPOINT")
	v.BindEnv("BLOB_S3_PATH_STYLE")
	v.BindEnv("MAX_REPORT_SIZE_BYTES")
	v.BindEnv("CORS_ORIGINS")

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

	if cfg.IsDev() {
		log.Println("WARNING: server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active - all requests get admin access.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// mode either AUTH_ISSUER or JWT_SIGNING_KEY must be set so that real JWT
// authentication is enforced, and the blob driver must be fully configured.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.JWTSigningKey == "" {
		return fmt.Errorf(
			"AUTH_ISSUER or JWT_SIGNING_KEY must be set when ENV=%q; "+
				"refusing to start without authentication configuration", c.Env)
	}

	switch c.BlobDriver {
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("BLOB_DRIVER=memory is not allowed in production")
		}
	case "s3":
		if c.BlobS3Bucket == "" {
			return fmt.Errorf("BLOB_S3_BUCKET is required when BLOB_DRIVER is \"s3\"")
		}
	default:
		return fmt.Errorf("BLOB_DRIVER must be \"memory\" or \"s3\", got %q", c.BlobDriver)
	}

	if c.MaxReportSizeBytes <= 0 {
		return fmt.Errorf("MAX_REPORT_SIZE_BYTES must be positive, got %d", c.MaxReportSizeBytes)
	}

	return nil
}
