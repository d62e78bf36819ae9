// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds configuration shared by every clinic-admin binary.
type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	KafkaBrokers    []string      `mapstructure:"KAFKA_BROKERS"`
	JWTSecret       string        `mapstructure:"JWT_SECRET"`
	JWTIssuer       string        `mapstructure:"JWT_ISSUER"`
	AdminRoles      []string      `mapstructure:"ADMIN_ROLES"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	StripeSecretKey string        `mapstructure:"STRIPE_SECRET_KEY"`
	SendGridAPIKey  string        `mapstructure:"SENDGRID_API_KEY"`
	EmailFrom       string        `mapstructure:"EMAIL_FROM"`
	EmailFromName   string        `mapstructure:"EMAIL_FROM_NAME"`
	OpenAIAPIKey    string        `mapstructure:"OPENAI_API_KEY"`
	OpenAIModel     string        `mapstructure:"OPENAI_MODEL"`
	S3Bucket        string        `mapstructure:"S3_BUCKET"`
	S3Region        string        `mapstructure:"S3_REGION"`
	S3Prefix        string        `mapstructure:"S3_PREFIX"`
	SignedURLTTL    time.Duration `mapstructure:"SIGNED_URL_TTL"`
	OTLPEndpoint    string        `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64       `mapstructure:"TRACE_SAMPLE_RATE"`
	SetupURL        string        `mapstructure:"SETUP_URL"`
	ClinicName      string        `mapstructure:"CLINIC_NAME"`
	ClinicAddress   string        `mapstructure:"CLINIC_ADDRESS"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "KAFKA_BROKERS",
	"JWT_SECRET", "JWT_ISSUER", "ADMIN_ROLES", "CORS_ORIGINS",
	"STRIPE_SECRET_KEY", "SENDGRID_API_KEY", "EMAIL_FROM", "EMAIL_FROM_NAME",
	"OPENAI_API_KEY", "OPENAI_MODEL", "S3_BUCKET", "S3_REGION", "S3_PREFIX",
	"SIGNED_URL_TTL", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
	"SETUP_URL", "CLINIC_NAME", "CLINIC_ADDRESS",
}

// Load reads configuration from the environment and an optional .env file.
func Load() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("ADMIN_ROLES", "admin,provider,staff")
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("EMAIL_FROM", "care@trimwell.health")
	v.SetDefault("EMAIL_FROM_NAME", "Trimwell Care Team")
	v.SetDefault("OPENAI_MODEL", "gpt-4o-mini")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("S3_PREFIX", "documents")
	v.SetDefault("SIGNED_URL_TTL", "1h")
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("SETUP_URL", "https://app.trimwell.health/account/setup")
	v.SetDefault("CLINIC_NAME", "Trimwell Health")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma separated lists arrive as a single element from the environment.
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	cfg.AdminRoles = splitList(v.GetString("ADMIN_ROLES"))
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.SignedURLTTL <= 0 {
		return fmt.Errorf("SIGNED_URL_TTL must be positive")
	}
	return nil
}

// ValidateAPI checks the settings only the HTTP server needs.
func (c *Config) ValidateAPI() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.AdminRoles) == 0 {
		return fmt.Errorf("ADMIN_ROLES must name at least one role")
	}
	return nil
}

// IsDev reports whether the service runs in development mode.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
