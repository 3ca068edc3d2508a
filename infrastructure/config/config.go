package config

import (
	"fmt"
	"os"
	"strconv"

	"threatgraph/application/services"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	ServerAddress string
	Environment   string

	// AWS configuration
	AWSRegion     string
	DynamoDBTable string
	IndexName     string // GSI1 - for type-level queries
	EventBusName  string

	// Export configuration
	ExportPolicyPath string

	// Logging
	LogLevel string

	// Authentication
	JWTSecret string
	JWTIssuer string

	// Rate limiting (requests per minute)
	IPRateLimit   int
	UserRateLimit int

	// Feature flags
	EnableCORS   bool
	EnableEvents bool

	// DeprecatedRelationshipPatterns is loaded from the export policy
	// file when ExportPolicyPath is set; otherwise the built-in list.
	DeprecatedRelationshipPatterns []services.DeprecatedRelationshipPattern
}

// exportPolicy is the on-disk shape of the export policy file.
type exportPolicy struct {
	DeprecatedRelationshipPatterns []services.DeprecatedRelationshipPattern `yaml:"deprecated_relationship_patterns"`
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServerAddress: getEnv("SERVER_ADDRESS", ":8080"),
		Environment:   getEnv("ENVIRONMENT", "development"),
		AWSRegion:     getEnv("AWS_REGION", "us-west-2"),
		DynamoDBTable: getEnv("TABLE_NAME", "threatgraph"),
		IndexName:     getEnv("INDEX_NAME", "TypeIndex"),
		EventBusName:  getEnv("EVENT_BUS_NAME", "threatgraph-events"),

		ExportPolicyPath: getEnv("EXPORT_POLICY_PATH", ""),

		JWTSecret: getEnv("JWT_SECRET", ""),
		JWTIssuer: getEnv("JWT_ISSUER", "threatgraph"),

		IPRateLimit:   getEnvInt("IP_RATE_LIMIT", 100),
		UserRateLimit: getEnvInt("USER_RATE_LIMIT", 200),

		LogLevel:     getEnv("LOG_LEVEL", "info"),
		EnableCORS:   getEnvBool("ENABLE_CORS", true),
		EnableEvents: getEnvBool("ENABLE_EVENTS", false),
	}

	patterns, err := loadExportPolicy(cfg.ExportPolicyPath)
	if err != nil {
		return nil, err
	}
	cfg.DeprecatedRelationshipPatterns = patterns

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Load is an alias for LoadConfig
func Load() (*Config, error) {
	return LoadConfig()
}

// loadExportPolicy reads the deprecated-relationship exclusion list from
// the policy file, falling back to the built-in defaults.
func loadExportPolicy(path string) ([]services.DeprecatedRelationshipPattern, error) {
	if path == "" {
		return services.DefaultDeprecatedRelationshipPatterns(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read export policy %s: %w", path, err)
	}

	var policy exportPolicy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("parse export policy %s: %w", path, err)
	}
	if len(policy.DeprecatedRelationshipPatterns) == 0 {
		return services.DefaultDeprecatedRelationshipPatterns(), nil
	}
	return policy.DeprecatedRelationshipPatterns, nil
}

// Validate checks if all required configuration is present
func (c *Config) Validate() error {
	if c.Environment == "production" {
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if c.DynamoDBTable == "" {
			return fmt.Errorf("TABLE_NAME is required")
		}
		if c.EnableEvents && c.EventBusName == "" {
			return fmt.Errorf("EVENT_BUS_NAME is required when events are enabled")
		}
	}

	return nil
}

// IsDevelopment checks if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction checks if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
