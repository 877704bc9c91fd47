package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Snapshot backends.
const (
	BackendSSM      = "ssm"
	BackendDynamoDB = "dynamodb"
	BackendS3       = "s3"
	BackendVault    = "vault"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Config holds all application configuration. It is built once at process
// start and handed to the controllers; nothing below reads the environment.
type Config struct {
	// Stack identity and the exclusion set
	StackName       string
	TriggerFunction string
	ResetFunction   string

	// AWS
	Region         string
	EndpointURL    string
	AWSMaxAttempts int

	// Discovery
	StackTagKey         string
	ResourceTypeFilters []string
	ResourcesPerPage    int

	// Snapshot
	SnapshotKey     string
	SnapshotTagKey  string
	SnapshotBackend string
	SnapshotTable   string
	SnapshotBucket  string
	SnapshotPrefix  string

	// Vault snapshot backend
	VaultAddr    string
	VaultToken   string
	VaultKVMount string

	// Redis snapshot backend
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Fan-out
	FanoutLimit             int
	APIRateLimit            float64
	APIRateBurst            int
	BreakerFailureThreshold int
	BreakerTimeout          time.Duration

	// Audit events
	EventsSinkURL       string
	EventsPubSubProject string
	EventsPubSubTopic   string

	// Metrics
	PushgatewayURL string

	// HTTP mode
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	SNSTopicARN  string

	// CFNSharedSecret, when set, is required in a header on /cfn.
	CFNSharedSecret string

	// Acknowledgment
	AckTimeout time.Duration
}

// Load loads configuration from environment variables and Vault agent secrets.
// The variable names for stack identity match the deployed templates.
func Load() (*Config, error) {
	loader := NewVaultLoader()

	stackName := getEnv("ARC_CLOUDFORMATION", "")
	backend := strings.ToLower(getEnv("SNAPSHOT_BACKEND", BackendSSM))

	vaultToken, err := loader.LoadEnv("VAULT_TOKEN", backend == BackendVault)
	if err != nil {
		return nil, fmt.Errorf("failed to load VAULT_TOKEN: %w", err)
	}

	redisPassword, err := loader.LoadEnv("REDIS_PASSWORD", false)
	if err != nil {
		return nil, fmt.Errorf("failed to load REDIS_PASSWORD: %w", err)
	}

	cfnSecret, err := loader.LoadEnv("CFN_SHARED_SECRET", false)
	if err != nil {
		return nil, fmt.Errorf("failed to load CFN_SHARED_SECRET: %w", err)
	}

	cfg := &Config{
		StackName:       stackName,
		TriggerFunction: getEnv("TRIGGER_LAMBDA", ""),
		ResetFunction:   getEnv("RESET_LAMBDA", ""),

		Region:         getEnv("AWS_REGION", getEnv("AWS_DEFAULT_REGION", "")),
		EndpointURL:    getEnv("AWS_ENDPOINT_URL", ""),
		AWSMaxAttempts: getEnvInt("AWS_MAX_ATTEMPTS", 3),

		StackTagKey:         getEnv("STACK_TAG_KEY", "aws:cloudformation:stack-name"),
		ResourceTypeFilters: parseList(getEnv("RESOURCE_TYPE_FILTERS", "lambda")),
		ResourcesPerPage:    getEnvInt("RESOURCES_PER_PAGE", 100),

		SnapshotKey:     getEnv("TRIGGER_SSM", DefaultSnapshotKey(stackName)),
		SnapshotTagKey:  getEnv("SNAPSHOT_TAG_KEY", "budget-watch:stack-name"),
		SnapshotBackend: backend,
		SnapshotTable:   getEnv("SNAPSHOT_TABLE", ""),
		SnapshotBucket:  getEnv("SNAPSHOT_BUCKET", ""),
		SnapshotPrefix:  getEnv("SNAPSHOT_PREFIX", ""),

		VaultAddr:    getEnv("VAULT_ADDR", ""),
		VaultToken:   vaultToken,
		VaultKVMount: getEnv("VAULT_KV_MOUNT", "secret"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: redisPassword,
		RedisDB:       getEnvInt("REDIS_DB", 0),

		FanoutLimit:             getEnvInt("FANOUT_LIMIT", 16),
		APIRateLimit:            getEnvFloat("API_RATE_LIMIT", 0),
		APIRateBurst:            getEnvInt("API_RATE_BURST", 10),
		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 10),
		BreakerTimeout:          getEnvDuration("BREAKER_TIMEOUT", 30*time.Second),

		EventsSinkURL:       getEnv("EVENTS_SINK_URL", ""),
		EventsPubSubProject: getEnv("EVENTS_PUBSUB_PROJECT", ""),
		EventsPubSubTopic:   getEnv("EVENTS_PUBSUB_TOPIC", ""),

		PushgatewayURL: getEnv("PUSHGATEWAY_URL", ""),

		Port:         getEnv("PORT", "8080"),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		SNSTopicARN:  getEnv("SNS_TOPIC_ARN", ""),

		CFNSharedSecret: cfnSecret,

		AckTimeout: getEnvDuration("ACK_TIMEOUT", 10*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultSnapshotKey is the parameter name the deployed templates use.
func DefaultSnapshotKey(stackName string) string {
	if stackName == "" {
		return ""
	}
	return fmt.Sprintf("/%s/ThrottledFunctions", stackName)
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.StackName == "" {
		return fmt.Errorf("ARC_CLOUDFORMATION is required")
	}
	if c.TriggerFunction == "" {
		return fmt.Errorf("TRIGGER_LAMBDA is required")
	}
	if c.ResetFunction == "" {
		return fmt.Errorf("RESET_LAMBDA is required")
	}
	if c.Region == "" {
		return fmt.Errorf("AWS_REGION is required")
	}
	if c.SnapshotKey == "" {
		return fmt.Errorf("TRIGGER_SSM is required")
	}
	if c.ResourcesPerPage < 1 || c.ResourcesPerPage > 100 {
		return fmt.Errorf("RESOURCES_PER_PAGE must be between 1 and 100, got %d", c.ResourcesPerPage)
	}
	if c.FanoutLimit < 1 {
		return fmt.Errorf("FANOUT_LIMIT must be at least 1, got %d", c.FanoutLimit)
	}
	if c.APIRateLimit > 0 && c.APIRateBurst < 1 {
		return fmt.Errorf("API_RATE_BURST must be at least 1 when API_RATE_LIMIT is set")
	}

	switch c.SnapshotBackend {
	case BackendSSM, BackendMemory:
	case BackendDynamoDB:
		if c.SnapshotTable == "" {
			return fmt.Errorf("SNAPSHOT_TABLE is required for the %s backend", c.SnapshotBackend)
		}
	case BackendS3:
		if c.SnapshotBucket == "" {
			return fmt.Errorf("SNAPSHOT_BUCKET is required for the %s backend", c.SnapshotBackend)
		}
	case BackendVault:
		if c.VaultAddr == "" {
			return fmt.Errorf("VAULT_ADDR is required for the %s backend", c.SnapshotBackend)
		}
		if c.VaultToken == "" {
			return fmt.Errorf("VAULT_TOKEN is required for the %s backend", c.SnapshotBackend)
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the %s backend", c.SnapshotBackend)
		}
	default:
		return fmt.Errorf("unknown SNAPSHOT_BACKEND %q", c.SnapshotBackend)
	}

	if (c.EventsPubSubProject == "") != (c.EventsPubSubTopic == "") {
		return fmt.Errorf("EVENTS_PUBSUB_PROJECT and EVENTS_PUBSUB_TOPIC must be set together")
	}
	return nil
}

// ExcludedFunctions returns the identifiers of the two controller functions.
func (c *Config) ExcludedFunctions() []string {
	return []string{c.TriggerFunction, c.ResetFunction}
}

// SnapshotTags are attached to the stored snapshot for lifecycle association.
func (c *Config) SnapshotTags() map[string]string {
	return map[string]string{c.SnapshotTagKey: c.StackName}
}

// getEnv retrieves an environment variable with a fallback default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// parseList splits a comma-separated list, dropping empty items.
func parseList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
