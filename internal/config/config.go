package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	CacheRedis = "redis"
	CacheMongo = "mongo"
	CacheNone  = "none"
)

type Config struct {
	HTTPPort        string        `yaml:"http_port"`
	GRPCPort        string        `yaml:"grpc_port"`
	LogLevel        string        `yaml:"log_level"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Inventory InventoryConfig `yaml:"inventory"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Cache     CacheConfig     `yaml:"cache"`
	Kafka     KafkaConfig     `yaml:"kafka"`
}

type InventoryConfig struct {
	BaseURL     string        `yaml:"base_url"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	// BreakerFailures is the number of consecutive failures that opens the breaker.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

type CatalogConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type CacheConfig struct {
	// Driver is redis, mongo or none. none disables persistence.
	Driver        string        `yaml:"driver"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisTTL      time.Duration `yaml:"redis_ttl"`
	MongoURI      string        `yaml:"mongo_uri"`
	MongoDB       string        `yaml:"mongo_db"`
}

type KafkaConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Brokers       []string `yaml:"brokers"`
	CheckoutTopic string   `yaml:"checkout_topic"`
	CartTopic     string   `yaml:"cart_topic"`
	GroupID       string   `yaml:"group_id"`
}

func (c CacheConfig) PersistenceEnabled() bool {
	return c.Driver != CacheNone
}

// Load reads the YAML file named by CART_CONFIG_FILE, if any, and then
// applies environment variables on top.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CART_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		HTTPPort:        "8080",
		GRPCPort:        "50052",
		LogLevel:        "info",
		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Inventory: InventoryConfig{
			BaseURL:         "http://localhost:8081",
			CallTimeout:     5 * time.Second,
			MaxAttempts:     3,
			BaseBackoff:     100 * time.Millisecond,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Catalog: CatalogConfig{
			BaseURL: "http://localhost:8081",
			Timeout: 5 * time.Second,
		},
		Cache: CacheConfig{
			Driver:    CacheRedis,
			RedisAddr: "localhost:6379",
			RedisTTL:  24 * time.Hour,
			MongoURI:  "mongodb://localhost:27017",
			MongoDB:   "cartdb",
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			CheckoutTopic: "checkout-completed",
			CartTopic:     "cart-events",
			GroupID:       "cart-service-consumer",
		},
	}
}

func applyEnv(cfg *Config) error {
	cfg.HTTPPort = getEnv("HTTP_PORT", cfg.HTTPPort)
	cfg.GRPCPort = getEnv("GRPC_PORT", cfg.GRPCPort)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.Inventory.BaseURL = getEnv("INVENTORY_BASE_URL", cfg.Inventory.BaseURL)
	cfg.Catalog.BaseURL = getEnv("CATALOG_BASE_URL", cfg.Catalog.BaseURL)
	cfg.Cache.Driver = strings.ToLower(getEnv("CACHE_DRIVER", cfg.Cache.Driver))
	cfg.Cache.RedisAddr = getEnv("REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = getEnv("REDIS_PASSWORD", cfg.Cache.RedisPassword)
	cfg.Cache.MongoURI = getEnv("MONGO_URI", cfg.Cache.MongoURI)
	cfg.Cache.MongoDB = getEnv("MONGO_DB_NAME", cfg.Cache.MongoDB)
	cfg.Kafka.CheckoutTopic = getEnv("KAFKA_CHECKOUT_TOPIC", cfg.Kafka.CheckoutTopic)
	cfg.Kafka.CartTopic = getEnv("KAFKA_CART_TOPIC", cfg.Kafka.CartTopic)
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}

	var err error
	if cfg.Kafka.Enabled, err = getEnvBool("KAFKA_ENABLED", cfg.Kafka.Enabled); err != nil {
		return err
	}
	if cfg.Inventory.CallTimeout, err = getEnvDuration("INVENTORY_CALL_TIMEOUT", cfg.Inventory.CallTimeout); err != nil {
		return err
	}
	if cfg.Inventory.MaxAttempts, err = getEnvInt("INVENTORY_MAX_ATTEMPTS", cfg.Inventory.MaxAttempts); err != nil {
		return err
	}
	if cfg.Cache.RedisTTL, err = getEnvDuration("REDIS_TTL", cfg.Cache.RedisTTL); err != nil {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Cache.Driver {
	case CacheRedis, CacheMongo, CacheNone:
	default:
		return fmt.Errorf("unknown cache driver %q", c.Cache.Driver)
	}
	if c.Inventory.BaseURL == "" {
		return fmt.Errorf("inventory base url is required")
	}
	if c.Inventory.CallTimeout <= 0 {
		return fmt.Errorf("inventory call timeout must be positive")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka is enabled but no brokers are configured")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
