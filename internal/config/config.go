package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the wallet daemon and the payment server.
type Config struct {
	LogLevel   string
	MaxRetries int
	RetryDelay time.Duration

	HTTP     HTTPConfig
	Chain    ChainConfig
	Wallet   WalletConfig
	Gateway  GatewayConfig
	Kafka    KafkaConfig
	Database DatabaseConfig

	PollInterval time.Duration
}

// HTTPConfig holds the API server configuration.
type HTTPConfig struct {
	Addr    string
	Timeout time.Duration
}

// ChainConfig holds the Base RPC configuration.
type ChainConfig struct {
	RpcEndpoint     string
	ApiKey          string
	RateLimit       float64
	ExplorerBaseURL string
}

// WalletConfig holds keystore configuration.
type WalletConfig struct {
	KeystorePath string
	Passphrase   string
}

// GatewayConfig points at the payment-request API.
type GatewayConfig struct {
	BaseURL string
	Timeout time.Duration
}

// KafkaConfig holds transfer-event emitter configuration. An empty broker
// address disables Kafka and falls back to the log emitter.
type KafkaConfig struct {
	BrokerAddress string
	Topic         string
}

// DatabaseConfig holds the payment server's Postgres configuration.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// Not fatal, as env vars might be set externally
	}

	config := &Config{
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		MaxRetries: getEnvAsInt("MAX_RETRIES", 3),
		RetryDelay: time.Duration(getEnvAsInt("RETRY_DELAY", 2)) * time.Second,
		HTTP: HTTPConfig{
			Addr:    getEnv("HTTP_ADDR", ":8080"),
			Timeout: time.Duration(getEnvAsInt("HTTP_TIMEOUT", 15)) * time.Second,
		},
		Chain: ChainConfig{
			RpcEndpoint:     getEnv("BASE_RPC_ENDPOINT", "https://mainnet.base.org"),
			ApiKey:          getEnv("BASE_API_KEY", ""),
			RateLimit:       getEnvAsFloat("BASE_RATE_LIMIT", 10),
			ExplorerBaseURL: getEnv("BASE_EXPLORER_URL", "https://basescan.org/tx/"),
		},
		Wallet: WalletConfig{
			KeystorePath: getEnv("KEYSTORE_PATH", "wallet.json"),
			Passphrase:   getEnv("KEYSTORE_PASSPHRASE", ""),
		},
		Gateway: GatewayConfig{
			BaseURL: getEnv("GATEWAY_URL", "http://localhost:9090"),
			Timeout: time.Duration(getEnvAsInt("GATEWAY_TIMEOUT", 10)) * time.Second,
		},
		Kafka: KafkaConfig{
			BrokerAddress: getEnv("KAFKA_BROKER_ADDRESS", ""),
			Topic:         getEnv("KAFKA_TOPIC", "wallet-transfers"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "ybank_wallet"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		PollInterval: time.Duration(getEnvAsInt("POLL_INTERVAL", 10)) * time.Second,
	}

	return config, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as int or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsFloat gets an environment variable as float64 or returns a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
