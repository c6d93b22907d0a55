package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName    string
	AppVersion string
	Port       string

	Environment string
	NodeID      int64

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ConnectorsFile     string
	ConnectorSecretKey string

	// Remediation engine
	OperationMaxRetries  int
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration
	ConnectorCallTimeout time.Duration

	// Worker pool
	WorkerPollInterval          time.Duration
	WorkerBatchSize             int
	ConnectorDefaultConcurrency int
	ExecutionLease              time.Duration
	AwaitConfirmationTimeout    time.Duration

	// Scheduler
	SchedulerTick time.Duration
	RunLockTTL    time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() *Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:                     getenv("APP_SERVICE", "dirsync"),
		AppVersion:                  getenv("APP_VERSION", "0.1.0"),
		Port:                        getenv("PORT", "8080"),
		Environment:                 getenv("ENVIRONMENT", "development"),
		NodeID:                      getenvInt64("NODE_ID", 1),
		DBType:                      strings.ToLower(getenv("DB_TYPE", "postgres")),
		DBHost:                      getenv("DB_HOST", "localhost"),
		DBPort:                      getenv("DB_PORT", "5432"),
		DBName:                      getenv("DB_NAME", "dirsync"),
		DBUser:                      getenv("DB_USER", "postgres"),
		DBPassword:                  getenv("DB_PASSWORD", "postgres"),
		DBSSLMode:                   getenv("DB_SSL_MODE", "disable"),
		DBMaxIdleConn:               getenvInt("DB_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:               getenvInt("DB_MAX_OPEN_CONN", 100),
		DBConnMaxLifetime:           getenvInt("DB_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime:           getenvInt("DB_CONN_MAX_IDLE_TIME", 60),
		RedisAddr:                   strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:               strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
		RedisDB:                     getenvInt("REDIS_DB", 0),
		ConnectorsFile:              getenv("CONNECTORS_FILE", "connectors.yaml"),
		ConnectorSecretKey:          strings.TrimSpace(getenv("CONNECTOR_SECRET_KEY", "")),
		OperationMaxRetries:         getenvInt("OPERATION_MAX_RETRIES", 3),
		RetryBaseDelay:              getenvSeconds("RETRY_BASE_DELAY_SECONDS", 30),
		RetryMaxDelay:               getenvSeconds("RETRY_MAX_DELAY_SECONDS", 3600),
		ConnectorCallTimeout:        getenvSeconds("CONNECTOR_CALL_TIMEOUT_SECONDS", 30),
		WorkerPollInterval:          getenvSeconds("WORKER_POLL_INTERVAL_SECONDS", 5),
		WorkerBatchSize:             getenvInt("WORKER_BATCH_SIZE", 50),
		ConnectorDefaultConcurrency: getenvInt("CONNECTOR_DEFAULT_CONCURRENCY", 4),
		ExecutionLease:              getenvSeconds("EXECUTION_LEASE_SECONDS", 300),
		AwaitConfirmationTimeout:    getenvSeconds("AWAIT_CONFIRMATION_TIMEOUT_SECONDS", 3600),
		SchedulerTick:               getenvSeconds("SCHEDULER_TICK_SECONDS", 30),
		RunLockTTL:                  getenvSeconds("RUN_LOCK_TTL_SECONDS", 900),
	}

	return &cfg
}

// IsDevelopment reports whether the service runs outside production.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// UseMemoryStore reports whether state is kept in process memory.
func (c *Config) UseMemoryStore() bool {
	return c.DBType == "memory"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvSeconds(key string, def int) time.Duration {
	return time.Duration(getenvInt(key, def)) * time.Second
}
