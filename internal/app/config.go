package app

import (
	"os"
	"strconv"
	"time"

	"github.com/michiel/ratchet-sub006/internal/data/db"
	"github.com/michiel/ratchet-sub006/internal/pkg/logger"
)

// getEnv reads key from the environment, logging at Debug which branch it
// took — absorbed from the teacher's utils.GetEnv/GetEnvAsInt helpers,
// which every config loader in the teacher repo calls directly rather
// than through a generic flag/viper layer.
func getEnv(key, defaultVal string, log *logger.Logger) string {
	if log != nil {
		log = log.With("env_var", key)
	}
	val, ok := os.LookupEnv(key)
	if !ok {
		if log != nil {
			log.Debug("environment variable not found, using default", "default", defaultVal)
		}
		return defaultVal
	}
	if log != nil {
		log.Debug("environment variable found, using environment", "value", val)
	}
	return val
}

func getEnvAsInt(key string, defaultVal int, log *logger.Logger) int {
	valStr := getEnv(key, "", log)
	if valStr == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvAsBool(key string, defaultVal bool, log *logger.Logger) bool {
	valStr := getEnv(key, "", log)
	if valStr == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(valStr)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvAsDuration(key string, defaultVal time.Duration, log *logger.Logger) time.Duration {
	valStr := getEnv(key, "", log)
	if valStr == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(valStr)
	if err != nil {
		return defaultVal
	}
	return d
}

// Config is every environment-driven knob the wiring root needs,
// collected up front the way the teacher's app.LoadConfig does, rather
// than scattering os.Getenv calls across component constructors.
type Config struct {
	LogMode string

	DB db.Config

	RedisAddr    string
	RedisChannel string

	WorkerConcurrency  int
	WorkerCommand      string
	PingIntervalMs     int
	MaxRestartAttempts int

	TaskTimeoutSeconds  int
	NoWorkerWaitTimeout time.Duration

	SchedulerCatchUpMissedFires bool

	LeaseTimeout time.Duration

	MaxDequeueBatchSize int
	MaxQueueSize        int

	RunServer    bool
	RunScheduler bool
	RunExecutor  bool
}

// LoadConfig reads every setting from the environment, applying the same
// defaults-plus-Debug-logging behavior as the teacher's LoadConfig.
func LoadConfig(log *logger.Logger) Config {
	return Config{
		LogMode: getEnv("LOG_MODE", "development", log),

		DB: db.Config{
			Host:     getEnv("DB_HOST", "localhost", log),
			Port:     getEnv("DB_PORT", "5432", log),
			User:     getEnv("DB_USER", "ratchet", log),
			Password: getEnv("DB_PASSWORD", "", log),
			Name:     getEnv("DB_NAME", "ratchet", log),
			SSLMode:  getEnv("DB_SSLMODE", "disable", log),
		},

		RedisAddr:    getEnv("REDIS_ADDR", "", log),
		RedisChannel: getEnv("REDIS_CHANNEL", "ratchet:events", log),

		WorkerConcurrency:  getEnvAsInt("WORKER_CONCURRENCY", 4, log),
		WorkerCommand:      getEnv("WORKER_COMMAND", "ratchet-worker", log),
		PingIntervalMs:     getEnvAsInt("WORKER_PING_INTERVAL_MS", 10000, log),
		MaxRestartAttempts: getEnvAsInt("WORKER_MAX_RESTART_ATTEMPTS", 5, log),

		TaskTimeoutSeconds:  getEnvAsInt("TASK_TIMEOUT_SECONDS", 30, log),
		NoWorkerWaitTimeout: getEnvAsDuration("NO_WORKER_WAIT_TIMEOUT", 5*time.Second, log),

		SchedulerCatchUpMissedFires: getEnvAsBool("SCHEDULER_CATCH_UP_MISSED_FIRES", false, log),

		LeaseTimeout: getEnvAsDuration("JOB_LEASE_TIMEOUT", 5*time.Minute, log),

		MaxDequeueBatchSize: getEnvAsInt("QUEUE_MAX_DEQUEUE_BATCH_SIZE", 50, log),
		MaxQueueSize:        getEnvAsInt("QUEUE_MAX_SIZE", 0, log),

		RunServer:    getEnvAsBool("RUN_SERVER", true, log),
		RunScheduler: getEnvAsBool("RUN_SCHEDULER", true, log),
		RunExecutor:  getEnvAsBool("RUN_EXECUTOR", true, log),
	}
}
