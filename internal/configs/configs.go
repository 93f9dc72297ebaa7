package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	AppURL                 string
	DatabaseDriver         string
	DatabaseDSN            string
	RedisEnabled           bool
	RedisAddr              string
	RedisLockPrefix        string
	RateLimit              int
	ShutdownTimeoutSeconds int

	PlatformFeePercentage    decimal.Decimal
	RejectionLimitPercentage int
	AutoApprovalTimeout      time.Duration
	MinTaskPayment           decimal.Decimal
	PlatformWallet           string
	AdminWallets             []string
	CollectFeeOnApproval     bool

	SweepInterval  time.Duration
	SweepWorkers   int
	SweepBatchSize int
	TaskLockTTL    time.Duration

	LogLevel  string
	LogFormat string
}

var defaults = map[string]any{
	"APP_HOST":                   "127.0.0.1",
	"APP_PORT":                   "8080",
	"DATABASE_DRIVER":            "sqlite",
	"DATABASE_DSN":               "taskblitz.db",
	"REDIS_ENABLED":              false,
	"REDIS_HOST":                 "127.0.0.1",
	"REDIS_PORT":                 "6379",
	"REDIS_LOCK_PREFIX":          "taskblitz:",
	"RATE_LIMIT_PER_MINUTE":      60,
	"SHUTDOWN_TIMEOUT_SECONDS":   20,
	"PLATFORM_FEE_PERCENTAGE":    "10",
	"REJECTION_LIMIT_PERCENTAGE": 30,
	"AUTO_APPROVAL_TIMEOUT":      "72h",
	"MIN_TASK_PAYMENT":           "0.10",
	"PLATFORM_WALLET":            "",
	"ADMIN_WALLETS":              "",
	"COLLECT_FEE_ON_APPROVAL":    false,
	"SWEEP_INTERVAL":             "1m",
	"SWEEP_WORKERS":              4,
	"SWEEP_BATCH_SIZE":           100,
	"TASK_LOCK_TTL":              "30s",
	"LOG_LEVEL":                  "info",
	"LOG_FORMAT":                 "json",
}

// Load reads .env (if present), the optional config file and the process
// environment, in increasing order of precedence.
func Load(configFile string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config file %s", configFile)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	fee, err := decimal.NewFromString(v.GetString("PLATFORM_FEE_PERCENTAGE"))
	if err != nil {
		return Config{}, errors.Wrap(err, "invalid PLATFORM_FEE_PERCENTAGE")
	}
	minPayment, err := decimal.NewFromString(v.GetString("MIN_TASK_PAYMENT"))
	if err != nil {
		return Config{}, errors.Wrap(err, "invalid MIN_TASK_PAYMENT")
	}

	durations := map[string]time.Duration{}
	for _, key := range []string{"AUTO_APPROVAL_TIMEOUT", "SWEEP_INTERVAL", "TASK_LOCK_TTL"} {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, errors.Wrapf(err, "invalid %s", key)
		}
		durations[key] = d
	}

	cfg := Config{
		AppURL:                   fmt.Sprintf("%s:%s", v.GetString("APP_HOST"), v.GetString("APP_PORT")),
		DatabaseDriver:           strings.ToLower(v.GetString("DATABASE_DRIVER")),
		DatabaseDSN:              v.GetString("DATABASE_DSN"),
		RedisEnabled:             v.GetBool("REDIS_ENABLED"),
		RedisAddr:                fmt.Sprintf("%s:%s", v.GetString("REDIS_HOST"), v.GetString("REDIS_PORT")),
		RedisLockPrefix:          v.GetString("REDIS_LOCK_PREFIX"),
		RateLimit:                v.GetInt("RATE_LIMIT_PER_MINUTE"),
		ShutdownTimeoutSeconds:   v.GetInt("SHUTDOWN_TIMEOUT_SECONDS"),
		PlatformFeePercentage:    fee,
		RejectionLimitPercentage: v.GetInt("REJECTION_LIMIT_PERCENTAGE"),
		AutoApprovalTimeout:      durations["AUTO_APPROVAL_TIMEOUT"],
		MinTaskPayment:           minPayment,
		PlatformWallet:           v.GetString("PLATFORM_WALLET"),
		AdminWallets:             splitList(v.GetString("ADMIN_WALLETS")),
		CollectFeeOnApproval:     v.GetBool("COLLECT_FEE_ON_APPROVAL"),
		SweepInterval:            durations["SWEEP_INTERVAL"],
		SweepWorkers:             v.GetInt("SWEEP_WORKERS"),
		SweepBatchSize:           v.GetInt("SWEEP_BATCH_SIZE"),
		TaskLockTTL:              durations["TASK_LOCK_TTL"],
		LogLevel:                 v.GetString("LOG_LEVEL"),
		LogFormat:                v.GetString("LOG_FORMAT"),
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validate(cfg Config) error {
	switch {
	case cfg.DatabaseDriver != "sqlite" && cfg.DatabaseDriver != "postgres":
		return errors.New("DATABASE_DRIVER must be sqlite or postgres")
	case cfg.DatabaseDSN == "":
		return errors.New("DATABASE_DSN must not be empty")
	case cfg.RateLimit <= 0:
		return errors.New("RATE_LIMIT_PER_MINUTE must be greater than 0")
	case cfg.PlatformFeePercentage.IsNegative():
		return errors.New("PLATFORM_FEE_PERCENTAGE must not be negative")
	case cfg.RejectionLimitPercentage < 0 || cfg.RejectionLimitPercentage > 100:
		return errors.New("REJECTION_LIMIT_PERCENTAGE must be between 0 and 100")
	case cfg.AutoApprovalTimeout <= 0:
		return errors.New("AUTO_APPROVAL_TIMEOUT must be greater than 0")
	case !cfg.MinTaskPayment.IsPositive():
		return errors.New("MIN_TASK_PAYMENT must be greater than 0")
	case cfg.CollectFeeOnApproval && cfg.PlatformWallet == "":
		return errors.New("PLATFORM_WALLET is required when COLLECT_FEE_ON_APPROVAL is set")
	case cfg.SweepWorkers <= 0:
		return errors.New("SWEEP_WORKERS must be greater than 0")
	case cfg.SweepBatchSize <= 0:
		return errors.New("SWEEP_BATCH_SIZE must be greater than 0")
	case cfg.TaskLockTTL <= 0:
		return errors.New("TASK_LOCK_TTL must be greater than 0")
	}
	return nil
}
