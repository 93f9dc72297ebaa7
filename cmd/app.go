package cmd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/rueidis"
	"go.uber.org/zap"
	"gorm.io/gorm"

	config "taskblitz.com/taskblitz/internal/configs"
	"taskblitz.com/taskblitz/internal/ledger"
	"taskblitz.com/taskblitz/internal/lock"
	"taskblitz.com/taskblitz/internal/metrics"
	repository "taskblitz.com/taskblitz/internal/repositories"
	"taskblitz.com/taskblitz/internal/services"
)

// app is the wiring shared by every command.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	db       *gorm.DB
	redis    rueidis.Client
	ledger   *ledger.TableLedger
	registry *prometheus.Registry

	lifecycle *services.LifecycleService
	review    *services.ReviewService
	tokens    lock.TokenManager
}

func newApp() (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	logger, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	db, err := config.NewDatabase(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	if err := config.Migrate(db); err != nil {
		return nil, err
	}

	tableLedger, err := ledger.NewTableLedger(db)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		ledger:   tableLedger,
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var locker lock.TaskLocker = lock.NewLocalTaskLocker()
	a.tokens = lock.NewLocalTokenManager()
	if cfg.RedisEnabled {
		a.redis, err = config.NewRedisClient(cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		locker = lock.NewRedisTaskLocker(a.redis, cfg.RedisLockPrefix, cfg.TaskLockTTL, logger)
		a.tokens = lock.NewRedisTokenManager(a.redis, cfg.RedisLockPrefix+"sweep", cfg.TaskLockTTL+cfg.SweepInterval)
	}

	policy := services.DefaultPolicy()
	policy.PlatformFeePercentage = cfg.PlatformFeePercentage
	policy.RejectionLimitPercentage = cfg.RejectionLimitPercentage
	policy.AutoApprovalTimeout = cfg.AutoApprovalTimeout
	policy.MinTaskPayment = cfg.MinTaskPayment
	policy.CollectFeeOnApproval = cfg.CollectFeeOnApproval
	policy.PlatformWallet = cfg.PlatformWallet
	policy.SweepBatchSize = cfg.SweepBatchSize

	deps := services.Deps{
		Store:   repository.NewStore(db, cfg.AdminWallets),
		Ledger:  tableLedger,
		Locker:  locker,
		Policy:  policy,
		Logger:  logger,
		Metrics: metrics.New(a.registry),
	}
	a.lifecycle = services.NewLifecycleService(deps)
	a.review = services.NewReviewService(deps, a.lifecycle)

	return a, nil
}

func (a *app) close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			a.logger.Warn("failed to close database", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func (a *app) newSweeper() *services.Sweeper {
	return services.NewSweeper(a.lifecycle, a.review, a.tokens, services.SweeperConfig{
		Interval:  a.cfg.SweepInterval,
		Workers:   a.cfg.SweepWorkers,
		QueueSize: a.cfg.SweepBatchSize,
	})
}
