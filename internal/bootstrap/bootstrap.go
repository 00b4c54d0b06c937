package bootstrap

import (
	"context"
	"log/slog"

	"github.com/blingmoon/equipment-procurement/archive"
	"github.com/blingmoon/equipment-procurement/internal/config"
	"github.com/blingmoon/equipment-procurement/mailer"
	"github.com/blingmoon/equipment-procurement/workflow"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// App 按照配置组装好的全部组件
type App struct {
	DB         *gorm.DB
	Registry   *prometheus.Registry
	Metrics    *workflow.Metrics
	Lock       workflow.JobLock
	Archive    workflow.DocumentArchive
	Notifier   workflow.Notifier
	Service    workflow.ProcurementService
	Sweeper    *workflow.ExpirationSweeper
	Dispatcher *workflow.ReminderDispatcher

	closers []func() error
}

// Options 测试的时候替换外部依赖
type Options struct {
	Notifier workflow.Notifier
	Archive  workflow.DocumentArchive
	Logger   *slog.Logger
}

func New(ctx context.Context, cfg *config.Config, opts *Options) (_ *App, err error) {
	if opts == nil {
		opts = &Options{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	app := &App{}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	app.DB, err = openDB(cfg)
	if err != nil {
		return nil, err
	}
	if sqlDB, dbErr := app.DB.DB(); dbErr == nil {
		app.closers = append(app.closers, sqlDB.Close)
	}
	if err = workflow.AutoMigrate(app.DB); err != nil {
		return nil, errors.WithMessage(err, "auto migrate failed")
	}

	app.Registry = prometheus.NewRegistry()
	app.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.Metrics = workflow.NewMetrics(app.Registry)

	app.Lock = workflow.NewLocalJobLock()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		app.closers = append(app.closers, client.Close)
		if err = client.Ping(ctx).Err(); err != nil {
			return nil, errors.WithMessagef(err, "ping redis %s failed", cfg.RedisAddr)
		}
		app.Lock = workflow.NewRedisJobLock(client)
	}

	app.Notifier = opts.Notifier
	if app.Notifier == nil {
		app.Notifier, err = mailer.NewSMTPNotifier(mailer.SMTPConfig{
			Host:      cfg.SMTPHost,
			Port:      cfg.SMTPPort,
			Username:  cfg.SMTPUsername,
			Password:  cfg.SMTPPassword,
			TLSPolicy: cfg.SMTPTLSPolicy,
			Timeout:   cfg.SMTPTimeout,
		})
		if err != nil {
			return nil, err
		}
	}
	app.Archive = opts.Archive
	if app.Archive == nil {
		app.Archive, err = openArchive(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	repo := workflow.NewProcurementRepo(app.DB)
	reminders := workflow.NewReminderRepo(app.DB)
	observers := []workflow.TransitionObserver{workflow.NewLogObserver(log), app.Metrics}
	app.Service, err = workflow.NewProcurementService(&workflow.ServiceDeps{
		Repo:           repo,
		Archive:        app.Archive,
		Notifier:       app.Notifier,
		Reminders:      reminders,
		Downstream:     workflow.NewInspectionRequestRepo(app.DB),
		Observers:      observers,
		Metrics:        app.Metrics,
		ArchiveRootRef: cfg.ArchiveRoot,
	})
	if err != nil {
		return nil, err
	}
	app.Sweeper, err = workflow.NewExpirationSweeper(&workflow.SweepDeps{
		Repo:      repo,
		Lock:      app.Lock,
		Observers: observers,
		Metrics:   app.Metrics,
		Config:    workflow.SweepConfig{Interval: cfg.SweepInterval, BatchSize: cfg.BatchSize},
	})
	if err != nil {
		return nil, err
	}
	app.Dispatcher = workflow.NewReminderDispatcher(reminders, app.Notifier, app.Lock, app.Metrics, workflow.DispatchConfig{
		Interval:  cfg.DispatchInterval,
		BatchSize: cfg.BatchSize,
		From:      cfg.ReminderFrom,
	})
	return app, nil
}

// Close 关闭redis和数据库连接
func (a *App) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case config.DBDriverPostgres:
		dialector = postgres.Open(cfg.DBDSN)
	default:
		dialector = sqlite.Open(cfg.DBDSN)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, errors.WithMessagef(err, "open %s database failed", cfg.DBDriver)
	}
	if cfg.DBDriver == config.DBDriverSQLite {
		// sqlite 单连接写入, 避免 database is locked
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

func openArchive(ctx context.Context, cfg *config.Config) (workflow.DocumentArchive, error) {
	if cfg.ArchiveDriver != config.ArchiveDriverS3 {
		return archive.NewMemory(), nil
	}
	return archive.NewS3(ctx, archive.S3Config{
		Region:    cfg.S3Region,
		Bucket:    cfg.S3Bucket,
		Endpoint:  cfg.S3Endpoint,
		PathStyle: cfg.S3PathStyle,
	})
}
