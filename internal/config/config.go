package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

const (
	DBDriverSQLite   = "sqlite"
	DBDriverPostgres = "postgres"

	ArchiveDriverMemory = "memory"
	ArchiveDriverS3     = "s3"
)

var validatorUtil = validator.New()

// Config 采购服务的运行参数, 全部从环境变量读取
type Config struct {
	DBDriver string `env:"PROCUREMENT_DB_DRIVER" envDefault:"sqlite" validate:"oneof=sqlite postgres"`
	DBDSN    string `env:"PROCUREMENT_DB_DSN" envDefault:"file:procurement.db?_busy_timeout=5000" validate:"required"`

	// 为空使用本地锁, 多副本部署必须配置
	RedisAddr     string `env:"PROCUREMENT_REDIS_ADDR"`
	RedisPassword string `env:"PROCUREMENT_REDIS_PASSWORD"`
	RedisDB       int    `env:"PROCUREMENT_REDIS_DB" envDefault:"0"`

	ArchiveDriver string `env:"PROCUREMENT_ARCHIVE_DRIVER" envDefault:"memory" validate:"oneof=memory s3"`
	ArchiveRoot   string `env:"PROCUREMENT_ARCHIVE_ROOT"`
	S3Bucket      string `env:"PROCUREMENT_S3_BUCKET" validate:"required_if=ArchiveDriver s3"`
	S3Region      string `env:"PROCUREMENT_S3_REGION" envDefault:"us-east-1"`
	S3Endpoint    string `env:"PROCUREMENT_S3_ENDPOINT"`
	S3PathStyle   bool   `env:"PROCUREMENT_S3_PATH_STYLE"`

	SMTPHost      string        `env:"PROCUREMENT_SMTP_HOST" validate:"required"`
	SMTPPort      int           `env:"PROCUREMENT_SMTP_PORT" envDefault:"587"`
	SMTPUsername  string        `env:"PROCUREMENT_SMTP_USERNAME"`
	SMTPPassword  string        `env:"PROCUREMENT_SMTP_PASSWORD"`
	SMTPTLSPolicy string        `env:"PROCUREMENT_SMTP_TLS_POLICY" envDefault:"mandatory" validate:"oneof=mandatory opportunistic none"`
	SMTPTimeout   time.Duration `env:"PROCUREMENT_SMTP_TIMEOUT" envDefault:"15s"`
	ReminderFrom  string        `env:"PROCUREMENT_REMINDER_FROM" validate:"required,email"`

	SweepInterval    time.Duration `env:"PROCUREMENT_SWEEP_INTERVAL" envDefault:"24h" validate:"gt=0"`
	DispatchInterval time.Duration `env:"PROCUREMENT_REMINDER_INTERVAL" envDefault:"1h" validate:"gt=0"`
	BatchSize        int           `env:"PROCUREMENT_BATCH_SIZE" envDefault:"100" validate:"gt=0"`

	MetricsAddr string `env:"PROCUREMENT_METRICS_ADDR" envDefault:":9090"`
	LogLevel    string `env:"PROCUREMENT_LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`

	// 为空不开启链路追踪
	OTelEndpoint    string `env:"PROCUREMENT_OTEL_ENDPOINT"`
	OTelServiceName string `env:"PROCUREMENT_OTEL_SERVICE_NAME" envDefault:"procurement-worker"`
}

// Load 读取环境变量并校验
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.WithMessage(err, "parse env failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 命令行参数覆盖之后需要重新校验
func (c *Config) Validate() error {
	if err := validatorUtil.Struct(c); err != nil {
		return errors.Wrapf(err, "invalid config, driver: %s, archive: %s", c.DBDriver, c.ArchiveDriver)
	}
	return nil
}
