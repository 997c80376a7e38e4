package utils

import (
	"context"
	"time"

	"qchat_server/config"
	"qchat_server/logger"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	gormlogger "gorm.io/gorm/logger"

	"gorm.io/gorm"
)

var DB *gorm.DB

// GormZapLogger GORM 日志适配：只输出慢查询和真实错误
type GormZapLogger struct {
	SlowThreshold time.Duration
}

func (l *GormZapLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	return l
}

func (l *GormZapLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	// 不打印 Info 日志
}

func (l *GormZapLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	// 不打印 Warn 日志
}

func (l *GormZapLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if msg != "record not found" {
		logger.L().Sugar().Errorf("[GORM] "+msg, data...)
	}
}

func (l *GormZapLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := fc()

	// 只打印慢查询（超过阈值）或真实错误
	if err != nil && err != gorm.ErrRecordNotFound {
		logger.L().Error("[GORM] query failed",
			zap.Error(err), zap.Duration("elapsed", elapsed), zap.Int64("rows", rows), zap.String("sql", sql))
	} else if elapsed >= l.SlowThreshold {
		logger.L().Warn("[GORM] slow query",
			zap.Duration("elapsed", elapsed), zap.Int64("rows", rows), zap.String("sql", sql))
	}
}

// InitDB 初始化数据库连接与连接池
// 底层 sql.DB 连接池即连接池模块：每个逻辑操作借一个连接、
// 操作结束归还；推送一律发生在连接归还之后，避免扇出期间耗尽池。
func InitDB(cfg *config.Config) error {
	var err error
	DB, err = gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: &GormZapLogger{SlowThreshold: 100 * time.Millisecond},
	})
	if err != nil {
		return err
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}

	// 连接池配置
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	if err := RegisterAcquireTimeout(DB, cfg.DBAcquireTimeout); err != nil {
		return err
	}

	logger.L().Info("Database connected",
		zap.Int("max_open", cfg.DBMaxOpenConns), zap.Int("max_idle", cfg.DBMaxIdleConns))
	return nil
}

// GetDB 获取数据库连接
func GetDB() *gorm.DB {
	return DB
}

const acquireCancelKey = "qchat:acquire_cancel"

// RegisterAcquireTimeout 给所有 GORM 语句挂上获取超时上下文：
// 池耗尽时最多等待 timeout 拿到连接，超时直接报错而不是无限阻塞。
// timeout<0 不限制（始终阻塞等待）；timeout=0 视为立即失败。
// 调用方自带期限的语句不覆盖。
func RegisterAcquireTimeout(db *gorm.DB, timeout time.Duration) error {
	if timeout < 0 {
		return nil
	}
	if timeout == 0 {
		timeout = time.Millisecond
	}

	before := func(tx *gorm.DB) {
		if _, ok := tx.Statement.Context.Deadline(); ok {
			return
		}
		ctx, cancel := context.WithTimeout(tx.Statement.Context, timeout)
		tx.Statement.Context = ctx
		tx.InstanceSet(acquireCancelKey, cancel)
	}
	after := func(tx *gorm.DB) {
		if v, ok := tx.InstanceGet(acquireCancelKey); ok {
			v.(context.CancelFunc)()
		}
	}

	type registerer interface {
		Register(name string, fn func(*gorm.DB)) error
	}
	befores := []registerer{
		db.Callback().Create().Before("*"),
		db.Callback().Query().Before("*"),
		db.Callback().Update().Before("*"),
		db.Callback().Delete().Before("*"),
		db.Callback().Row().Before("*"),
		db.Callback().Raw().Before("*"),
	}
	afters := []registerer{
		db.Callback().Create().After("*"),
		db.Callback().Query().After("*"),
		db.Callback().Update().After("*"),
		db.Callback().Delete().After("*"),
		db.Callback().Row().After("*"),
		db.Callback().Raw().After("*"),
	}
	for _, r := range befores {
		if err := r.Register("acquire_timeout:before", before); err != nil {
			return err
		}
	}
	for _, r := range afters {
		if err := r.Register("acquire_timeout:after", after); err != nil {
			return err
		}
	}
	return nil
}

// CloseDB 关闭数据库连接
func CloseDB() error {
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
