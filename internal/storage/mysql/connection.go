package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "IntentArc/internal/errors"
	"IntentArc/pkg/logger"
)

// Config 描述 MySQL 连接池参数。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Open 建立连接池并执行尚未应用的嵌入式迁移。交易记录与收益台账共享同一个连接池。
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
	}
	return db, nil
}

// normalizeDSN 校验 DSN 并强制 parseTime，时间列统一按 UTC 读写。
func normalizeDSN(dsn string) (string, error) {
	parsed, err := mysql.ParseDSN(strings.TrimSpace(dsn))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "MySQL DSN 格式错误")
	}
	parsed.ParseTime = true
	parsed.Loc = time.UTC
	return parsed.FormatDSN(), nil
}

// pingAttempts 覆盖 docker compose 中 MySQL 晚于服务就绪的情况。
const pingAttempts = 5

func openDatabase(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	dsn, err := normalizeDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	db.SetMaxOpenConns(positive(cfg.MaxOpenConns, 20))
	db.SetMaxIdleConns(positive(cfg.MaxIdleConns, 10))
	db.SetConnMaxLifetime(positive(cfg.ConnMaxLifetime, 30*time.Minute))
	db.SetConnMaxIdleTime(positive(cfg.ConnMaxIdleTime, 5*time.Minute))

	if err := ping(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func ping(ctx context.Context, db *sql.DB) error {
	backoff := 200 * time.Millisecond
	var err error
	for attempt := 1; attempt <= pingAttempts; attempt++ {
		if err = db.PingContext(ctx); err == nil {
			return nil
		}
		logger.Named("mysql").Warn("MySQL 尚未就绪", slog.Int("attempt", attempt), slog.Any("error", err))
		if attempt == pingAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待 MySQL 就绪被取消")
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL",
		xerrors.WithMetadata("attempts", strconv.Itoa(pingAttempts)))
}

func positive[T int | time.Duration](v, def T) T {
	if v > 0 {
		return v
	}
	return def
}

// IsDuplicate 判断错误是否为唯一键冲突（MySQL 1062）。
func IsDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
