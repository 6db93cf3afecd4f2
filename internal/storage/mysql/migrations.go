package mysql

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"IntentArc/deploy/migrations"
	xerrors "IntentArc/internal/errors"
	"IntentArc/pkg/logger"
)

var embeddedMigrations fs.FS = migrations.Files

// migrationLock 是 GET_LOCK 使用的锁名，多个实例同时启动时只有一个执行迁移。
const migrationLock = "intentarc_schema_migrations"

// migration 是一个版本化的 SQL 文件，checksum 用于发现已应用文件被改动。
type migration struct {
	version    string
	file       string
	checksum   string
	statements []string
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取迁移连接失败")
	}
	defer conn.Close()

	var locked sql.NullInt64
	if err := conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, 30)`, migrationLock).Scan(&locked); err != nil || locked.Int64 != 1 {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "等待迁移锁超时")
	}
	defer conn.ExecContext(context.Background(), `SELECT RELEASE_LOCK(?)`, migrationLock)

	if _, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version    VARCHAR(32) NOT NULL PRIMARY KEY,
        checksum   CHAR(64)    NOT NULL,
        applied_at BIGINT      NOT NULL
)`); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}

	applied, err := appliedChecksums(ctx, conn)
	if err != nil {
		return err
	}
	pending, err := loadMigrations(embeddedMigrations)
	if err != nil {
		return err
	}

	log := logger.Named("mysql")
	for _, m := range pending {
		if sum, ok := applied[m.version]; ok {
			if sum != m.checksum {
				return xerrors.New(xerrors.CodeStorageFailure, "已应用的迁移文件被修改",
					xerrors.WithMetadata("file", m.file))
			}
			continue
		}
		if err := apply(ctx, conn, m); err != nil {
			return err
		}
		log.Info("已应用数据库迁移", slog.String("file", m.file))
	}
	return nil
}

func appliedChecksums(ctx context.Context, conn *sql.Conn) (map[string]string, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 schema_migrations 失败")
		}
		out[version] = checksum
	}
	return out, rows.Err()
}

// apply 逐条执行语句。MySQL 的 DDL 会隐式提交，所以只有全部成功后才登记版本。
func apply(ctx context.Context, conn *sql.Conn, m migration) error {
	for i, stmt := range m.statements {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行迁移失败",
				xerrors.WithMetadata("file", m.file),
				xerrors.WithMetadata("statement", strconv.Itoa(i+1)))
		}
	}
	_, err := conn.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?)`,
		m.version, m.checksum, time.Now().Unix())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "登记迁移版本失败")
	}
	return nil
}

// loadMigrations 读取 NNNN_name.sql 文件并按版本排序，没有语句的文件会被跳过。
func loadMigrations(fsys fs.FS) ([]migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取迁移目录失败")
	}

	out := make([]migration, 0, len(names))
	seen := make(map[string]string, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取迁移文件失败",
				xerrors.WithMetadata("file", name))
		}
		statements := splitStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		version := versionOf(name)
		if other, dup := seen[version]; dup {
			return nil, xerrors.New(xerrors.CodeConflict, "迁移版本重复",
				xerrors.WithMetadata("files", other+","+name))
		}
		seen[version] = name
		sum := sha256.Sum256(content)
		out = append(out, migration{
			version:    version,
			file:       name,
			checksum:   hex.EncodeToString(sum[:]),
			statements: statements,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// splitStatements 去掉整行的 -- 注释后按分号切分。
func splitStatements(content string) []string {
	lines := strings.Split(content, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if !strings.HasPrefix(strings.TrimSpace(line), "--") {
			kept = append(kept, line)
		}
	}

	var out []string
	for _, stmt := range strings.Split(strings.Join(kept, "\n"), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func versionOf(name string) string {
	base := strings.TrimSuffix(path.Base(name), ".sql")
	if prefix, _, ok := strings.Cut(base, "_"); ok && prefix != "" {
		return prefix
	}
	return base
}
