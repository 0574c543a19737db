package mysql

import (
	"bufio"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"RelayAgent/deploy/migrations"
	xerrors "RelayAgent/internal/errors"
)

const (
	migrationLockName    = "relay_schema_migrations"
	migrationLockTimeout = 30

	createMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version VARCHAR(32) NOT NULL PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    checksum CHAR(64) NOT NULL,
    applied_at BIGINT NOT NULL
)`
	selectMigrationsSQL = `SELECT version, checksum FROM schema_migrations`
	insertMigrationSQL  = `INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`
	acquireLockSQL      = `SELECT GET_LOCK(?, ?)`
	releaseLockSQL      = `SELECT RELEASE_LOCK(?)`
)

var embeddedMigrations fs.FS = migrations.Files

// migration 是一个内嵌的 SQL 文件，文件名前缀为版本号。
type migration struct {
	version    string
	name       string
	checksum   string
	statements []string
}

// runMigrations 在命名锁保护下执行尚未应用的迁移，返回本次应用的版本。
// 已应用迁移的内容被改动时返回 CONFLICT。
func runMigrations(ctx context.Context, db *sql.DB) ([]string, error) {
	files, err := loadMigrationFiles()
	if err != nil {
		return nil, err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取迁移连接失败: %w", err)
	}
	defer conn.Close()

	var locked sql.NullInt64
	if err := conn.QueryRowContext(ctx, acquireLockSQL, migrationLockName, migrationLockTimeout).Scan(&locked); err != nil {
		return nil, fmt.Errorf("获取迁移锁失败: %w", err)
	}
	if !locked.Valid || locked.Int64 != 1 {
		return nil, xerrors.New(xerrors.CodeTimeout, "等待迁移锁超时")
	}
	defer func() {
		var released sql.NullInt64
		_ = conn.QueryRowContext(context.WithoutCancel(ctx), releaseLockSQL, migrationLockName).Scan(&released)
	}()

	if _, err := conn.ExecContext(ctx, createMigrationsTableSQL); err != nil {
		return nil, fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}
	applied, err := appliedChecksums(ctx, conn)
	if err != nil {
		return nil, err
	}

	var done []string
	for _, m := range files {
		if sum, ok := applied[m.version]; ok {
			if sum != m.checksum {
				return done, xerrors.New(xerrors.CodeConflict, "迁移已应用但内容被修改",
					xerrors.WithMetadata("version", m.version), xerrors.WithMetadata("file", m.name))
			}
			continue
		}
		if err := applyMigration(ctx, conn, m); err != nil {
			return done, err
		}
		done = append(done, m.version)
	}
	return done, nil
}

func appliedChecksums(ctx context.Context, conn *sql.Conn) (map[string]string, error) {
	rows, err := conn.QueryContext(ctx, selectMigrationsSQL)
	if err != nil {
		return nil, fmt.Errorf("查询 schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("解析 schema_migrations 失败: %w", err)
		}
		applied[version] = checksum
	}
	return applied, rows.Err()
}

func applyMigration(ctx context.Context, conn *sql.Conn, m migration) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("执行迁移 %s 失败: %w", m.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, insertMigrationSQL, m.version, m.name, m.checksum, time.Now().UnixMilli()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("记录迁移版本失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移事务失败: %w", err)
	}
	return nil
}

func loadMigrationFiles() ([]migration, error) {
	names, err := fs.Glob(embeddedMigrations, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}
	slices.Sort(names)

	files := make([]migration, 0, len(names))
	seen := make(map[string]string, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(embeddedMigrations, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		version, _, ok := strings.Cut(name, "_")
		if !ok || version == "" {
			return nil, fmt.Errorf("迁移文件 %s 缺少版本前缀", name)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("迁移 %s 与 %s 版本重复", name, prev)
		}
		seen[version] = name

		statements := splitStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		sum := sha256.Sum256(content)
		files = append(files, migration{
			version:    version,
			name:       name,
			checksum:   hex.EncodeToString(sum[:]),
			statements: statements,
		})
	}
	return files, nil
}

// splitStatements 按分号切分语句，忽略 "--" 注释行。
func splitStatements(content string) []string {
	var (
		b          strings.Builder
		statements []string
	)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	for _, stmt := range strings.Split(b.String(), ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}
