package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "RelayAgent/internal/errors"
	"RelayAgent/pkg/logger"
)

// Config 描述 MySQL 连接参数。
type Config struct {
	DSN             string        `json:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	// AutoMigrate 为 true 时在启动阶段执行内嵌迁移。
	AutoMigrate bool `json:"auto_migrate"`
}

// Open 建立连接池，并在 AutoMigrate 开启时执行内嵌迁移。
// 返回的连接可被账本与运行存储共享，由调用方负责关闭。
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化 MySQL 失败")
	}
	if cfg.AutoMigrate {
		applied, err := runMigrations(ctx, db)
		if err != nil {
			db.Close()
			if xerrors.CodeOf(err) == xerrors.CodeConflict {
				return nil, err
			}
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "执行数据库迁移失败")
		}
		if len(applied) > 0 {
			logger.Named("mysql").Info("已应用数据库迁移", slog.Any("versions", applied))
		}
	}
	return db, nil
}

func openDatabase(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}
	return db, nil
}
