package task

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "RelayAgent/internal/errors"
)

const runColumns = `id, conversation_id, message, reply, status, attempts, max_retries, last_error, error_code, created_at, updated_at`

// MySQLStore 使用 MySQL 的 relay_runs 表记录运行状态。
// 表结构由 storage/mysql 的内嵌迁移创建，连接由调用方持有。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已有连接创建运行存储。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL 连接不能为空")
	}
	return &MySQLStore{db: db}, nil
}

// Create 插入新的运行记录。
func (s *MySQLStore) Create(ctx context.Context, run *Run) error {
	if run == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "run 不能为空")
	}
	if strings.TrimSpace(run.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 不能为空")
	}

	now := time.Now().Unix()
	run.CreatedAt = now
	run.UpdatedAt = now

	const stmt = `INSERT INTO relay_runs
        (id, conversation_id, message, reply, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, '', ?, ?, ?, '', '', ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		run.ID,
		run.ConversationID,
		run.Message,
		run.Status,
		run.Attempts,
		run.MaxRetries,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrRunConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入运行记录失败")
	}
	return nil
}

// Get 查询指定运行。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM relay_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行记录失败")
	}
	return run, nil
}

// Claim 将运行标记为 running 并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Run, error) {
	const updateStmt = `UPDATE relay_runs SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status = ? AND attempts < max_retries`

	res, err := s.db.ExecContext(ctx, updateStmt, StatusRunning, time.Now().Unix(), id, StatusPending)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新运行状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	run, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return run, nil
	}
	switch run.Status {
	case StatusSucceeded:
		return run, ErrRunCompleted
	case StatusRunning:
		return run, ErrRunConflict
	default:
		return run, ErrRunExhausted
	}
}

// MarkSucceeded 记录回复并将运行标记为成功。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, reply string) error {
	const stmt = `UPDATE relay_runs SET status = ?, reply = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt, StatusSucceeded, reply, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记运行成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

// MarkFailed 记录失败原因，非终态时运行回到 pending。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code string, lastError string, terminal bool) error {
	const stmt = `UPDATE relay_runs SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`

	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	res, err := s.db.ExecContext(ctx, stmt, status, lastError, code, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记运行失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

// List 返回符合过滤条件的运行。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Run, error) {
	opts.applyDefaults()

	query := `SELECT ` + runColumns + ` FROM relay_runs`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行列表失败")
	}
	defer rows.Close()

	runs := make([]*Run, 0, opts.Limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行记录失败")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历运行记录失败")
	}
	return runs, nil
}

// Stats 返回符合过滤条件的运行聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (RunStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM relay_runs`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{string(StatusPending), string(StatusRunning), string(StatusSucceeded), string(StatusFailed)}
	args = append(args, filterArgs...)

	var stats RunStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return RunStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行统计失败")
	}
	return stats, nil
}

// Close 不关闭共享连接。
func (s *MySQLStore) Close() error { return nil }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run       Run
		reply     sql.NullString
		lastError sql.NullString
		status    string
	)
	if err := row.Scan(
		&run.ID,
		&run.ConversationID,
		&run.Message,
		&reply,
		&status,
		&run.Attempts,
		&run.MaxRetries,
		&lastError,
		&run.ErrorCode,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		return nil, err
	}
	run.Reply = reply.String
	run.LastError = lastError.String
	run.Status = Status(status)
	return &run, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if opts.ConversationID != "" {
		conditions = append(conditions, "conversation_id = ?")
		args = append(args, opts.ConversationID)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasReply != nil {
		if *opts.HasReply {
			conditions = append(conditions, "(reply IS NOT NULL AND reply <> '')")
		} else {
			conditions = append(conditions, "(reply IS NULL OR reply = '')")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR conversation_id LIKE ? OR message LIKE ? OR reply LIKE ? OR last_error LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
