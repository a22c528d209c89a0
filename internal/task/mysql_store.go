package task

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "OpenMCP-Assistant/internal/errors"
	mysqlstore "OpenMCP-Assistant/internal/storage/mysql"
)

// MySQLStore 使用 turn_jobs 表记录异步轮次任务，时间以毫秒存储。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*MySQLStore)(nil)

// NewMySQLStore 使用已迁移的连接池创建 MySQLStore。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

const (
	jobColumns = `id, session_id, user_id, message, status, attempts, max_retries, last_error, error_code,
        reply, requires_confirmation, created_at, updated_at`

	sqlInsertJob = `INSERT INTO turn_jobs
        (id, session_id, user_id, message, status, attempts, max_retries, last_error, error_code, reply, requires_confirmation, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, '', '', '', 0, ?, ?)`
	sqlSelectJob   = `SELECT ` + jobColumns + ` FROM turn_jobs WHERE id = ?`
	sqlClaimJob    = `UPDATE turn_jobs SET status = ?, attempts = attempts + 1, updated_at = ? WHERE id = ? AND status = ? AND attempts < max_retries`
	sqlSucceedJob  = `UPDATE turn_jobs SET status = ?, reply = ?, requires_confirmation = ?, last_error = '', error_code = '', updated_at = ? WHERE id = ?`
	sqlFailJob     = `UPDATE turn_jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`
	sqlListJobs    = `SELECT ` + jobColumns + ` FROM turn_jobs`
	sqlJobStatsSQL = `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM turn_jobs`
)

// Create 插入新的任务记录，主键冲突返回 ErrTaskConflict。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := s.now().UnixMilli()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, sqlInsertJob,
		task.ID,
		task.SessionID,
		task.UserID,
		task.Message,
		string(task.Status),
		task.Attempts,
		task.MaxRetries,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		if mysqlstore.IsDuplicateKey(err) {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	task, err := scanJob(s.db.QueryRowContext(ctx, sqlSelectJob, id))
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Claim 将 pending 任务标记为运行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	res, err := s.db.ExecContext(ctx, sqlClaimJob,
		string(StatusRunning),
		s.now().UnixMilli(),
		id,
		string(StatusPending),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}

	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return task, nil
	}
	switch task.Status {
	case StatusSucceeded:
		return task, ErrTaskCompleted
	case StatusRunning:
		return task, ErrTaskConflict
	default:
		return task, ErrTaskExhausted
	}
}

// MarkSucceeded 将任务标记为成功并保存回复。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result Result) error {
	res, err := s.db.ExecContext(ctx, sqlSucceedJob,
		string(StatusSucceeded),
		result.Message,
		result.RequiresConfirmation,
		s.now().UnixMilli(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// MarkFailed 记录失败，非终态时任务回到 pending。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code string, lastError string, terminal bool) error {
	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	res, err := s.db.ExecContext(ctx, sqlFailJob,
		string(status),
		lastError,
		code,
		s.now().UnixMilli(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// List 返回符合过滤条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := sqlListJobs
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	query := sqlJobStatsSQL
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{string(StatusPending), string(StatusRunning), string(StatusSucceeded), string(StatusFailed)}
	args = append(args, filterArgs...)

	var stats TaskStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Task, error) {
	var (
		task      Task
		status    string
		lastError sql.NullString
		reply     sql.NullString
		confirm   bool
	)
	if err := row.Scan(
		&task.ID,
		&task.SessionID,
		&task.UserID,
		&task.Message,
		&status,
		&task.Attempts,
		&task.MaxRetries,
		&lastError,
		&task.ErrorCode,
		&reply,
		&confirm,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.Status = Status(status)
	task.LastError = lastError.String
	if task.Status == StatusSucceeded {
		task.Result = &Result{Message: reply.String, SessionID: task.SessionID, RequiresConfirmation: confirm}
	}
	return &task, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

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
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	if opts.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}
