package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	xerrors "OpenMCP-Assistant/internal/errors"
	"OpenMCP-Assistant/internal/observability/metrics"
	"OpenMCP-Assistant/internal/orchestrator"
	"OpenMCP-Assistant/internal/task"
	"OpenMCP-Assistant/pkg/logger"
)

const maxBodyBytes = 1 << 20

// TurnService 是 API 依赖的编排能力，由 orchestrator.Master 实现。
type TurnService interface {
	ProcessTurn(ctx context.Context, req orchestrator.TurnRequest) (*orchestrator.TurnResponse, error)
	InspectSession(ctx context.Context, sessionID, userID string) (*orchestrator.SessionView, error)
	DeleteSession(ctx context.Context, sessionID, userID string) error
}

var _ TurnService = (*orchestrator.Master)(nil)

// Server 负责暴露 REST 接口。
type Server struct {
	addr     string
	turns    TurnService
	tasks    *task.Service
	validate *validator.Validate
	logger   *slog.Logger
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithTaskService 启用异步轮次与任务查询接口。
func WithTaskService(svc *task.Service) Option {
	return func(s *Server) {
		s.tasks = svc
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, turns TurnService, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		turns:    turns,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("api")
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/turns", s.instrument("turns", s.handleTurn))
	mux.Handle("GET /api/v1/tasks", s.instrument("tasks", s.handleListTasks))
	mux.Handle("GET /api/v1/tasks/{id}", s.instrument("task_detail", s.handleTaskDetail))
	mux.Handle("GET /api/v1/sessions/{id}", s.instrument("session", s.handleGetSession))
	mux.Handle("DELETE /api/v1/sessions/{id}", s.instrument("session", s.handleDeleteSession))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。上下文取消时返回 nil。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

type asyncAccepted struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
}

// handleTurn 同步执行一轮对话；async=true 时入队并返回 202。
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	// 解析请求体。
	var req orchestrator.TurnRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	req.UserID = strings.TrimSpace(req.UserID)
	if err := s.validate.Struct(req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "message 与 userId 为必填项"))
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if s.tasks == nil {
			writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "异步任务未启用"))
			return
		}
		submitted, err := s.tasks.Submit(r.Context(), r.Header.Get("Idempotency-Key"), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, asyncAccepted{TaskID: submitted.ID, SessionID: submitted.SessionID})
		return
	}

	resp, err := s.turns.ProcessTurn(r.Context(), req)
	if err != nil {
		s.logger.Warn("轮次处理失败", slog.String("session_id", req.SessionID), slog.Any("error", err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "异步任务未启用"))
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空"))
		return
	}
	found, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

type taskList struct {
	Tasks []*task.Task    `json:"tasks"`
	Stats task.TaskStats `json:"stats"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "异步任务未启用"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskList{Tasks: tasks, Stats: stats})
}

func parseListOptions(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	opts := make([]task.ListOption, 0, 6)
	for _, key := range []string{"limit", "offset"} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, key+" 必须为非负整数")
		}
		if key == "limit" {
			opts = append(opts, task.WithLimit(n))
		} else {
			opts = append(opts, task.WithOffset(n))
		}
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态: "+part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if v := q.Get("session_id"); v != "" {
		opts = append(opts, task.WithSession(v))
	}
	if v := q.Get("user_id"); v != "" {
		opts = append(opts, task.WithUser(v))
	}
	if strings.EqualFold(q.Get("order"), "asc") {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	return opts, nil
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.turns.InspectSession(r.Context(), r.PathValue("id"), r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.turns.DeleteSession(r.Context(), r.PathValue("id"), r.URL.Query().Get("user_id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor 将错误码映射为 HTTP 状态。
func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		return http.StatusBadRequest
	case xerrors.CodeSessionForbidden:
		return http.StatusForbidden
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case xerrors.CodeSessionBusy, task.CodeTaskConflict:
		return http.StatusConflict
	case xerrors.CodeStoreUnavailable, xerrors.CodeOracleFailure, xerrors.CodeInitializationFailure,
		xerrors.CodeQueueFailure, task.CodeTaskPublish:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	writeJSON(w, statusFor(code), errorBody{Error: message, Code: string(code)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 记录请求耗时与状态码。
func (s *Server) instrument(name string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(started))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "服务已关闭"))
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
