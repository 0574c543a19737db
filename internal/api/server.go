package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"RelayAgent/internal/auth"
	"RelayAgent/internal/document"
	xerrors "RelayAgent/internal/errors"
	"RelayAgent/internal/observability/metrics"
	"RelayAgent/internal/state"
	"RelayAgent/internal/task"
	"RelayAgent/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Conversations 是 HTTP 层依赖的智能体能力。
type Conversations interface {
	Respond(ctx context.Context, conversationID, message string) (string, error)
	Tasks(ctx context.Context, conversationID string) ([]state.Task, error)
	Messages(ctx context.Context, conversationID string) ([]state.Message, error)
	Document(ctx context.Context, id string) (document.Document, error)
}

// Server 负责暴露 REST 接口，供外部驱动智能体执行。
type Server struct {
	addr            string
	agent           Conversations
	runs            *task.Service
	metrics         *metrics.Metrics
	auth            *auth.Service
	requestTimeout  time.Duration
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
	log             *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithRuns 启用异步运行接口。
func WithRuns(runs *task.Service) Option {
	return func(s *Server) { s.runs = runs }
}

// WithMetrics 记录请求指标并暴露 /metrics。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAuth 要求 /api 路由携带 Bearer 令牌。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithRequestTimeout 限制同步对话请求的处理时长。
func WithRequestTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.requestTimeout = timeout
		}
	}
}

// WithTimeouts 设置底层 http.Server 的读写与关闭超时。
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, conversations Conversations, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		agent:           conversations,
		requestTimeout:  2 * time.Minute,
		readTimeout:     15 * time.Second,
		writeTimeout:    130 * time.Second,
		shutdownTimeout: 5 * time.Second,
		log:             logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	guard := s.auth.Middleware(auth.DefaultMiddlewareConfig())
	route := func(pattern, name string, h http.HandlerFunc) {
		mux.Handle(pattern, s.metrics.Middleware(name, guard(h)))
	}
	route("POST /api/v1/conversations/{id}/messages", "conversation_message", s.handleMessage)
	route("GET /api/v1/conversations/{id}/messages", "conversation_history", s.handleHistory)
	route("GET /api/v1/conversations/{id}/tasks", "conversation_tasks", s.handleTasks)
	route("GET /api/v1/documents/{id}", "document", s.handleDocument)
	route("POST /api/v1/runs", "run_submit", s.handleSubmitRun)
	route("GET /api/v1/runs", "run_list", s.handleListRuns)
	route("GET /api/v1/runs/{id}", "run_detail", s.handleRunDetail)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("API 服务关闭超时", slog.Any("error", err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type messageRequest struct {
	Message string `json:"message"`
}

type messageResponse struct {
	ConversationID string `json:"conversation_id"`
	Reply          string `json:"reply"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSpace(r.PathValue("id"))
	var req messageRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "message is required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()
	reply, err := s.agent.Respond(ctx, conversationID, req.Message)
	if err != nil {
		if ctx.Err() != nil && xerrors.CodeOf(err) != xerrors.CodeTimeout {
			err = xerrors.Wrap(xerrors.CodeTimeout, err, "request timed out")
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{ConversationID: conversationID, Reply: reply})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	messages, err := s.agent.Messages(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if messages == nil {
		messages = []state.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.agent.Tasks(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []state.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.agent.Document(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, r, errRunsDisabled)
		return
	}
	var req task.RunRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	run, err := s.runs.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("已受理异步运行",
		slog.String("run_id", run.ID),
		slog.String("conversation_id", run.ConversationID),
		slog.String("caller", auth.CallerName(r.Context())))
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, r, errRunsDisabled)
		return
	}
	run, err := s.runs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type listRunsResponse struct {
	Runs  []*task.Run   `json:"runs"`
	Stats task.RunStats `json:"stats"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, r, errRunsDisabled)
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	runs, err := s.runs.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.runs.Stats(r.Context(), opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*task.Run{}
	}
	writeJSON(w, http.StatusOK, listRunsResponse{Runs: runs, Stats: stats})
}

// parseListOptions 把查询参数翻译为列表过滤条件。
func parseListOptions(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	var opts []task.ListOption
	intParam := func(name string) (int, bool, error) {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			return 0, false, nil
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, false, xerrors.New(xerrors.CodeInvalidArgument, "invalid "+name+" parameter")
		}
		return v, true, nil
	}
	timeParam := func(name string) (time.Time, bool, error) {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			return time.Time{}, false, nil
		}
		if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return time.Unix(sec, 0), true, nil
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, false, xerrors.New(xerrors.CodeInvalidArgument, "invalid "+name+" parameter")
		}
		return ts, true, nil
	}

	if v, ok, err := intParam("limit"); err != nil {
		return nil, err
	} else if ok {
		opts = append(opts, task.WithLimit(v))
	}
	if v, ok, err := intParam("offset"); err != nil {
		return nil, err
	} else if ok {
		opts = append(opts, task.WithOffset(v))
	}
	if id := q.Get("conversation_id"); id != "" {
		opts = append(opts, task.WithConversation(id))
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.ToLower(strings.TrimSpace(part)))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "invalid status "+strconv.Quote(part))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if ts, ok, err := timeParam("since"); err != nil {
		return nil, err
	} else if ok {
		opts = append(opts, task.WithUpdatedSince(ts))
	}
	if ts, ok, err := timeParam("until"); err != nil {
		return nil, err
	} else if ok {
		opts = append(opts, task.WithUpdatedUntil(ts))
	}
	if raw := q.Get("has_reply"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "invalid has_reply parameter")
		}
		opts = append(opts, task.WithReplyPresence(v))
	}
	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "order must be asc or desc")
	}
	if query := q.Get("q"); query != "" {
		opts = append(opts, task.WithQuery(query))
	}
	return opts, nil
}

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

var errRunsDisabled = xerrors.New(xerrors.CodeInitializationFailure, "异步运行未启用", xerrors.WithRetryable(false))

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	code := xerrors.CodeOf(err)
	log := s.log.With(slog.String("path", r.URL.Path), slog.String("code", string(code)))
	if status >= http.StatusInternalServerError {
		log.Error("请求处理失败", slog.Any("error", err))
	} else {
		log.Debug("请求被拒绝", slog.Any("error", err))
	}
	writeJSON(w, status, map[string]errorBody{"error": {
		Code:      string(code),
		Message:   err.Error(),
		Retryable: xerrors.RetryableError(err),
	}})
}

// statusFor 把错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, xerrors.CodeValidation, task.CodeRunValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeRunNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeRunConflict:
		return http.StatusConflict
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeCompletionTransport, task.CodeRunPublish:
		return http.StatusBadGateway
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case auth.CodeUnauthenticated:
		return http.StatusUnauthorized
	case auth.CodePermissionDenied:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
