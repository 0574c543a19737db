package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "RelayAgent/internal/errors"
	"RelayAgent/pkg/logger"
)

// DefaultMaxRetries 是未配置时每个运行允许的执行次数。
const DefaultMaxRetries = 3

const maxRunIDLength = 64

// Service 负责运行的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造运行服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit 创建一个新的运行并推送到队列。相同 ID 重复提交时返回已有记录。
func (s *Service) Submit(ctx context.Context, req RunRequest) (*Run, error) {
	conversationID := strings.TrimSpace(req.ConversationID)
	message := strings.TrimSpace(req.Message)
	if conversationID == "" {
		return nil, xerrors.New(CodeRunValidation, "会话 ID 不能为空")
	}
	if message == "" {
		return nil, xerrors.New(CodeRunValidation, "消息内容不能为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化")
	}

	runID := strings.TrimSpace(req.ID)
	if len(runID) > maxRunIDLength {
		return nil, xerrors.New(CodeRunValidation, "运行 ID 过长")
	}
	if runID != "" {
		run, err := s.store.Get(ctx, runID)
		if err == nil {
			return run, nil
		}
		if !stdErrors.Is(err, ErrRunNotFound) {
			return nil, err
		}
	} else {
		runID = uuid.NewString()
	}

	run := &Run{
		ID:             runID,
		ConversationID: conversationID,
		Message:        message,
		Status:         StatusPending,
		MaxRetries:     s.maxRetries,
	}
	if err := s.store.Create(ctx, run); err != nil {
		if stdErrors.Is(err, ErrRunConflict) {
			if existing, getErr := s.store.Get(ctx, runID); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, runID); err != nil {
		logger.L().Error("运行入队失败", slog.Any("error", err), slog.String("run_id", runID))
		wrapped := xerrors.Wrap(CodeRunPublish, err, "发布运行到队列失败")
		_ = s.store.MarkFailed(ctx, runID, string(CodeRunPublish), wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("运行入队成功",
		slog.String("run_id", runID),
		slog.String("conversation_id", conversationID),
		slog.Int("max_retries", run.MaxRetries),
	)
	return run, nil
}

// Get 返回指定运行的状态。
func (s *Service) Get(ctx context.Context, id string) (*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的运行列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的运行统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (RunStats, error) {
	if s.store == nil {
		return RunStats{}, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted 轮询直到运行到达终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Run, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if run.Done() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待运行完成超时")
		case <-ticker.C:
		}
	}
}
