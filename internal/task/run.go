package task

import (
	stdErrors "errors"

	xerrors "RelayAgent/internal/errors"
)

// Status 表示异步运行在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Run 描述一条排队等待 Agent 回复的用户消息。
type Run struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	Reply          string `json:"reply,omitempty"`
	Status         Status `json:"status"`
	Attempts       int    `json:"attempts"`
	MaxRetries     int    `json:"max_retries"`
	LastError      string `json:"last_error,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// Done 报告运行是否已到达终态。
func (r *Run) Done() bool {
	return r != nil && (r.Status == StatusSucceeded || r.Status == StatusFailed)
}

// RunRequest 是提交异步运行的参数。ID 为空时自动生成。
type RunRequest struct {
	ID             string `json:"id,omitempty"`
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

const (
	CodeRunNotFound   xerrors.Code = "RUN_NOT_FOUND"
	CodeRunConflict   xerrors.Code = "RUN_CONFLICT"
	CodeRunCompleted  xerrors.Code = "RUN_COMPLETED"
	CodeRunExhausted  xerrors.Code = "RUN_RETRIES_EXHAUSTED"
	CodeRunValidation xerrors.Code = "RUN_VALIDATION_FAILED"
	CodeRunPublish    xerrors.Code = "RUN_PUBLISH_FAILED"
	CodeRunProcessing xerrors.Code = "RUN_PROCESSING_FAILED"
	CodeRunCompensate xerrors.Code = "RUN_COMPENSATION_FAILED"
)

var (
	// ErrRunNotFound 表示指定的运行不存在。
	ErrRunNotFound = xerrors.New(CodeRunNotFound, "run not found")
	// ErrRunConflict 表示运行在当前状态下无法进行所请求的操作。
	ErrRunConflict = xerrors.New(CodeRunConflict, "run conflict")
	// ErrRunCompleted 表示运行已经成功完成。
	ErrRunCompleted = xerrors.New(CodeRunCompleted, "run already completed")
	// ErrRunExhausted 表示重试次数已经耗尽。
	ErrRunExhausted = xerrors.New(CodeRunExhausted, "run retries exhausted")
)

func init() {
	xerrors.Register(CodeRunNotFound, xerrors.Attributes{
		Message:  "run not found",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.KindRecoverable,
	})
	xerrors.Register(CodeRunConflict, xerrors.Attributes{
		Message:  "run conflict",
		Severity: xerrors.SeverityWarning,
		Kind:     xerrors.KindRecoverable,
	})
	xerrors.Register(CodeRunCompleted, xerrors.Attributes{
		Message:  "run already completed",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.KindRecoverable,
	})
	xerrors.Register(CodeRunExhausted, xerrors.Attributes{
		Message:  "run retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
		Kind:     xerrors.KindFatal,
	})
	xerrors.Register(CodeRunValidation, xerrors.Attributes{
		Message:  "run validation failed",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.KindValidation,
	})
	xerrors.Register(CodeRunPublish, xerrors.Attributes{
		Message:   "failed to publish run",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
		Kind:      xerrors.KindFatal,
	})
	xerrors.Register(CodeRunProcessing, xerrors.Attributes{
		Message:   "run execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
		Kind:      xerrors.KindFatal,
	})
	xerrors.Register(CodeRunCompensate, xerrors.Attributes{
		Message:  "run compensation failed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
		Kind:     xerrors.KindFatal,
	})
}

// IsRunError 判断错误是否为给定的运行错误码。
func IsRunError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	return stdErrors.Is(err, xerrors.New(target, ""))
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneRun(run *Run) *Run {
	if run == nil {
		return nil
	}
	clone := *run
	return &clone
}
