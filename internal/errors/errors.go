package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Kind 决定编排循环如何处理该错误。
type Kind string

const (
	// KindFatal 终止本次会话编排，不追加助手消息。
	KindFatal Kind = "fatal"
	// KindRecoverable 在工具调度边界被吸收为 ERROR 动作。
	KindRecoverable Kind = "recoverable"
	// KindPartialFanOut 表示批量子操作部分失败，结果仍然有效。
	KindPartialFanOut Kind = "partial_fan_out"
	// KindValidation 表示必填字段缺失或结构不合法。
	KindValidation Kind = "validation"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
	Kind      Kind
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"

	CodeMalformedOutput     Code = "MALFORMED_OUTPUT"
	CodePromptUnavailable   Code = "PROMPT_UNAVAILABLE"
	CodeCompletionTransport Code = "COMPLETION_TRANSPORT"
	CodeToolFailure         Code = "TOOL_FAILURE"
	CodeUnknownTool         Code = "UNKNOWN_TOOL"
	CodeParameterResolution Code = "PARAMETER_RESOLUTION"
	CodePartialFanOut       Code = "PARTIAL_FAN_OUT"
	CodeValidation          Code = "VALIDATION_FAILED"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true, Kind: KindFatal},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo, Kind: KindValidation},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo, Kind: KindRecoverable},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning, Kind: KindRecoverable},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true, Kind: KindFatal},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true, Kind: KindFatal},
		CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true, Kind: KindFatal},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Kind: KindRecoverable},

		CodeMalformedOutput:     {Message: "malformed model output", Severity: SeverityWarning, Alert: true, Kind: KindFatal},
		CodePromptUnavailable:   {Message: "prompt template unavailable", Severity: SeverityCritical, Retryable: true, Alert: true, Kind: KindFatal},
		CodeCompletionTransport: {Message: "completion service unreachable", Severity: SeverityCritical, Retryable: true, Alert: true, Kind: KindFatal},
		CodeToolFailure:         {Message: "tool execution failed", Severity: SeverityWarning, Kind: KindRecoverable},
		CodeUnknownTool:         {Message: "unknown tool", Severity: SeverityWarning, Kind: KindRecoverable},
		CodeParameterResolution: {Message: "could not resolve tool parameters", Severity: SeverityInfo, Kind: KindRecoverable},
		CodePartialFanOut:       {Message: "some batch items failed", Severity: SeverityInfo, Kind: KindPartialFanOut},
		CodeValidation:          {Message: "validation failed", Severity: SeverityInfo, Kind: KindValidation},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	if attr.Kind == "" {
		attr.Kind = KindRecoverable
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	alert     *bool
	severity  *Severity
	kind      *Kind
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithAlert 指定错误是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.alert = &alert
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// WithKind 覆盖错误码默认的处理类别。
func WithKind(kind Kind) Option {
	return func(e *Error) {
		e.kind = &kind
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.code).Alert
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// Kind 返回错误的处理类别。
func (e *Error) Kind() Kind {
	if e == nil {
		return KindRecoverable
	}
	if e.kind != nil {
		return *e.kind
	}
	return AttributesOf(e.code).Kind
}

// From 尝试从 error 中解析最外层的统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// KindOf 返回错误的处理类别。未编码的错误视为可恢复。
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := From(err); ok {
		return e.Kind()
	}
	return KindRecoverable
}

// IsFatal 判断错误是否应终止编排。
func IsFatal(err error) bool {
	return err != nil && KindOf(err) == KindFatal
}

// MetadataOf 在错误链上查找第一个包含 key 的附加信息。
func MetadataOf(err error, key string) string {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if v, found := e.metadata[key]; found {
				return v
			}
		}
		err = stdErrors.Unwrap(err)
	}
	return ""
}
