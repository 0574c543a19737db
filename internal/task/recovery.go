package task

import (
	"context"
	"strings"

	xerrors "RelayAgent/internal/errors"
)

// RecoveryHandler 定义了运行最终失败时的补偿策略。
type RecoveryHandler interface {
	// Recover 根据失败原因给出降级回复。返回空字符串表示不降级，按失败处理。
	Recover(ctx context.Context, run *Run, cause error) (string, error)
}

// FallbackReply 在运行最终失败时返回固定的致歉回复。
// 参数校验类错误不降级，调用方需要看到真实原因。
type FallbackReply struct {
	Message string
}

// Recover 实现 RecoveryHandler。
func (f FallbackReply) Recover(_ context.Context, _ *Run, cause error) (string, error) {
	if xerrors.KindOf(cause) == xerrors.KindValidation {
		return "", nil
	}
	return strings.TrimSpace(f.Message), nil
}
