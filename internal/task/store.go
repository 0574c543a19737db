package task

import "context"

// Store 抽象了运行状态的持久化接口。
type Store interface {
	Create(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	// Claim 将待执行的运行置为 running 并增加尝试次数。
	Claim(ctx context.Context, id string) (*Run, error)
	MarkSucceeded(ctx context.Context, id string, reply string) error
	// MarkFailed 记录失败。terminal 为 false 时运行回到 pending 等待重投。
	MarkFailed(ctx context.Context, id string, code string, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Run, error)
	Stats(ctx context.Context, opts ListOptions) (RunStats, error)
	Close() error
}
