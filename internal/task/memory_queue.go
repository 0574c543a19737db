package task

import (
	"context"
	"sync"

	xerrors "RelayAgent/internal/errors"
)

// MemoryQueue 使用 channel 实现进程内队列，适用于单机部署与测试。
// 数据 channel 从不关闭，关闭信号由 done 广播。
type MemoryQueue struct {
	ch        chan string
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size), done: make(chan struct{})}
}

// Publish 将运行投递到队列。队列已满时阻塞，直到有空位、ctx 结束或队列关闭。
func (q *MemoryQueue) Publish(ctx context.Context, runID string) error {
	select {
	case <-q.done:
		return errQueueClosed()
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return errQueueClosed()
	case q.ch <- runID:
		return nil
	}
}

// Consume 启动指定数量的工作协程，直到 ctx 结束或队列关闭。
// 队列关闭后先处理完已缓冲的运行再退出。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case runID := <-q.ch:
					_ = handler(ctx, runID)
				case <-q.done:
					q.drain(ctx, handler)
					return
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) drain(ctx context.Context, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case runID := <-q.ch:
			_ = handler(ctx, runID)
		default:
			return
		}
	}
}

// Close 关闭内存队列，阻塞中的发布者与等待的消费者随之返回。
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

func errQueueClosed() error {
	return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
}
