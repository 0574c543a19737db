package task

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "RelayAgent/internal/errors"
)

// MemoryStore 以内存方式保存运行状态，用于测试与单机部署。
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
	now  func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*Run), now: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, run *Run) error {
	if run == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "run 不能为空")
	}
	if strings.TrimSpace(run.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return ErrRunConflict
	}
	now := m.now().Unix()
	if run.CreatedAt == 0 {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	m.runs[run.ID] = cloneRun(run)
	return nil
}

// Get 返回运行记录。
func (m *MemoryStore) Get(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return cloneRun(run), nil
}

// Claim 将运行状态更新为 running。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	switch run.Status {
	case StatusSucceeded:
		return cloneRun(run), ErrRunCompleted
	case StatusRunning:
		return cloneRun(run), ErrRunConflict
	case StatusFailed:
		return cloneRun(run), ErrRunExhausted
	}
	if run.Attempts >= run.MaxRetries {
		return cloneRun(run), ErrRunExhausted
	}
	run.Status = StatusRunning
	run.Attempts++
	run.LastError = ""
	run.ErrorCode = ""
	run.UpdatedAt = m.now().Unix()
	return cloneRun(run), nil
}

// MarkSucceeded 记录回复并将运行标记为成功。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, reply string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	run.Status = StatusSucceeded
	run.Reply = reply
	run.LastError = ""
	run.ErrorCode = ""
	run.UpdatedAt = m.now().Unix()
	return nil
}

// MarkFailed 记录失败原因。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code string, lastError string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	run.Status = StatusPending
	if terminal {
		run.Status = StatusFailed
	}
	run.LastError = lastError
	run.ErrorCode = code
	run.UpdatedAt = m.now().Unix()
	return nil
}

// List 返回符合过滤条件的运行。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Run, error) {
	opts.applyDefaults()
	matched := m.filter(opts)
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.UpdatedAt != b.UpdatedAt {
			if opts.Order == SortByUpdatedAsc {
				return a.UpdatedAt < b.UpdatedAt
			}
			return a.UpdatedAt > b.UpdatedAt
		}
		if a.CreatedAt != b.CreatedAt {
			if opts.Order == SortByUpdatedAsc {
				return a.CreatedAt < b.CreatedAt
			}
			return a.CreatedAt > b.CreatedAt
		}
		if opts.Order == SortByUpdatedAsc {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})
	if opts.Offset >= len(matched) {
		return []*Run{}, nil
	}
	matched = matched[opts.Offset:]
	if len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// Stats 返回符合过滤条件的运行统计，忽略分页参数。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (RunStats, error) {
	opts.applyDefaults()
	var stats RunStats
	for _, run := range m.filter(opts) {
		stats.add(run)
	}
	return stats, nil
}

func (m *MemoryStore) filter(opts ListOptions) []*Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		if opts.matches(run) {
			out = append(out, cloneRun(run))
		}
	}
	return out
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
