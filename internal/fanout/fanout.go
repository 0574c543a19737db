// Package fanout splits one instruction into independent items, resolves
// them concurrently with a bound, and recombines the results by index.
package fanout

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	xerrors "RelayAgent/internal/errors"
)

// DefaultLimit 是未设置 Limit 时的并发上限。
const DefaultLimit = 4

// Item 是一个子指令及其解析结果。
type Item[T any] struct {
	Index       int
	Instruction string
	Value       T
	Err         error
}

// OK 报告该项是否解析成功。
func (i Item[T]) OK() bool { return i.Err == nil }

// Resolver 描述一次扇出：Decompose 拆分指令，Resolve 解析单项。
type Resolver[T any] struct {
	Decompose func(ctx context.Context, instruction string) ([]string, error)
	Resolve   func(ctx context.Context, index int, instruction string) (T, error)
	Limit     int
}

// Split 执行拆分。拆分失败或结果为空时退化为原指令一项。
func (r Resolver[T]) Split(ctx context.Context, instruction string) []string {
	if r.Decompose == nil {
		return []string{instruction}
	}
	parts, err := r.Decompose(ctx, instruction)
	if err != nil {
		return []string{instruction}
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{instruction}
	}
	return out
}

// Run 拆分并并发解析，结果按原始顺序返回，长度至少为 1。
// ctx 结束前未完成的项以 TIMEOUT 错误返回。
func (r Resolver[T]) Run(ctx context.Context, instruction string) []Item[T] {
	parts := r.Split(ctx, instruction)
	items := make([]Item[T], len(parts))

	limit := r.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, part := range parts {
		items[i] = Item[T]{Index: i, Instruction: part}
		g.Go(func() error {
			value, err := r.resolveOne(ctx, i, part)
			items[i].Value, items[i].Err = value, err
			return nil
		})
	}
	_ = g.Wait()
	return items
}

type result[T any] struct {
	value T
	err   error
}

func (r Resolver[T]) resolveOne(ctx context.Context, index int, instruction string) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, timeoutErr(err)
	}
	if r.Resolve == nil {
		return zero, xerrors.New(xerrors.CodeToolFailure, "fan-out resolver is not configured")
	}
	done := make(chan result[T], 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result[T]{err: xerrors.New(xerrors.CodeToolFailure, fmt.Sprintf("item %d panicked: %v", index, p))}
			}
		}()
		v, err := r.Resolve(ctx, index, instruction)
		done <- result[T]{value: v, err: err}
	}()
	select {
	case res := <-done:
		if res.err != nil && ctx.Err() != nil {
			return zero, timeoutErr(ctx.Err())
		}
		return res.value, res.err
	case <-ctx.Done():
		return zero, timeoutErr(ctx.Err())
	}
}

func timeoutErr(cause error) error {
	return xerrors.Wrap(xerrors.CodeTimeout, cause, "item not resolved before cancellation")
}

// Pair 并行执行两个调用，任一失败会取消另一个。
func Pair[A, B any](ctx context.Context, fa func(context.Context) (A, error), fb func(context.Context) (B, error)) (A, B, error) {
	var (
		a A
		b B
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := fa(gctx)
		a = v
		return err
	})
	g.Go(func() error {
		v, err := fb(gctx)
		b = v
		return err
	})
	err := g.Wait()
	return a, b, err
}

// Summary 汇总扇出结果。
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Summarize 统计成功与失败项。
func Summarize[T any](items []Item[T]) Summary {
	s := Summary{Total: len(items)}
	for _, it := range items {
		if it.OK() {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	return s
}

// FailAll 把所有成功项标记为失败，用于批量提交整体失败的情况。
func FailAll[T any](items []Item[T], err error) []Item[T] {
	out := make([]Item[T], len(items))
	for i, it := range items {
		if it.OK() {
			it.Err = err
		}
		out[i] = it
	}
	return out
}

// Outcome 根据汇总返回处理器应携带的错误：全部成功为 nil，
// 部分失败为 PARTIAL_FAN_OUT，全部失败为 TOOL_FAILURE。
func Outcome(s Summary, report string) error {
	switch {
	case s.Failed == 0:
		return nil
	case s.Succeeded > 0:
		return xerrors.New(xerrors.CodePartialFanOut,
			fmt.Sprintf("%d of %d items failed", s.Failed, s.Total))
	default:
		return xerrors.New(xerrors.CodeToolFailure, report)
	}
}
