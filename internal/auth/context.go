package auth

import "context"

type subjectKey struct{}

// WithSubject 把调用方写入上下文。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectKey{}, subject)
}

// FromContext 返回上下文中的调用方，未认证时为 nil。
func FromContext(ctx context.Context) *Subject {
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}

// CallerName 返回调用方名称，未认证时为 "anonymous"。
func CallerName(ctx context.Context) string {
	if s := FromContext(ctx); s != nil {
		return s.Name
	}
	return "anonymous"
}
