package task

import (
	"slices"
	"strings"
	"time"
)

// SortOrder defines how results should be ordered when listing runs.
type SortOrder int

const (
	// SortByUpdatedDesc orders runs by UpdatedAt descending (most recent first).
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc orders runs by UpdatedAt ascending (oldest first).
	SortByUpdatedAsc
)

// ListOptions controls how runs are selected when querying the store.
type ListOptions struct {
	Limit          int
	Offset         int
	ConversationID string
	Statuses       []Status
	UpdatedGTE     int64
	UpdatedLTE     int64
	HasReply       *bool
	Order          SortOrder
	Query          string
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.ConversationID = strings.TrimSpace(opts.ConversationID)
	opts.Query = strings.TrimSpace(opts.Query)
}

// matches reports whether run satisfies every filter except paging.
func (opts ListOptions) matches(run *Run) bool {
	if opts.ConversationID != "" && run.ConversationID != opts.ConversationID {
		return false
	}
	if len(opts.Statuses) > 0 && !slices.Contains(opts.Statuses, run.Status) {
		return false
	}
	if opts.UpdatedGTE > 0 && run.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && run.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasReply != nil && (run.Reply != "") != *opts.HasReply {
		return false
	}
	if opts.Query != "" {
		q := strings.ToLower(opts.Query)
		for _, field := range []string{run.ID, run.ConversationID, run.Message, run.Reply, run.LastError} {
			if strings.Contains(strings.ToLower(field), q) {
				return true
			}
		}
		return false
	}
	return true
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of runs returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching runs before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithConversation restricts results to one conversation.
func WithConversation(id string) ListOption {
	return func(opts *ListOptions) {
		opts.ConversationID = id
	}
}

// WithStatuses filters runs by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithUpdatedSince keeps runs updated at or after ts. A zero ts clears the bound.
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.UpdatedGTE = unixOrZero(ts) }
}

// WithUpdatedUntil keeps runs updated at or before ts.
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.UpdatedLTE = unixOrZero(ts) }
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

// WithReplyPresence filters runs by whether a reply was recorded.
func WithReplyPresence(hasReply bool) ListOption {
	return func(opts *ListOptions) {
		opts.HasReply = &hasReply
	}
}

// WithSortOrder changes the returned order of runs.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// WithQuery filters runs by substring match across message, reply and error.
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) {
		opts.Query = query
	}
}

// buildListOptions applies option functions on top of defaults.
func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

// normalizeStatuses drops unknown and repeated statuses, keeping first-seen order.
func normalizeStatuses(input []Status) []Status {
	var result []Status
	for _, status := range input {
		if IsValidStatus(status) && !slices.Contains(result, status) {
			result = append(result, status)
		}
	}
	return result
}
