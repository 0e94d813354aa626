package analytics

import (
	"context"
	"time"
)

// InsertMode selects how duplicate deliveries are treated.
type InsertMode int

const (
	// Dedup skips rows whose natural key already exists: users by
	// (user_id, event_type, event_time), prompts by
	// (prompt_id, user_id, event_type, event_time).
	Dedup InsertMode = iota
	// Append inserts every delivery, so a redelivered event is counted twice.
	Append
)

func (m InsertMode) String() string {
	if m == Append {
		return "append"
	}
	return "dedup"
}

// Store persists activity rows and answers the aggregate queries.
type Store interface {
	// Insert methods report false when dedup skipped the row.
	InsertUserActivity(ctx context.Context, a *UserActivity) (bool, error)
	InsertPromptActivity(ctx context.Context, a *PromptActivity) (bool, error)

	CountUserEvents(ctx context.Context) (int64, error)
	CountPromptEvents(ctx context.Context) (int64, error)
	CountUserEventsSince(ctx context.Context, eventType string, since time.Time) (int64, error)
	CountPromptEventsSince(ctx context.Context, eventType string, since time.Time) (int64, error)

	// TrendingPrompts ranks prompts by VIEWED rows at or after since, most
	// viewed first, ties by prompt id. limit <= 0 returns every prompt.
	TrendingPrompts(ctx context.Context, since time.Time, limit int) ([]TrendingPrompt, error)

	UserHistory(ctx context.Context, userID string) ([]UserActivity, error)
	PromptHistory(ctx context.Context, promptID string) ([]PromptActivity, error)

	Ping(ctx context.Context) error
}
