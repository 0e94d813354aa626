package analytics

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	userNaturalKeyIndex   = "ux_user_activity_natural"
	promptNaturalKeyIndex = "ux_prompt_activity_natural"
	userEventIDIndex      = "ux_user_activity_event_id"
	promptEventIDIndex    = "ux_prompt_activity_event_id"
)

// GormStore keeps the activity tables in the relational database.
type GormStore struct {
	db   *gorm.DB
	mode InsertMode
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB, mode InsertMode) *GormStore {
	return &GormStore{db: db, mode: mode}
}

// Migrate creates the activity tables. In dedup mode it also creates the
// unique natural-key and event-id indexes the conditional insert relies on; in
// append mode it drops them so duplicates can be stored.
func (s *GormStore) Migrate() error {
	if err := s.db.AutoMigrate(&UserActivity{}, &PromptActivity{}); err != nil {
		return fmt.Errorf("failed to migrate activity tables: %w", err)
	}

	stmts := []string{
		`DROP INDEX IF EXISTS ` + userNaturalKeyIndex,
		`DROP INDEX IF EXISTS ` + promptNaturalKeyIndex,
		`DROP INDEX IF EXISTS ` + userEventIDIndex,
		`DROP INDEX IF EXISTS ` + promptEventIDIndex,
	}
	if s.mode == Dedup {
		stmts = []string{
			`CREATE UNIQUE INDEX IF NOT EXISTS ` + userNaturalKeyIndex +
				` ON user_activity_events (user_id, event_type, event_time)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS ` + promptNaturalKeyIndex +
				` ON prompt_activity_events (prompt_id, user_id, event_type, event_time)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS ` + userEventIDIndex +
				` ON user_activity_events (event_id) WHERE event_id <> ''`,
			`CREATE UNIQUE INDEX IF NOT EXISTS ` + promptEventIDIndex +
				` ON prompt_activity_events (event_id) WHERE event_id <> ''`,
		}
	}
	for _, stmt := range stmts {
		if err := s.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to prepare natural-key index: %w", err)
		}
	}
	return nil
}

// insert skips rows that hit either unique index in dedup mode. The event-id
// index catches a redelivered message whose event time came from the clock.
func (s *GormStore) insert(ctx context.Context, row any) (bool, error) {
	tx := s.db.WithContext(ctx)
	if s.mode == Dedup {
		tx = tx.Clauses(clause.OnConflict{DoNothing: true})
	}
	res := tx.Create(row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) InsertUserActivity(ctx context.Context, a *UserActivity) (bool, error) {
	ok, err := s.insert(ctx, a)
	if err != nil {
		return false, fmt.Errorf("failed to save user activity: %w", err)
	}
	return ok, nil
}

func (s *GormStore) InsertPromptActivity(ctx context.Context, a *PromptActivity) (bool, error) {
	ok, err := s.insert(ctx, a)
	if err != nil {
		return false, fmt.Errorf("failed to save prompt activity: %w", err)
	}
	return ok, nil
}

func (s *GormStore) count(ctx context.Context, model any, eventType string, since *time.Time) (int64, error) {
	var n int64
	q := s.db.WithContext(ctx).Model(model)
	if since != nil {
		q = q.Where("event_type = ? AND event_time >= ?", eventType, *since)
	}
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count activity: %w", err)
	}
	return n, nil
}

func (s *GormStore) CountUserEvents(ctx context.Context) (int64, error) {
	return s.count(ctx, &UserActivity{}, "", nil)
}

func (s *GormStore) CountPromptEvents(ctx context.Context) (int64, error) {
	return s.count(ctx, &PromptActivity{}, "", nil)
}

func (s *GormStore) CountUserEventsSince(ctx context.Context, eventType string, since time.Time) (int64, error) {
	return s.count(ctx, &UserActivity{}, eventType, &since)
}

func (s *GormStore) CountPromptEventsSince(ctx context.Context, eventType string, since time.Time) (int64, error) {
	return s.count(ctx, &PromptActivity{}, eventType, &since)
}

// trendingSQL counts views per prompt in the window and borrows the title from
// the prompt's latest CREATED row.
const trendingSQL = `SELECT v.prompt_id, COALESCE(c.title, '') AS title, v.view_count
FROM (
  SELECT prompt_id, COUNT(*) AS view_count
  FROM prompt_activity_events
  WHERE event_type = ? AND event_time >= ?
  GROUP BY prompt_id
) v
LEFT JOIN LATERAL (
  SELECT title FROM prompt_activity_events c
  WHERE c.prompt_id = v.prompt_id AND c.event_type = ?
  ORDER BY c.event_time DESC
  LIMIT 1
) c ON TRUE
ORDER BY v.view_count DESC, v.prompt_id ASC`

func (s *GormStore) TrendingPrompts(ctx context.Context, since time.Time, limit int) ([]TrendingPrompt, error) {
	query := trendingSQL
	args := []any{EventViewed, since, EventCreated}
	if limit > 0 {
		query += "\nLIMIT ?"
		args = append(args, limit)
	}

	var out []TrendingPrompt
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to rank trending prompts: %w", err)
	}
	return out, nil
}

func (s *GormStore) UserHistory(ctx context.Context, userID string) ([]UserActivity, error) {
	var out []UserActivity
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("event_time DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load user activity: %w", err)
	}
	return out, nil
}

func (s *GormStore) PromptHistory(ctx context.Context, promptID string) ([]PromptActivity, error) {
	var out []PromptActivity
	err := s.db.WithContext(ctx).
		Where("prompt_id = ?", promptID).
		Order("event_time DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt activity: %w", err)
	}
	return out, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
