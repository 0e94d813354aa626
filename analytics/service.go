// Package analytics projects domain events into append-only activity tables
// and answers dashboard queries over them.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"promptforge/consumer"
	"promptforge/events"
	"promptforge/idgen"

	"go.uber.org/zap"
)

var (
	ErrInvalidWindow   = errors.New("days must be at least 1")
	ErrUnexpectedEvent = errors.New("unexpected event payload")
)

// Service is the analytics read model.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

type ServiceOption func(*Service)

func WithLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithClock replaces time.Now for ingestion stamps and query horizons.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{store: store, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds the projections to the analytics consumer group.
func (s *Service) Register(d *consumer.Dispatcher) {
	d.Handle(events.TopicUserRegistered, s.RecordUserRegistered)
	d.Handle(events.TopicPromptCreated, s.RecordPromptCreated)
	d.Handle(events.TopicPromptViewed, s.RecordPromptViewed)
}

// eventTime picks the payload's own timestamp, then the envelope's, then now.
func (s *Service) eventTime(payload events.Timestamp, env events.Envelope) time.Time {
	switch {
	case !payload.IsZero():
		return payload.UTC()
	case !env.OccurredAt.IsZero():
		return env.OccurredAt.UTC()
	default:
		return s.now().UTC()
	}
}

func (s *Service) RecordUserRegistered(ctx context.Context, env events.Envelope) error {
	e, ok := env.Payload.(events.UserRegistered)
	if !ok {
		return fmt.Errorf("%w: %T on %s", ErrUnexpectedEvent, env.Payload, events.TopicUserRegistered)
	}
	id, err := idgen.New(idgen.PrefixUserActivity)
	if err != nil {
		return err
	}
	row := &UserActivity{
		ID:         id,
		EventID:    env.EventID,
		UserID:     e.UserID,
		Username:   e.Username,
		Email:      e.Email,
		EventType:  EventRegistered,
		EventTime:  s.eventTime(e.RegisteredAt, env),
		IngestedAt: s.now().UTC(),
	}
	inserted, err := s.store.InsertUserActivity(ctx, row)
	if err != nil {
		return err
	}
	s.logger.Info("📊 User registration recorded",
		zap.String("event_id", env.EventID),
		zap.String("user_id", e.UserID),
		zap.Bool("duplicate", !inserted),
	)
	return nil
}

func (s *Service) RecordPromptCreated(ctx context.Context, env events.Envelope) error {
	e, ok := env.Payload.(events.PromptCreated)
	if !ok {
		return fmt.Errorf("%w: %T on %s", ErrUnexpectedEvent, env.Payload, events.TopicPromptCreated)
	}
	return s.recordPrompt(ctx, env, &PromptActivity{
		PromptID:  e.PromptID,
		Title:     e.Title,
		UserID:    e.UserID,
		Username:  e.Username,
		Category:  e.Category,
		EventType: EventCreated,
		EventTime: s.eventTime(e.CreatedAt, env),
	})
}

func (s *Service) RecordPromptViewed(ctx context.Context, env events.Envelope) error {
	e, ok := env.Payload.(events.PromptViewed)
	if !ok {
		return fmt.Errorf("%w: %T on %s", ErrUnexpectedEvent, env.Payload, events.TopicPromptViewed)
	}
	return s.recordPrompt(ctx, env, &PromptActivity{
		PromptID:  e.PromptID,
		UserID:    e.UserID,
		EventType: EventViewed,
		EventTime: s.eventTime(e.ViewedAt, env),
	})
}

func (s *Service) recordPrompt(ctx context.Context, env events.Envelope, row *PromptActivity) error {
	id, err := idgen.New(idgen.PrefixPromptActivity)
	if err != nil {
		return err
	}
	row.ID = id
	row.EventID = env.EventID
	row.IngestedAt = s.now().UTC()

	inserted, err := s.store.InsertPromptActivity(ctx, row)
	if err != nil {
		return err
	}
	s.logger.Info("📊 Prompt activity recorded",
		zap.String("event_id", env.EventID),
		zap.String("prompt_id", row.PromptID),
		zap.String("event_type", row.EventType),
		zap.Bool("duplicate", !inserted),
	)
	return nil
}

// OverallStats counts activity by type over the last 24 hours and 7 days,
// measured on event time at call time.
func (s *Service) OverallStats(ctx context.Context) (Stats, error) {
	now := s.now()
	day := now.Add(-24 * time.Hour)
	week := now.AddDate(0, 0, -7)

	c := counter{ctx: ctx, store: s.store}
	st := Stats{
		TotalUserEvents:       c.users("", time.Time{}),
		TotalPromptEvents:     c.prompts("", time.Time{}),
		NewUsersLast24h:       c.users(EventRegistered, day),
		PromptsCreatedLast24h: c.prompts(EventCreated, day),
		PromptViewsLast24h:    c.prompts(EventViewed, day),
		NewUsersLast7d:        c.users(EventRegistered, week),
		PromptsCreatedLast7d:  c.prompts(EventCreated, week),
		PromptViewsLast7d:     c.prompts(EventViewed, week),
	}
	if c.err != nil {
		return Stats{}, c.err
	}
	s.logger.Info("📈 Generated overall analytics stats")
	return st, nil
}

// counter runs count queries until the first error, then returns zeros.
// An empty event type counts every row.
type counter struct {
	ctx   context.Context
	store Store
	err   error
}

func (c *counter) users(eventType string, since time.Time) int64 {
	if c.err != nil {
		return 0
	}
	var n int64
	if eventType == "" {
		n, c.err = c.store.CountUserEvents(c.ctx)
	} else {
		n, c.err = c.store.CountUserEventsSince(c.ctx, eventType, since)
	}
	return n
}

func (c *counter) prompts(eventType string, since time.Time) int64 {
	if c.err != nil {
		return 0
	}
	var n int64
	if eventType == "" {
		n, c.err = c.store.CountPromptEvents(c.ctx)
	} else {
		n, c.err = c.store.CountPromptEventsSince(c.ctx, eventType, since)
	}
	return n
}

// TrendingPrompts ranks prompts by views over the last days days.
func (s *Service) TrendingPrompts(ctx context.Context, days, limit int) (Trending, error) {
	if days < 1 {
		return Trending{}, ErrInvalidWindow
	}
	since := s.now().AddDate(0, 0, -days)
	ranked, err := s.store.TrendingPrompts(ctx, since, limit)
	if err != nil {
		return Trending{}, err
	}
	if ranked == nil {
		ranked = []TrendingPrompt{}
	}
	s.logger.Info("📈 Retrieved trending prompts", zap.Int("days", days), zap.Int("count", len(ranked)))
	return Trending{Period: fmt.Sprintf("%d days", days), Trending: ranked}, nil
}

// UserActivityHistory lists a user's activity newest first.
func (s *Service) UserActivityHistory(ctx context.Context, userID string) ([]UserActivity, error) {
	rows, err := s.store.UserHistory(ctx, userID)
	if rows == nil && err == nil {
		rows = []UserActivity{}
	}
	return rows, err
}

// PromptActivityHistory lists a prompt's activity newest first.
func (s *Service) PromptActivityHistory(ctx context.Context, promptID string) ([]PromptActivity, error) {
	rows, err := s.store.PromptHistory(ctx, promptID)
	if rows == nil && err == nil {
		rows = []PromptActivity{}
	}
	return rows, err
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
