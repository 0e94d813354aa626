package analytics

import "time"

// Activity event types.
const (
	EventRegistered = "REGISTERED"
	EventCreated    = "CREATED"
	EventViewed     = "VIEWED"
)

// UserActivity is one projected user event. Rows are append-only.
type UserActivity struct {
	ID         string    `json:"id" gorm:"primaryKey;size:32"`
	EventID    string    `json:"eventId" gorm:"not null"`
	UserID     string    `json:"userId" gorm:"not null;index:idx_user_activity_user,priority:1"`
	Username   string    `json:"username"`
	Email      string    `json:"email,omitempty"`
	EventType  string    `json:"eventType" gorm:"not null;index:idx_user_activity_type_time,priority:1"`
	EventTime  time.Time `json:"eventTime" gorm:"not null;index:idx_user_activity_type_time,priority:2;index:idx_user_activity_user,priority:2"`
	IngestedAt time.Time `json:"createdAt" gorm:"column:created_at;not null"`
}

func (UserActivity) TableName() string { return "user_activity_events" }

// PromptActivity is one projected prompt event. VIEWED rows carry no title.
type PromptActivity struct {
	ID         string    `json:"id" gorm:"primaryKey;size:32"`
	EventID    string    `json:"eventId" gorm:"not null"`
	PromptID   string    `json:"promptId" gorm:"not null;index:idx_prompt_activity_prompt,priority:1"`
	Title      string    `json:"title,omitempty"`
	UserID     string    `json:"userId" gorm:"not null"`
	Username   string    `json:"username,omitempty"`
	Category   string    `json:"category,omitempty"`
	EventType  string    `json:"eventType" gorm:"not null;index:idx_prompt_activity_type_time,priority:1"`
	EventTime  time.Time `json:"eventTime" gorm:"not null;index:idx_prompt_activity_type_time,priority:2;index:idx_prompt_activity_prompt,priority:2"`
	IngestedAt time.Time `json:"createdAt" gorm:"column:created_at;not null"`
}

func (PromptActivity) TableName() string { return "prompt_activity_events" }

// TrendingPrompt is one ranked entry of the trending list.
type TrendingPrompt struct {
	PromptID  string `json:"promptId"`
	Title     string `json:"title"`
	ViewCount int64  `json:"viewCount"`
}

// Stats mirrors the analytics dashboard counters.
type Stats struct {
	TotalUserEvents       int64 `json:"totalUserEvents"`
	TotalPromptEvents     int64 `json:"totalPromptEvents"`
	NewUsersLast24h       int64 `json:"newUsersLast24h"`
	PromptsCreatedLast24h int64 `json:"promptsCreatedLast24h"`
	PromptViewsLast24h    int64 `json:"promptViewsLast24h"`
	NewUsersLast7d        int64 `json:"newUsersLast7d"`
	PromptsCreatedLast7d  int64 `json:"promptsCreatedLast7d"`
	PromptViewsLast7d     int64 `json:"promptViewsLast7d"`
}

// Trending is the trending response for a window of days.
type Trending struct {
	Period   string           `json:"period"`
	Trending []TrendingPrompt `json:"trending"`
}
