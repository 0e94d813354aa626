package models

import "time"

// Prompt is an authored prompt owned by the prompt service.
type Prompt struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	Title       string    `json:"title" gorm:"size:200;not null"`
	Content     string    `json:"content" gorm:"type:text;not null"`
	Description string    `json:"description,omitempty" gorm:"size:1000"`
	UserID      string    `json:"userId" gorm:"column:user_id;not null;index"`
	Username    string    `json:"username" gorm:"not null"`
	Category    string    `json:"category" gorm:"size:50;not null;index"`
	IsPublic    bool      `json:"isPublic" gorm:"column:is_public;not null;index"`
	ViewCount   int       `json:"viewCount" gorm:"not null"`
	Model       string    `json:"model,omitempty" gorm:"size:50"`
	Version     string    `json:"version" gorm:"size:20"`
	CreatedAt   time.Time `json:"createdAt" gorm:"index"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// VisibleTo reports whether userID may read the prompt.
func (p *Prompt) VisibleTo(userID string) bool {
	return p.IsPublic || (userID != "" && p.UserID == userID)
}
