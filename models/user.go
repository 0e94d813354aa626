package models

import (
	"time"
)

// User is an account owned by the user service.
type User struct {
	ID            string    `json:"id" gorm:"primaryKey;size:36"`
	Username      string    `json:"username" gorm:"size:50;not null;uniqueIndex"`
	Email         string    `json:"email" gorm:"size:100;not null;uniqueIndex"`
	Password      string    `json:"-" gorm:"not null"`
	FirstName     string    `json:"firstName,omitempty" gorm:"size:100"`
	LastName      string    `json:"lastName,omitempty" gorm:"size:100"`
	Active        bool      `json:"active" gorm:"not null"`
	EmailVerified bool      `json:"emailVerified" gorm:"not null"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}
