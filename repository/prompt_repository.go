package repository

import (
	"context"
	"fmt"

	"promptforge/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PromptRepository struct {
	db *gorm.DB
}

func NewPromptRepository(db *gorm.DB) *PromptRepository {
	return &PromptRepository{db: db}
}

// Create inserts p, assigning an id when it has none.
func (r *PromptRepository) Create(ctx context.Context, p *models.Prompt) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("failed to create prompt: %w", translate(err))
	}
	return nil
}

func (r *PromptRepository) FindByID(ctx context.Context, id string) (*models.Prompt, error) {
	var p models.Prompt
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

// IncrementViewCount bumps the stored counter in place.
func (r *PromptRepository) IncrementViewCount(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).
		Model(&models.Prompt{}).
		Where("id = ?", id).
		UpdateColumn("view_count", gorm.Expr("view_count + ?", 1))
	if res.Error != nil {
		return fmt.Errorf("failed to increment view count: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
