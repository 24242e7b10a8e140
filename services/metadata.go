package services

import (
	"context"
	"errors"
	"time"

	"tryonapi/models"

	"gorm.io/gorm"
)

var ErrTryOnNotFound = errors.New("try-on not found")

type MetadataStore interface {
	Insert(ctx context.Context, result *models.TryOnResult) error
	Get(ctx context.Context, id uint) (*models.TryOnResult, error)
	Update(ctx context.Context, result *models.TryOnResult) error
	// ListPending returns pending rows last updated before olderThan, oldest first.
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]models.TryOnResult, error)
}

type GormMetadataStore struct {
	DB *gorm.DB
}

func (s GormMetadataStore) Insert(ctx context.Context, result *models.TryOnResult) error {
	return s.DB.WithContext(ctx).Create(result).Error
}

func (s GormMetadataStore) Get(ctx context.Context, id uint) (*models.TryOnResult, error) {
	var result models.TryOnResult
	err := s.DB.WithContext(ctx).First(&result, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTryOnNotFound
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s GormMetadataStore) Update(ctx context.Context, result *models.TryOnResult) error {
	return s.DB.WithContext(ctx).Save(result).Error
}

func (s GormMetadataStore) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]models.TryOnResult, error) {
	var results []models.TryOnResult
	err := s.DB.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.TryOnStatusPending, olderThan).
		Order("updated_at asc").
		Limit(limit).
		Find(&results).Error
	return results, err
}
