package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/mail-gateway/internal/domain"
	"gorm.io/gorm"
)

type APIKeyRepository interface {
	Create(ctx context.Context, k *domain.APIKey) error
	GetByPrefix(ctx context.Context, prefix string) (*domain.APIKey, error)
	GetByID(ctx context.Context, id string) (*domain.APIKey, error)
	SetActive(ctx context.Context, id string, active bool) error
	List(ctx context.Context) ([]domain.APIKey, error)
}

type GormAPIKeyRepo struct {
	db *gorm.DB
}

func NewGormAPIKeyRepo(db *gorm.DB) *GormAPIKeyRepo {
	return &GormAPIKeyRepo{db: db}
}

func (r *GormAPIKeyRepo) Create(ctx context.Context, k *domain.APIKey) error {
	if k == nil {
		return fmt.Errorf("%w: api key is required", domain.ErrValidation)
	}
	if k.ID == "" {
		k.ID = uuid.NewString()
	}

	model, err := apiKeyModelFromDomain(k)
	if err != nil {
		return fmt.Errorf("%w: allowed domains: %v", domain.ErrValidation, err)
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: key prefix %q already exists", domain.ErrConflict, k.KeyPrefix)
		}
		return err
	}

	*k = *apiKeyModelToDomain(model)
	return nil
}

func (r *GormAPIKeyRepo) GetByPrefix(ctx context.Context, prefix string) (*domain.APIKey, error) {
	var model APIKeyModel
	err := r.db.WithContext(ctx).Where("key_prefix = ?", prefix).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return apiKeyModelToDomain(&model), nil
}

func (r *GormAPIKeyRepo) GetByID(ctx context.Context, id string) (*domain.APIKey, error) {
	var model APIKeyModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return apiKeyModelToDomain(&model), nil
}

func (r *GormAPIKeyRepo) SetActive(ctx context.Context, id string, active bool) error {
	result := r.db.WithContext(ctx).
		Model(&APIKeyModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"active":     active,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormAPIKeyRepo) List(ctx context.Context) ([]domain.APIKey, error) {
	var models []APIKeyModel
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}

	keys := make([]domain.APIKey, 0, len(models))
	for i := range models {
		keys = append(keys, *apiKeyModelToDomain(&models[i]))
	}
	return keys, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
