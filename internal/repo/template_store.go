package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"wgmon/internal/models"
)

// TemplateStore - пользовательские шаблоны правил.
type TemplateStore struct{ db *gorm.DB }

func NewTemplateStore(db *gorm.DB) *TemplateStore { return &TemplateStore{db: db} }

// List отдаёт шаблоны по категории, затем по имени.
func (s *TemplateStore) List(ctx context.Context) ([]models.FirewallTemplate, error) {
	var tpls []models.FirewallTemplate
	if err := s.db.WithContext(ctx).
		Order("category asc, name asc").
		Find(&tpls).Error; err != nil {
		return nil, err
	}
	return tpls, nil
}

func (s *TemplateStore) GetByName(ctx context.Context, name string) (*models.FirewallTemplate, error) {
	var t models.FirewallTemplate
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &t, err
}

// Upsert создаёт шаблон или перезаписывает существующий с тем же именем.
func (s *TemplateStore) Upsert(ctx context.Context, t *models.FirewallTemplate) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur models.FirewallTemplate
		err := tx.Where("name = ?", t.Name).First(&cur).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(t).Error
		case err != nil:
			return err
		}
		t.ID = cur.ID
		t.CreatedAt = cur.CreatedAt
		return tx.Save(t).Error
	})
}
