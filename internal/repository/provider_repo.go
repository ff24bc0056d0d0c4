package repository

import (
	"context"

	"foodpay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ProviderRepository struct {
	db *gorm.DB
}

func NewProviderRepository(db *gorm.DB) *ProviderRepository {
	return &ProviderRepository{db: db}
}

// Upsert 启动时按配置落库渠道目录
// 渠道记录只新增和更新（名称、激活开关），从不删除
func (r *ProviderRepository) Upsert(ctx context.Context, p *model.Provider) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "code"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name", "is_active"}),
		}).
		Create(p).Error
}

func (r *ProviderRepository) List(ctx context.Context) ([]*model.Provider, error) {
	var providers []*model.Provider
	err := r.db.WithContext(ctx).Order("code").Find(&providers).Error
	return providers, err
}
