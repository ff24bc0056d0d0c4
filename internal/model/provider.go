package model

import (
	"time"
)

// Provider 支付渠道目录表
// code 是全系统稳定标识；记录在启动时从配置落库（upsert），
// 激活状态由配置开关控制，只停用不删除。
type Provider struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Code        string    `gorm:"type:varchar(32);uniqueIndex;not null" json:"code"`
	DisplayName string    `gorm:"type:varchar(64);not null" json:"display_name"`
	IsActive    bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Provider) TableName() string {
	return "payment_provider"
}
