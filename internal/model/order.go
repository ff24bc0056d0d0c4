package model

import (
	"time"
)

const (
	OrderStatusPlaced    = "PLACED"
	OrderStatusConfirmed = "CONFIRMED"
	OrderStatusDelivered = "DELIVERED"
	OrderStatusCancelled = "CANCELLED"
)

// Order 外卖订单表
// 订单由平台其他子系统创建和维护，支付域只读：
// 发起支付前校验订单存在，其余字段仅用于展示和下游通知。
type Order struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderNo      string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_no"`
	CustomerID   int64     `gorm:"index;not null" json:"customer_id"`
	RestaurantID int64     `gorm:"index;not null" json:"restaurant_id"`
	TotalAmount  float64   `gorm:"not null" json:"total_amount"`
	Currency     string    `gorm:"type:varchar(8);not null" json:"currency"`
	Status       string    `gorm:"type:varchar(20);index;not null" json:"status"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Order) TableName() string {
	return "delivery_order"
}
