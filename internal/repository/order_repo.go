package repository

import (
	"context"
	"errors"

	"foodpay/internal/model"

	"gorm.io/gorm"
)

var (
	ErrOrderNotFound = errors.New("订单不存在")
)

// OrderRepository 订单只读仓储
// 订单的写入归订单子系统，支付域只校验存在性和读取展示字段
type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) GetByOrderNo(ctx context.Context, orderNo string) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).Where("order_no = ?", orderNo).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}
