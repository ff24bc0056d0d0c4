package service

import (
	"context"
	"time"

	"foodpay/internal/model"
)

// 服务层只依赖这里声明的存储契约，由 repository 包的 gorm 仓储实现；
// 测试时用内存假实现替换，不需要真实数据库。

// TransactionStore 交易存储契约
// ApplyTransition 是幂等更新规则的落点：条件更新 + 同事务发件箱
type TransactionStore interface {
	Create(ctx context.Context, txn *model.PaymentTransaction) error
	GetByTxnNo(ctx context.Context, txnNo string) (*model.PaymentTransaction, error)
	GetByExternalID(ctx context.Context, providerCode, externalTxnID string) (*model.PaymentTransaction, error)
	ApplyTransition(ctx context.Context, txnNo, targetStatus string, extra map[string]interface{}, outbox []*model.OutboxMessage) (bool, error)
	List(ctx context.Context, filter *model.TransactionFilter) ([]*model.PaymentTransaction, int64, error)
	Statistics(ctx context.Context, from, to time.Time) (*model.PaymentStatistics, error)
	StuckProcessing(ctx context.Context, beforeTime time.Time, limit int) ([]*model.PaymentTransaction, error)
}

// OrderStore 订单只读契约
type OrderStore interface {
	GetByOrderNo(ctx context.Context, orderNo string) (*model.Order, error)
}
