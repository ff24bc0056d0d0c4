package repository

import (
	"context"
	"errors"
	"time"

	"foodpay/internal/model"

	"gorm.io/gorm"
)

var (
	ErrTransactionNotFound = errors.New("交易不存在")
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, txn *model.PaymentTransaction) error {
	return r.db.WithContext(ctx).Create(txn).Error
}

func (r *TransactionRepository) GetByTxnNo(ctx context.Context, txnNo string) (*model.PaymentTransaction, error) {
	var txn model.PaymentTransaction
	err := r.db.WithContext(ctx).Where("txn_no = ?", txnNo).First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &txn, nil
}

// GetByExternalID 按网关侧交易号定位交易（回调路径）
func (r *TransactionRepository) GetByExternalID(ctx context.Context, providerCode, externalTxnID string) (*model.PaymentTransaction, error) {
	var txn model.PaymentTransaction
	err := r.db.WithContext(ctx).
		Where("provider_code = ? AND external_txn_id = ?", providerCode, externalTxnID).
		First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &txn, nil
}

// ApplyTransition 幂等状态变更，状态机规则落在存储边界上
//
// 只有当前状态属于 targetStatus 的合法前置状态时才会更新
// （`WHERE txn_no=? AND status IN (?)`），否则零行命中、返回 applied=false。
// 这保证了终态永不被改写、回调重放天然是空操作。
//
// extra 是随状态一起写入的附加字段（网关交易号、失败原因等）；
// outbox 非空时在同一个数据库事务里落发件箱——状态变更成功与下游通知
// 入队同生共死，这正是"完成侧效应恰好一次"的根基。
func (r *TransactionRepository) ApplyTransition(ctx context.Context, txnNo, targetStatus string, extra map[string]interface{}, outbox []*model.OutboxMessage) (bool, error) {
	sources := model.TransitionSources(targetStatus)
	if len(sources) == 0 {
		return false, nil
	}

	updates := map[string]interface{}{
		"status": targetStatus,
	}
	for k, v := range extra {
		updates[k] = v
	}
	if targetStatus == model.TxnStatusCompleted {
		now := time.Now()
		updates["completed_at"] = &now
	}

	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.PaymentTransaction{}).
			Where("txn_no = ? AND status IN ?", txnNo, sources).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// 不合法的流转：不报错，由调用方记日志
			return nil
		}
		applied = true

		for _, msg := range outbox {
			if err := tx.Create(msg).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// List 按条件分页查询交易历史
func (r *TransactionRepository) List(ctx context.Context, filter *model.TransactionFilter) ([]*model.PaymentTransaction, int64, error) {
	query := r.db.WithContext(ctx).Model(&model.PaymentTransaction{})

	if filter.OrderNo != "" {
		query = query.Where("order_no = ?", filter.OrderNo)
	}
	if filter.ProviderCode != "" {
		query = query.Where("provider_code = ?", filter.ProviderCode)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.PhoneNumber != "" {
		query = query.Where("phone_number = ?", filter.PhoneNumber)
	}
	if filter.StartTime != nil {
		query = query.Where("created_at >= ?", filter.StartTime)
	}
	if filter.EndTime != nil {
		query = query.Where("created_at < ?", filter.EndTime)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = 20
	}

	var txns []*model.PaymentTransaction
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&txns).Error

	return txns, total, err
}

// Statistics 时间窗内的聚合统计
// successRate = completed / total * 100
func (r *TransactionRepository) Statistics(ctx context.Context, from, to time.Time) (*model.PaymentStatistics, error) {
	stats := &model.PaymentStatistics{}

	base := r.db.WithContext(ctx).Model(&model.PaymentTransaction{}).
		Where("created_at >= ? AND created_at < ?", from, to)

	type totalRow struct {
		Count  int64
		Amount float64
	}
	var total totalRow
	if err := base.Session(&gorm.Session{}).
		Select("COUNT(*) AS count, COALESCE(SUM(amount),0) AS amount").
		Scan(&total).Error; err != nil {
		return nil, err
	}
	stats.TotalTransactions = total.Count
	stats.TotalAmount = total.Amount

	type statusRow struct {
		Status string
		Count  int64
	}
	var byStatus []statusRow
	if err := base.Session(&gorm.Session{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&byStatus).Error; err != nil {
		return nil, err
	}
	for _, row := range byStatus {
		switch row.Status {
		case model.TxnStatusCompleted:
			stats.CompletedCount = row.Count
		case model.TxnStatusFailed:
			stats.FailedCount = row.Count
		case model.TxnStatusCancelled:
			stats.CancelledCount = row.Count
		}
	}

	type providerRow struct {
		ProviderCode string
		Count        int64
		Amount       float64
	}
	var byProvider []providerRow
	if err := base.Session(&gorm.Session{}).
		Select("provider_code, COUNT(*) AS count, COALESCE(SUM(amount),0) AS amount").
		Group("provider_code").
		Order("provider_code").
		Scan(&byProvider).Error; err != nil {
		return nil, err
	}
	for _, row := range byProvider {
		stats.ByProvider = append(stats.ByProvider, model.ProviderStatistics{
			ProviderCode: row.ProviderCode,
			Count:        row.Count,
			TotalAmount:  row.Amount,
		})
	}

	if stats.TotalTransactions > 0 {
		stats.SuccessRate = float64(stats.CompletedCount) / float64(stats.TotalTransactions) * 100
	}
	return stats, nil
}

// RecentByPhone 同一号码的近期交易（欺诈检测的频次/重复信号）
// phone 传 9 位国内号码主体，后缀匹配兼容三种等价写法
func (r *TransactionRepository) RecentByPhone(ctx context.Context, phone string, since time.Time) ([]*model.PaymentTransaction, error) {
	var txns []*model.PaymentTransaction
	err := r.db.WithContext(ctx).
		Where("phone_number LIKE ? AND created_at >= ?", "%"+phone, since).
		Order("created_at DESC").
		Find(&txns).Error
	return txns, err
}

// StuckProcessing 卡在 processing 超过时限的交易（轮询补偿任务用）
func (r *TransactionRepository) StuckProcessing(ctx context.Context, beforeTime time.Time, limit int) ([]*model.PaymentTransaction, error) {
	var txns []*model.PaymentTransaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.TxnStatusProcessing, beforeTime).
		Limit(limit).
		Find(&txns).Error
	return txns, err
}
