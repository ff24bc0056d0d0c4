package model

import (
	"time"
)

// ============================================================================
// 支付交易状态机
// ============================================================================
//
// 【状态流转】
//
//   pending ──(网关受理)──> processing ──(查询/回调: 成功)──> completed
//      │                        │
//      │                        └──(查询/回调: 失败)──> failed
//      │
//      └────(主动取消, 仅限未完成)────> cancelled  (processing 同样可取消)
//
// completed / failed / cancelled 是终态，任何状态都不允许从终态流出。
// 所有状态变更必须通过 CanTransitionTo 校验 + 数据库条件更新，
// 保证回调重放时的幂等性。
//
// ============================================================================

const (
	TxnStatusPending    = "pending"
	TxnStatusProcessing = "processing"
	TxnStatusCompleted  = "completed"
	TxnStatusFailed     = "failed"
	TxnStatusCancelled  = "cancelled"
)

// ValidStatusTransitions 合法状态流转表
var ValidStatusTransitions = map[string][]string{
	TxnStatusPending:    {TxnStatusProcessing, TxnStatusFailed, TxnStatusCancelled},
	TxnStatusProcessing: {TxnStatusCompleted, TxnStatusFailed, TxnStatusCancelled},
}

// CanTransitionTo 校验状态流转是否合法
func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// TransitionSources 返回所有可以流转到 targetStatus 的前置状态，
// 供仓储层拼接 `WHERE status IN (?)` 条件更新使用
func TransitionSources(targetStatus string) []string {
	var sources []string
	for from, targets := range ValidStatusTransitions {
		for _, to := range targets {
			if to == targetStatus {
				sources = append(sources, from)
			}
		}
	}
	return sources
}

// IsTerminalStatus 判断是否终态
func IsTerminalStatus(status string) bool {
	return status == TxnStatusCompleted || status == TxnStatusFailed || status == TxnStatusCancelled
}

// PaymentTransaction 支付交易表
// 每次支付尝试一条记录；同一订单重试支付会新建记录，绝不复用旧记录。
// amount 创建后不可修改；externalTxnID 最多写入一次（创建或网关首次受理时）。
type PaymentTransaction struct {
	ID            int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	TxnNo         string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"txn_no"`            // 平台交易号（全局唯一）
	OrderNo       string     `gorm:"type:varchar(64);index;not null" json:"order_no"`                // 关联订单号
	ProviderCode  string     `gorm:"type:varchar(32);index;not null" json:"provider_code"`           // 支付渠道编码
	Amount        float64    `gorm:"not null" json:"amount"`                                         // 支付金额（创建后不可变）
	Currency      string     `gorm:"type:varchar(8);not null" json:"currency"`                       // 币种，当前仅 MAD
	PhoneNumber   string     `gorm:"type:varchar(20);index" json:"phone_number"`                     // 付款手机号
	CustomerName  string     `gorm:"type:varchar(128)" json:"customer_name"`                         // 客户姓名
	Description   string     `gorm:"type:varchar(256)" json:"description"`                           // 支付描述
	Status        string     `gorm:"type:varchar(20);index;not null" json:"status"`                  // 状态机状态
	ExternalTxnID string     `gorm:"type:varchar(128);index;column:external_txn_id" json:"external_txn_id"` // 网关侧交易号
	CallbackData  string     `gorm:"type:text" json:"callback_data,omitempty"`                       // 最近一次回调原文
	ErrorMessage  string     `gorm:"type:varchar(512)" json:"error_message,omitempty"`               // 失败原因
	CreatedAt     time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"` // 到达终态 completed 的时间
}

func (PaymentTransaction) TableName() string {
	return "payment_transaction"
}

// TransactionFilter 交易历史查询条件
type TransactionFilter struct {
	OrderNo      string
	ProviderCode string
	Status       string
	PhoneNumber  string
	StartTime    *time.Time
	EndTime      *time.Time
	Page         int
	PageSize     int
}

// ProviderStatistics 单渠道统计
type ProviderStatistics struct {
	ProviderCode string  `json:"provider_code"`
	Count        int64   `json:"count"`
	TotalAmount  float64 `json:"total_amount"`
}

// PaymentStatistics 支付聚合统计
// successRate = completed / total * 100
type PaymentStatistics struct {
	TotalTransactions int64                `json:"total_transactions"`
	TotalAmount       float64              `json:"total_amount"`
	CompletedCount    int64                `json:"completed_count"`
	FailedCount       int64                `json:"failed_count"`
	CancelledCount    int64                `json:"cancelled_count"`
	SuccessRate       float64              `json:"success_rate"`
	ByProvider        []ProviderStatistics `json:"by_provider"`
}
