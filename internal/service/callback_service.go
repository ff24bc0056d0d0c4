package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"foodpay/internal/security"
)

// ============================================================================
// 回调处理器
// ============================================================================
//
// 网关主动推送的状态通知从这里进来。回调是不可信的外部输入：
//
//   1. 结构校验（适配器）——必填字段、商户匹配、金额可解析；
//      不过关直接拒绝，不碰任何持久化状态。
//   2. 安全校验（校验器）——签名、时间戳新鲜度、状态词识别；
//      每次校验无论成败都落一条审计。
//   3. 按网关交易号定位交易，映射原生状态，走编排器的幂等更新。
//      重放同一个回调是安全的空操作。
//
// 不同交易的回调可以并发处理；同一笔交易由交易级锁串行化。
//
// ============================================================================

var ErrInvalidCallback = errors.New("回调校验失败")

type CallbackService struct {
	payments  *PaymentService
	validator *security.Validator
}

func NewCallbackService(payments *PaymentService, validator *security.Validator) *CallbackService {
	return &CallbackService{
		payments:  payments,
		validator: validator,
	}
}

// CallbackResult 回调处理结果
type CallbackResult struct {
	Accepted bool   `json:"accepted"`
	Applied  bool   `json:"applied"` // false 表示幂等空操作（如重放）
	TxnNo    string `json:"txn_no,omitempty"`
	Status   string `json:"status,omitempty"`
}

// ProcessCallback 处理一条网关回调
func (s *CallbackService) ProcessCallback(ctx context.Context, providerCode string, payload map[string]interface{}, signature, ip, userAgent string) (*CallbackResult, error) {
	adapter, ok := s.payments.registry.Get(providerCode)
	if !ok {
		s.validator.RecordRejectedCallback(providerCode, ip, userAgent, "未知渠道编码")
		return nil, ErrProviderUnavailable
	}

	// 结构校验：不过关不碰持久化状态
	structural := adapter.ValidateCallbackData(payload)

	// 安全校验：签名/时间戳/状态词，内部会追加审计
	secResult := s.validator.ValidateCallback(ctx, &security.CallbackCheck{
		Payload:      payload,
		ProviderCode: providerCode,
		Signature:    signature,
		IPAddress:    ip,
		UserAgent:    userAgent,
	}, adapter)

	if !structural.IsValid || !secResult.IsValid {
		reasons := append(append([]string{}, structural.Errors...), secResult.Errors...)
		log.Printf("[CallbackService] 回调被拒: provider=%s, reasons=%s", providerCode, strings.Join(reasons, "; "))
		return nil, fmt.Errorf("%w: %s", ErrInvalidCallback, strings.Join(reasons, "; "))
	}

	mapped := adapter.MapCallbackStatus(structural.Status)
	raw, _ := json.Marshal(payload)

	applied, txn, err := s.payments.ApplyExternalStatus(ctx, providerCode, structural.ExternalTxnID, mapped, string(raw))
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			// 未知的网关交易号：拒绝并审计，不产生任何状态变更
			s.validator.RecordRejectedCallback(providerCode, ip, userAgent,
				fmt.Sprintf("未知网关交易号: %s", structural.ExternalTxnID))
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}

	if !applied {
		log.Printf("[CallbackService] 回调为幂等空操作: provider=%s, externalTxnID=%s, status=%s",
			providerCode, structural.ExternalTxnID, mapped)
	}

	return &CallbackResult{
		Accepted: true,
		Applied:  applied,
		TxnNo:    txn.TxnNo,
		Status:   txn.Status,
	}, nil
}
