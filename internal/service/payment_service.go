package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"foodpay/internal/config"
	"foodpay/internal/infrastructure/lock"
	"foodpay/internal/model"
	"foodpay/internal/provider"
	"foodpay/internal/repository"
	"foodpay/internal/security"
	"foodpay/pkg/idgen"
)

// ============================================================================
// 支付编排器
// ============================================================================
//
// 其他子系统发起移动支付的唯一门面。职责链：
//
//   订单校验 -> 渠道解析 -> 风控预检 -> 落库 pending -> 调用适配器
//     -> 网关受理则 pending->processing 并记录网关交易号
//     -> 网关拒绝则立即置 failed
//
// 后续状态推进（轮询查询、网关回调、主动取消）都走同一条幂等更新
// 路径：按交易号加锁（单写者）+ 存储层条件更新。首次到达 completed
// 的那一次流转（且仅那一次）在同一个数据库事务里写入下游通知发件箱，
// 保证积分入账和优惠核销恰好触发一次。
//
// ============================================================================

var (
	ErrOrderNotFound       = errors.New("订单不存在")
	ErrProviderUnavailable = errors.New("支付渠道不可用")
	ErrFraudRejected       = errors.New("请求被风控拦截")
	ErrTransactionNotFound = errors.New("交易不存在")
	ErrAlreadyCompleted    = errors.New("交易已完成，无法取消")
)

// ValidationError 调用方可修正的参数错误，不会作为交易失败落库
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "参数校验失败: " + strings.Join(e.Fields, "; ")
}

type PaymentService struct {
	txnStore   TransactionStore
	orderStore OrderStore
	registry   *provider.Registry
	validator  *security.Validator
	locker     lock.TxnLocker
	cfg        *config.Config
}

func NewPaymentService(
	txnStore TransactionStore,
	orderStore OrderStore,
	registry *provider.Registry,
	validator *security.Validator,
	locker lock.TxnLocker,
	cfg *config.Config,
) *PaymentService {
	return &PaymentService{
		txnStore:   txnStore,
		orderStore: orderStore,
		registry:   registry,
		validator:  validator,
		locker:     locker,
		cfg:        cfg,
	}
}

// CreatePaymentRequest 发起支付的入参
type CreatePaymentRequest struct {
	OrderNo      string  `json:"order_no" binding:"required"`
	Amount       float64 `json:"amount" binding:"required,gt=0"`
	Currency     string  `json:"currency"`
	ProviderCode string  `json:"provider_code" binding:"required"`
	PhoneNumber  string  `json:"phone_number"`
	CustomerName string  `json:"customer_name"`
	Description  string  `json:"description"`

	// 审计用请求来源，由 HTTP 层填充
	ClientIP  string `json:"-"`
	UserAgent string `json:"-"`
}

// PaymentResponse 发起支付的出参
type PaymentResponse struct {
	Success       bool   `json:"success"`
	TxnNo         string `json:"txn_no,omitempty"`
	ExternalTxnID string `json:"external_txn_id,omitempty"`
	Status        string `json:"status"`
	Message       string `json:"message"`
	RedirectURL   string `json:"redirect_url,omitempty"`
}

// CreatePayment 发起一笔移动支付
//
// 风控预检发生在任何持久化之前：高风险请求直接拒绝，不留交易记录。
// 同一订单重试支付会新建交易记录，绝不改写旧记录。
func (s *PaymentService) CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*PaymentResponse, error) {
	// 订单必须存在
	if _, err := s.orderStore.GetByOrderNo(ctx, req.OrderNo); err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("查询订单失败: %w", err)
	}

	// 渠道必须已注册且处于激活状态
	meta, ok := s.registry.Meta(req.ProviderCode)
	if !ok || !meta.IsActive {
		return nil, ErrProviderUnavailable
	}
	adapter, ok := s.registry.Get(req.ProviderCode)
	if !ok {
		return nil, ErrProviderUnavailable
	}

	currency := req.Currency
	if currency == "" {
		currency = "MAD"
	}

	// 风控预检：高风险直接拒绝，参数错误同步返回
	check := &security.PaymentCheck{
		OrderNo:      req.OrderNo,
		Amount:       req.Amount,
		Currency:     currency,
		ProviderCode: req.ProviderCode,
		PhoneNumber:  req.PhoneNumber,
		CustomerName: req.CustomerName,
	}
	validation := s.validator.ValidatePaymentRequest(ctx, check, req.ClientIP, req.UserAgent)
	if validation.Fraud != nil && validation.Fraud.IsHighRisk {
		log.Printf("[PaymentService] 高风险请求被拒: orderNo=%s, riskScore=%d, factors=%v",
			req.OrderNo, validation.RiskScore, validation.Fraud.Factors)
		return nil, ErrFraudRejected
	}
	if !validation.IsValid {
		return nil, &ValidationError{Fields: validation.Errors}
	}

	// 落库 pending
	txn := &model.PaymentTransaction{
		TxnNo:        idgen.GenerateTxnNo(),
		OrderNo:      req.OrderNo,
		ProviderCode: req.ProviderCode,
		Amount:       req.Amount,
		Currency:     currency,
		PhoneNumber:  req.PhoneNumber,
		CustomerName: req.CustomerName,
		Description:  req.Description,
		Status:       model.TxnStatusPending,
	}
	if err := s.txnStore.Create(ctx, txn); err != nil {
		return nil, fmt.Errorf("创建交易失败: %w", err)
	}

	// 调用网关
	result := adapter.CreatePaymentRequest(ctx, &provider.CreateRequest{
		TxnNo:        txn.TxnNo,
		OrderNo:      req.OrderNo,
		Amount:       req.Amount,
		Currency:     currency,
		PhoneNumber:  req.PhoneNumber,
		CustomerName: req.CustomerName,
		Description:  req.Description,
	})

	if !result.Success {
		// 网关拒绝或网络耗尽重试：交易立即置 failed，带上适配器给的可读原因
		if _, err := s.applyStatus(ctx, txn, model.TxnStatusFailed,
			map[string]interface{}{"error_message": result.Message}, "create"); err != nil {
			log.Printf("[PaymentService] 标记交易失败时出错: txnNo=%s, err=%v", txn.TxnNo, err)
		}
		return &PaymentResponse{
			Success: false,
			TxnNo:   txn.TxnNo,
			Status:  model.TxnStatusFailed,
			Message: result.Message,
		}, nil
	}

	// 网关已受理：pending -> processing，网关交易号仅在此处写入一次
	if _, err := s.applyStatus(ctx, txn, model.TxnStatusProcessing,
		map[string]interface{}{"external_txn_id": result.ExternalTxnID}, "create"); err != nil {
		return nil, err
	}

	log.Printf("[PaymentService] 支付已发起: txnNo=%s, orderNo=%s, provider=%s, externalTxnID=%s",
		txn.TxnNo, req.OrderNo, req.ProviderCode, result.ExternalTxnID)

	return &PaymentResponse{
		Success:       true,
		TxnNo:         txn.TxnNo,
		ExternalTxnID: result.ExternalTxnID,
		Status:        model.TxnStatusProcessing,
		Message:       result.Message,
		RedirectURL:   result.RedirectURL,
	}, nil
}

// StatusResponse 状态查询/取消的出参
type StatusResponse struct {
	TxnNo         string  `json:"txn_no"`
	OrderNo       string  `json:"order_no"`
	ProviderCode  string  `json:"provider_code"`
	Status        string  `json:"status"`
	Amount        float64 `json:"amount"`
	ExternalTxnID string  `json:"external_txn_id,omitempty"`
	Message       string  `json:"message,omitempty"`
}

// CheckPaymentStatus 主动向网关查询并推进交易状态
// 与回调路径共用同一条幂等更新规则；终态交易直接返回，不再打扰网关。
func (s *PaymentService) CheckPaymentStatus(ctx context.Context, txnNo string) (*StatusResponse, error) {
	release, err := s.locker.LockTxn(ctx, txnNo)
	if err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer release()

	txn, err := s.txnStore.GetByTxnNo(ctx, txnNo)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}

	if model.IsTerminalStatus(txn.Status) {
		return statusResponse(txn, "交易已到达终态"), nil
	}
	if txn.ExternalTxnID == "" {
		// 网关还没受理过，无从查询
		return statusResponse(txn, "等待网关受理"), nil
	}

	adapter, ok := s.registry.Get(txn.ProviderCode)
	if !ok {
		return nil, ErrProviderUnavailable
	}

	result := adapter.CheckPaymentStatus(ctx, txn.ExternalTxnID)
	if !result.Success {
		return statusResponse(txn, result.Message), nil
	}

	applied, err := s.applyStatus(ctx, txn, result.Status, nil, "status_check")
	if err != nil {
		return nil, err
	}
	if applied {
		txn.Status = result.Status
	}
	return statusResponse(txn, result.Message), nil
}

// CancelTransaction 主动取消一笔交易
//
// 已完成的交易拒绝取消（这是唯一把终态当错误上报的场景）。
// 网关侧撤单只是尽力而为——无论网关是否确认，本地一律标记 cancelled，
// 本地状态以编排器为准。
func (s *PaymentService) CancelTransaction(ctx context.Context, txnNo string) (*StatusResponse, error) {
	release, err := s.locker.LockTxn(ctx, txnNo)
	if err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer release()

	txn, err := s.txnStore.GetByTxnNo(ctx, txnNo)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}

	if txn.Status == model.TxnStatusCompleted {
		return nil, ErrAlreadyCompleted
	}
	if model.IsTerminalStatus(txn.Status) {
		// 已失败/已取消：重复取消是无害的空操作
		return statusResponse(txn, "交易已到达终态"), nil
	}

	message := "交易已取消"
	if txn.ExternalTxnID != "" {
		adapter, ok := s.registry.Get(txn.ProviderCode)
		if !ok {
			return nil, ErrProviderUnavailable
		}
		cancel := adapter.CancelTransaction(ctx, txn.ExternalTxnID)
		message = cancel.Message
		if !cancel.Success {
			log.Printf("[PaymentService] 网关撤单未确认，本地仍标记取消: txnNo=%s, msg=%s", txnNo, cancel.Message)
		}
	}

	applied, err := s.applyStatus(ctx, txn, model.TxnStatusCancelled, nil, "cancel")
	if err != nil {
		return nil, err
	}
	if applied {
		txn.Status = model.TxnStatusCancelled
	}
	return statusResponse(txn, message), nil
}

// ApplyExternalStatus 回调处理器的落库入口
// 按网关交易号定位交易后，与状态查询路径走完全相同的加锁+幂等更新。
func (s *PaymentService) ApplyExternalStatus(ctx context.Context, providerCode, externalTxnID, newStatus, rawCallback string) (bool, *model.PaymentTransaction, error) {
	located, err := s.txnStore.GetByExternalID(ctx, providerCode, externalTxnID)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return false, nil, ErrTransactionNotFound
		}
		return false, nil, err
	}

	release, err := s.locker.LockTxn(ctx, located.TxnNo)
	if err != nil {
		return false, nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer release()

	// 拿到锁后重读，避免用锁前的旧状态做判断
	txn, err := s.txnStore.GetByTxnNo(ctx, located.TxnNo)
	if err != nil {
		return false, nil, err
	}

	extra := map[string]interface{}{}
	if rawCallback != "" {
		extra["callback_data"] = rawCallback
	}

	applied, err := s.applyStatus(ctx, txn, newStatus, extra, "callback")
	if err != nil {
		return false, nil, err
	}
	if applied {
		txn.Status = newStatus
	}
	return applied, txn, nil
}

// applyStatus 幂等状态推进（状态查询 / 回调 / 取消共用）
//
// 只有状态机允许的前向流转才会落库；非法流转记日志后静默忽略。
// 首次流转到 completed 时，下游通知与状态变更写进同一个数据库事务，
// 重放同一个回调不会再次入队任何通知。
func (s *PaymentService) applyStatus(ctx context.Context, txn *model.PaymentTransaction, newStatus string, extra map[string]interface{}, source string) (bool, error) {
	if newStatus == txn.Status {
		return false, nil
	}
	if !model.CanTransitionTo(txn.Status, newStatus) {
		log.Printf("[PaymentService] 非法状态流转被忽略: txnNo=%s, %s -> %s (source=%s)",
			txn.TxnNo, txn.Status, newStatus, source)
		return false, nil
	}

	var outbox []*model.OutboxMessage
	if newStatus == model.TxnStatusCompleted {
		outbox = append(outbox, s.loyaltyMessage(txn), s.promotionMessage(txn))
	}
	outbox = append(outbox, s.notifyMessage(txn, newStatus))

	applied, err := s.txnStore.ApplyTransition(ctx, txn.TxnNo, newStatus, extra, outbox)
	if err != nil {
		return false, fmt.Errorf("更新交易状态失败: %w", err)
	}
	if !applied {
		// 并发下另一条路径抢先推进了状态，条件更新兜底拦下
		log.Printf("[PaymentService] 状态流转未命中（幂等保护）: txnNo=%s, -> %s (source=%s)",
			txn.TxnNo, newStatus, source)
		return false, nil
	}

	log.Printf("[PaymentService] 状态已推进: txnNo=%s, %s -> %s (source=%s)",
		txn.TxnNo, txn.Status, newStatus, source)
	return true, nil
}

// loyaltyMessage 积分入账通知（单向，投递失败不回滚支付）
func (s *PaymentService) loyaltyMessage(txn *model.PaymentTransaction) *model.OutboxMessage {
	payload, _ := json.Marshal(map[string]interface{}{
		"order_no": txn.OrderNo,
		"txn_no":   txn.TxnNo,
		"amount":   txn.Amount,
		"currency": txn.Currency,
	})
	return &model.OutboxMessage{
		MessageKey: txn.OrderNo,
		Topic:      s.cfg.Kafka.Topic.LoyaltyCredit,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
}

// promotionMessage 优惠核销通知
func (s *PaymentService) promotionMessage(txn *model.PaymentTransaction) *model.OutboxMessage {
	payload, _ := json.Marshal(map[string]interface{}{
		"order_no": txn.OrderNo,
		"txn_no":   txn.TxnNo,
	})
	return &model.OutboxMessage{
		MessageKey: txn.OrderNo,
		Topic:      s.cfg.Kafka.Topic.PromotionUsage,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
}

// notifyMessage 用户侧状态变更通知，每次状态推进都发
func (s *PaymentService) notifyMessage(txn *model.PaymentTransaction, newStatus string) *model.OutboxMessage {
	payload, _ := json.Marshal(map[string]interface{}{
		"txn_no":        txn.TxnNo,
		"order_no":      txn.OrderNo,
		"provider_code": txn.ProviderCode,
		"status":        newStatus,
		"amount":        txn.Amount,
		"changed_at":    time.Now().Format(time.RFC3339),
	})
	return &model.OutboxMessage{
		MessageKey: txn.TxnNo,
		Topic:      s.cfg.Kafka.Topic.PaymentNotify,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
}

// GetTransactionHistory 交易历史查询
func (s *PaymentService) GetTransactionHistory(ctx context.Context, filter *model.TransactionFilter) ([]*model.PaymentTransaction, int64, error) {
	return s.txnStore.List(ctx, filter)
}

// GetPaymentStatistics 时间窗聚合统计
func (s *PaymentService) GetPaymentStatistics(ctx context.Context, from, to time.Time) (*model.PaymentStatistics, error) {
	return s.txnStore.Statistics(ctx, from, to)
}

// ListProviders 渠道目录（给面板展示）
func (s *PaymentService) ListProviders() []provider.Metadata {
	return s.registry.List()
}

// StuckProcessing 卡单查询（轮询补偿任务用）
func (s *PaymentService) StuckProcessing(ctx context.Context, beforeTime time.Time, limit int) ([]*model.PaymentTransaction, error) {
	return s.txnStore.StuckProcessing(ctx, beforeTime, limit)
}

func statusResponse(txn *model.PaymentTransaction, message string) *StatusResponse {
	return &StatusResponse{
		TxnNo:         txn.TxnNo,
		OrderNo:       txn.OrderNo,
		ProviderCode:  txn.ProviderCode,
		Status:        txn.Status,
		Amount:        txn.Amount,
		ExternalTxnID: txn.ExternalTxnID,
		Message:       message,
	}
}
