package handler

import (
	"errors"
	"time"

	"foodpay/internal/config"
	"foodpay/internal/infrastructure/lock"
	"foodpay/internal/model"
	"foodpay/internal/provider"
	"foodpay/internal/repository"
	"foodpay/internal/security"
	"foodpay/internal/service"
	"foodpay/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	paymentService  *service.PaymentService
	callbackService *service.CallbackService
	validator       *security.Validator
}

// NewHandler 创建处理器实例
// 注册表和校验器在这里组装后注入编排器，不走全局单例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *Handler {
	txnRepo := repository.NewTransactionRepository(db)
	orderRepo := repository.NewOrderRepository(db)

	registry := provider.BuildRegistry(cfg.Providers)
	audit := security.NewAuditTrail(cfg.Security.AuditCapacity)
	validator := security.NewValidator(cfg.Security, txnRepo, audit)
	locker := lock.NewRedisTxnLocker(rdb)

	paymentService := service.NewPaymentService(txnRepo, orderRepo, registry, validator, locker, cfg)
	callbackService := service.NewCallbackService(paymentService, validator)

	return &Handler{
		paymentService:  paymentService,
		callbackService: callbackService,
		validator:       validator,
	}
}

// PaymentService 暴露编排器给后台任务复用
func (h *Handler) PaymentService() *service.PaymentService {
	return h.paymentService
}

// ============================================================
// 支付相关接口
// ============================================================

// CreatePayment 发起支付
// POST /api/v1/payment/create
//
// 【关键点】发起支付的完整链路：
// 1. 订单存在性校验
// 2. 渠道可用性校验
// 3. 风控预检（高风险直接拒绝，不落库）
// 4. 落库 pending -> 调用网关 -> processing / failed
func (h *Handler) CreatePayment(c *gin.Context) {
	var req service.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	req.ClientIP = c.ClientIP()
	req.UserAgent = c.Request.UserAgent()

	result, err := h.paymentService.CreatePayment(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, result)
}

// GetPaymentStatus 查询并推进支付状态
// GET /api/v1/payment/status?txn_no=xxx
func (h *Handler) GetPaymentStatus(c *gin.Context) {
	txnNo := c.Query("txn_no")
	if txnNo == "" {
		response.ParamError(c, "txn_no 参数不能为空")
		return
	}

	result, err := h.paymentService.CheckPaymentStatus(c.Request.Context(), txnNo)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, result)
}

// CancelPayment 取消支付
// POST /api/v1/payment/cancel
func (h *Handler) CancelPayment(c *gin.Context) {
	var req struct {
		TxnNo string `json:"txn_no" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.paymentService.CancelTransaction(c.Request.Context(), req.TxnNo)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, result)
}

// ListTransactions 交易历史查询
// GET /api/v1/payment/history?order_no=&provider_code=&status=&phone=&start=&end=&page=1&page_size=20
func (h *Handler) ListTransactions(c *gin.Context) {
	filter := &model.TransactionFilter{
		OrderNo:      c.Query("order_no"),
		ProviderCode: c.Query("provider_code"),
		Status:       c.Query("status"),
		PhoneNumber:  c.Query("phone"),
		Page:         atoiDefault(c.DefaultQuery("page", "1"), 1),
		PageSize:     atoiDefault(c.DefaultQuery("page_size", "20"), 20),
	}

	if start := c.Query("start"); start != "" {
		if t, err := time.Parse(time.RFC3339, start); err == nil {
			filter.StartTime = &t
		}
	}
	if end := c.Query("end"); end != "" {
		if t, err := time.Parse(time.RFC3339, end); err == nil {
			filter.EndTime = &t
		}
	}

	txns, total, err := h.paymentService.GetTransactionHistory(c.Request.Context(), filter)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":      txns,
		"total":     total,
		"page":      filter.Page,
		"page_size": filter.PageSize,
	})
}

// GetStatistics 支付聚合统计
// GET /api/v1/payment/statistics?start=&end=
func (h *Handler) GetStatistics(c *gin.Context) {
	// 缺省统计最近 24 小时
	end := time.Now()
	start := end.Add(-24 * time.Hour)

	if s := c.Query("start"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			start = t
		}
	}
	if e := c.Query("end"); e != "" {
		if t, err := time.Parse(time.RFC3339, e); err == nil {
			end = t
		}
	}

	stats, err := h.paymentService.GetPaymentStatistics(c.Request.Context(), start, end)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, stats)
}

// ============================================================
// 回调接口（网关侧主动推送，不鉴权，靠签名+幂等兜底）
// ============================================================

// HandleCallback 网关回调入口
// POST /api/v1/payment/callback/:provider
func (h *Handler) HandleCallback(c *gin.Context) {
	providerCode := c.Param("provider")

	var payload map[string]interface{}
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.ParamError(c, "回调报文不是合法 JSON")
		return
	}

	// 签名优先取报文字段，其次取请求头
	signature, _ := payload["signature"].(string)
	if signature == "" {
		signature = c.GetHeader("X-Signature")
	}

	result, err := h.callbackService.ProcessCallback(
		c.Request.Context(),
		providerCode,
		payload,
		signature,
		c.ClientIP(),
		c.Request.UserAgent(),
	)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, result)
}

// ============================================================
// 渠道与安全面板接口
// ============================================================

// ListProviders 渠道目录
// GET /api/v1/provider/list
func (h *Handler) ListProviders(c *gin.Context) {
	response.Success(c, gin.H{
		"list": h.paymentService.ListProviders(),
	})
}

// ListAuditEntries 近期安全审计记录
// GET /api/v1/security/audit
func (h *Handler) ListAuditEntries(c *gin.Context) {
	entries := h.validator.Audit().Entries()
	response.Success(c, gin.H{
		"list":  entries,
		"total": len(entries),
	})
}

// writeError 把服务层的哨兵错误映射为业务错误码
func (h *Handler) writeError(c *gin.Context, err error) {
	var vErr *service.ValidationError

	switch {
	case errors.Is(err, service.ErrOrderNotFound):
		response.BusinessError(c, response.CodeOrderNotFound, err.Error())
	case errors.Is(err, service.ErrProviderUnavailable):
		response.BusinessError(c, response.CodeProviderUnavailable, err.Error())
	case errors.Is(err, service.ErrFraudRejected):
		response.BusinessError(c, response.CodeFraudRejected, err.Error())
	case errors.Is(err, service.ErrTransactionNotFound):
		response.BusinessError(c, response.CodeTransactionNotFound, err.Error())
	case errors.Is(err, service.ErrAlreadyCompleted):
		response.BusinessError(c, response.CodeAlreadyCompleted, err.Error())
	case errors.Is(err, service.ErrInvalidCallback):
		response.BusinessError(c, response.CodeInvalidCallback, err.Error())
	case errors.As(err, &vErr):
		response.ParamError(c, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}

func atoiDefault(s string, def int) int {
	n := 0
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return def
		}
		n = n*10 + int(ch-'0')
	}
	if n == 0 {
		return def
	}
	return n
}
