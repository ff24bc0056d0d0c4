package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// ============================================================================
// 支付网关适配器契约
// ============================================================================
//
// 每个移动支付网关实现一份 Adapter。适配器封装该网关的 HTTP 报文格式、
// 签名方式和手机号格式，把网关原生状态词汇映射成内部状态机状态。
//
// 【边界约定】
//   1. 适配器层的失败一律以 Success=false + 可读 Message 返回，绝不向上抛错。
//      原始网关报错不直接透给终端用户。
//   2. 手机号格式错误必须在本地拦截，不发起任何网络调用。
//   3. 未识别的网关原生状态一律映射为 pending（保守缺省，绝不静默当作成功）。
//   4. 网络调用统一走 pkg/httpx：有界超时 + 固定重试预算 + 指数退避，
//      只重试传输层失败。
//
// ============================================================================

// 渠道编码常量，配置和路由都以此为准
const (
	CodeOrangeMoney = "orange_money"
	CodeInwiMoney   = "inwi_money"
	CodeCIHPay      = "cih_pay"
)

// CreateRequest 发起支付的入参
type CreateRequest struct {
	TxnNo        string  // 平台交易号
	OrderNo      string  // 订单号
	Amount       float64 // 支付金额
	Currency     string
	PhoneNumber  string
	CustomerName string
	Description  string
}

// PaymentResult 发起支付的结果
type PaymentResult struct {
	Success       bool   `json:"success"`
	ExternalTxnID string `json:"external_txn_id,omitempty"` // 网关侧交易号
	Status        string `json:"status"`                    // 内部状态机状态
	Message       string `json:"message"`
	RedirectURL   string `json:"redirect_url,omitempty"` // 需要用户跳转确认时返回
	CallbackData  string `json:"callback_data,omitempty"`
}

// StatusResult 状态查询结果
type StatusResult struct {
	Success         bool       `json:"success"`
	Status          string     `json:"status"` // 内部状态机状态
	Message         string     `json:"message"`
	Amount          float64    `json:"amount,omitempty"`
	TransactionDate *time.Time `json:"transaction_date,omitempty"`
}

// CancellationResult 撤单结果
type CancellationResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// CallbackValidation 回调结构校验结果
// 只做结构层面的检查（必填字段、商户匹配、金额可解析），
// 签名和时间戳的安全校验由 security.Validator 负责。
type CallbackValidation struct {
	IsValid       bool     `json:"is_valid"`
	ExternalTxnID string   `json:"external_txn_id,omitempty"`
	Status        string   `json:"status,omitempty"` // 网关原生状态
	Amount        float64  `json:"amount,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

// Adapter 网关适配器统一契约
type Adapter interface {
	// Code 渠道编码
	Code() string

	// SupportsSignature 该网关的回调是否携带可验证签名
	SupportsSignature() bool

	// CreatePaymentRequest 向网关发起支付
	CreatePaymentRequest(ctx context.Context, req *CreateRequest) *PaymentResult

	// CheckPaymentStatus 按网关侧交易号查询支付状态
	CheckPaymentStatus(ctx context.Context, externalTxnID string) *StatusResult

	// CancelTransaction 请求网关撤单（尽力而为，本地状态以编排器为准）
	CancelTransaction(ctx context.Context, externalTxnID string) *CancellationResult

	// ValidateCallbackData 结构校验回调报文
	ValidateCallbackData(payload map[string]interface{}) *CallbackValidation

	// VerifySignature 校验回调签名；不支持签名的网关恒返回 true
	VerifySignature(payload map[string]interface{}, signature string) bool

	// MapCallbackStatus 网关原生状态 -> 内部状态机状态
	MapCallbackStatus(nativeStatus string) string

	// RecognizesStatus 原生状态词是否在该网关的已知词汇表内
	// （未识别的词会被安全校验器标记为告警，映射时保守按 pending 处理）
	RecognizesStatus(nativeStatus string) bool
}

// ============================================================================
// 适配器公共工具
// ============================================================================

// parseAmount 解析回调中的金额字段，兼容数字和数字字符串两种形式
func parseAmount(v interface{}) (float64, bool) {
	switch a := v.(type) {
	case float64:
		return a, true
	case int64:
		return float64(a), true
	case int:
		return float64(a), true
	case string:
		f, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// stringField 读取回调中的字符串字段，数字自动转成字符串
func stringField(payload map[string]interface{}, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", s)
	}
}

// computeSignature 回调签名算法
// HMAC-SHA256(merchant_id|transaction_id|amount|timestamp)，十六进制小写。
// Orange Money 和 inwi money 的商户通知都采用这套签名。
func computeSignature(secret string, payload map[string]interface{}) string {
	base := fmt.Sprintf("%s|%s|%s|%s",
		stringField(payload, "merchant_id"),
		stringField(payload, "transaction_id"),
		stringField(payload, "amount"),
		stringField(payload, "timestamp"),
	)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyHMACSignature 常数时间比较签名
func verifyHMACSignature(secret string, payload map[string]interface{}, signature string) bool {
	expected := computeSignature(secret, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}
