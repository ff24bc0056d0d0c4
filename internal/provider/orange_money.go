package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"foodpay/internal/config"
	"foodpay/internal/model"
	"foodpay/pkg/httpx"
)

// ============================================================================
// Orange Money 适配器
// ============================================================================
//
// 接口形态：
//   发起支付   POST   {api_url}/api/v1/payments
//   状态查询   GET    {api_url}/api/v1/payments/{pay_token}
//   撤单       DELETE {api_url}/api/v1/payments/{pay_token}
//
// 鉴权：Authorization: Bearer {api_key}；测试环境附加 X-Test-Mode 头。
// 手机号：国际格式 +212XXXXXXXXX。
// 回调签名：HMAC-SHA256，见 computeSignature。
//
// ============================================================================

// orangeStatusMap Orange Money 原生状态映射表
// 未收录的状态一律按 pending 处理（保守缺省）
var orangeStatusMap = map[string]string{
	"INITIATED": model.TxnStatusPending,
	"PENDING":   model.TxnStatusPending,
	"SUCCESS":   model.TxnStatusCompleted,
	"FAILED":    model.TxnStatusFailed,
	"EXPIRED":   model.TxnStatusFailed,
	"CANCELLED": model.TxnStatusCancelled,
}

type OrangeMoneyAdapter struct {
	cfg    config.ProviderConfig
	client *httpx.Client
}

func NewOrangeMoneyAdapter(cfg config.ProviderConfig, client *httpx.Client) *OrangeMoneyAdapter {
	return &OrangeMoneyAdapter{cfg: cfg, client: client}
}

func (a *OrangeMoneyAdapter) Code() string {
	return CodeOrangeMoney
}

func (a *OrangeMoneyAdapter) SupportsSignature() bool {
	return true
}

func (a *OrangeMoneyAdapter) headers() map[string]string {
	h := map[string]string{
		"Authorization": "Bearer " + a.cfg.APIKey,
	}
	if a.cfg.TestMode {
		h["X-Test-Mode"] = "true"
	}
	return h
}

// orangeCreateResponse 发起支付的应答报文
type orangeCreateResponse struct {
	Status     string `json:"status"`
	PayToken   string `json:"pay_token"`
	PaymentURL string `json:"payment_url"`
	Message    string `json:"message"`
}

func (a *OrangeMoneyAdapter) CreatePaymentRequest(ctx context.Context, req *CreateRequest) *PaymentResult {
	national, ok := NormalizePhone(req.PhoneNumber)
	if !ok {
		// 本地拦截，不发起网络调用
		return &PaymentResult{
			Success: false,
			Status:  model.TxnStatusFailed,
			Message: "手机号格式不正确",
		}
	}

	payload := map[string]interface{}{
		"merchant_id":     a.cfg.MerchantID,
		"amount":          fmt.Sprintf("%.2f", req.Amount),
		"currency":        req.Currency,
		"customer_msisdn": FormatIntl(national),
		"customer_name":   req.CustomerName,
		"order_id":        req.OrderNo,
		"reference":       req.TxnNo,
		"description":     req.Description,
		"notif_url":       a.cfg.WebhookURL,
	}

	result, err := a.client.DoJSON(ctx, http.MethodPost, a.cfg.APIURL+"/api/v1/payments", a.headers(), payload)
	if err != nil {
		log.Printf("[OrangeMoney] 发起支付网络失败: txnNo=%s, err=%v", req.TxnNo, err)
		return &PaymentResult{
			Success: false,
			Status:  model.TxnStatusFailed,
			Message: "支付网关暂时不可用，请稍后重试",
		}
	}

	var resp orangeCreateResponse
	if err := json.Unmarshal(result.Body, &resp); err != nil || result.StatusCode >= 300 {
		log.Printf("[OrangeMoney] 发起支付被拒: txnNo=%s, httpStatus=%d, body=%s", req.TxnNo, result.StatusCode, string(result.Body))
		return &PaymentResult{
			Success: false,
			Status:  model.TxnStatusFailed,
			Message: "Orange Money 拒绝了支付请求",
		}
	}

	return &PaymentResult{
		Success:       true,
		ExternalTxnID: resp.PayToken,
		Status:        a.MapCallbackStatus(resp.Status),
		Message:       "支付请求已受理，等待用户确认",
		RedirectURL:   resp.PaymentURL,
	}
}

// orangeStatusResponse 状态查询的应答报文
type orangeStatusResponse struct {
	Status          string `json:"status"`
	Amount          string `json:"amount"`
	TransactionDate string `json:"transaction_date"`
	Message         string `json:"message"`
}

func (a *OrangeMoneyAdapter) CheckPaymentStatus(ctx context.Context, externalTxnID string) *StatusResult {
	url := fmt.Sprintf("%s/api/v1/payments/%s", a.cfg.APIURL, externalTxnID)

	result, err := a.client.DoJSON(ctx, http.MethodGet, url, a.headers(), nil)
	if err != nil {
		log.Printf("[OrangeMoney] 状态查询网络失败: externalTxnID=%s, err=%v", externalTxnID, err)
		return &StatusResult{
			Success: false,
			Status:  model.TxnStatusPending,
			Message: "状态查询失败，请稍后重试",
		}
	}

	var resp orangeStatusResponse
	if err := json.Unmarshal(result.Body, &resp); err != nil || result.StatusCode >= 300 {
		log.Printf("[OrangeMoney] 状态查询异常应答: externalTxnID=%s, httpStatus=%d", externalTxnID, result.StatusCode)
		return &StatusResult{
			Success: false,
			Status:  model.TxnStatusPending,
			Message: "网关返回异常应答",
		}
	}

	sr := &StatusResult{
		Success: true,
		Status:  a.MapCallbackStatus(resp.Status),
		Message: "查询成功",
	}
	if amount, ok := parseAmount(resp.Amount); ok {
		sr.Amount = amount
	}
	if resp.TransactionDate != "" {
		if t, err := time.Parse(time.RFC3339, resp.TransactionDate); err == nil {
			sr.TransactionDate = &t
		}
	}
	return sr
}

func (a *OrangeMoneyAdapter) CancelTransaction(ctx context.Context, externalTxnID string) *CancellationResult {
	url := fmt.Sprintf("%s/api/v1/payments/%s", a.cfg.APIURL, externalTxnID)

	result, err := a.client.DoJSON(ctx, http.MethodDelete, url, a.headers(), nil)
	if err != nil {
		log.Printf("[OrangeMoney] 撤单网络失败: externalTxnID=%s, err=%v", externalTxnID, err)
		return &CancellationResult{Success: false, Message: "撤单请求发送失败"}
	}
	if result.StatusCode >= 300 {
		return &CancellationResult{Success: false, Message: "Orange Money 拒绝了撤单请求"}
	}
	return &CancellationResult{Success: true, Message: "网关撤单成功"}
}

func (a *OrangeMoneyAdapter) ValidateCallbackData(payload map[string]interface{}) *CallbackValidation {
	v := &CallbackValidation{}

	txnID := stringField(payload, "transaction_id")
	if txnID == "" {
		v.Errors = append(v.Errors, "缺少 transaction_id 字段")
	}

	status := stringField(payload, "status")
	if status == "" {
		v.Errors = append(v.Errors, "缺少 status 字段")
	}

	if stringField(payload, "merchant_id") != a.cfg.MerchantID {
		v.Errors = append(v.Errors, "商户标识不匹配")
	}

	rawAmount, hasAmount := payload["amount"]
	if !hasAmount {
		v.Errors = append(v.Errors, "缺少 amount 字段")
	} else if amount, ok := parseAmount(rawAmount); !ok {
		v.Errors = append(v.Errors, "amount 字段无法解析")
	} else {
		v.Amount = amount
	}

	v.IsValid = len(v.Errors) == 0
	v.ExternalTxnID = txnID
	v.Status = status
	return v
}

func (a *OrangeMoneyAdapter) VerifySignature(payload map[string]interface{}, signature string) bool {
	return verifyHMACSignature(a.cfg.SecretKey, payload, signature)
}

func (a *OrangeMoneyAdapter) MapCallbackStatus(nativeStatus string) string {
	if status, ok := orangeStatusMap[nativeStatus]; ok {
		return status
	}
	return model.TxnStatusPending
}

func (a *OrangeMoneyAdapter) RecognizesStatus(nativeStatus string) bool {
	_, ok := orangeStatusMap[nativeStatus]
	return ok
}
