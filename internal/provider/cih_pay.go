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

// CIHPayAdapter CIH Pay 适配器
//
// 接口形态：
//   发起支付   POST {api_url}/transactions
//   状态查询   GET  {api_url}/transactions/{reference}
//   撤单       POST {api_url}/transactions/{reference}/cancel
//
// 原生状态是两位数字码；回调不携带签名（SupportsSignature=false），
// 安全校验器对缺失签名按告警处理而不是硬性拒绝。
// 手机号要求本地格式 0XXXXXXXXX。
type CIHPayAdapter struct {
	cfg    config.ProviderConfig
	client *httpx.Client
}

var cihStatusMap = map[string]string{
	"00": model.TxnStatusCompleted,
	"01": model.TxnStatusPending,
	"02": model.TxnStatusProcessing,
	"09": model.TxnStatusCancelled,
	"99": model.TxnStatusFailed,
}

func NewCIHPayAdapter(cfg config.ProviderConfig, client *httpx.Client) *CIHPayAdapter {
	return &CIHPayAdapter{cfg: cfg, client: client}
}

func (a *CIHPayAdapter) Code() string {
	return CodeCIHPay
}

func (a *CIHPayAdapter) SupportsSignature() bool {
	return false
}

func (a *CIHPayAdapter) headers() map[string]string {
	return map[string]string{
		"X-Api-Key":  a.cfg.APIKey,
		"X-Merchant": a.cfg.MerchantID,
	}
}

type cihResponse struct {
	ResultCode string `json:"result_code"` // "OK" / "KO"
	Reference  string `json:"reference"`
	StatusCode string `json:"status_code"`
	Amount     string `json:"amount"`
	PayURL     string `json:"pay_url"`
	OperatedAt string `json:"operated_at"`
}

func (a *CIHPayAdapter) CreatePaymentRequest(ctx context.Context, req *CreateRequest) *PaymentResult {
	national, ok := NormalizePhone(req.PhoneNumber)
	if !ok {
		return &PaymentResult{
			Success: false,
			Status:  model.TxnStatusFailed,
			Message: "手机号格式不正确",
		}
	}

	payload := map[string]interface{}{
		"merchant":     a.cfg.MerchantID,
		"phone":        FormatLocal(national),
		"amount":       fmt.Sprintf("%.2f", req.Amount),
		"currency":     req.Currency,
		"order_id":     req.OrderNo,
		"reference":    req.TxnNo,
		"description":  req.Description,
		"callback_url": a.cfg.WebhookURL,
		"sandbox":      a.cfg.TestMode,
	}

	result, err := a.client.DoJSON(ctx, http.MethodPost, a.cfg.APIURL+"/transactions", a.headers(), payload)
	if err != nil {
		log.Printf("[CIHPay] 发起支付网络失败: txnNo=%s, err=%v", req.TxnNo, err)
		return &PaymentResult{
			Success: false,
			Status:  model.TxnStatusFailed,
			Message: "支付网关暂时不可用，请稍后重试",
		}
	}

	var resp cihResponse
	if err := json.Unmarshal(result.Body, &resp); err != nil || result.StatusCode >= 300 || resp.ResultCode != "OK" {
		log.Printf("[CIHPay] 发起支付被拒: txnNo=%s, httpStatus=%d, resultCode=%s", req.TxnNo, result.StatusCode, resp.ResultCode)
		return &PaymentResult{
			Success: false,
			Status:  model.TxnStatusFailed,
			Message: "CIH Pay 拒绝了支付请求",
		}
	}

	return &PaymentResult{
		Success:       true,
		ExternalTxnID: resp.Reference,
		Status:        a.MapCallbackStatus(resp.StatusCode),
		Message:       "支付请求已受理",
		RedirectURL:   resp.PayURL,
	}
}

func (a *CIHPayAdapter) CheckPaymentStatus(ctx context.Context, externalTxnID string) *StatusResult {
	url := fmt.Sprintf("%s/transactions/%s", a.cfg.APIURL, externalTxnID)

	result, err := a.client.DoJSON(ctx, http.MethodGet, url, a.headers(), nil)
	if err != nil {
		log.Printf("[CIHPay] 状态查询网络失败: externalTxnID=%s, err=%v", externalTxnID, err)
		return &StatusResult{
			Success: false,
			Status:  model.TxnStatusPending,
			Message: "状态查询失败，请稍后重试",
		}
	}

	var resp cihResponse
	if err := json.Unmarshal(result.Body, &resp); err != nil || result.StatusCode >= 300 {
		return &StatusResult{
			Success: false,
			Status:  model.TxnStatusPending,
			Message: "网关返回异常应答",
		}
	}

	sr := &StatusResult{
		Success: true,
		Status:  a.MapCallbackStatus(resp.StatusCode),
		Message: "查询成功",
	}
	if amount, ok := parseAmount(resp.Amount); ok {
		sr.Amount = amount
	}
	if resp.OperatedAt != "" {
		if t, err := time.Parse(time.RFC3339, resp.OperatedAt); err == nil {
			sr.TransactionDate = &t
		}
	}
	return sr
}

func (a *CIHPayAdapter) CancelTransaction(ctx context.Context, externalTxnID string) *CancellationResult {
	url := fmt.Sprintf("%s/transactions/%s/cancel", a.cfg.APIURL, externalTxnID)

	result, err := a.client.DoJSON(ctx, http.MethodPost, url, a.headers(), nil)
	if err != nil {
		log.Printf("[CIHPay] 撤单网络失败: externalTxnID=%s, err=%v", externalTxnID, err)
		return &CancellationResult{Success: false, Message: "撤单请求发送失败"}
	}
	if result.StatusCode >= 300 {
		return &CancellationResult{Success: false, Message: "CIH Pay 拒绝了撤单请求"}
	}
	return &CancellationResult{Success: true, Message: "网关撤单成功"}
}

func (a *CIHPayAdapter) ValidateCallbackData(payload map[string]interface{}) *CallbackValidation {
	v := &CallbackValidation{}

	// CIH 回调里网关侧交易号字段名是 reference
	txnID := stringField(payload, "reference")
	if txnID == "" {
		txnID = stringField(payload, "transaction_id")
	}
	if txnID == "" {
		v.Errors = append(v.Errors, "缺少 reference 字段")
	}

	status := stringField(payload, "status")
	if status == "" {
		status = stringField(payload, "status_code")
	}
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

// VerifySignature CIH 回调不带签名，恒通过；安全校验器按"缺失签名"告警
func (a *CIHPayAdapter) VerifySignature(payload map[string]interface{}, signature string) bool {
	return true
}

func (a *CIHPayAdapter) MapCallbackStatus(nativeStatus string) string {
	if status, ok := cihStatusMap[nativeStatus]; ok {
		return status
	}
	return model.TxnStatusPending
}

func (a *CIHPayAdapter) RecognizesStatus(nativeStatus string) bool {
	_, ok := cihStatusMap[nativeStatus]
	return ok
}
