package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"foodpay/internal/config"
	"foodpay/internal/model"
	"foodpay/pkg/httpx"
)

// InwiMoneyAdapter inwi money 适配器
//
// 接口形态：
//   发起支付   POST {api_url}/payment/init
//   状态查询   POST {api_url}/payment/status
// 鉴权走 X-API-Key 头；手机号要求国家码不带加号（212XXXXXXXXX）。
//
// 【已知语义缺口】inwi money 没有真正的网关侧撤单接口。
// CancelTransaction 返回 Success=true 并附说明，网关侧实际状态不保证，
// 本地 cancelled 状态以编排器为准。这是有意保留的上游行为，勿擅自"修复"。
type InwiMoneyAdapter struct {
	cfg    config.ProviderConfig
	client *httpx.Client
}

// inwiStatusMap inwi money 两字母状态码映射表
var inwiStatusMap = map[string]string{
	"TA": model.TxnStatusPending,    // 已受理
	"TP": model.TxnStatusProcessing, // 等待用户确认
	"TS": model.TxnStatusCompleted,  // 成功
	"TF": model.TxnStatusFailed,     // 失败
	"TC": model.TxnStatusCancelled,  // 已取消
}

func NewInwiMoneyAdapter(cfg config.ProviderConfig, client *httpx.Client) *InwiMoneyAdapter {
	return &InwiMoneyAdapter{cfg: cfg, client: client}
}

func (a *InwiMoneyAdapter) Code() string {
	return CodeInwiMoney
}

func (a *InwiMoneyAdapter) SupportsSignature() bool {
	return true
}

func (a *InwiMoneyAdapter) headers() map[string]string {
	h := map[string]string{
		"X-API-Key":     a.cfg.APIKey,
		"X-Merchant-Id": a.cfg.MerchantID,
	}
	if a.cfg.TestMode {
		h["X-Environment"] = "sandbox"
	}
	return h
}

type inwiResponse struct {
	Code          string  `json:"code"` // "000" 表示受理成功
	TransactionID string  `json:"transaction_id"`
	State         string  `json:"state"`
	Amount        float64 `json:"amount"`
	Label         string  `json:"label"`
}

func (a *InwiMoneyAdapter) CreatePaymentRequest(ctx context.Context, req *CreateRequest) *PaymentResult {
	national, ok := NormalizePhone(req.PhoneNumber)
	if !ok {
		return &PaymentResult{
			Success: false,
			Status:  model.TxnStatusFailed,
			Message: "手机号格式不正确",
		}
	}

	payload := map[string]interface{}{
		"merchant":    a.cfg.MerchantID,
		"msisdn":      FormatCountry(national),
		"amount":      fmt.Sprintf("%.2f", req.Amount),
		"currency":    req.Currency,
		"external_id": req.TxnNo,
		"order_ref":   req.OrderNo,
		"label":       req.Description,
		"notify_url":  a.cfg.WebhookURL,
	}

	result, err := a.client.DoJSON(ctx, http.MethodPost, a.cfg.APIURL+"/payment/init", a.headers(), payload)
	if err != nil {
		log.Printf("[InwiMoney] 发起支付网络失败: txnNo=%s, err=%v", req.TxnNo, err)
		return &PaymentResult{
			Success: false,
			Status:  model.TxnStatusFailed,
			Message: "支付网关暂时不可用，请稍后重试",
		}
	}

	var resp inwiResponse
	if err := json.Unmarshal(result.Body, &resp); err != nil || result.StatusCode >= 300 || resp.Code != "000" {
		log.Printf("[InwiMoney] 发起支付被拒: txnNo=%s, httpStatus=%d, code=%s", req.TxnNo, result.StatusCode, resp.Code)
		return &PaymentResult{
			Success: false,
			Status:  model.TxnStatusFailed,
			Message: "inwi money 拒绝了支付请求",
		}
	}

	return &PaymentResult{
		Success:       true,
		ExternalTxnID: resp.TransactionID,
		Status:        a.MapCallbackStatus(resp.State),
		Message:       "支付请求已受理，等待用户在手机上确认",
	}
}

func (a *InwiMoneyAdapter) CheckPaymentStatus(ctx context.Context, externalTxnID string) *StatusResult {
	payload := map[string]interface{}{
		"merchant":       a.cfg.MerchantID,
		"transaction_id": externalTxnID,
	}

	result, err := a.client.DoJSON(ctx, http.MethodPost, a.cfg.APIURL+"/payment/status", a.headers(), payload)
	if err != nil {
		log.Printf("[InwiMoney] 状态查询网络失败: externalTxnID=%s, err=%v", externalTxnID, err)
		return &StatusResult{
			Success: false,
			Status:  model.TxnStatusPending,
			Message: "状态查询失败，请稍后重试",
		}
	}

	var resp inwiResponse
	if err := json.Unmarshal(result.Body, &resp); err != nil || result.StatusCode >= 300 {
		return &StatusResult{
			Success: false,
			Status:  model.TxnStatusPending,
			Message: "网关返回异常应答",
		}
	}

	return &StatusResult{
		Success: true,
		Status:  a.MapCallbackStatus(resp.State),
		Message: "查询成功",
		Amount:  resp.Amount,
	}
}

// CancelTransaction inwi money 无网关侧撤单能力
// 恒返回成功并说明情况，实际的 cancelled 状态由编排器在本地落库
func (a *InwiMoneyAdapter) CancelTransaction(ctx context.Context, externalTxnID string) *CancellationResult {
	return &CancellationResult{
		Success: true,
		Message: "inwi money 不支持网关侧撤单，交易已在本地标记取消",
	}
}

func (a *InwiMoneyAdapter) ValidateCallbackData(payload map[string]interface{}) *CallbackValidation {
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

func (a *InwiMoneyAdapter) VerifySignature(payload map[string]interface{}, signature string) bool {
	return verifyHMACSignature(a.cfg.SecretKey, payload, signature)
}

func (a *InwiMoneyAdapter) MapCallbackStatus(nativeStatus string) string {
	if status, ok := inwiStatusMap[nativeStatus]; ok {
		return status
	}
	return model.TxnStatusPending
}

func (a *InwiMoneyAdapter) RecognizesStatus(nativeStatus string) bool {
	_, ok := inwiStatusMap[nativeStatus]
	return ok
}
