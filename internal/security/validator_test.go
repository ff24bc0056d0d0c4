package security

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"foodpay/internal/config"
	"foodpay/internal/model"
	"foodpay/internal/provider"
	"foodpay/pkg/httpx"
)

// fakeRecentSource 固定返回一组近期交易，替代真实仓储
type fakeRecentSource struct {
	txns []*model.PaymentTransaction
	err  error
}

func (f *fakeRecentSource) RecentByPhone(ctx context.Context, phone string, since time.Time) ([]*model.PaymentTransaction, error) {
	return f.txns, f.err
}

func testSecurityConfig() config.SecurityConfig {
	return config.SecurityConfig{
		FraudDetectionEnabled: true,
		HighValueThreshold:    10000,
		HighRiskScore:         60,
		FraudWindowMinutes:    10,
		FraudFrequencyLimit:   5,
		CallbackMaxAgeMinutes: 5,
		AuditCapacity:         100,
		BusinessHourStart:     6,
		BusinessHourEnd:       23,
	}
}

func newTestValidator(cfg config.SecurityConfig, recent *fakeRecentSource) *Validator {
	if recent == nil {
		recent = &fakeRecentSource{}
	}
	v := NewValidator(cfg, recent, NewAuditTrail(cfg.AuditCapacity))
	// 固定在营业时段正中，避免测试跑在深夜时误报
	v.SetClock(func() time.Time {
		return time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	})
	return v
}

func cleanPaymentCheck() *PaymentCheck {
	return &PaymentCheck{
		OrderNo:      "ORD-1001",
		Amount:       120.50,
		Currency:     "MAD",
		ProviderCode: provider.CodeOrangeMoney,
		PhoneNumber:  "0661234568",
		CustomerName: "Fatima Zahra",
	}
}

func TestValidatePaymentRequestClean(t *testing.T) {
	v := newTestValidator(testSecurityConfig(), nil)

	result := v.ValidatePaymentRequest(context.Background(), cleanPaymentCheck(), "10.0.0.1", "food-app/3.2")

	require.True(t, result.IsValid)
	require.Empty(t, result.Errors)
	require.Empty(t, result.Warnings)
	require.Equal(t, 0, result.RiskScore)
	require.NotNil(t, result.Fraud)
	require.False(t, result.Fraud.IsHighRisk)

	// 每次预检都要落审计
	entries := v.Audit().Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "payment_request_check", entries[0].Action)
	require.Equal(t, AuditStatusSuccess, entries[0].Status)
	require.Equal(t, "10.0.0.1", entries[0].IPAddress)
}

func TestValidatePaymentRequestMissingFields(t *testing.T) {
	v := newTestValidator(testSecurityConfig(), nil)

	result := v.ValidatePaymentRequest(context.Background(), &PaymentCheck{
		Amount: -5,
	}, "10.0.0.1", "")

	require.False(t, result.IsValid)
	// 缺订单号、金额非正、缺渠道、手机号非法
	require.Len(t, result.Errors, 4)
	// 25+30+20+25 = 100，正好打满
	require.Equal(t, 100, result.RiskScore)

	entries := v.Audit().Entries()
	require.Len(t, entries, 1)
	require.Equal(t, AuditStatusFailure, entries[0].Status)
}

func TestValidatePaymentRequestPhoneFormats(t *testing.T) {
	v := newTestValidator(testSecurityConfig(), nil)

	for _, phone := range []string{"+212661234568", "0661234568", "212661234568"} {
		check := cleanPaymentCheck()
		check.PhoneNumber = phone
		result := v.ValidatePaymentRequest(context.Background(), check, "", "")
		require.True(t, result.IsValid, "phone=%s", phone)
		require.Empty(t, result.Errors, "phone=%s", phone)
	}

	for _, phone := range []string{"123456789", "+33123456789", "+21266123456"} {
		check := cleanPaymentCheck()
		check.PhoneNumber = phone
		result := v.ValidatePaymentRequest(context.Background(), check, "", "")
		require.False(t, result.IsValid, "phone=%s", phone)
		require.Contains(t, result.Errors, "手机号格式不正确")
	}
}

func TestValidatePaymentRequestDegeneratePhone(t *testing.T) {
	v := newTestValidator(testSecurityConfig(), nil)

	// 结构合法但全部同一数字：告警不拒绝
	check := cleanPaymentCheck()
	check.PhoneNumber = "0666666666"
	result := v.ValidatePaymentRequest(context.Background(), check, "", "")
	require.True(t, result.IsValid)
	require.Contains(t, result.Warnings, "手机号模式可疑")
	require.Equal(t, weightSuspiciousPhone, result.RiskScore)

	// 尾部连续递增同样可疑
	check = cleanPaymentCheck()
	check.PhoneNumber = "0661234567"
	result = v.ValidatePaymentRequest(context.Background(), check, "", "")
	require.True(t, result.IsValid)
	require.Contains(t, result.Warnings, "手机号模式可疑")
}

func TestValidatePaymentRequestHighValue(t *testing.T) {
	v := newTestValidator(testSecurityConfig(), nil)

	check := cleanPaymentCheck()
	check.Amount = 15000
	result := v.ValidatePaymentRequest(context.Background(), check, "", "")

	require.True(t, result.IsValid)
	require.Len(t, result.Warnings, 1)
	require.Equal(t, weightHighValue, result.RiskScore)

	entries := v.Audit().Entries()
	require.Equal(t, AuditStatusWarning, entries[0].Status)
}

func TestValidatePaymentRequestSuspiciousName(t *testing.T) {
	v := newTestValidator(testSecurityConfig(), nil)

	check := cleanPaymentCheck()
	check.CustomerName = "Bob<script>"
	result := v.ValidatePaymentRequest(context.Background(), check, "", "")

	require.True(t, result.IsValid)
	require.Contains(t, result.Warnings, "客户姓名包含可疑字符")
}

func TestValidatePaymentRequestOffHours(t *testing.T) {
	v := newTestValidator(testSecurityConfig(), nil)
	v.SetClock(func() time.Time {
		return time.Date(2026, 3, 5, 3, 0, 0, 0, time.UTC)
	})

	result := v.ValidatePaymentRequest(context.Background(), cleanPaymentCheck(), "", "")

	require.True(t, result.IsValid)
	require.Contains(t, result.Warnings, "非营业时段交易")
	// 告警 +10，欺诈时段信号 +5
	require.Equal(t, weightOffHours+weightFraudTemporal, result.RiskScore)
}

func TestDetectFraudFrequencyAndRepetition(t *testing.T) {
	// 同一号码 10 分钟内 5 笔近似金额交易
	recent := &fakeRecentSource{}
	for i := 0; i < 5; i++ {
		recent.txns = append(recent.txns, &model.PaymentTransaction{
			PhoneNumber: "0661234568",
			Amount:      120.50,
		})
	}

	v := newTestValidator(testSecurityConfig(), recent)
	result := v.ValidatePaymentRequest(context.Background(), cleanPaymentCheck(), "", "")

	require.NotNil(t, result.Fraud)
	// 频次 +30、金额重复 +25 = 55，营业时段内不足 60，不触发高风险
	require.Equal(t, weightFraudFrequency+weightFraudRepetition, result.Fraud.RiskScore)
	require.False(t, result.Fraud.IsHighRisk)
	require.Len(t, result.Fraud.Factors, 2)
	require.NotEmpty(t, result.Fraud.Recommendations)

	// 同样的信号出现在深夜：+5 越过阈值，判定高风险
	v.SetClock(func() time.Time {
		return time.Date(2026, 3, 5, 2, 0, 0, 0, time.UTC)
	})
	result = v.ValidatePaymentRequest(context.Background(), cleanPaymentCheck(), "", "")
	require.True(t, result.Fraud.IsHighRisk)
	require.GreaterOrEqual(t, result.Fraud.RiskScore, 60)
}

func TestDetectFraudQueryFailureDegradesGracefully(t *testing.T) {
	recent := &fakeRecentSource{err: errors.New("db down")}
	v := newTestValidator(testSecurityConfig(), recent)

	// 频次查询失败不阻断支付
	result := v.ValidatePaymentRequest(context.Background(), cleanPaymentCheck(), "", "")
	require.True(t, result.IsValid)
	require.False(t, result.Fraud.IsHighRisk)
	require.Equal(t, 0, result.Fraud.RiskScore)
}

func TestDetectFraudDisabled(t *testing.T) {
	cfg := testSecurityConfig()
	cfg.FraudDetectionEnabled = false

	recent := &fakeRecentSource{}
	for i := 0; i < 10; i++ {
		recent.txns = append(recent.txns, &model.PaymentTransaction{Amount: 120.50})
	}

	v := newTestValidator(cfg, recent)
	result := v.ValidatePaymentRequest(context.Background(), cleanPaymentCheck(), "", "")

	require.True(t, result.IsValid)
	require.Nil(t, result.Fraud)
}

// ----------------------------------------------------------------------------
// 回调安全校验
// ----------------------------------------------------------------------------

func signedOrangeAdapter() provider.Adapter {
	return provider.NewOrangeMoneyAdapter(config.ProviderConfig{
		Code:       provider.CodeOrangeMoney,
		MerchantID: "MERCHANT-001",
		SecretKey:  "test-secret",
	}, httpx.NewClient(time.Second, 0))
}

// signPayload 按网关商户通知的签名算法计算期望签名
func signPayload(secret string, payload map[string]interface{}) string {
	base := fmt.Sprintf("%v|%v|%v|%v",
		payload["merchant_id"], payload["transaction_id"], payload["amount"], payload["timestamp"])
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	return hex.EncodeToString(mac.Sum(nil))
}

func freshCallbackPayload(now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"merchant_id":    "MERCHANT-001",
		"transaction_id": "OM-TOKEN-42",
		"status":         "SUCCESS",
		"amount":         "120.50",
		"timestamp":      strconv.FormatInt(now.Unix(), 10),
	}
}

func TestValidateCallbackSignedAndFresh(t *testing.T) {
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	v := newTestValidator(testSecurityConfig(), nil)
	v.SetClock(func() time.Time { return now })

	payload := freshCallbackPayload(now)
	result := v.ValidateCallback(context.Background(), &CallbackCheck{
		Payload:      payload,
		ProviderCode: provider.CodeOrangeMoney,
		Signature:    signPayload("test-secret", payload),
		IPAddress:    "41.140.0.1",
	}, signedOrangeAdapter())

	require.True(t, result.IsValid)
	require.Empty(t, result.Errors)
	require.Empty(t, result.Warnings)
	require.Equal(t, 0, result.RiskScore)

	entries := v.Audit().Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "callback_check", entries[0].Action)
	require.Equal(t, AuditStatusSuccess, entries[0].Status)
}

func TestValidateCallbackBadSignature(t *testing.T) {
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	v := newTestValidator(testSecurityConfig(), nil)
	v.SetClock(func() time.Time { return now })

	result := v.ValidateCallback(context.Background(), &CallbackCheck{
		Payload:      freshCallbackPayload(now),
		ProviderCode: provider.CodeOrangeMoney,
		Signature:    "deadbeef",
	}, signedOrangeAdapter())

	require.False(t, result.IsValid)
	require.Contains(t, result.Errors, "回调签名校验失败")
	require.Equal(t, weightBadSignature, result.RiskScore)
	require.Equal(t, AuditStatusFailure, v.Audit().Entries()[0].Status)
}

func TestValidateCallbackMissingSignatureIsWarning(t *testing.T) {
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	v := newTestValidator(testSecurityConfig(), nil)
	v.SetClock(func() time.Time { return now })

	// 签名缺失只告警，不硬性拒绝
	result := v.ValidateCallback(context.Background(), &CallbackCheck{
		Payload:      freshCallbackPayload(now),
		ProviderCode: provider.CodeOrangeMoney,
	}, signedOrangeAdapter())

	require.True(t, result.IsValid)
	require.Contains(t, result.Warnings, "回调缺少签名")
	require.Equal(t, weightMissingSig, result.RiskScore)
}

func TestValidateCallbackStaleTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	v := newTestValidator(testSecurityConfig(), nil)
	v.SetClock(func() time.Time { return now })

	// 时间戳超过新鲜度窗口：疑似重放，告警
	payload := freshCallbackPayload(now.Add(-10 * time.Minute))
	result := v.ValidateCallback(context.Background(), &CallbackCheck{
		Payload:      payload,
		ProviderCode: provider.CodeOrangeMoney,
		Signature:    signPayload("test-secret", payload),
	}, signedOrangeAdapter())

	require.True(t, result.IsValid)
	require.Contains(t, result.Warnings, "回调时间戳过旧，疑似重放")
}

func TestValidateCallbackUnknownStatusWord(t *testing.T) {
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	v := newTestValidator(testSecurityConfig(), nil)
	v.SetClock(func() time.Time { return now })

	payload := freshCallbackPayload(now)
	payload["status"] = "BRAND_NEW_STATE"
	result := v.ValidateCallback(context.Background(), &CallbackCheck{
		Payload:      payload,
		ProviderCode: provider.CodeOrangeMoney,
		Signature:    signPayload("test-secret", payload),
	}, signedOrangeAdapter())

	require.True(t, result.IsValid)
	require.Len(t, result.Warnings, 1)
	require.Equal(t, weightUnknownStatus, result.RiskScore)
}

func TestValidateCallbackStructuralErrors(t *testing.T) {
	v := newTestValidator(testSecurityConfig(), nil)

	// 缺必填字段：每项 +20
	result := v.ValidateCallback(context.Background(), &CallbackCheck{
		Payload:      map[string]interface{}{"merchant_id": "MERCHANT-001"},
		ProviderCode: provider.CodeOrangeMoney,
	}, signedOrangeAdapter())

	require.False(t, result.IsValid)
	require.Len(t, result.Errors, 3) // transaction_id / status / amount
	require.Equal(t, 3*weightMissingField+weightMissingSig, result.RiskScore)
}

func TestRecordRejectedCallback(t *testing.T) {
	v := newTestValidator(testSecurityConfig(), nil)

	v.RecordRejectedCallback(provider.CodeCIHPay, "41.140.0.1", "curl/8", "未知网关交易号: CIH-REF-404")

	entries := v.Audit().Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "callback_check", entries[0].Action)
	require.Equal(t, AuditStatusFailure, entries[0].Status)
	require.Contains(t, entries[0].Details, "CIH-REF-404")
}
