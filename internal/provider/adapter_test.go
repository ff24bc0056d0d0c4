package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"foodpay/internal/config"
	"foodpay/internal/model"
	"foodpay/pkg/httpx"
)

func testProviderConfig(apiURL string) config.ProviderConfig {
	return config.ProviderConfig{
		Code:          CodeOrangeMoney,
		DisplayName:   "Orange Money",
		Active:        true,
		APIURL:        apiURL,
		MerchantID:    "MERCHANT-001",
		APIKey:        "test-api-key",
		SecretKey:     "test-secret",
		WebhookURL:    "https://example.ma/callback",
		TimeoutMs:     2000,
		RetryAttempts: 0,
		TestMode:      true,
	}
}

func testClient() *httpx.Client {
	c := httpx.NewClient(2*time.Second, 0)
	c.SetBackoffBase(time.Millisecond)
	return c
}

func TestOrangeMoneyCreatePayment(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/payments", r.URL.Path)
		require.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))
		require.Equal(t, "true", r.Header.Get("X-Test-Mode"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      "INITIATED",
			"pay_token":   "OM-TOKEN-42",
			"payment_url": "https://pay.orange.ma/confirm/OM-TOKEN-42",
		})
	}))
	defer srv.Close()

	adapter := NewOrangeMoneyAdapter(testProviderConfig(srv.URL), testClient())
	result := adapter.CreatePaymentRequest(context.Background(), &CreateRequest{
		TxnNo:       "PMT20260101000000001",
		OrderNo:     "ORD-1001",
		Amount:      120.50,
		Currency:    "MAD",
		PhoneNumber: "0661234567",
	})

	require.True(t, result.Success)
	require.Equal(t, "OM-TOKEN-42", result.ExternalTxnID)
	require.Equal(t, model.TxnStatusPending, result.Status)
	require.Equal(t, "https://pay.orange.ma/confirm/OM-TOKEN-42", result.RedirectURL)

	// 手机号以国际格式送给网关
	require.Equal(t, "+212661234567", captured["customer_msisdn"])
	require.Equal(t, "120.50", captured["amount"])
	require.Equal(t, "MERCHANT-001", captured["merchant_id"])
}

func TestOrangeMoneyCreatePaymentBadPhoneSkipsNetwork(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	adapter := NewOrangeMoneyAdapter(testProviderConfig(srv.URL), testClient())
	result := adapter.CreatePaymentRequest(context.Background(), &CreateRequest{
		TxnNo:       "PMT1",
		OrderNo:     "ORD-1",
		Amount:      50,
		Currency:    "MAD",
		PhoneNumber: "+33123456789",
	})

	require.False(t, result.Success)
	require.Equal(t, model.TxnStatusFailed, result.Status)
	require.False(t, called, "非法手机号不应发起任何网络调用")
}

func TestOrangeMoneyCreatePaymentGatewayRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"message": "insufficient balance"})
	}))
	defer srv.Close()

	adapter := NewOrangeMoneyAdapter(testProviderConfig(srv.URL), testClient())
	result := adapter.CreatePaymentRequest(context.Background(), &CreateRequest{
		TxnNo:       "PMT1",
		OrderNo:     "ORD-1",
		Amount:      50,
		Currency:    "MAD",
		PhoneNumber: "0661234567",
	})

	// 网关报错不向上抛，转成可读的失败结果
	require.False(t, result.Success)
	require.Equal(t, model.TxnStatusFailed, result.Status)
	require.NotEmpty(t, result.Message)
}

func TestOrangeMoneyCheckPaymentStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/api/v1/payments/OM-TOKEN-42", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "SUCCESS",
			"amount": "120.50",
		})
	}))
	defer srv.Close()

	adapter := NewOrangeMoneyAdapter(testProviderConfig(srv.URL), testClient())
	result := adapter.CheckPaymentStatus(context.Background(), "OM-TOKEN-42")

	require.True(t, result.Success)
	require.Equal(t, model.TxnStatusCompleted, result.Status)
	require.Equal(t, 120.50, result.Amount)
}

func TestOrangeMoneyStatusMapping(t *testing.T) {
	adapter := NewOrangeMoneyAdapter(testProviderConfig("http://unused"), testClient())

	require.Equal(t, model.TxnStatusPending, adapter.MapCallbackStatus("INITIATED"))
	require.Equal(t, model.TxnStatusPending, adapter.MapCallbackStatus("PENDING"))
	require.Equal(t, model.TxnStatusCompleted, adapter.MapCallbackStatus("SUCCESS"))
	require.Equal(t, model.TxnStatusFailed, adapter.MapCallbackStatus("FAILED"))
	require.Equal(t, model.TxnStatusFailed, adapter.MapCallbackStatus("EXPIRED"))
	require.Equal(t, model.TxnStatusCancelled, adapter.MapCallbackStatus("CANCELLED"))

	// 未收录的状态保守按 pending 处理，绝不当作成功
	require.Equal(t, model.TxnStatusPending, adapter.MapCallbackStatus("SOMETHING_NEW"))
	require.False(t, adapter.RecognizesStatus("SOMETHING_NEW"))
	require.True(t, adapter.RecognizesStatus("SUCCESS"))
}

func TestOrangeMoneyValidateCallbackData(t *testing.T) {
	adapter := NewOrangeMoneyAdapter(testProviderConfig("http://unused"), testClient())

	valid := adapter.ValidateCallbackData(map[string]interface{}{
		"transaction_id": "OM-TOKEN-42",
		"status":         "SUCCESS",
		"merchant_id":    "MERCHANT-001",
		"amount":         "120.50",
	})
	require.True(t, valid.IsValid)
	require.Equal(t, "OM-TOKEN-42", valid.ExternalTxnID)
	require.Equal(t, "SUCCESS", valid.Status)
	require.Equal(t, 120.50, valid.Amount)

	invalid := adapter.ValidateCallbackData(map[string]interface{}{
		"merchant_id": "WRONG-MERCHANT",
		"amount":      "not-a-number",
	})
	require.False(t, invalid.IsValid)
	// 缺 transaction_id、缺 status、商户不匹配、金额无法解析
	require.Len(t, invalid.Errors, 4)
}

func TestHMACSignature(t *testing.T) {
	payload := map[string]interface{}{
		"merchant_id":    "MERCHANT-001",
		"transaction_id": "OM-TOKEN-42",
		"amount":         "120.50",
		"timestamp":      "1760000000",
	}

	sig := computeSignature("test-secret", payload)
	require.NotEmpty(t, sig)
	require.True(t, verifyHMACSignature("test-secret", payload, sig))
	require.False(t, verifyHMACSignature("test-secret", payload, sig+"00"))
	require.False(t, verifyHMACSignature("other-secret", payload, sig))

	// 参与签名的字段被篡改后校验必须失败
	payload["amount"] = "999.99"
	require.False(t, verifyHMACSignature("test-secret", payload, sig))
}

func TestInwiMoneyCancelHasNoGatewaySupport(t *testing.T) {
	cfg := testProviderConfig("http://unused")
	cfg.Code = CodeInwiMoney
	adapter := NewInwiMoneyAdapter(cfg, testClient())

	// inwi 没有网关侧撤单：恒成功并附说明，不发起任何网络调用
	result := adapter.CancelTransaction(context.Background(), "IW-1")
	require.True(t, result.Success)
	require.NotEmpty(t, result.Message)
}

func TestInwiMoneyStatusMapping(t *testing.T) {
	cfg := testProviderConfig("http://unused")
	cfg.Code = CodeInwiMoney
	adapter := NewInwiMoneyAdapter(cfg, testClient())

	require.Equal(t, model.TxnStatusPending, adapter.MapCallbackStatus("TA"))
	require.Equal(t, model.TxnStatusProcessing, adapter.MapCallbackStatus("TP"))
	require.Equal(t, model.TxnStatusCompleted, adapter.MapCallbackStatus("TS"))
	require.Equal(t, model.TxnStatusFailed, adapter.MapCallbackStatus("TF"))
	require.Equal(t, model.TxnStatusCancelled, adapter.MapCallbackStatus("TC"))
	require.Equal(t, model.TxnStatusPending, adapter.MapCallbackStatus("XX"))
}

func TestCIHPayCallbackWithoutSignature(t *testing.T) {
	cfg := testProviderConfig("http://unused")
	cfg.Code = CodeCIHPay
	adapter := NewCIHPayAdapter(cfg, testClient())

	require.False(t, adapter.SupportsSignature())
	// 无签名渠道恒通过，缺失签名的告警由安全校验器负责
	require.True(t, adapter.VerifySignature(map[string]interface{}{}, ""))

	// reference / status_code 是 CIH 的字段名
	v := adapter.ValidateCallbackData(map[string]interface{}{
		"reference":   "CIH-REF-7",
		"status_code": "00",
		"merchant_id": "MERCHANT-001",
		"amount":      200.0,
	})
	require.True(t, v.IsValid)
	require.Equal(t, "CIH-REF-7", v.ExternalTxnID)
	require.Equal(t, "00", v.Status)
	require.Equal(t, model.TxnStatusCompleted, adapter.MapCallbackStatus(v.Status))
}

func TestBuildRegistrySkipsUnknownCode(t *testing.T) {
	registry := BuildRegistry([]config.ProviderConfig{
		{Code: CodeOrangeMoney, DisplayName: "Orange Money", Active: true},
		{Code: "mystery_pay", DisplayName: "Mystery", Active: true},
		{Code: CodeCIHPay, DisplayName: "CIH Pay", Active: false},
	})

	_, ok := registry.Get(CodeOrangeMoney)
	require.True(t, ok)
	_, ok = registry.Get("mystery_pay")
	require.False(t, ok)

	// 列表按配置顺序，停用渠道也要展示
	list := registry.List()
	require.Len(t, list, 2)
	require.Equal(t, CodeOrangeMoney, list[0].Code)
	require.Equal(t, CodeCIHPay, list[1].Code)
	require.False(t, list[1].IsActive)
}
