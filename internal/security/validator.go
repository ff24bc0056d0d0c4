package security

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"foodpay/internal/config"
	"foodpay/internal/model"
	"foodpay/internal/provider"
)

// ============================================================================
// 安全与风控校验器
// ============================================================================
//
// 编排器在两个关口消费本组件：
//   1. 支付请求发出前的预检（ValidatePaymentRequest）——
//      高风险请求直接拒绝，连交易记录都不落库。
//   2. 回调落库前的安全再检（ValidateCallback）——
//      签名、时间戳、字段完整性，任何一次调用无论成败都追加一条审计。
//
// 风险分是 0-100 的加权聚合，各信号的权重固定：
//
//   硬性错误                         告警
//   ----------------------          ----------------------
//   缺少订单号        +25           大额交易            +15
//   金额非正数        +30           非营业时段          +10
//   缺少渠道编码      +20           姓名含可疑字符      +10
//   手机号非法        +25           手机号模式可疑      +10
//   签名校验失败      +40           缺失签名            +15
//   回调字段缺失      +20/项        回调时间戳过旧      +10
//                                   回调状态词不识别    +10
//
//   欺诈信号（开关控制）
//   ----------------------
//   同号码短窗高频    +30
//   同号码近似金额重复 +25
//   非营业时段        +5
//
// ============================================================================

// 各信号的固定权重
const (
	weightMissingOrder    = 25
	weightBadAmount       = 30
	weightMissingProvider = 20
	weightBadPhone        = 25
	weightBadSignature    = 40
	weightMissingField    = 20

	weightHighValue       = 15
	weightOffHours        = 10
	weightSuspiciousName  = 10
	weightSuspiciousPhone = 10
	weightMissingSig      = 15
	weightStaleCallback   = 10
	weightUnknownStatus   = 10

	weightFraudFrequency  = 30
	weightFraudRepetition = 25
	weightFraudTemporal   = 5
)

// 金额近似重复的比较容差
const amountEpsilon = 0.01

// 近似金额重复的最低次数（不含本次）
const repetitionLimit = 2

// ValidationResult 一次校验的结果，只在调用期间存在（审计除外）
type ValidationResult struct {
	IsValid   bool         `json:"is_valid"`
	Errors    []string     `json:"errors"`
	Warnings  []string     `json:"warnings"`
	RiskScore int          `json:"risk_score"` // 0-100
	Fraud     *FraudSignal `json:"fraud,omitempty"`
}

// FraudSignal 欺诈检测信号
type FraudSignal struct {
	IsHighRisk      bool     `json:"is_high_risk"`
	RiskScore       int      `json:"risk_score"`
	Factors         []string `json:"factors"`
	Recommendations []string `json:"recommendations"`
}

// PaymentCheck 支付请求预检入参
type PaymentCheck struct {
	OrderNo      string
	Amount       float64
	Currency     string
	ProviderCode string
	PhoneNumber  string
	CustomerName string
}

// CallbackCheck 回调安全校验入参
type CallbackCheck struct {
	Payload      map[string]interface{}
	ProviderCode string
	Signature    string
	IPAddress    string
	UserAgent    string
}

// RecentTxnSource 欺诈检测需要的近期交易查询
type RecentTxnSource interface {
	RecentByPhone(ctx context.Context, phone string, since time.Time) ([]*model.PaymentTransaction, error)
}

// Validator 安全与风控校验器
type Validator struct {
	cfg    config.SecurityConfig
	recent RecentTxnSource
	audit  *AuditTrail
	now    func() time.Time
}

func NewValidator(cfg config.SecurityConfig, recent RecentTxnSource, audit *AuditTrail) *Validator {
	return &Validator{
		cfg:    cfg,
		recent: recent,
		audit:  audit,
		now:    time.Now,
	}
}

// SetClock 注入时钟（测试用）
func (v *Validator) SetClock(now func() time.Time) {
	v.now = now
}

// Audit 审计缓冲（供查询接口读取）
func (v *Validator) Audit() *AuditTrail {
	return v.audit
}

// ValidatePaymentRequest 支付请求预检
// 累积错误和告警并计算风险分；开启欺诈检测时叠加欺诈信号。
// Fraud.IsHighRisk=true 时编排器应直接拒绝请求。
func (v *Validator) ValidatePaymentRequest(ctx context.Context, req *PaymentCheck, ip, userAgent string) *ValidationResult {
	result := &ValidationResult{}
	score := 0

	if req.OrderNo == "" {
		result.Errors = append(result.Errors, "缺少订单号")
		score += weightMissingOrder
	}
	if req.Amount <= 0 {
		result.Errors = append(result.Errors, "支付金额必须大于0")
		score += weightBadAmount
	}
	if req.ProviderCode == "" {
		result.Errors = append(result.Errors, "缺少支付渠道编码")
		score += weightMissingProvider
	}

	national, phoneOK := provider.NormalizePhone(req.PhoneNumber)
	if req.PhoneNumber == "" || !phoneOK {
		result.Errors = append(result.Errors, "手机号格式不正确")
		score += weightBadPhone
	} else if isDegeneratePhone(national) {
		// 结构上合法，但模式可疑：只告警不拒绝
		result.Warnings = append(result.Warnings, "手机号模式可疑")
		score += weightSuspiciousPhone
	}

	if req.Amount >= v.cfg.HighValueThreshold {
		result.Warnings = append(result.Warnings, fmt.Sprintf("大额交易（≥%.0f %s）", v.cfg.HighValueThreshold, req.Currency))
		score += weightHighValue
	}
	if v.isOffHours(v.now()) {
		result.Warnings = append(result.Warnings, "非营业时段交易")
		score += weightOffHours
	}
	if hasSuspiciousChars(req.CustomerName) {
		result.Warnings = append(result.Warnings, "客户姓名包含可疑字符")
		score += weightSuspiciousName
	}

	if v.cfg.FraudDetectionEnabled && phoneOK {
		fraud := v.detectFraud(ctx, national, req.Amount)
		result.Fraud = fraud
		score += fraud.RiskScore
	}

	result.RiskScore = capScore(score)
	result.IsValid = len(result.Errors) == 0

	v.record("payment_request_check", ip, userAgent, result,
		fmt.Sprintf("orderNo=%s, provider=%s, amount=%.2f", req.OrderNo, req.ProviderCode, req.Amount))
	return result
}

// detectFraud 聚合欺诈信号
// 频次、金额重复、时段三个信号各自贡献固定权重，
// 聚合分越过阈值即判定高风险。
func (v *Validator) detectFraud(ctx context.Context, nationalPhone string, amount float64) *FraudSignal {
	signal := &FraudSignal{}

	window := time.Duration(v.cfg.FraudWindowMinutes) * time.Minute
	since := v.now().Add(-window)

	recent, err := v.recent.RecentByPhone(ctx, nationalPhone, since)
	if err != nil {
		// 查询失败不阻断支付，只降级为无频次信号
		log.Printf("[Validator] 近期交易查询失败: phone=***%s, err=%v", tailDigits(nationalPhone), err)
		recent = nil
	}

	if len(recent) >= v.cfg.FraudFrequencyLimit {
		signal.RiskScore += weightFraudFrequency
		signal.Factors = append(signal.Factors,
			fmt.Sprintf("同一号码 %d 分钟内已有 %d 笔交易", v.cfg.FraudWindowMinutes, len(recent)))
		signal.Recommendations = append(signal.Recommendations, "建议临时限制该号码的支付频次")
	}

	similar := 0
	for _, txn := range recent {
		if diff := txn.Amount - amount; diff < amountEpsilon && diff > -amountEpsilon {
			similar++
		}
	}
	if similar >= repetitionLimit {
		signal.RiskScore += weightFraudRepetition
		signal.Factors = append(signal.Factors,
			fmt.Sprintf("同一号码近期有 %d 笔近似金额交易", similar))
		signal.Recommendations = append(signal.Recommendations, "建议人工核实是否为重复下单")
	}

	if v.isOffHours(v.now()) {
		signal.RiskScore += weightFraudTemporal
		signal.Factors = append(signal.Factors, "非营业时段交易")
	}

	signal.RiskScore = capScore(signal.RiskScore)
	signal.IsHighRisk = signal.RiskScore >= v.cfg.HighRiskScore
	return signal
}

// ValidateCallback 回调安全校验
// 结构校验委托给渠道适配器；签名、时间戳新鲜度、状态词识别在这里把关。
// 无论结果如何都追加一条审计记录。
func (v *Validator) ValidateCallback(ctx context.Context, check *CallbackCheck, adapter provider.Adapter) *ValidationResult {
	result := &ValidationResult{}
	score := 0

	structural := adapter.ValidateCallbackData(check.Payload)
	for _, e := range structural.Errors {
		result.Errors = append(result.Errors, e)
		score += weightMissingField
	}

	if adapter.SupportsSignature() {
		if check.Signature == "" {
			result.Warnings = append(result.Warnings, "回调缺少签名")
			score += weightMissingSig
		} else if !adapter.VerifySignature(check.Payload, check.Signature) {
			result.Errors = append(result.Errors, "回调签名校验失败")
			score += weightBadSignature
		}
	}

	if ts, ok := callbackTimestamp(check.Payload); ok {
		maxAge := time.Duration(v.cfg.CallbackMaxAgeMinutes) * time.Minute
		if v.now().Sub(ts) > maxAge {
			// 可能是重放，先告警；幂等更新规则兜底防止状态被改写
			result.Warnings = append(result.Warnings, "回调时间戳过旧，疑似重放")
			score += weightStaleCallback
		}
	}

	if structural.Status != "" && !adapter.RecognizesStatus(structural.Status) {
		result.Warnings = append(result.Warnings, fmt.Sprintf("未识别的网关状态词: %s", structural.Status))
		score += weightUnknownStatus
	}

	result.RiskScore = capScore(score)
	result.IsValid = len(result.Errors) == 0

	v.record("callback_check", check.IPAddress, check.UserAgent, result,
		fmt.Sprintf("provider=%s, externalTxnID=%s", check.ProviderCode, structural.ExternalTxnID))
	return result
}

// RecordRejectedCallback 为结构校验阶段就被拒的回调补一条审计
func (v *Validator) RecordRejectedCallback(providerCode, ip, userAgent, reason string) {
	v.audit.Append(AuditEntry{
		Action:    "callback_check",
		IPAddress: ip,
		UserAgent: userAgent,
		Status:    AuditStatusFailure,
		Details:   fmt.Sprintf("provider=%s, reason=%s", providerCode, reason),
		RiskScore: weightMissingField,
	})
}

func (v *Validator) record(action, ip, userAgent string, result *ValidationResult, details string) {
	status := AuditStatusSuccess
	if len(result.Warnings) > 0 {
		status = AuditStatusWarning
	}
	if len(result.Errors) > 0 {
		status = AuditStatusFailure
	}

	detail := details
	if len(result.Errors) > 0 {
		detail += "; errors: " + strings.Join(result.Errors, ", ")
	}
	if len(result.Warnings) > 0 {
		detail += "; warnings: " + strings.Join(result.Warnings, ", ")
	}

	v.audit.Append(AuditEntry{
		Action:    action,
		IPAddress: ip,
		UserAgent: userAgent,
		Status:    status,
		Details:   detail,
		RiskScore: result.RiskScore,
	})
}

func (v *Validator) isOffHours(t time.Time) bool {
	hour := t.Hour()
	return hour < v.cfg.BusinessHourStart || hour >= v.cfg.BusinessHourEnd
}

// ============================================================================
// 辅助判定
// ============================================================================

// isDegeneratePhone 判定号码主体是否呈退化模式：
// 全部同一数字，或尾部连续递增（如 ...456789）
func isDegeneratePhone(national string) bool {
	if national == "" {
		return false
	}

	allSame := true
	for i := 1; i < len(national); i++ {
		if national[i] != national[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return true
	}

	// 尾部 6 位严格递增视为可疑
	const seqLen = 6
	if len(national) >= seqLen {
		tail := national[len(national)-seqLen:]
		sequential := true
		for i := 1; i < len(tail); i++ {
			if tail[i] != tail[i-1]+1 {
				sequential = false
				break
			}
		}
		if sequential {
			return true
		}
	}

	return false
}

// hasSuspiciousChars 客户姓名里出现控制字符或注入惯用符号
func hasSuspiciousChars(name string) bool {
	if name == "" {
		return false
	}
	return strings.ContainsAny(name, "<>{};$`|\\") || strings.ContainsRune(name, 0)
}

// callbackTimestamp 解析回调里的时间戳，兼容 Unix 秒和 RFC3339
func callbackTimestamp(payload map[string]interface{}) (time.Time, bool) {
	raw, exists := payload["timestamp"]
	if !exists || raw == nil {
		return time.Time{}, false
	}

	switch ts := raw.(type) {
	case float64:
		return time.Unix(int64(ts), 0), true
	case string:
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			return t, true
		}
		if sec, err := strconv.ParseInt(ts, 10, 64); err == nil {
			return time.Unix(sec, 0), true
		}
	}
	return time.Time{}, false
}

func capScore(score int) int {
	if score > 100 {
		return 100
	}
	if score < 0 {
		return 0
	}
	return score
}

// tailDigits 日志脱敏：只保留号码末4位
func tailDigits(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return phone[len(phone)-4:]
}
