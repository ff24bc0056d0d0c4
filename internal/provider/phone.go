package provider

import (
	"regexp"
)

// ============================================================================
// 摩洛哥手机号处理
// ============================================================================
//
// 同一个号码有三种等价写法，全部接受：
//   +212661234567   国际格式
//   0661234567      本地格式（0 开头）
//   212661234567    国家码不带加号
//
// 国内号码主体固定 9 位，移动号段以 6 或 7 开头，固话以 5 开头。
// 本核心只支持摩洛哥单一号段体系，多国支持是明确的非目标。
//
// ============================================================================

var (
	phoneIntlPattern    = regexp.MustCompile(`^\+212([5-7]\d{8})$`)
	phoneLocalPattern   = regexp.MustCompile(`^0([5-7]\d{8})$`)
	phoneCountryPattern = regexp.MustCompile(`^212([5-7]\d{8})$`)
)

// NormalizePhone 把任意合法写法归一为 9 位国内号码主体
// 返回 ok=false 表示不是合法的摩洛哥手机号
func NormalizePhone(raw string) (national string, ok bool) {
	if m := phoneIntlPattern.FindStringSubmatch(raw); m != nil {
		return m[1], true
	}
	if m := phoneLocalPattern.FindStringSubmatch(raw); m != nil {
		return m[1], true
	}
	if m := phoneCountryPattern.FindStringSubmatch(raw); m != nil {
		return m[1], true
	}
	return "", false
}

// FormatIntl 国际格式 +212XXXXXXXXX（Orange Money 要求）
func FormatIntl(national string) string {
	return "+212" + national
}

// FormatCountry 国家码不带加号 212XXXXXXXXX（inwi money 要求）
func FormatCountry(national string) string {
	return "212" + national
}

// FormatLocal 本地格式 0XXXXXXXXX（CIH Pay 要求）
func FormatLocal(national string) string {
	return "0" + national
}
