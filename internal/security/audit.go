package security

import (
	"sync"
	"time"

	"foodpay/pkg/idgen"
)

const (
	AuditStatusSuccess = "success"
	AuditStatusWarning = "warning"
	AuditStatusFailure = "failure"
)

// AuditEntry 一条安全审计记录
type AuditEntry struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	IPAddress string    `json:"ip_address"`
	UserAgent string    `json:"user_agent"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"` // success | warning | failure
	Details   string    `json:"details"`
	RiskScore int       `json:"risk_score"`
}

// AuditTrail 有界环形审计缓冲
//
// 只追加；写满后显式淘汰最旧的一条（先进先出）。
// 高负载下允许有损淘汰，不影响正确性——持久化审计是外部协作方的职责，
// 这里只为安全面板保留近期窗口。
type AuditTrail struct {
	mu       sync.Mutex
	entries  []AuditEntry
	capacity int
	next     int // 下一个写入位置
	size     int
}

// NewAuditTrail 创建审计缓冲，capacity 必须为正
func NewAuditTrail(capacity int) *AuditTrail {
	if capacity <= 0 {
		capacity = 1000
	}
	return &AuditTrail{
		entries:  make([]AuditEntry, capacity),
		capacity: capacity,
	}
}

// Append 追加一条记录，必要时淘汰最旧的一条
func (t *AuditTrail) Append(entry AuditEntry) {
	if entry.ID == "" {
		entry.ID = idgen.GenerateAuditNo()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[t.next] = entry
	t.next = (t.next + 1) % t.capacity
	if t.size < t.capacity {
		t.size++
	}
}

// Entries 按时间顺序（旧到新）返回当前全部记录的副本
func (t *AuditTrail) Entries() []AuditEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]AuditEntry, 0, t.size)
	start := t.next - t.size
	if start < 0 {
		start += t.capacity
	}
	for i := 0; i < t.size; i++ {
		result = append(result, t.entries[(start+i)%t.capacity])
	}
	return result
}

// Len 当前记录条数
func (t *AuditTrail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}
