package provider

import (
	"log"
	"time"

	"foodpay/internal/config"
	"foodpay/pkg/httpx"
)

// ============================================================================
// 适配器注册表
// ============================================================================
//
// 启动时根据配置静态构建，之后只读；由编排器持有（依赖注入，
// 不走全局单例），测试时可以注册假适配器替换真实网关。
//
// ============================================================================

// Metadata 渠道静态元数据
type Metadata struct {
	Code        string `json:"code"`
	DisplayName string `json:"display_name"`
	IsActive    bool   `json:"is_active"`
}

// Registry 渠道编码 -> 适配器实例 + 元数据
type Registry struct {
	adapters map[string]Adapter
	metadata map[string]Metadata
	order    []string // 保持配置顺序，便于列表展示
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		metadata: make(map[string]Metadata),
	}
}

// Register 注册一个适配器
func (r *Registry) Register(meta Metadata, adapter Adapter) {
	if _, exists := r.adapters[meta.Code]; !exists {
		r.order = append(r.order, meta.Code)
	}
	r.adapters[meta.Code] = adapter
	r.metadata[meta.Code] = meta
}

// Get 按编码取适配器
func (r *Registry) Get(code string) (Adapter, bool) {
	a, ok := r.adapters[code]
	return a, ok
}

// Meta 按编码取元数据
func (r *Registry) Meta(code string) (Metadata, bool) {
	m, ok := r.metadata[code]
	return m, ok
}

// List 全部渠道元数据（按配置顺序）
func (r *Registry) List() []Metadata {
	result := make([]Metadata, 0, len(r.order))
	for _, code := range r.order {
		result = append(result, r.metadata[code])
	}
	return result
}

// BuildRegistry 根据配置构建注册表
// 未知渠道编码属于配置错误，跳过并告警，不让服务起不来
func BuildRegistry(cfgs []config.ProviderConfig) *Registry {
	registry := NewRegistry()

	for _, cfg := range cfgs {
		client := httpx.NewClient(time.Duration(cfg.TimeoutMs)*time.Millisecond, cfg.RetryAttempts)

		var adapter Adapter
		switch cfg.Code {
		case CodeOrangeMoney:
			adapter = NewOrangeMoneyAdapter(cfg, client)
		case CodeInwiMoney:
			adapter = NewInwiMoneyAdapter(cfg, client)
		case CodeCIHPay:
			adapter = NewCIHPayAdapter(cfg, client)
		default:
			log.Printf("[Registry] 未知渠道编码，已跳过: %s", cfg.Code)
			continue
		}

		registry.Register(Metadata{
			Code:        cfg.Code,
			DisplayName: cfg.DisplayName,
			IsActive:    cfg.Active,
		}, adapter)

		log.Printf("[Registry] 渠道已注册: %s (%s), active=%v", cfg.Code, cfg.DisplayName, cfg.Active)
	}

	return registry
}
