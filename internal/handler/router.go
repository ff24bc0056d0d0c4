package handler

import (
	"foodpay/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config) (*gin.Engine, *Handler) {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(db, rdb, cfg)

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 支付相关
		payment := api.Group("/payment")
		{
			payment.POST("/create", h.CreatePayment)
			payment.GET("/status", h.GetPaymentStatus)
			payment.POST("/cancel", h.CancelPayment)
			payment.GET("/history", h.ListTransactions)
			payment.GET("/statistics", h.GetStatistics)

			// 网关回调入口（外部不可信输入）
			payment.POST("/callback/:provider", h.HandleCallback)
		}

		// 渠道目录
		providerGroup := api.Group("/provider")
		{
			providerGroup.GET("/list", h.ListProviders)
		}

		// 安全面板
		securityGroup := api.Group("/security")
		{
			securityGroup.GET("/audit", h.ListAuditEntries)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r, h
}
