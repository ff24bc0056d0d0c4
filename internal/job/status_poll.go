package job

import (
	"context"
	"log"
	"time"

	"foodpay/internal/config"
	"foodpay/internal/service"
)

// StatusPollJob 卡单补偿任务
// 现实中网关回调会丢：交易停留在 processing 超过时限后，
// 由本任务主动向网关查询并推进状态。推进路径与回调完全一致
// （同一把交易锁 + 同一条幂等更新规则），所以与迟到的回调并发也是安全的。
type StatusPollJob struct {
	payments  *service.PaymentService
	cfg       *config.Config
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewStatusPollJob(payments *service.PaymentService, cfg *config.Config) *StatusPollJob {
	return &StatusPollJob{
		payments:  payments,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		interval:  time.Duration(cfg.Business.StatusPollIntervalSeconds) * time.Second,
		batchSize: 50,
	}
}

func (j *StatusPollJob) Start(ctx context.Context) {
	log.Println("[StatusPollJob] 卡单补偿任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[StatusPollJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[StatusPollJob] 任务停止")
			return
		case <-ticker.C:
			j.pollStuckTransactions(ctx)
		}
	}
}

func (j *StatusPollJob) Stop() {
	close(j.stopCh)
}

func (j *StatusPollJob) pollStuckTransactions(ctx context.Context) {
	beforeTime := time.Now().Add(-time.Duration(j.cfg.Business.StatusPollAgeMinutes) * time.Minute)

	txns, err := j.payments.StuckProcessing(ctx, beforeTime, j.batchSize)
	if err != nil {
		log.Printf("[StatusPollJob] 查询卡单失败: %v", err)
		return
	}

	if len(txns) == 0 {
		return
	}

	log.Printf("[StatusPollJob] 发现 %d 笔卡单交易", len(txns))

	for _, txn := range txns {
		result, err := j.payments.CheckPaymentStatus(ctx, txn.TxnNo)
		if err != nil {
			log.Printf("[StatusPollJob] 状态补偿失败: txnNo=%s, err=%v", txn.TxnNo, err)
			continue
		}
		if result.Status != txn.Status {
			log.Printf("[StatusPollJob] 状态已补偿: txnNo=%s, %s -> %s", txn.TxnNo, txn.Status, result.Status)
		}
	}
}
