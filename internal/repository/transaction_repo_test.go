package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"foodpay/internal/model"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.Order{},
		&model.Provider{},
		&model.PaymentTransaction{},
		&model.OutboxMessage{},
	))
	return db
}

func seedTxn(t *testing.T, repo *TransactionRepository, txnNo, status string, amount float64) *model.PaymentTransaction {
	t.Helper()
	txn := &model.PaymentTransaction{
		TxnNo:        txnNo,
		OrderNo:      "ORD-" + txnNo,
		ProviderCode: "orange_money",
		Amount:       amount,
		Currency:     "MAD",
		PhoneNumber:  "0661234568",
		Status:       status,
	}
	require.NoError(t, repo.Create(context.Background(), txn))
	return txn
}

func TestApplyTransitionHappyPath(t *testing.T) {
	db := testDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	seedTxn(t, repo, "PMT-1", model.TxnStatusPending, 120.50)

	applied, err := repo.ApplyTransition(ctx, "PMT-1", model.TxnStatusProcessing,
		map[string]interface{}{"external_txn_id": "EXT-1"}, nil)
	require.NoError(t, err)
	require.True(t, applied)

	txn, err := repo.GetByTxnNo(ctx, "PMT-1")
	require.NoError(t, err)
	require.Equal(t, model.TxnStatusProcessing, txn.Status)
	require.Equal(t, "EXT-1", txn.ExternalTxnID)
	require.Nil(t, txn.CompletedAt)

	applied, err = repo.ApplyTransition(ctx, "PMT-1", model.TxnStatusCompleted, nil, nil)
	require.NoError(t, err)
	require.True(t, applied)

	txn, err = repo.GetByTxnNo(ctx, "PMT-1")
	require.NoError(t, err)
	require.Equal(t, model.TxnStatusCompleted, txn.Status)
	require.NotNil(t, txn.CompletedAt)
}

func TestApplyTransitionProtectsTerminalStates(t *testing.T) {
	db := testDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	seedTxn(t, repo, "PMT-1", model.TxnStatusCompleted, 120.50)

	// 终态永不被改写：迟到的失败/取消都落空
	for _, target := range []string{model.TxnStatusFailed, model.TxnStatusCancelled, model.TxnStatusProcessing} {
		applied, err := repo.ApplyTransition(ctx, "PMT-1", target, nil, nil)
		require.NoError(t, err)
		require.False(t, applied, "completed -> %s 不应命中", target)
	}

	txn, err := repo.GetByTxnNo(ctx, "PMT-1")
	require.NoError(t, err)
	require.Equal(t, model.TxnStatusCompleted, txn.Status)
}

func TestApplyTransitionSkipsPendingToCompleted(t *testing.T) {
	db := testDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	seedTxn(t, repo, "PMT-1", model.TxnStatusPending, 120.50)

	// completed 只能从 processing 进入
	applied, err := repo.ApplyTransition(ctx, "PMT-1", model.TxnStatusCompleted, nil, nil)
	require.NoError(t, err)
	require.False(t, applied)
}

func TestApplyTransitionWritesOutboxAtomically(t *testing.T) {
	db := testDB(t)
	repo := NewTransactionRepository(db)
	outboxRepo := NewOutboxRepository(db)
	ctx := context.Background()

	seedTxn(t, repo, "PMT-1", model.TxnStatusProcessing, 120.50)

	outbox := []*model.OutboxMessage{
		{MessageKey: "ORD-PMT-1", Topic: "loyalty-credit-topic", Payload: "{}", Status: model.OutboxStatusPending},
		{MessageKey: "ORD-PMT-1", Topic: "promotion-usage-topic", Payload: "{}", Status: model.OutboxStatusPending},
	}

	applied, err := repo.ApplyTransition(ctx, "PMT-1", model.TxnStatusCompleted, nil, outbox)
	require.NoError(t, err)
	require.True(t, applied)

	pending, err := outboxRepo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	// 重放：状态更新落空，发件箱也绝不追加
	applied, err = repo.ApplyTransition(ctx, "PMT-1", model.TxnStatusCompleted, nil, outbox)
	require.NoError(t, err)
	require.False(t, applied)

	pending, err = outboxRepo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
}

func TestGetByExternalID(t *testing.T) {
	db := testDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	txn := seedTxn(t, repo, "PMT-1", model.TxnStatusPending, 120.50)
	_, err := repo.ApplyTransition(ctx, txn.TxnNo, model.TxnStatusProcessing,
		map[string]interface{}{"external_txn_id": "EXT-1"}, nil)
	require.NoError(t, err)

	found, err := repo.GetByExternalID(ctx, "orange_money", "EXT-1")
	require.NoError(t, err)
	require.Equal(t, "PMT-1", found.TxnNo)

	// 渠道编码必须同时匹配
	_, err = repo.GetByExternalID(ctx, "cih_pay", "EXT-1")
	require.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestListWithFilters(t *testing.T) {
	db := testDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	seedTxn(t, repo, "PMT-1", model.TxnStatusCompleted, 100)
	seedTxn(t, repo, "PMT-2", model.TxnStatusFailed, 150)
	other := &model.PaymentTransaction{
		TxnNo: "PMT-3", OrderNo: "ORD-X", ProviderCode: "cih_pay",
		Amount: 80, Currency: "MAD", Status: model.TxnStatusCompleted,
	}
	require.NoError(t, repo.Create(ctx, other))

	txns, total, err := repo.List(ctx, &model.TransactionFilter{ProviderCode: "orange_money"})
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	require.Len(t, txns, 2)

	txns, total, err = repo.List(ctx, &model.TransactionFilter{Status: model.TxnStatusCompleted})
	require.NoError(t, err)
	require.EqualValues(t, 2, total)

	// 分页上限生效
	txns, total, err = repo.List(ctx, &model.TransactionFilter{Page: 1, PageSize: 2})
	require.NoError(t, err)
	require.EqualValues(t, 3, total)
	require.Len(t, txns, 2)
}

func TestStatistics(t *testing.T) {
	db := testDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	seedTxn(t, repo, "PMT-1", model.TxnStatusCompleted, 150)
	seedTxn(t, repo, "PMT-2", model.TxnStatusFailed, 100)

	from := time.Now().Add(-time.Hour)
	to := time.Now().Add(time.Hour)
	stats, err := repo.Statistics(ctx, from, to)
	require.NoError(t, err)

	require.EqualValues(t, 2, stats.TotalTransactions)
	require.InDelta(t, 250, stats.TotalAmount, 0.001)
	require.EqualValues(t, 1, stats.CompletedCount)
	require.EqualValues(t, 1, stats.FailedCount)
	require.EqualValues(t, 0, stats.CancelledCount)
	require.InDelta(t, 50, stats.SuccessRate, 0.001)

	require.Len(t, stats.ByProvider, 1)
	require.Equal(t, "orange_money", stats.ByProvider[0].ProviderCode)
	require.EqualValues(t, 2, stats.ByProvider[0].Count)

	// 时间窗外的查询：全零，成功率不除零
	empty, err := repo.Statistics(ctx, from.Add(-48*time.Hour), from.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Zero(t, empty.TotalTransactions)
	require.Zero(t, empty.SuccessRate)
}

func TestRecentByPhoneMatchesAllFormats(t *testing.T) {
	db := testDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	// 同一个号码的三种写法各落一笔
	for i, phone := range []string{"+212661234567", "0661234567", "212661234567"} {
		txn := &model.PaymentTransaction{
			TxnNo: fmt.Sprintf("PMT-%d", i), OrderNo: fmt.Sprintf("ORD-%d", i),
			ProviderCode: "orange_money", Amount: 100, Currency: "MAD",
			PhoneNumber: phone, Status: model.TxnStatusPending,
		}
		require.NoError(t, repo.Create(ctx, txn))
	}

	recent, err := repo.RecentByPhone(ctx, "661234567", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, recent, 3)

	recent, err = repo.RecentByPhone(ctx, "770000000", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Empty(t, recent)
}

func TestStuckProcessing(t *testing.T) {
	db := testDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	seedTxn(t, repo, "PMT-1", model.TxnStatusProcessing, 100)
	seedTxn(t, repo, "PMT-2", model.TxnStatusPending, 100)
	seedTxn(t, repo, "PMT-3", model.TxnStatusCompleted, 100)

	// 时限取未来时刻，刚插入的 processing 记录即视为卡单
	stuck, err := repo.StuckProcessing(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	require.Equal(t, "PMT-1", stuck[0].TxnNo)

	stuck, err = repo.StuckProcessing(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, stuck)
}

func TestOrderRepository(t *testing.T) {
	db := testDB(t)
	repo := NewOrderRepository(db)
	ctx := context.Background()

	require.NoError(t, db.Create(&model.Order{
		OrderNo: "ORD-1001", CustomerID: 7, RestaurantID: 3,
		TotalAmount: 120.50, Currency: "MAD", Status: model.OrderStatusConfirmed,
	}).Error)

	order, err := repo.GetByOrderNo(ctx, "ORD-1001")
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusConfirmed, order.Status)

	_, err = repo.GetByOrderNo(ctx, "ORD-MISSING")
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestProviderRepositoryUpsert(t *testing.T) {
	db := testDB(t)
	repo := NewProviderRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, &model.Provider{
		Code: "orange_money", DisplayName: "Orange Money", IsActive: true,
	}))
	// 同一编码再次落库：更新而不是报唯一键冲突
	require.NoError(t, repo.Upsert(ctx, &model.Provider{
		Code: "orange_money", DisplayName: "Orange Money MA", IsActive: false,
	}))

	providers, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, providers, 1)
	require.Equal(t, "Orange Money MA", providers[0].DisplayName)
	require.False(t, providers[0].IsActive)
}

func TestOutboxRepositoryLifecycle(t *testing.T) {
	db := testDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()

	msg := &model.OutboxMessage{
		MessageKey: "ORD-1", Topic: "payment-notify-topic",
		Payload: "{}", Status: model.OutboxStatusPending,
	}
	require.NoError(t, repo.Create(ctx, nil, msg))

	pending, err := repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, repo.IncrementRetryCount(ctx, msg.ID))
	require.NoError(t, repo.MarkAsFailed(ctx, msg.ID))

	pending, err = repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	var stored model.OutboxMessage
	require.NoError(t, db.First(&stored, msg.ID).Error)
	require.Equal(t, model.OutboxStatusFailed, stored.Status)
	require.Equal(t, 2, stored.RetryCount)
}
