// 文件: pkg/wallet/wallet_repo_test.go
// 钱包账本集成测试 (需要本地 MySQL)

package wallet

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testDSN = "root:123456@tcp(127.0.0.1:3307)/fxarena?charset=utf8mb4&parseTime=True&loc=Local"

// 测试用户段 97xxxx，避免和其他测试数据冲突
const testUserBase = int64(970000)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(mysql.Open(testDSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Skipf("mysql not available: %v", err)
	}

	// 自动迁移
	require.NoError(t, db.AutoMigrate(&Wallet{}, &WalletTransaction{}, &PlatformTransaction{}))
	return db
}

func cleanupTestData(db *gorm.DB) {
	db.Exec("DELETE FROM wallets WHERE user_id >= ? AND user_id < ?", testUserBase, testUserBase+1000)
	db.Exec("DELETE FROM wallet_transactions WHERE user_id >= ? AND user_id < ?", testUserBase, testUserBase+1000)
	db.Exec("DELETE FROM platform_transactions WHERE contest_id >= 970000 AND contest_id < 971000")
}

func TestCreditDebitWithJournal(t *testing.T) {
	db := setupTestDB(t)
	cleanupTestData(db)
	defer cleanupTestData(db)

	repo := NewRepo(db)
	ctx := context.Background()
	userID := testUserBase + 1

	_, err := repo.GetOrCreate(ctx, userID)
	require.NoError(t, err)

	// 充值 1000
	err = repo.Transaction(ctx, func(tx *Repo) error {
		applied, err := tx.Credit(ctx, userID, 1000, Entry{
			Type:        TxnAdminAdjust,
			Description: "initial top up",
		})
		require.True(t, applied)
		return err
	})
	require.NoError(t, err)

	// 竞赛报名扣 10
	err = repo.Transaction(ctx, func(tx *Repo) error {
		applied, err := tx.Debit(ctx, userID, 10, Entry{
			Type:      TxnCompetitionEntry,
			ContestID: 970001,
		})
		require.True(t, applied)
		return err
	})
	require.NoError(t, err)

	w, err := repo.Get(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, int64(990), w.CreditBalance)
	assert.Equal(t, int64(10), w.TotalSpentOnCompetitions)

	// 流水前后值衔接
	txns, err := repo.ListTransactions(ctx, userID, 10, 0)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	// 倒序: [0]=报名扣费, [1]=充值
	assert.Equal(t, int64(-10), txns[0].Amount)
	assert.Equal(t, int64(1000), txns[0].BalanceBefore)
	assert.Equal(t, int64(990), txns[0].BalanceAfter)
	assert.Equal(t, int64(0), txns[1].BalanceBefore)
	assert.Equal(t, int64(1000), txns[1].BalanceAfter)

	t.Log("✅ 记账与流水衔接正确")
}

func TestDebitInsufficient(t *testing.T) {
	db := setupTestDB(t)
	cleanupTestData(db)
	defer cleanupTestData(db)

	repo := NewRepo(db)
	ctx := context.Background()
	userID := testUserBase + 2

	_, err := repo.GetOrCreate(ctx, userID)
	require.NoError(t, err)

	err = repo.Transaction(ctx, func(tx *Repo) error {
		_, err := tx.Credit(ctx, userID, 5, Entry{Type: TxnAdminAdjust})
		return err
	})
	require.NoError(t, err)

	// 余额 5，扣 10 必须失败且不产生流水
	err = repo.Transaction(ctx, func(tx *Repo) error {
		_, err := tx.Debit(ctx, userID, 10, Entry{Type: TxnCompetitionEntry, ContestID: 970002})
		return err
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	w, _ := repo.Get(ctx, userID)
	assert.Equal(t, int64(5), w.CreditBalance)

	txns, _ := repo.ListTransactions(ctx, userID, 10, 0)
	assert.Len(t, txns, 1) // 只有充值那条

	t.Log("✅ 余额不足检查通过")
}

func TestRefundIdempotent(t *testing.T) {
	db := setupTestDB(t)
	cleanupTestData(db)
	defer cleanupTestData(db)

	repo := NewRepo(db)
	ctx := context.Background()
	userID := testUserBase + 3
	contestID := int64(970003)

	_, err := repo.GetOrCreate(ctx, userID)
	require.NoError(t, err)
	err = repo.Transaction(ctx, func(tx *Repo) error {
		_, err := tx.Credit(ctx, userID, 100, Entry{Type: TxnAdminAdjust})
		return err
	})
	require.NoError(t, err)

	refund := Entry{
		EventID:   fmt.Sprintf("refund:%d:%d", contestID, userID),
		Type:      TxnRefund,
		ContestID: contestID,
	}

	// 第一次退款入账
	var applied bool
	err = repo.Transaction(ctx, func(tx *Repo) error {
		var err error
		applied, err = tx.Credit(ctx, userID, 10, refund)
		return err
	})
	require.NoError(t, err)
	assert.True(t, applied)

	// 同一 EventID 重放: 必须幂等跳过，不产生第二条流水
	err = repo.Transaction(ctx, func(tx *Repo) error {
		var err error
		applied, err = tx.Credit(ctx, userID, 10, refund)
		return err
	})
	require.NoError(t, err)
	assert.False(t, applied)

	w, _ := repo.Get(ctx, userID)
	assert.Equal(t, int64(110), w.CreditBalance)

	t.Log("✅ 退款幂等性通过")
}

func TestWalletConservation(t *testing.T) {
	db := setupTestDB(t)
	cleanupTestData(db)
	defer cleanupTestData(db)

	repo := NewRepo(db)
	ctx := context.Background()
	userID := testUserBase + 4

	_, err := repo.GetOrCreate(ctx, userID)
	require.NoError(t, err)

	// 一串混合操作
	ops := []struct {
		amount int64
		debit  bool
		entry  Entry
	}{
		{500, false, Entry{Type: TxnAdminAdjust}},
		{20, true, Entry{Type: TxnCompetitionEntry, ContestID: 970010}},
		{15, true, Entry{Type: TxnChallengeEntry, ContestID: 970011, Challenge: true}},
		{90, false, Entry{Type: TxnPrize, ContestID: 970010}},
		{15, false, Entry{Type: TxnRefund, ContestID: 970011, Challenge: true}},
	}
	for _, op := range ops {
		err := repo.Transaction(ctx, func(tx *Repo) error {
			var err error
			if op.debit {
				_, err = tx.Debit(ctx, userID, op.amount, op.entry)
			} else {
				_, err = tx.Credit(ctx, userID, op.amount, op.entry)
			}
			return err
		})
		require.NoError(t, err)
	}

	// 守恒: 余额 == 流水之和
	w, err := repo.Get(ctx, userID)
	require.NoError(t, err)
	sum, err := repo.SumTransactions(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, sum, w.CreditBalance)
	assert.Equal(t, int64(500-20-15+90+15), w.CreditBalance)

	// 聚合统计
	assert.Equal(t, int64(20), w.TotalSpentOnCompetitions)
	assert.Equal(t, int64(0), w.TotalSpentOnChallenges) // 15 报名 - 15 退款
	assert.Equal(t, int64(90), w.TotalWonFromCompetitions)
	assert.Equal(t, int64(15), w.TotalRefunded)

	t.Log("✅ 钱包守恒:", w.CreditBalance)
}

func TestPlatformLedger(t *testing.T) {
	db := setupTestDB(t)
	cleanupTestData(db)
	defer cleanupTestData(db)

	repo := NewRepo(db)
	ctx := context.Background()
	contestID := int64(970020)

	require.NoError(t, repo.InsertPlatform(ctx, &PlatformTransaction{
		Type: PlatformFee, Amount: 10, ContestID: contestID,
	}))
	require.NoError(t, repo.InsertPlatform(ctx, &PlatformTransaction{
		Type: PlatformUnclaimedPool, Amount: 90, ContestID: contestID, Reason: "all_disqualified",
	}))
	require.NoError(t, repo.InsertPlatform(ctx, &PlatformTransaction{
		Type: PlatformResidue, Amount: 1, ContestID: contestID,
	}))

	sum, err := repo.SumPlatformByContest(ctx, contestID)
	require.NoError(t, err)
	assert.Equal(t, int64(101), sum)

	records, err := repo.ListPlatformByContest(ctx, contestID)
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Equal(t, "platform_fee", records[0].Type.String())

	t.Log("✅ 平台流水记录正确")
}
