package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/astroveda/consultation-service/internal/logger"
	"github.com/astroveda/consultation-service/internal/model"
)

var repoDBSeq int

func newRepo(t *testing.T) (*Repository, context.Context) {
	t.Helper()
	repoDBSeq++
	dsn := fmt.Sprintf("file:repo%d?mode=memory&cache=shared", repoDBSeq)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.Wallet{},
		&model.WalletTransaction{},
		&model.BillingTransaction{},
		&model.ConsultationSession{},
		&model.SessionParticipant{},
		&model.AstrologerProfile{},
		&model.OutboxEvent{},
	))
	rdb, _ := redismock.NewClientMock()
	log, err := logger.NewLogger()
	require.NoError(t, err)
	return NewRepository(db, rdb, &kafka.Writer{}, log), context.Background()
}

func seedWallet(t *testing.T, r *Repository, ctx context.Context, userID string, balance int64) *model.Wallet {
	t.Helper()
	w := &model.Wallet{
		ID:               uuid.NewString(),
		UserID:           userID,
		CurrentBalance:   decimal.NewFromInt(balance),
		AvailableBalance: decimal.NewFromInt(balance),
		HeldBalance:      decimal.Zero,
		Currency:         "INR",
		Status:           model.WalletActive,
	}
	require.NoError(t, r.CreateWallet(ctx, r.DB(ctx), w))
	return w
}

func TestUpdateWallet_StaleVersionRejected(t *testing.T) {
	r, ctx := newRepo(t)
	w := seedWallet(t, r, ctx, "user-1", 100)
	stale := w.Version

	// first writer wins
	first := *w
	require.True(t, first.Hold(decimal.NewFromInt(60)))
	require.NoError(t, r.UpdateWallet(ctx, r.DB(ctx), &first, stale))
	assert.Equal(t, stale+1, first.Version)

	// second writer started from the same snapshot and must lose
	second := *w
	require.True(t, second.Hold(decimal.NewFromInt(60)))
	err := r.UpdateWallet(ctx, r.DB(ctx), &second, stale)
	assert.ErrorIs(t, err, ErrOptimisticLock)

	// only the first hold landed
	got, err := r.GetWalletByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, got.AvailableBalance.Equal(decimal.NewFromInt(40)))
	assert.True(t, got.HeldBalance.Equal(decimal.NewFromInt(60)))
	assert.Equal(t, stale+1, got.Version)
}

func TestUpdateSession_StaleVersionRejected(t *testing.T) {
	r, ctx := newRepo(t)
	sess := &model.ConsultationSession{
		ID:           uuid.NewString(),
		SessionType:  model.SessionChat,
		Status:       model.SessionWaiting,
		AstrologerID: uuid.NewString(),
		UserID:       uuid.NewString(),
	}
	require.NoError(t, r.CreateSession(ctx, r.DB(ctx), sess))
	stale := sess.Version

	first := *sess
	require.True(t, first.Start(time.Now()))
	require.NoError(t, r.UpdateSession(ctx, r.DB(ctx), &first, stale))

	second := *sess
	require.True(t, second.Cancel(time.Now()))
	err := r.UpdateSession(ctx, r.DB(ctx), &second, stale)
	assert.ErrorIs(t, err, ErrOptimisticLock)

	got, err := r.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, got.Status)
}

func TestWalletTxByReference(t *testing.T) {
	r, ctx := newRepo(t)
	w := seedWallet(t, r, ctx, "user-1", 100)

	ref := "topup-1"
	require.NoError(t, r.CreateWalletTransaction(ctx, r.DB(ctx), &model.WalletTransaction{
		ID:              uuid.NewString(),
		WalletID:        w.ID,
		TransactionType: model.TxDeposit,
		Amount:          decimal.NewFromInt(100),
		BalanceBefore:   decimal.Zero,
		BalanceAfter:    decimal.NewFromInt(100),
		ReferenceID:     &ref,
	}))

	// empty reference never matches
	tx, err := r.WalletTxByReference(ctx, r.DB(ctx), w.ID, "", model.TxDeposit)
	require.NoError(t, err)
	assert.Nil(t, tx)

	// same reference under a different type is a different operation
	tx, err = r.WalletTxByReference(ctx, r.DB(ctx), w.ID, ref, model.TxWithdrawal)
	require.NoError(t, err)
	assert.Nil(t, tx)

	tx, err = r.WalletTxByReference(ctx, r.DB(ctx), w.ID, ref, model.TxDeposit)
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.True(t, tx.Amount.Equal(decimal.NewFromInt(100)))
}

func TestPendingHoldForSession(t *testing.T) {
	r, ctx := newRepo(t)
	sessionID := uuid.NewString()

	hold, err := r.PendingHoldForSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Nil(t, hold)

	row := &model.BillingTransaction{
		ID:              uuid.NewString(),
		UserID:          uuid.NewString(),
		SessionID:       &sessionID,
		TransactionType: model.BillingHold,
		Amount:          decimal.NewFromInt(100),
		Currency:        "INR",
		Status:          model.BillingPending,
	}
	require.NoError(t, r.CreateBillingTransaction(ctx, r.DB(ctx), row))

	hold, err = r.PendingHoldForSession(ctx, sessionID)
	require.NoError(t, err)
	require.NotNil(t, hold)
	assert.Equal(t, row.ID, hold.ID)

	// a completed hold no longer counts as reserved
	row.MarkCompleted()
	require.NoError(t, r.SaveBillingTransaction(ctx, r.DB(ctx), row))
	hold, err = r.PendingHoldForSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Nil(t, hold)
}

func TestOutboxPollAndMark(t *testing.T) {
	r, ctx := newRepo(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.CreateOutboxEvent(ctx, r.DB(ctx), &model.OutboxEvent{
			Aggregate:   "Wallet",
			AggregateID: uuid.NewString(),
			EventType:   "FundsAdded",
			Payload:     `{}`,
		}))
	}

	evts, err := r.PollOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, evts, 3)

	require.NoError(t, r.MarkOutboxProcessed(ctx, evts[0].ID))

	evts, err = r.PollOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, evts, 2)
}

func TestParticipantByRole(t *testing.T) {
	r, ctx := newRepo(t)
	sessionID := uuid.NewString()

	p, err := r.ParticipantByRole(ctx, sessionID, model.RoleUser)
	require.NoError(t, err)
	assert.Nil(t, p)

	require.NoError(t, r.CreateParticipant(ctx, r.DB(ctx), &model.SessionParticipant{
		ID:               uuid.NewString(),
		SessionID:        sessionID,
		UserID:           uuid.NewString(),
		ParticipantRole:  model.RoleUser,
		JoinedAt:         time.Now(),
		ConnectionStatus: model.ConnConnected,
	}))

	p, err = r.ParticipantByRole(ctx, sessionID, model.RoleUser)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, model.RoleUser, p.ParticipantRole)

	p, err = r.ParticipantByRole(ctx, sessionID, model.RoleAstrologer)
	require.NoError(t, err)
	assert.Nil(t, p)
}
