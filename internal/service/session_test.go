package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/astroveda/consultation-service/internal/logger"
	"github.com/astroveda/consultation-service/internal/model"
	"github.com/astroveda/consultation-service/internal/repo"
)

const (
	testChatRate        = 10 // per minute
	testCallRate        = 20
	testEstimateMinutes = 10
)

type sessionEnv struct {
	ledger   *Ledger
	sessions *Sessions
	repo     *repo.Repository
	ctx      context.Context

	astrologerID string
	clientID     string
}

func newSessionEnv(t *testing.T, clientBalance int64) *sessionEnv {
	t.Helper()
	r := newTestRepo(t)
	log, err := logger.NewLogger()
	require.NoError(t, err)
	ledger := NewLedger(r, log)
	sessions := NewSessions(r, ledger, log, testEstimateMinutes, "INR")

	env := &sessionEnv{
		ledger:       ledger,
		sessions:     sessions,
		repo:         r,
		ctx:          context.Background(),
		astrologerID: uuid.NewString(),
		clientID:     uuid.NewString(),
	}

	require.NoError(t, r.CreateProfile(env.ctx, &model.AstrologerProfile{
		ID:                uuid.NewString(),
		AstrologerID:      env.astrologerID,
		ChatRatePerMinute: decimal.NewFromInt(testChatRate),
		CallRatePerMinute: decimal.NewFromInt(testCallRate),
	}))
	_, err = ledger.CreateWallet(env.ctx, env.clientID, decimal.NewFromInt(clientBalance), "INR")
	require.NoError(t, err)
	_, err = ledger.CreateWallet(env.ctx, env.astrologerID, decimal.Zero, "INR")
	require.NoError(t, err)
	return env
}

func (e *sessionEnv) newChatSession(t *testing.T) *model.ConsultationSession {
	t.Helper()
	sess, err := e.sessions.CreateSession(e.ctx, e.astrologerID, e.clientID, model.SessionChat, nil)
	require.NoError(t, err)
	return sess
}

// backdate shifts startedAt so EndSession sees a real elapsed duration.
func (e *sessionEnv) backdate(t *testing.T, sessionID string, ago time.Duration) {
	t.Helper()
	started := time.Now().Add(-ago)
	err := e.repo.DB(e.ctx).Model(&model.ConsultationSession{}).
		Where("id = ?", sessionID).
		Update("started_at", started).Error
	require.NoError(t, err)
}

func TestSessions_CreateAddsBothParticipants(t *testing.T) {
	env := newSessionEnv(t, 500)
	sess := env.newChatSession(t)

	assert.Equal(t, model.SessionWaiting, sess.Status)
	parts, err := env.sessions.ListParticipants(env.ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	roles := map[model.ParticipantRole]string{}
	for _, p := range parts {
		roles[p.ParticipantRole] = p.UserID
		assert.Equal(t, model.ConnConnected, p.ConnectionStatus)
	}
	assert.Equal(t, env.clientID, roles[model.RoleUser])
	assert.Equal(t, env.astrologerID, roles[model.RoleAstrologer])
}

func TestSessions_StartHoldsEstimatedCost(t *testing.T) {
	env := newSessionEnv(t, 500)
	sess := env.newChatSession(t)

	started, err := env.sessions.StartSession(env.ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, started.Status)
	assert.NotNil(t, started.StartedAt)

	// 10 minutes * rate 10 reserved
	w, err := env.ledger.GetBalance(env.ctx, env.clientID)
	require.NoError(t, err)
	assertBalances(t, w, 500, 400, 100)

	hold, err := env.repo.PendingHoldForSession(env.ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, hold)
	assert.True(t, hold.Amount.Equal(decimal.NewFromInt(100)))
}

func TestSessions_StartWithoutFundsStaysWaiting(t *testing.T) {
	env := newSessionEnv(t, 50) // estimate is 100
	sess := env.newChatSession(t)

	_, err := env.sessions.StartSession(env.ctx, sess.ID)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	got, err := env.sessions.GetSession(env.ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionWaiting, got.Status)

	w, err := env.ledger.GetBalance(env.ctx, env.clientID)
	require.NoError(t, err)
	assertBalances(t, w, 50, 50, 0)
}

func TestSessions_IllegalTransitions(t *testing.T) {
	env := newSessionEnv(t, 500)
	sess := env.newChatSession(t)

	// end before start
	_, err := env.sessions.EndSession(env.ctx, sess.ID)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	_, err = env.sessions.StartSession(env.ctx, sess.ID)
	require.NoError(t, err)

	// start twice
	_, err = env.sessions.StartSession(env.ctx, sess.ID)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	_, err = env.sessions.EndSession(env.ctx, sess.ID)
	require.NoError(t, err)

	// terminal states reject everything
	_, err = env.sessions.StartSession(env.ctx, sess.ID)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	_, err = env.sessions.CancelSession(env.ctx, sess.ID)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	_, err = env.sessions.EndSession(env.ctx, sess.ID)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestSessions_MinimumBillableMinute(t *testing.T) {
	env := newSessionEnv(t, 500)
	sess := env.newChatSession(t)
	_, err := env.sessions.StartSession(env.ctx, sess.ID)
	require.NoError(t, err)
	env.backdate(t, sess.ID, 30*time.Second)

	ended, err := env.sessions.EndSession(env.ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, ended.DurationMinutes)
	assert.Equal(t, 1, *ended.DurationMinutes)
	require.NotNil(t, ended.TotalCost)
	assert.True(t, ended.TotalCost.Equal(decimal.NewFromInt(testChatRate)))
}

func TestSessions_EndSettlesAndPaysOut(t *testing.T) {
	env := newSessionEnv(t, 500)
	sess := env.newChatSession(t)
	_, err := env.sessions.StartSession(env.ctx, sess.ID)
	require.NoError(t, err)
	env.backdate(t, sess.ID, 30*time.Second) // bills 1 minute = 10

	ended, err := env.sessions.EndSession(env.ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, ended.Status)

	// client: 10 settled out of the 100 hold, residual 90 released
	w, err := env.ledger.GetBalance(env.ctx, env.clientID)
	require.NoError(t, err)
	assertBalances(t, w, 490, 490, 0)

	// astrologer got the payout
	aw, err := env.ledger.GetBalance(env.ctx, env.astrologerID)
	require.NoError(t, err)
	assertBalances(t, aw, 10, 10, 0)

	// billing rows: hold completed, debit completed, credit completed
	rows, err := env.sessions.BillingHistory(env.ctx, env.clientID, 10)
	require.NoError(t, err)
	byType := map[model.BillingType]model.BillingTransaction{}
	for _, b := range rows {
		byType[b.TransactionType] = b
	}
	assert.Equal(t, model.BillingCompleted, byType[model.BillingHold].Status)
	assert.Equal(t, model.BillingCompleted, byType[model.BillingDebit].Status)
	assert.True(t, byType[model.BillingDebit].Amount.Equal(decimal.NewFromInt(10)))

	hold, err := env.repo.PendingHoldForSession(env.ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, hold)
}

func TestSessions_CallSessionsUseCallRate(t *testing.T) {
	env := newSessionEnv(t, 500)
	sess, err := env.sessions.CreateSession(env.ctx, env.astrologerID, env.clientID, model.SessionCall, nil)
	require.NoError(t, err)
	_, err = env.sessions.StartSession(env.ctx, sess.ID)
	require.NoError(t, err)

	// 10 minutes * call rate 20
	w, err := env.ledger.GetBalance(env.ctx, env.clientID)
	require.NoError(t, err)
	assertBalances(t, w, 500, 300, 200)
}

func TestSessions_CancelWaitingTouchesNoWallet(t *testing.T) {
	env := newSessionEnv(t, 500)
	sess := env.newChatSession(t)

	cancelled, err := env.sessions.CancelSession(env.ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.EndedAt)
	assert.Nil(t, cancelled.DurationMinutes)

	w, err := env.ledger.GetBalance(env.ctx, env.clientID)
	require.NoError(t, err)
	assertBalances(t, w, 500, 500, 0)
}

func TestSessions_CancelActiveReleasesHold(t *testing.T) {
	env := newSessionEnv(t, 500)
	sess := env.newChatSession(t)
	_, err := env.sessions.StartSession(env.ctx, sess.ID)
	require.NoError(t, err)

	cancelled, err := env.sessions.CancelSession(env.ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCancelled, cancelled.Status)
	assert.Nil(t, cancelled.DurationMinutes)

	w, err := env.ledger.GetBalance(env.ctx, env.clientID)
	require.NoError(t, err)
	assertBalances(t, w, 500, 500, 0)

	hold, err := env.repo.PendingHoldForSession(env.ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, hold)

	rows, err := env.sessions.BillingHistory(env.ctx, env.clientID, 10)
	require.NoError(t, err)
	var sawRelease bool
	for _, b := range rows {
		if b.TransactionType == model.BillingRelease {
			sawRelease = true
			assert.Equal(t, model.BillingCompleted, b.Status)
			assert.True(t, b.Amount.Equal(decimal.NewFromInt(100)))
		}
	}
	assert.True(t, sawRelease)
}

func TestSessions_SettlementFailureIsRetried(t *testing.T) {
	env := newSessionEnv(t, 150)
	sess := env.newChatSession(t)
	// holds 100, leaving 50 available
	_, err := env.sessions.StartSession(env.ctx, sess.ID)
	require.NoError(t, err)
	// 29.5 elapsed minutes bill 30, cost 300; hold plus available cannot cover it
	env.backdate(t, sess.ID, 29*time.Minute+30*time.Second)

	ended, err := env.sessions.EndSession(env.ctx, sess.ID)
	require.NoError(t, err)
	// the consultation happened: session completes even though money did not move
	assert.Equal(t, model.SessionCompleted, ended.Status)

	rows, err := env.repo.FailedDebits(env.ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Amount.Equal(decimal.NewFromInt(300)))

	// nothing settled yet
	w, err := env.ledger.GetBalance(env.ctx, env.clientID)
	require.NoError(t, err)
	assertBalances(t, w, 150, 50, 100)

	// client tops up; the poller retry now succeeds
	_, err = env.ledger.AddFunds(env.ctx, env.clientID, decimal.NewFromInt(1000), "", "topup")
	require.NoError(t, err)

	settled, err := env.sessions.RetryFailedSettlements(env.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	w, err = env.ledger.GetBalance(env.ctx, env.clientID)
	require.NoError(t, err)
	assertBalances(t, w, 850, 850, 0)

	aw, err := env.ledger.GetBalance(env.ctx, env.astrologerID)
	require.NoError(t, err)
	assertBalances(t, aw, 300, 300, 0)

	remaining, err := env.repo.FailedDebits(env.ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

// flakyBillingRepo injects billing write failures at chosen points.
type flakyBillingRepo struct {
	*repo.Repository
	failHoldInsert    bool
	failDebitInsert   bool
	failDebitComplete bool
}

func (f *flakyBillingRepo) CreateBillingTransaction(ctx context.Context, tx *gorm.DB, b *model.BillingTransaction) error {
	if f.failHoldInsert && b.TransactionType == model.BillingHold {
		return errors.New("billing insert rejected")
	}
	if f.failDebitInsert && b.TransactionType == model.BillingDebit {
		return errors.New("billing insert rejected")
	}
	return f.Repository.CreateBillingTransaction(ctx, tx, b)
}

func (f *flakyBillingRepo) SaveBillingTransaction(ctx context.Context, tx *gorm.DB, b *model.BillingTransaction) error {
	if f.failDebitComplete && b.TransactionType == model.BillingDebit && b.Status == model.BillingCompleted {
		f.failDebitComplete = false
		return errors.New("billing save rejected")
	}
	return f.Repository.SaveBillingTransaction(ctx, tx, b)
}

func (e *sessionEnv) flakySessions(t *testing.T, flaky *flakyBillingRepo) *Sessions {
	t.Helper()
	flaky.Repository = e.repo
	log, err := logger.NewLogger()
	require.NoError(t, err)
	return NewSessions(flaky, e.ledger, log, testEstimateMinutes, "INR")
}

func TestSessions_UnrecordedHoldIsReleased(t *testing.T) {
	env := newSessionEnv(t, 500)
	sessions := env.flakySessions(t, &flakyBillingRepo{failHoldInsert: true})

	sess, err := sessions.CreateSession(env.ctx, env.astrologerID, env.clientID, model.SessionChat, nil)
	require.NoError(t, err)

	_, err = sessions.StartSession(env.ctx, sess.ID)
	require.Error(t, err)

	got, err := sessions.GetSession(env.ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionWaiting, got.Status)

	// the reservation was given back, nothing reserved without a record
	w, err := env.ledger.GetBalance(env.ctx, env.clientID)
	require.NoError(t, err)
	assertBalances(t, w, 500, 500, 0)

	hold, err := env.repo.PendingHoldForSession(env.ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, hold)
}

func TestSessions_EndRollsBackWithoutDebitRecord(t *testing.T) {
	env := newSessionEnv(t, 500)
	flaky := &flakyBillingRepo{failDebitInsert: true}
	sessions := env.flakySessions(t, flaky)

	sess, err := sessions.CreateSession(env.ctx, env.astrologerID, env.clientID, model.SessionChat, nil)
	require.NoError(t, err)
	_, err = sessions.StartSession(env.ctx, sess.ID)
	require.NoError(t, err)

	// the completion transition and the debit row commit together or not at all
	_, err = sessions.EndSession(env.ctx, sess.ID)
	require.Error(t, err)

	got, err := sessions.GetSession(env.ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, got.Status)

	w, err := env.ledger.GetBalance(env.ctx, env.clientID)
	require.NoError(t, err)
	assertBalances(t, w, 500, 400, 100)

	// once the write goes through the session completes and settles normally
	flaky.failDebitInsert = false
	ended, err := sessions.EndSession(env.ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, ended.Status)

	w, err = env.ledger.GetBalance(env.ctx, env.clientID)
	require.NoError(t, err)
	assertBalances(t, w, 490, 490, 0)
}

func TestSessions_CancelAgainstFrozenWalletReconciles(t *testing.T) {
	env := newSessionEnv(t, 500)
	sess := env.newChatSession(t)
	_, err := env.sessions.StartSession(env.ctx, sess.ID)
	require.NoError(t, err)

	_, err = env.ledger.SetStatus(env.ctx, env.clientID, model.WalletFrozen)
	require.NoError(t, err)

	cancelled, err := env.sessions.CancelSession(env.ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCancelled, cancelled.Status)

	// funds still reserved, but the hold row moved to failed for the retrier
	hold, err := env.repo.PendingHoldForSession(env.ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, hold)
	stuck, err := env.repo.FailedHolds(env.ctx, 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)

	w, err := env.ledger.GetBalance(env.ctx, env.clientID)
	require.NoError(t, err)
	assertBalances(t, w, 500, 400, 100)

	_, err = env.ledger.SetStatus(env.ctx, env.clientID, model.WalletActive)
	require.NoError(t, err)

	released, err := env.sessions.ReleaseStuckHolds(env.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	w, err = env.ledger.GetBalance(env.ctx, env.clientID)
	require.NoError(t, err)
	assertBalances(t, w, 500, 500, 0)

	stuck, err = env.repo.FailedHolds(env.ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, stuck)
}

func TestSessions_SettleRecordFailureRetriesWithoutDoubleCharge(t *testing.T) {
	env := newSessionEnv(t, 500)
	sessions := env.flakySessions(t, &flakyBillingRepo{failDebitComplete: true})

	sess, err := sessions.CreateSession(env.ctx, env.astrologerID, env.clientID, model.SessionChat, nil)
	require.NoError(t, err)
	_, err = sessions.StartSession(env.ctx, sess.ID)
	require.NoError(t, err)

	// money moves, then recording the completed debit fails
	ended, err := sessions.EndSession(env.ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, ended.Status)

	w, err := env.ledger.GetBalance(env.ctx, env.clientID)
	require.NoError(t, err)
	assertBalances(t, w, 490, 490, 0)

	rows, err := env.repo.FailedDebits(env.ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	aw, err := env.ledger.GetBalance(env.ctx, env.astrologerID)
	require.NoError(t, err)
	assertBalances(t, aw, 0, 0, 0)

	// the retry recognizes the recorded deduction and only finishes the books
	settled, err := sessions.RetryFailedSettlements(env.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	w, err = env.ledger.GetBalance(env.ctx, env.clientID)
	require.NoError(t, err)
	assertBalances(t, w, 490, 490, 0)

	aw, err = env.ledger.GetBalance(env.ctx, env.astrologerID)
	require.NoError(t, err)
	assertBalances(t, aw, 10, 10, 0)

	remaining, err := env.repo.FailedDebits(env.ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestSessions_LinkConversation(t *testing.T) {
	env := newSessionEnv(t, 500)
	sess := env.newChatSession(t)

	linked, err := env.sessions.LinkConversation(env.ctx, sess.ID, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, linked.ConversationID)
	assert.Equal(t, "conv-1", *linked.ConversationID)

	_, err = env.sessions.CancelSession(env.ctx, sess.ID)
	require.NoError(t, err)
	_, err = env.sessions.LinkConversation(env.ctx, sess.ID, "conv-2")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestSessions_RatingOnlyWhenCompleted(t *testing.T) {
	env := newSessionEnv(t, 500)
	sess := env.newChatSession(t)
	five := decimal.NewFromInt(5)

	_, err := env.sessions.RateSession(env.ctx, sess.ID, &five, nil)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	_, err = env.sessions.StartSession(env.ctx, sess.ID)
	require.NoError(t, err)
	_, err = env.sessions.EndSession(env.ctx, sess.ID)
	require.NoError(t, err)

	rated, err := env.sessions.RateSession(env.ctx, sess.ID, &five, nil)
	require.NoError(t, err)
	require.NotNil(t, rated.AstrologerRating)
	assert.True(t, rated.AstrologerRating.Equal(five))
	assert.Nil(t, rated.UserRating)

	four := decimal.NewFromInt(4)
	rated, err = env.sessions.RateSession(env.ctx, sess.ID, nil, &four)
	require.NoError(t, err)
	require.NotNil(t, rated.UserRating)
	assert.True(t, rated.AstrologerRating.Equal(five), "existing rating preserved")
}

func TestSessions_UpdateSessionCost(t *testing.T) {
	env := newSessionEnv(t, 500)
	sess := env.newChatSession(t)

	updated, err := env.sessions.UpdateSessionCost(env.ctx, sess.ID, decimal.NewFromInt(42))
	require.NoError(t, err)
	require.NotNil(t, updated.TotalCost)
	assert.True(t, updated.TotalCost.Equal(decimal.NewFromInt(42)))

	_, err = env.sessions.UpdateSessionCost(env.ctx, sess.ID, decimal.NewFromInt(-1))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestSessions_ParticipantLifecycle(t *testing.T) {
	env := newSessionEnv(t, 500)
	sess := env.newChatSession(t)

	// both roles are taken at creation
	_, err := env.sessions.AddParticipant(env.ctx, sess.ID, uuid.NewString(), model.RoleUser)
	assert.ErrorIs(t, err, ErrParticipantExists)

	parts, err := env.sessions.ListParticipants(env.ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, parts, 2)

	p, err := env.sessions.DisconnectParticipant(env.ctx, parts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConnDisconnected, p.ConnectionStatus)

	p, err = env.sessions.ReconnectParticipant(env.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConnConnected, p.ConnectionStatus)

	require.NoError(t, env.sessions.RemoveParticipant(env.ctx, p.ID))
	parts, err = env.sessions.ListParticipants(env.ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, parts, 1)

	_, err = env.sessions.DisconnectParticipant(env.ctx, p.ID)
	assert.ErrorIs(t, err, ErrParticipantNotFound)
}

func TestSessions_NotFound(t *testing.T) {
	env := newSessionEnv(t, 500)

	_, err := env.sessions.StartSession(env.ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = env.sessions.EndSession(env.ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = env.sessions.CancelSession(env.ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = env.sessions.GetSession(env.ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
