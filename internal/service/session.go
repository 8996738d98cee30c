package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/astroveda/consultation-service/internal/model"
	"github.com/astroveda/consultation-service/internal/repo"
)

// Sessions orchestrates the consultation lifecycle and its settlement against
// the ledger. State transitions run under the session row lock with a version
// check; money movement goes through Ledger so every rule there applies.
type Sessions struct {
	repo            repo.RepositoryInterface
	ledger          *Ledger
	log             *zap.SugaredLogger
	estimateMinutes int
	currency        string
}

func NewSessions(r repo.RepositoryInterface, ledger *Ledger, logger *zap.SugaredLogger, estimateMinutes int, currency string) *Sessions {
	if estimateMinutes <= 0 {
		estimateMinutes = 30
	}
	if currency == "" {
		currency = "INR"
	}
	return &Sessions{repo: r, ledger: ledger, log: logger, estimateMinutes: estimateMinutes, currency: currency}
}

// CreateSession opens a waiting session and registers both participants.
func (s *Sessions) CreateSession(ctx context.Context, astrologerID, userID string, sessionType model.SessionType, conversationID *string) (*model.ConsultationSession, error) {
	sess := &model.ConsultationSession{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SessionType:    sessionType,
		Status:         model.SessionWaiting,
		AstrologerID:   astrologerID,
		UserID:         userID,
	}
	now := time.Now()
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.CreateSession(ctx, tx, sess); err != nil {
			return err
		}
		for _, p := range []struct {
			userID string
			role   model.ParticipantRole
		}{
			{userID, model.RoleUser},
			{astrologerID, model.RoleAstrologer},
		} {
			if err := s.repo.CreateParticipant(ctx, tx, &model.SessionParticipant{
				ID:               uuid.NewString(),
				SessionID:        sess.ID,
				UserID:           p.userID,
				ParticipantRole:  p.role,
				JoinedAt:         now,
				ConnectionStatus: model.ConnConnected,
			}); err != nil {
				return err
			}
		}
		return s.emit(ctx, tx, sess.ID, "SessionCreated", map[string]interface{}{
			"session_id": sess.ID, "user_id": userID, "astrologer_id": astrologerID, "type": sessionType,
		})
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// StartSession reserves the estimated session cost, then moves the session to
// active. The hold is recorded as a pending hold billing row so cancellation
// and settlement know exactly what was reserved.
func (s *Sessions) StartSession(ctx context.Context, sessionID string) (*model.ConsultationSession, error) {
	sess, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != model.SessionWaiting {
		return nil, fmt.Errorf("%w: start from %s", ErrInvalidStateTransition, sess.Status)
	}

	rate, err := s.rateFor(ctx, sess)
	if err != nil {
		return nil, err
	}
	estimate := rate.Mul(decimal.NewFromInt(int64(s.estimateMinutes)))

	var holdRow *model.BillingTransaction
	if estimate.IsPositive() {
		holdRow = s.newBilling(sess.UserID, &sess.ID, model.BillingHold, estimate, "session hold")
		if _, err := s.ledger.HoldFunds(ctx, sess.UserID, estimate, "hold:"+holdRow.ID, "session "+sess.ID+" hold"); err != nil {
			return nil, err
		}
		if err := s.repo.CreateBillingTransaction(ctx, s.repo.DB(ctx), holdRow); err != nil {
			// No billing record means no reconciliation path; undo the hold now.
			if _, relErr := s.ledger.ReleaseFunds(ctx, sess.UserID, estimate, "release:"+holdRow.ID, "hold record failed"); relErr != nil {
				s.log.Errorf("release unrecorded hold for session %s: %v", sess.ID, relErr)
			}
			return nil, err
		}
	}

	var out *model.ConsultationSession
	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.repo.GetSessionForUpdate(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if !locked.Start(time.Now()) {
			return fmt.Errorf("%w: start from %s", ErrInvalidStateTransition, locked.Status)
		}
		if err := s.repo.UpdateSession(ctx, tx, locked, locked.Version); err != nil {
			return err
		}
		out = locked
		return s.emit(ctx, tx, sessionID, "SessionStarted", map[string]interface{}{
			"session_id": sessionID, "started_at": locked.StartedAt,
		})
	})
	if err != nil {
		// A racing transition won; give the reservation back. A failed hold row
		// means the release itself failed and the poller must retry it.
		if holdRow != nil {
			if _, relErr := s.ledger.ReleaseFunds(ctx, sess.UserID, estimate, "release:"+holdRow.ID, "start aborted"); relErr != nil {
				s.log.Errorf("release aborted-start hold for session %s: %v", sessionID, relErr)
				holdRow.MarkFailed()
			} else {
				holdRow.MarkCompleted()
			}
			if saveErr := s.repo.SaveBillingTransaction(ctx, s.repo.DB(ctx), holdRow); saveErr != nil {
				s.log.Errorf("update hold row %s: %v", holdRow.ID, saveErr)
			}
		}
		return nil, err
	}
	return out, nil
}

// EndSession completes the session, then settles its cost. Settlement failure
// never rolls the session back; the failed debit billing row is the durable
// record the poller retries.
func (s *Sessions) EndSession(ctx context.Context, sessionID string) (*model.ConsultationSession, error) {
	var out *model.ConsultationSession
	var debit *model.BillingTransaction
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.repo.GetSessionForUpdate(ctx, tx, sessionID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
			}
			return err
		}
		if !locked.End(time.Now()) {
			return fmt.Errorf("%w: end from %s", ErrInvalidStateTransition, locked.Status)
		}
		rate, err := s.rateFor(ctx, locked)
		if err != nil {
			return err
		}
		cost := locked.Cost(rate)
		locked.TotalCost = &cost
		if err := s.repo.UpdateSession(ctx, tx, locked, locked.Version); err != nil {
			return err
		}
		// The pending debit commits with the transition: a completed session
		// always has its durable billing record.
		if cost.IsPositive() {
			debit = s.newBilling(locked.UserID, &locked.ID, model.BillingDebit, cost, "session charge")
			if err := s.repo.CreateBillingTransaction(ctx, tx, debit); err != nil {
				return err
			}
		}
		out = locked
		return s.emit(ctx, tx, sessionID, "SessionEnded", map[string]interface{}{
			"session_id": sessionID, "duration_minutes": locked.DurationMinutes, "total_cost": cost,
		})
	})
	if err != nil {
		return nil, err
	}

	if debit != nil {
		if err := s.settle(ctx, out, debit); err != nil {
			s.log.Warnf("settlement for session %s deferred: %v", sessionID, err)
		}
	}
	return out, nil
}

// CancelSession aborts a non-terminal session and releases any recorded hold.
func (s *Sessions) CancelSession(ctx context.Context, sessionID string) (*model.ConsultationSession, error) {
	var out *model.ConsultationSession
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.repo.GetSessionForUpdate(ctx, tx, sessionID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
			}
			return err
		}
		if !locked.Cancel(time.Now()) {
			return fmt.Errorf("%w: cancel from %s", ErrInvalidStateTransition, locked.Status)
		}
		if err := s.repo.UpdateSession(ctx, tx, locked, locked.Version); err != nil {
			return err
		}
		out = locked
		return s.emit(ctx, tx, sessionID, "SessionCancelled", map[string]interface{}{
			"session_id": sessionID,
		})
	})
	if err != nil {
		return nil, err
	}

	hold, err := s.repo.PendingHoldForSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if hold != nil {
		if _, err := s.ledger.ReleaseFunds(ctx, out.UserID, hold.Amount, "release:"+hold.ID, "session "+sessionID+" cancelled"); err != nil {
			s.log.Errorf("release hold for cancelled session %s: %v", sessionID, err)
			hold.MarkFailed()
			if saveErr := s.repo.SaveBillingTransaction(ctx, s.repo.DB(ctx), hold); saveErr != nil {
				s.log.Errorf("mark hold row %s failed: %v", hold.ID, saveErr)
			}
			return out, nil
		}
		hold.MarkCompleted()
		if err := s.repo.SaveBillingTransaction(ctx, s.repo.DB(ctx), hold); err != nil {
			s.log.Errorf("complete hold row %s: %v", hold.ID, err)
		}
		release := s.newBilling(out.UserID, &out.ID, model.BillingRelease, hold.Amount, "hold released on cancel")
		release.MarkCompleted()
		if err := s.repo.CreateBillingTransaction(ctx, s.repo.DB(ctx), release); err != nil {
			s.log.Errorf("record release for session %s: %v", sessionID, err)
		}
	}
	return out, nil
}

// settle charges the client and credits the astrologer. Ledger reference keys
// derived from the debit row id make every step replay-safe.
func (s *Sessions) settle(ctx context.Context, sess *model.ConsultationSession, debit *model.BillingTransaction) error {
	cost := debit.Amount
	hold, err := s.repo.PendingHoldForSession(ctx, sess.ID)
	if err != nil {
		return s.failSettlement(ctx, debit, err)
	}

	// A prior attempt may have moved the money and then died before recording
	// it; the deduction's reference key says whether to move it again.
	deducted, err := s.deductRecorded(ctx, debit.ID)
	if err != nil {
		return s.failSettlement(ctx, debit, err)
	}
	if !deducted {
		held := decimal.Zero
		if hold != nil {
			held = hold.Amount
		}
		if shortfall := cost.Sub(held); shortfall.IsPositive() {
			if _, err := s.ledger.HoldFunds(ctx, sess.UserID, shortfall, "settle-hold:"+debit.ID, "settlement shortfall"); err != nil {
				return s.failSettlement(ctx, debit, err)
			}
			held = cost
		}
		if _, err := s.ledger.DeductFromHold(ctx, sess.UserID, cost, "settle:"+debit.ID, "session "+sess.ID+" settlement", &debit.ID); err != nil {
			return s.failSettlement(ctx, debit, err)
		}
		if residual := held.Sub(cost); residual.IsPositive() {
			if _, err := s.ledger.ReleaseFunds(ctx, sess.UserID, residual, "settle-release:"+debit.ID, "unused hold"); err != nil {
				s.log.Errorf("release residual hold for session %s: %v", sess.ID, err)
			}
		}
	}
	if hold != nil {
		hold.MarkCompleted()
		if err := s.repo.SaveBillingTransaction(ctx, s.repo.DB(ctx), hold); err != nil {
			s.log.Errorf("complete hold row %s: %v", hold.ID, err)
		}
	}

	debit.MarkCompleted()
	if err := s.repo.SaveBillingTransaction(ctx, s.repo.DB(ctx), debit); err != nil {
		// The money moved; a failed debit keeps the row on the retry path
		// rather than stranding it pending.
		return s.failSettlement(ctx, debit, err)
	}

	// Astrologer payout. A missing astrologer wallet leaves a failed credit
	// row; the money stays deducted and reconciliation picks the row up.
	credit := s.newBilling(sess.AstrologerID, &sess.ID, model.BillingCredit, cost, "session payout")
	if _, err := s.ledger.AddFunds(ctx, sess.AstrologerID, cost, "payout:"+debit.ID, "session "+sess.ID+" payout"); err != nil {
		s.log.Errorf("payout for session %s: %v", sess.ID, err)
		credit.MarkFailed()
	} else {
		credit.MarkCompleted()
	}
	return s.repo.CreateBillingTransaction(ctx, s.repo.DB(ctx), credit)
}

func (s *Sessions) deductRecorded(ctx context.Context, debitID string) (bool, error) {
	_, err := s.repo.FindWalletTransactionByReference(ctx, "settle:"+debitID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return false, err
}

func (s *Sessions) failSettlement(ctx context.Context, debit *model.BillingTransaction, cause error) error {
	debit.MarkFailed()
	if err := s.repo.SaveBillingTransaction(ctx, s.repo.DB(ctx), debit); err != nil {
		s.log.Errorf("mark debit %s failed: %v", debit.ID, err)
	}
	return cause
}

// RetryFailedSettlements re-attempts failed debit rows, typically after the
// client topped up. Run by the poller.
func (s *Sessions) RetryFailedSettlements(ctx context.Context, limit int) (int, error) {
	rows, err := s.repo.FailedDebits(ctx, limit)
	if err != nil {
		return 0, err
	}
	settled := 0
	for i := range rows {
		debit := rows[i]
		if debit.SessionID == nil {
			continue
		}
		sess, err := s.repo.GetSession(ctx, *debit.SessionID)
		if err != nil {
			s.log.Errorf("retry settlement %s: load session: %v", debit.ID, err)
			continue
		}
		debit.Status = model.BillingPending
		if err := s.settle(ctx, sess, &debit); err != nil {
			s.log.Warnf("retry settlement %s still failing: %v", debit.ID, err)
			continue
		}
		settled++
	}
	return settled, nil
}

// ReleaseStuckHolds gives back reservations whose release failed earlier, such
// as a cancel against a frozen wallet. The release reference key makes a retry
// after a half-applied attempt harmless. Run by the poller.
func (s *Sessions) ReleaseStuckHolds(ctx context.Context, limit int) (int, error) {
	rows, err := s.repo.FailedHolds(ctx, limit)
	if err != nil {
		return 0, err
	}
	released := 0
	for i := range rows {
		hold := rows[i]
		if _, err := s.ledger.ReleaseFunds(ctx, hold.UserID, hold.Amount, "release:"+hold.ID, "stuck hold released"); err != nil {
			s.log.Warnf("stuck hold %s still failing: %v", hold.ID, err)
			continue
		}
		hold.MarkCompleted()
		if err := s.repo.SaveBillingTransaction(ctx, s.repo.DB(ctx), &hold); err != nil {
			s.log.Errorf("complete hold row %s: %v", hold.ID, err)
			continue
		}
		released++
	}
	return released, nil
}

// LinkConversation attaches a chat thread to a non-terminal session.
func (s *Sessions) LinkConversation(ctx context.Context, sessionID, conversationID string) (*model.ConsultationSession, error) {
	return s.mutateSession(ctx, sessionID, func(sess *model.ConsultationSession) error {
		if !sess.LinkConversation(conversationID) {
			return fmt.Errorf("%w: link on %s session", ErrInvalidStateTransition, sess.Status)
		}
		return nil
	})
}

// UpdateSessionCost overrides the recorded total cost.
func (s *Sessions) UpdateSessionCost(ctx context.Context, sessionID string, cost decimal.Decimal) (*model.ConsultationSession, error) {
	if cost.IsNegative() {
		return nil, ErrInvalidAmount
	}
	return s.mutateSession(ctx, sessionID, func(sess *model.ConsultationSession) error {
		sess.TotalCost = &cost
		return nil
	})
}

// RateSession records ratings on a completed session; either side may be set.
func (s *Sessions) RateSession(ctx context.Context, sessionID string, astrologerRating, userRating *decimal.Decimal) (*model.ConsultationSession, error) {
	return s.mutateSession(ctx, sessionID, func(sess *model.ConsultationSession) error {
		if !sess.AddRating(astrologerRating, userRating) {
			return fmt.Errorf("%w: rate %s session", ErrInvalidStateTransition, sess.Status)
		}
		return nil
	})
}

func (s *Sessions) GetSession(ctx context.Context, sessionID string) (*model.ConsultationSession, error) {
	return s.getSession(ctx, sessionID)
}

func (s *Sessions) ListUserSessions(ctx context.Context, userID string, limit int) ([]model.ConsultationSession, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.repo.ListUserSessions(ctx, userID, limit)
}

func (s *Sessions) ListParticipants(ctx context.Context, sessionID string) ([]model.SessionParticipant, error) {
	return s.repo.ListParticipants(ctx, sessionID)
}

func (s *Sessions) BillingHistory(ctx context.Context, userID string, limit int) ([]model.BillingTransaction, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.repo.ListBillingByUser(ctx, userID, limit)
}

// AddParticipant joins a party to a session; one row per role.
func (s *Sessions) AddParticipant(ctx context.Context, sessionID, userID string, role model.ParticipantRole) (*model.SessionParticipant, error) {
	if _, err := s.getSession(ctx, sessionID); err != nil {
		return nil, err
	}
	existing, err := s.repo.ParticipantByRole(ctx, sessionID, role)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: session %s role %s", ErrParticipantExists, sessionID, role)
	}
	p := &model.SessionParticipant{
		ID:               uuid.NewString(),
		SessionID:        sessionID,
		UserID:           userID,
		ParticipantRole:  role,
		JoinedAt:         time.Now(),
		ConnectionStatus: model.ConnConnected,
	}
	if err := s.repo.CreateParticipant(ctx, s.repo.DB(ctx), p); err != nil {
		return nil, err
	}
	return p, nil
}

// RemoveParticipant marks the party as left, then drops the row.
func (s *Sessions) RemoveParticipant(ctx context.Context, participantID string) error {
	p, err := s.getParticipant(ctx, participantID)
	if err != nil {
		return err
	}
	p.Leave(time.Now())
	if err := s.repo.SaveParticipant(ctx, p); err != nil {
		return err
	}
	return s.repo.DeleteParticipant(ctx, participantID)
}

func (s *Sessions) UpdateConnectionStatus(ctx context.Context, participantID string, status model.ConnectionStatus) (*model.SessionParticipant, error) {
	p, err := s.getParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}
	p.ConnectionStatus = status
	if err := s.repo.SaveParticipant(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Sessions) ReconnectParticipant(ctx context.Context, participantID string) (*model.SessionParticipant, error) {
	return s.UpdateConnectionStatus(ctx, participantID, model.ConnConnected)
}

func (s *Sessions) DisconnectParticipant(ctx context.Context, participantID string) (*model.SessionParticipant, error) {
	return s.UpdateConnectionStatus(ctx, participantID, model.ConnDisconnected)
}

func (s *Sessions) mutateSession(ctx context.Context, sessionID string, apply func(*model.ConsultationSession) error) (*model.ConsultationSession, error) {
	var out *model.ConsultationSession
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.repo.GetSessionForUpdate(ctx, tx, sessionID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
			}
			return err
		}
		if err := apply(locked); err != nil {
			return err
		}
		if err := s.repo.UpdateSession(ctx, tx, locked, locked.Version); err != nil {
			return err
		}
		out = locked
		return nil
	})
	return out, err
}

func (s *Sessions) getSession(ctx context.Context, sessionID string) (*model.ConsultationSession, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess, err
}

func (s *Sessions) getParticipant(ctx context.Context, id string) (*model.SessionParticipant, error) {
	p, err := s.repo.GetParticipant(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrParticipantNotFound, id)
	}
	return p, err
}

func (s *Sessions) rateFor(ctx context.Context, sess *model.ConsultationSession) (decimal.Decimal, error) {
	profile, err := s.repo.ProfileByAstrologer(ctx, sess.AstrologerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, fmt.Errorf("%w: astrologer %s", ErrProfileNotFound, sess.AstrologerID)
		}
		return decimal.Zero, err
	}
	return profile.RateFor(sess.SessionType), nil
}

func (s *Sessions) newBilling(userID string, sessionID *string, btype model.BillingType, amount decimal.Decimal, description string) *model.BillingTransaction {
	return &model.BillingTransaction{
		ID:              uuid.NewString(),
		UserID:          userID,
		SessionID:       sessionID,
		TransactionType: btype,
		Amount:          amount,
		Currency:        s.currency,
		Status:          model.BillingPending,
		Description:     &description,
	}
}

func (s *Sessions) emit(ctx context.Context, tx *gorm.DB, sessionID, eventType string, payload map[string]interface{}) error {
	data, _ := json.Marshal(payload)
	return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
		Aggregate:   "Session",
		AggregateID: sessionID,
		EventType:   eventType,
		Payload:     string(data),
	})
}
