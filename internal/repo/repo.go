package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/astroveda/consultation-service/internal/model"
)

// ErrOptimisticLock is returned when a version-checked update matched no row.
var ErrOptimisticLock = errors.New("optimistic lock conflict")

// RepositoryInterface restricts Repository methods for unit-test fakes.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	GetWalletForUpdate(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error)
	GetWalletByUser(ctx context.Context, userID string) (*model.Wallet, error)
	CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error
	UpdateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet, oldVersion uint64) error

	CreateWalletTransaction(ctx context.Context, tx *gorm.DB, t *model.WalletTransaction) error
	WalletTxByReference(ctx context.Context, tx *gorm.DB, walletID, referenceID string, txType model.WalletTransactionType) (*model.WalletTransaction, error)
	GetWalletTransaction(ctx context.Context, id string) (*model.WalletTransaction, error)
	FindWalletTransactionByReference(ctx context.Context, referenceID string) (*model.WalletTransaction, error)
	ListWalletTransactions(ctx context.Context, walletID string, limit int) ([]model.WalletTransaction, error)
	CountWalletTransactions(ctx context.Context, walletID string) (int64, error)

	CreateBillingTransaction(ctx context.Context, tx *gorm.DB, b *model.BillingTransaction) error
	SaveBillingTransaction(ctx context.Context, tx *gorm.DB, b *model.BillingTransaction) error
	GetBillingTransaction(ctx context.Context, id string) (*model.BillingTransaction, error)
	PendingHoldForSession(ctx context.Context, sessionID string) (*model.BillingTransaction, error)
	FailedDebits(ctx context.Context, limit int) ([]model.BillingTransaction, error)
	FailedHolds(ctx context.Context, limit int) ([]model.BillingTransaction, error)
	ListBillingByUser(ctx context.Context, userID string, limit int) ([]model.BillingTransaction, error)

	GetSessionForUpdate(ctx context.Context, tx *gorm.DB, id string) (*model.ConsultationSession, error)
	GetSession(ctx context.Context, id string) (*model.ConsultationSession, error)
	CreateSession(ctx context.Context, tx *gorm.DB, s *model.ConsultationSession) error
	UpdateSession(ctx context.Context, tx *gorm.DB, s *model.ConsultationSession, oldVersion uint64) error
	ListUserSessions(ctx context.Context, userID string, limit int) ([]model.ConsultationSession, error)

	CreateParticipant(ctx context.Context, tx *gorm.DB, p *model.SessionParticipant) error
	GetParticipant(ctx context.Context, id string) (*model.SessionParticipant, error)
	ParticipantByRole(ctx context.Context, sessionID string, role model.ParticipantRole) (*model.SessionParticipant, error)
	SaveParticipant(ctx context.Context, p *model.SessionParticipant) error
	DeleteParticipant(ctx context.Context, id string) error
	ListParticipants(ctx context.Context, sessionID string) ([]model.SessionParticipant, error)

	ProfileByAstrologer(ctx context.Context, astrologerID string) (*model.AstrologerProfile, error)
	CreateProfile(ctx context.Context, p *model.AstrologerProfile) error

	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error

	CacheBalance(ctx context.Context, userID string, available decimal.Decimal) error
	GetCachedBalance(ctx context.Context, userID string) (decimal.Decimal, error)
}

// Repository implements RepositoryInterface over gorm, Redis and Kafka.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// GetWalletForUpdate locks the wallet row for the read-modify-write span.
func (r *Repository) GetWalletForUpdate(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *Repository) GetWalletByUser(ctx context.Context, userID string) (*model.Wallet, error) {
	var w model.Wallet
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *Repository) CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error {
	return tx.WithContext(ctx).Create(w).Error
}

// UpdateWallet writes balances and status with an optimistic version check.
func (r *Repository) UpdateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ? AND version = ?", w.ID, oldVersion).
		Updates(map[string]interface{}{
			"current_balance":     w.CurrentBalance,
			"available_balance":   w.AvailableBalance,
			"held_balance":        w.HeldBalance,
			"status":              w.Status,
			"last_transaction_at": w.LastTransactionAt,
			"version":             oldVersion + 1,
			"updated_at":          time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	w.Version = oldVersion + 1
	return nil
}

func (r *Repository) CreateWalletTransaction(ctx context.Context, tx *gorm.DB, t *model.WalletTransaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

// WalletTxByReference probes the idempotency key within a wallet and type.
func (r *Repository) WalletTxByReference(ctx context.Context, tx *gorm.DB, walletID, referenceID string, txType model.WalletTransactionType) (*model.WalletTransaction, error) {
	if referenceID == "" {
		return nil, nil
	}
	var t model.WalletTransaction
	err := tx.WithContext(ctx).
		Where("wallet_id = ? AND reference_id = ? AND transaction_type = ?", walletID, referenceID, txType).
		First(&t).Error
	if err == nil {
		return &t, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, err
}

func (r *Repository) GetWalletTransaction(ctx context.Context, id string) (*model.WalletTransaction, error) {
	var t model.WalletTransaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) FindWalletTransactionByReference(ctx context.Context, referenceID string) (*model.WalletTransaction, error) {
	var t model.WalletTransaction
	if err := r.db.WithContext(ctx).Where("reference_id = ?", referenceID).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) ListWalletTransactions(ctx context.Context, walletID string, limit int) ([]model.WalletTransaction, error) {
	var txs []model.WalletTransaction
	err := r.db.WithContext(ctx).
		Where("wallet_id = ?", walletID).
		Order("created_at desc").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

func (r *Repository) CountWalletTransactions(ctx context.Context, walletID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.WalletTransaction{}).
		Where("wallet_id = ?", walletID).Count(&n).Error
	return n, err
}

func (r *Repository) CreateBillingTransaction(ctx context.Context, tx *gorm.DB, b *model.BillingTransaction) error {
	return tx.WithContext(ctx).Create(b).Error
}

func (r *Repository) SaveBillingTransaction(ctx context.Context, tx *gorm.DB, b *model.BillingTransaction) error {
	return tx.WithContext(ctx).Save(b).Error
}

func (r *Repository) GetBillingTransaction(ctx context.Context, id string) (*model.BillingTransaction, error) {
	var b model.BillingTransaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&b).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

// PendingHoldForSession finds the hold billing row recording how much is
// currently reserved for a session.
func (r *Repository) PendingHoldForSession(ctx context.Context, sessionID string) (*model.BillingTransaction, error) {
	var b model.BillingTransaction
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND transaction_type = ? AND status = ?",
			sessionID, model.BillingHold, model.BillingPending).
		First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *Repository) FailedDebits(ctx context.Context, limit int) ([]model.BillingTransaction, error) {
	var rows []model.BillingTransaction
	err := r.db.WithContext(ctx).
		Where("transaction_type = ? AND status = ?", model.BillingDebit, model.BillingFailed).
		Order("created_at").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// FailedHolds returns hold rows whose release failed and is still owed.
func (r *Repository) FailedHolds(ctx context.Context, limit int) ([]model.BillingTransaction, error) {
	var rows []model.BillingTransaction
	err := r.db.WithContext(ctx).
		Where("transaction_type = ? AND status = ?", model.BillingHold, model.BillingFailed).
		Order("created_at").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *Repository) ListBillingByUser(ctx context.Context, userID string, limit int) ([]model.BillingTransaction, error) {
	var rows []model.BillingTransaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *Repository) GetSessionForUpdate(ctx context.Context, tx *gorm.DB, id string) (*model.ConsultationSession, error) {
	var s model.ConsultationSession
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repository) GetSession(ctx context.Context, id string) (*model.ConsultationSession, error) {
	var s model.ConsultationSession
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repository) CreateSession(ctx context.Context, tx *gorm.DB, s *model.ConsultationSession) error {
	return tx.WithContext(ctx).Create(s).Error
}

// UpdateSession writes the full transition outcome with a version check, so
// two racing transitions resolve first-writer-wins.
func (r *Repository) UpdateSession(ctx context.Context, tx *gorm.DB, s *model.ConsultationSession, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.ConsultationSession{}).
		Where("id = ? AND version = ?", s.ID, oldVersion).
		Updates(map[string]interface{}{
			"conversation_id":   s.ConversationID,
			"status":            s.Status,
			"started_at":        s.StartedAt,
			"ended_at":          s.EndedAt,
			"duration_minutes":  s.DurationMinutes,
			"total_cost":        s.TotalCost,
			"astrologer_rating": s.AstrologerRating,
			"user_rating":       s.UserRating,
			"version":           oldVersion + 1,
			"updated_at":        time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	s.Version = oldVersion + 1
	return nil
}

func (r *Repository) ListUserSessions(ctx context.Context, userID string, limit int) ([]model.ConsultationSession, error) {
	var rows []model.ConsultationSession
	err := r.db.WithContext(ctx).
		Where("user_id = ? OR astrologer_id = ?", userID, userID).
		Order("created_at desc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *Repository) CreateParticipant(ctx context.Context, tx *gorm.DB, p *model.SessionParticipant) error {
	return tx.WithContext(ctx).Create(p).Error
}

func (r *Repository) GetParticipant(ctx context.Context, id string) (*model.SessionParticipant, error) {
	var p model.SessionParticipant
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repository) ParticipantByRole(ctx context.Context, sessionID string, role model.ParticipantRole) (*model.SessionParticipant, error) {
	var p model.SessionParticipant
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND participant_role = ?", sessionID, role).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repository) SaveParticipant(ctx context.Context, p *model.SessionParticipant) error {
	return r.db.WithContext(ctx).Save(p).Error
}

func (r *Repository) DeleteParticipant(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&model.SessionParticipant{}, "id = ?", id).Error
}

func (r *Repository) ListParticipants(ctx context.Context, sessionID string) ([]model.SessionParticipant, error) {
	var rows []model.SessionParticipant
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("joined_at").
		Find(&rows).Error
	return rows, err
}

func (r *Repository) ProfileByAstrologer(ctx context.Context, astrologerID string) (*model.AstrologerProfile, error) {
	var p model.AstrologerProfile
	if err := r.db.WithContext(ctx).Where("astrologer_id = ?", astrologerID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repository) CreateProfile(ctx context.Context, p *model.AstrologerProfile) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends one drained outbox row to Kafka.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%s:%s", evt.Aggregate, evt.AggregateID)),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// CacheBalance caches the available balance for the affordability fast path.
func (r *Repository) CacheBalance(ctx context.Context, userID string, available decimal.Decimal) error {
	return r.rdb.Set(ctx, "balance:"+userID, available.String(), 5*time.Minute).Err()
}

func (r *Repository) GetCachedBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	str, err := r.rdb.Get(ctx, "balance:"+userID).Result()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(str)
}
