package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/astroveda/consultation-service/internal/model"
	"github.com/astroveda/consultation-service/internal/repo"
)

// Ledger owns every wallet balance mutation. Each operation runs in one
// database transaction holding the wallet row lock, appends exactly one audit
// row and one outbox event, and refreshes the balance cache best-effort.
type Ledger struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

func NewLedger(r repo.RepositoryInterface, logger *zap.SugaredLogger) *Ledger {
	return &Ledger{repo: r, log: logger}
}

// CreateWallet provisions the user's wallet once; a second call conflicts.
func (l *Ledger) CreateWallet(ctx context.Context, userID string, initial decimal.Decimal, currency string) (*model.Wallet, error) {
	if initial.IsNegative() {
		return nil, ErrInvalidAmount
	}
	if currency == "" {
		currency = "INR"
	}
	var created *model.Wallet
	err := l.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := l.repo.GetWalletForUpdate(ctx, tx, userID); err == nil {
			return fmt.Errorf("%w: user %s", ErrWalletExists, userID)
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		w := &model.Wallet{
			ID:               uuid.NewString(),
			UserID:           userID,
			CurrentBalance:   initial,
			AvailableBalance: initial,
			HeldBalance:      decimal.Zero,
			Currency:         currency,
			Status:           model.WalletActive,
		}
		if err := l.repo.CreateWallet(ctx, tx, w); err != nil {
			// A concurrent create can slip past the probe; the unique index
			// on user_id is the real arbiter.
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: user %s", ErrWalletExists, userID)
			}
			return err
		}
		if initial.IsPositive() {
			if err := l.appendAudit(ctx, tx, w, model.TxDeposit, initial, decimal.Zero, "", "initial balance", nil); err != nil {
				return err
			}
		}
		if err := l.emit(ctx, tx, w.UserID, "WalletCreated", map[string]interface{}{
			"wallet_id": w.ID, "user_id": w.UserID, "balance": initial,
		}); err != nil {
			return err
		}
		created = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.refreshCache(ctx, created)
	return created, nil
}

// AddFunds credits current and available balance (top-up or payout).
func (l *Ledger) AddFunds(ctx context.Context, userID string, amount decimal.Decimal, referenceID, description string) (*model.Wallet, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	var out *model.Wallet
	err := l.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		w, replayed, err := l.lockWallet(ctx, tx, userID, referenceID, model.TxDeposit)
		if err != nil || replayed {
			out = w
			return err
		}
		before := w.CurrentBalance
		w.AddBalance(amount)
		if err := l.repo.UpdateWallet(ctx, tx, w, w.Version); err != nil {
			return err
		}
		if err := l.appendAudit(ctx, tx, w, model.TxDeposit, amount, before, referenceID, description, nil); err != nil {
			return err
		}
		if err := l.emit(ctx, tx, userID, "FundsAdded", map[string]interface{}{
			"wallet_id": w.ID, "amount": amount, "balance": w.CurrentBalance,
		}); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.refreshCache(ctx, out)
	return out, nil
}

// HoldFunds reserves amount for a pending engagement: available drops, held
// grows, current balance is unchanged.
func (l *Ledger) HoldFunds(ctx context.Context, userID string, amount decimal.Decimal, referenceID, description string) (*model.Wallet, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	var out *model.Wallet
	err := l.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		w, replayed, err := l.lockWallet(ctx, tx, userID, referenceID, model.TxWithdrawal)
		if err != nil || replayed {
			out = w
			return err
		}
		before := w.CurrentBalance
		if !w.Hold(amount) {
			return fmt.Errorf("%w: cannot hold %s for user %s", ErrInsufficientFunds, amount, userID)
		}
		if err := l.repo.UpdateWallet(ctx, tx, w, w.Version); err != nil {
			return err
		}
		if err := l.appendAudit(ctx, tx, w, model.TxWithdrawal, amount, before, referenceID, description, nil); err != nil {
			return err
		}
		if err := l.emit(ctx, tx, userID, "FundsHeld", map[string]interface{}{
			"wallet_id": w.ID, "amount": amount, "held": w.HeldBalance,
		}); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.refreshCache(ctx, out)
	return out, nil
}

// ReleaseFunds moves amount back from held to available. Releasing more than
// is held fails loudly rather than clamping.
func (l *Ledger) ReleaseFunds(ctx context.Context, userID string, amount decimal.Decimal, referenceID, description string) (*model.Wallet, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	var out *model.Wallet
	err := l.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		w, replayed, err := l.lockWallet(ctx, tx, userID, referenceID, model.TxRefund)
		if err != nil || replayed {
			out = w
			return err
		}
		before := w.CurrentBalance
		if !w.ReleaseHold(amount) {
			return fmt.Errorf("%w: release %s, held %s", ErrInvalidReleaseAmount, amount, w.HeldBalance)
		}
		if err := l.repo.UpdateWallet(ctx, tx, w, w.Version); err != nil {
			return err
		}
		if err := l.appendAudit(ctx, tx, w, model.TxRefund, amount, before, referenceID, description, nil); err != nil {
			return err
		}
		if err := l.emit(ctx, tx, userID, "FundsReleased", map[string]interface{}{
			"wallet_id": w.ID, "amount": amount, "held": w.HeldBalance,
		}); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.refreshCache(ctx, out)
	return out, nil
}

// DeductFromHold settles amount out of held funds; this is the only operation
// besides AddFunds that moves the current balance.
func (l *Ledger) DeductFromHold(ctx context.Context, userID string, amount decimal.Decimal, referenceID, description string, billingID *string) (*model.Wallet, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	var out *model.Wallet
	err := l.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		w, replayed, err := l.lockWallet(ctx, tx, userID, referenceID, model.TxFee)
		if err != nil || replayed {
			out = w
			return err
		}
		before := w.CurrentBalance
		if !w.DeductFromHold(amount) {
			return fmt.Errorf("%w: deduct %s, held %s", ErrInsufficientHeldFunds, amount, w.HeldBalance)
		}
		if err := l.repo.UpdateWallet(ctx, tx, w, w.Version); err != nil {
			return err
		}
		if err := l.appendAudit(ctx, tx, w, model.TxFee, amount, before, referenceID, description, billingID); err != nil {
			return err
		}
		if err := l.emit(ctx, tx, userID, "FundsDeducted", map[string]interface{}{
			"wallet_id": w.ID, "amount": amount, "balance": w.CurrentBalance,
		}); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.refreshCache(ctx, out)
	return out, nil
}

// CanAfford reports whether available balance covers amount. A missing wallet
// answers false rather than erroring.
func (l *Ledger) CanAfford(ctx context.Context, userID string, amount decimal.Decimal) bool {
	if bal, err := l.repo.GetCachedBalance(ctx, userID); err == nil {
		return bal.GreaterThanOrEqual(amount)
	}
	w, err := l.repo.GetWalletByUser(ctx, userID)
	if err != nil {
		return false
	}
	if err := l.repo.CacheBalance(ctx, userID, w.AvailableBalance); err != nil {
		l.log.Warnf("cache balance for %s: %v", userID, err)
	}
	return w.CanAfford(amount)
}

// GetBalance returns the wallet projection, or nil if none exists.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (*model.Wallet, error) {
	w, err := l.repo.GetWalletByUser(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// SetStatus freezes, suspends or reactivates a wallet. Balances are untouched.
func (l *Ledger) SetStatus(ctx context.Context, userID string, status model.WalletStatus) (*model.Wallet, error) {
	var out *model.Wallet
	err := l.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := l.repo.GetWalletForUpdate(ctx, tx, userID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: user %s", ErrWalletNotFound, userID)
			}
			return err
		}
		w.Status = status
		if err := l.repo.UpdateWallet(ctx, tx, w, w.Version); err != nil {
			return err
		}
		out = w
		return nil
	})
	return out, err
}

// GetHistory returns recent audit rows and the total count for a wallet.
func (l *Ledger) GetHistory(ctx context.Context, walletID string, limit int) ([]model.WalletTransaction, int64, error) {
	if limit <= 0 {
		limit = 20
	}
	txs, err := l.repo.ListWalletTransactions(ctx, walletID, limit)
	if err != nil {
		return nil, 0, err
	}
	total, err := l.repo.CountWalletTransactions(ctx, walletID)
	if err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

func (l *Ledger) GetTransaction(ctx context.Context, id string) (*model.WalletTransaction, error) {
	t, err := l.repo.GetWalletTransaction(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	return t, err
}

func (l *Ledger) GetTransactionByReference(ctx context.Context, referenceID string) (*model.WalletTransaction, error) {
	t, err := l.repo.FindWalletTransactionByReference(ctx, referenceID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: reference %s", ErrTransactionNotFound, referenceID)
	}
	return t, err
}

// lockWallet loads the wallet under a row lock, rejects inactive wallets and
// replays a mutation whose reference key was already recorded.
func (l *Ledger) lockWallet(ctx context.Context, tx *gorm.DB, userID, referenceID string, txType model.WalletTransactionType) (*model.Wallet, bool, error) {
	w, err := l.repo.GetWalletForUpdate(ctx, tx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, fmt.Errorf("%w: user %s", ErrWalletNotFound, userID)
		}
		return nil, false, err
	}
	if !w.IsActive() {
		return nil, false, fmt.Errorf("%w: user %s status %s", ErrWalletNotActive, userID, w.Status)
	}
	if referenceID != "" {
		prior, err := l.repo.WalletTxByReference(ctx, tx, w.ID, referenceID, txType)
		if err != nil {
			return nil, false, err
		}
		if prior != nil {
			l.log.Infof("replaying %s %s for user %s", txType, referenceID, userID)
			return w, true, nil
		}
	}
	return w, false, nil
}

func (l *Ledger) appendAudit(ctx context.Context, tx *gorm.DB, w *model.Wallet, txType model.WalletTransactionType, amount, before decimal.Decimal, referenceID, description string, billingID *string) error {
	rec := &model.WalletTransaction{
		ID:                   uuid.NewString(),
		WalletID:             w.ID,
		BillingTransactionID: billingID,
		TransactionType:      txType,
		Amount:               amount,
		BalanceBefore:        before,
		BalanceAfter:         w.CurrentBalance,
	}
	if referenceID != "" {
		rec.ReferenceID = &referenceID
	}
	if description != "" {
		rec.Description = &description
	}
	return l.repo.CreateWalletTransaction(ctx, tx, rec)
}

func (l *Ledger) emit(ctx context.Context, tx *gorm.DB, aggregateID, eventType string, payload map[string]interface{}) error {
	data, _ := json.Marshal(payload)
	return l.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
		Aggregate:   "Wallet",
		AggregateID: aggregateID,
		EventType:   eventType,
		Payload:     string(data),
	})
}

func (l *Ledger) refreshCache(ctx context.Context, w *model.Wallet) {
	if w == nil {
		return
	}
	if err := l.repo.CacheBalance(ctx, w.UserID, w.AvailableBalance); err != nil {
		l.log.Warnf("cache balance for %s: %v", w.UserID, err)
	}
}
