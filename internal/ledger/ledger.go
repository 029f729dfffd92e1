package ledger

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-broker/internal/auth"
	"github.com/ksred/klear-broker/internal/events"
	"github.com/ksred/klear-broker/internal/observability"
	"github.com/ksred/klear-broker/internal/types"
	"github.com/ksred/klear-broker/pkg/response"
)

// lockStripes bounds the number of posting mutexes regardless of how many
// account ids are seen.
const lockStripes = 256

var (
	ErrAccountNotFound = types.NotFound("ACCOUNT_NOT_FOUND", "account not found")
	ErrInvalidAmount   = types.InvalidArgument("INVALID_AMOUNT", "amount is required")
)

// TxFunc runs inside the posting transaction after the account row is locked
// and before the entry is written. Returning an error rolls everything back.
type TxFunc func(tx *gorm.DB, account *Account) error

// Service is the single writer of account balances
type Service struct {
	db        *Database
	publisher events.Publisher
	metrics   *observability.Metrics
	now       func() time.Time

	locks [lockStripes]sync.Mutex // posting locks, striped by account id
}

// NewService creates a new ledger service with the given database connection
func NewService(gormDB *gorm.DB, publisher events.Publisher, metrics *observability.Metrics) *Service {
	return &Service{
		db:        NewDatabase(gormDB),
		publisher: publisher,
		metrics:   metrics,
		now:       time.Now,
	}
}

// accountLock returns the stripe guarding accountID. Accounts sharing a
// stripe also serialize with each other.
func (s *Service) accountLock(accountID string) *sync.Mutex {
	return &s.locks[xxhash.Sum64String(accountID)%lockStripes]
}

// ApplyDelta records an entry and moves the account balance by delta
func (s *Service) ApplyDelta(ctx context.Context, accountID string, delta decimal.Decimal, reason string) (*Result, error) {
	return s.Post(ctx, Posting{AccountID: accountID, Delta: delta, Reason: reason, Kind: "manual"}, nil)
}

// Post applies a posting atomically. The account row is locked, fn runs with
// the same transaction so callers can validate state and write their own
// records, then the entry is inserted and the cached balance incremented.
// Concurrent posts on one account are serialized. The entry_posted event is
// published after the account lock is released.
func (s *Service) Post(ctx context.Context, p Posting, fn TxFunc) (*Result, error) {
	logger := log.With().
		Str("account_id", p.AccountID).
		Str("delta", p.Delta.String()).
		Str("reason", p.Reason).
		Str("service", "ledger").
		Logger()

	result, err := s.commit(ctx, p, fn)
	if err != nil {
		return nil, err
	}

	kind := p.Kind
	if kind == "" {
		kind = "manual"
	}
	s.metrics.LedgerEntries.WithLabelValues(kind).Inc()

	logger.Info().
		Str("entry_id", result.Entry.EntryID).
		Str("new_balance", result.NewBalance.String()).
		Msg("ledger entry posted")

	s.publish(ctx, result.Entry, result.NewBalance)

	return result, nil
}

// commit runs the posting transaction under the account lock
func (s *Service) commit(ctx context.Context, p Posting, fn TxFunc) (*Result, error) {
	mu := s.accountLock(p.AccountID)
	mu.Lock()
	defer mu.Unlock()

	tx := s.db.DB().WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	account, err := lockAccount(tx, p.AccountID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if account == nil {
		tx.Rollback()
		return nil, ErrAccountNotFound.WithMessage("account %s not found", p.AccountID)
	}

	if fn != nil {
		if err := fn(tx, account); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	entryID := p.EntryID
	if entryID == "" {
		entryID = uuid.New().String()
	}

	now := s.now()
	entry := &LedgerEntry{
		EntryID:   entryID,
		AccountID: p.AccountID,
		Delta:     p.Delta,
		Reason:    p.Reason,
		CreatedAt: now,
	}
	if err := tx.Create(entry).Error; err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to create ledger entry: %w", err)
	}

	newBalance := account.Balance.Add(p.Delta)
	result := tx.Model(&Account{}).
		Where("account_id = ?", p.AccountID).
		Updates(map[string]interface{}{
			"balance":    newBalance,
			"updated_at": now,
		})
	if result.Error != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to update balance: %w", result.Error)
	}
	if result.RowsAffected != 1 {
		tx.Rollback()
		return nil, ErrAccountNotFound.WithMessage("account %s not found", p.AccountID)
	}

	if err := tx.Commit().Error; err != nil {
		log.Error().Err(err).Str("account_id", p.AccountID).Msg("failed to commit posting")
		return nil, fmt.Errorf("failed to commit posting: %w", err)
	}

	return &Result{Entry: entry, NewBalance: newBalance}, nil
}

func (s *Service) publish(ctx context.Context, entry *LedgerEntry, balance decimal.Decimal) {
	evt := events.Event{
		Type: events.TypeEntryPosted,
		Key:  entry.AccountID,
		Payload: map[string]interface{}{
			"entry_id":   entry.EntryID,
			"account_id": entry.AccountID,
			"delta":      entry.Delta,
			"reason":     entry.Reason,
			"balance":    balance,
			"created_at": entry.CreatedAt,
		},
		Timestamp: s.now(),
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.metrics.EventPublishErr.Inc()
		log.Warn().Err(err).Str("entry_id", entry.EntryID).Msg("failed to publish ledger event")
	}
}

// ApplyManualBalanceAdjustment is the admin path for arbitrary corrections.
// An empty reason is recorded as "manual".
func (s *Service) ApplyManualBalanceAdjustment(ctx context.Context, accountID string, amount decimal.Decimal, reason string) (*Result, error) {
	if reason == "" {
		reason = "manual"
	}
	return s.Post(ctx, Posting{AccountID: accountID, Delta: amount, Reason: reason, Kind: "manual"}, nil)
}

// GetAccount returns the account or ErrAccountNotFound
func (s *Service) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	account, err := s.db.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, ErrAccountNotFound.WithMessage("account %s not found", accountID)
	}
	return account, nil
}

// ListEntries returns the account's entries, newest first
func (s *Service) ListEntries(ctx context.Context, accountID string, limit int) ([]LedgerEntry, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.db.ListEntries(ctx, accountID, limit)
}

// Reconcile compares the cached balance with the sum of all entries
func (s *Service) Reconcile(ctx context.Context, accountID string) (*Reconciliation, error) {
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	entries, err := s.db.ListEntries(ctx, accountID, 0)
	if err != nil {
		return nil, err
	}

	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.Delta)
	}

	return &Reconciliation{
		AccountID: accountID,
		Balance:   account.Balance,
		EntrySum:  sum,
		Entries:   len(entries),
	}, nil
}

// GetDB returns the ledger's storage
func (s *Service) GetDB() *Database {
	return s.db
}

// GinHandlers contains HTTP handlers for ledger endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GetLedgerHandler lists the caller's entries. Admins may pass account_id.
func (h *GinHandlers) GetLedgerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := auth.PrincipalFromContext(c)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		accountID := principal.AccountID
		if other := c.Query("account_id"); other != "" && other != accountID {
			if !principal.HasRole(auth.RoleAdmin) {
				response.Forbidden(c, "only admins can read other ledgers")
				return
			}
			accountID = other
		}

		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				response.BadRequest(c, "limit must be a non-negative integer")
				return
			}
			limit = n
		}

		entries, err := h.service.ListEntries(c.Request.Context(), accountID, limit)
		response.Handle(c, entries, err)
	}
}

// AdjustBalanceHandler handles admin balance corrections
// URL parameter: userId
func (h *GinHandlers) AdjustBalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := c.Param("userId")

		var req AdjustmentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}
		if req.Amount == nil {
			response.Handle(c, nil, ErrInvalidAmount)
			return
		}

		result, err := h.service.ApplyManualBalanceAdjustment(c.Request.Context(), accountID, *req.Amount, req.Reason)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, AdjustmentResponse{
			AccountID:  accountID,
			Amount:     *req.Amount,
			NewBalance: result.NewBalance,
		})
	}
}
