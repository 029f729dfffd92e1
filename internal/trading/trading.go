package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-broker/internal/auth"
	"github.com/ksred/klear-broker/internal/ledger"
	"github.com/ksred/klear-broker/internal/observability"
	"github.com/ksred/klear-broker/internal/types"
	"github.com/ksred/klear-broker/pkg/response"
)

var (
	ErrInvalidSide     = types.InvalidArgument("INVALID_SIDE", "side must be buy or sell")
	ErrNotVerified     = types.Forbidden("NOT_VERIFIED", "only verified accounts can trade")
	ErrInvalidQuantity = types.InvalidArgument("INVALID_QUANTITY", "quantity must be greater than zero")
	ErrInvalidPrice    = types.InvalidArgument("INVALID_PRICE", "price must be zero or greater")
	ErrMissingBucket   = types.InvalidArgument("MISSING_BUCKET", "bucket is required")
	ErrMissingSymbol   = types.InvalidArgument("MISSING_SYMBOL", "symbol is required")
	ErrOrderNotFound   = types.NotFound("ORDER_NOT_FOUND", "order not found")
	ErrDuplicateKey    = types.Conflict("DUPLICATE_IDEMPOTENCY_KEY", "idempotency key already used")
)

// replayError short-circuits a posting when the idempotency key was seen
type replayError struct {
	orderID string
	balance decimal.Decimal
}

func (e *replayError) Error() string { return "replayed order " + e.orderID }

// Service executes immediate fills against the ledger
type Service struct {
	db      *Database
	ledger  *ledger.Service
	metrics *observability.Metrics
	now     func() time.Time
}

// NewService creates a new trading service with the given database connection
func NewService(gormDB *gorm.DB, ledgerService *ledger.Service, metrics *observability.Metrics) *Service {
	return &Service{
		db:      NewDatabase(gormDB),
		ledger:  ledgerService,
		metrics: metrics,
		now:     time.Now,
	}
}

// Delta returns the signed ledger delta for a fill: buys debit, sells credit
func Delta(side string, quantity, price decimal.Decimal) decimal.Decimal {
	notional := quantity.Mul(price)
	if side == SideBuy {
		return notional.Neg()
	}
	return notional
}

func validate(account *ledger.Account, req PlaceOrderRequest) error {
	if !account.Verified {
		return ErrNotVerified
	}
	if req.Side != SideBuy && req.Side != SideSell {
		return ErrInvalidSide.WithMessage("invalid side %q: must be buy or sell", req.Side)
	}
	if req.Bucket == "" {
		return ErrMissingBucket
	}
	if req.Symbol == "" {
		return ErrMissingSymbol
	}
	if req.Quantity == nil || !req.Quantity.IsPositive() {
		return ErrInvalidQuantity
	}
	if req.Price == nil || req.Price.IsNegative() {
		return ErrInvalidPrice
	}
	return nil
}

// PlaceOrder records an immediate fill and settles it on the ledger.
// The order row, ledger entry and balance update commit together.
// The price is taken as given; it is not checked against live quotes.
// Parameters:
//   - req: the order; AccountID is the authenticated caller
//   - idempotencyKey: optional; a repeated key returns the first order and
//     the balance that order left, not the current balance
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest, idempotencyKey string) (*PlaceOrderResult, error) {
	logger := log.With().
		Str("account_id", req.AccountID).
		Str("bucket", req.Bucket).
		Str("symbol", req.Symbol).
		Str("side", req.Side).
		Str("service", "trading").
		Logger()

	logger.Info().Msg("placing order")

	key := ""
	if idempotencyKey != "" {
		key = req.AccountID + ":" + idempotencyKey
	}

	quantity, price := decimal.Zero, decimal.Zero
	if req.Quantity != nil {
		quantity = *req.Quantity
	}
	if req.Price != nil {
		price = *req.Price
	}

	var order *Order
	posting := ledger.Posting{
		AccountID: req.AccountID,
		EntryID:   uuid.New().String(),
		Delta:     Delta(req.Side, quantity, price),
		Reason:    fmt.Sprintf("%s %s", req.Side, req.Symbol),
		Kind:      "trade",
	}

	result, err := s.ledger.Post(ctx, posting, func(tx *gorm.DB, account *ledger.Account) error {
		now := s.now()

		if key != "" {
			var record IdempotencyRecord
			err := tx.Where("idempotency_key = ?", key).First(&record).Error
			switch {
			case err == nil && record.ExpiresAt.After(now):
				return &replayError{orderID: record.ResourceID, balance: record.Balance}
			case err == nil:
				if err := tx.Unscoped().Delete(&record).Error; err != nil {
					return err
				}
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return err
			}
		}

		if err := validate(account, req); err != nil {
			return err
		}

		order = &Order{
			OrderID:   uuid.New().String(),
			AccountID: req.AccountID,
			Bucket:    req.Bucket,
			Symbol:    req.Symbol,
			Side:      req.Side,
			Quantity:  quantity,
			Price:     price,
			EntryID:   posting.EntryID,
			CreatedAt: now,
		}
		if err := createOrderWithIdempotency(tx, order, key, account.Balance.Add(posting.Delta), now); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("failed to create order: %w", err)
		}
		return nil
	})

	var replay *replayError
	if errors.As(err, &replay) {
		logger.Info().Str("order_id", replay.orderID).Msg("idempotent replay of order")
		return &PlaceOrderResult{OrderID: replay.orderID, NewBalance: replay.balance, Replayed: true}, nil
	}
	if err != nil {
		logger.Warn().Err(err).Msg("order rejected")
		return nil, err
	}

	s.metrics.OrdersPlaced.WithLabelValues(req.Side).Inc()

	logger.Info().
		Str("order_id", order.OrderID).
		Str("entry_id", result.Entry.EntryID).
		Str("delta", result.Entry.Delta.String()).
		Str("new_balance", result.NewBalance.String()).
		Msg("order filled")

	return &PlaceOrderResult{OrderID: order.OrderID, NewBalance: result.NewBalance}, nil
}

// GetOrder returns one of the caller's orders
func (s *Service) GetOrder(ctx context.Context, orderID, accountID string) (*Order, error) {
	order, err := s.db.GetOrderByOrderIDAndAccountID(ctx, orderID, accountID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound.WithMessage("order %s not found", orderID)
	}
	return order, nil
}

// ListOrders returns the caller's orders, newest first
func (s *Service) ListOrders(ctx context.Context, accountID string) ([]Order, error) {
	return s.db.ListOrders(ctx, accountID)
}

// GetDB returns the trading storage
func (s *Service) GetDB() *Database {
	return s.db
}

// GinHandlers contains HTTP handlers for trading endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for trading endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// PlaceOrderHandler handles POST requests to place an immediate-fill order
// Requires a valid token; Idempotency-Key header is optional
// Request body: bucket, symbol, side, quantity, price
func (h *GinHandlers) PlaceOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := auth.PrincipalFromContext(c)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		var req PlaceOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}
		req.AccountID = principal.AccountID

		result, err := h.service.PlaceOrder(c.Request.Context(), req, c.GetHeader("Idempotency-Key"))
		response.Handle(c, result, err)
	}
}

// GetOrderHandler handles GET requests for one of the caller's orders
// URL parameter: id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := auth.PrincipalFromContext(c)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		order, err := h.service.GetOrder(c.Request.Context(), c.Param("id"), principal.AccountID)
		response.Handle(c, order, err)
	}
}

// ListOrdersHandler handles GET requests for the caller's order history
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := auth.PrincipalFromContext(c)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		orders, err := h.service.ListOrders(c.Request.Context(), principal.AccountID)
		response.Handle(c, orders, err)
	}
}
