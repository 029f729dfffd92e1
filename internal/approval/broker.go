package approval

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-broker/internal/auth"
	"github.com/ksred/klear-broker/pkg/response"
)

// SubmitBrokerOrder files a pending batch order for admin approval
func (s *Service) SubmitBrokerOrder(ctx context.Context, brokerID, symbol, side string, quantity decimal.Decimal) (*BrokerOrder, error) {
	if symbol == "" {
		return nil, ErrMissingSymbol
	}
	if side != "buy" && side != "sell" {
		return nil, ErrInvalidSide.WithMessage("invalid side %q: must be buy or sell", side)
	}
	if !quantity.IsPositive() {
		return nil, ErrInvalidQuantity
	}

	now := s.now()
	order := &BrokerOrder{
		OrderID:   uuid.New().String(),
		BrokerID:  brokerID,
		Symbol:    symbol,
		Side:      side,
		Quantity:  quantity,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.CreateBrokerOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create broker order: %w", err)
	}

	log.Info().
		Str("order_id", order.OrderID).
		Str("broker_id", brokerID).
		Str("symbol", symbol).
		Str("side", side).
		Str("quantity", quantity.String()).
		Str("service", "approval").
		Msg("broker order submitted")

	return order, nil
}

// ApproveBrokerOrder flips a pending broker order to approved and stamps the
// approver. It has no ledger effect.
func (s *Service) ApproveBrokerOrder(ctx context.Context, orderID, adminID string) (*BrokerOrder, error) {
	now := s.now()
	ok, err := decidePending(s.db.db.WithContext(ctx), &BrokerOrder{}, "order_id", orderID, map[string]interface{}{
		"status":      StatusApproved,
		"approved_by": adminID,
		"approved_at": now,
		"updated_at":  now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update broker order: %w", err)
	}

	order, err := s.db.GetBrokerOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrBrokerOrderNotFound.WithMessage("broker order %s not found", orderID)
	}
	if !ok {
		return nil, ErrAlreadyDecided.WithMessage("broker order %s is already %s", orderID, order.Status)
	}

	log.Info().Str("order_id", orderID).Str("admin_id", adminID).Str("service", "approval").Msg("broker order approved")
	return order, nil
}

func (s *Service) ListBrokerOrders(ctx context.Context, status string) ([]BrokerOrder, error) {
	if !validStatusFilter(status) {
		return nil, ErrInvalidStatus
	}
	return s.db.ListBrokerOrders(ctx, status)
}

// SubmitBrokerOrderHandler files a batch order for the calling broker
func (h *GinHandlers) SubmitBrokerOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := auth.PrincipalFromContext(c)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		var body BrokerOrderBody
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}
		if body.Quantity == nil {
			response.Handle(c, nil, ErrInvalidQuantity)
			return
		}

		order, err := h.service.SubmitBrokerOrder(c.Request.Context(), principal.AccountID, body.Symbol, body.Side, *body.Quantity)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, BrokerOrderStatus{OrderID: order.OrderID, Status: order.Status})
	}
}

// ApproveBrokerOrderHandler approves a pending broker order
// URL parameter: id
func (h *GinHandlers) ApproveBrokerOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := auth.PrincipalFromContext(c)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		order, err := h.service.ApproveBrokerOrder(c.Request.Context(), c.Param("id"), principal.AccountID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, BrokerOrderStatus{OrderID: order.OrderID, Status: order.Status})
	}
}

func (h *GinHandlers) ListBrokerOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orders, err := h.service.ListBrokerOrders(c.Request.Context(), c.Query("status"))
		response.Handle(c, orders, err)
	}
}
