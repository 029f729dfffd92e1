package approval

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-broker/internal/auth"
	"github.com/ksred/klear-broker/internal/ledger"
	"github.com/ksred/klear-broker/pkg/response"
)

// CashDelta is the ledger delta for a settled cash request
func CashDelta(cashType string, amount decimal.Decimal) decimal.Decimal {
	if cashType == TypeDeposit {
		return amount
	}
	return amount.Neg()
}

// RequestCash files a pending deposit or withdrawal. No balance check is done;
// a withdrawal larger than the balance is accepted.
func (s *Service) RequestCash(ctx context.Context, accountID, cashType string, amount decimal.Decimal) (*CashRequest, error) {
	logger := log.With().
		Str("account_id", accountID).
		Str("type", cashType).
		Str("amount", amount.String()).
		Str("service", "approval").
		Logger()

	if cashType != TypeDeposit && cashType != TypeWithdrawal {
		return nil, ErrInvalidCashType
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if _, err := s.ledger.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	now := s.now()
	req := &CashRequest{
		RequestID:       uuid.New().String(),
		AccountID:       accountID,
		Type:            cashType,
		RequestedAmount: amount,
		Amount:          amount,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.db.CreateCashRequest(ctx, req); err != nil {
		logger.Error().Err(err).Msg("failed to create cash request")
		return nil, fmt.Errorf("failed to create cash request: %w", err)
	}

	logger.Info().Str("request_id", req.RequestID).Msg("cash request filed")
	return req, nil
}

// ApproveCash settles a pending request for settledAmount, or for the
// requested amount when settledAmount is nil. A request that is no longer
// pending fails with ErrAlreadyDecided and writes nothing.
func (s *Service) ApproveCash(ctx context.Context, requestID string, settledAmount *decimal.Decimal, adminID string) (*CashApproval, error) {
	logger := log.With().
		Str("request_id", requestID).
		Str("admin_id", adminID).
		Str("service", "approval").
		Logger()

	req, err := s.db.GetCashRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, ErrCashRequestNotFound.WithMessage("cash request %s not found", requestID)
	}
	if req.Status != StatusPending {
		return nil, ErrAlreadyDecided.WithMessage("cash request %s is already %s", requestID, req.Status)
	}

	amount := req.RequestedAmount
	if settledAmount != nil {
		amount = *settledAmount
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	posting := ledger.Posting{
		AccountID: req.AccountID,
		EntryID:   uuid.New().String(),
		Delta:     CashDelta(req.Type, amount),
		Reason:    fmt.Sprintf("%s approval", req.Type),
		Kind:      "cash",
	}

	result, err := s.ledger.Post(ctx, posting, func(tx *gorm.DB, _ *ledger.Account) error {
		now := s.now()
		ok, err := decidePending(tx, &CashRequest{}, "request_id", requestID, map[string]interface{}{
			"status":     StatusApproved,
			"amount":     amount,
			"decided_by": adminID,
			"decided_at": now,
			"entry_id":   posting.EntryID,
			"updated_at": now,
		})
		if err != nil {
			return fmt.Errorf("failed to update cash request: %w", err)
		}
		if !ok {
			return ErrAlreadyDecided.WithMessage("cash request %s is no longer pending", requestID)
		}
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("cash approval failed")
		return nil, err
	}

	s.metrics.CashDecisions.WithLabelValues(req.Type, StatusApproved).Inc()

	logger.Info().
		Str("account_id", req.AccountID).
		Str("requested_amount", req.RequestedAmount.String()).
		Str("final_amount", amount.String()).
		Str("new_balance", result.NewBalance.String()).
		Msg("cash request approved")

	return &CashApproval{RequestID: requestID, FinalAmount: amount, NewBalance: result.NewBalance}, nil
}

// RejectCash closes a pending request without touching the ledger
func (s *Service) RejectCash(ctx context.Context, requestID, adminID string) (*CashRequest, error) {
	now := s.now()
	ok, err := decidePending(s.db.db.WithContext(ctx), &CashRequest{}, "request_id", requestID, map[string]interface{}{
		"status":     StatusRejected,
		"decided_by": adminID,
		"decided_at": now,
		"updated_at": now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update cash request: %w", err)
	}

	req, err := s.db.GetCashRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, ErrCashRequestNotFound.WithMessage("cash request %s not found", requestID)
	}
	if !ok {
		return nil, ErrAlreadyDecided.WithMessage("cash request %s is already %s", requestID, req.Status)
	}

	s.metrics.CashDecisions.WithLabelValues(req.Type, StatusRejected).Inc()
	log.Info().Str("request_id", requestID).Str("admin_id", adminID).Str("service", "approval").Msg("cash request rejected")
	return req, nil
}

// GetCashRequest returns a request or ErrCashRequestNotFound
func (s *Service) GetCashRequest(ctx context.Context, requestID string) (*CashRequest, error) {
	req, err := s.db.GetCashRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, ErrCashRequestNotFound.WithMessage("cash request %s not found", requestID)
	}
	return req, nil
}

func (s *Service) ListCashRequests(ctx context.Context, status string) ([]CashRequest, error) {
	if !validStatusFilter(status) {
		return nil, ErrInvalidStatus
	}
	return s.db.ListCashRequests(ctx, status)
}

// RequestCashHandler files a deposit or withdrawal for the caller
func (h *GinHandlers) RequestCashHandler(cashType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := auth.PrincipalFromContext(c)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		var body CashRequestBody
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}
		if body.Amount == nil {
			response.Handle(c, nil, ErrInvalidAmount)
			return
		}

		req, err := h.service.RequestCash(c.Request.Context(), principal.AccountID, cashType, *body.Amount)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, CashRequestResponse{RequestID: req.RequestID, Status: req.Status})
	}
}

// ApproveCashHandler settles a pending cash request
// URL parameter: id; optional body amount overrides the requested amount
func (h *GinHandlers) ApproveCashHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := auth.PrincipalFromContext(c)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		var body ApproveCashBody
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&body); err != nil {
				response.BadRequest(c, "Invalid request body")
				return
			}
		}

		result, err := h.service.ApproveCash(c.Request.Context(), c.Param("id"), body.Amount, principal.AccountID)
		response.Handle(c, result, err)
	}
}

// RejectCashHandler closes a pending cash request
func (h *GinHandlers) RejectCashHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := auth.PrincipalFromContext(c)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		req, err := h.service.RejectCash(c.Request.Context(), c.Param("id"), principal.AccountID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, CashRequestResponse{RequestID: req.RequestID, Status: req.Status})
	}
}

// ListCashRequestsHandler lists cash requests, optionally by ?status=
func (h *GinHandlers) ListCashRequestsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqs, err := h.service.ListCashRequests(c.Request.Context(), c.Query("status"))
		response.Handle(c, reqs, err)
	}
}
