// Package approval holds the admin decision workflow for cash requests and
// broker batch orders.
package approval

import (
	"time"

	"gorm.io/gorm"

	"github.com/ksred/klear-broker/internal/ledger"
	"github.com/ksred/klear-broker/internal/observability"
	"github.com/ksred/klear-broker/internal/types"
)

var (
	ErrCashRequestNotFound = types.NotFound("CASH_REQUEST_NOT_FOUND", "cash request not found")
	ErrBrokerOrderNotFound = types.NotFound("BROKER_ORDER_NOT_FOUND", "broker order not found")
	ErrAlreadyDecided      = types.Conflict("ALREADY_DECIDED", "request is no longer pending")
	ErrInvalidAmount       = types.InvalidArgument("INVALID_AMOUNT", "amount must be greater than zero")
	ErrInvalidCashType     = types.InvalidArgument("INVALID_CASH_TYPE", "type must be deposit or withdrawal")
	ErrInvalidSide         = types.InvalidArgument("INVALID_SIDE", "side must be buy or sell")
	ErrMissingSymbol       = types.InvalidArgument("MISSING_SYMBOL", "symbol is required")
	ErrInvalidQuantity     = types.InvalidArgument("INVALID_QUANTITY", "quantity must be greater than zero")
	ErrInvalidStatus       = types.InvalidArgument("INVALID_STATUS", "status filter must be pending, approved or rejected")
)

// Service runs the pending -> approved/rejected state machine.
// Cash approvals settle through the ledger in the same transaction.
type Service struct {
	db      *Database
	ledger  *ledger.Service
	metrics *observability.Metrics
	now     func() time.Time
}

func NewService(gormDB *gorm.DB, ledgerService *ledger.Service, metrics *observability.Metrics) *Service {
	return &Service{
		db:      NewDatabase(gormDB),
		ledger:  ledgerService,
		metrics: metrics,
		now:     time.Now,
	}
}

func (s *Service) GetDB() *Database {
	return s.db
}

func validStatusFilter(status string) bool {
	switch status {
	case "", StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// GinHandlers contains HTTP handlers for approval endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}
