// Package market holds the bucket registry, the admin market controls and
// the quote cache that reads them.
package market

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-broker/internal/observability"
	"github.com/ksred/klear-broker/internal/types"
	"github.com/ksred/klear-broker/pkg/response"
)

var (
	ErrMissingBucket   = types.InvalidArgument("MISSING_BUCKET", "bucket is required")
	ErrInvalidBucket   = types.InvalidArgument("INVALID_BUCKET", "bucket is not in the registry")
	ErrMissingActive   = types.InvalidArgument("MISSING_ACTIVE", "active is required")
	ErrInvalidOverride = types.InvalidArgument("INVALID_PRICE_OVERRIDE", "price_override must be zero or greater")
	ErrControlNotFound = types.NotFound("CONTROL_NOT_FOUND", "no control set for bucket")
)

type Service struct {
	db    *Database
	cache *QuoteCache
	now   func() time.Time
}

// NewService wires the control store and a quote cache reading from it
func NewService(gormDB *gorm.DB, provider QuoteProvider, metrics *observability.Metrics, cfg QuoteCacheConfig) *Service {
	db := NewDatabase(gormDB)
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		db:    db,
		cache: NewQuoteCache(provider, db, metrics, cfg),
		now:   now,
	}
}

func (s *Service) Cache() *QuoteCache {
	return s.cache
}

func (s *Service) GetQuotes(ctx context.Context, bucket string) (*Snapshot, error) {
	return s.cache.GetQuotes(ctx, bucket)
}

// SetControl upserts the bucket's control row and drops its cached snapshot.
// A nil override clears any previous override.
func (s *Service) SetControl(ctx context.Context, bucket string, active bool, override *decimal.Decimal) (*Control, error) {
	logger := log.With().
		Str("bucket", bucket).
		Bool("active", active).
		Str("service", "market").
		Logger()

	if bucket == "" {
		return nil, ErrMissingBucket
	}
	if _, ok := s.cache.cfg.Symbols(bucket); !ok {
		return nil, ErrInvalidBucket.WithMessage("bucket %q is not in the registry", bucket)
	}

	var overrideValue interface{}
	if override != nil {
		if override.IsNegative() {
			return nil, ErrInvalidOverride
		}
		overrideValue = *override
		logger = logger.With().Str("price_override", override.String()).Logger()
	}

	control, err := s.db.upsertControl(ctx, bucket, active, overrideValue, s.now().UTC())
	if err != nil {
		logger.Error().Err(err).Msg("failed to set market control")
		return nil, fmt.Errorf("failed to set market control: %w", err)
	}
	s.cache.Invalidate(bucket)

	logger.Info().Msg("market control updated")
	return control, nil
}

func (s *Service) GetControl(ctx context.Context, bucket string) (*Control, error) {
	control, err := s.db.GetControl(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if control == nil {
		return nil, ErrControlNotFound.WithMessage("no control set for bucket %q", bucket)
	}
	return control, nil
}

func (s *Service) ListControls(ctx context.Context) ([]Control, error) {
	return s.db.ListControls(ctx)
}

type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// GetQuotesHandler handles GET requests for a bucket's quote snapshot
// URL parameter: bucket
func (h *GinHandlers) GetQuotesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := h.service.GetQuotes(c.Request.Context(), c.Param("bucket"))
		response.Handle(c, snap, err)
	}
}

func (h *GinHandlers) ListBucketsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, Buckets())
	}
}

// SetControlHandler handles admin POST requests that pause, resume or
// override a bucket
func (h *GinHandlers) SetControlHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SetControlRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}
		if req.Active == nil {
			response.Handle(c, nil, ErrMissingActive)
			return
		}

		control, err := h.service.SetControl(c.Request.Context(), req.Bucket, *req.Active, req.PriceOverride)
		response.Handle(c, control, err)
	}
}

// GetControlHandler handles GET requests for one bucket's control row
// URL parameter: bucket
func (h *GinHandlers) GetControlHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		control, err := h.service.GetControl(c.Request.Context(), c.Param("bucket"))
		response.Handle(c, control, err)
	}
}

func (h *GinHandlers) ListControlsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		controls, err := h.service.ListControls(c.Request.Context())
		response.Handle(c, controls, err)
	}
}
