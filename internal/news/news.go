package news

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/klear-broker/internal/observability"
	"github.com/ksred/klear-broker/pkg/response"
)

// maxStored is how many headlines of one fetch are kept
const maxStored = 20

// Service serves today's headlines from storage and fetches when there are none
type Service struct {
	db       *gorm.DB
	provider Provider
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(db *gorm.DB, provider Provider) *Service {
	return &Service{
		db:       db,
		provider: provider,
		logger:   observability.NewLogger("news"),
		now:      time.Now,
	}
}

// GetNews returns articles published since 00:00 UTC today, fetching and
// storing the first 20 headlines when none are cached.
func (s *Service) GetNews(ctx context.Context) (*Headlines, error) {
	now := s.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var cached []Article
	if err := s.db.WithContext(ctx).
		Where("published_at >= ?", midnight).
		Order("published_at DESC").
		Find(&cached).Error; err != nil {
		return nil, fmt.Errorf("failed to read news cache: %w", err)
	}
	if len(cached) > 0 {
		return &Headlines{Articles: cached}, nil
	}

	articles, err := s.provider.TopHeadlines(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("news fetch failed")
		return nil, err
	}
	if len(articles) > maxStored {
		articles = articles[:maxStored]
	}
	for i := range articles {
		articles[i].FetchedAt = now
	}

	if len(articles) > 0 {
		err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "url"}}, DoNothing: true}).
			Create(&articles).Error
		if err != nil {
			return nil, fmt.Errorf("failed to store news: %w", err)
		}
	}

	s.logger.Info().Int("articles", len(articles)).Msg("news cache refreshed")
	return &Headlines{Articles: articles}, nil
}

type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

func (h *GinHandlers) GetNewsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		headlines, err := h.service.GetNews(c.Request.Context())
		response.Handle(c, headlines, err)
	}
}
