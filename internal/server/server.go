// Package server assembles the services and the gin router.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/ksred/klear-broker/internal/accounts"
	"github.com/ksred/klear-broker/internal/approval"
	"github.com/ksred/klear-broker/internal/auth"
	"github.com/ksred/klear-broker/internal/config"
	"github.com/ksred/klear-broker/internal/events"
	"github.com/ksred/klear-broker/internal/ledger"
	"github.com/ksred/klear-broker/internal/market"
	"github.com/ksred/klear-broker/internal/news"
	"github.com/ksred/klear-broker/internal/observability"
	"github.com/ksred/klear-broker/internal/trading"
	"github.com/ksred/klear-broker/pkg/middleware"
)

// Dependencies are the collaborators the server does not build itself
type Dependencies struct {
	Config    *config.Config
	DB        *gorm.DB
	Publisher events.Publisher
	Quotes    market.QuoteProvider
	News      news.Provider
	Documents accounts.DocumentStore
	Metrics   *observability.Metrics
	Limits    []middleware.Limit
}

type Server struct {
	Auth     *auth.Service
	Ledger   *ledger.Service
	Trading  *trading.Service
	Approval *approval.Service
	Market   *market.Service
	Accounts *accounts.Service
	News     *news.Service

	Limiter *middleware.RateLimiter
	Router  *gin.Engine
}

func New(deps Dependencies) *Server {
	cfg := deps.Config
	s := &Server{}

	s.Auth = auth.NewService(cfg.JWTSecret, cfg.TokenTTL)
	s.Ledger = ledger.NewService(deps.DB, deps.Publisher, deps.Metrics)
	s.Trading = trading.NewService(deps.DB, s.Ledger, deps.Metrics)
	s.Approval = approval.NewService(deps.DB, s.Ledger, deps.Metrics)
	s.Market = market.NewService(deps.DB, deps.Quotes, deps.Metrics, market.QuoteCacheConfig{
		TTL:             cfg.QuoteCacheTTL,
		MaxSymbols:      cfg.QuoteMaxSymbols,
		ProviderTimeout: cfg.QuoteProviderTimeout,
	})
	s.Accounts = accounts.NewService(deps.DB, s.Ledger, s.Auth, deps.Documents)
	s.News = news.NewService(deps.DB, deps.News)

	limits := deps.Limits
	if limits == nil {
		limits = middleware.DefaultLimits
	}
	s.Limiter = middleware.NewRateLimiter(limits)

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(deps.Metrics))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})
	router.GET("/metrics", deps.Metrics.Handler())
	s.setupRoutes(router)
	s.Router = router

	return s
}

// setupRoutes groups endpoints by the role they require:
// - Public: registration, login and news
// - Authenticated: profile, ledger, quotes, trades and cash requests
// - Broker: batch orders
// - Admin: approvals, verification, balance adjustments and market control
func (s *Server) setupRoutes(router *gin.Engine) {
	accountHandlers := accounts.NewGinHandlers(s.Accounts)
	ledgerHandlers := ledger.NewGinHandlers(s.Ledger)
	tradingHandlers := trading.NewGinHandlers(s.Trading)
	approvalHandlers := approval.NewGinHandlers(s.Approval)
	marketHandlers := market.NewGinHandlers(s.Market)
	newsHandlers := news.NewGinHandlers(s.News)

	jwt := middleware.JWTAuth(s.Auth)
	limit := s.Limiter.Middleware()

	api := router.Group("/api")
	{
		authGroup := api.Group("/auth")
		authGroup.Use(limit)
		{
			authGroup.POST("/register", accountHandlers.RegisterHandler())
			authGroup.POST("/login", accountHandlers.LoginHandler())
		}

		api.GET("/news", newsHandlers.GetNewsHandler())

		user := api.Group("")
		user.Use(jwt)
		{
			user.GET("/profile", accountHandlers.ProfileHandler())
			user.GET("/ledger", ledgerHandlers.GetLedgerHandler())
			user.POST("/users/:userId/documents", accountHandlers.SubmitDocumentsHandler())

			user.GET("/markets", marketHandlers.ListBucketsHandler())
			user.GET("/markets/:bucket", marketHandlers.GetQuotesHandler())

			trades := user.Group("/trades")
			trades.Use(limit)
			{
				trades.POST("/order", tradingHandlers.PlaceOrderHandler())
				trades.GET("/order/:id", tradingHandlers.GetOrderHandler())
				trades.GET("/orders", tradingHandlers.ListOrdersHandler())
			}

			user.POST("/deposits/request", approvalHandlers.RequestCashHandler(approval.TypeDeposit))
			user.POST("/withdrawals/request", approvalHandlers.RequestCashHandler(approval.TypeWithdrawal))
		}

		broker := api.Group("/broker")
		broker.Use(jwt, middleware.RequireRole(auth.RoleBroker))
		{
			broker.POST("/batch-order", approvalHandlers.SubmitBrokerOrderHandler())
		}

		admin := api.Group("/admin")
		admin.Use(jwt, middleware.RequireRole(auth.RoleAdmin))
		{
			admin.POST("/users/:userId/verify", accountHandlers.VerifyAccountHandler())
			admin.POST("/users/:userId/balance", ledgerHandlers.AdjustBalanceHandler())

			admin.GET("/cash", approvalHandlers.ListCashRequestsHandler())
			admin.POST("/cash/:id/approve", approvalHandlers.ApproveCashHandler())
			admin.POST("/cash/:id/reject", approvalHandlers.RejectCashHandler())

			admin.GET("/broker-orders", approvalHandlers.ListBrokerOrdersHandler())
			admin.POST("/broker-orders/:id/approve", approvalHandlers.ApproveBrokerOrderHandler())

			admin.GET("/markets/control", marketHandlers.ListControlsHandler())
			admin.POST("/markets/control", marketHandlers.SetControlHandler())
			admin.GET("/markets/control/:bucket", marketHandlers.GetControlHandler())
		}
	}
}

// NewPublisher builds the ledger event publisher for EVENTS_BACKEND
func NewPublisher(cfg *config.Config) (events.Publisher, error) {
	switch cfg.EventsBackend {
	case "kafka":
		return events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	case "nats":
		return events.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject)
	case "log", "":
		return events.NewLogPublisher(), nil
	default:
		return nil, fmt.Errorf("unsupported events backend %q", cfg.EventsBackend)
	}
}

// NewQuoteProvider builds the provider for MARKET_PROVIDER
func NewQuoteProvider(cfg *config.Config) market.QuoteProvider {
	if cfg.MarketProvider == "simulated" {
		return market.NewSimulatedProvider(time.Now().UnixNano())
	}
	return market.NewTwelveDataProvider(cfg.MarketAPIKey, &http.Client{Timeout: cfg.QuoteProviderTimeout})
}

func NewNewsProvider(cfg *config.Config) news.Provider {
	return news.NewNewsAPIClient(cfg.NewsAPIKey, cfg.NewsCountry, cfg.NewsCategory, nil)
}
