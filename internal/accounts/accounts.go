// Package accounts handles registration, login, profiles and identity
// document review. Accounts themselves are ledger rows.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-broker/internal/auth"
	"github.com/ksred/klear-broker/internal/ledger"
	"github.com/ksred/klear-broker/internal/types"
	"github.com/ksred/klear-broker/pkg/response"
)

var (
	ErrMissingFields   = types.InvalidArgument("MISSING_FIELDS", "all fields are required")
	ErrInvalidTCNo     = types.InvalidArgument("INVALID_TC_NO", "tc_no must be exactly 11 digits")
	ErrAlreadyExists   = types.Conflict("ACCOUNT_EXISTS", "an account with this tc_no or email already exists")
	ErrNotOwner        = types.Forbidden("NOT_OWNER", "you can only upload your own documents")
	ErrMissingImages   = types.InvalidArgument("MISSING_IMAGES", "front and back identity images are required")
	ErrInvalidDecision = types.InvalidArgument("INVALID_STATUS", "status must be approved or rejected")
)

var tcNoPattern = regexp.MustCompile(`^\d{11}$`)

// Service manages account lifecycle on top of the ledger's account table
type Service struct {
	db     *Database
	ledger *ledger.Service
	auth   *auth.Service
	store  DocumentStore
	now    func() time.Time
}

func NewService(gormDB *gorm.DB, ledgerService *ledger.Service, authService *auth.Service, store DocumentStore) *Service {
	return &Service{
		db:     NewDatabase(gormDB),
		ledger: ledgerService,
		auth:   authService,
		store:  store,
		now:    time.Now,
	}
}

// Register creates an unverified user account with a zero balance
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	req.TCNo = strings.TrimSpace(req.TCNo)
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))

	logger := log.With().
		Str("tc_no", req.TCNo).
		Str("email", req.Email).
		Str("service", "accounts").
		Logger()

	if req.TCNo == "" || req.FirstName == "" || req.LastName == "" || req.Email == "" || req.Password == "" {
		return nil, ErrMissingFields
	}
	if !tcNoPattern.MatchString(req.TCNo) {
		return nil, ErrInvalidTCNo
	}

	exists, err := s.db.Exists(ctx, req.TCNo, req.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing account: %w", err)
	}
	if exists {
		return nil, ErrAlreadyExists
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	account := &ledger.Account{
		AccountID:    uuid.New().String(),
		TCNo:         req.TCNo,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         auth.RoleUser,
		Balance:      decimal.Zero,
	}
	if err := s.ledger.GetDB().CreateAccount(ctx, account); err != nil {
		// Lost a race with a concurrent registration.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrAlreadyExists
		}
		logger.Error().Err(err).Msg("failed to create account")
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	logger.Info().Str("account_id", account.AccountID).Msg("account registered")
	return &RegisterResponse{AccountID: account.AccountID, TCNo: account.TCNo, Email: account.Email}, nil
}

// Authenticate checks credentials and returns the caller's principal. Unknown
// numbers and wrong passwords fail identically.
func (s *Service) Authenticate(ctx context.Context, tcNo, password string) (*auth.Principal, *ledger.Account, error) {
	account, err := s.db.GetAccountByTCNo(ctx, strings.TrimSpace(tcNo))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load account: %w", err)
	}
	if account == nil || !auth.CheckPassword(account.PasswordHash, password) {
		return nil, nil, auth.ErrInvalidCredentials
	}
	return &auth.Principal{AccountID: account.AccountID, Role: account.Role, Verified: account.Verified}, account, nil
}

// Login authenticates and issues a bearer token
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	principal, account, err := s.Authenticate(ctx, req.TCNo, req.Password)
	if err != nil {
		log.Warn().Str("tc_no", req.TCNo).Msg("login rejected")
		return nil, err
	}

	token, err := s.auth.IssueToken(*principal)
	if err != nil {
		return nil, err
	}

	log.Info().Str("account_id", account.AccountID).Str("role", account.Role).Msg("login succeeded")
	return &LoginResponse{
		Token:      token.Token,
		Expiration: token.Expiration,
		Role:       account.Role,
		Verified:   account.Verified,
		FirstName:  account.FirstName,
	}, nil
}

func (s *Service) Profile(ctx context.Context, accountID string) (*Profile, error) {
	account, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &Profile{
		AccountID: account.AccountID,
		TCNo:      account.TCNo,
		FirstName: account.FirstName,
		LastName:  account.LastName,
		Email:     account.Email,
		Role:      account.Role,
		Verified:  account.Verified,
		Balance:   account.Balance,
	}, nil
}

// SubmitDocuments stores both identity images and records a pending review.
// Only the owner or an admin may upload.
func (s *Service) SubmitDocuments(ctx context.Context, actor *auth.Principal, accountID string, front, back *Upload) (*Document, error) {
	logger := log.With().
		Str("account_id", accountID).
		Str("actor_id", actor.AccountID).
		Str("service", "accounts").
		Logger()

	if actor.AccountID != accountID && !actor.HasRole(auth.RoleAdmin) {
		return nil, ErrNotOwner
	}
	if front == nil || back == nil {
		return nil, ErrMissingImages
	}
	if _, err := s.ledger.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	frontPath, err := s.store.Save(ctx, accountID, "front", *front)
	if err != nil {
		logger.Error().Err(err).Msg("failed to store front image")
		return nil, err
	}
	backPath, err := s.store.Save(ctx, accountID, "back", *back)
	if err != nil {
		logger.Error().Err(err).Msg("failed to store back image")
		return nil, err
	}

	now := s.now()
	doc := &Document{
		DocumentID: uuid.New().String(),
		AccountID:  accountID,
		FrontPath:  frontPath,
		BackPath:   backPath,
		Status:     DocumentPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.CreateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to record documents: %w", err)
	}

	logger.Info().Str("document_id", doc.DocumentID).Msg("identity documents submitted")
	return doc, nil
}

// VerifyAccount applies the review outcome to all of the account's
// documents and sets verified to status == approved.
func (s *Service) VerifyAccount(ctx context.Context, accountID, status string) (*VerifyResponse, error) {
	if status != DocumentApproved && status != DocumentRejected {
		return nil, ErrInvalidDecision
	}

	n, err := s.db.setVerification(ctx, accountID, status)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledger.ErrAccountNotFound.WithMessage("account %s not found", accountID)
		}
		return nil, fmt.Errorf("failed to verify account: %w", err)
	}

	log.Info().
		Str("account_id", accountID).
		Str("status", status).
		Int64("documents", n).
		Msg("account verification updated")
	return &VerifyResponse{AccountID: accountID, Status: status, Documents: n}, nil
}

func (s *Service) ListDocuments(ctx context.Context, accountID string) ([]Document, error) {
	return s.db.ListDocuments(ctx, accountID)
}

// GinHandlers handles HTTP requests for account operations
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

func (h *GinHandlers) RegisterHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}
		result, err := h.service.Register(c.Request.Context(), req)
		response.Handle(c, result, err)
	}
}

func (h *GinHandlers) LoginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}
		result, err := h.service.Login(c.Request.Context(), req)
		response.Handle(c, result, err)
	}
}

func (h *GinHandlers) ProfileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := auth.PrincipalFromContext(c)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		profile, err := h.service.Profile(c.Request.Context(), principal.AccountID)
		response.Handle(c, profile, err)
	}
}

// SubmitDocumentsHandler handles multipart uploads with front and back files
// URL parameter: userId
func (h *GinHandlers) SubmitDocumentsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := auth.PrincipalFromContext(c)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		front, closeFront, err := formUpload(c, "front")
		if err != nil {
			response.BadRequest(c, "Invalid front image")
			return
		}
		defer closeFront()
		back, closeBack, err := formUpload(c, "back")
		if err != nil {
			response.BadRequest(c, "Invalid back image")
			return
		}
		defer closeBack()

		doc, err := h.service.SubmitDocuments(c.Request.Context(), principal, c.Param("userId"), front, back)
		response.Handle(c, doc, err)
	}
}

// VerifyAccountHandler handles admin review decisions
// URL parameter: userId
func (h *GinHandlers) VerifyAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req VerifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}
		result, err := h.service.VerifyAccount(c.Request.Context(), c.Param("userId"), req.Status)
		response.Handle(c, result, err)
	}
}

// formUpload opens the named multipart file. A missing field yields a nil
// upload so the service reports it.
func formUpload(c *gin.Context, field string) (*Upload, func(), error) {
	fh, err := c.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, func() {}, nil
	}
	if err != nil {
		return nil, func() {}, err
	}
	f, err := fh.Open()
	if err != nil {
		return nil, func() {}, err
	}
	return &Upload{Filename: fh.Filename, Content: f}, func() { f.Close() }, nil
}
