package accounts

import (
	"io"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	DocumentPending  = "pending"
	DocumentApproved = "approved"
	DocumentRejected = "rejected"
)

// Document is one front/back pair of identity images awaiting review
type Document struct {
	gorm.Model `json:"-"`
	DocumentID string    `gorm:"uniqueIndex" json:"id"`
	AccountID  string    `gorm:"index;not null" json:"account_id"`
	FrontPath  string    `gorm:"not null" json:"front_path"`
	BackPath   string    `gorm:"not null" json:"back_path"`
	Status     string    `gorm:"not null" json:"status"` // pending, approved, rejected
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Upload is an identity image received from the client
type Upload struct {
	Filename string
	Content  io.Reader
}

type RegisterRequest struct {
	TCNo      string `json:"tc_no"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

type RegisterResponse struct {
	AccountID string `json:"id"`
	TCNo      string `json:"tc_no"`
	Email     string `json:"email"`
}

type LoginRequest struct {
	TCNo     string `json:"tc_no"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token      string    `json:"token"`
	Expiration time.Time `json:"expiration"`
	Role       string    `json:"role"`
	Verified   bool      `json:"verified"`
	FirstName  string    `json:"first_name"`
}

type Profile struct {
	AccountID string          `json:"id"`
	TCNo      string          `json:"tc_no"`
	FirstName string          `json:"first_name"`
	LastName  string          `json:"last_name"`
	Email     string          `json:"email"`
	Role      string          `json:"role"`
	Verified  bool            `json:"verified"`
	Balance   decimal.Decimal `json:"balance"`
}

type VerifyRequest struct {
	Status string `json:"status"`
}

type VerifyResponse struct {
	AccountID string `json:"userId"`
	Status    string `json:"status"`
	Documents int64  `json:"documents"`
}
