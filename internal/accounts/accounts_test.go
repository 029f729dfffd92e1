package accounts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-broker/internal/auth"
	"github.com/ksred/klear-broker/internal/events"
	"github.com/ksred/klear-broker/internal/ledger"
	"github.com/ksred/klear-broker/internal/observability"
	"github.com/ksred/klear-broker/internal/testutil"
	"github.com/ksred/klear-broker/internal/types"
)

type testEnv struct {
	svc       *Service
	auth      *auth.Service
	uploadDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	observability.Discard()
	db := testutil.NewDB(t, &ledger.Account{}, &ledger.LedgerEntry{}, &Document{})
	ls := ledger.NewService(db, events.NewMemoryPublisher(), observability.NewMetrics())
	as := auth.NewService("test-secret", 12*time.Hour)
	dir := t.TempDir()
	return &testEnv{
		svc:       NewService(db, ls, as, NewDiskStore(dir)),
		auth:      as,
		uploadDir: dir,
	}
}

func validRegistration() RegisterRequest {
	return RegisterRequest{
		TCNo:      "12345678901",
		FirstName: "Ayse",
		LastName:  "Yilmaz",
		Email:     "ayse@example.com",
		Password:  "hunter22",
	}
}

func (env *testEnv) register(t *testing.T, req RegisterRequest) string {
	t.Helper()
	res, err := env.svc.Register(context.Background(), req)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return res.AccountID
}

func upload(name, content string) *Upload {
	return &Upload{Filename: name, Content: strings.NewReader(content)}
}

func TestRegister_CreatesUnverifiedUser(t *testing.T) {
	env := newTestEnv(t)
	id := env.register(t, validRegistration())

	profile, err := env.svc.Profile(context.Background(), id)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if profile.Role != auth.RoleUser || profile.Verified || !profile.Balance.IsZero() {
		t.Errorf("got profile %+v", profile)
	}
	if profile.TCNo != "12345678901" || profile.FirstName != "Ayse" {
		t.Errorf("got profile %+v", profile)
	}
}

func TestRegister_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RegisterRequest)
		wantErr error
	}{
		{"missing email", func(r *RegisterRequest) { r.Email = "" }, ErrMissingFields},
		{"missing password", func(r *RegisterRequest) { r.Password = "" }, ErrMissingFields},
		{"short tc_no", func(r *RegisterRequest) { r.TCNo = "1234567890" }, ErrInvalidTCNo},
		{"long tc_no", func(r *RegisterRequest) { r.TCNo = "123456789012" }, ErrInvalidTCNo},
		{"letters in tc_no", func(r *RegisterRequest) { r.TCNo = "1234567890a" }, ErrInvalidTCNo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			req := validRegistration()
			tt.mutate(&req)
			if _, err := env.svc.Register(context.Background(), req); !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegister_DuplicateIsConflict(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, validRegistration())

	sameTC := validRegistration()
	sameTC.Email = "other@example.com"
	if _, err := env.svc.Register(context.Background(), sameTC); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate tc_no: got %v, want ErrAlreadyExists", err)
	}

	sameEmail := validRegistration()
	sameEmail.TCNo = "10987654321"
	_, err := env.svc.Register(context.Background(), sameEmail)
	if types.KindOf(err) != types.KindConflict {
		t.Errorf("duplicate email: got %v, want conflict", err)
	}
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	id := env.register(t, validRegistration())

	res, err := env.svc.Login(context.Background(), LoginRequest{TCNo: "12345678901", Password: "hunter22"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Role != auth.RoleUser || res.Verified || res.FirstName != "Ayse" {
		t.Errorf("got %+v", res)
	}

	p, err := env.auth.ValidateToken(res.Token)
	if err != nil {
		t.Fatalf("issued token invalid: %v", err)
	}
	if p.AccountID != id {
		t.Errorf("got subject %q, want %q", p.AccountID, id)
	}
}

func TestLogin_BadCredentialsLookAlike(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, validRegistration())

	_, wrongPassword := env.svc.Login(context.Background(), LoginRequest{TCNo: "12345678901", Password: "nope"})
	_, unknown := env.svc.Login(context.Background(), LoginRequest{TCNo: "99999999999", Password: "hunter22"})

	for _, err := range []error{wrongPassword, unknown} {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Errorf("got %v, want ErrInvalidCredentials", err)
		}
	}
	if wrongPassword.Error() != unknown.Error() {
		t.Errorf("messages differ: %q vs %q", wrongPassword, unknown)
	}
}

func TestSubmitDocuments(t *testing.T) {
	env := newTestEnv(t)
	id := env.register(t, validRegistration())
	owner := &auth.Principal{AccountID: id, Role: auth.RoleUser}

	doc, err := env.svc.SubmitDocuments(context.Background(), owner, id, upload("front.JPG", "front-bytes"), upload("back.png", "back-bytes"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if doc.Status != DocumentPending || doc.AccountID != id {
		t.Errorf("got %+v", doc)
	}
	if filepath.Ext(doc.FrontPath) != ".jpg" {
		t.Errorf("got front path %q", doc.FrontPath)
	}

	got, err := os.ReadFile(filepath.Join(env.uploadDir, doc.BackPath))
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}
	if string(got) != "back-bytes" {
		t.Errorf("got stored content %q", got)
	}
}

func TestSubmitDocuments_Authorization(t *testing.T) {
	env := newTestEnv(t)
	id := env.register(t, validRegistration())
	ctx := context.Background()

	stranger := &auth.Principal{AccountID: "someone-else", Role: auth.RoleUser}
	if _, err := env.svc.SubmitDocuments(ctx, stranger, id, upload("f", "x"), upload("b", "y")); !errors.Is(err, ErrNotOwner) {
		t.Errorf("got %v, want ErrNotOwner", err)
	}

	admin := &auth.Principal{AccountID: "admin-1", Role: auth.RoleAdmin}
	if _, err := env.svc.SubmitDocuments(ctx, admin, id, upload("f", "x"), upload("b", "y")); err != nil {
		t.Errorf("admin upload: %v", err)
	}

	owner := &auth.Principal{AccountID: id, Role: auth.RoleUser}
	if _, err := env.svc.SubmitDocuments(ctx, owner, id, upload("f", "x"), nil); !errors.Is(err, ErrMissingImages) {
		t.Errorf("got %v, want ErrMissingImages", err)
	}
}

func TestVerifyAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.register(t, validRegistration())
	owner := &auth.Principal{AccountID: id, Role: auth.RoleUser}
	for i := 0; i < 2; i++ {
		if _, err := env.svc.SubmitDocuments(ctx, owner, id, upload("f", "x"), upload("b", "y")); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	res, err := env.svc.VerifyAccount(ctx, id, DocumentApproved)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Documents != 2 {
		t.Errorf("got %d documents updated, want 2", res.Documents)
	}
	profile, _ := env.svc.Profile(ctx, id)
	if !profile.Verified {
		t.Error("expected account to be verified")
	}

	if _, err := env.svc.VerifyAccount(ctx, id, DocumentRejected); err != nil {
		t.Fatalf("reject: %v", err)
	}
	profile, _ = env.svc.Profile(ctx, id)
	if profile.Verified {
		t.Error("rejection must clear verified")
	}
	docs, _ := env.svc.ListDocuments(ctx, id)
	for _, d := range docs {
		if d.Status != DocumentRejected {
			t.Errorf("document %s has status %q, want rejected", d.DocumentID, d.Status)
		}
	}
}

func TestVerifyAccount_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.VerifyAccount(ctx, "missing", DocumentApproved); !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Errorf("got %v, want ErrAccountNotFound", err)
	}
	if _, err := env.svc.VerifyAccount(ctx, "missing", "maybe"); !errors.Is(err, ErrInvalidDecision) {
		t.Errorf("got %v, want ErrInvalidDecision", err)
	}
}

func TestSubmitDocumentsHandler_Multipart(t *testing.T) {
	gin.SetMode(gin.TestMode)
	env := newTestEnv(t)
	id := env.register(t, validRegistration())

	router := gin.New()
	h := NewGinHandlers(env.svc)
	router.POST("/api/users/:userId/documents", func(c *gin.Context) {
		auth.SetPrincipal(c, &auth.Principal{AccountID: id, Role: auth.RoleUser})
	}, h.SubmitDocumentsHandler())

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, field := range []string{"front", "back"} {
		fw, err := mw.CreateFormFile(field, field+".png")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		fw.Write([]byte(field + "-image"))
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/users/"+id+"/documents", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("got status %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Success bool     `json:"success"`
		Data    Document `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.Data.Status != DocumentPending {
		t.Errorf("got %+v", resp)
	}

	// Only one image
	body.Reset()
	mw = multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile("front", "front.png")
	fw.Write([]byte("x"))
	mw.Close()
	req = httptest.NewRequest(http.MethodPost, "/api/users/"+id+"/documents", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", w.Code)
	}
}
