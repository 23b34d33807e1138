package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/KevinKickass/OpenStageCore/internal/config"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

func cheapHasher() *PasswordHasher {
	return NewPasswordHasherWithParams(Argon2Params{
		Memory:      8 * 1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
}

type recordingAudit struct {
	events []string
}

func (r *recordingAudit) LogAuthEvent(_ context.Context, eventType, _, _, _ string, _ bool, _ string) error {
	r.events = append(r.events, eventType)
	return nil
}

func newTestService(t *testing.T, audit AuditLogger) *AuthService {
	t.Helper()
	hasher := cheapHasher()
	hash, err := hasher.HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.AuthConfig{
		AccessTokenTTL: time.Minute,
		Operators: []config.OperatorConfig{
			{Username: "tech", PasswordHash: hash, Role: "technician"},
		},
	}
	svc := NewAuthService(cfg, audit, zaptest.NewLogger(t))
	svc.passwordHasher = hasher
	return svc
}

func TestPasswordRoundTrip(t *testing.T) {
	h := cheapHasher()
	hash, err := h.HashPassword("correct horse")
	if err != nil {
		t.Fatal(err)
	}

	ok, err := h.VerifyPassword("correct horse", hash)
	if err != nil || !ok {
		t.Errorf("VerifyPassword(correct) = %v, %v", ok, err)
	}
	ok, err = h.VerifyPassword("wrong", hash)
	if err != nil || ok {
		t.Errorf("VerifyPassword(wrong) = %v, %v", ok, err)
	}
	if _, err := h.VerifyPassword("x", "$bcrypt$whatever"); !errors.Is(err, ErrInvalidHash) {
		t.Errorf("foreign hash: err = %v, want ErrInvalidHash", err)
	}
}

func TestLoginOperator(t *testing.T) {
	audit := &recordingAudit{}
	svc := newTestService(t, audit)
	ctx := context.Background()

	if _, err := svc.LoginOperator(ctx, "tech", "nope", "127.0.0.1", "test"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: %v", err)
	}
	if _, err := svc.LoginOperator(ctx, "ghost", "s3cret", "127.0.0.1", "test"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown operator: %v", err)
	}

	token, err := svc.LoginOperator(ctx, "tech", "s3cret", "127.0.0.1", "test")
	if err != nil {
		t.Fatal(err)
	}

	claims, perms, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Username != "tech" || claims.Role != "technician" {
		t.Errorf("claims = %+v", claims)
	}
	if !HasPermission(perms, PermTechnician) || HasPermission(perms, PermAdmin) {
		t.Errorf("permissions = %v", perms)
	}

	want := []string{"operator_login_failed", "operator_login_failed", "operator_login_success"}
	if len(audit.events) != len(want) {
		t.Fatalf("audit events = %v", audit.events)
	}
	for i := range want {
		if audit.events[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, audit.events[i], want[i])
		}
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	j := NewJWTHandler("test-secret", time.Nanosecond)
	token, err := j.GenerateAccessToken([16]byte{}, "op", "operator")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(1100 * time.Millisecond)
	if _, err := j.ValidateAccessToken(token); err == nil {
		t.Error("expired token accepted")
	}
}

func TestMiddlewareEnforcesPermission(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newTestService(t, nil)

	r := gin.New()
	r.GET("/admin", svc.AuthMiddleware(), RequirePermission(PermAdmin), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/tech", svc.AuthMiddleware(), RequirePermission(PermTechnician), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	token, err := svc.LoginOperator(context.Background(), "tech", "s3cret", "", "")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path   string
		header string
		want   int
	}{
		{"/tech", "", http.StatusUnauthorized},
		{"/tech", "Token " + token, http.StatusUnauthorized},
		{"/tech", "Bearer garbage", http.StatusUnauthorized},
		{"/tech", "Bearer " + token, http.StatusOK},
		{"/admin", "Bearer " + token, http.StatusForbidden},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Errorf("%s with %q: status %d, want %d", tt.path, tt.header, w.Code, tt.want)
		}
	}
}
