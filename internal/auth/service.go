package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenStageCore/internal/config"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Permission string

const (
	PermOperator   Permission = "operator"
	PermTechnician Permission = "technician"
	PermAdmin      Permission = "admin"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// AuditLogger records login attempts. The Postgres journal implements it.
type AuditLogger interface {
	LogAuthEvent(ctx context.Context, eventType, username, ipAddress, userAgent string, success bool, reason string) error
}

// Operator is a login from the auth.operators config section.
type Operator struct {
	ID           uuid.UUID
	Username     string
	PasswordHash string
	Role         string
}

type AuthService struct {
	operators      map[string]Operator
	jwtHandler     *JWTHandler
	passwordHasher *PasswordHasher
	audit          AuditLogger
	logger         *zap.Logger
}

// NewAuthService builds the service from config. audit may be nil.
func NewAuthService(cfg config.AuthConfig, audit AuditLogger, logger *zap.Logger) *AuthService {
	operators := make(map[string]Operator, len(cfg.Operators))
	for _, op := range cfg.Operators {
		operators[op.Username] = Operator{
			// stable across restarts so tokens stay attributable
			ID:           uuid.NewSHA1(uuid.NameSpaceOID, []byte("openstagecore/"+op.Username)),
			Username:     op.Username,
			PasswordHash: op.PasswordHash,
			Role:         op.Role,
		}
	}

	if len(operators) == 0 {
		logger.Warn("No operators configured, protected endpoints are unreachable")
	}

	return &AuthService{
		operators:      operators,
		jwtHandler:     NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL),
		passwordHasher: NewPasswordHasher(),
		audit:          audit,
		logger:         logger,
	}
}

// LoginOperator checks the password and returns an access token.
func (a *AuthService) LoginOperator(ctx context.Context, username, password, ipAddress, userAgent string) (string, error) {
	op, ok := a.operators[username]
	if !ok {
		a.logAuthEvent(ctx, "operator_login_failed", username, ipAddress, userAgent, false, "unknown operator")
		return "", ErrInvalidCredentials
	}

	valid, err := a.passwordHasher.VerifyPassword(password, op.PasswordHash)
	if err != nil || !valid {
		reason := "invalid password"
		if err != nil {
			reason = err.Error()
		}
		a.logAuthEvent(ctx, "operator_login_failed", username, ipAddress, userAgent, false, reason)
		return "", ErrInvalidCredentials
	}

	token, err := a.jwtHandler.GenerateAccessToken(op.ID, op.Username, op.Role)
	if err != nil {
		return "", fmt.Errorf("failed to generate access token: %w", err)
	}

	a.logAuthEvent(ctx, "operator_login_success", username, ipAddress, userAgent, true, "")
	return token, nil
}

// ValidateToken parses a bearer token and returns its claims and
// permissions.
func (a *AuthService) ValidateToken(token string) (*JWTClaims, []Permission, error) {
	claims, err := a.jwtHandler.ValidateAccessToken(token)
	if err != nil {
		return nil, nil, err
	}
	return claims, roleToPermissions(claims.Role), nil
}

// TokenTTL is the lifetime of issued access tokens.
func (a *AuthService) TokenTTL() time.Duration {
	return a.jwtHandler.AccessTokenTTL()
}

func (a *AuthService) HashPassword(password string) (string, error) {
	return a.passwordHasher.HashPassword(password)
}

func roleToPermissions(role string) []Permission {
	switch role {
	case "admin":
		return []Permission{PermOperator, PermTechnician, PermAdmin}
	case "technician":
		return []Permission{PermOperator, PermTechnician}
	default:
		return []Permission{PermOperator}
	}
}

func (a *AuthService) logAuthEvent(ctx context.Context, eventType, username, ip, userAgent string, success bool, reason string) {
	if !success {
		a.logger.Warn("Operator login failed",
			zap.String("username", username),
			zap.String("ip", ip),
			zap.String("reason", reason))
	}
	if a.audit == nil {
		return
	}
	if err := a.audit.LogAuthEvent(ctx, eventType, username, ip, userAgent, success, reason); err != nil {
		a.logger.Warn("Failed to record auth event", zap.Error(err))
	}
}
