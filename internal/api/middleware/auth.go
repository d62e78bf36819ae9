package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Claims is the session token issued by the auth provider.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Email  string
	Roles  []string
}

// HasAnyRole reports whether the principal holds one of roles.
func (p *Principal) HasAnyRole(roles ...string) bool {
	for _, have := range p.Roles {
		for _, want := range roles {
			if strings.EqualFold(have, want) {
				return true
			}
		}
	}
	return false
}

// GetPrincipal returns the caller set by BearerAuth, or nil.
func GetPrincipal(ctx context.Context) *Principal {
	p, _ := ctx.Value(PrincipalKey).(*Principal)
	return p
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

// RoleStore looks up the roles granted to a user.
type RoleStore interface {
	RolesFor(ctx context.Context, userID string) ([]string, error)
}

// AuthConfig configures BearerAuth.
type AuthConfig struct {
	Secret string
	// Issuer is checked when set.
	Issuer string
	Roles  RoleStore
}

var errMissingSubject = errors.New("token has no subject")

// ParseToken validates an HS256 session token.
func ParseToken(secret, issuer, raw string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	if claims.Subject == "" {
		return nil, errMissingSubject
	}
	return claims, nil
}

// BearerAuth authenticates "Authorization: Bearer <jwt>" and loads the
// caller's roles.
func BearerAuth(cfg AuthConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				WriteError(w, "missing authorization header", http.StatusUnauthorized)
				return
			}
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(raw) == "" {
				WriteError(w, "authorization header must be a bearer token", http.StatusUnauthorized)
				return
			}

			claims, err := ParseToken(cfg.Secret, cfg.Issuer, strings.TrimSpace(raw))
			if err != nil {
				logger.Debug("token rejected", zap.Error(err), zap.String("request_id", GetRequestID(r.Context())))
				WriteError(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}

			roles, err := cfg.Roles.RolesFor(r.Context(), claims.Subject)
			if err != nil {
				logger.Error("role lookup failed", zap.String("user_id", claims.Subject), zap.Error(err))
				WriteError(w, "internal server error", http.StatusInternalServerError)
				return
			}

			p := &Principal{UserID: claims.Subject, Email: claims.Email, Roles: roles}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole rejects callers holding none of roles with 403.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := GetPrincipal(r.Context())
			if p == nil {
				WriteError(w, "authentication required", http.StatusUnauthorized)
				return
			}
			if !p.HasAnyRole(roles...) {
				WriteError(w, "insufficient role", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
