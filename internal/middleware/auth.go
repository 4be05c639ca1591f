package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/vrf_direct_funding/internal/errors"
	"github.com/R3E-Network/vrf_direct_funding/pkg/logger"
)

type contextKey string

const (
	subjectKey contextKey = "subject"
	roleKey    contextKey = "role"

	// RoleOperator may fund accounts and fulfil requests by hand.
	RoleOperator = "operator"
	// RoleConsumer may submit requests paid from the account named by the
	// token subject.
	RoleConsumer = "consumer"
)

// Claims are the JWT claims accepted by the API.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// AuthMiddleware checks HS256 bearer tokens and, when roles are given, that
// the token carries one of them.
type AuthMiddleware struct {
	secret []byte
	roles  []string
	log    *logger.Logger
}

// NewAuthMiddleware creates the middleware. An empty secret disables checks.
func NewAuthMiddleware(secret string, log *logger.Logger, roles ...string) *AuthMiddleware {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	return &AuthMiddleware{secret: []byte(secret), roles: roles, log: log}
}

// Enabled reports whether tokens are checked.
func (m *AuthMiddleware) Enabled() bool { return len(m.secret) > 0 }

// Handler returns the middleware handler.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.respondError(w, r, errors.Unauthorized("missing Authorization header"))
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			m.respondError(w, r, errors.Unauthorized("invalid Authorization header format"))
			return
		}

		claims, err := m.validateToken(parts[1])
		if err != nil {
			m.respondError(w, r, err)
			return
		}
		if !m.roleAllowed(claims.Role) {
			m.respondError(w, r, errors.Forbidden("role "+strings.Join(m.roles, " or ")+" required"))
			return
		}

		ctx := context.WithValue(r.Context(), subjectKey, claims.Subject)
		ctx = context.WithValue(ctx, roleKey, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) roleAllowed(role string) bool {
	if len(m.roles) == 0 {
		return true
	}
	for _, allowed := range m.roles {
		if role == allowed {
			return true
		}
	}
	return false
}

func (m *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.InvalidToken(nil).WithDetails("method", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, errors.InvalidToken(err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.InvalidToken(nil)
	}
	return claims, nil
}

func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	se := errors.GetServiceError(err)
	if se == nil {
		se = errors.Internal("authentication failed", err)
	}
	m.log.WithError(err).WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"status": se.HTTPStatus,
	}).Warn("authentication failed")
	writeError(w, se)
}

// IssueToken signs a token for subject with role; used by tooling and tests.
func IssueToken(secret, subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// GetSubject returns the authenticated subject, if any.
func GetSubject(ctx context.Context) string {
	v, _ := ctx.Value(subjectKey).(string)
	return v
}

// GetRole returns the authenticated role, if any.
func GetRole(ctx context.Context) string {
	v, _ := ctx.Value(roleKey).(string)
	return v
}
