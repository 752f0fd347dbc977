package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin is the role claim an operator token must carry.
const RoleAdmin = "admin"

// AdminClaims is the JWT payload accepted on admin routes.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator checks operator credentials: a static bearer token, an HS256
// JWT with role=admin, or both.
type Authenticator struct {
	token     []byte
	jwtSecret []byte
}

// NewAuthenticator builds an Authenticator. Empty values disable that method.
func NewAuthenticator(token, jwtSecret string) *Authenticator {
	a := &Authenticator{}
	if token != "" {
		a.token = []byte(token)
	}
	if jwtSecret != "" {
		a.jwtSecret = []byte(jwtSecret)
	}
	return a
}

// Configured reports whether any credential is set.
func (a *Authenticator) Configured() bool {
	return a != nil && (len(a.token) > 0 || len(a.jwtSecret) > 0)
}

// IssueToken signs an admin JWT valid for ttl.
func (a *Authenticator) IssueToken(subject string, ttl time.Duration) (string, error) {
	if len(a.jwtSecret) == 0 {
		return "", errors.New("auth: jwt secret not configured")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now().UTC()
	claims := AdminClaims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
}

// Verify reports whether the Authorization header value grants admin access.
func (a *Authenticator) Verify(header string) bool {
	if !a.Configured() {
		return false
	}
	scheme, credential, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return false
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return false
	}

	if len(a.token) > 0 && subtle.ConstantTimeCompare([]byte(credential), a.token) == 1 {
		return true
	}
	if len(a.jwtSecret) > 0 {
		return a.verifyJWT(credential)
	}
	return false
}

func (a *Authenticator) verifyJWT(raw string) bool {
	token, err := jwt.ParseWithClaims(raw, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("auth: unexpected signing method")
		}
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return false
	}
	claims, ok := token.Claims.(*AdminClaims)
	return ok && claims.Role == RoleAdmin
}

// requireAdmin rejects requests without admin credentials. When no
// credential is configured the route is closed.
func (a *Authenticator) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Configured() {
			abortError(c, http.StatusUnauthorized, "admin credentials not configured")
			return
		}
		if !a.Verify(c.GetHeader("Authorization")) {
			abortError(c, http.StatusUnauthorized, "unauthorized")
			return
		}
		c.Next()
	}
}

// optionalAdmin checks credentials only when some are configured, leaving
// the route open otherwise.
func (a *Authenticator) optionalAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.Configured() && !a.Verify(c.GetHeader("Authorization")) {
			abortError(c, http.StatusUnauthorized, "unauthorized")
			return
		}
		c.Next()
	}
}
