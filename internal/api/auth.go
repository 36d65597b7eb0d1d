package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/amillerrr/vod-pipeline/internal/metrics"
)

// Operator token lifetime.
const operatorTokenTTL = 24 * time.Hour

type contextKey string

const operatorKey contextKey = "operator"

// OperatorClaims identify an authenticated operator session.
type OperatorClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTService mints and validates operator session tokens.
type JWTService struct {
	secret []byte
}

// NewJWTService creates a JWTService with the given signing secret.
func NewJWTService(secret string) *JWTService {
	return &JWTService{secret: []byte(secret)}
}

// GenerateToken creates an operator token valid for 24 hours.
func (s *JWTService) GenerateToken(username string) (string, error) {
	claims := &OperatorClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(operatorTokenTTL)),
			Issuer:    "vod-pipeline",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken parses and validates an operator token.
func (s *JWTService) ValidateToken(tokenString string) (*OperatorClaims, error) {
	claims := &OperatorClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// Middleware enforces a valid bearer token and stores the operator claims in
// the request context.
func (s *JWTService) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.claimsFromRequest(r)
		if err != nil {
			metrics.AuthFailures.WithLabelValues("token").Inc()
			http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), operatorKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

func (s *JWTService) claimsFromRequest(r *http.Request) (*OperatorClaims, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, fmt.Errorf("authorization header missing")
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return nil, fmt.Errorf("invalid authorization format")
	}
	return s.ValidateToken(parts[1])
}

// OperatorFromContext returns the claims stored by Middleware, or nil.
func OperatorFromContext(ctx context.Context) *OperatorClaims {
	claims, _ := ctx.Value(operatorKey).(*OperatorClaims)
	return claims
}

// GetClientIP extracts the best available client address from a request.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
