package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lychee-technology/objectbase"
	"go.uber.org/zap"
)

// Claims are the bearer token claims. Subject carries the user id.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens and attaches a Session to
// every request.
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewAuthenticator(cfg objectbase.AuthConfig) *Authenticator {
	return &Authenticator{secret: []byte(cfg.JWTSecret), issuer: cfg.Issuer, ttl: cfg.TokenTTL}
}

// IssueToken signs a token for user.
func (a *Authenticator) IssueToken(user objectbase.User) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: user.Email,
		Role:  user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses a token and returns its user.
func (a *Authenticator) Verify(raw string) (objectbase.User, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return objectbase.User{}, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return objectbase.User{}, fmt.Errorf("invalid token claims")
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return objectbase.User{}, fmt.Errorf("invalid subject: %w", err)
	}
	return objectbase.User{ID: id, Email: claims.Email, Role: claims.Role}, nil
}

// Middleware attaches an anonymous session to requests without a bearer
// token. A bearer token that fails verification is rejected with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := objectbase.NewSession()
		header := r.Header.Get("Authorization")
		if header != "" {
			raw, found := strings.CutPrefix(header, "Bearer ")
			if !found {
				writeError(w, r, objectbase.NewUnauthenticatedError())
				return
			}
			if err := session.Begin(); err != nil {
				writeError(w, r, err)
				return
			}
			user, err := a.Verify(strings.TrimSpace(raw))
			if err != nil {
				_ = session.Fail()
				zap.S().Debugw("bearer token rejected", "path", r.URL.Path, "error", err)
				writeError(w, r, objectbase.NewUnauthenticatedError())
				return
			}
			if err := session.Complete(user); err != nil {
				writeError(w, r, err)
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(objectbase.WithSession(r.Context(), session)))
	})
}
