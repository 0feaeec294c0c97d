package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	id "priorauth/pkg/domain"
	"priorauth/pkg/requestcontext"
)

// Claims is the token shape issued by the surrounding identity platform:
// subject is the actor, roles drive the PHI capability check.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// JWTValidator validates bearer tokens.
type JWTValidator interface {
	ValidateToken(tokenString string) (*Claims, error)
}

// HS256Validator validates tokens signed with a shared key.
type HS256Validator struct {
	key []byte
}

func NewHS256Validator(key []byte) *HS256Validator {
	return &HS256Validator{key: key}
}

func (v *HS256Validator) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.key, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("token missing subject")
	}
	return claims, nil
}

// RequireAuth rejects requests without a valid bearer token and resolves
// the actor and roles into the request context for the layers below.
func RequireAuth(validator JWTValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				unauthorized(w, logger, r, "missing bearer token")
				return
			}
			claims, err := validator.ValidateToken(token)
			if err != nil {
				logger.WarnContext(r.Context(), "invalid token",
					"error", err,
					"request_id", requestcontext.RequestID(r.Context()),
				)
				unauthorized(w, logger, r, "invalid or expired token")
				return
			}

			ctx := requestcontext.WithActor(r.Context(), id.ActorID(claims.Subject))
			ctx = requestcontext.WithRoles(ctx, claims.Roles)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, logger *slog.Logger, r *http.Request, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	if _, err := fmt.Fprintf(w, `{"error":"unauthorized","error_description":%q}`, detail); err != nil {
		logger.ErrorContext(r.Context(), "failed to write unauthorized response", "error", err)
	}
}
