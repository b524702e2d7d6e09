package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKeyActor struct{}

// AdminClaims are the claims expected on tokens presented to administrative
// endpoints (overrides, manual closes, decisions).
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// GetActor retrieves the authenticated admin actor identity from the context.
func GetActor(ctx context.Context) string {
	actor, ok := ctx.Value(contextKeyActor{}).(string)
	if !ok {
		return ""
	}
	return actor
}

// RequireAdmin validates a bearer JWT signed with the shared secret and
// requires the admin role. The subject claim becomes the actor identity
// recorded on override and close events.
func RequireAdmin(secret string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				unauthorized(w, logger, r, "missing bearer token")
				return
			}

			claims := &AdminClaims{}
			parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !parsed.Valid {
				unauthorized(w, logger, r, "invalid token")
				return
			}
			if claims.Role != "admin" {
				logger.WarnContext(r.Context(), "forbidden - non-admin token on admin route",
					"request_id", GetRequestID(r.Context()),
					"role", claims.Role,
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"forbidden"}`))
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyActor{}, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, logger *slog.Logger, r *http.Request, reason string) {
	logger.WarnContext(r.Context(), "unauthorized admin request",
		"request_id", GetRequestID(r.Context()),
		"reason", reason,
	)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
}
