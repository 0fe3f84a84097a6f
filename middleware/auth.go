package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	UserIDKey   contextKey = "user_id"
)

// Auth verifies the HS256 bearer token and requires a tenant_id claim. Every
// event subscription is tenant-scoped, so unauthenticated or tenant-less
// requests are rejected outright.
func Auth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w, "missing bearer token")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				unauthorized(w, "malformed authorization header")
				return
			}

			claims := &jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (interface{}, error) {
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !token.Valid {
				unauthorized(w, "invalid token")
				return
			}

			tenantID, _ := (*claims)["tenant_id"].(string)
			if tenantID == "" {
				unauthorized(w, "token has no tenant")
				return
			}

			// auth-service uses 'uid' or 'sub' for the subject
			userID, _ := (*claims)["uid"].(string)
			if userID == "" {
				userID, _ = (*claims)["sub"].(string)
			}

			ctx := context.WithValue(r.Context(), TenantIDKey, tenantID)
			ctx = context.WithValue(ctx, UserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": "unauthorized", "message": msg},
	})
}

func GetTenantID(ctx context.Context) string {
	id, ok := ctx.Value(TenantIDKey).(string)
	if !ok {
		return ""
	}
	return id
}

func GetUserID(ctx context.Context) string {
	id, ok := ctx.Value(UserIDKey).(string)
	if !ok {
		return ""
	}
	return id
}
