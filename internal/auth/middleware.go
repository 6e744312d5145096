package auth

import (
	"context"
	"net/http"
)

type contextKey struct{ name string }

// userIDKey stores the authenticated user id in the request context.
var userIDKey = &contextKey{"userID"}

// Middleware returns a chi-compatible middleware that requires a valid
// bearer token on every request. Unauthenticated requests are answered
// with 401 before reaching any handler.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("Authorization")
			if token == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			userID, err := v.Verify(token)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID returns the authenticated user id installed by Middleware, or
// false when the request is unauthenticated.
func UserID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}
