package middleware

import (
	"net/http"
)

// userHeader carries the authenticated user's id, injected by the edge proxy
// after it has validated the session.
const userHeader = "X-User-ID"

// UserID extracts the caller's user id from the request.
func UserID(r *http.Request) string {
	return r.Header.Get(userHeader)
}

// RequireUser rejects requests that arrive without a user identity.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserID(r) == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"missing user identity"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CORS allows the browser frontend to reach the API from another origin.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
