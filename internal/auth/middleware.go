package auth

import (
	"errors"
	"net/http"
)

// HeaderName is the request header carrying the raw API key.
const HeaderName = "X-API-Key"

// Middleware resolves X-API-Key into an Owner and attaches it to the request
// context. Every MemoryX route requires a key: there is no optional/anonymous
// mode, so a missing or unrecognized key always yields 401.
func Middleware(store *Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderName)
			if key == "" {
				writeUnauthorized(w, "missing X-API-Key header")
				return
			}
			owner, err := store.Authenticate(r.Context(), key)
			if err != nil {
				if errors.Is(err, ErrKeyNotFound) {
					writeUnauthorized(w, "invalid API key")
					return
				}
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", "ApiKey realm=\"memoryx\"")
	http.Error(w, msg, http.StatusUnauthorized)
}
