package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/kiranshivaraju/upscaler/internal/api/response"
	"golang.org/x/crypto/bcrypt"
)

// Auth checks service-to-service bearer keys against configured bcrypt
// hashes. A key that matched once is remembered by its SHA-256 digest so
// later requests skip the bcrypt cost.
type Auth struct {
	hashes   [][]byte
	verified sync.Map // [sha256.Size]byte -> int (hash index)
}

// NewAuth creates a new Auth middleware from bcrypt hashes.
func NewAuth(hashes []string) *Auth {
	a := &Auth{}
	for _, h := range hashes {
		if h = strings.TrimSpace(h); h != "" {
			a.hashes = append(a.hashes, []byte(h))
		}
	}
	return a
}

// Authenticate validates the Bearer token and records which configured key
// matched in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		idx, ok := a.match(rawKey)
		if !ok {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(setServiceKey(r.Context(), idx)))
	})
}

func (a *Auth) match(rawKey string) (int, bool) {
	digest := sha256.Sum256([]byte(rawKey))
	if idx, ok := a.verified.Load(digest); ok {
		return idx.(int), true
	}
	for i, h := range a.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(rawKey)) == nil {
			a.verified.Store(digest, i)
			return i, true
		}
	}
	return 0, false
}

// WebhookToken guards vendor callbacks with the shared token carried in the
// callback URL's query string.
func WebhookToken(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.URL.Query().Get("token"))
			if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
				response.Error(w, http.StatusUnauthorized,
					"INVALID_TOKEN", "Invalid webhook token", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
