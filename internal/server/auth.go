package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Credentials guard /api/. A Password starting with "$2" is treated as a
// bcrypt hash; anything else is compared in constant time.
type Credentials struct {
	User     string
	Password string
}

func (c Credentials) enabled() bool {
	return c.User != "" && c.Password != ""
}

func (c Credentials) isHash() bool {
	return strings.HasPrefix(c.Password, "$2")
}

func (c Credentials) validate() error {
	if !c.enabled() || !c.isHash() {
		return nil
	}
	if _, err := bcrypt.Cost([]byte(c.Password)); err != nil {
		return errors.New("panel password looks like a bcrypt hash but cannot be parsed")
	}
	return nil
}

func (c Credentials) match(user, password string) bool {
	userOK := constantTimeEqual(user, c.User)
	var passOK bool
	if c.isHash() {
		passOK = bcrypt.CompareHashAndPassword([]byte(c.Password), []byte(password)) == nil
	} else {
		passOK = constantTimeEqual(password, c.Password)
	}
	return userOK && passOK
}

// constantTimeEqual hashes both sides first so the comparison does not leak
// the length of the expected value.
func constantTimeEqual(got, want string) bool {
	a := sha256.Sum256([]byte(got))
	b := sha256.Sum256([]byte(want))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

func requiresAuth(path string) bool {
	return strings.HasPrefix(path, "/api/")
}

func authMiddleware(creds Credentials, next http.Handler) http.Handler {
	if !creds.enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requiresAuth(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		user, password, ok := r.BasicAuth()
		if !ok || !creds.match(user, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="stream-relay", charset="UTF-8"`)
			writeMiddlewareError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
