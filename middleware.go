package claimsx

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrTokenMissing is returned by BearerToken when no Authorization header is present.
var ErrTokenMissing = errors.New("bearer token missing")

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrTokenMissing
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", newError(ErrCodeInvalidToken, errors.New("authorization header format must be Bearer {token}"))
	}
	return parts[1], nil
}

// Middleware validates the bearer token of each request against issuerName
// and binds the verified claims into the request context. Requests without a
// valid token get a 401 carrying the failure code in WWW-Authenticate.
func Middleware(v *Validator, issuerName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := BearerToken(r)
			if err != nil {
				writeUnauthorized(w, err)
				return
			}
			claims, err := v.Validate(r.Context(), token, issuerName)
			if err != nil {
				writeUnauthorized(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(BindClaims(r.Context(), claims)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	challenge := `Bearer`
	if code, ok := CodeOf(err); ok {
		challenge = fmt.Sprintf(`Bearer error="invalid_token", error_description=%q`, string(code))
	}
	w.Header().Set("WWW-Authenticate", challenge)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"message":"JWT is invalid."}`))
}
