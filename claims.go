package claimsx

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Registered claim names.
const (
	ClaimNameAudience  = "aud"
	ClaimNameExpiry    = "exp"
	ClaimNameIssuedAt  = "iat"
	ClaimNameIssuer    = "iss"
	ClaimNameJTI       = "jti"
	ClaimNameNotBefore = "nbf"
	ClaimNameSubject   = "sub"
)

// Payload is a decoded claim set. It is never modified by the verifier.
type Payload map[string]any

// Has reports whether the claim is present, even when its value is null.
func (p Payload) Has(name string) bool {
	_, ok := p[name]
	return ok
}

// Claims is the normalized view of a verified payload.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	NotBefore time.Time
	IssuedAt  time.Time
	JWTID     string

	Email        string
	Scopes       []string
	CustomClaims map[string]any
}

var registeredClaims = map[string]struct{}{
	ClaimNameAudience:  {},
	ClaimNameExpiry:    {},
	ClaimNameIssuedAt:  {},
	ClaimNameIssuer:    {},
	ClaimNameJTI:       {},
	ClaimNameNotBefore: {},
	ClaimNameSubject:   {},
}

// Claims extracts the normalized claims. Time claims that are absent stay zero.
func (p Payload) Claims() *Claims {
	claims := &Claims{
		Subject:  stringForm(p[ClaimNameSubject]),
		Issuer:   stringForm(p[ClaimNameIssuer]),
		Audience: stringSet(p[ClaimNameAudience]),
		JWTID:    stringForm(p[ClaimNameJTI]),
	}
	if p.Has(ClaimNameExpiry) {
		claims.ExpiresAt = timeForm(p[ClaimNameExpiry])
	}
	if p.Has(ClaimNameNotBefore) {
		claims.NotBefore = timeForm(p[ClaimNameNotBefore])
	}
	if p.Has(ClaimNameIssuedAt) {
		claims.IssuedAt = timeForm(p[ClaimNameIssuedAt])
	}
	if email, ok := p["email"].(string); ok {
		claims.Email = strings.ToLower(email)
	}
	if scopes, ok := p["scopes"]; ok {
		claims.Scopes = normalizeScopes(scopes)
	} else if scope, ok := p["scope"].(string); ok {
		claims.Scopes = strings.Fields(scope)
	}
	for k, v := range p {
		if _, ok := registeredClaims[k]; ok {
			continue
		}
		if claims.CustomClaims == nil {
			claims.CustomClaims = make(map[string]any)
		}
		claims.CustomClaims[k] = v
	}
	return claims
}

// isNumeric reports whether v is a number and returns it as float seconds.
// Strings are never numeric.
func isNumeric(v any) (float64, bool) {
	switch n := v.(type) {
	case time.Time:
		return float64(n.UnixNano()) / float64(time.Second), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float32, float64, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		f, err := cast.ToFloat64E(n)
		return f, err == nil
	}
	return 0, false
}

// truncSeconds converts a claim value to whole seconds, truncating fractions.
// Values that cannot be read as a number yield 0.
func truncSeconds(v any) int64 {
	switch n := v.(type) {
	case nil:
		return 0
	case time.Time:
		return n.Unix()
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return truncFloat(f)
		}
		return 0
	case float32:
		return truncFloat(float64(n))
	case float64:
		return truncFloat(n)
	case string:
		s := strings.TrimSpace(n)
		if i, err := cast.ToInt64E(s); err == nil {
			return i
		}
		if f, err := cast.ToFloat64E(s); err == nil {
			return truncFloat(f)
		}
		return 0
	case uint:
		return saturateUint(uint64(n))
	case uint64:
		return saturateUint(n)
	case uintptr:
		return saturateUint(uint64(n))
	}
	i, err := cast.ToInt64E(v)
	if err != nil {
		return 0
	}
	return i
}

// truncFloat truncates toward zero and saturates at the int64 bounds.
func truncFloat(f float64) int64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= 1<<63:
		return math.MaxInt64
	case f < -(1 << 63):
		return math.MinInt64
	}
	return int64(math.Trunc(f))
}

func saturateUint(u uint64) int64 {
	if u > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(u)
}

// stringForm renders a claim or option value for equality checks. nil renders empty.
func stringForm(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case time.Time:
		return cast.ToString(s.Unix())
	case fmt.Stringer:
		return s.String()
	}
	if str, err := cast.ToStringE(v); err == nil {
		return str
	}
	return fmt.Sprint(v)
}

// stringSet treats a single value as a singleton and a sequence as its members.
func stringSet(v any) []string {
	switch s := v.(type) {
	case nil:
		return nil
	case []string:
		return append([]string(nil), s...)
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			out = append(out, stringForm(item))
		}
		return out
	}
	return []string{stringForm(v)}
}

// displayValue renders a value for failure messages.
func displayValue(v any) string {
	switch s := v.(type) {
	case nil:
		return "<none>"
	case []string, []any:
		members := stringSet(s)
		quoted := make([]string, len(members))
		for i, m := range members {
			quoted[i] = fmt.Sprintf("%q", m)
		}
		return "[" + strings.Join(quoted, ", ") + "]"
	}
	return stringForm(v)
}

func timeForm(v any) time.Time {
	if t, ok := v.(time.Time); ok {
		return t.UTC()
	}
	return time.Unix(truncSeconds(v), 0).UTC()
}

func normalizeScopes(value any) []string {
	switch v := value.(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return strings.Fields(v)
		}
		return nil
	default:
		return nil
	}
}
