package claimsx

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// OptionKey names a verification option. Callers must use these constants;
// no alternate spellings are looked up.
type OptionKey string

const (
	OptionAudience  OptionKey = "aud"
	OptionIssuer    OptionKey = "iss"
	OptionSubject   OptionKey = "sub"
	OptionVerifyJTI OptionKey = "verify_jti"
	OptionLeeway    OptionKey = "leeway"
	OptionExpLeeway OptionKey = "exp_leeway"
	OptionIATLeeway OptionKey = "iat_leeway"
	OptionNBFLeeway OptionKey = "nbf_leeway"
)

var knownOptions = map[OptionKey]struct{}{
	OptionAudience:  {},
	OptionIssuer:    {},
	OptionSubject:   {},
	OptionVerifyJTI: {},
	OptionLeeway:    {},
	OptionExpLeeway: {},
	OptionIATLeeway: {},
	OptionNBFLeeway: {},
}

// Options holds expected claim values and clock-skew tolerances.
//
// Leeway values are seconds and may be any number, a numeric string or a
// time.Duration. A nil value is treated as absent.
type Options map[OptionKey]any

// OptionFunc sets a single option.
type OptionFunc func(Options)

// NewOptions builds Options from the given setters.
func NewOptions(opts ...OptionFunc) Options {
	o := make(Options, len(opts))
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithAudience expects at least one of the given audiences.
func WithAudience(audience ...string) OptionFunc {
	return func(o Options) {
		if len(audience) == 1 {
			o[OptionAudience] = audience[0]
			return
		}
		o[OptionAudience] = append([]string(nil), audience...)
	}
}

// WithIssuer expects the given issuer.
func WithIssuer(issuer string) OptionFunc {
	return func(o Options) { o[OptionIssuer] = issuer }
}

// WithSubject expects the given subject.
func WithSubject(subject string) OptionFunc {
	return func(o Options) { o[OptionSubject] = subject }
}

// WithJTI enables the jti check with the given rule.
func WithJTI(rule JTIRule) OptionFunc {
	return func(o Options) { o[OptionVerifyJTI] = rule }
}

// WithLeeway sets the tolerance shared by exp, iat and nbf.
func WithLeeway(d time.Duration) OptionFunc {
	return func(o Options) { o[OptionLeeway] = d }
}

// WithExpLeeway overrides the leeway for exp.
func WithExpLeeway(d time.Duration) OptionFunc {
	return func(o Options) { o[OptionExpLeeway] = d }
}

// WithIATLeeway overrides the leeway for iat.
func WithIATLeeway(d time.Duration) OptionFunc {
	return func(o Options) { o[OptionIATLeeway] = d }
}

// WithNBFLeeway overrides the leeway for nbf.
func WithNBFLeeway(d time.Duration) OptionFunc {
	return func(o Options) { o[OptionNBFLeeway] = d }
}

// ParseOptions converts a loosely typed map, such as one read from a config
// file, into Options. Unknown keys are rejected.
func ParseOptions(raw map[string]any) (Options, error) {
	o := make(Options, len(raw))
	var unknown []string
	for k, v := range raw {
		key := OptionKey(strings.ToLower(strings.TrimSpace(k)))
		if _, ok := knownOptions[key]; !ok {
			unknown = append(unknown, k)
			continue
		}
		o[key] = v
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown verification options: %s", strings.Join(unknown, ", "))
	}
	if v, ok := o.lookup(OptionVerifyJTI); ok {
		if _, err := jtiRuleOf(v); err != nil {
			return nil, err
		}
	}
	for _, key := range []OptionKey{OptionLeeway, OptionExpLeeway, OptionIATLeeway, OptionNBFLeeway} {
		if v, ok := o.lookup(key); ok {
			if _, err := leewaySeconds(v); err != nil {
				return nil, fmt.Errorf("option %s: %w", key, err)
			}
		}
	}
	return o, nil
}

// Clone returns a shallow copy.
func (o Options) Clone() Options {
	out := make(Options, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// lookup returns the option value and whether it is present. A nil value is
// absent; falsy values such as a zero leeway are present.
func (o Options) lookup(key OptionKey) (any, bool) {
	v, ok := o[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// leeway resolves the tolerance for a time claim, in seconds. A value that
// cannot be read as seconds is an error, not a zero leeway.
func (o Options) leeway(specific OptionKey) (float64, error) {
	key := specific
	v, ok := o.lookup(key)
	if !ok {
		key = OptionLeeway
		v, ok = o.lookup(key)
	}
	if !ok {
		return 0, nil
	}
	secs, err := leewaySeconds(v)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return secs, nil
}

func leewaySeconds(v any) (float64, error) {
	switch d := v.(type) {
	case time.Duration:
		return d.Seconds(), nil
	case string:
		if dur, err := time.ParseDuration(d); err == nil {
			return dur.Seconds(), nil
		}
	}
	return cast.ToFloat64E(v)
}

// JTIRule selects how the jti claim is checked.
type JTIRule struct {
	predicate func(any) bool
}

// JTIRequired accepts any jti that is not blank.
func JTIRequired() JTIRule { return JTIRule{} }

// JTIFunc accepts a jti when fn returns true. fn receives the raw claim value,
// which is nil when the claim is absent.
func JTIFunc(fn func(any) bool) JTIRule { return JTIRule{predicate: fn} }

// Custom reports whether the rule carries its own predicate.
func (r JTIRule) Custom() bool { return r.predicate != nil }

// jtiRuleOf interprets the verify_jti option. A nil rule means the check is
// disabled.
func jtiRuleOf(v any) (*JTIRule, error) {
	switch r := v.(type) {
	case JTIRule:
		return &r, nil
	case *JTIRule:
		if r == nil {
			return nil, nil
		}
		return r, nil
	case func(any) bool:
		rule := JTIFunc(r)
		return &rule, nil
	case func(string) bool:
		rule := JTIFunc(func(jti any) bool { return r(stringForm(jti)) })
		return &rule, nil
	}
	enabled, err := cast.ToBoolE(v)
	if err != nil {
		return nil, fmt.Errorf("option %s: unsupported value %T", OptionVerifyJTI, v)
	}
	if !enabled {
		return nil, nil
	}
	rule := JTIRequired()
	return &rule, nil
}
