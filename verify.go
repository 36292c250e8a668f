package claimsx

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ClaimKind identifies one of the registered-claim checks.
type ClaimKind int

const (
	ClaimAudience ClaimKind = iota
	ClaimExpiration
	ClaimIssuedAt
	ClaimIssuer
	ClaimJTI
	ClaimNotBefore
	ClaimSubject
)

// AllClaims lists every check in the order VerifyAll runs them.
var AllClaims = []ClaimKind{
	ClaimAudience,
	ClaimExpiration,
	ClaimIssuedAt,
	ClaimIssuer,
	ClaimJTI,
	ClaimNotBefore,
	ClaimSubject,
}

// String returns the claim name.
func (k ClaimKind) String() string {
	switch k {
	case ClaimAudience:
		return ClaimNameAudience
	case ClaimExpiration:
		return ClaimNameExpiry
	case ClaimIssuedAt:
		return ClaimNameIssuedAt
	case ClaimIssuer:
		return ClaimNameIssuer
	case ClaimJTI:
		return ClaimNameJTI
	case ClaimNotBefore:
		return ClaimNameNotBefore
	case ClaimSubject:
		return ClaimNameSubject
	}
	return fmt.Sprintf("ClaimKind(%d)", int(k))
}

// Verifier checks the registered claims of one payload against one set of
// options. Build one per verification with NewVerifier; it keeps no state
// beyond its inputs.
type Verifier struct {
	payload Payload
	options Options
	now     func() time.Time
}

// VerifierOption customizes a Verifier.
type VerifierOption func(*Verifier)

// WithClock sets the time source. It is read once per time-based check.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier returns a Verifier over payload and opts. Either may be nil.
func NewVerifier(payload Payload, opts Options, vopts ...VerifierOption) *Verifier {
	v := &Verifier{
		payload: payload,
		options: opts,
		now:     time.Now,
	}
	for _, opt := range vopts {
		opt(v)
	}
	return v
}

// Verify runs the check for kind.
func (v *Verifier) Verify(kind ClaimKind) error {
	switch kind {
	case ClaimAudience:
		return v.VerifyAudience()
	case ClaimExpiration:
		return v.VerifyExpiration()
	case ClaimIssuedAt:
		return v.VerifyIssuedAt()
	case ClaimIssuer:
		return v.VerifyIssuer()
	case ClaimJTI:
		return v.VerifyJTI()
	case ClaimNotBefore:
		return v.VerifyNotBefore()
	case ClaimSubject:
		return v.VerifySubject()
	}
	return newError(ErrCodeInternal, fmt.Errorf("unknown claim kind %d", int(kind)))
}

// VerifyAudience passes when the payload and expected audiences share a member.
func (v *Verifier) VerifyAudience() error {
	expected, ok := v.options.lookup(OptionAudience)
	if !ok {
		return nil
	}
	actual := v.payload[ClaimNameAudience]
	want := make(map[string]struct{})
	for _, aud := range stringSet(expected) {
		want[aud] = struct{}{}
	}
	if v.payload.Has(ClaimNameAudience) && actual != nil {
		for _, aud := range stringSet(actual) {
			if _, ok := want[aud]; ok {
				return nil
			}
		}
	}
	return claimError(ErrCodeInvalidAudience, "Invalid audience. Expected %s, received %s",
		displayValue(expected), displayValue(actual))
}

// VerifyExpiration fails once exp, in whole seconds, is at or before now
// minus the exp leeway.
func (v *Verifier) VerifyExpiration() error {
	if !v.payload.Has(ClaimNameExpiry) {
		return nil
	}
	leeway, err := v.options.leeway(OptionExpLeeway)
	if err != nil {
		return newError(ErrCodeInternal, err)
	}
	exp := float64(truncSeconds(v.payload[ClaimNameExpiry]))
	now := float64(v.now().Unix())
	if exp <= now-leeway {
		return claimError(ErrCodeExpiredSignature, "")
	}
	return nil
}

// VerifyIssuedAt fails when iat is not a number or lies beyond now plus the
// iat leeway.
func (v *Verifier) VerifyIssuedAt() error {
	if !v.payload.Has(ClaimNameIssuedAt) {
		return nil
	}
	leeway, err := v.options.leeway(OptionIATLeeway)
	if err != nil {
		return newError(ErrCodeInternal, err)
	}
	iat, ok := isNumeric(v.payload[ClaimNameIssuedAt])
	if !ok {
		return claimError(ErrCodeInvalidIssuedAt, "")
	}
	now := float64(v.now().UnixNano()) / float64(time.Second)
	if iat > now+leeway {
		return claimError(ErrCodeInvalidIssuedAt, "")
	}
	return nil
}

// VerifyIssuer compares the string forms of the payload and expected issuer.
func (v *Verifier) VerifyIssuer() error {
	expected, ok := v.options.lookup(OptionIssuer)
	if !ok {
		return nil
	}
	actual := v.payload[ClaimNameIssuer]
	if stringForm(actual) != stringForm(expected) {
		return claimError(ErrCodeInvalidIssuer, "Invalid issuer. Expected %s, received %s",
			displayValue(expected), displayValue(actual))
	}
	return nil
}

// VerifyJTI runs the configured jti rule. A custom predicate replaces the
// default non-blank rule and sees the raw value.
func (v *Verifier) VerifyJTI() error {
	raw, ok := v.options.lookup(OptionVerifyJTI)
	if !ok {
		return nil
	}
	rule, err := jtiRuleOf(raw)
	if err != nil {
		return newError(ErrCodeInternal, err)
	}
	if rule == nil {
		return nil
	}
	jti := v.payload[ClaimNameJTI]
	if rule.Custom() {
		if !rule.predicate(jti) {
			return claimError(ErrCodeInvalidJTI, "Invalid jti")
		}
		return nil
	}
	if strings.TrimSpace(stringForm(jti)) == "" {
		return claimError(ErrCodeInvalidJTI, "Missing jti")
	}
	return nil
}

// VerifyNotBefore fails while nbf, in whole seconds, is after now plus the
// nbf leeway.
func (v *Verifier) VerifyNotBefore() error {
	if !v.payload.Has(ClaimNameNotBefore) {
		return nil
	}
	leeway, err := v.options.leeway(OptionNBFLeeway)
	if err != nil {
		return newError(ErrCodeInternal, err)
	}
	nbf := float64(truncSeconds(v.payload[ClaimNameNotBefore]))
	now := float64(v.now().Unix())
	if nbf > now+leeway {
		return claimError(ErrCodeImmatureSignature, "")
	}
	return nil
}

// VerifySubject compares the string forms of the payload and expected subject.
func (v *Verifier) VerifySubject() error {
	expected, ok := v.options.lookup(OptionSubject)
	if !ok {
		return nil
	}
	actual := v.payload[ClaimNameSubject]
	if stringForm(actual) != stringForm(expected) {
		return claimError(ErrCodeInvalidSubject, "Invalid subject. Expected %s, received %s",
			displayValue(expected), displayValue(actual))
	}
	return nil
}

// Result is the outcome of one check.
type Result struct {
	Claim ClaimKind
	Err   error
}

// Passed reports whether the check succeeded.
func (r Result) Passed() bool { return r.Err == nil }

// Report runs every check and returns each outcome in AllClaims order.
func (v *Verifier) Report() []Result {
	results := make([]Result, 0, len(AllClaims))
	for _, kind := range AllClaims {
		results = append(results, Result{Claim: kind, Err: v.Verify(kind)})
	}
	return results
}

// VerifyAll runs every check and joins all failures. It returns nil when
// every check passes.
func (v *Verifier) VerifyAll() error {
	var errs []error
	for _, r := range v.Report() {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errors.Join(errs...)
}

// VerifyAudience checks aud. See Verifier.VerifyAudience.
func VerifyAudience(payload Payload, opts Options) error {
	return NewVerifier(payload, opts).VerifyAudience()
}

// VerifyExpiration checks exp. See Verifier.VerifyExpiration.
func VerifyExpiration(payload Payload, opts Options) error {
	return NewVerifier(payload, opts).VerifyExpiration()
}

// VerifyIssuedAt checks iat. See Verifier.VerifyIssuedAt.
func VerifyIssuedAt(payload Payload, opts Options) error {
	return NewVerifier(payload, opts).VerifyIssuedAt()
}

// VerifyIssuer checks iss. See Verifier.VerifyIssuer.
func VerifyIssuer(payload Payload, opts Options) error {
	return NewVerifier(payload, opts).VerifyIssuer()
}

// VerifyJTI checks jti. See Verifier.VerifyJTI.
func VerifyJTI(payload Payload, opts Options) error {
	return NewVerifier(payload, opts).VerifyJTI()
}

// VerifyNotBefore checks nbf. See Verifier.VerifyNotBefore.
func VerifyNotBefore(payload Payload, opts Options) error {
	return NewVerifier(payload, opts).VerifyNotBefore()
}

// VerifySubject checks sub. See Verifier.VerifySubject.
func VerifySubject(payload Payload, opts Options) error {
	return NewVerifier(payload, opts).VerifySubject()
}

// VerifyAll runs all seven checks. See Verifier.VerifyAll.
func VerifyAll(payload Payload, opts Options) error {
	return NewVerifier(payload, opts).VerifyAll()
}
