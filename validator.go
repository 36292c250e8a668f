package claimsx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/idtoken"
)

var googleValidate = idtoken.Validate

// Validator verifies token signatures for configured issuers and then runs
// the registered-claim checks on the decoded payload.
type Validator struct {
	mu            sync.RWMutex
	issuers       map[string]*issuerState
	defaultIssuer string
	logger        logrus.FieldLogger
	clock         func() time.Time
}

type issuerState struct {
	cfg     IssuerConfig
	options Options
	cache   *jwk.Cache
	google  bool
}

// NewValidator builds a validator from the given configuration.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	index, err := cfg.issuerIndex()
	if err != nil {
		return nil, err
	}

	defaultIssuer := ""
	if len(cfg.Issuers) == 1 {
		defaultIssuer = cfg.Issuers[0].Name
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	v := &Validator{
		issuers:       make(map[string]*issuerState, len(index)),
		defaultIssuer: defaultIssuer,
		logger:        logger,
		clock:         clock,
	}
	for name, issuerCfg := range index {
		state := &issuerState{
			cfg:     issuerCfg,
			options: issuerCfg.Options(),
			google:  issuerCfg.JWKSURL == "",
		}
		if !state.google {
			cache := jwk.NewCache(context.Background())
			httpClient := &http.Client{
				Timeout: issuerCfg.HTTPTimeout,
				Transport: &http.Transport{
					Proxy: http.ProxyFromEnvironment,
				},
			}
			if err := cache.Register(
				issuerCfg.JWKSURL,
				jwk.WithMinRefreshInterval(issuerCfg.MinRefresh),
				jwk.WithHTTPClient(httpClient),
			); err != nil {
				return nil, fmt.Errorf("register jwks for %q: %w", name, err)
			}
			state.cache = cache
		}
		v.issuers[name] = state
	}

	return v, nil
}

// Warmup refreshes JWKS for the specified issuer.
func (v *Validator) Warmup(ctx context.Context, issuerName string) error {
	state, ok := v.lookupIssuer(issuerName)
	if !ok {
		return newError(ErrCodeIssuerNotRegistered, fmt.Errorf("issuer %q not found", issuerName))
	}
	if state.google {
		return nil
	}
	refreshCtx, cancel := state.withTimeout(ctx)
	defer cancel()
	if _, err := state.cache.Refresh(refreshCtx, state.cfg.JWKSURL); err != nil {
		return newError(ErrCodeJWKSUnavailable, err)
	}
	return nil
}

// Validate verifies the token using the issuer identified by issuerName.
//
// When several claims fail, the returned error joins one *Error per failing
// claim; use errors.Is with the Err* sentinels or CodeOf to inspect it.
func (v *Validator) Validate(ctx context.Context, token, issuerName string) (*Claims, error) {
	if issuerName == "" {
		issuerName = v.defaultIssuer
	}
	if issuerName == "" {
		return nil, newError(ErrCodeIssuerNotRegistered, errors.New("issuer not specified"))
	}

	if token == "" {
		return nil, newError(ErrCodeInvalidToken, errors.New("token is empty"))
	}
	state, ok := v.lookupIssuer(issuerName)
	if !ok {
		return nil, newError(ErrCodeIssuerNotRegistered, fmt.Errorf("issuer %q not found", issuerName))
	}

	var (
		payload Payload
		err     error
	)
	if state.google {
		payload, err = v.decodeGoogle(ctx, token, state)
	} else {
		payload, err = v.decodeJWKS(ctx, token, state)
	}
	if err != nil {
		v.logRejection(issuerName, err)
		return nil, err
	}

	if err := NewVerifier(payload, state.options, WithClock(v.clock)).VerifyAll(); err != nil {
		v.logRejection(issuerName, err)
		return nil, err
	}
	return payload.Claims(), nil
}

func (v *Validator) decodeJWKS(ctx context.Context, token string, state *issuerState) (Payload, error) {
	keySet, err := state.cache.Get(ctx, state.cfg.JWKSURL)
	if err != nil {
		return nil, newError(ErrCodeJWKSUnavailable, err)
	}

	// Claim checks are left to the Verifier so leeway and messages stay uniform.
	parsed, err := jwt.Parse([]byte(token), jwt.WithKeySet(keySet), jwt.WithValidate(false))
	if err != nil {
		return nil, newError(ErrCodeInvalidToken, err)
	}
	return PayloadFromToken(ctx, parsed)
}

func (v *Validator) decodeGoogle(ctx context.Context, token string, state *issuerState) (Payload, error) {
	validateCtx, cancel := state.withTimeout(ctx)
	defer cancel()

	// Audience is checked by the Verifier, which accepts several audiences.
	payload, err := googleValidate(validateCtx, token, "")
	if err != nil {
		return nil, mapGoogleError(err)
	}
	return payloadFromGoogle(payload), nil
}

// withTimeout bounds a key fetch by the issuer's HTTP timeout.
func (s *issuerState) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.HTTPTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.HTTPTimeout)
}

func (v *Validator) lookupIssuer(name string) (*issuerState, bool) {
	if name == "" {
		name = v.defaultIssuer
	}
	if name == "" {
		return nil, false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	state, ok := v.issuers[name]
	return state, ok
}

func (v *Validator) logRejection(issuerName string, err error) {
	fields := logrus.Fields{"issuer": issuerName}
	if code, ok := CodeOf(err); ok {
		fields["code"] = string(code)
	}
	v.logger.WithFields(fields).WithError(err).Debug("token rejected")
}

// PayloadFromToken converts a parsed jwx token into a Payload. Time claims
// arrive as time.Time, which the checks read as epoch seconds.
func PayloadFromToken(ctx context.Context, token jwt.Token) (Payload, error) {
	m, err := token.AsMap(ctx)
	if err != nil {
		return nil, newError(ErrCodeInvalidToken, fmt.Errorf("read claims: %w", err))
	}
	return Payload(m), nil
}

func payloadFromGoogle(payload *idtoken.Payload) Payload {
	out := make(Payload, len(payload.Claims)+5)
	for k, v := range payload.Claims {
		out[k] = v
	}
	setIfMissing := func(name string, value any) {
		if _, ok := out[name]; !ok {
			out[name] = value
		}
	}
	if payload.Issuer != "" {
		setIfMissing(ClaimNameIssuer, payload.Issuer)
	}
	if payload.Audience != "" {
		setIfMissing(ClaimNameAudience, payload.Audience)
	}
	if payload.Subject != "" {
		setIfMissing(ClaimNameSubject, payload.Subject)
	}
	if payload.Expires != 0 {
		setIfMissing(ClaimNameExpiry, payload.Expires)
	}
	if payload.IssuedAt != 0 {
		setIfMissing(ClaimNameIssuedAt, payload.IssuedAt)
	}
	return out
}

func mapGoogleError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "audience provided does not match"):
		return newError(ErrCodeInvalidAudience, err)
	case strings.Contains(msg, "token expired"):
		return newError(ErrCodeExpiredSignature, err)
	case strings.Contains(msg, "could not find matching cert"):
		return newError(ErrCodeInvalidToken, err)
	case strings.Contains(msg, "invalid token"):
		return newError(ErrCodeInvalidToken, err)
	case strings.Contains(msg, "unable to decode JWT"):
		return newError(ErrCodeInvalidToken, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newError(ErrCodeJWKSUnavailable, err)
	}
	return newError(ErrCodeInvalidToken, err)
}
