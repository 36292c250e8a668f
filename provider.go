package claimsx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/oauth2"
	"google.golang.org/api/idtoken"
	"google.golang.org/api/impersonate"
)

// TokenFactory allows callers to override how identity tokens are minted.
type TokenFactory func(context.Context, string, ProviderParams) (oauth2.TokenSource, error)

// ProviderConfig defines how tokens should be issued by default.
//
// When Verify is set, every minted token is decoded and its claims checked
// against Verify before it is handed out. The requested audience is added as
// the expected aud unless Verify already names one. The signature is not
// checked; the token comes straight from the issuer.
type ProviderConfig struct {
	ServiceAccount string
	IncludeEmail   bool
	Delegates      []string
	TokenFactory   TokenFactory
	Verify         Options
	Clock          func() time.Time
}

// ProviderParams are the per-call minting parameters.
type ProviderParams struct {
	ServiceAccount string
	IncludeEmail   bool
	Delegates      []string
}

// TokenOption customizes the behaviour for a single Token call.
type TokenOption func(*ProviderParams)

// WithServiceAccount overrides the service account used to mint the token.
func WithServiceAccount(email string) TokenOption {
	return func(p *ProviderParams) { p.ServiceAccount = email }
}

// WithIncludeEmail controls whether the resulting token contains the email claim.
func WithIncludeEmail(include bool) TokenOption {
	return func(p *ProviderParams) { p.IncludeEmail = include }
}

// WithDelegates sets the impersonation delegation chain.
func WithDelegates(delegates ...string) TokenOption {
	return func(p *ProviderParams) { p.Delegates = append([]string(nil), delegates...) }
}

// Provider issues identity tokens for service-to-service calls and can
// check each token's claims before returning it. Token sources are cached per
// audience and minting parameters.
type Provider struct {
	mu       sync.RWMutex
	factory  TokenFactory
	sources  map[sourceKey]oauth2.TokenSource
	defaults ProviderParams
	verify   Options
	clock    func() time.Time
}

type sourceKey struct {
	audience       string
	serviceAccount string
	includeEmail   bool
	delegates      string
}

// NewProvider constructs a Provider using the supplied defaults.
func NewProvider(cfg ProviderConfig) *Provider {
	p := &Provider{
		factory: cfg.TokenFactory,
		sources: make(map[sourceKey]oauth2.TokenSource),
		defaults: ProviderParams{
			ServiceAccount: cfg.ServiceAccount,
			IncludeEmail:   cfg.IncludeEmail,
			Delegates:      append([]string(nil), cfg.Delegates...),
		},
		clock: cfg.Clock,
	}
	if p.factory == nil {
		p.factory = googleFactory
	}
	if p.clock == nil {
		p.clock = time.Now
	}
	if cfg.Verify != nil {
		p.verify = cfg.Verify.Clone()
	}
	return p
}

// Token returns an identity token for the given audience.
func (p *Provider) Token(ctx context.Context, audience string, opts ...TokenOption) (string, error) {
	if strings.TrimSpace(audience) == "" {
		return "", errors.New("audience is required")
	}

	params := p.defaults
	params.Delegates = append([]string(nil), p.defaults.Delegates...)
	for _, opt := range opts {
		opt(&params)
	}

	source, err := p.source(ctx, audience, params)
	if err != nil {
		return "", err
	}

	tok, err := source.Token()
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("empty access token returned")
	}
	if p.verify != nil {
		if err := p.checkClaims(ctx, tok.AccessToken, audience); err != nil {
			return "", fmt.Errorf("minted token rejected: %w", err)
		}
	}
	return tok.AccessToken, nil
}

func (p *Provider) checkClaims(ctx context.Context, token, audience string) error {
	parsed, err := jwt.ParseInsecure([]byte(token))
	if err != nil {
		return newError(ErrCodeInvalidToken, err)
	}
	payload, err := PayloadFromToken(ctx, parsed)
	if err != nil {
		return err
	}
	opts := p.verify.Clone()
	if _, ok := opts.lookup(OptionAudience); !ok {
		opts[OptionAudience] = audience
	}
	return NewVerifier(payload, opts, WithClock(p.clock)).VerifyAll()
}

func (p *Provider) source(ctx context.Context, audience string, params ProviderParams) (oauth2.TokenSource, error) {
	key := sourceKey{
		audience:       audience,
		serviceAccount: params.ServiceAccount,
		includeEmail:   params.IncludeEmail,
		delegates:      strings.Join(params.Delegates, ","),
	}

	p.mu.RLock()
	source, ok := p.sources[key]
	p.mu.RUnlock()
	if ok {
		return source, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if source, ok = p.sources[key]; ok {
		return source, nil
	}

	// The source outlives this call and refreshes later, so it must not
	// inherit the caller's cancellation.
	ts, err := p.factory(detach(ctx), audience, params)
	if err != nil {
		return nil, err
	}
	source = oauth2.ReuseTokenSource(nil, ts)
	p.sources[key] = source
	return source, nil
}

func googleFactory(ctx context.Context, audience string, params ProviderParams) (oauth2.TokenSource, error) {
	if params.ServiceAccount != "" {
		return impersonate.IDTokenSource(ctx, impersonate.IDTokenConfig{
			Audience:        audience,
			TargetPrincipal: params.ServiceAccount,
			IncludeEmail:    params.IncludeEmail,
			Delegates:       params.Delegates,
		})
	}
	return idtoken.NewTokenSource(ctx, audience)
}

func detach(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}
