package claimsx

import (
	"errors"
	"fmt"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

const defaultGoogleIssuer = "https://accounts.google.com"

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// ValidatorConfig describes all issuers the validator should trust.
type ValidatorConfig struct {
	Issuers []IssuerConfig
	// Logger receives debug records for rejected tokens. Defaults to the
	// logrus standard logger.
	Logger logrus.FieldLogger
	// Clock overrides the time source used by the claim checks.
	Clock func() time.Time
}

// IssuerConfig contains validation parameters for a specific issuer.
//
// ClockSkew is the shared leeway for exp, iat and nbf. ExpLeeway, IATLeeway
// and NBFLeeway override it per claim when non-zero.
type IssuerConfig struct {
	Name       string   `validate:"required"`
	JWKSURL    string   `validate:"omitempty,url"`
	Issuer     string
	Audience   []string `validate:"required,min=1,dive,required"`
	Subject    string
	RequireJTI bool

	ClockSkew time.Duration `default:"30s" validate:"gte=0"`
	ExpLeeway time.Duration `validate:"gte=0"`
	IATLeeway time.Duration `validate:"gte=0"`
	NBFLeeway time.Duration `validate:"gte=0"`

	MinRefresh  time.Duration `default:"5m"`
	HTTPTimeout time.Duration `default:"5s"`
}

// normalize sets default values for optional fields.
func (c *IssuerConfig) normalize() error {
	if c.JWKSURL == "" && c.Issuer == "" {
		c.Issuer = defaultGoogleIssuer
	}
	if err := defaults.Set(c); err != nil {
		return fmt.Errorf("apply defaults: %w", err)
	}
	return nil
}

// validate ensures the issuer configuration is usable.
func (c IssuerConfig) validate() error {
	if err := structValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("field %s failed %q", verrs[0].Field(), verrs[0].Tag())
		}
		return err
	}
	if c.JWKSURL != "" && c.Issuer == "" {
		return errors.New("issuer claim expected value is required")
	}
	return nil
}

// Options translates the issuer settings into verification options.
func (c IssuerConfig) Options() Options {
	opts := NewOptions(
		WithAudience(c.Audience...),
		WithLeeway(c.ClockSkew),
	)
	if c.Issuer != "" {
		opts[OptionIssuer] = c.Issuer
	}
	if c.Subject != "" {
		opts[OptionSubject] = c.Subject
	}
	if c.RequireJTI {
		opts[OptionVerifyJTI] = JTIRequired()
	}
	if c.ExpLeeway > 0 {
		opts[OptionExpLeeway] = c.ExpLeeway
	}
	if c.IATLeeway > 0 {
		opts[OptionIATLeeway] = c.IATLeeway
	}
	if c.NBFLeeway > 0 {
		opts[OptionNBFLeeway] = c.NBFLeeway
	}
	return opts
}

// issuerIndex returns the config mapped by issuer name.
func (c ValidatorConfig) issuerIndex() (map[string]IssuerConfig, error) {
	if len(c.Issuers) == 0 {
		return nil, errors.New("at least one issuer must be configured")
	}
	index := make(map[string]IssuerConfig, len(c.Issuers))
	for _, issuer := range c.Issuers {
		clone := issuer
		clone.Audience = append([]string(nil), issuer.Audience...)
		if err := clone.normalize(); err != nil {
			return nil, fmt.Errorf("issuer %q: %w", issuer.Name, err)
		}
		if err := clone.validate(); err != nil {
			return nil, fmt.Errorf("issuer %q: %w", issuer.Name, err)
		}
		if _, exists := index[clone.Name]; exists {
			return nil, fmt.Errorf("duplicate issuer name %q", clone.Name)
		}
		index[clone.Name] = clone
	}
	return index, nil
}
