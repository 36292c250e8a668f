package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bionicotaku/lingo-utils-claimsx"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var errClaimsRejected = errors.New("one or more claims failed verification")

func newVerifyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [token]",
		Short: "Decode a token and report the outcome of every claim check",
		Long: `Decode a token and report the outcome of every claim check.

The token is read from the argument, --token, CLAIMSX_TOKEN, or stdin when
none is given or the value is "-". With --jwks-url the signature is verified
first; without it the payload is decoded unverified.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runVerify(cmd, args)
		},
	}
	f := cmd.Flags()
	f.String("token", "", "Token to verify")
	f.String("jwks-url", "", "JWKS URL used to verify the signature")
	f.StringSlice("aud", nil, "Expected audience; repeat for several")
	f.String("iss", "", "Expected issuer")
	f.String("sub", "", "Expected subject")
	f.Bool("require-jti", false, "Require a non-blank jti")
	f.Duration("leeway", 0, "Leeway shared by exp, iat and nbf")
	f.Duration("exp-leeway", 0, "Leeway for exp")
	f.Duration("iat-leeway", 0, "Leeway for iat")
	f.Duration("nbf-leeway", 0, "Leeway for nbf")
	f.Duration("timeout", 10*time.Second, "Timeout for fetching the JWKS")
	return cmd
}

func (a *app) runVerify(cmd *cobra.Command, args []string) error {
	raw := a.v.GetString("token")
	if len(args) == 1 {
		raw = args[0]
	}
	token, err := readToken(raw, cmd.InOrStdin())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), a.v.GetDuration("timeout"))
	defer cancel()

	payload, err := a.decode(ctx, token)
	if err != nil {
		return err
	}

	opts, err := a.options()
	if err != nil {
		return err
	}
	results := claimsx.NewVerifier(payload, opts).Report()
	failed := printReport(cmd.OutOrStdout(), payload, results)
	if failed > 0 {
		a.log.WithField("failed", failed).Debug("verification finished")
		return errClaimsRejected
	}
	return nil
}

func (a *app) decode(ctx context.Context, token string) (claimsx.Payload, error) {
	var (
		parsed jwt.Token
		err    error
	)
	if jwksURL := a.v.GetString("jwks-url"); jwksURL != "" {
		set, ferr := jwk.Fetch(ctx, jwksURL)
		if ferr != nil {
			return nil, fmt.Errorf("fetch jwks: %w", ferr)
		}
		parsed, err = jwt.Parse([]byte(token), jwt.WithKeySet(set), jwt.WithValidate(false))
	} else {
		a.log.Warn("no --jwks-url given, signature is NOT verified")
		parsed, err = jwt.ParseInsecure([]byte(token))
	}
	if err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return claimsx.PayloadFromToken(ctx, parsed)
}

// options starts from the "claims" section of the config file and lets flags
// and environment variables override it.
func (a *app) options() (claimsx.Options, error) {
	opts, err := claimsx.ParseOptions(a.v.GetStringMap("claims"))
	if err != nil {
		return nil, fmt.Errorf("config claims: %w", err)
	}
	if aud := a.v.GetStringSlice("aud"); len(aud) > 0 {
		claimsx.WithAudience(aud...)(opts)
	}
	if iss := a.v.GetString("iss"); iss != "" {
		opts[claimsx.OptionIssuer] = iss
	}
	if sub := a.v.GetString("sub"); sub != "" {
		opts[claimsx.OptionSubject] = sub
	}
	if a.v.GetBool("require-jti") {
		opts[claimsx.OptionVerifyJTI] = claimsx.JTIRequired()
	}
	leeways := map[string]claimsx.OptionKey{
		"leeway":     claimsx.OptionLeeway,
		"exp-leeway": claimsx.OptionExpLeeway,
		"iat-leeway": claimsx.OptionIATLeeway,
		"nbf-leeway": claimsx.OptionNBFLeeway,
	}
	for flag, key := range leeways {
		if a.v.IsSet(flag) {
			opts[key] = a.v.GetDuration(flag)
		}
	}
	a.log.WithFields(logrus.Fields{"options": len(opts)}).Debug("built verification options")
	return opts, nil
}

func readToken(raw string, stdin io.Reader) (string, error) {
	if raw == "" || raw == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read token from stdin: %w", err)
		}
		raw = string(data)
	}
	token := strings.TrimSpace(raw)
	if token == "" {
		return "", errors.New("no token given")
	}
	return token, nil
}

func printReport(w io.Writer, payload claimsx.Payload, results []claimsx.Result) int {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	names := make([]string, 0, len(payload))
	for name := range payload {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(tw, "CLAIM\tVALUE")
	for _, name := range names {
		fmt.Fprintf(tw, "%s\t%v\n", name, payload[name])
	}
	fmt.Fprintln(tw)

	failed := 0
	fmt.Fprintln(tw, "CHECK\tRESULT\tDETAIL")
	for _, r := range results {
		if r.Passed() {
			fmt.Fprintf(tw, "%s\tok\t\n", r.Claim)
			continue
		}
		failed++
		fmt.Fprintf(tw, "%s\tFAIL\t%v\n", r.Claim, r.Err)
	}
	return failed
}
