package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bionicotaku/lingo-utils-claimsx"
	"github.com/spf13/cobra"
)

func newTokenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <audience>",
		Short: "Mint a Google identity token and check its claims before printing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runToken(cmd, args[0])
		},
	}
	f := cmd.Flags()
	f.String("service-account", "", "Service account to impersonate")
	f.Bool("include-email", false, "Include the email claim")
	f.StringSlice("delegates", nil, "Impersonation delegation chain")
	f.Duration("exp-leeway", 0, "Reject tokens expiring within this window")
	f.Duration("timeout", 10*time.Second, "Timeout for minting the token")
	return cmd
}

func (a *app) runToken(cmd *cobra.Command, audience string) error {
	verify := claimsx.Options{}
	if a.v.IsSet("exp-leeway") {
		// A negative leeway moves the expiry cutoff into the future.
		verify[claimsx.OptionExpLeeway] = -a.v.GetDuration("exp-leeway")
	}
	provider := claimsx.NewProvider(claimsx.ProviderConfig{
		ServiceAccount: a.v.GetString("service-account"),
		IncludeEmail:   a.v.GetBool("include-email"),
		Delegates:      a.v.GetStringSlice("delegates"),
		Verify:         verify,
	})

	ctx, cancel := context.WithTimeout(cmd.Context(), a.v.GetDuration("timeout"))
	defer cancel()

	tok, err := provider.Token(ctx, audience)
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}
	a.log.WithField("audience", audience).Info("minted identity token")
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
