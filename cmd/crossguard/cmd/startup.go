package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/jmcleod/crossguard/auth"
	"github.com/jmcleod/crossguard/guard"
	"github.com/jmcleod/crossguard/launch"
)

var (
	launchURL     string
	noCrossSigner bool
)

var errNotVerified = errors.New("session not verified")

type startupResult struct {
	Verified bool   `json:"verified"`
	URL      string `json:"url"`
}

// completeFederatedLogin finishes a federated login whose token arrived in
// the launch address.
func completeFederatedLogin(ctx context.Context, a *app, l *auth.Login, params *launch.Params) error {
	token, ok := params.Drain(launch.ParamLoginToken)
	if !ok {
		return nil
	}
	baseURL, err := a.state.Credentials.BaseURL()
	if err != nil {
		return err
	}
	if baseURL == "" {
		return errors.New("login token received but no federated login was started")
	}
	_, err = l.LoginWithToken(ctx, baseURL, token)
	return err
}

var startupCmd = &cobra.Command{
	Use:   "startup",
	Short: "Revalidate the stored session against a launch address",
	Long: `Runs the startup pipeline for a launch address: completes a federated
login carrying loginToken, re-presents the stored external token, and runs
cross-signing bootstrap (csSetupKey and csRecoveryKey) or restoration
(csRecoveryKey). Prints the address with the consumed parameters removed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			params, err := launch.Parse(launchURL, launch.WithReplacer(launch.ReplacerFunc(func(u *url.URL) {
				logger.Debug("launch address updated", "url", u.Redacted())
			})))
			if err != nil {
				return err
			}
			l := a.login()
			if err := completeFederatedLogin(cmd.Context(), a, l, params); err != nil {
				return fmt.Errorf("completing federated login: %w", err)
			}

			opts := []guard.Option{guard.WithMetrics(a.metrics), guard.WithLogger(logger)}
			if !noCrossSigner {
				opts = append(opts, guard.WithCrossSigning(a.crossSigner))
			}
			verified := guard.New(a.state, params, l, opts...).Run(cmd.Context())

			result := startupResult{Verified: verified, URL: params.String()}
			if printJSON {
				if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Verified: %t\nAddress:  %s\n", result.Verified, result.URL)
			}
			if !verified {
				return errNotVerified
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(startupCmd)
	startupCmd.Flags().StringVar(&launchURL, "launch-url", "", "Address the application was launched with")
	startupCmd.Flags().BoolVar(&noCrossSigner, "no-cross-signing", false, "Strip cross-signing parameters without acting on them")
	_ = startupCmd.MarkFlagRequired("launch-url")
}
