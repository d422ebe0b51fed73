package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out and clear the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			if err := a.login().Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		})
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show who the stored access token belongs to",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			creds, client, err := a.session()
			if err != nil {
				return err
			}
			who, err := client.WhoAmI(cmd.Context())
			if err != nil {
				return err
			}
			creds.UserID = who.UserID
			if who.DeviceID != "" {
				creds.DeviceID = who.DeviceID
			}
			return printSession(cmd, creds)
		})
	},
}

var (
	bootstrapSetup    string
	bootstrapRecovery string
)

var crossSigningCmd = &cobra.Command{
	Use:   "cross-signing",
	Short: "Set up or restore cross-signing for the stored session",
}

var crossSigningBootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Create secret storage, a key backup and cross-signing keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		setup, err := readSecret(cmd, "password", bootstrapSetup)
		if err != nil {
			return err
		}
		if bootstrapRecovery == "" {
			return fmt.Errorf("--recovery-passphrase is required")
		}
		return withApp(cmd.Context(), func(a *app) error {
			creds, _, err := a.session()
			if err != nil {
				return err
			}
			m, err := a.manager(creds)
			if err != nil {
				return err
			}
			if err := m.Bootstrap(cmd.Context(), setup, bootstrapRecovery); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cross-signing set up")
			return nil
		})
	},
}

var crossSigningRestoreCmd = &cobra.Command{
	Use:   "restore [recovery-key]",
	Short: "Restore the key backup with a recovery key or passphrase",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recoveryKey, err := readSecret(cmd, "recovery key", args[0])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			creds, _, err := a.session()
			if err != nil {
				return err
			}
			m, err := a.manager(creds)
			if err != nil {
				return err
			}
			result, err := m.Restore(cmd.Context(), recoveryKey)
			if err != nil {
				return err
			}
			if printJSON {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %d of %d room keys\n", result.Imported, result.Total)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(logoutCmd, whoamiCmd, crossSigningCmd)
	crossSigningCmd.AddCommand(crossSigningBootstrapCmd, crossSigningRestoreCmd)
	crossSigningBootstrapCmd.Flags().StringVarP(&bootstrapSetup, "password", "p", "-", "Account password, or - to read it from stdin")
	crossSigningBootstrapCmd.Flags().StringVar(&bootstrapRecovery, "recovery-passphrase", "", "Passphrase the recovery key is derived from")
}
