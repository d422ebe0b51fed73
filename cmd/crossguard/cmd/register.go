package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/crossguard/auth"
)

var (
	registerUser     string
	registerPassword string
	registerAuth     string

	emailClientSecret string
	emailSendAttempt  int
	emailNextLink     string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Submit one registration stage",
	Long: `Submits one interactive-auth stage of registration. Run it first without
--auth to learn the required stages and the session id, then once per stage
with the stage payload, for example:

  crossguard register -u alice --auth '{"type":"m.login.dummy","session":"abc"}'

The homeserver's interactive-auth session remembers completed stages between
invocations.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, err := requireBaseURL()
		if err != nil {
			return err
		}
		password, err := readSecret(cmd, "password", registerPassword)
		if err != nil {
			return err
		}
		var stage map[string]any
		if registerAuth != "" {
			if err := json.Unmarshal([]byte(registerAuth), &stage); err != nil {
				return fmt.Errorf("parsing --auth: %w", err)
			}
		}
		return withApp(cmd.Context(), func(a *app) error {
			r := auth.NewRegistrar(a.state, a.authOptions()...)
			result, err := r.RegisterStage(cmd.Context(), baseURL, registerUser, password, stage)
			if err != nil {
				return err
			}
			return printStage(cmd, result)
		})
	},
}

func printStage(cmd *cobra.Command, result *auth.StageResult) error {
	if printJSON {
		return writeJSON(cmd.OutOrStdout(), result)
	}
	w := cmd.OutOrStdout()
	if result.Done {
		fmt.Fprintf(w, "Registration complete (stages: %s)\n", strings.Join(result.Completed, ", "))
		return nil
	}
	fmt.Fprintf(w, "Session:   %s\n", result.Session)
	fmt.Fprintf(w, "Completed: %s\n", strings.Join(result.Completed, ", "))
	for i, flow := range result.Flows {
		fmt.Fprintf(w, "Flow %d:    %s\n", i+1, strings.Join(flow.Stages, " -> "))
	}
	return nil
}

var requestEmailTokenCmd = &cobra.Command{
	Use:   "request-email-token [email]",
	Short: "Ask the homeserver to mail a registration validation token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, err := requireBaseURL()
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			r := auth.NewRegistrar(a.state, a.authOptions()...)
			tok, err := r.RequestEmailToken(cmd.Context(), baseURL, args[0], emailClientSecret, emailSendAttempt, emailNextLink)
			if err != nil {
				return err
			}
			if printJSON {
				return writeJSON(cmd.OutOrStdout(), tok)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "SID:           %s\nClient secret: %s\n", tok.SID, tok.ClientSecret)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(registerCmd, requestEmailTokenCmd)
	registerCmd.Flags().StringVarP(&registerUser, "user", "u", "", "Username to register")
	registerCmd.Flags().StringVarP(&registerPassword, "password", "p", "-", "Password, or - to read it from stdin")
	registerCmd.Flags().StringVar(&registerAuth, "auth", "", "Stage payload as JSON")
	_ = registerCmd.MarkFlagRequired("user")

	requestEmailTokenCmd.Flags().StringVar(&emailClientSecret, "client-secret", "", "Client secret (generated when empty)")
	requestEmailTokenCmd.Flags().IntVar(&emailSendAttempt, "send-attempt", 1, "Send attempt counter")
	requestEmailTokenCmd.Flags().StringVar(&emailNextLink, "next-link", "", "Address the validation link redirects to")
}
