package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/crossguard/auth"
	"github.com/jmcleod/crossguard/launch"
	"github.com/jmcleod/crossguard/matrix"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in to the homeserver and store the session",
}

var (
	loginUser     string
	loginEmail    string
	loginPassword string
	loginDeviceID string
	ssoType       string
	ssoIDP        string
	ssoWait       time.Duration
)

var loginPasswordCmd = &cobra.Command{
	Use:   "password",
	Short: "Log in with a username or email address and a password",
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, err := requireBaseURL()
		if err != nil {
			return err
		}
		id := auth.Identifier{Kind: auth.KindUsername, Value: loginUser}
		if loginEmail != "" {
			id = auth.Identifier{Kind: auth.KindEmail, Value: loginEmail}
		}
		password, err := readSecret(cmd, "password", loginPassword)
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			creds, err := a.login().LoginWithPassword(cmd.Context(), baseURL, id, password)
			if err != nil {
				return err
			}
			return printSession(cmd, creds)
		})
	},
}

var loginTokenCmd = &cobra.Command{
	Use:   "token [login-token]",
	Short: "Complete a login with a one-time login token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			baseURL := cfg.BaseURL
			if baseURL == "" {
				pending, err := a.state.Credentials.BaseURL()
				if err != nil {
					return err
				}
				baseURL = pending
			}
			if baseURL == "" {
				return errors.New("no homeserver known: pass --base-url")
			}
			creds, err := a.login().LoginWithToken(cmd.Context(), baseURL, args[0])
			if err != nil {
				return err
			}
			return printSession(cmd, creds)
		})
	},
}

var loginJWTCmd = &cobra.Command{
	Use:   "jwt [token]",
	Short: "Log in with an externally issued token and keep it for revalidation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, err := requireBaseURL()
		if err != nil {
			return err
		}
		token, err := readSecret(cmd, "token", args[0])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			creds, err := a.login().LoginWithExternalToken(cmd.Context(), baseURL, token, loginDeviceID)
			if err != nil {
				return err
			}
			return printSession(cmd, creds)
		})
	},
}

// printNavigator asks the user to open the address in a browser.
type printNavigator struct {
	w io.Writer
}

func (n printNavigator) Navigate(_ context.Context, target string) error {
	_, err := fmt.Fprintf(n.w, "Open this address in a browser to log in:\n\n  %s\n\n", target)
	return err
}

// callbackServer receives the login token the homeserver appends to the
// return address.
func callbackServer(tokens chan<- string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/callback", func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get(launch.ParamLoginToken)
		if token == "" {
			http.Error(w, "missing login token", http.StatusBadRequest)
			return
		}
		select {
		case tokens <- token:
		default:
		}
		_, _ = w.Write([]byte("Login received, you can close this window.\n"))
	})
	return r
}

var loginSSOCmd = &cobra.Command{
	Use:   "sso",
	Short: "Log in through the homeserver's single sign-on",
	Long: `Starts a local callback server, prints the single sign-on address and
waits for the homeserver to return with a login token.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, err := requireBaseURL()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		ln, err := net.Listen("tcp", cfg.CallbackAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.CallbackAddr, err)
		}
		tokens := make(chan string, 1)
		server := &http.Server{
			Handler:           callbackServer(tokens),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("callback server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()

		return withApp(ctx, func(a *app) error {
			l := a.login(auth.WithNavigator(printNavigator{w: cmd.OutOrStdout()}))
			returnTo := "http://" + ln.Addr().String() + "/callback"
			if err := l.StartFederatedLogin(ctx, baseURL, ssoType, ssoIDP, returnTo); err != nil {
				return err
			}

			var token string
			select {
			case token = <-tokens:
			case <-time.After(ssoWait):
				return errors.New("timed out waiting for the login callback")
			case <-ctx.Done():
				return ctx.Err()
			}
			pending, err := a.state.Credentials.BaseURL()
			if err != nil {
				return err
			}
			creds, err := l.LoginWithToken(ctx, pending, token)
			if err != nil {
				return err
			}
			return printSession(cmd, creds)
		})
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.AddCommand(loginPasswordCmd, loginTokenCmd, loginJWTCmd, loginSSOCmd)

	loginPasswordCmd.Flags().StringVarP(&loginUser, "user", "u", "", "Username")
	loginPasswordCmd.Flags().StringVarP(&loginEmail, "email", "e", "", "Email address")
	loginPasswordCmd.Flags().StringVarP(&loginPassword, "password", "p", "-", "Password, or - to read it from stdin")
	loginPasswordCmd.MarkFlagsMutuallyExclusive("user", "email")
	loginPasswordCmd.MarkFlagsOneRequired("user", "email")

	loginJWTCmd.Flags().StringVar(&loginDeviceID, "device-id", "", "Device id to log in as")

	loginSSOCmd.Flags().StringVar(&ssoType, "type", matrix.SSOTypeSSO, "Federated login type: sso or cas")
	loginSSOCmd.Flags().StringVar(&ssoIDP, "idp", "", "Identity provider id")
	loginSSOCmd.Flags().DurationVar(&ssoWait, "wait", 5*time.Minute, "How long to wait for the callback")
	loginSSOCmd.Flags().StringVar(&cfg.CallbackAddr, "callback-addr", cfg.CallbackAddr, "Listen address of the local callback server")
}
