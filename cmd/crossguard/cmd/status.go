package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jmcleod/crossguard/session"
)

type statusResult struct {
	Namespace string        `json:"namespace"`
	Backend   string        `json:"backend"`
	Healthy   bool          `json:"healthy"`
	Checks    []checkResult `json:"checks"`
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "pass", "fail", "warn"
	Detail string `json:"detail,omitempty"`
}

func (r *statusResult) add(name, status, detail string) {
	if status == "fail" {
		r.Healthy = false
	}
	r.Checks = append(r.Checks, checkResult{Name: name, Status: status, Detail: detail})
}

// inspectState checks the local session store without contacting the
// homeserver.
func inspectState(state *session.State) statusResult {
	result := statusResult{Namespace: state.Namespace(), Healthy: true}

	// 1. Session credentials.
	creds, err := state.Credentials.Load()
	hasSession := err == nil
	switch {
	case err == nil:
		result.add("session", "pass", fmt.Sprintf("%s on %s (device %s)", creds.UserID, creds.BaseURL, creds.DeviceID))
	case errors.Is(err, session.ErrNoSession):
		result.add("session", "warn", "not logged in")
	default:
		result.add("session", "fail", err.Error())
	}

	// 2. A federated login that never came back.
	if !hasSession {
		if baseURL, err := state.Credentials.BaseURL(); err != nil {
			result.add("pending_login", "fail", err.Error())
		} else if baseURL != "" {
			result.add("pending_login", "warn", "federated login started for "+baseURL+" but not completed")
		}
	}

	// 3. External token available for revalidation.
	token, err := state.Credentials.ExternalToken()
	switch {
	case err != nil:
		result.add("external_token", "fail", err.Error())
	case token != "":
		result.add("external_token", "pass", "")
	case hasSession:
		result.add("external_token", "warn", "session cannot be revalidated at startup")
	}

	// 4. Cached secret-storage keys.
	if ids, err := state.Secrets.KeyIDs(); err != nil {
		result.add("cached_keys", "fail", err.Error())
	} else {
		result.add("cached_keys", "pass", fmt.Sprintf("%d key(s)", len(ids)))
	}

	// 5. Restored room keys.
	if ids, err := state.RoomKeys.List(); err != nil {
		result.add("room_keys", "fail", err.Error())
	} else {
		result.add("room_keys", "pass", fmt.Sprintf("%d session(s)", len(ids)))
	}
	return result
}

func printHumanStatus(w io.Writer, result statusResult) {
	fmt.Fprintf(w, "Session store: %s (%s)\n\n", result.Namespace, result.Backend)
	for _, c := range result.Checks {
		tag := "[PASS]"
		switch c.Status {
		case "fail":
			tag = "[FAIL]"
		case "warn":
			tag = "[WARN]"
		}
		if c.Detail != "" {
			fmt.Fprintf(w, "%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Fprintf(w, "%s %s\n", tag, c.Name)
		}
	}

	fmt.Fprintln(w)
	if result.Healthy {
		fmt.Fprintln(w, "Result: OK")
		return
	}
	failures, warnings := 0, 0
	for _, c := range result.Checks {
		switch c.Status {
		case "fail":
			failures++
		case "warn":
			warnings++
		}
	}
	fmt.Fprintf(w, "Result: UNHEALTHY (%d error(s), %d warning(s))\n", failures, warnings)
}

var errUnhealthy = errors.New("session store is unhealthy")

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Inspect the local session store",
	Long: `Reports what the local session store holds: the session, a pending
federated login, the external token used for revalidation, cached
secret-storage keys and restored room keys. No request is sent to the
homeserver.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			result := inspectState(a.state)
			result.Backend = cfg.Backend
			if printJSON {
				if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
			} else {
				printHumanStatus(cmd.OutOrStdout(), result)
			}
			if !result.Healthy {
				return errUnhealthy
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
