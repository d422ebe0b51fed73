package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/crossguard/session"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type sessionView struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	BaseURL  string `json:"base_url"`
}

func printSession(cmd *cobra.Command, creds session.Credentials) error {
	view := sessionView{UserID: creds.UserID, DeviceID: creds.DeviceID, BaseURL: creds.BaseURL}
	if printJSON {
		return writeJSON(cmd.OutOrStdout(), view)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "User:     %s\nDevice:   %s\nServer:   %s\n", view.UserID, view.DeviceID, view.BaseURL)
	return nil
}

// readSecret returns value, or a line read from stdin when value is "-".
func readSecret(cmd *cobra.Command, name, value string) (string, error) {
	if value != "-" {
		if value == "" {
			return "", fmt.Errorf("--%s is required (use - to read it from stdin)", name)
		}
		return value, nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading %s: %w", name, err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("empty %s on stdin", name)
	}
	return line, nil
}

func requireBaseURL() (string, error) {
	if cfg.BaseURL == "" {
		return "", errors.New("a homeserver is required (--base-url or CROSSGUARD_BASE_URL)")
	}
	return cfg.BaseURL, nil
}
