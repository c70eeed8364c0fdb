package main

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/TheMichaelB/fleetwatch/internal/creds"
	"github.com/TheMichaelB/fleetwatch/internal/models"
	"github.com/TheMichaelB/fleetwatch/internal/services/auth"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store a session token for the platform",
	Long: `Login saves a session token issued by the platform. The token is read
from --token, or prompted for without echo. A refresh token lets fleetwatch
renew the session on its own.`,
	Example: `  fleetwatch login
  fleetwatch login --token "$TOKEN" --refresh-token "$REFRESH"
  fleetwatch login --credentials-file ./creds.json`,
	RunE: runLogin,
}

var (
	loginToken        string
	loginRefreshToken string
	loginEmail        string
	loginCredsFile    string
)

func init() {
	rootCmd.AddCommand(loginCmd)

	loginCmd.Flags().StringVarP(&loginToken, "token", "t", "",
		"Session token (will prompt if not provided)")
	loginCmd.Flags().StringVar(&loginRefreshToken, "refresh-token", "",
		"Refresh token")
	loginCmd.Flags().StringVarP(&loginEmail, "email", "e", "",
		"Account email, for display")
	loginCmd.Flags().StringVar(&loginCredsFile, "credentials-file", "",
		"Read token, refresh token and email from a JSON file")
}

func runLogin(cmd *cobra.Command, args []string) error {
	if loginCredsFile != "" {
		f, err := creds.LoadFromFile(loginCredsFile)
		if err != nil {
			return fmt.Errorf("load credentials: %w", err)
		}
		stored := f.TokenInfo()
		if loginToken == "" {
			loginToken = stored.Token
		}
		if loginRefreshToken == "" {
			loginRefreshToken = stored.RefreshToken
		}
		if loginEmail == "" {
			loginEmail = stored.Email
		}
	}

	if loginToken == "" {
		var err error
		loginToken, err = promptSecret("Token: ")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
	}
	loginToken = strings.TrimSpace(loginToken)

	exp, hasExp, err := auth.TokenExpiry(loginToken)
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	if hasExp && time.Now().After(exp) {
		return fmt.Errorf("token expired at %s", exp.Format(time.RFC3339))
	}

	info := models.TokenInfo{
		Token:        loginToken,
		RefreshToken: loginRefreshToken,
		Email:        loginEmail,
	}
	if err := apiClient.Auth.SaveSession(info); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":    true,
			"email":      loginEmail,
			"expires_at": exp,
		})
		return nil
	}

	who := loginEmail
	if who == "" {
		who = cfg.API.BaseURL
	}
	if hasExp {
		printSuccess("Logged in to %s (token valid until %s)", who, exp.Local().Format(time.RFC1123))
	} else {
		printSuccess("Logged in to %s", who)
	}
	return nil
}

func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	secret, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return "", err
	}
	return string(secret), nil
}
