package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/authclient/pkg/authclient"
)

func newLoginCmd(a *app) *cobra.Command {
	var (
		req     authclient.LoginRequest
		mfaCode string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		Long: `Sign in with a password. The password is taken from --password, then
AUTH_PASSWORD, then read from stdin. When the account has a second
factor the code is taken from --mfa-code or read from stdin.

Examples:
  authctl login --email ada@example.com
  echo "$PASSWORD" | authctl login --email ada@example.com --mfa-code 123456`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if req.Email == "" && req.Username == "" {
				return errors.New("--email or --username is required")
			}

			stdin := bufio.NewReader(a.in)
			if req.Password == "" {
				req.Password = os.Getenv("AUTH_PASSWORD")
			}
			if req.Password == "" {
				pw, err := prompt(a, stdin, "Password: ")
				if err != nil {
					return err
				}
				req.Password = pw
			}

			c, err := a.client(ctx, noAutoRefresh)
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.Login(ctx, req)
			if err != nil {
				return err
			}

			if res.Status == authclient.StatusMFARequired {
				code := mfaCode
				if code == "" {
					if code, err = prompt(a, stdin, "MFA code: "); err != nil {
						return err
					}
				}
				if res, err = c.VerifyMFA(ctx, res.MFAToken, code); err != nil {
					return err
				}
			}

			switch res.Status {
			case authclient.StatusVerificationRequired:
				a.printf("Account %s must verify its email address before signing in\n", res.User.Email)
			case authclient.StatusAuthenticated:
				a.printf("Signed in as %s (session expires %s)\n",
					displayName(res.User), res.Session.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Email, "email", "", "account email")
	cmd.Flags().StringVar(&req.Username, "username", "", "account username")
	cmd.Flags().StringVar(&req.Password, "password", "", "account password (prefer AUTH_PASSWORD or stdin)")
	cmd.Flags().BoolVar(&req.RememberMe, "remember", false, "ask the backend for a long-lived session")
	cmd.Flags().StringVar(&mfaCode, "mfa-code", "", "TOTP or backup code")

	return cmd
}

// prompt writes label and reads one trimmed line.
func prompt(a *app, r *bufio.Reader, label string) (string, error) {
	fmt.Fprint(a.out, label)
	line, err := r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", fmt.Errorf("no input for %q", strings.TrimSuffix(label, ": "))
	}
	return line, nil
}

func noAutoRefresh(cfg *authclient.Config) {
	cfg.AutoRefreshToken = false
}

func displayName(u *authclient.User) string {
	if u == nil {
		return "unknown user"
	}
	if u.Username != "" {
		return fmt.Sprintf("%s <%s>", u.Username, u.Email)
	}
	return u.Email
}
