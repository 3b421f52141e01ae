package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/authclient/pkg/authtest"
)

func newDevServerCmd(a *app) *cobra.Command {
	var (
		users     []string
		accessTTL time.Duration
		csrf      bool
	)

	cmd := &cobra.Command{
		Use:   "dev-server",
		Short: "Run an in-memory identity API for local testing",
		Long: `Start the fake identity API used by the test suite on a random local
port and print its URL. Accounts are seeded with --user email:password.

Example:
  authctl dev-server --user ada@example.com:correct-horse --access-ttl 2m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := []authtest.Option{
				authtest.WithLogger(a.logger),
				authtest.WithAccessTTL(accessTTL),
			}
			if csrf {
				opts = append(opts, authtest.WithCSRF())
			}

			srv := authtest.NewServer(opts...)
			defer srv.Close()

			for _, u := range users {
				email, password, ok := strings.Cut(u, ":")
				if !ok || email == "" || password == "" {
					return fmt.Errorf("invalid --user %q, want email:password", u)
				}
				created := srv.AddUser(email, password)
				a.logger.Info("Seeded user", "user_id", created.ID, "email", email)
			}

			a.printf("Identity API listening on %s\n", srv.URL)
			a.printf("Use: AUTH_API_URL=%s authctl login --email <email>\n", srv.URL)

			<-cmd.Context().Done()
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&users, "user", nil, "seed an account as email:password (repeatable)")
	cmd.Flags().DurationVar(&accessTTL, "access-ttl", 15*time.Minute, "access token lifetime")
	cmd.Flags().BoolVar(&csrf, "csrf", false, "require CSRF tokens on mutating requests")
	return cmd
}
