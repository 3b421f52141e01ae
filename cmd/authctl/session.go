package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newWhoamiCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Long: `Show the user of the stored session. With --remote the profile is
fetched from the backend, which refreshes the session if needed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			remote, _ := cmd.Flags().GetBool("remote")

			c, err := a.client(ctx, noAutoRefresh)
			if err != nil {
				return err
			}
			defer c.Close()

			if !c.IsAuthenticated(ctx) {
				return errNotSignedIn
			}

			user, err := c.CurrentUser(ctx)
			if err != nil {
				return err
			}
			if remote {
				if user, err = c.GetUser(ctx); err != nil {
					return err
				}
			}

			if asJSON {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(user)
			}

			session, err := c.CurrentSession(ctx)
			if err != nil {
				return err
			}
			a.printf("User:     %s\n", displayName(user))
			a.printf("ID:       %s\n", user.ID)
			a.printf("MFA:      %t\n", user.MFAEnabled)
			a.printf("Expires:  %s\n", session.ExpiresAt.Local().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().Bool("remote", false, "fetch the profile from the backend")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the user as JSON")
	return cmd
}

func newRefreshCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the refresh token for new tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			c, err := a.client(ctx, noAutoRefresh)
			if err != nil {
				return err
			}
			defer c.Close()

			if u, _ := c.CurrentUser(ctx); u == nil {
				return errNotSignedIn
			}

			session, err := c.RefreshToken(ctx)
			if err != nil {
				return err
			}
			a.printf("Session refreshed, expires %s\n", session.ExpiresAt.Local().Format(time.RFC3339))
			return nil
		},
	}
}

func newLogoutCmd(a *app) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "End the session",
		Long: `End the session on the backend and remove it locally. With --all every
session of the user is revoked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			c, err := a.client(ctx, noAutoRefresh)
			if err != nil {
				return err
			}
			defer c.Close()

			if all {
				err = c.LogoutAll(ctx)
			} else {
				err = c.Logout(ctx)
			}
			if err != nil {
				return err
			}
			a.printf("Signed out\n")
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "revoke every session of the user")
	return cmd
}

func newSessionsCmd(a *app) *cobra.Command {
	var revoke string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List or revoke the user's sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			c, err := a.client(ctx, noAutoRefresh)
			if err != nil {
				return err
			}
			defer c.Close()

			if u, _ := c.CurrentUser(ctx); u == nil {
				return errNotSignedIn
			}

			if revoke != "" {
				if err := c.RevokeSession(ctx, revoke); err != nil {
					return err
				}
				a.printf("Revoked session %s\n", revoke)
				return nil
			}

			sessions, err := c.GetSessions(ctx)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			defer tw.Flush()

			fmt.Fprintf(tw, "ID\tCURRENT\tCREATED\tLAST ACTIVE\tUSER AGENT\n")
			for _, s := range sessions {
				current := ""
				if s.IsCurrent {
					current = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					s.ID, current,
					formatTime(s.CreatedAt), formatTime(s.LastActiveAt),
					s.UserAgent,
				)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&revoke, "revoke", "", "revoke the session with this id")
	return cmd
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
