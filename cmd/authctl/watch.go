package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/authclient/pkg/authclient"
	"github.com/aussiebroadwan/authclient/pkg/events"
)

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep the session fresh and print auth state changes",
		Long: `Restore the stored session, refresh it ahead of expiry and print every
auth state change until interrupted. Sign-ins and sign-outs made by other
authctl invocations sharing the same file storage are reported too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			cfg.AutoRefreshToken = true
			cfg.SyncStorage = cfg.StorageType == authclient.StorageFile

			c, err := authclient.New(cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			c.OnAuthStateChange(func(tag events.Tag, s *authclient.Session) {
				line := time.Now().Format(time.TimeOnly) + " " + string(tag)
				if s != nil {
					line += " user=" + s.UserID + " expires=" + s.ExpiresAt.Local().Format(time.TimeOnly)
				}
				a.printf("%s\n", line)
			})
			c.OnError(func(err error) {
				a.logger.Warn("Session error", "error", err.Error())
			})

			if err := c.Initialize(ctx); err != nil {
				return err
			}
			if next := c.NextRefresh(); !next.IsZero() {
				a.printf("Next refresh at %s\n", next.Local().Format(time.TimeOnly))
			}

			<-ctx.Done()
			return nil
		},
	}
}
