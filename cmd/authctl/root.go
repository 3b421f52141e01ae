package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/authclient/pkg/authclient"
	"github.com/aussiebroadwan/authclient/pkg/autherr"
	"github.com/aussiebroadwan/authclient/pkg/slogx"
)

// Exit codes for scripting.
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1
	// ExitCodeAuthRequired means there is no usable session.
	ExitCodeAuthRequired = 2
	// ExitCodeAuthFailed means the backend rejected the credentials.
	ExitCodeAuthFailed = 3
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configFile string
	apiURL     string
	storage    string
	storageDir string
	logLevel   string
	logFormat  string
}

// app is what a command needs once flags are parsed.
type app struct {
	opts   *globalOptions
	logger *slog.Logger
	out    io.Writer
	in     io.Reader
}

func newRootCmd(a *app) *cobra.Command {
	if a.opts == nil {
		a.opts = &globalOptions{}
	}

	root := &cobra.Command{
		Use:   "authctl",
		Short: "Manage a session against an identity API",
		Long: `authctl signs in to an identity API and keeps the session on disk so
later invocations can reuse, refresh or end it.

Configuration comes from --config (YAML), else from AUTH_* environment
variables. The session is stored in the user config directory unless
another storage type is configured.`,
		Version:       BuildVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			a.logger = slogx.New(slogx.Config{
				Service: "authctl",
				Version: BuildVersion,
				Env:     os.Getenv("ENV"),
				Level:   a.opts.logLevel,
				Format:  a.opts.logFormat,
				Output:  cmd.ErrOrStderr(),
			})
			a.out = cmd.OutOrStdout()
			a.in = cmd.InOrStdin()
		},
	}
	root.SetVersionTemplate(`{{printf "authctl version %s\n" .Version}}`)

	flags := root.PersistentFlags()
	flags.StringVar(&a.opts.configFile, "config", "", "YAML config file")
	flags.StringVar(&a.opts.apiURL, "api-url", "", "identity API base URL (overrides config)")
	flags.StringVar(&a.opts.storage, "storage", "", "session storage: file, sqlite, redis, memory")
	flags.StringVar(&a.opts.storageDir, "storage-path", "", "file storage directory or sqlite database path")
	flags.StringVar(&a.opts.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	flags.StringVar(&a.opts.logFormat, "log-format", "text", "log format: text or json")

	root.AddCommand(
		newLoginCmd(a),
		newWhoamiCmd(a),
		newRefreshCmd(a),
		newLogoutCmd(a),
		newSessionsCmd(a),
		newWatchCmd(a),
		newDevServerCmd(a),
	)

	return root
}

// execute runs the CLI and maps the outcome to an exit code.
func execute(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(&app{})
	root.SetArgs(args)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
		return exitCode(err)
	}
	return ExitCodeSuccess
}

// errNotSignedIn is returned by commands that need a stored session.
var errNotSignedIn = errors.New("not signed in, run `authctl login` first")

func exitCode(err error) int {
	if errors.Is(err, errNotSignedIn) {
		return ExitCodeAuthRequired
	}

	switch autherr.KindOf(err) {
	case autherr.KindInvalidToken, autherr.KindTokenExpired:
		return ExitCodeAuthRequired
	case autherr.KindInvalidCredentials, autherr.KindMFAInvalid,
		autherr.KindAccountLocked, autherr.KindAccountDisabled, autherr.KindEmailNotVerified:
		return ExitCodeAuthFailed
	default:
		return ExitCodeError
	}
}

// loadConfig resolves the client config from file or environment, then
// applies the flag overrides. Without an explicit storage choice the CLI
// persists to files so sessions outlive the process.
func (a *app) loadConfig() (authclient.Config, error) {
	var (
		cfg authclient.Config
		err error
	)
	if a.opts.configFile != "" {
		cfg, err = authclient.LoadConfigFile(a.opts.configFile)
		if err != nil {
			return cfg, err
		}
	} else {
		cfg = authclient.LoadConfigFromEnv()
		if os.Getenv("AUTH_STORAGE_TYPE") == "" {
			cfg.StorageType = authclient.StorageFile
		}
	}

	if a.opts.apiURL != "" {
		cfg.APIURL = a.opts.apiURL
	}
	if a.opts.storage != "" {
		cfg.StorageType = authclient.StorageType(a.opts.storage)
	}
	if a.opts.storageDir != "" {
		cfg.StoragePath = a.opts.storageDir
	}
	cfg.Logger = a.logger

	return cfg, cfg.Validate()
}

// client builds a client and restores the stored session. The caller closes it.
func (a *app) client(ctx context.Context, mutate ...func(*authclient.Config)) (*authclient.Client, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	for _, m := range mutate {
		m(&cfg)
	}

	c, err := authclient.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Initialize(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}
