package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"ddlauncher/config"
	"ddlauncher/dispatch"
	"ddlauncher/observability"
	"ddlauncher/plugin"
	"ddlauncher/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.design/x/clipboard"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// cli carries state shared by every command.
type cli struct {
	cfgFile string
	cfg     *config.Config
	app     *App
	logger  *zap.Logger
}

func newRootCmd() (*cobra.Command, *cli) {
	c := &cli{}

	root := &cobra.Command{
		Use:           "ddlauncher",
		Short:         "Runs scripted login strategies and launches the game.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&c.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")

	root.AddCommand(
		c.newServeCmd(),
		c.newLoginCmd(),
		c.newStrategiesCmd(),
		c.newAccountsCmd(),
		c.newLauncherCmd(),
	)
	return root, c
}

func (c *cli) setup(ctx context.Context) error {
	cfg, err := config.Load(c.cfgFile)
	if err != nil {
		observability.InitializeLogger(config.NewDefaultConfig().Logger)
		return err
	}
	if err := cfg.ResolvePaths(config.ExecutableDir()); err != nil {
		return err
	}
	c.cfg = cfg

	observability.InitializeLogger(cfg.Logger)
	c.logger = observability.GetLogger()

	app := NewApp(cfg, c.logger)
	c.app = app
	return app.startup(ctx)
}

// close tears the App down and flushes the logger. Safe to call when setup
// never ran.
func (c *cli) close() {
	if c.app != nil {
		c.app.shutdown()
	}
	observability.Sync()
}

func (c *cli) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the local HTTP bridge for the UI shell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := &http.Server{
				Addr:              c.cfg.Server.Listen,
				Handler:           newHandler(c.app, c.cfg.Server.AllowedOrigins, c.logger.Named("http")),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				c.logger.Info("Starting server", zap.String("addr", "http://"+srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				c.logger.Info("Shutting down server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
}

func (c *cli) newLoginCmd() *cobra.Command {
	var (
		strategyName string
		creds        plugin.Credentials
		accountID    string
		copyURL      bool
		play         bool
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Run a login strategy and print its result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				inv *dispatch.Invocation
				err error
			)
			if accountID != "" {
				inv, err = c.app.StartAccount(accountID, nil)
			} else {
				if strategyName == "" {
					return errors.New("either --strategy or --account is required")
				}
				inv, err = c.app.StartInvocation(strategyName, creds, nil)
			}
			if err != nil {
				return err
			}

			outcome, err := inv.Wait(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), outcome.String())
			if !outcome.OK() {
				return exitCode(1)
			}

			if copyURL {
				c.copyToClipboard(outcome.URL)
			}
			if play {
				if err := c.app.PlayFlash(outcome.URL); err != nil {
					return err
				}
				c.waitForInterrupt(cmd.Context(), "Game started")
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&strategyName, "strategy", "s", "", "strategy script name, e.g. 7k7k.lua")
	f.StringVarP(&creds.Username, "username", "u", "", "account username")
	f.StringVarP(&creds.Password, "password", "p", "", "account password")
	f.StringVar(&creds.Server, "server", "", "game server")
	f.StringVarP(&accountID, "account", "a", "", "run a saved account by id")
	f.BoolVar(&copyURL, "copy", false, "copy the launch URL to the clipboard")
	f.BoolVar(&play, "play", false, "open the launch URL and wait until interrupted")
	cmd.MarkFlagsMutuallyExclusive("account", "strategy")
	return cmd
}

func (c *cli) copyToClipboard(text string) {
	// Initialize clipboard
	if err := clipboard.Init(); err != nil {
		c.logger.Warn("Failed to initialize clipboard", zap.Error(err))
		return
	}
	clipboard.Write(clipboard.FmtText, []byte(text))
	c.logger.Info("Copied launch URL to clipboard")
}

// waitForInterrupt keeps spawned children alive until the user stops us.
func (c *cli) waitForInterrupt(ctx context.Context, msg string) {
	c.logger.Info(msg + "; press Ctrl+C to stop")
	<-ctx.Done()
}

func (c *cli) newStrategiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "strategies",
		Short: "List the loaded strategies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range c.app.ListStrategies() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func (c *cli) newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage saved accounts",
	}

	var query string
	list := &cobra.Command{
		Use:   "list",
		Short: "List saved accounts, most recently used first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := c.app.Accounts(query)
			if err != nil {
				return err
			}
			return printAccounts(cmd.OutOrStdout(), records)
		},
	}
	list.Flags().StringVarP(&query, "query", "q", "", "only show accounts whose name contains this")

	var (
		acc      store.Account
		nickname string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Save an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if nickname != "" {
				acc.Nickname = &nickname
			}
			id, err := c.app.AddAccount(acc)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	f := add.Flags()
	f.StringVarP(&acc.Username, "username", "u", "", "account username")
	f.StringVarP(&acc.Password, "password", "p", "", "account password")
	f.StringVarP(&acc.Strategy, "strategy", "s", "", "strategy script name")
	f.StringVar(&acc.Server, "server", "", "game server")
	f.StringVarP(&nickname, "nickname", "n", "", "name shown instead of the username")

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a saved account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.app.DeleteAccount(args[0])
		},
	}

	cmd.AddCommand(list, add, rm)
	return cmd
}

func printAccounts(w io.Writer, records []store.Record) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTRATEGY\tSERVER\tLAST USED")
	for _, r := range records {
		lastUsed := "-"
		if r.LastUsed != nil {
			lastUsed = r.LastUsed.Time().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.DisplayName(), r.Strategy, r.Server, lastUsed)
	}
	return tw.Flush()
}

func (c *cli) newLauncherCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "launcher",
		Short: "Start the auxiliary launcher and wait until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !c.app.OpenLauncher() {
				return fmt.Errorf("failed to start launcher %q", c.cfg.Paths.Launcher)
			}
			c.waitForInterrupt(cmd.Context(), "Launcher started")
			return nil
		},
	}
}
