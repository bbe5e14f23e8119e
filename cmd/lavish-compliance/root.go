package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"lavish-rpc/client"
	"lavish-rpc/compliance"
	"lavish-rpc/config"
	"lavish-rpc/server"
)

var (
	// Global flags
	cfgFile  string
	logLevel string

	// Shared state set during PersistentPreRun
	cfg    *config.Config
	logger *slog.Logger
)

// rootCmd is the base command for lavish-compliance.
var rootCmd = &cobra.Command{
	Use:   "lavish-compliance",
	Short: "Check that two lavish-rpc peers agree on the wire",
	Long: `lavish-compliance serves or exercises the compliance schema: a doubling
call, one identity call per value type and a log notification. Run the server
from one implementation and point the client of another at it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Override config with flags
		if logLevel != "" {
			cfg.LogLevel = logLevel
			if err := cfg.Validate(); err != nil {
				return err
			}
		}

		logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.Level()}))
		return nil
	},
}

var listen string

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Serve one connection, printing the bound address first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := cfg.Listen
		if listen != "" {
			addr = listen
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
		defer ln.Close()

		svr := server.NewServer(compliance.Protocol(), compliance.NewRouter(logger), cfg.Options(logger)...)
		for _, mw := range config.Middlewares[compliance.Params, compliance.NotificationParams, compliance.Results](cfg, logger) {
			svr.Use(mw)
		}

		fmt.Fprintln(cmd.OutOrStdout(), ln.Addr().String())
		if err := svr.ServeOnce(ln); err != nil {
			return err
		}
		return svr.Shutdown(5 * time.Second)
	},
}

var clientCmd = &cobra.Command{
	Use:   "client <address>",
	Short: "Run the identity round trips and the double scenario against a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		logger.Info("connecting", slog.String("addr", args[0]))
		rt, h, err := client.Dial(ctx, "tcp", args[0], compliance.Protocol(), nil, cfg.Options(logger)...)
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer rt.Close()

		c := compliance.NewClient(h)
		if err := compliance.Check(ctx, c); err != nil {
			return err
		}
		if err := c.Log(ctx, "compliance client done"); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default \"info\")")

	serverCmd.Flags().StringVar(&listen, "listen", "", "address to listen on (default from config, 127.0.0.1:0)")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(clientCmd)
}
