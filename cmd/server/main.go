package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gostones/fundupload/internal/config"
	"github.com/gostones/fundupload/internal/logging"
	"github.com/gostones/fundupload/internal/server"
)

var opts config.Options

func main() {
	root := &cobra.Command{
		Use:           "fundupload-server",
		Short:         "Issue upload grants and record confirmed uploads",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve,
	}
	root.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "config file (yaml)")
	root.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file, skipped when absent")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE:  serve,
	})
	root.AddCommand(tokenCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadServer(opts)
	if err != nil {
		return err
	}
	log := logging.New(cfg.Log, "fundupload-server")

	store, err := server.NewS3Store(cfg.Storage)
	if err != nil {
		return err
	}
	srv, err := server.New(*cfg, store, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.ListenAndServe(ctx)
}

// tokenCommand signs a bearer token with the configured secret, for local
// testing against a dev server.
func tokenCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed bearer token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServer(opts)
			if err != nil {
				return err
			}
			tok, err := server.SignToken([]byte(cfg.HTTP.JWTSecret), subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "dev", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
