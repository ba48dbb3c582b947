package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/gostones/fundupload/internal/apperr"
	"github.com/gostones/fundupload/internal/config"
	"github.com/gostones/fundupload/internal/logging"
	"github.com/gostones/fundupload/internal/origin"
	"github.com/gostones/fundupload/internal/policy"
	"github.com/gostones/fundupload/internal/transfer"
	"github.com/gostones/fundupload/internal/upload"
)

type uploadFlags struct {
	category    string
	token       string
	metadata    map[string]string
	retryFailed bool
}

var opts config.Options

func main() {
	root := &cobra.Command{
		Use:           "fundupload",
		Short:         "Upload files through an origin-issued grant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "config file (yaml)")
	root.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file, skipped when absent")
	root.AddCommand(uploadCommand(), categoriesCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func categoriesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "categories",
		Short: "List upload categories and their limits",
		Run: func(cmd *cobra.Command, _ []string) {
			for _, c := range policy.Categories() {
				rule, _ := policy.Lookup(c)
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-8s %s\n", c, humanize.IBytes(uint64(rule.Ceiling)), strings.Join(rule.Types, ", "))
			}
		},
	}
}

func uploadCommand() *cobra.Command {
	var f uploadFlags
	cmd := &cobra.Command{
		Use:   "upload --category <category> <file>...",
		Short: "Upload one or more files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(cmd, f, args)
		},
	}
	cmd.Flags().StringVar(&f.category, "category", "", "upload category (see 'categories')")
	cmd.Flags().StringVar(&f.token, "token", os.Getenv(config.EnvPrefix+"_TOKEN"), "bearer token for the origin server")
	cmd.Flags().StringToStringVar(&f.metadata, "meta", nil, "extra metadata sent with the grant and confirmation")
	cmd.Flags().BoolVar(&f.retryFailed, "retry-failed", false, "retry failed files once after the batch")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func runUpload(cmd *cobra.Command, f uploadFlags, paths []string) error {
	cfg, err := config.LoadClient(opts)
	if err != nil {
		return err
	}
	log := logging.New(cfg.Log, "fundupload")

	c, ok := policy.Parse(f.category)
	if !ok {
		return fmt.Errorf("unknown category %q", f.category)
	}

	var subs []upload.Submission
	for _, path := range paths {
		fd, file, err := upload.OpenFile(path)
		if err != nil {
			return err
		}
		defer file.Close()
		subs = append(subs, upload.Submission{File: fd, Category: c, Metadata: f.metadata})
	}

	sess := upload.NewSession(newPipeline(cfg, log), origin.Credential(f.token),
		upload.WithConcurrency(cfg.Session.Concurrency),
		upload.WithProgress(progressPrinter(cmd.ErrOrStderr())),
	)
	sess.Submit(subs...)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results := sess.Run(ctx)
	fmt.Fprintln(cmd.ErrOrStderr())
	if f.retryFailed && failed(results) > 0 && ctx.Err() == nil {
		log.Info().Int("failed", failed(results)).Msg("retrying failed uploads")
		results = sess.RetryFailed(ctx)
		fmt.Fprintln(cmd.ErrOrStderr())
	}

	out := cmd.OutOrStdout()
	for _, r := range results {
		if r.Success {
			fmt.Fprintf(out, "ok    %s  %s\n", r.File.Name, r.Result.PublicURL)
			continue
		}
		hint := ""
		if apperr.IsRetryable(r.Err) {
			hint = " (retryable)"
		}
		fmt.Fprintf(out, "fail  %s  %v%s\n", r.File.Name, r.Err, hint)
	}

	if n := failed(results); n > 0 {
		return fmt.Errorf("%d of %d uploads failed", n, len(results))
	}
	return nil
}

func newPipeline(cfg *config.Client, log zerolog.Logger) *upload.Pipeline {
	oc := origin.NewClient(cfg.Origin, log)
	return &upload.Pipeline{
		Negotiator: origin.NewNegotiator(oc),
		Transfer:   transfer.New(&http.Client{}, cfg.Transfer.Timeout, log),
		Handshake:  origin.NewHandshake(oc),
		Retry: upload.RetryPolicy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
			MaxJitter:      cfg.Retry.MaxJitter,
			OnRetry: func(n uint, err error) {
				log.Debug().Uint("attempt", n+1).Err(err).Msg("retrying")
			},
		},
		Log: log,
		OnOrphan: func(key string, c policy.Category) {
			log.Warn().Str(logging.FieldKey, key).Str(logging.FieldCategory, string(c)).Msg("orphaned object")
		},
	}
}

func progressPrinter(w io.Writer) func(float64) {
	last := -1
	return func(pct float64) {
		if p := int(pct); p != last {
			last = p
			fmt.Fprintf(w, "\ruploading... %3d%%", p)
		}
	}
}

func failed(results []upload.FileResult) int {
	n := 0
	for _, r := range results {
		if !r.Success {
			n++
		}
	}
	return n
}
