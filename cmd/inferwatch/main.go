package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"inferwatch/internal/classify"
	"inferwatch/internal/codec"
	"inferwatch/internal/config"
	"inferwatch/internal/probe"
	"inferwatch/internal/repository/sqlite"
	"inferwatch/internal/service"
	"inferwatch/internal/verify"
	"inferwatch/internal/watcher"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var (
		configPath string
		dbPath     string
	)

	root := &cobra.Command{
		Use:          "inferwatch",
		Short:        "Trust verification for discovered LLM inference endpoints",
		Long:         `inferwatch probes network-discovered inference endpoints, classifies deceptive (honeypot) responders, tracks behavioral drift of previously trusted servers, and maintains a consistent trust database for downstream consumers.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: search standard locations)")
	root.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")

	loadConfig := func() (*config.Config, error) {
		var (
			cfg  *config.Config
			path string
			err  error
		)
		if configPath != "" {
			cfg, path, err = config.LoadFromPath(configPath)
		} else {
			cfg, path, err = config.Load()
		}
		if err != nil {
			return nil, err
		}
		if path != "" {
			log.Printf("using config %s", path)
		}
		if dbPath != "" {
			cfg.Database.Path = dbPath
		}
		return cfg, nil
	}

	openStore := func(cfg *config.Config) (*sqlite.Repository, error) {
		repo, err := sqlite.New(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
		}
		return repo, nil
	}

	var (
		workers    int
		limit      int
		dryRun     bool
		maxRuntime time.Duration
	)
	addScanFlags := func(cmd *cobra.Command) {
		cmd.Flags().IntVar(&workers, "workers", 0, "concurrent verification workers (default from config)")
		cmd.Flags().IntVar(&limit, "limit", 0, "max endpoints per batch (default from config)")
		cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute verdicts without writing state")
		cmd.Flags().DurationVar(&maxRuntime, "max-runtime", 0, "stop dequeuing new endpoints after this long")
	}

	buildScan := func(cfg *config.Config, repo *sqlite.Repository) *service.ScanService {
		if workers > 0 {
			cfg.Scan.Workers = workers
		}
		if limit > 0 {
			cfg.Scan.BatchLimit = limit
		}
		sampler := probe.NewSampler(probe.NewClient(), cfg.Probe.TimeoutPolicy(), cfg.Probe.Prompts, cfg.Probe.MaxTokens)
		classifier := classify.NewClassifier(cfg.Classify.MajorityThreshold)
		drift := classify.NewDetector(cfg.Classify.DriftMinAge.Duration())
		verifier := verify.NewVerifier(repo, sampler, classifier, drift, dryRun)
		pool := verify.NewPool(verifier, cfg.Scan.Workers, cfg.Scan.MaxRetries)
		recovery := service.NewRecoveryService(repo)
		return service.NewScanService(repo, pool, recovery)
	}

	batchContext := func() (context.Context, context.CancelFunc) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		if maxRuntime > 0 {
			tctx, cancel := context.WithTimeout(ctx, maxRuntime)
			return tctx, func() {
				cancel()
				stop()
			}
		}
		return ctx, stop
	}

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Verify unverified and failed candidate endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			repo, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer repo.Close()

			ctx, cancel := batchContext()
			defer cancel()

			summary, err := buildScan(cfg, repo).Run(ctx, service.ScanOptions{Limit: cfg.Scan.BatchLimit})
			if err != nil {
				return err
			}
			printSummary(cmd, summary)
			return nil
		},
	}
	addScanFlags(scanCmd)

	var (
		minAge time.Duration
		force  bool
	)
	recheckCmd := &cobra.Command{
		Use:   "recheck",
		Short: "Re-verify previously trusted endpoints and detect behavioral drift",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			repo, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer repo.Close()

			if minAge <= 0 {
				minAge = cfg.Classify.DriftMinAge.Duration()
			}

			ctx, cancel := batchContext()
			defer cancel()

			summary, err := buildScan(cfg, repo).Run(ctx, service.ScanOptions{
				Limit:        cfg.Scan.BatchLimit,
				Recheck:      true,
				MinAge:       minAge,
				ForceRecheck: force,
			})
			if err != nil {
				return err
			}
			printSummary(cmd, summary)
			return nil
		},
	}
	addScanFlags(recheckCmd)
	recheckCmd.Flags().DurationVar(&minAge, "min-age", 0, "only recheck endpoints not checked within this window (default: drift min age)")
	recheckCmd.Flags().BoolVar(&force, "force", false, "recheck every verified endpoint regardless of age")

	var watch bool
	importCmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Ingest a candidate endpoint list (ip:port lines or masscan -oL output; - for stdin)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			repo, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer repo.Close()

			importer := service.NewImportService(repo)
			fromFile := len(args) == 1 && args[0] != "-"

			importOnce := func(ctx context.Context) (service.ImportResult, error) {
				in := os.Stdin
				if fromFile {
					f, err := os.Open(args[0])
					if err != nil {
						return service.ImportResult{}, fmt.Errorf("open candidate list: %w", err)
					}
					defer f.Close()
					in = f
				}
				return importer.Import(ctx, in)
			}

			result, err := importOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d new endpoints (%d already known, %d skipped)\n",
				result.Added, result.Known, result.Skipped)

			if !watch {
				return nil
			}
			if !fromFile {
				return fmt.Errorf("--watch requires a file argument")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			w := watcher.New(args[0], func() {
				if _, err := importOnce(ctx); err != nil {
					log.Printf("import: re-import failed: %v", err)
				}
			})
			if err := w.Watch(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	importCmd.Flags().BoolVar(&watch, "watch", false, "keep running and re-import whenever the file changes")

	var format string
	trustedCmd := &cobra.Command{
		Use:   "trusted",
		Short: "List currently trusted endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			repo, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer repo.Close()

			servers, err := repo.ListServers(cmd.Context())
			if err != nil {
				return err
			}

			if format != "table" {
				exporter, err := codec.ForFormat(format)
				if err != nil {
					return err
				}
				return exporter.Export(servers, cmd.OutOrStdout())
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ADDRESS\tFIRST SEEN\tVERIFIED")
			for _, s := range servers {
				fmt.Fprintf(w, "%s\t%s\t%s\n",
					net.JoinHostPort(s.Address, strconv.Itoa(s.Port)),
					s.FirstSeen.Format("2006-01-02"),
					s.VerifiedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	trustedCmd.Flags().StringVar(&format, "format", "table", "output format: table, text, json, yaml")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show endpoint counts and last scan times",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			repo, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer repo.Close()

			ctx := cmd.Context()
			counts, err := repo.CountByStatus(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "endpoints: %d total\n", counts.Total())
			fmt.Fprintf(out, "  unverified: %d\n", counts.Unverified)
			fmt.Fprintf(out, "  verified:   %d\n", counts.Verified)
			fmt.Fprintf(out, "  failed:     %d\n", counts.Failed)
			fmt.Fprintf(out, "  honeypot:   %d\n", counts.Honeypot)
			fmt.Fprintf(out, "  inactive:   %d\n", counts.Inactive)

			for _, key := range []string{service.MetaLastScanStart, service.MetaLastScanEnd} {
				if v, err := repo.GetMetadata(ctx, key); err == nil && v != "" {
					fmt.Fprintf(out, "%s: %s\n", key, v)
				}
			}
			return nil
		},
	}

	purgeCmd := &cobra.Command{
		Use:   "purge <address:port>",
		Short: "Remove an endpoint and all its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, portStr, err := net.SplitHostPort(args[0])
			if err != nil {
				return fmt.Errorf("parse endpoint address: %w", err)
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return fmt.Errorf("parse endpoint port: %w", err)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			repo, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer repo.Close()

			ctx := cmd.Context()
			ep, err := repo.GetEndpointByAddr(ctx, host, port)
			if err != nil {
				return err
			}
			if ep == nil {
				return fmt.Errorf("endpoint %s not found", args[0])
			}
			if err := repo.PurgeEndpoint(ctx, ep.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", args[0])
			return nil
		},
	}

	var keep int
	pruneCmd := &cobra.Command{
		Use:   "prune-samples",
		Short: "Enforce sample retention, keeping the newest samples per endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			repo, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer repo.Close()

			if keep <= 0 {
				keep = cfg.Scan.SampleRetention
			}

			recovery := service.NewRecoveryService(repo)
			scan := service.NewScanService(repo, nil, recovery)
			pruned, err := scan.PruneSamples(cmd.Context(), keep)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d samples\n", pruned)
			return nil
		},
	}
	pruneCmd.Flags().IntVar(&keep, "keep", 0, "samples to keep per endpoint (default from config)")

	root.AddCommand(scanCmd, recheckCmd, importCmd, trustedCmd, statusCmd, purgeCmd, pruneCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func printSummary(cmd *cobra.Command, s verify.Summary) {
	fmt.Fprintf(cmd.OutOrStdout(), "checked %d endpoints: %d verified, %d honeypot, %d failed, %d inactive",
		s.Processed(), s.Verified, s.Honeypot, s.Failed, s.Inactive)
	if s.Errors > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), " (%d errors)", s.Errors)
	}
	fmt.Fprintln(cmd.OutOrStdout())
}
