package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"hume-agent/internal/domain"
	"hume-agent/internal/infra/config"
	"hume-agent/internal/infra/logger"
	"hume-agent/internal/infra/tracer"
	ucapability "hume-agent/internal/usecase/capability"
	"hume-agent/internal/usecase/workflow"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "hume-agent",
		Short:         "Lead nurture agent: inbound orchestration and follow-up workflow",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath(), "config file path")

	root.AddCommand(
		newServeCmd(opts),
		newSweepCmd(opts),
		newLeadsCmd(opts),
		newCatalogCmd(opts),
		newDoctorCmd(opts),
		newConfigCmd(),
		newVersionCmd(),
	)
	return root
}

func defaultConfigPath() string {
	if p := os.Getenv("HUMEAGENT_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP ingress and the sweep scheduler (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Advance every due lead once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				report := a.leads.Sweep(ctx, time.Now())
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if len(report.Errors) > 0 {
					return fmt.Errorf("%d lead(s) failed", len(report.Errors))
				}
				return nil
			})
		},
	}
}

func newLeadsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leads",
		Short: "Inspect enrolled leads",
	}

	var stage, tier string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List leads, optionally filtered by stage and tier",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return withApp(c.Context(), opts, func(ctx context.Context, a *app) error {
				leads, err := a.leads.List(ctx, domain.LeadFilter{
					Stage: domain.Stage(stage),
					Tier:  domain.Tier(tier),
					Limit: limit,
				})
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(c.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTAGE\tTIER\tTOUCHES\tNEXT ACTION")
				for _, l := range leads {
					next := "-"
					if !l.Stage.Terminal() {
						next = l.NextActionAt.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n", l.ID, l.StageLabel(), l.Tier, l.TouchCount, l.MaxTouches, next)
				}
				return w.Flush()
			})
		},
	}
	list.Flags().StringVar(&stage, "stage", "", "filter by stage")
	list.Flags().StringVar(&tier, "tier", "", "filter by tier")
	list.Flags().IntVar(&limit, "limit", 0, "maximum number of leads (0 = all)")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print one lead with its transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withApp(c.Context(), opts, func(ctx context.Context, a *app) error {
				lead, err := a.leads.Get(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(c.OutOrStdout(), workflow.Describe(lead))
				return printJSON(c.OutOrStdout(), lead)
			})
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func newCatalogCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog [group...]",
		Short: "Print the capability catalog shown to the classifier",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			reg, err := ucapability.FromConfig(cfg.Capabilities)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reg.Catalog(args...))
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config file helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "encrypt <value>",
		Short: "Encrypt a secret with HUMEAGENT_CONFIG_KEY for use in config.yaml",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			passphrase := os.Getenv("HUMEAGENT_CONFIG_KEY")
			if passphrase == "" {
				return errors.New("HUMEAGENT_CONFIG_KEY is not set")
			}
			enc, err := config.EncryptValue(args[0], passphrase)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.OutOrStdout(), enc)
			return nil
		},
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "hume-agent", version)
		},
	}
}

// withApp loads config, wires the app, runs fn and tears everything down.
func withApp(ctx context.Context, opts *rootOptions, fn func(context.Context, *app) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			log.Error("shutdown error", "error", err)
		}
	}()
	return fn(ctx, a)
}

func runServe(ctx context.Context, opts *rootOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	// 1. Config
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. Components
	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			log.Error("shutdown error", "error", err)
		}
	}()

	// 4. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 5. Interrupted touches are replayed by the first sweep.
	if pending, err := a.leads.Recover(ctx); err != nil {
		log.Warn("lead recovery failed", "error", err)
	} else if len(pending) > 0 {
		log.Info("leads pending replay", "count", len(pending))
	}

	// 6. Scheduler
	sched, err := a.scheduler()
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer sched.Stop()

	// 7. HTTP
	srv, err := a.server()
	if err != nil {
		return fmt.Errorf("http: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("http: %w", err)
	}

	log.Info("hume-agent starting",
		"version", version,
		"addr", srv.Addr(),
		"llm", cfg.LLM.Provider,
		"groups", len(a.capabilities.Names()),
		"profiles", len(a.engine.Profiles()),
		"lead_store", cfg.Workflow.Store,
		"dedup", cfg.Delivery.Dedup.Backend,
	)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("http shutdown error", "error", err)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
