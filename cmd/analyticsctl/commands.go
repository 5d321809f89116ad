package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	kaf "github.com/reybrally/erp-analytics/internal/adapters/kafka"
	"github.com/reybrally/erp-analytics/internal/app/analytics"
	"github.com/reybrally/erp-analytics/internal/bootstrap"
	"github.com/reybrally/erp-analytics/internal/config"
	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
	"github.com/reybrally/erp-analytics/internal/logging"
	"github.com/reybrally/erp-analytics/internal/sample"
	"github.com/reybrally/erp-analytics/internal/validation"
)

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "analyticsctl",
		Short:         "Operate the ERP analytics pipeline",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().String("log-level", "warn", "Log level")

	root.AddCommand(reconcileCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(replayCmd())
	root.AddCommand(reportsCmd())
	root.AddCommand(publishSampleCmd())
	return root
}

// withApp loads configuration, builds the pipeline and runs fn with a
// context cancelled on SIGINT/SIGTERM.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *bootstrap.App) error) error {
	level, _ := cmd.Flags().GetString("log-level")
	logging.InitLogger(level)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, config.Load())
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(ctx, app)
}

func keyFlags(cmd *cobra.Command) {
	cmd.Flags().String("tenant", "", "Tenant id")
	cmd.Flags().String("domain", "", "Domain (crm, finance, hrm, inventory, project)")
	cmd.Flags().String("period", "", "Period, YYYY-MM or YYYY-Qn")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("domain")
	_ = cmd.MarkFlagRequired("period")
}

func keyFrom(cmd *cobra.Command) (readmodel.Key, error) {
	var k readmodel.Key
	k.TenantID, _ = cmd.Flags().GetString("tenant")
	k.Domain, _ = cmd.Flags().GetString("domain")
	k.Period, _ = cmd.Flags().GetString("period")
	if err := validation.IsValidKey(k); err != nil {
		return readmodel.Key{}, err
	}
	return k, nil
}

func printJSON(w io.Writer, v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Audit one read model against the source of truth and repair drift",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := keyFrom(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				report, err := app.Reconciler.Reconcile(ctx, key.TenantID, key.Domain, key.Period)
				if report.ID != "" {
					if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	keyFlags(cmd)
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reconcile every known read model once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				sum, err := app.Reconciler.Sweep(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"checked": sum.Checked, "drifted": sum.Drifted, "alerted": sum.Alerted,
					"failed": sum.Failed, "cancelled": sum.Cancelled,
				})
			})
		},
	}
}

func replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild one read model from the archived event history",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := keyFrom(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				mat, ok := app.Materializer(key.Domain)
				if !ok {
					return fmt.Errorf("%w: %s", analytics.ErrUnknownDomain, key.Domain)
				}
				history, err := app.Events.History(ctx, key)
				if err != nil {
					return err
				}
				m, err := mat.Replay(ctx, key, history)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), m.ToView())
			})
		},
	}
	keyFlags(cmd)
	return cmd
}

func reportsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "List recent consistency reports for one read model",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := keyFrom(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				reports, err := app.Reports.ListReports(ctx, key, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), reports)
			})
		},
	}
	keyFlags(cmd)
	cmd.Flags().IntP("limit", "n", 20, "Maximum reports")
	return cmd
}

func publishSampleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish-sample",
		Short: "Publish the lead lifecycle scenario, plus optional random events, to the event topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			atStr, _ := cmd.Flags().GetString("at")
			random, _ := cmd.Flags().GetInt("random")
			at, err := time.Parse(time.RFC3339, atStr)
			if err != nil {
				return fmt.Errorf("--at: %w", err)
			}

			events := sample.Scenario(tenant, at)
			if random > 0 {
				events = append(events, sample.Generate(rand.New(rand.NewSource(time.Now().UnixNano())), []string{tenant}, random, at)...)
			}

			cfg := config.Load()
			p := kaf.NewProducer(kaf.ProducerConfig{
				Brokers:                cfg.Kafka.Brokers,
				ClientID:               cfg.Kafka.ClientID + "-ctl",
				WriteTimeout:           5 * time.Second,
				AllowAutoTopicCreation: true,
			})
			defer p.Close()

			for _, ev := range events {
				if err := kaf.PublishEvent(cmd.Context(), p, cfg.Kafka.Topic, ev); err != nil {
					return fmt.Errorf("publish %s: %w", ev.EventID, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %d events to %s\n", len(events), cfg.Kafka.Topic)
			return nil
		},
	}
	cmd.Flags().String("tenant", "acme-corp", "Tenant id")
	cmd.Flags().String("at", time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC).Format(time.RFC3339), "Occurrence time of the first event")
	cmd.Flags().Int("random", 0, "Additional random aggregates to emit")
	return cmd
}
