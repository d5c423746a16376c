package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"dealwatch/api/internal/app"
	"dealwatch/api/internal/config"
	"dealwatch/api/internal/report"
	"dealwatch/api/internal/schedule"
	"dealwatch/api/internal/settings"
	"dealwatch/api/internal/telemetry"
)

var (
	okLabel   = color.New(color.FgGreen).Sprint("OK")
	failLabel = color.New(color.FgRed).Sprint("FAILED")
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the job scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, err := wire(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			shutdownTracing, err := telemetry.Setup(ctx, "dealwatch", rt.cfg.OTLPEndpoint)
			if err != nil {
				log.Printf("WARNING: tracing disabled: %v", err)
			}

			var scheduler *schedule.Scheduler
			if rt.cfg.SchedulerEnabled {
				scheduler, err = schedule.New(rt.service, schedule.Specs{
					LoadStage:   rt.cfg.CronLoadStage,
					ReportStage: rt.cfg.CronReportStage,
					LoadOwner:   rt.cfg.CronLoadOwner,
					ReportOwner: rt.cfg.CronReportOwner,
				}, 15*time.Minute)
				if err != nil {
					return err
				}
				scheduler.Start()
			}

			httpServer := app.NewHTTPServer(rt.service, rt.cfg.CORSOrigin)
			server := &http.Server{
				Addr:              rt.cfg.Addr,
				Handler:           httpServer.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       15 * time.Second,
				WriteTimeout:      5 * time.Minute,
				IdleTimeout:       60 * time.Second,
			}

			go func() {
				log.Printf("dealwatch API listening on %s", rt.cfg.Addr)
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatalf("server failed: %v", err)
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("shutdown error: %v", err)
			}
			if scheduler != nil {
				scheduler.Stop(shutdownCtx)
			}
			if shutdownTracing != nil {
				_ = shutdownTracing(shutdownCtx)
			}
			return nil
		},
	}
}

func loadCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "load stage|owner",
		Short:     "Fetch stuck deals from HubSpot and replace the stored snapshot",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"stage", "owner"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, err := wire(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			var stuck, total int
			switch args[0] {
			case "stage":
				snapshot, loadErr := rt.service.LoadStage(ctx, "cli")
				stuck, total, err = snapshot.StuckDeals, snapshot.TotalDeals, loadErr
			case "owner":
				snapshot, loadErr := rt.service.LoadOwner(ctx, "cli")
				stuck, total, err = snapshot.StuckDeals, snapshot.TotalDeals, loadErr
			}
			if err != nil {
				fmt.Printf("%s load %s: %v\n", failLabel, args[0], err)
				return err
			}
			fmt.Printf("%s load %s: %d stuck of %d deals (%d%%)\n", okLabel, args[0], stuck, total, report.Percentage(stuck, total))
			return nil
		},
	}
}

func reportCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "report stage|owner",
		Short:     "Build the stuck deals report and deliver it to Slack",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"stage", "owner"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, err := wire(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			var delivered report.DeliveryReport
			if args[0] == "stage" {
				delivered, err = rt.service.ReportStage(ctx)
			} else {
				delivered, err = rt.service.ReportOwner(ctx)
			}
			if err != nil {
				fmt.Printf("%s report %s: %v\n", failLabel, args[0], err)
				return err
			}

			label := okLabel
			if delivered.Failed > 0 || delivered.Skipped > 0 {
				label = color.New(color.FgYellow).Sprint("PARTIAL")
			}
			fmt.Printf("%s report %s: sent %d, uploaded %d, failed %d, skipped %d\n",
				label, args[0], delivered.Sent, delivered.Uploaded, delivered.Failed, delivered.Skipped)
			return nil
		},
	}
}

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Manage the encrypted settings documents",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "put <key> <file>",
		Short: "Encrypt a JSON file and store it under key",
		Long: `Encrypt a JSON file with the key pair configured for that document and
store it in Redis.

Keys:
  HS_CONFIG_ENC              CRM and report settings
  SLACK_CONFIG_ENC           Slack settings
  SLACK_WEBHOOKS_CONFIG_ENC  webhook routing table

Examples:
  dealwatch settings put HS_CONFIG_ENC hs-config.json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := settings.Name(args[0])
			if !name.Valid() {
				return fmt.Errorf("unknown settings key %q", args[0])
			}
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[1], err)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			kv, err := settings.NewRedisStore(cfg.RedisURL, cfg.SettingsKeys())
			if err != nil {
				return err
			}
			defer kv.Close()

			if err := kv.PutRaw(context.Background(), name, data); err != nil {
				if errors.Is(err, settings.ErrNotConfigured) {
					return fmt.Errorf("%w: set %s_KEY and %s_IV", err, name, name)
				}
				return err
			}
			fmt.Printf("%s stored %s (%d bytes)\n", okLabel, name, len(data))
			return nil
		},
	})

	return cmd
}
