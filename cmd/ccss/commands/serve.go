package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/ccss/internal/printer"
	"github.com/dyluth/ccss/internal/server"
	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve callbacks, save events and lookups",
	Long: `Start the HTTP server:

  POST /update/single          generation callback for an object
  POST /update/shared          generation callback for a shared key
  POST /events/save            post or term saved in the content system
  GET  /critical-css/{kind}/{id}  critical CSS for an object
  POST /styles/defer           rewrite stylesheet tags for deferred loading
  GET  /healthz                Redis health check

When shared.cron_enabled is set, the shared critical CSS sweep also runs
every shared.interval.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	rt, err := newRuntime(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	rules := reloadingRules(configPath, cfg.Rules)

	srv := server.New(rt.store, rt.protocol, rt.dispatcher, server.Options{
		Addr:               cfg.Server.Addr,
		Rules:              rules,
		GenerationEnabled:  cfg.Generation.Enabled,
		DeferralEnabled:    cfg.Deferral.Enabled,
		DeferralExceptions: cfg.Deferral.Exceptions,
	})
	if err := srv.Start(); err != nil {
		return printer.Error("failed to start server", err.Error(), []string{"Choose another address with --addr"})
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Shared.CronEnabled {
		rt.scheduler.Start(runCtx, cfg.Shared.IntervalDuration(), rules)
		defer rt.scheduler.Stop()
	}

	printer.Success("ccss serving namespace '%s' on %s\n", cfg.Namespace, srv.Addr())
	if !cfg.Generation.Enabled {
		printer.Warning("generation is disabled; save events will not dispatch jobs\n")
	}
	if cfg.Callback.PublicURL == "" {
		printer.Warning("callback.public_url is not set; jobs carry an empty response_url\n")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	printer.Info("Received signal %v, shutting down gracefully...\n", sig)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		printer.Warning("server shutdown: %v\n", err)
	}

	printer.Println("ccss stopped")
	return nil
}
