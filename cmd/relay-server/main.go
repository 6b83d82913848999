// Command relay-server runs the public-facing half of the tunnel: it
// terminates inbound WebSocket connections from relay-client, allocates each
// a subdomain, and routes public HTTP traffic to the matching tunnel. Wiring
// and lifecycle (cobra subcommands, sd_notify, signal-driven shutdown) are
// adapted from cortexuvula-clawreachbridge/cmd/clawreachbridge/main.go.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/relaytun/relay/internal/config"
	"github.com/relaytun/relay/internal/logging"
	"github.com/relaytun/relay/internal/server"
)

var (
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relay-server",
		Short: "Public-facing relay server for reverse HTTP tunnels",
	}

	var configPath string
	var verbose bool

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, verbose)
		},
	}
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	startCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay-server %s\n", version)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Printf("configuration is valid\n")
			fmt.Printf("  listen:  %s\n", cfg.Relay.ListenAddress)
			fmt.Printf("  domain:  %s\n", cfg.Relay.Domain)
			fmt.Printf("  metrics: %s (enabled=%v)\n", cfg.Relay.Metrics.ListenAddress, cfg.Relay.Metrics.Enabled)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(startCmd, versionCmd, validateCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string, verbose bool) error {
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	lj := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File,
		cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.MaxAgeDays, cfg.Logging.Compress)
	if lj != nil {
		defer lj.Close()
	}

	log.Info().Str("version", version).Str("listen", cfg.Relay.ListenAddress).Str("domain", cfg.Relay.Domain).Msg("starting relay server")

	reg := prometheus.NewRegistry()
	var metrics *server.Metrics
	if cfg.Relay.Metrics.Enabled {
		metrics = server.NewMetrics(reg)
	}

	srv := server.New(cfg.ToServerConfig(), metrics)
	router := server.NewRouter(srv)

	publicMux := http.NewServeMux()
	publicMux.HandleFunc("/ws", srv.HandleTunnelConnect)
	publicMux.Handle("/", router)

	publicListener, err := net.Listen("tcp", cfg.Relay.ListenAddress)
	if err != nil {
		return fmt.Errorf("bind public listener on %s: %w", cfg.Relay.ListenAddress, err)
	}
	publicServer := &http.Server{Handler: publicMux, ReadHeaderTimeout: 10 * time.Second}

	var metricsServer *http.Server
	var metricsListener net.Listener
	if cfg.Relay.Metrics.Enabled {
		metricsListener, err = net.Listen("tcp", cfg.Relay.Metrics.ListenAddress)
		if err != nil {
			_ = publicListener.Close()
			return fmt.Errorf("bind metrics listener on %s: %w", cfg.Relay.Metrics.ListenAddress, err)
		}
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}
	}

	var adminServer *http.Server
	var adminListener net.Listener
	if cfg.Relay.Admin.Enabled {
		adminListener, err = net.Listen("tcp", cfg.Relay.Admin.ListenAddress)
		if err != nil {
			_ = publicListener.Close()
			if metricsListener != nil {
				_ = metricsListener.Close()
			}
			return fmt.Errorf("bind admin listener on %s: %w", cfg.Relay.Admin.ListenAddress, err)
		}
		adminMux := http.NewServeMux()
		adminMux.HandleFunc("/debug/state", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintln(w, srv.DebugState())
		})
		adminServer = &http.Server{Handler: adminMux, ReadHeaderTimeout: 10 * time.Second}
	}

	go func() {
		log.Info().Str("address", cfg.Relay.ListenAddress).Msg("public listener serving")
		if err := publicServer.Serve(publicListener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("public server error")
		}
	}()
	if metricsServer != nil {
		go func() {
			log.Info().Str("address", cfg.Relay.Metrics.ListenAddress).Msg("metrics listener serving")
			if err := metricsServer.Serve(metricsListener); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}
	if adminServer != nil {
		go func() {
			log.Info().Str("address", cfg.Relay.Admin.ListenAddress).Msg("admin listener serving")
			if err := adminServer.Serve(adminListener); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("admin server error")
			}
		}()
	}

	if sent, notifyErr := daemon.SdNotify(false, daemon.SdNotifyReady); notifyErr != nil {
		log.Error().Err(notifyErr).Msg("sd_notify READY failed")
	} else if sent {
		log.Info().Msg("sd_notify READY sent")
	}

	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			case <-watchdogCtx.Done():
				return
			}
		}
	}()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	<-sigCtx.Done()

	log.Info().Msg("received shutdown signal, draining tunnels")
	watchdogCancel()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	_ = publicServer.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Relay.GracefulShutdownTimeout+5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	if adminServer != nil {
		_ = adminServer.Shutdown(shutdownCtx)
	}

	log.Info().Msg("shutdown complete")
	return nil
}
