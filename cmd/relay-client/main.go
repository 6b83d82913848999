// Command relay-client runs the tunnel half: it dials relay-server over
// WebSocket, waits for its assigned subdomain, and forwards incoming
// REQUEST envelopes to a local origin server. Wiring follows the same
// cobra/sd_notify shape as cmd/relay-server, adapted from
// cortexuvula-clawreachbridge/cmd/clawreachbridge/main.go.
package main

import (
	"context"
	"errors"
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

	"github.com/relaytun/relay/internal/client"
	"github.com/relaytun/relay/internal/config"
	"github.com/relaytun/relay/internal/logging"
)

var version = "dev"

// exitError lets run() report the spec.md §6 exit code for a failure
// without cobra's own error-printing-plus-exit-1 path overriding it.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	rootCmd := &cobra.Command{
		Use:   "relay-client",
		Short: "Tunnel client exposing a local origin server through relay-server",
	}

	var configPath string
	var verbose bool
	var serverURL, secretKey, localURL, subdomain string

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Connect to the relay server and start forwarding",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, verbose, serverURL, secretKey, localURL, subdomain)
		},
	}
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	startCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	// spec.md §6 client CLI surface: --server-url|-s, --secret-key|-k,
	// --local-url|-l, --subdomain|-d (--help|-h is cobra's default).
	startCmd.Flags().StringVarP(&serverURL, "server-url", "s", "", "relay server websocket URL (overrides config/env)")
	startCmd.Flags().StringVarP(&secretKey, "secret-key", "k", "", "shared secret presented at handshake (overrides config/env)")
	startCmd.Flags().StringVarP(&localURL, "local-url", "l", "", "local origin base URL (overrides config/env)")
	startCmd.Flags().StringVarP(&subdomain, "subdomain", "d", "", "requested subdomain (overrides config/env)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay-client %s\n", version)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without connecting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClientConfig(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Printf("configuration is valid\n")
			fmt.Printf("  server: %s\n", cfg.Client.ServerURL)
			fmt.Printf("  target: %s\n", cfg.Client.Target)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(startCmd, versionCmd, validateCmd)
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		// Anything else reaching here (bad flags, config load failure) is a
		// configuration problem per spec.md §6 exit code 1.
		os.Exit(1)
	}
}

func run(configPath string, verbose bool, serverURL, secretKey, localURL, subdomain string) error {
	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("loading config: %w", err)}
	}
	if serverURL != "" {
		cfg.Client.ServerURL = serverURL
	}
	if secretKey != "" {
		cfg.Client.SecretKey = secretKey
	}
	if localURL != "" {
		cfg.Client.Target = localURL
	}
	if subdomain != "" {
		cfg.Client.Subdomain = subdomain
	}
	if err := cfg.Validate(); err != nil {
		return &exitError{code: 1, err: fmt.Errorf("validating config after flag overrides: %w", err)}
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	lj := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File,
		cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.MaxAgeDays, cfg.Logging.Compress)
	if lj != nil {
		defer lj.Close()
	}

	log.Info().Str("version", version).Str("server", cfg.Client.ServerURL).Str("target", cfg.Client.Target).Msg("starting relay client")

	reg := prometheus.NewRegistry()
	var metrics *client.Metrics
	if cfg.Client.MetricsEnabled {
		metrics = client.NewMetrics(reg)
	}

	svc, err := client.NewService(cfg.ToClientConfig(), metrics)
	if err != nil {
		return fmt.Errorf("create client service: %w", err)
	}

	var metricsServer *http.Server
	var metricsListener net.Listener
	if cfg.Client.MetricsEnabled && cfg.Client.MetricsAddress != "" {
		metricsListener, err = net.Listen("tcp", cfg.Client.MetricsAddress)
		if err != nil {
			return fmt.Errorf("bind metrics listener on %s: %w", cfg.Client.MetricsAddress, err)
		}
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			log.Info().Str("address", cfg.Client.MetricsAddress).Msg("client metrics listener serving")
			if err := metricsServer.Serve(metricsListener); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("client metrics server error")
			}
		}()
	}

	if sent, notifyErr := daemon.SdNotify(false, daemon.SdNotifyReady); notifyErr != nil {
		log.Error().Err(notifyErr).Msg("sd_notify READY failed")
	} else if sent {
		log.Info().Msg("sd_notify READY sent")
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- svc.Run(sigCtx) }()

	var svcErr error
	select {
	case <-sigCtx.Done():
		log.Info().Msg("received shutdown signal")
	case svcErr = <-runErr:
		if svcErr != nil {
			log.Error().Err(svcErr).Msg("client service exited with error")
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		cancel()
	}

	log.Info().Msg("shutdown complete")
	if errors.Is(svcErr, client.ErrAuthFailed) {
		// spec.md §7: authentication failure terminates with exit code 1.
		return &exitError{code: 1, err: svcErr}
	}
	if errors.Is(svcErr, client.ErrReconnectDisabled) {
		// spec.md §6: exit code 2, connection lost and reconnection disabled.
		return &exitError{code: 2, err: svcErr}
	}
	return nil
}
