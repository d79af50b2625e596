// Command tftpd serves files over TFTP (RFC 1350, 2347, 2348, 2349) out of
// a directory on disk, the same role the teacher's cmd/server plays against
// gotftp.Server but wired to the generalized tftp.Server/fsstore pair and a
// cobra/yaml.v3 config layer.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/eahydra/gotftp/internal/fsstore"
	"github.com/eahydra/gotftp/tftp"
)

var (
	configPath string
	metricsAddr string
)

func main() {
	root := &cobra.Command{
		Use:   "tftpd",
		Short: "Serve files over TFTP",
		RunE:  run,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to expose Prometheus /metrics on, empty disables it")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	entry := log.WithField("component", "tftpd")

	registry := prometheus.NewRegistry()
	metrics := tftp.NewMetrics(registry)
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			entry.WithField("addr", metricsAddr).Info("serving /metrics")
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				entry.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	store := fsstore.New(cfg.Root, cfg.ReadOnly)
	store.Log = entry.WithField("component", "fsstore")

	srv, err := tftp.NewServer(cfg.Listen, store, cfg.engineConfig())
	if err != nil {
		return err
	}
	srv.Log = entry
	srv.Metrics = metrics

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	entry.WithFields(logrus.Fields{"listen": cfg.Listen, "root": cfg.Root, "read_only": cfg.ReadOnly}).Info("tftpd starting")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	select {
	case <-ctx.Done():
		entry.Info("shutting down")
		return srv.Close()
	case err := <-errCh:
		return err
	}
}
