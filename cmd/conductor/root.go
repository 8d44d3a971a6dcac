package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/trainforge/conductor/internal/api"
	"github.com/trainforge/conductor/internal/batch"
	"github.com/trainforge/conductor/internal/circuitbreaker"
	"github.com/trainforge/conductor/internal/config"
	"github.com/trainforge/conductor/internal/dispatcher"
	"github.com/trainforge/conductor/internal/httputil"
	"github.com/trainforge/conductor/internal/ledger"
	"github.com/trainforge/conductor/internal/provider"
	"github.com/trainforge/conductor/internal/registry"
	"github.com/trainforge/conductor/internal/selector"
	"github.com/trainforge/conductor/internal/telemetry"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "conductor",
		Short: "trainforge-conductor multiplexes chat completion traffic across provider API keys",
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newValidateConfigCmd())

	return root
}

func newValidateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config [path]",
		Short: "Load and validate config.yaml without starting the server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.LoadSettings().ConfigPath
			if len(args) == 1 {
				path = args[0]
			}

			f, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			enabled := 0
			for _, id := range f.ProviderOrder {
				p, ok := f.Providers[id]
				if !ok || !p.Enabled {
					continue
				}
				enabled++
				fmt.Printf("provider %s: %d key(s), base_url=%s\n", id, len(p.Keys), p.BaseURL)
			}
			if enabled == 0 {
				fmt.Println("warning: no providers enabled, the server will answer every chat request with 503")
			}
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	settings := config.LoadSettings()
	setupLogger(settings.LogLevel)

	f, err := config.Load(settings.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTelemetry, err := telemetry.Init(ctx, "trainforge-conductor", os.Getenv("CONDUCTOR_OTLP_ENDPOINT"))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	led, catalog := buildLedgerAndCatalog(f)

	reg := registry.New(f.Models)
	strategy, err := selector.New(f.Conductor.SchedulingStrategy)
	if err != nil {
		return fmt.Errorf("scheduling_strategy: %w", err)
	}

	httpCfg := httputil.DefaultConfig()
	httpCfg.Timeout = time.Duration(f.Conductor.RequestTimeout) * time.Second
	client := provider.New(httputil.NewClient(httpCfg))
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig())

	dispatcherCfg := dispatcher.Config{
		RequestTimeout: time.Duration(f.Conductor.RequestTimeout) * time.Second,
		MaxRetries:     f.Conductor.MaxRetries,
		RetryDelay:     time.Duration(f.Conductor.RetryDelay * float64(time.Second)),
	}
	d := dispatcher.New(catalog, led, reg, client, strategy, breakers, dispatcherCfg)
	bc := batch.New(d, len(led.Keys()))

	handler := api.NewHandler(api.HandlerConfig{
		Dispatcher: d,
		Batch:      bc,
		Ledger:     led,
		Registry:   reg,
		Catalog:    catalog,
	})

	addr := settings.Host + ":" + settings.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Duration(f.Conductor.RequestTimeout+30) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if len(catalog.Providers()) == 0 {
		slog.Warn("no providers enabled, every chat request will fail with 503")
	}
	for _, id := range catalog.Providers() {
		slog.Info("registered provider", "provider", id, "keys", len(catalog.KeysFor(id)))
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return fmt.Errorf("server error: %w", err)
	case <-quit:
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	slog.Info("server stopped")
	return nil
}

// buildLedgerAndCatalog flattens config.yaml's nested provider/key shape
// into the Ledger's flat KeyDescriptor list and a Catalog that groups the
// resulting KeyRefs back by provider. It walks f.ProviderOrder rather
// than ranging f.Providers directly, so the Catalog's provider order
// matches the file's declaration order instead of Go's randomized map
// iteration — round_robin, sequential, and least_loaded all tie-break on
// that order.
func buildLedgerAndCatalog(f *config.File) (*ledger.Ledger, *provider.Catalog) {
	var descs []ledger.KeyDescriptor
	var providerDescs []provider.Descriptor

	for _, id := range f.ProviderOrder {
		p, ok := f.Providers[id]
		if !ok {
			continue
		}
		providerDescs = append(providerDescs, provider.Descriptor{ID: id, BaseURL: p.BaseURL, Enabled: p.Enabled})
		if !p.Enabled {
			continue
		}
		for _, k := range p.Keys {
			descs = append(descs, ledger.KeyDescriptor{
				ProviderID:        id,
				Name:              k.Name,
				APIKey:            k.APIKey,
				RequestsPerMinute: k.RequestsPerMinute,
				TokensPerMinute:   k.TokensPerMinute,
			})
		}
	}

	led := ledger.New(descs)

	keysByProvider := make(map[string][]ledger.KeyRef)
	for _, ref := range led.Keys() {
		desc, ok := led.Descriptor(ref)
		if !ok {
			continue
		}
		keysByProvider[desc.ProviderID] = append(keysByProvider[desc.ProviderID], ref)
	}

	return led, provider.NewCatalog(providerDescs, keysByProvider)
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "DEBUG", "debug":
		logLevel = slog.LevelDebug
	case "WARN", "warn":
		logLevel = slog.LevelWarn
	case "ERROR", "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}
