package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/gridkit/gridkit/internal/config"
	"github.com/gridkit/gridkit/internal/docfile"
	"github.com/gridkit/gridkit/internal/engine"
	"github.com/gridkit/gridkit/internal/formula"
	"github.com/gridkit/gridkit/internal/rpc"
	"github.com/gridkit/gridkit/internal/store"
	"github.com/gridkit/gridkit/internal/telemetry"
	"github.com/gridkit/gridkit/internal/types"
)

func newServeCmd() *cobra.Command {
	var docPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine daemon on a unix socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			if flagSocket != "" {
				cfg.Socket = flagSocket
			}
			if docPath != "" {
				cfg.Doc = docPath
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&docPath, "doc", "", "document snapshot to load and serve")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	eng := engine.New(formula.NewRegistry(), store.Options{
		DateFormat: cfg.DateFormat,
		Zone:       cfg.Zone,
	})

	if cfg.Telemetry {
		shutdown, err := setupTelemetry()
		if err != nil {
			return err
		}
		defer shutdown()
		metrics, err := telemetry.New()
		if err != nil {
			return err
		}
		eng.SetMetrics(metrics)
	}

	if cfg.Doc != "" {
		if _, err := os.Stat(cfg.Doc); err == nil {
			if err := docfile.Load(cfg.Doc, eng); err != nil {
				return err
			}
			// The loading protocol ends with a no-op Calculate to bring
			// formulas up to date on first demand.
			if _, err := eng.ApplyUserActions([]types.UserAction{{"Calculate"}}, nil); err != nil {
				return err
			}
		} else if err := eng.LoadEmpty(); err != nil {
			return err
		}
	} else if err := eng.LoadEmpty(); err != nil {
		return err
	}

	var onSave func() error
	if cfg.Doc != "" {
		doc := cfg.Doc
		onSave = func() error { return docfile.Save(doc, eng) }
	}

	stopWatch, err := config.Watch(flagConfig, func(next config.Config) {
		log.Printf("gridkit: config reloaded (socket and doc changes take effect on restart)")
	})
	if err != nil {
		log.Printf("gridkit: config watch disabled: %v", err)
	} else {
		defer stopWatch()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("gridkit: serving on %s", cfg.Socket)
	return rpc.NewServer(eng, cfg.Socket, onSave).ListenAndServe(ctx)
}

// setupTelemetry installs stdout exporters for traces and metrics on the
// global otel providers.
func setupTelemetry() (func(), error) {
	traceExp, err := stdouttrace.New()
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	metricExp, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	return func() {
		ctx := context.Background()
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
	}, nil
}
