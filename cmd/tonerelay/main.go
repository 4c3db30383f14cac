package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/harunnryd/tonerelay/pkg/auth"
	"github.com/harunnryd/tonerelay/pkg/config"
	"github.com/harunnryd/tonerelay/pkg/logging"
	"github.com/harunnryd/tonerelay/pkg/metrics"
	"github.com/harunnryd/tonerelay/pkg/observers"
	"github.com/harunnryd/tonerelay/pkg/redact"
	"github.com/harunnryd/tonerelay/pkg/relay"
	"github.com/harunnryd/tonerelay/pkg/runner"
	"github.com/harunnryd/tonerelay/pkg/tone"
	"github.com/harunnryd/tonerelay/pkg/transcriber"
	"github.com/harunnryd/tonerelay/pkg/transports/vonage"
)

// Audio frames arrive every 20ms per call; only a sample reaches the debug log.
const audioLogSampleRate = 0.01

func main() {
	configPath := flag.String("config", "", "optional config file (yaml, json or toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	logger := logging.InitLogger(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	redact.SetEnabled(cfg.Privacy.RedactPII)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("tonerelay_exit", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	prom := observers.NewPrometheusObserver()
	sinks := []metrics.Observer{
		prom,
		metrics.NewSamplingObserver(observers.NewLoggerObserver(logger), audioLogSampleRate, metrics.EventAudioFrame),
	}
	var events *metrics.AsyncObserver
	var eventsFile *metrics.JSONLObserver
	if path := cfg.Observability.EventsFile; path != "" {
		f, err := metrics.OpenJSONLFile(path, metrics.EventSessionOpened, metrics.EventSessionClosed, metrics.EventToneAnalysis)
		if err != nil {
			return fmt.Errorf("open events file: %w", err)
		}
		eventsFile = f
		events = metrics.NewAsyncObserver(f, 256)
		sinks = append(sinks, events)
	}
	observer := observers.NewMultiObserver(sinks...)

	sttTokens := auth.NewProvider(auth.Config{APIKey: cfg.Transcriber.APIKey, TokenURL: cfg.Auth.TokenURL})
	toneTokens := auth.NewProvider(auth.Config{APIKey: cfg.Tone.APIKey, TokenURL: cfg.Auth.TokenURL})
	toneClient := tone.New(tone.Config{
		URL:              cfg.Tone.URL,
		Version:          cfg.Tone.Version,
		Timeout:          cfg.Tone.Timeout,
		TokenSource:      toneTokens,
		BreakerThreshold: cfg.Tone.BreakerThreshold,
		BreakerCooldown:  cfg.Tone.BreakerCooldown,
	})

	registry := relay.NewRegistry()
	sessions := relay.Config{
		NewTranscriber: transcriber.NewFactory(transcriber.Config{
			URL:          cfg.Transcriber.URL,
			Model:        cfg.Transcriber.Model,
			CloseTimeout: cfg.Transcriber.CloseTimeout,
			WriteTimeout: cfg.Transcriber.WriteTimeout,
			Tokens:       sttTokens,
			Observer:     observer,
		}),
		Analyzer:     toneClient,
		Registry:     registry,
		Observer:     observer,
		CloseTimeout: cfg.Transcriber.CloseTimeout,
		Logger:       logger,
	}
	transport := vonage.New(vonage.Config{
		ServerAddr:     cfg.ServerAddr,
		ServerURL:      cfg.ServerURL,
		VirtualNumber:  cfg.VirtualNumber,
		AllowedOrigins: cfg.AllowedOrigins,
	}, sessions, prom.Handler())

	lifecycle := runner.NewLifecycleRunner(transport, registry, runner.Hooks{
		OnStop: func() {
			if events != nil {
				events.Close()
				if n := events.Dropped(); n > 0 {
					logger.Warn("events_dropped", slog.Int64("count", n))
				}
				_ = eventsFile.Close()
			}
		},
	}, cfg.ShutdownTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return lifecycle.Run(gctx)
	})
	g.Go(func() error {
		select {
		case err := <-transport.Errors():
			return fmt.Errorf("serve: %w", err)
		case <-gctx.Done():
			return nil
		}
	})
	return g.Wait()
}
