// Command callrelay relays phone and browser audio streams to realtime
// speech-to-speech model providers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/callrelay/internal/app"
	"github.com/MrWong99/callrelay/internal/config"
	"github.com/MrWong99/callrelay/internal/health"
	"github.com/MrWong99/callrelay/internal/idle"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/resilience"
	"github.com/MrWong99/callrelay/internal/store"
	"github.com/MrWong99/callrelay/pkg/audio"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "dotenv file loaded before the config is expanded")
	transcode := flag.String("transcode", "", "convert a raw audio file with the configured transcoder and exit")
	from := flag.String("from", "mulaw/8000", "input format for -transcode (codec/rate)")
	to := flag.String("to", "pcm16/24000", "output format for -transcode (codec/rate)")
	out := flag.String("o", "", "output file for -transcode (default stdout)")
	flag.Parse()

	// Environment first so ${VAR} references in the config resolve.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "callrelay: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	var level slog.LevelVar
	watcher, err := config.NewWatcher(*configPath, func(_, _ *config.Config, d config.ConfigDiff) {
		onConfigChange(&level, d)
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "callrelay: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "callrelay: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(&level, cfg.Server.LogFile))

	transcoder := audio.NewTranscoder(
		audio.WithBinary(cfg.Codec.FFmpegPath),
		audio.WithTimeout(cfg.Codec.Timeout),
	)
	if *transcode != "" {
		return runTranscode(transcoder, *transcode, *from, *to, *out)
	}

	slog.Info("callrelay starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "callrelay",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	breakers := resilience.NewBreakers(resilience.CircuitBreakerConfig{
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("provider breaker state changed", "provider", name, "from", from, "to", to)
			metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	})
	sw, registered := buildSwitcher(cfg, breakers)
	if len(registered) == 0 {
		slog.Error("no realtime provider configured, set providers.openai-realtime.api_key or providers.gemini-live.api_key")
		return 1
	}

	checks := []health.Checker{health.Transcoder(transcoder), health.Breakers(breakers)}
	var opts []app.Option

	// ── Storage (optional) ────────────────────────────────────────────────────
	if dsn := cfg.Storage.PostgresDSN; dsn != "" {
		pool, err := store.Open(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		defer pool.Close()

		st := store.NewPostgresStore(pool)
		if err := st.Migrate(ctx); err != nil {
			slog.Error("failed to migrate schema", "err", err)
			return 1
		}
		checks = append(checks, health.Ping("postgres", pool))
		opts = append(opts, app.WithStore(st))
	}

	if dir := cfg.Recording.Dir; dir != "" {
		sink, err := store.NewFileSink(dir)
		if err != nil {
			slog.Error("failed to prepare recording dir", "err", err)
			return 1
		}
		opts = append(opts, app.WithRecordings(sink))
	}
	opts = append(opts, app.WithHealthChecks(checks...), app.WithMetricsHandler(tel.Handler()))

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, registered)

	application, err := app.New(watcher, app.Deps{
		Switcher:  sw,
		Converter: transcoder,
		Idle:      idle.NewManager(),
		Metrics:   metrics,
	}, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	go reloadOnHangup(ctx, watcher)

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	return 0
}

// onConfigChange applies what can change at runtime and flags the rest.
func onConfigChange(level *slog.LevelVar, d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	for _, a := range d.AssistantChanges {
		if a.Changed() {
			slog.Info("assistant config changed", "assistant", a.Name, "added", a.Added, "removed", a.Removed)
		}
	}
	if d.RestartRequired {
		slog.Warn("config change requires a restart to take effect")
	}
}

// reloadOnHangup re-reads the config on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			changed, err := w.Reload()
			if err != nil {
				slog.Error("config reload failed", "err", err)
				continue
			}
			slog.Info("config reloaded", "changed", changed)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, providers []string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        callrelay startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("OpenAI", cfg.Providers.OpenAI)
	printProvider("Gemini", cfg.Providers.Gemini)
	printRow("Assistants", fmt.Sprint(len(cfg.Assistants)))
	printRow("Providers", fmt.Sprint(len(providers)))
	printRow("Storage", enabled(cfg.Storage.PostgresDSN != ""))
	printRow("Recordings", enabled(cfg.Recording.Dir != ""))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind string, e config.ProviderEntry) {
	value := "(not configured)"
	if e.APIKey != "" {
		value = "enabled"
		if e.Model != "" {
			value = e.Model
		}
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

func enabled(on bool) string {
	if on {
		return "enabled"
	}
	return "(disabled)"
}
