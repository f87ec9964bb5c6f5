// Command voicegate runs the on-device voiceprint wake-word engine.
//
// Modes:
//
//	voicegate                          run continuous wake monitoring
//	voicegate -enroll NAME -phrase P   enroll a new speaker
//	voicegate -list                    list enrolled voiceprints
//	voicegate -delete USER_ID          remove a voiceprint
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

	"github.com/ycxom/voicegate/internal/app"
	"github.com/ycxom/voicegate/internal/config"
	"github.com/ycxom/voicegate/internal/enroll"
	"github.com/ycxom/voicegate/internal/observe"
	"github.com/ycxom/voicegate/internal/resilience"
	"github.com/ycxom/voicegate/pkg/audio"
	"github.com/ycxom/voicegate/pkg/provider/embedding"
	"github.com/ycxom/voicegate/pkg/provider/embedding/sidecar"
	"github.com/ycxom/voicegate/pkg/provider/transcribe"
	oaitranscribe "github.com/ycxom/voicegate/pkg/provider/transcribe/openai"
	"github.com/ycxom/voicegate/pkg/provider/transcribe/whisper"
	"github.com/ycxom/voicegate/pkg/template"
	"github.com/ycxom/voicegate/pkg/template/file"
	"github.com/ycxom/voicegate/pkg/template/postgres"
	"github.com/ycxom/voicegate/pkg/vad"
	"github.com/ycxom/voicegate/pkg/wakeword"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	enrollName := flag.String("enroll", "", "enroll a new speaker with this display name")
	wakePhrase := flag.String("phrase", "", "wake phrase for enrollment (e.g. \"hey aurora\")")
	listPrints := flag.Bool("list", false, "list enrolled voiceprints and exit")
	deleteID := flag.String("delete", "", "delete the voiceprint with this user ID and exit")
	flag.Parse()

	// Optional .env for API keys; absence is not an error.
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicegate: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicegate: %v\n", err)
		}
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(app.SlogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case *listPrints:
		return runList(ctx, cfg)
	case *deleteID != "":
		return runDelete(ctx, cfg, *deleteID)
	case *enrollName != "":
		return runEnroll(ctx, cfg, *enrollName, *wakePhrase)
	}
	return runEngine(ctx, cfg, *configPath, logLevel)
}

// runEngine starts continuous wake monitoring until interrupted.
func runEngine(ctx context.Context, cfg *config.Config, configPath string, logLevel *slog.LevelVar) int {
	slog.Info("voicegate starting",
		"config", configPath,
		"log_level", cfg.Server.LogLevel,
		"store", cfg.Store.Backend,
	)

	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voicegate",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers, app.WithLogLevel(logLevel))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	watcher, err := config.NewWatcher(configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("monitoring — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// runEnroll walks one speaker through the enrollment protocol on the
// terminal.
func runEnroll(ctx context.Context, cfg *config.Config, name, wakePhrase string) int {
	if wakePhrase == "" {
		fmt.Fprintln(os.Stderr, "voicegate: -enroll requires -phrase")
		return 1
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)
	provider, err := reg.CreateEmbedding(cfg.Providers.Embedding)
	if err != nil {
		slog.Error("failed to create embedding provider", "err", err)
		return 1
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", "err", err)
		return 1
	}
	defer closeStore()

	source, err := audio.NewSource(audio.SourceConfig{
		Format: audio.Format{
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
		},
		DeviceName:  cfg.Audio.InputDevice,
		RingSeconds: cfg.Audio.RingSeconds,
	})
	if err != nil {
		slog.Error("failed to open capture device", "err", err)
		return 1
	}
	defer source.Close()

	matcher := wakeword.New(app.MatcherConfig(cfg), slog.Default())
	enroller := enroll.New(enroll.Config{
		Utterances:       cfg.Enrollment.Utterances,
		UtteranceSeconds: cfg.Enrollment.UtteranceSeconds,
	}, source, provider, matcher, store, slog.Default())

	session := enroller.NewSession(name, wakePhrase)
	fmt.Printf("Enrolling %q with wake phrase %q.\n", name, wakePhrase)
	fmt.Printf("You will record %d takes of %.0f seconds each.\n",
		cfg.Enrollment.Utterances, cfg.Enrollment.UtteranceSeconds)

	for take := 1; session.Remaining() > 0; take++ {
		fmt.Printf("\nTake %d: say the wake phrase after the prompt.\n", take)
		fmt.Print("Recording... ")
		result, err := session.RecordUtterance(ctx)
		switch {
		case errors.Is(err, context.Canceled):
			fmt.Println("cancelled.")
			return 1
		case errors.Is(err, enroll.ErrUtteranceTooShort), errors.Is(err, enroll.ErrNoSpeech):
			fmt.Printf("rejected (%v), try again.\n", err)
			continue
		case err != nil:
			slog.Error("enrollment take failed", "err", err)
			return 1
		}
		fmt.Printf("accepted (%.1fs, %d frames).\n",
			result.Duration.Seconds(), result.Frames)
	}

	vp, err := session.Complete(ctx)
	if err != nil {
		slog.Error("enrollment failed", "err", err)
		return 1
	}
	fmt.Printf("\nEnrolled %q as %s.\n", vp.DisplayName, vp.UserID)
	return 0
}

// runList prints the enrolled voiceprints.
func runList(ctx context.Context, cfg *config.Config) int {
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", "err", err)
		return 1
	}
	defer closeStore()

	prints, err := store.List(ctx)
	if err != nil {
		slog.Error("failed to list voiceprints", "err", err)
		return 1
	}
	if len(prints) == 0 {
		fmt.Println("No voiceprints enrolled.")
		return 0
	}
	for _, vp := range prints {
		fmt.Printf("%s  %-20s  phrase=%q  exemplars=%d  enrolled=%s\n",
			vp.UserID, vp.DisplayName, vp.WakePhrase, len(vp.Exemplars),
			vp.CreatedAt.Format(time.RFC3339))
	}
	return 0
}

// runDelete removes one voiceprint.
func runDelete(ctx context.Context, cfg *config.Config, userID string) int {
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", "err", err)
		return 1
	}
	defer closeStore()

	if err := store.Delete(ctx, userID); err != nil {
		if errors.Is(err, template.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "voicegate: no voiceprint with ID %q\n", userID)
		} else {
			slog.Error("failed to delete voiceprint", "err", err)
		}
		return 1
	}
	fmt.Printf("Deleted %s.\n", userID)
	return 0
}

// openStore opens the configured voiceprint store and returns it with a
// cleanup function.
func openStore(ctx context.Context, cfg *config.Config) (template.Store, func(), error) {
	switch cfg.Store.Backend {
	case "postgres":
		store, err := postgres.NewStore(ctx, cfg.Store.PostgresDSN, cfg.Store.EmbeddingDimensions)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		store, err := file.New(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return vad.NewEnergyEngine(), nil
	})

	reg.RegisterVAD("silero", func(entry config.ProviderEntry) (vad.Engine, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		return vad.NewSileroEngine(modelPath)
	})

	// ── Embedding ─────────────────────────────────────────────────────────────

	reg.RegisterEmbedding("sidecar", func(entry config.ProviderEntry) (embedding.Provider, error) {
		var opts []sidecar.Option
		opts = append(opts, sidecar.WithSampleRate(cfg.Audio.SampleRate))
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, sidecar.WithTimeout(d))
		}
		return sidecar.New(entry.BaseURL, entry.Model, cfg.Store.EmbeddingDimensions, opts...)
	})

	// ── Transcribe ────────────────────────────────────────────────────────────

	reg.RegisterTranscribe("whisper", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(modelPath, opts...)
	})

	reg.RegisterTranscribe("openai", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		var opts []oaitranscribe.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaitranscribe.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, oaitranscribe.WithLanguage(lang))
		}
		apiKey := entry.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		return oaitranscribe.New(apiKey, entry.Model, opts...)
	})
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct. The embedding provider is
// wrapped in a circuit breaker; the transcription provider additionally fails
// over to a secondary backend when options.fallback names one.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	name := cfg.Providers.VAD.Name
	engine, err := reg.CreateVAD(cfg.Providers.VAD)
	if err != nil {
		return nil, fmt.Errorf("create vad provider %q: %w", name, err)
	}
	ps.VAD = engine
	slog.Info("provider created", "kind", "vad", "name", name)

	name = cfg.Providers.Embedding.Name
	emb, err := reg.CreateEmbedding(cfg.Providers.Embedding)
	if err != nil {
		return nil, fmt.Errorf("create embedding provider %q: %w", name, err)
	}
	ps.Embedding = resilience.NewEmbeddingFallback(emb, name, resilience.FallbackConfig{})
	slog.Info("provider created", "kind", "embedding", "name", name, "model", emb.ModelID())

	if name := cfg.Providers.Transcribe.Name; name != "" {
		p, err := reg.CreateTranscribe(cfg.Providers.Transcribe)
		if err != nil {
			return nil, fmt.Errorf("create transcribe provider %q: %w", name, err)
		}
		fb := resilience.NewTranscribeFallback(p, name, resilience.FallbackConfig{})
		if fbName := optString(cfg.Providers.Transcribe.Options, "fallback"); fbName != "" {
			entry := cfg.Providers.Transcribe
			entry.Name = fbName
			secondary, err := reg.CreateTranscribe(entry)
			if err != nil {
				return nil, fmt.Errorf("create fallback transcribe provider %q: %w", fbName, err)
			}
			fb.AddFallback(fbName, secondary)
			slog.Info("transcribe fallback registered", "name", fbName)
		}
		ps.Transcribe = fb
		slog.Info("provider created", "kind", "transcribe", "name", name, "model", p.ModelID())
	}

	return ps, nil
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a
// string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// optDuration parses a duration string ("5s") from a provider Options map.
func optDuration(opts map[string]any, key string) time.Duration {
	s := optString(opts, key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("invalid duration option", "key", key, "value", s)
		return 0
	}
	return d
}
