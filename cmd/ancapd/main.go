// Command ancapd is the manga-to-video ingest daemon. It serves the task
// API and runs the pipeline for every submitted series URL.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/luanle13/ancaptruyenlamvideo/artifact"
	"github.com/luanle13/ancaptruyenlamvideo/cancellation"
	"github.com/luanle13/ancaptruyenlamvideo/comms"
	"github.com/luanle13/ancaptruyenlamvideo/config"
	"github.com/luanle13/ancaptruyenlamvideo/internal/version"
	"github.com/luanle13/ancaptruyenlamvideo/orchestrator"
	"github.com/luanle13/ancaptruyenlamvideo/provider"
	"github.com/luanle13/ancaptruyenlamvideo/server"
	"github.com/luanle13/ancaptruyenlamvideo/stages"
	"github.com/luanle13/ancaptruyenlamvideo/task"
)

var configPath = flag.String("config", "ancap.yaml", "path to YAML config file")

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting ancapd", slog.String("build", version.String()))

	if err := run(cfg, logger); err != nil {
		logger.Error("ancapd exited", slog.Any("err", err))
		os.Exit(1)
	}
}

// loadConfig reads path, falling back to defaults when the file is absent.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := config.DefaultConfig()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

// daemon holds everything main must shut down.
type daemon struct {
	store   *task.SQLiteStore
	browser *stages.Browser
	docker  *stages.DockerEncoder
	janitor *artifact.Janitor
}

func run(cfg *config.Config, logger *slog.Logger) error {
	d := &daemon{}
	defer d.close(logger)

	store, err := task.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	d.store = store

	files, err := artifact.NewStore(cfg.Storage.ArtifactsDir, cfg.Storage.WorkspaceDir)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	bus := comms.NewInMemoryBus(comms.Options{
		Keepalive:      cfg.Events.Keepalive,
		Buffer:         cfg.Events.Buffer,
		MaxSubscribers: cfg.Events.MaxSubscribers,
	})

	workers, err := d.buildWorkers(cfg, files, logger)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Store:             store,
		Bus:               bus,
		Registry:          cancellation.NewRegistry(),
		Workers:           workers,
		SourcePatterns:    cfg.Sources,
		ResumeInterrupted: cfg.Recovery.ResumeInterrupted,
		Metrics:           orchestrator.NewMetrics(reg),
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}
	logger.Info("pipeline ready", slog.Any("phases", orch.Plan()))

	n, err := orch.Recover()
	if err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}
	if n > 0 {
		logger.Info("recovered interrupted tasks", slog.Int("count", n))
	}

	if cfg.Janitor.Schedule != "" {
		d.janitor = artifact.NewJanitor(files, store, cfg.Janitor.Retention, logger)
		if err := d.janitor.Start(cfg.Janitor.Schedule); err != nil {
			return fmt.Errorf("start janitor: %w", err)
		}
	}

	srv := server.New(*cfg, version.Version, logger)
	srv.SetTasks(orch)
	srv.SetArtifacts(files)
	srv.SetBus(bus)
	srv.SetMetrics(reg, reg)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error("server stop", slog.Any("err", err))
	}
	if err := orch.Shutdown(ctx); err != nil {
		logger.Error("orchestrator shutdown", slog.Any("err", err))
	}
	if d.janitor != nil {
		d.janitor.Stop(ctx)
	}
	logger.Info("shutdown complete")
	return nil
}

// buildWorkers assembles one worker per enabled phase.
func (d *daemon) buildWorkers(cfg *config.Config, files *artifact.Store, logger *slog.Logger) ([]orchestrator.Worker, error) {
	d.browser = stages.NewBrowser(stages.BrowserOptions{
		Headless:  cfg.Crawler.Headless,
		Bin:       cfg.Crawler.BrowserBin,
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   cfg.Crawler.PageTimeout,
	})

	var limiter *rate.Limiter
	if cfg.Downloads.RequestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Downloads.RequestsPerSec), 1)
	}

	model, err := provider.New(provider.Config{
		Name:       cfg.AI.Provider,
		APIKey:     cfg.AI.APIKey,
		Model:      cfg.AI.Model,
		BaseURL:    cfg.AI.BaseURL,
		MaxTokens:  cfg.AI.MaxTokens,
		HTTPClient: provider.NewRetryingClient(cfg.AI.Retries, cfg.AI.Timeout, logger),
	})
	if err != nil {
		return nil, fmt.Errorf("ai provider: %w", err)
	}

	workers := []orchestrator.Worker{
		&stages.Discovery{
			Source:      d.browser,
			BatchSize:   cfg.AI.BatchSize,
			MaxChapters: cfg.Crawler.MaxChapters,
			Retries:     cfg.Downloads.Retries,
			Backoff:     2 * time.Second,
			Logger:      logger,
		},
		&stages.Images{
			Source:      d.browser,
			Files:       files,
			Client:      stages.NewHTTPClient(cfg.Downloads.Retries, cfg.Downloads.Timeout, logger),
			Limiter:     limiter,
			Concurrency: cfg.Downloads.Concurrency,
			Retries:     cfg.Downloads.Retries,
			Backoff:     2 * time.Second,
			Delay:       cfg.Crawler.MinDelay,
			UserAgent:   cfg.Crawler.UserAgent,
			Logger:      logger,
		},
		&stages.Transcriber{
			Provider:         model,
			Files:            files,
			BatchSize:        cfg.AI.BatchSize,
			ImagesPerRequest: cfg.AI.ImagesPerRequest,
			Retries:          cfg.AI.Retries,
			Backoff:          5 * time.Second,
			Logger:           logger,
		},
	}

	if cfg.TTS.Binary != "" {
		workers = append(workers, &stages.Speech{
			Runner: stages.ExecRunner{},
			Files:  files,
			Binary: cfg.TTS.Binary,
			Voice:  cfg.TTS.Voice,
			Rate:   cfg.TTS.Rate,
			Logger: logger,
		})
	}

	if cfg.Video.Enabled {
		var enc stages.Encoder = &stages.LocalEncoder{FFmpeg: cfg.Video.FFmpeg, FFprobe: cfg.Video.FFprobe}
		if cfg.Video.UseDocker {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			docker, err := stages.NewDockerEncoder(ctx, cfg.Video.DockerImage, files.Dirs(), logger)
			cancel()
			if err != nil {
				return nil, fmt.Errorf("video encoder: %w", err)
			}
			d.docker = docker
			enc = docker
		}
		workers = append(workers, &stages.Video{
			Encoder: enc,
			Files:   files,
			Width:   cfg.Video.Width,
			Height:  cfg.Video.Height,
			Logger:  logger,
		})
	}

	if cfg.Upload.Enabled() {
		var sinks []stages.Sink
		if yt := cfg.Upload.YouTube; yt.Enabled {
			sinks = append(sinks, &stages.YouTube{
				ClientSecrets: yt.ClientSecrets,
				TokenFile:     yt.TokenFile,
				Privacy:       yt.Privacy,
				CategoryID:    yt.CategoryID,
			})
		}
		if tg := cfg.Upload.Telegram; tg.Enabled {
			sinks = append(sinks, &stages.Telegram{
				Client:   stages.NewHTTPClient(cfg.Downloads.Retries, cfg.Downloads.Timeout, logger),
				APIBase:  tg.APIBase,
				BotToken: tg.BotToken,
				ChatID:   tg.ChatID,
			})
		}
		workers = append(workers, &stages.Publish{Sinks: sinks, Files: files, Logger: logger})
	}
	return workers, nil
}

func (d *daemon) close(logger *slog.Logger) {
	if d.browser != nil {
		if err := d.browser.Shutdown(); err != nil {
			logger.Warn("browser shutdown", slog.Any("err", err))
		}
	}
	if d.docker != nil {
		if err := d.docker.Close(); err != nil {
			logger.Warn("docker encoder close", slog.Any("err", err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			logger.Warn("task store close", slog.Any("err", err))
		}
	}
}
