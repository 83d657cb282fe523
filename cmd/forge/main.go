package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/gridworks/forge/internal/analyzer"
	"github.com/gridworks/forge/internal/build"
	"github.com/gridworks/forge/internal/config"
	"github.com/gridworks/forge/internal/deploy"
	"github.com/gridworks/forge/internal/docker"
	"github.com/gridworks/forge/internal/engine"
	"github.com/gridworks/forge/internal/httpapi"
	"github.com/gridworks/forge/internal/logger"
	"github.com/gridworks/forge/internal/registry"
	"github.com/gridworks/forge/internal/runner"
	"github.com/gridworks/forge/internal/sandbox"
	"github.com/gridworks/forge/internal/source"
	"github.com/gridworks/forge/internal/store"
	"github.com/gridworks/forge/internal/workspace"
)

func main() {
	cfg := config.Load()
	level := slog.LevelInfo
	if cfg.Environment == "development" {
		level = slog.LevelDebug
	}
	log := logger.New("forge", level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var dockerClient *docker.Client
	if client, err := docker.New(cfg.DockerHost); err == nil {
		if err := client.Ping(ctx); err == nil {
			dockerClient = client
			defer dockerClient.Close()
		} else {
			log.Warn("docker unavailable, container deployments disabled", "error", err)
			_ = client.Close()
		}
	} else {
		log.Warn("docker client init failed, container deployments disabled", "error", err)
	}

	workspaces, err := workspace.New(cfg.WorkspaceRoot, cfg.CacheRoot)
	if err != nil {
		log.Error("workspace init failed", "error", err, "root", cfg.WorkspaceRoot)
		os.Exit(1)
	}
	if removed, err := workspaces.PurgeOrphans(nil, time.Hour); err != nil {
		log.Warn("orphan workspace purge failed", "error", err)
	} else if removed > 0 {
		log.Info("purged orphaned workspaces", "count", removed)
	}

	sources, err := source.NewDirFetcher(cfg.SourceRoot)
	if err != nil {
		log.Error("source store init failed", "error", err, "root", cfg.SourceRoot)
		os.Exit(1)
	}
	fetcher := &source.Router{Dir: sources, Git: source.NewGitFetcher()}

	var resultStore store.Store = store.NewMemoryStore()
	if cfg.RedisAddr != "" {
		redisStore, err := store.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Error("redis store init failed", "error", err, "addr", cfg.RedisAddr)
			os.Exit(1)
		}
		defer redisStore.Close()
		resultStore = redisStore
	}

	sb := sandbox.New(log,
		sandbox.WithGracePeriod(cfg.StopGracePeriod),
		sandbox.WithSamplePeriod(cfg.SamplePeriod),
	)
	runners := runner.NewRegistry(
		runner.NewPythonRunner(sb, log),
		runner.NewNodeRunner(sb, log),
		runner.NewJavaRunner(sb, log),
		runner.NewDotNetRunner(sb, log),
	)

	projects := analyzer.New(cfg.MaxProjectFiles)
	eng, err := engine.New(engine.Options{
		Analyzer:            projects,
		Runners:             runners,
		BuildStage:          build.NewStage(log),
		Workspaces:          workspaces,
		Sources:             fetcher,
		Store:               resultStore,
		Logger:              log,
		MaxConcurrentRuns:   cfg.MaxConcurrentRuns,
		DefaultBuildTimeout: cfg.BuildTimeout,
		ExecTimeout:         cfg.ExecTimeout,
	})
	if err != nil {
		log.Error("engine init failed", "error", err)
		os.Exit(1)
	}

	instances, err := registry.New(cfg.PortRangeStart, cfg.PortRangeEnd)
	if err != nil {
		log.Error("instance registry init failed", "error", err)
		os.Exit(1)
	}
	sampler, err := sandbox.NewProcSampler()
	if err != nil {
		log.Warn("procfs unavailable, deployment metrics will be estimated", "error", err)
		sampler = nil
	}
	strategies := []deploy.Strategy{
		deploy.NewPrebuiltStrategy(sampler, cfg.StopGracePeriod, log),
		deploy.NewStaticStrategy(log),
	}
	if dockerClient != nil {
		strategies = append(strategies, deploy.NewContainerStrategy(dockerClient, cfg.StopGracePeriod, log))
	}
	deployments := deploy.NewManager(instances, projects, log, strategies...)

	var backend httpapi.Pinger
	if dockerClient != nil {
		backend = dockerClient
	}
	router := httpapi.New(log, eng, deployments, backend)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("forge server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("forge server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
