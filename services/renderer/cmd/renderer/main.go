package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"perpustakaan/internal/util"
	"perpustakaan/pkg/lock"
	"perpustakaan/pkg/pageset"
	"perpustakaan/pkg/pdfinfo"
	"perpustakaan/pkg/queue"
	"perpustakaan/pkg/storage"
	"perpustakaan/pkg/store"
	"perpustakaan/services/renderer/internal/app"
	"perpustakaan/services/renderer/internal/config"
	"perpustakaan/services/renderer/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()
	_ = godotenv.Load()

	cfg, err := config.Load(config.ResolvePath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	renderTimeout, err := config.ParseRenderTimeout(cfg.RenderTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := util.InitLogger(cfg.LogLevel, cfg.ErrorLogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	accessLogger, accessCloser, err := util.NewAccessLogger(cfg.AccessLogPath)
	if err != nil {
		util.Fatal("failed to open access log", "err", err)
	}
	defer accessCloser.Close()

	meta, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to open database", "err", err)
	}
	defer meta.Close()

	var objects storage.ObjectStore
	switch cfg.StorageBackend {
	case "minio":
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL, cfg.MinioCacheDir)
	default:
		objects, err = storage.NewLocalStore(cfg.UploadDir)
	}
	if err != nil {
		util.Fatal("failed to init object storage", "backend", cfg.StorageBackend, "err", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer redisClient.Close()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		util.Fatal("failed to reach redis", "addr", cfg.RedisAddr, "err", err)
	}
	locker, err := lock.NewRedisLocker(redisClient, lock.Options{Prefix: "perpustakaan:lock"})
	if err != nil {
		util.Fatal("failed to init render lock", "err", err)
	}
	q, err := queue.NewRedisJobQueue(redisClient, queue.RedisQueueConfig{
		Stream:     cfg.RenderQueueStream,
		Group:      cfg.QueueGroup,
		Consumer:   util.NewID(),
		MaxRetries: cfg.QueueMaxRetries,
		RetryDelay: cfg.RetryDelay(),
		Logger:     logger,
	})
	if err != nil {
		util.Fatal("failed to init render queue", "err", err)
	}

	format, err := pageset.ParseFormat(cfg.RenderFormat)
	if err != nil {
		util.Fatal("invalid renderFormat", "err", err)
	}
	pages, err := pageset.New(pageset.Config{
		Root:        cfg.PagesDir,
		Rasterizer:  pageset.Pdftoppm{Path: cfg.PdftoppmPath, DPI: cfg.RenderDPI},
		PageCounter: pdfinfo.PageCount,
		Locker:      locker,
		MaxWidth:    cfg.RenderMaxWidth,
		Format:      format,
		JPEGQuality: cfg.RenderJPEGQuality,
		Concurrency: cfg.RenderConcurrency,
		Timeout:     renderTimeout,
		Logger:      logger,
	})
	if err != nil {
		util.Fatal("failed to init page cache", "err", err)
	}

	appCore, err := app.New(app.Config{
		Store:       meta,
		Objects:     objects,
		Pages:       pages,
		Queue:       q,
		Concurrency: cfg.QueueConcurrency,
		Logger:      logger,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	httpServer := server.New(server.Config{
		App:           appCore,
		InternalToken: cfg.InternalToken,
		Logger:        logger,
		AccessLogger:  accessLogger,
	})
	addr := cfg.Addr()
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := appCore.Start(gctx); err != nil {
			return fmt.Errorf("start consumers: %w", err)
		}
		<-gctx.Done()
		return nil
	})
	g.Go(func() error {
		logger.Info("renderer listening", "addr", addr, "consumers", cfg.QueueConcurrency, "stream", cfg.RenderQueueStream)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("renderer stopped", "err", err)
		return
	}
	logger.Info("renderer stopped")
}
