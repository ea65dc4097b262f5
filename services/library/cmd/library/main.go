package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"perpustakaan/internal/ratelimit"
	"perpustakaan/internal/util"
	"perpustakaan/pkg/lock"
	"perpustakaan/pkg/pageset"
	"perpustakaan/pkg/pdfinfo"
	"perpustakaan/pkg/queue"
	"perpustakaan/pkg/storage"
	"perpustakaan/pkg/store"
	"perpustakaan/services/library/internal/app"
	"perpustakaan/services/library/internal/config"
	"perpustakaan/services/library/internal/server"
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
	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
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

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal("invalid trustedProxyCidrs", "err", err)
	}

	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	var (
		meta     store.Store
		database server.Pinger
	)
	if cfg.DatabaseURL != "" {
		gs, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			util.Fatal("failed to open database", "err", err)
		}
		closers = append(closers, gs)
		meta = gs
		database = gs
	} else {
		logger.Warn("databaseURL empty, using in-memory store")
		meta = store.NewMemoryStore()
	}

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

	var (
		redisClient  *redis.Client
		revoker      store.TokenRevoker = store.NewMemoryTokenRevoker()
		locker       pageset.Locker
		renderQueue  app.RenderQueue
		loginLimiter *ratelimit.FixedWindowLimiter
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, redisClient)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(ctx).Err()
		cancel()
		if err != nil {
			util.Fatal("failed to reach redis", "addr", cfg.RedisAddr, "err", err)
		}
		revoker = store.NewRedisTokenRevoker(redisClient)
		rl, err := lock.NewRedisLocker(redisClient, lock.Options{Prefix: "perpustakaan:lock"})
		if err != nil {
			util.Fatal("failed to init render lock", "err", err)
		}
		locker = rl
		q, err := queue.NewRedisJobQueue(redisClient, queue.RedisQueueConfig{
			Stream: cfg.RenderQueueStream,
			Logger: logger,
		})
		if err != nil {
			util.Fatal("failed to init render queue", "err", err)
		}
		renderQueue = q
		if cfg.LoginRateLimitPerMinute > 0 {
			loginLimiter, err = ratelimit.NewFixedWindowLimiter(redisClient, "perpustakaan:ratelimit:login", cfg.LoginRateLimitPerMinute, time.Minute)
			if err != nil {
				util.Fatal("failed to init login rate limiter", "err", err)
			}
		}
	} else {
		logger.Warn("redisAddr empty: sessions revoke in-process only, renders run on first view, login is not rate limited")
	}

	sessions, err := store.NewJWTSessionStore(cfg.SessionSecret, sessionTTL, revoker, store.JWTOptions{})
	if err != nil {
		util.Fatal("failed to init sessions", "err", err)
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
		Store:             meta,
		Sessions:          sessions,
		Objects:           objects,
		Pages:             pages,
		Queue:             renderQueue,
		AllowedExtensions: cfg.AllowedExtensions,
		Logger:            logger,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}
	if _, err := appCore.EnsureBootstrapAdmin(context.Background(), cfg.AdminUsername, cfg.AdminPassword); err != nil {
		util.Fatal("failed to bootstrap admin account", "err", err)
	}

	httpServer, err := server.New(server.Config{
		App:                appCore,
		LoginLimiter:       loginLimiter,
		Database:           database,
		TrustedProxies:     trusted,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		MaxUploadBytes:     cfg.MaxUploadBytes,
		SessionTTL:         sessionTTL,
		CookieSecure:       cfg.CookieSecure,
		Logger:             logger,
		AccessLogger:       accessLogger,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := cfg.Addr()
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		// A first flipbook view renders the whole document before responding.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("library server listening", "addr", addr, "storage", cfg.StorageBackend, "render_format", string(format))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
