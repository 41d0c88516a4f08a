// Command guildmix is the service entrypoint: it wires every collaborator
// (config, store, logging, Discord session, cache, search, download,
// history, orchestrator), starts the background loops, serves a Gin
// liveness surface, and shuts down on SIGINT/SIGTERM. Grounded on the
// teacher's cmd/main.go initialization sequence (godotenv -> config -> db
// -> logging factory -> discordgo session -> command handlers -> health
// server -> signal-driven shutdown).
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/latoulicious/guildmix/internal/backingstore"
	"github.com/latoulicious/guildmix/internal/cache"
	"github.com/latoulicious/guildmix/internal/config"
	"github.com/latoulicious/guildmix/internal/download"
	"github.com/latoulicious/guildmix/internal/history"
	"github.com/latoulicious/guildmix/internal/logging"
	"github.com/latoulicious/guildmix/internal/orchestrator"
	"github.com/latoulicious/guildmix/internal/platform"
	"github.com/latoulicious/guildmix/internal/search"
	"github.com/latoulicious/guildmix/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("guildmix: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying database handle: %w", err)
	}
	defer sqlDB.Close()

	if err := store.Migrate(db); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	loggers := setupLogging(db)
	systemLogger := loggers.CreateLogger("system")

	bgCtx := context.Background()

	var hot cache.HotLookup
	if cfg.Cache.RedisEnabled {
		redisLookup, err := backingstore.NewRedisHotLookup(bgCtx, cfg.Cache.RedisAddr)
		if err != nil {
			systemLogger.Warn("redis hot lookup unavailable, falling back to Postgres-only search cache", map[string]interface{}{"error": err.Error()})
		} else {
			hot = redisLookup
		}
	}

	var backup cache.BackupStore
	if cfg.Cache.BackupBucket != "" {
		s3Store, err := backingstore.NewS3BackupStore(bgCtx, cfg.Cache.BackupBucket)
		if err != nil {
			systemLogger.Warn("s3 backup store unavailable, cache entries won't be mirrored", map[string]interface{}{"error": err.Error()})
		} else {
			backup = s3Store
		}
	}

	mediaCache, err := cache.New(db, cfg.Cache.LocalDirectory, cfg.Cache.MaxEntries, cfg.Cache.MaxSearchEntries, hot, backup, loggers.CreateLogger("cache"))
	if err != nil {
		return fmt.Errorf("failed to initialize download cache: %w", err)
	}

	// StreamingCatalog/PlaylistCatalog/MusicSearchCatalog are left
	// unconfigured: nothing in the pack demonstrates a Spotify/Apple
	// Music/SoundCloud or YouTube-playlist client. A nil catalog reads as
	// "not configured" rather than panicking: search.Classify rejects URLs
	// that need one, so the play command fails with that error, and the
	// orchestrator marks free-text rows FAILED without a MusicSearchCatalog.
	resolver := search.New(nil, nil)

	downloader := download.New(cfg.Downloader, cfg.Cache.LocalDirectory, loggers.CreateLogger("download"))
	recorder := history.New(db, cfg.History.HistoryPlaylistMaxItems, loggers.CreateLogger("history"))

	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return fmt.Errorf("failed to create discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsGuildVoiceStates | discordgo.IntentsMessageContent
	collab := platform.NewDiscordCollaborator(dg)

	orch := orchestrator.New(cfg, collab, mediaCache, resolver, nil, downloader, recorder, loggers, "ffmpeg")

	adapter := &commandAdapter{orch: orch, logger: loggers.CreateLogger("command-adapter")}
	dg.AddHandler(adapter.handleMessageCreate)

	if err := dg.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	defer dg.Close()

	runCtx, cancelRun := context.WithCancel(context.Background())
	orchestratorDone := make(chan struct{})
	go func() {
		defer close(orchestratorDone)
		orch.Run(runCtx)
	}()

	healthServer := startHealthServer(cfg.HealthAddr, orch)

	systemLogger.Info("guildmix is running", map[string]interface{}{"health_addr": cfg.HealthAddr})

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
	<-sc

	systemLogger.Info("shutting down", nil)
	cancelRun()
	<-orchestratorDone

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		systemLogger.Warn("health server shutdown error", map[string]interface{}{"error": err.Error()})
	}

	systemLogger.Info("shutdown complete", nil)
	return nil
}

// setupLogging wires the zap-backed factory and, once the database is
// available, decorates it with the persisting DatabaseLoggerFactory, the
// same two-stage sequence the teacher's initializeCentralizedLogging uses.
func setupLogging(db *gorm.DB) logging.LoggerFactory {
	repo := store.NewGormLogRepository(db)
	factory := logging.NewDatabaseLoggerFactory(repo)
	logging.SetGlobalLoggerFactory(factory)
	return factory
}

// startHealthServer serves a Gin liveness surface exposing each background
// loop's last heartbeat (spec §4.9), mirroring the teacher's net/http
// health server but built on the pack's more common Gin surface.
func startHealthServer(addr string, orch *orchestrator.Orchestrator) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		heartbeats := orch.Heartbeats()
		stale := staleLoops(heartbeats, 30*time.Second)
		status := http.StatusOK
		if len(stale) > 0 {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status":     statusString(len(stale) == 0),
			"heartbeats": heartbeats,
			"stale":      stale,
		})
	})

	server := &http.Server{Addr: addr, Handler: router}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("health server error: %v", err)
		}
	}()
	return server
}

func statusString(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "degraded"
}

func staleLoops(heartbeats map[string]time.Time, max time.Duration) []string {
	var stale []string
	for loop, at := range heartbeats {
		if time.Since(at) > max {
			stale = append(stale, loop)
		}
	}
	return stale
}
