// Package orchestrator implements MusicOrchestrator (spec §4.9): the owner
// of both DistributedQueues, the guild-player map, the DownloadCache, the
// MessageDispatcher, the FailureBackoffTracker, the HistoryRecorder, and
// every background loop. Grounded on the teacher's cmd/main.go wiring
// sequence (godotenv -> config -> db -> logging factory -> discordgo
// session -> command handlers -> health server -> signal-driven shutdown)
// and internal/commands/play.go's command-handling shape, generalized from
// one hardcoded YouTube pipeline to the full search/download/player
// pipeline spec §2 describes.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/latoulicious/guildmix/internal/backoff"
	"github.com/latoulicious/guildmix/internal/cache"
	"github.com/latoulicious/guildmix/internal/config"
	"github.com/latoulicious/guildmix/internal/dispatch"
	"github.com/latoulicious/guildmix/internal/download"
	"github.com/latoulicious/guildmix/internal/history"
	"github.com/latoulicious/guildmix/internal/logging"
	"github.com/latoulicious/guildmix/internal/model"
	"github.com/latoulicious/guildmix/internal/platform"
	"github.com/latoulicious/guildmix/internal/player"
	"github.com/latoulicious/guildmix/internal/progress"
	"github.com/latoulicious/guildmix/internal/queue"
	"github.com/latoulicious/guildmix/internal/search"
)

// Orchestrator is a MusicOrchestrator.
type Orchestrator struct {
	cfg        *config.Config
	collab     platform.Collaborator
	cache      *cache.Cache
	resolver   *search.Resolver
	musicSearch search.MusicSearchCatalog
	downloader *download.Downloader
	backoffTracker *backoff.Tracker
	dispatcher *dispatch.Dispatcher
	history    *history.Recorder
	loggers    logging.LoggerFactory
	ffmpegPath string

	searchQueue   *queue.DistributedQueue[*model.MediaRequest]
	downloadQueue *queue.DistributedQueue[*model.MediaRequest]
	historyCh     chan *model.MediaDownload

	mu         sync.Mutex
	players    map[string]*player.GuildPlayer
	bundles    map[string]*progress.Bundle
	heartbeats map[string]time.Time

	shuttingDown int32
	cron         *cron.Cron
}

// New wires an Orchestrator from its already-constructed collaborators.
func New(
	cfg *config.Config,
	collab platform.Collaborator,
	c *cache.Cache,
	resolver *search.Resolver,
	musicSearch search.MusicSearchCatalog,
	downloader *download.Downloader,
	rec *history.Recorder,
	loggers logging.LoggerFactory,
	ffmpegPath string,
) *Orchestrator {
	logger := loggers.CreateOrchestratorLogger("init")
	o := &Orchestrator{
		cfg:            cfg,
		collab:         collab,
		cache:          c,
		resolver:       resolver,
		musicSearch:    musicSearch,
		downloader:     downloader,
		backoffTracker: backoff.New(cfg.Backoff.BaseWait, cfg.Backoff.MaxSize, cfg.Backoff.MaxAge),
		dispatcher:     dispatch.New(cfg.Dispatch.StickyRecentWindow, loggers.CreateLogger("dispatch")),
		history:        rec,
		loggers:        loggers,
		ffmpegPath:     ffmpegPath,
		searchQueue: queue.New[*model.MediaRequest](
			cfg.Queue.SearchQueueCapacity, cfg.Queue.DefaultPriority, cfg.Queue.PriorityByGuild, loggers.CreateQueueLogger("search")),
		downloadQueue: queue.New[*model.MediaRequest](
			cfg.Queue.DownloadQueueCapacity, cfg.Queue.DefaultPriority, cfg.Queue.PriorityByGuild, loggers.CreateQueueLogger("download")),
		historyCh:  make(chan *model.MediaDownload, 64),
		players:    make(map[string]*player.GuildPlayer),
		bundles:    make(map[string]*progress.Bundle),
		heartbeats: make(map[string]time.Time),
	}
	logger.Info("orchestrator constructed", nil)
	return o
}

// Run starts every background loop (spec §4.9's loop table) and blocks
// until ctx is cancelled, at which point it sets shutting_down and waits
// for each loop to drain.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	loops := []struct {
		name string
		fn   func(context.Context)
	}{
		{"dispatch", o.dispatchLoop},
		{"search", o.searchLoop},
		{"download", o.downloadLoop},
		{"cleanup-players", o.cleanupPlayersLoop},
		{"cache-cleanup", o.cacheCleanupLoop},
		{"history-write", o.historyWriteLoop},
	}

	if o.cfg.CronEnabled {
		// CronSchedule defaults to a 6-field (seconds-included) expression,
		// so the parser needs WithSeconds rather than the 5-field default.
		o.cron = cron.New(cron.WithSeconds())
		if _, err := o.cron.AddFunc(o.cfg.CronSchedule, func() { o.runCacheCleanupSweep(ctx) }); err != nil {
			o.loggers.CreateOrchestratorLogger("cron").Warn("failed to schedule cache-cleanup cron", map[string]interface{}{"error": err.Error()})
		} else {
			o.cron.Start()
		}
	}

	for _, l := range loops {
		wg.Add(1)
		go func(name string, fn func(context.Context)) {
			defer wg.Done()
			fn(ctx)
		}(l.name, l.fn)
	}

	<-ctx.Done()
	atomic.StoreInt32(&o.shuttingDown, 1)
	if o.cron != nil {
		stopCtx := o.cron.Stop()
		<-stopCtx.Done()
	}
	wg.Wait()

	o.mu.Lock()
	players := make([]*player.GuildPlayer, 0, len(o.players))
	for _, p := range o.players {
		players = append(players, p)
	}
	o.mu.Unlock()
	for _, p := range players {
		p.Stop(context.Background())
	}
}

func (o *Orchestrator) isShuttingDown() bool {
	return atomic.LoadInt32(&o.shuttingDown) == 1
}

func (o *Orchestrator) heartbeat(loop string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.heartbeats[loop] = time.Now()
}

// Heartbeats returns a snapshot of every loop's last-iteration timestamp,
// consumed by the liveness HTTP surface.
func (o *Orchestrator) Heartbeats() map[string]time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]time.Time, len(o.heartbeats))
	for k, v := range o.heartbeats {
		out[k] = v
	}
	return out
}

func (o *Orchestrator) getPlayer(guildID string) (*player.GuildPlayer, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.players[guildID]
	return p, ok
}

func (o *Orchestrator) getOrCreatePlayer(guildID string) *player.GuildPlayer {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.players[guildID]; ok {
		return p
	}
	p := player.New(guildID, o.cfg.Player, o.collab, o.cache, o.dispatcher, historyQueueNotifier{o.historyCh}, o.ffmpegPath, o.loggers.CreatePlayerLogger(guildID))
	o.players[guildID] = p
	return p
}

func (o *Orchestrator) removePlayer(guildID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.players, guildID)
}

// historyQueueNotifier adapts a buffered channel to player.HistoryNotifier
// so GuildPlayer never blocks its playback loop on a slow history write
// (spec §4.9: "the HistoryRecorder owns the history-write queue").
type historyQueueNotifier struct {
	ch chan *model.MediaDownload
}

func (h historyQueueNotifier) RecordCompletion(dl *model.MediaDownload) {
	select {
	case h.ch <- dl:
	default:
		// History queue full: drop rather than block playback. A future
		// history entry loss is preferable to an audible stall.
	}
}

func (o *Orchestrator) registerBundle(b *progress.Bundle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bundles[b.ID.String()] = b
	o.dispatcher.Register(b.ID.String(), b.ChannelID, false)
}

// Render implements dispatch.BundleSource across both progress bundles and
// each player's "play-order-<guild>" bundle.
func (o *Orchestrator) Render(bundleID string) ([]string, bool) {
	o.mu.Lock()
	b, ok := o.bundles[bundleID]
	o.mu.Unlock()
	if ok {
		pages := b.Render()
		if finished := b.FinishedAt(); finished != nil && time.Since(*finished) > bundleGracePeriod {
			o.mu.Lock()
			delete(o.bundles, bundleID)
			o.mu.Unlock()
			return pages, false
		}
		return pages, true
	}

	for guildID, p := range o.snapshotPlayers() {
		if player.BundleID(guildID) == bundleID {
			return p.Render(), true
		}
	}
	return nil, false
}

func (o *Orchestrator) snapshotPlayers() map[string]*player.GuildPlayer {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]*player.GuildPlayer, len(o.players))
	for k, v := range o.players {
		out[k] = v
	}
	return out
}

// bundleGracePeriod is how long a finished ProgressBundle's final summary
// line stays visible before the dispatcher tears it down.
const bundleGracePeriod = 30 * time.Second

func (o *Orchestrator) logf(loop, msg string, err error) {
	l := o.loggers.CreateOrchestratorLogger(loop)
	if err != nil {
		l.Error(msg, err, nil)
	} else {
		l.Info(msg, nil)
	}
}
