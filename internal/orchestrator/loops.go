package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/latoulicious/guildmix/internal/cache"
	"github.com/latoulicious/guildmix/internal/dispatch"
	"github.com/latoulicious/guildmix/internal/download"
	"github.com/latoulicious/guildmix/internal/model"
)

const (
	dispatchTickInterval    = 200 * time.Millisecond
	cleanupPollInterval     = 15 * time.Second
	cacheBackupSweepInterval = time.Minute
	cacheBackupBatchSize    = 10
	drainCallTimeout        = 10 * time.Second
)

// dispatchLoop drives the MessageDispatcher's Tick (spec §4.7/§4.9). Each
// Tick runs against a background context, so a tick under way when ctx is
// cancelled is not cut short. The loop returns at the first ctx.Done() once
// shutting down is set; notifications enqueued after that, such as the
// "Disconnected from voice." messages from the players Run stops after every
// loop has exited, are not sent.
func (o *Orchestrator) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(dispatchTickInterval)
	defer ticker.Stop()
	for {
		if err := o.dispatcher.Tick(context.Background(), o.collab, o); err != nil && !errors.Is(err, dispatch.ErrYield) {
			o.logf("dispatch", "tick failed", err)
		}
		o.heartbeat("dispatch")

		select {
		case <-ctx.Done():
			if o.isShuttingDown() {
				return
			}
		case <-ticker.C:
		}
	}
}

// searchLoop drains the search queue, resolving free-text/streaming-track
// requests to a canonical URL before handing them to the download queue
// (spec §4.9's search loop row).
func (o *Orchestrator) searchLoop(ctx context.Context) {
	for {
		req, err := o.searchQueue.Get(ctx)
		if err != nil {
			o.drainSearchQueue()
			return
		}
		o.heartbeat("search")
		o.processSearchRequest(ctx, req)
	}
}

func (o *Orchestrator) drainSearchQueue() {
	o.searchQueue.Close()
	for {
		req, err := o.searchQueue.Get(context.Background())
		if err != nil {
			return
		}
		drainCtx, cancel := context.WithTimeout(context.Background(), drainCallTimeout)
		o.processSearchRequest(drainCtx, req)
		cancel()
	}
}

func (o *Orchestrator) processSearchRequest(ctx context.Context, req *model.MediaRequest) {
	normalized := normalizeQuery(req.ResolvedSearch)

	if url, err := o.cache.SearchLookup(ctx, normalized); err == nil {
		req.ResolvedSearch = url
		o.forwardToDownload(req)
		return
	} else if !errors.Is(err, cache.ErrNotFound) {
		o.logf("search", "search-string lookup failed", err)
	}

	if o.musicSearch == nil {
		o.updateBundleRow(req, model.StageFailed, "no search catalog configured")
		return
	}

	// The resolved title isn't stored here; the download step's own
	// Metadata becomes the track's display title.
	canonicalURL, _, err := o.musicSearch.Resolve(ctx, req.ResolvedSearch)
	if err != nil {
		o.updateBundleRow(req, model.StageFailed, "search failed: "+err.Error())
		return
	}

	if err := o.cache.SearchInsert(ctx, normalized, canonicalURL); err != nil {
		o.logf("search", "failed to memoize search-string resolution", err)
	}
	req.ResolvedSearch = canonicalURL
	o.forwardToDownload(req)
}

func (o *Orchestrator) forwardToDownload(req *model.MediaRequest) {
	if err := o.downloadQueue.Put(req.GuildID, req); err != nil {
		o.updateBundleRow(req, model.StageFailed, "download queue full")
		return
	}
	o.updateBundleRow(req, model.StageQueued, "")
}

// downloadLoop drains the download queue, consulting the cache before
// shelling out to the Downloader, and routes the realized MediaDownload (or
// failure) per spec §4.9's download loop row / §7's error taxonomy.
func (o *Orchestrator) downloadLoop(ctx context.Context) {
	for {
		req, err := o.downloadQueue.Get(ctx)
		if err != nil {
			o.drainDownloadQueue()
			return
		}
		o.heartbeat("download")
		o.processDownloadRequest(ctx, req)
	}
}

func (o *Orchestrator) drainDownloadQueue() {
	o.downloadQueue.Close()
	for {
		req, err := o.downloadQueue.Get(context.Background())
		if err != nil {
			return
		}
		drainCtx, cancel := context.WithTimeout(context.Background(), drainCallTimeout)
		o.processDownloadRequest(drainCtx, req)
		cancel()
	}
}

func (o *Orchestrator) processDownloadRequest(ctx context.Context, req *model.MediaRequest) {
	url := req.ResolvedSearch
	o.updateBundleRow(req, model.StageInProgress, "")

	if entry, err := o.cache.Lookup(url); err == nil {
		if entry.Terminal() {
			o.updateBundleRow(req, model.StageFailed, "known bad: "+entry.FailureKind)
			return
		}
		perUse, err := o.cache.LinkForUse(url, entry.SourcePath, req.GuildID)
		if err != nil {
			o.updateBundleRow(req, model.StageFailed, "cache link failed: "+err.Error())
			return
		}
		dl := &model.MediaDownload{
			Request:    req,
			URL:        url,
			SourcePath: entry.SourcePath,
			PerUsePath: perUse,
			Metadata: model.Metadata{
				Title:    entry.Title,
				Uploader: entry.Uploader,
				Duration: time.Duration(entry.DurationSeconds) * time.Second,
			},
			CachedHit: true,
			CreatedAt: time.Now(),
		}
		o.deliverDownload(req, dl)
		return
	} else if !errors.Is(err, cache.ErrNotFound) {
		o.logf("download", "cache lookup failed", err)
	}

	wait := o.backoffTracker.Wait()
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
	}

	dl, err := o.downloader.Download(ctx, req, url)
	if err != nil {
		o.handleDownloadFailure(req, url, err)
		return
	}
	o.backoffTracker.RecordSuccess()

	if err := o.cache.Insert(url, dl.SourcePath, dl.Metadata); err != nil {
		o.logf("download", "failed to insert cache entry", err)
	}
	perUse, err := o.cache.LinkForUse(url, dl.SourcePath, req.GuildID)
	if err != nil {
		o.updateBundleRow(req, model.StageFailed, "cache link failed: "+err.Error())
		return
	}
	dl.PerUsePath = perUse
	o.deliverDownload(req, dl)
}

func (o *Orchestrator) handleDownloadFailure(req *model.MediaRequest, url string, err error) {
	var terminal *download.TerminalError
	if errors.As(err, &terminal) {
		if insertErr := o.cache.InsertTerminalFailure(url, terminal.Kind); insertErr != nil {
			o.logf("download", "failed to record terminal failure", insertErr)
		}
		o.updateBundleRow(req, model.StageFailed, terminal.Error())
		return
	}

	o.backoffTracker.RecordFailure()
	if download.ShouldRetry(err, req.RetryCount, o.cfg.Downloader.DownloadRetries) {
		req.RetryCount++
		o.updateBundleRow(req, model.StageBackoff, "")
		if putErr := o.downloadQueue.Put(req.GuildID, req); putErr != nil {
			o.updateBundleRow(req, model.StageFailed, "download queue full on retry")
		}
		return
	}
	o.updateBundleRow(req, model.StageFailed, "retry budget exhausted: "+err.Error())
}

func (o *Orchestrator) deliverDownload(req *model.MediaRequest, dl *model.MediaDownload) {
	p, ok := o.getPlayer(req.GuildID)
	if !ok {
		o.updateBundleRow(req, model.StageDiscarded, "player no longer active")
		o.cache.ReleaseUse(dl.URL)
		return
	}
	if err := p.Enqueue(dl); err != nil {
		o.updateBundleRow(req, model.StageFailed, err.Error())
		o.cache.ReleaseUse(dl.URL)
		return
	}
	o.updateBundleRow(req, model.StageCompleted, "")
}

func (o *Orchestrator) updateBundleRow(req *model.MediaRequest, stage model.LifecycleStage, reason string) {
	if !req.HasBundle {
		return
	}
	bundleID := req.BundleID.String()
	o.mu.Lock()
	b, ok := o.bundles[bundleID]
	o.mu.Unlock()
	if !ok {
		return
	}
	if err := b.Update(req.ID, stage, reason); err != nil {
		o.logf("bundle", "failed to update bundle row", err)
	}
	if b.AllCounted() {
		// Touch again once the grace period has passed so Render reports the
		// finished bundle gone and the dispatcher removes its messages.
		time.AfterFunc(bundleGracePeriod+time.Second, func() { o.dispatcher.Touch(bundleID) })
	}
	o.dispatcher.Touch(bundleID)
}

// cleanupPlayersLoop periodically polls every live GuildPlayer for the
// empty-channel timeout (spec §4.8), dropping it from the registry once
// CheckEmptyChannelTimeout has torn it down.
func (o *Orchestrator) cleanupPlayersLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		o.heartbeat("cleanup-players")
		for guildID, p := range o.snapshotPlayers() {
			if p.CheckEmptyChannelTimeout(ctx) {
				o.removePlayer(guildID)
			}
		}
	}
}

// cacheCleanupLoop is the cooperative counterpart to the cron-triggered
// runCacheCleanupSweep: it continuously uploads backup-pending entries
// while the cron job owns the mark-for-delete/collect/delete sweep
// cadence, per SPEC_FULL.md's division of labor for the cache-cleanup loop.
func (o *Orchestrator) cacheCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cacheBackupSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		o.heartbeat("cache-cleanup")
		o.runBackupSweep(ctx)

		if !o.cfg.CronEnabled {
			// No cron scheduled: this loop also owns the mark/collect/delete
			// sweep so cache cleanup still happens without robfig/cron wired.
			o.runCacheCleanupSweep(ctx)
		}
	}
}

func (o *Orchestrator) runBackupSweep(ctx context.Context) {
	pending, err := o.cache.BackupPending(cacheBackupBatchSize)
	if err != nil {
		o.logf("cache-cleanup", "failed to list backup-pending entries", err)
		return
	}
	for _, entry := range pending {
		if err := o.cache.RecordBackup(ctx, entry); err != nil {
			o.logf("cache-cleanup", "failed to back up cache entry", err)
		}
	}
}

// runCacheCleanupSweep is the cron callback (and cron-disabled fallback):
// mark_lru_for_delete, collect_deletable, delete, per spec §4.3.
func (o *Orchestrator) runCacheCleanupSweep(ctx context.Context) {
	marked, err := o.cache.MarkLRUForDelete(o.cfg.Cache.MaxEntries)
	if err != nil {
		o.logf("cache-cleanup", "mark-lru-for-delete failed", err)
		return
	}
	if marked > 0 {
		o.logf("cache-cleanup", "marked entries for delete", nil)
	}

	deletable, err := o.cache.CollectDeletable()
	if err != nil {
		o.logf("cache-cleanup", "collect-deletable failed", err)
		return
	}
	for _, entry := range deletable {
		if err := o.cache.DeleteEntry(entry); err != nil {
			o.logf("cache-cleanup", "failed to delete cache entry", err)
		}
	}
}

// historyWriteLoop drains completed-playback notifications and records
// them via the HistoryRecorder (spec §4.9/§4.10). On shutdown it performs
// one final non-blocking drain so completions already queued aren't lost,
// but does not wait for new ones: GuildPlayers may still be mid-playback
// after this loop exits (Run stops them only after every loop has drained).
func (o *Orchestrator) historyWriteLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			o.drainHistoryChannel()
			return
		case dl := <-o.historyCh:
			o.heartbeat("history-write")
			o.history.RecordCompletion(dl)
		}
	}
}

func (o *Orchestrator) drainHistoryChannel() {
	for {
		select {
		case dl := <-o.historyCh:
			o.history.RecordCompletion(dl)
		default:
			return
		}
	}
}

func normalizeQuery(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
