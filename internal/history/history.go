// Package history implements HistoryRecorder (spec §4.10): a background
// consumer that turns finished playbacks into per-guild analytics counters
// and a bounded, append-only history playlist. Grounded on the teacher's
// GORM upsert style (pkg/database/manager.go's CacheEntry pattern, already
// reused by internal/cache) applied to model.GuildAnalytics/model.Playlist/
// model.PlaylistItem.
package history

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/latoulicious/guildmix/internal/logging"
	"github.com/latoulicious/guildmix/internal/model"
)

// ErrHistoryImmutable is returned by RemoveItem for a kind=history playlist
// per DESIGN.md's Open-Question decision: history is append-only.
var ErrHistoryImmutable = errors.New("history playlist items cannot be removed")

// Recorder is a HistoryRecorder.
type Recorder struct {
	db       *gorm.DB
	logger   logging.Logger
	maxItems int
}

// New creates a Recorder backed by db, bounding each guild's history
// playlist to maxItems entries.
func New(db *gorm.DB, maxItems int, logger logging.Logger) *Recorder {
	return &Recorder{db: db, maxItems: maxItems, logger: logger}
}

// RecordCompletion is called by a GuildPlayer when a track finishes
// (spec §4.8's "push a record onto the HistoryRecorder queue" — the
// orchestrator's history-write loop drains a channel and calls this
// synchronously per item, so the blocking DB write happens off the
// cooperative scheduler's hot path per spec §5's worker-pool dispatch).
func (r *Recorder) RecordCompletion(dl *model.MediaDownload) {
	if err := r.recordAnalytics(dl); err != nil {
		r.logf("failed to record guild analytics", err)
	}
	if err := r.appendToHistoryPlaylist(dl); err != nil {
		r.logf("failed to append history playlist item", err)
	}
}

func (r *Recorder) recordAnalytics(dl *model.MediaDownload) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var row model.GuildAnalytics
		err := tx.Where("guild_id = ?", dl.Request.GuildID).First(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = model.GuildAnalytics{
				GuildID:        dl.Request.GuildID,
				TotalPlays:     1,
				TotalDurationS: int64(dl.Metadata.Duration.Seconds()),
				UpdatedAt:      time.Now(),
			}
			if dl.CachedHit {
				row.CachedPlays = 1
			}
			return tx.Create(&row).Error
		case err != nil:
			return err
		default:
			updates := map[string]interface{}{
				"total_plays":      row.TotalPlays + 1,
				"total_duration_s": row.TotalDurationS + int64(dl.Metadata.Duration.Seconds()),
				"updated_at":       time.Now(),
			}
			if dl.CachedHit {
				updates["cached_plays"] = row.CachedPlays + 1
			}
			return tx.Model(&row).Updates(updates).Error
		}
	})
}

func (r *Recorder) appendToHistoryPlaylist(dl *model.MediaDownload) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		playlist, err := r.ensureHistoryPlaylistLocked(tx, dl.Request.GuildID)
		if err != nil {
			return err
		}

		item := model.PlaylistItem{
			ID:         uuid.New(),
			PlaylistID: playlist.ID,
			URL:        dl.URL,
			Title:      dl.Metadata.Title,
			AddedAt:    time.Now(),
		}
		if err := tx.Create(&item).Error; err != nil {
			return err
		}

		return r.evictOldestBeyondBoundLocked(tx, playlist.ID)
	})
}

func (r *Recorder) ensureHistoryPlaylistLocked(tx *gorm.DB, guildID string) (model.Playlist, error) {
	var playlist model.Playlist
	err := tx.Where("guild_id = ? AND kind = ?", guildID, model.PlaylistHistory).First(&playlist).Error
	if err == nil {
		return playlist, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Playlist{}, err
	}

	playlist = model.Playlist{
		ID:        uuid.New(),
		GuildID:   guildID,
		Name:      "history",
		Kind:      model.PlaylistHistory,
		CreatedAt: time.Now(),
	}
	if err := tx.Create(&playlist).Error; err != nil {
		return model.Playlist{}, err
	}
	return playlist, nil
}

func (r *Recorder) evictOldestBeyondBoundLocked(tx *gorm.DB, playlistID uuid.UUID) error {
	if r.maxItems <= 0 {
		return nil
	}
	var count int64
	if err := tx.Model(&model.PlaylistItem{}).Where("playlist_id = ?", playlistID).Count(&count).Error; err != nil {
		return err
	}
	excess := evictionCount(int(count), r.maxItems)
	if excess <= 0 {
		return nil
	}

	var stale []model.PlaylistItem
	if err := tx.Where("playlist_id = ?", playlistID).Order("added_at ASC").Limit(excess).Find(&stale).Error; err != nil {
		return err
	}
	for _, item := range stale {
		if err := tx.Delete(&item).Error; err != nil {
			return err
		}
	}
	return nil
}

// RemoveItem deletes one playlist item by id, unless the owning playlist is
// the append-only history playlist (spec §9 OQ3, decided in DESIGN.md).
func (r *Recorder) RemoveItem(itemID uuid.UUID) error {
	var item model.PlaylistItem
	if err := r.db.First(&item, "id = ?", itemID).Error; err != nil {
		return err
	}
	var playlist model.Playlist
	if err := r.db.First(&playlist, "id = ?", item.PlaylistID).Error; err != nil {
		return err
	}
	if playlist.Kind == model.PlaylistHistory {
		return ErrHistoryImmutable
	}
	return r.db.Delete(&item).Error
}

// RandomItems returns up to n randomly chosen items from a guild's history
// playlist, backing the "random-play" command surface (spec §6).
func (r *Recorder) RandomItems(guildID string, n int) ([]model.PlaylistItem, error) {
	var playlist model.Playlist
	err := r.db.Where("guild_id = ? AND kind = ?", guildID, model.PlaylistHistory).First(&playlist).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var items []model.PlaylistItem
	err = r.db.Where("playlist_id = ?", playlist.ID).Order("RANDOM()").Limit(n).Find(&items).Error
	return items, err
}

// evictionCount is the number of oldest items to delete so that count no
// longer exceeds maxItems. A non-positive maxItems disables the bound.
func evictionCount(count, maxItems int) int {
	if maxItems <= 0 {
		return 0
	}
	excess := count - maxItems
	if excess < 0 {
		return 0
	}
	return excess
}

func (r *Recorder) logf(msg string, err error) {
	if r.logger != nil {
		r.logger.Warn(msg, map[string]interface{}{"error": err.Error()})
	}
}
