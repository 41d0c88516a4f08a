// Package cache implements DownloadCache: a content-addressed file store
// keyed by canonical URL, backed by GORM/Postgres for metadata and a local
// directory for bytes, optionally mirrored to object storage and fronted by
// Redis for the search-string hot path. Grounded on the teacher's
// pkg/database/manager.go CacheEntry pattern (a generic prefixed-key
// metadata table backed by the same database).
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/latoulicious/guildmix/internal/logging"
	"github.com/latoulicious/guildmix/internal/model"
)

// ErrNotFound is returned by lookups that find no entry.
var ErrNotFound = errors.New("cache: entry not found")

// Cache is a DownloadCache.
type Cache struct {
	db     *gorm.DB
	logger logging.Logger

	localDir         string
	maxEntries       int
	maxSearchEntries int

	mu        sync.Mutex
	inTransit map[string]int // url -> outstanding per-use link count

	hot    HotLookup
	backup BackupStore
}

// HotLookup is the optional Redis-fronted search-string lookup the cache
// consults before Postgres, per SPEC_FULL.md's DOMAIN STACK.
type HotLookup interface {
	Get(ctx context.Context, query string) (string, bool, error)
	Set(ctx context.Context, query, url string) error
}

// BackupStore is the optional object-storage collaborator (spec §6).
type BackupStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
}

// New creates a Cache. hot and backup may be nil to disable those paths.
func New(db *gorm.DB, localDir string, maxEntries, maxSearchEntries int, hot HotLookup, backup BackupStore, logger logging.Logger) (*Cache, error) {
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{
		db:               db,
		logger:           logger,
		localDir:         localDir,
		maxEntries:       maxEntries,
		maxSearchEntries: maxSearchEntries,
		inTransit:        make(map[string]int),
		hot:              hot,
		backup:           backup,
	}, nil
}

// HashedFilename derives the content-addressed filename for a canonical URL.
func HashedFilename(url, ext string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:]) + ext
}

// Lookup returns the live (not marked-for-delete) entry for a URL, or
// ErrNotFound. A terminal-failure entry is returned as a sentinel (spec
// §4.3) so the caller can fail fast. LastIteratedAt is bumped on every hit.
func (c *Cache) Lookup(url string) (*model.VideoCacheEntry, error) {
	var entry model.VideoCacheEntry
	err := c.db.Where("url = ? AND marked_for_delete = ?", url, false).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache lookup failed: %w", err)
	}

	entry.LastIteratedAt = time.Now()
	if err := c.db.Model(&model.VideoCacheEntry{}).Where("url = ?", url).
		Update("last_iterated_at", entry.LastIteratedAt).Error; err != nil {
		c.logf("failed to bump last_iterated_at", err)
	}
	return &entry, nil
}

// Insert stores an entry, idempotent on URL: a second insert only updates
// LastIteratedAt (and metadata, if it changed).
func (c *Cache) Insert(url, sourcePath string, meta model.Metadata) error {
	now := time.Now()
	entry := model.VideoCacheEntry{
		URL:             url,
		SourcePath:      sourcePath,
		Title:           meta.Title,
		Uploader:        meta.Uploader,
		DurationSeconds: int64(meta.Duration.Seconds()),
		CreatedAt:       now,
		LastIteratedAt:  now,
	}

	return c.db.Transaction(func(tx *gorm.DB) error {
		var existing model.VideoCacheEntry
		err := tx.Where("url = ?", url).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&entry).Error
		case err != nil:
			return err
		default:
			return tx.Model(&existing).Updates(map[string]interface{}{
				"last_iterated_at": now,
				"title":            meta.Title,
				"uploader":         meta.Uploader,
				"duration_seconds": int64(meta.Duration.Seconds()),
			}).Error
		}
	})
}

// InsertTerminalFailure records a terminal-failure sentinel for a URL so
// future requests short-circuit without invoking the Downloader.
func (c *Cache) InsertTerminalFailure(url, failureKind string) error {
	now := time.Now()
	entry := model.VideoCacheEntry{
		URL:            url,
		CreatedAt:      now,
		LastIteratedAt: now,
		FailureKind:    failureKind,
		FailureAt:      &now,
	}
	return c.db.Transaction(func(tx *gorm.DB) error {
		var existing model.VideoCacheEntry
		err := tx.Where("url = ?", url).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&entry).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&existing).Updates(map[string]interface{}{
			"failure_kind":     failureKind,
			"failure_at":       now,
			"last_iterated_at": now,
		}).Error
	})
}

// LinkForUse produces a per-use path for the given cached source, hard
// linking (falling back to copy across filesystems) so the caller can
// freely delete it without affecting the shared source. Increments the
// in-transit reference count for the URL so mark_lru_for_delete/
// collect_deletable never reclaim it mid-use.
func (c *Cache) LinkForUse(url, sourcePath, guildScope string) (string, error) {
	c.mu.Lock()
	c.inTransit[url]++
	c.mu.Unlock()

	dir := filepath.Join(c.localDir, "..", "guilds", guildScope)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.ReleaseUse(url)
		return "", fmt.Errorf("failed to create guild scratch dir: %w", err)
	}

	dest := filepath.Join(dir, uuid.New().String()+filepath.Ext(sourcePath))
	if err := os.Link(sourcePath, dest); err != nil {
		// Cross-device or unsupported filesystem: fall back to copy.
		if copyErr := copyFile(sourcePath, dest); copyErr != nil {
			c.ReleaseUse(url)
			return "", fmt.Errorf("failed to create per-use link: %w", copyErr)
		}
	}

	return dest, nil
}

// ReleaseUse decrements the in-transit reference count for a URL. Callers
// invoke it once their per-use path is deleted.
func (c *Cache) ReleaseUse(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inTransit[url] > 0 {
		c.inTransit[url]--
	}
	if c.inTransit[url] == 0 {
		delete(c.inTransit, url)
	}
}

func (c *Cache) inTransitCount(url string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inTransit[url]
}

// SearchLookup resolves a normalized free-text query to a canonical URL,
// consulting the optional Redis hot path before Postgres.
func (c *Cache) SearchLookup(ctx context.Context, normalizedQuery string) (string, error) {
	if c.hot != nil {
		if url, ok, err := c.hot.Get(ctx, normalizedQuery); err == nil && ok {
			return url, nil
		}
	}

	var entry model.SearchStringEntry
	err := c.db.Where("query_normalized = ?", normalizedQuery).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("search lookup failed: %w", err)
	}

	entry.LastIteratedAt = time.Now()
	c.db.Model(&model.SearchStringEntry{}).Where("query_normalized = ?", normalizedQuery).
		Update("last_iterated_at", entry.LastIteratedAt)

	if c.hot != nil {
		_ = c.hot.Set(ctx, normalizedQuery, entry.URL)
	}
	return entry.URL, nil
}

// SearchInsert memoizes a query -> URL resolution. Idempotent under
// repetition: a second call only refreshes LastIteratedAt.
func (c *Cache) SearchInsert(ctx context.Context, normalizedQuery, url string) error {
	now := time.Now()
	entry := model.SearchStringEntry{QueryNormalized: normalizedQuery, URL: url, LastIteratedAt: now}

	err := c.db.Transaction(func(tx *gorm.DB) error {
		var existing model.SearchStringEntry
		err := tx.Where("query_normalized = ?", normalizedQuery).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&entry).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&existing).Updates(map[string]interface{}{
			"url":              url,
			"last_iterated_at": now,
		}).Error
	})
	if err != nil {
		return err
	}

	if c.hot != nil {
		_ = c.hot.Set(ctx, normalizedQuery, url)
	}
	return nil
}

// MarkLRUForDelete marks the least-recently-iterated excess entries for
// deletion if the total exceeds targetCount. Entries currently in the
// in-transit set are never marked.
func (c *Cache) MarkLRUForDelete(targetCount int) (int, error) {
	var total int64
	if err := c.db.Model(&model.VideoCacheEntry{}).Where("marked_for_delete = ?", false).Count(&total).Error; err != nil {
		return 0, err
	}
	excess := int(total) - targetCount
	if excess <= 0 {
		return 0, nil
	}

	var candidates []model.VideoCacheEntry
	if err := c.db.Where("marked_for_delete = ?", false).
		Order("last_iterated_at ASC").
		Limit(excess * 2). // overfetch; some may be skipped for being in-transit
		Find(&candidates).Error; err != nil {
		return 0, err
	}

	marked := 0
	for _, entry := range candidates {
		if marked >= excess {
			break
		}
		if c.inTransitCount(entry.URL) > 0 {
			continue
		}
		if err := c.db.Model(&model.VideoCacheEntry{}).Where("url = ?", entry.URL).
			Update("marked_for_delete", true).Error; err != nil {
			c.logf("failed to mark entry for delete", err)
			continue
		}
		marked++
	}
	return marked, nil
}

// CollectDeletable returns marked entries whose source paths are no longer
// in the in-transit set. The caller is responsible for deleting the files
// and rows (via DeleteEntry).
func (c *Cache) CollectDeletable() ([]model.VideoCacheEntry, error) {
	var marked []model.VideoCacheEntry
	if err := c.db.Where("marked_for_delete = ?", true).Find(&marked).Error; err != nil {
		return nil, err
	}

	out := make([]model.VideoCacheEntry, 0, len(marked))
	for _, entry := range marked {
		if c.inTransitCount(entry.URL) > 0 {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// DeleteEntry removes an entry's row and source file.
func (c *Cache) DeleteEntry(entry model.VideoCacheEntry) error {
	if entry.SourcePath != "" {
		if err := os.Remove(entry.SourcePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete cached source file: %w", err)
		}
	}
	return c.db.Where("url = ?", entry.URL).Delete(&model.VideoCacheEntry{}).Error
}

// BackupPending returns up to limit entries that have no backup_object_key
// yet, for the caller to upload via the BackupStore.
func (c *Cache) BackupPending(limit int) ([]model.VideoCacheEntry, error) {
	var entries []model.VideoCacheEntry
	err := c.db.Where("backup_object_key = ? AND marked_for_delete = ? AND source_path != ''", "", false).
		Order("created_at ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// RecordBackup uploads an entry's file to the backup store and records the
// resulting object key. A no-op (returns nil) if no BackupStore is
// configured.
func (c *Cache) RecordBackup(ctx context.Context, entry model.VideoCacheEntry) error {
	if c.backup == nil {
		return nil
	}
	data, err := os.ReadFile(entry.SourcePath)
	if err != nil {
		return fmt.Errorf("failed to read source for backup: %w", err)
	}
	key := HashedFilename(entry.URL, filepath.Ext(entry.SourcePath))
	if err := c.backup.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to upload backup: %w", err)
	}
	return c.db.Model(&model.VideoCacheEntry{}).Where("url = ?", entry.URL).
		Update("backup_object_key", key).Error
}

// RandomEntries returns up to n randomly chosen live (not marked-for-delete)
// entries, backing the "random-play cache" command surface (spec §6).
func (c *Cache) RandomEntries(n int) ([]model.VideoCacheEntry, error) {
	var entries []model.VideoCacheEntry
	err := c.db.Where("marked_for_delete = ? AND failure_kind = ?", false, "").
		Order("RANDOM()").
		Limit(n).
		Find(&entries).Error
	return entries, err
}

func (c *Cache) logf(msg string, err error) {
	if c.logger != nil {
		c.logger.Warn(msg, map[string]interface{}{"error": err.Error()})
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, 32*1024)
	for {
		n, readErr := in.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
		}
		if readErr != nil {
			if readErr.Error() == "EOF" {
				return nil
			}
			return readErr
		}
	}
}

// sortByLastIterated is a small helper kept for callers that need an
// in-memory LRU ordering without another query.
func sortByLastIterated(entries []model.VideoCacheEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastIteratedAt.Before(entries[j].LastIteratedAt)
	})
}
