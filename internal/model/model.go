// Package model holds the data types shared across the request pipeline:
// MediaRequest, MediaDownload, ProgressBundle row records and the
// lifecycle/search-type enums that tag them.
package model

import (
	"time"

	"github.com/google/uuid"
)

// SearchType classifies how a MediaRequest's raw_search string was produced
// and what resolution step (if any) it still needs.
type SearchType string

const (
	SearchStreamingTrack      SearchType = "streaming_track"
	SearchVideoURL            SearchType = "video_url"
	SearchVideoPlaylistMember SearchType = "video_playlist_member"
	SearchDirectURL           SearchType = "direct_url"
	SearchFreeText            SearchType = "free_text"
	SearchOther               SearchType = "other"
)

// RequiresSearch reports whether a request of this type must still pass
// through the search queue to obtain a canonical video URL.
func (t SearchType) RequiresSearch() bool {
	return t == SearchStreamingTrack || t == SearchFreeText
}

// LifecycleStage is a MediaRequest's position in the pipeline state machine:
// SEARCHING -> QUEUED -> BACKOFF -> IN_PROGRESS -> (COMPLETED|FAILED|DISCARDED).
type LifecycleStage string

const (
	StageSearching  LifecycleStage = "SEARCHING"
	StageQueued     LifecycleStage = "QUEUED"
	StageBackoff    LifecycleStage = "BACKOFF"
	StageInProgress LifecycleStage = "IN_PROGRESS"
	StageCompleted  LifecycleStage = "COMPLETED"
	StageFailed     LifecycleStage = "FAILED"
	StageDiscarded  LifecycleStage = "DISCARDED"
)

// Terminal reports whether the stage is one the row will never leave
// (ignoring the FAILED->QUEUED retry transition, which the caller decides
// independently of this enum).
func (s LifecycleStage) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageDiscarded
}

// MediaRequest is an immutable description of one user-intended track.
type MediaRequest struct {
	ID              uuid.UUID
	GuildID         string
	ChannelID       string
	RequesterID     string
	RequesterName   string
	RawSearch       string
	ResolvedSearch  string
	Type            SearchType
	BundleID        uuid.UUID
	HasBundle       bool
	RetryCount      int
	FromHistory     bool
	HistorySourceID uuid.UUID
}

// NewMediaRequest builds a MediaRequest with ResolvedSearch defaulted to
// RawSearch, per spec §3 ("equals raw_search until the search stage
// rewrites it").
func NewMediaRequest(guildID, channelID, requesterID, requesterName, rawSearch string, typ SearchType) *MediaRequest {
	return &MediaRequest{
		ID:             uuid.New(),
		GuildID:        guildID,
		ChannelID:      channelID,
		RequesterID:    requesterID,
		RequesterName:  requesterName,
		RawSearch:      rawSearch,
		ResolvedSearch: rawSearch,
		Type:           typ,
	}
}

// Metadata is the descriptive information attached to a realized download.
type Metadata struct {
	Title    string
	Uploader string
	Duration time.Duration
}

// MediaDownload is a realized, on-disk audio artifact.
type MediaDownload struct {
	Request     *MediaRequest
	URL         string
	SourcePath  string // content-addressed, shared across guilds
	PerUsePath  string // guild-scoped hard link/copy, safe to delete after use
	Metadata    Metadata
	CachedHit   bool
	CreatedAt   time.Time
}

// BundleRow is one line of a ProgressBundle: a MediaRequest's display state.
type BundleRow struct {
	RequestID    uuid.UUID
	Display      string
	Stage        LifecycleStage
	FailReason   string
	PageIndex    int
	RowInPage    int
	PositionSet  bool
}

// VideoCacheEntry is the persistent row for one cached download (spec §3).
type VideoCacheEntry struct {
	URL             string `gorm:"primaryKey"`
	SourcePath      string
	Title           string
	Uploader        string
	DurationSeconds int64
	CreatedAt       time.Time
	LastIteratedAt  time.Time
	MarkedForDelete bool
	BackupObjectKey string
	FailureKind     string
	FailureAt       *time.Time
}

// TableName pins the GORM table name for VideoCacheEntry.
func (VideoCacheEntry) TableName() string { return "video_cache" }

// Terminal reports whether this entry records a terminal failure sentinel.
func (e VideoCacheEntry) Terminal() bool { return e.FailureKind != "" }

// SearchStringEntry memoizes a normalized free-text query to a canonical URL.
type SearchStringEntry struct {
	QueryNormalized string `gorm:"primaryKey"`
	URL             string
	LastIteratedAt  time.Time
}

// TableName pins the GORM table name for SearchStringEntry.
func (SearchStringEntry) TableName() string { return "search_string" }

// PlaylistKind distinguishes user-created playlists from the append-only
// per-guild history playlist.
type PlaylistKind string

const (
	PlaylistUser    PlaylistKind = "user"
	PlaylistHistory PlaylistKind = "history"
)

// Playlist is a named, ordered collection of playlist items for a guild.
type Playlist struct {
	ID        uuid.UUID `gorm:"primaryKey"`
	GuildID   string
	Name      string
	Kind      PlaylistKind
	CreatedAt time.Time
	QueuedAt  *time.Time
}

// TableName pins the GORM table name for Playlist.
func (Playlist) TableName() string { return "playlist" }

// PlaylistItem is one track stored in a Playlist.
type PlaylistItem struct {
	ID         uuid.UUID `gorm:"primaryKey"`
	PlaylistID uuid.UUID `gorm:"index"`
	URL        string
	Title      string
	AddedAt    time.Time
}

// TableName pins the GORM table name for PlaylistItem.
func (PlaylistItem) TableName() string { return "playlist_item" }

// GuildAnalytics is the per-guild playback counter row maintained by the
// history recorder.
type GuildAnalytics struct {
	GuildID        string `gorm:"primaryKey"`
	TotalPlays      int64
	TotalDurationS  int64
	CachedPlays     int64
	UpdatedAt       time.Time
}

// TableName pins the GORM table name for GuildAnalytics.
func (GuildAnalytics) TableName() string { return "guild_analytics" }

// PlayerState is a GuildPlayer's position in its voice/playback state
// machine (spec §4.8).
type PlayerState string

const (
	PlayerIdle        PlayerState = "IDLE"
	PlayerJoining     PlayerState = "JOINING"
	PlayerPlaying     PlayerState = "PLAYING"
	PlayerPaused      PlayerState = "PAUSED"
	PlayerShuttingDown PlayerState = "SHUTTING_DOWN"
)

func (s PlayerState) String() string { return string(s) }
