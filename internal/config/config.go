// Package config loads and validates the service's typed configuration from
// environment variables, following the teacher's godotenv+os.Getenv pattern
// extended with the component-grouped settings spec §6 enumerates.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// QueueConfig groups DistributedQueue settings.
type QueueConfig struct {
	PerPartitionCapacity       int
	DownloadQueueCapacity      int
	SearchQueueCapacity        int
	PriorityByGuild            map[string]int
	DefaultPriority            int
}

// BackoffConfig groups FailureBackoffTracker settings.
type BackoffConfig struct {
	BaseWait time.Duration
	MaxSize  int
	MaxAge   time.Duration
}

// CacheConfig groups DownloadCache settings.
type CacheConfig struct {
	Enabled          bool
	LocalDirectory   string
	MaxEntries       int
	MaxSearchEntries int
	BackupBucket     string
	RedisAddr        string
	RedisEnabled     bool
}

// DownloaderConfig groups Downloader settings.
type DownloaderConfig struct {
	MaxDurationSeconds   int
	EnablePostProcessing bool
	DownloadRetries      int
	CallTimeout          time.Duration
	ExtractorOptions     map[string]string
}

// PlayerConfig groups GuildPlayer settings.
type PlayerConfig struct {
	QueueMaxSize         int
	HistoryMaxSize       int
	EmptyChannelTimeout  time.Duration
	MaxSongLengthSeconds int
}

// BundleConfig groups ProgressBundle settings.
type BundleConfig struct {
	PageCharLimit int
}

// DispatchConfig groups MessageDispatcher settings.
type DispatchConfig struct {
	StickyRecentWindow int
}

// HistoryConfig groups HistoryRecorder settings.
type HistoryConfig struct {
	HistoryPlaylistMaxItems int
}

// Config is the fully validated, typed configuration for the service.
type Config struct {
	DiscordToken string
	OwnerID      string
	DatabaseURL  string

	CronEnabled  bool
	CronSchedule string

	HealthAddr string

	Queue      QueueConfig
	Backoff    BackoffConfig
	Cache      CacheConfig
	Downloader DownloaderConfig
	Player     PlayerConfig
	Bundle     BundleConfig
	Dispatch   DispatchConfig
	History    HistoryConfig
}

var (
	// ErrDiscordTokenNotSet is returned when DISCORD_TOKEN is missing.
	ErrDiscordTokenNotSet = fmt.Errorf("DISCORD_TOKEN is not set")
	// ErrOwnerIDNotSet is returned when BOT_OWNER_ID is missing.
	ErrOwnerIDNotSet = fmt.Errorf("BOT_OWNER_ID is not set")
	// ErrDatabaseURLNotSet is returned when DATABASE_URL is missing.
	ErrDatabaseURLNotSet = fmt.Errorf("DATABASE_URL is not set")
)

// Load reads environment variables (optionally loaded from a .env file) and
// builds a validated Config. Missing required settings return an error so
// the caller can exit non-zero before any loop starts (spec §6 exit
// semantics).
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// A missing .env file is expected in production deployments; only
		// log-worthy, never fatal. The caller's logger isn't wired yet at
		// this point, so this is intentionally silent.
		_ = err
	}

	discordToken := os.Getenv("DISCORD_TOKEN")
	if discordToken == "" {
		return nil, ErrDiscordTokenNotSet
	}

	ownerID := os.Getenv("BOT_OWNER_ID")
	if ownerID == "" {
		return nil, ErrOwnerIDNotSet
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, ErrDatabaseURLNotSet
	}

	cfg := &Config{
		DiscordToken: discordToken,
		OwnerID:      ownerID,
		DatabaseURL:  databaseURL,
		CronEnabled:  envBool("CRON_ENABLED", true),
		CronSchedule: envString("CRON_SCHEDULE", "0 */15 * * * *"),
		HealthAddr:   envString("HEALTH_ADDR", ":8080"),
		Queue: QueueConfig{
			PerPartitionCapacity:  envInt("QUEUE_PER_PARTITION_CAPACITY", 50),
			DownloadQueueCapacity: envInt("DOWNLOAD_QUEUE_CAPACITY", 50),
			SearchQueueCapacity:   envInt("SEARCH_QUEUE_CAPACITY", 500),
			PriorityByGuild:       envPriorityMap("QUEUE_GUILD_PRIORITIES"),
			DefaultPriority:       envInt("QUEUE_DEFAULT_PRIORITY", 1),
		},
		Backoff: BackoffConfig{
			BaseWait: envSeconds("BACKOFF_BASE_WAIT_S", 30),
			MaxSize:  envInt("BACKOFF_MAX_SIZE", 100),
			MaxAge:   envSeconds("BACKOFF_MAX_AGE_S", 300),
		},
		Cache: CacheConfig{
			Enabled:          envBool("CACHE_ENABLED", true),
			LocalDirectory:   envString("CACHE_LOCAL_DIRECTORY", "./data/cache"),
			MaxEntries:       envInt("CACHE_MAX_ENTRIES", 5000),
			MaxSearchEntries: envInt("CACHE_MAX_SEARCH_ENTRIES", 5000),
			BackupBucket:     envString("CACHE_BACKUP_BUCKET", ""),
			RedisAddr:        envString("CACHE_REDIS_ADDR", ""),
			RedisEnabled:     envString("CACHE_REDIS_ADDR", "") != "",
		},
		Downloader: DownloaderConfig{
			MaxDurationSeconds:   envInt("DOWNLOAD_MAX_DURATION_S", 3600),
			EnablePostProcessing: envBool("DOWNLOAD_ENABLE_POST_PROCESSING", false),
			DownloadRetries:      envInt("DOWNLOAD_RETRIES", 3),
			CallTimeout:          envSeconds("DOWNLOAD_CALL_TIMEOUT_S", 60),
			ExtractorOptions:     loadExtractorOptions(envString("EXTRACTOR_OPTIONS_FILE", "")),
		},
		Player: PlayerConfig{
			QueueMaxSize:         envInt("PLAYER_QUEUE_MAX_SIZE", 100),
			HistoryMaxSize:       envInt("PLAYER_HISTORY_MAX_SIZE", 50),
			EmptyChannelTimeout:  envSeconds("PLAYER_EMPTY_CHANNEL_TIMEOUT_S", 300),
			MaxSongLengthSeconds: envInt("PLAYER_MAX_SONG_LENGTH_S", 7200),
		},
		Bundle: BundleConfig{
			PageCharLimit: envInt("BUNDLE_PAGE_CHAR_LIMIT", 2000),
		},
		Dispatch: DispatchConfig{
			StickyRecentWindow: envInt("DISPATCH_STICKY_RECENT_WINDOW", 5),
		},
		History: HistoryConfig{
			HistoryPlaylistMaxItems: envInt("HISTORY_PLAYLIST_MAX_ITEMS", 200),
		},
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1"
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(envInt(key, defSeconds)) * time.Second
}

// extractorOptionsFile is the shape of an optional yt-dlp extractor-options
// file. The format follows the file extension: ".toml" is decoded as TOML
// and anything else as YAML.
type extractorOptionsFile struct {
	Extractor map[string]string `yaml:"extractor" toml:"extractor"`
}

// loadExtractorOptions loads yt-dlp extractor overrides (e.g. cookies,
// format selectors) from path if set. A missing or unset path yields an
// empty map rather than an error, since these overrides are optional.
func loadExtractorOptions(path string) map[string]string {
	if path == "" {
		return map[string]string{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]string{}
	}

	var parsed extractorOptionsFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &parsed); err != nil {
			return map[string]string{}
		}
	default:
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return map[string]string{}
		}
	}
	if parsed.Extractor == nil {
		return map[string]string{}
	}
	return parsed.Extractor
}

// envPriorityMap parses "guild1=5,guild2=10" into a priority map.
func envPriorityMap(key string) map[string]int {
	out := map[string]int{}
	raw := os.Getenv(key)
	if raw == "" {
		return out
	}
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil {
			out[strings.TrimSpace(parts[0])] = n
		}
	}
	return out
}
