// Package player implements GuildPlayer: the per-guild playback state
// machine (spec §4.8). Grounded on the teacher's pkg/common/queue.go
// MusicQueue (bounded per-guild queue with Add/Next/Remove/SetPlaying/
// StopAndCleanup) and pkg/common/timeout.go's TimeoutManager
// (lastActivityTime map + periodic sweep) for empty-channel detection,
// generalized to the content-addressed MediaDownload pipeline and the
// frozen/dispatched "play-order-<guild>" bundle spec §4.8 requires.
package player

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/latoulicious/guildmix/internal/config"
	"github.com/latoulicious/guildmix/internal/logging"
	"github.com/latoulicious/guildmix/internal/model"
	"github.com/latoulicious/guildmix/internal/platform"
)

// ErrQueueFull is returned by Enqueue once play_queue is at capacity.
var ErrQueueFull = errors.New("play queue is full")

// ErrIndexOutOfRange is returned by Bump/Remove for an invalid index.
var ErrIndexOutOfRange = errors.New("queue index out of range")

// CacheReleaser releases a per-use file back to the download cache once
// playback of it has finished (internal/cache.Cache satisfies this).
type CacheReleaser interface {
	ReleaseUse(url string)
}

// HistoryNotifier records a finished playback (internal/history.Recorder
// satisfies this).
type HistoryNotifier interface {
	RecordCompletion(dl *model.MediaDownload)
}

// BundleTouch is the subset of the dispatcher the player needs to keep its
// "play-order-<guild>" bundle current (internal/dispatch.Dispatcher
// satisfies this).
type BundleTouch interface {
	Register(bundleID, channelID string, sticky bool)
	Touch(bundleID string)
	Unregister(bundleID string)
	Enqueue(channelID, text string, deleteAfter time.Duration)
}

// BundleID is the dispatcher bundle id for a guild's play-order display.
func BundleID(guildID string) string { return "play-order-" + guildID }

// GuildPlayer is a single guild's playback state machine.
type GuildPlayer struct {
	guildID string

	cfg        config.PlayerConfig
	collab     platform.Collaborator
	cache      CacheReleaser
	dispatcher BundleTouch
	history    HistoryNotifier
	logger     logging.Logger
	ffmpegPath string

	mu             sync.Mutex
	state          model.PlayerState
	voiceChannelID string
	textChannelID  string
	voiceConn      platform.VoiceConnection
	encoder        *OpusEncoder
	queue          []*model.MediaDownload
	recent         []*model.MediaDownload
	current        *model.MediaDownload
	paused         bool
	skipRequested  bool
	resumeCh       chan struct{}
	cancelPlayback context.CancelFunc
	lastNonEmpty   time.Time
}

// New creates an idle GuildPlayer for one guild.
func New(guildID string, cfg config.PlayerConfig, collab platform.Collaborator, cache CacheReleaser, dispatcher BundleTouch, history HistoryNotifier, ffmpegPath string, logger logging.Logger) *GuildPlayer {
	return &GuildPlayer{
		guildID:      guildID,
		cfg:          cfg,
		collab:       collab,
		cache:        cache,
		dispatcher:   dispatcher,
		history:      history,
		logger:       logger,
		ffmpegPath:   ffmpegPath,
		state:        model.PlayerIdle,
		lastNonEmpty: time.Now(),
	}
}

// State returns the player's current state.
func (p *GuildPlayer) State() model.PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Join transitions IDLE->JOINING->PLAYING, acquiring a voice handle and
// starting the player loop. On failure the player returns to IDLE.
func (p *GuildPlayer) Join(ctx context.Context, voiceChannelID, textChannelID string) error {
	p.mu.Lock()
	if p.state != model.PlayerIdle {
		p.mu.Unlock()
		return fmt.Errorf("player already active in state %s", p.state)
	}
	p.state = model.PlayerJoining
	p.mu.Unlock()

	vc, err := p.collab.JoinVoice(ctx, p.guildID, voiceChannelID)
	if err != nil {
		p.mu.Lock()
		p.state = model.PlayerIdle
		p.mu.Unlock()
		return fmt.Errorf("failed to join voice channel: %w", err)
	}

	encoder, err := NewOpusEncoder(64000)
	if err != nil {
		_ = vc.Close()
		p.mu.Lock()
		p.state = model.PlayerIdle
		p.mu.Unlock()
		return err
	}

	playCtx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.voiceChannelID = voiceChannelID
	p.textChannelID = textChannelID
	p.voiceConn = vc
	p.encoder = encoder
	p.cancelPlayback = cancel
	p.resumeCh = make(chan struct{})
	p.state = model.PlayerPlaying
	p.lastNonEmpty = time.Now()
	p.mu.Unlock()

	p.dispatcher.Register(BundleID(p.guildID), textChannelID, true)
	p.dispatcher.Touch(BundleID(p.guildID))

	go p.playLoop(playCtx)
	return nil
}

// Enqueue appends a realized download to play_queue (spec §4.8's bounded
// FIFO contract).
func (p *GuildPlayer) Enqueue(dl *model.MediaDownload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) >= p.cfg.QueueMaxSize {
		return ErrQueueFull
	}
	p.queue = append(p.queue, dl)
	p.touchLocked()
	return nil
}

// Bump moves the item at index to the front of play_queue.
func (p *GuildPlayer) Bump(index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.queue) {
		return ErrIndexOutOfRange
	}
	item := p.queue[index]
	p.queue = append(p.queue[:index], p.queue[index+1:]...)
	p.queue = append([]*model.MediaDownload{item}, p.queue...)
	p.touchLocked()
	return nil
}

// Remove drops the item at index from play_queue.
func (p *GuildPlayer) Remove(index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.queue) {
		return ErrIndexOutOfRange
	}
	dl := p.queue[index]
	p.queue = append(p.queue[:index], p.queue[index+1:]...)
	p.releaseLocked(dl)
	p.touchLocked()
	return nil
}

// Shuffle randomly permutes play_queue.
func (p *GuildPlayer) Shuffle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	rand.Shuffle(len(p.queue), func(i, j int) { p.queue[i], p.queue[j] = p.queue[j], p.queue[i] })
	p.touchLocked()
}

// Clear empties play_queue, releasing every queued item's per-use file.
func (p *GuildPlayer) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, dl := range p.queue {
		p.releaseLocked(dl)
	}
	p.queue = nil
	p.touchLocked()
}

// Skip ends the current track early; the loop advances to the next item.
func (p *GuildPlayer) Skip() {
	p.mu.Lock()
	defer p.mu.Unlock()
	// Cancelling the shared playback context would tear down the whole
	// player, so Skip sets a flag the loop observes between frames instead.
	p.skipRequested = true
}

// Pause suspends frame delivery without advancing play_queue.
func (p *GuildPlayer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == model.PlayerPlaying {
		p.state = model.PlayerPaused
		p.paused = true
	}
}

// Resume un-suspends a paused player.
func (p *GuildPlayer) Resume() {
	p.mu.Lock()
	if p.state != model.PlayerPaused {
		p.mu.Unlock()
		return
	}
	p.state = model.PlayerPlaying
	p.paused = false
	ch := p.resumeCh
	p.mu.Unlock()
	close(ch)
	p.mu.Lock()
	p.resumeCh = make(chan struct{})
	p.mu.Unlock()
}

// Stop transitions to SHUTTING_DOWN: stops streaming, drains play_queue and
// per-use files, closes the voice handle, and tears down the dispatch
// bundle. Safe to call from any state.
func (p *GuildPlayer) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.state == model.PlayerShuttingDown || p.state == model.PlayerIdle {
		p.mu.Unlock()
		return
	}
	p.state = model.PlayerShuttingDown
	cancel := p.cancelPlayback
	vc := p.voiceConn
	current := p.current
	queue := p.queue
	p.queue = nil
	p.current = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if current != nil {
		p.releaseDownload(current)
	}
	for _, dl := range queue {
		p.releaseDownload(dl)
	}
	if vc != nil {
		_ = vc.Close()
	}

	p.dispatcher.Unregister(BundleID(p.guildID))
	p.dispatcher.Enqueue(p.textChannelID, "Disconnected from voice.", 0)

	p.mu.Lock()
	p.state = model.PlayerIdle
	p.voiceConn = nil
	p.mu.Unlock()
}

// CheckEmptyChannelTimeout consults the voice channel's non-bot member
// count and shuts the player down once it has been continuously empty for
// cfg.EmptyChannelTimeout (spec §4.8's empty-channel detection, grounded on
// the teacher's TimeoutManager sweep).
func (p *GuildPlayer) CheckEmptyChannelTimeout(ctx context.Context) bool {
	p.mu.Lock()
	if p.state == model.PlayerIdle || p.state == model.PlayerShuttingDown {
		p.mu.Unlock()
		return false
	}
	guildID, channelID := p.guildID, p.voiceChannelID
	p.mu.Unlock()

	count, err := p.collab.VoiceChannelMemberCount(guildID, channelID)
	if err != nil {
		return false
	}

	p.mu.Lock()
	if count > 0 {
		p.lastNonEmpty = time.Now()
		p.mu.Unlock()
		return false
	}
	idleFor := time.Since(p.lastNonEmpty)
	p.mu.Unlock()

	if idleFor < p.cfg.EmptyChannelTimeout {
		return false
	}
	p.Stop(ctx)
	return true
}

// Render produces the "play-order-<guild>" bundle content: the currently
// playing track followed by a rendering of upcoming items.
func (p *GuildPlayer) Render() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	header := "Now playing: (nothing)"
	if p.current != nil {
		header = "Now playing: " + describeDownload(p.current)
	}

	var lines []string
	lines = append(lines, header)
	for i, dl := range p.queue {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, describeDownload(dl)))
	}
	return []string{joinLines(lines)}
}

func describeDownload(dl *model.MediaDownload) string {
	if dl.Metadata.Title != "" {
		return dl.Metadata.Title
	}
	return dl.URL
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

func (p *GuildPlayer) touchLocked() {
	p.dispatcher.Touch(BundleID(p.guildID))
}

func (p *GuildPlayer) releaseLocked(dl *model.MediaDownload) {
	if p.cache != nil {
		p.cache.ReleaseUse(dl.URL)
	}
}

func (p *GuildPlayer) releaseDownload(dl *model.MediaDownload) {
	p.mu.Lock()
	p.releaseLocked(dl)
	p.mu.Unlock()
}

// playLoop pops play_queue and streams each item to the voice connection
// until ctx is cancelled (on Stop) or the queue runs dry and the player
// waits for the next Enqueue.
func (p *GuildPlayer) playLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		dl := p.popNext()
		if dl == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(250 * time.Millisecond):
				continue
			}
		}

		p.mu.Lock()
		p.current = dl
		p.skipRequested = false
		p.mu.Unlock()
		p.touchLocked()

		err := p.streamOne(ctx, dl)

		select {
		case <-ctx.Done():
			// Stop() already released dl and tore down the bundle.
			return
		default:
		}

		if err != nil {
			p.logf("playback ended early", map[string]interface{}{"url": dl.URL, "error": err.Error()})
		}

		p.mu.Lock()
		p.current = nil
		p.mu.Unlock()

		if p.cache != nil {
			p.cache.ReleaseUse(dl.URL)
		}
		p.pushRecent(dl)
		if p.history != nil && !dl.Request.FromHistory {
			p.history.RecordCompletion(dl)
		}
		p.touchLocked()
	}
}

// streamOne decodes dl's per-use file to PCM via ffmpeg and writes 20ms
// Opus frames to the voice connection at real-time pace.
func (p *GuildPlayer) streamOne(ctx context.Context, dl *model.MediaDownload) error {
	streamer, err := newPCMStreamer(ctx, p.ffmpegPath, dl.PerUsePath)
	if err != nil {
		return err
	}
	defer streamer.close()

	p.mu.Lock()
	encoder := p.encoder
	voiceConn := p.voiceConn
	p.mu.Unlock()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	frameSamples := encoder.FrameSampleCount()
	for {
		p.mu.Lock()
		paused := p.paused
		skip := p.skipRequested
		resumeCh := p.resumeCh
		p.mu.Unlock()

		if skip {
			return nil
		}
		if paused {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-resumeCh:
				continue
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		pcm, err := streamer.nextFrame(frameSamples)
		if err != nil {
			return nil // EOF (or a read error): treat as track end
		}
		opusFrame, err := encoder.Encode(pcm)
		if err != nil {
			return err
		}
		if err := voiceConn.SendOpusFrame(opusFrame); err != nil {
			return err
		}
	}
}

func (p *GuildPlayer) popNext() *model.MediaDownload {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	dl := p.queue[0]
	p.queue = p.queue[1:]
	return dl
}

func (p *GuildPlayer) pushRecent(dl *model.MediaDownload) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recent = append(p.recent, dl)
	if excess := len(p.recent) - p.cfg.HistoryMaxSize; excess > 0 {
		p.recent = p.recent[excess:]
	}
}

func (p *GuildPlayer) logf(msg string, fields map[string]interface{}) {
	if p.logger != nil {
		p.logger.Info(msg, fields)
	}
}
