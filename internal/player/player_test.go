package player

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latoulicious/guildmix/internal/config"
	"github.com/latoulicious/guildmix/internal/model"
	"github.com/latoulicious/guildmix/internal/platform"
)

type fakeBundleTouch struct {
	registered map[string]bool
	touched    int
}

func newFakeBundleTouch() *fakeBundleTouch {
	return &fakeBundleTouch{registered: map[string]bool{}}
}

func (f *fakeBundleTouch) Register(bundleID, channelID string, sticky bool) { f.registered[bundleID] = true }
func (f *fakeBundleTouch) Touch(bundleID string)                           { f.touched++ }
func (f *fakeBundleTouch) Unregister(bundleID string)                      { delete(f.registered, bundleID) }
func (f *fakeBundleTouch) Enqueue(channelID, text string, deleteAfter time.Duration) {}

type fakeCacheReleaser struct{ released []string }

func (f *fakeCacheReleaser) ReleaseUse(url string) { f.released = append(f.released, url) }

type fakeHistory struct{ completed []*model.MediaDownload }

func (f *fakeHistory) RecordCompletion(dl *model.MediaDownload) { f.completed = append(f.completed, dl) }

func newTestPlayer(queueMax int) *GuildPlayer {
	cfg := config.PlayerConfig{QueueMaxSize: queueMax, HistoryMaxSize: 10, EmptyChannelTimeout: time.Minute}
	return New("guild1", cfg, nil, &fakeCacheReleaser{}, newFakeBundleTouch(), &fakeHistory{}, "ffmpeg", nil)
}

func newTestDownload() *model.MediaDownload {
	req := model.NewMediaRequest("guild1", "chan1", "user1", "User", "song", model.SearchFreeText)
	return &model.MediaDownload{Request: req, URL: "https://example.com/" + uuid.NewString(), SourcePath: "/tmp/src", PerUsePath: "/tmp/use"}
}

func TestEnqueueSucceedsUpToQueueMaxSizeMinusOne(t *testing.T) {
	p := newTestPlayer(3)
	for i := 0; i < 2; i++ {
		require.NoError(t, p.Enqueue(newTestDownload()))
	}
	assert.Len(t, p.queue, 2)
}

func TestEnqueueFailsOnceQueueIsFull(t *testing.T) {
	p := newTestPlayer(3)
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Enqueue(newTestDownload()))
	}
	err := p.Enqueue(newTestDownload())
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestBumpMovesItemToFront(t *testing.T) {
	p := newTestPlayer(5)
	first := newTestDownload()
	second := newTestDownload()
	third := newTestDownload()
	require.NoError(t, p.Enqueue(first))
	require.NoError(t, p.Enqueue(second))
	require.NoError(t, p.Enqueue(third))

	require.NoError(t, p.Bump(2))
	assert.Same(t, third, p.queue[0])
}

func TestRemoveReleasesCacheUse(t *testing.T) {
	p := newTestPlayer(5)
	dl := newTestDownload()
	require.NoError(t, p.Enqueue(dl))

	require.NoError(t, p.Remove(0))
	releaser := p.cache.(*fakeCacheReleaser)
	assert.Contains(t, releaser.released, dl.URL)
	assert.Len(t, p.queue, 0)
}

func TestRemoveOutOfRangeErrors(t *testing.T) {
	p := newTestPlayer(5)
	err := p.Remove(0)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestClearReleasesAllQueuedItems(t *testing.T) {
	p := newTestPlayer(5)
	a, b := newTestDownload(), newTestDownload()
	require.NoError(t, p.Enqueue(a))
	require.NoError(t, p.Enqueue(b))

	p.Clear()
	releaser := p.cache.(*fakeCacheReleaser)
	assert.ElementsMatch(t, []string{a.URL, b.URL}, releaser.released)
	assert.Len(t, p.queue, 0)
}

func TestPauseResumeTogglesState(t *testing.T) {
	p := newTestPlayer(5)
	p.mu.Lock()
	p.state = model.PlayerPlaying
	p.resumeCh = make(chan struct{})
	p.mu.Unlock()

	p.Pause()
	assert.Equal(t, model.PlayerPaused, p.State())

	p.Resume()
	assert.Equal(t, model.PlayerPlaying, p.State())
}

func TestJoinRejectsWhenAlreadyActive(t *testing.T) {
	p := newTestPlayer(5)
	p.mu.Lock()
	p.state = model.PlayerPlaying
	p.mu.Unlock()

	err := p.Join(context.Background(), "voice1", "chan1")
	assert.Error(t, err)
}

var _ platform.Collaborator = (*stubCollaborator)(nil)

type stubCollaborator struct{}

func (s *stubCollaborator) Send(ctx context.Context, channelID, text string) (platform.MessageHandle, error) {
	return "", nil
}
func (s *stubCollaborator) Edit(ctx context.Context, channelID string, handle platform.MessageHandle, text string) error {
	return nil
}
func (s *stubCollaborator) Delete(ctx context.Context, channelID string, handle platform.MessageHandle) error {
	return nil
}
func (s *stubCollaborator) FetchRecent(ctx context.Context, channelID string, n int) ([]platform.MessageHandle, error) {
	return nil, nil
}
func (s *stubCollaborator) JoinVoice(ctx context.Context, guildID, channelID string) (platform.VoiceConnection, error) {
	return nil, assertErr("no voice in tests")
}
func (s *stubCollaborator) LeaveVoice(ctx context.Context, guildID string) error { return nil }
func (s *stubCollaborator) VoiceChannelMemberCount(guildID, channelID string) (int, error) {
	return 0, nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
