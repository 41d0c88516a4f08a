package dispatch

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latoulicious/guildmix/internal/platform"
)

type fakeCollaborator struct {
	nextID  int
	sent    []string
	edited  map[platform.MessageHandle]string
	deleted map[platform.MessageHandle]bool
	recent  []platform.MessageHandle
}

func newFakeCollaborator() *fakeCollaborator {
	return &fakeCollaborator{edited: map[platform.MessageHandle]string{}, deleted: map[platform.MessageHandle]bool{}}
}

func (f *fakeCollaborator) Send(ctx context.Context, channelID, text string) (platform.MessageHandle, error) {
	f.nextID++
	handle := platform.MessageHandle(fmt.Sprintf("m%d", f.nextID))
	f.sent = append(f.sent, text)
	f.edited[handle] = text
	f.recent = append([]platform.MessageHandle{handle}, f.recent...)
	return handle, nil
}

func (f *fakeCollaborator) Edit(ctx context.Context, channelID string, handle platform.MessageHandle, text string) error {
	f.edited[handle] = text
	return nil
}

func (f *fakeCollaborator) Delete(ctx context.Context, channelID string, handle platform.MessageHandle) error {
	f.deleted[handle] = true
	return nil
}

func (f *fakeCollaborator) FetchRecent(ctx context.Context, channelID string, n int) ([]platform.MessageHandle, error) {
	if n < len(f.recent) {
		return f.recent[:n], nil
	}
	return f.recent, nil
}

func (f *fakeCollaborator) JoinVoice(ctx context.Context, guildID, channelID string) (platform.VoiceConnection, error) {
	return nil, nil
}
func (f *fakeCollaborator) LeaveVoice(ctx context.Context, guildID string) error { return nil }
func (f *fakeCollaborator) VoiceChannelMemberCount(guildID, channelID string) (int, error) {
	return 0, nil
}

type fakeSource struct {
	pages map[string][]string
}

func (f *fakeSource) Render(bundleID string) ([]string, bool) {
	p, ok := f.pages[bundleID]
	return p, ok
}

func TestTickSendsInitialPages(t *testing.T) {
	d := New(5, nil)
	d.Register("b1", "chan1", false)
	collab := newFakeCollaborator()
	source := &fakeSource{pages: map[string][]string{"b1": {"page one"}}}

	require.NoError(t, d.Tick(context.Background(), collab, source))
	assert.Equal(t, []string{"page one"}, collab.sent)
}

func TestTickNoOpOnUnchangedContent(t *testing.T) {
	d := New(5, nil)
	d.Register("b1", "chan1", false)
	collab := newFakeCollaborator()
	source := &fakeSource{pages: map[string][]string{"b1": {"page one"}}}

	require.NoError(t, d.Tick(context.Background(), collab, source))
	d.Touch("b1")
	require.NoError(t, d.Tick(context.Background(), collab, source))
	assert.Len(t, collab.sent, 1)
}

func TestTickEditsChangedPage(t *testing.T) {
	d := New(5, nil)
	d.Register("b1", "chan1", false)
	collab := newFakeCollaborator()
	source := &fakeSource{pages: map[string][]string{"b1": {"v1"}}}
	require.NoError(t, d.Tick(context.Background(), collab, source))

	source.pages["b1"] = []string{"v2"}
	d.Touch("b1")
	require.NoError(t, d.Tick(context.Background(), collab, source))

	var got string
	for _, v := range collab.edited {
		got = v
	}
	assert.Equal(t, "v2", got)
}

func TestTickSendsExtraPagesOnGrowth(t *testing.T) {
	d := New(5, nil)
	d.Register("b1", "chan1", false)
	collab := newFakeCollaborator()
	source := &fakeSource{pages: map[string][]string{"b1": {"page1"}}}
	require.NoError(t, d.Tick(context.Background(), collab, source))

	source.pages["b1"] = []string{"page1", "page2"}
	d.Touch("b1")
	require.NoError(t, d.Tick(context.Background(), collab, source))
	assert.Len(t, collab.sent, 2)
}

func TestTickDeletesSurplusOnShrink(t *testing.T) {
	d := New(5, nil)
	d.Register("b1", "chan1", false)
	collab := newFakeCollaborator()
	source := &fakeSource{pages: map[string][]string{"b1": {"page1", "page2"}}}
	require.NoError(t, d.Tick(context.Background(), collab, source))

	source.pages["b1"] = []string{"page1"}
	d.Touch("b1")
	require.NoError(t, d.Tick(context.Background(), collab, source))

	deletedCount := 0
	for _, v := range collab.deleted {
		if v {
			deletedCount++
		}
	}
	assert.Equal(t, 1, deletedCount)
}

func TestTickTeardownOnMissingBundle(t *testing.T) {
	d := New(5, nil)
	d.Register("b1", "chan1", false)
	collab := newFakeCollaborator()
	source := &fakeSource{pages: map[string][]string{"b1": {"page1"}}}
	require.NoError(t, d.Tick(context.Background(), collab, source))

	source.pages = map[string][]string{}
	d.Touch("b1")
	require.NoError(t, d.Tick(context.Background(), collab, source))

	d.mu.Lock()
	_, exists := d.mutableBundles["b1"]
	d.mu.Unlock()
	assert.False(t, exists)
}

func TestDrainSingleQueueWhenNoBundlePending(t *testing.T) {
	d := New(5, nil)
	d.Enqueue("chan1", "hello", 0)
	collab := newFakeCollaborator()
	source := &fakeSource{pages: map[string][]string{}}

	require.NoError(t, d.Tick(context.Background(), collab, source))
	assert.Equal(t, []string{"hello"}, collab.sent)
}
