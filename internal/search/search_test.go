package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latoulicious/guildmix/internal/model"
)

type fakeStreamingCatalog struct {
	tracks []TrackInfo
	err    error
}

func (f *fakeStreamingCatalog) ListTracks(ctx context.Context, _ string) ([]TrackInfo, error) {
	return f.tracks, f.err
}

type fakePlaylistCatalog struct {
	urls []string
	err  error
}

func (f *fakePlaylistCatalog) ListVideos(ctx context.Context, _ string) ([]string, error) {
	return f.urls, f.err
}

func TestClassifyFreeText(t *testing.T) {
	r := New(nil, nil)
	reqs, err := r.Classify(context.Background(), "g", "c", "u", "U", "lofi hip hop radio")
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, model.SearchFreeText, reqs[0].Type)
	assert.Equal(t, "lofi hip hop radio", reqs[0].RawSearch)
}

func TestClassifySingleVideoURL(t *testing.T) {
	r := New(nil, nil)
	reqs, err := r.Classify(context.Background(), "g", "c", "u", "U", "https://www.youtube.com/watch?v=abc123")
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, model.SearchVideoURL, reqs[0].Type)
}

func TestClassifyVideoPlaylistExpandsToMembers(t *testing.T) {
	pc := &fakePlaylistCatalog{urls: []string{"https://youtube.com/watch?v=a", "https://youtube.com/watch?v=b"}}
	r := New(nil, pc)
	reqs, err := r.Classify(context.Background(), "g", "c", "u", "U", "https://www.youtube.com/playlist?list=PL123")
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	for _, req := range reqs {
		assert.Equal(t, model.SearchVideoPlaylistMember, req.Type)
	}
}

func TestClassifyStreamingPlaylistExpandsToTracks(t *testing.T) {
	sc := &fakeStreamingCatalog{tracks: []TrackInfo{{Artist: "A", Title: "One"}, {Artist: "B", Title: "Two"}}}
	r := New(sc, nil)
	reqs, err := r.Classify(context.Background(), "g", "c", "u", "U", "https://open.spotify.com/playlist/xyz")
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "A One", reqs[0].RawSearch)
	assert.Equal(t, model.SearchStreamingTrack, reqs[0].Type)
}

func TestClassifyCatalogFailureSurfacesSingleError(t *testing.T) {
	sc := &fakeStreamingCatalog{err: assertError{"catalog down"}}
	r := New(sc, nil)
	reqs, err := r.Classify(context.Background(), "g", "c", "u", "U", "https://open.spotify.com/playlist/xyz")
	assert.Error(t, err)
	assert.Empty(t, reqs)
}

func TestClassifyLimitTruncates(t *testing.T) {
	pc := &fakePlaylistCatalog{urls: []string{
		"https://youtube.com/watch?v=a",
		"https://youtube.com/watch?v=b",
		"https://youtube.com/watch?v=c",
	}}
	r := New(nil, pc)
	reqs, err := r.Classify(context.Background(), "g", "c", "u", "U", "https://www.youtube.com/playlist?list=PL123 2")
	require.NoError(t, err)
	assert.Len(t, reqs, 2)
}

func TestClassifyDirectMediaURL(t *testing.T) {
	r := New(nil, nil)
	reqs, err := r.Classify(context.Background(), "g", "c", "u", "U", "https://cdn.example.com/track.mp3")
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, model.SearchDirectURL, reqs[0].Type)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
