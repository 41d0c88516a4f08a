// Package search implements SearchResolver: classifies a raw play-command
// string into zero or more MediaRequests, consulting external catalog
// clients for playlist/album expansion. Grounded on the teacher's
// pkg/common/youtube.go URL-classification style (plain net/url + regexp,
// no third-party URL-parsing library anywhere in the pack).
package search

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/latoulicious/guildmix/internal/model"
)

// TrackInfo is one track surfaced by a streaming-platform catalog lookup.
type TrackInfo struct {
	Artist string
	Title  string
}

// StreamingCatalog expands a streaming-platform playlist/album/track URL
// into its member tracks.
type StreamingCatalog interface {
	ListTracks(ctx context.Context, playlistOrTrackURL string) ([]TrackInfo, error)
}

// PlaylistCatalog expands a video-site playlist URL into member video URLs.
type PlaylistCatalog interface {
	ListVideos(ctx context.Context, playlistURL string) ([]string, error)
}

// MusicSearchCatalog resolves free text (or a "<artist> <title>" string) to
// a canonical video URL. Consumed by the orchestrator's search loop (spec
// §4.9), not by Classify itself — free-text and streaming-track requests
// are only classified here, resolved later.
type MusicSearchCatalog interface {
	Resolve(ctx context.Context, query string) (canonicalURL string, title string, err error)
}

var (
	streamingHostPattern = regexp.MustCompile(`(?i)(open\.spotify\.com|music\.apple\.com|soundcloud\.com)`)
	playlistQueryPattern = regexp.MustCompile(`(?i)[?&]list=`)
	videoHostPattern     = regexp.MustCompile(`(?i)(youtube\.com/watch|youtu\.be/|youtube\.com/shorts/)`)
	directMediaPattern   = regexp.MustCompile(`(?i)\.(mp3|m4a|wav|ogg|opus|flac)(\?.*)?$`)
)

// Resolver is a SearchResolver.
type Resolver struct {
	streaming StreamingCatalog
	playlists PlaylistCatalog
}

// New creates a Resolver. Either catalog may be nil; Classify returns an
// error for URLs that would need a missing catalog instead of panicking.
func New(streaming StreamingCatalog, playlists PlaylistCatalog) *Resolver {
	return &Resolver{streaming: streaming, playlists: playlists}
}

// Classify applies spec §4.4's ordered rules to rawInput, returning the
// MediaRequests to enqueue (0 is valid) or a single classification error.
// The orchestrator returns that error as the play command's error; no
// ProgressBundle is created for the input.
func (r *Resolver) Classify(ctx context.Context, guildID, channelID, requesterID, requesterName, rawInput string) ([]*model.MediaRequest, error) {
	shuffle, limit, text := extractModifiers(rawInput)
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty search text")
	}

	var requests []*model.MediaRequest

	switch {
	case isStreamingURL(text):
		if r.streaming == nil {
			return nil, fmt.Errorf("streaming-platform catalog is not configured")
		}
		tracks, err := r.streaming.ListTracks(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("streaming catalog lookup failed: %w", err)
		}
		for _, tr := range tracks {
			req := model.NewMediaRequest(guildID, channelID, requesterID, requesterName,
				fmt.Sprintf("%s %s", tr.Artist, tr.Title), model.SearchStreamingTrack)
			requests = append(requests, req)
		}

	case isVideoPlaylistURL(text):
		if r.playlists == nil {
			return nil, fmt.Errorf("video playlist catalog is not configured")
		}
		videoURLs, err := r.playlists.ListVideos(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("playlist catalog lookup failed: %w", err)
		}
		for _, u := range videoURLs {
			req := model.NewMediaRequest(guildID, channelID, requesterID, requesterName, u, model.SearchVideoPlaylistMember)
			requests = append(requests, req)
		}

	case isSingleVideoURL(text):
		req := model.NewMediaRequest(guildID, channelID, requesterID, requesterName, text, model.SearchVideoURL)
		requests = append(requests, req)

	case isDirectMediaURL(text):
		req := model.NewMediaRequest(guildID, channelID, requesterID, requesterName, text, model.SearchDirectURL)
		requests = append(requests, req)

	default:
		req := model.NewMediaRequest(guildID, channelID, requesterID, requesterName, text, model.SearchFreeText)
		requests = append(requests, req)
	}

	if shuffle {
		rand.Shuffle(len(requests), func(i, j int) { requests[i], requests[j] = requests[j], requests[i] })
	}
	if limit > 0 && limit < len(requests) {
		requests = requests[:limit]
	}

	return requests, nil
}

// extractModifiers pulls the "shuffle" keyword and a numeric limit (any
// integer token; the last one wins) out of the token stream, in any order,
// returning the remaining tokens joined by single spaces (spec §4.4).
func extractModifiers(input string) (shuffle bool, limit int, text string) {
	tokens := strings.Fields(input)
	kept := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		switch {
		case strings.EqualFold(tok, "shuffle"):
			shuffle = true
		default:
			if n, err := strconv.Atoi(tok); err == nil {
				limit = n
				continue
			}
			kept = append(kept, tok)
		}
	}
	return shuffle, limit, strings.Join(kept, " ")
}

func isStreamingURL(s string) bool {
	return isURL(s) && streamingHostPattern.MatchString(s)
}

func isVideoPlaylistURL(s string) bool {
	if !isURL(s) || !playlistQueryPattern.MatchString(s) {
		return false
	}
	return videoHostPattern.MatchString(s) || strings.Contains(strings.ToLower(s), "youtube.com/playlist")
}

func isSingleVideoURL(s string) bool {
	return isURL(s) && videoHostPattern.MatchString(s)
}

func isDirectMediaURL(s string) bool {
	return isURL(s) && directMediaPattern.MatchString(s)
}

func isURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}
