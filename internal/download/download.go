// Package download implements Downloader: a wrapper around the external
// yt-dlp extractor that normalizes its error surface into retryable vs
// terminal classes and optionally runs a loudness-normalization/silence-trim
// ffmpeg pass. Grounded on the teacher's pkg/common/youtube.go (yt-dlp exec
// wrapping under a context timeout) and pkg/audio/errors.go's
// pattern-matching retryable/terminal classification style.
package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dhowden/tag"

	"github.com/latoulicious/guildmix/internal/config"
	"github.com/latoulicious/guildmix/internal/logging"
	"github.com/latoulicious/guildmix/internal/model"
)

// RetryableError wraps a transient failure: network timeouts, throttling,
// bot-detection signals, and other unclassified transient conditions.
type RetryableError struct{ Cause error }

func (e *RetryableError) Error() string { return fmt.Sprintf("retryable download error: %v", e.Cause) }
func (e *RetryableError) Unwrap() error { return e.Cause }

// TerminalError wraps a content-class failure that will never succeed on
// retry: age-restricted, private/unavailable, removed, invalid format,
// duration-exceeds-limit.
type TerminalError struct {
	Kind  string
	Cause error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("terminal download error (%s): %v", e.Kind, e.Cause)
}
func (e *TerminalError) Unwrap() error { return e.Cause }

const (
	KindAgeRestricted     = "age_restricted"
	KindUnavailable       = "unavailable"
	KindRemoved           = "removed"
	KindInvalidFormat     = "invalid_format"
	KindDurationExceeded  = "duration_exceeded"
)

var terminalPatterns = map[string]string{
	"age-restricted":             KindAgeRestricted,
	"sign in to confirm your age": KindAgeRestricted,
	"private video":               KindUnavailable,
	"video unavailable":           KindUnavailable,
	"this video is not available": KindUnavailable,
	"has been removed":            KindRemoved,
	"account associated with this video has been terminated": KindRemoved,
	"unsupported url":             KindInvalidFormat,
	"no video formats found":      KindInvalidFormat,
}

var retryablePatterns = []string{
	"http error 429",
	"http error 502",
	"http error 503",
	"http error 504",
	"connection reset",
	"connection refused",
	"temporary failure",
	"timed out",
	"timeout",
	"unable to download webpage",
	"network error",
	"i/o timeout",
}

// Downloader is a yt-dlp-backed Downloader.
type Downloader struct {
	cfg       config.DownloaderConfig
	workDir   string
	logger    logging.Logger
	ytDlpPath string
	ffmpegPath string
}

// New creates a Downloader rooted at workDir (its tmp/ subdirectory holds
// scratch files per spec §6's filesystem layout).
func New(cfg config.DownloaderConfig, workDir string, logger logging.Logger) *Downloader {
	return &Downloader{
		cfg:        cfg,
		workDir:    workDir,
		logger:     logger,
		ytDlpPath:  "yt-dlp",
		ffmpegPath: "ffmpeg",
	}
}

// Download invokes yt-dlp for a single URL, classifying failures per spec
// §4.5. The caller is responsible for serializing invocations per URL (the
// download queue's single-threaded drain loop, per spec §5).
func (d *Downloader) Download(ctx context.Context, req *model.MediaRequest, url string) (*model.MediaDownload, error) {
	scratchDir := filepath.Join(d.workDir, "tmp")
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, &RetryableError{Cause: fmt.Errorf("failed to create scratch directory: %w", err)}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	outputTemplate := filepath.Join(scratchDir, "%(id)s.%(ext)s")
	args := []string{
		"--no-playlist",
		"--no-warnings",
		"-f", "bestaudio[ext=m4a]/bestaudio[ext=webm]/bestaudio",
		"--print", "after_move:filepath",
		"--print", "title",
		"--print", "duration",
		"--print", "uploader",
		"-o", outputTemplate,
	}
	for k, v := range d.cfg.ExtractorOptions {
		args = append(args, fmt.Sprintf("--%s", k), v)
	}
	args = append(args, url)

	cmd := exec.CommandContext(callCtx, d.ytDlpPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if callCtx.Err() != nil {
		return nil, &RetryableError{Cause: fmt.Errorf("extractor call timed out after %s", d.cfg.CallTimeout)}
	}
	if runErr != nil {
		return nil, classify(runErr, stderr.String())
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) < 3 {
		return nil, &RetryableError{Cause: fmt.Errorf("unexpected extractor output: %q", stdout.String())}
	}
	sourcePath := strings.TrimSpace(lines[0])
	title := strings.TrimSpace(lines[1])
	durationSeconds, _ := strconv.ParseFloat(strings.TrimSpace(lines[2]), 64)
	uploader := ""
	if len(lines) >= 4 {
		uploader = strings.TrimSpace(lines[3])
	}

	duration := time.Duration(durationSeconds * float64(time.Second))
	if d.cfg.MaxDurationSeconds > 0 && int(duration.Seconds()) > d.cfg.MaxDurationSeconds {
		return nil, &TerminalError{Kind: KindDurationExceeded, Cause: fmt.Errorf("duration %s exceeds limit", duration)}
	}

	if title == "" || uploader == "" {
		if fallback, err := readTagMetadata(sourcePath); err == nil {
			if title == "" {
				title = fallback.Title
			}
			if uploader == "" {
				uploader = fallback.Uploader
			}
		}
	}

	if d.cfg.EnablePostProcessing {
		processed, err := d.postProcess(callCtx, sourcePath)
		if err != nil {
			d.logf("post-processing failed, keeping raw download", err)
		} else {
			sourcePath = processed
		}
	}

	return &model.MediaDownload{
		Request:    req,
		URL:        url,
		SourcePath: sourcePath,
		Metadata: model.Metadata{
			Title:    title,
			Uploader: uploader,
			Duration: duration,
		},
		CreatedAt: time.Now(),
	}, nil
}

// postProcess runs a loudness-normalization + silence-trim ffmpeg pass,
// producing a second file stored alongside the raw download. The cache
// layer is told to use this path as the source (spec §4.5 / DESIGN.md OQ1).
func (d *Downloader) postProcess(ctx context.Context, sourcePath string) (string, error) {
	ext := filepath.Ext(sourcePath)
	dest := strings.TrimSuffix(sourcePath, ext) + ".processed" + ext

	cmd := exec.CommandContext(ctx, d.ffmpegPath,
		"-y", "-i", sourcePath,
		"-af", "loudnorm,silenceremove=start_periods=1:start_silence=0.1:start_threshold=-50dB",
		dest,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("ffmpeg post-processing failed: %w: %s", err, stderr.String())
	}
	return dest, nil
}

func readTagMetadata(path string) (model.Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Metadata{}, err
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		return model.Metadata{}, err
	}
	return model.Metadata{Title: m.Title(), Uploader: m.Artist()}, nil
}

// classify maps an exec failure to RetryableError or TerminalError by
// pattern-matching the extractor's stderr text, mirroring the teacher's
// classifyErrorType/isYtDlpRetryableError style.
func classify(runErr error, stderrText string) error {
	text := strings.ToLower(stderrText)

	for pattern, kind := range terminalPatterns {
		if strings.Contains(text, pattern) {
			return &TerminalError{Kind: kind, Cause: fmt.Errorf("%s", stderrText)}
		}
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(text, pattern) {
			return &RetryableError{Cause: fmt.Errorf("%s", stderrText)}
		}
	}

	if _, ok := runErr.(*exec.ExitError); ok {
		// Unclassified extractor failures default to retryable: an
		// unrecognized yt-dlp error is more often a transient upstream
		// hiccup than a permanently broken URL.
		return &RetryableError{Cause: fmt.Errorf("%s", stderrText)}
	}

	return &RetryableError{Cause: runErr}
}

// ShouldRetry reports whether a failed download should be requeued: only
// retryable errors, and only while under the retry budget (spec §4.9's
// download loop / spec §7's "retry budget exhausted" row).
func ShouldRetry(err error, retryCount, maxRetries int) bool {
	var retryable *RetryableError
	if !errors.As(err, &retryable) {
		return false
	}
	return retryCount < maxRetries
}

func (d *Downloader) logf(msg string, err error) {
	if d.logger != nil {
		d.logger.Warn(msg, map[string]interface{}{"error": err.Error()})
	}
}
