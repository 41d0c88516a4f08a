// Voice streaming pump: ffmpeg decodes a per-use file to raw PCM, which is
// chunked into 20ms Opus frames and written to the voice connection.
// Grounded on the teacher's pkg/audio/ffmpeg.go StartStream/buildFFmpegArgs
// shape (exec.Command with a process group for clean teardown, stdout pipe
// as the audio source) generalized from "stream from yt-dlp" to "stream a
// cache per-use file" since downloading already happened upstream.
package player

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"
)

type pcmStreamer struct {
	ffmpegPath string
	cmd        *exec.Cmd
	stdout     io.ReadCloser
}

func newPCMStreamer(ctx context.Context, ffmpegPath, filePath string) (*pcmStreamer, error) {
	args := []string{
		"-i", filePath,
		"-f", "s16le",
		"-ar", fmt.Sprintf("%d", opusSampleRate),
		"-ac", fmt.Sprintf("%d", opusChannels),
		"-loglevel", "error",
		"pipe:1",
	}
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	return &pcmStreamer{ffmpegPath: ffmpegPath, cmd: cmd, stdout: stdout}, nil
}

// nextFrame reads one 20ms PCM frame (960 samples/channel), or io.EOF once
// the source is exhausted.
func (s *pcmStreamer) nextFrame(frameSampleCount int) ([]int16, error) {
	buf := make([]byte, frameSampleCount*2)
	if _, err := io.ReadFull(s.stdout, buf); err != nil {
		return nil, err
	}
	frame := make([]int16, frameSampleCount)
	for i := range frame {
		frame[i] = int16(binary.LittleEndian.Uint16(buf[i*2 : i*2+2]))
	}
	return frame, nil
}

func (s *pcmStreamer) close() {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		_ = s.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL)
		<-done
	}
}
