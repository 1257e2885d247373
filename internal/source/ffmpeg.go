// ABOUTME: ffmpeg-backed file source
// ABOUTME: Decodes WAV (or anything ffmpeg reads) to raw PCM on stdout
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/Resonate-Protocol/pcmstream/pkg/audio"
)

// FFmpeg streams PCM decoded by an ffmpeg child process
type FFmpeg struct {
	path   string
	format audio.Format
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer
	done   bool
}

func checkFFmpeg() error {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("ffmpeg: %w (install ffmpeg to stream WAV files)", ErrDecoderMissing)
	}
	return nil
}

// ffmpegArgs builds the decode command line for format
func ffmpegArgs(path string, format audio.Format) []string {
	return []string{
		"-loglevel", "error",
		"-i", path,
		"-f", "s16le",
		"-ar", strconv.Itoa(format.SampleRate),
		"-ac", strconv.Itoa(format.Channels),
		"-",
	}
}

// NewFFmpeg starts ffmpeg decoding path into format. The process is killed
// when ctx is done.
func NewFFmpeg(ctx context.Context, path string, format audio.Format) (*FFmpeg, error) {
	if err := checkFFmpeg(); err != nil {
		return nil, err
	}
	if format.BitDepth != 16 {
		return nil, fmt.Errorf("ffmpeg source produces 16-bit PCM, not %d-bit", format.BitDepth)
	}

	s := &FFmpeg{path: path, format: format}
	s.cmd = exec.CommandContext(ctx, "ffmpeg", ffmpegArgs(path, format)...)
	s.cmd.Stderr = &s.stderr

	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	s.stdout = stdout

	if err := s.cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	slog.Info("source: decoding via ffmpeg", "path", path, "format", format.String())
	return s, nil
}

// Read returns decoded PCM. At the end of output the process exit status is
// checked, so a failed decode surfaces as an error instead of a short stream.
func (s *FFmpeg) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	if errors.Is(err, io.EOF) && !s.done {
		s.done = true
		if waitErr := s.cmd.Wait(); waitErr != nil {
			msg := strings.TrimSpace(s.stderr.String())
			return n, fmt.Errorf("ffmpeg failed on %s: %w: %s", s.path, waitErr, msg)
		}
	}
	return n, err
}

func (s *FFmpeg) Format() audio.Format { return s.format }
func (s *FFmpeg) Name() string         { return "ffmpeg " + s.path }

// Close stops the process
func (s *FFmpeg) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	return nil
}
