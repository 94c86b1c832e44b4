// Package audio provides microphone capture for recognition backends.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultSampleRate is the capture rate recognition backends expect.
	DefaultSampleRate = 16000

	startGrace = 250 * time.Millisecond
	stopGrace  = 1200 * time.Millisecond
)

// FFmpegSource captures little-endian 16-bit PCM from a local input device
// through an ffmpeg subprocess.
type FFmpegSource struct {
	// Command is the ffmpeg binary. Default: "ffmpeg".
	Command string

	// InputFormat is the ffmpeg input format (pulse, alsa, avfoundation, dshow).
	// Default: "pulse".
	InputFormat string

	// Device is the input device name. Default: "default".
	Device string

	// SampleRate in Hz. Default: 16000.
	SampleRate int

	// Channels is the channel count. Default: 1.
	Channels int
}

func (s *FFmpegSource) args() (string, []string) {
	command := s.Command
	if command == "" {
		command = "ffmpeg"
	}
	format := s.InputFormat
	if format == "" {
		format = "pulse"
	}
	device := s.Device
	if device == "" {
		device = "default"
	}
	rate := s.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	channels := s.Channels
	if channels <= 0 {
		channels = 1
	}
	return command, []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", format,
		"-i", device,
		"-ac", strconv.Itoa(channels),
		"-ar", strconv.Itoa(rate),
		"-f", "s16le",
		"-",
	}
}

// Open starts ffmpeg and returns its PCM output. The process is killed when
// ctx ends; Close stops it gracefully. A process that exits during the first
// 250ms is reported as an error together with its stderr.
func (s *FFmpegSource) Open(ctx context.Context) (io.ReadCloser, error) {
	command, args := s.args()
	cmd := exec.CommandContext(ctx, command, args...)
	var stderr syncBuffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("audio: ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("audio: start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("audio: ffmpeg exited before capture started: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil, errors.New("audio: ffmpeg exited before capture started")
	case <-time.After(startGrace):
	}

	return &capture{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

// capture is a running ffmpeg process.
type capture struct {
	stdout  io.ReadCloser
	stderr  *syncBuffer
	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (c *capture) Read(p []byte) (int, error) {
	return c.stdout.Read(p)
}

// Close interrupts ffmpeg and kills it if it has not exited after 1.2s.
func (c *capture) Close() error {
	c.stopOnce.Do(func() {
		_ = c.process.Signal(os.Interrupt)

		select {
		case err, ok := <-c.waitErr:
			if ok {
				c.stopErr = normalizeStopErr(err)
			}
		case <-time.After(stopGrace):
			_ = c.process.Kill()
			if err, ok := <-c.waitErr; ok {
				c.stopErr = normalizeStopErr(err)
			}
		}

		if err := c.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) && c.stopErr == nil {
			c.stopErr = err
		}
		if c.stopErr != nil {
			if msg := strings.TrimSpace(c.stderr.String()); msg != "" {
				c.stopErr = fmt.Errorf("%w: %s", c.stopErr, msg)
			}
		}
	})
	return c.stopErr
}

// normalizeStopErr drops the exit status of a process we interrupted.
func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// syncBuffer is a bytes.Buffer safe for the concurrent writes of exec's
// stderr copier and reads from Close.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
