package audio

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFFmpegSource_Args(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		src  FFmpegSource
		want string
	}{
		{
			name: "defaults",
			want: "ffmpeg -nostdin -hide_banner -loglevel warning -f pulse -i default -ac 1 -ar 16000 -f s16le -",
		},
		{
			name: "custom device",
			src:  FFmpegSource{Command: "/usr/bin/ffmpeg", InputFormat: "alsa", Device: "hw:1", SampleRate: 48000, Channels: 2},
			want: "/usr/bin/ffmpeg -nostdin -hide_banner -loglevel warning -f alsa -i hw:1 -ac 2 -ar 48000 -f s16le -",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			command, args := tt.src.args()
			if got := command + " " + strings.Join(args, " "); got != tt.want {
				t.Errorf("command line = %q\nwant            %q", got, tt.want)
			}
		})
	}
}

func TestFFmpegSource_ReadAndClose(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "capture.sh", "#!/usr/bin/env bash\nprintf 'hello'\nexec sleep 5\n")
	src := &FFmpegSource{Command: script}

	rc, err := src.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	buf := make([]byte, 8)
	n, readErr := rc.Read(buf)
	if n <= 0 {
		t.Fatalf("expected audio bytes, got n=%d err=%v", n, readErr)
	}
	if !strings.Contains(string(buf[:n]), "hello") {
		t.Fatalf("unexpected bytes: %q", string(buf[:n]))
	}

	start := time.Now()
	if err := rc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Close took %v", elapsed)
	}
	if err := rc.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestFFmpegSource_EarlyExit(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "fail.sh", "#!/usr/bin/env bash\necho 'no such device' 1>&2\nexit 1\n")
	src := &FFmpegSource{Command: script}

	_, err := src.Open(t.Context())
	if err == nil {
		t.Fatal("expected early exit error")
	}
	if !strings.Contains(err.Error(), "exited before capture started") || !strings.Contains(err.Error(), "no such device") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFFmpegSource_ContextCancelStopsCapture(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "endless.sh", "#!/usr/bin/env bash\nwhile true; do printf 'x'; sleep 0.05; done\n")
	src := &FFmpegSource{Command: script}

	ctx, cancel := context.WithCancel(t.Context())
	rc, err := src.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, rc)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("output did not end after cancel")
	}
	_ = rc.Close()
}

func TestFFmpegSource_MissingBinary(t *testing.T) {
	t.Parallel()

	src := &FFmpegSource{Command: filepath.Join(t.TempDir(), "missing-ffmpeg")}
	if _, err := src.Open(t.Context()); err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestNormalizeStopErr(t *testing.T) {
	t.Parallel()

	err := exec.Command("bash", "-c", "exit 1").Run()
	if err == nil {
		t.Fatal("expected command to fail")
	}
	if got := normalizeStopErr(err); got != nil {
		t.Errorf("exit error not ignored: %v", got)
	}
	if got := normalizeStopErr(os.ErrPermission); got != os.ErrPermission {
		t.Errorf("normalizeStopErr(ErrPermission) = %v", got)
	}
	if got := normalizeStopErr(nil); got != nil {
		t.Errorf("normalizeStopErr(nil) = %v", got)
	}
}

func writeScript(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}
