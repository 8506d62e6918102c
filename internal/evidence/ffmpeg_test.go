package evidence

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestFFmpegArgs(t *testing.T) {
	e := NewFFmpegEncoder("", 24, 1280, 720)
	args := strings.Join(e.buildArgs(), " ")

	for _, want := range []string{"-framerate 24", "-i pipe:0", "scale=1280:720", "-f mp4", "pipe:1"} {
		if !strings.Contains(args, want) {
			t.Errorf("Expected %q in args: %s", want, args)
		}
	}
}

func TestFFmpegEncodeEmptyFolder(t *testing.T) {
	e := NewFFmpegEncoder("", 24, 0, 0)
	if _, err := e.Encode(context.Background(), t.TempDir()); err == nil {
		t.Error("Expected error for folder without frames")
	}
}

// TestFFmpegEncodeFeedsFramesInOrder swaps ffmpeg for cat so the output is the
// concatenated input.
func TestFFmpegEncodeFeedsFramesInOrder(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}

	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "1000.jpg"), []byte("A"), 0644)
	os.WriteFile(filepath.Join(dir, "1042.jpg"), []byte("B"), 0644)
	os.WriteFile(filepath.Join(dir, "999.jpg"), []byte("Z"), 0644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644)

	e := NewFFmpegEncoder("", 24, 0, 0)
	e.command = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "cat")
	}

	out, err := e.Encode(context.Background(), dir)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if string(out) != "ZAB" {
		t.Errorf("Expected frames in capture order ZAB, got %q", out)
	}
}
