package evidence

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/NoSleep-Drive/embedded/internal/framestore"
)

// FFmpegEncoder encodes an evidence folder into an MP4 by piping its JPEG
// frames, in capture order, through an ffmpeg subprocess
type FFmpegEncoder struct {
	Path   string
	FPS    int
	Width  int
	Height int

	// command builds the subprocess, replaced in tests
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewFFmpegEncoder creates an encoder producing fps-rate video scaled to width x height
func NewFFmpegEncoder(path string, fps, width, height int) *FFmpegEncoder {
	if path == "" {
		path = "ffmpeg"
	}
	if fps <= 0 {
		fps = 24
	}
	return &FFmpegEncoder{
		Path:    path,
		FPS:     fps,
		Width:   width,
		Height:  height,
		command: exec.CommandContext,
	}
}

func (e *FFmpegEncoder) buildArgs() []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "image2pipe",
		"-framerate", strconv.Itoa(e.FPS),
		"-c:v", "mjpeg",
		"-i", "pipe:0",
	}
	if e.Width > 0 && e.Height > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", e.Width, e.Height))
	}
	args = append(args,
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-movflags", "frag_keyframe+empty_moov",
		"-f", "mp4",
		"pipe:1",
	)
	return args
}

// Encode returns the MP4 bytes for the frames in folder
func (e *FFmpegEncoder) Encode(ctx context.Context, folder string) ([]byte, error) {
	frames, err := framestore.ListFrames(folder)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames in %s", folder)
	}

	cmd := e.command(ctx, e.Path, e.buildArgs()...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		for _, path := range frames {
			if err := copyInto(stdin, path); err != nil {
				writeErr <- err
				return
			}
		}
		writeErr <- nil
	}()

	waitErr := cmd.Wait()
	if err := <-writeErr; err != nil && waitErr == nil {
		return nil, fmt.Errorf("failed to feed frames: %w", err)
	}
	if waitErr != nil {
		return nil, fmt.Errorf("ffmpeg failed: %w: %s", waitErr, strings.TrimSpace(stderr.String()))
	}

	return stdout.Bytes(), nil
}

func copyInto(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
