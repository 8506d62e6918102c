// Package framestore persists captured frames on disk.
//
// Layout under the root directory:
//
//	<root>/recent/<epoch_ms>.jpg               bounded ring of the latest frames
//	<root>/<YYYYMMDD_HHMMSS_mmm>/<epoch_ms>.jpg evidence folder of one sleepiness event
package framestore

import (
	"fmt"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NoSleep-Drive/embedded/internal/types"
)

const (
	recentDirName = "recent"
	frameExt      = ".jpg"

	// EvidenceLayout names evidence folders after the detection time
	EvidenceLayout = "20060102_150405"
)

// Store writes frames as JPEG files and keeps the recent ring bounded.
//
// Thread-safe, although in practice only the pacing loop writes.
type Store struct {
	root        string
	recentDir   string
	capacity    int
	jpegQuality int
	now         func() time.Time

	mu     sync.Mutex
	recent []int64 // epoch ms of ring frames, oldest first
	lastMS int64

	framesSaved   atomic.Uint64
	framesEvicted atomic.Uint64
}

// Options configures a Store
type Options struct {
	Root         string
	RingCapacity int
	JPEGQuality  int
	// Now overrides the clock used for lookback windows (tests)
	Now func() time.Time
}

// Open creates the root and ring directories and indexes frames already in the ring
func Open(opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if opts.RingCapacity <= 0 {
		return nil, fmt.Errorf("ring capacity must be > 0")
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 90
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Store{
		root:        opts.Root,
		recentDir:   filepath.Join(opts.Root, recentDirName),
		capacity:    opts.RingCapacity,
		jpegQuality: opts.JPEGQuality,
		now:         opts.Now,
	}

	if err := os.MkdirAll(s.recentDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recent directory: %w", err)
	}

	names, err := listFrameMS(s.recentDir)
	if err != nil {
		return nil, err
	}
	s.recent = names
	if len(names) > 0 {
		s.lastMS = names[len(names)-1]
	}
	s.evictLocked()

	return s, nil
}

// Root returns the storage root directory
func (s *Store) Root() string {
	return s.root
}

// RecentDir returns the ring directory
func (s *Store) RecentDir() string {
	return s.recentDir
}

// SaveRecent writes the frame into the ring and evicts the oldest frames beyond capacity
func (s *Store) SaveRecent(frame types.Frame) (string, error) {
	if frame.Empty() {
		return "", fmt.Errorf("empty frame")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ms := frame.Timestamp.UnixMilli()
	if ms <= s.lastMS {
		// keep names unique and ordered when two frames share a millisecond
		ms = s.lastMS + 1
	}

	path := filepath.Join(s.recentDir, frameName(ms))
	if err := s.writeJPEG(path, frame); err != nil {
		return "", err
	}

	s.lastMS = ms
	s.recent = append(s.recent, ms)
	s.evictLocked()

	return path, nil
}

// SaveTo writes the frame into dir
func (s *Store) SaveTo(dir string, frame types.Frame) (string, error) {
	if frame.Empty() {
		return "", fmt.Errorf("empty frame")
	}
	path := filepath.Join(dir, frameName(frame.Timestamp.UnixMilli()))
	if err := s.writeJPEG(path, frame); err != nil {
		return "", err
	}
	return path, nil
}

// PurgeRecent deletes every frame in the ring
func (s *Store) PurgeRecent() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, ms := range s.recent {
		if err := os.Remove(filepath.Join(s.recentDir, frameName(ms))); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("failed to remove frame: %w", err)
		}
	}
	s.recent = s.recent[:0]
	return firstErr
}

// RecentCount returns the number of frames in the ring
func (s *Store) RecentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recent)
}

// CreateEvidence creates the evidence folder for a detection at the given time
func (s *Store) CreateEvidence(at time.Time) (string, error) {
	dir := filepath.Join(s.root, EvidenceFolderName(at))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create evidence folder: %w", err)
	}
	return dir, nil
}

// CopyRecent copies ring frames captured within lookback of now into dst,
// keeping at most max of the newest ones. Returns the number copied.
func (s *Store) CopyRecent(dst string, lookback time.Duration, max int) (int, error) {
	s.mu.Lock()
	cutoff := s.now().Add(-lookback).UnixMilli()
	var selected []int64
	for i := len(s.recent) - 1; i >= 0 && len(selected) < max; i-- {
		if s.recent[i] < cutoff {
			break
		}
		selected = append(selected, s.recent[i])
	}
	s.mu.Unlock()

	copied := 0
	for i := len(selected) - 1; i >= 0; i-- {
		name := frameName(selected[i])
		if err := copyFile(filepath.Join(s.recentDir, name), filepath.Join(dst, name)); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return copied, fmt.Errorf("failed to copy %s: %w", name, err)
		}
		copied++
	}
	return copied, nil
}

// Stats returns save statistics
func (s *Store) Stats() (saved, evicted uint64) {
	return s.framesSaved.Load(), s.framesEvicted.Load()
}

func (s *Store) writeJPEG(path string, frame types.Frame) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	if err := jpeg.Encode(file, frame.Image, &jpeg.Options{Quality: s.jpegQuality}); err != nil {
		file.Close()
		os.Remove(path)
		return fmt.Errorf("JPEG encode failed: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}

	s.framesSaved.Add(1)
	return nil
}

func (s *Store) evictLocked() {
	for len(s.recent) > s.capacity {
		os.Remove(filepath.Join(s.recentDir, frameName(s.recent[0])))
		s.recent = s.recent[1:]
		s.framesEvicted.Add(1)
	}
}

// EvidenceFolderName formats a detection time as YYYYMMDD_HHMMSS_mmm
func EvidenceFolderName(at time.Time) string {
	return fmt.Sprintf("%s_%03d", at.Format(EvidenceLayout), at.Nanosecond()/int(time.Millisecond))
}

// EvidenceTime recovers the detection time from an evidence folder path
func EvidenceTime(folder string) (time.Time, error) {
	base := filepath.Base(folder)
	if len(base) < len(EvidenceLayout) {
		return time.Time{}, fmt.Errorf("folder name %q is not a timestamp", base)
	}
	at, err := time.ParseInLocation(EvidenceLayout, base[:len(EvidenceLayout)], time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("folder name %q is not a timestamp: %w", base, err)
	}
	return at, nil
}

// ListFrames returns the frame files in dir ordered by capture time
func ListFrames(dir string) ([]string, error) {
	names, err := listFrameMS(dir)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(names))
	for i, ms := range names {
		paths[i] = filepath.Join(dir, frameName(ms))
	}
	return paths, nil
}

func listFrameMS(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var out []int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), frameExt) {
			continue
		}
		ms, err := strconv.ParseInt(strings.TrimSuffix(e.Name(), frameExt), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, ms)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func frameName(ms int64) string {
	return strconv.FormatInt(ms, 10) + frameExt
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
