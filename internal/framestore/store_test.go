package framestore

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/NoSleep-Drive/embedded/internal/types"
)

func testFrame(at time.Time) types.Frame {
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	return types.Frame{Timestamp: at, Image: img}
}

func openStore(t *testing.T, capacity int, now func() time.Time) *Store {
	t.Helper()
	s, err := Open(Options{Root: t.TempDir(), RingCapacity: capacity, Now: now})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func TestSaveRecentEvictsOldest(t *testing.T) {
	s := openStore(t, 3, nil)
	base := time.UnixMilli(1_700_000_000_000)

	for i := 0; i < 5; i++ {
		if _, err := s.SaveRecent(testFrame(base.Add(time.Duration(i) * 42 * time.Millisecond))); err != nil {
			t.Fatalf("SaveRecent failed: %v", err)
		}
	}

	if s.RecentCount() != 3 {
		t.Errorf("Expected 3 frames in ring, got %d", s.RecentCount())
	}
	files, err := ListFrames(s.RecentDir())
	if err != nil {
		t.Fatalf("ListFrames failed: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("Expected 3 files on disk, got %d", len(files))
	}
	want := filepath.Join(s.RecentDir(), "1700000000084.jpg")
	if files[0] != want {
		t.Errorf("Expected oldest kept %s, got %s", want, files[0])
	}
	_, evicted := s.Stats()
	if evicted != 2 {
		t.Errorf("Expected 2 evicted, got %d", evicted)
	}
}

func TestSaveRecentKeepsNamesUnique(t *testing.T) {
	s := openStore(t, 10, nil)
	at := time.UnixMilli(1_700_000_000_000)

	p1, _ := s.SaveRecent(testFrame(at))
	p2, _ := s.SaveRecent(testFrame(at))
	if p1 == p2 {
		t.Errorf("Expected unique names, both are %s", p1)
	}
}

func TestSaveRecentRejectsEmptyFrame(t *testing.T) {
	s := openStore(t, 10, nil)
	if _, err := s.SaveRecent(types.Frame{Timestamp: time.Now()}); err == nil {
		t.Error("Expected error for empty frame")
	}
}

func TestCopyRecentHonoursLookbackAndMax(t *testing.T) {
	now := time.UnixMilli(1_700_000_010_000)
	s := openStore(t, 200, func() time.Time { return now })

	// 100 frames, 42ms apart, ending at now
	for i := 99; i >= 0; i-- {
		if _, err := s.SaveRecent(testFrame(now.Add(-time.Duration(i) * 42 * time.Millisecond))); err != nil {
			t.Fatalf("SaveRecent failed: %v", err)
		}
	}

	dir, err := s.CreateEvidence(now)
	if err != nil {
		t.Fatalf("CreateEvidence failed: %v", err)
	}

	n, err := s.CopyRecent(dir, 2500*time.Millisecond, 60)
	if err != nil {
		t.Fatalf("CopyRecent failed: %v", err)
	}
	// 2500ms / 42ms -> 60 frames within the window (0..59 steps back)
	if n != 60 {
		t.Errorf("Expected 60 copied, got %d", n)
	}

	n2, err := s.CopyRecent(dir, 2500*time.Millisecond, 10)
	if err != nil {
		t.Fatalf("CopyRecent failed: %v", err)
	}
	if n2 != 10 {
		t.Errorf("Expected max of 10 copied, got %d", n2)
	}

	n3, _ := s.CopyRecent(dir, 200*time.Millisecond, 60)
	if n3 != 5 {
		t.Errorf("Expected 5 frames within 200ms, got %d", n3)
	}
}

func TestPurgeRecent(t *testing.T) {
	s := openStore(t, 10, nil)
	for i := 0; i < 4; i++ {
		s.SaveRecent(testFrame(time.UnixMilli(int64(1000 + i))))
	}
	if err := s.PurgeRecent(); err != nil {
		t.Fatalf("PurgeRecent failed: %v", err)
	}
	if s.RecentCount() != 0 {
		t.Errorf("Expected empty ring, got %d", s.RecentCount())
	}
	entries, _ := os.ReadDir(s.RecentDir())
	if len(entries) != 0 {
		t.Errorf("Expected empty directory, got %d entries", len(entries))
	}
}

func TestOpenIndexesExistingRing(t *testing.T) {
	root := t.TempDir()
	s, err := Open(Options{Root: root, RingCapacity: 10})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		s.SaveRecent(testFrame(time.UnixMilli(int64(5000 + i*42))))
	}

	reopened, err := Open(Options{Root: root, RingCapacity: 2})
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if reopened.RecentCount() != 2 {
		t.Errorf("Expected ring trimmed to 2 on reopen, got %d", reopened.RecentCount())
	}
}

func TestEvidenceFolderNameRoundTrip(t *testing.T) {
	at := time.Date(2024, 3, 9, 14, 5, 7, 123*int(time.Millisecond), time.Local)

	name := EvidenceFolderName(at)
	if name != "20240309_140507_123" {
		t.Errorf("Expected 20240309_140507_123, got %s", name)
	}

	parsed, err := EvidenceTime(filepath.Join("/data", name))
	if err != nil {
		t.Fatalf("EvidenceTime failed: %v", err)
	}
	if got := parsed.Format("2006-01-02T15:04:05"); got != "2024-03-09T14:05:07" {
		t.Errorf("Expected 2024-03-09T14:05:07, got %s", got)
	}

	if _, err := EvidenceTime("/data/recent"); err == nil {
		t.Error("Expected error for non-timestamp folder")
	}
}

func TestSaveToWritesDecodableJPEG(t *testing.T) {
	s := openStore(t, 10, nil)
	dir, _ := s.CreateEvidence(time.Now())

	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	path, err := s.SaveTo(dir, types.Frame{Timestamp: time.Now(), Image: img})
	if err != nil {
		t.Fatalf("SaveTo failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer f.Close()
	if _, _, err := image.Decode(f); err != nil {
		t.Errorf("Expected decodable image, got %v", err)
	}
}
