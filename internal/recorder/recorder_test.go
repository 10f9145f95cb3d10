package recorder

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/rdswatch/internal/encoder"
)

func testCoordinator(t *testing.T, pre time.Duration) *Coordinator {
	t.Helper()
	cfg := Config{
		Dir:        t.TempDir(),
		Format:     encoder.FormatWAV,
		Params:     encoder.Params{SampleRate: 1000, Channels: 1, BitsPerSample: 16},
		PreTrigger: pre,
	}
	c, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func pcmChunk(n int, v int16) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func TestSessionLifecycle(t *testing.T) {
	c := testCoordinator(t, time.Second)
	start := time.Date(2025, 3, 10, 16, 30, 0, 0, time.UTC)

	if err := c.Start("traffic", start); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Write(pcmChunk(2000, 7)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	art, err := c.Stop(start.Add(2*time.Second), false)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if art == nil {
		t.Fatal("kept stop must return an artifact")
	}
	want := "audio_traffic_20250310_163000.wav"
	if filepath.Base(art.Path) != want {
		t.Errorf("artifact name = %s, want %s", filepath.Base(art.Path), want)
	}
	if art.Kind != "traffic" || art.Bytes != 4000 {
		t.Errorf("artifact = %+v", art)
	}
	if _, err := os.Stat(art.Path); err != nil {
		t.Fatalf("kept file missing: %v", err)
	}
	if strings.HasSuffix(art.Path, ".part") {
		t.Error("kept file still has in-progress suffix")
	}
	st := c.Snapshot()
	if st.Saved != 1 || st.Deleted != 0 || st.SessionOpen {
		t.Errorf("stats = %+v", st)
	}
}

func TestDiscardDeletesFile(t *testing.T) {
	c := testCoordinator(t, time.Second)
	start := time.Now()

	if err := c.Start("traffic", start); err != nil {
		t.Fatal(err)
	}
	if err := c.Write(pcmChunk(500, 3)); err != nil {
		t.Fatal(err)
	}
	art, err := c.Stop(start.Add(time.Second), true)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if art != nil {
		t.Fatal("discarded stop must not return an artifact")
	}
	entries, err := os.ReadDir(c.cfg.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("discarded recording left files behind: %v", entries)
	}
	if st := c.Snapshot(); st.Deleted != 1 || st.Saved != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPreTriggerPrepended(t *testing.T) {
	c := testCoordinator(t, time.Second) // 1s at 1000 Hz mono = 2000 bytes

	// fill the ring with more than it holds; only the newest second stays
	if err := c.Write(pcmChunk(900, 1)); err != nil {
		t.Fatal(err)
	}
	if err := c.Write(pcmChunk(900, 2)); err != nil {
		t.Fatal(err)
	}
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	if err := c.Start("alert_real", start); err != nil {
		t.Fatal(err)
	}
	if err := c.Write(pcmChunk(100, 3)); err != nil {
		t.Fatal(err)
	}
	art, err := c.Stop(start.Add(time.Second), false)
	if err != nil || art == nil {
		t.Fatalf("Stop: art=%v err=%v", art, err)
	}
	// ring capacity 2000 bytes: 200 bytes of value 1, 1800 of value 2,
	// then 200 of live value 3
	if art.Bytes != 2200 {
		t.Fatalf("bytes = %d, want 2200", art.Bytes)
	}
	data, err := os.ReadFile(art.Path)
	if err != nil {
		t.Fatal(err)
	}
	pcm := data[44:]
	if len(pcm) != 2200 {
		t.Fatalf("payload = %d bytes, want 2200", len(pcm))
	}
	first := int16(binary.LittleEndian.Uint16(pcm))
	if first != 1 {
		t.Errorf("first sample = %d, want buffered lead-in", first)
	}
	last := int16(binary.LittleEndian.Uint16(pcm[len(pcm)-2:]))
	if last != 3 {
		t.Errorf("last sample = %d, want live audio", last)
	}
}

func TestSecondStartFinalizesOpenSession(t *testing.T) {
	c := testCoordinator(t, time.Second)
	t0 := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	if err := c.Start("traffic", t0); err != nil {
		t.Fatal(err)
	}
	if err := c.Write(pcmChunk(100, 1)); err != nil {
		t.Fatal(err)
	}
	if err := c.Start("alert_real", t0.Add(5*time.Second)); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := c.Write(pcmChunk(100, 2)); err != nil {
		t.Fatal(err)
	}
	art, err := c.Stop(t0.Add(20*time.Second), false)
	if err != nil || art == nil {
		t.Fatalf("Stop: art=%v err=%v", art, err)
	}
	if art.Kind != "alert_real" {
		t.Errorf("kind = %s", art.Kind)
	}
	// The superseded session was closed out and kept as its own file.
	entries, _ := os.ReadDir(c.cfg.Dir)
	if len(entries) != 2 {
		t.Fatalf("expected two files, got %d", len(entries))
	}
	st := c.Snapshot()
	if st.Saved != 2 || st.Deleted != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSessionFloorDeletesShortRecording(t *testing.T) {
	cfg := Config{
		Dir:         t.TempDir(),
		Format:      encoder.FormatWAV,
		Params:      encoder.Params{SampleRate: 1000, Channels: 1, BitsPerSample: 16},
		PreTrigger:  time.Second,
		MinDuration: 10 * time.Second,
	}
	c, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t0 := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	if err := c.Start("traffic", t0); err != nil {
		t.Fatal(err)
	}
	if err := c.Write(pcmChunk(100, 1)); err != nil {
		t.Fatal(err)
	}
	// Kept by the caller, but still under the session's own floor.
	art, err := c.Stop(t0.Add(3*time.Second), false)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if art != nil {
		t.Fatalf("short session returned artifact %+v", art)
	}
	entries, _ := os.ReadDir(cfg.Dir)
	if len(entries) != 0 {
		t.Fatalf("short session left files: %v", entries)
	}
	if st := c.Snapshot(); st.Deleted != 1 || st.Saved != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestStopWithoutSessionIsNoop(t *testing.T) {
	c := testCoordinator(t, time.Second)
	art, err := c.Stop(time.Now(), false)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if art != nil {
		t.Fatal("no session, no artifact")
	}
}

func TestWriteOutsideSessionBuffersOnly(t *testing.T) {
	c := testCoordinator(t, time.Second)
	if err := c.Write(pcmChunk(100, 1)); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(c.cfg.Dir)
	if len(entries) != 0 {
		t.Fatalf("idle writes must not create files: %v", entries)
	}
	if st := c.Snapshot(); st.BytesWritten != 0 {
		t.Errorf("bytes written = %d outside a session", st.BytesWritten)
	}
}

func TestCloseDiscardsOpenSession(t *testing.T) {
	c := testCoordinator(t, time.Second)
	if err := c.Start("traffic", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	entries, _ := os.ReadDir(c.cfg.Dir)
	if len(entries) != 0 {
		t.Fatalf("shutdown left files behind: %v", entries)
	}
}

func TestRingAlignment(t *testing.T) {
	r := newRing(10, 2)
	// odd-sized writes must still evict whole samples
	r.write([]byte{1, 2, 3})
	r.write([]byte{4, 5, 6, 7, 8})
	r.write([]byte{9, 10, 11, 12})
	snap := r.snapshot()
	if len(snap)%2 != 0 {
		t.Fatalf("snapshot length %d not sample aligned", len(snap))
	}
	// stream is bytes 1..12; aligned tail of capacity 10 starts at byte 3
	want := []byte{3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	if string(snap) != string(want) {
		t.Fatalf("snapshot = %v, want %v", snap, want)
	}
}

func TestRingHugeWriteKeepsAlignedTail(t *testing.T) {
	r := newRing(6, 2)
	big := make([]byte, 15)
	for i := range big {
		big[i] = byte(i + 1)
	}
	r.write(big)
	snap := r.snapshot()
	// capacity tail would start at stream offset 9 (odd); aligned start is 10
	want := []byte{11, 12, 13, 14, 15}
	if string(snap) != string(want) {
		t.Fatalf("snapshot = %v, want %v", snap, want)
	}
}
