package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func testRecord() Record {
	return Record{
		Type:       RecordEnd,
		Kind:       "traffic",
		StartTime:  time.Date(2025, 3, 10, 16, 30, 0, 0, time.UTC),
		EndTime:    time.Date(2025, 3, 10, 16, 30, 20, 0, time.UTC),
		Duration:   20,
		PI:         "0xE241",
		PS:         "P4 Radio",
		Radiotext:  "Trafikinformation",
		AudioPath:  "/var/lib/rdswatch/audio/audio_traffic_20250310_163000.wav",
		AudioBytes: 1920000,
	}
}

func TestJSONLSinkAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	s := NewJSONLSink(path)
	defer s.Close()

	ctx := context.Background()
	if err := s.Send(ctx, testRecord()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	second := testRecord()
	second.Kind = "alert_real"
	if err := s.Send(ctx, second); err != nil {
		t.Fatalf("Send: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var got []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("line not valid JSON: %v", err)
		}
		got = append(got, r)
	}
	if len(got) != 2 {
		t.Fatalf("lines = %d, want 2", len(got))
	}
	if got[0].Kind != "traffic" || got[1].Kind != "alert_real" {
		t.Errorf("kinds = %s, %s", got[0].Kind, got[1].Kind)
	}
	if got[0].Duration != 20 {
		t.Errorf("duration = %v", got[0].Duration)
	}
}

func TestSQLSinkSQLite(t *testing.T) {
	s, err := NewSQLSinkFromDSN(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("NewSQLSinkFromDSN: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Send(ctx, testRecord()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := s.Send(ctx, testRecord()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM announcement_events WHERE kind = ?", "traffic").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("rows = %d, want 2", count)
	}
	var rt string
	if err := s.db.QueryRowContext(ctx, "SELECT radiotext FROM announcement_events LIMIT 1").Scan(&rt); err != nil {
		t.Fatal(err)
	}
	if rt != "Trafikinformation" {
		t.Errorf("radiotext = %q", rt)
	}
}

func TestSQLSinkStoresStartRecord(t *testing.T) {
	s, err := NewSQLSinkFromDSN(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("NewSQLSinkFromDSN: %v", err)
	}
	defer s.Close()

	start := Record{
		Type:      RecordStart,
		Kind:      "alert_real",
		StartTime: time.Date(2025, 3, 10, 16, 30, 0, 0, time.UTC),
		PI:        "0xE241",
	}
	ctx := context.Background()
	if err := s.Send(ctx, start); err != nil {
		t.Fatalf("Send: %v", err)
	}
	var count int
	q := "SELECT COUNT(*) FROM announcement_events WHERE record_type = ? AND end_time IS NULL"
	if err := s.db.QueryRowContext(ctx, q, RecordStart).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("start rows = %d, want 1", count)
	}
}

func TestClickHouseSinkSendsJSONEachRow(t *testing.T) {
	var mu sync.Mutex
	var gotQuery, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotQuery = r.URL.Query().Get("query")
		b := make([]byte, 4096)
		n, _ := r.Body.Read(b)
		gotBody = string(b[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewClickHouseSink(srv.URL, "announcement_events")
	if err := s.Send(context.Background(), testRecord()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(gotQuery, "INSERT INTO announcement_events FORMAT JSONEachRow") {
		t.Errorf("query = %q", gotQuery)
	}
	if !strings.Contains(gotBody, `"kind":"traffic"`) || !strings.HasSuffix(gotBody, "\n") {
		t.Errorf("body = %q", gotBody)
	}
}

func TestClickHouseSinkErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	s := NewClickHouseSink(srv.URL, "t")
	if err := s.Send(context.Background(), testRecord()); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestHookSinkRunsCommand(t *testing.T) {
	out := filepath.Join(t.TempDir(), "hook.out")
	script := fmt.Sprintf(`printf '%%s %%s %%s %%s' "$RDSWATCH_TYPE" "$RDSWATCH_KIND" "$RDSWATCH_DURATION" "$RDSWATCH_AUDIO_PATH" > %s; true`, out)
	s := NewHookSink(script, 10*time.Second)

	r := testRecord()
	if err := s.Send(context.Background(), r); err != nil {
		t.Fatalf("Send: %v", err)
	}
	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	got := string(b)
	if !strings.Contains(got, "end traffic") || !strings.Contains(got, "20.0") || !strings.Contains(got, r.AudioPath) {
		t.Errorf("hook saw %q", got)
	}
}

func TestHookSinkFailurePropagates(t *testing.T) {
	s := NewHookSink("exit 7", 5*time.Second)
	if err := s.Send(context.Background(), testRecord()); err == nil {
		t.Fatal("expected error from failing hook")
	}
}

func TestHookSinkEmptyCommandNoop(t *testing.T) {
	s := NewHookSink("", time.Second)
	if err := s.Send(context.Background(), testRecord()); err != nil {
		t.Fatalf("empty hook must be a no-op: %v", err)
	}
}

type recordingSink struct {
	mu    sync.Mutex
	name  string
	fails int
	got   []Record
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return fmt.Errorf("transient")
	}
	s.got = append(s.got, r)
	return nil
}

func TestFanoutDeliversToAllSinks(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	f := NewFanout([]Sink{a, b}, nil)
	f.backoff = time.Millisecond

	f.Send(context.Background(), testRecord())
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatalf("delivery counts a=%d b=%d", len(a.got), len(b.got))
	}
}

func TestFanoutRetriesTransientFailure(t *testing.T) {
	a := &recordingSink{name: "a", fails: 2}
	f := NewFanout([]Sink{a}, nil)
	f.backoff = time.Millisecond

	f.Send(context.Background(), testRecord())
	if len(a.got) != 1 {
		t.Fatalf("record not delivered after transient failures, got %d", len(a.got))
	}
}

func TestFanoutBrokenSinkDoesNotBlockOthers(t *testing.T) {
	broken := &recordingSink{name: "broken", fails: 100}
	ok := &recordingSink{name: "ok"}
	f := NewFanout([]Sink{broken, ok}, nil)
	f.backoff = time.Millisecond

	f.Send(context.Background(), testRecord())
	if len(ok.got) != 1 {
		t.Fatal("healthy sink starved by broken one")
	}
}

func TestFanoutRecent(t *testing.T) {
	f := NewFanout(nil, nil)
	for i := 0; i < 5; i++ {
		r := testRecord()
		r.Duration = float64(i)
		f.Send(context.Background(), r)
	}
	recent := f.Recent(3)
	if len(recent) != 3 {
		t.Fatalf("recent = %d, want 3", len(recent))
	}
	if recent[0].Duration != 4 || recent[2].Duration != 2 {
		t.Errorf("order wrong: %v, %v", recent[0].Duration, recent[2].Duration)
	}
}

func TestNewFromDSN(t *testing.T) {
	tests := []struct {
		dsn      string
		wantName string
		wantErr  bool
	}{
		{"jsonl:///tmp/events.jsonl", "jsonl", false},
		{"clickhouse://localhost:8123?table=events", "clickhouse", false},
		{filepath.Join(t.TempDir(), "x.db"), "sql:sqlite", false},
		{"", "", true},
		{"redis://localhost", "", true},
	}
	for _, tt := range tests {
		s, err := NewFromDSN(tt.dsn)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NewFromDSN(%q) expected error", tt.dsn)
			}
			continue
		}
		if err != nil {
			t.Errorf("NewFromDSN(%q): %v", tt.dsn, err)
			continue
		}
		if s.Name() != tt.wantName {
			t.Errorf("NewFromDSN(%q).Name() = %s, want %s", tt.dsn, s.Name(), tt.wantName)
		}
		if c, ok := s.(interface{ Close() error }); ok {
			c.Close()
		}
	}
}
