package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/NodePath81/netspector/internal/config"
	"github.com/NodePath81/netspector/internal/measure"
	"github.com/google/go-cmp/cmp"
)

func sampleRecord(i int) measure.Record {
	base := time.Date(2026, 10, 18, 8, 0, 0, 987654321, time.FixedZone("", 3*3600+1800))
	return measure.Record{
		Timestamp:      measure.NewTimestamp(base.Add(time.Duration(i) * time.Minute)),
		ConnectionName: "conn-" + string(rune('a'+i)),
		Ping: measure.LatencySummary{
			AverageMs:   10.9 + float64(i),
			MinMs:       9,
			MaxMs:       13.125,
			JitterMs:    1.1972245773362196,
			LossPercent: 100.0 / 3.0,
		},
		Speed: measure.BandwidthSummary{DownloadMbps: 93.46, UploadMbps: 11.99},
	}
}

func TestJSONLogMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "network_results.json")
	log := NewJSONLog(path, nil)

	records, err := log.LoadAll()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty log, got %d records", len(records))
	}

	rec := sampleRecord(0)
	if err := log.Save(rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("file not created: %v", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(string(raw)), "[") {
		t.Fatalf("file is not a JSON array: %s", raw)
	}
	records, _ = log.LoadAll()
	if diff := cmp.Diff([]measure.Record{rec}, records); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestJSONLogPreservesOrder(t *testing.T) {
	log := NewJSONLog(filepath.Join(t.TempDir(), "results.json"), nil)
	var want []measure.Record
	for i := 0; i < 5; i++ {
		rec := sampleRecord(i)
		want = append(want, rec)
		if err := log.Save(rec); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	got, _ := log.LoadAll()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	// A fresh instance reads the same file.
	reloaded, _ := NewJSONLog(log.Path(), nil).LoadAll()
	if diff := cmp.Diff(want, reloaded); diff != "" {
		t.Fatalf("reload mismatch (-want +got):\n%s", diff)
	}
}

func TestJSONLogMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")
	if err := os.WriteFile(path, []byte(`[{"timestamp": `), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	log := NewJSONLog(path, nil)
	records, err := log.LoadAll()
	if err != nil || len(records) != 0 {
		t.Fatalf("expected empty log without error, got %d records, err %v", len(records), err)
	}
	if err := log.Save(sampleRecord(1)); err != nil {
		t.Fatalf("save: %v", err)
	}
	records, _ = log.LoadAll()
	if len(records) != 1 {
		t.Fatalf("expected single record after save, got %d", len(records))
	}
}

func TestJSONLogReadsLegacyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")
	legacy := `[
    {
        "timestamp": "2025-06-01T21:14:03.512345",
        "connection_name": "Irancell-Hotspot",
        "ping": {"avg_latency": 45.6, "jitter": 12.3, "packet_loss": 0.0},
        "speed": {"download_speed": 32.1, "upload_speed": 5.7}
    }
]`
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	records, _ := NewJSONLog(path, nil).LoadAll()
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	got := records[0]
	if got.ConnectionName != "Irancell-Hotspot" || got.Ping.AverageMs != 45.6 || got.Speed.UploadMbps != 5.7 {
		t.Fatalf("unexpected record %+v", got)
	}
	want := time.Date(2025, 6, 1, 21, 14, 3, 512345000, time.Local)
	if !got.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", got.Timestamp, want)
	}
}

func TestJSONLogKeepsUndecodableEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")
	existing := `[
    {"timestamp": "2025-03-01 10:00:00.123456", "connection_name": "spaced",
     "ping": {"avg_latency": 1.5}, "speed": {"download_speed": 2, "upload_speed": 1}},
    {"timestamp": "last tuesday", "connection_name": "hand-edited",
     "ping": {"avg_latency": 3}, "speed": {}},
    {"timestamp": "2025-03-02T10:00:00", "connection_name": 42}
]`
	if err := os.WriteFile(path, []byte(existing), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	log := NewJSONLog(path, nil)
	records, err := log.LoadAll()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 || records[0].ConnectionName != "spaced" {
		t.Fatalf("expected only the decodable entry, got %+v", records)
	}

	rec := sampleRecord(2)
	if err := log.Save(rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var entries []map[string]any
	if err := json.Unmarshal(raw, &entries); err != nil {
		t.Fatalf("saved file is not a JSON array: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries after save, got %d", len(entries))
	}
	if entries[1]["timestamp"] != "last tuesday" || entries[2]["connection_name"] != float64(42) {
		t.Fatalf("undecodable entries were rewritten: %v %v", entries[1], entries[2])
	}
	records, _ = log.LoadAll()
	if len(records) != 2 || records[1].ConnectionName != rec.ConnectionName {
		t.Fatalf("unexpected records after save: %+v", records)
	}
}

func TestJSONLogUnreadableFileIsNotOverwritten(t *testing.T) {
	// A directory at the log path fails to read with something other than
	// ENOENT, which is surfaced instead of treated as an empty log.
	path := filepath.Join(t.TempDir(), "results.json")
	if err := os.MkdirAll(filepath.Join(path, "keep"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	log := NewJSONLog(path, nil)
	if _, err := log.LoadAll(); err == nil {
		t.Fatalf("expected read error from LoadAll")
	}
	err := log.Save(sampleRecord(0))
	if err == nil || !strings.Contains(err.Error(), "read result log") {
		t.Fatalf("Save err = %v, want read result log error", err)
	}
	if _, err := os.Stat(filepath.Join(path, "keep")); err != nil {
		t.Fatalf("existing content disturbed: %v", err)
	}
}

func TestJSONLogSaveFailure(t *testing.T) {
	dir := t.TempDir()
	// The log path is an existing directory, so the rename must fail.
	path := filepath.Join(dir, "occupied")
	if err := os.MkdirAll(filepath.Join(path, "child"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	log := NewJSONLog(path, nil)
	if err := log.Save(sampleRecord(0)); err == nil {
		t.Fatalf("expected save error")
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestRecent(t *testing.T) {
	var records []measure.Record
	for i := 0; i < 12; i++ {
		records = append(records, sampleRecord(i))
	}
	got := Recent(records, 10)
	if len(got) != 10 {
		t.Fatalf("got %d records, want 10", len(got))
	}
	if got[0].ConnectionName != records[11].ConnectionName || got[9].ConnectionName != records[2].ConnectionName {
		t.Fatalf("not newest first: first=%s last=%s", got[0].ConnectionName, got[9].ConnectionName)
	}
	if all := Recent(records[:3], 0); len(all) != 3 || all[0].ConnectionName != records[2].ConnectionName {
		t.Fatalf("unbounded Recent wrong: %+v", all)
	}
	if empty := Recent(nil, 10); len(empty) != 0 {
		t.Fatalf("expected empty slice")
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(config.StorageConfig{Backend: config.StorageBackendJSON, Path: filepath.Join(dir, "r.json")}, nil)
	if err != nil {
		t.Fatalf("open json: %v", err)
	}
	if _, ok := log.(*JSONLog); !ok {
		t.Fatalf("expected *JSONLog, got %T", log)
	}
	if _, err := Open(config.StorageConfig{Backend: "redis"}, nil); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
