package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/NodePath81/netspector/internal/measure"
	"github.com/NodePath81/netspector/internal/util"
)

// JSONLog keeps every record in a single JSON array file. Saves rewrite the
// whole array through a temporary file and a rename. It assumes a single
// writer process.
type JSONLog struct {
	path   string
	mu     sync.Mutex
	logger util.Logger
}

func NewJSONLog(path string, logger util.Logger) *JSONLog {
	if logger == nil {
		logger = util.DiscardLogger()
	}
	return &JSONLog{path: path, logger: logger}
}

func (l *JSONLog) Path() string {
	return l.path
}

// LoadAll returns the decodable records in file order. A missing or
// malformed file reads as empty; entries that do not decode are skipped.
// Any other read error is returned.
func (l *JSONLog) LoadAll() ([]measure.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, records, err := l.load()
	if err != nil {
		return nil, err
	}
	return records, nil
}

// load returns every array entry verbatim alongside the ones that decode.
// Save writes the verbatim entries back so an unreadable entry is never
// dropped from history.
func (l *JSONLog) load() ([]json.RawMessage, []measure.Record, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, []measure.Record{}, nil
		}
		return nil, nil, fmt.Errorf("read result log: %w", err)
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		l.logger.Warn("result log malformed, treating as empty", "path", l.path, "error", err)
		return nil, []measure.Record{}, nil
	}
	records := make([]measure.Record, 0, len(entries))
	for i, entry := range entries {
		if bytes.Equal(bytes.TrimSpace(entry), []byte("null")) {
			continue
		}
		var rec measure.Record
		if err := json.Unmarshal(entry, &rec); err != nil {
			l.logger.Warn("skipping undecodable result entry", "path", l.path, "index", i, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return entries, records, nil
}

func (l *JSONLog) Save(rec measure.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, _, err := l.load()
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	entries = append(entries, encoded)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("encode result log: %w", err)
	}
	if err := writeFileAtomic(l.path, buf.Bytes()); err != nil {
		return err
	}
	l.logger.Info("result saved", "path", l.path, "records", len(entries))
	return nil
}

func (l *JSONLog) Close() error {
	return nil
}

// writeFileAtomic replaces path with data so that readers see either the
// old or the new content.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace result log: %w", err)
	}
	return nil
}
