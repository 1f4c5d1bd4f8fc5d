// Package storage implements the result log: an append-only, ordered
// collection of measurement records.
package storage

import (
	"fmt"

	"github.com/NodePath81/netspector/internal/config"
	"github.com/NodePath81/netspector/internal/measure"
	"github.com/NodePath81/netspector/internal/util"
)

// Log is a result log. Save appends one record atomically; LoadAll returns
// every record in insertion order.
type Log interface {
	Save(rec measure.Record) error
	LoadAll() ([]measure.Record, error)
	Close() error
}

// Open builds the backend selected by cfg.Backend.
func Open(cfg config.StorageConfig, logger util.Logger) (Log, error) {
	switch cfg.Backend {
	case "", config.StorageBackendJSON:
		return NewJSONLog(cfg.Path, logger), nil
	case config.StorageBackendSQLite:
		return OpenSQLite(cfg.SQLitePath, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Recent returns at most limit records, newest first. A non-positive limit
// returns all of them.
func Recent(records []measure.Record, limit int) []measure.Record {
	n := len(records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]measure.Record, 0, n)
	for i := len(records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, records[i])
	}
	return out
}
