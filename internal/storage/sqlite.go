package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/NodePath81/netspector/internal/measure"
	"github.com/NodePath81/netspector/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

const createResultsTable = `
CREATE TABLE IF NOT EXISTS results(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	connection_name TEXT NOT NULL,
	avg_latency REAL NOT NULL,
	min_latency REAL NOT NULL,
	max_latency REAL NOT NULL,
	jitter REAL NOT NULL,
	packet_loss REAL NOT NULL,
	download_speed REAL NOT NULL,
	upload_speed REAL NOT NULL
);`

const insertResult = `
INSERT INTO results(timestamp, connection_name, avg_latency, min_latency, max_latency,
	jitter, packet_loss, download_speed, upload_speed)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`

const selectResults = `
SELECT timestamp, connection_name, avg_latency, min_latency, max_latency,
	jitter, packet_loss, download_speed, upload_speed
FROM results ORDER BY id;`

// SQLiteLog stores one row per record; the row id preserves append order.
type SQLiteLog struct {
	db     *sql.DB
	path   string
	logger util.Logger
}

func OpenSQLite(path string, logger util.Logger) (*SQLiteLog, error) {
	if logger == nil {
		logger = util.DiscardLogger()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite result log: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createResultsTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create results table: %w", err)
	}
	return &SQLiteLog{db: db, path: path, logger: logger}, nil
}

func (l *SQLiteLog) Save(rec measure.Record) error {
	_, err := l.db.Exec(insertResult,
		rec.Timestamp.String(),
		rec.ConnectionName,
		rec.Ping.AverageMs,
		rec.Ping.MinMs,
		rec.Ping.MaxMs,
		rec.Ping.JitterMs,
		rec.Ping.LossPercent,
		rec.Speed.DownloadMbps,
		rec.Speed.UploadMbps,
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	l.logger.Info("result saved", "path", l.path)
	return nil
}

func (l *SQLiteLog) LoadAll() ([]measure.Record, error) {
	rows, err := l.db.Query(selectResults)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()
	records := []measure.Record{}
	for rows.Next() {
		var (
			rec measure.Record
			ts  string
		)
		if err := rows.Scan(
			&ts,
			&rec.ConnectionName,
			&rec.Ping.AverageMs,
			&rec.Ping.MinMs,
			&rec.Ping.MaxMs,
			&rec.Ping.JitterMs,
			&rec.Ping.LossPercent,
			&rec.Speed.DownloadMbps,
			&rec.Speed.UploadMbps,
		); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		parsed, err := measure.ParseTimestamp(ts)
		if err != nil {
			l.logger.Warn("skipping result with bad timestamp", "timestamp", ts, "error", err)
			continue
		}
		rec.Timestamp = parsed
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (l *SQLiteLog) Close() error {
	return l.db.Close()
}
