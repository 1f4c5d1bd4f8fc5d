package measure

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultConnectionName labels records whose caller supplied a blank name.
const DefaultConnectionName = "Unknown-Connection"

var (
	// ErrNoResponse is returned by a Pinger when the echo reply did not
	// arrive before the per-probe timeout.
	ErrNoResponse = errors.New("no response")
	// ErrInvalidAttempts rejects a run before any probe is sent.
	ErrInvalidAttempts = errors.New("attempts must be > 0")
)

// ProbeOutcome is the classified result of a single latency attempt.
type ProbeOutcome struct {
	Attempt   int
	Responded bool
	RTT       time.Duration
	Err       error
}

// RTTMs returns the round-trip time in milliseconds with microsecond
// resolution.
func (o ProbeOutcome) RTTMs() float64 {
	return float64(o.RTT.Microseconds()) / 1000.0
}

// LatencySummary reduces one run of latency probes.
type LatencySummary struct {
	AverageMs   float64 `json:"avg_latency"`
	MinMs       float64 `json:"min_latency"`
	MaxMs       float64 `json:"max_latency"`
	JitterMs    float64 `json:"jitter"`
	LossPercent float64 `json:"packet_loss"`
}

// BandwidthSummary holds throughput in megabits per second rounded to two
// decimals. The zero value is the degraded result.
type BandwidthSummary struct {
	DownloadMbps float64 `json:"download_speed"`
	UploadMbps   float64 `json:"upload_speed"`
}

// Record is one persisted measurement.
type Record struct {
	Timestamp      Timestamp        `json:"timestamp"`
	ConnectionName string           `json:"connection_name"`
	Ping           LatencySummary   `json:"ping"`
	Speed          BandwidthSummary `json:"speed"`
}

// timestampLayout is ISO-8601 with microseconds and the local UTC offset.
const timestampLayout = "2006-01-02T15:04:05.000000-07:00"

// offsetLayouts carry their own zone. Either a T or a space may separate
// date and time.
var offsetLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999Z0700",
}

// legacyLayouts have no offset and are read in the local zone.
var legacyLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Timestamp is the capture instant of a Record.
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates t to the precision kept on disk so that a saved
// record reloads unchanged.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.Truncate(time.Microsecond)}
}

func (t Timestamp) String() string {
	return t.Format(timestampLayout)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Format(timestampLayout))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseTimestamp(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTimestamp accepts the on-disk layout, RFC 3339 and ISO-8601 values
// with either separator, with or without an offset.
func ParseTimestamp(raw string) (Timestamp, error) {
	for _, layout := range offsetLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return Timestamp{Time: parsed}, nil
		}
	}
	for _, layout := range legacyLayouts {
		if parsed, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return Timestamp{Time: parsed}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("invalid timestamp %q", raw)
}
