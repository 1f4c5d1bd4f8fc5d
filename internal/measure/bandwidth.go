package measure

import (
	"context"
	"fmt"
	"math"

	"github.com/NodePath81/netspector/internal/util"
)

const bitsPerMegabit = 1_000_000

// Throughput is the raw result of a bandwidth probe in bits per second.
type Throughput struct {
	DownloadBps float64
	UploadBps   float64
	// Server names the auto-selected measurement server, if known.
	Server string
}

// BandwidthProber discovers a server and measures download and upload
// throughput against it.
type BandwidthProber interface {
	Measure(ctx context.Context, progress ProgressFunc) (Throughput, error)
}

// BandwidthSampler runs one bandwidth probe and normalises it to Mbps.
// A failing probe yields the zero BandwidthSummary.
type BandwidthSampler struct {
	prober   BandwidthProber
	progress ProgressFunc
	logger   util.Logger
}

func NewBandwidthSampler(prober BandwidthProber, progress ProgressFunc, logger util.Logger) *BandwidthSampler {
	if logger == nil {
		logger = util.DiscardLogger()
	}
	return &BandwidthSampler{prober: prober, progress: progress, logger: logger}
}

func (s *BandwidthSampler) Sample(ctx context.Context) BandwidthSummary {
	emit(s.progress, "[+] Running speed test (this may take a while)...")
	tp, err := s.measure(ctx)
	if err != nil {
		emit(s.progress, fmt.Sprintf("[-] Error running speed test: %v", err))
		s.logger.Warn("bandwidth probe failed", "error", err)
		return BandwidthSummary{}
	}
	summary := NormalizeThroughput(tp)
	emit(s.progress, fmt.Sprintf("[+] Speed test completed: Download: %.2f Mbps, Upload: %.2f Mbps", summary.DownloadMbps, summary.UploadMbps))
	s.logger.Info("bandwidth probe completed",
		"server", tp.Server,
		"download_mbps", summary.DownloadMbps,
		"upload_mbps", summary.UploadMbps,
	)
	return summary
}

func (s *BandwidthSampler) measure(ctx context.Context) (tp Throughput, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bandwidth probe panic: %v", r)
		}
	}()
	if s.prober == nil {
		return Throughput{}, fmt.Errorf("no bandwidth prober configured")
	}
	return s.prober.Measure(ctx, s.progress)
}

// NormalizeThroughput converts bits per second to megabits per second
// rounded to two decimals. Negative or non-finite rates clamp to zero.
func NormalizeThroughput(tp Throughput) BandwidthSummary {
	return BandwidthSummary{
		DownloadMbps: toMbps(tp.DownloadBps),
		UploadMbps:   toMbps(tp.UploadBps),
	}
}

func toMbps(bps float64) float64 {
	if !(bps > 0) || math.IsInf(bps, 0) {
		return 0
	}
	return util.Round2(bps / bitsPerMegabit)
}
