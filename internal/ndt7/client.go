// Package ndt7 measures download and upload throughput against the nearest
// M-Lab ndt7 server.
package ndt7

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/NodePath81/netspector/internal/config"
	"github.com/NodePath81/netspector/internal/measure"
	"github.com/NodePath81/netspector/internal/util"
)

type Client struct {
	HTTPClient   *http.Client
	LocateHost   string
	LocateScheme string
	UserAgent    string
	MaxRuntime   time.Duration
	Logger       util.Logger

	dial dialFunc
}

func NewClient(cfg config.BandwidthConfig, logger util.Logger) *Client {
	if logger == nil {
		logger = util.DiscardLogger()
	}
	c := &Client{
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
		LocateHost:   cfg.LocateHost,
		LocateScheme: cfg.LocateScheme,
		UserAgent:    cfg.UserAgent,
		MaxRuntime:   cfg.MaxRuntime.Duration(),
		Logger:       logger,
	}
	if c.MaxRuntime <= 0 {
		c.MaxRuntime = paramMaxRuntime
	}
	c.dial = c.dialWebsocket
	return c
}

// Measure picks the nearest server and runs the download then the upload
// subtest. Throughput is reported in bits per second.
func (c *Client) Measure(ctx context.Context, progress measure.ProgressFunc) (measure.Throughput, error) {
	emit := func(format string, args ...any) {
		if progress != nil {
			progress(fmt.Sprintf(format, args...))
		}
	}
	servers, err := c.Locate(ctx)
	if err != nil {
		return measure.Throughput{}, fmt.Errorf("locate server: %w", err)
	}
	server := servers[0]
	emit("  Selected server: %s", server)
	c.Logger.Info("ndt7 server selected", "server", server.Hostname, "site", server.Site)

	emit("  Testing download speed...")
	down, err := c.runSubtest(ctx, server.DownloadURL, download)
	if err != nil {
		return measure.Throughput{}, fmt.Errorf("download: %w", err)
	}
	emit("  Download: %s", util.FormatBitsPerSecond(down.BitsPerSecond()))

	emit("  Testing upload speed...")
	up, err := c.runSubtest(ctx, server.UploadURL, upload)
	if err != nil {
		return measure.Throughput{}, fmt.Errorf("upload: %w", err)
	}
	emit("  Upload: %s", util.FormatBitsPerSecond(up.BitsPerSecond()))

	c.Logger.Debug("ndt7 subtests complete",
		"download", util.FormatBytes(float64(down.Bytes)), "download_elapsed", down.Elapsed,
		"upload", util.FormatBytes(float64(up.Bytes)), "upload_elapsed", up.Elapsed)
	return measure.Throughput{
		DownloadBps: down.BitsPerSecond(),
		UploadBps:   up.BitsPerSecond(),
		Server:      server.Hostname,
	}, nil
}

type subtest func(ctx context.Context, conn wsConn, maxRuntime time.Duration) (transfer, error)

func (c *Client) runSubtest(ctx context.Context, rawURL string, run subtest) (transfer, error) {
	conn, err := c.dial(ctx, rawURL)
	if err != nil {
		return transfer{}, err
	}
	defer closeConn(conn)
	return run(ctx, conn, c.MaxRuntime)
}

// redactQuery drops the access token before a URL is logged.
func redactQuery(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	return u.String()
}
