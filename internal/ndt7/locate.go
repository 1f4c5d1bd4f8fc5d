package ndt7

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
)

const locatePath = "/v2/nearest/ndt/ndt7"

const (
	downloadURLKey = "wss:///ndt/v7/download"
	uploadURLKey   = "wss:///ndt/v7/upload"
)

var (
	// ErrLocateFailed reports a non-200 answer from the locate service.
	ErrLocateFailed = errors.New("ndt7: locate request failed")
	// ErrEmptyLocateResponse reports that no usable server was returned.
	ErrEmptyLocateResponse = errors.New("ndt7: no servers in locate response")
)

// Server is one measurement server picked by the locate service. The URLs
// carry access tokens and must be used as-is.
type Server struct {
	Hostname    string
	Site        string
	DownloadURL string
	UploadURL   string
}

func (s Server) String() string {
	if s.Site == "" {
		return s.Hostname
	}
	return fmt.Sprintf("%s (%s)", s.Hostname, s.Site)
}

type locateEntry struct {
	Machine string            `json:"machine"`
	URLs    map[string]string `json:"urls"`
}

type locateResult struct {
	Results []locateEntry `json:"results"`
}

// Example: mlab3-mil04.mlab-oti.measurement-lab.org
var siteRegexp = regexp.MustCompile(
	`^(mlab[1-4]d?)-([a-z]{3}[0-9tc]{2})\.([a-z0-9-]{1,16})\.(measurement-lab\.org)$`,
)

func siteOf(machine string) string {
	m := siteRegexp.FindStringSubmatch(machine)
	if len(m) != 5 {
		return ""
	}
	return m[2]
}

// Locate asks the locate service for the nearest ndt7 servers, nearest first.
func (c *Client) Locate(ctx context.Context) ([]Server, error) {
	u := &url.URL{Scheme: c.LocateScheme, Host: c.LocateHost, Path: locatePath}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.UserAgent)
	c.Logger.Debug("locate query", "url", u.String())
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d", ErrLocateFailed, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var result locateResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode locate response: %w", err)
	}
	servers := make([]Server, 0, len(result.Results))
	for _, entry := range result.Results {
		s := Server{
			DownloadURL: entry.URLs[downloadURLKey],
			UploadURL:   entry.URLs[uploadURLKey],
			Site:        siteOf(entry.Machine),
		}
		if s.DownloadURL == "" || s.UploadURL == "" {
			continue
		}
		parsed, err := url.Parse(s.DownloadURL)
		if err != nil {
			continue
		}
		s.Hostname = parsed.Hostname()
		servers = append(servers, s)
	}
	if len(servers) == 0 {
		return nil, ErrEmptyLocateResponse
	}
	return servers, nil
}
