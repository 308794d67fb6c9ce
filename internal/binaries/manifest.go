package binaries

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Masterminds/semver/v3"
)

// DefaultIndexTimeout bounds a single release index request.
const DefaultIndexTimeout = 15 * time.Second

// IndexClient reads the remote release index: a versioned manifest
// mapping {binary, platform} to {version, url, checksum}. The wire
// format is an external contract owned by the release pipeline.
type IndexClient struct {
	// BaseURL is the index root; the manifest for a binary lives at
	// <BaseURL>/<binary>/latest.json
	BaseURL string

	// HTTPClient is the client used for index requests
	HTTPClient *http.Client
}

// NewIndexClient creates an IndexClient for the given index root.
func NewIndexClient(baseURL string) *IndexClient {
	return &IndexClient{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: DefaultIndexTimeout},
	}
}

// latestManifest is the wire shape of <binary>/latest.json.
type latestManifest struct {
	Version string           `json:"version"`
	Assets  map[string]Asset `json:"assets"`
}

// Latest fetches the highest released version of b.
func (c *IndexClient) Latest(ctx context.Context, b Binary) (VersionInfo, error) {
	url := fmt.Sprintf("%s/%s/latest.json", c.BaseURL, b)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return VersionInfo{}, fmt.Errorf("building index request: %w", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return VersionInfo{}, fmt.Errorf("fetching index %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return VersionInfo{}, fmt.Errorf("fetching index %s: unexpected status %d", url, resp.StatusCode)
	}

	var m latestManifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return VersionInfo{}, fmt.Errorf("decoding index %s: %w", url, err)
	}

	version, err := semver.NewVersion(m.Version)
	if err != nil {
		return VersionInfo{}, fmt.Errorf("parsing index version %q: %w", m.Version, err)
	}

	return VersionInfo{Version: version, Assets: m.Assets}, nil
}
