package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// GitHubClient implements TagLister against a github-shaped remote host's
// API, and also exposes the raw-manifest and tarball endpoints named in
// spec §6, so the registry (C4) and installer (C5) can share one HTTP
// client configuration. Its shape — a configurable *http.Client wrapped
// with sane timeouts — follows the teacher's modules/httpclient module.
type GitHubClient struct {
	httpClient *http.Client
	apiHost    string // e.g. "api.github.com"
	rawHost    string // e.g. "raw.githubusercontent.com"
	userAgent  string
}

// NewGitHubClient creates a client for the given host's api./raw. subdomains
// (e.g. host="github.com" yields api.github.com / raw.githubusercontent.com
// style endpoints — callers supply the exact hostnames since some hosts
// don't follow the github.com naming convention).
func NewGitHubClient(apiHost, rawHost, userAgent string, timeout time.Duration) *GitHubClient {
	if userAgent == "" {
		userAgent = "modsup"
	}
	return &GitHubClient{
		httpClient: &http.Client{Timeout: timeout},
		apiHost:    apiHost,
		rawHost:    rawHost,
		userAgent:  userAgent,
	}
}

type tagEntry struct {
	Name string `json:"name"`
}

// ListTags implements TagLister by calling the remote host's tags API.
func (c *GitHubClient) ListTags(ctx context.Context, owner, name string) ([]string, error) {
	url := fmt.Sprintf("https://%s/repos/%s/%s/tags", c.apiHost, owner, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build tag listing request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list tags: unexpected status %d", resp.StatusCode)
	}

	var entries []tagEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode tag listing: %w", err)
	}

	tags := make([]string, 0, len(entries))
	for _, e := range entries {
		tags = append(tags, e.Name)
	}
	return tags, nil
}

// FetchManifest fetches the raw package.json at owner/name/tag, per the
// endpoint named in spec §6.
func (c *GitHubClient) FetchManifest(ctx context.Context, owner, name, tag string) ([]byte, error) {
	url := fmt.Sprintf("https://%s/%s/%s/%s/package.json", c.rawHost, owner, name, tag)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build manifest request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch manifest: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read manifest body: %w", err)
	}
	return body, nil
}

// OpenTarball opens a streaming response body for the gzipped tarball at
// the remote's tarball endpoint. The caller is responsible for closing the
// returned ReadCloser.
func (c *GitHubClient) OpenTarball(ctx context.Context, owner, name, tag string) (io.ReadCloser, error) {
	url := fmt.Sprintf("https://%s/repos/%s/%s/tarball/%s", c.apiHost, owner, name, tag)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build tarball request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch tarball: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch tarball: unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}
