package download

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nerrad567/chainkeeper/internal/chain"
)

// releaseLookupTimeout bounds the GitHub API call.
const releaseLookupTimeout = 15 * time.Second

// ReleaseResolver turns a github_release definition into a download URL by
// reading the repository's latest release.
type ReleaseResolver struct {
	client    *http.Client
	baseURL   string
	userAgent string
}

// NewReleaseResolver creates a resolver against baseURL (normally
// https://api.github.com).
func NewReleaseResolver(baseURL, userAgent string) *ReleaseResolver {
	return &ReleaseResolver{
		client:    &http.Client{Timeout: releaseLookupTimeout},
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
	}
}

type githubRelease struct {
	TagName string        `json:"tag_name"`
	Assets  []githubAsset `json:"assets"`
}

type githubAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// Resolve returns the download URL of the first asset in the latest release
// whose name matches rel.Asset.
func (r *ReleaseResolver) Resolve(ctx context.Context, rel *chain.Release) (string, error) {
	url := fmt.Sprintf("%s/repos/%s/releases/latest", r.baseURL, rel.Repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building release request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching latest release of %s: %w", rel.Repo, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Code: resp.StatusCode, Status: resp.Status, URL: url}
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return "", fmt.Errorf("decoding release of %s: %w", rel.Repo, err)
	}

	for _, a := range release.Assets {
		if rel.Asset.MatchString(a.Name) {
			return a.BrowserDownloadURL, nil
		}
	}
	return "", fmt.Errorf("%w %q in %s %s", ErrNoMatchingAsset, rel.Asset.String(), rel.Repo, release.TagName)
}
