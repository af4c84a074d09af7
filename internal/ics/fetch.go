package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	appLog "calwatch/internal/log"
	"calwatch/internal/model"
)

const (
	defaultTimeout = 30 * time.Second
	// maxBodyBytes bounds a single feed download.
	maxBodyBytes = 10 << 20
	userAgent    = "calwatch/1.0 (+ics-diff)"
)

// FetchErrorKind separates the ways a fetch can fail.
type FetchErrorKind string

const (
	FetchTransport FetchErrorKind = "transport"
	FetchStatus    FetchErrorKind = "status"
	FetchParse     FetchErrorKind = "parse"
)

// FetchError is returned by Fetcher.Fetch.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Kind == FetchStatus {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// cacheEntry holds HTTP cache metadata for a single ICS URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads ICS feeds. When a cache directory is set it sends
// conditional requests (ETag / Last-Modified) and reuses the cached body on
// 304 Not Modified. It never falls back to the cache on errors: a failed
// download must fail the cycle.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher creates a Fetcher. An empty cacheDir disables conditional
// requests.
func NewFetcher(cacheDir string, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		cacheDir: cacheDir,
	}
}

// Fetch downloads and parses the endpoint's feed.
func (f *Fetcher) Fetch(ctx context.Context, ep model.Endpoint) (*model.Snapshot, error) {
	body, err := f.fetchBody(ctx, ep)
	if err != nil {
		return nil, err
	}

	snap, err := Parse(body)
	if err != nil {
		return nil, &FetchError{Kind: FetchParse, URL: redactURL(ep.URL), Err: err}
	}
	appLog.Debug("ics parse completed", "endpoint", ep.Key, "event_count", snap.Len())
	return snap, nil
}

func (f *Fetcher) fetchBody(ctx context.Context, ep model.Endpoint) ([]byte, error) {
	redacted := redactURL(ep.URL)
	if ep.URL == "" {
		return nil, &FetchError{Kind: FetchTransport, URL: redacted, Err: errors.New("source URL is empty")}
	}

	var (
		cachePath  string
		meta       cacheEntry
		cachedBody []byte
	)
	if f.cacheDir != "" {
		cachePath = f.cachePathFor(ep)
		if err := os.MkdirAll(cachePath, 0o700); err != nil {
			appLog.Error("ics cache dir unavailable; fetching unconditionally", err, "endpoint", ep.Key)
			cachePath = ""
		} else {
			meta, _ = loadCacheMeta(cachePath)
			cachedBody, _ = loadCacheBody(cachePath)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL, nil)
	if err != nil {
		return nil, &FetchError{Kind: FetchTransport, URL: redacted, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")

	// Conditional headers only make sense when we can serve the body.
	if len(cachedBody) > 0 && meta.URL == ep.URL {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Debug("ics fetch start", "endpoint", ep.Key, "url", redacted)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: FetchTransport, URL: redacted, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if len(cachedBody) == 0 {
			return nil, &FetchError{Kind: FetchStatus, URL: redacted, StatusCode: resp.StatusCode,
				Err: errors.New("304 Not Modified without a cached body")}
		}
		appLog.Debug("ics fetch not modified; using cache", "endpoint", ep.Key)
		return cachedBody, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
		if err != nil {
			return nil, &FetchError{Kind: FetchTransport, URL: redacted, Err: err}
		}
		if len(body) > maxBodyBytes {
			return nil, &FetchError{Kind: FetchParse, URL: redacted,
				Err: fmt.Errorf("body exceeds %d bytes", maxBodyBytes)}
		}

		if cachePath != "" {
			newMeta := cacheEntry{
				URL:          ep.URL,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			}
			if err := saveCache(cachePath, newMeta, body); err != nil {
				// The body is still good; only the next request loses its validators.
				appLog.Error("ics cache save failed", err, "endpoint", ep.Key)
			}
		}

		appLog.Debug("ics fetch success", "endpoint", ep.Key, "status", resp.StatusCode, "bytes", len(body))
		return body, nil

	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &FetchError{Kind: FetchStatus, URL: redacted, StatusCode: resp.StatusCode,
			Err: errors.New(resp.Status)}
	}
}

// cachePathFor keys the cache by endpoint and URL so two endpoints never
// share a directory.
func (f *Fetcher) cachePathFor(ep model.Endpoint) string {
	sum := sha256.Sum256([]byte(ep.URL))
	dir := model.SafeKey(ep.Key) + "-" + hex.EncodeToString(sum[:8])
	return filepath.Join(f.cacheDir, dir)
}

func loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Write body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL hides sensitive parts of an ICS URL for logging purposes.
//
//	https://example.com/path/to/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := -1
	for idx := 0; idx+2 < len(u); idx++ {
		if u[idx:idx+3] == "://" {
			i = idx + 3
			break
		}
	}
	if i == -1 {
		return "ics://...(redacted)"
	}

	j := i
	for j < len(u) && u[j] != '/' {
		j++
	}
	return u[:j] + redactedSuffix
}
