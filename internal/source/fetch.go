package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"calwatch/internal/types"
)

// fetcher downloads ICS payloads with conditional requests. It keeps the
// last good body per URL in memory so a transient feed outage degrades to
// slightly stale data instead of a lost cycle.
type fetcher struct {
	client *http.Client

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

type cacheEntry struct {
	etag         string
	lastModified string
	body         []byte
	fetchedAt    time.Time
}

func newFetcher(timeout time.Duration) *fetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &fetcher{
		client: &http.Client{Timeout: timeout},
		cache:  make(map[string]*cacheEntry),
	}
}

// fetch returns the ICS body for the URL, honoring ETag/Last-Modified and
// falling back to the cached body on network errors and non-OK statuses.
func (f *fetcher) fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	cached := f.cache[url]
	f.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamCalendar, "failed to build feed request", err)
	}
	if cached != nil {
		if cached.etag != "" {
			req.Header.Set("If-None-Match", cached.etag)
		}
		if cached.lastModified != "" {
			req.Header.Set("If-Modified-Since", cached.lastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if cached != nil {
			return cached.body, nil
		}
		return nil, types.NewAppError(types.ErrCodeUpstreamCalendar, "feed fetch failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			if cached != nil {
				return cached.body, nil
			}
			return nil, types.NewAppError(types.ErrCodeUpstreamCalendar, "failed to read feed body", readErr)
		}
		f.mu.Lock()
		f.cache[url] = &cacheEntry{
			etag:         resp.Header.Get("ETag"),
			lastModified: resp.Header.Get("Last-Modified"),
			body:         body,
			fetchedAt:    time.Now().UTC(),
		}
		f.mu.Unlock()
		return body, nil

	case http.StatusNotModified:
		if cached == nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamCalendar, "feed returned 304 with no cached body", nil)
		}
		return cached.body, nil

	default:
		if cached != nil {
			return cached.body, nil
		}
		return nil, types.NewAppError(types.ErrCodeUpstreamCalendar,
			fmt.Sprintf("feed returned status %d", resp.StatusCode), nil)
	}
}
