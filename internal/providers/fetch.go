package providers

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const maxFetchSize = 25 << 20 // 25 MB, generous enough for put(uri=…) documents.

// HTTPFetcher fetches http(s) URIs for put(uri=…), adapted
// from the same blocked-host/redirect-cap/size-cap guard the MCP server
// uses for asset uploads, now protecting a store write instead of a
// filesystem write.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher builds a Fetcher with a bounded timeout and a redirect
// policy that re-checks every hop against the blocked-host list.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	f := &HTTPFetcher{}
	f.client = &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects (max 5)")
			}
			return checkBlockedHost(req.URL.Hostname())
		},
	}
	return f
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (Fetched, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Fetched{}, fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return Fetched{}, fmt.Errorf("unsupported scheme: %s (only http/https)", parsed.Scheme)
	}
	if err := checkBlockedHost(parsed.Hostname()); err != nil {
		return Fetched{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Fetched{}, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Fetched{}, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Fetched{}, fmt.Errorf("fetch failed: HTTP %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, maxFetchSize+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return Fetched{}, fmt.Errorf("read body failed: %w", err)
	}
	if len(data) > maxFetchSize {
		return Fetched{}, fmt.Errorf("content too large: exceeds %d bytes", maxFetchSize)
	}

	ct := strings.Split(resp.Header.Get("Content-Type"), ";")[0]
	return Fetched{Bytes: data, ContentType: ct}, nil
}

// checkBlockedHost rejects loopback and cloud metadata addresses, the
// same SSRF guard the MCP server applies to asset uploads.
func checkBlockedHost(host string) error {
	if host == "metadata.google.internal" {
		return fmt.Errorf("blocked host: %s", host)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		ips, lookupErr := net.LookupIP(host)
		if lookupErr != nil || len(ips) == 0 {
			return nil //nolint:nilerr // let the HTTP client surface the DNS failure
		}
		ip = ips[0]
	}

	if ip.IsLoopback() {
		return fmt.Errorf("blocked host: loopback address %s", host)
	}
	if ip.Equal(net.ParseIP("169.254.169.254")) {
		return fmt.Errorf("blocked host: cloud metadata address %s", host)
	}
	return nil
}

// FileFetcher fetches file:// URIs directly off the local filesystem, the
// "Fast path for local files" counterpart to HTTPFetcher.
type FileFetcher struct{}

// Fetch implements Fetcher for the file:// scheme.
func (FileFetcher) Fetch(_ context.Context, rawURL string) (Fetched, error) {
	path := strings.TrimPrefix(rawURL, "file://")
	data, err := os.ReadFile(path)
	if err != nil {
		return Fetched{}, fmt.Errorf("read file: %w", err)
	}
	return Fetched{Bytes: data, ContentType: ""}, nil
}

// CompositeFetcher dispatches to the first registered Fetcher whose
// scheme matches the URI, the same "try multiple, first match wins"
// shape as the original's DocumentProvider.supports/fetch pair.
type CompositeFetcher struct {
	byScheme map[string]Fetcher
}

// NewCompositeFetcher builds a CompositeFetcher that routes by URI
// scheme (e.g. "http"/"https" -> HTTPFetcher, "file" -> FileFetcher).
func NewCompositeFetcher(byScheme map[string]Fetcher) *CompositeFetcher {
	return &CompositeFetcher{byScheme: byScheme}
}

// Fetch implements Fetcher, dispatching by scheme.
func (c *CompositeFetcher) Fetch(ctx context.Context, rawURL string) (Fetched, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Fetched{}, fmt.Errorf("invalid URL: %w", err)
	}
	f, ok := c.byScheme[parsed.Scheme]
	if !ok {
		return Fetched{}, fmt.Errorf("no fetcher registered for scheme %q", parsed.Scheme)
	}
	return f.Fetch(ctx, rawURL)
}
