// Package fetcher performs the single-URL text GET the rest of the asset
// engine builds on (spec.md §4.3, "Fetcher" / C3): a no-progress timeout,
// HTML-response rejection, and an optional cache-busting token.
//
// The no-progress timeout is grounded on the teacher's
// internal/filter/filterliststore eavesdropReadCloser/notifyReadCloser
// pair: instead of eavesdropping for a captured buffer, progressReader
// resets a timer on every successful Read, and the timer firing cancels
// the in-flight request's context.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// externalURLRegex matches the "external" URL test used throughout the
// asset engine: a scheme-qualified absolute URL.
var externalURLRegex = regexp.MustCompile(`(?i)^[a-z][a-z0-9+.-]*://`)

// IsExternal reports whether url is a scheme-qualified absolute URL. The
// Source Registry derives hasRemoteURL from its own, narrower pattern, not
// from this test.
func IsExternal(url string) bool {
	return externalURLRegex.MatchString(url)
}

// Result is what Fetch and FetchText report, mirroring the Fetcher
// contract's in-band error surface: callers never see a transport error
// bubble up as a Go error from these functions, only this struct.
type Result struct {
	URL        string
	Content    string
	Error      string
	StatusCode int
	// Headers carries the response headers of a successful fetch, so
	// callers can derive resourceTime from Date/Age when the content
	// itself carries no Last-Modified field.
	Headers http.Header
}

// Options configures a fetch.
type Options struct {
	// Timeout bounds no-progress time; any byte delivered resets it.
	Timeout time.Duration
	// RemoteServerFriendly disables the cache-busting query parameter.
	RemoteServerFriendly bool
	// Debug selects the narrower (second-granularity) cache-bust window.
	Debug bool
	// Now, if non-nil, is used instead of time.Now for the cache-bust
	// token, to keep tests deterministic.
	Now func() time.Time
}

// Fetcher performs GETs over an injected http.Client, so callers can
// substitute a fake transport in tests without a live network.
type Fetcher struct {
	client *http.Client
}

// New creates a Fetcher using client, or http.DefaultClient if nil.
func New(client *http.Client) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client}
}

// Fetch performs a single GET against url with a no-progress timeout.
// Status 0 (no HTTP response, e.g. a local scheme) is treated as success;
// anything outside 200-299 fails.
func (f *Fetcher) Fetch(ctx context.Context, url string, opts Options) Result {
	result := Result{URL: url}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		result.Error = fmt.Sprintf("errorCantConnectTo: %s", url)
		return result
	}

	resp, err := f.client.Do(req)
	if err != nil {
		result.Error = fmt.Sprintf("errorCantConnectTo: %s", url)
		return result
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.Headers = resp.Header.Clone()
	if resp.StatusCode != 0 && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		result.Error = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		return result
	}

	body, err := readWithNoProgressTimeout(resp.Body, timeout, cancel)
	if err != nil {
		result.Error = fmt.Sprintf("errorCantConnectTo: %s", url)
		return result
	}

	result.Content = string(body)
	return result
}

// FetchText layers the cache-busting token and HTML-response rejection atop
// Fetch. The URL field of the returned Result always echoes the
// caller-supplied url, never the rewritten one.
func (f *Fetcher) FetchText(ctx context.Context, url string, opts Options) Result {
	fetchURL := url
	if IsExternal(url) && !opts.RemoteServerFriendly {
		fetchURL = appendCacheBustToken(url, opts)
	}

	result := f.Fetch(ctx, fetchURL, opts)
	result.URL = url

	trimmed := strings.TrimSpace(result.Content)
	if result.Error == "" && strings.HasPrefix(trimmed, "<") && strings.HasSuffix(trimmed, ">") {
		result.Content = ""
		result.Error = "assets.fetchText(): Not a text file"
	}

	return result
}

// appendCacheBustToken appends a cache-busting query parameter derived from
// the current time. The token is floor(now/1000) % 86413 in debug mode,
// else floor(now/3_600_000) % 13; both moduli are prime to minimize
// cross-window collisions.
func appendCacheBustToken(url string, opts Options) string {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	millis := now().UnixMilli()

	var token int64
	if opts.Debug {
		token = (millis / 1000) % 86413
	} else {
		token = (millis / 3_600_000) % 13
	}

	separator := "?"
	if strings.Contains(url, "?") {
		separator = "&"
	}
	return url + separator + "_zb=" + strconv.FormatInt(token, 10)
}

// readWithNoProgressTimeout reads r to completion, resetting timeout every
// time a Read call returns at least one byte. If no bytes arrive within
// timeout, cancel is invoked, which aborts the underlying request and
// causes r.Read to return an error.
func readWithNoProgressTimeout(r io.Reader, timeout time.Duration, cancel context.CancelFunc) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-timer.C:
			cancel()
		case <-done:
		}
	}()

	pr := &progressReader{r: r, timer: timer, timeout: timeout}
	return io.ReadAll(pr)
}

// progressReader resets timer on every Read that delivers bytes, so the
// surrounding no-progress watchdog only fires on a genuine stall.
type progressReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		if !p.timer.Stop() {
			select {
			case <-p.timer.C:
			default:
			}
		}
		p.timer.Reset(p.timeout)
	}
	return n, err
}
