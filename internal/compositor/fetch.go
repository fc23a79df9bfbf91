package compositor

import (
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"
)

const defaultMaxFetchBytes = 10 << 20 // 10 MiB

// FetchError wraps transport-level failures when downloading a source image.
// Decode failures are reported as ErrImageDecode instead.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string { return "compositor: fetch " + e.URL + ": " + e.Err.Error() }
func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher downloads and decodes remote images with a per-call timeout and a
// hard size cap.
type Fetcher struct {
	hc       *http.Client
	maxBytes int64
}

func NewFetcher(timeout time.Duration, maxBytes int64) *Fetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxFetchBytes
	}
	return &Fetcher{
		hc:       &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

func (f *Fetcher) Fetch(ctx context.Context, url string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	resp, err := f.hc.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	if int64(len(body)) > f.maxBytes {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("image exceeds %d bytes", f.maxBytes)}
	}

	return DecodeBytes(body)
}
