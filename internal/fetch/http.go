package fetch

import (
	"context"
	"net/http"
	"net/url"

	"github.com/schaermu/pkgsyncd/internal/syncerr"
)

// HTTPFetcher fetches files through the download API.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

// NewHTTPFetcher creates a fetcher using client, or http.DefaultClient when nil.
func NewHTTPFetcher(client *http.Client, userAgent string) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client, userAgent: userAgent}
}

// URL returns the API request URL for name.
func URL(src Source, name string) (string, error) {
	u, err := url.Parse(src.APIURL)
	if err != nil {
		return "", syncerr.Invalid("build download url", "invalid api url %q: %v", src.APIURL, err)
	}
	q := u.Query()
	q.Set("bucketName", src.Bucket)
	q.Set("pathFilename", src.Key(name))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Fetch issues a GET for name and returns the streaming body.
func (f *HTTPFetcher) Fetch(ctx context.Context, src Source, name string) (*Response, error) {
	target, err := URL(src, name)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, transferError("create request", name, err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, transferError("fetch", name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, &syncerr.StatusError{Name: name, URL: target, StatusCode: resp.StatusCode}
	}

	return &Response{
		ContentType: resp.Header.Get("Content-Type"),
		Size:        resp.ContentLength,
		Body:        resp.Body,
	}, nil
}
