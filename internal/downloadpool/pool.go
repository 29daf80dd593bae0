// Package downloadpool implements the shared HTTP download pool: one
// connection pool per install run, internally concurrent, gated by a
// semaphore so a run never opens more sockets than it can usefully
// saturate. It also houses the compact-index client.
package downloadpool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/net/http2"
	"golang.org/x/sync/semaphore"

	"github.com/kraklabs/scint"
)

// Pool is a shared, concurrency-limited HTTP client for one install run.
type Pool struct {
	client *http.Client
	sem    *semaphore.Weighted
}

// New constructs a Pool. maxConcurrent bounds simultaneous in-flight
// requests across the whole run.
func New(maxConcurrent int64) *Pool {
	transport := &http.Transport{MaxIdleConnsPerHost: 10}
	// Registry fetches benefit from multiplexed streams when the index
	// host supports h2.
	_ = http2.ConfigureTransport(transport)
	return &Pool{
		client: &http.Client{Transport: transport},
		sem:    semaphore.NewWeighted(maxConcurrent),
	}
}

// ErrNotFound marks a 404 as a distinguishable condition callers may want
// to handle specially (e.g. "gem not on this registry").
type ErrNotFound struct {
	URL string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s: HTTP status 404", e.URL)
}

// Fetch implements acquire.Downloader: it acquires a pool slot, issues the
// GET, and returns a reader that releases the slot on Close.
func (p *Pool) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	release := func() { p.sem.Release(1) }

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		release()
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := p.client.Do(req)
	if err != nil {
		release()
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		release()
		return nil, &ErrNotFound{URL: url}
	}
	if resp.StatusCode != http.StatusOK {
		// Capture headers and (a bounded amount of) body so the failure
		// summary can show what the server actually said, e.g. on a 401.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		release()
		return nil, &scint.Error{
			Kind:            scint.ErrNetwork,
			Msg:             fmt.Sprintf("%s: HTTP status %s", url, resp.Status),
			ResponseHeaders: resp.Header,
			ResponseBody:    string(body),
		}
	}

	body := resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			release()
			return nil, err
		}
		return &gzipBody{body: resp.Body, zr: zr, release: release}, nil
	}
	return &releasingBody{body: body, release: release}, nil
}

type releasingBody struct {
	body    io.ReadCloser
	release func()
}

func (b *releasingBody) Read(p []byte) (int, error) { return b.body.Read(p) }
func (b *releasingBody) Close() error {
	defer b.release()
	return b.body.Close()
}

type gzipBody struct {
	body    io.ReadCloser
	zr      *gzip.Reader
	release func()
}

func (b *gzipBody) Read(p []byte) (int, error) { return b.zr.Read(p) }
func (b *gzipBody) Close() error {
	defer b.release()
	if err := b.zr.Close(); err != nil {
		b.body.Close()
		return err
	}
	return b.body.Close()
}
