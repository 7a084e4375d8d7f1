package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wegman-software/osmquadtree-go/internal/logger"
)

// ErrNotPublished is returned for a sequence the server does not have yet
var ErrNotPublished = errors.New("sequence not published yet")

// FetcherOptions tunes a Fetcher. Zero values take the defaults.
type FetcherOptions struct {
	Timeout     time.Duration // per request, default 60s
	MaxRetries  int           // default 3
	RetryDelay  time.Duration // default 5s
	RequestRate float64       // requests per second, default 2
}

// Fetcher downloads states and diffs from a Source. Diffs are cached on
// disk under the server's directory layout.
type Fetcher struct {
	source     *Source
	client     *http.Client
	cacheDir   string
	maxRetries int
	retryDelay time.Duration
	limiter    *rate.Limiter
}

// NewFetcher creates a fetcher caching diffs in cacheDir
func NewFetcher(source *Source, cacheDir string, opts FetcherOptions) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.RequestRate <= 0 {
		opts.RequestRate = 2
	}
	return &Fetcher{
		source:     source,
		client:     &http.Client{Timeout: opts.Timeout},
		cacheDir:   cacheDir,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		limiter:    rate.NewLimiter(rate.Limit(opts.RequestRate), 1),
	}
}

// Source returns the replication source
func (f *Fetcher) Source() *Source { return f.source }

// CurrentState fetches the newest published state
func (f *Fetcher) CurrentState(ctx context.Context) (*State, error) {
	state, err := f.fetchState(ctx, f.source.StateURL())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch current state: %w", err)
	}
	logger.Get().Debug("fetched current state",
		zap.String("source", f.source.Name),
		zap.Int64("sequence", state.Sequence),
		zap.String("timestamp", state.EndDate()))
	return state, nil
}

// SequenceState fetches the state published with diff seq
func (f *Fetcher) SequenceState(ctx context.Context, seq int64) (*State, error) {
	state, err := f.fetchState(ctx, f.source.SequenceStateURL(seq))
	if err != nil {
		return nil, fmt.Errorf("state %d: %w", seq, err)
	}
	return state, nil
}

func (f *Fetcher) fetchState(ctx context.Context, url string) (*State, error) {
	resp, err := f.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return ParseState(resp.Body)
}

// CachePath is where diff seq is stored once fetched
func (f *Fetcher) CachePath(seq int64) string {
	return filepath.Join(f.cacheDir, SequenceToPath(seq)+".osc.gz")
}

// Change returns the local path of diff seq, downloading it unless it is
// already cached
func (f *Fetcher) Change(ctx context.Context, seq int64) (string, error) {
	log := logger.Get()
	cacheFile := f.CachePath(seq)
	if _, err := os.Stat(cacheFile); err == nil {
		log.Debug("using cached diff", zap.String("path", cacheFile))
		return cacheFile, nil
	}
	if err := os.MkdirAll(filepath.Dir(cacheFile), 0755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	resp, err := f.get(ctx, f.source.SequenceDataURL(seq))
	if err != nil {
		return "", fmt.Errorf("diff %d: %w", seq, err)
	}
	defer resp.Body.Close()

	tmpFile := cacheFile + ".tmp"
	out, err := os.Create(tmpFile)
	if err != nil {
		return "", fmt.Errorf("failed to create cache file: %w", err)
	}
	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpFile)
		return "", fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmpFile, cacheFile); err != nil {
		os.Remove(tmpFile)
		return "", fmt.Errorf("failed to rename cache file: %w", err)
	}
	log.Debug("downloaded diff", zap.Int64("sequence", seq), zap.Int64("bytes", n))
	return cacheFile, nil
}

// get performs a paced GET, retrying transport and server errors. A 404
// becomes ErrNotPublished; any other non-200 status is an error.
func (f *Fetcher) get(ctx context.Context, url string) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.retryDelay):
			}
		}
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", "osmquadtree-go/1.0")

		resp, err := f.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		switch {
		case resp.StatusCode == http.StatusOK:
			return resp, nil
		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return nil, ErrNotPublished
		case resp.StatusCode >= 500:
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		}
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
