// Package fetch implements the retrying HTTP layer shared by page and
// image downloads.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/inkwell-sh/inkd/internal/metrics"
)

// Modes label the two fetch shapes. Pages are HTML documents with a fixed
// timeout; images are larger payloads fetched under a wider, randomized
// timeout window.
const (
	ModePage  = "page"
	ModeImage = "image"
)

// Config controls Fetcher behavior. DisableCompression turns off the
// transport's automatic gzip negotiation for hosts that mangle encoded
// image bodies.
type Config struct {
	UserAgent          string
	PageTimeout        time.Duration
	ImageTimeoutBase   time.Duration
	ImageTimeoutSpread time.Duration
	MaxResponseBytes   int64
	DisableCompression bool
}

// Fetcher performs HTTP GETs with per-host politeness limiting and a
// retry policy over the transient/permanent error taxonomy.
type Fetcher struct {
	client  *http.Client
	policy  *RetryPolicy
	limiter *HostLimiter
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Fetcher. The client carries no global timeout; each
// request gets a per-call deadline instead.
func New(cfg Config, policy *RetryPolicy, limiter *HostLimiter, logger *zap.Logger) *Fetcher {
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 15 * time.Second
	}
	if cfg.ImageTimeoutBase <= 0 {
		cfg.ImageTimeoutBase = 2 * cfg.PageTimeout
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 32 << 20
	}
	if policy == nil {
		policy = NewRetryPolicy(0, 0, 0)
	}
	if limiter == nil {
		limiter = NewHostLimiter(0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				DisableCompression:  cfg.DisableCompression,
			},
		},
		policy:  policy,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
	}
}

// FetchPage retrieves an HTML document.
func (f *Fetcher) FetchPage(ctx context.Context, url string) ([]byte, error) {
	return f.fetch(ctx, ModePage, url, f.cfg.PageTimeout)
}

// FetchImage retrieves a binary payload under the wider image timeout.
// The deadline is randomized within [base, base+spread) per call.
func (f *Fetcher) FetchImage(ctx context.Context, url string) ([]byte, error) {
	timeout := f.cfg.ImageTimeoutBase
	if f.cfg.ImageTimeoutSpread > 0 {
		timeout += time.Duration(rand.Int63n(int64(f.cfg.ImageTimeoutSpread)))
	}
	return f.fetch(ctx, ModeImage, url, timeout)
}

// fetch is the shared retry loop. The response-processing step (reading
// the body) is the same for both modes, so the loop is generic over the
// attempt function only.
func (f *Fetcher) fetch(ctx context.Context, mode, url string, timeout time.Duration) ([]byte, error) {
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < f.policy.MaxAttempts(); attempt++ {
		if attempt > 0 {
			metrics.CountFetchRetry()
			if err := sleep(ctx, f.policy.Backoff(attempt-1)); err != nil {
				metrics.ObserveFetch(mode, "canceled", time.Since(start))
				return nil, err
			}
		}

		body, err := f.attempt(ctx, url, timeout)
		if err == nil {
			metrics.ObserveFetch(mode, "ok", time.Since(start))
			return body, nil
		}
		lastErr = err

		if !f.policy.ShouldRetry(err, attempt) {
			break
		}
		f.logger.Debug("retrying fetch",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	var fe *Error
	if errors.As(lastErr, &fe) && fe.Class == Transient {
		fe.Exhausted = true
		metrics.ObserveFetch(mode, "exhausted", time.Since(start))
		return nil, fe
	}
	metrics.ObserveFetch(mode, "permanent", time.Since(start))
	return nil, lastErr
}

func (f *Fetcher) attempt(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	if err := f.limiter.Wait(ctx, url); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Class: Permanent, Kind: KindContent, URL: url, Err: err}
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// The caller's context ended; not a fetch failure.
			return nil, fmt.Errorf("fetch %s: %w", url, ctx.Err())
		}
		return nil, classifyTransportError(url, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read side owns the error

	if resp.StatusCode >= 400 {
		class := Permanent
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			class = Transient
		}
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, &Error{Class: class, Kind: KindStatus, URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxResponseBytes))
	if err != nil {
		return nil, classifyTransportError(url, err)
	}
	if len(body) == 0 {
		return nil, &Error{Class: Permanent, Kind: KindContent, URL: url, Err: errors.New("empty response body")}
	}
	return body, nil
}

func classifyTransportError(url string, err error) *Error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Class: Transient, Kind: KindTimeout, URL: url, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Class: Transient, Kind: KindTimeout, URL: url, Err: err}
	}
	return &Error{Class: Transient, Kind: KindConnect, URL: url, Err: err}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
