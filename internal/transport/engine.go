// Package transport implements a generic retryable request executor. It
// carries no knowledge of playlists or fragments; requests are described
// entirely by their context and options.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"hlsclient/internal/event"
	"hlsclient/internal/logger"
	"hlsclient/internal/playlist"
)

// ResponseType selects how the caller intends to treat the body.
type ResponseType int

const (
	ResponseText ResponseType = iota
	ResponseBinary
)

// Context describes one request. It lives for exactly one Load call.
type Context struct {
	Kind         event.RequestKind
	URL          string
	ResponseType ResponseType
	// RangeStart/RangeEnd request the half-open byte interval
	// [RangeStart, RangeEnd) when RangeEnd > RangeStart.
	RangeStart int64
	RangeEnd   int64
	// Originating entities, carried through to callbacks untouched.
	Frag    *playlist.Fragment
	Level   int
	TrackID int
}

// Options bound one Load call's timeout and retry behaviour.
type Options struct {
	Timeout       time.Duration
	MaxRetry      int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// Stats records the timing and volume of one Load call, including retries.
type Stats struct {
	RequestStart time.Time
	FirstByte    time.Time
	LoadEnd      time.Time
	Loaded       int64
	Total        int64
	Retries      int
}

// Response is a completed transfer.
type Response struct {
	// URL is the final URL after any redirects.
	URL    string
	Status int
	Data   []byte
}

// Callbacks receive the outcome of a Load call. Exactly one of OnSuccess,
// OnError or OnTimeout fires per Load, and never after Abort.
type Callbacks struct {
	OnSuccess  func(resp *Response, stats *Stats, ctx *Context)
	OnError    func(status int, err error, ctx *Context, stats *Stats)
	OnTimeout  func(ctx *Context, stats *Stats)
	OnProgress func(stats *Stats, ctx *Context)
}

// Engine executes at most one request at a time with timeout and bounded
// exponential-backoff retry. Issuing a second Load while one is in flight is
// a programming error and panics.
type Engine struct {
	client *http.Client
	log    logger.Logger
	ua     string

	mu     sync.Mutex
	active bool
	gen    uint64
	cancel context.CancelFunc
}

// NewEngine creates an engine sharing the given HTTP client.
func NewEngine(client *http.Client, log logger.Logger, userAgent string) *Engine {
	return &Engine{client: client, log: log, ua: userAgent}
}

// NewHTTPClient builds the shared HTTP client used by all engines.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			ResponseHeaderTimeout: 0, // timeouts are enforced per attempt
		},
	}
}

// Load starts the request described by ctx. Callbacks are invoked from a
// background goroutine, at most once, and only while this Load is still the
// engine's current request.
func (e *Engine) Load(ctx *Context, opts Options, cb Callbacks) {
	e.mu.Lock()
	if e.active {
		e.mu.Unlock()
		panic("transport: Load called while a request is in flight")
	}
	e.active = true
	e.gen++
	gen := e.gen
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()

	go e.run(runCtx, gen, ctx, opts, cb)
}

// Abort cancels any in-flight transfer and pending retry. It is idempotent
// and safe to call on an idle engine; no callback fires after it returns.
func (e *Engine) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.gen++
	e.active = false
}

// current reports whether gen is still the engine's live request.
func (e *Engine) current(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen == gen
}

// settle marks the request finished and reports whether its callback may be
// delivered.
func (e *Engine) settle(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		return false
	}
	e.active = false
	e.cancel = nil
	return true
}

func (e *Engine) run(runCtx context.Context, gen uint64, ctx *Context, opts Options, cb Callbacks) {
	stats := &Stats{RequestStart: time.Now()}
	delay := opts.RetryDelay

	for {
		resp, timedOut, err := e.attempt(runCtx, gen, ctx, opts, stats, cb)

		if runCtx.Err() != nil && !timedOut {
			// Aborted; the abort already invalidated this generation.
			return
		}

		if timedOut {
			if e.settle(gen) && cb.OnTimeout != nil {
				e.log.Warnf("%s request timed out: %s", ctx.Kind, ctx.URL)
				cb.OnTimeout(ctx, stats)
			}
			return
		}

		if err == nil && resp.Status >= 200 && resp.Status < 300 {
			stats.LoadEnd = time.Now()
			if e.settle(gen) && cb.OnSuccess != nil {
				cb.OnSuccess(resp, stats, ctx)
			}
			return
		}

		status := 0
		if resp != nil {
			status = resp.Status
		}

		if stats.Retries < opts.MaxRetry && retryable(status) {
			e.log.Warnf("%s request to %s failed (status=%d, err=%v), retrying in %v",
				ctx.Kind, ctx.URL, status, err, delay)
			select {
			case <-runCtx.Done():
				return
			case <-time.After(delay):
			}
			stats.Retries++
			delay *= 2
			if delay > opts.MaxRetryDelay {
				delay = opts.MaxRetryDelay
			}
			continue
		}

		if err == nil {
			err = fmt.Errorf("request to %s failed with status %d", ctx.URL, status)
		}
		if e.settle(gen) && cb.OnError != nil {
			cb.OnError(status, err, ctx, stats)
		}
		return
	}
}

// retryable excludes the 4xx client-error band: retrying those cannot help.
func retryable(status int) bool {
	return status < 400 || status >= 500
}

// attempt performs a single HTTP exchange. The timeout covers the wait for
// response headers and is re-armed once they arrive to cover the body.
func (e *Engine) attempt(runCtx context.Context, gen uint64, ctx *Context, opts Options, stats *Stats, cb Callbacks) (*Response, bool, error) {
	attemptCtx, cancelAttempt := context.WithCancel(runCtx)
	defer cancelAttempt()

	var timedOut atomic.Bool
	timer := time.AfterFunc(opts.Timeout, func() {
		timedOut.Store(true)
		cancelAttempt()
	})
	defer timer.Stop()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, ctx.URL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request for %s: %w", ctx.URL, err)
	}
	if e.ua != "" {
		req.Header.Set("User-Agent", e.ua)
	}
	if ctx.RangeEnd > ctx.RangeStart {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", ctx.RangeStart, ctx.RangeEnd-1))
	}

	httpResp, err := e.client.Do(req)
	if err != nil {
		return nil, timedOut.Load(), fmt.Errorf("request to %s failed: %w", ctx.URL, err)
	}
	defer httpResp.Body.Close()

	// Headers are in; re-arm the timeout for the body.
	timer.Reset(opts.Timeout)
	stats.FirstByte = time.Now()
	stats.Loaded = 0
	if httpResp.ContentLength > 0 {
		stats.Total = httpResp.ContentLength
	}

	var data []byte
	buf := make([]byte, 32*1024)
	for {
		n, readErr := httpResp.Body.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
			stats.Loaded += int64(n)
			if cb.OnProgress != nil && e.current(gen) {
				cb.OnProgress(stats, ctx)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, timedOut.Load(), fmt.Errorf("reading body from %s: %w", ctx.URL, readErr)
		}
	}

	finalURL := ctx.URL
	if httpResp.Request != nil && httpResp.Request.URL != nil {
		finalURL = httpResp.Request.URL.String()
	}

	return &Response{URL: finalURL, Status: httpResp.StatusCode, Data: data}, false, nil
}
