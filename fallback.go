package oasis

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// FallbackAttempt records one provider's outcome within a single chain
// invocation, success or failure.
type FallbackAttempt struct {
	Provider string
	Err      error
	Duration time.Duration
}

// FallbackResult is what a chain invocation returns on success: which
// provider ultimately answered, the full attempt history, and the response
// itself is returned alongside by the caller (Chat/ChatStream), not here.
type FallbackResult struct {
	Provider string
	Attempts []FallbackAttempt
}

// FallbackChain tries an ordered list of providers, failing over on
// transient errors and short-circuiting on fatal-auth errors. Lower index
// is tried first.
type FallbackChain struct {
	providers  []Provider
	available  func(Provider) bool
	timeout    time.Duration
	onFallback func(fromName, toName, reason string)
	logger     *slog.Logger
}

// FallbackOption configures a FallbackChain.
type FallbackOption func(*FallbackChain)

// WithChainTimeout bounds each provider's Chat/ChatStream call. A provider
// that exceeds it is treated as a transport failure (status 0) and the
// chain advances to the next one. Zero (default) disables the timeout.
func WithChainTimeout(d time.Duration) FallbackOption {
	return func(c *FallbackChain) { c.timeout = d }
}

// WithAvailability overrides the default always-available check. The
// predicate is consulted before each provider is tried; false skips it and
// records the skip as an attempt with a "provider unavailable" error.
func WithAvailability(fn func(Provider) bool) FallbackOption {
	return func(c *FallbackChain) { c.available = fn }
}

// WithOnFallback registers a hook invoked once per provider switch, after a
// provider fails and before the next one is tried.
func WithOnFallback(fn func(fromName, toName, reason string)) FallbackOption {
	return func(c *FallbackChain) { c.onFallback = fn }
}

// WithFallbackLogger sets the logger used for per-attempt diagnostics.
func WithFallbackLogger(l *slog.Logger) FallbackOption {
	return func(c *FallbackChain) { c.logger = l }
}

// NewFallbackChain builds a chain trying providers in order.
func NewFallbackChain(providers []Provider, opts ...FallbackOption) *FallbackChain {
	c := &FallbackChain{
		providers: providers,
		available: func(Provider) bool { return true },
		logger:    discardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// Name identifies the chain as a Provider in its own right, reporting the
// currently-leading provider's name.
func (c *FallbackChain) Name() string {
	if len(c.providers) == 0 {
		return "fallback-chain"
	}
	return c.providers[0].Name()
}

// Chat runs the chain to completion, invoking each candidate's Chat method.
func (c *FallbackChain) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	resp, _, err := c.run(ctx, func(ctx context.Context, p Provider) (ChatResponse, error) {
		return p.Chat(ctx, req)
	})
	return resp, err
}

// ChatStream runs the chain, streaming from whichever provider ultimately
// answers. Providers tried and abandoned before the winner do not leak
// partial events onto ch.
func (c *FallbackChain) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	defer close(ch)
	resp, _, err := c.run(ctx, func(ctx context.Context, p Provider) (ChatResponse, error) {
		inner := make(chan StreamEvent)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ev := range inner {
				select {
				case ch <- ev:
				case <-ctx.Done():
				}
			}
		}()
		resp, err := p.ChatStream(ctx, req, inner)
		<-done
		return resp, err
	})
	return resp, err
}

// Run executes the fallback rules described in §4.2 against call, which
// invokes a single candidate provider. It is exported for callers (tests,
// C9 wiring) that need the full FallbackResult rather than just a response.
func (c *FallbackChain) Run(ctx context.Context, call func(context.Context, Provider) (ChatResponse, error)) (ChatResponse, FallbackResult, error) {
	return c.run(ctx, call)
}

func (c *FallbackChain) run(ctx context.Context, call func(context.Context, Provider) (ChatResponse, error)) (ChatResponse, FallbackResult, error) {
	var result FallbackResult

	for i, p := range c.providers {
		if !c.available(p) {
			c.logger.Debug("fallback: provider unavailable, skipping", "provider", p.Name())
			result.Attempts = append(result.Attempts, FallbackAttempt{
				Provider: p.Name(),
				Err:      errors.New("provider unavailable"),
			})
			continue
		}

		start := time.Now()
		resp, err := c.callWithTimeout(ctx, p, call)
		elapsed := time.Since(start)
		result.Attempts = append(result.Attempts, FallbackAttempt{Provider: p.Name(), Err: err, Duration: elapsed})

		if err == nil {
			result.Provider = p.Name()
			return resp, result, nil
		}

		if isFatalAuth(err) {
			c.logger.Warn("fallback: fatal auth error, stopping chain", "provider", p.Name(), "err", err)
			return ChatResponse{}, result, &ErrFallbackChain{Errs: attemptErrs(result.Attempts)}
		}

		if !isChainTransient(err) {
			c.logger.Warn("fallback: non-transient error, stopping chain", "provider", p.Name(), "err", err)
			return ChatResponse{}, result, &ErrFallbackChain{Errs: attemptErrs(result.Attempts)}
		}

		if i+1 < len(c.providers) && c.onFallback != nil {
			c.onFallback(p.Name(), c.providers[i+1].Name(), err.Error())
		}
		c.logger.Debug("fallback: provider failed, advancing", "provider", p.Name(), "err", err)
	}

	return ChatResponse{}, result, &ErrFallbackChain{Errs: attemptErrs(result.Attempts)}
}

func (c *FallbackChain) callWithTimeout(ctx context.Context, p Provider, call func(context.Context, Provider) (ChatResponse, error)) (ChatResponse, error) {
	if c.timeout <= 0 {
		return call(ctx, p)
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		resp ChatResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := call(cctx, p)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-cctx.Done():
		return ChatResponse{}, &ErrHTTP{Status: 0, Body: "provider timed out: " + p.Name()}
	}
}

// isFatalAuth reports whether err carries an HTTP 401/403 status, which
// must stop the entire chain rather than advance to the next provider.
func isFatalAuth(err error) bool {
	var httpErr *ErrHTTP
	if errors.As(err, &httpErr) {
		return httpErr.Status == 401 || httpErr.Status == 403
	}
	return false
}

// isChainTransient reports whether err's status is in the fallback-eligible
// set {0, 400, 408, 429, 500, 502, 503, 504}, or the error is not an HTTP
// error at all (e.g. a raw transport failure). This is broader than
// isTransient's single-provider retry set: a chain link is meant to absorb
// more failure modes than an in-place retry would.
func isChainTransient(err error) bool {
	var httpErr *ErrHTTP
	if !errors.As(err, &httpErr) {
		return true
	}
	switch httpErr.Status {
	case 0, 400, 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func attemptErrs(attempts []FallbackAttempt) []error {
	errs := make([]error, 0, len(attempts))
	for _, a := range attempts {
		if a.Err != nil {
			errs = append(errs, a.Err)
		}
	}
	return errs
}
