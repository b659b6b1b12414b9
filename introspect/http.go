package introspect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jmcleod/acers/claims"
	"github.com/jmcleod/acers/internal/codec"
	"github.com/jmcleod/acers/message"
)

// ContentType is the media type of introspection requests and replies.
const ContentType = "application/ace+cbor"

// labelToken is the request parameter carrying the token.
const labelToken = 11

// maxResponseSize bounds the reply body read from the authorization server.
const maxResponseSize = 64 * 1024

// HTTPClient introspects tokens at an authorization server over HTTP.
// Transport failures and 5xx replies are retried with exponential backoff;
// other non-2xx replies become an *Error.
type HTTPClient struct {
	url          string
	client       *http.Client
	maxTries     uint
	initialDelay time.Duration
	logger       *slog.Logger
}

var _ Introspector = (*HTTPClient)(nil)

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) {
		h.client = c
	}
}

// WithMaxTries bounds the number of attempts per call, including the first.
func WithMaxTries(n uint) Option {
	return func(h *HTTPClient) {
		if n > 0 {
			h.maxTries = n
		}
	}
}

// WithInitialDelay sets the delay before the first retry.
func WithInitialDelay(d time.Duration) Option {
	return func(h *HTTPClient) {
		h.initialDelay = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *HTTPClient) {
		h.logger = l
	}
}

// NewHTTPClient returns a client posting to url.
func NewHTTPClient(url string, opts ...Option) *HTTPClient {
	h := &HTTPClient{
		url:          url,
		client:       &http.Client{Timeout: 10 * time.Second},
		maxTries:     3,
		initialDelay: 200 * time.Millisecond,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTPClient) Introspect(ctx context.Context, token []byte) (claims.Set, error) {
	body, err := codec.Marshal(map[int64]any{labelToken: token})
	if err != nil {
		return nil, fmt.Errorf("encoding introspection request: %w", err)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = h.initialDelay
	expBackoff.MaxInterval = 20 * h.initialDelay
	expBackoff.Reset()

	attempt := 0
	operation := func() (claims.Set, error) {
		attempt++
		return h.do(ctx, body)
	}
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(h.maxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			h.logger.Warn("introspection attempt failed",
				slog.Int("attempt", attempt),
				slog.Duration("retry_in", d),
				slog.String("error", err.Error()))
		}),
	)
}

func (h *HTTPClient) do(ctx context.Context, body []byte) (claims.Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("creating introspection request: %w", err))
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, fmt.Errorf("introspection request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading introspection response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, replyError(resp.StatusCode, data)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, backoff.Permanent(replyError(resp.StatusCode, data))
	}

	if len(data) == 0 {
		return nil, nil
	}
	c, err := claims.Decode(data)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decoding introspection response: %w", err))
	}
	return c, nil
}

func replyError(status int, body []byte) *Error {
	e := &Error{Code: message.FromHTTP(status)}
	if _, desc, err := message.ParseError(body); err == nil {
		e.Description = desc
	}
	return e
}

// AsError reports whether err carries a coded introspection failure.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
