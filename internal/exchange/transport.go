package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"arbwatch/internal/config"
	"arbwatch/internal/metrics"
)

const maxResponseBytes = 8 << 20

// Options configures the shared HTTP transport and kline requests.
type Options struct {
	Timeout          time.Duration
	ConnectTimeout   time.Duration
	RetryAttempts    int
	RetryDelay       time.Duration
	KlineLimit       int
	AllowedIntervals []string
	// HTTPClient replaces the client built from the timeouts when set.
	HTTPClient *http.Client
}

// OptionsFromSettings copies the parser knobs out of a settings snapshot.
func OptionsFromSettings(s config.Settings) Options {
	return Options{
		Timeout:          s.Timeout,
		ConnectTimeout:   s.ConnectTimeout,
		RetryAttempts:    s.RetryAttempts,
		RetryDelay:       s.RetryDelay,
		KlineLimit:       s.KlineLimit,
		AllowedIntervals: s.AllowedIntervals,
	}
}

// OptionsSource yields the options clients are built with at call time.
type OptionsSource func(ctx context.Context) Options

// StaticOptions always yields opts.
func StaticOptions(opts Options) OptionsSource {
	return func(context.Context) Options { return opts }
}

// SettingsOptions follows the provider's current snapshot so reloaded
// parser settings reach newly built clients. fallback is used when no
// snapshot can be taken.
func SettingsOptions(p config.SettingsProvider, fallback Options) OptionsSource {
	return func(ctx context.Context) Options {
		s, err := p.Snapshot(ctx)
		if err != nil {
			return fallback
		}
		return OptionsFromSettings(s)
	}
}

// Transport issues GET requests against one exchange. Requests are retried
// only when the connection cannot be established or the server answers 5xx;
// the delay starts at RetryDelay and doubles on every attempt.
type Transport struct {
	exchange string
	client   *http.Client
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

// NewTransport creates a Transport for the named exchange.
func NewTransport(exchange string, opts Options, logger *slog.Logger) *Transport {
	client := opts.HTTPClient
	if client == nil {
		base := http.DefaultTransport.(*http.Transport).Clone()
		base.DialContext = (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext
		base.TLSHandshakeTimeout = opts.ConnectTimeout
		client = &http.Client{Timeout: opts.Timeout, Transport: base}
	}
	return &Transport{
		exchange: exchange,
		client:   client,
		attempts: opts.RetryAttempts,
		delay:    opts.RetryDelay,
		logger:   logger,
	}
}

// GetJSON requests rawURL with params merged into its query string and
// decodes the body into out.
func (t *Transport) GetJSON(ctx context.Context, op, rawURL string, params url.Values, out any) error {
	start := time.Now()
	body, err := t.get(ctx, op, rawURL, params)
	metrics.ExchangeRequestDuration.WithLabelValues(t.exchange, op).Observe(time.Since(start).Seconds())
	if err != nil {
		status := "contract"
		if IsTransient(err) {
			status = "transient"
		}
		metrics.ExchangeRequestsTotal.WithLabelValues(t.exchange, op, status).Inc()
		t.logger.Error("Exchange request failed", "exchange", t.exchange, "op", op, "url", rawURL, "error", err)
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		metrics.ExchangeRequestsTotal.WithLabelValues(t.exchange, op, "contract").Inc()
		return contractError(t.exchange, op, ErrMalformedResponse, "decode json: %v", err)
	}
	metrics.ExchangeRequestsTotal.WithLabelValues(t.exchange, op, "ok").Inc()
	return nil
}

func (t *Transport) get(ctx context.Context, op, rawURL string, params url.Values) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, contractError(t.exchange, op, ErrRequestFailed, "parse url %q: %v", rawURL, err)
	}
	q := u.Query()
	for k, vs := range params {
		q.Del(k)
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	target := u.String()

	var body []byte
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return backoff.Permanent(contractError(t.exchange, op, ErrRequestFailed, "build request: %v", err))
		}
		req.Header.Set("Accept", "application/json")

		resp, err := t.client.Do(req)
		if err != nil {
			if isConnectError(err) {
				return fmt.Errorf("%w: %v", ErrRequestFailed, err)
			}
			return backoff.Permanent(&ParserError{
				Exchange:  t.exchange,
				Op:        op,
				Transient: ctx.Err() != nil,
				Err:       fmt.Errorf("%w: %v", ErrRequestFailed, err),
			})
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return backoff.Permanent(contractError(t.exchange, op, ErrRequestFailed, "read body: %v", err))
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: status %d", ErrRequestFailed, resp.StatusCode)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return backoff.Permanent(contractError(t.exchange, op, ErrRequestFailed,
				"status %d: %s", resp.StatusCode, truncate(data, 256)))
		}
		body = data
		return nil
	}

	notify := func(err error, wait time.Duration) {
		metrics.ExchangeRetriesTotal.WithLabelValues(t.exchange).Inc()
		t.logger.Warn("Retrying exchange request", "exchange", t.exchange, "op", op, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(attempt, t.policy(ctx), notify); err != nil {
		var pe *ParserError
		if errors.As(err, &pe) {
			return nil, pe
		}
		return nil, &ParserError{Exchange: t.exchange, Op: op, Transient: true, Err: err}
	}
	return body, nil
}

func (t *Transport) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.delay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = t.delay << t.attempts
	b.MaxElapsedTime = 0
	b.Reset()

	var retries uint64
	if t.attempts > 0 {
		retries = uint64(t.attempts)
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)
}

// isConnectError matches failures to establish the TCP connection.
func isConnectError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
