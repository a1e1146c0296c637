// Package httpsclient is the outbound HTTP(S) client: a one-shot,
// blocking request run on a pool goroutine so the loop thread never
// stalls, with strict response caps enforced while the response streams
// in — not merely passed to the transport as hints — because a body or
// header overrun is only detectable mid-delivery.
package httpsclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lunetrt/lunet/fiber"
	"github.com/lunetrt/lunet/runtime"
)

var (
	// ErrBadScheme rejects URLs outside the allowed scheme set.
	ErrBadScheme = errors.New("httpsclient: scheme must be http or https")

	// ErrBadOptions rejects option combinations caught before any I/O,
	// e.g. connect_timeout_ms exceeding timeout_ms.
	ErrBadOptions = errors.New("httpsclient: invalid options")

	// ErrTooManyRedirects is returned once a redirect chain exceeds
	// MaxRedirects.
	ErrTooManyRedirects = errors.New("httpsclient: too many redirects")

	// ErrLowSpeed is returned when the low-speed watchdog aborts a
	// transfer that fell below the configured floor for a full window.
	ErrLowSpeed = errors.New("httpsclient: transfer below low-speed limit")
)

// LimitError names the specific response cap a request exceeded.
type LimitError struct {
	Limit string
}

func (e *LimitError) Error() string {
	return "httpsclient: LIMIT_EXCEEDED:" + e.Limit
}

// InsecureEnvVar is the environment variable whose truthy value disables
// TLS certificate verification by default.
const InsecureEnvVar = "LUNET_HTTPC_INSECURE"

func envInsecure() bool {
	switch strings.ToLower(os.Getenv(InsecureEnvVar)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Options configures one request. Apart from an empty Method, which is
// taken as GET, zero values are used as given: a zero TimeoutMS is
// rejected, a zero MaxBodyBytes, MaxHeaderBytes, MaxHeaderLines or
// LowSpeedLimit switches that check off, and a zero MaxRedirects refuses
// every redirect. Construct with DefaultOptions to start from the defaults.
type Options struct {
	URL     string
	Method  string
	Headers [][2]string
	Body    []byte

	TimeoutMS        int
	ConnectTimeoutMS int

	MaxBodyBytes   int64
	MaxHeaderBytes int64
	MaxHeaderLines int

	FollowRedirects bool
	MaxRedirects    int

	// LowSpeedLimit is bytes-per-window; a transfer delivering fewer
	// bytes than this over a full LowSpeedWindowMS window is aborted.
	// Zero disables the watchdog.
	LowSpeedLimit    int64
	LowSpeedWindowMS int

	// Insecure disables TLS certificate verification. DefaultOptions
	// seeds it from LUNET_HTTPC_INSECURE.
	Insecure bool

	// AllowFile additionally admits file:// URLs, which read the named
	// local file (still subject to MaxBodyBytes).
	AllowFile bool
}

// DefaultOptions returns the option set requests start from.
func DefaultOptions() Options {
	return Options{
		Method:           http.MethodGet,
		TimeoutMS:        30000,
		ConnectTimeoutMS: 10000,
		MaxBodyBytes:     8 << 20,
		MaxHeaderBytes:   64 << 10,
		MaxHeaderLines:   128,
		FollowRedirects:  true,
		MaxRedirects:     8,
		LowSpeedWindowMS: 15000,
		Insecure:         envInsecure(),
	}
}

// Response is a completed request's result.
type Response struct {
	Status       int
	Body         []byte
	Headers      [][2]string
	EffectiveURL string
}

// validate applies the parse-time checks: scheme gating and timeout
// consistency.
func (o *Options) validate() (*url.URL, error) {
	if o.Method == "" {
		o.Method = http.MethodGet
	}
	u, err := url.Parse(o.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadOptions, err)
	}
	switch u.Scheme {
	case "http", "https":
	case "file":
		if !o.AllowFile {
			return nil, ErrBadScheme
		}
	default:
		return nil, ErrBadScheme
	}
	if o.ConnectTimeoutMS > o.TimeoutMS {
		return nil, fmt.Errorf("%w: connect_timeout_ms exceeds timeout_ms", ErrBadOptions)
	}
	if o.TimeoutMS <= 0 {
		return nil, fmt.Errorf("%w: timeout_ms must be positive", ErrBadOptions)
	}
	return u, nil
}

// Request performs one HTTP(S) request, suspending the calling fiber until
// the pool goroutine finishes the transfer. The request context and every
// response cap live in the op context handed to the pool; no script state
// crosses that boundary.
func Request(f *fiber.Fiber, root *runtime.Root, opts Options) (*Response, error) {
	u, err := opts.validate()
	if err != nil {
		return nil, err
	}

	v, err := f.Suspend(func(resume func(any, error)) {
		ch := root.Bridge.Offload(context.Background(), func(ctx context.Context) (any, error) {
			if u.Scheme == "file" {
				return readFileURL(u, &opts)
			}
			return do(ctx, &opts)
		})
		go func() {
			outcome := <-ch
			resume(outcome.Value, outcome.Err)
		}()
	})
	if err != nil {
		return nil, err
	}
	return v.(*Response), nil
}

// do runs on a pool goroutine.
func do(ctx context.Context, opts *Options) (*Response, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: time.Duration(opts.ConnectTimeoutMS) * time.Millisecond,
		}).DialContext,
		TLSClientConfig:        &tls.Config{InsecureSkipVerify: opts.Insecure},
		MaxResponseHeaderBytes: opts.MaxHeaderBytes,
		DisableKeepAlives:      true, // one-shot; never pool connections
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		Timeout:   time.Duration(opts.TimeoutMS) * time.Millisecond,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if !opts.FollowRedirects {
				return http.ErrUseLastResponse
			}
			if len(via) > opts.MaxRedirects {
				return ErrTooManyRedirects
			}
			return nil
		},
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var body io.Reader
	if len(opts.Body) > 0 {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, opts.Method, opts.URL, body)
	if err != nil {
		return nil, fmt.Errorf("httpsclient: %w", err)
	}
	for _, h := range opts.Headers {
		req.Header.Add(h[0], h[1])
	}

	resp, err := client.Do(req)
	if err != nil {
		if urlErr := (&url.Error{}); errors.As(err, &urlErr) && errors.Is(urlErr.Err, ErrTooManyRedirects) {
			return nil, ErrTooManyRedirects
		}
		return nil, fmt.Errorf("httpsclient: %w", err)
	}
	defer resp.Body.Close()

	headers, err := collectHeaders(resp, opts)
	if err != nil {
		return nil, err
	}

	bodyBytes, err := readBody(ctx, cancel, resp.Body, opts)
	if err != nil {
		return nil, err
	}

	return &Response{
		Status:       resp.StatusCode,
		Body:         bodyBytes,
		Headers:      headers,
		EffectiveURL: resp.Request.URL.String(),
	}, nil
}

// collectHeaders flattens the response headers into ordered pairs,
// enforcing the line and byte caps. MaxResponseHeaderBytes already bounds
// the transport-level parse; this re-check covers the flattened form the
// script will actually receive.
func collectHeaders(resp *http.Response, opts *Options) ([][2]string, error) {
	var headers [][2]string
	var lines int
	var bytesTotal int64
	for name, values := range resp.Header {
		for _, v := range values {
			lines++
			if opts.MaxHeaderLines > 0 && lines > opts.MaxHeaderLines {
				return nil, &LimitError{Limit: "max_header_lines"}
			}
			bytesTotal += int64(len(name) + len(v) + 4) // ": " + CRLF
			if opts.MaxHeaderBytes > 0 && bytesTotal > opts.MaxHeaderBytes {
				return nil, &LimitError{Limit: "max_header_bytes"}
			}
			headers = append(headers, [2]string{name, v})
		}
	}
	return headers, nil
}

// readBody streams the body in chunks, enforcing MaxBodyBytes on every
// chunk boundary and running the low-speed watchdog against a shared
// progress counter. The cap check happens as bytes arrive, so an
// over-limit response is torn down mid-stream rather than buffered.
func readBody(ctx context.Context, cancel context.CancelFunc, r io.Reader, opts *Options) ([]byte, error) {
	var progress atomic.Int64
	var slow atomic.Bool

	if opts.LowSpeedLimit > 0 && opts.LowSpeedWindowMS > 0 {
		window := time.Duration(opts.LowSpeedWindowMS) * time.Millisecond
		watchdogDone := make(chan struct{})
		defer close(watchdogDone)
		go func() {
			ticker := time.NewTicker(window)
			defer ticker.Stop()
			var last int64
			for {
				select {
				case <-watchdogDone:
					return
				case <-ticker.C:
					now := progress.Load()
					if now-last < opts.LowSpeedLimit {
						slow.Store(true)
						cancel()
						return
					}
					last = now
				}
			}
		}()
	}

	var buf bytes.Buffer
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if opts.MaxBodyBytes > 0 && int64(buf.Len()+n) > opts.MaxBodyBytes {
				return nil, &LimitError{Limit: "max_body_bytes"}
			}
			buf.Write(chunk[:n])
			progress.Add(int64(n))
		}
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			if slow.Load() {
				return nil, ErrLowSpeed
			}
			if ctx.Err() != nil {
				return nil, fmt.Errorf("httpsclient: %w", ctx.Err())
			}
			return nil, fmt.Errorf("httpsclient: read body: %w", err)
		}
	}
}

// readFileURL serves the file:// scheme: a plain local read, still subject
// to the body cap.
func readFileURL(u *url.URL, opts *Options) (*Response, error) {
	fh, err := os.Open(u.Path)
	if err != nil {
		return nil, fmt.Errorf("httpsclient: %w", err)
	}
	defer fh.Close()

	var limited io.Reader = fh
	if opts.MaxBodyBytes > 0 {
		limited = io.LimitReader(fh, opts.MaxBodyBytes+1)
	}
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("httpsclient: %w", err)
	}
	if opts.MaxBodyBytes > 0 && int64(len(data)) > opts.MaxBodyBytes {
		return nil, &LimitError{Limit: "max_body_bytes"}
	}
	return &Response{Status: 200, Body: data, EffectiveURL: u.String()}, nil
}
