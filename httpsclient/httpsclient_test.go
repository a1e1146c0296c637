package httpsclient

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunetrt/lunet/fiber"
	"github.com/lunetrt/lunet/runtime"
)

func runLoop(t *testing.T, root *runtime.Root) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = root.Bridge.Run(ctx)
	}()
	return func() {
		cancel()
		_ = root.Bridge.Shutdown(context.Background())
		<-done
		_ = root.Bridge.Close()
	}
}

type outcome struct {
	resp *Response
	err  error
}

func fetch(t *testing.T, root *runtime.Root, opts Options) outcome {
	t.Helper()
	ch := make(chan outcome, 1)
	root.Fibers.Spawn(func(f *fiber.Fiber) {
		resp, err := Request(f, root, opts)
		ch <- outcome{resp: resp, err: err}
	})
	select {
	case got := <-ch:
		return got
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for request")
		return outcome{}
	}
}

func TestRequestReturnsStatusBodyHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Fixture", "yes")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	defer srv.Close()

	root, err := runtime.New()
	require.NoError(t, err)
	stop := runLoop(t, root)
	defer stop()

	opts := DefaultOptions()
	opts.URL = srv.URL
	got := fetch(t, root, opts)
	require.NoError(t, got.err)
	assert.Equal(t, http.StatusTeapot, got.resp.Status)
	assert.Equal(t, "short and stout", string(got.resp.Body))
	var found bool
	for _, h := range got.resp.Headers {
		if h[0] == "X-Fixture" && h[1] == "yes" {
			found = true
		}
	}
	assert.True(t, found, "expected X-Fixture header in %v", got.resp.Headers)
}

// TestBodyCapAbortsMidStream serves 256 KiB against a 1 KiB cap; the
// request must fail naming max_body_bytes rather than buffering the
// response.
func TestBodyCapAbortsMidStream(t *testing.T) {
	payload := bytes.Repeat([]byte{0x55}, 256<<10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	root, err := runtime.New()
	require.NoError(t, err)
	stop := runLoop(t, root)
	defer stop()

	opts := DefaultOptions()
	opts.URL = srv.URL
	opts.MaxBodyBytes = 1024
	got := fetch(t, root, opts)
	require.Error(t, got.err)
	var limitErr *LimitError
	require.ErrorAs(t, got.err, &limitErr)
	assert.Equal(t, "max_body_bytes", limitErr.Limit)
}

func TestTinyBodyCapRejectsTwoByteResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ab"))
	}))
	defer srv.Close()

	root, err := runtime.New()
	require.NoError(t, err)
	stop := runLoop(t, root)
	defer stop()

	opts := DefaultOptions()
	opts.URL = srv.URL
	opts.MaxBodyBytes = 1
	got := fetch(t, root, opts)
	var limitErr *LimitError
	require.ErrorAs(t, got.err, &limitErr)
	assert.Equal(t, "max_body_bytes", limitErr.Limit)
}

func TestHeaderLineCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 20; i++ {
			w.Header().Add("X-Many", "v")
		}
	}))
	defer srv.Close()

	root, err := runtime.New()
	require.NoError(t, err)
	stop := runLoop(t, root)
	defer stop()

	opts := DefaultOptions()
	opts.URL = srv.URL
	opts.MaxHeaderLines = 5
	got := fetch(t, root, opts)
	var limitErr *LimitError
	require.ErrorAs(t, got.err, &limitErr)
	assert.Equal(t, "max_header_lines", limitErr.Limit)
}

func TestConnectTimeoutMustNotExceedTimeout(t *testing.T) {
	opts := DefaultOptions()
	opts.URL = "http://example.invalid/"
	opts.TimeoutMS = 100
	opts.ConnectTimeoutMS = 200
	_, err := opts.validate()
	assert.ErrorIs(t, err, ErrBadOptions)
}

func TestSchemeGate(t *testing.T) {
	opts := DefaultOptions()
	opts.URL = "gopher://example.com/"
	_, err := opts.validate()
	assert.ErrorIs(t, err, ErrBadScheme)

	opts.URL = "file:///etc/hostname"
	_, err = opts.validate()
	assert.ErrorIs(t, err, ErrBadScheme)

	opts.AllowFile = true
	_, err = opts.validate()
	assert.NoError(t, err)
}

func TestRedirectsDisabledReturnsRedirectResponse(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/hop" {
			http.Redirect(w, r, "/final", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("landed"))
	}))
	defer target.Close()

	root, err := runtime.New()
	require.NoError(t, err)
	stop := runLoop(t, root)
	defer stop()

	opts := DefaultOptions()
	opts.URL = target.URL + "/hop"
	opts.FollowRedirects = false
	got := fetch(t, root, opts)
	require.NoError(t, got.err)
	assert.Equal(t, http.StatusFound, got.resp.Status)

	opts.FollowRedirects = true
	got = fetch(t, root, opts)
	require.NoError(t, got.err)
	assert.Equal(t, http.StatusOK, got.resp.Status)
	assert.Equal(t, "landed", string(got.resp.Body))
	assert.Contains(t, got.resp.EffectiveURL, "/final")
}
