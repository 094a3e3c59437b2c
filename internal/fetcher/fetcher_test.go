package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/dspider/internal/common"
	"github.com/ternarybob/dspider/internal/interfaces"
)

func newTestFetcher() *HTTPFetcher {
	return New(common.ProxyConfig{}, common.GetLogger())
}

func TestDoSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	res, err := newTestFetcher().Do(context.Background(), interfaces.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, []byte("payload"), res.Body)
	assert.Equal(t, 1, res.Attempts)
}

func TestDoRetriesUntilExpectedStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	res, err := newTestFetcher().Do(context.Background(), interfaces.FetchRequest{
		URL:            srv.URL,
		MaxRetries:     3,
		RetryDelayBase: time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoStatusMismatchAfterExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	}))
	defer srv.Close()

	res, err := newTestFetcher().Do(context.Background(), interfaces.FetchRequest{
		URL:            srv.URL,
		MaxRetries:     2,
		RetryDelayBase: time.Millisecond,
	})
	// The final non-matching response is returned alongside the error so
	// callers can classify the page themselves.
	require.Error(t, err)
	assert.Equal(t, common.KindStatusMismatch, common.KindOf(err))
	require.NotNil(t, res)
	assert.Equal(t, http.StatusServiceUnavailable, res.Status)
	assert.Equal(t, []byte("down"), res.Body)
	assert.Equal(t, 2, res.Attempts)
}

func TestDoSendsHeadersCookiesAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "token-123", r.Header.Get("X-Auth"))
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		cookie, err := r.Cookie("session")
		require.NoError(t, err)
		assert.Equal(t, "abc", cookie.Value)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "pageIndex=2", string(body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Do(context.Background(), interfaces.FetchRequest{
		Method:  http.MethodPost,
		URL:     srv.URL,
		Headers: map[string]string{"X-Auth": "token-123"},
		Cookies: map[string]string{"session": "abc"},
		Body:    []byte("pageIndex=2"),
	})
	require.NoError(t, err)
}

func TestDoTransportError(t *testing.T) {
	// Nothing listens here.
	_, err := newTestFetcher().Do(context.Background(), interfaces.FetchRequest{
		URL: "http://127.0.0.1:1",
	})
	require.Error(t, err)
	assert.Equal(t, common.KindHTTPTransport, common.KindOf(err))
}

func TestDoRejectsEmptyURL(t *testing.T) {
	_, err := newTestFetcher().Do(context.Background(), interfaces.FetchRequest{})
	require.Error(t, err)
	assert.Equal(t, common.KindProtocol, common.KindOf(err))
}

func TestDoUnconfiguredProxyPool(t *testing.T) {
	_, err := newTestFetcher().Do(context.Background(), interfaces.FetchRequest{
		URL:       "http://example.invalid",
		NeedProxy: true,
		ProxyPool: interfaces.ProxyPoolPaid,
	})
	require.Error(t, err)
	assert.Equal(t, common.KindProxyAcquire, common.KindOf(err))
}

func TestAcquireProxyResponseShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"object with ip", `{"ip":"10.0.0.1:8080"}`, "http://10.0.0.1:8080"},
		{"array of addresses", `["10.0.0.2:3128","10.0.0.3:3128"]`, "http://10.0.0.2:3128"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			f := New(common.ProxyConfig{FreeAPIURL: srv.URL}, common.GetLogger())
			proxyURL, err := f.acquireProxy(context.Background(), interfaces.ProxyPoolFree)
			require.NoError(t, err)
			assert.Equal(t, tt.want, proxyURL.String())
		})
	}
}
