package network

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigris-pwa/tigris-cache/internal/cache"
)

func TestNewClientUsesConfiguredTimeout(t *testing.T) {
	origin, _ := url.Parse("https://tigris.example")
	client, err := NewClient(ClientOptions{Origin: origin, Timeout: 45 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, client.http.Timeout)
}

func TestNewClientRequiresOrigin(t *testing.T) {
	_, err := NewClient(ClientOptions{})
	assert.Error(t, err)
}

func TestFetchClassifiesSameOriginAsBasic(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Test", "1")
		_, _ = w.Write([]byte("menu"))
	}))
	defer upstream.Close()

	client := newTestClient(t, upstream.URL)
	req, err := http.NewRequest(http.MethodGet, client.Resolve("/menu").String(), nil)
	require.NoError(t, err)

	resp, err := client.Fetch(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, cache.ResponseTypeBasic, resp.Type)
	assert.False(t, resp.Redirected)
	assert.Equal(t, "menu", string(resp.Body))
	assert.Equal(t, "1", resp.Header.Get("X-Test"))
	assert.Empty(t, resp.Header.Get("Connection"))
	assert.True(t, resp.Cacheable())
}

func TestFetchMarksRedirectedResponses(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("new"))
	})
	upstream := httptest.NewServer(mux)
	defer upstream.Close()

	client := newTestClient(t, upstream.URL)
	req, err := http.NewRequest(http.MethodGet, client.Resolve("/old").String(), nil)
	require.NoError(t, err)

	resp, err := client.Fetch(req)
	require.NoError(t, err)
	assert.True(t, resp.Redirected)
	assert.False(t, resp.Cacheable())
}

func TestFetchClassifiesCrossOrigin(t *testing.T) {
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/cors" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		_, _ = w.Write([]byte("elsewhere"))
	}))
	defer other.Close()

	client := newTestClient(t, "http://tigris.invalid")

	req, err := http.NewRequest(http.MethodGet, other.URL+"/cors", nil)
	require.NoError(t, err)
	resp, err := client.Fetch(req)
	require.NoError(t, err)
	assert.Equal(t, cache.ResponseTypeCORS, resp.Type)

	req, err = http.NewRequest(http.MethodGet, other.URL+"/plain", nil)
	require.NoError(t, err)
	resp, err = client.Fetch(req)
	require.NoError(t, err)
	assert.Equal(t, cache.ResponseTypeOpaque, resp.Type)
	assert.False(t, resp.Cacheable())
}

func TestFetchReturnsErrorWhenOffline(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	target := upstream.URL
	upstream.Close()

	client := newTestClient(t, target)
	req, err := http.NewRequest(http.MethodGet, client.Resolve("/").String(), nil)
	require.NoError(t, err)
	_, err = client.Fetch(req)
	assert.Error(t, err)
}

func TestResolveKeyKeepsQuery(t *testing.T) {
	origin, _ := url.Parse("https://tigris.example")
	assert.Equal(t, "https://tigris.example/menu?lang=en", ResolveKey(origin, "/menu?lang=en").String())
	assert.Equal(t, "https://tigris.example/", ResolveKey(origin, "/").String())
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if _, exists := dst["Connection"]; exists {
		t.Fatalf("connection header should not be copied")
	}
	if _, exists := dst["Keep-Alive"]; exists {
		t.Fatalf("keep-alive header should not be copied")
	}

	got := dst.Values("X-Test-Header")
	if len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
}

func newTestClient(t *testing.T, origin string) *Client {
	t.Helper()
	parsed, err := url.Parse(origin)
	require.NoError(t, err)
	client, err := NewClient(ClientOptions{Origin: parsed, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return client
}
