package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigris-pwa/tigris-cache/internal/config"
	"github.com/tigris-pwa/tigris-cache/internal/manifest/tigris"
	"github.com/tigris-pwa/tigris-cache/internal/server"
)

func TestHandlerPassesThroughBeforeControllerExists(t *testing.T) {
	env := newHandlerEnv(t)

	resp := env.do(t, http.MethodGet, "/menu", nil)
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "page:/menu", string(body))
	assert.Equal(t, sourcePassThrough, resp.Header.Get(headerOfflineCache))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, 1, env.upstream.count("/menu"))
}

func TestHandlerServesPrecachedRouteWithoutNetwork(t *testing.T) {
	env := newHandlerEnv(t)
	env.bootstrap(t)
	before := env.upstream.count("/menu")

	resp := env.do(t, http.MethodGet, "/menu", nil)
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "page:/menu", string(body))
	assert.Equal(t, "cache", resp.Header.Get(headerOfflineCache))
	assert.Equal(t, tigris.CacheName, resp.Header.Get(headerCacheVersion))
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, before, env.upstream.count("/menu"))

	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	revalidate := env.do(t, http.MethodGet, "/menu", http.Header{"If-None-Match": []string{etag}})
	assert.Equal(t, http.StatusNotModified, revalidate.StatusCode)
}

func TestHandlerLearnsMissesFromNetwork(t *testing.T) {
	env := newHandlerEnv(t)
	controller := env.bootstrap(t)

	resp := env.do(t, http.MethodGet, "/specials?day=mon", nil)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "network", resp.Header.Get(headerOfflineCache))
	assert.Equal(t, "page:/specials", string(body))
	controller.Wait()

	env.upstream.server.Close()

	cached := env.do(t, http.MethodGet, "/specials?day=mon", nil)
	cachedBody, _ := io.ReadAll(cached.Body)
	assert.Equal(t, "cache", cached.Header.Get(headerOfflineCache))
	assert.Equal(t, "page:/specials", string(cachedBody))
}

func TestHandlerFallsBackToOfflineDocument(t *testing.T) {
	env := newHandlerEnv(t)
	env.bootstrap(t)
	env.upstream.server.Close()

	resp := env.do(t, http.MethodGet, "/reservations/42", nil)
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "offline", resp.Header.Get(headerOfflineCache))
	assert.Equal(t, "page:"+tigris.OfflinePage, string(body))
}

func TestHandlerPassesNonGETThroughWithController(t *testing.T) {
	env := newHandlerEnv(t)
	env.bootstrap(t)

	req := httptest.NewRequest(http.MethodPost, "http://tigris.local/contact", strings.NewReader("name=ana"))
	req.Host = "tigris.local"
	resp, err := env.app.Test(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "posted:name=ana", string(body))
	assert.Equal(t, sourcePassThrough, resp.Header.Get(headerOfflineCache))
}

func TestHandlerReportsUnreachableUpstreamOnPassThrough(t *testing.T) {
	env := newHandlerEnv(t)
	env.upstream.server.Close()

	resp := env.do(t, http.MethodGet, "/", nil)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, string(body), "upstream_failed")
}

func TestEtagMatches(t *testing.T) {
	assert.True(t, etagMatches(`"a", "b"`, `"b"`))
	assert.True(t, etagMatches(`W/"b"`, `"b"`))
	assert.True(t, etagMatches("*", `"b"`))
	assert.False(t, etagMatches("", `"b"`))
	assert.False(t, etagMatches(`"c"`, `"b"`))
}

func TestNormalizeRequestPath(t *testing.T) {
	assert.Equal(t, "/", normalizeRequestPath(""))
	assert.Equal(t, "/menu", normalizeRequestPath("/a/../menu"))
	assert.Equal(t, "/assets/", normalizeRequestPath("/assets//"))
}

type stubUpstream struct {
	server *httptest.Server
	mu     sync.Mutex
	hits   map[string]int
}

func newStubUpstream(t *testing.T) *stubUpstream {
	t.Helper()
	stub := &stubUpstream{hits: map[string]int{}}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.hits[r.URL.Path]++
		stub.mu.Unlock()

		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, "posted:"+string(body))
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, "page:"+r.URL.Path)
	}))
	t.Cleanup(stub.server.Close)
	return stub
}

func (s *stubUpstream) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

type handlerEnv struct {
	app      *fiber.App
	registry *server.OriginRegistry
	upstream *stubUpstream
	logger   *logrus.Logger
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	upstream := newStubUpstream(t)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:         5000,
			StoragePath:        t.TempDir(),
			MaxEntrySize:       1 << 20,
			InstallConcurrency: 4,
			InitialBackoff:     config.Duration(time.Millisecond),
			UpstreamTimeout:    config.Duration(5 * time.Second),
		},
		Origins: []config.OriginConfig{
			{Name: "tigris", Domain: "tigris.local", Upstream: upstream.server.URL, Manifest: "tigris"},
		},
	}
	registry, err := server.NewOriginRegistry(cfg, logger)
	require.NoError(t, err)

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      NewForwarder(NewHandler(logger), logger),
		ListenPort: cfg.Global.ListenPort,
	})
	require.NoError(t, err)

	return &handlerEnv{app: app, registry: registry, upstream: upstream, logger: logger}
}

func (e *handlerEnv) bootstrap(t *testing.T) interface{ Wait() } {
	t.Helper()
	require.Equal(t, 1, e.registry.Bootstrap(context.Background(), e.logger))
	route, _ := e.registry.Get("tigris")
	controller := route.Registration.Controller()
	require.NotNil(t, controller)
	return controller
}

func (e *handlerEnv) do(t *testing.T, method, target string, header http.Header) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, "http://tigris.local"+target, nil)
	req.Host = "tigris.local"
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	resp, err := e.app.Test(req)
	require.NoError(t, err)
	return resp
}
