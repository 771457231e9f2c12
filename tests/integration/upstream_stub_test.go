package integration

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"
)

// siteStub 模拟 Tigris 站点源站：任意 GET 返回 "<revision>:<path>" 的 HTML，
// 可按路径注入失败状态码，也可整体停止以模拟离线。
type siteStub struct {
	server   *http.Server
	listener net.Listener
	URL      string

	mu       sync.Mutex
	requests []RecordedRequest
	revision string
	failing  map[string]int
	stopped  bool
}

// RecordedRequest 捕获每次请求的方法/路径/查询串/Headers，便于断言代理行为。
type RecordedRequest struct {
	Method  string
	Path    string
	Query   string
	Headers http.Header
	Body    []byte
}

func newSiteStub(t *testing.T) *siteStub {
	t.Helper()

	stub := &siteStub{
		revision: "v1",
		failing:  map[string]int{},
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	stub.listener = listener
	stub.URL = "http://" + listener.Addr().String()
	stub.server = &http.Server{Handler: http.HandlerFunc(stub.handle)}

	go func() {
		_ = stub.server.Serve(listener)
	}()
	t.Cleanup(stub.Close)
	return stub
}

func (s *siteStub) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.requests = append(s.requests, RecordedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		Headers: r.Header.Clone(),
		Body:    body,
	})
	revision := s.revision
	status, fail := s.failing[r.URL.Path]
	s.mu.Unlock()

	if fail {
		w.WriteHeader(status)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write(body)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, revision+":"+r.URL.Path)
}

// SetRevision 改变后续响应正文的前缀，用于区分缓存与网络内容。
func (s *siteStub) SetRevision(rev string) {
	s.mu.Lock()
	s.revision = rev
	s.mu.Unlock()
}

// Fail 让指定路径返回 status。
func (s *siteStub) Fail(path string, status int) {
	s.mu.Lock()
	s.failing[path] = status
	s.mu.Unlock()
}

// Hits 返回 path 被请求的次数。
func (s *siteStub) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, req := range s.requests {
		if req.Path == path {
			count++
		}
	}
	return count
}

// Requests 返回已记录请求的副本。
func (s *siteStub) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

// Close 停止源站，之后的连接会被拒绝。
func (s *siteStub) Close() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
	_ = s.listener.Close()
}
