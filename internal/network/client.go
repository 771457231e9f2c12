package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/tigris-pwa/tigris-cache/internal/cache"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// ClientOptions 描述单个源站的出站参数。
type ClientOptions struct {
	Origin  *url.URL
	Proxy   *url.URL
	Timeout time.Duration
}

// Client 面向单个源站发起请求，并把响应分类为 basic/cors/opaque。
type Client struct {
	origin *url.URL
	http   *http.Client
}

// NewClient 返回绑定源站的 Client；Proxy 非空时所有出站请求经由该代理。
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Origin == nil || opts.Origin.Host == "" {
		return nil, errors.New("origin url is required")
	}
	timeout := 30 * time.Second
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	transport := defaultTransport.Clone()
	if opts.Proxy != nil {
		transport.Proxy = http.ProxyURL(opts.Proxy)
	}

	return &Client{
		origin: opts.Origin,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}, nil
}

// Resolve 把源站相对的 key（path + ?query）解析为完整 URL。
func (c *Client) Resolve(key string) *url.URL {
	return ResolveKey(c.origin, key)
}

// Do 直接透传请求并返回流式响应，供非 GET 请求使用。
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.http.Do(req)
}

// Fetch 发起请求并缓冲完整正文；网络失败（离线、DNS 等）以 error 返回。
func (c *Client) Fetch(req *http.Request) (*cache.Response, error) {
	requested := req.URL.String()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)

	final := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}

	return &cache.Response{
		Status:     resp.StatusCode,
		Header:     header,
		Body:       body,
		URL:        final.String(),
		Type:       c.classify(final, resp.Header),
		Redirected: final.String() != requested,
	}, nil
}

// classify 同源响应为 basic；跨源且带 CORS 放行头为 cors；其余跨源响应视为 opaque。
func (c *Client) classify(final *url.URL, header http.Header) cache.ResponseType {
	if SameOrigin(c.origin, final) {
		return cache.ResponseTypeBasic
	}
	if header.Get("Access-Control-Allow-Origin") != "" {
		return cache.ResponseTypeCORS
	}
	return cache.ResponseTypeOpaque
}

// SameOrigin 比较 scheme + host（含端口）。
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

// ResolveKey 将 key 拼接到 origin 上，保留 key 自带的查询串。
func ResolveKey(origin *url.URL, key string) *url.URL {
	pathPart, rawQuery, _ := strings.Cut(key, "?")
	relative := &url.URL{Path: pathPart, RawQuery: rawQuery}
	return origin.ResolveReference(relative)
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	canonical := textproto.CanonicalMIMEHeaderKey(key)
	_, ok := hopByHopHeaders[canonical]
	return ok
}
