package worker

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tigris-pwa/tigris-cache/internal/cache"
	"github.com/tigris-pwa/tigris-cache/internal/logging"
)

// Source 标记一次响应来自哪里，供响应头与日志使用。
type Source string

const (
	SourceCache       Source = "cache"
	SourceNetwork     Source = "network"
	SourceOffline     Source = "offline"
	SourceSynthesized Source = "synthesized"
)

// FetchResult 是 OnFetch 的返回值。
type FetchResult struct {
	Key      string
	Response *cache.Response
	Source   Source
}

const offlineFallbackBody = `<!doctype html>
<html><head><meta charset="utf-8"><title>Offline</title></head>
<body><h1>You are offline</h1><p>This page is not available offline yet. Please check your connection and try again.</p></body></html>
`

// RequestKey 返回请求在缓存桶中的 key：源站相对的 path，附带原样的查询串。
func RequestKey(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		return p + "?" + u.RawQuery
	}
	return p
}

// OnFetch 处理一次拦截到的请求。非 GET 请求返回 handled=false，调用方应直接透传，且不会访问缓存桶。
//
// GET 请求依次尝试：缓存桶精确匹配 → 网络 → 离线页面。网络返回的 200 basic 且未重定向的响应
// 会在后台写入缓存，写入失败只记录日志，不影响本次响应。
//
// 调用方在网络阶段取消时返回 (nil, true)，此时不再读取离线页面。
func (w *Worker) OnFetch(ctx context.Context, req *http.Request) (*FetchResult, bool) {
	if req.Method != http.MethodGet {
		return nil, false
	}
	key := RequestKey(req.URL)

	bucket, err := w.openBucket(ctx)
	if err != nil {
		w.logger.WithError(err).WithFields(w.fetchFields(key, "")).Warn("cache_open_failed")
	} else {
		cached, err := bucket.Match(ctx, key)
		switch {
		case err == nil:
			return &FetchResult{Key: key, Response: cached, Source: SourceCache}, true
		case errors.Is(err, cache.ErrNotFound):
			// miss, continue
		default:
			w.logger.WithError(err).WithFields(w.fetchFields(key, "")).Warn("cache_match_failed")
		}
	}

	resp, err := w.fetchNetwork(ctx, key, req)
	if err != nil {
		if ctx.Err() != nil {
			w.logger.WithFields(w.fetchFields(key, "")).Debug("fetch_canceled")
			return nil, true
		}
		w.logger.WithError(err).WithFields(w.fetchFields(key, SourceOffline)).Warn("network_unavailable")
		return w.offline(ctx, bucket, key), true
	}
	return &FetchResult{Key: key, Response: resp, Source: SourceNetwork}, true
}

// fetchNetwork 合并同一 key 的并发未命中请求，真正的网络请求不随单个调用方取消。
// 带条件、Range 或凭据头的请求各自请求上游，其响应只属于自己。
func (w *Worker) fetchNetwork(ctx context.Context, key string, req *http.Request) (*cache.Response, error) {
	if !sharedFetch(req.Header) {
		return w.fetchAndStore(req.Clone(ctx), key)
	}

	ch := w.fetchGroup.DoChan(key, func() (interface{}, error) {
		return w.fetchAndStore(req.Clone(context.WithoutCancel(ctx)), key)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		resp := res.Val.(*cache.Response)
		if res.Shared {
			resp = resp.Clone()
		}
		return resp, nil
	}
}

func (w *Worker) fetchAndStore(outbound *http.Request, key string) (*cache.Response, error) {
	resp, err := w.fetcher.Fetch(outbound)
	if err != nil {
		return nil, err
	}
	if w.shouldStore(resp) {
		w.storeDetached(key, resp.Clone())
	}
	return resp, nil
}

// sharedFetch 判断请求的响应能否交给同 key 的其他请求。
func sharedFetch(header http.Header) bool {
	for name := range header {
		canonical := http.CanonicalHeaderKey(name)
		if strings.HasPrefix(canonical, "If-") {
			return false
		}
		switch canonical {
		case "Range", "Authorization", "Cookie":
			return false
		}
	}
	return true
}

func (w *Worker) shouldStore(resp *cache.Response) bool {
	if !resp.Cacheable() {
		return false
	}
	return w.maxEntry <= 0 || int64(len(resp.Body)) <= w.maxEntry
}

// storeDetached 在后台写入缓存，与响应返回互不等待。
func (w *Worker) storeDetached(key string, resp *cache.Response) {
	w.storeMu.Lock()
	if w.Phase() == PhaseRedundant {
		w.storeMu.Unlock()
		return
	}
	w.pending.Add(1)
	w.storeMu.Unlock()

	go func() {
		defer w.pending.Done()
		ctx := context.Background()
		bucket, err := w.openBucket(ctx)
		if err == nil {
			_, err = bucket.Put(ctx, key, resp)
		}
		fields := w.fetchFields(key, SourceNetwork)
		if err != nil {
			w.logger.WithError(err).WithFields(fields).Warn("cache_put_failed")
			return
		}
		w.logger.WithFields(fields).Debug("cache_put_complete")
	}()
}

// offline 返回清单中的离线页面；离线页面本身缺失时合成一个 503 响应。
func (w *Worker) offline(ctx context.Context, bucket cache.Bucket, key string) *FetchResult {
	if bucket != nil {
		doc, err := bucket.Match(context.WithoutCancel(ctx), w.manifest.OfflinePage)
		if err == nil {
			return &FetchResult{Key: key, Response: doc, Source: SourceOffline}
		}
		w.logger.WithError(err).WithFields(w.fetchFields(key, SourceSynthesized)).Error("offline_document_missing")
	}
	return &FetchResult{Key: key, Response: synthesizedOffline(), Source: SourceSynthesized}
}

func synthesizedOffline() *cache.Response {
	header := http.Header{}
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Cache-Control", "no-store")
	return &cache.Response{
		Status: http.StatusServiceUnavailable,
		Header: header,
		Body:   []byte(offlineFallbackBody),
		Type:   cache.ResponseTypeBasic,
	}
}

func (w *Worker) fetchFields(key string, source Source) logrus.Fields {
	return logging.RequestFields(w.name, w.Version(), key, string(source))
}
